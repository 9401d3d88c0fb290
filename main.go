package main

import (
	"context"
	"fmt"
	"genesis/pkg/api"
	"genesis/pkg/balance"
	"genesis/pkg/batch"
	"genesis/pkg/bot"
	"genesis/pkg/cache"
	_ "genesis/pkg/channels/autoload" // Auto-register Channels
	"genesis/pkg/channels/telegram"
	"genesis/pkg/chataction"
	"genesis/pkg/config"
	"genesis/pkg/llm"
	_ "genesis/pkg/llm/autoload" // Auto-register LLM Providers
	"genesis/pkg/monitor"
	"genesis/pkg/normalizer"
	"genesis/pkg/queue"
	"genesis/pkg/store"
	"genesis/pkg/streaming"
	"genesis/pkg/tools"
	ostools "genesis/pkg/tools/os" // Aliased to avoid conflict with "os"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func main() {
	// Create context listening for system signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initial configuration load to get log level before loop
	// This acts as a fallback or initial console setup.
	_, sysCfg, err := config.Load()
	if err == nil {
		monitor.SetupSlog(sysCfg.LogLevel)
	}
	monitor.SetupEnvironment()

	reloadCh := config.WatchConfig(ctx, "config.json", "system.json")

	for {
		err := runAgent(ctx, reloadCh)

		if err != nil {
			slog.Error("System crashed or failed to load config", "error", err)
			slog.Info("Waiting 5 seconds before retrying...")
			// Wait for 5 seconds, or for a file change, or user interrupt
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				slog.Info("Configuration change detected while waiting. Retrying immediately...")
			case <-time.After(5 * time.Second):
			}
		} else {
			// Normal exit from runAgent (either manual exit or config reloaded)
			select {
			case <-ctx.Done():
				return // User requested exit
			default:
				slog.Info("==== Configuration Reloaded ====")
			}
		}
	}
}

// runAgent executes a single lifecycle of the agent
func runAgent(ctx context.Context, reloadCh <-chan struct{}) error {
	// --- 0. Load Configuration ---
	cfg, sysCfg, err := config.Load()
	if err != nil {
		monitor.PrintBanner()
		monitor.SetupSlog("info")
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// --- 0a. Setup Environment (logger + monitor) ---
	monitor.SetupSlog(sysCfg.LogLevel)
	monitor.SetupEnvironment()
	slog.Info("==========================================")

	// --- 1. Persistence + Write-Behind Queue (§6) ---
	st, err := store.Open(ctx, sysCfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	opt, err := redis.ParseURL(sysCfg.RedisURL)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	q := queue.New(rdb, st, queue.Options{
		FlushInterval: time.Duration(sysCfg.QueueFlushIntervalMs) * time.Millisecond,
	})
	queueCtx, stopQueue := context.WithCancel(ctx)
	go q.Run(queueCtx)

	threads := cache.New(st, q, sysCfg.HistoryKeepRecentCount)

	floor, err := decimal.NewFromString(sysCfg.BalanceFloor)
	if err != nil {
		floor = balance.DefaultFloor
	}
	gate := balance.NewGate(st, floor)
	billing := balance.NewService(st, q, modelPricingFromConfig(cfg))

	cleanup := func() {
		stopQueue()
		rdb.Close()
		st.Close()
	}

	// --- 2. Core Services ---
	// --- 2a. LLM Client ---
	client, err := llm.NewFromConfig(cfg.LLM, sysCfg)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to init LLM client: %w", err)
	}

	// --- 2b. Tool Registry (§4.I) ---
	reg := api.NewRegistry()
	reg.Register(tools.NewAPIAdapter(tools.NewOSTool(ostools.NewOSWorker())))

	for name := range cfg.Channels {
		if name != "telegram" {
			slog.Warn("channel configured but not yet wired into the turn pipeline", "channel", name)
		}
	}

	// --- 3. Telegram turn pipeline (§4) ---
	var botDriver *bot.Driver
	var botCancel context.CancelFunc
	if rawTG, ok := cfg.Channels["telegram"]; ok {
		driver, cancel, err := buildTelegramDriver(ctx, rawTG, cfg, sysCfg, client, reg, st, threads, gate, billing)
		if err != nil {
			slog.Error("Failed to build telegram turn pipeline", "error", err)
		} else {
			botDriver = driver
			botCancel = cancel
			go func() {
				if err := botDriver.Run(ctx); err != nil {
					slog.Error("Telegram turn pipeline stopped", "error", err)
				}
			}()
		}
	}

	// Wait for shutdown signal or reload signal
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal. Stopping services...")
		if botCancel != nil {
			botCancel()
		}
		cleanup()
		slog.Info("Bye!")
		return nil
	case <-reloadCh:
		slog.Info("Configuration changes detected, stopping services...")
		if botCancel != nil {
			botCancel()
		}

		slog.Info("Draining connections before restart...")
		time.Sleep(1 * time.Second)
		cleanup()

		// Let runAgent return nil to trigger outer loop restart
		return nil
	}
}

// buildTelegramDriver wires the Message Normalizer, Batch Coordinator,
// Chat-Action Manager, and Streaming Orchestrator into one bot.Driver bound
// to the concrete Telegram channel. It is constructed directly rather than
// through channels.Source/ChannelFactory because the driver needs the
// concrete *telegram.TelegramChannel (NewDraftTarget, ListenRaw, Download,
// SendChatAction) that the api.Channel/gateway.Channel abstraction erases.
func buildTelegramDriver(
	ctx context.Context,
	rawTG jsoniter.RawMessage,
	cfg *config.Config,
	sysCfg *config.SystemConfig,
	client llm.LLMClient,
	reg api.ToolRegistry,
	st *store.Store,
	threads *cache.ThreadCache,
	gate *balance.Gate,
	billing *balance.Service,
) (*bot.Driver, context.CancelFunc, error) {
	var tgCfg telegram.TelegramConfig
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(rawTG, &tgCfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse telegram config: %w", err)
	}
	if tgCfg.Token == "" {
		return nil, nil, fmt.Errorf("missing telegram token")
	}

	ch, err := telegram.NewTelegramChannel(tgCfg, sysCfg.TelegramMessageLimit, sysCfg.DownloadTimeoutMs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create telegram channel: %w", err)
	}
	tg, ok := ch.(*telegram.TelegramChannel)
	if !ok {
		return nil, nil, fmt.Errorf("telegram factory returned unexpected channel type %T", ch)
	}

	actions := chataction.NewRegistry(tg, chataction.TelegramResolver)
	cancels := streaming.NewCancelRegistry()

	norm := normalizer.New(tg, mediaAdapterFor(client), mediaAdapterFor(client), normalizer.NewRedisBlobCache(redisFromDSN(sysCfg.RedisURL)))

	batchWindow := time.Duration(sysCfg.BatchWindowMs) * time.Millisecond
	if batchWindow <= 0 {
		batchWindow = batch.DefaultWindow
	}

	_, cancel := context.WithCancel(ctx)
	driver := bot.New(tg, client, reg, st, threads, gate, billing, actions, cancels, norm, sysCfg, cfg.SystemPrompt, primaryModelName(cfg.LLM), batchWindow)

	return driver, cancel, nil
}

// primaryModelName extracts the first configured model name for billing's
// pricing-table lookup key. The LLMClient interface itself carries no model
// identity (StreamChat takes no model parameter — the concrete client bakes
// its model in at construction), so this is read straight out of raw config.
func primaryModelName(rawLLM jsoniter.RawMessage) string {
	var groups []llm.ProviderGroupConfig
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(rawLLM, &groups); err != nil {
		return "default"
	}
	for _, g := range groups {
		if len(g.Models) > 0 {
			return g.Models[0]
		}
	}
	return "default"
}

// redisFromDSN builds a standalone redis.Client for the blob cache. Kept
// separate from the Write-Behind Queue's client since the two have
// independent lifecycles (the blob cache is purely advisory).
func redisFromDSN(dsn string) *redis.Client {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		opt = &redis.Options{Addr: "localhost:6379"}
	}
	return redis.NewClient(opt)
}

// mediaAdapterFor returns the LLM client as a Transcriber/Uploader when it
// exposes those methods (OpenAI's Whisper + Files API), or a stub that
// rejects media requiring them otherwise. Non-OpenAI providers in this
// codebase don't expose a transcription/upload surface.
func mediaAdapterFor(client llm.LLMClient) *mediaAdapter {
	return &mediaAdapter{client: client}
}

type transcriberUploader interface {
	TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, float64, string, error)
	UploadFile(ctx context.Context, data []byte, filename, mimeType string) (string, error)
}

type mediaAdapter struct {
	client llm.LLMClient
}

func (a *mediaAdapter) TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, float64, string, error) {
	if tu, ok := a.client.(transcriberUploader); ok {
		return tu.TranscribeAudio(ctx, audio, filename)
	}
	return "", 0, "", fmt.Errorf("active LLM provider does not support audio transcription")
}

func (a *mediaAdapter) UploadFile(ctx context.Context, data []byte, filename, mimeType string) (string, error) {
	if tu, ok := a.client.(transcriberUploader); ok {
		return tu.UploadFile(ctx, data, filename, mimeType)
	}
	return "", fmt.Errorf("active LLM provider does not support file uploads")
}

// modelPricingFromConfig seeds the Balance Service's pricing table. A
// per-model pricing feed isn't part of this config shape yet, so every
// model prices at zero until an operator supplies real rates — Price()
// degrades to "don't charge" rather than panicking on a missing entry.
func modelPricingFromConfig(cfg *config.Config) map[string]balance.ModelPricing {
	return map[string]balance.ModelPricing{}
}

