// Package bot wires the Message Normalizer, Batch Coordinator, Context
// Formatter, Thread/Message Cache, Balance Gate/Service, and Streaming
// Orchestrator into one end-to-end Telegram turn pipeline (§4), in place
// of the teacher's agent.Engine/handler.ChatHandler dispatch. The Telegram
// channel stays the platform binding; this package is the conductor.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"genesis/pkg/api"
	"genesis/pkg/balance"
	"genesis/pkg/batch"
	"genesis/pkg/cache"
	"genesis/pkg/channels/telegram"
	"genesis/pkg/chataction"
	"genesis/pkg/config"
	"genesis/pkg/contextfmt"
	"genesis/pkg/llm"
	"genesis/pkg/normalizer"
	"genesis/pkg/store"
	"genesis/pkg/streaming"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Driver owns one Telegram bot's full turn pipeline: raw update -> Message
// Normalizer -> Batch Coordinator -> Context Formatter -> Streaming
// Orchestrator -> Draft Target -> persistence + billing.
type Driver struct {
	tg      *telegram.TelegramChannel
	client  llm.LLMClient
	tools   api.ToolRegistry
	st      *store.Store
	threads *cache.ThreadCache
	gate    *balance.Gate
	billing *balance.Service
	actions *chataction.Registry
	orch    *streaming.Orchestrator
	norm    *normalizer.Normalizer
	coord   *batch.Coordinator
	sysCfg  *config.SystemConfig

	systemPrompt string
	modelName    string
	budget       contextfmt.Budget
}

// New builds a Driver. cancels is shared with anything else in the
// process that needs to interrupt an in-flight turn (e.g. a future
// /cancel slash command handler).
func New(
	tg *telegram.TelegramChannel,
	client llm.LLMClient,
	tools api.ToolRegistry,
	st *store.Store,
	threads *cache.ThreadCache,
	gate *balance.Gate,
	billing *balance.Service,
	actions *chataction.Registry,
	cancels *streaming.CancelRegistry,
	norm *normalizer.Normalizer,
	sysCfg *config.SystemConfig,
	systemPrompt, modelName string,
	batchWindow time.Duration,
) *Driver {
	d := &Driver{
		tg:           tg,
		client:       client,
		tools:        tools,
		st:           st,
		threads:      threads,
		gate:         gate,
		billing:      billing,
		actions:      actions,
		norm:         norm,
		sysCfg:       sysCfg,
		systemPrompt: systemPrompt,
		modelName:    modelName,
		budget: contextfmt.Budget{
			ContextWindow: 128000,
			MaxOutput:     4096,
			BufferPct:     0.1,
		},
	}
	d.orch = streaming.NewOrchestrator(client, tools, cancels, actions)
	if batchWindow <= 0 {
		batchWindow = batch.DefaultWindow
	}
	d.coord = batch.New(batchWindow, d.onFlush)
	return d
}

// Run starts the long-poll loop. It blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	return d.tg.ListenRaw(ctx, func(msg *tgbotapi.Message) {
		pm, ok := toPlatformMessage(msg)
		if !ok {
			return
		}

		processed, err := d.norm.Normalize(ctx, pm)
		if err != nil {
			slog.ErrorContext(ctx, "bot.normalize_failed", "error", err, "chat_id", pm.ChatID, "user_id", pm.UserID)
			return
		}

		key := batch.ThreadKey{ChatID: pm.ChatID, UserID: pm.UserID, TopicID: pm.TopicID}
		d.coord.Add(ctx, key, processed)
	})
}

// onFlush is the Batch Coordinator's FlushFunc: it turns one or more
// coalesced ProcessedMessages into a single atomic turn.
func (d *Driver) onFlush(ctx context.Context, key batch.ThreadKey, messages []normalizer.ProcessedMessage) {
	if len(messages) == 0 {
		return
	}

	if !d.gate.Allow(ctx, key.UserID, "chat") {
		d.notifyLowBalance(ctx, key)
		return
	}

	if err := d.st.EnsureChat(ctx, key.ChatID, chatTypeFor(messages[0])); err != nil {
		slog.ErrorContext(ctx, "bot.ensure_chat_failed", "error", err, "chat_id", key.ChatID)
		return
	}
	if _, err := d.st.EnsureUser(ctx, key.UserID); err != nil {
		slog.ErrorContext(ctx, "bot.ensure_user_failed", "error", err, "user_id", key.UserID)
		return
	}

	var topicPtr *int64
	if key.TopicID != 0 {
		topicPtr = &key.TopicID
	}
	threadID, err := d.st.ThreadIDFor(ctx, key.ChatID, key.UserID, topicPtr)
	if err != nil {
		slog.ErrorContext(ctx, "bot.thread_resolve_failed", "error", err, "chat_id", key.ChatID)
		return
	}

	history, err := d.threads.Get(ctx, threadID)
	if err != nil {
		slog.ErrorContext(ctx, "bot.history_rehydrate_failed", "error", err, "thread_id", threadID)
		return
	}
	history.EnsureSystemMessage(d.systemPrompt)

	row, attachments := mergeRow(messages)
	rendered, err := contextfmt.Format([]contextfmt.Row{row}, messages[0].IsGroupChat, d.budget)
	if err != nil {
		slog.ErrorContext(ctx, "bot.render_row_failed", "error", err, "thread_id", threadID)
		return
	}
	lastInbound := messages[len(messages)-1]
	if err := d.threads.Append(ctx, cache.AppendMessageInput{
		ChatID:         key.ChatID,
		MessageID:      lastInbound.MessageID,
		ThreadID:       threadID,
		Message:        lastInboundAsMessage(rendered),
		SenderDisplay:  row.SenderDisplay,
		ReplySnippet:   row.ReplySnippet,
		QuoteText:      row.QuoteText,
		ForwardOrigin:  row.ForwardOrigin,
		HasAttachments: attachments,
	}); err != nil {
		slog.ErrorContext(ctx, "bot.append_user_message_failed", "error", err, "thread_id", threadID)
	}

	conversation := history.GetMessages()
	target := d.tg.NewDraftTarget(key.ChatID, key.TopicID)

	result, err := d.orch.Stream(ctx, streaming.StreamParams{
		Conversation: conversation,
		Tools:        toolsAsLLM(d.tools),
		Model:        d.modelName,
		ChatID:       key.ChatID,
		UserID:       key.UserID,
		TopicID:      key.TopicID,
		IsGroupChat:  messages[0].IsGroupChat,
		DraftTarget:  target,
	})
	if err != nil {
		slog.ErrorContext(ctx, "bot.stream_failed", "error", err, "thread_id", threadID)
	}

	d.persistNewMessages(ctx, key, threadID, conversation, result)
	d.charge(ctx, key.UserID, result, lastInbound)
}

// persistNewMessages appends every message the orchestrator produced this
// turn (assistant text, stripped tool replays, tool-result turns) that
// wasn't already in the conversation passed in.
func (d *Driver) persistNewMessages(ctx context.Context, key batch.ThreadKey, threadID int64, before []llm.Message, result streaming.StreamResult) {
	if len(result.Conversation) <= len(before) {
		return
	}
	newOnes := result.Conversation[len(before):]
	base := time.Now().UnixNano()
	for i, m := range newOnes {
		syntheticID := base + int64(i)
		if err := d.threads.Append(ctx, cache.AppendMessageInput{
			ChatID:    key.ChatID,
			MessageID: syntheticID,
			ThreadID:  threadID,
			Message:   m,
		}); err != nil {
			slog.ErrorContext(ctx, "bot.append_turn_message_failed", "error", err, "thread_id", threadID)
		}
	}
}

// charge prices the turn's usage and debits the user's balance through
// the Balance Service (§4.K's post-charge accounting).
func (d *Driver) charge(ctx context.Context, userID int64, result streaming.StreamResult, lastInbound normalizer.ProcessedMessage) {
	if result.Usage == nil {
		return
	}
	var promptTokens, completionTokens int64
	promptTokens = int64(result.Usage.PromptTokens)
	completionTokens = int64(result.Usage.CompletionTokens)

	cost := d.billing.Price(balance.UsageCost{
		Model:            d.modelName,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	})
	if cost.IsZero() {
		return
	}
	relatedMessage := lastInbound.MessageID
	if err := d.billing.Charge(ctx, userID, cost, "chat turn usage", &relatedMessage); err != nil {
		slog.ErrorContext(ctx, "bot.charge_failed", "error", err, "user_id", userID)
	}
}

func (d *Driver) notifyLowBalance(ctx context.Context, key batch.ThreadKey) {
	target := d.tg.NewDraftTarget(key.ChatID, key.TopicID)
	if _, err := target.SendMessage(ctx, "Your balance is too low to continue this conversation."); err != nil {
		slog.ErrorContext(ctx, "bot.low_balance_notice_failed", "error", err, "chat_id", key.ChatID)
	}
}

// toolsAsLLM adapts the registry's Tool list into the plain llm.Tool
// slice StreamParams expects — the provider-specific schema format
// conversion happens inside each llm.LLMClient implementation.
func toolsAsLLM(reg api.ToolRegistry) []llm.Tool {
	all := reg.GetAll()
	out := make([]llm.Tool, 0, len(all))
	for _, t := range all {
		out = append(out, t)
	}
	return out
}

// mergeRow folds a coalesced batch of ProcessedMessages into the single
// contextfmt.Row the formatter renders for this turn. Reply/forward/quote
// context is taken from whichever message carries it; text is joined in
// arrival order.
func mergeRow(messages []normalizer.ProcessedMessage) (contextfmt.Row, bool) {
	var textParts []string
	var row contextfmt.Row
	hasAttachments := false

	for _, m := range messages {
		if m.SenderDisplay != "" {
			row.SenderDisplay = m.SenderDisplay
		}
		if m.Text != "" {
			textParts = append(textParts, m.Text)
		}
		if m.Transcript != nil {
			textParts = append(textParts, m.Transcript.Text)
		}
		if len(m.Files) > 0 {
			hasAttachments = true
		}
		if m.Reply != nil {
			row.ReplySnippet = m.Reply.Snippet
		}
		if m.Quote != nil {
			row.QuoteText = m.Quote.Text
		}
		if m.Forward != nil {
			row.ForwardOrigin = m.Forward.Display
		}
	}

	row.Role = "user"
	row.TextBody = strings.Join(textParts, "\n\n")
	return row, hasAttachments
}

// lastInboundAsMessage picks the rendered llm.Message for the user turn
// that contextfmt.Format just produced; threads.Append adds it to the
// in-memory history and persists the same content blocks.
func lastInboundAsMessage(rendered []llm.Message) llm.Message {
	if len(rendered) == 0 {
		return llm.NewUserMessage("")
	}
	return rendered[len(rendered)-1]
}

func chatTypeFor(m normalizer.ProcessedMessage) string {
	if m.IsGroupChat {
		return "group"
	}
	return "private"
}

// toPlatformMessage adapts a raw Telegram update into the Normalizer's
// platform-neutral shape (§4.C), grounded on the teacher's own update
// parsing in TelegramChannel.Start.
func toPlatformMessage(msg *tgbotapi.Message) (normalizer.PlatformMessage, bool) {
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return normalizer.PlatformMessage{}, false
	}

	pm := normalizer.PlatformMessage{
		ChatID:        msg.Chat.ID,
		UserID:        msg.From.ID,
		MessageID:     int64(msg.MessageID),
		TopicID:       int64(msg.MessageThreadID),
		IsGroupChat:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		SenderDisplay: senderDisplay(msg),
		Text:          msg.Text,
	}
	if pm.Text == "" {
		pm.Text = msg.Caption
	}

	switch {
	case msg.Voice != nil:
		pm.Media = &normalizer.MediaRef{Kind: normalizer.RawVoice, FileID: msg.Voice.FileID, DeclaredMIME: msg.Voice.MimeType, DurationSecs: float64(msg.Voice.Duration)}
	case msg.VideoNote != nil:
		pm.Media = &normalizer.MediaRef{Kind: normalizer.RawVideoNote, FileID: msg.VideoNote.FileID, DurationSecs: float64(msg.VideoNote.Duration)}
	case msg.Audio != nil:
		pm.Media = &normalizer.MediaRef{Kind: normalizer.RawAudio, FileID: msg.Audio.FileID, Filename: msg.Audio.FileName, DeclaredMIME: msg.Audio.MimeType, DurationSecs: float64(msg.Audio.Duration)}
	case msg.Video != nil:
		pm.Media = &normalizer.MediaRef{Kind: normalizer.RawVideo, FileID: msg.Video.FileID, Filename: msg.Video.FileName, DeclaredMIME: msg.Video.MimeType, DurationSecs: float64(msg.Video.Duration)}
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		pm.Media = &normalizer.MediaRef{Kind: normalizer.RawPhoto, FileID: largest.FileID}
	case msg.Document != nil:
		pm.Media = &normalizer.MediaRef{Kind: normalizer.RawDocument, FileID: msg.Document.FileID, Filename: msg.Document.FileName, DeclaredMIME: msg.Document.MimeType}
	}

	if msg.ReplyToMessage != nil {
		reply := msg.ReplyToMessage
		snippet := reply.Text
		if snippet == "" {
			snippet = reply.Caption
		}
		if runes := []rune(snippet); len(runes) > 200 {
			snippet = string(runes[:200])
		}
		display := ""
		if reply.From != nil {
			display = senderDisplay(reply)
		}
		pm.Reply = &normalizer.ReplyContext{Snippet: snippet, SenderDisplay: display}
	}

	if msg.ForwardFrom != nil {
		pm.Forward = &normalizer.ForwardContext{OriginKind: "user", Display: senderDisplay(msg)}
	} else if msg.ForwardFromChat != nil {
		pm.Forward = &normalizer.ForwardContext{OriginKind: "channel", Display: msg.ForwardFromChat.Title}
	} else if msg.ForwardSenderName != "" {
		pm.Forward = &normalizer.ForwardContext{OriginKind: "hidden", Display: msg.ForwardSenderName}
	}

	return pm, true
}

func senderDisplay(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return ""
	}
	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if name != "" {
		return name
	}
	if msg.From.UserName != "" {
		return msg.From.UserName
	}
	return fmt.Sprintf("user_%d", msg.From.ID)
}
