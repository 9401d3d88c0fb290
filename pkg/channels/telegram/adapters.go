package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"genesis/pkg/chataction"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DraftTarget adapts one Telegram chat/topic pair to draft.Target. Telegram
// has no first-class draft primitive, so "update" and "finalize" both
// resolve to message edits against the same permanent message id — the
// first UpdateDraft call sends it, every later call (update or finalize)
// edits it in place. One DraftTarget is scoped to a single turn; the
// bot driver (pkg/bot) constructs a fresh one per turn and passes it to
// Orchestrator.Stream in StreamParams.
type DraftTarget struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	topicID int64
}

// NewDraftTarget builds a per-turn draft.Target bound to one chat/topic.
func (t *TelegramChannel) NewDraftTarget(chatID, topicID int64) *DraftTarget {
	return &DraftTarget{bot: t.bot, chatID: chatID, topicID: topicID}
}

func (d *DraftTarget) UpdateDraft(ctx context.Context, draftID string, text string) (string, error) {
	rendered := RenderMarkdownV2(text, true)

	if draftID == "" {
		msg := tgbotapi.NewMessage(d.chatID, rendered)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		if d.topicID != 0 {
			msg.MessageThreadID = int(d.topicID)
		}
		sent, err := d.bot.Send(msg)
		if err != nil {
			return "", fmt.Errorf("telegram draft send failed: %w", err)
		}
		return strconv.Itoa(sent.MessageID), nil
	}

	msgID, err := strconv.Atoi(draftID)
	if err != nil {
		return "", fmt.Errorf("telegram draft id %q is not a message id: %w", draftID, err)
	}
	edit := tgbotapi.NewEditMessageText(d.chatID, msgID, rendered)
	edit.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := d.bot.Send(edit); err != nil {
		return "", fmt.Errorf("telegram draft edit failed: %w", err)
	}
	return draftID, nil
}

func (d *DraftTarget) FinalizeDraft(ctx context.Context, draftID string, text string) (string, error) {
	if _, err := d.UpdateDraft(ctx, draftID, text); err != nil {
		return "", err
	}
	return draftID, nil
}

func (d *DraftTarget) SendMessage(ctx context.Context, text string) (string, error) {
	rendered := RenderMarkdownV2(text, true)
	msg := tgbotapi.NewMessage(d.chatID, rendered)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if d.topicID != 0 {
		msg.MessageThreadID = int(d.topicID)
	}
	sent, err := d.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram send failed: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendChatAction implements chataction.Sender (§4.J), dispatching the
// platform-neutral action string the TelegramResolver produced.
func (t *TelegramChannel) SendChatAction(ctx context.Context, chatID, topicID int64, action string) error {
	cfg := tgbotapi.NewChatAction(chatID, action)
	if topicID != 0 {
		cfg.MessageThreadID = int(topicID)
	}
	_, err := t.bot.Send(cfg)
	return err
}

var _ chataction.Sender = (*TelegramChannel)(nil)

// Download implements normalizer.Downloader: fetches a Telegram file id's
// bytes into memory, grounded on downloadPhoto's GetFile+Link+http.Get
// idiom but without the disk-cache/glob-dedup step, since the normalizer
// already mirrors every download into its own blob cache.
func (t *TelegramChannel) Download(ctx context.Context, fileID string) ([]byte, string, error) {
	fileInfo, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("telegram: get file info failed for %s: %w", fileID, err)
	}

	fileURL := fileInfo.Link(t.config.Token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: building download request failed for %s: %w", fileID, err)
	}
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download failed for %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram: download failed for %s: status %d", fileID, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: reading download body failed for %s: %w", fileID, err)
	}

	return data, fileInfo.FilePath, nil
}

// ListenRaw runs the same long-poll loop as Start, but hands each inbound
// tgbotapi.Message straight to handle instead of translating it into an
// api.UnifiedMessage and routing it through the gateway — the entry point
// the Batch-Coordinator-driven pipeline (pkg/bot) uses in place of the
// legacy gateway/handler dispatch. Grounded directly on Start's offset loop;
// kept as a parallel method rather than a Start refactor so the legacy
// gateway path is left untouched.
func (t *TelegramChannel) ListenRaw(ctx context.Context, handle func(*tgbotapi.Message)) error {
	offset := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stopCtx.Done():
			return nil
		default:
		}

		reqConfig := tgbotapi.NewUpdate(offset)
		reqConfig.Timeout = 60

		updates, err := t.bot.GetUpdates(reqConfig)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-t.stopCtx.Done():
				return nil
			default:
				slog.Debug("telegram.listen_raw_poll_failed", "error", err)
				time.Sleep(3 * time.Second)
				continue
			}
		}

		for _, update := range updates {
			if update.UpdateID < offset {
				continue
			}
			offset = update.UpdateID + 1

			if update.Message == nil {
				continue
			}
			handle(update.Message)
		}
	}
}

// BotToken exposes the token adapters outside this package need to build
// file-download URLs (e.g. normalizer.Downloader callers resolving a
// FilePath without going through Download).
func (t *TelegramChannel) BotToken() string {
	return t.config.Token
}
