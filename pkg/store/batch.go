package store

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/jackc/pgx/v5"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageRow is the persisted shape of one `messages` row. ThinkingBlocks
// carries the verbatim content blob (P1) — callers MUST pass the exact
// []llm.ContentBlock the LLM emitted, pre-marshaled to JSON, never a
// reconstruction from TextBody alone.
type MessageRow struct {
	ChatID         int64
	MessageID      int64
	ThreadID       int64
	Role           string
	TextBody       string
	ThinkingBlocks []byte // raw JSON, nil if this message has no structured blob
	SenderDisplay  string
	ReplySnippet   string
	QuoteText      string
	ForwardOrigin  string
	HasAttachments bool
	EditCount      int
	OriginalBody   string
	PromptTokens   int
	CompletionTokens int
	Cost           float64
}

// UserStatsIncrement is one user's aggregated counter delta within a flush
// batch — the Write-Behind Queue groups raw USER_STATS envelopes by user
// before calling InsertUserStats (§4.A step 3: "group by user; one
// increment per user, summing counters").
type UserStatsIncrement struct {
	UserID        int64
	MessageDelta  int64
	TokenDelta    int64
}

type BalanceOpRow struct {
	UserID         int64
	Kind           string
	Amount         float64
	BalanceBefore  float64
	BalanceAfter   float64
	RelatedMessage *int64
	Description    string
}

type ToolCallRow struct {
	ThreadID  int64
	ToolName  string
	ToolUseID string
	DurationMs int
	IsError   bool
}

// FileRow is one `user_files` binding (§3 UploadedFile): a platform file
// handle, an LLM-files-API handle, MIME type, and expiry.
type FileRow struct {
	FileID          string
	MessageID       *int64
	ChatID          *int64
	PlatformHandle  string
	LLMHandle       string
	MimeType        string
	ExpiresAtUnix   int64
}

// InsertMessagesBatch bulk-inserts with upsert-ignore on (chat_id,
// message_id) — duplicates are silent no-ops, never errors (P3, §4.A).
func InsertMessagesBatch(ctx context.Context, tx pgx.Tx, rows []MessageRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO messages (
				chat_id, message_id, thread_id, role, text_body, thinking_blocks,
				sender_display, reply_snippet, quote_text, forward_origin,
				has_attachments, edit_count, original_body, prompt_tokens,
				completion_tokens, cost
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (chat_id, message_id) DO NOTHING
		`, r.ChatID, r.MessageID, r.ThreadID, r.Role, r.TextBody, r.ThinkingBlocks,
			r.SenderDisplay, r.ReplySnippet, r.QuoteText, r.ForwardOrigin,
			r.HasAttachments, r.EditCount, r.OriginalBody, r.PromptTokens,
			r.CompletionTokens, r.Cost)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertUserStats applies one summed increment per user.
func InsertUserStats(ctx context.Context, tx pgx.Tx, incs []UserStatsIncrement) error {
	if len(incs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, inc := range incs {
		batch.Queue(`
			UPDATE users SET message_count = message_count + $2, token_count = token_count + $3
			WHERE user_id = $1
		`, inc.UserID, inc.MessageDelta, inc.TokenDelta)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range incs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertBalanceOpsBatch appends audit rows — always an insert, never an
// upsert; BalanceOperation is defined as immutable (§3).
func InsertBalanceOpsBatch(ctx context.Context, tx pgx.Tx, rows []BalanceOpRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO balance_operations (
				user_id, kind, amount, balance_before, balance_after, related_message, description
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, r.UserID, r.Kind, r.Amount, r.BalanceBefore, r.BalanceAfter, r.RelatedMessage, r.Description)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertFilesBatch upserts UploadedFile bindings, ignoring duplicates by
// file_id the same way messages ignore duplicates by (chat_id,message_id):
// a normalizer retry after a transient queue failure must not fail twice.
func InsertFilesBatch(ctx context.Context, tx pgx.Tx, rows []FileRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO user_files (file_id, message_id, chat_id, platform_handle, llm_handle, mime_type, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6, to_timestamp($7))
			ON CONFLICT (file_id) DO NOTHING
		`, r.FileID, r.MessageID, r.ChatID, r.PlatformHandle, r.LLMHandle, r.MimeType, r.ExpiresAtUnix)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertToolCallsBatch appends tool-invocation audit rows.
func InsertToolCallsBatch(ctx context.Context, tx pgx.Tx, rows []ToolCallRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO tool_calls (thread_id, tool_name, tool_use_id, duration_ms, is_error)
			VALUES ($1,$2,$3,$4,$5)
		`, r.ThreadID, r.ToolName, r.ToolUseID, r.DurationMs, r.IsError)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
