package cache

import (
	"context"
	"genesis/pkg/llm"
	"genesis/pkg/queue"
	"genesis/pkg/store"
)

// AppendMessageInput carries everything the durable MESSAGE envelope needs
// beyond the in-memory llm.Message — the relational identifiers and the
// display/accounting metadata that pkg/llm.Message doesn't model.
type AppendMessageInput struct {
	ChatID         int64
	MessageID      int64
	ThreadID       int64
	Message        llm.Message
	SenderDisplay  string
	ReplySnippet   string
	QuoteText      string
	ForwardOrigin  string
	HasAttachments bool
	OriginalBody   string
	PromptTokens   int
	CompletionTokens int
	Cost           float64
}

// Append adds msg to the in-memory history immediately and enqueues the
// durable write. The in-memory state is authoritative for the rest of the
// current turn regardless of whether the enqueue succeeds; a failed
// enqueue only delays persistence, it never blocks or drops the turn.
func (c *ThreadCache) Append(ctx context.Context, in AppendMessageInput) error {
	h, err := c.Get(ctx, in.ThreadID)
	if err != nil {
		return err
	}
	h.Add(in.Message)

	blob, err := json.Marshal(in.Message.Content)
	if err != nil {
		return err
	}
	row := store.MessageRow{
		ChatID:           in.ChatID,
		MessageID:        in.MessageID,
		ThreadID:         in.ThreadID,
		Role:             in.Message.Role,
		TextBody:         in.Message.GetTextContent(),
		ThinkingBlocks:   blob,
		SenderDisplay:    in.SenderDisplay,
		ReplySnippet:     in.ReplySnippet,
		QuoteText:        in.QuoteText,
		ForwardOrigin:    in.ForwardOrigin,
		HasAttachments:   in.HasAttachments,
		OriginalBody:     in.OriginalBody,
		PromptTokens:     in.PromptTokens,
		CompletionTokens: in.CompletionTokens,
		Cost:             in.Cost,
	}
	c.queue.Enqueue(ctx, queue.WriteMessage, row)
	return nil
}
