package cache

import (
	"genesis/pkg/llm"
	"genesis/pkg/store"
	"testing"
)

func TestRowToMessagePrefersThinkingBlocks(t *testing.T) {
	blocks := []llm.ContentBlock{llm.NewTextBlock("hello"), llm.NewSignedThinkingBlock("thinking...", "sig123")}
	raw, err := json.Marshal(blocks)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	row := store.StoredMessage{Role: "assistant", TextBody: "hello", ThinkingBlocks: raw}

	msg := rowToMessage(row)
	if len(msg.Content) != 2 {
		t.Fatalf("expected 2 content blocks from verbatim blob, got %d", len(msg.Content))
	}
	if msg.Content[1].Type != llm.BlockTypeThinking || msg.Content[1].Signature != "sig123" {
		t.Errorf("thought signature not preserved: %+v", msg.Content[1])
	}
}

func TestRowToMessageFallsBackToTextBody(t *testing.T) {
	row := store.StoredMessage{Role: "user", TextBody: "plain text", ThinkingBlocks: nil}
	msg := rowToMessage(row)
	if len(msg.Content) != 1 || msg.Content[0].Text != "plain text" {
		t.Errorf("expected single text block fallback, got %+v", msg.Content)
	}
}

func TestRowToMessageFallsBackOnCorruptBlob(t *testing.T) {
	row := store.StoredMessage{Role: "assistant", TextBody: "recovered", ThinkingBlocks: []byte("not json")}
	msg := rowToMessage(row)
	if len(msg.Content) != 1 || msg.Content[0].Text != "recovered" {
		t.Errorf("expected fallback to text body on corrupt blob, got %+v", msg.Content)
	}
}
