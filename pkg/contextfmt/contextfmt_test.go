package contextfmt

import (
	"genesis/pkg/llm"
	"testing"
)

func TestFormatDropsEmptyMessages(t *testing.T) {
	rows := []Row{
		{Role: "user", TextBody: "hello"},
		{Role: "user", TextBody: "   "},
		{Role: "assistant", TextBody: ""},
	}
	msgs, err := Format(rows, false, Budget{})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 non-empty message, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].GetTextContent() != "hello" {
		t.Errorf("unexpected content: %q", msgs[0].GetTextContent())
	}
}

func TestFormatRendersHeaderInGroupChat(t *testing.T) {
	rows := []Row{
		{Role: "user", TextBody: "hi", SenderDisplay: "Alice"},
	}
	msgs, err := Format(rows, true, Budget{})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	got := msgs[0].GetTextContent()
	if got == "hi" {
		t.Errorf("expected a header to be prepended in a group chat, got bare text %q", got)
	}
}

func TestFormatOmitsHeaderInPrivateChatWithoutMetadata(t *testing.T) {
	rows := []Row{{Role: "user", TextBody: "hi"}}
	msgs, err := Format(rows, false, Budget{})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if got := msgs[0].GetTextContent(); got != "hi" {
		t.Errorf("expected bare text with no header, got %q", got)
	}
}

func TestFormatReplaysAssistantBlobVerbatim(t *testing.T) {
	blocks := []llm.ContentBlock{
		llm.NewSignedThinkingBlock("reasoning...", "sig-abc"),
		llm.NewTextBlock("the answer"),
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rows := []Row{{Role: "assistant", TextBody: "the answer", ThinkingBlocks: raw}}
	msgs, err := Format(rows, false, Budget{})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if len(msgs[0].Content) != 2 || msgs[0].Content[0].Signature != "sig-abc" {
		t.Errorf("expected verbatim 2-block replay with signature preserved, got %+v", msgs[0].Content)
	}
}

func TestTrimToBudgetKeepsNewestTail(t *testing.T) {
	msgs := []llm.Message{
		{Role: "user", Content: []llm.ContentBlock{llm.NewTextBlock(repeat("a", 4000))}},
		{Role: "assistant", Content: []llm.ContentBlock{llm.NewTextBlock(repeat("b", 4000))}},
		{Role: "user", Content: []llm.ContentBlock{llm.NewTextBlock("recent")}},
	}
	trimmed := trimToBudget(msgs, Budget{ContextWindow: 500, MaxOutput: 100, BufferPct: 0})
	if len(trimmed) == 0 {
		t.Fatal("expected at least the newest message to survive trimming")
	}
	if trimmed[len(trimmed)-1].GetTextContent() != "recent" {
		t.Errorf("expected newest message retained, got %+v", trimmed)
	}
}

func repeat(s string, n int) string {
	b := make([]byte, 0, n)
	for len(b) < n {
		b = append(b, s...)
	}
	return string(b[:n])
}
