// Package contextfmt implements the Context Formatter (§4.E): it turns
// persisted message rows into the content list the LLM provider accepts,
// replaying assistant content blobs verbatim (P1), rendering a header
// block for user turns that need one, dropping empty-content turns (P9),
// and trimming the tail to fit a token budget.
package contextfmt

import (
	"fmt"
	"genesis/pkg/llm"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Row is the subset of a persisted message the formatter needs. It is
// deliberately decoupled from store.StoredMessage so this package has no
// import-time dependency on pkg/store.
type Row struct {
	Role           string
	TextBody       string
	ThinkingBlocks []byte // verbatim content blob, nil if none was stored
	SenderDisplay  string
	ReplySnippet   string
	QuoteText      string
	ForwardOrigin  string
	EditCount      int
}

// Budget bounds how much of the tail the formatter keeps.
type Budget struct {
	ContextWindow int     // model's total context window, in tokens
	MaxOutput     int     // tokens reserved for the response
	BufferPct     float64 // fraction of the window held back as safety margin
}

func (b Budget) available() int {
	reserved := b.MaxOutput + int(float64(b.ContextWindow)*b.BufferPct)
	avail := b.ContextWindow - reserved
	if avail < 0 {
		return 0
	}
	return avail
}

// estimateTokens is a cheap, provider-agnostic heuristic (~4 chars/token)
// used only for budget trimming, never for billing — billing uses the
// provider's reported usage.
func estimateTokens(msg llm.Message) int {
	n := 0
	for _, b := range msg.Content {
		n += len(b.Text) + len(b.ToolResultText)
		for k := range b.ToolInput {
			n += len(k) + 8
		}
	}
	if n == 0 {
		n = 1
	}
	return n/4 + 1
}

// Format renders rows (oldest first) into the LLM-ready message list,
// applying header rendering, verbatim blob replay, empty-content
// filtering, and tail trimming to fit budget.
func Format(rows []Row, isGroupChat bool, budget Budget) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := renderRow(r, isGroupChat)
		if err != nil {
			return nil, fmt.Errorf("contextfmt: render row: %w", err)
		}
		if llm.IsEmptyContent(msg.Content) {
			continue
		}
		out = append(out, msg)
	}
	return trimToBudget(out, budget), nil
}

func renderRow(r Row, isGroupChat bool) (llm.Message, error) {
	msg := llm.Message{Role: r.Role}

	if r.Role == "assistant" && len(r.ThinkingBlocks) > 0 {
		var blocks []llm.ContentBlock
		if err := json.Unmarshal(r.ThinkingBlocks, &blocks); err != nil {
			return llm.Message{}, err
		}
		msg.Content = blocks
		return msg, nil
	}

	text := r.TextBody
	if r.Role == "user" {
		if header := renderHeader(r, isGroupChat); header != "" {
			text = header + "\n" + text
		}
	}
	msg.Content = []llm.ContentBlock{llm.NewTextBlock(text)}
	return msg, nil
}

// renderHeader builds the sender/reply/quote/forward/edit preamble. It is
// emitted only when at least one of those facts is true — a plain
// one-on-one message with no reply/edit history carries no header at all.
func renderHeader(r Row, isGroupChat bool) string {
	needsHeader := isGroupChat || r.ReplySnippet != "" || r.QuoteText != "" || r.ForwardOrigin != "" || r.EditCount > 0
	if !needsHeader {
		return ""
	}
	var lines []string
	if isGroupChat && r.SenderDisplay != "" {
		lines = append(lines, r.SenderDisplay+":")
	}
	if r.ForwardOrigin != "" {
		lines = append(lines, fmt.Sprintf("Forwarded from %s", r.ForwardOrigin))
	}
	if r.ReplySnippet != "" {
		lines = append(lines, fmt.Sprintf("Replying to %q", r.ReplySnippet))
	}
	if r.QuoteText != "" {
		lines = append(lines, fmt.Sprintf("Quote: %q", r.QuoteText))
	}
	if r.EditCount > 0 {
		lines = append(lines, fmt.Sprintf("(edited %dx)", r.EditCount))
	}
	return strings.Join(lines, "\n")
}

// trimToBudget keeps the newest messages that fit within budget.available
// tokens, discarding the oldest first.
func trimToBudget(msgs []llm.Message, budget Budget) []llm.Message {
	avail := budget.available()
	if avail <= 0 || budget.ContextWindow == 0 {
		return msgs
	}
	total := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		total += estimateTokens(msgs[i])
		if total > avail {
			cut = i + 1
			break
		}
		cut = i
	}
	return msgs[cut:]
}
