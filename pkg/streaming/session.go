// Package streaming implements the Streaming Session, Tool Executor, and
// Streaming Orchestrator (§4.G/H/I): the hub that drives one LLM
// streaming call, dispatches client-side tools, loops on tool_use until
// the turn ends, and renders incremental output through the Draft
// Streamer.
//
// Grounded on pkg/agent/engine.go's ProcessLLMStream/CollectChunks/
// ProcessChunk — the same event-driven accumulation idiom, generalized
// from "one linear pass with recursive retry" into the spec's explicit
// iteration-bounded tool loop with parallel dispatch and cancellation.
package streaming

import (
	"genesis/pkg/llm"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DisplayBlockKind is one rendered segment of the in-flight draft.
type DisplayBlockKind string

const (
	DisplayThinking   DisplayBlockKind = "thinking"
	DisplayText       DisplayBlockKind = "text"
	DisplaySystem     DisplayBlockKind = "system"
	DisplayToolMarker DisplayBlockKind = "tool_marker"
)

type displayBlock struct {
	kind DisplayBlockKind
	text strings.Builder
}

// PendingTool is a client-side tool invocation awaiting execution.
type PendingTool struct {
	ID           string
	Name         string
	Input        map[string]any
	IsServerTool bool
}

// Session is the pure state object over one LLM stream iteration (§4.G).
// It is touched by exactly one goroutine per the concurrency model (§5)
// and carries no internal locking.
type Session struct {
	display         []*displayBlock
	PendingOrder    []string // launch order, for the tool_use/tool_result bijection (P2)
	PendingTools    map[string]PendingTool
	CapturedMessage []llm.ContentBlock
	StopReason      string
	SentParts       []string

	thinkingChars int
	outputChars   int
	usage         *llm.LLMUsage
}

func NewSession() *Session {
	return &Session{PendingTools: make(map[string]PendingTool)}
}

func (s *Session) current(kind DisplayBlockKind) *displayBlock {
	if len(s.display) > 0 && s.display[len(s.display)-1].kind == kind {
		return s.display[len(s.display)-1]
	}
	b := &displayBlock{kind: kind}
	s.display = append(s.display, b)
	return b
}

// ThinkingDelta appends a thinking chunk, opening a new display block if
// the previous one wasn't thinking.
func (s *Session) ThinkingDelta(chunk string) {
	s.current(DisplayThinking).text.WriteString(chunk)
	s.thinkingChars += len(chunk)
}

// TextDelta appends a text chunk.
func (s *Session) TextDelta(chunk string) {
	s.current(DisplayText).text.WriteString(chunk)
	s.outputChars += len(chunk)
}

// ToolUseStart closes any open text/thinking block and inserts a tool
// marker — the tool's name becomes visible in the draft immediately,
// before its result is known.
func (s *Session) ToolUseStart(id, name string, isServer bool) {
	b := s.current(DisplayToolMarker)
	if b.text.Len() == 0 {
		label := name
		if isServer {
			label = name + " (server)"
		}
		b.text.WriteString("[" + label + "]")
	}
}

// ToolInputComplete records a completed tool-use block. Client-side tools
// are queued in PendingTools (in launch order, for the bijection
// guarantee); server-side tools are executed by the LLM itself and are
// display-only here.
func (s *Session) ToolInputComplete(id, name string, input map[string]any, isServer bool) {
	if isServer {
		return
	}
	if _, exists := s.PendingTools[id]; !exists {
		s.PendingOrder = append(s.PendingOrder, id)
	}
	s.PendingTools[id] = PendingTool{ID: id, Name: name, Input: input, IsServerTool: isServer}
}

// BlockEnd is a no-op hook kept for symmetry with the LLM event protocol
// — block boundaries don't change any Session field, only Render's
// grouping, which is already block-structured.
func (s *Session) BlockEnd() {}

// MessageEnd records the stop reason for this iteration.
func (s *Session) MessageEnd(stopReason string) {
	s.StopReason = stopReason
}

// StreamComplete captures the final content list the LLM emitted this
// iteration — stored verbatim, never reconstructed, so it can be
// persisted and replayed byte-identical (P1).
func (s *Session) StreamComplete(final []llm.ContentBlock) {
	s.CapturedMessage = final
}

// Render concatenates display blocks into the string shown to the user.
// While streaming, thinking is shown in italics; once the turn is final,
// it folds into a MarkdownV2 expandable blockquote.
func (s *Session) Render(final bool) string {
	var out strings.Builder
	for i, b := range s.display {
		if i > 0 {
			out.WriteString("\n\n")
		}
		text := b.text.String()
		switch b.kind {
		case DisplayThinking:
			if final {
				out.WriteString(renderThinkingBlockquote(text))
			} else {
				out.WriteString("_" + text + "_")
			}
		case DisplayToolMarker:
			out.WriteString(text)
		default:
			out.WriteString(text)
		}
	}
	return out.String()
}

// renderThinkingBlockquote wraps text as a Telegram MarkdownV2 expandable
// blockquote ("**>line\n>line\n||"), per §6's egress contract.
func renderThinkingBlockquote(text string) string {
	lines := strings.Split(text, "\n")
	var b strings.Builder
	b.WriteString("**")
	for i, l := range lines {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(">" + l)
	}
	b.WriteString("||")
	return b.String()
}

// ThinkingChars and OutputChars feed the orchestrator's reported metrics.
func (s *Session) ThinkingChars() int { return s.thinkingChars }
func (s *Session) OutputChars() int   { return s.outputChars }

// Usage carries the most recent usage snapshot the provider reported
// (providers only populate it on the final chunk).
func (s *Session) Usage() *llm.LLMUsage { return s.usage }

// ApplyChunk folds one provider StreamChunk into the session: text and
// thinking deltas update the display and are captured verbatim for
// replay (P1); tool calls queue as pending tools in launch order (P2);
// the final chunk records the stop reason and usage. Mirrors
// pkg/agent/engine.go's ProcessChunk event dispatch.
func (s *Session) ApplyChunk(chunk llm.StreamChunk) {
	for _, b := range chunk.ContentBlocks {
		s.CapturedMessage = append(s.CapturedMessage, b)
		switch b.Type {
		case llm.BlockTypeThinking, llm.BlockTypeRedactedThinking:
			s.ThinkingDelta(b.Text)
		case llm.BlockTypeText:
			s.TextDelta(b.Text)
		case llm.BlockTypeImage:
			s.current(DisplaySystem).text.WriteString("[image]")
		case llm.BlockTypeError:
			s.current(DisplaySystem).text.WriteString("[error] " + b.Text)
		}
	}

	for _, tc := range chunk.ToolCalls {
		if _, exists := s.PendingTools[tc.ID]; exists {
			continue
		}
		s.ToolUseStart(tc.ID, tc.Name, tc.IsServerTool)

		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)

		block := llm.ContentBlock{Type: llm.BlockTypeToolUse, ToolUseID: tc.ID, ToolName: tc.Name, ToolInput: input}
		s.CapturedMessage = append(s.CapturedMessage, block)

		if tc.IsServerTool {
			continue
		}
		s.ToolInputComplete(tc.ID, tc.Name, input, false)
	}

	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	if chunk.IsFinal {
		s.MessageEnd(chunk.FinishReason)
	}
}
