package streaming

import (
	"context"
	"fmt"
	"genesis/pkg/api"
	"genesis/pkg/chataction"
	"genesis/pkg/draft"
	"genesis/pkg/llm"
	"log/slog"
)

// MaxIterations bounds the tool_use loop (§4.I) — a safety valve against
// a model that never reaches a terminal stop reason.
const MaxIterations = 100

// cancelledSuffix is appended to the final draft text when a turn is
// interrupted mid-stream (§4.I cancellation handling).
const cancelledSuffix = "\n\n_[interrupted]_"

// Orchestrator drives one user turn end-to-end: opens an LLM stream,
// dispatches events into a Session, executes tool batches, loops on
// tool_use until a terminal stop reason, and renders incremental output
// through the Draft Streamer. Grounded on pkg/agent/engine.go's
// ProcessLLMStream, generalized from "one linear pass with recursive
// retry" into an explicit bounded loop with parallel tool dispatch,
// cancellation, and turn-break continuation.
type Orchestrator struct {
	client  llm.LLMClient
	tools   *Executor
	cancels *CancelRegistry
	actions *chataction.Registry

	maxIterations int
}

func NewOrchestrator(client llm.LLMClient, registry api.ToolRegistry, cancels *CancelRegistry, actions *chataction.Registry) *Orchestrator {
	return &Orchestrator{
		client:        client,
		tools:         NewExecutor(registry, TurnBreakTools),
		cancels:       cancels,
		actions:       actions,
		maxIterations: MaxIterations,
	}
}

// StreamParams is everything one turn needs to start streaming.
type StreamParams struct {
	Conversation []llm.Message
	Tools        []llm.Tool
	Model        string
	ChatID       int64
	UserID       int64
	TopicID      int64
	IsGroupChat  bool
	DraftTarget  draft.Target
}

// StreamResult is everything the billing hook and the caller's history
// append need after one turn completes.
type StreamResult struct {
	FinalText          string
	Conversation       []llm.Message // includes every appended assistant/tool message this turn
	WasCancelled       bool
	CancellationReason string
	// NeedsContinuation records that a turn-break tool forced another
	// model round. Stream already loops back and drives that round itself
	// (the for-iter loop below), so this is a post-hoc record for the
	// caller's logging/metrics, not a signal the caller must act on.
	NeedsContinuation  bool
	HasSentParts       bool
	HasDeliveredFile   bool
	Iterations         int
	ThinkingChars      int
	OutputChars        int
	Usage              *llm.LLMUsage
}

// Stream runs the main loop (§4.I). It always returns a StreamResult even
// on error paths — the caller (the outer driver) reads Usage off it for
// billing regardless of how the turn ended.
func (o *Orchestrator) Stream(ctx context.Context, p StreamParams) (StreamResult, error) {
	cancelEvt := o.cancels.Begin(p.ChatID, p.UserID, p.TopicID)
	defer o.cancels.End(p.ChatID, p.UserID, p.TopicID, cancelEvt)

	mgr := draft.NewManager(p.DraftTarget, draft.DefaultMinUpdateInterval, draft.DefaultKeepaliveInterval, draft.DefaultMessageLimit)
	defer func() {
		if _, err := mgr.Close(ctx, ""); err != nil {
			slog.ErrorContext(ctx, "streaming.draft_close_failed", "error", err)
		}
	}()

	chatActions := o.actions.Get(p.ChatID, p.TopicID)
	defer o.actions.Release(ctx, p.ChatID, p.TopicID)

	result := StreamResult{Conversation: p.Conversation}
	conversation := append([]llm.Message(nil), p.Conversation...)

	for iter := 1; iter <= o.maxIterations; iter++ {
		result.Iterations = iter

		select {
		case <-cancelEvt.Done():
			return o.finishCancelled(ctx, mgr, cancelEvt, result, conversation, "")
		default:
		}

		scopeID := chatActions.PushScope(ctx, chataction.PhaseGenerating, chataction.FileKindNone)

		chunkCh, err := o.client.StreamChat(ctx, conversation, p.Tools)
		if err != nil {
			chatActions.PopScope(ctx, scopeID)
			o.finalizeText(ctx, mgr, &result, fmt.Sprintf("Sorry, something went wrong starting the response: %v", err))
			return result, err
		}

		sess := NewSession()
		cancelledMidStream := false
		lastRender := ""

	drain:
		for {
			select {
			case <-cancelEvt.Done():
				cancelledMidStream = true
				break drain
			case chunk, ok := <-chunkCh:
				if !ok {
					break drain
				}
				sess.ApplyChunk(chunk)
				lastRender = sess.Render(false)
				if err := mgr.Current().Update(ctx, lastRender, false); err != nil {
					slog.ErrorContext(ctx, "streaming.draft_update_failed", "error", err)
				}
			}
		}

		chatActions.PopScope(ctx, scopeID)
		result.ThinkingChars += sess.ThinkingChars()
		result.OutputChars += sess.OutputChars()
		if sess.Usage() != nil {
			result.Usage = sess.Usage()
		}

		if cancelledMidStream {
			return o.finishCancelled(ctx, mgr, cancelEvt, result, conversation, lastRender)
		}

		assistantMsg := llm.Message{Role: "assistant", Content: sess.CapturedMessage}

		switch sess.StopReason {
		case "end_turn", "pause_turn":
			conversation = append(conversation, assistantMsg)
			o.finalizeText(ctx, mgr, &result, sess.Render(true))
			result.Conversation = conversation
			return result, nil

		case "tool_use":
			if len(sess.PendingOrder) == 0 {
				// server-side tools only: the model already has their
				// results folded into CapturedMessage; just continue.
				conversation = append(conversation, assistantMsg)
				continue
			}

			batch := o.tools.ExecuteBatch(ctx, sess.PendingOrder, sess.PendingTools, cancelEvt.Done(), func(outcome ToolOutcome) {
				if len(outcome.FileBytes) > 0 {
					result.HasDeliveredFile = true
				}
				if outcome.TurnBreak {
					if _, err := mgr.CommitAndCreateNew(ctx, sess.Render(true)); err != nil {
						slog.ErrorContext(ctx, "streaming.commit_and_create_new_failed", "error", err)
					}
				}
			})

			conversation = append(conversation, stripForReplay(assistantMsg))
			toolResultMsg := llm.Message{Role: "user"}
			for _, outcome := range batch.Outcomes {
				toolResultMsg.Content = append(toolResultMsg.Content, outcome.Result)
			}
			conversation = append(conversation, toolResultMsg)

			select {
			case <-cancelEvt.Done():
				return o.finishCancelled(ctx, mgr, cancelEvt, result, conversation, sess.Render(true))
			default:
			}

			if batch.NeedsContinuation {
				result.NeedsContinuation = true
			}
			continue

		case "model_context_window_exceeded":
			conversation = append(conversation, assistantMsg)
			o.finalizeText(ctx, mgr, &result, sess.Render(true)+"\n\n_This conversation is too long for the model's context window; some earlier history may need to be trimmed._")
			result.Conversation = conversation
			return result, nil

		case "refusal":
			conversation = append(conversation, assistantMsg)
			o.finalizeText(ctx, mgr, &result, sess.Render(true)+"\n\n_The model declined to continue this response._")
			result.Conversation = conversation
			return result, nil

		case "max_tokens":
			slog.WarnContext(ctx, "streaming.max_tokens_reached", "chat_id", p.ChatID)
			conversation = append(conversation, assistantMsg)
			o.finalizeText(ctx, mgr, &result, sess.Render(true))
			result.Conversation = conversation
			return result, nil

		default:
			slog.ErrorContext(ctx, "streaming.unexpected_stop_reason", "stop_reason", sess.StopReason)
			conversation = append(conversation, assistantMsg)
			o.finalizeText(ctx, mgr, &result, sess.Render(true)+"\n\n_The model stopped unexpectedly._")
			result.Conversation = conversation
			return result, nil
		}
	}

	o.finalizeText(ctx, mgr, &result, "Sorry, this conversation required too many steps to complete and was stopped.")
	result.Conversation = conversation
	return result, fmt.Errorf("streaming: exceeded max iterations (%d)", o.maxIterations)
}

func (o *Orchestrator) finalizeText(ctx context.Context, mgr *draft.Manager, result *StreamResult, text string) {
	msgID, err := mgr.Current().Finalize(ctx, text)
	if err != nil {
		slog.ErrorContext(ctx, "streaming.finalize_failed", "error", err)
		return
	}
	result.FinalText = text
	if msgID != "" {
		result.HasSentParts = true
	}
}

func (o *Orchestrator) finishCancelled(ctx context.Context, mgr *draft.Manager, cancelEvt *CancelEvent, result StreamResult, conversation []llm.Message, lastRender string) (StreamResult, error) {
	result.WasCancelled = true
	result.CancellationReason = cancelEvt.Reason()
	result.Conversation = conversation
	o.finalizeText(ctx, mgr, &result, lastRender+cancelledSuffix)
	return result, nil
}

// stripForReplay removes API-only echo fields (citations, server tool
// result text) from server_tool_result blocks before the assistant
// message re-enters the conversation for the next iteration — the
// provider sends these back on every turn but rejects them if echoed
// (§4.I "content-blob hygiene"). Thinking, redacted_thinking, and
// tool_use blocks are left byte-identical.
func stripForReplay(msg llm.Message) llm.Message {
	out := llm.Message{ID: msg.ID, Role: msg.Role, Timestamp: msg.Timestamp}
	for _, b := range msg.Content {
		if b.Type == "server_tool_result" || b.Type == "web_search_tool_result" || b.Type == "web_fetch_tool_result" {
			b.Citations = nil
		}
		out.Content = append(out.Content, b)
	}
	return out
}
