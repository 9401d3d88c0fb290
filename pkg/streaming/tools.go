package streaming

import (
	"context"
	"encoding/base64"
	"fmt"
	"genesis/pkg/api"
	"genesis/pkg/coreerr"
	"genesis/pkg/llm"
	"log/slog"
	"sync"
	"time"
)

// TurnBreakTools names client-side tools whose completion forces the
// orchestrator to finalize the visible draft before the LLM continues
// (§4.H) — deliver_file is the canonical member: generated files must be
// visible to the user before the model resumes.
var TurnBreakTools = map[string]bool{
	"deliver_file": true,
}

// ToolOutcome is one completed tool invocation, augmented with the
// bookkeeping fields the orchestrator needs (_tool_name/_duration in the
// spec's vocabulary).
type ToolOutcome struct {
	ToolUseID string
	ToolName  string
	Result    llm.ContentBlock // a single tool_result block
	Duration  time.Duration
	IsError   bool
	FileBytes []byte
	TurnBreak bool
}

// FileReadyFunc is invoked the instant a tool's result carries file bytes
// — before the batch as a whole completes — so the orchestrator can
// commit the in-flight draft text first and avoid the file appearing out
// of order relative to the text that preceded it.
type FileReadyFunc func(outcome ToolOutcome)

// BatchResult is execute_batch's return value (§4.H contract).
type BatchResult struct {
	Outcomes          []ToolOutcome // ordered by launch index, matching PendingOrder
	NeedsContinuation bool
}

// Executor runs a batch of pending tool calls concurrently.
type Executor struct {
	registry  api.ToolRegistry
	turnBreak map[string]bool
}

func NewExecutor(registry api.ToolRegistry, turnBreak map[string]bool) *Executor {
	if turnBreak == nil {
		turnBreak = TurnBreakTools
	}
	return &Executor{registry: registry, turnBreak: turnBreak}
}

// ExecuteBatch launches every tool in order concurrently (§4.H, §5
// ordering guarantee: completion order is non-deterministic, results are
// reordered by launch index before return). cancelled is polled after
// each completion; once closed, in-flight tasks are allowed to finish but
// onFileReady is never invoked again and the returned outcomes past that
// point are suppressed from NeedsContinuation consideration — results
// still come back so the caller can decide what, if anything, to persist.
func (e *Executor) ExecuteBatch(ctx context.Context, order []string, pending map[string]PendingTool, cancelled <-chan struct{}, onFileReady FileReadyFunc) BatchResult {
	outcomes := make([]ToolOutcome, len(order))
	var wg sync.WaitGroup
	var fileReadyMu sync.Mutex

	for i, id := range order {
		pt := pending[id]
		wg.Add(1)
		go func(idx int, pt PendingTool) {
			defer wg.Done()
			outcome := e.runOne(ctx, pt)
			outcomes[idx] = outcome

			if len(outcome.FileBytes) > 0 && onFileReady != nil {
				fileReadyMu.Lock()
				select {
				case <-cancelled:
					// cancelled mid-batch: no on_file_ready fires after cancel
				default:
					onFileReady(outcome)
				}
				fileReadyMu.Unlock()
			}
		}(i, pt)
	}
	wg.Wait()

	needsContinuation := false
	select {
	case <-cancelled:
		// dropped — cancellation already terminates the turn elsewhere
	default:
		for _, o := range outcomes {
			if o.TurnBreak {
				needsContinuation = true
				break
			}
		}
	}

	return BatchResult{Outcomes: outcomes, NeedsContinuation: needsContinuation}
}

// runOne executes a single tool with panic-safety and structured error
// translation, mirroring the teacher's ResolveAndCommitToolCall
// recover-wrapper (pkg/agent/engine.go).
func (e *Executor) runOne(ctx context.Context, pt PendingTool) ToolOutcome {
	start := time.Now()
	outcome := ToolOutcome{ToolUseID: pt.ID, ToolName: pt.Name}

	defer func() {
		outcome.Duration = time.Since(start)
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "tool.panic", "tool", pt.Name, "recovered", r)
			outcome.IsError = true
			outcome.Result = llm.NewToolResultBlock(pt.ID, fmt.Sprintf("internal error executing %s", pt.Name), true)
		}
	}()

	tool, ok := e.registry.Get(pt.Name)
	if !ok {
		outcome.IsError = true
		outcome.Result = llm.NewToolResultBlock(pt.ID, fmt.Sprintf("unknown tool %q", pt.Name), true)
		return outcome
	}

	if missing := missingRequired(tool, pt.Input); missing != "" {
		verr := coreerr.NewValidationError(pt.Name, "missing required parameter: "+missing)
		outcome.IsError = true
		outcome.Result = llm.NewToolResultBlock(pt.ID, verr.Error(), true)
		return outcome
	}

	res, err := tool.Execute(ctx, pt.Input)
	if err != nil {
		outcome.IsError = true
		outcome.Result = llm.NewToolResultBlock(pt.ID, fmt.Sprintf("execution failed: %v", err), true)
		return outcome
	}

	text, fileBytes := flattenResult(res)
	outcome.Result = llm.NewToolResultBlock(pt.ID, text, false)
	outcome.FileBytes = fileBytes
	outcome.TurnBreak = e.turnBreak[pt.Name]
	return outcome
}

func missingRequired(tool api.Tool, input map[string]any) string {
	for _, name := range tool.RequiredParameters() {
		if _, ok := input[name]; !ok {
			return name
		}
	}
	return ""
}

// flattenResult collapses a ToolResult's content blocks into the single
// text payload a tool_result block carries, decoding the first image
// block (if any) as the file bytes the turn-break mechanism watches for.
func flattenResult(res *api.ToolResult) (text string, fileBytes []byte) {
	var sb []byte
	for _, b := range res.Content {
		switch b.Type {
		case "text":
			sb = append(sb, []byte(b.Text)...)
		case "image":
			if data, err := base64.StdEncoding.DecodeString(b.Data); err == nil && fileBytes == nil {
				fileBytes = data
			}
		}
	}
	if len(sb) == 0 {
		sb = []byte("(no output)")
	}
	return string(sb), fileBytes
}
