package streaming

import (
	"context"
	"fmt"
	"genesis/pkg/api"
	"genesis/pkg/chataction"
	"genesis/pkg/llm"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClient scripts a sequence of StreamChat responses, one per call.
type fakeClient struct {
	mu    sync.Mutex
	calls int
	runs  [][]llm.StreamChunk
}

func (f *fakeClient) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamChunk, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if idx >= len(f.runs) {
		return nil, fmt.Errorf("fakeClient: no script for call %d", idx)
	}
	ch := make(chan llm.StreamChunk, len(f.runs[idx]))
	for _, c := range f.runs[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeClient) IsTransientError(err error) bool { return false }

// fakeDraftTarget records every call without touching a real platform.
type fakeDraftTarget struct {
	mu        sync.Mutex
	updates   int
	finalized []string
	sent      []string
	nextDraft int
}

func (f *fakeDraftTarget) UpdateDraft(ctx context.Context, draftID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if draftID == "" {
		f.nextDraft++
		draftID = fmt.Sprintf("draft-%d", f.nextDraft)
	}
	return draftID, nil
}

func (f *fakeDraftTarget) FinalizeDraft(ctx context.Context, draftID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, text)
	return "msg-" + draftID, nil
}

func (f *fakeDraftTarget) SendMessage(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return fmt.Sprintf("msg-sent-%d", len(f.sent)), nil
}

// fakeSender no-ops the chat-action platform call.
type fakeSender struct{ calls int32 }

func (f *fakeSender) SendChatAction(ctx context.Context, chatID, topicID int64, action string) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

// fakeTool is a client-side tool with scripted output.
type fakeTool struct {
	name       string
	resultText string
	fileBytes  string // base64
}

func (t *fakeTool) Name() string                { return t.name }
func (t *fakeTool) Description() string         { return "fake tool" }
func (t *fakeTool) Parameters() map[string]any  { return map[string]any{} }
func (t *fakeTool) RequiredParameters() []string { return nil }
func (t *fakeTool) Execute(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
	res := &api.ToolResult{Content: []api.ContentBlock{{Type: "text", Text: t.resultText}}}
	if t.fileBytes != "" {
		res.Content = append(res.Content, api.ContentBlock{Type: "image", Data: t.fileBytes, MimeType: "image/png"})
	}
	return res, nil
}

type fakeRegistry struct {
	tools map[string]api.Tool
}

func newFakeRegistry(tools ...api.Tool) *fakeRegistry {
	r := &fakeRegistry{tools: make(map[string]api.Tool)}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *fakeRegistry) Register(t api.Tool)   { r.tools[t.Name()] = t }
func (r *fakeRegistry) Unregister(name string) { delete(r.tools, name) }
func (r *fakeRegistry) Get(name string) (api.Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}
func (r *fakeRegistry) GetAll() []api.Tool {
	var out []api.Tool
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

func newTestOrchestrator(client *fakeClient, registry api.ToolRegistry) (*Orchestrator, *fakeDraftTarget) {
	actions := chataction.NewRegistry(&fakeSender{}, chataction.TelegramResolver)
	o := NewOrchestrator(client, registry, NewCancelRegistry(), actions)
	return o, &fakeDraftTarget{}
}

func textChunk(text string) llm.StreamChunk {
	return llm.StreamChunk{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock(text)}}
}

func finalChunk(stopReason string) llm.StreamChunk {
	return llm.StreamChunk{IsFinal: true, FinishReason: stopReason, Usage: &llm.LLMUsage{PromptTokens: 10, CompletionTokens: 5}}
}

func TestStreamEndTurnCompletesInOneIteration(t *testing.T) {
	client := &fakeClient{runs: [][]llm.StreamChunk{
		{textChunk("Hello"), textChunk(" world"), finalChunk("end_turn")},
	}}
	o, target := newTestOrchestrator(client, newFakeRegistry())

	result, err := o.Stream(context.Background(), StreamParams{DraftTarget: target, ChatID: 1, UserID: 1, TopicID: 0})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if result.WasCancelled {
		t.Error("expected WasCancelled = false")
	}
	if result.FinalText != "Hello world" {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "Hello world")
	}
	// Whether the final text lands via FinalizeDraft (if it still matches
	// what's on screen) or a fresh SendMessage (if throttling left the
	// draft behind) depends on real wall-clock timing; either way exactly
	// one outbound message should result.
	if got := len(target.finalized) + len(target.sent); got != 1 {
		t.Errorf("total outbound messages = %d, want 1", got)
	}
	if result.Usage == nil || result.Usage.PromptTokens != 10 {
		t.Errorf("Usage = %+v, want PromptTokens=10", result.Usage)
	}
}

func TestStreamToolUseLoopsAndAppendsResults(t *testing.T) {
	client := &fakeClient{runs: [][]llm.StreamChunk{
		{
			textChunk("Let me check."),
			{ToolCalls: []llm.ToolCall{{ID: "tc1", Name: "lookup", Function: llm.FunctionCall{Arguments: `{"q":"x"}`}}}},
			finalChunk("tool_use"),
		},
		{textChunk("The answer is 42."), finalChunk("end_turn")},
	}}
	registry := newFakeRegistry(&fakeTool{name: "lookup", resultText: "42"})
	o, target := newTestOrchestrator(client, registry)

	result, err := o.Stream(context.Background(), StreamParams{DraftTarget: target, ChatID: 1, UserID: 1, TopicID: 0})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if result.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", result.Iterations)
	}
	if result.FinalText != "The answer is 42." {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "The answer is 42.")
	}
	// conversation should now include the tool result message
	foundToolResult := false
	for _, m := range result.Conversation {
		for _, b := range m.Content {
			if b.Type == llm.BlockTypeToolResult && b.ToolResultText == "42" {
				foundToolResult = true
			}
		}
	}
	if !foundToolResult {
		t.Error("expected a tool_result block with text \"42\" in the conversation")
	}
}

func TestStreamTurnBreakToolForcesFinalizeBeforeContinuing(t *testing.T) {
	client := &fakeClient{runs: [][]llm.StreamChunk{
		{
			textChunk("Generating your file."),
			{ToolCalls: []llm.ToolCall{{ID: "tc1", Name: "deliver_file", Function: llm.FunctionCall{Arguments: `{}`}}}},
			finalChunk("tool_use"),
		},
		{textChunk("Here you go."), finalChunk("end_turn")},
	}}
	registry := newFakeRegistry(&fakeTool{name: "deliver_file", resultText: "ok", fileBytes: "aGVsbG8="})
	o, target := newTestOrchestrator(client, registry)

	result, err := o.Stream(context.Background(), StreamParams{DraftTarget: target, ChatID: 1, UserID: 1, TopicID: 0})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if !result.HasDeliveredFile {
		t.Error("expected HasDeliveredFile = true")
	}
	// CommitAndCreateNew commits the pre-file draft; since its rendered text
	// (which includes the "[deliver_file]" tool marker) diverges from what
	// was last shown on screen, Finalize sends a fresh message rather than
	// editing the draft in place (see Streamer.Finalize's three-way
	// dispatch). The final end_turn stop then finalizes the second
	// streamer's draft normally.
	if len(target.sent) != 1 {
		t.Errorf("sent = %v, want 1 entry (the pre-file commit)", target.sent)
	}
	if len(target.finalized) != 1 || target.finalized[0] != "Here you go." {
		t.Errorf("finalized = %v, want [\"Here you go.\"]", target.finalized)
	}
}

func TestStreamCancellationMidStreamAppendsInterruptedSuffix(t *testing.T) {
	ch := make(chan llm.StreamChunk)
	actions := chataction.NewRegistry(&fakeSender{}, chataction.TelegramResolver)
	cancels := NewCancelRegistry()
	registry := newFakeRegistry()
	o := &Orchestrator{client: &scriptedCancelClient{ch: ch}, tools: NewExecutor(registry, nil), cancels: cancels, actions: actions, maxIterations: MaxIterations}
	target := &fakeDraftTarget{}

	go func() {
		ch <- textChunk("partial")
		time.Sleep(20 * time.Millisecond)
		cancels.Stop(1, 1, 0, "user_requested")
	}()

	result, err := o.Stream(context.Background(), StreamParams{DraftTarget: target, ChatID: 1, UserID: 1, TopicID: 0})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if !result.WasCancelled {
		t.Error("expected WasCancelled = true")
	}
	if result.CancellationReason != "user_requested" {
		t.Errorf("CancellationReason = %q, want %q", result.CancellationReason, "user_requested")
	}
	want := "partial\n\n_[interrupted]_"
	if result.FinalText != want {
		t.Errorf("FinalText = %q, want %q", result.FinalText, want)
	}
	all := append(append([]string{}, target.finalized...), target.sent...)
	if len(all) != 1 || all[0] != want {
		t.Errorf("outbound messages = %v, want [%q]", all, want)
	}
}

// scriptedCancelClient returns a channel the test controls directly, so the
// cancellation can be injected mid-stream deterministically.
type scriptedCancelClient struct {
	ch chan llm.StreamChunk
}

func (c *scriptedCancelClient) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamChunk, error) {
	return c.ch, nil
}
func (c *scriptedCancelClient) IsTransientError(err error) bool { return false }

func TestStreamMaxIterationsExhausted(t *testing.T) {
	runs := make([][]llm.StreamChunk, MaxIterations)
	for i := range runs {
		runs[i] = []llm.StreamChunk{
			{ToolCalls: []llm.ToolCall{{ID: fmt.Sprintf("tc%d", i), Name: "loop", Function: llm.FunctionCall{Arguments: `{}`}}}},
			finalChunk("tool_use"),
		}
	}
	client := &fakeClient{runs: runs}
	registry := newFakeRegistry(&fakeTool{name: "loop", resultText: "again"})
	o, target := newTestOrchestrator(client, registry)

	result, err := o.Stream(context.Background(), StreamParams{DraftTarget: target, ChatID: 1, UserID: 1, TopicID: 0})
	if err == nil {
		t.Fatal("expected an error on max-iterations exhaustion")
	}
	if result.Iterations != MaxIterations {
		t.Errorf("Iterations = %d, want %d", result.Iterations, MaxIterations)
	}
	if got := len(target.finalized) + len(target.sent); got != 1 {
		t.Errorf("expected exactly one outbound message on exhaustion, got %d", got)
	}
}

func TestStripForReplayRemovesCitationsOnly(t *testing.T) {
	msg := llm.Message{
		Role: "assistant",
		Content: []llm.ContentBlock{
			llm.NewSignedThinkingBlock("thinking...", "sig-abc"),
			{Type: "server_tool_result", ToolResultText: "raw result", Citations: []any{"cite1"}},
		},
	}
	out := stripForReplay(msg)
	if out.Content[0].Signature != "sig-abc" {
		t.Error("thinking block signature must survive untouched")
	}
	if out.Content[1].Citations != nil {
		t.Error("server_tool_result citations must be stripped")
	}
	if out.Content[1].ToolResultText != "raw result" {
		t.Error("server_tool_result text must be preserved, only citations stripped")
	}
}
