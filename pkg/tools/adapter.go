package tools

import (
	"context"

	"genesis/pkg/api"
)

// APIAdapter bridges a context-less Tool (OSTool and anything else built
// against this package's local Controller/Execute idiom) into api.Tool, the
// interface the Streaming Orchestrator's Executor and api.Registry expect.
// The underlying Controller.Execute call has no cancellation point of its
// own (it's a synchronous local dispatch to a Worker), so ctx is accepted
// for interface conformance and otherwise unused.
type APIAdapter struct {
	Tool
}

// NewAPIAdapter wraps a local Tool so it can be registered into an
// api.ToolRegistry.
func NewAPIAdapter(t Tool) *APIAdapter {
	return &APIAdapter{Tool: t}
}

func (a *APIAdapter) Execute(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
	res, err := a.Tool.Execute(args)
	if err != nil {
		return nil, err
	}
	blocks := make([]api.ContentBlock, len(res.Content))
	for i, b := range res.Content {
		blocks[i] = api.ContentBlock{
			Type: b.Type,
			Text: b.Text,
			Data: b.Data,
		}
	}
	return &api.ToolResult{Content: blocks, Details: res.Details}, nil
}

var _ api.Tool = (*APIAdapter)(nil)
