package llm

// Tool is the provider-agnostic shape every LLM client converts into its own
// native tool-declaration format. Concrete tools (pkg/api.Tool) embed this so
// a single registry can be handed to any provider without that provider
// knowing about the tool's execution logic.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-Schema "properties" map for the tool's
	// input object (not wrapped in {"type":"object", ...} — providers add
	// that envelope themselves since some need extra sibling keys).
	Parameters() map[string]any
	RequiredParameters() []string
}

// NewErrorChunk builds a StreamChunk carrying a visible error block. When
// terminal is true the stream is expected to end immediately after; the
// caller should not rely on a subsequent stream_complete event.
func NewErrorChunk(message string, cause error, terminal bool) StreamChunk {
	reason := ""
	if terminal {
		reason = "error"
	}
	return StreamChunk{
		ContentBlocks: []ContentBlock{NewErrorBlock(message)},
		IsFinal:       terminal,
		FinishReason:  reason,
		Event:         "stream_complete",
	}
}
