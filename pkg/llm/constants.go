package llm

// StopReason constants define normalized reasons for LLM generation termination.
// All providers must normalize their native stop reasons to these values.
const (
	StopReasonStop                  = "end_turn"
	StopReasonPause                 = "pause_turn"
	StopReasonToolUse                = "tool_use"
	StopReasonLength                 = "max_tokens"
	StopReasonRefusal                = "refusal"
	StopReasonContextWindowExceeded  = "model_context_window_exceeded"
)

// ContentBlock Type constants define the supported content block formats
// used throughout the message pipeline. These mirror the Anthropic-style
// content array the spec requires to be persisted and replayed byte-identical.
const (
	BlockTypeText               = "text"
	BlockTypeThinking           = "thinking"
	BlockTypeRedactedThinking   = "redacted_thinking"
	BlockTypeImage              = "image"
	BlockTypeError              = "error"
	BlockTypeToolUse            = "tool_use"
	BlockTypeToolResult         = "tool_result"
	BlockTypeServerToolUse      = "server_tool_use"
	BlockTypeServerToolResult   = "server_tool_result"
)

// ToolResultStatus distinguishes a successful tool execution from a
// structured, LLM-visible failure (ValidationError in the error taxonomy).
const (
	ToolResultOK    = "ok"
	ToolResultError = "error"
)
