package llm

import (
	"encoding/base64"
	"genesis/pkg/utils"
	"os"
	"time"
)

//----------------------------------------------------------------
// Message
//----------------------------------------------------------------

// Message represents one turn in a conversation. Content is the canonical
// representation: for any assistant message that carries thinking or
// redacted-thinking blocks, Content IS the content blob described in the
// spec and must never be reconstructed from Text/derived fields — it is
// stored and replayed byte-identical (P1).
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      string         `json:"role"` // "user", "assistant", "system", "tool"
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp,omitempty"`

	// ToolCalls holds tool-use requests emitted by the LLM (role: assistant only).
	// Kept alongside Content for convenient access; Content remains the source
	// of truth for replay.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID associates a role:"tool" message with the tool_use it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName records which tool a role:"tool" message answers. Some
	// providers (Gemini's FunctionResponse) key the result by name rather
	// than by id, so both are carried.
	ToolName string `json:"tool_name,omitempty"`
}

// NewMessageID allocates a fresh message identifier.
func NewMessageID() string {
	return utils.GenerateID()
}

// ToolCall represents one LLM-issued tool invocation request.
type ToolCall struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Function FunctionCall `json:"function"`

	// IsServerTool marks a provider-executed tool (e.g. web_search) whose
	// result the client never computes — it exists only for display.
	IsServerTool bool `json:"is_server_tool,omitempty"`

	// ProviderMetadata preserves provider-specific round-trip state that
	// must survive unchanged to the next turn (e.g. Gemini's
	// thought_signature bound to a function call). Serialized so it can be
	// persisted inside the content blob.
	ProviderMetadata map[string]string `json:"provider_metadata,omitempty"`

	// Meta carries non-serializable provider objects (e.g. the raw SDK
	// struct) used only within one process lifetime; never persisted.
	Meta map[string]any `json:"-"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

//----------------------------------------------------------------
// ContentBlock
//----------------------------------------------------------------

// ContentBlock is one element of a Message's content array. It is a
// superset union of every block kind the LLM protocol and the tool-use
// bijection require; unused fields are omitted from JSON via omitempty so
// persisted blobs stay close to what the provider actually emitted.
type ContentBlock struct {
	Type string `json:"type"`

	// Text blocks (type: text | thinking | redacted_thinking).
	Text string `json:"text,omitempty"`

	// Signature is the opaque cryptographic signature bound to a thinking
	// block. It MUST travel with Text byte-identical on replay (P1); losing
	// it causes the provider to reject the next turn.
	Signature string `json:"signature,omitempty"`

	// RedactedData holds the encrypted payload of a redacted_thinking block.
	RedactedData string `json:"data,omitempty"`

	// Image blocks (type: image).
	Source *ImageSource `json:"source,omitempty"`

	// Tool-use blocks (type: tool_use | server_tool_use).
	ToolUseID string         `json:"id,omitempty"`
	ToolName  string         `json:"name,omitempty"`
	ToolInput map[string]any `json:"input,omitempty"`

	// Tool-result blocks (type: tool_result | server_tool_result).
	ToolUseResultID string `json:"tool_use_id,omitempty"`
	ToolResultText  string `json:"content,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`

	// Citations/extra API-only echo fields on server_tool_result blocks.
	// Present only because the provider sends them back; must be stripped
	// before the block is re-sent (orchestrator content-blob hygiene).
	Citations []any `json:"citations,omitempty"`
}

//----------------------------------------------------------------
// ImageSource
//----------------------------------------------------------------

// ImageSource describes where image bytes for an "image" content block
// come from: inline base64, a remote URL, or a local file reference (used
// once the cache/history layer has spilled inline bytes to disk).
type ImageSource struct {
	Type      string `json:"type"` // "base64" | "url" | "file"
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
	URL       string `json:"url,omitempty"`
	Path      string `json:"path,omitempty"`
}

// LoadData hydrates Data from Path for a file-backed source. No-op if Data
// is already populated or Path is empty.
func (is *ImageSource) LoadData() error {
	if len(is.Data) > 0 || is.Path == "" {
		return nil
	}
	b, err := os.ReadFile(is.Path)
	if err != nil {
		return err
	}
	is.Data = b
	return nil
}

// MarshalJSON base64-encodes Data for base64 sources; file/url sources
// serialize their reference instead of bytes.
func (is *ImageSource) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
		Path      string `json:"path,omitempty"`
	}
	w := wire{Type: is.Type, MediaType: is.MediaType, URL: is.URL, Path: is.Path}
	if is.Type == "base64" && len(is.Data) > 0 {
		w.Data = base64.StdEncoding.EncodeToString(is.Data)
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON.
func (is *ImageSource) UnmarshalJSON(data []byte) error {
	var w struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
		URL       string `json:"url"`
		Path      string `json:"path"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	is.Type, is.MediaType, is.URL, is.Path = w.Type, w.MediaType, w.URL, w.Path
	if w.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(w.Data)
		if err != nil {
			return err
		}
		is.Data = decoded
	}
	return nil
}

//----------------------------------------------------------------
// StreamChunk
//----------------------------------------------------------------

// StreamChunk is one incremental event from an LLM stream.
type StreamChunk struct {
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	IsFinal       bool           `json:"is_final"`
	FinishReason  string         `json:"finish_reason,omitempty"`
	Usage         *LLMUsage      `json:"usage,omitempty"`

	// Event is the raw stream-event kind as named in the spec's LLM
	// provider contract: thinking_delta | text_delta | tool_use | block_end
	// | message_end | stream_complete. Providers that only emit
	// content/finish deltas (Ollama, OpenAI chat-completions) leave this
	// empty and StreamingSession infers it from the populated fields.
	Event string `json:"event,omitempty"`
}

//----------------------------------------------------------------
// Helper constructors — Message
//----------------------------------------------------------------

func NewTextMessage(role, text string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      role,
		Content:   []ContentBlock{NewTextBlock(text)},
		Timestamp: time.Now().Unix(),
	}
}

func NewSystemMessage(text string) Message    { return NewTextMessage("system", text) }
func NewUserMessage(text string) Message      { return NewTextMessage("user", text) }
func NewAssistantMessage(text string) Message { return NewTextMessage("assistant", text) }

func (m *Message) AddContentBlock(block ContentBlock) {
	m.Content = append(m.Content, block)
}

// GetTextContent concatenates all text blocks (excludes thinking).
func (m *Message) GetTextContent() string {
	var result string
	for _, block := range m.Content {
		if block.Type == BlockTypeText {
			result += block.Text
		}
	}
	return result
}

func (m *Message) GetThinkingContent() string {
	var result string
	for _, block := range m.Content {
		if block.Type == BlockTypeThinking {
			result += block.Text
		}
	}
	return result
}

func (m *Message) FilterBlocks(blockType string) []ContentBlock {
	var filtered []ContentBlock
	for _, block := range m.Content {
		if block.Type == blockType {
			filtered = append(filtered, block)
		}
	}
	return filtered
}

func (m *Message) HasImages() bool {
	for _, block := range m.Content {
		if block.Type == BlockTypeImage {
			return true
		}
	}
	return false
}

// IsEmptyContent reports whether Content collapses to nothing sendable —
// no non-whitespace text and no non-text block. Used by the Context
// Formatter and Orchestrator to enforce P9 (empty-content filter).
func (m *Message) IsEmptyContent() bool {
	return IsEmptyContent(m.Content)
}

// IsEmptyContent applies the same rule to a bare content list, used when
// checking a conversation entry before it is wrapped in a Message.
func IsEmptyContent(blocks []ContentBlock) bool {
	if len(blocks) == 0 {
		return true
	}
	validNonText := map[string]bool{
		BlockTypeImage: true, BlockTypeToolUse: true, BlockTypeToolResult: true,
		BlockTypeServerToolUse: true, BlockTypeServerToolResult: true,
	}
	for _, b := range blocks {
		if b.Type == BlockTypeText && trimmed(b.Text) != "" {
			return false
		}
		if validNonText[b.Type] {
			return false
		}
	}
	return true
}

func trimmed(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

//----------------------------------------------------------------
// Helper constructors — ContentBlock
//----------------------------------------------------------------

func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func NewThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeThinking, Text: text}
}

// NewSignedThinkingBlock attaches the provider signature that must
// round-trip unchanged on the next call.
func NewSignedThinkingBlock(text, signature string) ContentBlock {
	return ContentBlock{Type: BlockTypeThinking, Text: text, Signature: signature}
}

func NewRedactedThinkingBlock(data string) ContentBlock {
	return ContentBlock{Type: BlockTypeRedactedThinking, RedactedData: data}
}

func NewErrorBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeError, Text: text}
}

func NewImageBlock(data []byte, mimeType string) ContentBlock {
	return ContentBlock{
		Type:   BlockTypeImage,
		Source: &ImageSource{Type: "base64", MediaType: mimeType, Data: data},
	}
}

func NewImageBlockFromURL(url, mimeType string) ContentBlock {
	return ContentBlock{
		Type:   BlockTypeImage,
		Source: &ImageSource{Type: "url", MediaType: mimeType, URL: url},
	}
}

func NewImageBlockFromFile(path, mimeType string) ContentBlock {
	return ContentBlock{
		Type:   BlockTypeImage,
		Source: &ImageSource{Type: "file", MediaType: mimeType, Path: path},
	}
}

func NewToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{
		Type:            BlockTypeToolResult,
		ToolUseResultID: toolUseID,
		ToolResultText:  content,
		IsError:         isError,
	}
}

//----------------------------------------------------------------
// Helper constructors — StreamChunk
//----------------------------------------------------------------

func NewTextChunk(text string) StreamChunk {
	return StreamChunk{ContentBlocks: []ContentBlock{NewTextBlock(text)}, Event: "text_delta"}
}

func NewThinkingChunk(text string) StreamChunk {
	return StreamChunk{ContentBlocks: []ContentBlock{NewThinkingBlock(text)}, Event: "thinking_delta"}
}

func NewFinalChunk(reason string, usage *LLMUsage) StreamChunk {
	return StreamChunk{IsFinal: true, FinishReason: reason, Usage: usage, Event: "stream_complete"}
}
