// Package llm implements the multi-provider endpoint pool: capability-aware
// routing, progressive cooldown, per-conversation overrides, and
// tool-context-aware failover (spec §4.1).
package llm

import "encoding/json"

// Capability is a single model/endpoint capability flag.
type Capability string

const (
	CapText     Capability = "text"
	CapVision   Capability = "vision"
	CapVideo    Capability = "video"
	CapAudio    Capability = "audio"
	CapTools    Capability = "tools"
	CapThinking Capability = "thinking"
)

// CapabilitySet is a small set of Capability values.
type CapabilitySet map[Capability]bool

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// Superset reports whether s contains every capability in other.
func (s CapabilitySet) Superset(other CapabilitySet) bool {
	for c := range other {
		if !s[c] {
			return false
		}
	}
	return true
}

// Role is the speaker of a Message, mirroring the Anthropic-native shape
// spec.md §3 specifies as the internal wire format.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockType enumerates the content block variants in spec.md §3.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockVideo      BlockType = "video"
	BlockAudio      BlockType = "audio"
	BlockDocument   BlockType = "document"
)

// ContentBlock is one ordered unit of message content. Only the fields
// relevant to Type are populated; the rest are zero.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_result
	ToolResultFor string `json:"tool_result_for,omitempty"` // tool_use id this result answers
	IsError       bool   `json:"is_error,omitempty"`

	// image / video / audio / document
	MediaType string `json:"media_type,omitempty"` // e.g. "image/jpeg"
	Data      string `json:"data,omitempty"`       // base64
	URL       string `json:"url,omitempty"`        // alternative to inline data
}

// Message is one turn in the conversation. Either Text or Blocks is set;
// Blocks takes priority when non-empty.
type Message struct {
	Role   Role           `json:"role"`
	Text   string         `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`

	// ReasoningContent carries provider-returned out-of-band reasoning
	// for assistant messages on providers that don't interleave thinking
	// blocks (spec.md §3).
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// HasToolContext reports whether any block is tool_use/tool_result —
// the signal that triggers conservative (no-failover) routing (spec §4.1).
func (m Message) HasToolContext() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse || b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// Tool describes one callable tool in the catalog sent to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Detail      string          `json:"detail,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCall is a tool_use the model emitted.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	ThinkingTokens      int `json:"thinking_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// StopReason mirrors spec.md's tool-loop exit condition vocabulary.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Request is a normalized chat request, independent of provider wire format.
type Request struct {
	Messages        []Message
	System          string
	Tools           []Tool
	MaxTokens       int
	EnableThinking  bool
	ConversationID  string // for per-conversation endpoint overrides
	Model           string // optional explicit model override
}

// RequiredCapabilities infers the capability set a Request needs, per
// spec.md §4.1 ("Request routing").
func (r Request) RequiredCapabilities() CapabilitySet {
	caps := NewCapabilitySet(CapText)
	if len(r.Tools) > 0 {
		caps[CapTools] = true
	}
	if r.EnableThinking {
		caps[CapThinking] = true
	}
	for _, m := range r.Messages {
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockImage:
				caps[CapVision] = true
			case BlockVideo:
				caps[CapVideo] = true
			case BlockAudio:
				caps[CapAudio] = true
			}
		}
	}
	return caps
}

// HasToolContext reports whether any message in the request carries
// tool_use/tool_result content.
func (r Request) HasToolContext() bool {
	for _, m := range r.Messages {
		if m.HasToolContext() {
			return true
		}
	}
	return false
}

// Response is a normalized chat response.
type Response struct {
	Text         string
	Blocks       []ContentBlock // ordered content blocks, preserved for history replay
	ToolCalls    []ToolCall
	StopReason   StopReason
	Usage        Usage
	Endpoint     string // name of the endpoint that served this response
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done,omitempty"`
}
