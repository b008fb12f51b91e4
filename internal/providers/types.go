// Package providers exposes the flat, provider-facing chat vocabulary used
// by the agent loop, tool handlers, and session store. It is a thin,
// serialization-friendly shell around internal/llm: the pool does capability
// routing and failover over Endpoints, while this package is what callers
// that just want "a provider to talk to" actually hold onto.
package providers

import (
	"context"
	"encoding/json"
)

// Message is one turn of a session-persisted conversation. Unlike llm.Message
// (block-structured, for wire-level fidelity inside the pool), Message is
// flat — the shape sessions are stored and replayed in.
type Message struct {
	Role                string          `json:"role"`
	Content             string          `json:"content"`
	Images              []ImageContent  `json:"images,omitempty"`
	ToolCalls           []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID          string          `json:"tool_call_id,omitempty"`
	RawAssistantContent json.RawMessage `json:"raw_assistant_content,omitempty"`
}

// ImageContent is a base64-encoded image attached to a user message.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation the model requested.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition is one entry in the catalog sent to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens     int `json:"completion_tokens"`
	TotalTokens          int `json:"total_tokens"`
	ThinkingTokens       int `json:"thinking_tokens,omitempty"`
	CacheCreationTokens  int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens      int `json:"cache_read_tokens,omitempty"`
}

// Option keys recognized in ChatRequest.Options.
const (
	OptMaxTokens     = "max_tokens"
	OptTemperature   = "temperature"
	OptThinkingLevel = "thinking_level"
)

// ChatRequest is a provider-agnostic chat call.
type ChatRequest struct {
	Messages       []Message
	Tools          []ToolDefinition
	Model          string
	ConversationID string
	Options        map[string]interface{}
}

// ChatResponse is a provider-agnostic chat result.
type ChatResponse struct {
	Content             string
	ToolCalls           []ToolCall
	Usage               *Usage
	FinishReason        string
	RawAssistantContent json.RawMessage
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Content  string
	Thinking string
}

// Provider is anything that can answer a ChatRequest. Implementations in
// this package are backed by the internal/llm endpoint pool.
type Provider interface {
	Name() string
	DefaultModel() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)
}

// ThinkingCapable is implemented by providers that can be asked for extended
// reasoning via ChatRequest.Options[OptThinkingLevel].
type ThinkingCapable interface {
	SupportsThinking() bool
}

type retryHookKey struct{}

// WithRetryHook attaches a callback invoked on every pool-level retry, so
// callers (e.g. channel adapters) can surface "retrying..." placeholders.
func WithRetryHook(ctx context.Context, fn func(attempt, maxAttempts int, err error)) context.Context {
	return context.WithValue(ctx, retryHookKey{}, fn)
}

// RetryHookFromCtx returns the retry hook installed by WithRetryHook, if any.
func RetryHookFromCtx(ctx context.Context) func(attempt, maxAttempts int, err error) {
	fn, _ := ctx.Value(retryHookKey{}).(func(attempt, maxAttempts int, err error))
	return fn
}
