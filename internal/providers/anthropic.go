package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kestrel-run/agentcore/internal/llm"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicCaller drives Anthropic-native endpoints via net/http, kept
// hand-rolled in the teacher's style (no SDK) rather than introducing
// anthropic-sdk-go, so every provider shares the exact same JSON shape
// conventions in this file.
type AnthropicCaller struct {
	client      *http.Client
	retryConfig RetryConfig
}

func NewAnthropicCaller() *AnthropicCaller {
	return &AnthropicCaller{client: &http.Client{}, retryConfig: DefaultRetryConfig()}
}

func (c *AnthropicCaller) Call(ctx context.Context, ep llm.Endpoint, req llm.Request) (*llm.Response, error) {
	body := c.buildRequestBody(ep, req, false)
	return RetryDo(ctx, c.retryConfig, func() (*llm.Response, error) {
		raw, err := c.doRequest(ctx, ep, body)
		if err != nil {
			return nil, err
		}
		defer raw.Close()
		var resp anthropicResponse
		if err := json.NewDecoder(raw).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return parseAnthropicResponse(&resp), nil
	})
}

func (c *AnthropicCaller) CallStream(ctx context.Context, ep llm.Endpoint, req llm.Request, onChunk func(llm.StreamChunk)) (*llm.Response, error) {
	body := c.buildRequestBody(ep, req, true)
	raw, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, ep, body)
	})
	if err != nil {
		return nil, err
	}
	defer raw.Close()
	return parseAnthropicStream(raw, onChunk)
}

func (c *AnthropicCaller) doRequest(ctx context.Context, ep llm.Endpoint, body map[string]any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(ep.BaseURL, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", ep.ResolvedAPIKey())
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpStatusError{status: resp.StatusCode, body: string(data)}
	}
	return resp.Body, nil
}

func (c *AnthropicCaller) buildRequestBody(ep llm.Endpoint, req llm.Request, stream bool) map[string]any {
	var messages []map[string]any
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": blocksToAnthropic(m),
		})
	}

	body := map[string]any{
		"model":    ep.Model,
		"messages": messages,
		"stream":   stream,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = ep.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body["max_tokens"] = maxTokens
	if len(req.Tools) > 0 {
		body["tools"] = toolsToAnthropic(req.Tools)
	}
	if req.EnableThinking {
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": 4096}
	}
	return body
}

func toolsToAnthropic(tools []llm.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		out = append(out, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": schema,
		})
	}
	return out
}

func blocksToAnthropic(m llm.Message) any {
	if len(m.Blocks) == 0 {
		return m.Text
	}
	var out []map[string]any
	for _, b := range m.Blocks {
		switch b.Type {
		case llm.BlockText:
			out = append(out, map[string]any{"type": "text", "text": b.Text})
		case llm.BlockThinking:
			out = append(out, map[string]any{"type": "thinking", "thinking": b.Text})
		case llm.BlockToolUse:
			var input any
			_ = json.Unmarshal(b.ToolInput, &input)
			out = append(out, map[string]any{"type": "tool_use", "id": b.ToolUseID, "name": b.ToolName, "input": input})
		case llm.BlockToolResult:
			out = append(out, map[string]any{"type": "tool_result", "tool_use_id": b.ToolResultFor, "content": b.Text, "is_error": b.IsError})
		case llm.BlockImage, llm.BlockDocument:
			encoded, degraded := llm.LowerBlock("anthropic", b)
			if degraded {
				out = append(out, map[string]any{"type": "text", "text": encoded.(string)})
			} else if m2, ok := encoded.(map[string]string); ok {
				out = append(out, map[string]any{
					"type": string(b.Type),
					"source": map[string]any{"type": "base64", "media_type": m2["media_type"], "data": m2["data"]},
				})
			}
		default:
			encoded, _ := llm.LowerBlock("anthropic", b)
			if s, ok := encoded.(string); ok {
				out = append(out, map[string]any{"type": "text", "text": s})
			}
		}
	}
	return out
}

type anthropicResponse struct {
	Content []struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Thinking  string          `json:"thinking"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func parseAnthropicResponse(r *anthropicResponse) *llm.Response {
	resp := &llm.Response{
		StopReason: mapAnthropicStopReason(r.StopReason),
		Usage: llm.Usage{
			PromptTokens:        r.Usage.InputTokens,
			CompletionTokens:    r.Usage.OutputTokens,
			CacheCreationTokens: r.Usage.CacheCreationInputTokens,
			CacheReadTokens:     r.Usage.CacheReadInputTokens,
		},
	}
	for _, c := range r.Content {
		switch c.Type {
		case "text":
			resp.Text += c.Text
			resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockText, Text: c.Text})
		case "thinking":
			resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockThinking, Text: c.Thinking})
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Input: c.Input})
			resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockToolUse, ToolUseID: c.ID, ToolName: c.Name, ToolInput: c.Input})
		}
	}
	return resp
}

func mapAnthropicStopReason(s string) llm.StopReason {
	switch s {
	case "tool_use":
		return llm.StopToolUse
	case "max_tokens":
		return llm.StopMaxTokens
	case "stop_sequence":
		return llm.StopStopSequence
	default:
		return llm.StopEndTurn
	}
}

func parseAnthropicStream(body io.Reader, onChunk func(llm.StreamChunk)) (*llm.Response, error) {
	resp := &llm.Response{StopReason: llm.StopEndTurn}
	toolJSON := map[int]string{}
	var currentEvent string
	var textAccum, thinkingAccum strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev struct {
				Message struct {
					Usage struct {
						InputTokens              int `json:"input_tokens"`
						CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
						CacheReadInputTokens     int `json:"cache_read_input_tokens"`
					} `json:"usage"`
				} `json:"message"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				resp.Usage.PromptTokens = ev.Message.Usage.InputTokens
				resp.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
				resp.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			}
		case "content_block_start":
			var ev struct {
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name})
			}
		case "content_block_delta":
			var ev struct {
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					Thinking    string `json:"thinking"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				switch ev.Delta.Type {
				case "text_delta":
					textAccum.WriteString(ev.Delta.Text)
					if onChunk != nil {
						onChunk(llm.StreamChunk{Text: ev.Delta.Text})
					}
				case "thinking_delta":
					thinkingAccum.WriteString(ev.Delta.Thinking)
					if onChunk != nil {
						onChunk(llm.StreamChunk{Thinking: ev.Delta.Thinking})
					}
				case "input_json_delta":
					if n := len(resp.ToolCalls); n > 0 {
						toolJSON[n-1] += ev.Delta.PartialJSON
					}
				}
			}
		case "message_delta":
			var ev struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				if ev.Delta.StopReason != "" {
					resp.StopReason = mapAnthropicStopReason(ev.Delta.StopReason)
				}
				resp.Usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "error":
			var ev struct {
				Error struct{ Type, Message string } `json:"error"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}

	for i, raw := range toolJSON {
		if raw != "" {
			resp.ToolCalls[i].Input = json.RawMessage(raw)
		}
	}
	resp.Text = textAccum.String()
	if resp.Text != "" {
		resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockText, Text: resp.Text})
	}
	if thinkingAccum.Len() > 0 {
		resp.Usage.ThinkingTokens = thinkingAccum.Len() / 4
		resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockThinking, Text: thinkingAccum.String()})
	}
	for _, tc := range resp.ToolCalls {
		resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Name, ToolInput: tc.Input})
	}
	if onChunk != nil {
		onChunk(llm.StreamChunk{Done: true})
	}
	return resp, nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.status, e.body)
}

func (e *httpStatusError) StatusCode() int { return e.status }
