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

// OpenAICaller drives any OpenAI-compatible chat/completions endpoint
// (OpenAI itself, DashScope, Kimi, MiniMax, Gemini's OpenAI-compat shim),
// hand-rolled in the teacher's style. It converts llm content blocks to
// `tool_calls` arrays and `tool_result` blocks to separate `role=tool`
// messages. Thinking blocks are sent as `<thinking>...</thinking>`-wrapped
// text in content, and a message's ReasoningContent is passed through as
// reasoning_content; no `<thinking>` wrapper is moved into reasoning_content.
type OpenAICaller struct {
	client      *http.Client
	retryConfig RetryConfig
}

func NewOpenAICaller() *OpenAICaller {
	return &OpenAICaller{client: &http.Client{}, retryConfig: DefaultRetryConfig()}
}

func (c *OpenAICaller) Call(ctx context.Context, ep llm.Endpoint, req llm.Request) (*llm.Response, error) {
	body := c.buildRequestBody(ep, req, false)
	return RetryDo(ctx, c.retryConfig, func() (*llm.Response, error) {
		raw, err := c.doRequest(ctx, ep, body)
		if err != nil {
			return nil, err
		}
		defer raw.Close()
		var resp openaiResponse
		if err := json.NewDecoder(raw).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openai: decode response: %w", err)
		}
		return parseOpenAIResponse(&resp), nil
	})
}

func (c *OpenAICaller) CallStream(ctx context.Context, ep llm.Endpoint, req llm.Request, onChunk func(llm.StreamChunk)) (*llm.Response, error) {
	body := c.buildRequestBody(ep, req, true)
	raw, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, ep, body)
	})
	if err != nil {
		return nil, err
	}
	defer raw.Close()
	return parseOpenAIStream(raw, onChunk)
}

func (c *OpenAICaller) doRequest(ctx context.Context, ep llm.Endpoint, body map[string]any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(ep.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+ep.ResolvedAPIKey())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpStatusError{status: resp.StatusCode, body: string(data)}
	}
	return resp.Body, nil
}

func (c *OpenAICaller) buildRequestBody(ep llm.Endpoint, req llm.Request, stream bool) map[string]any {
	var messages []map[string]any
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, messageToOpenAI(m)...)
	}

	body := map[string]any{
		"model":    ep.Model,
		"messages": messages,
		"stream":   stream,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = ep.MaxTokens
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	if len(req.Tools) > 0 {
		body["tools"] = toolsToOpenAI(req.Tools)
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body
}

func toolsToOpenAI(tools []llm.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  schema,
			},
		})
	}
	return out
}

// messageToOpenAI maps tool_use blocks to a `tool_calls` array on the
// assistant message and tool_result blocks to separate `role=tool`
// messages, exactly as spec.md §4.1 specifies. A single llm.Message with
// tool_result blocks therefore expands to multiple OpenAI messages.
func messageToOpenAI(m llm.Message) []map[string]any {
	if len(m.Blocks) == 0 {
		return []map[string]any{{"role": string(m.Role), "content": m.Text}}
	}

	var text strings.Builder
	var toolCalls []map[string]any
	var toolResults []map[string]any

	for _, b := range m.Blocks {
		switch b.Type {
		case llm.BlockText:
			text.WriteString(b.Text)
		case llm.BlockThinking:
			text.WriteString("<thinking>" + b.Text + "</thinking>")
		case llm.BlockToolUse:
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ToolUseID,
				"type": "function",
				"function": map[string]any{
					"name":      b.ToolName,
					"arguments": string(b.ToolInput),
				},
			})
		case llm.BlockToolResult:
			toolResults = append(toolResults, map[string]any{
				"role":         "tool",
				"tool_call_id": b.ToolResultFor,
				"content":      b.Text,
			})
		case llm.BlockImage, llm.BlockVideo, llm.BlockAudio, llm.BlockDocument:
			encoded, _ := llm.LowerBlock("openai", b)
			if s, ok := encoded.(string); ok {
				text.WriteString(s)
			}
		}
	}

	if len(toolResults) > 0 {
		return toolResults
	}

	out := map[string]any{"role": string(m.Role), "content": text.String()}
	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
		out["content"] = nil
	}
	if m.ReasoningContent != "" {
		out["reasoning_content"] = m.ReasoningContent
	}
	return []map[string]any{out}
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens            int `json:"prompt_tokens"`
		CompletionTokens        int `json:"completion_tokens"`
		CompletionTokensDetails struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
}

func parseOpenAIResponse(r *openaiResponse) *llm.Response {
	resp := &llm.Response{StopReason: llm.StopEndTurn}
	if len(r.Choices) == 0 {
		return resp
	}
	choice := r.Choices[0]
	text, calls := llm.ExtractTextToolCalls(choice.Message.Content)
	resp.Text = text
	if resp.Text != "" {
		resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockText, Text: resp.Text})
	}
	resp.ToolCalls = append(resp.ToolCalls, calls...)
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: json.RawMessage(tc.Function.Arguments)})
	}
	for _, tc := range resp.ToolCalls {
		resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Name, ToolInput: tc.Input})
	}

	switch choice.FinishReason {
	case "tool_calls":
		resp.StopReason = llm.StopToolUse
	case "length":
		resp.StopReason = llm.StopMaxTokens
	default:
		if len(resp.ToolCalls) > 0 {
			resp.StopReason = llm.StopToolUse
		}
	}

	resp.Usage = llm.Usage{
		PromptTokens:     r.Usage.PromptTokens,
		CompletionTokens: r.Usage.CompletionTokens,
		ThinkingTokens:   r.Usage.CompletionTokensDetails.ReasoningTokens,
	}
	return resp
}

func parseOpenAIStream(body io.Reader, onChunk func(llm.StreamChunk)) (*llm.Response, error) {
	var textAccum strings.Builder
	toolCalls := map[int]*llm.ToolCall{}
	var toolArgs map[int]*strings.Builder = map[int]*strings.Builder{}
	usage := llm.Usage{}
	finishReason := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage struct {
				PromptTokens            int `json:"prompt_tokens"`
				CompletionTokens        int `json:"completion_tokens"`
				CompletionTokensDetails struct {
					ReasoningTokens int `json:"reasoning_tokens"`
				} `json:"completion_tokens_details"`
			} `json:"usage"`
		}
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.ThinkingTokens = chunk.Usage.CompletionTokensDetails.ReasoningTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		ch := chunk.Choices[0]
		if ch.FinishReason != "" {
			finishReason = ch.FinishReason
		}
		if ch.Delta.Content != "" {
			textAccum.WriteString(ch.Delta.Content)
			if onChunk != nil {
				onChunk(llm.StreamChunk{Text: ch.Delta.Content})
			}
		}
		for _, tc := range ch.Delta.ToolCalls {
			if _, ok := toolCalls[tc.Index]; !ok {
				toolCalls[tc.Index] = &llm.ToolCall{ID: tc.ID, Name: tc.Function.Name}
				toolArgs[tc.Index] = &strings.Builder{}
			}
			if tc.ID != "" {
				toolCalls[tc.Index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[tc.Index].Name = tc.Function.Name
			}
			toolArgs[tc.Index].WriteString(tc.Function.Arguments)
		}
	}

	text, extraCalls := llm.ExtractTextToolCalls(textAccum.String())
	resp := &llm.Response{Text: text, Usage: usage, StopReason: llm.StopEndTurn}
	if resp.Text != "" {
		resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockText, Text: resp.Text})
	}

	for i := 0; i < len(toolCalls); i++ {
		if tc, ok := toolCalls[i]; ok {
			tc.Input = json.RawMessage(toolArgs[i].String())
			resp.ToolCalls = append(resp.ToolCalls, *tc)
		}
	}
	resp.ToolCalls = append(resp.ToolCalls, extraCalls...)
	for _, tc := range resp.ToolCalls {
		resp.Blocks = append(resp.Blocks, llm.ContentBlock{Type: llm.BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Name, ToolInput: tc.Input})
	}

	switch finishReason {
	case "tool_calls":
		resp.StopReason = llm.StopToolUse
	case "length":
		resp.StopReason = llm.StopMaxTokens
	default:
		if len(resp.ToolCalls) > 0 {
			resp.StopReason = llm.StopToolUse
		}
	}

	if onChunk != nil {
		onChunk(llm.StreamChunk{Done: true})
	}
	return resp, nil
}
