package providers

import (
	"encoding/json"

	"github.com/kestrel-run/agentcore/internal/llm"
)

// toLLMRequest lowers a flat ChatRequest into the block-structured shape
// internal/llm.Pool actually routes and calls.
func toLLMRequest(req ChatRequest) llm.Request {
	out := llm.Request{
		Model:          req.Model,
		ConversationID: req.ConversationID,
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			if out.System != "" {
				out.System += "\n\n"
			}
			out.System += m.Content
			continue
		}
		out.Messages = append(out.Messages, toLLMMessage(m))
	}
	for _, t := range req.Tools {
		schema, _ := json.Marshal(t.Parameters)
		out.Tools = append(out.Tools, llm.Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	if req.Options != nil {
		if v, ok := req.Options[OptMaxTokens].(int); ok {
			out.MaxTokens = v
		}
		if lvl, ok := req.Options[OptThinkingLevel].(string); ok && lvl != "" && lvl != "off" {
			out.EnableThinking = true
		}
	}
	return out
}

func toLLMMessage(m Message) llm.Message {
	role := llm.Role(m.Role)
	if role == "" {
		role = llm.RoleUser
	}

	if role == llm.RoleTool {
		return llm.Message{
			Role: llm.RoleUser, // llm wire format carries tool results as blocks on a user-ish turn
			Blocks: []llm.ContentBlock{{
				Type:          llm.BlockToolResult,
				ToolResultFor: m.ToolCallID,
				Text:          m.Content,
			}},
		}
	}

	if role == llm.RoleAssistant && len(m.ToolCalls) > 0 {
		blocks := make([]llm.ContentBlock, 0, len(m.ToolCalls)+1)
		if m.Content != "" {
			blocks = append(blocks, llm.ContentBlock{Type: llm.BlockText, Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			input, _ := json.Marshal(tc.Arguments)
			blocks = append(blocks, llm.ContentBlock{
				Type:      llm.BlockToolUse,
				ToolUseID: tc.ID,
				ToolName:  tc.Name,
				ToolInput: input,
			})
		}
		return llm.Message{Role: role, Blocks: blocks}
	}

	if len(m.Images) > 0 {
		blocks := []llm.ContentBlock{{Type: llm.BlockText, Text: m.Content}}
		for _, img := range m.Images {
			blocks = append(blocks, llm.ContentBlock{Type: llm.BlockImage, MediaType: img.MimeType, Data: img.Data})
		}
		return llm.Message{Role: role, Blocks: blocks}
	}

	return llm.Message{Role: role, Text: m.Content}
}

// fromLLMResponse raises a pool Response back into the flat shape sessions
// persist and the agent loop already works in terms of.
func fromLLMResponse(r *llm.Response) *ChatResponse {
	out := &ChatResponse{
		Content:      r.Text,
		FinishReason: string(r.StopReason),
		Usage: &Usage{
			PromptTokens:        r.Usage.PromptTokens,
			CompletionTokens:    r.Usage.CompletionTokens,
			TotalTokens:         r.Usage.Total(),
			ThinkingTokens:      r.Usage.ThinkingTokens,
			CacheCreationTokens: r.Usage.CacheCreationTokens,
			CacheReadTokens:     r.Usage.CacheReadTokens,
		},
	}
	for _, tc := range r.ToolCalls {
		var args map[string]interface{}
		_ = json.Unmarshal(tc.Input, &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: args})
	}
	if len(r.Blocks) > 0 {
		if raw, err := json.Marshal(r.Blocks); err == nil {
			out.RawAssistantContent = raw
		}
	}
	return out
}
