package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrel-run/agentcore/internal/memory"
)

// ============================================================
// memory_search
// ============================================================

// MemorySearchTool exposes memory.Retriever's multi-way recall + weighted
// rerank to the LLM as a single tool call.
type MemorySearchTool struct {
	retriever *memory.Retriever
}

func NewMemorySearchTool() *MemorySearchTool { return &MemorySearchTool{} }

func (t *MemorySearchTool) SetRetriever(r *memory.Retriever) { t.retriever = r }

func (t *MemorySearchTool) Name() string { return "memory_search" }
func (t *MemorySearchTool) Description() string {
	return "Search persistent memory (facts, episodes, recent context, attachments) for content relevant to a query."
}

func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to search memory for",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max results to return (default 8)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.retriever == nil {
		return ErrorResult("memory is not enabled for this agent")
	}

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}

	limit := 8
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	candidates, err := t.retriever.Retrieve(ctx, query, "", limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err))
	}
	if len(candidates) == 0 {
		return SilentResult("No matching memories found.")
	}

	type hit struct {
		ID    string  `json:"id"`
		Type  string  `json:"type"`
		Score float64 `json:"score"`
		Text  string  `json:"text"`
	}
	hits := make([]hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, hit{ID: c.MemoryID, Type: c.MemoryType, Score: c.Score, Text: c.Content})
	}

	out, _ := json.Marshal(map[string]interface{}{"count": len(hits), "results": hits})
	return SilentResult(string(out))
}

// ============================================================
// memory_get
// ============================================================

// MemoryGetTool fetches one memory record by ID, for follow-up after a
// memory_search result surfaces an ID worth reading in full.
type MemoryGetTool struct {
	store *memory.Store
}

func NewMemoryGetTool() *MemoryGetTool { return &MemoryGetTool{} }

func (t *MemoryGetTool) SetStore(s *memory.Store) { t.store = s }

func (t *MemoryGetTool) Name() string { return "memory_get" }
func (t *MemoryGetTool) Description() string {
	return "Fetch the full content and metadata of one memory record by ID."
}

func (t *MemoryGetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Memory ID, as returned by memory_search",
			},
		},
		"required": []string{"id"},
	}
}

func (t *MemoryGetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.store == nil {
		return ErrorResult("memory is not enabled for this agent")
	}

	id, _ := args["id"].(string)
	if strings.TrimSpace(id) == "" {
		return ErrorResult("id is required")
	}

	m, ok := t.store.GetMemory(id)
	if !ok {
		return ErrorResult("no memory found with id " + id)
	}
	_ = t.store.TouchAccess(id)

	out, _ := json.Marshal(map[string]interface{}{
		"id":         m.ID,
		"type":       m.Type,
		"content":    m.Content,
		"importance": m.ImportanceScore,
		"updated_at": m.UpdatedAt,
	})
	return SilentResult(string(out))
}
