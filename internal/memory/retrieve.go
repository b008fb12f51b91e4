package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kestrel-run/agentcore/internal/llm"
)

// Candidate is one retrieval hit with its scoring components, before and
// after reranking (spec.md §4.5's weighted rerank formula).
type Candidate struct {
	MemoryID   string
	Content    string
	MemoryType string
	SourceType string // "semantic" | "episode" | "recent" | "attachment"

	Relevance      float64
	RecencyScore   float64
	Importance     float64
	AccessScore    float64

	Score float64
}

const (
	weightRelevance = 0.4
	weightRecency   = 0.25
	weightImportance = 0.2
	weightAccess    = 0.15
	personaAffinityMultiplier = 1.2
)

// mediaHintKeywords trigger the attachment search path.
var mediaHintKeywords = []string{
	"photo", "image", "picture", "video", "clip",
	"file", "document", "doc", "pdf", "audio", "voice",
	"that one", "last time", "sent you", "the one",
}

var fileExtensionPattern = regexp.MustCompile(`[\w.-]+\.(?:py|js|ts|go|md|json|yaml|toml|jpg|png|pdf|docx|mp4|mp3)\b`)

var decomposeStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true, "were": true,
	"this": true, "that": true, "what": true, "how": true, "where": true, "when": true,
	"who": true, "which": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "can": true, "could": true, "should": true, "please": true, "me": true,
}

// Retriever performs multi-way recall plus weighted reranking (spec.md
// §4.5). Grounded on retrieval.py's RetrievalEngine.
type Retriever struct {
	store *Store
	pool  *llm.Pool // optional: used for query decomposition when set
}

func NewRetriever(store *Store, pool *llm.Pool) *Retriever {
	return &Retriever{store: store, pool: pool}
}

// decomposed is the result of turning free text into search keywords plus
// a coarse intent label.
type decomposed struct {
	keywords []string
	intent   string
}

// Retrieve runs every recall path, merges and dedups the hits, and returns
// them ranked best-first, capped at limit.
func (r *Retriever) Retrieve(ctx context.Context, query string, persona string, limit int) ([]Candidate, error) {
	d := r.decompose(ctx, query)
	enhanced := buildEnhancedQuery(query, d.keywords)

	semantic, err := r.searchSemantic(enhanced, 15)
	if err != nil {
		return nil, err
	}
	episodes, err := r.searchEpisodes(enhanced, 5)
	if err != nil {
		return nil, err
	}
	recent, err := r.searchRecent(5)
	if err != nil {
		return nil, err
	}
	attachments, err := r.searchAttachments(query, d, 5)
	if err != nil {
		return nil, err
	}

	merged := mergeAndDedup(semantic, episodes, recent, attachments)
	ranked := rerank(merged, persona)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	for _, c := range ranked {
		_ = r.store.TouchAccess(c.MemoryID)
	}
	return ranked, nil
}

func (r *Retriever) searchSemantic(query string, limit int) ([]Candidate, error) {
	hits, err := r.store.SearchFTS(query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			MemoryID:    h.Memory.ID,
			Content:     h.Memory.Content,
			MemoryType:  string(h.Memory.Type),
			SourceType:  "semantic",
			Relevance:   0.8,
			RecencyScore: computeRecency(h.Memory.UpdatedAt),
			Importance:  h.Memory.ImportanceScore,
			AccessScore: computeAccessScore(h.Memory.AccessCount),
		})
	}
	return out, nil
}

func (r *Retriever) searchEpisodes(query string, limit int) ([]Candidate, error) {
	entities := extractQueryEntities(query)
	var episodes []Episode
	seen := map[string]bool{}
	for i, entity := range entities {
		if i >= 3 {
			break
		}
		found, err := r.store.SearchEpisodes(EpisodeSearchOptions{Entity: entity, Limit: 3})
		if err != nil {
			return nil, err
		}
		for _, e := range found {
			if !seen[e.ID] {
				episodes = append(episodes, e)
				seen[e.ID] = true
			}
		}
	}
	recent, err := r.store.SearchEpisodes(EpisodeSearchOptions{Limit: 5})
	if err != nil {
		return nil, err
	}
	for _, e := range recent {
		if !seen[e.ID] {
			episodes = append(episodes, e)
			seen[e.ID] = true
		}
	}
	if len(episodes) > limit {
		episodes = episodes[:limit]
	}

	out := make([]Candidate, 0, len(episodes))
	for _, e := range episodes {
		out = append(out, Candidate{
			MemoryID:    e.ID,
			Content:     e.Summary,
			MemoryType:  "episode",
			SourceType:  "episode",
			Relevance:   0.6,
			RecencyScore: computeRecency(e.EndedAt),
			Importance:  e.ImportanceScore,
			AccessScore: computeAccessScore(e.AccessCount),
		})
	}
	return out, nil
}

func (r *Retriever) searchRecent(limit int) ([]Candidate, error) {
	memories, err := r.store.Query(QueryOptions{MinImportance: 0.6, Limit: limit * 3})
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, m := range memories {
		recency := computeRecency(m.UpdatedAt)
		if recency < 0.3 {
			continue
		}
		out = append(out, Candidate{
			MemoryID:    m.ID,
			Content:     m.Content,
			MemoryType:  string(m.Type),
			SourceType:  "recent",
			Relevance:   0.5,
			RecencyScore: recency,
			Importance:  m.ImportanceScore,
			AccessScore: computeAccessScore(m.AccessCount),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Retriever) searchAttachments(rawQuery string, d decomposed, limit int) ([]Candidate, error) {
	hasHint := d.intent == "search_file"
	lowered := strings.ToLower(rawQuery)
	if !hasHint {
		for _, kw := range mediaHintKeywords {
			if strings.Contains(lowered, kw) {
				hasHint = true
				break
			}
		}
	}
	if !hasHint {
		return nil, nil
	}

	terms := d.keywords
	if len(terms) == 0 {
		terms = []string{rawQuery}
	}

	seen := map[string]Attachment{}
	for _, term := range terms {
		hits, err := r.store.SearchAttachments(AttachmentSearchOptions{Query: term, Limit: limit})
		if err != nil {
			continue
		}
		for _, a := range hits {
			seen[a.ID] = a
		}
	}

	out := make([]Candidate, 0, len(seen))
	for _, a := range seen {
		content := a.Description
		if content == "" {
			content = a.Filename
		}
		out = append(out, Candidate{
			MemoryID:   a.ID,
			Content:    content,
			MemoryType: "attachment",
			SourceType: "attachment",
			Relevance:  0.55,
			RecencyScore: computeRecency(a.CreatedAt),
			Importance:   0.4,
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func mergeAndDedup(lists ...[]Candidate) []Candidate {
	seen := map[string]Candidate{}
	var order []string
	for _, list := range lists {
		for _, c := range list {
			if existing, ok := seen[c.MemoryID]; ok {
				if c.Relevance > existing.Relevance {
					seen[c.MemoryID] = c
				}
				continue
			}
			seen[c.MemoryID] = c
			order = append(order, c.MemoryID)
		}
	}
	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id])
	}
	return out
}

// rerank scores every candidate with the weighted formula and applies the
// persona-affinity multiplier before sorting best-first.
func rerank(candidates []Candidate, persona string) []Candidate {
	personaBoost := persona == "tech_expert" || persona == "jarvis"
	for i := range candidates {
		c := &candidates[i]
		c.Score = c.Relevance*weightRelevance + c.RecencyScore*weightRecency +
			c.Importance*weightImportance + c.AccessScore*weightAccess
		if personaBoost && (c.MemoryType == string(TypeSkill) || c.MemoryType == string(TypeError)) {
			c.Score *= personaAffinityMultiplier
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	return candidates
}

// computeRecency returns exp(-0.1 * days_since) for an ISO timestamp, 0 for
// an unparseable or empty one.
func computeRecency(iso string) float64 {
	if iso == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return 0
	}
	days := time.Since(t).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-0.1 * days)
}

func computeAccessScore(accessCount int) float64 {
	score := math.Log1p(float64(accessCount)) / 5.0
	if score > 1.0 {
		return 1.0
	}
	return score
}

func extractQueryEntities(query string) []string {
	var entities []string
	entities = append(entities, fileExtensionPattern.FindAllString(query, -1)...)
	for _, w := range strings.Fields(query) {
		if len(w) > 2 {
			entities = append(entities, w)
		}
		if len(entities) >= 8 {
			break
		}
	}
	return entities
}

func buildEnhancedQuery(query string, keywords []string) string {
	parts := []string{query}
	for _, kw := range keywords {
		if !strings.Contains(query, kw) {
			parts = append(parts, kw)
		}
	}
	return strings.Join(parts, " ")
}

// decompose turns free text into search keywords and a coarse intent,
// preferring an LLM call when a pool is configured and falling back to a
// rule-based tokenizer otherwise (spec.md §4.5).
func (r *Retriever) decompose(ctx context.Context, query string) decomposed {
	if r.pool != nil {
		if d, ok := r.decomposeWithLLM(ctx, query); ok {
			return d
		}
	}
	return decomposeWithRules(query)
}

const decomposePrompt = `Extract search keywords for memory retrieval from this user message, and classify its intent as one of: general, search_file.

User message: %s

Respond with JSON only: {"keywords": ["..."], "intent": "general|search_file"}`

func (r *Retriever) decomposeWithLLM(ctx context.Context, query string) (decomposed, bool) {
	req := llm.Request{
		Messages:  []llm.Message{{Role: "user", Text: fmt.Sprintf(decomposePrompt, strings.TrimSpace(query))}},
		MaxTokens: 200,
	}
	resp, err := r.pool.Chat(ctx, req)
	if err != nil {
		return decomposed{}, false
	}
	return parseDecomposeResponse(resp.Text)
}

func parseDecomposeResponse(text string) (decomposed, bool) {
	type raw struct {
		Keywords []string `json:"keywords"`
		Intent   string   `json:"intent"`
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return decomposed{}, false
	}
	var r raw
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return decomposed{}, false
	}
	if len(r.Keywords) == 0 {
		return decomposed{}, false
	}
	intent := r.Intent
	if intent == "" {
		intent = "general"
	}
	return decomposed{keywords: r.Keywords, intent: intent}, true
}

// decomposeWithRules is the non-LLM fallback: strip stopwords and pull
// file-like tokens out as keywords (retrieval.py's _decompose_with_rules).
func decomposeWithRules(query string) decomposed {
	intent := "general"
	lowered := strings.ToLower(query)
	for _, kw := range mediaHintKeywords {
		if strings.Contains(lowered, kw) {
			intent = "search_file"
			break
		}
	}

	var keywords []string
	keywords = append(keywords, fileExtensionPattern.FindAllString(query, -1)...)

	seen := map[string]bool{}
	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]{}")
		low := strings.ToLower(tok)
		if tok == "" || decomposeStopwords[low] || len([]rune(tok)) < 2 {
			continue
		}
		if !seen[low] {
			seen[low] = true
			keywords = append(keywords, tok)
		}
		if len(keywords) >= 6 {
			break
		}
	}
	if len(keywords) == 0 {
		keywords = []string{strings.TrimSpace(query)}
	}
	return decomposed{keywords: keywords, intent: intent}
}
