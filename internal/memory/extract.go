package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kestrel-run/agentcore/internal/llm"
)

// extractionSystemPrompt instructs the extraction call to respond with
// either the NONE sentinel or a bounded JSON candidate array (spec.md
// §4.5), grounded on extractor.py's EXTRACTION_PROMPT.
const extractionSystemPrompt = `You are a memory extraction specialist. Decide whether this conversation turn contains anything worth remembering long-term.

Only these are worth recording:
1. A preference or habit the user states explicitly
2. A rule or constraint the user sets ("never...", "always...")
3. An important fact (identity, project, account details)
4. A method that solved a problem (if this is an assistant message)
5. A mistake or lesson worth avoiding next time

Most turns have nothing worth recording. If so, respond with exactly: NONE

Otherwise respond with a JSON array of at most 3 objects:
[{"type": "FACT|PREFERENCE|SKILL|ERROR", "content": "concise summary, not a quote", "importance": 0.5-1.0}]`

// candidate is the raw shape an extraction call returns before it's turned
// into a Memory.
type candidate struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// Extractor drives single-turn LLM-based memory extraction: one call per
// qualifying turn, 0-3 candidates, immediate dedup against what's already
// stored.
type Extractor struct {
	store *Store
	pool  *llm.Pool
}

func NewExtractor(store *Store, pool *llm.Pool) *Extractor {
	return &Extractor{store: store, pool: pool}
}

// ExtractFromTurn asks the LLM whether turn contains anything worth
// remembering, parses its response, and persists any surviving candidates
// after deduplication. Turns shorter than 10 runes are skipped without a
// call — extractor.py applies the same floor.
func (e *Extractor) ExtractFromTurn(ctx context.Context, turn ConversationTurn) ([]Memory, error) {
	if e.pool == nil {
		return nil, nil
	}
	if len([]rune(strings.TrimSpace(turn.Content))) < 10 {
		return nil, nil
	}

	req := llm.Request{
		System: extractionSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Text: fmt.Sprintf("[%s]: %s", turn.Role, turn.Content)},
		},
		MaxTokens: 500,
	}
	resp, err := e.pool.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("memory: extraction call: %w", err)
	}

	candidates := parseCandidates(resp.Text)
	if len(candidates) == 0 {
		return nil, nil
	}

	var saved []Memory
	for _, c := range candidates {
		m := candidateToMemory(c, turn)
		dup, err := e.isDuplicate(m)
		if err != nil {
			return saved, err
		}
		if dup {
			continue
		}
		if err := e.store.SaveMemory(m); err != nil {
			return saved, err
		}
		saved = append(saved, m)
	}
	return saved, nil
}

// parseCandidates extracts the JSON candidate array from a raw LLM
// response, returning nil for the NONE sentinel or any unparseable reply.
func parseCandidates(response string) []candidate {
	response = strings.TrimSpace(response)
	if response == "" || strings.Contains(strings.ToUpper(response), "NONE") {
		return nil
	}
	match := jsonArrayPattern.FindString(response)
	if match == "" {
		return nil
	}
	var raw []candidate
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return nil
	}
	if len(raw) > 3 {
		raw = raw[:3]
	}
	return raw
}

func candidateToMemory(c candidate, turn ConversationTurn) Memory {
	importance := c.Importance
	if importance <= 0 {
		importance = 0.5
	}
	if importance > 1.0 {
		importance = 1.0
	}
	if importance < 0.1 {
		importance = 0.1
	}

	typ := Type(strings.ToUpper(c.Type))
	switch typ {
	case TypeFact, TypePref, TypeSkill, TypeError, TypeProfile:
	default:
		typ = TypeFact
	}

	priority := PriorityShortTerm
	if importance >= 0.6 {
		priority = PriorityLongTerm
	}

	return Memory{
		ID:              newID("mem"),
		Content:         strings.TrimSpace(c.Content),
		Type:            typ,
		Priority:        priority,
		Source:          "turn_extraction",
		ImportanceScore: importance,
		SourceEpisodeID: turn.EpisodeID,
	}
}

// isDuplicate runs the dedup pipeline spec.md §4.5 describes: an exact
// lowercase string match first, then a word-overlap check against the
// nearest FTS candidates (a cheap proxy for semantic similarity — this
// runtime has no embedding backend wired in by default).
func (e *Extractor) isDuplicate(m Memory) (bool, error) {
	existing, err := e.store.Query(QueryOptions{Limit: 200})
	if err != nil {
		return false, err
	}
	lower := strings.ToLower(m.Content)
	for _, ex := range existing {
		if strings.ToLower(ex.Content) == lower {
			return true, nil
		}
	}

	hits, err := e.store.SearchFTS(m.Content, 5)
	if err != nil {
		return false, nil // FTS unavailable is not fatal to extraction
	}
	for _, h := range hits {
		if wordOverlap(m.Content, h.Memory.Content) >= dedupSimilarityThreshold {
			return true, nil
		}
	}
	return false, nil
}

// dedupSimilarityThreshold is the word-overlap ratio above which two
// memories are considered the same fact restated.
const dedupSimilarityThreshold = 0.7

// wordOverlap returns the Jaccard overlap of a and b's lowercased word
// sets, grounded on daily_consolidator.py's clustering heuristic.
func wordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	var shared int
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	union := len(wa) + len(wb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

// newID mints a globally-unique id for a new row, matching the teacher's
// uuid.Must(uuid.NewV7()) pattern in internal/store/pg.
func newID(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}
