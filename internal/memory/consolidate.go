package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kestrel-run/agentcore/internal/identity"
)

// ConsolidationReport summarizes one nightly consolidation run, matching
// lifecycle.py's consolidate_daily return shape.
type ConsolidationReport struct {
	StartedAt               time.Time
	FinishedAt              time.Time
	UnextractedProcessed    int
	DuplicatesRemoved       int
	MemoriesDecayed         int
	StaleAttachmentsCleaned int
}

// Consolidator runs the nightly consolidation sweep (spec.md §4.5, triggered
// by the scheduler's system:daily_memory task): drain the extraction queue,
// generate episodes for unprocessed turns, dedup-cluster near-duplicates,
// decay stale SHORT_TERM memories, prune stale attachments, and refresh
// MEMORY.md/USER.md. Grounded on lifecycle.py's LifecycleManager.
type Consolidator struct {
	store       *Store
	extractor   *Extractor
	identityDir string
	logger      *slog.Logger
}

func NewConsolidator(store *Store, extractor *Extractor, identityDir string, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{store: store, extractor: extractor, identityDir: identityDir, logger: logger}
}

// ConsolidateDaily runs the full sweep and returns a report.
func (c *Consolidator) ConsolidateDaily(ctx context.Context) (ConsolidationReport, error) {
	report := ConsolidationReport{StartedAt: time.Now().UTC()}

	extracted, err := c.processUnextractedTurns(ctx)
	if err != nil {
		return report, fmt.Errorf("memory: consolidation: process turns: %w", err)
	}
	report.UnextractedProcessed = extracted

	deduped, err := c.deduplicateBatch()
	if err != nil {
		return report, fmt.Errorf("memory: consolidation: dedup: %w", err)
	}
	report.DuplicatesRemoved = deduped

	decayed, err := c.computeDecay()
	if err != nil {
		return report, fmt.Errorf("memory: consolidation: decay: %w", err)
	}
	report.MemoriesDecayed = decayed

	cleaned, err := c.store.CleanupExpiredAttachments(time.Now().UTC().AddDate(0, 0, -90).Format(time.RFC3339))
	if err != nil {
		return report, fmt.Errorf("memory: consolidation: attachment cleanup: %w", err)
	}
	report.StaleAttachmentsCleaned = cleaned

	if c.identityDir != "" {
		if err := c.refreshMemoryMD(); err != nil {
			c.logger.Warn("memory: refresh MEMORY.md failed", "error", err)
		}
		if err := c.refreshUserMD(); err != nil {
			c.logger.Warn("memory: refresh USER.md failed", "error", err)
		}
	}

	report.FinishedAt = time.Now().UTC()
	c.logger.Info("memory: daily consolidation complete",
		"extracted", report.UnextractedProcessed,
		"deduped", report.DuplicatesRemoved,
		"decayed", report.MemoriesDecayed,
		"attachments_cleaned", report.StaleAttachmentsCleaned,
	)
	return report, nil
}

// processUnextractedTurns groups pending turns by session, generates one
// episode per session, runs per-turn extraction against it, and drains
// extraction_queue retries.
func (c *Consolidator) processUnextractedTurns(ctx context.Context) (int, error) {
	turns, err := c.store.GetUnextractedTurns(200)
	if err != nil {
		return 0, err
	}
	if len(turns) == 0 {
		return c.drainRetryQueue(ctx)
	}

	bySession := map[string][]ConversationTurn{}
	var order []string
	for _, t := range turns {
		if _, ok := bySession[t.SessionID]; !ok {
			order = append(order, t.SessionID)
		}
		bySession[t.SessionID] = append(bySession[t.SessionID], t)
	}

	total := 0
	for _, sessionID := range order {
		sessionTurns := bySession[sessionID]
		episode := generateEpisode(sessionID, sessionTurns)
		if err := c.store.SaveEpisode(episode); err != nil {
			return total, err
		}

		var indices []int
		for _, t := range sessionTurns {
			t.EpisodeID = episode.ID
			if c.extractor != nil {
				extracted, err := c.extractor.ExtractFromTurn(ctx, t)
				if err != nil {
					c.logger.Warn("memory: consolidation extraction failed", "session", sessionID, "error", err)
				} else {
					total += len(extracted)
				}
			}
			indices = append(indices, t.TurnIndex)
		}
		if err := c.store.MarkTurnsExtracted(sessionID, indices); err != nil {
			return total, err
		}
	}

	retried, err := c.drainRetryQueue(ctx)
	return total + retried, err
}

// drainRetryQueue reprocesses pending extraction_queue entries under their
// retry limit.
func (c *Consolidator) drainRetryQueue(ctx context.Context) (int, error) {
	if c.extractor == nil {
		return 0, nil
	}
	entries, err := c.store.DequeueExtraction(20)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		turn := ConversationTurn{SessionID: e.SessionID, Role: "user", Content: e.Content, TurnIndex: e.TurnIndex}
		extracted, err := c.extractor.ExtractFromTurn(ctx, turn)
		success := err == nil && len(extracted) > 0
		if err == nil {
			total += len(extracted)
		}
		if completeErr := c.store.CompleteExtraction(e.ID, success); completeErr != nil {
			return total, completeErr
		}
	}
	return total, nil
}

// generateEpisode builds a session summary from its unprocessed turns. A
// real session-closing path would hand this a richer goal/outcome; the
// consolidation sweep only has the raw turn text to work from.
func generateEpisode(sessionID string, turns []ConversationTurn) Episode {
	var toolsUsed []string
	seenTools := map[string]bool{}
	var first, last string
	for i, t := range turns {
		if i == 0 {
			first = t.Timestamp
		}
		last = t.Timestamp
		if t.HasToolCalls && t.ToolCalls != "" && !seenTools[t.ToolCalls] {
			seenTools[t.ToolCalls] = true
			toolsUsed = append(toolsUsed, t.ToolCalls)
		}
	}

	summary := summarizeTurns(turns)
	return Episode{
		ID:        newID("ep"),
		SessionID: sessionID,
		Summary:   summary,
		Outcome:   "completed",
		StartedAt: first,
		EndedAt:   last,
		ToolsUsed: toolsUsed,
		Source:    "daily_consolidation",
	}
}

// summarizeTurns builds a compact synthetic summary by concatenating the
// first few user turns, truncated. A compiler-model summary would replace
// this when one is configured; this is the guaranteed-available fallback.
func summarizeTurns(turns []ConversationTurn) string {
	var parts []string
	for _, t := range turns {
		if t.Role != "user" || t.Content == "" {
			continue
		}
		parts = append(parts, t.Content)
		if len(parts) >= 3 {
			break
		}
	}
	joined := strings.Join(parts, " / ")
	const maxLen = 300
	if len(joined) > maxLen {
		joined = joined[:maxLen] + "..."
	}
	if joined == "" {
		joined = fmt.Sprintf("session with %d turns", len(turns))
	}
	return joined
}

// deduplicateBatch clusters all non-superseded memories by type and
// word-overlap similarity (pairwise comparison within each type, so O(n²)
// per type, matching lifecycle.py's _cluster_by_content), keeping the
// best-scoring member of each cluster.
func (c *Consolidator) deduplicateBatch() (int, error) {
	all, err := c.store.Query(QueryOptions{Limit: 5000})
	if err != nil {
		return 0, err
	}
	if len(all) < 2 {
		return 0, nil
	}

	byType := map[Type][]Memory{}
	for _, m := range all {
		if m.SupersededBy != "" {
			continue
		}
		byType[m.Type] = append(byType[m.Type], m)
	}

	deleted := 0
	for _, group := range byType {
		if len(group) < 2 {
			continue
		}
		for _, cluster := range clusterByContent(group, dedupSimilarityThreshold) {
			if len(cluster) < 2 {
				continue
			}
			_, remove := pickBestInCluster(cluster)
			for _, m := range remove {
				if err := c.store.DeleteMemory(m.ID); err != nil {
					return deleted, err
				}
				deleted++
			}
		}
	}
	return deleted, nil
}

// clusterByContent groups memories whose content word-sets overlap at or
// above threshold (relative to the smaller set, matching the Python).
func clusterByContent(memories []Memory, threshold float64) [][]Memory {
	var clusters [][]Memory
	assigned := map[string]bool{}

	for i, a := range memories {
		if assigned[a.ID] {
			continue
		}
		cluster := []Memory{a}
		assigned[a.ID] = true
		wordsA := wordSet(a.Content)

		for j := i + 1; j < len(memories); j++ {
			b := memories[j]
			if assigned[b.ID] {
				continue
			}
			wordsB := wordSet(b.Content)
			if len(wordsA) == 0 || len(wordsB) == 0 {
				continue
			}
			shared := 0
			for w := range wordsA {
				if wordsB[w] {
					shared++
				}
			}
			minLen := len(wordsA)
			if len(wordsB) < minLen {
				minLen = len(wordsB)
			}
			if float64(shared)/float64(minLen) >= threshold {
				cluster = append(cluster, b)
				assigned[b.ID] = true
			}
		}
		if len(cluster) >= 2 {
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

// pickBestInCluster keeps the member with the highest (importance, access
// count, content length, updated_at) tuple and returns the rest for removal.
func pickBestInCluster(cluster []Memory) (keep Memory, remove []Memory) {
	sorted := append([]Memory(nil), cluster...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ImportanceScore != b.ImportanceScore {
			return a.ImportanceScore > b.ImportanceScore
		}
		if a.AccessCount != b.AccessCount {
			return a.AccessCount > b.AccessCount
		}
		if len(a.Content) != len(b.Content) {
			return len(a.Content) > len(b.Content)
		}
		return a.UpdatedAt > b.UpdatedAt
	})
	return sorted[0], sorted[1:]
}

// computeDecay demotes SHORT_TERM memories whose decayed effective
// importance drops below 0.1 and that have seen fewer than 2 accesses, then
// sweeps expired memories (lifecycle.py's compute_decay).
func (c *Consolidator) computeDecay() (int, error) {
	memories, err := c.store.Query(QueryOptions{Priority: PriorityShortTerm, Limit: 500})
	if err != nil {
		return 0, err
	}

	decayed := 0
	for _, m := range memories {
		ref := m.LastAccessedAt
		if ref == "" {
			ref = m.UpdatedAt
		}
		if ref == "" {
			continue
		}
		refTime, err := time.Parse(time.RFC3339, ref)
		if err != nil {
			continue
		}
		daysSince := time.Since(refTime).Hours() / 24
		if daysSince < 0 {
			daysSince = 0
		}
		decayFactor := math.Pow(1-m.DecayRate, daysSince)
		effective := m.ImportanceScore * decayFactor

		if effective < 0.1 && m.AccessCount < 2 {
			m.Priority = PriorityTransient
			m.ImportanceScore = effective
			if err := c.store.SaveMemory(m); err != nil {
				return decayed, err
			}
			decayed++
		}
	}

	expired, err := c.store.CleanupExpired()
	if err != nil {
		return decayed, err
	}
	return decayed + expired, nil
}

// refreshMemoryMD regenerates identity/MEMORY.md from the highest-importance
// memories, grouped by type, capped at a character budget (lifecycle.py's
// refresh_memory_md).
func (c *Consolidator) refreshMemoryMD() error {
	memories, err := c.store.Query(QueryOptions{MinImportance: 0.5, Limit: 100})
	if err != nil {
		return err
	}

	byType := map[Type][]Memory{}
	for _, m := range memories {
		byType[m.Type] = append(byType[m.Type], m)
	}

	typeOrder := []struct {
		typ   Type
		label string
	}{
		{TypePref, "Preferences"},
		{TypeFact, "Facts"},
		{TypeSkill, "Skills"},
		{TypeError, "Lessons"},
	}

	var lines []string
	lines = append(lines, "# Core Memory", "")
	const maxChars = 1500
	total := 0

	for _, tl := range typeOrder {
		group := byType[tl.typ]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ImportanceScore > group[j].ImportanceScore })
		lines = append(lines, "", "## "+tl.label)
		for i, m := range group {
			if i >= 5 {
				break
			}
			line := "- " + m.Content
			if total+len(line) > maxChars {
				break
			}
			lines = append(lines, line)
			total += len(line)
		}
	}

	return identity.RefreshMemory(c.identityDir, strings.Join(lines, "\n"))
}

// userProfileKeywords buckets a memory's predicate into a USER.md section,
// translated from lifecycle.py's refresh_user_md predicate keyword groups.
var userProfileKeywords = map[string][]string{
	"basic":       {"name", "called", "identity", "timezone", "pronoun"},
	"tech":        {"tech", "language", "framework", "tool", "version", "stack"},
	"preferences": {"prefer", "style", "habit"},
	"projects":    {"project", "work"},
}

// refreshUserMD regenerates identity/USER.md from memories describing the
// user (subject "user"), bucketed by predicate keyword or falling back to
// memory type, matching lifecycle.py's refresh_user_md.
func (c *Consolidator) refreshUserMD() error {
	userFacts, err := c.store.Query(QueryOptions{Subject: "user", Limit: 50})
	if err != nil {
		return err
	}
	if len(userFacts) == 0 {
		return nil
	}

	categories := map[string][]string{"basic": nil, "tech": nil, "preferences": nil, "projects": nil}
	categoryOrder := []string{"basic", "tech", "preferences", "projects"}

	for _, m := range userFacts {
		pred := strings.ToLower(m.Predicate)
		bucket := ""
		for _, cat := range categoryOrder {
			for _, kw := range userProfileKeywords[cat] {
				if strings.Contains(pred, kw) {
					bucket = cat
					break
				}
			}
			if bucket != "" {
				break
			}
		}
		if bucket == "" {
			switch m.Type {
			case TypePref:
				bucket = "preferences"
			case TypeFact:
				bucket = "basic"
			}
		}
		if bucket != "" {
			categories[bucket] = append(categories[bucket], m.Content)
		}
	}

	sectionLabels := map[string]string{
		"basic":       "Basic Info",
		"tech":        "Tech Stack",
		"preferences": "Preferences",
		"projects":    "Projects",
	}

	lines := []string{"# User Profile", "", "> Generated automatically from memory"}
	hasContent := false
	for _, cat := range categoryOrder {
		items := categories[cat]
		if len(items) == 0 {
			continue
		}
		hasContent = true
		lines = append(lines, "", "## "+sectionLabels[cat])
		for i, item := range items {
			if i >= 8 {
				break
			}
			lines = append(lines, "- "+item)
		}
	}
	if !hasContent {
		return nil
	}

	return identity.RefreshUser(c.identityDir, strings.Join(lines, "\n"))
}
