package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// busyTimeoutMS matches storage.py's _BUSY_TIMEOUT_MS: long enough that the
// nightly consolidation sweep and a live extraction write don't collide.
const busyTimeoutMS = 5000

// Store is the memory subsystem's SQLite-backed persistence layer. A single
// process-wide RWMutex serializes writes the way storage.py's
// threading.RLock does — modernc.org/sqlite's single-connection driver
// doesn't itself arbitrate concurrent writers.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates (or migrates) the SQLite database at path and returns a ready
// Store. WAL mode plus a busy timeout lets concurrent readers proceed while
// a writer holds the single connection (spec.md §4.5 persistence model).
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("memory: create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer file-backed sqlite connection

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("memory: %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

func marshalJSON(v any) string {
	if v == nil {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// --- memories -------------------------------------------------------------

// SaveMemory inserts or replaces one memory row.
func (s *Store) SaveMemory(m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowISO()
	if m.CreatedAt == "" {
		m.CreatedAt = now
	}
	if m.Type == "" {
		m.Type = TypeFact
	}
	if m.Priority == "" {
		m.Priority = PriorityShortTerm
	}
	if m.ImportanceScore == 0 {
		m.ImportanceScore = 0.5
	}
	if m.Confidence == 0 {
		m.Confidence = 0.5
	}
	if m.DecayRate == 0 {
		m.DecayRate = 0.1
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO memories
		(id, content, type, priority, source, importance_score,
		 access_count, tags, created_at, updated_at, expires_at, metadata,
		 subject, predicate, confidence, decay_rate,
		 last_accessed_at, superseded_by, source_episode_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, string(m.Type), string(m.Priority), m.Source, m.ImportanceScore,
		m.AccessCount, marshalJSON(m.Tags), m.CreatedAt, now, nullable(m.ExpiresAt), marshalJSON(m.Metadata),
		m.Subject, m.Predicate, m.Confidence, m.DecayRate,
		nullable(m.LastAccessedAt), nullable(m.SupersededBy), nullable(m.SourceEpisodeID),
	)
	if err != nil {
		return fmt.Errorf("memory: save memory: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetMemory fetches one memory by id, or (Memory{}, false) if absent.
func (s *Store) GetMemory(id string) (Memory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, content, type, priority, source, importance_score,
		access_count, tags, created_at, updated_at, expires_at, metadata,
		subject, predicate, confidence, decay_rate,
		last_accessed_at, superseded_by, source_episode_id
		FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err != nil {
		return Memory{}, false
	}
	return m, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	var typ, pri, tags, expiresAt, metadata, lastAccessed, supersededBy, sourceEpisodeID sql.NullString
	err := row.Scan(&m.ID, &m.Content, &typ, &pri, &m.Source, &m.ImportanceScore,
		&m.AccessCount, &tags, &m.CreatedAt, &m.UpdatedAt, &expiresAt, &metadata,
		&m.Subject, &m.Predicate, &m.Confidence, &m.DecayRate,
		&lastAccessed, &supersededBy, &sourceEpisodeID)
	if err != nil {
		return Memory{}, err
	}
	m.Type = Type(typ.String)
	m.Priority = Priority(pri.String)
	m.Tags = unmarshalStrings(tags.String)
	m.ExpiresAt = expiresAt.String
	m.Metadata = unmarshalMap(metadata.String)
	m.LastAccessedAt = lastAccessed.String
	m.SupersededBy = supersededBy.String
	m.SourceEpisodeID = sourceEpisodeID.String
	return m, nil
}

// DeleteMemory removes one memory by id.
func (s *Store) DeleteMemory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	return err
}

// TouchAccess increments access_count and bumps last_accessed_at, used by
// retrieval whenever a memory is returned to the caller.
func (s *Store) TouchAccess(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`, nowISO(), id)
	return err
}

// UpdateMemoryPriority rewrites a memory's priority field. The nightly
// decay pass does not call it; it saves the demoted memory via SaveMemory.
func (s *Store) UpdateMemoryPriority(id string, priority Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE memories SET priority = ?, updated_at = ? WHERE id = ?`, string(priority), nowISO(), id)
	return err
}

// QueryOptions filters Query's result set.
type QueryOptions struct {
	Type          Type
	Priority      Priority
	Source        string
	MinImportance float64
	Subject       string
	Limit         int
	Offset        int
}

// Query lists memories matching the given filters, newest-and-most-important
// first.
func (s *Store) Query(opts QueryOptions) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conditions []string
	var params []any
	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		params = append(params, string(opts.Type))
	}
	if opts.Priority != "" {
		conditions = append(conditions, "priority = ?")
		params = append(params, string(opts.Priority))
	}
	if opts.Source != "" {
		conditions = append(conditions, "source = ?")
		params = append(params, opts.Source)
	}
	if opts.MinImportance > 0 {
		conditions = append(conditions, "importance_score >= ?")
		params = append(params, opts.MinImportance)
	}
	if opts.Subject != "" {
		conditions = append(conditions, "subject = ?")
		params = append(params, opts.Subject)
	}

	where := "1=1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	params = append(params, limit, opts.Offset)

	rows, err := s.db.Query(fmt.Sprintf(`SELECT id, content, type, priority, source, importance_score,
		access_count, tags, created_at, updated_at, expires_at, metadata,
		subject, predicate, confidence, decay_rate,
		last_accessed_at, superseded_by, source_episode_id
		FROM memories WHERE %s ORDER BY importance_score DESC, created_at DESC LIMIT ? OFFSET ?`, where), params...)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of memories, optionally filtered by type.
func (s *Store) Count(memoryType Type) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	var err error
	if memoryType != "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE type = ?`, string(memoryType)).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n)
	}
	return n, err
}

// FTSResult pairs a memory with its BM25 rank (lower is more relevant).
type FTSResult struct {
	Memory Memory
	Rank   float64
}

// SearchFTS runs a full-text BM25-ranked search over memories.content,
// subject, predicate, and tags.
func (s *Store) SearchFTS(query string, limit int) ([]FTSResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	safe := sanitizeFTSQuery(query)
	if safe == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(`
		SELECT m.id, m.content, m.type, m.priority, m.source, m.importance_score,
		       m.access_count, m.tags, m.created_at, m.updated_at, m.expires_at, m.metadata,
		       m.subject, m.predicate, m.confidence, m.decay_rate,
		       m.last_accessed_at, m.superseded_by, m.source_episode_id,
		       bm25(memories_fts) AS rank
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, safe, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: fts search: %w", err)
	}
	defer rows.Close()

	var out []FTSResult
	for rows.Next() {
		var m Memory
		var typ, pri, tags, expiresAt, metadata, lastAccessed, supersededBy, sourceEpisodeID sql.NullString
		var rank float64
		err := rows.Scan(&m.ID, &m.Content, &typ, &pri, &m.Source, &m.ImportanceScore,
			&m.AccessCount, &tags, &m.CreatedAt, &m.UpdatedAt, &expiresAt, &metadata,
			&m.Subject, &m.Predicate, &m.Confidence, &m.DecayRate,
			&lastAccessed, &supersededBy, &sourceEpisodeID, &rank)
		if err != nil {
			return nil, err
		}
		m.Type = Type(typ.String)
		m.Priority = Priority(pri.String)
		m.Tags = unmarshalStrings(tags.String)
		m.ExpiresAt = expiresAt.String
		m.Metadata = unmarshalMap(metadata.String)
		m.LastAccessedAt = lastAccessed.String
		m.SupersededBy = supersededBy.String
		m.SourceEpisodeID = sourceEpisodeID.String
		out = append(out, FTSResult{Memory: m, Rank: rank})
	}
	return out, rows.Err()
}

// sanitizeFTSQuery strips FTS5 operator characters from free-text input and
// ORs the remaining tokens, matching storage.py's _sanitize_fts_query.
func sanitizeFTSQuery(query string) string {
	const special = `"*(){}[]^~:`
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(special, r) {
			return ' '
		}
		return r
	}, query)
	tokens := strings.Fields(cleaned)
	if len(tokens) == 0 {
		return ""
	}
	return strings.Join(tokens, " OR ")
}
