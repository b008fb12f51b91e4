package memory

import (
	"database/sql"
	"fmt"
)

// SaveEpisode inserts or replaces one episode row.
func (s *Store) SaveEpisode(e Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Outcome == "" {
		e.Outcome = "completed"
	}
	if e.Source == "" {
		e.Source = "session_end"
	}
	if e.ImportanceScore == 0 {
		e.ImportanceScore = 0.5
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO episodes
		(id, session_id, summary, goal, outcome, started_at, ended_at,
		 action_nodes, entities, tools_used, linked_memory_ids, tags,
		 importance_score, access_count, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Summary, e.Goal, e.Outcome, e.StartedAt, e.EndedAt,
		marshalJSON(e.ActionNodes), marshalJSON(e.Entities), marshalJSON(e.ToolsUsed),
		marshalJSON(e.LinkedMemoryIDs), marshalJSON(e.Tags),
		e.ImportanceScore, e.AccessCount, e.Source,
	)
	if err != nil {
		return fmt.Errorf("memory: save episode: %w", err)
	}
	return nil
}

func scanEpisode(row rowScanner) (Episode, error) {
	var e Episode
	var actionNodes, entities, toolsUsed, linkedIDs, tags sql.NullString
	err := row.Scan(&e.ID, &e.SessionID, &e.Summary, &e.Goal, &e.Outcome, &e.StartedAt, &e.EndedAt,
		&actionNodes, &entities, &toolsUsed, &linkedIDs, &tags,
		&e.ImportanceScore, &e.AccessCount, &e.Source)
	if err != nil {
		return Episode{}, err
	}
	e.ActionNodes = unmarshalStrings(actionNodes.String)
	e.Entities = unmarshalStrings(entities.String)
	e.ToolsUsed = unmarshalStrings(toolsUsed.String)
	e.LinkedMemoryIDs = unmarshalStrings(linkedIDs.String)
	e.Tags = unmarshalStrings(tags.String)
	return e, nil
}

const episodeColumns = `id, session_id, summary, goal, outcome, started_at, ended_at,
	action_nodes, entities, tools_used, linked_memory_ids, tags,
	importance_score, access_count, source`

// GetEpisode fetches one episode by id.
func (s *Store) GetEpisode(id string) (Episode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	e, err := scanEpisode(row)
	if err != nil {
		return Episode{}, false
	}
	return e, true
}

// EpisodeSearchOptions filters SearchEpisodes.
type EpisodeSearchOptions struct {
	SessionID string
	Entity    string
	Tool      string
	Outcome   string
	Limit     int
}

// SearchEpisodes lists episodes matching the given filters, most recent
// first. Entity/Tool match as substrings of their JSON-encoded columns,
// mirroring storage.py's LIKE-based search (episodes are a secondary
// recall path; exact JSON element matching isn't worth the complexity here).
func (s *Store) SearchEpisodes(opts EpisodeSearchOptions) ([]Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conditions []string
	var params []any
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		params = append(params, opts.SessionID)
	}
	if opts.Entity != "" {
		conditions = append(conditions, "entities LIKE ?")
		params = append(params, "%"+opts.Entity+"%")
	}
	if opts.Tool != "" {
		conditions = append(conditions, "tools_used LIKE ?")
		params = append(params, "%"+opts.Tool+"%")
	}
	if opts.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		params = append(params, opts.Outcome)
	}

	where := "1=1"
	for i, c := range conditions {
		if i == 0 {
			where = c
		} else {
			where += " AND " + c
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	params = append(params, limit)

	rows, err := s.db.Query(`SELECT `+episodeColumns+` FROM episodes WHERE `+where+` ORDER BY started_at DESC LIMIT ?`, params...)
	if err != nil {
		return nil, fmt.Errorf("memory: search episodes: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
