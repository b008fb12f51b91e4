package memory

import (
	"database/sql"
	"fmt"
	"strings"
)

// SaveTurn indexes one verbatim conversation turn, used for extraction and
// for scrollback beyond the in-memory session window (spec.md §4.5).
func (s *Store) SaveTurn(t ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Timestamp == "" {
		t.Timestamp = nowISO()
	}
	var toolCalls, toolResults any
	if t.ToolCalls != "" {
		toolCalls = t.ToolCalls
	}
	if t.ToolResults != "" {
		toolResults = t.ToolResults
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO conversation_turns
		(session_id, turn_index, role, content, tool_calls, tool_results,
		 has_tool_calls, timestamp, token_estimate, extracted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)`,
		t.SessionID, t.TurnIndex, t.Role, t.Content, toolCalls, toolResults,
		t.ToolCalls != "", t.Timestamp, t.TokenEstimate,
	)
	if err != nil {
		return fmt.Errorf("memory: save turn: %w", err)
	}
	return nil
}

func scanTurn(row rowScanner, withID bool) (ConversationTurn, error) {
	var t ConversationTurn
	var content, toolCalls, toolResults, episodeID sql.NullString
	var tokenEstimate sql.NullInt64
	var err error
	if withID {
		err = row.Scan(&t.ID, &t.SessionID, &t.TurnIndex, &t.Role, &content, &toolCalls, &toolResults,
			&t.HasToolCalls, &t.Timestamp, &tokenEstimate, &episodeID, &t.Extracted)
	} else {
		err = row.Scan(&t.Role, &content, &t.Timestamp, &toolCalls, &toolResults)
	}
	if err != nil {
		return ConversationTurn{}, err
	}
	t.Content = content.String
	t.ToolCalls = toolCalls.String
	t.ToolResults = toolResults.String
	t.EpisodeID = episodeID.String
	t.TokenEstimate = int(tokenEstimate.Int64)
	return t, nil
}

const turnColumns = `id, session_id, turn_index, role, content, tool_calls, tool_results,
	has_tool_calls, timestamp, token_estimate, episode_id, extracted`

// GetUnextractedTurns returns up to limit turns not yet processed by the
// extraction pipeline, oldest first.
func (s *Store) GetUnextractedTurns(limit int) ([]ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+turnColumns+` FROM conversation_turns WHERE extracted = FALSE ORDER BY timestamp ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: unextracted turns: %w", err)
	}
	defer rows.Close()
	var out []ConversationTurn
	for rows.Next() {
		t, err := scanTurn(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTurnsExtracted flags the given turn indices within a session as
// processed, so the extraction sweep doesn't revisit them.
func (s *Store) MarkTurnsExtracted(sessionID string, turnIndices []int) error {
	if len(turnIndices) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(turnIndices)), ",")
	args := make([]any, 0, len(turnIndices)+1)
	args = append(args, sessionID)
	for _, idx := range turnIndices {
		args = append(args, idx)
	}
	_, err := s.db.Exec(`UPDATE conversation_turns SET extracted = TRUE WHERE session_id = ? AND turn_index IN (`+placeholders+`)`, args...)
	return err
}

// GetSessionTurns returns every turn for a session, in original order.
func (s *Store) GetSessionTurns(sessionID string) ([]ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+turnColumns+` FROM conversation_turns WHERE session_id = ? ORDER BY turn_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory: session turns: %w", err)
	}
	defer rows.Close()
	var out []ConversationTurn
	for rows.Next() {
		t, err := scanTurn(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetMaxTurnIndex returns the next free turn_index for a session (one past
// the highest stored index), so a resumed session appends rather than
// overwrites.
func (s *Store) GetMaxTurnIndex(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(turn_index) FROM conversation_turns WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// GetRecentTurns returns up to limit of the most recent turns for a
// session, in chronological order.
func (s *Store) GetRecentTurns(sessionID string, limit int) ([]ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT role, content, timestamp, tool_calls, tool_results
		FROM conversation_turns WHERE session_id = ? ORDER BY turn_index DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recent turns: %w", err)
	}
	defer rows.Close()
	var out []ConversationTurn
	for rows.Next() {
		t, err := scanTurn(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// --- extraction queue -------------------------------------------------------

// EnqueueExtraction adds one turn to the extraction queue.
func (s *Store) EnqueueExtraction(sessionID string, turnIndex int, content, toolCalls, toolResults string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO extraction_queue (session_id, turn_index, content, tool_calls, tool_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, turnIndex, content, nullable(toolCalls), nullable(toolResults), nowISO())
	return err
}

// DequeueExtraction claims up to batchSize pending entries under their
// retry limit, marking them processing so a crashed worker doesn't lose
// track of in-flight jobs.
func (s *Store) DequeueExtraction(batchSize int) ([]ExtractionQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batchSize <= 0 {
		batchSize = 10
	}

	rows, err := s.db.Query(`SELECT id, session_id, turn_index, content, tool_calls, tool_results,
		retry_count, max_retries, status, created_at, last_attempted_at
		FROM extraction_queue WHERE status = 'pending' AND retry_count < max_retries
		ORDER BY created_at ASC LIMIT ?`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("memory: dequeue extraction: %w", err)
	}
	var out []ExtractionQueueEntry
	for rows.Next() {
		var e ExtractionQueueEntry
		var toolCalls, toolResults, lastAttempted sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TurnIndex, &e.Content, &toolCalls, &toolResults,
			&e.RetryCount, &e.MaxRetries, &e.Status, &e.CreatedAt, &lastAttempted); err != nil {
			rows.Close()
			return nil, err
		}
		e.ToolCalls = toolCalls.String
		e.ToolResults = toolResults.String
		e.LastAttemptedAt = lastAttempted.String
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(out)), ",")
		args := make([]any, 0, len(out)+1)
		args = append(args, nowISO())
		for _, e := range out {
			args = append(args, e.ID)
		}
		if _, err := s.db.Exec(`UPDATE extraction_queue SET status = 'processing',
			last_attempted_at = ?, retry_count = retry_count + 1 WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return nil, fmt.Errorf("memory: claim extraction batch: %w", err)
		}
	}
	return out, nil
}

// CompleteExtraction marks a queue entry completed, or on failure returns it
// to pending until its retry limit is used up, then marks it failed.
func (s *Store) CompleteExtraction(queueID int64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		_, err := s.db.Exec(`UPDATE extraction_queue SET status = 'completed' WHERE id = ?`, queueID)
		return err
	}
	_, err := s.db.Exec(`UPDATE extraction_queue SET status = CASE WHEN retry_count < max_retries
		THEN 'pending' ELSE 'failed' END WHERE id = ?`, queueID)
	return err
}
