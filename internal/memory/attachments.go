package memory

import (
	"database/sql"
	"fmt"
	"strings"
)

const attachmentColumns = `id, session_id, episode_id, filename, original_filename,
	mime_type, file_size, local_path, url, direction,
	description, transcription, extracted_text, tags,
	linked_memory_ids, created_at`

// SaveAttachment inserts or replaces one attachment row.
func (s *Store) SaveAttachment(a Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Direction == "" {
		a.Direction = "inbound"
	}
	if a.CreatedAt == "" {
		a.CreatedAt = nowISO()
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO attachments
		(`+attachmentColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.SessionID, a.EpisodeID, a.Filename, a.OriginalFilename,
		a.MimeType, a.FileSize, a.LocalPath, a.URL, a.Direction,
		a.Description, a.Transcription, a.ExtractedText, marshalJSON(a.Tags),
		marshalJSON(a.LinkedMemoryIDs), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("memory: save attachment: %w", err)
	}
	return nil
}

func scanAttachment(row rowScanner) (Attachment, error) {
	var a Attachment
	var tags, linked sql.NullString
	err := row.Scan(&a.ID, &a.SessionID, &a.EpisodeID, &a.Filename, &a.OriginalFilename,
		&a.MimeType, &a.FileSize, &a.LocalPath, &a.URL, &a.Direction,
		&a.Description, &a.Transcription, &a.ExtractedText, &tags,
		&linked, &a.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	a.Tags = unmarshalStrings(tags.String)
	a.LinkedMemoryIDs = unmarshalStrings(linked.String)
	return a, nil
}

// GetAttachment fetches one attachment by id.
func (s *Store) GetAttachment(id string) (Attachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id)
	a, err := scanAttachment(row)
	if err != nil {
		return Attachment{}, false
	}
	return a, true
}

// AttachmentSearchOptions filters SearchAttachments.
type AttachmentSearchOptions struct {
	Query     string
	MimeType  string
	Direction string
	SessionID string
	Limit     int
}

// SearchAttachments runs FTS over description/transcription/extracted_text,
// falling back to a LIKE scan if the FTS5 table is unavailable or the match
// comes up empty, then filters in-process by mime type/direction/session —
// mirroring storage.py's search_attachments.
func (s *Store) SearchAttachments(opts AttachmentSearchOptions) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	fetchLimit := limit * 3

	var results []Attachment
	if opts.Query != "" {
		safe := sanitizeFTSQuery(opts.Query)
		if safe != "" {
			rows, err := s.db.Query(`SELECT a.id, a.session_id, a.episode_id, a.filename, a.original_filename,
				a.mime_type, a.file_size, a.local_path, a.url, a.direction,
				a.description, a.transcription, a.extracted_text, a.tags,
				a.linked_memory_ids, a.created_at
				FROM attachments a JOIN attachments_fts f ON a.rowid = f.rowid
				WHERE attachments_fts MATCH ? ORDER BY rank LIMIT ?`, safe, fetchLimit)
			if err == nil {
				for rows.Next() {
					a, err := scanAttachment(rows)
					if err == nil {
						results = append(results, a)
					}
				}
				rows.Close()
			}
		}
		if len(results) == 0 {
			like := "%" + opts.Query + "%"
			rows, err := s.db.Query(`SELECT `+attachmentColumns+` FROM attachments
				WHERE description LIKE ? OR filename LIKE ? OR transcription LIKE ? OR extracted_text LIKE ?
				ORDER BY created_at DESC LIMIT ?`, like, like, like, like, fetchLimit)
			if err != nil {
				return nil, fmt.Errorf("memory: search attachments: %w", err)
			}
			for rows.Next() {
				a, err := scanAttachment(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
				results = append(results, a)
			}
			rows.Close()
		}
	} else {
		rows, err := s.db.Query(`SELECT `+attachmentColumns+` FROM attachments ORDER BY created_at DESC LIMIT ?`, fetchLimit)
		if err != nil {
			return nil, fmt.Errorf("memory: list attachments: %w", err)
		}
		for rows.Next() {
			a, err := scanAttachment(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			results = append(results, a)
		}
		rows.Close()
	}

	filtered := results[:0]
	for _, a := range results {
		if opts.MimeType != "" && !strings.HasPrefix(a.MimeType, opts.MimeType) {
			continue
		}
		if opts.Direction != "" && a.Direction != opts.Direction {
			continue
		}
		if opts.SessionID != "" && a.SessionID != opts.SessionID {
			continue
		}
		filtered = append(filtered, a)
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// DeleteAttachment removes one attachment by id.
func (s *Store) DeleteAttachment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM attachments WHERE id = ?`, id)
	return err
}

// GetSessionAttachments lists every attachment for a session, oldest first.
func (s *Store) GetSessionAttachments(sessionID string) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+attachmentColumns+` FROM attachments WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory: session attachments: %w", err)
	}
	defer rows.Close()
	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CleanupExpiredAttachments deletes attachments older than cutoff (ISO
// timestamp) that carry no description, transcription, extracted text, or
// linked memory (spec.md §4.5 nightly consolidation: 90-day attachment
// cleanup).
func (s *Store) CleanupExpiredAttachments(cutoff string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM attachments
		WHERE created_at < ?
		AND (description = '' OR description IS NULL)
		AND (transcription = '' OR transcription IS NULL)
		AND (extracted_text = '' OR extracted_text IS NULL)
		AND (linked_memory_ids IS NULL OR linked_memory_ids = '[]' OR linked_memory_ids = '')`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("memory: cleanup attachments: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- scratchpad -------------------------------------------------------------

// GetScratchpad fetches one user's scratchpad, or (Scratchpad{}, false) if
// none exists yet.
func (s *Store) GetScratchpad(userID string) (Scratchpad, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sp Scratchpad
	var activeProjects, openQuestions, nextSteps sql.NullString
	err := s.db.QueryRow(`SELECT user_id, content, active_projects, current_focus, open_questions, next_steps, updated_at
		FROM scratchpad WHERE user_id = ?`, userID).Scan(
		&sp.UserID, &sp.Content, &activeProjects, &sp.CurrentFocus, &openQuestions, &nextSteps, &sp.UpdatedAt)
	if err != nil {
		return Scratchpad{}, false
	}
	sp.ActiveProjects = unmarshalStrings(activeProjects.String)
	sp.OpenQuestions = unmarshalStrings(openQuestions.String)
	sp.NextSteps = unmarshalStrings(nextSteps.String)
	return sp, true
}

// SaveScratchpad inserts or replaces one user's scratchpad.
func (s *Store) SaveScratchpad(sp Scratchpad) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp.UserID == "" {
		sp.UserID = "default"
	}
	if sp.UpdatedAt == "" {
		sp.UpdatedAt = nowISO()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO scratchpad
		(user_id, content, active_projects, current_focus, open_questions, next_steps, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sp.UserID, sp.Content, marshalJSON(sp.ActiveProjects), sp.CurrentFocus,
		marshalJSON(sp.OpenQuestions), marshalJSON(sp.NextSteps), sp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("memory: save scratchpad: %w", err)
	}
	return nil
}

// --- embedding cache --------------------------------------------------------

// GetCachedEmbedding returns a cached embedding vector for contentHash, if
// present (only exercised when an embedding-backed API provider is
// configured; the FTS/word-overlap path never populates this table).
func (s *Store) GetCachedEmbedding(contentHash string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var embedding []byte
	err := s.db.QueryRow(`SELECT embedding FROM embedding_cache WHERE content_hash = ?`, contentHash).Scan(&embedding)
	if err != nil {
		return nil, false
	}
	return embedding, true
}

// SaveCachedEmbedding stores an embedding vector keyed by content hash.
func (s *Store) SaveCachedEmbedding(contentHash string, embedding []byte, model string, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dimensions <= 0 {
		dimensions = 1024
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)`, contentHash, embedding, model, dimensions, nowISO())
	return err
}

// --- cleanup ----------------------------------------------------------------

// CleanupExpired deletes memories whose expires_at has passed.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < ?`, nowISO())
	if err != nil {
		return 0, fmt.Errorf("memory: cleanup expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
