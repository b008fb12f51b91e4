// Package memory implements the long-term memory subsystem (spec.md §4.5):
// SQLite+FTS5 storage, single-turn extraction, dedup, multi-way retrieval
// with weighted reranking, and nightly consolidation. Grounded on
// original_source/src/openakita/memory/storage.py for the schema and
// algorithms, and on the teacher's internal/store/pg package for the
// Go-idiomatic store shape (cache-plus-backing-store, sql.DB handle,
// RWMutex-guarded access) — adapted from Postgres to modernc.org/sqlite
// since this runtime has no multi-tenant Postgres deployment target.
package memory

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 2

// schemaStatements creates every table, index, FTS5 virtual table, and sync
// trigger the memory subsystem needs. Mirrors storage.py's _create_tables
// almost verbatim — column names, defaults, and index choices are kept
// as-is since spec.md doesn't redefine the on-disk shape.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'FACT',
		priority TEXT NOT NULL DEFAULT 'SHORT_TERM',
		source TEXT DEFAULT '',
		importance_score REAL DEFAULT 0.5,
		access_count INTEGER DEFAULT 0,
		tags TEXT DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT,
		metadata TEXT DEFAULT '{}',
		subject TEXT DEFAULT '',
		predicate TEXT DEFAULT '',
		confidence REAL DEFAULT 0.5,
		decay_rate REAL DEFAULT 0.1,
		last_accessed_at TEXT,
		superseded_by TEXT,
		source_episode_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_priority ON memories(priority)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance_score)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_subject ON memories(subject)`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content, subject, predicate, tags,
		content=memories, content_rowid=rowid,
		tokenize='unicode61'
	)`,
	`CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content, subject, predicate, tags)
		VALUES (new.rowid, new.content, new.subject, new.predicate, new.tags);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content, subject, predicate, tags)
		VALUES ('delete', old.rowid, old.content, old.subject, old.predicate, old.tags);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content, subject, predicate, tags)
		VALUES ('delete', old.rowid, old.content, old.subject, old.predicate, old.tags);
		INSERT INTO memories_fts(rowid, content, subject, predicate, tags)
		VALUES (new.rowid, new.content, new.subject, new.predicate, new.tags);
	END`,

	`CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		goal TEXT DEFAULT '',
		outcome TEXT DEFAULT 'completed',
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		action_nodes TEXT DEFAULT '[]',
		entities TEXT DEFAULT '[]',
		tools_used TEXT DEFAULT '[]',
		linked_memory_ids TEXT DEFAULT '[]',
		tags TEXT DEFAULT '[]',
		importance_score REAL DEFAULT 0.5,
		access_count INTEGER DEFAULT 0,
		source TEXT DEFAULT 'session_end'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_time ON episodes(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_outcome ON episodes(outcome)`,

	`CREATE TABLE IF NOT EXISTS scratchpad (
		user_id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		active_projects TEXT DEFAULT '[]',
		current_focus TEXT DEFAULT '',
		open_questions TEXT DEFAULT '[]',
		next_steps TEXT DEFAULT '[]',
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn_index INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT,
		tool_calls TEXT,
		tool_results TEXT,
		has_tool_calls BOOLEAN DEFAULT FALSE,
		timestamp TEXT NOT NULL,
		token_estimate INTEGER,
		episode_id TEXT,
		extracted BOOLEAN DEFAULT FALSE,
		UNIQUE(session_id, turn_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_session ON conversation_turns(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON conversation_turns(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_tool ON conversation_turns(has_tool_calls)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_extracted ON conversation_turns(extracted)`,

	`CREATE TABLE IF NOT EXISTS extraction_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_results TEXT,
		retry_count INTEGER DEFAULT 0,
		max_retries INTEGER DEFAULT 3,
		status TEXT DEFAULT 'pending',
		created_at TEXT NOT NULL,
		last_attempted_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eq_status ON extraction_queue(status)`,

	`CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		episode_id TEXT DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		original_filename TEXT DEFAULT '',
		mime_type TEXT DEFAULT '',
		file_size INTEGER DEFAULT 0,
		local_path TEXT DEFAULT '',
		url TEXT DEFAULT '',
		direction TEXT DEFAULT 'inbound',
		description TEXT DEFAULT '',
		transcription TEXT DEFAULT '',
		extracted_text TEXT DEFAULT '',
		tags TEXT DEFAULT '[]',
		linked_memory_ids TEXT DEFAULT '[]',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attach_session ON attachments(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attach_mime ON attachments(mime_type)`,
	`CREATE INDEX IF NOT EXISTS idx_attach_direction ON attachments(direction)`,
	`CREATE INDEX IF NOT EXISTS idx_attach_created ON attachments(created_at)`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS attachments_fts USING fts5(
		description, transcription, extracted_text, filename, tags,
		content=attachments, content_rowid=rowid,
		tokenize='unicode61'
	)`,
	`CREATE TRIGGER IF NOT EXISTS attachments_fts_ai AFTER INSERT ON attachments BEGIN
		INSERT INTO attachments_fts(rowid, description, transcription, extracted_text, filename, tags)
		VALUES (new.rowid, new.description, new.transcription, new.extracted_text, new.filename, new.tags);
	END`,
	`CREATE TRIGGER IF NOT EXISTS attachments_fts_ad AFTER DELETE ON attachments BEGIN
		INSERT INTO attachments_fts(attachments_fts, rowid, description, transcription, extracted_text, filename, tags)
		VALUES ('delete', old.rowid, old.description, old.transcription, old.extracted_text, old.filename, old.tags);
	END`,
	`CREATE TRIGGER IF NOT EXISTS attachments_fts_au AFTER UPDATE ON attachments BEGIN
		INSERT INTO attachments_fts(attachments_fts, rowid, description, transcription, extracted_text, filename, tags)
		VALUES ('delete', old.rowid, old.description, old.transcription, old.extracted_text, old.filename, old.tags);
		INSERT INTO attachments_fts(rowid, description, transcription, extracted_text, filename, tags)
		VALUES (new.rowid, new.description, new.transcription, new.extracted_text, new.filename, new.tags);
	END`,

	`CREATE TABLE IF NOT EXISTS embedding_cache (
		content_hash TEXT PRIMARY KEY,
		embedding BLOB NOT NULL,
		model TEXT NOT NULL,
		dimensions INTEGER DEFAULT 1024,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS _schema_meta (key TEXT PRIMARY KEY, value TEXT)`,
}

// createSchema runs every DDL statement. Each is idempotent (IF NOT EXISTS),
// so createSchema is safe to call on every startup.
func createSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("memory: schema: %w", err)
		}
	}
	return nil
}
