package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// migrate brings an existing database up to schemaVersion, applying
// incremental ALTER TABLE steps for older schemas before (re-)running the
// idempotent createSchema. Mirrors storage.py's _migrate_schema /
// _migrate_v1_to_v2.
func migrate(db *sql.DB) error {
	version, err := schemaVersionOf(db)
	if err != nil {
		return err
	}
	if version >= schemaVersion {
		return createSchema(db)
	}

	slog.Info("memory: migrating schema", "from", version, "to", schemaVersion)

	if err := createSchema(db); err != nil {
		return err
	}
	if version < 2 {
		if err := migrateV1ToV2(db); err != nil {
			return err
		}
	}
	return setSchemaVersion(db, schemaVersion)
}

func schemaVersionOf(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _schema_meta (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return 0, fmt.Errorf("memory: schema meta table: %w", err)
	}
	var value string
	err := db.QueryRow(`SELECT value FROM _schema_meta WHERE key = 'version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("memory: read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO _schema_meta (key, value) VALUES ('version', ?)`, fmt.Sprintf("%d", version))
	return err
}

// v1ToV2Columns are the columns storage.py's v1→v2 migration adds to an
// existing memories table: subject/predicate tuples, confidence/decay for
// the reranker, and the episode/supersession back-references.
var v1ToV2Columns = []struct{ name, def string }{
	{"subject", "TEXT DEFAULT ''"},
	{"predicate", "TEXT DEFAULT ''"},
	{"confidence", "REAL DEFAULT 0.5"},
	{"decay_rate", "REAL DEFAULT 0.1"},
	{"last_accessed_at", "TEXT"},
	{"superseded_by", "TEXT"},
	{"source_episode_id", "TEXT"},
}

func migrateV1ToV2(db *sql.DB) error {
	for _, col := range v1ToV2Columns {
		_, err := db.Exec(fmt.Sprintf("ALTER TABLE memories ADD COLUMN %s %s", col.name, col.def))
		if err != nil && !isDuplicateColumnErr(err) {
			return fmt.Errorf("memory: migrate v1->v2: add column %s: %w", col.name, err)
		}
	}
	return nil
}

func isDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces "duplicate column name: x" for a repeat
	// ALTER TABLE ADD COLUMN, matching the migration's intended no-op case.
	return strings.Contains(err.Error(), "duplicate column name")
}
