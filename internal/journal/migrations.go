package journal

import (
	"database/sql"
	"fmt"
)

// schema[i] upgrades the database from version i to i+1. The version
// lives in SQLite's user_version header field, so a journal copied to
// another machine carries it along.
var schema = []string{
	// 1: sessions and the suppressions recorded in them.
	`
CREATE TABLE sessions (
    id          TEXT PRIMARY KEY,
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER,
    source      TEXT NOT NULL DEFAULT '',
    config_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE suppressions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    at_ms       INTEGER NOT NULL,
    event_ms    INTEGER NOT NULL DEFAULT 0,
    key_code    INTEGER NOT NULL,
    direction   TEXT NOT NULL,
    rule        TEXT NOT NULL
);

CREATE INDEX idx_suppressions_at ON suppressions(at_ms);
CREATE INDEX idx_suppressions_key ON suppressions(key_code, at_ms);
CREATE INDEX idx_suppressions_session ON suppressions(session_id);
`,
}

// migrate brings db up to len(schema). Each step commits together with
// its version bump.
func migrate(db *sql.DB) error {
	have, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if have > len(schema) {
		return fmt.Errorf("journal schema version %d is newer than this build supports (%d)", have, len(schema))
	}

	for v := have; v < len(schema); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("journal schema %d: %w", v+1, err)
		}
		if _, err := tx.Exec(schema[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal schema %d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal schema %d: set version: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("journal schema %d: commit: %w", v+1, err)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read journal schema version: %w", err)
	}
	return v, nil
}

// SchemaVersion returns the schema version of the open journal.
func (j *Journal) SchemaVersion() (int, error) {
	return schemaVersion(j.db)
}
