// Package journal stores suppressed key events in SQLite.
//
// The journal answers one question: which switches are wearing out.
// Each daemon run is a session; every suppression is recorded with the
// key code, direction and the rule that flagged it. Delivered events
// are never stored.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"bounceguard/internal/chatter"
)

// ErrNoSession is returned when ending an unknown session.
var ErrNoSession = errors.New("journal: no such session")

// Suppression is one suppressed event.
type Suppression struct {
	SessionID string
	// At is the wall-clock time the event was seen.
	At time.Time
	// EventMs is the event's monotonic timestamp from the hook.
	EventMs   int64
	KeyCode   chatter.KeyCode
	Direction string
	Rule      string
}

// KeyCount aggregates the suppressions of one key.
type KeyCount struct {
	KeyCode chatter.KeyCode `json:"key_code"`
	Total   int64           `json:"total"`
	Down    int64           `json:"down"`
	Up      int64           `json:"up"`
	Last    time.Time       `json:"last"`
}

// SessionSummary describes one daemon run.
type SessionSummary struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Source       string     `json:"source"`
	Suppressions int64      `json:"suppressions"`
	Config       string     `json:"config"`
}

// Journal is the SQLite suppression store.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal at path and runs migrations.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, path: path}, nil
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// BeginSession records the start of a run and returns its id. cfg is
// stored as JSON for later diagnosis.
func (j *Journal) BeginSession(source string, cfg interface{}) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal session config: %w", err)
	}

	id := uuid.NewString()
	_, err = j.db.Exec(
		"INSERT INTO sessions (id, started_at, source, config_json) VALUES (?, ?, ?, ?)",
		id, time.Now().UnixMilli(), source, string(data),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// EndSession marks a session as finished.
func (j *Journal) EndSession(id string) error {
	res, err := j.db.Exec("UPDATE sessions SET ended_at = ? WHERE id = ?", time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return nil
}

// Record inserts a batch of suppressions in one transaction.
func (j *Journal) Record(batch []Suppression) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO suppressions (session_id, at_ms, event_ms, key_code, direction, rule)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range batch {
		if _, err := stmt.Exec(s.SessionID, s.At.UnixMilli(), s.EventMs, uint32(s.KeyCode), s.Direction, s.Rule); err != nil {
			return fmt.Errorf("insert suppression: %w", err)
		}
	}
	return tx.Commit()
}

// TopKeys returns the keys with the most suppressions since the given
// time, most first.
func (j *Journal) TopKeys(since time.Time, limit int) ([]KeyCount, error) {
	rows, err := j.db.Query(`
		SELECT key_code,
		       COUNT(*),
		       SUM(CASE WHEN direction = 'down' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN direction = 'up' THEN 1 ELSE 0 END),
		       MAX(at_ms)
		FROM suppressions
		WHERE at_ms >= ?
		GROUP BY key_code
		ORDER BY COUNT(*) DESC, key_code ASC
		LIMIT ?`,
		since.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query top keys: %w", err)
	}
	defer rows.Close()

	var out []KeyCount
	for rows.Next() {
		var (
			kc   KeyCount
			code uint32
			last int64
		)
		if err := rows.Scan(&code, &kc.Total, &kc.Down, &kc.Up, &last); err != nil {
			return nil, fmt.Errorf("scan key count: %w", err)
		}
		kc.KeyCode = chatter.KeyCode(code)
		kc.Last = time.UnixMilli(last)
		out = append(out, kc)
	}
	return out, rows.Err()
}

// RuleCounts returns suppressions per rule since the given time.
func (j *Journal) RuleCounts(since time.Time) (map[string]int64, error) {
	rows, err := j.db.Query(
		"SELECT rule, COUNT(*) FROM suppressions WHERE at_ms >= ? GROUP BY rule",
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query rule counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			rule string
			n    int64
		)
		if err := rows.Scan(&rule, &n); err != nil {
			return nil, fmt.Errorf("scan rule count: %w", err)
		}
		out[rule] = n
	}
	return out, rows.Err()
}

// SessionSummaries returns the most recent sessions, newest first.
func (j *Journal) SessionSummaries(limit int) ([]SessionSummary, error) {
	rows, err := j.db.Query(`
		SELECT s.id, s.started_at, s.ended_at, s.source, s.config_json, COUNT(p.id)
		FROM sessions s
		LEFT JOIN suppressions p ON p.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC, s.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			s       SessionSummary
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &started, &ended, &s.Source, &s.Config, &s.Suppressions); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes suppressions older than before and finished sessions
// left empty. It returns the number of suppressions removed.
func (j *Journal) Prune(before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	res, err := j.db.Exec("DELETE FROM suppressions WHERE at_ms < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune suppressions: %w", err)
	}
	n, _ := res.RowsAffected()

	_, err = j.db.Exec(`
		DELETE FROM sessions
		WHERE ended_at IS NOT NULL AND ended_at < ?
		  AND NOT EXISTS (SELECT 1 FROM suppressions WHERE session_id = sessions.id)`, cutoff)
	if err != nil {
		return n, fmt.Errorf("prune sessions: %w", err)
	}
	return n, nil
}
