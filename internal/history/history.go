// Package history persists status transitions to SQLite so the dashboard
// and CLI can show what happened while nobody was looking.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Transition is one externally-visible status change.
type Transition struct {
	ID        int64
	SessionID string
	Title     string
	Tool      string
	From      string
	To        string
	Source    string // heuristic | remote | removed
	Summary   string // remote idle summary, when present
	At        time.Time
}

// Store wraps a SQLite database holding the transition journal.
// Safe for concurrent use within one process; WAL mode plus a busy timeout
// keeps concurrent readers from blocking the detector's writes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("history: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	tool        TEXT NOT NULL DEFAULT '',
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT 'heuristic',
	summary     TEXT NOT NULL DEFAULT '',
	at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id, at);
CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Append records one transition.
func (s *Store) Append(t Transition) error {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO transitions (session_id, title, tool, from_status, to_status, source, summary, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Title, t.Tool, t.From, t.To, t.Source, t.Summary, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Recent returns the newest transitions, most recent first.
func (s *Store) Recent(limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, title, tool, from_status, to_status, source, summary, at
		 FROM transitions ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// BySession returns the newest transitions for one session, most recent first.
func (s *Store) BySession(sessionID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, title, tool, from_status, to_status, source, summary, at
		 FROM transitions WHERE session_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: by session: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// Prune deletes entries older than the retention period.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM transitions WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func scanTransitions(rows *sql.Rows) ([]Transition, error) {
	var out []Transition
	for rows.Next() {
		var t Transition
		var at int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Title, &t.Tool, &t.From, &t.To, &t.Source, &t.Summary, &at); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		t.At = time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}
