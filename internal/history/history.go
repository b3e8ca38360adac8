// Package history persists a log of reconcile passes in an embedded
// SQLite database.
//
// The log is observability data, not canonical state: the broker keeps
// working when a row fails to write, and the database can be deleted at
// any time without affecting the graph. It feeds the status command and
// the /api/history endpoint.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Outcome classifies how a reconcile pass ended.
type Outcome string

const (
	// OutcomeApplied means a new graph version was installed and broadcast.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the rebuilt graph was identical to the current one.
	OutcomeNoop Outcome = "noop"
	// OutcomeFailed means the pass failed and the previous graph was kept.
	OutcomeFailed Outcome = "failed"
)

// Entry is one recorded reconcile pass.
type Entry struct {
	ID         int64         `json:"id"`
	Version    int64         `json:"version"`
	Outcome    Outcome       `json:"outcome"`
	ChangeType string        `json:"change_type"`
	File       string        `json:"file,omitempty"`
	Nodes      int           `json:"nodes"`
	Edges      int           `json:"edges"`
	Scenes     int           `json:"scenes"`
	LoadErrors int           `json:"load_errors"`
	Added      int           `json:"added"`
	Updated    int           `json:"updated"`
	Removed    int           `json:"removed"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store wraps the embedded SQLite connection holding the reconcile log.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the history database at the given path.
//
// The database runs in embedded mode with WAL so the status command can
// read while the daemon writes. The caller must Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the reconcile log table. Idempotent.
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reconciles (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		version     INTEGER NOT NULL,
		outcome     TEXT NOT NULL,
		change_type TEXT NOT NULL DEFAULT '',
		file        TEXT NOT NULL DEFAULT '',
		nodes       INTEGER NOT NULL DEFAULT 0,
		edges       INTEGER NOT NULL DEFAULT 0,
		scenes      INTEGER NOT NULL DEFAULT 0,
		load_errors INTEGER NOT NULL DEFAULT 0,
		added       INTEGER NOT NULL DEFAULT 0,
		updated     INTEGER NOT NULL DEFAULT 0,
		removed     INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reconciles_created_at ON reconciles(created_at DESC);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// RecordPass appends one reconcile pass to the log.
func (s *Store) RecordPass(e Entry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.conn.Exec(`
		INSERT INTO reconciles (
			version, outcome, change_type, file,
			nodes, edges, scenes, load_errors,
			added, updated, removed, error, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Version, string(e.Outcome), e.ChangeType, e.File,
		e.Nodes, e.Edges, e.Scenes, e.LoadErrors,
		e.Added, e.Updated, e.Removed, e.Error,
		e.Duration.Milliseconds(), createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record reconcile pass: %w", err)
	}
	return nil
}

// Recent returns the most recent n passes, newest first.
func (s *Store) Recent(n int) ([]*Entry, error) {
	rows, err := s.conn.Query(`
		SELECT id, version, outcome, change_type, file,
		       nodes, edges, scenes, load_errors,
		       added, updated, removed, error, duration_ms, created_at
		FROM reconciles
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcile history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e          Entry
			outcome    string
			durationMS int64
			createdAt  string
		)
		if err := rows.Scan(
			&e.ID, &e.Version, &outcome, &e.ChangeType, &e.File,
			&e.Nodes, &e.Edges, &e.Scenes, &e.LoadErrors,
			&e.Added, &e.Updated, &e.Removed, &e.Error,
			&durationMS, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reconcile row: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reconcile rows: %w", err)
	}

	return entries, nil
}

// Count returns the total number of recorded passes.
func (s *Store) Count() (int64, error) {
	var count int64
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM reconciles").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count reconcile rows: %w", err)
	}
	return count, nil
}
