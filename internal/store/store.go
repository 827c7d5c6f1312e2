// Package store keeps a SQLite-backed log of generation runs: the test-case
// suites and scripts the agent produced, with the query that produced them.
// It never persists the knowledge base itself.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Kind identifies which generation use-case produced a run.
type Kind string

const (
	// KindTestCases is a test-case suite generated from a feature query.
	KindTestCases Kind = "testcases"
	// KindScript is an automation script generated from one test case.
	KindScript Kind = "script"
)

// Valid reports whether k is a known run kind.
func (k Kind) Valid() bool {
	return k == KindTestCases || k == KindScript
}

// Run is one recorded generation.
type Run struct {
	// ID is a UUID assigned by Record when empty.
	ID string `json:"id"`
	// Kind is the use-case that produced the run.
	Kind Kind `json:"kind"`
	// Query is the feature query or the serialized test case.
	Query string `json:"query"`
	// Outcome is "structured", "fallback", or "ok" for scripts.
	Outcome string `json:"outcome"`
	// Output is the raw model output.
	Output string `json:"output"`
	// CreatedAt is when the run was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStore persists and lists generation runs. Implementations must be
// safe for concurrent use.
type HistoryStore interface {
	// Record persists run and returns it with ID and CreatedAt filled in.
	Record(ctx context.Context, run Run) (Run, error)
	// Recent returns the most recent n runs of kind, ordered oldest-first.
	// An empty kind lists every kind.
	Recent(ctx context.Context, kind Kind, n int) ([]Run, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a HistoryStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the history database.
// It resolves to ~/.qagent/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".qagent")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS runs (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT    NOT NULL UNIQUE,
    kind         TEXT    NOT NULL CHECK(kind IN ('testcases','script')),
    query        TEXT    NOT NULL,
    outcome      TEXT    NOT NULL,
    output       TEXT    NOT NULL,
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_runs_kind_created
    ON runs (kind, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Record persists run. A missing ID is filled with a random UUID.
func (s *SQLiteStore) Record(ctx context.Context, run Run) (Run, error) {
	if !run.Kind.Valid() {
		return Run{}, fmt.Errorf("store: record: unknown kind %q", run.Kind)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.CreatedAt = time.Now().Truncate(time.Second)

	const q = `INSERT INTO runs (id, kind, query, outcome, output, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, run.ID, string(run.Kind), run.Query, run.Outcome, run.Output, run.CreatedAt.Unix()); err != nil {
		return Run{}, fmt.Errorf("store: record: %w", err)
	}
	return run, nil
}

// Recent returns the most recent n runs of kind, ordered oldest-first.
func (s *SQLiteStore) Recent(ctx context.Context, kind Kind, n int) ([]Run, error) {
	const q = `
SELECT id, kind, query, outcome, output, created_at FROM (
    SELECT seq, id, kind, query, outcome, output, created_at
    FROM   runs
    WHERE  (? = '' OR kind = ?)
    ORDER  BY created_at DESC, seq DESC
    LIMIT  ?
) ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, q, string(kind), string(kind), n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ts int64
		var k string
		if err := rows.Scan(&r.ID, &k, &r.Query, &r.Outcome, &r.Output, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		r.Kind = Kind(k)
		r.CreatedAt = time.Unix(ts, 0)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return runs, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
