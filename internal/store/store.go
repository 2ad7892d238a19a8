// Package store is the durable state layer of the agency: agents, stream
// attempts, per-epoch usage windows, and billing attempts live in a single
// SQLite database owned by one writer process.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var ErrAgentNotFound = errors.New("store: agent not found")

const (
	maxBodyBytes  = 4000
	maxErrorBytes = 300
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    address TEXT UNIQUE NOT NULL,
    stream_signature TEXT NOT NULL,
    fee_bps INTEGER NOT NULL DEFAULT 500,
    status TEXT NOT NULL DEFAULT 'active',
    expected_end_ms INTEGER,
    next_attempt_ms INTEGER,
    retry_step INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    fee_due_claw REAL NOT NULL DEFAULT 0,
    last_success_ms INTEGER,
    last_error TEXT,
    created_ms INTEGER NOT NULL,
    updated_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id INTEGER NOT NULL,
    attempted_ms INTEGER NOT NULL,
    ok INTEGER NOT NULL,
    status_code INTEGER NOT NULL,
    reason TEXT,
    end_stream_ms INTEGER,
    response_body TEXT,
    FOREIGN KEY(agent_id) REFERENCES agents(id)
);

CREATE TABLE IF NOT EXISTS usage_windows (
    agent_id INTEGER NOT NULL,
    epoch INTEGER NOT NULL,
    windows INTEGER NOT NULL DEFAULT 0,
    billed INTEGER NOT NULL DEFAULT 0,
    billed_at_ms INTEGER,
    last_error TEXT,
    PRIMARY KEY(agent_id, epoch),
    FOREIGN KEY(agent_id) REFERENCES agents(id)
);

CREATE TABLE IF NOT EXISTS billing_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id INTEGER NOT NULL,
    epoch INTEGER NOT NULL,
    windows INTEGER NOT NULL,
    attempted_ms INTEGER NOT NULL,
    ok INTEGER NOT NULL,
    return_code INTEGER NOT NULL,
    stdout TEXT,
    stderr TEXT,
    FOREIGN KEY(agent_id) REFERENCES agents(id)
);

CREATE INDEX IF NOT EXISTS idx_agents_next_attempt
    ON agents(status, next_attempt_ms);
CREATE INDEX IF NOT EXISTS idx_attempts_agent_time
    ON attempts(agent_id, attempted_ms DESC);
CREATE INDEX IF NOT EXISTS idx_usage_epoch
    ON usage_windows(epoch, billed);
`

// Store wraps the agency database. The connection pool is capped at a single
// connection: SQLite is single-writer and every mutation here is expected to
// serialize through it.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 30000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Init creates the schema. Safe to call on every startup.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// NormalizeSignature strips surrounding whitespace and one leading 0x.
func NormalizeSignature(sig string) string {
	s := strings.TrimSpace(sig)
	return strings.TrimPrefix(s, "0x")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
