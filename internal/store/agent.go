package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusSuspended Status = "suspended"
)

// Agent is one enrolled principal. Nullable millisecond columns scan as zero
// when unset.
type Agent struct {
	ID              int64
	Address         string
	StreamSignature string
	FeeBps          int64
	Status          Status
	ExpectedEndMS   int64
	NextAttemptMS   int64
	RetryStep       int64
	SuccessCount    int64
	FailureCount    int64
	FeeDueClaw      float64
	LastSuccessMS   int64
	LastError       string
	CreatedMS       int64
	UpdatedMS       int64
}

const agentColumns = `id, address, stream_signature, fee_bps, status,
    expected_end_ms, next_attempt_ms, retry_step,
    success_count, failure_count, fee_due_claw,
    last_success_ms, last_error, created_ms, updated_ms`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var (
		a           Agent
		status      string
		expectedEnd sql.NullInt64
		nextAttempt sql.NullInt64
		lastSuccess sql.NullInt64
		lastError   sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.Address, &a.StreamSignature, &a.FeeBps, &status,
		&expectedEnd, &nextAttempt, &a.RetryStep,
		&a.SuccessCount, &a.FailureCount, &a.FeeDueClaw,
		&lastSuccess, &lastError, &a.CreatedMS, &a.UpdatedMS,
	)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.ExpectedEndMS = expectedEnd.Int64
	a.NextAttemptMS = nextAttempt.Int64
	a.LastSuccessMS = lastSuccess.Int64
	a.LastError = lastError.String
	return &a, nil
}

// UpsertAgent enrolls an agent, or on address conflict refreshes signature and
// fee and reactivates it. A fresh row is immediately due (next_attempt_ms is
// set to now); re-enrollment keeps the existing schedule and counters.
func (s *Store) UpsertAgent(ctx context.Context, address, signature string, feeBps, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO agents (address, stream_signature, fee_bps, status, next_attempt_ms, created_ms, updated_ms)
        VALUES (?, ?, ?, 'active', ?, ?, ?)
        ON CONFLICT(address) DO UPDATE SET
            stream_signature = excluded.stream_signature,
            fee_bps = excluded.fee_bps,
            status = 'active',
            updated_ms = excluded.updated_ms`,
		strings.TrimSpace(address), NormalizeSignature(signature), feeBps, nowMS, nowMS, nowMS,
	)
	if err != nil {
		return fmt.Errorf("store: upsert agent %s: %w", address, err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, address string, status Status, nowMS int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = ?, updated_ms = ? WHERE address = ?",
		string(status), nowMS, address,
	)
	if err != nil {
		return fmt.Errorf("store: set status %s: %w", address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set status %s: %w", address, err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// RemoveAgent deletes the agent and every dependent row in one transaction.
func (s *Store) RemoveAgent(ctx context.Context, address string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: remove agent: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM agents WHERE address = ?", address).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("store: remove agent %s: %w", address, err)
	}

	for _, stmt := range []string{
		"DELETE FROM billing_attempts WHERE agent_id = ?",
		"DELETE FROM usage_windows WHERE agent_id = ?",
		"DELETE FROM attempts WHERE agent_id = ?",
		"DELETE FROM agents WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("store: remove agent %s: %w", address, err)
		}
	}
	return tx.Commit()
}

func (s *Store) AgentByAddress(ctx context.Context, address string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE address = ?", address)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: agent by address %s: %w", address, err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list agents: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ListDueAgents returns active agents whose next attempt instant has passed.
// A NULL next_attempt_ms counts as due and sorts first.
func (s *Store) ListDueAgents(ctx context.Context, nowMS int64) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+agentColumns+` FROM agents
        WHERE status = 'active'
          AND (next_attempt_ms IS NULL OR next_attempt_ms <= ?)
        ORDER BY COALESCE(next_attempt_ms, 0) ASC`,
		nowMS,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list due agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list due agents: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// PrimeSchedule pre-populates the arm schedule from an enrollment probe that
// returned a server end instant.
func (s *Store) PrimeSchedule(ctx context.Context, address string, endMS, nextAttemptMS, nowMS int64) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE agents
        SET expected_end_ms = ?, next_attempt_ms = ?, retry_step = 0, last_error = NULL, updated_ms = ?
        WHERE address = ?`,
		endMS, nextAttemptMS, nowMS, address,
	)
	if err != nil {
		return fmt.Errorf("store: prime schedule %s: %w", address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: prime schedule %s: %w", address, err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}
