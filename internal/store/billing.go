package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UsageWindow is the per-(agent, epoch) window counter. A billed row is
// terminal.
type UsageWindow struct {
	AgentID    int64
	Epoch      int64
	Windows    int64
	Billed     bool
	BilledAtMS int64
	LastError  string
}

// BillingCandidate is an unbilled window count for a closed epoch, joined
// with the agent's address for the settlement call.
type BillingCandidate struct {
	AgentID int64
	Epoch   int64
	Windows int64
	Address string
}

// BillingAttempt is one row of the append-only settlement log. Address is
// populated on reads only.
type BillingAttempt struct {
	ID          int64
	AgentID     int64
	Address     string
	Epoch       int64
	Windows     int64
	AttemptedMS int64
	OK          bool
	ReturnCode  int64
	Stdout      string
	Stderr      string
}

// UsageTotals aggregates one agent's windows by billing state.
type UsageTotals struct {
	Pending int64
	Billed  int64
}

// ListBillingCandidates returns unbilled windows for epochs strictly before
// chainEpoch, in (epoch, agent_id) order. Paused and suspended agents stay
// billable for past usage.
func (s *Store) ListBillingCandidates(ctx context.Context, chainEpoch int64) ([]BillingCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT uw.agent_id, uw.epoch, uw.windows, a.address
        FROM usage_windows uw
        JOIN agents a ON a.id = uw.agent_id
        WHERE uw.billed = 0
          AND uw.epoch < ?
          AND uw.windows > 0
          AND a.status IN ('active', 'paused', 'suspended')
        ORDER BY uw.epoch ASC, uw.agent_id ASC`,
		chainEpoch,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list billing candidates: %w", err)
	}
	defer rows.Close()

	var candidates []BillingCandidate
	for rows.Next() {
		var c BillingCandidate
		if err := rows.Scan(&c.AgentID, &c.Epoch, &c.Windows, &c.Address); err != nil {
			return nil, fmt.Errorf("store: list billing candidates: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (s *Store) RecordBillingAttempt(ctx context.Context, b BillingAttempt) error {
	okInt := 0
	if b.OK {
		okInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO billing_attempts (agent_id, epoch, windows, attempted_ms, ok, return_code, stdout, stderr)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.AgentID, b.Epoch, b.Windows, b.AttemptedMS, okInt, b.ReturnCode,
		truncate(b.Stdout, maxBodyBytes), truncate(b.Stderr, maxBodyBytes),
	)
	if err != nil {
		return fmt.Errorf("store: record billing attempt: %w", err)
	}
	return nil
}

// MarkBilled freezes the usage row.
func (s *Store) MarkBilled(ctx context.Context, agentID, epoch, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE usage_windows
        SET billed = 1, billed_at_ms = ?, last_error = NULL
        WHERE agent_id = ? AND epoch = ?`,
		nowMS, agentID, epoch,
	)
	if err != nil {
		return fmt.Errorf("store: mark billed (%d, %d): %w", agentID, epoch, err)
	}
	return nil
}

// RecordBillingFailure keeps the row unbilled so the next tick retries it.
func (s *Store) RecordBillingFailure(ctx context.Context, agentID, epoch int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE usage_windows
        SET last_error = ?
        WHERE agent_id = ? AND epoch = ?`,
		truncate(errMsg, maxErrorBytes), agentID, epoch,
	)
	if err != nil {
		return fmt.Errorf("store: record billing failure (%d, %d): %w", agentID, epoch, err)
	}
	return nil
}

func (s *Store) UsageWindow(ctx context.Context, agentID, epoch int64) (*UsageWindow, error) {
	var (
		w        UsageWindow
		billed   int64
		billedAt sql.NullInt64
		lastErr  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT agent_id, epoch, windows, billed, billed_at_ms, last_error
        FROM usage_windows
        WHERE agent_id = ? AND epoch = ?`,
		agentID, epoch,
	).Scan(&w.AgentID, &w.Epoch, &w.Windows, &billed, &billedAt, &lastErr)
	if err != nil {
		return nil, fmt.Errorf("store: usage window (%d, %d): %w", agentID, epoch, err)
	}
	w.Billed = billed != 0
	w.BilledAtMS = billedAt.Int64
	w.LastError = lastErr.String
	return &w, nil
}

// UsageSummary returns per-agent pending and billed window totals.
func (s *Store) UsageSummary(ctx context.Context) (map[int64]UsageTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT agent_id,
               SUM(CASE WHEN billed = 0 THEN windows ELSE 0 END) AS pending,
               SUM(CASE WHEN billed = 1 THEN windows ELSE 0 END) AS billed
        FROM usage_windows
        GROUP BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("store: usage summary: %w", err)
	}
	defer rows.Close()

	summary := make(map[int64]UsageTotals)
	for rows.Next() {
		var (
			agentID         int64
			pending, billed sql.NullInt64
		)
		if err := rows.Scan(&agentID, &pending, &billed); err != nil {
			return nil, fmt.Errorf("store: usage summary: %w", err)
		}
		summary[agentID] = UsageTotals{Pending: pending.Int64, Billed: billed.Int64}
	}
	return summary, rows.Err()
}

func (s *Store) RecentBillingAttempts(ctx context.Context, limit int) ([]BillingAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT ba.id, ba.agent_id, a.address, ba.epoch, ba.windows, ba.attempted_ms, ba.ok, ba.return_code, ba.stdout, ba.stderr
        FROM billing_attempts ba
        JOIN agents a ON a.id = ba.agent_id
        ORDER BY ba.attempted_ms DESC
        LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent billing attempts: %w", err)
	}
	defer rows.Close()

	var attempts []BillingAttempt
	for rows.Next() {
		var (
			ba             BillingAttempt
			okInt          int64
			stdout, stderr sql.NullString
		)
		if err := rows.Scan(&ba.ID, &ba.AgentID, &ba.Address, &ba.Epoch, &ba.Windows, &ba.AttemptedMS, &okInt, &ba.ReturnCode, &stdout, &stderr); err != nil {
			return nil, fmt.Errorf("store: recent billing attempts: %w", err)
		}
		ba.OK = okInt != 0
		ba.Stdout = stdout.String
		ba.Stderr = stderr.String
		attempts = append(attempts, ba)
	}
	return attempts, rows.Err()
}
