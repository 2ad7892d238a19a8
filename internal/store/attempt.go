package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Attempt is one row of the append-only stream attempt log.
type Attempt struct {
	ID           int64
	AgentID      int64
	AttemptedMS  int64
	OK           bool
	StatusCode   int64
	Reason       string
	EndStreamMS  int64
	ResponseBody string
}

// ArmResult carries everything a successful arm writes: the attempt row, the
// agent progression, and (when the chain epoch was known) the usage increment.
type ArmResult struct {
	AgentID       int64
	AttemptedMS   int64
	StatusCode    int64
	ResponseBody  string
	EndStreamMS   int64
	NextAttemptMS int64
	Fee           float64
	Epoch         int64
	CountUsage    bool
}

// ResyncResult is an "already streaming" observation with a known end instant:
// the schedule re-syncs to the server but nothing is credited.
type ResyncResult struct {
	AgentID       int64
	AttemptedMS   int64
	StatusCode    int64
	ResponseBody  string
	EndStreamMS   int64
	NextAttemptMS int64
}

// FailureResult backs the agent off. OK and Reason echo the raw response
// classification, which can disagree with the branch (a 2xx without an end
// instant records reason "ok" yet still backs off).
type FailureResult struct {
	AgentID       int64
	AttemptedMS   int64
	OK            bool
	StatusCode    int64
	Reason        string
	EndStreamMS   int64
	ResponseBody  string
	NextAttemptMS int64
	RetryStep     int64
	LastError     string
}

func insertAttempt(ctx context.Context, tx *sql.Tx, agentID, attemptedMS int64, ok bool, statusCode int64, reason string, endStreamMS int64, body string) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	var end any
	if endStreamMS != 0 {
		end = endStreamMS
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO attempts (agent_id, attempted_ms, ok, status_code, reason, end_stream_ms, response_body)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agentID, attemptedMS, okInt, statusCode, reason, end, truncate(body, maxBodyBytes),
	)
	return err
}

// ApplyArmSuccess records the attempt, advances the agent, and increments the
// usage window, all in one transaction. An arm is never visible without its
// bookkeeping.
func (s *Store) ApplyArmSuccess(ctx context.Context, r ArmResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: arm success: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertAttempt(ctx, tx, r.AgentID, r.AttemptedMS, true, r.StatusCode, "ok", r.EndStreamMS, r.ResponseBody); err != nil {
		return fmt.Errorf("store: arm success: attempt: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE agents
        SET expected_end_ms = ?,
            next_attempt_ms = ?,
            retry_step = 0,
            success_count = success_count + 1,
            fee_due_claw = fee_due_claw + ?,
            last_success_ms = ?,
            last_error = NULL,
            updated_ms = ?
        WHERE id = ?`,
		r.EndStreamMS, r.NextAttemptMS, r.Fee, r.AttemptedMS, r.AttemptedMS, r.AgentID,
	); err != nil {
		return fmt.Errorf("store: arm success: agent: %w", err)
	}
	if r.CountUsage {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO usage_windows (agent_id, epoch, windows, billed)
            VALUES (?, ?, 1, 0)
            ON CONFLICT(agent_id, epoch) DO UPDATE SET windows = windows + 1`,
			r.AgentID, r.Epoch,
		); err != nil {
			return fmt.Errorf("store: arm success: usage: %w", err)
		}
	}
	return tx.Commit()
}

// ApplyAlreadyStreaming re-syncs the schedule to the server's end instant.
// Counters, fee, and last_error are left alone.
func (s *Store) ApplyAlreadyStreaming(ctx context.Context, r ResyncResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: resync: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertAttempt(ctx, tx, r.AgentID, r.AttemptedMS, false, r.StatusCode, "already_streaming", r.EndStreamMS, r.ResponseBody); err != nil {
		return fmt.Errorf("store: resync: attempt: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE agents
        SET expected_end_ms = ?, next_attempt_ms = ?, retry_step = 0, updated_ms = ?
        WHERE id = ?`,
		r.EndStreamMS, r.NextAttemptMS, r.AttemptedMS, r.AgentID,
	); err != nil {
		return fmt.Errorf("store: resync: agent: %w", err)
	}
	return tx.Commit()
}

// ApplyFailure records the attempt and schedules the retry.
func (s *Store) ApplyFailure(ctx context.Context, r FailureResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failure: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertAttempt(ctx, tx, r.AgentID, r.AttemptedMS, r.OK, r.StatusCode, r.Reason, r.EndStreamMS, r.ResponseBody); err != nil {
		return fmt.Errorf("store: failure: attempt: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE agents
        SET next_attempt_ms = ?,
            retry_step = ?,
            failure_count = failure_count + 1,
            last_error = ?,
            updated_ms = ?
        WHERE id = ?`,
		r.NextAttemptMS, r.RetryStep, truncate(r.LastError, maxErrorBytes), r.AttemptedMS, r.AgentID,
	); err != nil {
		return fmt.Errorf("store: failure: agent: %w", err)
	}
	return tx.Commit()
}

func (s *Store) RecentAttempts(ctx context.Context, agentID int64, limit int) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, agent_id, attempted_ms, ok, status_code, reason, end_stream_ms, response_body
        FROM attempts
        WHERE agent_id = ?
        ORDER BY attempted_ms DESC
        LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a      Attempt
			okInt  int64
			reason sql.NullString
			end    sql.NullInt64
			body   sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &a.AttemptedMS, &okInt, &a.StatusCode, &reason, &end, &body); err != nil {
			return nil, fmt.Errorf("store: recent attempts: %w", err)
		}
		a.OK = okInt != 0
		a.Reason = reason.String
		a.EndStreamMS = end.Int64
		a.ResponseBody = body.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
