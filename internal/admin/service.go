// Package admin implements the operator-facing agent lifecycle: enrollment
// with its stream-signature probe, pause/resume/remove, and reporting.
package admin

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clawsnetwork/stream-agency/internal/config"
	"github.com/clawsnetwork/stream-agency/internal/scheduler"
	"github.com/clawsnetwork/stream-agency/internal/store"
	"github.com/clawsnetwork/stream-agency/internal/stream"
)

// ErrValidation matches any input rejection via errors.Is; the concrete
// message stays operator-facing.
var ErrValidation = errors.New("invalid input")

type validationError struct{ msg string }

func (e *validationError) Error() string        { return e.msg }
func (e *validationError) Is(target error) bool { return target == ErrValidation }

func validatef(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

var addressPattern = regexp.MustCompile(`^claw1[0-9a-z]+$`)

// StreamPoster is the probe's view of the stream client.
type StreamPoster interface {
	Post(ctx context.Context, address, signature string) stream.Result
}

// Service exposes the agent lifecycle to the CLI and the admin API.
type Service struct {
	store  *store.Store
	stream StreamPoster
	cfg    *config.Config
	log    *zap.Logger

	now func() int64
	rng *rand.Rand
}

func NewService(st *store.Store, poster StreamPoster, cfg *config.Config, log *zap.Logger) *Service {
	return &Service{
		store:  st,
		stream: poster,
		cfg:    cfg,
		log:    log,
		now:    func() int64 { return time.Now().UnixMilli() },
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ProbeResult reports the enrollment probe back to the caller. EndStreamMS is
// nil when the response carried no end instant, and Reason is "skipped" when
// probing is disabled.
type ProbeResult struct {
	OK           bool   `json:"ok"`
	StatusCode   int    `json:"status_code"`
	Reason       string `json:"reason"`
	EndStreamMS  *int64 `json:"end_stream_ms"`
	ResponseBody string `json:"response_body"`
}

type EnrollResult struct {
	Address string      `json:"address"`
	FeeBps  int64       `json:"fee_bps"`
	Probe   ProbeResult `json:"probe"`
}

// Enroll validates the agent, optionally proves the signature against the
// stream endpoint, registers the agent, and primes its schedule when the
// probe reported a live window.
func (s *Service) Enroll(ctx context.Context, address, signature string, feeBps int64) (*EnrollResult, error) {
	address = strings.TrimSpace(address)
	signature = strings.TrimSpace(signature)

	if !addressPattern.MatchString(address) {
		return nil, validatef("Invalid Claws address")
	}
	if feeBps < 0 || feeBps > 10_000 {
		return nil, validatef("fee_bps must be between 0 and 10000")
	}
	if signature == "" {
		return nil, validatef("Missing stream signature")
	}

	probe := ProbeResult{OK: true, Reason: "skipped"}
	if s.cfg.Stream.ProbeOnEnroll {
		res := s.stream.Post(ctx, address, signature)
		if scheduler.Classify(res) == scheduler.OutcomeBackoff {
			return nil, validatef("Stream signature probe failed (status=%d): %s",
				res.Status, truncate(res.Body, 220))
		}
		probe = ProbeResult{
			OK:           res.OK,
			StatusCode:   res.Status,
			Reason:       string(res.Reason),
			ResponseBody: truncate(res.Body, 500),
		}
		end := res.EndStreamMS
		probe.EndStreamMS = &end
	}

	if err := s.store.UpsertAgent(ctx, address, signature, feeBps, s.now()); err != nil {
		return nil, err
	}

	if probe.EndStreamMS != nil && *probe.EndStreamMS != 0 {
		next := scheduler.NextPlannedAttempt(*probe.EndStreamMS,
			s.cfg.Scheduler.LeadSec, s.cfg.Scheduler.JitterSec, s.rng)
		if err := s.store.PrimeSchedule(ctx, address, *probe.EndStreamMS, next, s.now()); err != nil {
			return nil, err
		}
	}

	s.log.Info("agent enrolled",
		zap.String("address", address),
		zap.Int64("fee_bps", feeBps),
		zap.String("probe", probe.Reason))
	return &EnrollResult{Address: address, FeeBps: feeBps, Probe: probe}, nil
}

func (s *Service) Pause(ctx context.Context, address string) error {
	return s.setStatus(ctx, address, store.StatusPaused)
}

func (s *Service) Resume(ctx context.Context, address string) error {
	return s.setStatus(ctx, address, store.StatusActive)
}

func (s *Service) setStatus(ctx context.Context, address string, status store.Status) error {
	address = strings.TrimSpace(address)
	if err := s.store.SetStatus(ctx, address, status, s.now()); err != nil {
		return err
	}
	s.log.Info("agent status changed",
		zap.String("address", address),
		zap.String("status", string(status)))
	return nil
}

// Remove deletes the agent with its attempt, usage, and billing history.
func (s *Service) Remove(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if err := s.store.RemoveAgent(ctx, address); err != nil {
		return err
	}
	s.log.Info("agent removed", zap.String("address", address))
	return nil
}

// AgentReport is one row of the operator report; the ms fields are nil until
// the scheduler has populated them.
type AgentReport struct {
	ID             int64   `json:"id"`
	Address        string  `json:"address"`
	FeeBps         int64   `json:"fee_bps"`
	Status         string  `json:"status"`
	SuccessCount   int64   `json:"success_count"`
	FailureCount   int64   `json:"failure_count"`
	PendingWindows int64   `json:"pending_windows"`
	BilledWindows  int64   `json:"billed_windows"`
	NextAttemptMS  *int64  `json:"next_attempt_ms"`
	ExpectedEndMS  *int64  `json:"expected_end_ms"`
	LastSuccessMS  *int64  `json:"last_success_ms"`
	LastError      *string `json:"last_error"`
}

// Report joins every agent with its pending and billed window totals.
func (s *Service) Report(ctx context.Context) ([]AgentReport, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := s.store.UsageSummary(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]AgentReport, 0, len(agents))
	for _, a := range agents {
		totals := usage[a.ID]
		rows = append(rows, AgentReport{
			ID:             a.ID,
			Address:        a.Address,
			FeeBps:         a.FeeBps,
			Status:         string(a.Status),
			SuccessCount:   a.SuccessCount,
			FailureCount:   a.FailureCount,
			PendingWindows: totals.Pending,
			BilledWindows:  totals.Billed,
			NextAttemptMS:  msPtr(a.NextAttemptMS),
			ExpectedEndMS:  msPtr(a.ExpectedEndMS),
			LastSuccessMS:  msPtr(a.LastSuccessMS),
			LastError:      strPtr(a.LastError),
		})
	}
	return rows, nil
}

// RecentAttempts returns the newest stream attempts for one agent.
func (s *Service) RecentAttempts(ctx context.Context, address string, limit int) ([]store.Attempt, error) {
	a, err := s.store.AgentByAddress(ctx, strings.TrimSpace(address))
	if err != nil {
		return nil, err
	}
	return s.store.RecentAttempts(ctx, a.ID, limit)
}

// RecentBillingAttempts returns the newest settlement attempts across agents.
func (s *Service) RecentBillingAttempts(ctx context.Context, limit int) ([]store.BillingAttempt, error) {
	return s.store.RecentBillingAttempts(ctx, limit)
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}

func msPtr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
