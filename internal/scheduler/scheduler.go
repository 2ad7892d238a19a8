// Package scheduler drives the keep-streaming loop: each tick re-arms every
// due agent's stream window, counts a usage window per armed success, and
// settles closed usage epochs through the settlement CLI.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/clawsnetwork/stream-agency/internal/config"
	"github.com/clawsnetwork/stream-agency/internal/metrics"
	"github.com/clawsnetwork/stream-agency/internal/settle"
	"github.com/clawsnetwork/stream-agency/internal/store"
	"github.com/clawsnetwork/stream-agency/internal/stream"
)

// StreamPoster arms one agent stream. *stream.Client implements it.
type StreamPoster interface {
	Post(ctx context.Context, address, signature string) stream.Result
}

// EpochSource reports the chain's current epoch. *epoch.Oracle implements it.
type EpochSource interface {
	Current(ctx context.Context) (int64, error)
}

// Settler submits one billEpoch transaction. *settle.Executor implements it.
type Settler interface {
	Bill(ctx context.Context, address string, epoch, windows int64) settle.Outcome
}

type StreamStats struct {
	Processed         int `json:"processed"`
	OK                int `json:"ok"`
	Fail              int `json:"fail"`
	UsageWindowsAdded int `json:"usage_windows_added"`
}

type BillingStats struct {
	Candidates int `json:"billing_candidates"`
	OK         int `json:"billing_ok"`
	Fail       int `json:"billing_fail"`
}

// TickResult summarizes one full cycle. The admin API's tick endpoint and
// the one-shot CLI tick serve it verbatim.
type TickResult struct {
	Stream     StreamStats  `json:"stream"`
	Billing    BillingStats `json:"billing"`
	ChainEpoch *int64       `json:"chain_epoch"`
	EpochError string       `json:"epoch_error,omitempty"`
}

type Scheduler struct {
	store   *store.Store
	stream  StreamPoster
	epochs  EpochSource
	settler Settler
	cfg     *config.Config
	metrics *metrics.Metrics
	log     *zap.Logger

	// Injected by tests; production uses wall-clock ms and a seeded source.
	now func() int64
	rng *rand.Rand
}

func New(st *store.Store, poster StreamPoster, epochs EpochSource, settler Settler, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		stream:  poster,
		epochs:  epochs,
		settler: settler,
		cfg:     cfg,
		metrics: m,
		log:     log,
		now:     func() int64 { return time.Now().UnixMilli() },
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run ticks immediately, then once per poll interval until ctx is cancelled.
// Cancellation lands between ticks; a tick in flight always completes.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.Scheduler.PollSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("interval", interval),
		zap.Bool("billing", s.cfg.Billing.Enabled))

	for {
		res := s.Tick(context.WithoutCancel(ctx))
		if res.Stream.Processed > 0 || res.Billing.Candidates > 0 {
			s.log.Info("tick complete",
				zap.Int("processed", res.Stream.Processed),
				zap.Int("ok", res.Stream.OK),
				zap.Int("fail", res.Stream.Fail),
				zap.Int("usage_windows_added", res.Stream.UsageWindowsAdded),
				zap.Int("billing_candidates", res.Billing.Candidates),
				zap.Int("billing_ok", res.Billing.OK),
				zap.Int("billing_fail", res.Billing.Fail))
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one full cycle: epoch snapshot, stream pass over due agents,
// then settlement of epochs closed before the snapshot. Per-agent failures
// are recorded in the store and counted, never returned.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	started := time.Now()
	var res TickResult

	if s.cfg.Billing.Enabled {
		epoch, err := s.epochs.Current(ctx)
		if err != nil {
			res.EpochError = err.Error()
			s.log.Warn("chain epoch unavailable", zap.Error(err))
		} else {
			res.ChainEpoch = &epoch
			s.metrics.SetChainEpoch(epoch)
		}
	}

	s.streamPass(ctx, res.ChainEpoch, &res.Stream)
	if s.cfg.Billing.Enabled && res.ChainEpoch != nil {
		s.billingPass(ctx, *res.ChainEpoch, &res.Billing)
	}

	s.metrics.ObserveTickDuration(time.Since(started))
	return res
}

func (s *Scheduler) streamPass(ctx context.Context, chainEpoch *int64, stats *StreamStats) {
	due, err := s.store.ListDueAgents(ctx, s.now())
	if err != nil {
		s.log.Error("list due agents", zap.Error(err))
		return
	}

	for _, agent := range due {
		stats.Processed++
		s.processAgent(ctx, agent, chainEpoch, stats)
	}
}

func (s *Scheduler) processAgent(ctx context.Context, agent store.Agent, chainEpoch *int64, stats *StreamStats) {
	res := s.stream.Post(ctx, agent.Address, agent.StreamSignature)
	ts := s.now()
	kind := Classify(res)

	switch kind {
	case OutcomeArmSuccess:
		arm := store.ArmResult{
			AgentID:       agent.ID,
			AttemptedMS:   ts,
			StatusCode:    int64(res.Status),
			ResponseBody:  res.Body,
			EndStreamMS:   res.EndStreamMS,
			NextAttemptMS: NextPlannedAttempt(res.EndStreamMS, s.cfg.Scheduler.LeadSec, s.cfg.Scheduler.JitterSec, s.rng),
			Fee:           feeForSuccess(s.cfg.Billing.RewardPerWindow, agent.FeeBps),
		}
		if chainEpoch != nil {
			arm.Epoch = *chainEpoch
			arm.CountUsage = true
		}
		if err := s.store.ApplyArmSuccess(ctx, arm); err != nil {
			s.log.Error("record arm success", zap.String("address", agent.Address), zap.Error(err))
			return
		}
		stats.OK++
		if arm.CountUsage {
			stats.UsageWindowsAdded++
			s.metrics.RecordUsageWindow()
		}
		s.log.Info("stream armed",
			zap.String("address", agent.Address),
			zap.Int64("end_stream_ms", res.EndStreamMS),
			zap.Int64("next_attempt_ms", arm.NextAttemptMS))

	case OutcomeReSync:
		sync := store.ResyncResult{
			AgentID:       agent.ID,
			AttemptedMS:   ts,
			StatusCode:    int64(res.Status),
			ResponseBody:  res.Body,
			EndStreamMS:   res.EndStreamMS,
			NextAttemptMS: NextPlannedAttempt(res.EndStreamMS, s.cfg.Scheduler.LeadSec, s.cfg.Scheduler.JitterSec, s.rng),
		}
		if err := s.store.ApplyAlreadyStreaming(ctx, sync); err != nil {
			s.log.Error("record resync", zap.String("address", agent.Address), zap.Error(err))
			return
		}
		stats.OK++
		s.log.Info("stream already armed",
			zap.String("address", agent.Address),
			zap.Int64("end_stream_ms", res.EndStreamMS))

	default:
		fail := store.FailureResult{
			AgentID:       agent.ID,
			AttemptedMS:   ts,
			OK:            res.OK,
			StatusCode:    int64(res.Status),
			Reason:        string(res.Reason),
			EndStreamMS:   res.EndStreamMS,
			ResponseBody:  res.Body,
			NextAttemptMS: ts + retryDelayMS(agent.RetryStep),
			RetryStep:     agent.RetryStep + 1,
			LastError:     fmt.Sprintf("%d: %s", res.Status, res.Body),
		}
		if err := s.store.ApplyFailure(ctx, fail); err != nil {
			s.log.Error("record failure", zap.String("address", agent.Address), zap.Error(err))
			return
		}
		stats.Fail++
		s.log.Warn("stream attempt failed",
			zap.String("address", agent.Address),
			zap.Int("status", res.Status),
			zap.Int64("retry_step", fail.RetryStep))
	}

	s.metrics.RecordStreamAttempt(kind.String())
}

func (s *Scheduler) billingPass(ctx context.Context, chainEpoch int64, stats *BillingStats) {
	candidates, err := s.store.ListBillingCandidates(ctx, chainEpoch)
	if err != nil {
		s.log.Error("list billing candidates", zap.Error(err))
		return
	}
	stats.Candidates = len(candidates)

	for _, cand := range candidates {
		out := s.settler.Bill(ctx, cand.Address, cand.Epoch, cand.Windows)
		ts := s.now()

		rec := store.BillingAttempt{
			AgentID:     cand.AgentID,
			Epoch:       cand.Epoch,
			Windows:     cand.Windows,
			AttemptedMS: ts,
			OK:          out.OK,
			ReturnCode:  int64(out.ReturnCode),
			Stdout:      out.Stdout,
			Stderr:      out.Stderr,
		}
		if err := s.store.RecordBillingAttempt(ctx, rec); err != nil {
			s.log.Error("record billing attempt", zap.String("address", cand.Address), zap.Error(err))
		}

		s.metrics.RecordBillingAttempt(out.OK)

		if out.OK {
			if err := s.store.MarkBilled(ctx, cand.AgentID, cand.Epoch, ts); err != nil {
				s.log.Error("mark billed", zap.String("address", cand.Address), zap.Error(err))
				continue
			}
			stats.OK++
			s.log.Info("epoch billed",
				zap.String("address", cand.Address),
				zap.Int64("epoch", cand.Epoch),
				zap.Int64("windows", cand.Windows))
			continue
		}

		msg := out.Stderr
		if msg == "" {
			msg = out.Stdout
		}
		if msg == "" {
			msg = "billing failed"
		}
		if err := s.store.RecordBillingFailure(ctx, cand.AgentID, cand.Epoch, msg); err != nil {
			s.log.Error("record billing failure", zap.String("address", cand.Address), zap.Error(err))
		}
		stats.Fail++
		s.log.Warn("epoch billing failed",
			zap.String("address", cand.Address),
			zap.Int64("epoch", cand.Epoch),
			zap.Int("return_code", out.ReturnCode))
	}
}
