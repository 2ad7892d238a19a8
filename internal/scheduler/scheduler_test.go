package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clawsnetwork/stream-agency/internal/config"
	"github.com/clawsnetwork/stream-agency/internal/settle"
	"github.com/clawsnetwork/stream-agency/internal/store"
	"github.com/clawsnetwork/stream-agency/internal/stream"
)

const (
	addrA = "claw1aaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "claw1bbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// fakePoster serves canned stream results per address.
type fakePoster struct {
	results map[string]stream.Result
	deflt   stream.Result
	calls   []string
}

func (f *fakePoster) Post(_ context.Context, address, _ string) stream.Result {
	f.calls = append(f.calls, address)
	if r, ok := f.results[address]; ok {
		return r
	}
	return f.deflt
}

type fakeEpochs struct {
	epoch int64
	err   error
	calls int
}

func (f *fakeEpochs) Current(context.Context) (int64, error) {
	f.calls++
	return f.epoch, f.err
}

type billCall struct {
	Address string
	Epoch   int64
	Windows int64
}

// fakeSettler records Bill calls; outcomes are keyed by "address/epoch".
type fakeSettler struct {
	outcomes map[string]settle.Outcome
	deflt    settle.Outcome
	calls    []billCall
}

func (f *fakeSettler) Bill(_ context.Context, address string, epoch, windows int64) settle.Outcome {
	f.calls = append(f.calls, billCall{address, epoch, windows})
	if out, ok := f.outcomes[fmt.Sprintf("%s/%d", address, epoch)]; ok {
		return out
	}
	return f.deflt
}

type harness struct {
	store   *store.Store
	poster  *fakePoster
	epochs  *fakeEpochs
	settler *fakeSettler
	sched   *Scheduler
	nowMS   int64
}

func newHarness(t *testing.T, billing bool) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "agency.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	h := &harness{
		store:   st,
		poster:  &fakePoster{results: map[string]stream.Result{}},
		epochs:  &fakeEpochs{epoch: 42},
		settler: &fakeSettler{outcomes: map[string]settle.Outcome{}, deflt: settle.Outcome{OK: true}},
		nowMS:   1_000_000,
	}

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{PollSec: 20, LeadSec: 360, JitterSec: 0},
		Billing:   config.BillingConfig{Enabled: billing, RewardPerWindow: 1.0},
	}
	h.sched = New(st, h.poster, h.epochs, h.settler, cfg, nil, zap.NewNop())
	h.sched.now = func() int64 { return h.nowMS }
	return h
}

// enroll registers an agent due immediately and returns its row.
func (h *harness) enroll(t *testing.T, address string) store.Agent {
	t.Helper()
	ctx := context.Background()
	if err := h.store.UpsertAgent(ctx, address, "sig-"+address, 500, h.nowMS); err != nil {
		t.Fatalf("UpsertAgent %s: %v", address, err)
	}
	a, err := h.store.AgentByAddress(ctx, address)
	if err != nil {
		t.Fatalf("AgentByAddress %s: %v", address, err)
	}
	return *a
}

// creditWindow books one usage window without going through a tick, parking
// the agent's next attempt far in the future.
func (h *harness) creditWindow(t *testing.T, agentID, epoch int64) {
	t.Helper()
	err := h.store.ApplyArmSuccess(context.Background(), store.ArmResult{
		AgentID:       agentID,
		AttemptedMS:   h.nowMS,
		StatusCode:    200,
		EndStreamMS:   9_000_000_000,
		NextAttemptMS: 9_000_000_000,
		Epoch:         epoch,
		CountUsage:    true,
	})
	if err != nil {
		t.Fatalf("ApplyArmSuccess: %v", err)
	}
}

func (h *harness) agent(t *testing.T, address string) store.Agent {
	t.Helper()
	a, err := h.store.AgentByAddress(context.Background(), address)
	if err != nil {
		t.Fatalf("AgentByAddress %s: %v", address, err)
	}
	return *a
}

func armedResult(endMS int64) stream.Result {
	return stream.Result{
		OK:          true,
		Status:      200,
		Body:        fmt.Sprintf(`{"end_stream": %d}`, endMS),
		EndStreamMS: endMS,
		Reason:      stream.ReasonOK,
	}
}

func alreadyStreamingResult(endMS int64) stream.Result {
	return stream.Result{
		Status:      403,
		Body:        fmt.Sprintf(`{"detail": "already streaming", "end_stream": %d}`, endMS),
		EndStreamMS: endMS,
		Reason:      stream.ReasonAlreadyStreaming,
	}
}

var failedResult = stream.Result{Status: 500, Body: "boom", Reason: stream.ReasonError}

// ── Stream pass ──────────────────────────────────────────────────────────────

func TestTick_FirstSuccess(t *testing.T) {
	h := newHarness(t, true)
	h.enroll(t, addrA)
	h.poster.results[addrA] = armedResult(2_000_000)

	res := h.sched.Tick(context.Background())

	want := StreamStats{Processed: 1, OK: 1, Fail: 0, UsageWindowsAdded: 1}
	if res.Stream != want {
		t.Errorf("stream stats = %+v, want %+v", res.Stream, want)
	}
	if res.ChainEpoch == nil || *res.ChainEpoch != 42 {
		t.Errorf("chain epoch = %v, want 42", res.ChainEpoch)
	}

	a := h.agent(t, addrA)
	if a.ExpectedEndMS != 2_000_000 {
		t.Errorf("expected_end_ms = %d, want 2000000", a.ExpectedEndMS)
	}
	if a.NextAttemptMS != 1_640_000 {
		t.Errorf("next_attempt_ms = %d, want 1640000 (end - lead, zero jitter)", a.NextAttemptMS)
	}
	if a.SuccessCount != 1 || a.FailureCount != 0 || a.RetryStep != 0 {
		t.Errorf("counters = success %d failure %d retry %d", a.SuccessCount, a.FailureCount, a.RetryStep)
	}
	if a.FeeDueClaw != 0.05 {
		t.Errorf("fee_due_claw = %v, want 0.05", a.FeeDueClaw)
	}
	if a.LastSuccessMS != h.nowMS {
		t.Errorf("last_success_ms = %d, want %d", a.LastSuccessMS, h.nowMS)
	}

	w, err := h.store.UsageWindow(context.Background(), a.ID, 42)
	if err != nil {
		t.Fatalf("UsageWindow: %v", err)
	}
	if w.Windows != 1 || w.Billed {
		t.Errorf("usage window = %+v, want 1 unbilled", w)
	}
}

func TestTick_AlreadyStreamingResyncs(t *testing.T) {
	h := newHarness(t, true)
	a := h.enroll(t, addrA)

	// Prior failure put the agent on the retry ladder.
	err := h.store.ApplyFailure(context.Background(), store.FailureResult{
		AgentID:       a.ID,
		AttemptedMS:   h.nowMS,
		StatusCode:    500,
		Reason:        "error",
		ResponseBody:  "boom",
		NextAttemptMS: h.nowMS + 30_000,
		RetryStep:     1,
		LastError:     "500: boom",
	})
	if err != nil {
		t.Fatalf("ApplyFailure: %v", err)
	}

	h.nowMS += 30_000
	h.poster.results[addrA] = alreadyStreamingResult(5_000)

	res := h.sched.Tick(context.Background())

	if res.Stream.OK != 1 || res.Stream.UsageWindowsAdded != 0 {
		t.Errorf("stream stats = %+v, want ok=1 with no usage", res.Stream)
	}

	got := h.agent(t, addrA)
	if got.ExpectedEndMS != 5_000 {
		t.Errorf("expected_end_ms = %d, want 5000", got.ExpectedEndMS)
	}
	if got.RetryStep != 0 {
		t.Errorf("retry_step = %d, want 0 after resync", got.RetryStep)
	}
	if got.SuccessCount != 0 || got.FailureCount != 1 {
		t.Errorf("counters = success %d failure %d, want 0/1", got.SuccessCount, got.FailureCount)
	}
	if got.FeeDueClaw != 0 {
		t.Errorf("fee_due_claw = %v, want 0 (resync earns nothing)", got.FeeDueClaw)
	}

	if _, err := h.store.UsageWindow(context.Background(), a.ID, 42); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("usage window err = %v, want no row", err)
	}
}

func TestTick_BackoffLadder(t *testing.T) {
	h := newHarness(t, false)
	h.enroll(t, addrA)
	h.poster.deflt = failedResult

	steps := []struct {
		advanceMS int64
		wantDelay int64
		wantStep  int64
	}{
		{0, 30_000, 1},
		{30_000, 60_000, 2},
		{60_000, 120_000, 3},
		{120_000, 180_000, 4},
	}
	for i, st := range steps {
		h.nowMS += st.advanceMS
		res := h.sched.Tick(context.Background())
		if res.Stream.Fail != 1 {
			t.Fatalf("step %d: fail = %d, want 1", i, res.Stream.Fail)
		}

		a := h.agent(t, addrA)
		if a.NextAttemptMS != h.nowMS+st.wantDelay {
			t.Errorf("step %d: next_attempt_ms = %d, want now+%d", i, a.NextAttemptMS, st.wantDelay)
		}
		if a.RetryStep != st.wantStep {
			t.Errorf("step %d: retry_step = %d, want %d", i, a.RetryStep, st.wantStep)
		}
	}

	a := h.agent(t, addrA)
	if a.FailureCount != 4 {
		t.Errorf("failure_count = %d, want 4", a.FailureCount)
	}
	if a.LastError != "500: boom" {
		t.Errorf("last_error = %q, want \"500: boom\"", a.LastError)
	}
}

func TestTick_NotDueAgentIsSkipped(t *testing.T) {
	h := newHarness(t, false)
	h.enroll(t, addrA)
	if err := h.store.PrimeSchedule(context.Background(), addrA, 9_000_000, 8_640_000, h.nowMS); err != nil {
		t.Fatalf("PrimeSchedule: %v", err)
	}

	res := h.sched.Tick(context.Background())
	if res.Stream.Processed != 0 {
		t.Errorf("processed = %d, want 0", res.Stream.Processed)
	}
	if len(h.poster.calls) != 0 {
		t.Errorf("poster called for %v, want no calls", h.poster.calls)
	}
	if got := h.agent(t, addrA); got.NextAttemptMS != 8_640_000 {
		t.Errorf("next_attempt_ms = %d, schedule should be untouched", got.NextAttemptMS)
	}
}

func TestTick_SuccessWithoutEndBacksOff(t *testing.T) {
	h := newHarness(t, false)
	a := h.enroll(t, addrA)
	h.poster.results[addrA] = stream.Result{
		OK:     true,
		Status: 200,
		Body:   `{"status": "armed"}`,
		Reason: stream.ReasonOK,
	}

	res := h.sched.Tick(context.Background())
	if res.Stream.Fail != 1 || res.Stream.OK != 0 {
		t.Errorf("stream stats = %+v, want one failure", res.Stream)
	}

	got := h.agent(t, addrA)
	if got.RetryStep != 1 || got.NextAttemptMS != h.nowMS+30_000 {
		t.Errorf("agent = retry %d next %d, want ladder start", got.RetryStep, got.NextAttemptMS)
	}

	// The attempt log keeps the HTTP truth: a 2xx with reason "ok".
	attempts, err := h.store.RecentAttempts(context.Background(), a.ID, 1)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(attempts) != 1 || !attempts[0].OK || attempts[0].Reason != "ok" {
		t.Errorf("attempt = %+v, want ok=true reason=ok", attempts)
	}
}

func TestTick_OneFailingAgentDoesNotStallThePass(t *testing.T) {
	h := newHarness(t, false)
	h.enroll(t, addrA)
	h.enroll(t, addrB)
	h.poster.results[addrA] = failedResult
	h.poster.results[addrB] = armedResult(2_000_000)

	res := h.sched.Tick(context.Background())

	if res.Stream.Processed != 2 || res.Stream.OK != 1 || res.Stream.Fail != 1 {
		t.Errorf("stream stats = %+v, want processed=2 ok=1 fail=1", res.Stream)
	}
	got := append([]string(nil), h.poster.calls...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != addrA || got[1] != addrB {
		t.Errorf("posted to %v, want both agents", h.poster.calls)
	}
}

// ── Epoch handling ───────────────────────────────────────────────────────────

func TestTick_EpochUnavailable(t *testing.T) {
	h := newHarness(t, true)
	a := h.enroll(t, addrA)
	h.epochs.err = errors.New("chain API unreachable")
	h.poster.results[addrA] = armedResult(2_000_000)

	res := h.sched.Tick(context.Background())

	if res.ChainEpoch != nil {
		t.Errorf("chain epoch = %v, want nil", *res.ChainEpoch)
	}
	if res.EpochError == "" {
		t.Error("epoch_error should be populated")
	}
	if res.Stream.OK != 1 || res.Stream.UsageWindowsAdded != 0 {
		t.Errorf("stream stats = %+v, want success without usage", res.Stream)
	}
	if len(h.settler.calls) != 0 {
		t.Errorf("settler called %v, want billing pass skipped", h.settler.calls)
	}

	// The fee still accrues; only the usage window needs a known epoch.
	got := h.agent(t, addrA)
	if got.FeeDueClaw != 0.05 {
		t.Errorf("fee_due_claw = %v, want 0.05", got.FeeDueClaw)
	}
	if _, err := h.store.UsageWindow(context.Background(), a.ID, 42); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("usage window err = %v, want no row", err)
	}
}

func TestTick_BillingDisabledSkipsEpochFetch(t *testing.T) {
	h := newHarness(t, false)
	h.enroll(t, addrA)
	h.poster.results[addrA] = armedResult(2_000_000)

	res := h.sched.Tick(context.Background())

	if h.epochs.calls != 0 {
		t.Errorf("epoch fetches = %d, want 0 with billing disabled", h.epochs.calls)
	}
	if res.ChainEpoch != nil || res.EpochError != "" {
		t.Errorf("result = epoch %v err %q, want neither", res.ChainEpoch, res.EpochError)
	}
	if res.Stream.UsageWindowsAdded != 0 {
		t.Errorf("usage added = %d, want 0", res.Stream.UsageWindowsAdded)
	}
	if len(h.settler.calls) != 0 {
		t.Errorf("settler called %v, want none", h.settler.calls)
	}
}

// ── Billing pass ─────────────────────────────────────────────────────────────

func TestTick_BillingSweep(t *testing.T) {
	h := newHarness(t, true)
	a := h.enroll(t, addrA)
	b := h.enroll(t, addrB)

	h.creditWindow(t, a.ID, 41)
	h.creditWindow(t, a.ID, 41)
	h.creditWindow(t, a.ID, 41)
	h.creditWindow(t, b.ID, 41)
	h.creditWindow(t, a.ID, 42)
	h.creditWindow(t, a.ID, 42)

	res := h.sched.Tick(context.Background())

	if res.Billing.Candidates != 2 || res.Billing.OK != 2 || res.Billing.Fail != 0 {
		t.Errorf("billing stats = %+v, want 2 candidates both billed", res.Billing)
	}
	wantCalls := []billCall{
		{addrA, 41, 3},
		{addrB, 41, 1},
	}
	if len(h.settler.calls) != 2 || h.settler.calls[0] != wantCalls[0] || h.settler.calls[1] != wantCalls[1] {
		t.Errorf("bill calls = %v, want %v", h.settler.calls, wantCalls)
	}

	ctx := context.Background()
	for _, id := range []int64{a.ID, b.ID} {
		w, err := h.store.UsageWindow(ctx, id, 41)
		if err != nil {
			t.Fatalf("UsageWindow(%d, 41): %v", id, err)
		}
		if !w.Billed || w.BilledAtMS != h.nowMS {
			t.Errorf("window (%d, 41) = %+v, want billed at %d", id, w, h.nowMS)
		}
	}

	w, err := h.store.UsageWindow(ctx, a.ID, 42)
	if err != nil {
		t.Fatalf("UsageWindow(42): %v", err)
	}
	if w.Billed || w.Windows != 2 {
		t.Errorf("current epoch window = %+v, want 2 windows unbilled", w)
	}
}

func TestTick_SettlementFailureRetriesNextTick(t *testing.T) {
	h := newHarness(t, true)
	a := h.enroll(t, addrA)
	h.creditWindow(t, a.ID, 41)

	key := fmt.Sprintf("%s/41", addrA)
	h.settler.outcomes[key] = settle.Outcome{OK: false, ReturnCode: 1, Stderr: "nonce too low"}

	res := h.sched.Tick(context.Background())
	if res.Billing.Candidates != 1 || res.Billing.Fail != 1 {
		t.Errorf("billing stats = %+v, want one failure", res.Billing)
	}

	ctx := context.Background()
	w, err := h.store.UsageWindow(ctx, a.ID, 41)
	if err != nil {
		t.Fatalf("UsageWindow: %v", err)
	}
	if w.Billed {
		t.Error("window should stay unbilled after a failed settlement")
	}
	if w.LastError != "nonce too low" {
		t.Errorf("last_error = %q, want stderr", w.LastError)
	}

	logged, err := h.store.RecentBillingAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentBillingAttempts: %v", err)
	}
	if len(logged) != 1 || logged[0].OK || logged[0].ReturnCode != 1 {
		t.Errorf("billing attempts = %+v, want one failed row", logged)
	}

	// The operator fixes the nonce; the next tick settles it.
	delete(h.settler.outcomes, key)
	res = h.sched.Tick(context.Background())
	if res.Billing.OK != 1 {
		t.Errorf("retry billing stats = %+v, want success", res.Billing)
	}
	w, err = h.store.UsageWindow(ctx, a.ID, 41)
	if err != nil {
		t.Fatalf("UsageWindow after retry: %v", err)
	}
	if !w.Billed || w.LastError != "" {
		t.Errorf("window after retry = %+v, want billed with error cleared", w)
	}
}

func TestTick_BillingFailureMessageFallsBackToStdout(t *testing.T) {
	h := newHarness(t, true)
	a := h.enroll(t, addrA)
	h.creditWindow(t, a.ID, 41)
	h.settler.outcomes[fmt.Sprintf("%s/41", addrA)] = settle.Outcome{
		OK:         false,
		ReturnCode: 2,
		Stdout:     "transaction rejected",
	}

	h.sched.Tick(context.Background())

	w, err := h.store.UsageWindow(context.Background(), a.ID, 41)
	if err != nil {
		t.Fatalf("UsageWindow: %v", err)
	}
	if w.LastError != "transaction rejected" {
		t.Errorf("last_error = %q, want stdout fallback", w.LastError)
	}
}

// ── Run loop ─────────────────────────────────────────────────────────────────

func TestRun_TicksImmediatelyAndStopsOnCancel(t *testing.T) {
	h := newHarness(t, false)
	h.enroll(t, addrA)
	h.poster.results[addrA] = armedResult(9_000_000_000)
	h.sched.cfg.Scheduler.PollSec = 3600 // only the immediate tick fires

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if len(h.poster.calls) != 1 {
		t.Errorf("poster calls = %d, want the immediate tick only", len(h.poster.calls))
	}
}
