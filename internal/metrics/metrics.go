// Package metrics exposes Prometheus instrumentation for the agency
// scheduler and settlement loops.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors published on /metrics. A nil *Metrics is
// valid and turns every record method into a no-op, so callers that run
// without instrumentation do not need guards.
type Metrics struct {
	StreamAttempts  *prometheus.CounterVec
	UsageWindows    prometheus.Counter
	BillingAttempts *prometheus.CounterVec
	ChainEpoch      prometheus.Gauge
	TickDuration    prometheus.Histogram
}

// New registers the agency collectors with reg and returns them. Tests
// pass a private registry so repeated construction cannot collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StreamAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_stream_attempts_total",
				Help: "Stream keep-alive attempts by outcome",
			},
			[]string{"outcome"}, // outcome: arm_success, resync, backoff
		),

		UsageWindows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agency_usage_windows_total",
				Help: "Usage windows recorded for later settlement",
			},
		),

		BillingAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_billing_attempts_total",
				Help: "Settlement attempts by outcome",
			},
			[]string{"outcome"}, // outcome: ok, fail
		),

		ChainEpoch: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agency_chain_epoch",
				Help: "Most recent epoch observed from the chain API",
			},
		),

		TickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agency_tick_duration_seconds",
				Help:    "Duration of full scheduler ticks",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
	}
}

// RecordStreamAttempt counts one keep-alive attempt by outcome.
func (m *Metrics) RecordStreamAttempt(outcome string) {
	if m == nil {
		return
	}
	m.StreamAttempts.WithLabelValues(outcome).Inc()
}

// RecordUsageWindow counts one usage window added for settlement.
func (m *Metrics) RecordUsageWindow() {
	if m == nil {
		return
	}
	m.UsageWindows.Inc()
}

// RecordBillingAttempt counts one settlement attempt.
func (m *Metrics) RecordBillingAttempt(ok bool) {
	if m == nil {
		return
	}
	outcome := "fail"
	if ok {
		outcome = "ok"
	}
	m.BillingAttempts.WithLabelValues(outcome).Inc()
}

// SetChainEpoch publishes the latest epoch fetched from the chain API.
func (m *Metrics) SetChainEpoch(epoch int64) {
	if m == nil {
		return
	}
	m.ChainEpoch.Set(float64(epoch))
}

// ObserveTickDuration records how long a scheduler tick took.
func (m *Metrics) ObserveTickDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}
