package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/rate-remediator/internal/coverage"
	"github.com/sells-group/rate-remediator/internal/model"
)

const namespace = "remediation"

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	AttemptsTotal    *prometheus.CounterVec
	AttemptCost      *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	Duplicates       *prometheus.CounterVec
	HaltsTotal       *prometheus.CounterVec
	GapsKilled       prometheus.Counter
	GateDecisions    *prometheus.CounterVec

	RunCostCents   *prometheus.GaugeVec
	RunFailureRate *prometheus.GaugeVec
	ActiveRuns     prometheus.Gauge
}

// NewMetrics registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		AttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Attempts recorded by the orchestrator",
		}, []string{"worker", "outcome"}),
		AttemptCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_cost_cents_total",
			Help:      "Cost charged by recorded attempts in cents",
		}, []string{"worker"}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a tier worker attempt",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		}, []string{"worker"}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_attempts_total",
			Help:      "Attempt results dropped by the idempotency key",
		}, []string{"worker"}),
		HaltsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "halts_total",
			Help:      "Kill switch halts by reason",
		}, []string{"reason"}),
		GapsKilled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gaps_killed_total",
			Help:      "Gaps failed by the kill switch",
		}),
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Promotion gate decisions",
		}, []string{"decision"}),
		RunCostCents: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_cost_cents",
			Help:      "Cumulative cost of an active run",
		}, []string{"run_id"}),
		RunFailureRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_failure_rate",
			Help:      "Failure rate of an active run excluding killed attempts",
		}, []string{"run_id"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs with pending or in-progress gaps",
		}),
	}
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// AttemptRecorded counts an attempt the ledger accepted.
func (m *Metrics) AttemptRecorded(worker model.WorkerType, outcome model.Outcome, costCents int64, took time.Duration) {
	m.AttemptsTotal.WithLabelValues(string(worker), string(outcome)).Inc()
	if costCents > 0 {
		m.AttemptCost.WithLabelValues(string(worker)).Add(float64(costCents))
	}
	m.AttemptDuration.WithLabelValues(string(worker)).Observe(took.Seconds())
}

// DuplicateAttempt counts a result dropped as a duplicate.
func (m *Metrics) DuplicateAttempt(worker model.WorkerType) {
	m.Duplicates.WithLabelValues(string(worker)).Inc()
}

// Halted counts a kill switch halt.
func (m *Metrics) Halted(_ context.Context, halt model.RunHalt, killedGapIDs []string) {
	m.HaltsTotal.WithLabelValues(string(halt.Reason)).Inc()
	m.GapsKilled.Add(float64(len(killedGapIDs)))
}

// Decided counts a gate decision.
func (m *Metrics) Decided(_ context.Context, d coverage.Decision) {
	m.GateDecisions.WithLabelValues(string(d.Decision)).Inc()
}

// observe publishes a snapshot as gauges. Runs that are no longer active
// are dropped.
func (m *Metrics) observe(snap *Snapshot) {
	m.RunCostCents.Reset()
	m.RunFailureRate.Reset()
	for _, r := range snap.Runs {
		m.RunCostCents.WithLabelValues(r.RunID).Set(float64(r.CostCents))
		m.RunFailureRate.WithLabelValues(r.RunID).Set(r.FailureRate)
	}
	m.ActiveRuns.Set(float64(len(snap.Runs)))
}
