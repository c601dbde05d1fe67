package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rate-remediator/internal/config"
	"github.com/sells-group/rate-remediator/internal/cost"
	"github.com/sells-group/rate-remediator/internal/killswitch"
	"github.com/sells-group/rate-remediator/internal/ledger"
	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/queue"
	"github.com/sells-group/rate-remediator/internal/resilience"
	"github.com/sells-group/rate-remediator/internal/store"
	"github.com/sells-group/rate-remediator/internal/tier"
)

type stubWorker struct {
	worker model.WorkerType
	calls  atomic.Int32
	fn     func(ctx context.Context, g model.Gap, cfg tier.Config) tier.Outcome
}

func (w *stubWorker) Type() model.WorkerType { return w.worker }

func (w *stubWorker) Attempt(ctx context.Context, g model.Gap, cfg tier.Config) tier.Outcome {
	w.calls.Add(1)
	return w.fn(ctx, g, cfg)
}

func stub(worker model.WorkerType, fn func(ctx context.Context, g model.Gap, cfg tier.Config) tier.Outcome) *stubWorker {
	return &stubWorker{worker: worker, fn: fn}
}

func resolved(g model.Gap) tier.Outcome {
	return tier.Outcome{
		Status:          model.OutcomeCompleted,
		Rates:           []model.Rate{{UnitSize: "10x10", MonthlyCents: 12900, Source: "https://example.com/" + g.CompetitorID}},
		SourceReference: "https://example.com/" + g.CompetitorID,
		Confidence:      0.8,
	}
}

func needsNext(code string) tier.Outcome {
	o := tier.Failed(code, "nothing found")
	o.NeedsNextTier = true
	return o
}

type countingRecorder struct {
	mu         sync.Mutex
	outcomes   map[model.Outcome]int
	duplicates int
}

func (r *countingRecorder) AttemptRecorded(_ model.WorkerType, o model.Outcome, _ int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[model.Outcome]int)
	}
	r.outcomes[o]++
}

func (r *countingRecorder) DuplicateAttempt(model.WorkerType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates++
}

type memCounter struct{ n atomic.Int64 }

func (c *memCounter) Increment(context.Context, model.WorkerType) (int64, error) {
	return c.n.Add(1), nil
}

func (c *memCounter) Count(context.Context, model.WorkerType) (int64, error) { return c.n.Load(), nil }

type fixture struct {
	store    *store.SQLiteStore
	queue    *queue.Queue
	ledger   *ledger.Ledger
	ks       *killswitch.KillSwitch
	tracker  *cost.Tracker
	calls    *memCounter
	metrics  *countingRecorder
	limits   config.Guardrails
	tiers    config.TiersConfig
	breakers *resilience.TierBreakers
}

func newFixture(t *testing.T, limits config.Guardrails) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	q := queue.New(st, limits.MaxAttempts)
	tracker := cost.NewTracker(st, limits.CostCapCents)
	calls := &memCounter{}
	return &fixture{
		store:    st,
		queue:    q,
		ledger:   ledger.New(st, q),
		ks:       killswitch.New(st, tracker, limits, killswitch.WithCallCounter(calls)),
		tracker:  tracker,
		calls:    calls,
		metrics:  &countingRecorder{},
		limits:   limits,
		breakers: resilience.NewTierBreakers(resilience.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}),
	}
}

func (f *fixture) orchestrator(workers ...tier.Worker) *Orchestrator {
	return New(f.queue, f.ledger, f.ks, f.tracker, tier.NewRegistry(workers...), f.limits, f.tiers,
		WithBreakers(f.breakers), WithRecorder(f.metrics))
}

func (f *fixture) enqueue(t *testing.T, competitorID string, maxAttempts int) model.Gap {
	t.Helper()
	g, _, err := f.queue.Enqueue(context.Background(), model.GapCandidate{
		RunID:           "run-1",
		CompetitorID:    competitorID,
		GapType:         model.GapTypeMissingRents,
		TargetUnitSizes: []string{"10x10"},
		MaxAttempts:     maxAttempts,
		Competitor:      model.Competitor{Name: "Acme Storage " + competitorID, Phone: "+15555550100"},
	})
	require.NoError(t, err)
	return g
}

func (f *fixture) gap(t *testing.T, id string) model.Gap {
	t.Helper()
	g, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (f *fixture) history(t *testing.T, id string) []model.Attempt {
	t.Helper()
	h, err := f.ledger.History(context.Background(), id)
	require.NoError(t, err)
	return h
}

func TestRun_EscalatesUntilResolved(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	g := f.enqueue(t, "comp-a", 3)

	lookup := stub(model.WorkerTier0Lookup, func(context.Context, model.Gap, tier.Config) tier.Outcome {
		o := needsNext(tier.CodeNeedsNextTier)
		o.Metadata = map[string]any{tier.MetaWebsite: "acme.example.com"}
		return o
	})
	search := stub(model.WorkerTier1Search, func(context.Context, model.Gap, tier.Config) tier.Outcome {
		o := needsNext(tier.CodeNeedsNextTier)
		o.CostCents = 1
		return o
	})
	var sawWebsite string
	scrape := stub(model.WorkerTier2Scrape, func(_ context.Context, g model.Gap, cfg tier.Config) tier.Outcome {
		sawWebsite = cfg.Hints[tier.MetaWebsite]
		return resolved(g)
	})

	report, err := f.orchestrator(lookup, search, scrape).Run(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, 3, report.Rounds)
	assert.Equal(t, 3, report.Dispatched)
	assert.Equal(t, 1, report.Outcomes[string(model.OutcomeCompleted)])
	assert.Equal(t, 2, report.Outcomes[string(model.OutcomeFailed)])
	assert.Equal(t, int64(1), report.CostCents)
	assert.False(t, report.Halted)
	assert.Equal(t, "acme.example.com", sawWebsite)

	got := f.gap(t, g.ID)
	assert.Equal(t, model.GapStatusResolved, got.Status)
	assert.Equal(t, 2, got.AttemptCount)

	h := f.history(t, g.ID)
	require.Len(t, h, 3)
	assert.Equal(t, model.WorkerTier0Lookup, h[0].WorkerType)
	assert.Equal(t, model.WorkerTier1Search, h[1].WorkerType)
	assert.Equal(t, model.WorkerTier2Scrape, h[2].WorkerType)
	assert.Equal(t, []int{1, 2, 3}, []int{h[0].AttemptNumber, h[1].AttemptNumber, h[2].AttemptNumber})

	assert.Equal(t, 1, f.metrics.outcomes[model.OutcomeCompleted])
}

func TestRun_RetryCapFailsGap(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	g := f.enqueue(t, "comp-a", 2)

	search := stub(model.WorkerTier1Search, func(context.Context, model.Gap, tier.Config) tier.Outcome {
		return tier.Failed(tier.CodeNoMatch, "no listing")
	})

	report, err := f.orchestrator(search).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Dispatched)
	assert.Equal(t, int32(2), search.calls.Load())

	got := f.gap(t, g.ID)
	assert.Equal(t, model.GapStatusFailed, got.Status)
	assert.Equal(t, tier.CodeNoMatch, got.LastErrorCode)
}

func TestRun_HardTimeoutKeepsLateSpend(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	f.tiers.Tier0 = config.TierConfig{TimeoutMS: 20}
	g := f.enqueue(t, "comp-a", 1)

	slow := stub(model.WorkerTier0Lookup, func(ctx context.Context, _ model.Gap, _ tier.Config) tier.Outcome {
		<-ctx.Done()
		return tier.Outcome{Status: model.OutcomeFailed, CostCents: 7}
	})

	report, err := f.orchestrator(slow).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[string(model.OutcomeTimeout)])

	h := f.history(t, g.ID)
	require.Len(t, h, 1)
	assert.Equal(t, model.OutcomeTimeout, h[0].Outcome)
	assert.Equal(t, tier.CodeTimeout, h[0].ErrorCode)
	assert.Equal(t, int64(7), h[0].CostCents)

	total, err := f.tracker.TotalFor(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
}

func TestRun_OpenCircuitSkipsProvider(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	g := f.enqueue(t, "comp-a", 1)
	f.breakers.Get(model.WorkerTier0Lookup).Record(true)

	lookup := stub(model.WorkerTier0Lookup, func(_ context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		return resolved(g)
	})

	_, err := f.orchestrator(lookup).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Zero(t, lookup.calls.Load())

	h := f.history(t, g.ID)
	require.Len(t, h, 1)
	assert.Equal(t, model.OutcomeFailed, h[0].Outcome)
	assert.Equal(t, tier.CodeCircuitOpen, h[0].ErrorCode)
}

func TestRun_ProviderFailuresOpenCircuit(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	f.limits.ConcurrentCalls = 1
	f.enqueue(t, "comp-a", 1)
	f.enqueue(t, "comp-b", 1)

	search := stub(model.WorkerTier1Search, func(context.Context, model.Gap, tier.Config) tier.Outcome {
		return tier.Failed(tier.CodeProviderError, "upstream 503")
	})

	_, err := f.orchestrator(search).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), search.calls.Load())
	assert.Equal(t, resilience.CircuitOpen, f.breakers.Get(model.WorkerTier1Search).State())
}

func TestRun_EstimateOverCeilingIsCostExceeded(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	f.tiers.Tier3 = config.TierConfig{EstimatedCents: 600}
	g := f.enqueue(t, "comp-a", 1)

	call := stub(model.WorkerTier3Call, func(_ context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		return resolved(g)
	})

	_, err := f.orchestrator(call).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Zero(t, call.calls.Load())

	h := f.history(t, g.ID)
	require.Len(t, h, 1)
	assert.Equal(t, model.OutcomeCostExceeded, h[0].Outcome)
	assert.Equal(t, tier.CodeBudgetExceeded, h[0].ErrorCode)
	assert.Zero(t, h[0].CostCents)
}

func TestRun_CostExceededFallsBack(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	g := f.enqueue(t, "comp-a", 3)

	var scrapes atomic.Int32
	scrape := stub(model.WorkerTier2Scrape, func(_ context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		if scrapes.Add(1) == 1 {
			return needsNext(tier.CodeNoMatch)
		}
		return resolved(g)
	})
	var ceiling int64
	call := stub(model.WorkerTier3Call, func(_ context.Context, _ model.Gap, cfg tier.Config) tier.Outcome {
		ceiling = cfg.Ceiling()
		return tier.CostExceeded("call reached ceiling", 40)
	})

	_, err := f.orchestrator(scrape, call).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), ceiling)

	h := f.history(t, g.ID)
	require.Len(t, h, 3)
	assert.Equal(t, []model.WorkerType{model.WorkerTier2Scrape, model.WorkerTier3Call, model.WorkerTier2Scrape},
		[]model.WorkerType{h[0].WorkerType, h[1].WorkerType, h[2].WorkerType})
	assert.Equal(t, model.OutcomeCostExceeded, h[1].Outcome)
	assert.Equal(t, model.GapStatusResolved, f.gap(t, g.ID).Status)
}

func TestRun_BoundedConcurrency(t *testing.T) {
	limits := config.DefaultGuardrails()
	limits.ConcurrentCalls = 3
	f := newFixture(t, limits)
	for i := range 10 {
		f.enqueue(t, fmt.Sprintf("comp-%02d", i), 1)
	}

	var inFlight, peak atomic.Int32
	lookup := stub(model.WorkerTier0Lookup, func(_ context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return resolved(g)
	})

	report, err := f.orchestrator(lookup).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 4, report.Rounds)
	assert.Equal(t, 10, report.Outcomes[string(model.OutcomeCompleted)])

	pending, err := f.queue.DequeueEligible(context.Background(), "run-1", 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRun_KillDuringDispatchKeepsLateSpend(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	g := f.enqueue(t, "comp-a", 3)

	lookup := stub(model.WorkerTier0Lookup, func(ctx context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		_, err := f.ks.Trigger(ctx, g.RunID, model.HaltManual, "ops@example.com", "bad data source")
		assert.NoError(t, err)
		o := resolved(g)
		o.CostCents = 25
		return o
	})

	report, err := f.orchestrator(lookup).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, report.Halted)
	assert.Equal(t, model.HaltManual, report.HaltReason)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, []string{g.ID}, report.KilledGapIDs)
	assert.Equal(t, int64(25), report.CostCents)
	assert.Equal(t, 1, f.metrics.duplicates)

	total, err := f.tracker.TotalFor(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)

	got := f.gap(t, g.ID)
	assert.Equal(t, model.GapStatusFailed, got.Status)
	assert.Equal(t, killswitch.ErrorCodeKilled, got.LastErrorCode)

	h := f.history(t, g.ID)
	require.Len(t, h, 1)
	assert.Equal(t, model.OutcomeKilled, h[0].Outcome)
}

func TestRun_TierHandoffsDoNotTripFailureRate(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	for i := range 10 {
		f.enqueue(t, fmt.Sprintf("comp-%02d", i), 0)
	}

	lookup := stub(model.WorkerTier0Lookup, func(context.Context, model.Gap, tier.Config) tier.Outcome {
		return needsNext(tier.CodeNeedsNextTier)
	})
	search := stub(model.WorkerTier1Search, func(_ context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		return resolved(g)
	})

	report, err := f.orchestrator(lookup, search).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, report.Halted)
	assert.Empty(t, report.KilledGapIDs)
	assert.Equal(t, int32(10), search.calls.Load())
	assert.Equal(t, 10, report.Outcomes[string(model.OutcomeFailed)])
	assert.Equal(t, 10, report.Outcomes[string(model.OutcomeCompleted)])

	stats, err := f.store.AttemptStats(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Total)
	assert.Zero(t, stats.Failures)
}

func TestRun_DefaultCapReachesTier3(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	g := f.enqueue(t, "comp-a", 0)

	handoff := func(context.Context, model.Gap, tier.Config) tier.Outcome {
		return needsNext(tier.CodeNeedsNextTier)
	}
	lookup := stub(model.WorkerTier0Lookup, handoff)
	search := stub(model.WorkerTier1Search, handoff)
	scrape := stub(model.WorkerTier2Scrape, handoff)
	call := stub(model.WorkerTier3Call, func(_ context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		return resolved(g)
	})

	_, err := f.orchestrator(lookup, search, scrape, call).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), call.calls.Load())
	assert.Zero(t, scrape.calls.Load())

	got := f.gap(t, g.ID)
	assert.Equal(t, model.GapStatusResolved, got.Status)
	assert.Equal(t, 2, got.AttemptCount)

	h := f.history(t, g.ID)
	require.Len(t, h, 3)
	assert.Equal(t, []model.WorkerType{model.WorkerTier0Lookup, model.WorkerTier1Search, model.WorkerTier3Call},
		[]model.WorkerType{h[0].WorkerType, h[1].WorkerType, h[2].WorkerType})
}

func TestRun_CostCapHaltsRun(t *testing.T) {
	limits := config.DefaultGuardrails()
	limits.CostCapCents = 100
	limits.ConcurrentCalls = 1
	f := newFixture(t, limits)
	for _, id := range []string{"comp-a", "comp-b", "comp-c"} {
		f.enqueue(t, id, 1)
	}

	lookup := stub(model.WorkerTier0Lookup, func(_ context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		o := resolved(g)
		o.CostCents = 60
		return o
	})

	report, err := f.orchestrator(lookup).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, report.Halted)
	assert.Equal(t, model.HaltCostCap, report.HaltReason)
	assert.Equal(t, int32(2), lookup.calls.Load())
	assert.Len(t, report.KilledGapIDs, 1)
	assert.Equal(t, int64(120), report.CostCents)

	_, err = f.orchestrator(lookup).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), lookup.calls.Load(), "halted run must not dispatch")
}

func TestRun_CountsPlacedCalls(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	f.enqueue(t, "comp-a", 1)

	call := stub(model.WorkerTier3Call, func(_ context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		o := resolved(g)
		o.SourceReference = "call:abc"
		o.Metadata = map[string]any{tier.MetaCallID: "abc"}
		return o
	})

	_, err := f.orchestrator(call).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.calls.n.Load())
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	f.enqueue(t, "comp-a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lookup := stub(model.WorkerTier0Lookup, func(_ context.Context, g model.Gap, _ tier.Config) tier.Outcome {
		return resolved(g)
	})
	report, err := f.orchestrator(lookup).Run(ctx, "run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Dispatched)
}

func TestRun_NoWorkers(t *testing.T) {
	f := newFixture(t, config.DefaultGuardrails())
	f.enqueue(t, "comp-a", 1)

	_, err := f.orchestrator().Run(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tier worker")
}

func TestBreakerFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		out  tier.Outcome
		want bool
	}{
		{name: "completed", out: tier.Outcome{Status: model.OutcomeCompleted}},
		{name: "no_data", out: tier.Failed(tier.CodeNoMatch, "none")},
		{name: "provider", out: tier.Failed(tier.CodeProviderError, "503"), want: true},
		{name: "timeout", out: tier.Timeout("slow"), want: true},
		{name: "scrape", out: tier.Failed(tier.CodeScrapeFailed, "blocked"), want: true},
		{name: "budget", out: tier.CostExceeded("cap", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, breakerFailure(tt.out))
		})
	}
}
