// Package orchestrator drains a run's gap queue through the tier workers
// with a bounded worker pool, per-call timeouts and the kill switch checked
// before every dispatch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/rate-remediator/internal/config"
	"github.com/sells-group/rate-remediator/internal/killswitch"
	"github.com/sells-group/rate-remediator/internal/ledger"
	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/queue"
	"github.com/sells-group/rate-remediator/internal/resilience"
	"github.com/sells-group/rate-remediator/internal/store"
	"github.com/sells-group/rate-remediator/internal/tier"
)

const (
	// timeoutGrace is how long a worker that passed its deadline gets to
	// report spend before its result is abandoned.
	timeoutGrace = 2 * time.Second
	// recordTimeout bounds the attempt write, which must outlive a
	// cancelled run context.
	recordTimeout = 30 * time.Second
)

// Guard is the kill switch as seen by the orchestrator.
type Guard interface {
	Check(ctx context.Context, runID string) (killswitch.Verdict, error)
	RecordCall(ctx context.Context, worker model.WorkerType) error
}

// Budget reports what is left of a run's cost cap.
type Budget interface {
	Remaining(ctx context.Context, runID string) (int64, error)
	TotalFor(ctx context.Context, runID string) (int64, error)
	Record(ctx context.Context, entry model.CostEntry) error
}

// Recorder observes dispatch results.
type Recorder interface {
	AttemptRecorded(worker model.WorkerType, outcome model.Outcome, costCents int64, took time.Duration)
	DuplicateAttempt(worker model.WorkerType)
}

// RunReport summarizes one Run.
type RunReport struct {
	RunID        string           `json:"run_id"`
	Rounds       int              `json:"rounds"`
	Dispatched   int              `json:"dispatched"`
	Outcomes     map[string]int   `json:"outcomes"`
	Duplicates   int              `json:"duplicates"`
	Skipped      int              `json:"skipped"`
	CostCents    int64            `json:"cost_cents"`
	Halted       bool             `json:"halted"`
	HaltReason   model.HaltReason `json:"halt_reason,omitempty"`
	HaltDetail   string           `json:"halt_detail,omitempty"`
	KilledGapIDs []string         `json:"killed_gap_ids,omitempty"`
	Duration     time.Duration    `json:"duration_ns"`

	mu sync.Mutex
}

func (r *RunReport) add(f func(r *RunReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(r)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBreakers sets the per-tier circuit breakers.
func WithBreakers(b *resilience.TierBreakers) Option {
	return func(o *Orchestrator) { o.breakers = b }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// Orchestrator dispatches gaps to tier workers.
type Orchestrator struct {
	queue    *queue.Queue
	ledger   *ledger.Ledger
	guard    Guard
	budget   Budget
	workers  *tier.Registry
	limits   config.Guardrails
	tiers    config.TiersConfig
	limiters map[int]*rate.Limiter
	breakers *resilience.TierBreakers
	metrics  Recorder
}

// New creates an Orchestrator. limits must already be validated.
func New(q *queue.Queue, l *ledger.Ledger, guard Guard, budget Budget, workers *tier.Registry,
	limits config.Guardrails, tiers config.TiersConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:    q,
		ledger:   l,
		guard:    guard,
		budget:   budget,
		workers:  workers,
		limits:   limits,
		tiers:    tiers,
		limiters: make(map[int]*rate.Limiter, model.MaxTier+1),
	}
	for n := 0; n <= model.MaxTier; n++ {
		o.limiters[n] = newLimiter(tiers.ByTier(n))
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.breakers == nil {
		o.breakers = resilience.NewTierBreakers(resilience.BreakerConfig{})
	}
	return o
}

func newLimiter(tc config.TierConfig) *rate.Limiter {
	if tc.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(tc.RatePerSec), max(tc.Burst, 1))
}

// Run dispatches the run's pending gaps in rounds of at most
// ConcurrentCalls until none remain or the kill switch halts the run. A
// halt is reported, not returned as an error.
func (o *Orchestrator) Run(ctx context.Context, runID string) (*RunReport, error) {
	start := time.Now()
	report := &RunReport{RunID: runID, Outcomes: make(map[string]int)}
	log := zap.L().With(zap.String("run_id", runID))

	for {
		if err := ctx.Err(); err != nil {
			return o.finish(report, start), eris.Wrap(err, "orchestrator: run cancelled")
		}

		v, err := o.guard.Check(ctx, runID)
		if err != nil {
			return o.finish(report, start), eris.Wrap(err, "orchestrator: kill switch check")
		}
		if v.Halt {
			o.halted(ctx, report, v)
			break
		}

		gaps, err := o.queue.DequeueEligible(ctx, runID, o.limits.ConcurrentCalls)
		if err != nil {
			return o.finish(report, start), err
		}
		if len(gaps) == 0 {
			break
		}

		report.Rounds++
		log.Info("orchestrator: round", zap.Int("round", report.Rounds), zap.Int("gaps", len(gaps)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.limits.ConcurrentCalls)
		for _, gap := range gaps {
			g.Go(func() error {
				return o.dispatch(gctx, gap, report)
			})
		}
		if err := g.Wait(); err != nil {
			return o.finish(report, start), err
		}
	}

	if !report.Halted {
		// A guard rail crossed by the last round still halts the run.
		if v, err := o.guard.Check(ctx, runID); err == nil && v.Halt {
			o.halted(ctx, report, v)
		}
	}

	report = o.finish(report, start)
	if total, err := o.budget.TotalFor(ctx, runID); err == nil {
		report.CostCents = total
	}
	log.Info("orchestrator: run finished",
		zap.Int("rounds", report.Rounds),
		zap.Int("dispatched", report.Dispatched),
		zap.Int64("cost_cents", report.CostCents),
		zap.Bool("halted", report.Halted),
	)
	return report, nil
}

func (o *Orchestrator) finish(r *RunReport, start time.Time) *RunReport {
	r.Duration = time.Since(start)
	return r
}

// halted fills the report with the halt and the gaps it killed.
func (o *Orchestrator) halted(ctx context.Context, r *RunReport, v killswitch.Verdict) {
	r.Halted = true
	r.HaltReason = v.Reason
	r.HaltDetail = v.Detail

	gaps, err := o.queue.List(ctx, store.GapFilter{RunID: r.RunID, Statuses: []model.GapStatus{model.GapStatusFailed}})
	if err != nil {
		zap.L().Warn("orchestrator: list killed gaps", zap.String("run_id", r.RunID), zap.Error(err))
		return
	}
	for _, g := range gaps {
		if g.LastErrorCode == killswitch.ErrorCodeKilled {
			r.KilledGapIDs = append(r.KilledGapIDs, g.ID)
		}
	}
	zap.L().Warn("orchestrator: run halted",
		zap.String("run_id", r.RunID),
		zap.String("reason", string(v.Reason)),
		zap.Int("gaps_killed", len(r.KilledGapIDs)),
	)
}

// dispatch runs one attempt of gap. Worker failures are recorded, not
// returned; only storage failures abort the round.
func (o *Orchestrator) dispatch(ctx context.Context, gap model.Gap, report *RunReport) error {
	log := zap.L().With(zap.String("run_id", gap.RunID), zap.String("gap_id", gap.ID))

	v, err := o.guard.Check(ctx, gap.RunID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: kill switch check")
	}
	if v.Halt {
		report.add(func(r *RunReport) { r.Skipped++ })
		return nil
	}

	history, err := o.ledger.History(ctx, gap.ID)
	if err != nil {
		return err
	}
	level, ok := tier.NextTier(history, gap.AttemptsLeft(), o.workers.Has)
	if !ok {
		return eris.Errorf("orchestrator: no tier worker registered for gap %s", gap.ID)
	}
	worker, _ := o.workers.Get(level)

	claimed, number, err := o.queue.Claim(ctx, gap.ID, worker.Type())
	if errors.Is(err, queue.ErrNotClaimable) {
		report.add(func(r *RunReport) { r.Skipped++ })
		return nil
	}
	if err != nil {
		return err
	}
	log = log.With(zap.String("worker", string(worker.Type())), zap.Int("attempt", number))

	start := time.Now()
	out := o.execute(ctx, worker, claimed, number, history)
	took := time.Since(start)
	attempt := out.ToAttempt(claimed, worker.Type(), number, took)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if worker.Type() == model.WorkerTier3Call && attempt.Metadata[tier.MetaCallID] != nil {
		if err := o.guard.RecordCall(rctx, worker.Type()); err != nil {
			log.Warn("orchestrator: count call", zap.Error(err))
		}
	}

	res, err := o.ledger.Record(rctx, attempt)
	switch {
	case errors.Is(err, ledger.ErrGapTerminal), errors.Is(err, ledger.ErrAttemptSequence), errors.Is(err, ledger.ErrInvalidAttempt):
		log.Warn("orchestrator: attempt rejected", zap.Error(err))
		report.add(func(r *RunReport) { r.Skipped++ })
		return nil
	case err != nil:
		return err
	}

	if res.WasDuplicate {
		if o.metrics != nil {
			o.metrics.DuplicateAttempt(worker.Type())
		}
		// The kill took this attempt number, but the provider call still ran.
		if res.Attempt.ErrorCode == killswitch.ErrorCodeKilled && attempt.CostCents > 0 {
			if err := o.budget.Record(rctx, model.CostEntry{
				RunID:     gap.RunID,
				Service:   string(worker.Type()),
				Operation: "killed_attempt",
				CostCents: attempt.CostCents,
			}); err != nil {
				return eris.Wrapf(err, "orchestrator: record late spend for %s", gap.ID)
			}
			log.Info("orchestrator: late spend after kill recorded", zap.Int64("cost_cents", attempt.CostCents))
		}
		report.add(func(r *RunReport) { r.Duplicates++ })
		return nil
	}
	if o.metrics != nil {
		o.metrics.AttemptRecorded(worker.Type(), attempt.Outcome, attempt.CostCents, took)
	}
	report.add(func(r *RunReport) {
		r.Dispatched++
		r.Outcomes[string(attempt.Outcome)]++
	})
	return nil
}

// execute runs the worker under the tier's budget, limiter, breaker and
// hard timeout.
func (o *Orchestrator) execute(ctx context.Context, w tier.Worker, gap model.Gap, number int, history []model.Attempt) tier.Outcome {
	level := w.Type().Tier()
	tc := o.tiers.ByTier(level)

	remaining, err := o.budget.Remaining(ctx, gap.RunID)
	if err != nil {
		return tier.Failed(tier.CodeProviderError, "budget lookup: "+err.Error())
	}
	cfg := tier.Config{
		BudgetCeilingCents: o.limits.BudgetCeilingCents(tc.BudgetFraction),
		RemainingCents:     remaining,
		AttemptNumber:      number,
		Timeout:            o.timeout(level, tc),
		Hints:              tier.Hints(gap, history),
	}
	if tc.EstimatedCents > cfg.Ceiling() {
		return tier.CostExceeded(fmt.Sprintf("estimated %d cents exceeds %d available", tc.EstimatedCents, cfg.Ceiling()), 0)
	}

	tctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := o.limiters[level].Wait(tctx); err != nil {
		return tier.Timeout("waiting for rate limiter: " + err.Error())
	}

	breaker := o.breakers.Get(w.Type())
	if err := breaker.Allow(); err != nil {
		return tier.Failed(tier.CodeCircuitOpen, err.Error())
	}

	done := make(chan tier.Outcome, 1)
	go func() { done <- w.Attempt(tctx, gap, cfg) }()

	var out tier.Outcome
	select {
	case out = <-done:
		if out.Status != model.OutcomeCompleted && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			out = timedOut(out, cfg.Timeout)
		}
	case <-tctx.Done():
		out = o.abandon(done, cfg.Timeout)
	}
	breaker.Record(breakerFailure(out))
	return out
}

// abandon waits briefly for a worker past its deadline so its spend is
// still recorded, then reports a timeout.
func (o *Orchestrator) abandon(done <-chan tier.Outcome, limit time.Duration) tier.Outcome {
	select {
	case late := <-done:
		return timedOut(late, limit)
	case <-time.After(timeoutGrace):
		return tier.Timeout(fmt.Sprintf("no result within %s", limit))
	}
}

// timedOut reports a timeout that keeps the spend and metadata of late.
func timedOut(late tier.Outcome, limit time.Duration) tier.Outcome {
	t := tier.Timeout(fmt.Sprintf("no result within %s", limit))
	t.CostCents = late.CostCents
	t.Metadata = late.Metadata
	return t
}

func (o *Orchestrator) timeout(level int, tc config.TierConfig) time.Duration {
	if tc.TimeoutMS > 0 {
		return time.Duration(tc.TimeoutMS) * time.Millisecond
	}
	if level == model.MaxTier {
		return o.limits.CallTimeout()
	}
	return o.limits.FetchTimeout()
}

// breakerFailure reports whether out reflects an unhealthy provider, as
// opposed to a gap the tier could not answer.
func breakerFailure(out tier.Outcome) bool {
	if out.Err == nil {
		return false
	}
	switch out.Err.Code {
	case tier.CodeProviderError, tier.CodeTimeout, tier.CodeScrapeFailed:
		return true
	}
	return false
}
