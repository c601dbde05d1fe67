// Package queue holds the gap queue: deduplicated enqueue, priority-ordered
// dequeue and compare-and-swap state transitions.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/store"
)

var (
	// ErrInvalidCandidate is returned by Enqueue for malformed candidates.
	ErrInvalidCandidate = eris.New("queue: invalid gap candidate")
	// ErrNotClaimable is returned by Claim when the gap is not pending.
	ErrNotClaimable = eris.New("queue: gap is not pending")
)

// maxSwapRetries bounds how often Transition re-reads a gap after losing
// a compare-and-swap race.
const maxSwapRetries = 5

// Queue wraps a store with the gap state machine.
type Queue struct {
	store       store.Store
	locks       *KeyLock
	maxAttempts int
	now         func() time.Time
}

// New creates a Queue. maxAttempts is the default retry cap for gaps whose
// candidate does not carry one.
func New(st store.Store, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	return &Queue{
		store:       st,
		locks:       NewKeyLock(),
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Lock serializes work on a single gap. The ledger and the orchestrator
// hold it around claims and attempt writes.
func (q *Queue) Lock(gapID string) func() {
	return q.locks.Lock(gapID)
}

// Enqueue inserts a pending gap for c. A gap already queued for the same
// (run, competitor, gap type) is returned as is with created=false.
func (q *Queue) Enqueue(ctx context.Context, c model.GapCandidate) (model.Gap, bool, error) {
	if c.RunID == "" {
		return model.Gap{}, false, eris.Wrap(ErrInvalidCandidate, "run_id is required")
	}
	if c.CompetitorID == "" {
		return model.Gap{}, false, eris.Wrap(ErrInvalidCandidate, "competitor_id is required")
	}
	if !c.GapType.Valid() {
		return model.Gap{}, false, eris.Wrapf(ErrInvalidCandidate, "unknown gap_type %q", c.GapType)
	}
	priority := c.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !priority.Valid() {
		return model.Gap{}, false, eris.Wrapf(ErrInvalidCandidate, "unknown priority %q", c.Priority)
	}
	if c.MaxAttempts < 0 {
		return model.Gap{}, false, eris.Wrapf(ErrInvalidCandidate, "max_attempts %d is negative", c.MaxAttempts)
	}
	maxAttempts := c.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.maxAttempts
	}

	now := q.now()
	gap, created, err := q.store.InsertGap(ctx, model.Gap{
		RunID:           c.RunID,
		CompetitorID:    c.CompetitorID,
		GapType:         c.GapType,
		TargetUnitSizes: model.NormalizeUnitSizes(c.TargetUnitSizes),
		Priority:        priority,
		Status:          model.GapStatusPending,
		MaxAttempts:     maxAttempts,
		Competitor:      c.Competitor,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return model.Gap{}, false, eris.Wrap(err, "queue: enqueue")
	}
	if created {
		zap.L().Debug("queue: gap enqueued",
			zap.String("run_id", gap.RunID),
			zap.String("gap_id", gap.ID),
			zap.String("competitor_id", gap.CompetitorID),
			zap.String("gap_type", string(gap.GapType)),
		)
	}
	return gap, created, nil
}

// DequeueEligible returns up to limit pending gaps of the run, high priority
// first, then fewest attempts, then oldest. It does not claim them.
func (q *Queue) DequeueEligible(ctx context.Context, runID string, limit int) ([]model.Gap, error) {
	gaps, err := q.store.ListGaps(ctx, store.GapFilter{
		RunID:    runID,
		Statuses: []model.GapStatus{model.GapStatusPending},
		Limit:    limit,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "queue: dequeue run %s", runID)
	}
	return gaps, nil
}

// List returns the gaps matching filter in dispatch order, any status.
func (q *Queue) List(ctx context.Context, filter store.GapFilter) ([]model.Gap, error) {
	gaps, err := q.store.ListGaps(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list gaps")
	}
	return gaps, nil
}

// Get returns one gap.
func (q *Queue) Get(ctx context.Context, gapID string) (model.Gap, error) {
	g, err := q.store.GetGap(ctx, gapID)
	if err != nil {
		return model.Gap{}, eris.Wrapf(err, "queue: get gap %s", gapID)
	}
	return *g, nil
}

// Transition applies outcome to the gap. changed is false when the gap is
// terminal or the outcome does not apply to its status; the current record
// is returned either way.
func (q *Queue) Transition(ctx context.Context, gapID string, outcome model.Outcome) (gap model.Gap, changed bool, err error) {
	unlock := q.locks.Lock(gapID)
	defer unlock()
	return q.transition(ctx, gapID, outcome, nil)
}

// Claim moves a pending gap to in_progress for worker and returns it with
// the attempt number the dispatch must record.
func (q *Queue) Claim(ctx context.Context, gapID string, worker model.WorkerType) (model.Gap, int, error) {
	unlock := q.locks.Lock(gapID)
	defer unlock()

	gap, changed, err := q.transition(ctx, gapID, model.OutcomeStarted, func(g *model.Gap) {
		g.Worker = worker
	})
	if err != nil {
		return model.Gap{}, 0, err
	}
	if !changed {
		return gap, 0, eris.Wrapf(ErrNotClaimable, "gap %s is %s", gapID, gap.Status)
	}
	return gap, gap.NextAttemptNumber(), nil
}

func (q *Queue) transition(ctx context.Context, gapID string, outcome model.Outcome, mutate func(*model.Gap)) (model.Gap, bool, error) {
	for range maxSwapRetries {
		cur, err := q.store.GetGap(ctx, gapID)
		if err != nil {
			return model.Gap{}, false, eris.Wrapf(err, "queue: load gap %s", gapID)
		}

		next, ok := Next(*cur, outcome)
		if !ok {
			return *cur, false, nil
		}
		if mutate != nil {
			mutate(&next)
		}
		next.UpdatedAt = q.now()

		swapped, err := q.store.SwapGap(ctx, *cur, next)
		if err != nil {
			return model.Gap{}, false, eris.Wrapf(err, "queue: transition gap %s", gapID)
		}
		if swapped {
			zap.L().Debug("queue: gap transitioned",
				zap.String("gap_id", gapID),
				zap.String("outcome", string(outcome)),
				zap.String("from", string(cur.Status)),
				zap.String("to", string(next.Status)),
				zap.Int("attempt_count", next.AttemptCount),
			)
			return next, true, nil
		}
	}
	return model.Gap{}, false, eris.Errorf("queue: gap %s changed concurrently %d times", gapID, maxSwapRetries)
}
