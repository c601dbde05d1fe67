// Package ledger records attempts exactly once per (gap_id, attempt_number)
// and applies the resulting gap transition and cost entry atomically.
package ledger

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/queue"
	"github.com/sells-group/rate-remediator/internal/store"
)

var (
	// ErrInvalidAttempt marks malformed attempt input.
	ErrInvalidAttempt = eris.New("ledger: invalid attempt")
	// ErrAttemptSequence is returned for a new attempt whose number is not
	// the gap's attempt_count + 1.
	ErrAttemptSequence = eris.New("ledger: attempt number out of sequence")
	// ErrGapTerminal is returned for a new attempt on a resolved or failed gap.
	ErrGapTerminal = eris.New("ledger: gap is terminal")
)

// Result describes what Record did.
type Result struct {
	Attempt      model.Attempt
	Gap          model.Gap
	Logged       bool
	WasDuplicate bool
	GapUpdated   bool
}

// Ledger is the attempt log.
type Ledger struct {
	store store.Store
	queue *queue.Queue
}

// New creates a Ledger. The queue provides the per-gap lock and the claim
// transition used for started outcomes.
func New(st store.Store, q *queue.Queue) *Ledger {
	return &Ledger{store: st, queue: q}
}

// Record logs attempt a. A repeat of an already stored (gap_id,
// attempt_number) returns the stored record and the current gap without
// touching either, and charges no cost. started outcomes only claim the gap.
func (l *Ledger) Record(ctx context.Context, a model.Attempt) (Result, error) {
	if err := validate(a); err != nil {
		return Result{}, err
	}
	if a.Outcome == model.OutcomeStarted {
		return l.claim(ctx, a)
	}

	unlock := l.queue.Lock(a.GapID)
	defer unlock()

	var cost *model.CostEntry
	if a.CostCents > 0 {
		cost = &model.CostEntry{
			RunID:     a.RunID,
			Service:   string(a.WorkerType),
			Operation: "attempt",
			CostCents: a.CostCents,
		}
	}

	res, err := l.store.RecordAttempt(ctx, a, cost, apply)
	if err != nil {
		return Result{}, eris.Wrapf(err, "ledger: record %s#%d", a.GapID, a.AttemptNumber)
	}

	log := zap.L().With(
		zap.String("run_id", a.RunID),
		zap.String("gap_id", a.GapID),
		zap.Int("attempt", a.AttemptNumber),
		zap.String("worker", string(a.WorkerType)),
	)
	if res.WasDuplicate {
		log.Debug("ledger: duplicate attempt ignored", zap.String("stored_outcome", string(res.Attempt.Outcome)))
	} else {
		log.Info("ledger: attempt recorded",
			zap.String("outcome", string(a.Outcome)),
			zap.Int64("cost_cents", a.CostCents),
			zap.String("gap_status", string(res.Gap.Status)),
			zap.String("error_code", a.ErrorCode),
		)
	}

	return Result{
		Attempt:      res.Attempt,
		Gap:          res.Gap,
		Logged:       !res.WasDuplicate,
		WasDuplicate: res.WasDuplicate,
		GapUpdated:   res.GapUpdated,
	}, nil
}

// History returns the attempts of a gap in attempt-number order.
func (l *Ledger) History(ctx context.Context, gapID string) ([]model.Attempt, error) {
	attempts, err := l.store.ListAttempts(ctx, gapID)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: history %s", gapID)
	}
	return attempts, nil
}

func (l *Ledger) claim(ctx context.Context, a model.Attempt) (Result, error) {
	cur, err := l.store.GetGap(ctx, a.GapID)
	if err != nil {
		return Result{}, eris.Wrapf(err, "ledger: load gap %s", a.GapID)
	}
	if cur.RunID != a.RunID {
		return Result{}, eris.Wrapf(ErrInvalidAttempt, "gap %s belongs to run %s", cur.ID, cur.RunID)
	}
	if cur.Status == model.GapStatusPending && a.AttemptNumber != cur.NextAttemptNumber() {
		return Result{}, eris.Wrapf(ErrAttemptSequence, "gap %s expects attempt %d, got %d",
			cur.ID, cur.NextAttemptNumber(), a.AttemptNumber)
	}

	gap, _, err := l.queue.Claim(ctx, a.GapID, a.WorkerType)
	if errors.Is(err, queue.ErrNotClaimable) {
		return Result{Gap: gap}, nil
	}
	if err != nil {
		return Result{}, eris.Wrap(err, "ledger: claim")
	}
	return Result{Gap: gap, GapUpdated: true}, nil
}

// apply runs inside the store transaction once the attempt row is known to
// be new.
func apply(g model.Gap, a model.Attempt) (model.Gap, bool, error) {
	if g.RunID != a.RunID {
		return g, false, eris.Wrapf(ErrInvalidAttempt, "gap %s belongs to run %s", g.ID, g.RunID)
	}
	if g.Status.Terminal() {
		return g, false, eris.Wrapf(ErrGapTerminal, "gap %s is %s", g.ID, g.Status)
	}
	if a.AttemptNumber != g.NextAttemptNumber() {
		return g, false, eris.Wrapf(ErrAttemptSequence, "gap %s expects attempt %d, got %d",
			g.ID, g.NextAttemptNumber(), a.AttemptNumber)
	}

	cur := g
	// A final outcome for a gap nobody claimed through the ledger implies
	// the claim.
	if cur.Status == model.GapStatusPending && a.Outcome != model.OutcomeKilled {
		cur, _ = queue.Next(cur, model.OutcomeStarted)
	}
	next, ok := queue.Next(cur, a.Outcome)
	if !ok {
		return g, false, nil
	}

	next.Worker = a.WorkerType
	switch {
	case a.Outcome == model.OutcomeCompleted:
		next.LastErrorCode = ""
		next.LastError = ""
	default:
		next.LastErrorCode = a.ErrorCode
		next.LastError = a.ErrorMessage
	}
	return next, true, nil
}

func validate(a model.Attempt) error {
	switch {
	case a.GapID == "":
		return eris.Wrap(ErrInvalidAttempt, "gap_id is required")
	case a.RunID == "":
		return eris.Wrap(ErrInvalidAttempt, "run_id is required")
	case !a.WorkerType.Valid():
		return eris.Wrapf(ErrInvalidAttempt, "unknown worker_type %q", a.WorkerType)
	case !a.Outcome.Valid():
		return eris.Wrapf(ErrInvalidAttempt, "unknown outcome %q", a.Outcome)
	case a.AttemptNumber < 1:
		return eris.Wrapf(ErrInvalidAttempt, "attempt_number must be >= 1, got %d", a.AttemptNumber)
	case a.DurationMS < 0:
		return eris.Wrap(ErrInvalidAttempt, "duration_ms must not be negative")
	case a.CostCents < 0:
		return eris.Wrap(ErrInvalidAttempt, "cost_cents must not be negative")
	}
	return nil
}
