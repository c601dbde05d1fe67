package cost

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-remediator/internal/model"
)

// Ledger is the storage the tracker reads and appends to.
type Ledger interface {
	InsertCost(ctx context.Context, entry model.CostEntry) error
	SumCost(ctx context.Context, runID string) (int64, error)
}

// Tracker accumulates spend per run. Entries are append-only; the run
// total is always their sum. Attempt costs are written by the attempt
// ledger inside its own transaction, Record is for spend outside attempts.
type Tracker struct {
	ledger   Ledger
	capCents int64
}

// NewTracker creates a Tracker enforcing capCents per run.
func NewTracker(l Ledger, capCents int64) *Tracker {
	return &Tracker{ledger: l, capCents: capCents}
}

// TotalFor returns the cumulative spend of the run in cents.
func (t *Tracker) TotalFor(ctx context.Context, runID string) (int64, error) {
	total, err := t.ledger.SumCost(ctx, runID)
	if err != nil {
		return 0, eris.Wrapf(err, "cost: total for run %s", runID)
	}
	return total, nil
}

// Record appends entry. Zero-cost entries are dropped.
func (t *Tracker) Record(ctx context.Context, entry model.CostEntry) error {
	if entry.RunID == "" {
		return eris.New("cost: run_id is required")
	}
	if entry.CostCents < 0 {
		return eris.Errorf("cost: negative amount %d", entry.CostCents)
	}
	if entry.CostCents == 0 {
		return nil
	}
	return eris.Wrap(t.ledger.InsertCost(ctx, entry), "cost: record")
}

// Remaining returns how many cents the run may still spend, never negative.
func (t *Tracker) Remaining(ctx context.Context, runID string) (int64, error) {
	total, err := t.TotalFor(ctx, runID)
	if err != nil {
		return 0, err
	}
	return max(t.capCents-total, 0), nil
}

// Cap returns the per-run budget in cents.
func (t *Tracker) Cap() int64 {
	return t.capCents
}
