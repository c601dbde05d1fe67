package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-remediator/internal/model"
)

// RunSnapshot is a point-in-time view of one active run.
type RunSnapshot struct {
	RunID       string             `json:"run_id"`
	CostCents   int64              `json:"cost_cents"`
	Stats       model.AttemptStats `json:"stats"`
	FailureRate float64            `json:"failure_rate"`
}

// Snapshot holds every active run.
type Snapshot struct {
	Runs        []RunSnapshot `json:"runs"`
	CollectedAt time.Time     `json:"collected_at"`
}

// RunSource abstracts the store methods needed by the collector.
type RunSource interface {
	ActiveRunIDs(ctx context.Context) ([]string, error)
	SumCost(ctx context.Context, runID string) (int64, error)
	AttemptStats(ctx context.Context, runID string) (model.AttemptStats, error)
}

// Collector gathers run metrics from the store.
type Collector struct {
	source RunSource
}

// NewCollector creates a new metrics collector.
func NewCollector(src RunSource) *Collector {
	return &Collector{source: src}
}

// Collect gathers a snapshot of every run with pending or in-progress gaps.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	ids, err := c.source.ActiveRunIDs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: active runs")
	}

	snap := &Snapshot{Runs: make([]RunSnapshot, 0, len(ids)), CollectedAt: time.Now().UTC()}
	for _, id := range ids {
		spent, err := c.source.SumCost(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: cost of run %s", id)
		}
		stats, err := c.source.AttemptStats(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: attempt stats of run %s", id)
		}
		snap.Runs = append(snap.Runs, RunSnapshot{
			RunID:       id,
			CostCents:   spent,
			Stats:       stats,
			FailureRate: stats.FailureRate(),
		})
	}
	return snap, nil
}
