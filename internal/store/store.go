package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-remediator/internal/model"
)

// ErrNotFound is returned when a gap does not exist.
var ErrNotFound = eris.New("store: not found")

// GapFilter specifies criteria for listing gaps. Empty fields match everything.
type GapFilter struct {
	RunID         string            `json:"run_id,omitempty"`
	Statuses      []model.GapStatus `json:"statuses,omitempty"`
	GapTypes      []model.GapType   `json:"gap_types,omitempty"`
	Priorities    []model.Priority  `json:"priorities,omitempty"`
	CompetitorIDs []string          `json:"competitor_ids,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

// ApplyFunc computes the gap state that results from recording attempt a.
// changed is false when the gap must be left untouched. A non-nil error
// aborts the write.
type ApplyFunc func(g model.Gap, a model.Attempt) (next model.Gap, changed bool, err error)

// KillFunc builds the killed state of an active gap and the attempt that
// documents it.
type KillFunc func(g model.Gap) (model.Gap, model.Attempt)

// RecordResult is the outcome of RecordAttempt.
type RecordResult struct {
	Attempt      model.Attempt
	Gap          model.Gap
	WasDuplicate bool
	GapUpdated   bool
}

// KillResult is the outcome of KillRun.
type KillResult struct {
	Halt          model.RunHalt
	AlreadyHalted bool
	KilledGapIDs  []string
}

// Store defines the persistence interface for the remediation engine.
type Store interface {
	// Gaps
	InsertGap(ctx context.Context, gap model.Gap) (model.Gap, bool, error)
	GetGap(ctx context.Context, gapID string) (*model.Gap, error)
	ListGaps(ctx context.Context, filter GapFilter) ([]model.Gap, error)
	SwapGap(ctx context.Context, prev, next model.Gap) (bool, error)
	ActiveRunIDs(ctx context.Context) ([]string, error)

	// Attempts
	RecordAttempt(ctx context.Context, attempt model.Attempt, cost *model.CostEntry, apply ApplyFunc) (RecordResult, error)
	ListAttempts(ctx context.Context, gapID string) ([]model.Attempt, error)
	ListRunAttempts(ctx context.Context, runID string) ([]model.Attempt, error)
	AttemptStats(ctx context.Context, runID string) (model.AttemptStats, error)
	CountCallsSince(ctx context.Context, worker model.WorkerType, since time.Time) (int, error)

	// Costs
	InsertCost(ctx context.Context, entry model.CostEntry) error
	SumCost(ctx context.Context, runID string) (int64, error)

	// Halts
	KillRun(ctx context.Context, halt model.RunHalt, kill KillFunc) (KillResult, error)
	GetHalt(ctx context.Context, runID string) (*model.RunHalt, error)
	DeleteHalt(ctx context.Context, runID string) (bool, error)

	// Promotion audit
	InsertPromotion(ctx context.Context, rec model.PromotionRecord) error
	ListPromotions(ctx context.Context, runID string) ([]model.PromotionRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
