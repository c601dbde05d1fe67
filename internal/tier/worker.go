// Package tier implements the escalating data-collection workers that try to
// resolve a gap, from a free map lookup up to a paid verification call.
package tier

import (
	"context"
	"time"

	"github.com/sells-group/rate-remediator/internal/model"
)

// Error codes recorded on failed attempts.
const (
	CodeNoURL          = "NO_URL"
	CodeNoPhone        = "NO_PHONE"
	CodeNoLocation     = "NO_LOCATION"
	CodeScrapeFailed   = "SCRAPE_FAILED"
	CodeTimeout        = "TIMEOUT"
	CodeNotImplemented = "NOT_IMPLEMENTED"
	CodeProviderError  = "PROVIDER_ERROR"
	CodeCircuitOpen    = "CIRCUIT_OPEN"
	CodeNeedsNextTier  = model.ErrorCodeNeedsNextTier
	CodeBudgetExceeded = "BUDGET_EXCEEDED"
	CodeNoMatch        = "NO_MATCH"
	CodeCallFailed     = "CALL_FAILED"
)

// Metadata keys shared between tiers. Hints found by a cheap tier are read
// back by the expensive ones.
const (
	MetaWebsite    = "website"
	MetaPhone      = "phone"
	MetaConfidence = "confidence"
	MetaMatched    = "matched_sizes"
	MetaPages      = "pages"
	MetaCallID     = "call_id"
	MetaOSMRef     = "osm_ref"
)

// Config is the per-call budget and context handed to a worker.
type Config struct {
	// BudgetCeilingCents is the spend at which the call must give up.
	BudgetCeilingCents int64
	// RemainingCents is what is left of the run's cost cap.
	RemainingCents int64
	AttemptNumber  int
	Timeout        time.Duration
	// Hints carries values found by earlier attempts, keyed by Meta* names.
	Hints map[string]string
}

// Ceiling is the tighter of the tier ceiling and the run's remaining budget.
func (c Config) Ceiling() int64 {
	switch {
	case c.BudgetCeilingCents <= 0:
		return c.RemainingCents
	case c.RemainingCents < c.BudgetCeilingCents:
		return c.RemainingCents
	}
	return c.BudgetCeilingCents
}

// Error is a classified worker failure.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Outcome is what a worker reports for one attempt. Workers never return
// Go errors; every failure is classified into Err.
type Outcome struct {
	Status          model.Outcome
	CostCents       int64
	Rates           []model.Rate
	SourceReference string
	Confidence      float64
	NeedsNextTier   bool
	Err             *Error
	Metadata        map[string]any
}

// Worker executes one tier against one gap.
type Worker interface {
	Type() model.WorkerType
	Attempt(ctx context.Context, gap model.Gap, cfg Config) Outcome
}

// Failed builds a failed outcome.
func Failed(code, msg string) Outcome {
	return Outcome{Status: model.OutcomeFailed, Err: &Error{Code: code, Message: msg}}
}

// Timeout builds a timeout outcome.
func Timeout(msg string) Outcome {
	return Outcome{Status: model.OutcomeTimeout, Err: &Error{Code: CodeTimeout, Message: msg, Transient: true}}
}

// CostExceeded builds a cost_exceeded outcome for spend that reached the ceiling.
func CostExceeded(msg string, spent int64) Outcome {
	return Outcome{Status: model.OutcomeCostExceeded, CostCents: spent, Err: &Error{Code: CodeBudgetExceeded, Message: msg}}
}

// ToAttempt converts o into the attempt record for gap g.
func (o Outcome) ToAttempt(g model.Gap, worker model.WorkerType, number int, took time.Duration) model.Attempt {
	meta := make(map[string]any, len(o.Metadata)+2)
	for k, v := range o.Metadata {
		meta[k] = v
	}
	if len(o.Rates) > 0 {
		meta[model.MetadataRates] = o.Rates
	}
	if o.Confidence > 0 {
		meta[MetaConfidence] = o.Confidence
	}

	status := o.Status
	a := model.Attempt{
		GapID:           g.ID,
		RunID:           g.RunID,
		AttemptNumber:   number,
		WorkerType:      worker,
		DurationMS:      took.Milliseconds(),
		CostCents:       o.CostCents,
		SourceReference: o.SourceReference,
	}
	// Partial results still count toward the retry cap.
	if o.NeedsNextTier && status == model.OutcomeCompleted {
		status = model.OutcomeFailed
		if o.Err == nil {
			o.Err = &Error{Code: CodeNeedsNextTier, Message: "insufficient evidence for target sizes"}
		}
	}
	if o.NeedsNextTier {
		meta["needs_next_tier"] = true
	}
	a.Outcome = status
	if o.Err != nil {
		a.ErrorCode = o.Err.Code
		a.ErrorMessage = o.Err.Message
	}
	if len(meta) > 0 {
		a.Metadata = meta
	}
	return a
}

// Registry maps tier levels to workers.
type Registry struct {
	workers map[int]Worker
}

// NewRegistry indexes workers by their tier.
func NewRegistry(workers ...Worker) *Registry {
	r := &Registry{workers: make(map[int]Worker, len(workers))}
	for _, w := range workers {
		if w != nil {
			r.workers[w.Type().Tier()] = w
		}
	}
	return r
}

// Get returns the worker of tier n.
func (r *Registry) Get(n int) (Worker, bool) {
	w, ok := r.workers[n]
	return w, ok
}

// Has reports whether tier n has a worker.
func (r *Registry) Has(n int) bool {
	_, ok := r.workers[n]
	return ok
}
