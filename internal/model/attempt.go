package model

import "time"

// WorkerType names the tier that executed an attempt.
type WorkerType string

const (
	WorkerTier0Lookup WorkerType = "tier0_lookup"
	WorkerTier1Search WorkerType = "tier1_search"
	WorkerTier2Scrape WorkerType = "tier2_scrape"
	WorkerTier3Call   WorkerType = "tier3_call"
)

// MaxTier is the most expensive tier.
const MaxTier = 3

var workerTiers = map[WorkerType]int{
	WorkerTier0Lookup: 0,
	WorkerTier1Search: 1,
	WorkerTier2Scrape: 2,
	WorkerTier3Call:   3,
}

// Valid reports whether w is a known worker type.
func (w WorkerType) Valid() bool {
	_, ok := workerTiers[w]
	return ok
}

// Tier returns the escalation level of w, or -1 for unknown workers.
func (w WorkerType) Tier() int {
	t, ok := workerTiers[w]
	if !ok {
		return -1
	}
	return t
}

// WorkerForTier returns the worker type of tier n.
func WorkerForTier(n int) WorkerType {
	for w, t := range workerTiers {
		if t == n {
			return w
		}
	}
	return ""
}

// Outcome is the result reported for one attempt.
type Outcome string

const (
	OutcomeStarted      Outcome = "started"
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeKilled       Outcome = "killed"
	OutcomeCostExceeded Outcome = "cost_exceeded"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeStarted, OutcomeCompleted, OutcomeFailed, OutcomeTimeout, OutcomeKilled, OutcomeCostExceeded:
		return true
	}
	return false
}

// ErrorCodeNeedsNextTier marks a failed attempt that handed the gap to a
// higher tier. It uses a retry but is left out of the run failure rate.
const ErrorCodeNeedsNextTier = "NEEDS_NEXT_TIER"

// Failure reports whether o counts against the run failure rate and the retry cap.
func (o Outcome) Failure() bool {
	return o == OutcomeFailed || o == OutcomeTimeout || o == OutcomeCostExceeded
}

// Attempt is one immutable execution of one tier against one gap.
// (GapID, AttemptNumber) is the idempotency key.
type Attempt struct {
	ID              string         `json:"attempt_log_id"`
	GapID           string         `json:"gap_id"`
	RunID           string         `json:"run_id"`
	AttemptNumber   int            `json:"attempt_number"`
	WorkerType      WorkerType     `json:"worker_type"`
	Outcome         Outcome        `json:"outcome"`
	DurationMS      int64          `json:"duration_ms"`
	CostCents       int64          `json:"cost_cents"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	SourceReference string         `json:"source_reference,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AttemptStats aggregates recorded attempts of a run.
type AttemptStats struct {
	Total    int `json:"total"`
	Failures int `json:"failures"`
	Killed   int `json:"killed"`
}

// FailureRate is failures over all attempts that were not killed. Store
// implementations leave escalation hand-offs out of Failures.
func (s AttemptStats) FailureRate() float64 {
	n := s.Total - s.Killed
	if n <= 0 {
		return 0
	}
	return float64(s.Failures) / float64(n)
}
