package remediation

import (
	"github.com/sells-group/rate-remediator/internal/coverage"
	"github.com/sells-group/rate-remediator/internal/model"
)

// Filters narrows which candidates PromoteGaps accepts. Empty fields match
// everything.
type Filters struct {
	GapTypes      []model.GapType  `json:"gap_types,omitempty" yaml:"gap_types"`
	Priorities    []model.Priority `json:"priorities,omitempty" yaml:"priorities"`
	CompetitorIDs []string         `json:"competitor_ids,omitempty" yaml:"competitor_ids"`
}

// PromoteRequest enqueues the candidates of a run.
type PromoteRequest struct {
	RunID      string               `json:"run_id" yaml:"run_id"`
	Candidates []model.GapCandidate `json:"candidates" yaml:"candidates"`
	Filters    Filters              `json:"filters" yaml:"filters"`
}

// PromoteResponse reports newly created gaps and every gap matching the
// request.
type PromoteResponse struct {
	GapsPromoted int         `json:"gaps_promoted"`
	PromotedGaps []model.Gap `json:"promoted_gaps"`
}

// LogAttemptRequest records one attempt from an external worker.
type LogAttemptRequest struct {
	GapID           string           `json:"gap_id"`
	RunID           string           `json:"run_id"`
	WorkerType      model.WorkerType `json:"worker_type"`
	AttemptNumber   int              `json:"attempt_number"`
	Outcome         model.Outcome    `json:"outcome"`
	DurationMS      int64            `json:"duration_ms"`
	CostCents       int64            `json:"cost_cents"`
	ErrorCode       string           `json:"error_code,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	SourceReference string           `json:"source_reference,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// LogAttemptResponse describes what the ledger did with the attempt.
type LogAttemptResponse struct {
	AttemptLogID     string          `json:"attempt_log_id,omitempty"`
	Logged           bool            `json:"logged"`
	GapStatusUpdated bool            `json:"gap_status_updated"`
	NewGapStatus     model.GapStatus `json:"new_gap_status,omitempty"`
	NewAttemptCount  *int            `json:"new_attempt_count,omitempty"`
	WasDuplicate     bool            `json:"was_duplicate"`
}

// KillRequest halts one run, or every active run when RunID is empty.
type KillRequest struct {
	RunID       string           `json:"run_id,omitempty"`
	Reason      model.HaltReason `json:"reason"`
	TriggeredBy string           `json:"triggered_by"`
	Detail      string           `json:"detail,omitempty"`
}

// KillResponse reports the result of a kill.
type KillResponse struct {
	GapsKilled   int             `json:"gaps_killed"`
	Status       string          `json:"status"`
	KilledGapIDs []string        `json:"killed_gap_ids,omitempty"`
	Halts        []model.RunHalt `json:"halts,omitempty"`
}

// ResetResponse reports whether a halt was cleared.
type ResetResponse struct {
	RunID string `json:"run_id"`
	Reset bool   `json:"reset"`
}

// EvaluateRequest scores a run. Evidence is rate evidence collected before
// remediation.
type EvaluateRequest struct {
	RunID    string           `json:"run_id" yaml:"run_id"`
	Evidence []model.Evidence `json:"evidence,omitempty" yaml:"evidence"`
}

// EvaluateResponse is the gate decision with its score.
type EvaluateResponse = coverage.Decision

// OverrideRequest promotes a blocked run.
type OverrideRequest struct {
	RunID     string           `json:"run_id"`
	Reason    string           `json:"reason"`
	DecidedBy string           `json:"decided_by"`
	Evidence  []model.Evidence `json:"evidence,omitempty"`
}

// ListGapsRequest lists gaps of a run.
type ListGapsRequest struct {
	RunID    string            `json:"run_id"`
	Statuses []model.GapStatus `json:"statuses,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}
