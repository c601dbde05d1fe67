package model

import "time"

// CostEntry is one append-only spend record for a run.
type CostEntry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Service   string    `json:"service"`
	Operation string    `json:"operation"`
	CostCents int64     `json:"cost_cents"`
	CreatedAt time.Time `json:"created_at"`
}

// HaltReason identifies why a run was stopped.
type HaltReason string

const (
	HaltCostCap        HaltReason = "cost_cap"
	HaltFailureRate    HaltReason = "failure_rate"
	HaltDailyCallLimit HaltReason = "daily_call_limit"
	HaltManual         HaltReason = "manual"
)

// Valid reports whether r is a known halt reason.
func (r HaltReason) Valid() bool {
	switch r {
	case HaltCostCap, HaltFailureRate, HaltDailyCallLimit, HaltManual:
		return true
	}
	return false
}

// RunHalt is the persisted kill switch state of a run. While present the
// run accepts no dispatch.
type RunHalt struct {
	RunID       string     `json:"run_id"`
	Reason      HaltReason `json:"reason"`
	TriggeredBy string     `json:"triggered_by"`
	Detail      string     `json:"detail,omitempty"`
	TriggeredAt time.Time  `json:"triggered_at"`
}

// Decision is the outcome of the promotion gate.
type Decision string

const (
	DecisionPromote          Decision = "PROMOTE"
	DecisionHold             Decision = "HOLD"
	DecisionOverrideRequired Decision = "OVERRIDE_REQUIRED"
)

// PromotionRecord audits a gate decision or a human override.
type PromotionRecord struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	Decision       Decision  `json:"decision"`
	Score          float64   `json:"score"`
	OverrideReason string    `json:"override_reason,omitempty"`
	DecidedBy      string    `json:"decided_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
