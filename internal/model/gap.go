package model

import (
	"sort"
	"strings"
	"time"
)

// GapType identifies what kind of pricing data is missing for a competitor.
type GapType string

const (
	GapTypeMissingRents      GapType = "missing_rents"
	GapTypeMissingSizeData   GapType = "missing_size_data"
	GapTypeIncompleteDetails GapType = "incomplete_details"
)

// Valid reports whether t is a known gap type.
func (t GapType) Valid() bool {
	switch t {
	case GapTypeMissingRents, GapTypeMissingSizeData, GapTypeIncompleteDetails:
		return true
	}
	return false
}

// Priority orders gaps for dispatch.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns the dispatch order of p; lower ranks go first.
// Unknown priorities rank with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// GapStatus is the lifecycle state of a gap.
type GapStatus string

const (
	GapStatusPending    GapStatus = "pending"
	GapStatusInProgress GapStatus = "in_progress"
	GapStatusResolved   GapStatus = "resolved"
	GapStatusFailed     GapStatus = "failed"
	GapStatusKilled     GapStatus = "killed"
)

// Terminal reports whether no further transitions are accepted from s.
func (s GapStatus) Terminal() bool {
	return s == GapStatusResolved || s == GapStatusFailed || s == GapStatusKilled
}

// Active reports whether s still represents outstanding work.
func (s GapStatus) Active() bool {
	return s == GapStatusPending || s == GapStatusInProgress
}

// DefaultMaxAttempts is the retry cap applied when a candidate does not set one.
const DefaultMaxAttempts = 3

// Competitor is the snapshot of the competitor facility a gap refers to.
// Workers use it to locate the facility without another lookup.
type Competitor struct {
	Name    string  `json:"name" yaml:"name"`
	Website string  `json:"website,omitempty" yaml:"website"`
	Phone   string  `json:"phone,omitempty" yaml:"phone"`
	Address string  `json:"address,omitempty" yaml:"address"`
	Lat     float64 `json:"lat,omitempty" yaml:"lat"`
	Lon     float64 `json:"lon,omitempty" yaml:"lon"`
}

// Gap is one (competitor, missing data) pair awaiting resolution.
type Gap struct {
	ID              string     `json:"gap_id"`
	RunID           string     `json:"run_id"`
	CompetitorID    string     `json:"competitor_id"`
	GapType         GapType    `json:"gap_type"`
	TargetUnitSizes []string   `json:"target_unit_sizes"`
	Priority        Priority   `json:"priority"`
	Status          GapStatus  `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	MaxAttempts     int        `json:"max_attempts"`
	Competitor      Competitor `json:"competitor"`
	Worker          WorkerType `json:"worker_type,omitempty"`
	LastErrorCode   string     `json:"last_error_code,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NextAttemptNumber is the attempt number the next dispatch of g must use.
func (g Gap) NextAttemptNumber() int {
	return g.AttemptCount + 1
}

// AttemptsLeft is how many attempts the retry cap still allows, including
// the next one.
func (g Gap) AttemptsLeft() int {
	limit := g.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	return max(limit-g.AttemptCount, 0)
}

// GapCandidate is the input to enqueue, produced by gap detection.
type GapCandidate struct {
	RunID           string     `json:"run_id" yaml:"run_id"`
	CompetitorID    string     `json:"competitor_id" yaml:"competitor_id"`
	GapType         GapType    `json:"gap_type" yaml:"gap_type"`
	TargetUnitSizes []string   `json:"target_unit_sizes" yaml:"target_unit_sizes"`
	Priority        Priority   `json:"priority" yaml:"priority"`
	MaxAttempts     int        `json:"max_attempts,omitempty" yaml:"max_attempts"`
	Competitor      Competitor `json:"competitor" yaml:"competitor"`
}

// NormalizeUnitSize canonicalizes a storage unit size label such as
// "10' x 10'", "10X10" or "10×10" to "10x10". Labels that do not look
// like a width by depth pair are lowercased and trimmed.
func NormalizeUnitSize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("×", "x", "'", "", "ft", "", " by ", "x", " ", "").Replace(s)
	return s
}

// NormalizeUnitSizes returns the de-duplicated, sorted set of normalized sizes.
func NormalizeUnitSizes(sizes []string) []string {
	seen := make(map[string]struct{}, len(sizes))
	out := make([]string, 0, len(sizes))
	for _, s := range sizes {
		n := NormalizeUnitSize(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
