package coverage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/model"
)

// DefaultMinScore is the lowest score that promotes without an override.
const DefaultMinScore = 60.0

// ErrOverrideReason is returned by Override without a reason.
var ErrOverrideReason = eris.New("coverage: override reason is required")

// Blocker explains why a run cannot advance on its own.
type Blocker struct {
	GapID        string `json:"gap_id,omitempty"`
	CompetitorID string `json:"competitor_id,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (b Blocker) String() string {
	if b.GapID == "" {
		return b.ErrorCode + ": " + b.Error
	}
	return fmt.Sprintf("gap %s: %s %s", b.GapID, b.ErrorCode, b.Error)
}

// State is what the gate knows about the run besides its score.
type State struct {
	Gaps []model.Gap
	Halt *model.RunHalt
}

// Decision is the gate's verdict.
type Decision struct {
	RunID    string              `json:"run_id"`
	Decision model.Decision      `json:"decision"`
	Score    model.CoverageScore `json:"score"`
	Blockers []Blocker           `json:"blockers,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
}

// Decide applies the promotion rule. Runs with active gaps are held;
// otherwise a score of at least HighThreshold promotes, a score of at least
// minScore promotes with a warning and anything lower needs an override.
// minScore never goes below MediumThreshold. A halted run that still
// promotes carries its unresolved gaps as blockers.
func Decide(score model.CoverageScore, minScore float64, st State) Decision {
	d := Decision{Score: score}
	minScore = max(minScore, MediumThreshold)

	var active int
	var unresolved []Blocker
	for _, g := range st.Gaps {
		switch {
		case g.Status.Active():
			active++
		case g.Status != model.GapStatusResolved:
			unresolved = append(unresolved, Blocker{
				GapID:        g.ID,
				CompetitorID: g.CompetitorID,
				ErrorCode:    g.LastErrorCode,
				Error:        g.LastError,
			})
		}
	}

	var halt *Blocker
	if st.Halt != nil {
		msg := "run halted by " + st.Halt.TriggeredBy
		if st.Halt.Detail != "" {
			msg += ": " + st.Halt.Detail
		}
		halt = &Blocker{ErrorCode: "HALT_" + strings.ToUpper(string(st.Halt.Reason)), Error: msg}
	}

	switch {
	case active > 0:
		d.Decision = model.DecisionHold
		d.Warnings = append(d.Warnings, fmt.Sprintf("%d gaps still pending or in progress", active))
	case score.OverallScore < minScore:
		d.Decision = model.DecisionOverrideRequired
		if halt != nil {
			d.Blockers = append(d.Blockers, *halt)
		}
		d.Blockers = append(d.Blockers, unresolved...)
		if len(d.Blockers) == 0 {
			d.Blockers = append(d.Blockers, Blocker{
				ErrorCode: "LOW_COVERAGE",
				Error:     fmt.Sprintf("score %.2f below %.2f", score.OverallScore, minScore),
			})
		}
	default:
		d.Decision = model.DecisionPromote
		if score.OverallScore < HighThreshold {
			d.Warnings = append(d.Warnings, fmt.Sprintf("coverage %.2f is %s confidence", score.OverallScore, score.ConfidenceLevel))
		}
		if halt != nil {
			d.Warnings = append(d.Warnings, halt.String())
			// Promotion proceeds, but the gaps the halt left behind are listed.
			d.Blockers = append(d.Blockers, unresolved...)
		}
		if len(unresolved) > 0 {
			d.Warnings = append(d.Warnings, fmt.Sprintf("%d gaps unresolved", len(unresolved)))
		}
	}
	return d
}

// AuditLog persists gate decisions and overrides.
type AuditLog interface {
	InsertPromotion(ctx context.Context, rec model.PromotionRecord) error
	ListPromotions(ctx context.Context, runID string) ([]model.PromotionRecord, error)
}

// Gate decides and audits promotions.
type Gate struct {
	log      AuditLog
	minScore float64
}

// NewGate creates a Gate. A non-positive minScore uses DefaultMinScore.
func NewGate(log AuditLog, minScore float64) *Gate {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &Gate{log: log, minScore: minScore}
}

// MinScore returns the promotion threshold.
func (g *Gate) MinScore() float64 { return g.minScore }

// Evaluate decides for the run and records the decision. HOLD is not
// recorded because it is not final.
func (g *Gate) Evaluate(ctx context.Context, runID string, score model.CoverageScore, st State) (Decision, error) {
	d := Decide(score, g.minScore, st)
	d.RunID = runID

	zap.L().Info("coverage: gate decision",
		zap.String("run_id", runID),
		zap.String("decision", string(d.Decision)),
		zap.Float64("score", score.OverallScore),
		zap.Int("blockers", len(d.Blockers)),
	)
	if d.Decision == model.DecisionHold {
		return d, nil
	}
	if err := g.log.InsertPromotion(ctx, model.PromotionRecord{
		RunID:     runID,
		Decision:  d.Decision,
		Score:     score.OverallScore,
		DecidedBy: "gate",
	}); err != nil {
		return Decision{}, eris.Wrapf(err, "coverage: record decision for run %s", runID)
	}
	return d, nil
}

// Override promotes a run the gate blocked. reason and by are required.
func (g *Gate) Override(ctx context.Context, runID string, score float64, reason, by string) (model.PromotionRecord, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.PromotionRecord{}, ErrOverrideReason
	}
	if strings.TrimSpace(by) == "" {
		return model.PromotionRecord{}, eris.Wrap(ErrOverrideReason, "decided_by is required")
	}
	rec := model.PromotionRecord{
		ID:             uuid.New().String(),
		RunID:          runID,
		Decision:       model.DecisionPromote,
		Score:          score,
		OverrideReason: reason,
		DecidedBy:      by,
		CreatedAt:      time.Now().UTC(),
	}
	if err := g.log.InsertPromotion(ctx, rec); err != nil {
		return model.PromotionRecord{}, eris.Wrapf(err, "coverage: record override for run %s", runID)
	}
	zap.L().Warn("coverage: promotion overridden",
		zap.String("run_id", runID),
		zap.Float64("score", score),
		zap.String("by", by),
		zap.String("reason", reason),
	)
	return rec, nil
}

// History returns the recorded decisions of the run, oldest first.
func (g *Gate) History(ctx context.Context, runID string) ([]model.PromotionRecord, error) {
	recs, err := g.log.ListPromotions(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "coverage: history of run %s", runID)
	}
	return recs, nil
}
