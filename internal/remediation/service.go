// Package remediation is the boundary API of the engine: gap ingestion,
// attempt logging, the kill switch and the promotion gate, with typed
// request and response values.
package remediation

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/coverage"
	"github.com/sells-group/rate-remediator/internal/killswitch"
	"github.com/sells-group/rate-remediator/internal/ledger"
	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/orchestrator"
	"github.com/sells-group/rate-remediator/internal/queue"
	"github.com/sells-group/rate-remediator/internal/store"
)

var (
	// ErrInvalidInput marks requests rejected before touching storage.
	ErrInvalidInput = eris.New("remediation: invalid input")
	// ErrDispatchUnavailable is returned by Dispatch when no orchestrator
	// is configured.
	ErrDispatchUnavailable = eris.New("remediation: dispatch is not configured")
)

// IsInputError reports whether err was caused by the request rather than
// the engine.
func IsInputError(err error) bool {
	for _, target := range []error{
		ErrInvalidInput,
		queue.ErrInvalidCandidate,
		ledger.ErrInvalidAttempt,
		ledger.ErrAttemptSequence,
		killswitch.ErrInvalidTrigger,
		coverage.ErrOverrideReason,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err refers to an unknown gap.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// RunData is the read access Evaluate needs beyond the queue.
type RunData interface {
	ListRunAttempts(ctx context.Context, runID string) ([]model.Attempt, error)
}

// Dispatcher drains a run's queue.
type Dispatcher interface {
	Run(ctx context.Context, runID string) (*orchestrator.RunReport, error)
}

// DecisionObserver is told about every gate decision Evaluate makes.
type DecisionObserver interface {
	Decided(ctx context.Context, d coverage.Decision)
}

// Service implements the engine API.
type Service struct {
	queue           *queue.Queue
	ledger          *ledger.Ledger
	kill            *killswitch.KillSwitch
	gate            *coverage.Gate
	runs            RunData
	dispatcher      Dispatcher
	observers       []DecisionObserver
	diversityTarget int
}

// Option configures a Service.
type Option func(*Service)

// WithDispatcher enables Dispatch.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithDiversityTarget sets the number of distinct sources for a full
// diversity score.
func WithDiversityTarget(n int) Option {
	return func(s *Service) { s.diversityTarget = n }
}

// WithDecisionObserver adds an observer of gate decisions.
func WithDecisionObserver(o DecisionObserver) Option {
	return func(s *Service) { s.observers = append(s.observers, o) }
}

// NewService creates a Service.
func NewService(q *queue.Queue, l *ledger.Ledger, ks *killswitch.KillSwitch, gate *coverage.Gate, runs RunData, opts ...Option) *Service {
	s := &Service{queue: q, ledger: l, kill: ks, gate: gate, runs: runs}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PromoteGaps enqueues the candidates that pass the filters. Repeating a
// request creates nothing new. Without candidates it returns the run's
// existing gaps that pass the filters.
func (s *Service) PromoteGaps(ctx context.Context, req PromoteRequest) (PromoteResponse, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return PromoteResponse{}, eris.Wrap(ErrInvalidInput, "run_id is required")
	}

	if len(req.Candidates) == 0 {
		gaps, err := s.queue.List(ctx, store.GapFilter{
			RunID:         req.RunID,
			GapTypes:      req.Filters.GapTypes,
			Priorities:    req.Filters.Priorities,
			CompetitorIDs: req.Filters.CompetitorIDs,
		})
		if err != nil {
			return PromoteResponse{}, err
		}
		return PromoteResponse{PromotedGaps: gaps}, nil
	}

	for i, c := range req.Candidates {
		if c.RunID != "" && c.RunID != req.RunID {
			return PromoteResponse{}, eris.Wrapf(ErrInvalidInput, "candidate %d belongs to run %s", i, c.RunID)
		}
	}

	out := PromoteResponse{PromotedGaps: []model.Gap{}}
	for _, c := range req.Candidates {
		c.RunID = req.RunID
		if !req.Filters.match(c) {
			continue
		}
		g, created, err := s.queue.Enqueue(ctx, c)
		if err != nil {
			return PromoteResponse{}, err
		}
		if created {
			out.GapsPromoted++
		}
		out.PromotedGaps = append(out.PromotedGaps, g)
	}

	zap.L().Info("remediation: gaps promoted",
		zap.String("run_id", req.RunID),
		zap.Int("candidates", len(req.Candidates)),
		zap.Int("created", out.GapsPromoted),
		zap.Int("matched", len(out.PromotedGaps)),
	)
	return out, nil
}

func (f Filters) match(c model.GapCandidate) bool {
	priority := c.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	switch {
	case len(f.GapTypes) > 0 && !slices.Contains(f.GapTypes, c.GapType):
		return false
	case len(f.Priorities) > 0 && !slices.Contains(f.Priorities, priority):
		return false
	case len(f.CompetitorIDs) > 0 && !slices.Contains(f.CompetitorIDs, c.CompetitorID):
		return false
	}
	return true
}

// LogAttempt records an attempt reported by a worker. Repeats of a logged
// (gap_id, attempt_number) and late attempts on a terminal gap are no-ops.
func (s *Service) LogAttempt(ctx context.Context, req LogAttemptRequest) (LogAttemptResponse, error) {
	switch {
	case strings.TrimSpace(req.GapID) == "":
		return LogAttemptResponse{}, eris.Wrap(ErrInvalidInput, "gap_id is required")
	case strings.TrimSpace(req.RunID) == "":
		return LogAttemptResponse{}, eris.Wrap(ErrInvalidInput, "run_id is required")
	}

	res, err := s.ledger.Record(ctx, model.Attempt{
		GapID:           req.GapID,
		RunID:           req.RunID,
		AttemptNumber:   req.AttemptNumber,
		WorkerType:      req.WorkerType,
		Outcome:         req.Outcome,
		DurationMS:      req.DurationMS,
		CostCents:       req.CostCents,
		ErrorCode:       req.ErrorCode,
		ErrorMessage:    req.ErrorMessage,
		SourceReference: req.SourceReference,
		Metadata:        req.Metadata,
	})
	if errors.Is(err, ledger.ErrGapTerminal) {
		g, gerr := s.queue.Get(ctx, req.GapID)
		if gerr != nil {
			return LogAttemptResponse{}, gerr
		}
		zap.L().Info("remediation: attempt on terminal gap ignored",
			zap.String("gap_id", req.GapID),
			zap.Int("attempt", req.AttemptNumber),
			zap.String("gap_status", string(g.Status)),
		)
		return LogAttemptResponse{NewGapStatus: g.Status}, nil
	}
	if err != nil {
		return LogAttemptResponse{}, err
	}

	out := LogAttemptResponse{
		AttemptLogID:     res.Attempt.ID,
		Logged:           res.Logged,
		GapStatusUpdated: res.GapUpdated,
		WasDuplicate:     res.WasDuplicate,
	}
	// A repeat reports the gap as the first call left it.
	if res.GapUpdated || res.WasDuplicate {
		out.NewGapStatus = res.Gap.Status
		n := res.Gap.AttemptCount
		out.NewAttemptCount = &n
	}
	return out, nil
}

// TriggerKillSwitch halts a run, or every active run when RunID is empty.
func (s *Service) TriggerKillSwitch(ctx context.Context, req KillRequest) (KillResponse, error) {
	res, err := s.kill.Trigger(ctx, req.RunID, req.Reason, req.TriggeredBy, req.Detail)
	if err != nil {
		return KillResponse{}, err
	}
	return KillResponse{
		GapsKilled:   res.GapsKilled,
		Status:       res.Status,
		KilledGapIDs: res.KilledGapIDs,
		Halts:        res.Halts,
	}, nil
}

// ResetKillSwitch clears the halt of a run.
func (s *Service) ResetKillSwitch(ctx context.Context, runID, by string) (ResetResponse, error) {
	if strings.TrimSpace(runID) == "" {
		return ResetResponse{}, eris.Wrap(ErrInvalidInput, "run_id is required")
	}
	if strings.TrimSpace(by) == "" {
		return ResetResponse{}, eris.Wrap(ErrInvalidInput, "reset_by is required")
	}
	ok, err := s.kill.Reset(ctx, runID, by)
	if err != nil {
		return ResetResponse{}, err
	}
	return ResetResponse{RunID: runID, Reset: ok}, nil
}

// HaltStatus returns the halt of a run, or nil when it is not halted.
func (s *Service) HaltStatus(ctx context.Context, runID string) (*model.RunHalt, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, eris.Wrap(ErrInvalidInput, "run_id is required")
	}
	return s.kill.Status(ctx, runID)
}

// Evaluate scores the run and applies the promotion gate.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error) {
	score, state, err := s.score(ctx, req.RunID, req.Evidence)
	if err != nil {
		return EvaluateResponse{}, err
	}
	d, err := s.gate.Evaluate(ctx, req.RunID, score, state)
	if err != nil {
		return EvaluateResponse{}, err
	}
	for _, o := range s.observers {
		o.Decided(ctx, d)
	}
	return d, nil
}

// Override promotes a run the gate did not promote. Runs that still have
// active gaps cannot be overridden.
func (s *Service) Override(ctx context.Context, req OverrideRequest) (model.PromotionRecord, error) {
	score, state, err := s.score(ctx, req.RunID, req.Evidence)
	if err != nil {
		return model.PromotionRecord{}, err
	}
	if d := coverage.Decide(score, s.gate.MinScore(), state); d.Decision == model.DecisionHold {
		return model.PromotionRecord{}, eris.Wrapf(ErrInvalidInput, "run %s still has active gaps", req.RunID)
	}
	return s.gate.Override(ctx, req.RunID, score.OverallScore, req.Reason, req.DecidedBy)
}

func (s *Service) score(ctx context.Context, runID string, evidence []model.Evidence) (model.CoverageScore, coverage.State, error) {
	if strings.TrimSpace(runID) == "" {
		return model.CoverageScore{}, coverage.State{}, eris.Wrap(ErrInvalidInput, "run_id is required")
	}
	gaps, err := s.queue.List(ctx, store.GapFilter{RunID: runID})
	if err != nil {
		return model.CoverageScore{}, coverage.State{}, err
	}
	attempts, err := s.runs.ListRunAttempts(ctx, runID)
	if err != nil {
		return model.CoverageScore{}, coverage.State{}, eris.Wrapf(err, "remediation: attempts of run %s", runID)
	}
	halt, err := s.kill.Status(ctx, runID)
	if err != nil {
		return model.CoverageScore{}, coverage.State{}, err
	}

	score := coverage.Score(coverage.Input{
		Gaps:            gaps,
		Attempts:        attempts,
		Evidence:        evidence,
		DiversityTarget: s.diversityTarget,
	})
	return score, coverage.State{Gaps: gaps, Halt: halt}, nil
}

// ListGaps returns the gaps of a run in dispatch order.
func (s *Service) ListGaps(ctx context.Context, req ListGapsRequest) ([]model.Gap, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return nil, eris.Wrap(ErrInvalidInput, "run_id is required")
	}
	for _, st := range req.Statuses {
		if !slices.Contains([]model.GapStatus{
			model.GapStatusPending, model.GapStatusInProgress, model.GapStatusResolved,
			model.GapStatusFailed, model.GapStatusKilled,
		}, st) {
			return nil, eris.Wrapf(ErrInvalidInput, "unknown status %q", st)
		}
	}
	return s.queue.List(ctx, store.GapFilter{RunID: req.RunID, Statuses: req.Statuses, Limit: req.Limit})
}

// ListAttempts returns the attempts of a gap in attempt-number order.
func (s *Service) ListAttempts(ctx context.Context, gapID string) ([]model.Attempt, error) {
	if strings.TrimSpace(gapID) == "" {
		return nil, eris.Wrap(ErrInvalidInput, "gap_id is required")
	}
	if _, err := s.queue.Get(ctx, gapID); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, gapID)
}

// Dispatch drains the run's queue through the tier workers.
func (s *Service) Dispatch(ctx context.Context, runID string) (*orchestrator.RunReport, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, eris.Wrap(ErrInvalidInput, "run_id is required")
	}
	if s.dispatcher == nil {
		return nil, ErrDispatchUnavailable
	}
	return s.dispatcher.Run(ctx, runID)
}
