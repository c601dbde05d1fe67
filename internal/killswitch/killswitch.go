// Package killswitch halts runs that breach a guard rail and fails their
// remaining gaps.
package killswitch

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/config"
	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/queue"
	"github.com/sells-group/rate-remediator/internal/store"
)

// ErrorCodeKilled is the error code of attempts written by a kill.
const ErrorCodeKilled = "KILLED"

// Trigger statuses.
const (
	StatusHalted        = "halted"
	StatusAlreadyHalted = "already_halted"
	StatusNoActiveRuns  = "no_active_runs"
)

// ErrInvalidTrigger marks a trigger request without a valid reason or actor.
var ErrInvalidTrigger = eris.New("killswitch: invalid trigger")

// Store is the persistence the kill switch needs.
type Store interface {
	GetHalt(ctx context.Context, runID string) (*model.RunHalt, error)
	DeleteHalt(ctx context.Context, runID string) (bool, error)
	KillRun(ctx context.Context, halt model.RunHalt, kill store.KillFunc) (store.KillResult, error)
	AttemptStats(ctx context.Context, runID string) (model.AttemptStats, error)
	ActiveRunIDs(ctx context.Context) ([]string, error)
}

// Spend reports the cumulative cost of a run.
type Spend interface {
	TotalFor(ctx context.Context, runID string) (int64, error)
}

// Notifier is told about every halt that changed something.
type Notifier interface {
	Halted(ctx context.Context, halt model.RunHalt, killedGapIDs []string)
}

// Verdict is the result of Check.
type Verdict struct {
	Halt   bool             `json:"halt"`
	Reason model.HaltReason `json:"reason,omitempty"`
	Detail string           `json:"detail,omitempty"`
}

// TriggerResult is the result of Trigger.
type TriggerResult struct {
	Status       string           `json:"status"`
	GapsKilled   int              `json:"gaps_killed"`
	KilledGapIDs []string         `json:"killed_gap_ids,omitempty"`
	Halts        []model.RunHalt  `json:"halts,omitempty"`
	Reason       model.HaltReason `json:"reason"`
}

// Option configures a KillSwitch.
type Option func(*KillSwitch)

// WithCallCounter sets the daily call counter. Without one the daily call
// limit is not evaluated.
func WithCallCounter(c CallCounter) Option {
	return func(k *KillSwitch) { k.calls = c }
}

// WithNotifier adds a halt notifier.
func WithNotifier(n Notifier) Option {
	return func(k *KillSwitch) { k.notifiers = append(k.notifiers, n) }
}

// KillSwitch evaluates guard rails before each dispatch. Evaluation and
// triggering are serialized per run.
type KillSwitch struct {
	store     Store
	spend     Spend
	calls     CallCounter
	limits    config.Guardrails
	notifiers []Notifier
	locks     *queue.KeyLock
}

// New creates a KillSwitch enforcing limits.
func New(st Store, spend Spend, limits config.Guardrails, opts ...Option) *KillSwitch {
	k := &KillSwitch{
		store:  st,
		spend:  spend,
		limits: limits,
		locks:  queue.NewKeyLock(),
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Check reports whether dispatch for the run must stop. A breached guard
// rail triggers the kill before Check returns.
func (k *KillSwitch) Check(ctx context.Context, runID string) (Verdict, error) {
	unlock := k.locks.Lock(runID)
	defer unlock()

	halt, err := k.store.GetHalt(ctx, runID)
	if err != nil {
		return Verdict{}, eris.Wrapf(err, "killswitch: check run %s", runID)
	}
	if halt != nil {
		return Verdict{Halt: true, Reason: halt.Reason, Detail: halt.Detail}, nil
	}

	reason, detail, err := k.breach(ctx, runID)
	if err != nil {
		return Verdict{}, err
	}
	if reason == "" {
		return Verdict{}, nil
	}

	res, err := k.kill(ctx, model.RunHalt{
		RunID:       runID,
		Reason:      reason,
		TriggeredBy: "system",
		Detail:      detail,
	})
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Halt: true, Reason: res.Halt.Reason, Detail: res.Halt.Detail}, nil
}

// breach returns the first guard rail the run violates, or "".
func (k *KillSwitch) breach(ctx context.Context, runID string) (model.HaltReason, string, error) {
	spent, err := k.spend.TotalFor(ctx, runID)
	if err != nil {
		return "", "", eris.Wrapf(err, "killswitch: spend for run %s", runID)
	}
	if spent >= k.limits.CostCapCents {
		return model.HaltCostCap, fmt.Sprintf("spent %d of %d cents", spent, k.limits.CostCapCents), nil
	}

	stats, err := k.store.AttemptStats(ctx, runID)
	if err != nil {
		return "", "", eris.Wrapf(err, "killswitch: attempt stats for run %s", runID)
	}
	counted := stats.Total - stats.Killed
	if counted > 0 && counted >= k.limits.FailureRateMinAttempts {
		if rate := stats.FailureRate(); rate >= k.limits.FailureRateThreshold {
			return model.HaltFailureRate,
				fmt.Sprintf("%d of %d attempts failed (%.2f)", stats.Failures, counted, rate), nil
		}
	}

	if k.calls != nil && k.limits.DailyCallLimit > 0 {
		n, err := k.calls.Count(ctx, model.WorkerTier3Call)
		if err != nil {
			return "", "", eris.Wrap(err, "killswitch: daily calls")
		}
		if n >= int64(k.limits.DailyCallLimit) {
			return model.HaltDailyCallLimit, fmt.Sprintf("%d of %d calls placed today", n, k.limits.DailyCallLimit), nil
		}
	}
	return "", "", nil
}

// RecordCall counts a placed voice call toward the daily limit.
func (k *KillSwitch) RecordCall(ctx context.Context, worker model.WorkerType) error {
	if k.calls == nil {
		return nil
	}
	n, err := k.calls.Increment(ctx, worker)
	if err != nil {
		return err
	}
	if k.limits.DailyCallLimit > 0 && n >= int64(k.limits.DailyCallLimit) {
		zap.L().Warn("killswitch: daily call limit reached",
			zap.String("worker", string(worker)),
			zap.Int64("calls", n),
			zap.Int("limit", k.limits.DailyCallLimit),
		)
	}
	return nil
}

// Trigger halts runID, or every run with active gaps when runID is empty,
// and fails their pending and in-progress gaps. Triggering a halted run
// again kills nothing new and reports already_halted.
func (k *KillSwitch) Trigger(ctx context.Context, runID string, reason model.HaltReason, triggeredBy, detail string) (TriggerResult, error) {
	if !reason.Valid() {
		return TriggerResult{}, eris.Wrapf(ErrInvalidTrigger, "unknown reason %q", reason)
	}
	if triggeredBy == "" {
		return TriggerResult{}, eris.Wrap(ErrInvalidTrigger, "triggered_by is required")
	}

	runIDs := []string{runID}
	if runID == "" {
		ids, err := k.store.ActiveRunIDs(ctx)
		if err != nil {
			return TriggerResult{}, eris.Wrap(err, "killswitch: active runs")
		}
		if len(ids) == 0 {
			return TriggerResult{Status: StatusNoActiveRuns, Reason: reason}, nil
		}
		runIDs = ids
	}

	out := TriggerResult{Status: StatusAlreadyHalted, Reason: reason}
	for _, id := range runIDs {
		res, err := k.triggerOne(ctx, model.RunHalt{RunID: id, Reason: reason, TriggeredBy: triggeredBy, Detail: detail})
		if err != nil {
			return TriggerResult{}, err
		}
		if !res.AlreadyHalted {
			out.Status = StatusHalted
		}
		out.GapsKilled += len(res.KilledGapIDs)
		out.KilledGapIDs = append(out.KilledGapIDs, res.KilledGapIDs...)
		out.Halts = append(out.Halts, res.Halt)
	}
	return out, nil
}

func (k *KillSwitch) triggerOne(ctx context.Context, halt model.RunHalt) (store.KillResult, error) {
	unlock := k.locks.Lock(halt.RunID)
	defer unlock()
	return k.kill(ctx, halt)
}

// kill must run under the run's lock.
func (k *KillSwitch) kill(ctx context.Context, halt model.RunHalt) (store.KillResult, error) {
	res, err := k.store.KillRun(ctx, halt, killGap(halt))
	if err != nil {
		return store.KillResult{}, eris.Wrapf(err, "killswitch: kill run %s", halt.RunID)
	}

	if res.AlreadyHalted && len(res.KilledGapIDs) == 0 {
		return res, nil
	}
	zap.L().Warn("killswitch: run halted",
		zap.String("run_id", halt.RunID),
		zap.String("reason", string(res.Halt.Reason)),
		zap.String("triggered_by", res.Halt.TriggeredBy),
		zap.String("detail", res.Halt.Detail),
		zap.Int("gaps_killed", len(res.KilledGapIDs)),
		zap.Bool("already_halted", res.AlreadyHalted),
	)
	for _, n := range k.notifiers {
		n.Halted(ctx, res.Halt, res.KilledGapIDs)
	}
	return res, nil
}

// killGap fails g regardless of its retry budget and documents the kill
// under the next attempt number, which is also the number an in-flight
// dispatch of g would record.
func killGap(halt model.RunHalt) store.KillFunc {
	return func(g model.Gap) (model.Gap, model.Attempt) {
		worker := g.Worker
		if worker == "" {
			worker = model.WorkerTier0Lookup
		}
		msg := fmt.Sprintf("kill switch: %s", halt.Reason)
		if halt.Detail != "" {
			msg += " (" + halt.Detail + ")"
		}

		attempt := model.Attempt{
			GapID:         g.ID,
			RunID:         g.RunID,
			AttemptNumber: g.NextAttemptNumber(),
			WorkerType:    worker,
			Outcome:       model.OutcomeKilled,
			ErrorCode:     ErrorCodeKilled,
			ErrorMessage:  msg,
			Metadata: map[string]any{
				"reason":       string(halt.Reason),
				"triggered_by": halt.TriggeredBy,
				"prior_status": string(g.Status),
			},
		}

		next, _ := queue.Next(g, model.OutcomeKilled)
		next.LastErrorCode = ErrorCodeKilled
		next.LastError = msg
		return next, attempt
	}
}

// Reset clears the halt of a run so dispatch may resume. Gaps failed by the
// kill stay failed.
func (k *KillSwitch) Reset(ctx context.Context, runID, by string) (bool, error) {
	unlock := k.locks.Lock(runID)
	defer unlock()

	removed, err := k.store.DeleteHalt(ctx, runID)
	if err != nil {
		return false, eris.Wrapf(err, "killswitch: reset run %s", runID)
	}
	if removed {
		zap.L().Info("killswitch: halt reset", zap.String("run_id", runID), zap.String("by", by))
	}
	return removed, nil
}

// Status returns the halt of the run, or nil when it may dispatch.
func (k *KillSwitch) Status(ctx context.Context, runID string) (*model.RunHalt, error) {
	h, err := k.store.GetHalt(ctx, runID)
	return h, eris.Wrapf(err, "killswitch: status of run %s", runID)
}
