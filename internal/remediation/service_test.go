package remediation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rate-remediator/internal/config"
	"github.com/sells-group/rate-remediator/internal/cost"
	"github.com/sells-group/rate-remediator/internal/coverage"
	"github.com/sells-group/rate-remediator/internal/killswitch"
	"github.com/sells-group/rate-remediator/internal/ledger"
	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/orchestrator"
	"github.com/sells-group/rate-remediator/internal/queue"
	"github.com/sells-group/rate-remediator/internal/store"
)

type fakeDispatcher struct{ runs []string }

func (f *fakeDispatcher) Run(_ context.Context, runID string) (*orchestrator.RunReport, error) {
	f.runs = append(f.runs, runID)
	return &orchestrator.RunReport{RunID: runID, Rounds: 1}, nil
}

type decisionLog struct{ decisions []model.Decision }

func (d *decisionLog) Decided(_ context.Context, dec coverage.Decision) {
	d.decisions = append(d.decisions, dec.Decision)
}

func newService(t *testing.T, opts ...Option) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "remediation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	limits := config.DefaultGuardrails()
	q := queue.New(st, limits.MaxAttempts)
	ks := killswitch.New(st, cost.NewTracker(st, limits.CostCapCents), limits)
	svc := NewService(q, ledger.New(st, q), ks, coverage.NewGate(st, limits.MinPromotionScore), st, opts...)
	return svc, st
}

func candidates() []model.GapCandidate {
	return []model.GapCandidate{
		{CompetitorID: "comp-a", GapType: model.GapTypeMissingRents, TargetUnitSizes: []string{"10x10"}, Priority: model.PriorityHigh},
		{CompetitorID: "comp-b", GapType: model.GapTypeMissingRents, TargetUnitSizes: []string{"5x5"}},
		{CompetitorID: "comp-c", GapType: model.GapTypeIncompleteDetails, Priority: model.PriorityLow},
	}
}

func promote(t *testing.T, svc *Service) []model.Gap {
	t.Helper()
	resp, err := svc.PromoteGaps(context.Background(), PromoteRequest{RunID: "run-1", Candidates: candidates()})
	require.NoError(t, err)
	return resp.PromotedGaps
}

func TestPromoteGaps_Dedupe(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.PromoteGaps(ctx, PromoteRequest{RunID: "run-1", Candidates: candidates()})
	require.NoError(t, err)
	assert.Equal(t, 3, first.GapsPromoted)
	require.Len(t, first.PromotedGaps, 3)

	again, err := svc.PromoteGaps(ctx, PromoteRequest{RunID: "run-1", Candidates: candidates()})
	require.NoError(t, err)
	assert.Zero(t, again.GapsPromoted)
	require.Len(t, again.PromotedGaps, 3)
	for i := range first.PromotedGaps {
		assert.Equal(t, first.PromotedGaps[i].ID, again.PromotedGaps[i].ID)
	}
}

func TestPromoteGaps_Filters(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.PromoteGaps(ctx, PromoteRequest{
		RunID:      "run-1",
		Candidates: candidates(),
		Filters:    Filters{GapTypes: []model.GapType{model.GapTypeMissingRents}, Priorities: []model.Priority{model.PriorityNormal}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.GapsPromoted)
	require.Len(t, resp.PromotedGaps, 1)
	assert.Equal(t, "comp-b", resp.PromotedGaps[0].CompetitorID)

	listed, err := svc.PromoteGaps(ctx, PromoteRequest{RunID: "run-1", Filters: Filters{CompetitorIDs: []string{"comp-b"}}})
	require.NoError(t, err)
	assert.Zero(t, listed.GapsPromoted)
	require.Len(t, listed.PromotedGaps, 1)
}

func TestPromoteGaps_InputErrors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.PromoteGaps(ctx, PromoteRequest{Candidates: candidates()})
	assert.True(t, IsInputError(err))

	_, err = svc.PromoteGaps(ctx, PromoteRequest{RunID: "run-1", Candidates: []model.GapCandidate{
		{RunID: "run-2", CompetitorID: "comp-a", GapType: model.GapTypeMissingRents},
	}})
	assert.True(t, IsInputError(err))

	_, err = svc.PromoteGaps(ctx, PromoteRequest{RunID: "run-1", Candidates: []model.GapCandidate{
		{CompetitorID: "comp-a", GapType: "missing_everything"},
	}})
	assert.True(t, IsInputError(err))
}

func logReq(g model.Gap, n int, outcome model.Outcome) LogAttemptRequest {
	req := LogAttemptRequest{
		GapID: g.ID, RunID: g.RunID, WorkerType: model.WorkerTier2Scrape,
		AttemptNumber: n, Outcome: outcome, DurationMS: 1200,
	}
	if outcome == model.OutcomeFailed {
		req.ErrorCode, req.ErrorMessage = "SCRAPE_FAILED", "cloudflare challenge"
	}
	return req
}

func TestLogAttempt_RetryCapFailsGap(t *testing.T) {
	svc, _ := newService(t)
	g := promote(t, svc)[0]
	ctx := context.Background()

	var resp LogAttemptResponse
	var err error
	for n := 1; n <= 3; n++ {
		resp, err = svc.LogAttempt(ctx, logReq(g, n, model.OutcomeFailed))
		require.NoError(t, err)
		assert.True(t, resp.Logged)
		assert.True(t, resp.GapStatusUpdated)
	}
	assert.Equal(t, model.GapStatusFailed, resp.NewGapStatus)
	require.NotNil(t, resp.NewAttemptCount)
	assert.Equal(t, 3, *resp.NewAttemptCount)
}

func TestLogAttempt_FailThenCompleteResolves(t *testing.T) {
	svc, _ := newService(t)
	g := promote(t, svc)[0]
	ctx := context.Background()

	resp, err := svc.LogAttempt(ctx, logReq(g, 1, model.OutcomeFailed))
	require.NoError(t, err)
	assert.Equal(t, model.GapStatusPending, resp.NewGapStatus)

	resp, err = svc.LogAttempt(ctx, logReq(g, 2, model.OutcomeCompleted))
	require.NoError(t, err)
	assert.Equal(t, model.GapStatusResolved, resp.NewGapStatus)
	assert.Equal(t, 1, *resp.NewAttemptCount)
}

func TestLogAttempt_Duplicate(t *testing.T) {
	svc, st := newService(t)
	g := promote(t, svc)[0]
	ctx := context.Background()

	req := logReq(g, 1, model.OutcomeFailed)
	req.CostCents = 30
	first, err := svc.LogAttempt(ctx, req)
	require.NoError(t, err)

	again, err := svc.LogAttempt(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.WasDuplicate)
	assert.False(t, again.Logged)
	assert.False(t, again.GapStatusUpdated)
	assert.Equal(t, first.AttemptLogID, again.AttemptLogID)
	assert.Equal(t, model.GapStatusPending, first.NewGapStatus)
	assert.Equal(t, first.NewGapStatus, again.NewGapStatus)
	require.NotNil(t, first.NewAttemptCount)
	require.NotNil(t, again.NewAttemptCount)
	assert.Equal(t, 1, *first.NewAttemptCount)
	assert.Equal(t, *first.NewAttemptCount, *again.NewAttemptCount)

	spent, err := st.SumCost(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), spent)
}

func TestLogAttempt_Started(t *testing.T) {
	svc, _ := newService(t)
	g := promote(t, svc)[0]

	resp, err := svc.LogAttempt(context.Background(), logReq(g, 1, model.OutcomeStarted))
	require.NoError(t, err)
	assert.False(t, resp.Logged)
	assert.True(t, resp.GapStatusUpdated)
	assert.Equal(t, model.GapStatusInProgress, resp.NewGapStatus)
	assert.Equal(t, 0, *resp.NewAttemptCount)
}

func TestLogAttempt_Errors(t *testing.T) {
	svc, _ := newService(t)
	g := promote(t, svc)[0]
	ctx := context.Background()

	_, err := svc.LogAttempt(ctx, LogAttemptRequest{RunID: "run-1"})
	assert.True(t, IsInputError(err))

	_, err = svc.LogAttempt(ctx, LogAttemptRequest{GapID: g.ID})
	assert.True(t, IsInputError(err))

	_, err = svc.LogAttempt(ctx, logReq(g, 3, model.OutcomeFailed))
	assert.True(t, IsInputError(err), "attempt number out of sequence")

	bad := logReq(g, 1, model.OutcomeFailed)
	bad.WorkerType = "tier9_magic"
	_, err = svc.LogAttempt(ctx, bad)
	assert.True(t, IsInputError(err))

	missing := logReq(model.Gap{ID: "00000000-0000-0000-0000-000000000000", RunID: "run-1"}, 1, model.OutcomeFailed)
	_, err = svc.LogAttempt(ctx, missing)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsInputError(err))
}

func TestLogAttempt_TerminalGapIsNoop(t *testing.T) {
	svc, _ := newService(t)
	g := promote(t, svc)[0]
	ctx := context.Background()

	_, err := svc.LogAttempt(ctx, logReq(g, 1, model.OutcomeCompleted))
	require.NoError(t, err)

	resp, err := svc.LogAttempt(ctx, logReq(g, 2, model.OutcomeFailed))
	require.NoError(t, err)
	assert.False(t, resp.Logged)
	assert.False(t, resp.GapStatusUpdated)
	assert.Equal(t, model.GapStatusResolved, resp.NewGapStatus)
}

func TestTriggerKillSwitch(t *testing.T) {
	svc, _ := newService(t)
	promote(t, svc)
	ctx := context.Background()

	req := KillRequest{RunID: "run-1", Reason: model.HaltManual, TriggeredBy: "ops@example.com"}
	first, err := svc.TriggerKillSwitch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, killswitch.StatusHalted, first.Status)
	assert.Equal(t, 3, first.GapsKilled)

	again, err := svc.TriggerKillSwitch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, killswitch.StatusAlreadyHalted, again.Status)
	assert.Zero(t, again.GapsKilled)

	halt, err := svc.HaltStatus(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, halt)
	assert.Equal(t, model.HaltManual, halt.Reason)

	_, err = svc.TriggerKillSwitch(ctx, KillRequest{RunID: "run-1", Reason: "boredom", TriggeredBy: "ops"})
	assert.True(t, IsInputError(err))

	reset, err := svc.ResetKillSwitch(ctx, "run-1", "ops@example.com")
	require.NoError(t, err)
	assert.True(t, reset.Reset)

	halt, err = svc.HaltStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, halt)

	_, err = svc.ResetKillSwitch(ctx, "run-1", "")
	assert.True(t, IsInputError(err))
}

func resolveWithRates(t *testing.T, svc *Service, g model.Gap, source string, sizes ...string) {
	t.Helper()
	rates := make([]model.Rate, 0, len(sizes))
	for _, s := range sizes {
		rates = append(rates, model.Rate{UnitSize: s, MonthlyCents: 10000, Source: source})
	}
	req := logReq(g, 1, model.OutcomeCompleted)
	req.SourceReference = source
	req.Metadata = map[string]any{model.MetadataRates: rates}
	_, err := svc.LogAttempt(context.Background(), req)
	require.NoError(t, err)
}

func TestEvaluate_PromotesCoveredRun(t *testing.T) {
	svc, _ := newService(t)
	gaps := promote(t, svc)
	resolveWithRates(t, svc, gaps[0], "https://a.example.com/pricing", "10x10")
	resolveWithRates(t, svc, gaps[1], "https://b.example.com/units", "5x5")
	resolveWithRates(t, svc, gaps[2], "call:xyz", "10x20")

	d, err := svc.Evaluate(context.Background(), EvaluateRequest{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionPromote, d.Decision)
	assert.Equal(t, 100.0, d.Score.OverallScore)
	assert.Equal(t, model.ConfidenceHigh, d.Score.ConfidenceLevel)
}

func TestEvaluate_HoldWhileActive(t *testing.T) {
	obs := &decisionLog{}
	svc, _ := newService(t, WithDecisionObserver(obs))
	promote(t, svc)
	ctx := context.Background()

	d, err := svc.Evaluate(ctx, EvaluateRequest{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionHold, d.Decision)
	assert.Equal(t, []model.Decision{model.DecisionHold}, obs.decisions)

	_, err = svc.Override(ctx, OverrideRequest{RunID: "run-1", Reason: "ship it", DecidedBy: "ops"})
	assert.True(t, IsInputError(err))
}

func TestEvaluate_OverrideAfterKill(t *testing.T) {
	svc, _ := newService(t)
	promote(t, svc)
	ctx := context.Background()

	_, err := svc.TriggerKillSwitch(ctx, KillRequest{RunID: "run-1", Reason: model.HaltCostCap, TriggeredBy: "system", Detail: "spent 5000 of 5000 cents"})
	require.NoError(t, err)

	d, err := svc.Evaluate(ctx, EvaluateRequest{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionOverrideRequired, d.Decision)
	require.Len(t, d.Blockers, 4)
	assert.Equal(t, "HALT_COST_CAP", d.Blockers[0].ErrorCode)
	for _, b := range d.Blockers[1:] {
		assert.Equal(t, killswitch.ErrorCodeKilled, b.ErrorCode)
		assert.NotEmpty(t, b.GapID)
	}

	_, err = svc.Override(ctx, OverrideRequest{RunID: "run-1", DecidedBy: "ops"})
	assert.True(t, IsInputError(err))

	rec, err := svc.Override(ctx, OverrideRequest{RunID: "run-1", Reason: "manual survey attached", DecidedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionPromote, rec.Decision)
	assert.Equal(t, "manual survey attached", rec.OverrideReason)
}

func TestEvaluate_SuppliedEvidence(t *testing.T) {
	svc, _ := newService(t)
	gaps := promote(t, svc)
	resolveWithRates(t, svc, gaps[0], "https://a.example.com", "10x10")
	resolveWithRates(t, svc, gaps[1], "https://a.example.com", "5x5")
	resolveWithRates(t, svc, gaps[2], "https://a.example.com", "10x20")

	base, err := svc.Evaluate(context.Background(), EvaluateRequest{RunID: "run-1"})
	require.NoError(t, err)

	enriched, err := svc.Evaluate(context.Background(), EvaluateRequest{RunID: "run-1", Evidence: []model.Evidence{
		{CompetitorID: "comp-a", UnitSize: "10x10", Source: "https://b.example.com"},
		{CompetitorID: "comp-a", UnitSize: "10x10", Source: "call:1"},
	}})
	require.NoError(t, err)
	assert.Greater(t, enriched.Score.SourceDiversityScore, base.Score.SourceDiversityScore)
}

func TestListGapsAndAttempts(t *testing.T) {
	svc, _ := newService(t)
	gaps := promote(t, svc)
	ctx := context.Background()

	_, err := svc.LogAttempt(ctx, logReq(gaps[1], 1, model.OutcomeFailed))
	require.NoError(t, err)

	listed, err := svc.ListGaps(ctx, ListGapsRequest{RunID: "run-1", Statuses: []model.GapStatus{model.GapStatusPending}})
	require.NoError(t, err)
	assert.Len(t, listed, 3)
	assert.Equal(t, "comp-a", listed[0].CompetitorID)

	_, err = svc.ListGaps(ctx, ListGapsRequest{RunID: "run-1", Statuses: []model.GapStatus{"lost"}})
	assert.True(t, IsInputError(err))

	attempts, err := svc.ListAttempts(ctx, gaps[1].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "SCRAPE_FAILED", attempts[0].ErrorCode)

	_, err = svc.ListAttempts(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, IsNotFound(err))
}

func TestDispatch(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Dispatch(context.Background(), "run-1")
	assert.ErrorIs(t, err, ErrDispatchUnavailable)

	d := &fakeDispatcher{}
	svc, _ = newService(t, WithDispatcher(d))
	report, err := svc.Dispatch(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rounds)
	assert.Equal(t, []string{"run-1"}, d.runs)

	_, err = svc.Dispatch(context.Background(), " ")
	assert.True(t, IsInputError(err))
}
