package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rate-remediator/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var gapColumnNames = []string{
	"gap_id", "run_id", "competitor_id", "gap_type", "target_unit_sizes", "priority", "status",
	"attempt_count", "max_attempts", "competitor", "worker_type", "last_error_code", "last_error", "created_at", "updated_at",
}

var attemptColumnNames = []string{
	"id", "gap_id", "run_id", "attempt_number", "worker_type", "outcome", "duration_ms", "cost_cents",
	"error_code", "error_message", "source_reference", "metadata", "created_at",
}

func gapRows(g model.Gap) *pgxmock.Rows {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	return pgxmock.NewRows(gapColumnNames).AddRow(
		g.ID, g.RunID, g.CompetitorID, string(g.GapType), []byte(`["10x10"]`), string(g.Priority), string(g.Status),
		g.AttemptCount, g.MaxAttempts, []byte(`{"name":"Acme Storage"}`), string(g.Worker), "", "", now, now,
	)
}

func mockGap(status model.GapStatus, count int) model.Gap {
	return model.Gap{
		ID: "gap-1", RunID: "run-1", CompetitorID: "comp-a", GapType: model.GapTypeMissingRents,
		Priority: model.PriorityNormal, Status: status, AttemptCount: count, MaxAttempts: 3,
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS gap_queue`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetGap_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM gap_queue WHERE gap_id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetGap(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetGap(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM gap_queue WHERE gap_id = \$1`).
		WithArgs("gap-1").
		WillReturnRows(gapRows(mockGap(model.GapStatusPending, 0)))

	g, err := s.GetGap(context.Background(), "gap-1")
	require.NoError(t, err)
	assert.Equal(t, "gap-1", g.ID)
	assert.Equal(t, []string{"10x10"}, g.TargetUnitSizes)
	assert.Equal(t, "Acme Storage", g.Competitor.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertGap_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO gap_queue .* ON CONFLICT \(run_id, competitor_id, gap_type\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT .* FROM gap_queue WHERE run_id = \$1 AND competitor_id = \$2 AND gap_type = \$3`).
		WithArgs("run-1", "comp-a", "missing_rents").
		WillReturnRows(gapRows(mockGap(model.GapStatusPending, 0)))

	g, created, err := s.InsertGap(context.Background(), mockGap(model.GapStatusPending, 0))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "gap-1", g.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SwapGap(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	prev := mockGap(model.GapStatusPending, 0)
	next := prev
	next.Status = model.GapStatusInProgress

	mock.ExpectExec(`UPDATE gap_queue SET .* WHERE gap_id = \$7 AND status = \$8 AND attempt_count = \$9`).
		WithArgs("in_progress", 0, "", "", "", pgxmock.AnyArg(), "gap-1", "pending", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.SwapGap(context.Background(), prev, next)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAttempt_Applies(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	gap := mockGap(model.GapStatusInProgress, 0)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM gap_queue WHERE gap_id = \$1 FOR UPDATE`).
		WithArgs("gap-1").
		WillReturnRows(gapRows(gap))
	mock.ExpectExec(`INSERT INTO attempt_log .* ON CONFLICT \(gap_id, attempt_number\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE gap_queue SET status = \$1`).
		WithArgs("resolved", 0, "tier2_scrape", "", "", pgxmock.AnyArg(), "gap-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO cost_tracker`).
		WithArgs(pgxmock.AnyArg(), "run-1", "tier2_scrape", "attempt", int64(3), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	a := model.Attempt{GapID: "gap-1", RunID: "run-1", AttemptNumber: 1, WorkerType: model.WorkerTier2Scrape, Outcome: model.OutcomeCompleted, CostCents: 3}
	cost := &model.CostEntry{RunID: "run-1", Service: "tier2_scrape", Operation: "attempt", CostCents: 3}

	res, err := s.RecordAttempt(context.Background(), a, cost, func(g model.Gap, a model.Attempt) (model.Gap, bool, error) {
		g.Status = model.GapStatusResolved
		g.Worker = a.WorkerType
		return g, true, nil
	})
	require.NoError(t, err)
	assert.False(t, res.WasDuplicate)
	assert.True(t, res.GapUpdated)
	assert.Equal(t, model.GapStatusResolved, res.Gap.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAttempt_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	gap := mockGap(model.GapStatusPending, 1)
	created := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM gap_queue WHERE gap_id = \$1 FOR UPDATE`).
		WithArgs("gap-1").
		WillReturnRows(gapRows(gap))
	mock.ExpectExec(`INSERT INTO attempt_log`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT .* FROM attempt_log WHERE gap_id = \$1 AND attempt_number = \$2`).
		WithArgs("gap-1", 1).
		WillReturnRows(pgxmock.NewRows(attemptColumnNames).AddRow(
			"att-1", "gap-1", "run-1", 1, "tier1_search", "failed", int64(900), int64(1),
			"PROVIDER_ERROR", "503", "", []byte(`{}`), created,
		))
	mock.ExpectCommit()

	a := model.Attempt{GapID: "gap-1", RunID: "run-1", AttemptNumber: 1, WorkerType: model.WorkerTier1Search, Outcome: model.OutcomeFailed, CostCents: 1}
	res, err := s.RecordAttempt(context.Background(), a, &model.CostEntry{RunID: "run-1", CostCents: 1},
		func(model.Gap, model.Attempt) (model.Gap, bool, error) {
			t.Fatal("apply must not run for a duplicate")
			return model.Gap{}, false, nil
		})
	require.NoError(t, err)
	assert.True(t, res.WasDuplicate)
	assert.Equal(t, "att-1", res.Attempt.ID)
	assert.Equal(t, 1, res.Gap.AttemptCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SumCost(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(cost_cents\), 0\)::bigint FROM cost_tracker WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(5000)))

	total, err := s.SumCost(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AttemptStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`error_code <> \$2\),\s+COUNT\(\*\) FILTER \(WHERE outcome = 'killed'\)\s+FROM attempt_log WHERE run_id = \$1`).
		WithArgs("run-1", model.ErrorCodeNeedsNextTier).
		WillReturnRows(pgxmock.NewRows([]string{"total", "failures", "killed"}).AddRow(10, 7, 0))

	stats, err := s.AttemptStats(context.Background(), "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, stats.FailureRate(), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_KillRun_AlreadyHalted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	haltedAt := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO run_halts .* ON CONFLICT \(run_id\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT run_id, reason, triggered_by, detail, triggered_at FROM run_halts`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "reason", "triggered_by", "detail", "triggered_at"}).
			AddRow("run-1", "cost_cap", "system", "5000 cents", haltedAt))
	mock.ExpectQuery(`SELECT .* FROM gap_queue WHERE run_id = \$1 AND status IN .* FOR UPDATE`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(gapColumnNames))
	mock.ExpectCommit()

	res, err := s.KillRun(context.Background(), model.RunHalt{RunID: "run-1", Reason: model.HaltManual, TriggeredBy: "ops"},
		func(g model.Gap) (model.Gap, model.Attempt) { return g, model.Attempt{} })
	require.NoError(t, err)
	assert.True(t, res.AlreadyHalted)
	assert.Equal(t, model.HaltCostCap, res.Halt.Reason)
	assert.Empty(t, res.KilledGapIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetHalt_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM run_halts WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnError(pgx.ErrNoRows)

	h, err := s.GetHalt(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.NoError(t, mock.ExpectationsWereMet())
}
