package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-remediator/internal/db"
	"github.com/sells-group/rate-remediator/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// The orchestrator runs up to 20 concurrent attempts, each holding a
	// connection for the duration of its ledger transaction.
	maxConns := int32(24)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS gap_queue (
	gap_id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id            TEXT NOT NULL,
	competitor_id     TEXT NOT NULL,
	gap_type          TEXT NOT NULL,
	target_unit_sizes JSONB NOT NULL DEFAULT '[]',
	priority          TEXT NOT NULL DEFAULT 'normal',
	status            TEXT NOT NULL DEFAULT 'pending',
	attempt_count     INTEGER NOT NULL DEFAULT 0 CHECK (attempt_count >= 0),
	max_attempts      INTEGER NOT NULL DEFAULT 3,
	competitor        JSONB NOT NULL DEFAULT '{}',
	worker_type       TEXT NOT NULL DEFAULT '',
	last_error_code   TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, competitor_id, gap_type)
);

CREATE TABLE IF NOT EXISTS attempt_log (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	gap_id           TEXT NOT NULL REFERENCES gap_queue(gap_id),
	run_id           TEXT NOT NULL,
	attempt_number   INTEGER NOT NULL CHECK (attempt_number > 0),
	worker_type      TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	duration_ms      BIGINT NOT NULL DEFAULT 0,
	cost_cents       BIGINT NOT NULL DEFAULT 0,
	error_code       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	source_reference TEXT NOT NULL DEFAULT '',
	metadata         JSONB NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (gap_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS cost_tracker (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL,
	service    TEXT NOT NULL,
	operation  TEXT NOT NULL,
	cost_cents BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_halts (
	run_id       TEXT PRIMARY KEY,
	reason       TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	triggered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS promotion_decisions (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id          TEXT NOT NULL,
	decision        TEXT NOT NULL,
	score           DOUBLE PRECISION NOT NULL,
	override_reason TEXT NOT NULL DEFAULT '',
	decided_by      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_gap_queue_run_status ON gap_queue(run_id, status);
CREATE INDEX IF NOT EXISTS idx_attempt_log_run_id ON attempt_log(run_id);
CREATE INDEX IF NOT EXISTS idx_attempt_log_worker_created ON attempt_log(worker_type, created_at);
CREATE INDEX IF NOT EXISTS idx_cost_tracker_run_id ON cost_tracker(run_id);
CREATE INDEX IF NOT EXISTS idx_promotion_decisions_run_id ON promotion_decisions(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Gaps ---

func (s *PostgresStore) InsertGap(ctx context.Context, gap model.Gap) (model.Gap, bool, error) {
	if gap.ID == "" {
		gap.ID = uuid.New().String()
	}
	args, err := gapArgs(gap)
	if err != nil {
		return model.Gap{}, false, eris.Wrap(err, "postgres: insert gap")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO gap_queue (`+gapColumns+`) VALUES (`+placeholders(len(args), postgresPH)+`)
		 ON CONFLICT (run_id, competitor_id, gap_type) DO NOTHING`,
		args...,
	)
	if err != nil {
		return model.Gap{}, false, eris.Wrapf(err, "postgres: insert gap for competitor %s", gap.CompetitorID)
	}

	out, err := scanGap(s.pool.QueryRow(ctx,
		`SELECT `+gapColumns+` FROM gap_queue WHERE run_id = $1 AND competitor_id = $2 AND gap_type = $3`,
		gap.RunID, gap.CompetitorID, string(gap.GapType),
	))
	if err != nil {
		return model.Gap{}, false, eris.Wrap(err, "postgres: read inserted gap")
	}
	return out, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetGap(ctx context.Context, gapID string) (*model.Gap, error) {
	g, err := scanGap(s.pool.QueryRow(ctx,
		`SELECT `+gapColumns+` FROM gap_queue WHERE gap_id = $1`, gapID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: gap %s", gapID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get gap %s", gapID)
	}
	return &g, nil
}

func (s *PostgresStore) ListGaps(ctx context.Context, filter GapFilter) ([]model.Gap, error) {
	where, args := gapWhere(filter, postgresPH)
	query := `SELECT ` + gapColumns + ` FROM gap_queue` + where + dispatchOrder
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT ` + postgresPH(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list gaps")
	}
	defer rows.Close()

	var gaps []model.Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan gap")
		}
		gaps = append(gaps, g)
	}
	return gaps, eris.Wrap(rows.Err(), "postgres: list gaps iterate")
}

func (s *PostgresStore) SwapGap(ctx context.Context, prev, next model.Gap) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE gap_queue SET status = $1, attempt_count = $2, worker_type = $3, last_error_code = $4, last_error = $5, updated_at = $6
		 WHERE gap_id = $7 AND status = $8 AND attempt_count = $9`,
		string(next.Status), next.AttemptCount, string(next.Worker), next.LastErrorCode, next.LastError, utcNow(),
		prev.ID, string(prev.Status), prev.AttemptCount,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: swap gap %s", prev.ID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ActiveRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT run_id FROM gap_queue WHERE status IN ('pending', 'in_progress') ORDER BY run_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active runs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: active runs iterate")
}

// --- Attempts ---

// RecordAttempt locks the gap row, inserts the attempt under its idempotency
// key and applies the transition in the same transaction.
func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt model.Attempt, cost *model.CostEntry, apply ApplyFunc) (RecordResult, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = utcNow()
	}
	args, err := attemptArgs(attempt)
	if err != nil {
		return RecordResult{}, eris.Wrap(err, "postgres: record attempt")
	}

	var out RecordResult
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		gap, err := scanGap(tx.QueryRow(ctx,
			`SELECT `+gapColumns+` FROM gap_queue WHERE gap_id = $1 FOR UPDATE`, attempt.GapID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: gap %s", attempt.GapID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: lock gap %s", attempt.GapID)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO attempt_log (`+attemptColumns+`) VALUES (`+placeholders(len(args), postgresPH)+`)
			 ON CONFLICT (gap_id, attempt_number) DO NOTHING`,
			args...,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert attempt %s#%d", attempt.GapID, attempt.AttemptNumber)
		}
		if tag.RowsAffected() == 0 {
			existing, err := scanAttempt(tx.QueryRow(ctx,
				`SELECT `+attemptColumns+` FROM attempt_log WHERE gap_id = $1 AND attempt_number = $2`,
				attempt.GapID, attempt.AttemptNumber,
			))
			if err != nil {
				return eris.Wrap(err, "postgres: load existing attempt")
			}
			out = RecordResult{Attempt: existing, Gap: gap, WasDuplicate: true}
			return nil
		}

		next, changed, err := apply(gap, attempt)
		if err != nil {
			return err
		}
		if changed {
			next.UpdatedAt = attempt.CreatedAt
			if _, err := tx.Exec(ctx,
				`UPDATE gap_queue SET status = $1, attempt_count = $2, worker_type = $3, last_error_code = $4, last_error = $5, updated_at = $6
				 WHERE gap_id = $7`,
				string(next.Status), next.AttemptCount, string(next.Worker), next.LastErrorCode, next.LastError, next.UpdatedAt,
				gap.ID,
			); err != nil {
				return eris.Wrapf(err, "postgres: update gap %s", gap.ID)
			}
		} else {
			next = gap
		}

		if cost != nil && cost.CostCents > 0 {
			if err := insertCostPostgres(ctx, tx, *cost); err != nil {
				return err
			}
		}

		out = RecordResult{Attempt: attempt, Gap: next, GapUpdated: changed}
		return nil
	})
	if err != nil {
		return RecordResult{}, err
	}
	return out, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, gapID string) ([]model.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM attempt_log WHERE gap_id = $1 ORDER BY attempt_number`, gapID)
}

func (s *PostgresStore) ListRunAttempts(ctx context.Context, runID string) ([]model.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM attempt_log WHERE run_id = $1 ORDER BY created_at, gap_id, attempt_number`, runID)
}

func (s *PostgresStore) queryAttempts(ctx context.Context, query string, args ...any) ([]model.Attempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

func (s *PostgresStore) AttemptStats(ctx context.Context, runID string) (model.AttemptStats, error) {
	var st model.AttemptStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE outcome IN ('failed', 'timeout', 'cost_exceeded') AND error_code <> $2),
			COUNT(*) FILTER (WHERE outcome = 'killed')
		 FROM attempt_log WHERE run_id = $1`,
		runID, model.ErrorCodeNeedsNextTier,
	).Scan(&st.Total, &st.Failures, &st.Killed)
	if err != nil {
		return model.AttemptStats{}, eris.Wrapf(err, "postgres: attempt stats %s", runID)
	}
	return st, nil
}

func (s *PostgresStore) CountCallsSince(ctx context.Context, worker model.WorkerType, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempt_log WHERE worker_type = $1 AND source_reference <> '' AND created_at >= $2`,
		string(worker), since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s calls", worker)
	}
	return n, nil
}

// --- Costs ---

func (s *PostgresStore) InsertCost(ctx context.Context, entry model.CostEntry) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return insertCostPostgres(ctx, tx, entry)
	})
}

func insertCostPostgres(ctx context.Context, tx pgx.Tx, e model.CostEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = utcNow()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO cost_tracker (id, run_id, service, operation, cost_cents, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.RunID, e.Service, e.Operation, e.CostCents, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert cost for run %s", e.RunID)
}

func (s *PostgresStore) SumCost(ctx context.Context, runID string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0)::bigint FROM cost_tracker WHERE run_id = $1`, runID,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: sum cost %s", runID)
	}
	return total, nil
}

// --- Halts ---

// KillRun persists the halt (keeping an earlier one) and fails every
// active gap of the run in one transaction.
func (s *PostgresStore) KillRun(ctx context.Context, halt model.RunHalt, kill KillFunc) (KillResult, error) {
	if halt.TriggeredAt.IsZero() {
		halt.TriggeredAt = utcNow()
	}

	var out KillResult
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO run_halts (run_id, reason, triggered_by, detail, triggered_at) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (run_id) DO NOTHING`,
			halt.RunID, string(halt.Reason), halt.TriggeredBy, halt.Detail, halt.TriggeredAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert halt %s", halt.RunID)
		}
		out.Halt = halt
		if tag.RowsAffected() == 0 {
			existing, err := scanHalt(tx.QueryRow(ctx,
				`SELECT run_id, reason, triggered_by, detail, triggered_at FROM run_halts WHERE run_id = $1`, halt.RunID,
			))
			if err != nil {
				return eris.Wrapf(err, "postgres: load halt %s", halt.RunID)
			}
			out.Halt = existing
			out.AlreadyHalted = true
		}

		rows, err := tx.Query(ctx,
			`SELECT `+gapColumns+` FROM gap_queue WHERE run_id = $1 AND status IN ('pending', 'in_progress') ORDER BY gap_id FOR UPDATE`,
			halt.RunID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: active gaps %s", halt.RunID)
		}
		var active []model.Gap
		for rows.Next() {
			g, err := scanGap(rows)
			if err != nil {
				rows.Close()
				return eris.Wrap(err, "postgres: scan gap")
			}
			active = append(active, g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "postgres: active gaps iterate")
		}

		for _, g := range active {
			next, attempt := kill(g)
			if attempt.ID == "" {
				attempt.ID = uuid.New().String()
			}
			if attempt.CreatedAt.IsZero() {
				attempt.CreatedAt = halt.TriggeredAt
			}
			args, err := attemptArgs(attempt)
			if err != nil {
				return eris.Wrap(err, "postgres: kill gap")
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO attempt_log (`+attemptColumns+`) VALUES (`+placeholders(len(args), postgresPH)+`)
				 ON CONFLICT (gap_id, attempt_number) DO NOTHING`,
				args...,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert killed attempt %s", g.ID)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE gap_queue SET status = $1, attempt_count = $2, last_error_code = $3, last_error = $4, updated_at = $5
				 WHERE gap_id = $6`,
				string(next.Status), next.AttemptCount, next.LastErrorCode, next.LastError, attempt.CreatedAt, g.ID,
			); err != nil {
				return eris.Wrapf(err, "postgres: kill gap %s", g.ID)
			}
			out.KilledGapIDs = append(out.KilledGapIDs, g.ID)
		}
		return nil
	})
	if err != nil {
		return KillResult{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetHalt(ctx context.Context, runID string) (*model.RunHalt, error) {
	h, err := scanHalt(s.pool.QueryRow(ctx,
		`SELECT run_id, reason, triggered_by, detail, triggered_at FROM run_halts WHERE run_id = $1`, runID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get halt %s", runID)
	}
	return &h, nil
}

func (s *PostgresStore) DeleteHalt(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM run_halts WHERE run_id = $1`, runID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete halt %s", runID)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Promotion audit ---

func (s *PostgresStore) InsertPromotion(ctx context.Context, rec model.PromotionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = utcNow()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO promotion_decisions (id, run_id, decision, score, override_reason, decided_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.RunID, string(rec.Decision), rec.Score, rec.OverrideReason, rec.DecidedBy, rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert promotion for run %s", rec.RunID)
}

func (s *PostgresStore) ListPromotions(ctx context.Context, runID string) ([]model.PromotionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, decision, score, override_reason, decided_by, created_at
		 FROM promotion_decisions WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list promotions")
	}
	defer rows.Close()

	var recs []model.PromotionRecord
	for rows.Next() {
		rec, err := scanPromotion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan promotion")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list promotions iterate")
}
