package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/rate-remediator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serves local
// runs and tests. A single connection serializes writers, so every
// transaction is exclusive.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS gap_queue (
	gap_id            TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL,
	competitor_id     TEXT NOT NULL,
	gap_type          TEXT NOT NULL,
	target_unit_sizes TEXT NOT NULL DEFAULT '[]',
	priority          TEXT NOT NULL DEFAULT 'normal',
	status            TEXT NOT NULL DEFAULT 'pending',
	attempt_count     INTEGER NOT NULL DEFAULT 0,
	max_attempts      INTEGER NOT NULL DEFAULT 3,
	competitor        TEXT NOT NULL DEFAULT '{}',
	worker_type       TEXT NOT NULL DEFAULT '',
	last_error_code   TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	UNIQUE (run_id, competitor_id, gap_type)
);

CREATE TABLE IF NOT EXISTS attempt_log (
	id               TEXT PRIMARY KEY,
	gap_id           TEXT NOT NULL REFERENCES gap_queue(gap_id),
	run_id           TEXT NOT NULL,
	attempt_number   INTEGER NOT NULL,
	worker_type      TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	cost_cents       INTEGER NOT NULL DEFAULT 0,
	error_code       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	source_reference TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT '{}',
	created_at       DATETIME NOT NULL,
	UNIQUE (gap_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS cost_tracker (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	service    TEXT NOT NULL,
	operation  TEXT NOT NULL,
	cost_cents INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_halts (
	run_id       TEXT PRIMARY KEY,
	reason       TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	triggered_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS promotion_decisions (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	decision        TEXT NOT NULL,
	score           REAL NOT NULL,
	override_reason TEXT NOT NULL DEFAULT '',
	decided_by      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gap_queue_run_status ON gap_queue(run_id, status);
CREATE INDEX IF NOT EXISTS idx_attempt_log_run_id ON attempt_log(run_id);
CREATE INDEX IF NOT EXISTS idx_attempt_log_worker_created ON attempt_log(worker_type, created_at);
CREATE INDEX IF NOT EXISTS idx_cost_tracker_run_id ON cost_tracker(run_id);
CREATE INDEX IF NOT EXISTS idx_promotion_decisions_run_id ON promotion_decisions(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// --- Gaps ---

func (s *SQLiteStore) InsertGap(ctx context.Context, gap model.Gap) (model.Gap, bool, error) {
	if gap.ID == "" {
		gap.ID = uuid.New().String()
	}
	args, err := gapArgs(gap)
	if err != nil {
		return model.Gap{}, false, eris.Wrap(err, "sqlite: insert gap")
	}

	var (
		out     model.Gap
		created bool
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO gap_queue (`+gapColumns+`) VALUES (`+placeholders(len(args), sqlitePH)+`)
			 ON CONFLICT (run_id, competitor_id, gap_type) DO NOTHING`,
			args...,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert gap for competitor %s", gap.CompetitorID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		created = n == 1

		out, err = scanGap(tx.QueryRowContext(ctx,
			`SELECT `+gapColumns+` FROM gap_queue WHERE run_id = ? AND competitor_id = ? AND gap_type = ?`,
			gap.RunID, gap.CompetitorID, string(gap.GapType),
		))
		return eris.Wrap(err, "sqlite: read inserted gap")
	})
	if err != nil {
		return model.Gap{}, false, err
	}
	return out, created, nil
}

func (s *SQLiteStore) GetGap(ctx context.Context, gapID string) (*model.Gap, error) {
	g, err := scanGap(s.db.QueryRowContext(ctx,
		`SELECT `+gapColumns+` FROM gap_queue WHERE gap_id = ?`, gapID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: gap %s", gapID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get gap %s", gapID)
	}
	return &g, nil
}

func (s *SQLiteStore) ListGaps(ctx context.Context, filter GapFilter) ([]model.Gap, error) {
	where, args := gapWhere(filter, sqlitePH)
	query := `SELECT ` + gapColumns + ` FROM gap_queue` + where + dispatchOrder
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list gaps")
	}
	defer rows.Close() //nolint:errcheck

	var gaps []model.Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan gap")
		}
		gaps = append(gaps, g)
	}
	return gaps, eris.Wrap(rows.Err(), "sqlite: list gaps iterate")
}

func (s *SQLiteStore) SwapGap(ctx context.Context, prev, next model.Gap) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gap_queue SET status = ?, attempt_count = ?, worker_type = ?, last_error_code = ?, last_error = ?, updated_at = ?
		 WHERE gap_id = ? AND status = ? AND attempt_count = ?`,
		string(next.Status), next.AttemptCount, string(next.Worker), next.LastErrorCode, next.LastError, utcNow(),
		prev.ID, string(prev.Status), prev.AttemptCount,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: swap gap %s", prev.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ActiveRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT run_id FROM gap_queue WHERE status IN ('pending', 'in_progress') ORDER BY run_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active runs")
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: active runs iterate")
}

// --- Attempts ---

func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt model.Attempt, cost *model.CostEntry, apply ApplyFunc) (RecordResult, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = utcNow()
	}
	args, err := attemptArgs(attempt)
	if err != nil {
		return RecordResult{}, eris.Wrap(err, "sqlite: record attempt")
	}

	var out RecordResult
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		gap, err := scanGap(tx.QueryRowContext(ctx,
			`SELECT `+gapColumns+` FROM gap_queue WHERE gap_id = ?`, attempt.GapID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "sqlite: gap %s", attempt.GapID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: load gap %s", attempt.GapID)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO attempt_log (`+attemptColumns+`) VALUES (`+placeholders(len(args), sqlitePH)+`)
			 ON CONFLICT (gap_id, attempt_number) DO NOTHING`,
			args...,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert attempt %s#%d", attempt.GapID, attempt.AttemptNumber)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			existing, err := scanAttempt(tx.QueryRowContext(ctx,
				`SELECT `+attemptColumns+` FROM attempt_log WHERE gap_id = ? AND attempt_number = ?`,
				attempt.GapID, attempt.AttemptNumber,
			))
			if err != nil {
				return eris.Wrap(err, "sqlite: load existing attempt")
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
			if _, err := tx.ExecContext(ctx,
				`UPDATE gap_queue SET status = ?, attempt_count = ?, worker_type = ?, last_error_code = ?, last_error = ?, updated_at = ?
				 WHERE gap_id = ?`,
				string(next.Status), next.AttemptCount, string(next.Worker), next.LastErrorCode, next.LastError, next.UpdatedAt,
				gap.ID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: update gap %s", gap.ID)
			}
		} else {
			next = gap
		}

		if cost != nil && cost.CostCents > 0 {
			if err := insertCostSQLite(ctx, tx, *cost); err != nil {
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

func (s *SQLiteStore) ListAttempts(ctx context.Context, gapID string) ([]model.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM attempt_log WHERE gap_id = ? ORDER BY attempt_number`, gapID)
}

func (s *SQLiteStore) ListRunAttempts(ctx context.Context, runID string) ([]model.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM attempt_log WHERE run_id = ? ORDER BY created_at, gap_id, attempt_number`, runID)
}

func (s *SQLiteStore) queryAttempts(ctx context.Context, query string, args ...any) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close() //nolint:errcheck

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

func (s *SQLiteStore) AttemptStats(ctx context.Context, runID string) (model.AttemptStats, error) {
	var st model.AttemptStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN outcome IN ('failed', 'timeout', 'cost_exceeded') AND error_code <> ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'killed' THEN 1 ELSE 0 END), 0)
		 FROM attempt_log WHERE run_id = ?`,
		model.ErrorCodeNeedsNextTier, runID,
	).Scan(&st.Total, &st.Failures, &st.Killed)
	if err != nil {
		return model.AttemptStats{}, eris.Wrapf(err, "sqlite: attempt stats %s", runID)
	}
	return st, nil
}

func (s *SQLiteStore) CountCallsSince(ctx context.Context, worker model.WorkerType, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempt_log WHERE worker_type = ? AND source_reference <> '' AND created_at >= ?`,
		string(worker), since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s calls", worker)
	}
	return n, nil
}

// --- Costs ---

func (s *SQLiteStore) InsertCost(ctx context.Context, entry model.CostEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertCostSQLite(ctx, tx, entry)
	})
}

func insertCostSQLite(ctx context.Context, tx *sql.Tx, e model.CostEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = utcNow()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cost_tracker (id, run_id, service, operation, cost_cents, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Service, e.Operation, e.CostCents, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert cost for run %s", e.RunID)
}

func (s *SQLiteStore) SumCost(ctx context.Context, runID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM cost_tracker WHERE run_id = ?`, runID,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: sum cost %s", runID)
	}
	return total, nil
}

// --- Halts ---

func (s *SQLiteStore) KillRun(ctx context.Context, halt model.RunHalt, kill KillFunc) (KillResult, error) {
	if halt.TriggeredAt.IsZero() {
		halt.TriggeredAt = utcNow()
	}

	var out KillResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanHalt(tx.QueryRowContext(ctx,
			`SELECT run_id, reason, triggered_by, detail, triggered_at FROM run_halts WHERE run_id = ?`, halt.RunID,
		))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_halts (run_id, reason, triggered_by, detail, triggered_at) VALUES (?, ?, ?, ?, ?)`,
				halt.RunID, string(halt.Reason), halt.TriggeredBy, halt.Detail, halt.TriggeredAt,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert halt %s", halt.RunID)
			}
			out.Halt = halt
		case err != nil:
			return eris.Wrapf(err, "sqlite: load halt %s", halt.RunID)
		default:
			out.Halt = existing
			out.AlreadyHalted = true
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+gapColumns+` FROM gap_queue WHERE run_id = ? AND status IN ('pending', 'in_progress') ORDER BY gap_id`,
			halt.RunID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: active gaps %s", halt.RunID)
		}
		var active []model.Gap
		for rows.Next() {
			g, err := scanGap(rows)
			if err != nil {
				rows.Close() //nolint:errcheck
				return eris.Wrap(err, "sqlite: scan gap")
			}
			active = append(active, g)
		}
		rows.Close() //nolint:errcheck
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "sqlite: active gaps iterate")
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
				return eris.Wrap(err, "sqlite: kill gap")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO attempt_log (`+attemptColumns+`) VALUES (`+placeholders(len(args), sqlitePH)+`)
				 ON CONFLICT (gap_id, attempt_number) DO NOTHING`,
				args...,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert killed attempt %s", g.ID)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE gap_queue SET status = ?, attempt_count = ?, last_error_code = ?, last_error = ?, updated_at = ?
				 WHERE gap_id = ?`,
				string(next.Status), next.AttemptCount, next.LastErrorCode, next.LastError, attempt.CreatedAt, g.ID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: kill gap %s", g.ID)
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

func (s *SQLiteStore) GetHalt(ctx context.Context, runID string) (*model.RunHalt, error) {
	h, err := scanHalt(s.db.QueryRowContext(ctx,
		`SELECT run_id, reason, triggered_by, detail, triggered_at FROM run_halts WHERE run_id = ?`, runID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get halt %s", runID)
	}
	return &h, nil
}

func (s *SQLiteStore) DeleteHalt(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_halts WHERE run_id = ?`, runID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: delete halt %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func scanHalt(row scannable) (model.RunHalt, error) {
	var (
		h      model.RunHalt
		reason string
	)
	if err := row.Scan(&h.RunID, &reason, &h.TriggeredBy, &h.Detail, &h.TriggeredAt); err != nil {
		return model.RunHalt{}, err
	}
	h.Reason = model.HaltReason(reason)
	return h, nil
}

// --- Promotion audit ---

func (s *SQLiteStore) InsertPromotion(ctx context.Context, rec model.PromotionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = utcNow()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO promotion_decisions (id, run_id, decision, score, override_reason, decided_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, string(rec.Decision), rec.Score, rec.OverrideReason, rec.DecidedBy, rec.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert promotion for run %s", rec.RunID)
}

func (s *SQLiteStore) ListPromotions(ctx context.Context, runID string) ([]model.PromotionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, decision, score, override_reason, decided_by, created_at
		 FROM promotion_decisions WHERE run_id = ? ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list promotions")
	}
	defer rows.Close() //nolint:errcheck

	var recs []model.PromotionRecord
	for rows.Next() {
		rec, err := scanPromotion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan promotion")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list promotions iterate")
}

func scanPromotion(row scannable) (model.PromotionRecord, error) {
	var (
		rec      model.PromotionRecord
		decision string
	)
	if err := row.Scan(&rec.ID, &rec.RunID, &decision, &rec.Score, &rec.OverrideReason, &rec.DecidedBy, &rec.CreatedAt); err != nil {
		return model.PromotionRecord{}, err
	}
	rec.Decision = model.Decision(decision)
	return rec, nil
}
