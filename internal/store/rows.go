package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-remediator/internal/model"
)

const gapColumns = `gap_id, run_id, competitor_id, gap_type, target_unit_sizes, priority, status,
	attempt_count, max_attempts, competitor, worker_type, last_error_code, last_error, created_at, updated_at`

const attemptColumns = `id, gap_id, run_id, attempt_number, worker_type, outcome, duration_ms, cost_cents,
	error_code, error_message, source_reference, metadata, created_at`

// dispatchOrder sorts gaps high priority first, then fewest attempts, then oldest.
const dispatchOrder = ` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'low' THEN 2 ELSE 1 END, attempt_count ASC, created_at ASC, gap_id ASC`

type scannable interface {
	Scan(dest ...any) error
}

// gapWhere renders filter as a WHERE clause. ph returns the placeholder for
// the n-th argument (1-based).
func gapWhere(filter GapFilter, ph func(n int) string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	in := func(col string, vals []string) {
		if len(vals) == 0 {
			return
		}
		marks := make([]string, len(vals))
		for i, v := range vals {
			args = append(args, v)
			marks[i] = ph(len(args))
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", ")))
	}

	if filter.RunID != "" {
		args = append(args, filter.RunID)
		clauses = append(clauses, "run_id = "+ph(len(args)))
	}
	in("status", toStrings(filter.Statuses))
	in("gap_type", toStrings(filter.GapTypes))
	in("priority", toStrings(filter.Priorities))
	in("competitor_id", filter.CompetitorIDs)

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func toStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

func scanGap(row scannable) (model.Gap, error) {
	var (
		g          model.Gap
		sizesJSON  []byte
		compJSON   []byte
		gapType    string
		priority   string
		status     string
		workerType string
	)
	err := row.Scan(&g.ID, &g.RunID, &g.CompetitorID, &gapType, &sizesJSON, &priority, &status,
		&g.AttemptCount, &g.MaxAttempts, &compJSON, &workerType, &g.LastErrorCode, &g.LastError,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return model.Gap{}, err
	}
	g.GapType = model.GapType(gapType)
	g.Priority = model.Priority(priority)
	g.Status = model.GapStatus(status)
	g.Worker = model.WorkerType(workerType)
	if len(sizesJSON) > 0 {
		if err := json.Unmarshal(sizesJSON, &g.TargetUnitSizes); err != nil {
			return model.Gap{}, eris.Wrap(err, "unmarshal target_unit_sizes")
		}
	}
	if len(compJSON) > 0 {
		if err := json.Unmarshal(compJSON, &g.Competitor); err != nil {
			return model.Gap{}, eris.Wrap(err, "unmarshal competitor")
		}
	}
	if g.TargetUnitSizes == nil {
		g.TargetUnitSizes = []string{}
	}
	return g, nil
}

func scanAttempt(row scannable) (model.Attempt, error) {
	var (
		a        model.Attempt
		worker   string
		outcome  string
		metaJSON []byte
	)
	err := row.Scan(&a.ID, &a.GapID, &a.RunID, &a.AttemptNumber, &worker, &outcome, &a.DurationMS,
		&a.CostCents, &a.ErrorCode, &a.ErrorMessage, &a.SourceReference, &metaJSON, &a.CreatedAt)
	if err != nil {
		return model.Attempt{}, err
	}
	a.WorkerType = model.WorkerType(worker)
	a.Outcome = model.Outcome(outcome)
	if len(metaJSON) > 0 && string(metaJSON) != "null" {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return model.Attempt{}, eris.Wrap(err, "unmarshal attempt metadata")
		}
	}
	return a, nil
}

// gapArgs returns the insert arguments of g in gapColumns order.
func gapArgs(g model.Gap) ([]any, error) {
	sizes := g.TargetUnitSizes
	if sizes == nil {
		sizes = []string{}
	}
	sizesJSON, err := json.Marshal(sizes)
	if err != nil {
		return nil, eris.Wrap(err, "marshal target_unit_sizes")
	}
	compJSON, err := json.Marshal(g.Competitor)
	if err != nil {
		return nil, eris.Wrap(err, "marshal competitor")
	}
	return []any{
		g.ID, g.RunID, g.CompetitorID, string(g.GapType), string(sizesJSON), string(g.Priority), string(g.Status),
		g.AttemptCount, g.MaxAttempts, string(compJSON), string(g.Worker), g.LastErrorCode, g.LastError,
		g.CreatedAt, g.UpdatedAt,
	}, nil
}

// attemptArgs returns the insert arguments of a in attemptColumns order.
func attemptArgs(a model.Attempt) ([]any, error) {
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, eris.Wrap(err, "marshal attempt metadata")
	}
	return []any{
		a.ID, a.GapID, a.RunID, a.AttemptNumber, string(a.WorkerType), string(a.Outcome), a.DurationMS,
		a.CostCents, a.ErrorCode, a.ErrorMessage, a.SourceReference, string(metaJSON), a.CreatedAt,
	}, nil
}

// placeholders returns "?, ?, ..." or "$1, $2, ..." for n arguments.
func placeholders(n int, ph func(i int) string) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = ph(i + 1)
	}
	return strings.Join(marks, ", ")
}

func sqlitePH(int) string { return "?" }

func postgresPH(n int) string { return fmt.Sprintf("$%d", n) }

func utcNow() time.Time { return time.Now().UTC() }
