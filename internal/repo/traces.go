package repo

import (
	"context"
	"database/sql"

	"taskbridge/internal/domain"
)

const traceColumns = `id,ts,session_id,kind,COALESCE(task_id,''),COALESCE(other_id,''),COALESCE(deltas_json,''),total,rank_old,rank_new,COALESCE(rationale,'')`

func scanTrace(scan func(dest ...any) error) (domain.Trace, error) {
	var t domain.Trace
	err := scan(&t.ID, &t.TS, &t.SessionID, &t.Kind, &t.TaskID, &t.OtherID, &t.Deltas,
		&t.Total, &t.RankOld, &t.RankNew, &t.Rationale)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// TracesBetween returns audit rows in a time window, oldest first.
func (r Repo) TracesBetween(ctx context.Context, from, to string, limit int) ([]domain.Trace, error) {
	query := `SELECT ` + traceColumns + ` FROM audit_traces WHERE ts >= ? AND ts <= ? ORDER BY ts, id`
	args := []any{from, to}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trace
	for rows.Next() {
		t, err := scanTrace(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TracesForSession returns all rows from one planner/rebalancer run.
func (r Repo) TracesForSession(ctx context.Context, sessionID string) ([]domain.Trace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+traceColumns+` FROM audit_traces WHERE session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trace
	for rows.Next() {
		t, err := scanTrace(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
