package repo

import (
	"context"
	"database/sql"

	"taskbridge/internal/domain"
)

// UpsertMapping binds (backend, external_id) to an internal task id. The key
// is unique per backend; a repeat insert for the same pair is a no-op, which
// makes recording a delivered create_task retry-safe.
func (r Repo) UpsertMapping(ctx context.Context, m domain.Mapping) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_mapping(backend,external_id,task_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(backend,external_id) DO NOTHING`,
		m.Backend, m.ExternalID, m.TaskID, m.CreatedAt)
	return err
}

// ResolveMapping returns the internal task id for a backend task.
func (r Repo) ResolveMapping(ctx context.Context, backend, externalID string) (string, error) {
	return resolveMapping(ctx, r.DB, backend, externalID)
}

// ResolveMappingTx resolves inside an open transaction; webhook intake uses
// it so the lookup shares the dedup insert's connection.
func (r Repo) ResolveMappingTx(ctx context.Context, tx *sql.Tx, backend, externalID string) (string, error) {
	return resolveMapping(ctx, tx, backend, externalID)
}

func resolveMapping(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, backend, externalID string) (string, error) {
	var taskID string
	err := q.QueryRowContext(ctx, `SELECT task_id FROM task_mapping WHERE backend=? AND external_id=?`, backend, externalID).Scan(&taskID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return taskID, err
}

// ExternalIDFor returns the external id a task has on a backend, if any.
func (r Repo) ExternalIDFor(ctx context.Context, backend, taskID string) (string, error) {
	var externalID string
	err := r.DB.QueryRowContext(ctx, `SELECT external_id FROM task_mapping WHERE backend=? AND task_id=?`, backend, taskID).Scan(&externalID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return externalID, err
}

func (r Repo) ListMappings(ctx context.Context, taskID string) ([]domain.Mapping, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT backend,external_id,task_id,created_at FROM task_mapping WHERE task_id=? ORDER BY backend`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mapping
	for rows.Next() {
		var m domain.Mapping
		if err := rows.Scan(&m.Backend, &m.ExternalID, &m.TaskID, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
