package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskbridge/internal/domain"
)

const outboxColumns = `id,backend,operation,endpoint,payload_json,headers_json,idempotency_key,status,retry_count,max_retries,next_retry_at,lease_expires_at,last_error,COALESCE(task_id,''),created_at,updated_at`

func scanOutboxRow(scan func(dest ...any) error) (domain.OutboxRow, error) {
	var o domain.OutboxRow
	var nextRetry, lease, lastErr sql.NullString
	err := scan(&o.ID, &o.Backend, &o.Operation, &o.Endpoint, &o.Payload, &o.Headers,
		&o.IdempotencyKey, &o.Status, &o.RetryCount, &o.MaxRetries,
		&nextRetry, &lease, &lastErr, &o.TaskID, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if nextRetry.Valid {
		o.NextRetryAt = &nextRetry.String
	}
	if lease.Valid {
		o.LeaseExpiresAt = &lease.String
	}
	if lastErr.Valid {
		o.LastError = &lastErr.String
	}
	return o, nil
}

// InsertOutboxTx inserts an intent row inside the producer's transaction.
// A duplicate idempotency key is a no-op: the intended effect is already
// recorded. Returns inserted=false in that case.
func (r Repo) InsertOutboxTx(ctx context.Context, tx *sql.Tx, o domain.OutboxRow) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO outbox(backend,operation,endpoint,payload_json,headers_json,idempotency_key,status,retry_count,max_retries,next_retry_at,task_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(idempotency_key) DO NOTHING`,
		o.Backend, o.Operation, o.Endpoint, o.Payload, headersOrEmpty(o.Headers), o.IdempotencyKey,
		domain.OutboxPending, 0, o.MaxRetries, nullableStringPtr(o.NextRetryAt), nullable(o.TaskID),
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func headersOrEmpty(h string) string {
	if strings.TrimSpace(h) == "" {
		return "{}"
	}
	return h
}

// ClaimOutboxBatch atomically moves up to limit ready pending rows to
// inflight with a lease and returns them. The whole claim runs in one
// transaction with per-row compare-and-set on status, so two workers can
// never claim the same row; rows another worker grabbed first are skipped
// rather than waited on.
func (r Repo) ClaimOutboxBatch(ctx context.Context, limit int, now, leaseUntil string) ([]domain.OutboxRow, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox
WHERE status=? AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY next_retry_at IS NOT NULL, next_retry_at, id
LIMIT ?`, domain.OutboxPending, now, limit)
	if err != nil {
		return nil, err
	}
	var candidates []domain.OutboxRow
	for rows.Next() {
		o, err := scanOutboxRow(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []domain.OutboxRow
	for _, o := range candidates {
		res, err := tx.ExecContext(ctx, `UPDATE outbox SET status=?, lease_expires_at=?, updated_at=? WHERE id=? AND status=?`,
			domain.OutboxInflight, leaseUntil, now, o.ID, domain.OutboxPending)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // another worker won the row
		}
		o.Status = domain.OutboxInflight
		o.LeaseExpiresAt = &leaseUntil
		claimed = append(claimed, o)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkOutboxDelivered finalizes a row. The transition is guarded on inflight
// so a reclaimed-and-redelivered row cannot be finalized twice.
func (r Repo) MarkOutboxDelivered(ctx context.Context, id int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status=?, lease_expires_at=NULL, last_error=NULL, updated_at=? WHERE id=? AND status=?`,
		domain.OutboxDelivered, now, id, domain.OutboxInflight)
	return err
}

// MarkOutboxRetry returns an inflight row to pending with the next attempt
// scheduled, or to dead_letter when retries are exhausted.
func (r Repo) MarkOutboxRetry(ctx context.Context, id int64, retryCount int, nextRetryAt, lastError, now string, dead bool) error {
	status := domain.OutboxPending
	var next any = nextRetryAt
	if dead {
		status = domain.OutboxDeadLetter
		next = nil
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status=?, retry_count=?, next_retry_at=?, lease_expires_at=NULL, last_error=?, updated_at=? WHERE id=? AND status=?`,
		status, retryCount, next, lastError, now, id, domain.OutboxInflight)
	return err
}

// MarkOutboxDeadLetter moves an inflight row straight to dead_letter
// (non-retryable failures).
func (r Repo) MarkOutboxDeadLetter(ctx context.Context, id int64, lastError, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status=?, next_retry_at=NULL, lease_expires_at=NULL, last_error=?, updated_at=? WHERE id=? AND status=?`,
		domain.OutboxDeadLetter, lastError, now, id, domain.OutboxInflight)
	return err
}

// ReclaimExpiredLeases returns inflight rows whose lease has lapsed to
// pending. The backend is idempotency-keyed, so a second attempt is safe.
func (r Repo) ReclaimExpiredLeases(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status=?, lease_expires_at=NULL, updated_at=? WHERE status=? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		domain.OutboxPending, now, domain.OutboxInflight, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueDeadLetter puts a dead-letter row back in play. Operator action.
func (r Repo) RequeueDeadLetter(ctx context.Context, id int64, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status=?, retry_count=0, next_retry_at=NULL, lease_expires_at=NULL, updated_at=? WHERE id=? AND status=?`,
		domain.OutboxPending, now, id, domain.OutboxDeadLetter)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetOutboxRow(ctx context.Context, id int64) (domain.OutboxRow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id=?`, id)
	return scanOutboxRow(row.Scan)
}

func (r Repo) GetOutboxRowByKey(ctx context.Context, key string) (domain.OutboxRow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE idempotency_key=?`, key)
	return scanOutboxRow(row.Scan)
}

func (r Repo) ListOutboxByStatus(ctx context.Context, status string, limit int) ([]domain.OutboxRow, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE status=? ORDER BY id`
	args := []any{status}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxRow
	for rows.Next() {
		o, err := scanOutboxRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// OutboxStats returns row counts per status.
func (r Repo) OutboxStats(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// PruneDeliveredOutbox removes delivered rows older than the cutoff.
func (r Repo) PruneDeliveredOutbox(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM outbox WHERE status=? AND updated_at < ?`, domain.OutboxDelivered, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
