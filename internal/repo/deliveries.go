package repo

import (
	"context"
	"database/sql"

	"taskbridge/internal/domain"
)

// InsertDeliveryTx records a webhook delivery in the seen-delivery ledger.
// The primary-key insert serializes the dedup decision: inserted=false means
// this delivery id was already accepted and the event must not be applied.
func (r Repo) InsertDeliveryTx(ctx context.Context, tx *sql.Tx, d domain.Delivery) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO deliveries(id,backend,payload_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(backend,id) DO NOTHING`,
		d.ID, d.Backend, nullable(d.Payload), d.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetDelivery(ctx context.Context, backend, id string) (domain.Delivery, error) {
	var d domain.Delivery
	var payload sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,backend,payload_json,created_at FROM deliveries WHERE backend=? AND id=?`, backend, id).
		Scan(&d.ID, &d.Backend, &payload, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if payload.Valid {
		d.Payload = payload.String
	}
	return d, err
}

// PruneDeliveries drops ledger entries older than the cutoff (TTL >= 30d).
func (r Repo) PruneDeliveries(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM deliveries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
