package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"taskbridge/internal/domain"
)

func (r Repo) InsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	entries, err := json.Marshal(p.Entries)
	if err != nil {
		return fmt.Errorf("encode plan entries: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO plans(id,session_id,available_hours,entries_json,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.SessionID, p.AvailableHours, string(entries), p.CreatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	var p domain.Plan
	var entries string
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,available_hours,entries_json,created_at FROM plans WHERE id=?`, id).
		Scan(&p.ID, &p.SessionID, &p.AvailableHours, &entries, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(entries), &p.Entries); err != nil {
		return p, fmt.Errorf("decode plan entries: %w", err)
	}
	return p, nil
}

// LatestPlan returns the most recent plan, ErrNotFound if none exists.
func (r Repo) LatestPlan(ctx context.Context) (domain.Plan, error) {
	var p domain.Plan
	var entries string
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,available_hours,entries_json,created_at FROM plans ORDER BY created_at DESC, id DESC LIMIT 1`).
		Scan(&p.ID, &p.SessionID, &p.AvailableHours, &entries, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(entries), &p.Entries); err != nil {
		return p, fmt.Errorf("decode plan entries: %w", err)
	}
	return p, nil
}
