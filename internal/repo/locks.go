package repo

import (
	"context"
)

// AcquireJobLock takes an advisory lock keyed by job name. Overlapping runs
// of a scheduler job are prevented by the primary key; a lapsed lock is
// stolen. Returns false when another owner holds a live lock.
func (r Repo) AcquireJobLock(ctx context.Context, name, owner, now, expiresAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO job_locks(name,owner,expires_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
WHERE job_locks.expires_at <= ?`, name, owner, expiresAt, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseJobLock drops the lock if still held by owner.
func (r Repo) ReleaseJobLock(ctx context.Context, name, owner string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM job_locks WHERE name=? AND owner=?`, name, owner)
	return err
}
