package scheduler

import (
	"context"
	"testing"
	"time"

	"taskbridge/internal/backend"
	"taskbridge/internal/config"
	"taskbridge/internal/db"
	"taskbridge/internal/engine"
	"taskbridge/internal/migrate"
)

func newTestScheduler(t *testing.T) (*Scheduler, *Scheduler) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	reg := &backend.Registry{}
	e := engine.New(conn, cfg, reg)
	// Two scheduler instances over the same workspace simulate overlapping
	// runs of the same job.
	return New(e, nil, nil, cfg), New(e, nil, nil, cfg)
}

func TestJobLockPreventsOverlap(t *testing.T) {
	s1, s2 := newTestScheduler(t)
	ctx := context.Background()

	ok, err := s1.TryLock(ctx, "rescore", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}
	ok, err = s2.TryLock(ctx, "rescore", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second owner acquired a held lock")
	}
	// A different job name is independent.
	ok, err = s2.TryLock(ctx, "nudge", time.Minute)
	if err != nil || !ok {
		t.Fatalf("independent lock: %v %v", ok, err)
	}
}

func TestJobLockExpiresAndIsStolen(t *testing.T) {
	s1, s2 := newTestScheduler(t)
	ctx := context.Background()

	// A lapsed lock is stolen by the next owner.
	if ok, err := s1.TryLock(ctx, "prune", -time.Second); err != nil || !ok {
		t.Fatalf("expired lock setup: %v %v", ok, err)
	}
	ok, err := s2.TryLock(ctx, "prune", time.Minute)
	if err != nil || !ok {
		t.Fatalf("steal: %v %v", ok, err)
	}
}

func TestLockedRunsAndReleases(t *testing.T) {
	s1, _ := newTestScheduler(t)
	ctx := context.Background()
	ran := 0
	s1.locked(ctx, "digest", time.Minute, func(context.Context) error {
		ran++
		return nil
	})
	if ran != 1 {
		t.Fatalf("job ran %d times", ran)
	}
	// The lock was released, so the same owner can run again.
	s1.locked(ctx, "digest", time.Minute, func(context.Context) error {
		ran++
		return nil
	})
	if ran != 2 {
		t.Fatalf("job ran %d times after release", ran)
	}
}
