// Package scheduler drives the periodic jobs: outbox ticks, aging
// re-scores, stale nudges, digests, rebalances and retention pruning.
// Cron-cadence jobs take an advisory lock keyed by job name so overlapping
// runs (or a second process on the same workspace) cannot double-fire.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"taskbridge/internal/config"
	"taskbridge/internal/engine"
	"taskbridge/internal/outbox"
	"taskbridge/internal/planner"
)

type Scheduler struct {
	Engine  engine.Engine
	Outbox  *outbox.Engine
	Planner *planner.Planner
	Cfg     *config.Config
	Log     *slog.Logger

	owner string
	cron  *cron.Cron
}

func New(e engine.Engine, ob *outbox.Engine, pl *planner.Planner, cfg *config.Config) *Scheduler {
	return &Scheduler{
		Engine:  e,
		Outbox:  ob,
		Planner: pl,
		Cfg:     cfg,
		Log:     slog.Default(),
		owner:   uuid.NewString(),
	}
}

// Run starts the outbox workers and the cron jobs, blocking until the
// context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.cron = cron.New(cron.WithParser(parser))

	jobs := []struct {
		name string
		spec string
		ttl  time.Duration
		fn   func(context.Context) error
	}{
		{"rescore", s.Cfg.Scheduler.RescoreCron, 4 * time.Minute, s.rescore},
		{"nudge", s.Cfg.Scheduler.NudgeCron, 30 * time.Minute, s.nudge},
		{"prune", s.Cfg.Scheduler.PruneCron, time.Hour, s.prune},
		{"digest", s.Cfg.Scheduler.DigestCron, time.Hour, s.digest},
	}
	if s.Cfg.Scheduler.RebalanceCron != "" {
		jobs = append(jobs, struct {
			name string
			spec string
			ttl  time.Duration
			fn   func(context.Context) error
		}{"rebalance", s.Cfg.Scheduler.RebalanceCron, 10 * time.Minute, s.rebalance})
	}
	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.locked(ctx, j.name, j.ttl, j.fn) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}
	s.cron.Start()
	defer s.cron.Stop()

	tick := time.Duration(s.Cfg.Scheduler.OutboxTickMS) * time.Millisecond
	return s.Outbox.Run(ctx, tick)
}

// locked runs a job under its advisory lock; a held lock means another run
// is still going and this firing is skipped.
func (s *Scheduler) locked(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) {
	now := time.Now().UTC()
	r := s.Engine.Repo
	ok, err := r.AcquireJobLock(ctx, name, s.owner, now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339))
	if err != nil {
		s.Log.Error("job lock failed", "job", name, "error", err)
		return
	}
	if !ok {
		s.Log.Debug("job lock held elsewhere, skipping", "job", name)
		return
	}
	defer func() {
		if err := r.ReleaseJobLock(ctx, name, s.owner); err != nil {
			s.Log.Error("job lock release failed", "job", name, "error", err)
		}
	}()
	if err := fn(ctx); err != nil {
		s.Log.Error("job failed", "job", name, "error", err)
	}
}

func (s *Scheduler) rescore(ctx context.Context) error {
	n, err := s.Engine.RescoreDue(ctx, 48*time.Hour)
	if err != nil {
		return err
	}
	if n > 0 {
		s.Log.Info("rescored aging tasks", "count", n)
	}
	return nil
}

func (s *Scheduler) nudge(ctx context.Context) error {
	n, err := s.Engine.NudgeStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.Log.Info("stale tasks nudged", "count", n)
	}
	return nil
}

func (s *Scheduler) prune(ctx context.Context) error {
	return s.Engine.Prune(ctx)
}

func (s *Scheduler) digest(ctx context.Context) error {
	return s.Engine.WeeklyDigest(ctx)
}

func (s *Scheduler) rebalance(ctx context.Context) error {
	out, err := s.Planner.Plan(ctx, s.Cfg.Scheduler.RebalanceHours, "")
	if err != nil {
		return err
	}
	s.Log.Info("rebalanced", "plan", out.Plan.ID, "entries", len(out.Plan.Entries), "traces", len(out.Traces))
	return nil
}

// TryLock attempts the advisory lock for a job name; tests use it to probe
// overlap prevention.
func (s *Scheduler) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	return s.Engine.Repo.AcquireJobLock(ctx, name, s.owner, now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339))
}
