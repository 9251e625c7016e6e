// Package outbox implements the reliable delivery engine: durable intent
// rows written in the producer's transaction, claimed and dispatched by
// concurrent workers with bounded retries and a dead-letter terminal state.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"taskbridge/internal/backend"
	"taskbridge/internal/config"
	"taskbridge/internal/domain"
	"taskbridge/internal/repo"
)

// NewRow builds a pending outbox row for an intended backend effect. The
// idempotency key is always computed here, by the producer, never by a
// worker.
func NewRow(backendName, opType, endpoint string, payload any, taskID string, cfg config.OutboxConfig, now time.Time) (domain.OutboxRow, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return domain.OutboxRow{}, err
	}
	ts := now.UTC().Format(time.RFC3339)
	return domain.OutboxRow{
		Backend:        backendName,
		Operation:      opType,
		Endpoint:       endpoint,
		Payload:        string(canonical),
		IdempotencyKey: Key(backendName, opType, endpoint, canonical),
		Status:         domain.OutboxPending,
		MaxRetries:     cfg.MaxRetries,
		TaskID:         taskID,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}, nil
}

// Enqueue inserts rows inside the producer's transaction. Key conflicts are
// no-ops; the returned count is how many rows were actually inserted.
func Enqueue(ctx context.Context, r repo.Repo, tx *sql.Tx, rows []domain.OutboxRow) (int, error) {
	inserted := 0
	for _, row := range rows {
		ok, err := r.InsertOutboxTx(ctx, tx, row)
		if err != nil {
			return inserted, fmt.Errorf("enqueue outbox row: %w", err)
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// Stats summarizes one worker tick.
type Stats struct {
	Claimed    int
	Delivered  int
	Retried    int
	DeadLetter int
	Reclaimed  int64
}

// Engine runs the worker loop.
type Engine struct {
	Repo     repo.Repo
	Backends *backend.Registry
	Cfg      config.OutboxConfig
	Now      func() time.Time
	// Rand supplies jitter in [0,1); tests pin it.
	Rand func() float64
	Log  *slog.Logger
}

func NewEngine(r repo.Repo, backends *backend.Registry, cfg config.OutboxConfig) *Engine {
	return &Engine{
		Repo:     r,
		Backends: backends,
		Cfg:      cfg,
		Now:      time.Now,
		Rand:     rand.Float64,
		Log:      slog.Default(),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Backoff computes the delay before attempt n+1: exponential with a cap and
// symmetric jitter, backoff(n) = min(cap, base*2^n) * (1 +/- jitter).
func (e *Engine) Backoff(retryCount int) time.Duration {
	base := time.Duration(e.Cfg.BackoffBaseMS) * time.Millisecond
	ceiling := time.Duration(e.Cfg.BackoffCapMS) * time.Millisecond
	d := time.Duration(float64(base) * math.Pow(2, float64(retryCount)))
	if d > ceiling {
		d = ceiling
	}
	jitter := e.Cfg.Jitter
	if jitter > 0 {
		f := 1 - jitter + 2*jitter*e.Rand()
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Tick performs one worker iteration: reclaim lapsed leases, claim a ready
// batch under lock, dispatch each row, and transition per-row so one
// poisoning row cannot block the rest of the batch.
func (e *Engine) Tick(ctx context.Context) (Stats, error) {
	var stats Stats
	now := e.now()
	nowISO := now.UTC().Format(time.RFC3339)

	reclaimed, err := e.Repo.ReclaimExpiredLeases(ctx, nowISO)
	if err != nil {
		return stats, fmt.Errorf("reclaim leases: %w", err)
	}
	stats.Reclaimed = reclaimed
	if reclaimed > 0 {
		e.Log.Info("outbox leases reclaimed", "count", reclaimed)
	}

	lease := time.Duration(e.Cfg.InflightLeaseSecs) * time.Second
	leaseUntil := now.Add(lease).UTC().Format(time.RFC3339)
	rows, err := e.Repo.ClaimOutboxBatch(ctx, e.Cfg.BatchSize, nowISO, leaseUntil)
	if err != nil {
		return stats, fmt.Errorf("claim batch: %w", err)
	}
	stats.Claimed = len(rows)

	for _, row := range rows {
		switch e.dispatch(ctx, row) {
		case outcomeDelivered:
			stats.Delivered++
		case outcomeRetried:
			stats.Retried++
		case outcomeDeadLetter:
			stats.DeadLetter++
		}
	}
	return stats, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetried
	outcomeDeadLetter
)

func (e *Engine) dispatch(ctx context.Context, row domain.OutboxRow) outcome {
	nowISO := e.now().UTC().Format(time.RFC3339)
	b, ok := e.Backends.Get(row.Backend)
	if !ok {
		_ = e.Repo.MarkOutboxDeadLetter(ctx, row.ID, "unknown backend "+row.Backend, nowISO)
		e.Log.Error("outbox row for unknown backend", "row", row.ID, "backend", row.Backend)
		return outcomeDeadLetter
	}

	res, err := b.Execute(ctx, backend.Operation{
		Type:           row.Operation,
		Endpoint:       row.Endpoint,
		Payload:        []byte(row.Payload),
		IdempotencyKey: row.IdempotencyKey,
	})
	nowISO = e.now().UTC().Format(time.RFC3339)
	if err == nil {
		if dbErr := e.Repo.MarkOutboxDelivered(ctx, row.ID, nowISO); dbErr != nil {
			e.Log.Error("mark delivered failed", "row", row.ID, "error", dbErr)
			return outcomeRetried
		}
		if res.ExternalID != "" && row.TaskID != "" && row.Operation == backend.OpCreateTask {
			_ = e.Repo.UpsertMapping(ctx, domain.Mapping{
				Backend:    row.Backend,
				ExternalID: res.ExternalID,
				TaskID:     row.TaskID,
				CreatedAt:  nowISO,
			})
		}
		return outcomeDelivered
	}

	if ctx.Err() != nil {
		// Shutdown mid-dispatch: leave the row inflight, the lease reclaim
		// will return it to pending.
		return outcomeRetried
	}

	errClass := fmt.Sprintf("%v", err)
	if !backend.Retryable(err) {
		_ = e.Repo.MarkOutboxDeadLetter(ctx, row.ID, errClass, nowISO)
		e.Log.Warn("outbox row dead-lettered", "row", row.ID, "backend", row.Backend, "error", errClass)
		return outcomeDeadLetter
	}

	retryCount := row.RetryCount + 1
	if retryCount >= row.MaxRetries {
		_ = e.Repo.MarkOutboxRetry(ctx, row.ID, retryCount, "", errClass, nowISO, true)
		e.Log.Warn("outbox row exhausted retries", "row", row.ID, "attempts", retryCount)
		return outcomeDeadLetter
	}
	delay := e.Backoff(row.RetryCount)
	if hint := backend.RetryAfterHint(err); hint > delay {
		delay = hint
	}
	nextRetry := e.now().Add(delay).UTC().Format(time.RFC3339)
	_ = e.Repo.MarkOutboxRetry(ctx, row.ID, retryCount, nextRetry, errClass, nowISO, false)
	return outcomeRetried
}

// Run starts the configured number of workers, each ticking until the
// context ends. Workers share nothing in-process; coordination is entirely
// through row claims in storage.
func (e *Engine) Run(ctx context.Context, tick time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	workers := e.Cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			for {
				if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
					e.Log.Error("outbox tick failed", "error", err)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}
