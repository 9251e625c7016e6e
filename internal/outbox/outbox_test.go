package outbox

import (
	"context"
	"testing"
	"time"

	"taskbridge/internal/backend"
	"taskbridge/internal/config"
	"taskbridge/internal/db"
	"taskbridge/internal/domain"
	"taskbridge/internal/migrate"
	"taskbridge/internal/repo"
)

type testEnv struct {
	Repo    repo.Repo
	Engine  *Engine
	Backend *backend.Memory
	Cfg     *config.Config
	Ctx     context.Context
	clock   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
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
	cfg.Backends = []config.BackendConfig{{Name: "board", Kind: "memory", WebhookSecret: "s3cret"}}
	mem := backend.NewMemory(cfg.Backends[0])
	reg := &backend.Registry{}
	reg.Put(mem)

	env := &testEnv{
		Repo:    repo.Repo{DB: conn},
		Backend: mem,
		Cfg:     cfg,
		Ctx:     context.Background(),
		clock:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	eng := NewEngine(env.Repo, reg, cfg.Outbox)
	eng.Now = func() time.Time { return env.clock }
	eng.Rand = func() float64 { return 0.5 } // jitter factor 1.0
	env.Engine = eng

	ts := env.clock.UTC().Format(time.RFC3339)
	if err := env.Repo.InsertTask(env.Ctx, domain.Task{
		ID:             "tsk_1",
		Title:          "seed",
		Client:         "acme",
		Type:           "bug",
		Importance:     3,
		EffortHours:    1,
		Status:         "pending",
		CreatedAt:      ts,
		UpdatedAt:      ts,
		LastActivityAt: ts,
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return env
}

func (env *testEnv) enqueue(t *testing.T, opType string, payload map[string]any) domain.OutboxRow {
	t.Helper()
	row, err := NewRow("board", opType, "/tasks", payload, "tsk_1", env.Cfg.Outbox, env.clock)
	if err != nil {
		t.Fatalf("new row: %v", err)
	}
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if _, err := Enqueue(env.Ctx, env.Repo, tx, []domain.OutboxRow{row}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	stored, err := env.Repo.GetOutboxRowByKey(env.Ctx, row.IdempotencyKey)
	if err != nil {
		t.Fatalf("load row: %v", err)
	}
	return stored
}

func TestKeyDeterministic(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Canonical(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical not deterministic: %s vs %s", a, b)
	}
	if Key("x", "create_task", "/tasks", a) != Key("x", "create_task", "/tasks", b) {
		t.Fatal("keys differ for equal payloads")
	}
	if Key("x", "create_task", "/tasks", a) == Key("y", "create_task", "/tasks", a) {
		t.Fatal("backend must be part of the key")
	}
}

func TestDuplicateEnqueueIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]any{"task_id": "tsk_1", "title": "hello"}
	first := env.enqueue(t, backend.OpCreateTask, payload)
	second := env.enqueue(t, backend.OpCreateTask, payload)
	if first.ID != second.ID {
		t.Fatalf("duplicate key created a second row: %d vs %d", first.ID, second.ID)
	}
	stats, err := env.Repo.OutboxStats(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats["pending"] != 1 {
		t.Fatalf("stats = %v, want 1 pending", stats)
	}
}

func TestDeliverRecordsMappingExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]any{"task_id": "tsk_1", "title": "hello"}
	env.enqueue(t, backend.OpCreateTask, payload)

	stats, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("delivered = %d", stats.Delivered)
	}
	if env.Backend.Effects() != 1 {
		t.Fatalf("effects = %d, want 1", env.Backend.Effects())
	}

	// Re-running the producer with the same payload: insert no-ops, a later
	// tick dispatches nothing, zero additional backend effects.
	env.enqueue(t, backend.OpCreateTask, payload)
	stats, err = env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Claimed != 0 || env.Backend.Effects() != 1 {
		t.Fatalf("claimed=%d effects=%d, want 0/1", stats.Claimed, env.Backend.Effects())
	}

	taskID, err := env.Repo.ResolveMapping(env.Ctx, "board", "board-1")
	if err != nil || taskID != "tsk_1" {
		t.Fatalf("mapping = %q, %v", taskID, err)
	}
}

func TestRetryableFailureThenSuccess(t *testing.T) {
	env := newTestEnv(t)
	row := env.enqueue(t, backend.OpCreateTask, map[string]any{"task_id": "tsk_1", "title": "x"})
	env.Backend.FailNext(503)

	stats, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Retried != 1 {
		t.Fatalf("retried = %d", stats.Retried)
	}
	after, err := env.Repo.GetOutboxRow(env.Ctx, row.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.OutboxPending || after.RetryCount != 1 {
		t.Fatalf("row = %+v", after)
	}
	if after.NextRetryAt == nil {
		t.Fatal("next_retry_at not set")
	}
	next, _ := time.Parse(time.RFC3339, *after.NextRetryAt)
	delay := next.Sub(env.clock)
	// backoff(0) = 1s, pinned jitter factor 1.0, stored at second granularity.
	if delay < 0 || delay > 2*time.Second {
		t.Fatalf("delay = %v, want ~1s", delay)
	}

	// A tick before next_retry_at must not dispatch the row.
	if stats, err = env.Engine.Tick(env.Ctx); err != nil || stats.Claimed != 0 {
		t.Fatalf("premature dispatch: %+v %v", stats, err)
	}

	env.clock = env.clock.Add(3 * time.Second)
	stats, err = env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("delivered = %d", stats.Delivered)
	}
	if env.Backend.Effects() != 1 {
		t.Fatalf("effects = %d, want exactly one (the 503 had none)", env.Backend.Effects())
	}
	final, _ := env.Repo.GetOutboxRow(env.Ctx, row.ID)
	if final.Status != domain.OutboxDelivered {
		t.Fatalf("status = %s", final.Status)
	}
}

func TestNonRetryableGoesStraightToDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	row := env.enqueue(t, backend.OpCreateTask, map[string]any{"task_id": "tsk_1", "title": "x"})
	env.Backend.FailNext(404)

	stats, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.DeadLetter != 1 {
		t.Fatalf("dead_letter = %d", stats.DeadLetter)
	}
	after, _ := env.Repo.GetOutboxRow(env.Ctx, row.ID)
	if after.Status != domain.OutboxDeadLetter || after.RetryCount != 0 {
		t.Fatalf("row = %+v", after)
	}
}

func TestDeadLetterAfterExhaustion(t *testing.T) {
	env := newTestEnv(t)
	row := env.enqueue(t, backend.OpCreateTask, map[string]any{"task_id": "tsk_1", "title": "x"})
	for i := 0; i < env.Cfg.Outbox.MaxRetries; i++ {
		env.Backend.FailNext(500)
		if _, err := env.Engine.Tick(env.Ctx); err != nil {
			t.Fatal(err)
		}
		env.clock = env.clock.Add(2 * time.Minute)
	}
	after, _ := env.Repo.GetOutboxRow(env.Ctx, row.ID)
	if after.Status != domain.OutboxDeadLetter {
		t.Fatalf("status = %s after exhaustion", after.Status)
	}
	if after.LastError == nil {
		t.Fatal("last_error not recorded")
	}
	stats, _ := env.Repo.OutboxStats(env.Ctx)
	if stats["dead_letter"] != 1 {
		t.Fatalf("stats = %v", stats)
	}
	// Subsequent ticks never select a dead-letter row.
	ts, err := env.Engine.Tick(env.Ctx)
	if err != nil || ts.Claimed != 0 {
		t.Fatalf("dead-letter row reselected: %+v %v", ts, err)
	}
	if env.Backend.Effects() != 0 {
		t.Fatalf("effects = %d, want 0", env.Backend.Effects())
	}
}

func TestClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, backend.OpCreateTask, map[string]any{"task_id": "tsk_1", "title": "x"})

	now := env.clock.UTC().Format(time.RFC3339)
	lease := env.clock.Add(time.Minute).UTC().Format(time.RFC3339)
	first, err := env.Repo.ClaimOutboxBatch(env.Ctx, 10, now, lease)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first claim = %d rows", len(first))
	}
	// A second worker claiming the same instant gets nothing: the row is
	// inflight under the first worker's lease.
	second, err := env.Repo.ClaimOutboxBatch(env.Ctx, 10, now, lease)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim = %d rows, want 0", len(second))
	}
}

func TestLeaseReclaim(t *testing.T) {
	env := newTestEnv(t)
	row := env.enqueue(t, backend.OpCreateTask, map[string]any{"task_id": "tsk_1", "title": "x"})

	// Simulate a crash mid-flight: claim, then never finish.
	now := env.clock.UTC().Format(time.RFC3339)
	lease := env.clock.Add(time.Duration(env.Cfg.Outbox.InflightLeaseSecs) * time.Second).UTC().Format(time.RFC3339)
	if _, err := env.Repo.ClaimOutboxBatch(env.Ctx, 10, now, lease); err != nil {
		t.Fatal(err)
	}

	// Before the lease lapses nothing is reclaimed.
	stats, err := env.Engine.Tick(env.Ctx)
	if err != nil || stats.Reclaimed != 0 || stats.Claimed != 0 {
		t.Fatalf("early reclaim: %+v %v", stats, err)
	}

	env.clock = env.clock.Add(2 * time.Duration(env.Cfg.Outbox.InflightLeaseSecs) * time.Second)
	stats, err = env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Reclaimed != 1 || stats.Delivered != 1 {
		t.Fatalf("reclaim tick = %+v", stats)
	}
	if env.Backend.Effects() != 1 {
		t.Fatalf("effects = %d", env.Backend.Effects())
	}
	final, _ := env.Repo.GetOutboxRow(env.Ctx, row.ID)
	if final.Status != domain.OutboxDelivered {
		t.Fatalf("status = %s", final.Status)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	row := env.enqueue(t, backend.OpCreateTask, map[string]any{"task_id": "tsk_1", "title": "x"})
	env.Backend.FailNext(404)
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	now := env.clock.UTC().Format(time.RFC3339)
	if err := env.Repo.RequeueDeadLetter(env.Ctx, row.ID, now); err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.Tick(env.Ctx)
	if err != nil || stats.Delivered != 1 {
		t.Fatalf("requeue redelivery: %+v %v", stats, err)
	}
}

func TestBackoffShape(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	e.Rand = func() float64 { return 0 } // factor 1-jitter
	if got := e.Backoff(0); got != time.Duration(float64(time.Second)*0.8) {
		t.Errorf("backoff(0) low bound = %v", got)
	}
	e.Rand = func() float64 { return 1 } // factor 1+jitter
	if got := e.Backoff(0); got != time.Duration(float64(time.Second)*1.2) {
		t.Errorf("backoff(0) high bound = %v", got)
	}
	e.Rand = func() float64 { return 0.5 }
	if got := e.Backoff(3); got != 8*time.Second {
		t.Errorf("backoff(3) = %v, want 8s", got)
	}
	if got := e.Backoff(20); got != 60*time.Second {
		t.Errorf("backoff cap = %v, want 60s", got)
	}
}
