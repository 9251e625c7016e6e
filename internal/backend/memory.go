package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"taskbridge/internal/config"
)

// Memory is an in-process backend for development and tests. It honors the
// same idempotency contract as a real backend: repeating a key returns the
// original result without a second effect.
type Memory struct {
	cfg config.BackendConfig

	mu      sync.Mutex
	seq     int
	tasks   map[string]RemoteTask
	byKey   map[string]Result
	effects int

	// failScript scripts status codes for upcoming Execute calls; tests use
	// it to exercise retry and dead-letter paths.
	failScript []int
}

func NewMemory(cfg config.BackendConfig) *Memory {
	return &Memory{
		cfg:   cfg,
		tasks: map[string]RemoteTask{},
		byKey: map[string]Result{},
	}
}

func (b *Memory) Name() string { return b.cfg.Name }

// FailNext queues status codes returned (as StatusError) by upcoming
// Execute calls, in order, before normal behavior resumes.
func (b *Memory) FailNext(codes ...int) {
	b.mu.Lock()
	b.failScript = append(b.failScript, codes...)
	b.mu.Unlock()
}

// Effects returns how many mutations actually landed. The exactly-once
// tests assert on this.
func (b *Memory) Effects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effects
}

// Tasks returns a snapshot of stored tasks.
func (b *Memory) Tasks() []RemoteTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RemoteTask, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t)
	}
	return out
}

func (b *Memory) Execute(ctx context.Context, op Operation) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failScript) > 0 {
		code := b.failScript[0]
		b.failScript = b.failScript[1:]
		return Result{}, &StatusError{Code: code, Body: http.StatusText(code)}
	}
	if op.IdempotencyKey != "" {
		if res, ok := b.byKey[op.IdempotencyKey]; ok {
			return res, nil
		}
	}
	var res Result
	switch op.Type {
	case OpCreateTask, OpAddSubtask:
		b.seq++
		ext := fmt.Sprintf("%s-%d", b.cfg.Name, b.seq)
		var body struct {
			Title string `json:"title"`
		}
		_ = json.Unmarshal(op.Payload, &body)
		b.tasks[ext] = RemoteTask{ExternalID: ext, Title: body.Title, Status: "open"}
		b.effects++
		res = Result{StatusCode: http.StatusCreated, ExternalID: ext}
	case OpAddChecklistItem, OpUpdateTask, OpNotify:
		b.effects++
		res = Result{StatusCode: http.StatusOK}
	default:
		return Result{}, &StatusError{Code: http.StatusBadRequest, Body: "unknown operation " + op.Type}
	}
	if op.IdempotencyKey != "" {
		b.byKey[op.IdempotencyKey] = res
	}
	return res, nil
}

func (b *Memory) ListTasks(ctx context.Context) ([]RemoteTask, error) {
	return b.Tasks(), nil
}

func (b *Memory) VerifyWebhook(headers http.Header, body []byte) bool {
	if b.cfg.WebhookSecret == "" {
		return false
	}
	return VerifySignature(b.cfg.Signature, b.cfg.WebhookSecret, headers, body)
}

func (b *Memory) CreateWebhook(ctx context.Context, callbackURL string) (string, error) {
	return "wh-" + b.cfg.Name, nil
}
