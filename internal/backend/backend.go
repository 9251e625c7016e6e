// Package backend abstracts third-party task-management systems behind a
// capability interface. Mapping and idempotency policy live in the core;
// adapters only carry calls across the wire.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"taskbridge/internal/config"
)

// Operation names understood by every backend.
const (
	OpCreateTask       = "create_task"
	OpAddSubtask       = "add_subtask"
	OpAddChecklistItem = "add_checklist_item"
	OpUpdateTask       = "update_task"
	OpNotify           = "notify"
)

// Operation is one mutating call against a backend, as stored in the outbox.
type Operation struct {
	Type           string
	Endpoint       string
	Payload        []byte
	Headers        map[string]string
	IdempotencyKey string
}

// Result of a successful dispatch.
type Result struct {
	StatusCode int
	ExternalID string
}

// RemoteTask is the subset of a backend task the core cares about.
type RemoteTask struct {
	ExternalID string
	Title      string
	Status     string
}

// Backend is the capability contract each third-party system implements.
// All mutating calls carry the producer's idempotency key.
type Backend interface {
	Name() string
	Execute(ctx context.Context, op Operation) (Result, error)
	ListTasks(ctx context.Context) ([]RemoteTask, error)
	VerifyWebhook(headers http.Header, body []byte) bool
	CreateWebhook(ctx context.Context, callbackURL string) (string, error)
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Body)
}

// Retryable reports whether an error warrants another outbox attempt.
// Transport failures and timeouts are retryable; 4xx (except 408/425/429)
// are permanent.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusRequestTimeout,
			se.Code == http.StatusTooEarly,
			se.Code == http.StatusTooManyRequests:
			return true
		case se.Code >= 500:
			return true
		default:
			return false
		}
	}
	return true
}

// RetryAfterHint returns the backend's Retry-After, zero if none.
func RetryAfterHint(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Registry holds the configured backends by name.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds backends from config.
func NewRegistry(cfgs []config.BackendConfig) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend, len(cfgs))}
	for _, bc := range cfgs {
		var b Backend
		switch bc.Kind {
		case "http":
			b = NewHTTP(bc)
		case "memory":
			b = NewMemory(bc)
		default:
			return nil, fmt.Errorf("backend %s: unknown kind %s", bc.Name, bc.Kind)
		}
		r.backends[bc.Name] = b
	}
	return r, nil
}

// Get returns the named backend, ok=false if absent.
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Put registers or replaces a backend; tests use it to install stubs.
func (r *Registry) Put(b Backend) {
	if r.backends == nil {
		r.backends = map[string]Backend{}
	}
	r.backends[b.Name()] = b
}

// Names lists registered backends.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	return names
}
