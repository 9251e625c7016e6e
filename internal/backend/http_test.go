package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"taskbridge/internal/config"
)

func httpBackendConfig(baseURL string) config.BackendConfig {
	return config.BackendConfig{
		Name:          "alpha",
		Kind:          "http",
		BaseURL:       baseURL,
		Token:         "tok-123",
		TimeoutMS:     2000,
		ListTimeoutMS: 2000,
		Rate:          config.RateConfig{RPS: 1000, Burst: 1000},
		PriorityMap:   map[int]int{1: 4, 2: 3, 3: 3, 4: 2, 5: 1},
	}
}

func TestExecuteSendsIdempotencyKeyAndAuth(t *testing.T) {
	var gotKey, gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ext-42"})
	}))
	defer srv.Close()

	b := NewHTTP(httpBackendConfig(srv.URL))
	res, err := b.Execute(context.Background(), Operation{
		Type:           OpCreateTask,
		Endpoint:       "/tasks",
		Payload:        []byte(`{"title":"x"}`),
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != "key-1" {
		t.Errorf("Idempotency-Key = %q", gotKey)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if res.ExternalID != "ext-42" || res.StatusCode != http.StatusCreated {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutePriorityRemap(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ext-1"})
	}))
	defer srv.Close()

	b := NewHTTP(httpBackendConfig(srv.URL))
	_, err := b.Execute(context.Background(), Operation{
		Type:     OpCreateTask,
		Endpoint: "/tasks",
		Payload:  []byte(`{"title":"x","importance":4}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := body["priority"].(float64); !ok || got != 2 {
		t.Errorf("priority = %v, want 2", body["priority"])
	}
	if _, ok := body["importance"]; ok {
		t.Error("importance not removed after remap")
	}

	// Non-task operations pass the payload through untouched.
	body = nil
	_, err = b.Execute(context.Background(), Operation{
		Type:     OpAddSubtask,
		Endpoint: "/tasks/tsk_1/subtasks",
		Payload:  []byte(`{"title":"sub","importance":4}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := body["importance"].(float64); !ok || got != 4 {
		t.Errorf("subtask payload remapped: %v", body)
	}
}

func TestExecuteMemoShortCircuits(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ext-7"})
	}))
	defer srv.Close()

	b := NewHTTP(httpBackendConfig(srv.URL))
	op := Operation{
		Type:           OpCreateTask,
		Endpoint:       "/tasks",
		Payload:        []byte(`{"title":"x"}`),
		IdempotencyKey: "memo-key",
	}
	first, err := b.Execute(context.Background(), op)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Execute(context.Background(), op)
	if err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 1 {
		t.Fatalf("requests = %d, want the memo to short-circuit the repeat", requests.Load())
	}
	if first.ExternalID != "ext-7" || second.ExternalID != "ext-7" {
		t.Errorf("results = %+v / %+v", first, second)
	}
}

func TestExecuteRateLimitedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewHTTP(httpBackendConfig(srv.URL))
	_, err := b.Execute(context.Background(), Operation{
		Type:     OpCreateTask,
		Endpoint: "/tasks",
		Payload:  []byte(`{"title":"x"}`),
	})
	if err == nil {
		t.Fatal("expected 429 error")
	}
	if !Retryable(err) {
		t.Error("429 must classify as retryable")
	}
	if hint := RetryAfterHint(err); hint != 30*time.Second {
		t.Errorf("Retry-After hint = %v, want 30s", hint)
	}
}

func TestExecuteMethodPerOperation(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewHTTP(httpBackendConfig(srv.URL))
	if _, err := b.Execute(context.Background(), Operation{
		Type: OpUpdateTask, Endpoint: "/tasks/ext-1", Payload: []byte(`{"title":"y"}`),
	}); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("update method = %s, want PUT", gotMethod)
	}
	if _, err := b.Execute(context.Background(), Operation{
		Type: OpNotify, Endpoint: "/notify", Payload: []byte(`{"message":"m"}`),
	}); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("notify method = %s, want POST", gotMethod)
	}
}

func TestListTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks" {
			t.Errorf("list path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": "ext-1", "title": "one", "status": "open"},
			{"id": "ext-2", "title": "two", "status": "closed"},
		})
	}))
	defer srv.Close()

	b := NewHTTP(httpBackendConfig(srv.URL))
	tasks, err := b.ListTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].ExternalID != "ext-1" || tasks[1].Status != "closed" {
		t.Errorf("tasks = %+v", tasks)
	}
}
