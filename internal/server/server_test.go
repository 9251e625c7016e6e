package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"taskbridge/internal/audit"
	"taskbridge/internal/backend"
	"taskbridge/internal/config"
	"taskbridge/internal/db"
	"taskbridge/internal/domain"
	"taskbridge/internal/engine"
	"taskbridge/internal/migrate"
	"taskbridge/internal/planner"
	"taskbridge/internal/webhook"
)

const whSecret = "hook-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	cfg.Backends = []config.BackendConfig{{
		Name: "board", Kind: "memory", WebhookSecret: whSecret,
		Signature: config.SignatureConfig{Scheme: config.SchemeHMACSHA256Hex, Header: "X-Signature"},
	}}
	cfg.Defaults.Backend = "board"
	reg := &backend.Registry{}
	reg.Put(backend.NewMemory(cfg.Backends[0]))

	e := engine.New(conn, cfg, reg)
	pl := planner.New(e.Repo, audit.Writer{DB: conn}, cfg)
	wh := webhook.NewProcessor(e.Repo, reg)

	handler, err := New(Config{Engine: e, Planner: pl, Webhooks: wh, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func TestIntakeAndFetch(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/intake", map[string]any{
		"title":  "API returns 500 on login",
		"client": "acme",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body=%s", res.StatusCode, body)
	}
	var created IntakeResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Type != "bugfix" || created.Score <= 0 {
		t.Fatalf("created = %+v", created)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", res.StatusCode)
	}
	var task TaskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != "pending" || len(task.Checklist) == 0 {
		t.Fatalf("task = %+v", task)
	}
}

func TestIntakeInvariantViolation(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	res, _ := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/intake", map[string]any{
		"title":    "x",
		"deadline": "2000-01-01T00:00:00Z",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestWebhookSignatureAndReplay(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	now := time.Now().UTC().Format(time.RFC3339)
	if err := ts.Engine.Repo.InsertTask(context.Background(), domain.Task{
		ID: "tsk_wh", Title: "t", Client: "acme", Type: "general",
		Importance: 3, EffortHours: 1, Status: domain.TaskPending,
		CreatedAt: now, UpdatedAt: now, LastActivityAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := ts.Engine.Repo.UpsertMapping(context.Background(), domain.Mapping{
		Backend: "board", ExternalID: "ext-9", TaskID: "tsk_wh", CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"delivery_id":"d-100","external_id":"ext-9","status":"in_progress"}`)
	sig := backend.Sign(config.SignatureConfig{Scheme: config.SchemeHMACSHA256Hex, Header: "X-Signature"}, whSecret, payload, "")

	// Bad signature: 401, no state change.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/webhooks/board", bytes.NewReader(payload))
	req.Header.Set("X-Signature", "bogus")
	res, err := ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d", res.StatusCode)
	}

	// Valid: 200 and the status applies.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/v0/webhooks/board", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sig)
	res, err = ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid delivery status = %d", res.StatusCode)
	}
	task, _ := ts.Engine.Repo.GetTask(context.Background(), "tsk_wh")
	if task.Status != domain.TaskInProgress {
		t.Fatalf("status = %s", task.Status)
	}

	// Replay: 204, no change.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/v0/webhooks/board", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sig)
	res, err = ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("replay status = %d", res.StatusCode)
	}
}

func TestMappingLookup(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	res, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/mappings/board/nothing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestOutboxStatsAndRebalance(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	_, _ = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/intake", map[string]any{"title": "task one", "client": "acme"}, nil)

	res, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/outbox/stats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", res.StatusCode)
	}
	var stats map[string]int
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if stats["pending"] == 0 {
		t.Fatalf("stats = %v", stats)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/rebalance", map[string]any{"available_hours": 4.0}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rebalance status = %d body=%s", res.StatusCode, body)
	}
	var plan RebalanceResponse
	if err := json.Unmarshal(body, &plan); err != nil {
		t.Fatal(err)
	}
	if len(plan.Entries) != 1 {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestAuthGuardsOperatorEndpoints(t *testing.T) {
	ts := newTestServer(t, AuthConfig{APIKeys: []string{"k1"}})

	res, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/outbox/stats", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", res.StatusCode)
	}
	res, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/outbox/stats", nil, map[string]string{"X-Api-Key": "k1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status = %d", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

func TestAuditExport(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	_, _ = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/intake", map[string]any{"title": "audited task"}, nil)
	res, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/audit", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d", res.StatusCode)
	}
	var traces []TraceResponse
	if err := json.Unmarshal(body, &traces); err != nil {
		t.Fatal(err)
	}
	if len(traces) == 0 {
		t.Fatal("no audit rows after intake")
	}
	if traces[0].Kind != "triage.scored" {
		t.Errorf("kind = %s", traces[0].Kind)
	}
}
