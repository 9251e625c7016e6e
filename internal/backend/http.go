package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskbridge/internal/config"
)

// HTTP is the generic REST adapter. Endpoint paths come from config; the
// adapter attaches auth, the idempotency key, rate limiting and priority
// mapping, and keeps a key->external_id memo so a duplicate call for an
// already-delivered key short-circuits without touching the wire.
type HTTP struct {
	cfg     config.BackendConfig
	client  *http.Client
	listing *http.Client
	limiter *rate.Limiter

	mu   sync.Mutex
	memo map[string]string
}

func NewHTTP(cfg config.BackendConfig) *HTTP {
	return &HTTP{
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		listing: &http.Client{Timeout: time.Duration(cfg.ListTimeoutMS) * time.Millisecond},
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate.RPS), cfg.Rate.Burst),
		memo:    map[string]string{},
	}
}

func (b *HTTP) Name() string { return b.cfg.Name }

func (b *HTTP) Execute(ctx context.Context, op Operation) (Result, error) {
	if ext, ok := b.memoGet(op.IdempotencyKey); ok {
		return Result{StatusCode: http.StatusOK, ExternalID: ext}, nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	payload, err := b.preparePayload(op)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, methodFor(op.Type), b.cfg.BaseURL+op.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	if op.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", op.IdempotencyKey)
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	res, err := b.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Result{}, &StatusError{
			Code:       res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
		}
	}
	out := Result{StatusCode: res.StatusCode}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.ID != "" {
		out.ExternalID = parsed.ID
	}
	if op.IdempotencyKey != "" && out.ExternalID != "" {
		b.memoPut(op.IdempotencyKey, out.ExternalID)
	}
	return out, nil
}

// preparePayload maps the internal 1-5 importance to the backend's native
// priority scale when the config declares a mapping.
func (b *HTTP) preparePayload(op Operation) ([]byte, error) {
	if len(b.cfg.PriorityMap) == 0 {
		return op.Payload, nil
	}
	if op.Type != OpCreateTask && op.Type != OpUpdateTask {
		return op.Payload, nil
	}
	var m map[string]any
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	imp, ok := m["importance"].(float64)
	if !ok {
		return op.Payload, nil
	}
	if native, ok := b.cfg.PriorityMap[int(imp)]; ok {
		m["priority"] = native
		delete(m, "importance")
	}
	return json.Marshal(m)
}

func (b *HTTP) ListTasks(ctx context.Context) ([]RemoteTask, error) {
	endpoint := b.cfg.Endpoints["list_tasks"]
	if endpoint == "" {
		endpoint = "/tasks"
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	res, err := b.listing.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var parsed []struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	tasks := make([]RemoteTask, 0, len(parsed))
	for _, p := range parsed {
		tasks = append(tasks, RemoteTask{ExternalID: p.ID, Title: p.Title, Status: p.Status})
	}
	return tasks, nil
}

func (b *HTTP) VerifyWebhook(headers http.Header, body []byte) bool {
	if b.cfg.WebhookSecret == "" {
		return false
	}
	return VerifySignature(b.cfg.Signature, b.cfg.WebhookSecret, headers, body)
}

func (b *HTTP) CreateWebhook(ctx context.Context, callbackURL string) (string, error) {
	endpoint := b.cfg.Endpoints["create_webhook"]
	if endpoint == "" {
		return "", fmt.Errorf("backend %s does not expose webhook registration", b.cfg.Name)
	}
	payload, err := json.Marshal(map[string]string{"endpoint": callbackURL, "secret": b.cfg.WebhookSecret})
	if err != nil {
		return "", err
	}
	res, err := b.Execute(ctx, Operation{Type: OpCreateTask, Endpoint: endpoint, Payload: payload})
	if err != nil {
		return "", err
	}
	return res.ExternalID, nil
}

func (b *HTTP) memoGet(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ext, ok := b.memo[key]
	return ext, ok
}

func (b *HTTP) memoPut(key, ext string) {
	b.mu.Lock()
	b.memo[key] = ext
	b.mu.Unlock()
}

func methodFor(opType string) string {
	if opType == OpUpdateTask {
		return http.MethodPut
	}
	return http.MethodPost
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
