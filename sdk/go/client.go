package taskbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskbridge HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Client         string   `json:"client"`
	Type           string   `json:"type"`
	Status         string   `json:"status"`
	Score          *float64 `json:"score,omitempty"`
	RequiresReview bool     `json:"requires_review"`
}

// IntakeResult is the triage outcome for a submitted item.
type IntakeResult struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Score          float64 `json:"score"`
	RequiresReview bool    `json:"requires_review"`
}

// PlanEntry is one scheduled task in a day plan.
type PlanEntry struct {
	TaskID      string  `json:"task_id"`
	Client      string  `json:"client"`
	Rank        int     `json:"rank"`
	Score       float64 `json:"score"`
	EffortHours float64 `json:"effort_hours"`
}

// Trace is one decision-trace row.
type Trace struct {
	SessionID string  `json:"session_id"`
	Kind      string  `json:"kind"`
	TaskID    string  `json:"task_id,omitempty"`
	OtherID   string  `json:"other_id,omitempty"`
	Deltas    string  `json:"deltas,omitempty"`
	Total     float64 `json:"total"`
	RankOld   int     `json:"rank_old"`
	RankNew   int     `json:"rank_new"`
	Rationale string  `json:"rationale,omitempty"`
}

// Plan is a rebalance result.
type Plan struct {
	PlanID         string      `json:"plan_id"`
	SessionID      string      `json:"session_id"`
	AvailableHours float64     `json:"available_hours"`
	Entries        []PlanEntry `json:"entries"`
	Traces         []Trace     `json:"traces,omitempty"`
	Skipped        []string    `json:"skipped,omitempty"`
}

// Mapping resolves a backend task to the internal id.
type Mapping struct {
	Backend    string `json:"backend"`
	ExternalID string `json:"external_id"`
	TaskID     string `json:"task_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Intake submits a raw task for triage.
func (c *Client) Intake(ctx context.Context, title, client string, opts map[string]any) (IntakeResult, error) {
	body := map[string]any{"title": title}
	if client != "" {
		body["client"] = client
	}
	for k, v := range opts {
		body[k] = v
	}
	var resp IntakeResult
	err := c.do(ctx, http.MethodPost, "v0/intake", body, &resp)
	return resp, err
}

// GetTask fetches a task snapshot.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Retriage re-runs triage on an existing task.
func (c *Client) Retriage(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/retriage", nil, &resp)
	return resp, err
}

// Rebalance computes the day plan for the available hours.
func (c *Client) Rebalance(ctx context.Context, availableHours float64, client string) (Plan, error) {
	body := map[string]any{"available_hours": availableHours}
	if client != "" {
		body["client"] = client
	}
	var resp Plan
	err := c.do(ctx, http.MethodPost, "v0/rebalance", body, &resp)
	return resp, err
}

// OutboxStats returns row counts per status.
func (c *Client) OutboxStats(ctx context.Context) (map[string]int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodGet, "v0/outbox/stats", nil, &resp)
	return resp, err
}

// MappingLookup resolves a backend task id.
func (c *Client) MappingLookup(ctx context.Context, backend, externalID string) (Mapping, error) {
	var resp Mapping
	endpoint := fmt.Sprintf("v0/mappings/%s/%s", url.PathEscape(backend), url.PathEscape(externalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AuditExport returns decision traces in a time window.
func (c *Client) AuditExport(ctx context.Context, from, to string, limit int) ([]Trace, error) {
	endpoint := "v0/audit"
	params := url.Values{}
	if from != "" {
		params.Set("from", from)
	}
	if to != "" {
		params.Set("to", to)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Trace
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health reports per-dependency readiness.
func (c *Client) Health(ctx context.Context) (map[string]bool, error) {
	var resp map[string]bool
	err := c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
