package server

import (
	"taskbridge/internal/domain"
	"taskbridge/internal/planner"
	"taskbridge/internal/repo"
)

// Request payloads

type IntakeRequest struct {
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Client      string   `json:"client,omitempty"`
	Deadline    *string  `json:"deadline,omitempty" format:"date-time"`
	Importance  *int     `json:"importance,omitempty" minimum:"1" maximum:"5"`
	EffortHours *float64 `json:"effort_hours,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

type RebalanceRequest struct {
	AvailableHours float64 `json:"available_hours"`
	Client         *string `json:"client,omitempty"`
}

// Response payloads

type IntakeResponse struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Score          float64 `json:"score"`
	RequiresReview bool    `json:"requires_review"`
}

type TaskResponse struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Client          string   `json:"client"`
	Type            string   `json:"type"`
	Importance      int      `json:"importance"`
	EffortHours     float64  `json:"effort_hours"`
	Deadline        *string  `json:"deadline,omitempty" format:"date-time"`
	Status          string   `json:"status" enum:"pending,in_progress,blocked,completed,cancelled"`
	Score           *float64 `json:"score,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	Checklist       []string `json:"checklist,omitempty"`
	Subtasks        []string `json:"subtasks,omitempty"`
	UrgencyLevel    string   `json:"urgency_level,omitempty"`
	ComplexityLevel string   `json:"complexity_level,omitempty"`
	ScoringMethod   string   `json:"scoring_method,omitempty"`
	RequiresReview  bool     `json:"requires_review"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	LastActivityAt  string   `json:"last_activity_at" format:"date-time"`
}

type PlanEntryResponse struct {
	TaskID      string  `json:"task_id"`
	Client      string  `json:"client"`
	Rank        int     `json:"rank"`
	Score       float64 `json:"score"`
	EffortHours float64 `json:"effort_hours"`
}

type RebalanceResponse struct {
	PlanID         string              `json:"plan_id"`
	SessionID      string              `json:"session_id"`
	AvailableHours float64             `json:"available_hours"`
	Entries        []PlanEntryResponse `json:"entries"`
	Traces         []TraceResponse     `json:"traces,omitempty"`
	Skipped        []string            `json:"skipped,omitempty"`
}

type OutboxRowResponse struct {
	ID             int64   `json:"id"`
	Backend        string  `json:"backend"`
	Operation      string  `json:"operation"`
	Status         string  `json:"status"`
	RetryCount     int     `json:"retry_count"`
	MaxRetries     int     `json:"max_retries"`
	NextRetryAt    *string `json:"next_retry_at,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
	TaskID         string  `json:"task_id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type MappingResponse struct {
	Backend    string `json:"backend"`
	ExternalID string `json:"external_id"`
	TaskID     string `json:"task_id"`
}

type TraceResponse struct {
	ID        int64   `json:"id,omitempty"`
	TS        string  `json:"ts,omitempty"`
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

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Client:          t.Client,
		Type:            t.Type,
		Importance:      t.Importance,
		EffortHours:     t.EffortHours,
		Deadline:        t.Deadline,
		Status:          t.Status,
		Score:           t.Score,
		Labels:          t.Labels,
		Checklist:       t.Checklist,
		Subtasks:        t.Subtasks,
		UrgencyLevel:    t.UrgencyLevel,
		ComplexityLevel: t.ComplexityLevel,
		ScoringMethod:   t.ScoringMethod,
		RequiresReview:  t.RequiresReview,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		LastActivityAt:  t.LastActivityAt,
	}
}

func outboxRowResponse(r domain.OutboxRow) OutboxRowResponse {
	return OutboxRowResponse{
		ID:             r.ID,
		Backend:        r.Backend,
		Operation:      r.Operation,
		Status:         r.Status,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		NextRetryAt:    r.NextRetryAt,
		LastError:      r.LastError,
		TaskID:         r.TaskID,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func traceResponse(tr domain.Trace) TraceResponse {
	return TraceResponse{
		ID:        tr.ID,
		TS:        tr.TS,
		SessionID: tr.SessionID,
		Kind:      tr.Kind,
		TaskID:    tr.TaskID,
		OtherID:   tr.OtherID,
		Deltas:    tr.Deltas,
		Total:     tr.Total,
		RankOld:   tr.RankOld,
		RankNew:   tr.RankNew,
		Rationale: tr.Rationale,
	}
}

func rebalanceResponse(out planner.Output) RebalanceResponse {
	entries := make([]PlanEntryResponse, 0, len(out.Plan.Entries))
	for _, e := range out.Plan.Entries {
		entries = append(entries, PlanEntryResponse(e))
	}
	traces := make([]TraceResponse, 0, len(out.Traces))
	for _, tr := range out.Traces {
		traces = append(traces, traceResponse(tr))
	}
	return RebalanceResponse{
		PlanID:         out.Plan.ID,
		SessionID:      out.Plan.SessionID,
		AvailableHours: out.Plan.AvailableHours,
		Entries:        entries,
		Traces:         traces,
		Skipped:        out.Skipped,
	}
}

func listFilter(statuses []string, client string, limit int) repo.ListTasksFilter {
	return repo.ListTasksFilter{Statuses: statuses, Client: client, Limit: limit}
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func orZeroF(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func scoreOf(s *float64) float64 {
	if s == nil {
		return 0
	}
	return *s
}
