package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskbridge/internal/engine"
	"taskbridge/internal/planner"
	"taskbridge/internal/triage"
	"taskbridge/internal/webhook"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Planner  *planner.Planner
	Webhooks *webhook.Processor
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskbridge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Taskbridge API", "0.1.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Engine)
	registerIntake(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerRebalance(group, cfg.Planner)
	registerOutbox(group, cfg.Engine)
	registerMappings(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerWebhooks(router, basePath, cfg.Webhooks)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if engine.IsNotFound(err) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "required"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness and readiness",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: e.Health(ctx)}, nil
	})
}

func registerIntake(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "intake",
		Method:        http.MethodPost,
		Path:          "/intake",
		Summary:       "Submit a raw task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body IntakeRequest `json:"body"`
	}) (*struct {
		Body IntakeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.Intake(ctx, triage.Intake{
			Title:       input.Body.Title,
			Description: orEmpty(input.Body.Description),
			Client:      input.Body.Client,
			Deadline:    orEmpty(input.Body.Deadline),
			Importance:  orZero(input.Body.Importance),
			EffortHours: orZeroF(input.Body.EffortHours),
			Labels:      input.Body.Labels,
		})
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body IntakeResponse `json:"body"`
		}{Body: IntakeResponse{
			ID:             t.ID,
			Type:           t.Type,
			Score:          scoreOf(t.Score),
			RequiresReview: t.RequiresReview,
		}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Task snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Client string `query:"client"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		var statuses []string
		if input.Status != "" {
			statuses = strings.Split(input.Status, ",")
		}
		tasks, err := e.Repo.ListTasks(ctx, listFilter(statuses, input.Client, input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, taskResponse(t))
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retriage-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/retriage",
		Summary:     "Re-run triage on an existing task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Retriage(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerRebalance(api huma.API, pl *planner.Planner) {
	huma.Register(api, huma.Operation{
		OperationID: "rebalance",
		Method:      http.MethodPost,
		Path:        "/rebalance",
		Summary:     "Compute the day plan",
	}, func(ctx context.Context, input *struct {
		Body RebalanceRequest `json:"body"`
	}) (*struct {
		Body RebalanceResponse `json:"body"`
	}, error) {
		hours := input.Body.AvailableHours
		if hours <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "available_hours must be > 0", nil)
		}
		out, err := pl.Plan(ctx, hours, orEmpty(input.Body.Client))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RebalanceResponse `json:"body"`
		}{Body: rebalanceResponse(out)}, nil
	})
}

func registerOutbox(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "outbox-stats",
		Method:      http.MethodGet,
		Path:        "/outbox/stats",
		Summary:     "Outbox row counts per status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		stats, err := e.Repo.OutboxStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "outbox-dead-letter",
		Method:      http.MethodGet,
		Path:        "/outbox/dead-letter",
		Summary:     "List dead-letter rows",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []OutboxRowResponse `json:"body"`
	}, error) {
		rows, err := e.Repo.ListOutboxByStatus(ctx, "dead_letter", input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]OutboxRowResponse, 0, len(rows))
		for _, r := range rows {
			out = append(out, outboxRowResponse(r))
		}
		return &struct {
			Body []OutboxRowResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "outbox-requeue",
		Method:      http.MethodPost,
		Path:        "/outbox/{id}/requeue",
		Summary:     "Requeue a dead-letter row",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body OutboxRowResponse `json:"body"`
	}, error) {
		now := time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.RequeueDeadLetter(ctx, input.ID, now); err != nil {
			return nil, handleError(err)
		}
		row, err := e.Repo.GetOutboxRow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutboxRowResponse `json:"body"`
		}{Body: outboxRowResponse(row)}, nil
	})
}

func registerMappings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mapping-lookup",
		Method:      http.MethodGet,
		Path:        "/mappings/{backend}/{external_id}",
		Summary:     "Resolve a backend task id to the internal id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Backend    string `path:"backend"`
		ExternalID string `path:"external_id"`
	}) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		taskID, err := e.MappingLookup(ctx, input.Backend, input.ExternalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MappingResponse `json:"body"`
		}{Body: MappingResponse{Backend: input.Backend, ExternalID: input.ExternalID, TaskID: taskID}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-export",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Export decision traces for a time window",
	}, func(ctx context.Context, input *struct {
		From  string `query:"from"`
		To    string `query:"to"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []TraceResponse `json:"body"`
	}, error) {
		from := input.From
		if from == "" {
			from = "0000"
		}
		to := input.To
		if to == "" {
			to = "9999"
		}
		traces, err := e.Repo.TracesBetween(ctx, from, to, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TraceResponse, 0, len(traces))
		for _, tr := range traces {
			out = append(out, traceResponse(tr))
		}
		return &struct {
			Body []TraceResponse `json:"body"`
		}{Body: out}, nil
	})
}

// registerWebhooks wires the per-backend intake endpoints straight onto the
// chi router: signature verification needs the raw body, and the responses
// (200 accept / 204 duplicate / 401 signature) don't fit the envelope.
func registerWebhooks(router chi.Router, basePath string, p *webhook.Processor) {
	if p == nil {
		return
	}
	router.Post(path.Join(basePath, "webhooks/{backend}"), func(w http.ResponseWriter, r *http.Request) {
		backendName := chi.URLParam(r, "backend")
		body := bodyBytes(r.Context())
		out, err := p.Process(r.Context(), backendName, r.Header, body)
		switch {
		case err == webhook.ErrUnknownBackend:
			writeJSONError(w, http.StatusNotFound, "not_found", "unknown backend")
		case err == webhook.ErrSignature:
			writeJSONError(w, http.StatusUnauthorized, "signature_failure", "signature verification failed")
		case err != nil && strings.Contains(err.Error(), "malformed"):
			writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		case err != nil:
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
		case out.Duplicate:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true, "task_id": out.TaskID})
		}
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": code, "message": message}})
}
