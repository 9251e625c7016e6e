// Package engine orchestrates the triage pipeline: it owns the transaction
// in which a task mutation and its outbox intents commit together.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"taskbridge/internal/advisor"
	"taskbridge/internal/audit"
	"taskbridge/internal/backend"
	"taskbridge/internal/config"
	"taskbridge/internal/domain"
	"taskbridge/internal/outbox"
	"taskbridge/internal/repo"
	"taskbridge/internal/scoring"
	"taskbridge/internal/triage"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Config   *config.Config
	Backends *backend.Registry
	Advisor  advisor.Advisor
	Now      func() time.Time
	Log      *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, backends *backend.Registry) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db},
		Config:   cfg,
		Backends: backends,
		Now:      time.Now,
		Log:      slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Intake runs the full triage pipeline on a raw work item and commits the
// task together with its outbox intents. Classification errors fall back to
// the general type; only invariant violations reject the intake.
func (e Engine) Intake(ctx context.Context, in triage.Intake) (domain.Task, error) {
	now := e.now()
	t, err := triage.Normalize(in, now)
	if err != nil {
		return domain.Task{}, err
	}
	t.Type = triage.Classify(t, e.Config)
	t = triage.FillDefaults(t, e.Config)
	t.Subtasks, t.Checklist = triage.DeriveChildren(t, e.Config)

	res := scoring.Compute(t, e.Config, now)
	t.Score = &res.Score
	t.UrgencyLevel = res.UrgencyLevel
	t.ComplexityLevel = res.ComplexityLevel
	t.ScoringMethod = res.Method

	t, advisorNote := e.refine(ctx, t)

	rows, err := e.intentRows(t, now)
	if err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if !t.RequiresReview {
		if _, err := outbox.Enqueue(ctx, e.Repo, tx, rows); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.Row{
		SessionID: t.ID,
		Kind:      "triage.scored",
		TaskID:    t.ID,
		Deltas:    audit.Deltas(res.Factors),
		Total:     *t.Score,
		Rationale: fmt.Sprintf("type=%s client=%s method=%s", t.Type, t.Client, t.ScoringMethod),
	}); err != nil {
		return domain.Task{}, err
	}
	if advisorNote != "" {
		if err := e.Audit.Append(ctx, tx, audit.Row{
			SessionID: t.ID,
			Kind:      advisorNote,
			TaskID:    t.ID,
		}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Info("task triaged", "task", t.ID, "type", t.Type, "client", t.Client, "score", *t.Score, "requires_review", t.RequiresReview)
	return t, nil
}

// refine layers the optional advisor on top of the deterministic result.
// Any failure keeps the deterministic task byte-for-byte and records
// advisor_unavailable in the audit log.
func (e Engine) refine(ctx context.Context, t domain.Task) (domain.Task, string) {
	if e.Advisor == nil || !e.Config.Advisor.Enabled {
		return t, ""
	}
	ctx, cancel := context.WithTimeout(ctx, e.Config.AdvisorTimeout())
	defer cancel()
	s, err := e.Advisor.Refine(ctx, advisor.SnapshotOf(t))
	if err != nil {
		return t, "triage.advisor_unavailable"
	}
	merged, _ := advisor.Merge(t, s, e.Config.Advisor.Allow)
	return merged, "advisor.merged"
}

// intentRows builds the outbox rows for a new task: one create on the
// default backend, one row per subtask and checklist item. Delivery order
// across rows is not guaranteed; payloads therefore reference the internal
// task id, which the mapping table resolves on the backend side of the
// conversation.
func (e Engine) intentRows(t domain.Task, now time.Time) ([]domain.OutboxRow, error) {
	name := e.Config.Defaults.Backend
	if name == "" {
		return nil, nil
	}
	bc, ok := e.Config.BackendByName(name)
	if !ok {
		return nil, fmt.Errorf("default backend %s not configured", name)
	}
	var rows []domain.OutboxRow

	create, err := outbox.NewRow(name, backend.OpCreateTask, endpointFor(bc, backend.OpCreateTask, t.ID), map[string]any{
		"task_id":     t.ID,
		"title":       t.Title,
		"description": t.Description,
		"client":      t.Client,
		"importance":  t.Importance,
		"deadline":    t.Deadline,
		"labels":      t.Labels,
	}, t.ID, e.Config.Outbox, now)
	if err != nil {
		return nil, err
	}
	rows = append(rows, create)

	for i, st := range t.Subtasks {
		row, err := outbox.NewRow(name, backend.OpAddSubtask, endpointFor(bc, backend.OpAddSubtask, t.ID), map[string]any{
			"task_id":  t.ID,
			"position": i,
			"title":    st,
		}, t.ID, e.Config.Outbox, now)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	for i, item := range t.Checklist {
		row, err := outbox.NewRow(name, backend.OpAddChecklistItem, endpointFor(bc, backend.OpAddChecklistItem, t.ID), map[string]any{
			"task_id":  t.ID,
			"position": i,
			"item":     item,
		}, t.ID, e.Config.Outbox, now)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Retriage re-runs the full triage pipeline, advisor included, on an
// existing task. A task the advisor previously held is released when a
// reachable advisor no longer asks for the hold; an unavailable advisor
// keeps the current verdict. Toward the backend it enqueues an update, or
// the full creation intents when the task never made it out (held at
// intake, so no mapping exists).
func (e Engine) Retriage(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if domain.TerminalStatus(t.Status) {
		return domain.Task{}, fmt.Errorf("task %s is %s", id, t.Status)
	}
	now := e.now()
	t.Type = triage.Classify(t, e.Config)
	t = triage.FillDefaults(t, e.Config)
	t.Subtasks, t.Checklist = triage.DeriveChildren(t, e.Config)
	res := scoring.Compute(t, e.Config, now)
	t.Score = &res.Score
	t.UrgencyLevel = res.UrgencyLevel
	t.ComplexityLevel = res.ComplexityLevel
	t.ScoringMethod = res.Method
	t.UpdatedAt = now.UTC().Format(time.RFC3339)

	t, advisorNote := e.refine(ctx, t)

	var rows []domain.OutboxRow
	if name := e.Config.Defaults.Backend; name != "" && !t.RequiresReview {
		_, err := e.Repo.ExternalIDFor(ctx, name, t.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// Never created on the backend; enqueue the creation intents.
			rows, err = e.intentRows(t, now)
			if err != nil {
				return domain.Task{}, err
			}
		case err != nil:
			return domain.Task{}, err
		default:
			bc, _ := e.Config.BackendByName(name)
			row, err := outbox.NewRow(name, backend.OpUpdateTask, endpointFor(bc, backend.OpUpdateTask, t.ID), map[string]any{
				"task_id":    t.ID,
				"title":      t.Title,
				"importance": t.Importance,
				"labels":     t.Labels,
				"score":      res.Score,
			}, t.ID, e.Config.Outbox, now)
			if err != nil {
				return domain.Task{}, err
			}
			rows = append(rows, row)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if _, err := outbox.Enqueue(ctx, e.Repo, tx, rows); err != nil {
		return domain.Task{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Row{
		SessionID: t.ID,
		Kind:      "triage.rescored",
		TaskID:    t.ID,
		Deltas:    audit.Deltas(res.Factors),
		Total:     res.Score,
	}); err != nil {
		return domain.Task{}, err
	}
	if advisorNote != "" {
		if err := e.Audit.Append(ctx, tx, audit.Row{
			SessionID: t.ID,
			Kind:      advisorNote,
			TaskID:    t.ID,
		}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RescoreDue recomputes scores for open tasks whose deadline is inside the
// window. Scoring is pure, so this is cheap and restartable.
func (e Engine) RescoreDue(ctx context.Context, window time.Duration) (int, error) {
	now := e.now()
	cutoff := now.Add(window).UTC().Format(time.RFC3339)
	tasks, err := e.Repo.TasksDueWithin(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	nowISO := now.UTC().Format(time.RFC3339)
	n := 0
	for _, t := range tasks {
		res := scoring.Compute(t, e.Config, now)
		if t.Score != nil && *t.Score == res.Score {
			continue
		}
		if err := e.Repo.SetTaskScore(ctx, t.ID, res.Score, res.UrgencyLevel, res.ComplexityLevel, res.Method, nowISO); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// NudgeStale flags tasks idle past the stale threshold: their score gets
// the aging bump and a notification row is enqueued, idempotent per
// (task, day) so repeated runs inside one day cannot double-nudge.
func (e Engine) NudgeStale(ctx context.Context) (int, error) {
	notifyBackend := e.Config.Defaults.Notify
	now := e.now()
	threshold := e.Config.Scheduler.StaleThresholdHours
	cutoff := now.Add(-time.Duration(threshold * float64(time.Hour))).UTC().Format(time.RFC3339)
	tasks, err := e.Repo.StaleTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	nowISO := now.UTC().Format(time.RFC3339)
	day := now.UTC().Format("2006-01-02")
	nudged := 0
	for _, t := range tasks {
		staleDays := staleDaysFor(t, now, threshold)
		bump := staleDays * e.Config.Scheduler.AgingBoostPerDay / 100.0
		score := bump
		if t.Score != nil {
			score = *t.Score + bump
		}
		if score > 1 {
			score = 1
		}

		var rows []domain.OutboxRow
		if notifyBackend != "" {
			row, err := outbox.NewRow(notifyBackend, backend.OpNotify, "/notify", map[string]any{
				"task_id": t.ID,
				"day":     day,
				"message": fmt.Sprintf("Stale %dd  client %s  score %.2f  %s", int(staleDays), t.Client, score, t.Title),
			}, t.ID, e.Config.Outbox, now)
			if err != nil {
				return nudged, err
			}
			// The message carries the current score, so the key is taken over
			// (task, day) only.
			keyPayload, err := outbox.Canonical(map[string]any{"task_id": t.ID, "day": day})
			if err != nil {
				return nudged, err
			}
			row.IdempotencyKey = outbox.Key(notifyBackend, backend.OpNotify, "/notify", keyPayload)
			rows = append(rows, row)
		}

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nudged, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET score=?, updated_at=? WHERE id=?`, score, nowISO, t.ID); err != nil {
			tx.Rollback()
			return nudged, err
		}
		if _, err := outbox.Enqueue(ctx, e.Repo, tx, rows); err != nil {
			tx.Rollback()
			return nudged, err
		}
		if err := tx.Commit(); err != nil {
			return nudged, err
		}
		nudged++
	}
	return nudged, nil
}

// WeeklyDigest enqueues the per-client summary toward the notify backend.
func (e Engine) WeeklyDigest(ctx context.Context) error {
	name := e.Config.Defaults.Notify
	if name == "" {
		return nil
	}
	now := e.now()
	tasks, err := e.Repo.OpenTasks(ctx)
	if err != nil {
		return err
	}
	type agg struct {
		Open     int     `json:"open"`
		AvgScore float64 `json:"avg_score"`
	}
	byClient := map[string]*agg{}
	for _, t := range tasks {
		a := byClient[t.Client]
		if a == nil {
			a = &agg{}
			byClient[t.Client] = a
		}
		a.Open++
		if t.Score != nil {
			a.AvgScore += *t.Score
		}
	}
	for _, a := range byClient {
		if a.Open > 0 {
			a.AvgScore = a.AvgScore / float64(a.Open)
		}
	}
	year, week := now.UTC().ISOWeek()
	weekTag := fmt.Sprintf("%d-W%02d", year, week)
	row, err := outbox.NewRow(name, backend.OpNotify, "/notify", map[string]any{
		"week":    weekTag,
		"clients": byClient,
	}, "", e.Config.Outbox, now)
	if err != nil {
		return err
	}
	// The key covers the week and the set of clients, not the counts.
	clientNames := make([]string, 0, len(byClient))
	for c := range byClient {
		clientNames = append(clientNames, c)
	}
	sort.Strings(clientNames)
	keyPayload, err := outbox.Canonical(map[string]any{"week": weekTag, "clients": clientNames})
	if err != nil {
		return err
	}
	row.IdempotencyKey = outbox.Key(name, backend.OpNotify, "/notify", keyPayload)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := outbox.Enqueue(ctx, e.Repo, tx, []domain.OutboxRow{row}); err != nil {
		return err
	}
	return tx.Commit()
}

// Prune applies the retention windows: delivered outbox rows and ledger
// entries past their TTLs.
func (e Engine) Prune(ctx context.Context) error {
	now := e.now().UTC()
	outboxCutoff := now.AddDate(0, 0, -e.Config.Outbox.RetentionDays).Format(time.RFC3339)
	if _, err := e.Repo.PruneDeliveredOutbox(ctx, outboxCutoff); err != nil {
		return err
	}
	ledgerCutoff := now.AddDate(0, 0, -e.Config.Scheduler.LedgerTTLDays).Format(time.RFC3339)
	_, err := e.Repo.PruneDeliveries(ctx, ledgerCutoff)
	return err
}

func staleDaysFor(t domain.Task, now time.Time, thresholdHours float64) float64 {
	la, err := time.Parse(time.RFC3339, t.LastActivityAt)
	if err != nil {
		return 0
	}
	days := now.Sub(la).Hours()/24.0 - thresholdHours/24.0 + 1.0
	if days < 0 {
		return 0
	}
	return days
}

func endpointFor(bc config.BackendConfig, op, taskID string) string {
	if tpl, ok := bc.Endpoints[op]; ok && tpl != "" {
		return strings.ReplaceAll(tpl, "{task}", taskID)
	}
	switch op {
	case backend.OpCreateTask:
		return "/tasks"
	case backend.OpAddSubtask:
		return "/tasks/" + taskID + "/subtasks"
	case backend.OpAddChecklistItem:
		return "/tasks/" + taskID + "/checklist"
	case backend.OpUpdateTask:
		return "/tasks/" + taskID
	default:
		return "/" + op
	}
}

// MappingLookup resolves (backend, external_id) to the internal task id.
func (e Engine) MappingLookup(ctx context.Context, backendName, externalID string) (string, error) {
	return e.Repo.ResolveMapping(ctx, backendName, externalID)
}

// Health reports per-dependency readiness.
func (e Engine) Health(ctx context.Context) map[string]bool {
	out := map[string]bool{}
	out["database"] = e.DB.PingContext(ctx) == nil
	for _, name := range e.Backends.Names() {
		out["backend:"+name] = true
	}
	out["advisor"] = !e.Config.Advisor.Enabled || e.Advisor != nil
	return out
}

// IsNotFound unwraps the repo sentinel for the HTTP layer.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
