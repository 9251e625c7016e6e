package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskbridge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by *sql.DB and *sql.Tx so task helpers can run either
// standalone or inside a producer transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const taskColumns = `id,title,COALESCE(description,''),client,type,importance,effort_hours,deadline,status,score,labels_json,checklist_json,subtasks_json,COALESCE(urgency_level,''),COALESCE(complexity_level,''),COALESCE(scoring_method,''),requires_review,created_at,updated_at,last_activity_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var deadline sql.NullString
	var score sql.NullFloat64
	var labels, checklist, subtasks string
	var review int
	err := scan(&t.ID, &t.Title, &t.Description, &t.Client, &t.Type, &t.Importance, &t.EffortHours,
		&deadline, &t.Status, &score, &labels, &checklist, &subtasks,
		&t.UrgencyLevel, &t.ComplexityLevel, &t.ScoringMethod, &review,
		&t.CreatedAt, &t.UpdatedAt, &t.LastActivityAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if deadline.Valid {
		t.Deadline = &deadline.String
	}
	if score.Valid {
		t.Score = &score.Float64
	}
	t.RequiresReview = review != 0
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return t, fmt.Errorf("decode labels: %w", err)
	}
	if err := json.Unmarshal([]byte(checklist), &t.Checklist); err != nil {
		return t, fmt.Errorf("decode checklist: %w", err)
	}
	if err := json.Unmarshal([]byte(subtasks), &t.Subtasks); err != nil {
		return t, fmt.Errorf("decode subtasks: %w", err)
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	return insertTask(ctx, r.DB, t)
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	return insertTask(ctx, tx, t)
}

func insertTask(ctx context.Context, ex execer, t domain.Task) error {
	labels, checklist, subtasks, err := encodeLists(t)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO tasks(id,title,description,client,type,importance,effort_hours,deadline,status,score,labels_json,checklist_json,subtasks_json,urgency_level,complexity_level,scoring_method,requires_review,created_at,updated_at,last_activity_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Client, t.Type, t.Importance, t.EffortHours,
		nullableStringPtr(t.Deadline), t.Status, nullableFloatPtr(t.Score),
		labels, checklist, subtasks,
		nullable(t.UrgencyLevel), nullable(t.ComplexityLevel), nullable(t.ScoringMethod),
		boolInt(t.RequiresReview), t.CreatedAt, t.UpdatedAt, t.LastActivityAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	return updateTask(ctx, r.DB, t)
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	return updateTask(ctx, tx, t)
}

func updateTask(ctx context.Context, ex execer, t domain.Task) error {
	labels, checklist, subtasks, err := encodeLists(t)
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx, `UPDATE tasks SET title=?,description=?,client=?,type=?,importance=?,effort_hours=?,deadline=?,status=?,score=?,labels_json=?,checklist_json=?,subtasks_json=?,urgency_level=?,complexity_level=?,scoring_method=?,requires_review=?,updated_at=?,last_activity_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Client, t.Type, t.Importance, t.EffortHours,
		nullableStringPtr(t.Deadline), t.Status, nullableFloatPtr(t.Score),
		labels, checklist, subtasks,
		nullable(t.UrgencyLevel), nullable(t.ComplexityLevel), nullable(t.ScoringMethod),
		boolInt(t.RequiresReview), t.UpdatedAt, t.LastActivityAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTaskScore(ctx context.Context, id string, score float64, urgency, complexity, method, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET score=?, urgency_level=?, complexity_level=?, scoring_method=?, updated_at=? WHERE id=?`,
		score, nullable(urgency), nullable(complexity), nullable(method), ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasksFilter narrows ListTasks. Zero value lists everything.
type ListTasksFilter struct {
	Statuses []string
	Client   string
	Limit    int
}

func (r Repo) ListTasks(ctx context.Context, f ListTasksFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Client != "" {
		clauses = append(clauses, "client=?")
		args = append(args, f.Client)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OpenTasks returns candidates for planning and re-scoring.
func (r Repo) OpenTasks(ctx context.Context) ([]domain.Task, error) {
	return r.ListTasks(ctx, ListTasksFilter{Statuses: []string{domain.TaskPending, domain.TaskInProgress}})
}

// TasksDueWithin returns open tasks whose deadline falls before the cutoff.
func (r Repo) TasksDueWithin(ctx context.Context, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (?,?,?) AND deadline IS NOT NULL AND deadline <= ? ORDER BY deadline, id`,
		domain.TaskPending, domain.TaskInProgress, domain.TaskBlocked, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// StaleTasks returns open tasks whose last activity is older than the cutoff.
func (r Repo) StaleTasks(ctx context.Context, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (?,?,?) AND last_activity_at < ? ORDER BY last_activity_at, id`,
		domain.TaskPending, domain.TaskInProgress, domain.TaskBlocked, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CompletedEffortSince aggregates completed effort per client since a cutoff.
// The planner's fairness deficit is computed from this.
func (r Repo) CompletedEffortSince(ctx context.Context, cutoff string) (map[string]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT client, SUM(effort_hours) FROM tasks WHERE status=? AND updated_at >= ? GROUP BY client`,
		domain.TaskCompleted, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]float64{}
	for rows.Next() {
		var client string
		var effort float64
		if err := rows.Scan(&client, &effort); err != nil {
			return nil, err
		}
		res[client] = effort
	}
	return res, rows.Err()
}

func encodeLists(t domain.Task) (labels, checklist, subtasks string, err error) {
	lb, err := json.Marshal(emptyIfNil(t.Labels))
	if err != nil {
		return "", "", "", err
	}
	cl, err := json.Marshal(emptyIfNil(t.Checklist))
	if err != nil {
		return "", "", "", err
	}
	st, err := json.Marshal(emptyIfNil(t.Subtasks))
	if err != nil {
		return "", "", "", err
	}
	return string(lb), string(cl), string(st), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
