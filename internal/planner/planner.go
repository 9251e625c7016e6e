// Package planner builds the day's ordered worklist under global and
// per-client capacity, with fairness and staleness adjustments, and emits a
// decision trace for every pairwise rank change against the prior ranking.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"taskbridge/internal/audit"
	"taskbridge/internal/config"
	"taskbridge/internal/domain"
	"taskbridge/internal/repo"
	"taskbridge/internal/scoring"
)

const (
	fairnessAlpha  = 0.1
	deficitClamp   = 0.1
	stalenessBoost = 0.05
	historyDays    = 7
)

// Candidate is one task with its adjusted score and factor breakdown.
type Candidate struct {
	Task     domain.Task
	Base     float64
	Adjusted float64
	Factors  map[string]float64
	Fairness float64
	Stale    float64
}

// Output is one planning run: the ordered plan plus its decision traces.
type Output struct {
	Plan    domain.Plan
	Traces  []domain.Trace
	Skipped []string
}

// Planner computes day plans. Pure given a fixed clock, config and task set.
type Planner struct {
	Repo  repo.Repo
	Audit audit.Writer
	Cfg   *config.Config
	Now   func() time.Time
}

func New(r repo.Repo, aw audit.Writer, cfg *config.Config) *Planner {
	return &Planner{Repo: r, Audit: aw, Cfg: cfg, Now: time.Now}
}

// Plan selects and orders the day's worklist for the available hours,
// persists the plan and its traces, and returns both. An empty clientFilter
// plans across all clients.
func (p *Planner) Plan(ctx context.Context, availableHours float64, clientFilter string) (Output, error) {
	now := p.Now().UTC()
	nowISO := now.Format(time.RFC3339)

	tasks, err := p.Repo.OpenTasks(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("load candidates: %w", err)
	}
	deficits, err := p.fairnessDeficits(ctx, now)
	if err != nil {
		return Output{}, err
	}

	prior := p.priorRanking(ctx)

	candidates := p.rank(tasks, deficits, clientFilter, now)
	entries, skipped := p.pack(candidates, availableHours)

	sessionID := uuid.NewString()
	plan := domain.Plan{
		ID:             "plan_" + sessionID[:8],
		SessionID:      sessionID,
		AvailableHours: availableHours,
		Entries:        entries,
		CreatedAt:      nowISO,
	}
	traces, deltas := p.traces(sessionID, candidates, prior)

	tx, err := p.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return Output{}, err
	}
	defer tx.Rollback()
	if err := p.Repo.InsertPlanTx(ctx, tx, plan); err != nil {
		return Output{}, fmt.Errorf("persist plan: %w", err)
	}
	for i, tr := range traces {
		row := audit.Row{
			SessionID: tr.SessionID,
			Kind:      tr.Kind,
			TaskID:    tr.TaskID,
			OtherID:   tr.OtherID,
			Deltas:    deltas[i],
			Total:     tr.Total,
			RankOld:   tr.RankOld,
			RankNew:   tr.RankNew,
			Rationale: tr.Rationale,
		}
		if err := p.Audit.Append(ctx, tx, row); err != nil {
			return Output{}, fmt.Errorf("persist trace: %w", err)
		}
	}
	if err := p.Audit.Append(ctx, tx, audit.Row{
		SessionID: sessionID,
		Kind:      "plan.emitted",
		Rationale: fmt.Sprintf("%d tasks, %.2fh budget", len(entries), availableHours),
	}); err != nil {
		return Output{}, err
	}
	if err := tx.Commit(); err != nil {
		return Output{}, err
	}
	return Output{Plan: plan, Traces: traces, Skipped: skipped}, nil
}

// rank recomputes scores, applies fairness and staleness adjustments and
// sorts with the deterministic tie-break.
func (p *Planner) rank(tasks []domain.Task, deficits map[string]float64, clientFilter string, now time.Time) []Candidate {
	var candidates []Candidate
	for _, t := range tasks {
		if t.RequiresReview {
			continue
		}
		if clientFilter != "" && t.Client != clientFilter {
			continue
		}
		res := scoring.Compute(t, p.Cfg, now)
		c := Candidate{Task: t, Base: res.Score, Adjusted: res.Score, Factors: res.Factors}

		if d, ok := deficits[t.Client]; ok {
			c.Fairness = fairnessAlpha * d
			c.Adjusted += c.Fairness
		}
		if stale(t, now, p.Cfg.Scheduler.StaleThresholdHours) {
			c.Stale = stalenessBoost
			c.Adjusted += c.Stale
		}
		candidates = append(candidates, c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return scoring.Less(candidates[i].Task, candidates[j].Task, candidates[i].Adjusted, candidates[j].Adjusted, now)
	})
	return candidates
}

// pack walks the ranked list greedily. A task enters the plan only when it
// fits both the remaining global budget and its client's remaining daily
// capacity; a miss skips the task and the walk continues so smaller tasks
// can still be placed.
func (p *Planner) pack(candidates []Candidate, availableHours float64) ([]domain.PlanEntry, []string) {
	remaining := availableHours
	perClient := map[string]float64{}
	var entries []domain.PlanEntry
	var skipped []string
	for _, c := range candidates {
		client := c.Task.Client
		if _, ok := perClient[client]; !ok {
			perClient[client] = p.Cfg.ClientFor(client).DailyCapacityHours
		}
		effort := math.Max(0.25, c.Task.EffortHours)
		if effort > remaining || effort > perClient[client] {
			skipped = append(skipped, c.Task.ID)
			continue
		}
		remaining -= effort
		perClient[client] -= effort
		entries = append(entries, domain.PlanEntry{
			TaskID:      c.Task.ID,
			Client:      client,
			Rank:        len(entries) + 1,
			Score:       c.Adjusted,
			EffortHours: effort,
		})
	}
	return entries, skipped
}

// fairnessDeficits computes the 7-day signed gap between each client's
// target and observed share of completed effort, clamped to [-0.1, +0.1].
func (p *Planner) fairnessDeficits(ctx context.Context, now time.Time) (map[string]float64, error) {
	cutoff := now.AddDate(0, 0, -historyDays).Format(time.RFC3339)
	observed, err := p.Repo.CompletedEffortSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load completed effort: %w", err)
	}
	var total float64
	for _, v := range observed {
		total += v
	}
	deficits := map[string]float64{}
	for name, cl := range p.Cfg.Clients {
		target := cl.TargetShare
		if target == 0 {
			continue
		}
		share := 0.0
		if total > 0 {
			share = observed[name] / total
		}
		d := target - share
		if d > deficitClamp {
			d = deficitClamp
		}
		if d < -deficitClamp {
			d = -deficitClamp
		}
		deficits[name] = d
	}
	return deficits, nil
}

// priorRanking returns task id -> rank from the latest persisted plan.
func (p *Planner) priorRanking(ctx context.Context) map[string]int {
	prior := map[string]int{}
	plan, err := p.Repo.LatestPlan(ctx)
	if err != nil {
		return prior
	}
	for _, e := range plan.Entries {
		prior[e.TaskID] = e.Rank
	}
	return prior
}

// traces emits one plan.swap row per pairwise inversion relative to the
// prior ranking, with per-factor deltas explaining the move.
func (p *Planner) traces(sessionID string, candidates []Candidate, prior map[string]int) ([]domain.Trace, []audit.Deltas) {
	rank := map[string]int{}
	byID := map[string]Candidate{}
	for i, c := range candidates {
		rank[c.Task.ID] = i + 1
		byID[c.Task.ID] = c
	}
	var traces []domain.Trace
	var allDeltas []audit.Deltas
	for _, a := range candidates {
		oldA, okA := prior[a.Task.ID]
		if !okA {
			continue
		}
		for _, b := range candidates {
			oldB, okB := prior[b.Task.ID]
			if !okB || a.Task.ID == b.Task.ID {
				continue
			}
			// a moved above b: b was ahead before, a is ahead now.
			if !(oldA > oldB && rank[a.Task.ID] < rank[b.Task.ID]) {
				continue
			}
			deltas := factorDeltas(byID[a.Task.ID], byID[b.Task.ID])
			encoded, _ := json.Marshal(deltas)
			total := a.Adjusted - b.Adjusted
			traces = append(traces, domain.Trace{
				SessionID: sessionID,
				Kind:      "plan.swap",
				TaskID:    a.Task.ID,
				OtherID:   b.Task.ID,
				Deltas:    string(encoded),
				Total:     total,
				RankOld:   oldA,
				RankNew:   rank[a.Task.ID],
				Rationale: fmt.Sprintf("%s moved above %s", a.Task.ID, b.Task.ID),
			})
			allDeltas = append(allDeltas, deltas)
		}
	}
	return traces, allDeltas
}

func factorDeltas(a, b Candidate) audit.Deltas {
	d := audit.Deltas{}
	for _, k := range []string{"urgency", "sla", "freshness", "importance", "effort", "progress"} {
		d[k] = a.Factors[k] - b.Factors[k]
	}
	d["staleness"] = a.Stale - b.Stale
	d["fairness"] = a.Fairness - b.Fairness
	return d
}

func stale(t domain.Task, now time.Time, thresholdHours float64) bool {
	la, err := time.Parse(time.RFC3339, t.LastActivityAt)
	if err != nil {
		return false
	}
	if thresholdHours <= 0 {
		thresholdHours = 72
	}
	return now.Sub(la).Hours() > thresholdHours
}
