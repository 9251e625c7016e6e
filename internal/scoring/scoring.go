// Package scoring computes task priority scores. All scorers are pure
// functions of (task, config, now); persistence and clocks live elsewhere.
package scoring

import (
	"math"
	"time"

	"taskbridge/internal/config"
	"taskbridge/internal/domain"
)

// Result carries the score plus the derived metadata stored on the task.
type Result struct {
	Score           float64
	UrgencyLevel    string
	ComplexityLevel string
	Method          string
	Factors         map[string]float64
}

// Scorer is one pure scoring strategy.
type Scorer interface {
	Name() string
	Score(t domain.Task, cfg *config.Config, now time.Time) float64
}

// Compute scores a task in the configured mode (baseline or ensemble).
func Compute(t domain.Task, cfg *config.Config, now time.Time) Result {
	f := factors(t, cfg, now)
	var score float64
	method := cfg.Scoring.Mode
	switch method {
	case "ensemble":
		score = Ensemble(cfg).Score(t, cfg, now)
	default:
		method = "baseline"
		score = Baseline{}.Score(t, cfg, now)
	}
	return Result{
		Score:           score,
		UrgencyLevel:    urgencyLevel(t, now),
		ComplexityLevel: complexityLevel(t),
		Method:          method,
		Factors:         f,
	}
}

// Baseline is the weighted six-factor scorer.
type Baseline struct{}

func (Baseline) Name() string { return "baseline" }

func (Baseline) Score(t domain.Task, cfg *config.Config, now time.Time) float64 {
	f := factors(t, cfg, now)
	w := cfg.Scoring.Weights
	return clamp01(w.Urgency*f["urgency"] +
		w.Importance*f["importance"] +
		w.Effort*f["effort"] +
		w.Freshness*f["freshness"] +
		w.SLA*f["sla"] +
		w.Progress*f["progress"])
}

// Factors exposes the per-factor breakdown for decision traces.
func Factors(t domain.Task, cfg *config.Config, now time.Time) map[string]float64 {
	return factors(t, cfg, now)
}

func factors(t domain.Task, cfg *config.Config, now time.Time) map[string]float64 {
	cl := cfg.ClientFor(t.Client)
	s := cfg.Scoring

	urgency := 0.0
	if h, ok := hoursToDeadline(t, now); ok {
		if h <= 0 {
			urgency = 1.0
		} else {
			urgency = clamp01(1.0 - h/s.UrgencyHorizonHours)
		}
	}

	importance := float64(t.Importance-1) / 4.0

	effort := 1.0 - clamp01(t.EffortHours/s.EffortCapHours)

	freshness := 0.0
	if age, ok := ageHours(t, now); ok {
		freshness = math.Exp(-age / s.FreshnessTauHours)
	}

	slaPressure := 0.0
	if age, ok := ageHours(t, now); ok && cl.SLAHours > 0 {
		remaining := math.Max(0, cl.SLAHours-age)
		slaPressure = clamp01(1.0 - remaining/cl.SLAHours)
	}

	progress := 1.0 - clamp01(recentProgress(t, now))

	return map[string]float64{
		"urgency":    urgency,
		"importance": clamp01(importance),
		"effort":     effort,
		"freshness":  freshness,
		"sla":        slaPressure,
		"progress":   progress,
	}
}

// recentProgress summarizes activity over the last 24h window: 1 means the
// task was touched just now, 0 means no activity inside the window.
func recentProgress(t domain.Task, now time.Time) float64 {
	la, err := time.Parse(time.RFC3339, t.LastActivityAt)
	if err != nil {
		return 0
	}
	idle := now.Sub(la).Hours()
	if idle < 0 {
		idle = 0
	}
	// Creation itself is not progress.
	if t.LastActivityAt == t.CreatedAt {
		return 0
	}
	return clamp01(1.0 - idle/24.0)
}

func hoursToDeadline(t domain.Task, now time.Time) (float64, bool) {
	if t.Deadline == nil {
		return 0, false
	}
	d, err := time.Parse(time.RFC3339, *t.Deadline)
	if err != nil {
		return 0, false
	}
	return d.Sub(now).Hours(), true
}

func ageHours(t domain.Task, now time.Time) (float64, bool) {
	c, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return 0, false
	}
	return math.Max(0, now.Sub(c).Hours()), true
}

func urgencyLevel(t domain.Task, now time.Time) string {
	h, ok := hoursToDeadline(t, now)
	if !ok {
		return "low"
	}
	switch {
	case h < 4:
		return "critical"
	case h < 24:
		return "high"
	case h < 168:
		return "medium"
	default:
		return "low"
	}
}

func complexityLevel(t domain.Task) string {
	switch {
	case t.EffortHours < 2:
		return "simple"
	case t.EffortHours <= 8:
		return "moderate"
	case t.EffortHours <= 24:
		return "complex"
	default:
		return "epic"
	}
}

// Less is the deterministic tie-break ordering: higher score first, then
// nearer deadline, then older creation, then id.
func Less(a, b domain.Task, scoreA, scoreB float64, now time.Time) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	ha, okA := hoursToDeadline(a, now)
	hb, okB := hoursToDeadline(b, now)
	switch {
	case okA && okB && ha != hb:
		return ha < hb
	case okA != okB:
		return okA
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
