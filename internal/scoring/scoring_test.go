package scoring

import (
	"math"
	"testing"
	"time"

	"taskbridge/internal/config"
	"taskbridge/internal/domain"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func mkTask(id string, deadline *time.Time, importance int, effort float64) domain.Task {
	iso := now.Format(time.RFC3339)
	t := domain.Task{
		ID:             id,
		Title:          id,
		Client:         "unknown",
		Type:           "general",
		Importance:     importance,
		EffortHours:    effort,
		Status:         domain.TaskPending,
		CreatedAt:      iso,
		UpdatedAt:      iso,
		LastActivityAt: iso,
	}
	if deadline != nil {
		d := deadline.UTC().Format(time.RFC3339)
		t.Deadline = &d
	}
	return t
}

func TestUrgencyMonotonicInDeadline(t *testing.T) {
	cfg := config.Default("test")
	var prev float64 = -1
	// Walking the deadline closer must never decrease the score.
	for hours := 400.0; hours >= 0; hours -= 7 {
		d := now.Add(time.Duration(hours * float64(time.Hour)))
		task := mkTask("t", &d, 3, 2)
		score := Baseline{}.Score(task, cfg, now)
		if score < prev {
			t.Fatalf("score decreased as deadline approached: %v at %vh", score, hours)
		}
		prev = score
	}
}

func TestNoDeadlineZeroUrgency(t *testing.T) {
	cfg := config.Default("test")
	task := mkTask("t", nil, 3, 2)
	f := Factors(task, cfg, now)
	if f["urgency"] != 0 {
		t.Errorf("urgency = %v, want 0 without deadline", f["urgency"])
	}
}

func TestOverdueSaturates(t *testing.T) {
	cfg := config.Default("test")
	d := now.Add(-2 * time.Hour)
	task := mkTask("t", &d, 3, 2)
	f := Factors(task, cfg, now)
	if f["urgency"] != 1 {
		t.Errorf("urgency = %v, want 1 when overdue", f["urgency"])
	}
}

func TestDeadlinePressureDelta(t *testing.T) {
	cfg := config.Default("test")
	dA := now.Add(6 * time.Hour)
	dB := now.Add(72 * time.Hour)
	a := mkTask("a", &dA, 3, 2)
	b := mkTask("b", &dB, 3, 2)

	fa := Factors(a, cfg, now)
	fb := Factors(b, cfg, now)
	delta := fa["urgency"] - fb["urgency"]
	if math.Abs(delta-0.196) > 0.001 {
		t.Errorf("urgency delta = %v, want ~0.196", delta)
	}
	if (Baseline{}).Score(a, cfg, now) <= (Baseline{}).Score(b, cfg, now) {
		t.Error("nearer deadline must score higher")
	}
}

func TestScoreBounds(t *testing.T) {
	cfg := config.Default("test")
	d := now.Add(-100 * time.Hour)
	task := mkTask("t", &d, 5, 0.25)
	score := Baseline{}.Score(task, cfg, now)
	if score < 0 || score > 1 {
		t.Errorf("score out of [0,1]: %v", score)
	}
}

func TestTieBreakDeterministic(t *testing.T) {
	dA := now.Add(6 * time.Hour)
	dB := now.Add(12 * time.Hour)
	a := mkTask("a", &dA, 3, 2)
	b := mkTask("b", &dB, 3, 2)
	// Equal scores: nearer deadline wins.
	if !Less(a, b, 0.5, 0.5, now) {
		t.Error("tie-break should prefer the nearer deadline")
	}
	// Equal everything: id wins.
	c := mkTask("c", &dA, 3, 2)
	if !Less(a, c, 0.5, 0.5, now) {
		t.Error("tie-break should fall back to id order")
	}
	// Score dominates.
	if Less(a, b, 0.4, 0.5, now) {
		t.Error("higher score must win")
	}
}

func TestComputeMetadata(t *testing.T) {
	cfg := config.Default("test")
	d := now.Add(3 * time.Hour)
	res := Compute(mkTask("t", &d, 3, 1), cfg, now)
	if res.UrgencyLevel != "critical" {
		t.Errorf("urgency level = %q", res.UrgencyLevel)
	}
	if res.ComplexityLevel != "simple" {
		t.Errorf("complexity level = %q", res.ComplexityLevel)
	}
	if res.Method != "baseline" {
		t.Errorf("method = %q", res.Method)
	}
}

func TestEnsemblePureAndBounded(t *testing.T) {
	cfg := config.Default("test")
	cfg.Scoring.Mode = "ensemble"
	d := now.Add(24 * time.Hour)
	task := mkTask("t", &d, 4, 3)
	first := Compute(task, cfg, now)
	second := Compute(task, cfg, now)
	if first.Score != second.Score {
		t.Error("ensemble score must be a pure function of its inputs")
	}
	if first.Score < 0 || first.Score > 1 {
		t.Errorf("ensemble score out of bounds: %v", first.Score)
	}
	if first.Method != "ensemble" {
		t.Errorf("method = %q", first.Method)
	}
}

func TestClientKnobsOnlyAffectEnsemble(t *testing.T) {
	cfg := config.Default("test")
	cfg.Clients["picky"] = config.Client{
		SLAHours: 72, DailyCapacityHours: 2, ImportanceBias: 1.0,
		UrgencyThreshold: 0.9, ComplexityPreference: 0.1,
	}
	d := now.Add(24 * time.Hour)
	base := mkTask("t", &d, 3, 2)
	picky := base
	picky.Client = "picky"

	if (Baseline{}).Score(base, cfg, now) != (Baseline{}).Score(picky, cfg, now) {
		t.Error("baseline must ignore urgency_threshold and complexity_preference")
	}
	if (Fuzzy{}).Score(base, cfg, now) == (Fuzzy{}).Score(picky, cfg, now) {
		t.Error("fuzzy scorer should react to the client knobs")
	}
}
