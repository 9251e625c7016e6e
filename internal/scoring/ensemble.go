package scoring

import (
	"math"
	"time"

	"taskbridge/internal/config"
	"taskbridge/internal/domain"
)

// ensemble combines the baseline with the fuzzy-threshold and
// history-weighted scorers under fixed weights from config.
type ensemble struct {
	weights []float64
	members []Scorer
}

// Ensemble builds the configured three-member ensemble.
func Ensemble(cfg *config.Config) Scorer {
	return ensemble{
		weights: cfg.Scoring.EnsembleWeights,
		members: []Scorer{Baseline{}, Fuzzy{}, History{}},
	}
}

func (e ensemble) Name() string { return "ensemble" }

func (e ensemble) Score(t domain.Task, cfg *config.Config, now time.Time) float64 {
	var total, wsum float64
	for i, m := range e.members {
		w := 0.0
		if i < len(e.weights) {
			w = e.weights[i]
		}
		total += w * m.Score(t, cfg, now)
		wsum += w
	}
	if wsum == 0 {
		return Baseline{}.Score(t, cfg, now)
	}
	return clamp01(total / wsum)
}

// Fuzzy applies the client's urgency_threshold and complexity_preference as
// soft membership curves on top of the baseline factors. These two knobs
// influence only this scorer; the baseline ignores them.
type Fuzzy struct{}

func (Fuzzy) Name() string { return "fuzzy" }

func (Fuzzy) Score(t domain.Task, cfg *config.Config, now time.Time) float64 {
	cl := cfg.ClientFor(t.Client)
	f := factors(t, cfg, now)

	threshold := cl.UrgencyThreshold
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.7
	}
	// Sigmoid membership centered on the client's urgency threshold: urgency
	// below the threshold is discounted, above it saturates quickly.
	urgencyFit := sigmoid((f["urgency"] - threshold) * 10)

	pref := cl.ComplexityPreference
	if pref < 0 || pref > 1 {
		pref = 0.5
	}
	// 0 prefers simple tasks, 1 prefers complex ones. effort factor is
	// already "smallness", so complexity is its inverse.
	complexity := 1.0 - f["effort"]
	complexityFit := 1.0 - math.Abs(complexity-pref)

	return clamp01(0.45*urgencyFit + 0.25*complexityFit + 0.20*f["sla"] + 0.10*f["importance"])
}

// History weights the baseline factors toward signals that track how the
// task has actually moved: staleness and SLA consumption dominate, deadline
// pressure still matters, raw importance less so.
type History struct{}

func (History) Name() string { return "history" }

func (History) Score(t domain.Task, cfg *config.Config, now time.Time) float64 {
	f := factors(t, cfg, now)
	staleness := 1.0 - f["freshness"]
	return clamp01(0.30*f["sla"] + 0.25*staleness + 0.25*f["urgency"] + 0.10*f["importance"] + 0.10*f["progress"])
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
