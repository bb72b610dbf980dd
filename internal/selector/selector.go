// Package selector implements the model selector (ensemble): scores
// candidate models for a request using per-category skill, a
// mode-specific adjustment, and recent observed success rate, then picks
// a diverse top-N ensemble. Grounded on internal/router/engine.go's
// scoreModels — the same normalized weighted-sum scoring shape — plus
// ThompsonSampler's reward-tracking idea, reduced here to the plain
// rolling-success-rate signal spec.md §4.8 calls for (no contextual
// bandit sampling; see DESIGN.md for why Thompson Sampling itself isn't
// carried into this component).
package selector

import (
	"sort"

	"github.com/llmhive/llmhive/internal/llmtypes"
)

// Weights are the multi-objective scoring coefficients. With telemetry
// (a model with rolling history) w1=0.7, w2=0.2, w3=0.1; without any
// telemetry yet w1=1, w2=0, w3=0 (skill alone decides).
type Weights struct {
	Skill          float64
	ModeAdjust     float64
	RecentSuccess  float64
}

func weightsFor(hasTelemetry bool) Weights {
	if hasTelemetry {
		return Weights{Skill: 0.7, ModeAdjust: 0.2, RecentSuccess: 0.1}
	}
	return Weights{Skill: 1, ModeAdjust: 0, RecentSuccess: 0}
}

const (
	latencyPenaltyDivisor = 5000.0
	costPenaltyDivisor    = 0.03
)

// Score computes a single model's fitness in [0,1] for a request's task
// category and mode.
func Score(m llmtypes.ModelProfile, category llmtypes.TaskCategory, mode llmtypes.Mode) float64 {
	hasTelemetry := len(m.RollingHistory) > 0
	w := weightsFor(hasTelemetry)

	skill := m.Skill[category]
	recent := m.RecentSuccessRate()

	modeAdjust := 0.0
	switch mode {
	case llmtypes.ModeSpeed:
		modeAdjust = -m.AvgLatencyMs / latencyPenaltyDivisor
	case llmtypes.ModeAccuracy, llmtypes.ModeBenchmark:
		modeAdjust = -m.CostPer1K / costPenaltyDivisor
	}

	score := w.Skill*skill + w.ModeAdjust*modeAdjust + w.RecentSuccess*recent
	return llmtypes.ClampSkill(score)
}

// Ranked pairs a model with its computed score.
type Ranked struct {
	Model llmtypes.ModelProfile
	Score float64
}

// Rank scores and sorts models by descending score (stable, ties broken
// by original order).
func Rank(models []llmtypes.ModelProfile, category llmtypes.TaskCategory, mode llmtypes.Mode) []Ranked {
	ranked := make([]Ranked, len(models))
	for i, m := range models {
		ranked[i] = Ranked{Model: m, Score: Score(m, category, mode)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

// Ensemble greedily picks up to n models, preferring provider diversity:
// among models within tieMargin of the best remaining score, it prefers
// one from a provider not already represented in the ensemble.
func Ensemble(models []llmtypes.ModelProfile, category llmtypes.TaskCategory, mode llmtypes.Mode, n int, tieMargin float64) []llmtypes.ModelProfile {
	ranked := Rank(models, category, mode)
	var picked []llmtypes.ModelProfile
	usedProviders := map[string]bool{}

	remaining := append([]Ranked{}, ranked...)
	for len(picked) < n && len(remaining) > 0 {
		best := remaining[0]
		bestIdx := 0
		for i, r := range remaining {
			if best.Score-r.Score > tieMargin {
				break
			}
			if !usedProviders[r.Model.Provider] && usedProviders[best.Model.Provider] {
				best, bestIdx = r, i
			}
		}
		picked = append(picked, best.Model)
		usedProviders[best.Model.Provider] = true
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return picked
}
