// Package cascade implements the cascade router: classify a query into a
// starting tier, dispatch to the cheapest model in that tier, and
// escalate to a more expensive tier when the response's estimated
// confidence falls below the configured threshold. Mirrors the shape of
// internal/router/engine.go's eligibleModels/scoreModels tier-like
// scoring, generalized from "pick one model by weighted score" to
// "pick a tier, then escalate tiers on low confidence."
package cascade

import (
	"context"
	"fmt"
	"strings"
)

// Tier is an escalation level: 1 is cheapest/fastest, 3 is most capable.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Complexity classifies a query's estimated difficulty, which selects
// the starting tier.
type Complexity string

const (
	Simple    Complexity = "simple"
	Moderate  Complexity = "moderate"
	Complex   Complexity = "complex"
	Reasoning Complexity = "reasoning"
)

var reasoningSignals = []string{
	"prove", "derive", "why does", "step by step", "explain the reasoning",
}

var simpleSignals = []string{
	"what is", "define", "list", "when is", "who is",
}

// Classify determines a query's complexity by length and keyword
// signals, matching spec.md §4.4's thresholds: simple < 100 chars (a
// simple signal phrase does not change the result), moderate < 500 chars,
// complex >= 500 chars,
// reasoning when a reasoning signal phrase matches (checked first,
// since a short query can still require deep reasoning).
func Classify(query string) Complexity {
	lower := strings.ToLower(query)
	for _, s := range reasoningSignals {
		if strings.Contains(lower, s) {
			return Reasoning
		}
	}
	if len(query) < 100 {
		for _, s := range simpleSignals {
			if strings.Contains(lower, s) {
				return Simple
			}
		}
		return Simple
	}
	if len(query) < 500 {
		return Moderate
	}
	return Complex
}

// StartingTier maps a complexity classification to the tier a cascade
// run begins at.
func StartingTier(c Complexity) Tier {
	switch c {
	case Simple, Moderate:
		return Tier1
	case Complex:
		return Tier2
	case Reasoning:
		return Tier3
	default:
		return Tier1
	}
}

// Config bounds the cascade router's behavior; zero values take the
// spec's defaults via NewConfig.
type Config struct {
	MinConfidenceToProceed float64 // default 0.70
	MaxEscalations         int     // default 2
	Tier1CostMultiplier    float64 // default 1.0
	Tier2CostMultiplier    float64 // default 5.0
	Tier3CostMultiplier    float64 // default 15.0
	PreferCodingUpToTier2  bool    // coding queries prefer tier2 models within tier1/tier2
}

// NewConfig returns the cascade router's documented defaults.
func NewConfig() Config {
	return Config{
		MinConfidenceToProceed: 0.70,
		MaxEscalations:         2,
		Tier1CostMultiplier:    1.0,
		Tier2CostMultiplier:    5.0,
		Tier3CostMultiplier:    15.0,
	}
}

func (c Config) multiplier(t Tier) float64 {
	switch t {
	case Tier1:
		return c.Tier1CostMultiplier
	case Tier2:
		return c.Tier2CostMultiplier
	default:
		return c.Tier3CostMultiplier
	}
}

// Caller dispatches a query to a specific model and returns its text
// response. Implementations wrap the Provider Router.
type Caller interface {
	Call(ctx context.Context, modelID, query string) (string, error)
}

// TierModels supplies the ordered list of available model IDs for each
// tier; the first available model in a tier is used.
type TierModels map[Tier][]string

// Result is the outcome of a cascade run.
type Result struct {
	Response        string
	ModelUsed       string
	TierUsed        Tier
	EscalationCount int
	Confidence      float64
	CostEstimate    float64 // tier-multiplier estimate, not real pricing
	CostSavingsUSD  float64 // relative to running everything at Tier3
}

var hedgingPhrases = []string{
	"i'm not sure", "i don't know", "might be", "possibly", "it's unclear",
	"i am not certain", "not entirely sure", "could be",
}

// estimateConfidence derives a heuristic confidence score from response
// text and the original query length, per spec.md §4.4: start at 0.8,
// subtract 0.1 per hedging phrase found, subtract 0.2 if the response is
// short (<100 chars) while the query was long (>200 chars), force 0.3 if
// the response is under 20 chars, subtract 0.3 if the response mentions
// "error" or "failed".
func estimateConfidence(query, response string) float64 {
	if len(response) < 20 {
		return 0.3
	}
	score := 0.8
	lower := strings.ToLower(response)
	for _, h := range hedgingPhrases {
		if strings.Contains(lower, h) {
			score -= 0.1
		}
	}
	if len(response) < 100 && len(query) > 200 {
		score -= 0.2
	}
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		score -= 0.3
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Route classifies query, picks a starting tier, dispatches, and
// escalates up to cfg.MaxEscalations+1 total attempts (capped at Tier3)
// whenever the estimated confidence falls below
// cfg.MinConfidenceToProceed.
func Route(ctx context.Context, caller Caller, tiers TierModels, query string, isCoding bool, cfg Config) (Result, error) {
	complexity := Classify(query)
	tier := StartingTier(complexity)

	var lastResp, lastModel string
	var lastConf float64
	escalations := 0

	for attempt := 0; attempt <= cfg.MaxEscalations; attempt++ {
		effectiveTier := tier
		if isCoding && cfg.PreferCodingUpToTier2 && tier < Tier2 {
			effectiveTier = Tier2
		}
		model, err := firstAvailable(tiers, effectiveTier)
		if err != nil {
			// Fall back to the originally classified tier if the preference
			// override has no models configured.
			model, err = firstAvailable(tiers, tier)
			if err != nil {
				return Result{}, err
			}
			effectiveTier = tier
		}

		resp, err := caller.Call(ctx, model, query)
		if err != nil {
			return Result{}, fmt.Errorf("cascade: tier %d model %s: %w", effectiveTier, model, err)
		}

		conf := estimateConfidence(query, resp)
		lastResp, lastModel, lastConf = resp, model, conf
		tier = effectiveTier

		if conf >= cfg.MinConfidenceToProceed || tier >= Tier3 || attempt == cfg.MaxEscalations {
			break
		}
		tier++
		escalations++
	}

	return Result{
		Response:        lastResp,
		ModelUsed:       lastModel,
		TierUsed:        tier,
		EscalationCount: escalations,
		Confidence:      lastConf,
		CostEstimate:    cfg.multiplier(tier),
		CostSavingsUSD:  cfg.multiplier(Tier3) - cfg.multiplier(tier),
	}, nil
}

func firstAvailable(tiers TierModels, t Tier) (string, error) {
	models := tiers[t]
	if len(models) == 0 {
		return "", fmt.Errorf("cascade: no models configured for tier %d", t)
	}
	return models[0], nil
}
