// Package orchestrate wires the model selector, reasoning strategy
// controller, cascade router, provider router, consensus manager, and
// refinement loop into the single call graph spec.md §2 describes as the
// orchestration engine's entry point: Model Selector picks an ensemble,
// the Reasoning Strategy Controller (or, when the caller prefers cost
// control, the Cascade Router) produces candidate answers through the
// Provider Router, the Consensus Manager combines them, and an optional
// Refinement Loop polishes the result against the Verification Pipeline.
// Grounded on internal/router/engine.go's Orchestrate, which dispatches
// among its three orchestration modes the same way this package
// dispatches among pipeline stages, generalized to span five packages
// instead of inlining everything in one file.
package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/llmhive/llmhive/internal/cascade"
	"github.com/llmhive/llmhive/internal/consensus"
	"github.com/llmhive/llmhive/internal/llmtypes"
	"github.com/llmhive/llmhive/internal/refinement"
	"github.com/llmhive/llmhive/internal/router"
	"github.com/llmhive/llmhive/internal/selector"
	"github.com/llmhive/llmhive/internal/strategy"
	"github.com/llmhive/llmhive/internal/verify"
)

// Engine is the subset of *router.Engine the orchestrator depends on:
// enumerate known models and call one of them directly by ID.
type Engine interface {
	ListModels() []router.Model
	CallModel(ctx context.Context, modelID, prompt string) (string, error)
}

// Request is the orchestrator's entry point payload.
type Request struct {
	Query            string
	TaskCategory     llmtypes.TaskCategory
	Mode             llmtypes.Mode
	IsMultipleChoice bool

	EnsembleSize     int  // Model Selector's top-N; default 3
	UseCascade       bool // prefer the Cascade Router over the Strategy Controller
	EnableRefinement bool // run the Refinement Loop on the combined answer
}

// Response is the orchestrator's combined output, carrying enough of
// each stage's result for callers (and tests) to inspect which
// components actually ran.
type Response struct {
	FinalAnswer      string
	ModelsConsidered []string
	StrategyUsed     string
	CascadeUsed      bool
	CascadeResult    *cascade.Result
	Consensus        *llmtypes.ConsensusResult
	Refinement       *refinement.Result
}

// Orchestrator holds the configuration each pipeline stage runs with.
type Orchestrator struct {
	engine      Engine
	verifier    *verify.Pipeline
	cascadeCfg  cascade.Config
	strategyCfg strategy.Config
	refineCfg   refinement.Config
}

// New builds an Orchestrator over engine, using every stage's documented
// defaults. Cascade tiers are derived from the engine's registered
// models by cost on every Run, so newly registered/priced models are
// picked up without reconstructing the Orchestrator.
func New(engine Engine) *Orchestrator {
	return &Orchestrator{
		engine:      engine,
		verifier:    verify.NewPipeline(),
		cascadeCfg:  cascade.NewConfig(),
		strategyCfg: strategy.NewConfig(),
		refineCfg:   refinement.NewConfig(),
	}
}

// callerAdapter satisfies the Caller interface strategy, cascade, and
// consensus each declare independently, so none of those packages needs
// to import router.
type callerAdapter struct {
	engine Engine
}

func (c callerAdapter) Call(ctx context.Context, modelID, prompt string) (string, error) {
	return c.engine.CallModel(ctx, modelID, prompt)
}

// correctorAdapter implements refinement.Corrector by re-prompting the
// model that produced the answer with the strategy name and the
// flagged issues folded into the prompt.
type correctorAdapter struct {
	engine Engine
	model  string
}

func (c correctorAdapter) Apply(ctx context.Context, strat refinement.CorrectionStrategy, query, answer string, issues []llmtypes.VerificationIssue) (string, string, error) {
	prompt := buildCorrectionPrompt(strat, query, answer, issues)
	revised, err := c.engine.CallModel(ctx, c.model, prompt)
	if err != nil {
		return "", "", err
	}
	return revised, c.model, nil
}

func buildCorrectionPrompt(strat refinement.CorrectionStrategy, query, answer string, issues []llmtypes.VerificationIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Revise the answer below using a %s approach. Address every issue listed.\n\n", strat)
	fmt.Fprintf(&b, "Question: %s\n\nPrior answer: %s\n\nIssues found:\n", query, answer)
	for _, iss := range issues {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", iss.Kind, iss.Claim, iss.Evidence)
	}
	return b.String()
}

// toProfile maps a router.Model onto the ModelProfile shape the
// selector scores against. Skill is seeded uniformly from the model's
// routing weight since the orchestrator has no per-category skill table
// of its own; RecentSuccessRate falls back to the selector's neutral
// 0.5 until the model accumulates RollingHistory, which the
// orchestrator does not yet feed back (see DESIGN.md).
func toProfile(m router.Model) llmtypes.ModelProfile {
	skill := llmtypes.ClampSkill(float64(m.Weight) / 10.0)
	return llmtypes.ModelProfile{
		ModelID:  m.ID,
		Provider: m.ProviderID,
		Skill: map[llmtypes.TaskCategory]float64{
			llmtypes.CategoryNone:       skill,
			llmtypes.CategoryMath:       skill,
			llmtypes.CategoryCoding:     skill,
			llmtypes.CategoryReasoning:  skill,
			llmtypes.CategoryFactual:    skill,
			llmtypes.CategoryCreative:   skill,
			llmtypes.CategoryAnalytical: skill,
		},
		AvgLatencyMs:  0,
		CostPer1K:     m.InputPer1K,
		ContextWindow: m.MaxContextTokens,
	}
}

// tiersFromModels buckets models into cascade tiers by ascending
// input cost: the cheapest third is Tier1, the middle third Tier2, the
// rest Tier3. Empty tiers fall back to the next cheaper tier so Route
// always has somewhere to escalate to.
func tiersFromModels(models []router.Model) cascade.TierModels {
	sorted := append([]router.Model{}, models...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InputPer1K < sorted[j].InputPer1K })

	tiers := cascade.TierModels{}
	n := len(sorted)
	if n == 0 {
		return tiers
	}
	third := n / 3
	if third == 0 {
		third = 1
	}
	for i, m := range sorted {
		switch {
		case i < third:
			tiers[cascade.Tier1] = append(tiers[cascade.Tier1], m.ID)
		case i < 2*third:
			tiers[cascade.Tier2] = append(tiers[cascade.Tier2], m.ID)
		default:
			tiers[cascade.Tier3] = append(tiers[cascade.Tier3], m.ID)
		}
	}
	if len(tiers[cascade.Tier2]) == 0 {
		tiers[cascade.Tier2] = tiers[cascade.Tier1]
	}
	if len(tiers[cascade.Tier3]) == 0 {
		tiers[cascade.Tier3] = tiers[cascade.Tier2]
	}
	return tiers
}

// Run executes the orchestrator's call graph: Model Selector picks an
// ensemble, the Reasoning Strategy Controller (or Cascade Router) runs
// each ensemble member concurrently through the Provider Router, the
// Consensus Manager combines the results, and an optional Refinement
// Loop polishes the combined answer.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Response, error) {
	models := o.engine.ListModels()
	if len(models) == 0 {
		return Response{}, fmt.Errorf("orchestrate: no models registered")
	}

	profiles := make([]llmtypes.ModelProfile, len(models))
	for i, m := range models {
		profiles[i] = toProfile(m)
	}

	ensembleSize := req.EnsembleSize
	if ensembleSize <= 0 {
		ensembleSize = 3
	}
	ensemble := selector.Ensemble(profiles, req.TaskCategory, req.Mode, ensembleSize, 0.05)
	if len(ensemble) == 0 {
		ensemble = profiles
	}
	modelIDs := make([]string, len(ensemble))
	for i, p := range ensemble {
		modelIDs[i] = p.ModelID
	}

	caller := callerAdapter{engine: o.engine}
	resp := Response{ModelsConsidered: modelIDs}

	if req.UseCascade {
		tiers := tiersFromModels(models)
		isCoding := req.TaskCategory == llmtypes.CategoryCoding
		cres, err := cascade.Route(ctx, caller, tiers, req.Query, isCoding, o.cascadeCfg)
		if err != nil {
			return Response{}, fmt.Errorf("orchestrate: cascade: %w", err)
		}
		resp.CascadeUsed = true
		resp.CascadeResult = &cres
		resp.FinalAnswer = cres.Response

		if req.EnableRefinement {
			refRes := refinement.Run(ctx, o.verifier, correctorAdapter{engine: o.engine, model: cres.ModelUsed}, req.Query, cres.Response, o.refineCfg)
			resp.Refinement = &refRes
			resp.FinalAnswer = refRes.FinalAnswer
		}
		return resp, nil
	}

	name := strategy.Select(llmtypes.Request{
		Query:            req.Query,
		TaskCategory:     req.TaskCategory,
		Mode:             req.Mode,
		IsMultipleChoice: req.IsMultipleChoice,
	})
	resp.StrategyUsed = string(name)

	// Run the chosen strategy against every ensemble member concurrently;
	// each member writes to its own slice index so no lock is needed.
	responses := make([]llmtypes.ModelResponse, len(modelIDs))
	errs := make([]error, len(modelIDs))
	var wg sync.WaitGroup
	for i, mid := range modelIDs {
		wg.Add(1)
		go func(i int, mid string) {
			defer wg.Done()
			res, err := strategy.Execute(ctx, name, caller, []string{mid}, req.Query, o.strategyCfg)
			if err != nil {
				errs[i] = err
				return
			}
			responses[i] = llmtypes.ModelResponse{ModelID: mid, Content: res.Answer, RawConfidence: res.Confidence}
		}(i, mid)
	}
	wg.Wait()

	var filtered []llmtypes.ModelResponse
	var firstErr error
	for i, r := range responses {
		if r.Content == "" {
			if errs[i] != nil && firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		filtered = append(filtered, r)
	}
	if len(filtered) == 0 {
		if firstErr != nil {
			return Response{}, fmt.Errorf("orchestrate: all %d ensemble members failed: %w", len(modelIDs), firstErr)
		}
		return Response{}, fmt.Errorf("orchestrate: all %d ensemble members failed", len(modelIDs))
	}

	judgeModel := modelIDs[0]
	cres, err := consensus.Build(ctx, caller, req.Query, filtered, req.TaskCategory, judgeModel)
	if err != nil {
		return Response{}, fmt.Errorf("orchestrate: consensus: %w", err)
	}
	resp.Consensus = &cres
	resp.FinalAnswer = cres.FinalAnswer

	if req.EnableRefinement {
		refRes := refinement.Run(ctx, o.verifier, correctorAdapter{engine: o.engine, model: judgeModel}, req.Query, cres.FinalAnswer, o.refineCfg)
		resp.Refinement = &refRes
		resp.FinalAnswer = refRes.FinalAnswer
	}
	return resp, nil
}
