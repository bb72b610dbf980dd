// Package refinement implements the refinement loop controller:
// iteratively verify an answer, and if it falls short, apply a
// correction strategy and re-verify, stopping on convergence,
// stagnation, or a max-iteration ceiling. Grounded on
// internal/router/engine.go's refine() — the "same-model iterative
// refinement" loop — generalized from one fixed prompt-and-resend cycle
// into a strategy-selecting loop with convergence tracking.
package refinement

import (
	"context"
	"fmt"
	"time"

	"github.com/llmhive/llmhive/internal/llmtypes"
	"github.com/llmhive/llmhive/internal/verify"
)

// CorrectionStrategy names a way to attempt to fix a flagged answer.
type CorrectionStrategy string

const (
	PromptEnhance  CorrectionStrategy = "prompt_enhance"
	ModelSwitch    CorrectionStrategy = "model_switch"
	WebSearch      CorrectionStrategy = "web_search"
	DirectCorrect  CorrectionStrategy = "direct_correct"
	Decompose      CorrectionStrategy = "decompose"
	ChainOfThought CorrectionStrategy = "chain_of_thought"
)

// DefaultPriorityStrategies is the order strategies are tried in, absent
// an override, matching the teacher's preference for cheap, local fixes
// before reaching for an external capability (web_search).
var DefaultPriorityStrategies = []CorrectionStrategy{
	DirectCorrect, PromptEnhance, ChainOfThought, ModelSwitch, Decompose, WebSearch,
}

// FinalStatus summarizes how a refinement run ended.
type FinalStatus string

const (
	StatusPassed        FinalStatus = "passed"
	StatusMaxIterations FinalStatus = "max_iterations"
	StatusNoImprovement FinalStatus = "no_improvement"
)

// Config bounds the refinement loop's behavior.
type Config struct {
	MaxIterations        int     // default 3
	ConvergenceThreshold  float64 // default 0.90
	MinImprovement        float64 // default 0.05
	StagnationTolerance   int     // default 1
	PriorityStrategies    []CorrectionStrategy
	EnableWebSearch       bool
	EnableModelSwitch     bool
}

// NewConfig returns the refinement loop's documented defaults.
func NewConfig() Config {
	return Config{
		MaxIterations:        3,
		ConvergenceThreshold: 0.90,
		MinImprovement:       0.05,
		StagnationTolerance:  1,
		PriorityStrategies:   DefaultPriorityStrategies,
	}
}

// Corrector applies a correction strategy to an answer and returns the
// revised answer plus which model produced it.
type Corrector interface {
	Apply(ctx context.Context, strategy CorrectionStrategy, query, answer string, issues []llmtypes.VerificationIssue) (revised, modelUsed string, err error)
}

// Verifier scores an answer. *verify.Pipeline implements this; tests use
// a fake to drive deterministic convergence scenarios.
type Verifier interface {
	Check(ctx context.Context, answer string) verify.Report
}

// Result is the refinement loop's output.
type Result struct {
	FinalAnswer         string
	Iterations          []llmtypes.RefinementIteration
	FinalStatus         FinalStatus
	FinalScore          float64
	TotalIssuesFound    int
	IssuesResolved      int
	StrategiesUsed      []string
	ConvergenceHistory  []float64
	TransparencyNotes   []string
}

// nowFunc allows tests to control elapsed-time measurement.
var nowFunc = time.Now

// Run executes the refinement loop: verify, and while the score is
// below cfg.ConvergenceThreshold and issues remain, pick the next
// untried strategy from cfg.PriorityStrategies, apply it, and
// re-verify. Stops at cfg.MaxIterations, or after cfg.StagnationTolerance
// consecutive iterations whose improvement is below cfg.MinImprovement.
func Run(ctx context.Context, pipeline Verifier, corrector Corrector, query, initialAnswer string, cfg Config) Result {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.ConvergenceThreshold <= 0 {
		cfg.ConvergenceThreshold = 0.90
	}
	if len(cfg.PriorityStrategies) == 0 {
		cfg.PriorityStrategies = DefaultPriorityStrategies
	}

	current := initialAnswer
	var iterations []llmtypes.RefinementIteration
	var history []float64
	var strategiesUsed []string
	tried := map[CorrectionStrategy]bool{}
	stagnantCount := 0
	totalFound, totalResolved := 0, 0
	var notes []string

	report := pipeline.Check(ctx, current)
	history = append(history, report.Confidence)

	if report.Confidence >= cfg.ConvergenceThreshold || len(report.Issues) == 0 {
		return Result{
			FinalAnswer:        current,
			Iterations:         iterations,
			FinalStatus:        StatusPassed,
			FinalScore:         report.Confidence,
			ConvergenceHistory: history,
		}
	}

	prevScore := report.Confidence
	for i := 0; i < cfg.MaxIterations; i++ {
		strat := nextStrategy(cfg.PriorityStrategies, tried)
		if strat == "" {
			notes = append(notes, "exhausted all correction strategies before convergence")
			break
		}
		tried[strat] = true

		start := nowFunc()
		revised, modelUsed, err := corrector.Apply(ctx, strat, query, current, report.Issues)
		duration := nowFunc().Sub(start)
		if err != nil {
			notes = append(notes, fmt.Sprintf("strategy %s failed: %v", strat, err))
			continue
		}

		nextReport := pipeline.Check(ctx, revised)
		resolved := countResolved(report.Issues, nextReport.Issues)
		totalFound += len(report.Issues)
		totalResolved += resolved

		iterations = append(iterations, llmtypes.RefinementIteration{
			IterationIndex:    i,
			InputAnswer:       current,
			OutputAnswer:      revised,
			VerificationScore: nextReport.Confidence,
			IssuesFound:       len(report.Issues),
			IssuesResolved:    resolved,
			StrategyUsed:      string(strat),
			ModelUsed:         modelUsed,
			DurationMs:        duration.Milliseconds(),
		})
		strategiesUsed = append(strategiesUsed, string(strat))
		history = append(history, nextReport.Confidence)

		improvement := nextReport.Confidence - prevScore
		current = revised
		report = nextReport
		prevScore = nextReport.Confidence

		if report.Confidence >= cfg.ConvergenceThreshold || len(report.Issues) == 0 {
			return Result{
				FinalAnswer:        current,
				Iterations:         iterations,
				FinalStatus:        StatusPassed,
				FinalScore:         report.Confidence,
				TotalIssuesFound:   totalFound,
				IssuesResolved:     totalResolved,
				StrategiesUsed:     strategiesUsed,
				ConvergenceHistory: history,
				TransparencyNotes:  notes,
			}
		}

		if improvement < cfg.MinImprovement {
			stagnantCount++
		} else {
			stagnantCount = 0
		}
		if stagnantCount > 0 && stagnantCount >= cfg.StagnationTolerance {
			notes = append(notes, "stopped: improvement below threshold for too many consecutive iterations")
			return Result{
				FinalAnswer:        current,
				Iterations:         iterations,
				FinalStatus:        StatusNoImprovement,
				FinalScore:         report.Confidence,
				TotalIssuesFound:   totalFound,
				IssuesResolved:     totalResolved,
				StrategiesUsed:     strategiesUsed,
				ConvergenceHistory: history,
				TransparencyNotes:  notes,
			}
		}
	}

	return Result{
		FinalAnswer:        current,
		Iterations:         iterations,
		FinalStatus:        StatusMaxIterations,
		FinalScore:         report.Confidence,
		TotalIssuesFound:   totalFound,
		IssuesResolved:     totalResolved,
		StrategiesUsed:     strategiesUsed,
		ConvergenceHistory: history,
		TransparencyNotes:  notes,
	}
}

func nextStrategy(priority []CorrectionStrategy, tried map[CorrectionStrategy]bool) CorrectionStrategy {
	for _, s := range priority {
		if !tried[s] {
			return s
		}
	}
	return ""
}

// countResolved is a coarse proxy: issues present before and absent
// after, matched by kind+claim.
func countResolved(before, after []llmtypes.VerificationIssue) int {
	afterSet := map[string]bool{}
	for _, iss := range after {
		afterSet[string(iss.Kind)+"|"+iss.Claim] = true
	}
	resolved := 0
	for _, iss := range before {
		if !afterSet[string(iss.Kind)+"|"+iss.Claim] {
			resolved++
		}
	}
	return resolved
}
