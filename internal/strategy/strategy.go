// Package strategy implements the reasoning strategy controller: ten
// interchangeable ways of turning a query into an answer, selected by
// Select based on the request's mode and task category, then run via
// Execute. Each strategy is a tagged value satisfying the Strategy
// interface, following the same "dynamic dispatch via sum type" shape
// the teacher uses for its adversarial/vote/refine orchestration modes
// in internal/router/engine.go, generalized from three hardcoded modes
// to ten named strategies.
package strategy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/llmhive/llmhive/internal/llmtypes"
)

// Name identifies one of the ten reasoning strategies.
type Name string

const (
	Direct          Name = "direct"
	ChainOfThought  Name = "chain_of_thought"
	SelfConsistency Name = "self_consistency"
	TreeOfThoughts  Name = "tree_of_thoughts"
	Reflection      Name = "reflection"
	Debate          Name = "debate"
	StepVerify      Name = "step_verify"
	Progressive     Name = "progressive"
	BestOfN         Name = "best_of_n"
	Mixture         Name = "mixture"
)

// Caller sends a single prompt to a model and returns its raw text
// response. Implementations wrap the Provider Router's dispatch path;
// strategies never talk to a backend directly.
type Caller interface {
	Call(ctx context.Context, modelID, prompt string) (string, error)
}

// Result is what every strategy produces: a final answer, a confidence
// score in [0,1], and the trace of intermediate model calls for
// observability.
type Result struct {
	Strategy   Name
	Answer     string
	Confidence float64
	Trace      []Step
}

// Step records one model invocation made while executing a strategy.
type Step struct {
	ModelID string
	Prompt  string
	Output  string
}

// Config bounds the controller's behavior; zero values take the spec's
// defaults in NewConfig.
type Config struct {
	SelfConsistencySamples int     // default 5
	BestOfNSamples         int     // default 5
	ProgressiveThreshold   float64 // default 0.85
	ComplexityCharLimit    int     // default 200
}

// NewConfig returns a Config with the reasoning controller's defaults.
func NewConfig() Config {
	return Config{
		SelfConsistencySamples: 5,
		BestOfNSamples:         5,
		ProgressiveThreshold:   0.85,
		ComplexityCharLimit:    200,
	}
}

// Select picks the strategy for a request per the selection table: mode
// and task category narrow the choice, with multiple-choice and
// complexity overrides applied before falling back to mode defaults.
func Select(req llmtypes.Request) Name {
	if req.Mode == llmtypes.ModeSpeed && !isComplex(req.Query) {
		return Direct
	}
	switch req.TaskCategory {
	case llmtypes.CategoryMath:
		return StepVerify
	case llmtypes.CategoryCoding:
		return BestOfN
	case llmtypes.CategoryReasoning:
		return SelfConsistency
	case llmtypes.CategoryFactual:
		return Debate
	}
	if req.IsMultipleChoice {
		return SelfConsistency
	}
	if isComplex(req.Query) {
		return TreeOfThoughts
	}
	if req.TaskCategory == llmtypes.CategoryCreative || req.TaskCategory == llmtypes.CategoryNone {
		return ChainOfThought
	}
	if req.Mode == llmtypes.ModeAccuracy {
		return Mixture
	}
	return ChainOfThought
}

func isComplex(query string) bool {
	if len(query) > 200 {
		return true
	}
	return strings.Count(query, "?") > 2
}

var finalAnswerMarkers = []string{"final answer:", "therefore:", "thus:", "conclusion:"}

// extractFinalAnswer scans text for the last occurrence of a recognized
// marker phrase; if none is found, the last non-empty line is returned.
func extractFinalAnswer(text string) string {
	lower := strings.ToLower(text)
	bestIdx := -1
	bestMarker := ""
	for _, m := range finalAnswerMarkers {
		if idx := strings.LastIndex(lower, m); idx > bestIdx {
			bestIdx = idx
			bestMarker = m
		}
	}
	if bestIdx >= 0 {
		rest := text[bestIdx+len(bestMarker):]
		return strings.TrimSpace(firstLine(rest))
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return strings.TrimSpace(text)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var punctStrip = regexp.MustCompile(`[^\w\s]`)

// normalizeAnswer lowercases and strips punctuation so equivalent answers
// compare equal across strategies that vote or tally (self-consistency,
// mixture, voting consensus).
func normalizeAnswer(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = punctStrip.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// Execute runs the named strategy against model(s) chosen by the caller.
// modelIDs supplies candidate models in preference order; most strategies
// use modelIDs[0] as the primary model and draw on the rest for
// parallel samples or peer/judge roles.
func Execute(ctx context.Context, name Name, caller Caller, modelIDs []string, query string, cfg Config) (Result, error) {
	if len(modelIDs) == 0 {
		return Result{}, fmt.Errorf("strategy: no candidate models supplied")
	}
	switch name {
	case Direct:
		return execDirect(ctx, caller, modelIDs[0], query)
	case ChainOfThought:
		return execChainOfThought(ctx, caller, modelIDs[0], query)
	case SelfConsistency:
		return execSelfConsistency(ctx, caller, modelIDs, query, cfg.SelfConsistencySamples)
	case TreeOfThoughts:
		return execTreeOfThoughts(ctx, caller, modelIDs[0], query)
	case Reflection:
		return execReflection(ctx, caller, modelIDs[0], query)
	case Debate:
		return execDebate(ctx, caller, modelIDs, query)
	case StepVerify:
		return execStepVerify(ctx, caller, modelIDs[0], query)
	case Progressive:
		return execProgressive(ctx, caller, modelIDs, query, cfg)
	case BestOfN:
		return execBestOfN(ctx, caller, modelIDs[0], query, cfg.BestOfNSamples)
	case Mixture:
		return execMixture(ctx, caller, modelIDs, query, cfg)
	default:
		return Result{}, fmt.Errorf("strategy: unknown strategy %q", name)
	}
}

func execDirect(ctx context.Context, caller Caller, model, query string) (Result, error) {
	out, err := caller.Call(ctx, model, query)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Strategy:   Direct,
		Answer:     strings.TrimSpace(out),
		Confidence: 0.7,
		Trace:      []Step{{ModelID: model, Prompt: query, Output: out}},
	}, nil
}

func execChainOfThought(ctx context.Context, caller Caller, model, query string) (Result, error) {
	prompt := "Think through this step by step, then give your final answer prefixed with 'Final Answer:'.\n\n" + query
	out, err := caller.Call(ctx, model, prompt)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Strategy:   ChainOfThought,
		Answer:     extractFinalAnswer(out),
		Confidence: 0.8,
		Trace:      []Step{{ModelID: model, Prompt: prompt, Output: out}},
	}, nil
}

func execSelfConsistency(ctx context.Context, caller Caller, modelIDs []string, query string, n int) (Result, error) {
	if n <= 0 {
		n = 5
	}
	prompt := "Solve the following, showing your reasoning, then state the final answer on its own line.\n\n" + query

	type sample struct {
		step Step
		ans  string
		ok   bool
	}
	samples := make([]sample, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model := modelIDs[i%len(modelIDs)]
			out, err := caller.Call(ctx, model, prompt)
			if err != nil {
				return
			}
			samples[i] = sample{
				step: Step{ModelID: model, Prompt: prompt, Output: out},
				ans:  extractFinalAnswer(out),
				ok:   true,
			}
		}(i)
	}
	wg.Wait()

	var trace []Step
	counts := map[string]int{}
	forms := map[string]string{} // normalized -> first non-normalized form seen
	for _, s := range samples {
		if !s.ok {
			continue
		}
		norm := normalizeAnswer(s.ans)
		counts[norm]++
		if _, ok := forms[norm]; !ok {
			forms[norm] = s.ans
		}
		trace = append(trace, s.step)
	}
	winner, count := majority(counts)
	if count == 0 {
		return Result{}, fmt.Errorf("self_consistency: all %d samples failed", n)
	}
	return Result{
		Strategy:   SelfConsistency,
		Answer:     forms[winner],
		Confidence: float64(count) / float64(n),
		Trace:      trace,
	}, nil
}

func majority(counts map[string]int) (string, int) {
	var best string
	bestN := -1
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic tie-break: lexical order of normalized form
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	if bestN < 0 {
		bestN = 0
	}
	return best, bestN
}

func execTreeOfThoughts(ctx context.Context, caller Caller, model, query string) (Result, error) {
	approaches := []string{
		"Approach A: solve directly and methodically.",
		"Approach B: work backward from what a correct answer must satisfy.",
		"Approach C: break the problem into smaller sub-problems and solve each.",
	}
	type scored struct {
		text  string
		score int
		trace []Step
		ok    bool
	}
	results := make([]scored, len(approaches))
	var wg sync.WaitGroup
	for i, a := range approaches {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			prompt := fmt.Sprintf("%s\n\nQuery: %s\n\nGive your reasoning and answer.", a, query)
			out, err := caller.Call(ctx, model, prompt)
			if err != nil {
				return
			}
			var trace []Step
			trace = append(trace, Step{ModelID: model, Prompt: prompt, Output: out})

			scorePrompt := fmt.Sprintf("Rate the quality of this reasoning attempt from 1 to 10. Respond with just the number.\n\n%s", out)
			scoreOut, err := caller.Call(ctx, model, scorePrompt)
			score := 5
			if err == nil {
				if v, ok := firstInt(scoreOut); ok {
					score = v
				}
			}
			trace = append(trace, Step{ModelID: model, Prompt: scorePrompt, Output: scoreOut})
			results[i] = scored{text: out, score: score, trace: trace, ok: true}
		}(i, a)
	}
	wg.Wait()

	var candidates []scored
	var trace []Step
	for _, r := range results {
		if !r.ok {
			continue
		}
		candidates = append(candidates, r)
		trace = append(trace, r.trace...)
	}
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("tree_of_thoughts: all approaches failed")
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return Result{
		Strategy:   TreeOfThoughts,
		Answer:     extractFinalAnswer(best.text),
		Confidence: float64(best.score) / 10.0,
		Trace:      trace,
	}, nil
}

func firstInt(s string) (int, bool) {
	re := regexp.MustCompile(`-?\d+`)
	m := re.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return v, true
}

var critiquePhrases = []string{"incorrect", "wrong", "error", "mistake", "missing", "incomplete", "fails to"}

func execReflection(ctx context.Context, caller Caller, model, query string) (Result, error) {
	var trace []Step
	out, err := caller.Call(ctx, model, query)
	if err != nil {
		return Result{}, err
	}
	trace = append(trace, Step{ModelID: model, Prompt: query, Output: out})

	critiquePrompt := fmt.Sprintf("Critically review this answer for errors or omissions. If it is correct and complete, say so plainly.\n\nQuestion: %s\n\nAnswer: %s", query, out)
	critique, err := caller.Call(ctx, model, critiquePrompt)
	if err != nil {
		return Result{}, err
	}
	trace = append(trace, Step{ModelID: model, Prompt: critiquePrompt, Output: critique})

	lower := strings.ToLower(critique)
	needsFix := false
	for _, p := range critiquePhrases {
		if strings.Contains(lower, p) {
			needsFix = true
			break
		}
	}
	if !needsFix {
		return Result{Strategy: Reflection, Answer: strings.TrimSpace(out), Confidence: 0.90, Trace: trace}, nil
	}

	fixPrompt := fmt.Sprintf("Revise your answer to address this critique.\n\nOriginal answer: %s\n\nCritique: %s", out, critique)
	fixed, err := caller.Call(ctx, model, fixPrompt)
	if err != nil {
		return Result{}, err
	}
	trace = append(trace, Step{ModelID: model, Prompt: fixPrompt, Output: fixed})
	return Result{Strategy: Reflection, Answer: strings.TrimSpace(fixed), Confidence: 0.85, Trace: trace}, nil
}

func execDebate(ctx context.Context, caller Caller, modelIDs []string, query string) (Result, error) {
	n := len(modelIDs)
	if n > 3 {
		n = 3
	}
	if n < 2 {
		n = 1
	}
	type participant struct {
		out string
		ok  bool
	}
	parts := make([]participant, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := caller.Call(ctx, modelIDs[i], query)
			if err != nil {
				return
			}
			parts[i] = participant{out: out, ok: true}
		}(i)
	}
	wg.Wait()

	var trace []Step
	var answers []string
	for i, p := range parts {
		if !p.ok {
			continue
		}
		answers = append(answers, p.out)
		trace = append(trace, Step{ModelID: modelIDs[i], Prompt: query, Output: p.out})
	}
	if len(answers) == 0 {
		return Result{}, fmt.Errorf("debate: all participants failed")
	}
	if len(answers) == 1 {
		return Result{Strategy: Debate, Answer: extractFinalAnswer(answers[0]), Confidence: 0.85, Trace: trace}, nil
	}
	judgeModel := modelIDs[0]
	var b strings.Builder
	b.WriteString("Multiple experts answered the same question. Pick the best-supported answer and state it clearly.\n\n")
	b.WriteString("Question: " + query + "\n\n")
	for i, a := range answers {
		fmt.Fprintf(&b, "Expert %d: %s\n\n", i+1, a)
	}
	verdict, err := caller.Call(ctx, judgeModel, b.String())
	if err != nil {
		return Result{}, err
	}
	trace = append(trace, Step{ModelID: judgeModel, Prompt: b.String(), Output: verdict})
	return Result{Strategy: Debate, Answer: extractFinalAnswer(verdict), Confidence: 0.85, Trace: trace}, nil
}

func execStepVerify(ctx context.Context, caller Caller, model, query string) (Result, error) {
	var trace []Step
	solved, err := caller.Call(ctx, model, query)
	if err != nil {
		return Result{}, err
	}
	trace = append(trace, Step{ModelID: model, Prompt: query, Output: solved})

	verifyPrompt := fmt.Sprintf("Verify this solution step by step. State clearly whether it is correct.\n\nProblem: %s\n\nSolution: %s", query, solved)
	verification, err := caller.Call(ctx, model, verifyPrompt)
	if err != nil {
		return Result{}, err
	}
	trace = append(trace, Step{ModelID: model, Prompt: verifyPrompt, Output: verification})

	lower := strings.ToLower(verification)
	clean := !strings.Contains(lower, "incorrect") && !strings.Contains(lower, "error") && !strings.Contains(lower, "wrong")
	if clean {
		return Result{Strategy: StepVerify, Answer: extractFinalAnswer(solved), Confidence: 0.95, Trace: trace}, nil
	}

	resolvePrompt := fmt.Sprintf("Re-solve the problem, correcting the issues found in verification.\n\nProblem: %s\n\nPrior attempt: %s\n\nVerification notes: %s", query, solved, verification)
	resolved, err := caller.Call(ctx, model, resolvePrompt)
	if err != nil {
		return Result{}, err
	}
	trace = append(trace, Step{ModelID: model, Prompt: resolvePrompt, Output: resolved})
	return Result{Strategy: StepVerify, Answer: extractFinalAnswer(resolved), Confidence: 0.75, Trace: trace}, nil
}

func execProgressive(ctx context.Context, caller Caller, modelIDs []string, query string, cfg Config) (Result, error) {
	threshold := cfg.ProgressiveThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	steps := []Name{Direct, ChainOfThought, SelfConsistency, TreeOfThoughts}
	var trace []Step
	var last Result
	for _, s := range steps {
		localCfg := cfg
		localCfg.SelfConsistencySamples = 3
		res, err := Execute(ctx, s, caller, modelIDs, query, localCfg)
		if err != nil {
			continue
		}
		trace = append(trace, res.Trace...)
		last = res
		if res.Confidence >= threshold {
			return Result{Strategy: Progressive, Answer: res.Answer, Confidence: res.Confidence, Trace: trace}, nil
		}
	}
	if len(trace) == 0 {
		return Result{}, fmt.Errorf("progressive: every step failed")
	}
	// No step cleared the threshold; fall back to the answer of the last step
	// that succeeded (tree_of_thoughts unless it failed).
	return Result{Strategy: Progressive, Answer: last.Answer, Confidence: threshold, Trace: trace}, nil
}

func execBestOfN(ctx context.Context, caller Caller, model, query string, n int) (Result, error) {
	if n <= 0 {
		n = 5
	}
	type scored struct {
		text  string
		score int
		trace []Step
		ok    bool
	}
	results := make([]scored, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := caller.Call(ctx, model, query)
			if err != nil {
				return
			}
			var trace []Step
			trace = append(trace, Step{ModelID: model, Prompt: query, Output: out})

			ratePrompt := fmt.Sprintf("Rate this answer's quality from 1 to 10. Respond with just the number.\n\n%s", out)
			rateOut, err := caller.Call(ctx, model, ratePrompt)
			score := 5
			if err == nil {
				if v, ok := firstInt(rateOut); ok {
					score = v
				}
			}
			trace = append(trace, Step{ModelID: model, Prompt: ratePrompt, Output: rateOut})
			results[i] = scored{text: out, score: score, trace: trace, ok: true}
		}(i)
	}
	wg.Wait()

	var trace []Step
	var candidates []scored
	for _, r := range results {
		if !r.ok {
			continue
		}
		candidates = append(candidates, r)
		trace = append(trace, r.trace...)
	}
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("best_of_n: all %d samples failed", n)
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return Result{
		Strategy:   BestOfN,
		Answer:     extractFinalAnswer(best.text),
		Confidence: float64(best.score) / 10.0,
		Trace:      trace,
	}, nil
}

func execMixture(ctx context.Context, caller Caller, modelIDs []string, query string, cfg Config) (Result, error) {
	type attempt struct {
		res Result
		err error
	}
	cotCfg, scCfg := cfg, cfg
	scCfg.SelfConsistencySamples = 3

	results := make([]attempt, 3)
	names := []Name{ChainOfThought, SelfConsistency, Reflection}
	var wg sync.WaitGroup
	for i, n := range names {
		wg.Add(1)
		go func(i int, n Name) {
			defer wg.Done()
			localCfg := cfg
			if n == SelfConsistency {
				localCfg = scCfg
			} else if n == ChainOfThought {
				localCfg = cotCfg
			}
			res, err := Execute(ctx, n, caller, modelIDs, query, localCfg)
			results[i] = attempt{res: res, err: err}
		}(i, n)
	}
	wg.Wait()

	weighted := map[string]float64{}
	forms := map[string]string{}
	var trace []Step
	total := 0.0
	for _, a := range results {
		if a.err != nil {
			continue
		}
		norm := normalizeAnswer(a.res.Answer)
		weighted[norm] += a.res.Confidence
		if _, ok := forms[norm]; !ok {
			forms[norm] = a.res.Answer
		}
		total += a.res.Confidence
		trace = append(trace, a.res.Trace...)
	}
	if total == 0 {
		return Result{}, fmt.Errorf("mixture: all component strategies failed")
	}
	winner, winWeight := "", -1.0
	keys := make([]string, 0, len(weighted))
	for k := range weighted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if weighted[k] > winWeight {
			winner, winWeight = k, weighted[k]
		}
	}
	confidence := winWeight / total
	if confidence > 0.95 {
		confidence = 0.95
	}
	return Result{
		Strategy:   Mixture,
		Answer:     forms[winner],
		Confidence: confidence,
		Trace:      trace,
	}, nil
}
