package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalMath_PrecedenceOverAddition(t *testing.T) {
	v, err := evalMath("2+3×4")
	require.NoError(t, err)
	assert.InDelta(t, 14, v, 0.0001)
}

func TestEvalMath_Exponent(t *testing.T) {
	v, err := evalMath("2**3+1")
	require.NoError(t, err)
	assert.InDelta(t, 9, v, 0.0001)
}

func TestEvalMath_Parentheses(t *testing.T) {
	v, err := evalMath("(2+3)*4")
	require.NoError(t, err)
	assert.InDelta(t, 20, v, 0.0001)
}

func TestEvalMath_DivisionByZero(t *testing.T) {
	_, err := evalMath("1/0")
	assert.Error(t, err)
}

// Mirrors spec's worked example: "2+3×4=20" under standard precedence
// evaluates to 14, producing exactly one math_error and a corrected
// answer substituting 20 -> 14, with confidence <= 0.6.
func TestPipeline_Check_MathCorrectionExample(t *testing.T) {
	p := NewPipeline()
	report := p.Check(context.Background(), "The result of 2+3×4=20, which is the final answer.")
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "math_error", string(report.Issues[0].Kind))
	require.NotEmpty(t, report.CorrectedAnswer)
	assert.Contains(t, report.CorrectedAnswer, "=14")
	assert.LessOrEqual(t, report.Confidence, 0.6)
}

func TestPipeline_Check_CorrectMathNoIssue(t *testing.T) {
	p := NewPipeline()
	report := p.Check(context.Background(), "We compute 2+3×4=14, which checks out nicely here.")
	for _, iss := range report.Issues {
		assert.NotEqual(t, "math_error", string(iss.Kind))
	}
}

func TestCheckFormat_ShortAnswerFlagged(t *testing.T) {
	issues := checkFormat("ok")
	require.Len(t, issues, 1)
	assert.Equal(t, "format", string(issues[0].Kind))
}

func TestCheckFormat_ProperlyTerminatedNoFlag(t *testing.T) {
	issues := checkFormat("This is a complete sentence that ends properly.")
	assert.Empty(t, issues)
}

func TestCheckLogic_ContradictionFlagged(t *testing.T) {
	issues := checkLogic("It is always the case that the rule applies, but it is never actually enforced in practice.")
	assert.NotEmpty(t, issues)
}

func TestDetectCode_FencedBlock(t *testing.T) {
	assert.True(t, detectCode("Here:\n```go\nfunc main() {}\n```"))
	assert.False(t, detectCode("no code here"))
}

func TestCheckCode_UnbalancedBrackets(t *testing.T) {
	p := NewPipeline()
	issues := p.checkCode(context.Background(), "```go\nfunc main() {\n```")
	require.Len(t, issues, 1)
	assert.Equal(t, "code_syntax", string(issues[0].Kind))
}

func TestCheckFactual_NoCheckerEmitsUnknown(t *testing.T) {
	p := NewPipeline()
	issues := p.checkFactual(context.Background(), "Studies show that this approach works well.")
	require.Len(t, issues, 1)
	assert.Equal(t, "factuality_unknown", string(issues[0].Kind))
}
