package screening

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

func TestDefaultPolicyValid(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	assert.InDelta(t, 1.0, DefaultWeights().Sum(), 0.0001)
}

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()
	p.Weights.Tamper = -1
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.Weights = Weights{}
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.RejectThreshold = 0.9
	assert.Error(t, p.Validate())
}

func TestEvaluate(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		scores    Scores
		want      store.Verdict
		hardLimit bool
	}{
		{"clean photo", Scores{Authenticity: 0.95, Deepfake: 0.02, Tamper: 0.01}, store.VerdictApproved, false},
		{"obvious fake", Scores{Authenticity: 0.10, Deepfake: 0.80, Tamper: 0.70}, store.VerdictRejected, false},
		{"borderline", Scores{Authenticity: 0.60, Deepfake: 0.40, Tamper: 0.20}, store.VerdictFlagged, false},
		{"hard limit beats good score", Scores{Authenticity: 1.0, Deepfake: 0.90, Tamper: 0.0}, store.VerdictRejected, true},
		{"out of range clamped", Scores{Authenticity: 1.7, Deepfake: -0.3, Tamper: math.NaN()}, store.VerdictApproved, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Evaluate(tt.scores)
			assert.Equal(t, tt.want, res.Verdict, "score %.4f", res.Score)
			assert.Equal(t, tt.hardLimit, res.HardLimit)
			assert.GreaterOrEqual(t, res.Score, 0.0)
			assert.LessOrEqual(t, res.Score, 1.0)
		})
	}
}

func TestEvaluateScoreFormula(t *testing.T) {
	p := DefaultPolicy()
	res := p.Evaluate(Scores{Authenticity: 0.8, Deepfake: 0.2, Tamper: 0.1})
	// 0.5*0.8 + 0.35*0.8 + 0.15*0.9 = 0.815
	assert.InDelta(t, 0.815, res.Score, 0.0001)
}

func TestEvaluateThresholdBoundaries(t *testing.T) {
	p := Policy{Weights: Weights{Authenticity: 1}, ApproveThreshold: 0.75, RejectThreshold: 0.45}

	assert.Equal(t, store.VerdictApproved, p.Evaluate(Scores{Authenticity: 0.75}).Verdict)
	assert.Equal(t, store.VerdictFlagged, p.Evaluate(Scores{Authenticity: 0.45}).Verdict)
	assert.Equal(t, store.VerdictRejected, p.Evaluate(Scores{Authenticity: 0.4499}).Verdict)
}

func TestEvaluateNoHardLimit(t *testing.T) {
	p := DefaultPolicy()
	p.DeepfakeHardLimit = 0
	res := p.Evaluate(Scores{Authenticity: 1.0, Deepfake: 0.95, Tamper: 0})
	assert.False(t, res.HardLimit)
	assert.NotEqual(t, store.VerdictRejected, res.Verdict)
}

func TestExplainFactorsSumToScore(t *testing.T) {
	p := DefaultPolicy()
	exp := p.Explain(Scores{Authenticity: 0.7, Deepfake: 0.3, Tamper: 0.25})

	require.Len(t, exp.Factors, 3)
	var sum float64
	for _, f := range exp.Factors {
		sum += f.Weighted
	}
	assert.InDelta(t, exp.Score, sum, 0.001)
	assert.Equal(t, "deepfake", exp.Factors[1].Name)
	assert.InDelta(t, 0.7, exp.Factors[1].Signal, 0.0001)
	assert.Contains(t, exp.Summary, "needs review")
}

func TestExplainHardLimitSummary(t *testing.T) {
	exp := DefaultPolicy().Explain(Scores{Authenticity: 0.9, Deepfake: 0.97})
	assert.True(t, exp.HardLimit)
	assert.Contains(t, exp.Summary, "deepfake probability 0.97")
}

func TestScoresFrom(t *testing.T) {
	v := &store.AIValidation{AuthenticityScore: 0.8, DeepfakeProbability: 0.1, TamperScore: 0.05}
	assert.Equal(t, Scores{Authenticity: 0.8, Deepfake: 0.1, Tamper: 0.05}, ScoresFrom(v))
}
