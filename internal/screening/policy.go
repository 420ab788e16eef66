package screening

import (
	"fmt"
	"math"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

// Weights sets the relative importance of each detector signal. They do not
// need to sum to 1; the combined score is normalised by their total.
type Weights struct {
	Authenticity float64 `json:"authenticity"`
	Deepfake     float64 `json:"deepfake"`
	Tamper       float64 `json:"tamper"`
}

func DefaultWeights() Weights {
	return Weights{Authenticity: 0.50, Deepfake: 0.35, Tamper: 0.15}
}

func (w Weights) Sum() float64 {
	return w.Authenticity + w.Deepfake + w.Tamper
}

func (w Weights) Validate() error {
	if w.Authenticity < 0 || w.Deepfake < 0 || w.Tamper < 0 {
		return fmt.Errorf("negative weight in %+v", w)
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("weights sum to %.4f, must be positive", w.Sum())
	}
	return nil
}

// Scores are the raw detector outputs, each in 0..1.
type Scores struct {
	Authenticity float64 `json:"authenticity"`
	Deepfake     float64 `json:"deepfake"`
	Tamper       float64 `json:"tamper"`
}

// Policy turns detector scores into a verdict.
type Policy struct {
	Weights           Weights `json:"weights"`
	ApproveThreshold  float64 `json:"approve_threshold"`
	RejectThreshold   float64 `json:"reject_threshold"`
	DeepfakeHardLimit float64 `json:"deepfake_hard_limit"`
}

func DefaultPolicy() Policy {
	return Policy{
		Weights:           DefaultWeights(),
		ApproveThreshold:  0.75,
		RejectThreshold:   0.45,
		DeepfakeHardLimit: 0.90,
	}
}

func (p Policy) Validate() error {
	if err := p.Weights.Validate(); err != nil {
		return err
	}
	if p.RejectThreshold > p.ApproveThreshold {
		return fmt.Errorf("reject threshold %.2f above approve threshold %.2f", p.RejectThreshold, p.ApproveThreshold)
	}
	return nil
}

// Result is a scored verdict.
type Result struct {
	Score     float64       `json:"score"`
	Verdict   store.Verdict `json:"verdict"`
	HardLimit bool          `json:"hard_limit"`
}

// Evaluate computes
//
//	score = (wa*authenticity + wd*(1-deepfake) + wt*(1-tamper)) / (wa+wd+wt)
//
// and maps it onto a verdict. A deepfake probability at or above the hard
// limit rejects regardless of the score.
func (p Policy) Evaluate(s Scores) Result {
	s = s.clamped()
	score := p.combined(s)

	res := Result{Score: score}
	switch {
	case p.DeepfakeHardLimit > 0 && s.Deepfake >= p.DeepfakeHardLimit:
		res.Verdict = store.VerdictRejected
		res.HardLimit = true
	case score >= p.ApproveThreshold:
		res.Verdict = store.VerdictApproved
	case score < p.RejectThreshold:
		res.Verdict = store.VerdictRejected
	default:
		res.Verdict = store.VerdictFlagged
	}
	return res
}

func (p Policy) combined(s Scores) float64 {
	total := p.Weights.Sum()
	if total <= 0 {
		return 0
	}
	raw := p.Weights.Authenticity*s.Authenticity +
		p.Weights.Deepfake*(1-s.Deepfake) +
		p.Weights.Tamper*(1-s.Tamper)
	return round4(raw / total)
}

func (s Scores) clamped() Scores {
	return Scores{
		Authenticity: clamp01(s.Authenticity),
		Deepfake:     clamp01(s.Deepfake),
		Tamper:       clamp01(s.Tamper),
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
