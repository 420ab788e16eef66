package screening

import (
	"fmt"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

// Factor is one signal's contribution to the combined score.
type Factor struct {
	Name     string  `json:"name"`
	Raw      float64 `json:"raw"`
	Signal   float64 `json:"signal"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
	Reason   string  `json:"reason"`
}

// Explanation is what reviewers see next to a flagged image.
type Explanation struct {
	Score            float64       `json:"score"`
	Verdict          store.Verdict `json:"verdict"`
	HardLimit        bool          `json:"hard_limit"`
	ApproveThreshold float64       `json:"approve_threshold"`
	RejectThreshold  float64       `json:"reject_threshold"`
	Factors          []Factor      `json:"factors"`
	Summary          string        `json:"summary"`
}

// Explain breaks an evaluation down per factor. Weighted values are
// normalised so they add up to the combined score.
func (p Policy) Explain(s Scores) Explanation {
	s = s.clamped()
	res := p.Evaluate(s)
	total := p.Weights.Sum()

	factors := []Factor{
		{Name: "authenticity", Raw: s.Authenticity, Signal: s.Authenticity, Weight: p.Weights.Authenticity,
			Reason: fmt.Sprintf("authenticity %.2f", s.Authenticity)},
		{Name: "deepfake", Raw: s.Deepfake, Signal: 1 - s.Deepfake, Weight: p.Weights.Deepfake,
			Reason: fmt.Sprintf("deepfake probability %.2f", s.Deepfake)},
		{Name: "tamper", Raw: s.Tamper, Signal: 1 - s.Tamper, Weight: p.Weights.Tamper,
			Reason: fmt.Sprintf("tamper score %.2f", s.Tamper)},
	}
	for i := range factors {
		if total > 0 {
			factors[i].Weighted = round4(factors[i].Signal * factors[i].Weight / total)
		}
	}

	return Explanation{
		Score:            res.Score,
		Verdict:          res.Verdict,
		HardLimit:        res.HardLimit,
		ApproveThreshold: p.ApproveThreshold,
		RejectThreshold:  p.RejectThreshold,
		Factors:          factors,
		Summary:          summarize(p, s, res),
	}
}

func summarize(p Policy, s Scores, res Result) string {
	if res.HardLimit {
		return fmt.Sprintf("rejected: deepfake probability %.2f at or above limit %.2f", s.Deepfake, p.DeepfakeHardLimit)
	}
	switch res.Verdict {
	case store.VerdictApproved:
		return fmt.Sprintf("approved: score %.2f at or above %.2f", res.Score, p.ApproveThreshold)
	case store.VerdictRejected:
		return fmt.Sprintf("rejected: score %.2f below %.2f", res.Score, p.RejectThreshold)
	default:
		return fmt.Sprintf("needs review: score %.2f between %.2f and %.2f", res.Score, p.RejectThreshold, p.ApproveThreshold)
	}
}

// ScoresFrom reads the detector scores back off a stored validation.
func ScoresFrom(v *store.AIValidation) Scores {
	return Scores{
		Authenticity: v.AuthenticityScore,
		Deepfake:     v.DeepfakeProbability,
		Tamper:       v.TamperScore,
	}
}
