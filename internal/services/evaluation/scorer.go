// -----------------------------------------------------------------------
// Scorer - Rubric scorecard contract for résumé-versus-role evaluation
// -----------------------------------------------------------------------

package evaluation

import "context"

// Rubric dimensions every scorecard reports, each on a 0-10 scale
const (
	DimensionRelevance    = "relevance"
	DimensionExperience   = "experience"
	DimensionSkills       = "skills"
	DimensionEducation    = "education"
	DimensionPresentation = "presentation"
)

// Verdict buckets, best fit first
const (
	VerdictStrongMatch  = "strong_match"
	VerdictGoodMatch    = "good_match"
	VerdictPartialMatch = "partial_match"
	VerdictWeakMatch    = "weak_match"
)

var rubricDimensions = []string{
	DimensionRelevance,
	DimensionExperience,
	DimensionSkills,
	DimensionEducation,
	DimensionPresentation,
}

// Scorecard is one résumé measured against one job description.
type Scorecard struct {
	Scores    map[string]float64 `json:"scores"`
	Overall   float64            `json:"overall"`
	Verdict   string             `json:"verdict"`
	Strengths []string           `json:"strengths"`
	Gaps      []string           `json:"gaps"`
	Summary   string             `json:"summary"`
}

// Scorer produces a scorecard in a single attempt. Implementations return
// classified errors and leave retry scheduling to the job machinery.
type Scorer interface {
	Score(ctx context.Context, resume, jobDescription, jobTitle string) (*Scorecard, error)
}

// normalize clamps model output into the rubric's ranges, fills missing
// dimensions with zero, and derives the verdict when the model omitted or
// mangled it.
func (c *Scorecard) normalize() {
	if c.Scores == nil {
		c.Scores = make(map[string]float64)
	}
	for _, dim := range rubricDimensions {
		c.Scores[dim] = clamp(c.Scores[dim], 0, 10)
	}
	c.Overall = clamp(c.Overall, 0, 100)
	switch c.Verdict {
	case VerdictStrongMatch, VerdictGoodMatch, VerdictPartialMatch, VerdictWeakMatch:
	default:
		c.Verdict = verdictFor(c.Overall)
	}
}

// verdictFor maps an overall score onto its verdict bucket
func verdictFor(overall float64) string {
	switch {
	case overall >= 80:
		return VerdictStrongMatch
	case overall >= 60:
		return VerdictGoodMatch
	case overall >= 40:
		return VerdictPartialMatch
	default:
		return VerdictWeakMatch
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
