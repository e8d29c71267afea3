// -----------------------------------------------------------------------
// Unconfigured LLM stand-ins - keep submissions flowing without keys
// -----------------------------------------------------------------------

package app

import (
	"context"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/services/enhancement"
	"github.com/ternarybob/cvforge/internal/services/evaluation"
)

// unconfiguredProvider stands in for the Claude client when no key is
// present. Enhancement jobs routed to it fail with a clear code rather
// than the service rejecting submissions outright.
type unconfiguredProvider struct{}

var _ enhancement.Provider = unconfiguredProvider{}

func (unconfiguredProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", apperrors.New(apperrors.KindValidationFailed, "claude api key is not configured").
		WithCode("PROVIDER_UNCONFIGURED")
}

// unconfiguredScorer is the evaluation counterpart for a missing Gemini
// key.
type unconfiguredScorer struct{}

var _ evaluation.Scorer = unconfiguredScorer{}

func (unconfiguredScorer) Score(ctx context.Context, resume, jobDescription, jobTitle string) (*evaluation.Scorecard, error) {
	return nil, apperrors.New(apperrors.KindValidationFailed, "gemini api key is not configured").
		WithCode("SCORER_UNCONFIGURED")
}
