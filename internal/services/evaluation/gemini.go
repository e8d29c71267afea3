// -----------------------------------------------------------------------
// GeminiScorer - Gemini schema-constrained scorecard generation
// -----------------------------------------------------------------------

package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
)

const (
	defaultModel       = "gemini-2.5-flash"
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2
)

const scoringSystem = `You are a senior technical recruiter scoring a résumé against a job description.
Score each rubric dimension from 0 to 10 and the overall fit from 0 to 100.
Judge only what the résumé states: do not invent experience, and mark a gap
for every stated requirement the résumé does not cover. Keep strengths and
gaps concrete, citing the résumé or the description where useful.`

// GeminiScorer scores résumés with Gemini's schema-constrained JSON
// output, so responses parse without prompt gymnastics.
type GeminiScorer struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      arbor.ILogger
}

var _ Scorer = (*GeminiScorer)(nil)

// NewGeminiScorer builds the scorer from config. The GEMINI_API_KEY
// environment variable takes precedence over the config file key.
func NewGeminiScorer(ctx context.Context, config *common.GeminiConfig, logger arbor.ILogger) (*GeminiScorer, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" && config != nil {
		apiKey = config.APIKey
	}
	if apiKey == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "gemini api key is not configured").
			WithOperation("evaluation.gemini")
	}

	model := defaultModel
	maxTokens := defaultMaxTokens
	temperature := float64(defaultTemperature)
	if config != nil {
		if config.Model != "" {
			model = config.Model
		}
		if config.MaxTokens > 0 {
			maxTokens = config.MaxTokens
		}
		if config.Temperature > 0 {
			temperature = config.Temperature
		}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "failed to create gemini client").
			WithOperation("evaluation.gemini")
	}

	logger.Info().
		Str("model", model).
		Msg("Gemini scorer initialized")

	return &GeminiScorer{
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}, nil
}

// Score runs one structured generation call and parses the scorecard
func (g *GeminiScorer) Score(ctx context.Context, resume, jobDescription, jobTitle string) (*Scorecard, error) {
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{genai.NewPartFromText(buildScoringPrompt(resume, jobDescription, jobTitle))},
	}}
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(g.temperature)),
		SystemInstruction: genai.NewContentFromText(scoringSystem, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    scorecardSchema(),
	}
	if g.maxTokens > 0 {
		config.MaxOutputTokens = int32(g.maxTokens)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, apperrors.New(apperrors.KindDomainFailure, "gemini returned no candidates").
			WithOperation("evaluation.gemini").
			WithRetryable(true)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, apperrors.New(apperrors.KindDomainFailure, "gemini returned an empty scorecard").
			WithOperation("evaluation.gemini").
			WithRetryable(true)
	}

	var card Scorecard
	if err := json.Unmarshal([]byte(text), &card); err != nil {
		g.logger.Warn().
			Err(err).
			Str("model", g.model).
			Msg("Gemini scorecard did not parse as JSON")
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "gemini scorecard is not valid JSON").
			WithOperation("evaluation.gemini").
			WithRetryable(true)
	}
	card.normalize()
	return &card, nil
}

// scorecardSchema constrains the response to the rubric shape
func scorecardSchema() *genai.Schema {
	dimension := func(desc string) *genai.Schema {
		return &genai.Schema{
			Type:        genai.TypeNumber,
			Description: desc,
			Minimum:     genai.Ptr(0.0),
			Maximum:     genai.Ptr(10.0),
		}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"scores": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					DimensionRelevance:    dimension("How directly the candidate's background matches the role"),
					DimensionExperience:   dimension("Depth and seniority of relevant experience"),
					DimensionSkills:       dimension("Coverage of the skills the description asks for"),
					DimensionEducation:    dimension("Education and certifications against stated requirements"),
					DimensionPresentation: dimension("Structure, clarity and polish of the résumé itself"),
				},
				Required: rubricDimensions,
			},
			"overall": {
				Type:        genai.TypeNumber,
				Description: "Overall fit from 0 to 100",
				Minimum:     genai.Ptr(0.0),
				Maximum:     genai.Ptr(100.0),
			},
			"verdict": {
				Type: genai.TypeString,
				Enum: []string{VerdictStrongMatch, VerdictGoodMatch, VerdictPartialMatch, VerdictWeakMatch},
			},
			"strengths": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
			"gaps": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
			"summary": {
				Type:        genai.TypeString,
				Description: "Two to three sentence hiring assessment",
			},
		},
		Required: []string{"scores", "overall", "verdict", "strengths", "gaps", "summary"},
	}
}

func buildScoringPrompt(resume, jobDescription, jobTitle string) string {
	var b strings.Builder
	if jobTitle != "" {
		fmt.Fprintf(&b, "Role: %s\n\n", jobTitle)
	}
	b.WriteString("Job description:\n\n")
	b.WriteString(jobDescription)
	b.WriteString("\n\nRésumé:\n\n")
	b.WriteString(resume)
	return b.String()
}

// retryDelayPattern matches "Please retry in Xs" or "retryDelay:Xs" in
// Gemini 429 messages
var retryDelayPattern = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// classifyGeminiError maps SDK failures onto the retry taxonomy. Rate
// limits carry the API-suggested delay when the message includes one.
func classifyGeminiError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Wrap(err, apperrors.KindTimeout, "gemini call timed out").
			WithOperation("evaluation.gemini")
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit") {
		classified := apperrors.Wrap(err, apperrors.KindRateLimited, "gemini rate limited").
			WithOperation("evaluation.gemini")
		if delay := extractRetryDelay(msg); delay > 0 {
			classified = classified.WithRetryAfter(delay)
		}
		return classified
	}

	for _, signal := range []string{"500", "502", "503", "UNAVAILABLE", "INTERNAL"} {
		if strings.Contains(msg, signal) {
			return apperrors.Wrap(err, apperrors.KindDomainFailure, "gemini service error").
				WithOperation("evaluation.gemini").
				WithRetryable(true)
		}
	}

	return apperrors.Wrap(err, apperrors.KindDomainFailure, "gemini call failed").
		WithOperation("evaluation.gemini")
}

// extractRetryDelay parses the suggested backoff out of a 429 message,
// e.g. "Error 429 ... Please retry in 45.387061394s."
func extractRetryDelay(msg string) time.Duration {
	matches := retryDelayPattern.FindStringSubmatch(msg)
	if len(matches) < 2 {
		return 0
	}
	seconds, err := strconv.ParseFloat(matches[1], 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
