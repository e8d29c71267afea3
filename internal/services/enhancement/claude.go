// -----------------------------------------------------------------------
// ClaudeProvider - Anthropic-backed rewrite provider
// -----------------------------------------------------------------------

package enhancement

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
)

const (
	defaultModel       = "claude-sonnet-4-5"
	defaultMaxTokens   = 4096
	defaultTemperature = 0.3
)

// ClaudeProvider implements Provider against the Anthropic API
type ClaudeProvider struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	logger      arbor.ILogger
}

var _ Provider = (*ClaudeProvider)(nil)

// NewClaudeProvider creates the provider. The ANTHROPIC_API_KEY
// environment variable overrides the configured key.
func NewClaudeProvider(config *common.ClaudeConfig, logger arbor.ILogger) (*ClaudeProvider, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" && config != nil {
		apiKey = config.APIKey
	}
	if apiKey == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "anthropic api key is not configured").
			WithOperation("enhancement.claude")
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

	return &ClaudeProvider{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}, nil
}

// Complete sends one message round-trip and returns the text blocks of
// the response.
func (p *ClaudeProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if p.temperature > 0 {
		params.Temperature = anthropic.Float(p.temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyClaudeError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", apperrors.New(apperrors.KindDomainFailure, "empty response from Claude").
			WithOperation("enhancement.claude").
			WithRetryable(false)
	}

	p.logger.Debug().
		Str("model", p.model).
		Int("response_chars", text.Len()).
		Msg("Claude completion received")

	return text.String(), nil
}

// classifyClaudeError maps an API failure onto the error taxonomy so the
// retry machinery treats it correctly.
func classifyClaudeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Wrap(err, apperrors.KindTimeout, "claude call timed out").
			WithOperation("enhancement.claude")
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded") {
		return apperrors.Wrap(err, apperrors.KindRateLimited, "claude rate limited").
			WithOperation("enhancement.claude")
	}
	for _, code := range []string{"500", "502", "503", "529"} {
		if strings.Contains(msg, code) {
			return apperrors.Wrap(err, apperrors.KindDomainFailure, "claude service error").
				WithOperation("enhancement.claude").
				WithRetryable(true)
		}
	}
	return apperrors.Wrap(err, apperrors.KindDomainFailure, "claude call failed").
		WithOperation("enhancement.claude")
}
