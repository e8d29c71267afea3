// -----------------------------------------------------------------------
// GitHub connector - Imports a public developer profile for enhancement
// -----------------------------------------------------------------------

package github

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// maxProfileRepos bounds the imported repository list so an account with
// thousands of repos does not bloat the enhancement payload
const maxProfileRepos = 200

// Connector imports public GitHub profiles over the REST API
type Connector struct {
	client *github.Client
	logger arbor.ILogger
}

var _ interfaces.ProfileConnector = (*Connector)(nil)

// NewConnector builds the profile connector. The GITHUB_TOKEN environment
// variable takes precedence over the config file token.
func NewConnector(config *common.GitHubConfig, logger arbor.ILogger) (*Connector, error) {
	token := ""
	if config != nil {
		token = config.Token
	}
	if env := os.Getenv("GITHUB_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "github token is required").
			WithOperation("github.new")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	return &Connector{
		client: github.NewClient(tc),
		logger: logger,
	}, nil
}

// TestConnection verifies the token by fetching the authenticated user
func (c *Connector) TestConnection(ctx context.Context) error {
	if _, _, err := c.client.Users.Get(ctx, ""); err != nil {
		return classifyGitHubError(err, "github connection test failed").
			WithOperation("github.test")
	}
	return nil
}

// FetchProfile returns the user's identity, public repositories and the
// aggregated language footprint. Forks are skipped so the languages map
// reflects the candidate's own work.
func (c *Connector) FetchProfile(ctx context.Context, username string) (*models.GitHubProfile, error) {
	user, _, err := c.client.Users.Get(ctx, username)
	if err != nil {
		return nil, classifyGitHubError(err, "failed to fetch github user").
			WithOperation("github.fetch_profile").
			WithContext("username", username)
	}

	profile := &models.GitHubProfile{
		Login:       user.GetLogin(),
		Name:        user.GetName(),
		Bio:         user.GetBio(),
		Company:     user.GetCompany(),
		Location:    user.GetLocation(),
		Blog:        user.GetBlog(),
		PublicRepos: user.GetPublicRepos(),
		Followers:   user.GetFollowers(),
		Languages:   make(map[string]int),
		FetchedAt:   time.Now().UTC(),
	}

	opts := &github.RepositoryListOptions{
		Type:        "owner",
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		repos, resp, err := c.client.Repositories.List(ctx, username, opts)
		if err != nil {
			return nil, classifyGitHubError(err, "failed to list github repositories").
				WithOperation("github.fetch_profile").
				WithContext("username", username)
		}

		for _, r := range repos {
			if r.GetFork() {
				continue
			}
			if lang := r.GetLanguage(); lang != "" {
				profile.Languages[lang]++
			}
			if len(profile.Repos) < maxProfileRepos {
				profile.Repos = append(profile.Repos, models.GitHubRepo{
					Name:        r.GetName(),
					Description: r.GetDescription(),
					Language:    r.GetLanguage(),
					Stars:       r.GetStargazersCount(),
					Forks:       r.GetForksCount(),
					Topics:      r.Topics,
					UpdatedAt:   r.GetUpdatedAt().Time,
				})
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	c.logger.Info().
		Str("username", profile.Login).
		Int("repos", len(profile.Repos)).
		Int("languages", len(profile.Languages)).
		Msg("GitHub profile imported")
	return profile, nil
}

// classifyGitHubError maps API failures onto the error taxonomy. Rate
// limit responses carry the reset time so the retry scheduler can wait
// it out.
func classifyGitHubError(err error, msg string) *apperrors.Error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		appErr := apperrors.Wrap(err, apperrors.KindRateLimited, msg)
		if wait := time.Until(rateErr.Rate.Reset.Time); wait > 0 {
			appErr = appErr.WithRetryAfter(wait)
		}
		return appErr
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		appErr := apperrors.Wrap(err, apperrors.KindRateLimited, msg)
		if abuseErr.RetryAfter != nil {
			appErr = appErr.WithRetryAfter(*abuseErr.RetryAfter)
		}
		return appErr
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case 401, 403:
			return apperrors.Wrap(err, apperrors.KindForbidden, msg)
		case 404:
			return apperrors.Wrap(err, apperrors.KindNotFound, msg)
		}
		if respErr.Response.StatusCode >= 500 {
			return apperrors.Wrap(err, apperrors.KindDomainFailure, msg).WithRetryable(true)
		}
		return apperrors.Wrap(err, apperrors.KindDomainFailure, msg)
	}

	// Transport level failure, worth another attempt
	return apperrors.Wrap(err, apperrors.KindDomainFailure, msg).WithRetryable(true)
}
