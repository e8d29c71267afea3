// -----------------------------------------------------------------------
// SubscriptionService - Registered webhook endpoints and their policies
// -----------------------------------------------------------------------

package webhooks

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// Policy bounds applied to every subscription
const (
	minBackoffMultiplier     = 1.0
	maxBackoffMultiplier     = 5.0
	defaultBackoffMultiplier = 2.0
	defaultSubMaxRetries     = 3
	fallbackMaxRetriesCap    = 10
)

// SubscriptionService manages webhook registrations. Retry policy fields
// are normalized on every write so stored subscriptions always satisfy
// the system bounds.
type SubscriptionService struct {
	storage       interfaces.StorageManager
	logger        arbor.ILogger
	maxRetriesCap int
}

func NewSubscriptionService(storage interfaces.StorageManager, config *common.WebhooksConfig, logger arbor.ILogger) *SubscriptionService {
	retriesCap := fallbackMaxRetriesCap
	if config != nil && config.MaxRetriesCap > 0 {
		retriesCap = config.MaxRetriesCap
	}
	return &SubscriptionService{
		storage:       storage,
		logger:        logger,
		maxRetriesCap: retriesCap,
	}
}

// Create registers a subscription. A missing id is generated; delivery
// counters always start at zero.
func (s *SubscriptionService) Create(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error) {
	if sub == nil {
		return nil, apperrors.New(apperrors.KindValidationFailed, "subscription is required")
	}
	if err := s.normalize(sub); err != nil {
		return nil, err
	}

	if sub.ID == "" {
		sub.ID = common.NewSubscriptionID()
	} else if _, err := s.storage.Webhooks().GetSubscription(ctx, sub.ID); err == nil {
		return nil, apperrors.Newf(apperrors.KindInvalidState, "subscription %s already exists", sub.ID).
			WithCode("SUBSCRIPTION_EXISTS")
	} else if !apperrors.Is(err, apperrors.KindNotFound) {
		return nil, err
	}

	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	sub.SuccessfulDeliveries = 0
	sub.FailedDeliveries = 0

	if err := s.storage.Webhooks().SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", sub.ID).
		Str("url", sub.URL).
		Int("events", len(sub.Events)).
		Bool("active", sub.Active).
		Msg("Webhook subscription created")
	return sub, nil
}

func (s *SubscriptionService) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	if id == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "subscription id is required")
	}
	return s.storage.Webhooks().GetSubscription(ctx, id)
}

func (s *SubscriptionService) List(ctx context.Context) ([]*models.WebhookSubscription, error) {
	return s.storage.Webhooks().ListSubscriptions(ctx)
}

// Update replaces the mutable fields of an existing subscription.
// Creation time and delivery counters are preserved.
func (s *SubscriptionService) Update(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "subscription id is required")
	}
	existing, err := s.storage.Webhooks().GetSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if err := s.normalize(sub); err != nil {
		return nil, err
	}

	sub.CreatedAt = existing.CreatedAt
	sub.SuccessfulDeliveries = existing.SuccessfulDeliveries
	sub.FailedDeliveries = existing.FailedDeliveries
	sub.UpdatedAt = time.Now()

	if err := s.storage.Webhooks().SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", sub.ID).
		Bool("active", sub.Active).
		Msg("Webhook subscription updated")
	return sub, nil
}

func (s *SubscriptionService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.New(apperrors.KindValidationFailed, "subscription id is required")
	}
	if err := s.storage.Webhooks().DeleteSubscription(ctx, id); err != nil {
		return err
	}
	s.logger.Info().
		Str("subscription_id", id).
		Msg("Webhook subscription deleted")
	return nil
}

// normalize validates the endpoint and clamps the retry policy to the
// system bounds
func (s *SubscriptionService) normalize(sub *models.WebhookSubscription) error {
	if sub.URL == "" {
		return apperrors.New(apperrors.KindValidationFailed, "subscription url is required")
	}
	parsed, err := url.Parse(sub.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return apperrors.Newf(apperrors.KindValidationFailed, "subscription url is not a valid http endpoint: %s", sub.URL).
			WithCode("INVALID_URL")
	}
	for _, event := range sub.Events {
		if !validEventType(event) {
			return apperrors.Newf(apperrors.KindValidationFailed, "unknown event type: %s", event).
				WithCode("INVALID_EVENT")
		}
	}

	if sub.BackoffMultiplier == 0 {
		sub.BackoffMultiplier = defaultBackoffMultiplier
	}
	if sub.BackoffMultiplier < minBackoffMultiplier {
		sub.BackoffMultiplier = minBackoffMultiplier
	}
	if sub.BackoffMultiplier > maxBackoffMultiplier {
		sub.BackoffMultiplier = maxBackoffMultiplier
	}

	if sub.MaxRetries < 0 {
		sub.MaxRetries = defaultSubMaxRetries
	}
	if sub.MaxRetries > s.maxRetriesCap {
		s.logger.Debug().
			Str("subscription_id", sub.ID).
			Int("requested", sub.MaxRetries).
			Int("cap", s.maxRetriesCap).
			Msg("Subscription max retries capped")
		sub.MaxRetries = s.maxRetriesCap
	}
	return nil
}

func validEventType(event models.EventType) bool {
	for _, known := range models.AllEventTypes() {
		if known == event {
			return true
		}
	}
	return false
}

// seedSubscription is one entry of the YAML seed file. Pointer fields
// distinguish "absent" from zero so seeds get sensible defaults.
type seedSubscription struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	URL               string            `yaml:"url"`
	Events            []string          `yaml:"events"`
	Secret            string            `yaml:"secret"`
	Active            *bool             `yaml:"active"`
	Headers           map[string]string `yaml:"headers"`
	MaxRetries        *int              `yaml:"max_retries"`
	BackoffMultiplier float64           `yaml:"backoff_multiplier"`
}

type seedFile struct {
	Subscriptions []seedSubscription `yaml:"subscriptions"`
}

// SeedFromFile loads subscriptions from a YAML file. Entries whose id
// already exists are skipped so restarts do not clobber edits made
// through the API. Returns the number created.
func (s *SubscriptionService) SeedFromFile(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindValidationFailed, "failed to read webhook seed file")
	}
	var seeds seedFile
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindValidationFailed, "failed to parse webhook seed file")
	}

	created := 0
	for i := range seeds.Subscriptions {
		seed := &seeds.Subscriptions[i]
		if seed.ID != "" {
			if _, err := s.storage.Webhooks().GetSubscription(ctx, seed.ID); err == nil {
				s.logger.Debug().
					Str("subscription_id", seed.ID).
					Msg("Seed subscription already exists, skipping")
				continue
			} else if !apperrors.Is(err, apperrors.KindNotFound) {
				return created, err
			}
		}

		sub := &models.WebhookSubscription{
			ID:                seed.ID,
			Name:              seed.Name,
			URL:               seed.URL,
			Secret:            seed.Secret,
			Active:            true,
			Headers:           seed.Headers,
			MaxRetries:        defaultSubMaxRetries,
			BackoffMultiplier: seed.BackoffMultiplier,
		}
		if seed.Active != nil {
			sub.Active = *seed.Active
		}
		if seed.MaxRetries != nil {
			sub.MaxRetries = *seed.MaxRetries
		}
		for _, event := range seed.Events {
			sub.Events = append(sub.Events, models.EventType(event))
		}

		if _, err := s.Create(ctx, sub); err != nil {
			s.logger.Warn().
				Err(err).
				Str("url", seed.URL).
				Msg("Seed subscription rejected, skipping")
			continue
		}
		created++
	}

	s.logger.Info().
		Str("path", path).
		Int("created", created).
		Int("total", len(seeds.Subscriptions)).
		Msg("Webhook subscriptions seeded")
	return created, nil
}
