package interfaces

import (
	"context"

	"github.com/ternarybob/cvforge/internal/models"
)

// WebhookSubscriptionService manages subscription registrations
type WebhookSubscriptionService interface {
	Create(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error)
	Get(ctx context.Context, id string) (*models.WebhookSubscription, error)
	List(ctx context.Context) ([]*models.WebhookSubscription, error)
	Update(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error)
	Delete(ctx context.Context, id string) error

	// SeedFromFile loads subscriptions from a YAML file, skipping ids
	// that already exist. Returns the number created.
	SeedFromFile(ctx context.Context, path string) (int, error)
}

// WebhookDispatcher turns job lifecycle events into durable deliveries
// and performs the HTTP attempts.
type WebhookDispatcher interface {
	Start() error
	Stop() error

	// DispatchEvent fans an event out to matching subscriptions,
	// creating one delivery job per subscription. Returns the number
	// of deliveries created.
	DispatchEvent(ctx context.Context, event models.Event) (int, error)

	// AttemptDelivery performs one POST for the delivery and settles
	// its state. Retryable outcomes return an error carrying the next
	// attempt's delay.
	AttemptDelivery(ctx context.Context, deliveryID string) (map[string]interface{}, error)

	// SweepDue re-enqueues deliveries whose retry time has passed but
	// whose job is gone. Returns the number re-enqueued.
	SweepDue(ctx context.Context) (int, error)

	// CleanupDeliveries removes settled deliveries past retention.
	CleanupDeliveries(ctx context.Context) (int, error)
}
