// -----------------------------------------------------------------------
// WebhookStorage - Subscriptions and delivery history over badgerhold
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// WebhookStorage implements the WebhookStorage interface for Badger
type WebhookStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewWebhookStorage creates a new WebhookStorage instance
func NewWebhookStorage(db *BadgerDB, logger arbor.ILogger) interfaces.WebhookStorage {
	return &WebhookStorage{
		db:     db,
		logger: logger,
	}
}

func (s *WebhookStorage) SaveSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub == nil || sub.ID == "" {
		return apperrors.New(apperrors.KindValidationFailed, "subscription id is required").WithOperation("webhook_storage.save_sub")
	}
	sub.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(sub.ID, sub); err != nil {
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to save subscription").WithOperation("webhook_storage.save_sub")
	}
	return nil
}

func (s *WebhookStorage) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	if err := s.db.Store().Get(id, &sub); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, apperrors.Newf(apperrors.KindNotFound, "subscription not found: %s", id).WithOperation("webhook_storage.get_sub")
		}
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to get subscription").WithOperation("webhook_storage.get_sub")
	}
	return &sub, nil
}

func (s *WebhookStorage) ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	query := badgerhold.Where("ID").Ne("").SortBy("CreatedAt")
	if err := s.db.Store().Find(&subs, query); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to list subscriptions").WithOperation("webhook_storage.list_subs")
	}
	result := make([]*models.WebhookSubscription, len(subs))
	for i := range subs {
		result[i] = &subs[i]
	}
	return result, nil
}

func (s *WebhookStorage) DeleteSubscription(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.WebhookSubscription{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return apperrors.Newf(apperrors.KindNotFound, "subscription not found: %s", id).WithOperation("webhook_storage.delete_sub")
		}
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to delete subscription").WithOperation("webhook_storage.delete_sub")
	}
	return nil
}

// RecordOutcome bumps the delivery counters after an attempt settles
func (s *WebhookStorage) RecordOutcome(ctx context.Context, subscriptionID string, success bool) error {
	sub, err := s.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if success {
		sub.SuccessfulDeliveries++
	} else {
		sub.FailedDeliveries++
	}
	return s.SaveSubscription(ctx, sub)
}

func (s *WebhookStorage) SaveDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	if delivery == nil || delivery.ID == "" {
		return apperrors.New(apperrors.KindValidationFailed, "delivery id is required").WithOperation("webhook_storage.save_delivery")
	}
	delivery.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(delivery.ID, delivery); err != nil {
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to save delivery").WithOperation("webhook_storage.save_delivery")
	}
	return nil
}

func (s *WebhookStorage) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	var delivery models.WebhookDelivery
	if err := s.db.Store().Get(id, &delivery); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, apperrors.Newf(apperrors.KindNotFound, "delivery not found: %s", id).WithOperation("webhook_storage.get_delivery")
		}
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to get delivery").WithOperation("webhook_storage.get_delivery")
	}
	return &delivery, nil
}

func (s *WebhookStorage) ListDeliveriesBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*models.WebhookDelivery, error) {
	query := badgerhold.Where("SubscriptionID").Eq(subscriptionID).SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var deliveries []models.WebhookDelivery
	if err := s.db.Store().Find(&deliveries, query); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to list deliveries").WithOperation("webhook_storage.list_deliveries")
	}
	result := make([]*models.WebhookDelivery, len(deliveries))
	for i := range deliveries {
		result[i] = &deliveries[i]
	}
	return result, nil
}

// ListDueDeliveries returns retrying deliveries whose next attempt time
// has passed, oldest first.
func (s *WebhookStorage) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	query := badgerhold.Where("Status").Eq(models.DeliveryRetrying).SortBy("CreatedAt")
	var deliveries []models.WebhookDelivery
	if err := s.db.Store().Find(&deliveries, query); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to query due deliveries").WithOperation("webhook_storage.due")
	}

	result := make([]*models.WebhookDelivery, 0, len(deliveries))
	for i := range deliveries {
		d := &deliveries[i]
		if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		result = append(result, d)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// CleanupDeliveries removes settled deliveries completed before the cutoff
func (s *WebhookStorage) CleanupDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	var deliveries []models.WebhookDelivery
	query := badgerhold.Where("Status").Eq(models.DeliverySuccess).
		Or(badgerhold.Where("Status").Eq(models.DeliveryExhausted)).
		Or(badgerhold.Where("Status").Eq(models.DeliveryFailed))
	if err := s.db.Store().Find(&deliveries, query); err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to query cleanup candidates").WithOperation("webhook_storage.cleanup")
	}

	removed := 0
	for i := range deliveries {
		d := &deliveries[i]
		settled := d.UpdatedAt
		if d.CompletedAt != nil {
			settled = *d.CompletedAt
		}
		if !settled.Before(cutoff) {
			continue
		}
		if err := s.db.Store().Delete(d.ID, &models.WebhookDelivery{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return removed, apperrors.Wrap(err, apperrors.KindStoreFailure, "cleanup failed deleting delivery").WithOperation("webhook_storage.cleanup")
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Removed aged webhook deliveries")
	}
	return removed, nil
}
