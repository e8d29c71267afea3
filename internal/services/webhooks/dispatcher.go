// -----------------------------------------------------------------------
// Dispatcher - Turns job lifecycle events into durable webhook deliveries
// -----------------------------------------------------------------------

package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

const (
	defaultSignatureHeader = "X-CVForge-Signature"
	defaultAttemptTimeout  = 30 * time.Second
	defaultBackoffBase     = 30 * time.Second
	defaultRetentionDays   = 30
	responseSnippetLimit   = 512
	dueBatchLimit          = 100
)

// Dispatcher owns the outbound half of the webhook pipeline. It fans
// lifecycle events out to matching subscriptions as durable delivery
// records, each driven by a webhook_delivery job, and performs the HTTP
// attempts when those jobs execute. Retry pacing rides the job retry
// machinery through the retry-after hint on returned errors.
type Dispatcher struct {
	storage interfaces.StorageManager
	jobs    interfaces.JobService
	events  interfaces.EventService
	client  *http.Client
	logger  arbor.ILogger

	signatureHeader string
	backoffBase     time.Duration
	retention       time.Duration

	mu      sync.Mutex
	running bool
}

func NewDispatcher(storage interfaces.StorageManager, jobs interfaces.JobService, events interfaces.EventService, config *common.WebhooksConfig, logger arbor.ILogger) *Dispatcher {
	timeout := defaultAttemptTimeout
	backoffBase := defaultBackoffBase
	retentionDays := defaultRetentionDays
	signatureHeader := defaultSignatureHeader
	if config != nil {
		timeout = common.Duration(config.Timeout, defaultAttemptTimeout)
		backoffBase = common.Duration(config.BackoffBase, defaultBackoffBase)
		if config.RetentionDays > 0 {
			retentionDays = config.RetentionDays
		}
		if config.SignatureHeader != "" {
			signatureHeader = config.SignatureHeader
		}
	}

	return &Dispatcher{
		storage:         storage,
		jobs:            jobs,
		events:          events,
		client:          &http.Client{Timeout: timeout},
		logger:          logger,
		signatureHeader: signatureHeader,
		backoffBase:     backoffBase,
		retention:       time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Start subscribes the dispatcher to the lifecycle event stream
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.logger.Warn().Msg("Webhook dispatcher already running")
		return nil
	}
	d.running = true

	d.events.SubscribeAll(d.onEvent)
	d.logger.Info().
		Str("signature_header", d.signatureHeader).
		Dur("backoff_base", d.backoffBase).
		Msg("Webhook dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.logger.Info().Msg("Webhook dispatcher stopped")
	return nil
}

// onEvent is the bus handler. Events raised by webhook_delivery jobs are
// skipped so deliveries never notify about themselves.
func (d *Dispatcher) onEvent(ctx context.Context, event models.Event) error {
	if event.JobType == models.JobTypeWebhookDelivery {
		return nil
	}
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return nil
	}
	_, err := d.DispatchEvent(ctx, event)
	return err
}

// DispatchEvent creates one delivery and its driving job per matching
// active subscription. Returns the number of deliveries created.
func (d *Dispatcher) DispatchEvent(ctx context.Context, event models.Event) (int, error) {
	subs, err := d.storage.Webhooks().ListSubscriptions(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, sub := range subs {
		if !sub.Matches(event.Type) {
			continue
		}

		now := time.Now()
		delivery := &models.WebhookDelivery{
			ID:                common.NewDeliveryID(),
			SubscriptionID:    sub.ID,
			Event:             event.Type,
			JobID:             event.JobID,
			Payload:           eventPayload(event),
			Status:            models.DeliveryPending,
			MaxRetries:        sub.MaxRetries,
			BackoffMultiplier: sub.BackoffMultiplier,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		// Record first, job second: the delivery must exist before any
		// worker can claim the job that reads it
		if err := d.storage.Webhooks().SaveDelivery(ctx, delivery); err != nil {
			d.logger.Warn().
				Err(err).
				Str("subscription_id", sub.ID).
				Str("event", string(event.Type)).
				Msg("Failed to persist delivery record")
			continue
		}

		job, err := d.jobs.CreateJob(ctx, &interfaces.CreateJobRequest{
			Type:       models.JobTypeWebhookDelivery,
			OwnerID:    "system",
			EntityID:   delivery.ID,
			ExternalID: "wh-" + delivery.ID,
			Payload: map[string]interface{}{
				"deliveryId":     delivery.ID,
				"subscriptionId": sub.ID,
				"event":          string(event.Type),
			},
			MaxRetries: &delivery.MaxRetries,
		})
		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("delivery_id", delivery.ID).
				Str("subscription_id", sub.ID).
				Msg("Failed to create delivery job; the sweep will not recover it")
			continue
		}

		delivery.DeliveryJobID = job.ID
		delivery.UpdatedAt = time.Now()
		if err := d.storage.Webhooks().SaveDelivery(ctx, delivery); err != nil {
			d.logger.Warn().
				Err(err).
				Str("delivery_id", delivery.ID).
				Msg("Failed to record delivery job reference")
		}
		created++
	}

	if created > 0 {
		d.logger.Debug().
			Str("event", string(event.Type)).
			Str("job_id", event.JobID).
			Int("deliveries", created).
			Msg("Event dispatched to subscribers")
	}
	return created, nil
}

// AttemptDelivery performs one POST for the delivery and settles its
// state. A retryable outcome returns an error whose retry-after hint
// carries the per-subscription backoff into the job schedule.
func (d *Dispatcher) AttemptDelivery(ctx context.Context, deliveryID string) (map[string]interface{}, error) {
	if deliveryID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "delivery id is required")
	}
	delivery, err := d.storage.Webhooks().GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery.Terminal() {
		// A redelivered job attempt after the delivery settled
		d.logger.Debug().
			Str("delivery_id", deliveryID).
			Str("status", string(delivery.Status)).
			Msg("Delivery already settled, attempt skipped")
		return deliverySummary(delivery), nil
	}

	sub, err := d.storage.Webhooks().GetSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			d.settle(ctx, delivery, models.DeliveryFailed)
			return nil, apperrors.Newf(apperrors.KindInvalidState, "subscription %s no longer exists", delivery.SubscriptionID).
				WithRetryable(false)
		}
		return nil, err
	}
	if !sub.Active {
		d.settle(ctx, delivery, models.DeliveryFailed)
		return nil, apperrors.Newf(apperrors.KindInvalidState, "subscription %s is suspended", sub.ID).
			WithRetryable(false)
	}

	body, err := json.Marshal(map[string]interface{}{
		"event":     delivery.Event,
		"jobId":     delivery.JobID,
		"payload":   delivery.Payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnknown, "failed to encode webhook body")
	}

	attempt := d.post(ctx, sub, body)
	delivery.Attempts = append(delivery.Attempts, attempt)
	delivery.UpdatedAt = time.Now()

	if attempt.Succeeded() {
		d.settle(ctx, delivery, models.DeliverySuccess)
		d.recordOutcome(ctx, sub.ID, true)
		d.logger.Info().
			Str("delivery_id", delivery.ID).
			Str("subscription_id", sub.ID).
			Str("event", string(delivery.Event)).
			Int("status_code", attempt.StatusCode).
			Int("attempts", delivery.AttemptCount()).
			Dur("duration", attempt.Duration).
			Msg("Webhook delivered")
		return deliverySummary(delivery), nil
	}

	d.recordOutcome(ctx, sub.ID, false)

	attemptsMade := delivery.AttemptCount()
	if attemptsMade >= delivery.MaxRetries+1 {
		// Budget spent; pending means retries were never allowed
		final := models.DeliveryExhausted
		if delivery.Status == models.DeliveryPending {
			final = models.DeliveryFailed
		}
		d.settle(ctx, delivery, final)
		d.logger.Warn().
			Str("delivery_id", delivery.ID).
			Str("subscription_id", sub.ID).
			Int("attempts", attemptsMade).
			Int("status_code", attempt.StatusCode).
			Msg("Webhook delivery abandoned")
		return nil, attemptError(attempt).WithRetryable(false).MarkLogged()
	}

	delay := apperrors.RetryDelay(attemptsMade-1, d.backoffBase, 0, delivery.BackoffMultiplier)
	next := time.Now().Add(delay)
	delivery.NextRetryAt = &next
	d.settle(ctx, delivery, models.DeliveryRetrying)
	d.logger.Warn().
		Str("delivery_id", delivery.ID).
		Str("subscription_id", sub.ID).
		Int("attempt", attemptsMade).
		Int("status_code", attempt.StatusCode).
		Dur("next_in", delay).
		Msg("Webhook attempt failed, retry scheduled")
	return nil, attemptError(attempt).WithRetryable(true).WithRetryAfter(delay).MarkLogged()
}

// post performs the HTTP attempt and records its observable outcome
func (d *Dispatcher) post(ctx context.Context, sub *models.WebhookSubscription, body []byte) models.DeliveryAttempt {
	started := time.Now()
	attempt := models.DeliveryAttempt{Timestamp: started}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		attempt.Error = err.Error()
		attempt.Duration = time.Since(started)
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range sub.Headers {
		req.Header.Set(key, value)
	}
	if sub.Secret != "" {
		req.Header.Set(d.signatureHeader, Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	attempt.Duration = time.Since(started)
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippetLimit))
	attempt.ResponseSnippet = string(snippet)
	return attempt
}

// settle writes the delivery's next state, stamping completion on
// terminal ones
func (d *Dispatcher) settle(ctx context.Context, delivery *models.WebhookDelivery, to models.DeliveryStatus) {
	if !models.ValidDeliveryTransition(delivery.Status, to) {
		d.logger.Warn().
			Str("delivery_id", delivery.ID).
			Str("from", string(delivery.Status)).
			Str("to", string(to)).
			Msg("Delivery transition refused")
		return
	}
	delivery.Status = to
	delivery.UpdatedAt = time.Now()
	if to.Terminal() {
		now := time.Now()
		delivery.CompletedAt = &now
		delivery.NextRetryAt = nil
	}
	if err := d.storage.Webhooks().SaveDelivery(ctx, delivery); err != nil {
		d.logger.Error().
			Err(err).
			Str("delivery_id", delivery.ID).
			Str("status", string(to)).
			Msg("Failed to persist delivery state")
	}
}

func (d *Dispatcher) recordOutcome(ctx context.Context, subscriptionID string, success bool) {
	if err := d.storage.Webhooks().RecordOutcome(ctx, subscriptionID, success); err != nil {
		d.logger.Warn().
			Err(err).
			Str("subscription_id", subscriptionID).
			Msg("Failed to bump delivery counters")
	}
}

// SweepDue re-enqueues due deliveries whose driving job settled or
// vanished without the delivery reaching a terminal state. Deliveries
// still owned by a live job are left alone.
func (d *Dispatcher) SweepDue(ctx context.Context) (int, error) {
	due, err := d.storage.Webhooks().ListDueDeliveries(ctx, time.Now(), dueBatchLimit)
	if err != nil {
		return 0, err
	}

	resubmitted := 0
	for _, delivery := range due {
		if delivery.DeliveryJobID != "" {
			job, err := d.jobs.FindJob(ctx, delivery.DeliveryJobID)
			if err == nil && !job.Terminal() {
				continue
			}
			if err != nil && !apperrors.Is(err, apperrors.KindNotFound) {
				d.logger.Warn().
					Err(err).
					Str("delivery_id", delivery.ID).
					Msg("Failed to check delivery job, skipping")
				continue
			}
		}

		remaining := delivery.MaxRetries + 1 - delivery.AttemptCount()
		if remaining <= 0 {
			d.settle(ctx, delivery, models.DeliveryExhausted)
			continue
		}

		jobRetries := remaining - 1
		job, err := d.jobs.CreateJob(ctx, &interfaces.CreateJobRequest{
			Type:       models.JobTypeWebhookDelivery,
			OwnerID:    "system",
			EntityID:   delivery.ID,
			ExternalID: fmt.Sprintf("wh-%s-r%d", delivery.ID, delivery.AttemptCount()),
			Payload: map[string]interface{}{
				"deliveryId":     delivery.ID,
				"subscriptionId": delivery.SubscriptionID,
				"event":          string(delivery.Event),
			},
			MaxRetries: &jobRetries,
		})
		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("delivery_id", delivery.ID).
				Msg("Failed to resubmit due delivery")
			continue
		}

		delivery.DeliveryJobID = job.ID
		delivery.UpdatedAt = time.Now()
		if err := d.storage.Webhooks().SaveDelivery(ctx, delivery); err != nil {
			d.logger.Warn().
				Err(err).
				Str("delivery_id", delivery.ID).
				Msg("Failed to record resubmitted job reference")
		}
		resubmitted++
	}

	if resubmitted > 0 {
		d.logger.Info().
			Int("resubmitted", resubmitted).
			Msg("Due webhook deliveries re-enqueued")
	}
	return resubmitted, nil
}

// CleanupDeliveries removes settled deliveries past the retention window
func (d *Dispatcher) CleanupDeliveries(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-d.retention)
	removed, err := d.storage.Webhooks().CleanupDeliveries(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		d.logger.Info().
			Int("removed", removed).
			Str("cutoff", cutoff.Format(time.RFC3339)).
			Msg("Settled webhook deliveries cleaned up")
	}
	return removed, nil
}

// Sign computes the hex HMAC-SHA256 of the body under the subscription
// secret. Receivers recompute it to authenticate the payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventPayload flattens the event snapshot into the wire payload
func eventPayload(event models.Event) map[string]interface{} {
	payload := map[string]interface{}{
		"status":   string(event.Status),
		"progress": event.Progress,
	}
	if event.OwnerID != "" {
		payload["ownerId"] = event.OwnerID
	}
	if event.CurrentStep != "" {
		payload["currentStep"] = event.CurrentStep
	}
	if event.Result != nil {
		payload["result"] = event.Result
	}
	if event.Error != nil {
		payload["errorCode"] = event.Error.Code
		payload["errorMessage"] = event.Error.Message
	}
	return payload
}

func deliverySummary(delivery *models.WebhookDelivery) map[string]interface{} {
	summary := map[string]interface{}{
		"deliveryId": delivery.ID,
		"status":     string(delivery.Status),
		"attempts":   delivery.AttemptCount(),
	}
	if last := delivery.AttemptCount(); last > 0 {
		summary["statusCode"] = delivery.Attempts[last-1].StatusCode
	}
	return summary
}

func attemptError(attempt models.DeliveryAttempt) *apperrors.Error {
	if attempt.Error != "" {
		return apperrors.Newf(apperrors.KindDomainFailure, "webhook post failed: %s", attempt.Error)
	}
	return apperrors.Newf(apperrors.KindDomainFailure, "subscriber returned %d", attempt.StatusCode)
}

var _ interfaces.WebhookDispatcher = (*Dispatcher)(nil)
