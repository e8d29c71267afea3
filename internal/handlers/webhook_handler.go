// -----------------------------------------------------------------------
// WebhookHandler - Subscription CRUD and the test-delivery endpoint
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// WebhookHandler manages subscription registrations and fires test
// deliveries through the dispatcher.
type WebhookHandler struct {
	subscriptions interfaces.WebhookSubscriptionService
	dispatcher    interfaces.WebhookDispatcher
	logger        arbor.ILogger
}

func NewWebhookHandler(subscriptions interfaces.WebhookSubscriptionService, dispatcher interfaces.WebhookDispatcher, logger arbor.ILogger) *WebhookHandler {
	return &WebhookHandler{
		subscriptions: subscriptions,
		dispatcher:    dispatcher,
		logger:        logger,
	}
}

// subscriptionPatch carries the mutable subscription fields. Pointers
// distinguish "absent" from "set to zero" for PATCH semantics.
type subscriptionPatch struct {
	Name              *string            `json:"name"`
	URL               *string            `json:"url"`
	Events            *[]string          `json:"events"`
	Secret            *string            `json:"secret"`
	Active            *bool              `json:"active"`
	Headers           *map[string]string `json:"headers"`
	MaxRetries        *int               `json:"maxRetries"`
	BackoffMultiplier *float64           `json:"backoffMultiplier"`
}

// TestDeliveryHandler fans a synthetic event out to matching
// subscriptions, each as a durable webhook_delivery job.
// POST /v1/webhooks
func (h *WebhookHandler) TestDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	eventType := models.EventJobCompleted
	if r.Body != nil {
		var body struct {
			Event string `json:"event"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Event != "" {
			parsed, ok := parseEventType(body.Event)
			if !ok {
				WriteError(w, apperrors.Newf(apperrors.KindValidationFailed, "unknown event type %q", body.Event).
					WithCode("INVALID_EVENT_TYPE"))
				return
			}
			eventType = parsed
		}
	}

	event := models.Event{
		Type:        eventType,
		JobID:       "test-" + uuid.New().String()[:8],
		Status:      models.JobStatusCompleted,
		Progress:    100,
		CurrentStep: "test delivery",
		Timestamp:   time.Now().UTC(),
	}

	created, err := h.dispatcher.DispatchEvent(r.Context(), event)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.logger.Info().
		Str("event", string(eventType)).
		Int("deliveries", created).
		Msg("Test deliveries dispatched")

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"event":      event.Type,
		"jobId":      event.JobID,
		"deliveries": created,
	})
}

// ListSubscriptionsHandler returns every registered subscription.
// GET /v1/webhooks/subscriptions
func (h *WebhookHandler) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	subs, err := h.subscriptions.List(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// CreateSubscriptionHandler registers a subscription.
// POST /v1/webhooks/subscriptions
func (h *WebhookHandler) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var sub models.WebhookSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		WriteError(w, apperrors.Wrap(err, apperrors.KindValidationFailed, "request body is not valid JSON"))
		return
	}

	created, err := h.subscriptions.Create(r.Context(), &sub)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

// GetSubscriptionHandler returns one subscription.
// GET /v1/webhooks/subscriptions/{id}
func (h *WebhookHandler) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, sub)
}

// UpdateSubscriptionHandler applies a partial update. Only fields
// present in the body change.
// PATCH /v1/webhooks/subscriptions/{id}
func (h *WebhookHandler) UpdateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}

	var patch subscriptionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteError(w, apperrors.Wrap(err, apperrors.KindValidationFailed, "request body is not valid JSON"))
		return
	}

	if patch.Name != nil {
		sub.Name = *patch.Name
	}
	if patch.URL != nil {
		sub.URL = *patch.URL
	}
	if patch.Events != nil {
		events := make([]models.EventType, 0, len(*patch.Events))
		for _, raw := range *patch.Events {
			events = append(events, models.EventType(raw))
		}
		sub.Events = events
	}
	if patch.Secret != nil {
		sub.Secret = *patch.Secret
	}
	if patch.Active != nil {
		sub.Active = *patch.Active
	}
	if patch.Headers != nil {
		sub.Headers = *patch.Headers
	}
	if patch.MaxRetries != nil {
		sub.MaxRetries = *patch.MaxRetries
	}
	if patch.BackoffMultiplier != nil {
		sub.BackoffMultiplier = *patch.BackoffMultiplier
	}

	updated, err := h.subscriptions.Update(r.Context(), sub)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

// DeleteSubscriptionHandler removes a subscription. Deliveries already
// recorded keep their history.
// DELETE /v1/webhooks/subscriptions/{id}
func (h *WebhookHandler) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r, 3)
	if id == "" {
		WriteError(w, apperrors.New(apperrors.KindValidationFailed, "subscription id is required"))
		return
	}
	if err := h.subscriptions.Delete(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}

func (h *WebhookHandler) loadSubscription(w http.ResponseWriter, r *http.Request) (*models.WebhookSubscription, bool) {
	id := PathSegment(r, 3)
	if id == "" {
		WriteError(w, apperrors.New(apperrors.KindValidationFailed, "subscription id is required"))
		return nil, false
	}
	sub, err := h.subscriptions.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	return sub, true
}

func parseEventType(raw string) (models.EventType, bool) {
	for _, known := range models.AllEventTypes() {
		if string(known) == raw {
			return known, true
		}
	}
	return "", false
}
