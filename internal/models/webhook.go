// -----------------------------------------------------------------------
// Webhook entities - Subscriptions and delivery records
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// WebhookSubscription is a registered callback URL with an event mask and
// a per-subscription retry policy. An empty Events list subscribes to all
// lifecycle events.
type WebhookSubscription struct {
	ID      string            `json:"id"`
	Name    string            `json:"name,omitempty"`
	URL     string            `json:"url"`
	Events  []EventType       `json:"events,omitempty"`
	Secret  string            `json:"secret,omitempty"`
	Active  bool              `json:"active" badgerhold:"index"`
	Headers map[string]string `json:"headers,omitempty"`

	// Retry policy; MaxRetries is capped by the system-wide limit,
	// BackoffMultiplier is clamped to [1,5].
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`

	SuccessfulDeliveries int64 `json:"successfulDeliveries"`
	FailedDeliveries     int64 `json:"failedDeliveries"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Matches reports whether this subscription should receive the event
func (s *WebhookSubscription) Matches(event EventType) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryStatus is the lifecycle state of a webhook delivery
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySuccess   DeliveryStatus = "success"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// Terminal reports whether the delivery reached a final state
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed || s == DeliveryExhausted
}

// deliveryTransitions is the adjacency list of the delivery state machine
var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryPending:   {DeliverySuccess, DeliveryFailed, DeliveryRetrying},
	DeliveryRetrying:  {DeliverySuccess, DeliveryFailed, DeliveryExhausted},
	DeliverySuccess:   {},
	DeliveryFailed:    {},
	DeliveryExhausted: {},
}

// ValidDeliveryTransition checks a delivery status change. Same-state
// changes are allowed (a retrying delivery stays retrying between attempts).
func ValidDeliveryTransition(from, to DeliveryStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range deliveryTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DeliveryAttempt records one POST against the subscriber
type DeliveryAttempt struct {
	Timestamp       time.Time     `json:"timestamp"`
	StatusCode      int           `json:"statusCode,omitempty"`
	ResponseSnippet string        `json:"responseSnippet,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Succeeded reports whether the attempt got a 2xx response
func (a DeliveryAttempt) Succeeded() bool {
	return a.StatusCode >= 200 && a.StatusCode <= 299
}

// WebhookDelivery is the durable record of an event notification owed to a
// subscription, including every attempt made to deliver it.
type WebhookDelivery struct {
	ID             string                 `json:"id"`
	SubscriptionID string                 `json:"subscriptionId" badgerhold:"index"`
	Event          EventType              `json:"event"`
	JobID          string                 `json:"jobId"` // job the event describes
	Payload        map[string]interface{} `json:"payload"`

	// DeliveryJobID is the webhook_delivery job currently responsible
	// for attempting this delivery. The sweep replaces it when the job
	// settled without the delivery reaching a terminal state.
	DeliveryJobID string `json:"deliveryJobId,omitempty"`

	Status   DeliveryStatus    `json:"status" badgerhold:"index"`
	Attempts []DeliveryAttempt `json:"attempts,omitempty"`

	// Retry policy copied from the subscription at creation time so a
	// policy edit doesn't change in-flight deliveries.
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`

	NextRetryAt *time.Time `json:"nextRetryAt,omitempty" badgerhold:"index"`

	CreatedAt   time.Time  `json:"createdAt" badgerhold:"index"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// AttemptCount returns the number of attempts made so far
func (d *WebhookDelivery) AttemptCount() int {
	return len(d.Attempts)
}

// Terminal reports whether the delivery reached a final state
func (d *WebhookDelivery) Terminal() bool {
	return d.Status.Terminal()
}
