package interfaces

import (
	"context"

	"github.com/ternarybob/cvforge/internal/models"
)

// EventHandler is a function that handles job lifecycle events
type EventHandler func(ctx context.Context, event models.Event) error

// EventService is the in-process pub/sub bus for job lifecycle events.
// Publishing is asynchronous; handler errors are logged, not returned.
type EventService interface {
	// Subscribe to a single event type
	Subscribe(eventType models.EventType, handler EventHandler)

	// SubscribeAll receives every lifecycle event
	SubscribeAll(handler EventHandler)

	// Publish delivers the event to all matching handlers
	Publish(ctx context.Context, event models.Event)

	// Close waits for in-flight handlers to finish
	Close()
}
