package events

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// subscriptionBuffer is how many undelivered events a slow subscriber may
// accumulate before publishers feel backpressure
const subscriptionBuffer = 256

// subscription is one handler with its serial delivery queue. A dedicated
// drain goroutine keeps events arriving in publish order.
type subscription struct {
	eventType models.EventType // empty means catch-all
	handler   interfaces.EventHandler
	ch        chan models.Event
	quit      chan struct{}
	done      chan struct{}
}

func (sub *subscription) matches(eventType models.EventType) bool {
	return sub.eventType == "" || sub.eventType == eventType
}

// Service implements the in-process pub/sub bus. Each subscriber sees
// events in publish order on its own goroutine; a failing handler is
// logged and never blocks the publisher or its sibling subscribers.
type Service struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	logger arbor.ILogger
}

// NewService creates the event bus
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		logger: logger,
	}
}

// Subscribe registers a handler for one event type
func (s *Service) Subscribe(eventType models.EventType, handler interfaces.EventHandler) {
	if eventType == "" || handler == nil {
		return
	}
	s.add(eventType, handler)
}

// SubscribeAll registers a handler for every lifecycle event
func (s *Service) SubscribeAll(handler interfaces.EventHandler) {
	if handler == nil {
		return
	}
	s.add("", handler)
}

func (s *Service) add(eventType models.EventType, handler interfaces.EventHandler) {
	sub := &subscription{
		eventType: eventType,
		handler:   handler,
		ch:        make(chan models.Event, subscriptionBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.subs = append(s.subs, sub)
	count := len(s.subs)
	s.mu.Unlock()

	go s.drain(sub)

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", count).
		Msg("Event handler subscribed")
}

// Publish fans the event out. Delivery is asynchronous but ordered per
// subscriber; the call only blocks when a subscriber's queue is full.
func (s *Service) Publish(ctx context.Context, event models.Event) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.matches(event.Type) {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	s.logger.Debug().
		Str("event_type", string(event.Type)).
		Str("job_id", event.JobID).
		Int("subscriber_count", len(targets)).
		Msg("Publishing event")

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		case <-sub.quit:
			// Bus shutting down; the event is dropped
		}
	}
}

// drain delivers one subscriber's events in order. Handlers run with a
// background context: delivery must not die with the request that
// published the event.
func (s *Service) drain(sub *subscription) {
	defer close(sub.done)

	ctx := context.Background()
	for {
		select {
		case event := <-sub.ch:
			s.deliver(ctx, sub, event)
		case <-sub.quit:
			// Flush whatever is queued, then exit
			for {
				select {
				case event := <-sub.ch:
					s.deliver(ctx, sub, event)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) deliver(ctx context.Context, sub *subscription, event models.Event) {
	if err := sub.handler(ctx, event); err != nil {
		s.logger.Error().
			Err(err).
			Str("event_type", string(event.Type)).
			Str("job_id", event.JobID).
			Msg("Event handler failed")
	}
}

// Close stops accepting events, flushes subscriber queues and waits for
// the drains to finish
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.quit)
		<-sub.done
	}
	s.logger.Info().Msg("Event service closed")
}
