package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/cvforge/internal/models"
	"github.com/ternarybob/cvforge/internal/queue"
)

// QueueBroker is the durable per-channel message broker. Entries survive
// restarts; delivery is at-least-once with visibility leases.
type QueueBroker interface {
	Start() error
	Stop() error

	// Enqueue makes an entry deliverable after its delay elapses.
	// Re-enqueueing a job id that already has a live entry is a no-op.
	Enqueue(ctx context.Context, entry *queue.Entry) error

	// Receive claims the next visible entry on the channel, honoring
	// priority order and the channel's rate limit. Returns
	// queue.ErrEmpty when nothing is claimable.
	Receive(ctx context.Context, channel string) (*queue.Lease, error)

	// Remove drops a job's live entry from the channel, best effort.
	// An entry already claimed by a consumer is not interrupted.
	Remove(ctx context.Context, channel, jobID string) error

	Depths(ctx context.Context, channel string) (models.QueueDepths, error)
	Channels() []string
	Ping(ctx context.Context) (time.Duration, error)
}
