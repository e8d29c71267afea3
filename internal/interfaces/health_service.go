package interfaces

import (
	"context"

	"github.com/ternarybob/cvforge/internal/models"
)

// HealthMonitor periodically observes broker, consumers and process
// memory, and serves the latest snapshot.
type HealthMonitor interface {
	Start() error
	Stop() error

	// Snapshot performs a fresh observation
	Snapshot(ctx context.Context) (*models.HealthSnapshot, error)

	// Last returns the most recent periodic observation, or nil before
	// the first tick.
	Last() *models.HealthSnapshot
}
