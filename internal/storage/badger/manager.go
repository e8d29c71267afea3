package badger

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db          *BadgerDB
	jobs        interfaces.JobStorage
	records     interfaces.DomainRecordStorage
	webhooks    interfaces.WebhookStorage
	documents   interfaces.DocumentStorage
	coordinator interfaces.TransactionCoordinator
	logger      arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:          db,
		jobs:        NewJobStorage(db, logger),
		records:     NewRecordStorage(db, logger),
		webhooks:    NewWebhookStorage(db, logger),
		documents:   NewDocumentStorage(db, logger),
		coordinator: NewCoordinator(db, logger),
		logger:      logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// Jobs returns the job registry
func (m *Manager) Jobs() interfaces.JobStorage {
	return m.jobs
}

// Records returns the domain record store
func (m *Manager) Records() interfaces.DomainRecordStorage {
	return m.records
}

// Webhooks returns the webhook subscription and delivery store
func (m *Manager) Webhooks() interfaces.WebhookStorage {
	return m.webhooks
}

// Documents returns the binary artifact store
func (m *Manager) Documents() interfaces.DocumentStorage {
	return m.documents
}

// Coordinator returns the transaction coordinator
func (m *Manager) Coordinator() interfaces.TransactionCoordinator {
	return m.coordinator
}

// DB returns the underlying database connection
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// Ping round-trips the store and reports the latency
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	return m.db.Ping()
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
