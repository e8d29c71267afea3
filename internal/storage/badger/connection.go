package badger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/cvforge/internal/common"
)

// pingKey is the probe key round-tripped by health checks
const pingKey = "cvforge:ping"

// BadgerDB manages the Badger database connection shared by the job
// registry, the domain records, the webhook store and the queue broker.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	// If reset_on_startup is enabled, delete the existing database
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	// Ensure the directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Raw returns the badger database under the badgerhold store. The queue
// broker and the transaction coordinator work at this level.
func (b *BadgerDB) Raw() *badgerdb.DB {
	return b.store.Badger()
}

// Ping writes and reads a probe key, returning the round-trip latency
func (b *BadgerDB) Ping() (time.Duration, error) {
	start := time.Now()
	err := b.Raw().Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(pingKey), []byte(start.Format(time.RFC3339Nano))); err != nil {
			return err
		}
		_, err := txn.Get([]byte(pingKey))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage ping failed: %w", err)
	}
	return time.Since(start), nil
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
