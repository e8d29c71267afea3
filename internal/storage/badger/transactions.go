// -----------------------------------------------------------------------
// TransactionCoordinator - Atomic multi-write execution with degradation
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
)

const txnConflictRetries = 3

// Coordinator runs grouped writes inside one badger transaction so a job
// and its domain record commit or roll back together. When the store
// cannot hold the write set in a single transaction it degrades to
// sequential writes: op is re-run with a nil txn and the degradation is
// logged so best-effort consistency is visible in the record.
type Coordinator struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCoordinator creates a transaction coordinator over the shared store
func NewCoordinator(db *BadgerDB, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		db:     db,
		logger: logger,
	}
}

// ExecuteAtomic runs op inside a read-write transaction. Conflicts are
// retried a bounded number of times; an oversized write set falls back to
// sequential execution with op(nil).
func (c *Coordinator) ExecuteAtomic(ctx context.Context, op func(txn *badgerdb.Txn) error) error {
	if op == nil {
		return fmt.Errorf("transaction op is required")
	}

	var err error
	for attempt := 0; attempt <= txnConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = c.db.Raw().Update(op)
		if err == nil {
			return nil
		}
		if errors.Is(err, badgerdb.ErrConflict) {
			c.logger.Debug().Int("attempt", attempt+1).Msg("Transaction conflict, retrying")
			continue
		}
		break
	}

	if errors.Is(err, badgerdb.ErrTxnTooBig) {
		c.logger.Warn().Err(err).Msg("Write set exceeds transaction capacity, degrading to sequential writes")
		if seqErr := op(nil); seqErr != nil {
			return fmt.Errorf("sequential fallback failed: %w", seqErr)
		}
		return nil
	}

	return fmt.Errorf("atomic execution failed: %w", err)
}
