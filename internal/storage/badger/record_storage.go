// -----------------------------------------------------------------------
// RecordStorage - Domain record persistence, cross-linked to jobs
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// RecordStorage implements the DomainRecordStorage interface for Badger
type RecordStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRecordStorage creates a new RecordStorage instance
func NewRecordStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DomainRecordStorage {
	return &RecordStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RecordStorage) SaveRecord(ctx context.Context, record *models.DomainRecord) error {
	if record == nil || record.ID == "" {
		return apperrors.New(apperrors.KindValidationFailed, "record id is required").WithOperation("record_storage.save")
	}
	record.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to save domain record").WithOperation("record_storage.save")
	}
	return nil
}

// TxSaveRecord writes the record inside a caller-owned transaction. This
// is the path the submission protocol uses so a record and its job commit
// together. A nil txn falls back to a standalone write.
func (s *RecordStorage) TxSaveRecord(txn *badgerdb.Txn, record *models.DomainRecord) error {
	if record == nil || record.ID == "" {
		return apperrors.New(apperrors.KindValidationFailed, "record id is required").WithOperation("record_storage.tx_save")
	}
	if txn == nil {
		return s.SaveRecord(context.Background(), record)
	}
	record.UpdatedAt = time.Now()
	if err := s.db.Store().TxUpsert(txn, record.ID, record); err != nil {
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to save domain record in transaction").WithOperation("record_storage.tx_save")
	}
	return nil
}

func (s *RecordStorage) GetRecord(ctx context.Context, id string) (*models.DomainRecord, error) {
	var record models.DomainRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, apperrors.Newf(apperrors.KindNotFound, "domain record not found: %s", id).WithOperation("record_storage.get")
		}
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to get domain record").WithOperation("record_storage.get")
	}
	return &record, nil
}

func (s *RecordStorage) FindRecordByJobID(ctx context.Context, jobID string) (*models.DomainRecord, error) {
	var records []models.DomainRecord
	query := badgerhold.Where("JobID").Eq(jobID).Limit(1)
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to query record by job").WithOperation("record_storage.find_job")
	}
	if len(records) == 0 {
		return nil, apperrors.Newf(apperrors.KindNotFound, "no domain record for job: %s", jobID).WithOperation("record_storage.find_job")
	}
	return &records[0], nil
}

func (s *RecordStorage) ListRecordsByEntity(ctx context.Context, entityID string, limit int) ([]*models.DomainRecord, error) {
	query := badgerhold.Where("EntityID").Eq(entityID).SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []models.DomainRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to list records by entity").WithOperation("record_storage.list_entity")
	}
	result := make([]*models.DomainRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func (s *RecordStorage) DeleteRecord(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.DomainRecord{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return apperrors.Newf(apperrors.KindNotFound, "domain record not found: %s", id).WithOperation("record_storage.delete")
		}
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to delete domain record").WithOperation("record_storage.delete")
	}
	return nil
}
