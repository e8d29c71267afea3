// -----------------------------------------------------------------------
// DocumentStorage - Binary artifact blobs keyed by caller-assigned keys
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// DocumentStorage implements the DocumentStorage interface for Badger.
// Documents are stored whole; callers enforce size limits before Put.
type DocumentStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDocumentStorage creates a new DocumentStorage instance
func NewDocumentStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DocumentStorage {
	return &DocumentStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DocumentStorage) PutDocument(ctx context.Context, doc *models.StoredDocument) error {
	if doc == nil || doc.Key == "" {
		return apperrors.New(apperrors.KindValidationFailed, "document key is required").WithOperation("document_storage.put")
	}
	if len(doc.Data) == 0 {
		return apperrors.New(apperrors.KindValidationFailed, "document data is empty").WithOperation("document_storage.put")
	}

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Size = int64(len(doc.Data))

	if err := s.db.Store().Upsert(doc.Key, doc); err != nil {
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to store document").WithOperation("document_storage.put")
	}

	s.logger.Debug().
		Str("key", doc.Key).
		Int64("size", doc.Size).
		Msg("Document stored")
	return nil
}

func (s *DocumentStorage) GetDocument(ctx context.Context, key string) (*models.StoredDocument, error) {
	var doc models.StoredDocument
	if err := s.db.Store().Get(key, &doc); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, apperrors.Newf(apperrors.KindNotFound, "document not found: %s", key).WithOperation("document_storage.get")
		}
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to get document").WithOperation("document_storage.get")
	}
	return &doc, nil
}

func (s *DocumentStorage) DeleteDocument(ctx context.Context, key string) error {
	if err := s.db.Store().Delete(key, &models.StoredDocument{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return apperrors.Newf(apperrors.KindNotFound, "document not found: %s", key).WithOperation("document_storage.delete")
		}
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to delete document").WithOperation("document_storage.delete")
	}
	return nil
}

func (s *DocumentStorage) ListDocumentsByOwner(ctx context.Context, ownerID string, limit int) ([]*models.StoredDocument, error) {
	query := badgerhold.Where("OwnerID").Eq(ownerID).SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var docs []models.StoredDocument
	if err := s.db.Store().Find(&docs, query); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to list documents").WithOperation("document_storage.list_owner")
	}
	result := make([]*models.StoredDocument, len(docs))
	for i := range docs {
		result[i] = &docs[i]
	}
	return result, nil
}
