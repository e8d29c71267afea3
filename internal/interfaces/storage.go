// -----------------------------------------------------------------------
// Storage interfaces - Durable persistence for jobs, records and webhooks
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ternarybob/cvforge/internal/models"
)

// JobListOptions filters and pages a job listing
type JobListOptions struct {
	Status        models.JobStatus
	Type          models.JobType
	OwnerID       string
	EntityID      string
	CreatedBefore time.Time
	UpdatedBefore time.Time
	SortField     string // createdAt (default) or updatedAt
	SortAsc       bool
	Limit         int
	Offset        int
}

// JobStorage persists job records. Tx variants join a caller-owned badger
// transaction; the plain variants run standalone.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	TxSaveJob(txn *badger.Txn, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	FindJobByExternalID(ctx context.Context, externalID string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, id string) error

	// UpdateJobStatus stamps the mechanical timestamps for a status
	// change: updatedAt always, startedAt on first entry to processing,
	// completedAt on entry to a terminal status. It does not evaluate
	// the state machine; that is the job service's gate.
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, jobErr *models.JobError) (*models.Job, error)

	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	CountJobs(ctx context.Context, opts *JobListOptions) (int, error)

	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	CountByType(ctx context.Context) (map[models.JobType]int, error)
	CountByPriority(ctx context.Context) (map[models.JobPriority]int, error)
	ActivityBuckets(ctx context.Context, days int) ([]models.ActivityBucket, error)

	// CleanupOldJobs removes terminal jobs whose effective completion
	// time is before the cutoff. Returns the number removed.
	CleanupOldJobs(ctx context.Context, cutoff time.Time) (int, error)
}

// DomainRecordStorage persists the artifacts domains write alongside jobs
type DomainRecordStorage interface {
	SaveRecord(ctx context.Context, record *models.DomainRecord) error
	TxSaveRecord(txn *badger.Txn, record *models.DomainRecord) error
	GetRecord(ctx context.Context, id string) (*models.DomainRecord, error)
	FindRecordByJobID(ctx context.Context, jobID string) (*models.DomainRecord, error)
	ListRecordsByEntity(ctx context.Context, entityID string, limit int) ([]*models.DomainRecord, error)
	DeleteRecord(ctx context.Context, id string) error
}

// WebhookStorage persists subscriptions and their delivery history
type WebhookStorage interface {
	SaveSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// RecordOutcome bumps the subscription's delivery counters
	RecordOutcome(ctx context.Context, subscriptionID string, success bool) error

	SaveDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)
	ListDeliveriesBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*models.WebhookDelivery, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error)
	CleanupDeliveries(ctx context.Context, cutoff time.Time) (int, error)
}

// DocumentStorage holds binary artifacts: uploaded résumés, intake
// attachments and rendered output. Keys are caller-assigned.
type DocumentStorage interface {
	PutDocument(ctx context.Context, doc *models.StoredDocument) error
	GetDocument(ctx context.Context, key string) (*models.StoredDocument, error)
	DeleteDocument(ctx context.Context, key string) error
	ListDocumentsByOwner(ctx context.Context, ownerID string, limit int) ([]*models.StoredDocument, error)
}

// TransactionCoordinator runs a set of writes atomically. When the store
// cannot give transactional guarantees it degrades to sequential writes
// and logs the degradation; op receives a nil txn in that mode.
type TransactionCoordinator interface {
	ExecuteAtomic(ctx context.Context, op func(txn *badger.Txn) error) error
}

// StorageManager owns the badger store and hands out typed views of it
type StorageManager interface {
	Jobs() JobStorage
	Records() DomainRecordStorage
	Webhooks() WebhookStorage
	Documents() DocumentStorage
	Coordinator() TransactionCoordinator

	// Ping round-trips the store and reports the latency
	Ping(ctx context.Context) (time.Duration, error)
	Close() error
}
