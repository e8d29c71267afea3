// -----------------------------------------------------------------------
// JobService - Lifecycle authority over the job registry
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ternarybob/cvforge/internal/models"
)

// CreateJobRequest describes a job submission
type CreateJobRequest struct {
	Type       models.JobType
	OwnerID    string
	EntityID   string // related CV or document id
	ExternalID string // optional idempotency key
	Payload    map[string]interface{}
	Priority   models.JobPriority
	DelayMs    int64
	MaxRetries *int // nil uses the configured default
	Tags       []string
	Metadata   map[string]interface{}
	Queue      *models.QueueOptions

	// Txn joins the insert to a caller-owned transaction. The caller
	// must invoke EnqueueJob after the transaction commits; the service
	// will not enqueue on its own in this mode.
	Txn *badger.Txn
}

// ResultDisposition is what became of a finished processing attempt
type ResultDisposition string

const (
	DispositionCompleted      ResultDisposition = "completed"
	DispositionRetryScheduled ResultDisposition = "retry_scheduled"
	DispositionFailed         ResultDisposition = "failed"
	DispositionDiscarded      ResultDisposition = "discarded"
)

// JobService is the single writer of job lifecycle state. All status
// changes flow through it so the state machine, timestamps and events
// stay consistent.
type JobService interface {
	// CreateJob persists a pending job and, unless the request carries
	// an external transaction, immediately enqueues it.
	CreateJob(ctx context.Context, req *CreateJobRequest) (*models.Job, error)

	// EnqueueJob moves a pending or retrying job to queued and pushes
	// its broker entry. The status write happens before the push; a
	// failed status write leaves the job pending for the sweep, a
	// failed push fails the job so it can be retried manually.
	EnqueueJob(ctx context.Context, jobID string) error

	// GetJob reads a job, retrying once after a short delay to absorb
	// commit-to-read lag. FindJob is the single-read variant.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	FindJob(ctx context.Context, jobID string) (*models.Job, error)

	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, int, error)

	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, jobErr *models.JobError) (*models.Job, error)

	// UpdateJobProgress clamps progress to [0,100]. Step and totalSteps
	// are recorded when non-zero.
	UpdateJobProgress(ctx context.Context, jobID string, progress int, step string, totalSteps int) error

	CompleteJob(ctx context.Context, jobID string, result map[string]interface{}) error
	FailJob(ctx context.Context, jobID string, cause error) error
	CancelJob(ctx context.Context, jobID string, reason string) error

	// RetryJob resets a failed or cancelled job and re-enqueues it.
	RetryJob(ctx context.Context, jobID string) (*models.Job, error)

	// ProcessJobResult settles a processing attempt: completion,
	// scheduled retry, or final failure.
	ProcessJobResult(ctx context.Context, jobID string, result map[string]interface{}, execErr error) (ResultDisposition, error)

	Stats(ctx context.Context, days int) (*models.JobStats, error)

	// SweepPending re-enqueues jobs stuck in pending longer than the
	// configured age. Returns the number re-enqueued.
	SweepPending(ctx context.Context) (int, error)

	// CleanupJobs removes terminal jobs older than the given number of
	// days. Cutoffs below the configured floor are refused.
	CleanupJobs(ctx context.Context, olderThanDays int) (int, error)
}
