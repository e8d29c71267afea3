// -----------------------------------------------------------------------
// JobStorage - Durable job registry over badgerhold
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return apperrors.New(apperrors.KindValidationFailed, "job id is required").WithOperation("job_storage.save")
	}
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to save job").WithOperation("job_storage.save")
	}
	return nil
}

// TxSaveJob writes the job inside a caller-owned transaction. A nil txn
// falls back to a standalone write, which is the coordinator's degraded
// mode.
func (s *JobStorage) TxSaveJob(txn *badgerdb.Txn, job *models.Job) error {
	if job == nil || job.ID == "" {
		return apperrors.New(apperrors.KindValidationFailed, "job id is required").WithOperation("job_storage.tx_save")
	}
	if txn == nil {
		return s.SaveJob(context.Background(), job)
	}
	if err := s.db.Store().TxUpsert(txn, job.ID, job); err != nil {
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to save job in transaction").WithOperation("job_storage.tx_save")
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, apperrors.Newf(apperrors.KindNotFound, "job not found: %s", id).WithOperation("job_storage.get")
		}
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to get job").WithOperation("job_storage.get")
	}
	return &job, nil
}

// FindJobByExternalID resolves an idempotency key to its job. Returns the
// newest match when historical jobs share the key.
func (s *JobStorage) FindJobByExternalID(ctx context.Context, externalID string) (*models.Job, error) {
	if externalID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "external id is required").WithOperation("job_storage.find_external")
	}
	var jobs []models.Job
	query := badgerhold.Where("ExternalID").Eq(externalID).SortBy("CreatedAt").Reverse().Limit(1)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to query by external id").WithOperation("job_storage.find_external")
	}
	if len(jobs) == 0 {
		return nil, apperrors.Newf(apperrors.KindNotFound, "no job with external id: %s", externalID).WithOperation("job_storage.find_external")
	}
	return &jobs[0], nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return apperrors.New(apperrors.KindValidationFailed, "job id is required").WithOperation("job_storage.update")
	}
	job.UpdatedAt = time.Now()
	return s.SaveJob(ctx, job)
}

// UpdateJobStatus stamps timestamps for a status change: updatedAt always,
// startedAt on first entry to processing (never overwritten), completedAt
// on entry to a terminal status.
func (s *JobStorage) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, jobErr *models.JobError) (*models.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	job.Status = status
	job.UpdatedAt = now
	if status == models.JobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	if jobErr != nil {
		job.Error = jobErr
	}

	if err := s.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return apperrors.Newf(apperrors.KindNotFound, "job not found: %s", id).WithOperation("job_storage.delete")
		}
		return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to delete job").WithOperation("job_storage.delete")
	}
	return nil
}

// buildQuery translates list options into a badgerhold query. Filters use
// the indexed fields so listings stay fast as the registry grows.
func buildQuery(opts *interfaces.JobListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if opts == nil {
		return query.SortBy("CreatedAt").Reverse()
	}

	if opts.Status != "" {
		query = query.And("Status").Eq(opts.Status)
	}
	if opts.Type != "" {
		query = query.And("Type").Eq(opts.Type)
	}
	if opts.OwnerID != "" {
		query = query.And("OwnerID").Eq(opts.OwnerID)
	}
	if opts.EntityID != "" {
		query = query.And("RelatedEntityID").Eq(opts.EntityID)
	}
	if !opts.CreatedBefore.IsZero() {
		query = query.And("CreatedAt").Lt(opts.CreatedBefore)
	}
	if !opts.UpdatedBefore.IsZero() {
		query = query.And("UpdatedAt").Lt(opts.UpdatedBefore)
	}

	sortField := "CreatedAt"
	if opts.SortField == "updatedAt" {
		sortField = "UpdatedAt"
	}
	query = query.SortBy(sortField)
	if !opts.SortAsc {
		query = query.Reverse()
	}

	if opts.Offset > 0 {
		query = query.Skip(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	return query
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, buildQuery(opts)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to list jobs").WithOperation("job_storage.list")
	}
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, opts *interfaces.JobListOptions) (int, error) {
	// Counting ignores paging so the caller gets the unpaged total
	trimmed := &interfaces.JobListOptions{}
	if opts != nil {
		trimmed.Status = opts.Status
		trimmed.Type = opts.Type
		trimmed.OwnerID = opts.OwnerID
		trimmed.EntityID = opts.EntityID
		trimmed.CreatedBefore = opts.CreatedBefore
		trimmed.UpdatedBefore = opts.UpdatedBefore
	}
	count, err := s.db.Store().Count(&models.Job{}, buildQuery(trimmed))
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to count jobs").WithOperation("job_storage.count")
	}
	return int(count), nil
}

func (s *JobStorage) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	counts := make(map[models.JobStatus]int)
	for _, status := range models.AllJobStatuses() {
		count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to count by status").WithOperation("job_storage.count_status")
		}
		counts[status] = int(count)
	}
	return counts, nil
}

func (s *JobStorage) CountByType(ctx context.Context) (map[models.JobType]int, error) {
	counts := make(map[models.JobType]int)
	for _, jobType := range models.AllJobTypes() {
		count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Type").Eq(jobType))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to count by type").WithOperation("job_storage.count_type")
		}
		counts[jobType] = int(count)
	}
	return counts, nil
}

func (s *JobStorage) CountByPriority(ctx context.Context) (map[models.JobPriority]int, error) {
	counts := make(map[models.JobPriority]int)
	for _, priority := range []models.JobPriority{
		models.PriorityCritical, models.PriorityUrgent, models.PriorityHigh,
		models.PriorityNormal, models.PriorityLow,
	} {
		count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Priority").Eq(priority))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to count by priority").WithOperation("job_storage.count_priority")
		}
		counts[priority] = int(count)
	}
	return counts, nil
}

// ActivityBuckets aggregates job activity per day over the trailing
// window, oldest day first. Days without activity are present with zeros.
func (s *JobStorage) ActivityBuckets(ctx context.Context, days int) ([]models.ActivityBucket, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().AddDate(0, 0, -days+1)
	dayStart := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, cutoff.Location())

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("CreatedAt").Ge(dayStart)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to query activity window").WithOperation("job_storage.activity")
	}

	buckets := make(map[string]*models.ActivityBucket, days)
	order := make([]string, 0, days)
	for i := 0; i < days; i++ {
		date := dayStart.AddDate(0, 0, i).Format("2006-01-02")
		buckets[date] = &models.ActivityBucket{Date: date}
		order = append(order, date)
	}

	for i := range jobs {
		job := &jobs[i]
		if b, ok := buckets[job.CreatedAt.Format("2006-01-02")]; ok {
			b.Created++
		}
		switch job.Status {
		case models.JobStatusCompleted:
			if job.CompletedAt != nil {
				if b, ok := buckets[job.CompletedAt.Format("2006-01-02")]; ok {
					b.Completed++
				}
			}
		case models.JobStatusFailed:
			if b, ok := buckets[job.UpdatedAt.Format("2006-01-02")]; ok {
				b.Failed++
			}
		}
	}

	result := make([]models.ActivityBucket, 0, days)
	for _, date := range order {
		result = append(result, *buckets[date])
	}
	return result, nil
}

// CleanupOldJobs removes terminal jobs whose effective completion time is
// before the cutoff. Cancelled jobs racing their worker can lack a
// completedAt, so aging uses the later of completedAt and updatedAt.
func (s *JobStorage) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int, error) {
	var candidates []models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusCompleted).
		Or(badgerhold.Where("Status").Eq(models.JobStatusCancelled))
	if err := s.db.Store().Find(&candidates, query); err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to query cleanup candidates").WithOperation("job_storage.cleanup")
	}

	removed := 0
	for i := range candidates {
		job := &candidates[i]
		if !job.EffectiveCompletedAt().Before(cutoff) {
			continue
		}
		if err := s.db.Store().Delete(job.ID, &models.Job{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return removed, apperrors.Wrap(err, apperrors.KindStoreFailure,
				fmt.Sprintf("cleanup failed deleting job %s", job.ID)).WithOperation("job_storage.cleanup")
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Str("cutoff", cutoff.Format(time.RFC3339)).Msg("Removed aged terminal jobs")
	}
	return removed, nil
}
