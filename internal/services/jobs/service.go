// -----------------------------------------------------------------------
// Job Service - Lifecycle authority over the job registry
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
	"github.com/ternarybob/cvforge/internal/queue"
)

// getJobRetryDelay absorbs commit-to-read lag on GetJob
const getJobRetryDelay = 50 * time.Millisecond

// Service is the single writer of job lifecycle state. Every status
// change passes the state machine here; storage only stamps timestamps.
type Service struct {
	storage interfaces.StorageManager
	broker  *queue.Broker
	events  interfaces.EventService
	logger  arbor.ILogger

	defaultMaxRetries int
	retryBase         time.Duration
	retryCeiling      time.Duration
	retryFactor       float64
	removeOnComplete  int
	removeOnFailAge   string
	cleanupMinDays    int
	pendingSweepAge   time.Duration
}

// NewService creates the job service
func NewService(storage interfaces.StorageManager, broker *queue.Broker, events interfaces.EventService, config *common.JobsConfig, logger arbor.ILogger) *Service {
	return &Service{
		storage:           storage,
		broker:            broker,
		events:            events,
		logger:            logger,
		defaultMaxRetries: config.DefaultMaxRetries,
		retryBase:         common.Duration(config.RetryBackoffBase, 2*time.Second),
		retryCeiling:      common.Duration(config.RetryBackoffCeiling, 5*time.Minute),
		retryFactor:       config.RetryBackoffFactor,
		removeOnComplete:  config.RemoveOnComplete,
		removeOnFailAge:   config.RemoveOnFailAge,
		cleanupMinDays:    config.CleanupMinDays,
		pendingSweepAge:   common.Duration(config.PendingSweepAge, 2*time.Minute),
	}
}

// CreateJob persists a pending job and, unless the caller owns the
// transaction, enqueues it. An external id already known to the registry
// returns the existing job instead of creating a duplicate.
func (s *Service) CreateJob(ctx context.Context, req *interfaces.CreateJobRequest) (*models.Job, error) {
	if req == nil {
		return nil, apperrors.New(apperrors.KindValidationFailed, "create request is required")
	}
	if !req.Type.Valid() {
		return nil, apperrors.Newf(apperrors.KindValidationFailed, "unknown job type: %s", req.Type).
			WithCode("INVALID_TYPE")
	}
	if req.OwnerID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "owner id is required").
			WithContext("jobType", string(req.Type))
	}

	// A payload-supplied external id works the same as the explicit field
	externalID := req.ExternalID
	if externalID == "" {
		if fromPayload, ok := req.Payload["externalId"].(string); ok {
			externalID = fromPayload
		}
	}
	if externalID != "" {
		existing, err := s.storage.Jobs().FindJobByExternalID(ctx, externalID)
		if err == nil {
			s.logger.Debug().
				Str("external_id", externalID).
				Str("job_id", existing.ID).
				Msg("External id already registered, returning existing job")
			return existing, nil
		}
		if !apperrors.Is(err, apperrors.KindNotFound) {
			return nil, err
		}
	}

	now := time.Now()
	job := &models.Job{
		ID:              common.NewJobID(string(req.Type), req.OwnerID),
		ExternalID:      externalID,
		Type:            req.Type,
		Payload:         req.Payload,
		Priority:        req.Priority,
		Status:          models.JobStatusPending,
		MaxRetries:      s.defaultMaxRetries,
		DelayMs:         req.DelayMs,
		OwnerID:         req.OwnerID,
		RelatedEntityID: req.EntityID,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	if job.DelayMs < 0 {
		job.DelayMs = 0
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		job.MaxRetries = *req.MaxRetries
	}
	job.QueueOptions = s.queueOptions(req.Queue)

	// Caller-owned transaction: the insert joins it and the caller invokes
	// EnqueueJob after commit. Nothing is announced until then, so an
	// aborted transaction leaves no trace.
	if req.Txn != nil {
		if err := s.storage.Jobs().TxSaveJob(req.Txn, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	if err := s.storage.Jobs().SaveJob(ctx, job); err != nil {
		return nil, err
	}

	if err := s.EnqueueJob(ctx, job.ID); err != nil {
		// The job record exists; the pending sweep or a manual retry
		// recovers it, so creation still reports success
		s.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Msg("Job created but enqueue failed")
	}
	if fresh, err := s.FindJob(ctx, job.ID); err == nil {
		return fresh, nil
	}
	return job, nil
}

// queueOptions fills per-job broker settings from the request or config
func (s *Service) queueOptions(requested *models.QueueOptions) models.QueueOptions {
	opts := models.QueueOptions{
		BackoffKind:      models.BackoffExponential,
		BackoffBaseMs:    s.retryBase.Milliseconds(),
		RemoveOnComplete: s.removeOnComplete,
		RemoveOnFailAge:  s.removeOnFailAge,
	}
	if requested == nil {
		return opts
	}
	if requested.BackoffKind != "" {
		opts.BackoffKind = requested.BackoffKind
	}
	if requested.BackoffBaseMs > 0 {
		opts.BackoffBaseMs = requested.BackoffBaseMs
	}
	if requested.RemoveOnComplete != 0 {
		opts.RemoveOnComplete = requested.RemoveOnComplete
	}
	if requested.RemoveOnFailAge != "" {
		opts.RemoveOnFailAge = requested.RemoveOnFailAge
	}
	return opts
}

// EnqueueJob makes a persisted job deliverable: queued status first, then
// the broker push, so a fast worker always finds the record. A pending job
// is announced here; when the insert joined a caller-owned transaction
// this is its first observable moment.
func (s *Service) EnqueueJob(ctx context.Context, jobID string) error {
	job, err := s.FindJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch models.EvaluateTransition(job.Status, models.JobStatusQueued) {
	case models.TransitionAllowed:
		if job.Status == models.JobStatusPending {
			s.events.Publish(ctx, models.NewJobEvent(models.EventJobCreated, job))
		}
		updated, err := s.storage.Jobs().UpdateJobStatus(ctx, job.ID, models.JobStatusQueued, nil)
		if err != nil {
			// Still pending; the sweep picks it up
			return apperrors.Wrap(err, apperrors.KindStoreFailure, "failed to persist queued status").
				WithContext("jobId", job.ID)
		}
		job = updated
		s.events.Publish(ctx, models.NewJobEvent(models.EventJobQueued, job))
	case models.TransitionNoOp:
		// Already queued; push again in case the entry was lost between
		// the status write and the push. The broker ignores the push
		// when a live entry exists.
	default:
		return apperrors.Newf(apperrors.KindInvalidState, "job in status %s cannot be enqueued", job.Status).
			WithContext("jobId", job.ID).
			WithContext("status", string(job.Status))
	}

	// The initial delay counts from creation so a swept job is not
	// delayed a second time
	delay := time.Until(job.CreatedAt.Add(time.Duration(job.DelayMs) * time.Millisecond))
	if delay < 0 {
		delay = 0
	}
	if err := s.broker.Enqueue(ctx, queue.NewEntry(job, delay)); err != nil {
		pushErr := apperrors.Wrap(err, apperrors.KindBrokerFailure, "failed to push queue entry").
			WithContext("jobId", job.ID)
		if failErr := s.FailJob(ctx, job.ID, pushErr); failErr != nil {
			s.logger.Error().
				Err(failErr).
				Str("job_id", job.ID).
				Msg("Failed to record enqueue failure")
		}
		return pushErr
	}
	return nil
}

// GetJob reads a job, retrying once to absorb commit-to-read lag
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.FindJob(ctx, jobID)
	if err == nil || !apperrors.Is(err, apperrors.KindNotFound) {
		return job, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(getJobRetryDelay):
	}
	return s.FindJob(ctx, jobID)
}

// FindJob is the single-read lookup. The id may be the registry id or a
// caller-supplied external id.
func (s *Service) FindJob(ctx context.Context, jobID string) (*models.Job, error) {
	if jobID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "job id is required")
	}
	job, err := s.storage.Jobs().GetJob(ctx, jobID)
	if err == nil {
		return job, nil
	}
	if apperrors.Is(err, apperrors.KindNotFound) {
		if byExternal, exErr := s.storage.Jobs().FindJobByExternalID(ctx, jobID); exErr == nil {
			return byExternal, nil
		}
	}
	return nil, err
}

// ListJobs returns one page of jobs plus the unpaged total
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, int, error) {
	if opts == nil {
		opts = &interfaces.JobListOptions{}
	}
	jobs, err := s.storage.Jobs().ListJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.storage.Jobs().CountJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// UpdateJobStatus is the gatekeeper for status mutations. The state
// machine decides: allowed transitions are persisted and announced,
// no-ops and late terminal writes are absorbed, anything else refused.
func (s *Service) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, jobErr *models.JobError) (*models.Job, error) {
	valid := false
	for _, known := range models.AllJobStatuses() {
		if known == status {
			valid = true
			break
		}
	}
	if !valid {
		return nil, apperrors.Newf(apperrors.KindValidationFailed, "unknown status: %s", status)
	}

	job, err := s.FindJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch models.EvaluateTransition(job.Status, status) {
	case models.TransitionNoOp:
		return job, nil
	case models.TransitionDropped:
		s.logger.Debug().
			Str("job_id", job.ID).
			Str("from", string(job.Status)).
			Str("to", string(status)).
			Msg("Late terminal transition dropped")
		return job, nil
	case models.TransitionRefused:
		return nil, apperrors.Newf(apperrors.KindInvalidState, "transition %s -> %s is not permitted", job.Status, status).
			WithContext("jobId", job.ID).
			WithContext("from", string(job.Status)).
			WithContext("to", string(status))
	}

	updated, err := s.storage.Jobs().UpdateJobStatus(ctx, job.ID, status, jobErr)
	if err != nil {
		return nil, err
	}

	if eventType, ok := models.EventForStatus(status); ok {
		s.events.Publish(ctx, models.NewJobEvent(eventType, updated))
	}
	return updated, nil
}

// UpdateJobProgress records clamped progress and announces it. Progress
// against a settled job is silently ignored.
func (s *Service) UpdateJobProgress(ctx context.Context, jobID string, progress int, step string, totalSteps int) error {
	job, err := s.FindJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	job.Progress = models.ClampProgress(progress)
	if step != "" {
		job.CurrentStep = step
	}
	if totalSteps > 0 {
		job.TotalSteps = totalSteps
	}
	job.UpdatedAt = time.Now()
	if err := s.storage.Jobs().UpdateJob(ctx, job); err != nil {
		return err
	}

	s.events.Publish(ctx, models.NewJobEvent(models.EventJobProgress, job))
	return nil
}

// CompleteJob settles a successful attempt. The gate is consulted before
// the result is written, so a late result for a cancelled job leaves no
// trace on the record.
func (s *Service) CompleteJob(ctx context.Context, jobID string, result map[string]interface{}) error {
	job, err := s.FindJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch models.EvaluateTransition(job.Status, models.JobStatusCompleted) {
	case models.TransitionNoOp:
		return nil
	case models.TransitionDropped:
		s.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Late result discarded")
		return nil
	case models.TransitionRefused:
		return apperrors.Newf(apperrors.KindInvalidState, "job in status %s cannot complete", job.Status).
			WithContext("jobId", job.ID)
	}

	job.Result = result
	job.Progress = 100
	job.Error = nil
	job.UpdatedAt = time.Now()
	if err := s.storage.Jobs().UpdateJob(ctx, job); err != nil {
		return err
	}

	_, err = s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, nil)
	return err
}

// FailJob settles a failed attempt with a structured error
func (s *Service) FailJob(ctx context.Context, jobID string, cause error) error {
	_, err := s.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, toJobError(cause))
	return err
}

// CancelJob is the cooperative cancel. Only pending, queued or processing
// jobs accept it; a repeated cancel reports success without change.
// In-flight processors keep running and their terminal update is dropped
// by the gate.
func (s *Service) CancelJob(ctx context.Context, jobID string, reason string) error {
	job, err := s.FindJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status == models.JobStatusCancelled {
		return nil
	}
	switch job.Status {
	case models.JobStatusPending, models.JobStatusQueued, models.JobStatusProcessing:
	default:
		return apperrors.Newf(apperrors.KindInvalidState, "job in status %s cannot be cancelled", job.Status).
			WithContext("jobId", job.ID).
			WithContext("status", string(job.Status))
	}

	// Best effort: the entry may already be claimed
	if job.Status == models.JobStatusQueued {
		if err := s.broker.Remove(ctx, job.Type.Channel(), job.ID); err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Msg("Broker removal on cancel failed")
		}
	}

	var jobErr *models.JobError
	if reason != "" {
		jobErr = &models.JobError{
			Code:      "CANCELLED",
			Message:   reason,
			Retryable: false,
			Timestamp: time.Now(),
		}
	}

	_, err = s.UpdateJobStatus(ctx, job.ID, models.JobStatusCancelled, jobErr)
	return err
}

// RetryJob resets a failed or cancelled job and re-enqueues it. This is
// an operator action, not a worker transition: for a cancelled job it
// deliberately reopens a terminal status, which the gate would refuse,
// so the status write goes to storage directly.
func (s *Service) RetryJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.FindJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != models.JobStatusFailed && job.Status != models.JobStatusCancelled {
		return nil, apperrors.Newf(apperrors.KindInvalidState, "job in status %s cannot be retried", job.Status).
			WithContext("jobId", job.ID).
			WithContext("status", string(job.Status))
	}
	if !job.RetriesRemaining() {
		return nil, apperrors.Newf(apperrors.KindInvalidState, "retry budget of %d is spent", job.MaxRetries).
			WithCode("MAX_RETRIES_EXCEEDED").
			WithContext("jobId", job.ID).
			WithContext("retryCount", job.RetryCount)
	}

	now := time.Now()
	job.RetryCount++
	job.Progress = 0
	job.CurrentStep = ""
	job.NextRetryAt = &now
	job.CompletedAt = nil
	job.UpdatedAt = now
	if err := s.storage.Jobs().UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	updated, err := s.storage.Jobs().UpdateJobStatus(ctx, job.ID, models.JobStatusRetrying, nil)
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, models.NewJobEvent(models.EventJobRetrying, updated))

	if err := s.EnqueueJob(ctx, job.ID); err != nil {
		return nil, err
	}
	return s.FindJob(ctx, jobID)
}

// ProcessJobResult settles one processing attempt. Success completes the
// job; a retryable failure with budget left schedules a fresh delayed
// entry; anything else fails the job terminally. A returned error means
// the outcome could not be recorded and the attempt must be redelivered.
func (s *Service) ProcessJobResult(ctx context.Context, jobID string, result map[string]interface{}, execErr error) (interfaces.ResultDisposition, error) {
	job, err := s.FindJob(ctx, jobID)
	if err != nil {
		return interfaces.DispositionDiscarded, err
	}
	if job.Terminal() {
		// Usually a cancel that raced the worker
		return interfaces.DispositionDiscarded, nil
	}

	if execErr == nil {
		if err := s.CompleteJob(ctx, jobID, result); err != nil {
			if apperrors.Is(err, apperrors.KindInvalidState) {
				return interfaces.DispositionDiscarded, nil
			}
			return interfaces.DispositionDiscarded, err
		}
		return interfaces.DispositionCompleted, nil
	}

	if apperrors.IsRetryable(execErr) && job.RetriesRemaining() {
		if err := s.scheduleRetry(ctx, job, execErr); err != nil {
			if apperrors.Is(err, apperrors.KindInvalidState) {
				return interfaces.DispositionDiscarded, nil
			}
			return interfaces.DispositionDiscarded, err
		}
		return interfaces.DispositionRetryScheduled, nil
	}

	if err := s.FailJob(ctx, jobID, execErr); err != nil {
		if apperrors.Is(err, apperrors.KindInvalidState) {
			return interfaces.DispositionDiscarded, nil
		}
		return interfaces.DispositionDiscarded, err
	}
	return interfaces.DispositionFailed, nil
}

// scheduleRetry walks the job through failed -> retrying -> queued and
// plants a fresh delayed broker entry. The intermediate failed status is
// observable; an explicit retry-after hint on the error overrides the
// computed backoff.
func (s *Service) scheduleRetry(ctx context.Context, job *models.Job, execErr error) error {
	failed, err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, toJobError(execErr))
	if err != nil {
		return err
	}

	delay := apperrors.RetryDelay(failed.RetryCount, s.retryBase, s.retryCeiling, s.retryFactor)
	if appErr, ok := apperrors.As(execErr); ok && appErr.RetryAfter > 0 {
		delay = appErr.RetryAfter
	}
	nextRetryAt := time.Now().Add(delay)

	failed.RetryCount++
	failed.Progress = 0
	failed.NextRetryAt = &nextRetryAt
	failed.UpdatedAt = time.Now()
	if err := s.storage.Jobs().UpdateJob(ctx, failed); err != nil {
		return err
	}

	if _, err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusRetrying, nil); err != nil {
		return err
	}
	queued, err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusQueued, nil)
	if err != nil {
		return err
	}

	if err := s.broker.Enqueue(ctx, queue.NewEntry(queued, delay)); err != nil {
		return apperrors.Wrap(err, apperrors.KindBrokerFailure, "failed to push retry entry").
			WithContext("jobId", job.ID)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("retry_count", queued.RetryCount).
		Str("delay", delay.String()).
		Msg("Retry scheduled")
	return nil
}

// Stats aggregates registry counts, a daily activity window and live
// channel depths
func (s *Service) Stats(ctx context.Context, days int) (*models.JobStats, error) {
	if days <= 0 {
		days = 7
	}

	byStatus, err := s.storage.Jobs().CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	byType, err := s.storage.Jobs().CountByType(ctx)
	if err != nil {
		return nil, err
	}
	byPriority, err := s.storage.Jobs().CountByPriority(ctx)
	if err != nil {
		return nil, err
	}
	activity, err := s.storage.Jobs().ActivityBuckets(ctx, days)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, count := range byStatus {
		total += count
	}

	queues := make(map[string]models.QueueDepths)
	for _, channel := range s.broker.Channels() {
		depths, err := s.broker.Depths(ctx, channel)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("channel", channel).
				Msg("Failed to read channel depths")
			continue
		}
		queues[channel] = depths
	}

	return &models.JobStats{
		Total:      total,
		ByStatus:   byStatus,
		ByType:     byType,
		ByPriority: byPriority,
		Activity:   activity,
		Queues:     queues,
		Timestamp:  time.Now(),
	}, nil
}

// SweepPending re-enqueues jobs stuck before broker visibility: pending
// jobs whose enqueue never happened, and queued jobs whose entry was lost
// between the status write and the push. Only pending recoveries are
// counted; a queued re-push is a no-op when the entry is alive.
func (s *Service) SweepPending(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.pendingSweepAge)
	swept := 0

	stuck, err := s.storage.Jobs().ListJobs(ctx, &interfaces.JobListOptions{
		Status:        models.JobStatusPending,
		UpdatedBefore: cutoff,
		SortField:     "updatedAt",
		SortAsc:       true,
	})
	if err != nil {
		return 0, err
	}
	for _, job := range stuck {
		if err := s.EnqueueJob(ctx, job.ID); err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Msg("Pending sweep enqueue failed")
			continue
		}
		swept++
	}

	stranded, err := s.storage.Jobs().ListJobs(ctx, &interfaces.JobListOptions{
		Status:        models.JobStatusQueued,
		UpdatedBefore: cutoff,
		SortField:     "updatedAt",
		SortAsc:       true,
	})
	if err != nil {
		return swept, err
	}
	for _, job := range stranded {
		if err := s.EnqueueJob(ctx, job.ID); err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Msg("Queued re-push failed")
		}
	}

	if swept > 0 {
		s.logger.Info().
			Int("count", swept).
			Msg("Pending jobs re-enqueued")
	}
	return swept, nil
}

// CleanupJobs removes terminal jobs older than the given age. The
// configured floor refuses destructive mistakes.
func (s *Service) CleanupJobs(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < s.cleanupMinDays {
		return 0, apperrors.Newf(apperrors.KindValidationFailed, "cleanup age %d days is below the floor of %d", olderThanDays, s.cleanupMinDays).
			WithContext("days", olderThanDays)
	}
	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	removed, err := s.storage.Jobs().CleanupOldJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info().
			Int("count", removed).
			Int("older_than_days", olderThanDays).
			Msg("Terminal jobs cleaned up")
	}
	return removed, nil
}

// toJobError flattens an error chain into the persisted job error shape
func toJobError(cause error) *models.JobError {
	if cause == nil {
		return nil
	}
	jobErr := &models.JobError{
		Code:      string(apperrors.KindUnknown),
		Message:   cause.Error(),
		Retryable: apperrors.IsRetryable(cause),
		Timestamp: time.Now(),
	}
	if appErr, ok := apperrors.As(cause); ok {
		jobErr.Code = appErr.Code
		jobErr.Message = appErr.Message
		if inner := appErr.Unwrap(); inner != nil {
			jobErr.Message = fmt.Sprintf("%s: %v", appErr.Message, inner)
		}
		jobErr.Metadata = appErr.Metadata
	}
	return jobErr
}
