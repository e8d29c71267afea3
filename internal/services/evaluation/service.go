// -----------------------------------------------------------------------
// EvaluationService - Résumé-versus-job-description scoring domain
// -----------------------------------------------------------------------

package evaluation

import (
	"context"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

const defaultCallTimeout = 120 * time.Second

// Service is the evaluation domain: it scores a résumé against a job
// description on a fixed rubric. Input comes inline or from a completed
// parsing record, like enhancement.
type Service struct {
	storage interfaces.StorageManager
	jobs    interfaces.JobService
	scorer  Scorer
	timeout time.Duration
	logger  arbor.ILogger
}

var _ interfaces.DomainService = (*Service)(nil)

// NewService creates the evaluation domain service
func NewService(storage interfaces.StorageManager, jobs interfaces.JobService, scorer Scorer, config *common.GeminiConfig, logger arbor.ILogger) *Service {
	timeout := defaultCallTimeout
	if config != nil {
		timeout = common.Duration(config.Timeout, defaultCallTimeout)
	}
	return &Service{
		storage: storage,
		jobs:    jobs,
		scorer:  scorer,
		timeout: timeout,
		logger:  logger,
	}
}

// Domain returns the job type this service processes
func (s *Service) Domain() models.JobType {
	return models.JobTypeEvaluation
}

// Submit validates the scoring request and inserts the domain record and
// its job atomically.
func (s *Service) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*models.Job, error) {
	if req == nil {
		return nil, apperrors.New(apperrors.KindValidationFailed, "submit request is required").WithOperation("evaluation.submit")
	}

	content, _ := req.Payload["content"].(string)
	sourceRecordID, _ := req.Payload["sourceRecordId"].(string)
	if (content == "") == (sourceRecordID == "") {
		return nil, apperrors.New(apperrors.KindValidationFailed, "exactly one of content or sourceRecordId is required").
			WithOperation("evaluation.submit")
	}
	if sourceRecordID != "" {
		if _, err := s.storage.Records().GetRecord(ctx, sourceRecordID); err != nil {
			return nil, err
		}
	}

	jobDescription, _ := req.Payload["jobDescription"].(string)
	if strings.TrimSpace(jobDescription) == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "jobDescription is required").
			WithOperation("evaluation.submit").
			WithCode("MISSING_JOB_DESCRIPTION")
	}
	jobTitle, _ := req.Payload["jobTitle"].(string)

	recordID, _ := req.Payload["recordId"].(string)
	if recordID == "" {
		recordID = common.NewRecordID()
	}
	record := models.NewDomainRecord(recordID, models.JobTypeEvaluation, req.EntityID, req.OwnerID)
	if jobTitle != "" {
		record.Data["jobTitle"] = jobTitle
	}
	if sourceRecordID != "" {
		record.Data["sourceRecordId"] = sourceRecordID
	}

	payload := map[string]interface{}{
		"recordId":       record.ID,
		"jobDescription": jobDescription,
	}
	if content != "" {
		payload["content"] = content
	}
	if sourceRecordID != "" {
		payload["sourceRecordId"] = sourceRecordID
	}
	if jobTitle != "" {
		payload["jobTitle"] = jobTitle
	}

	var job *models.Job
	replay := false
	err := s.storage.Coordinator().ExecuteAtomic(ctx, func(txn *badger.Txn) error {
		created, err := s.jobs.CreateJob(ctx, &interfaces.CreateJobRequest{
			Type:       models.JobTypeEvaluation,
			OwnerID:    req.OwnerID,
			EntityID:   req.EntityID,
			ExternalID: req.ExternalID,
			Priority:   req.Priority,
			DelayMs:    req.DelayMs,
			Payload:    payload,
			Txn:        txn,
		})
		if err != nil {
			return err
		}
		job = created
		if rid, ok := created.Payload["recordId"].(string); ok && rid != record.ID {
			replay = true
			return nil
		}
		record.JobID = created.ID
		return s.storage.Records().TxSaveRecord(txn, record)
	})
	if err != nil {
		return nil, err
	}
	if replay {
		s.logger.Debug().
			Str("job_id", job.ID).
			Msg("Duplicate evaluation submission, returning existing job")
		return job, nil
	}

	if err := s.jobs.EnqueueJob(ctx, job.ID); err != nil {
		s.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Msg("Evaluation job stored but enqueue failed")
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("record_id", record.ID).
		Str("job_title", jobTitle).
		Msg("Evaluation job submitted")

	if fresh, err := s.jobs.FindJob(ctx, job.ID); err == nil {
		return fresh, nil
	}
	return job, nil
}

// Process resolves the résumé text and runs one scorer call under the
// configured timeout.
func (s *Service) Process(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	recordID, _ := job.Payload["recordId"].(string)
	if recordID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "job payload is missing recordId").
			WithOperation("evaluation.process")
	}
	record, err := s.storage.Records().GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	jobDescription, _ := job.Payload["jobDescription"].(string)
	if strings.TrimSpace(jobDescription) == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "job payload is missing jobDescription").
			WithOperation("evaluation.process")
	}
	jobTitle, _ := job.Payload["jobTitle"].(string)

	s.progress(ctx, job.ID, 10, "resolving input")
	resume, err := s.resolveResume(ctx, job)
	if err != nil {
		return nil, err
	}

	s.progress(ctx, job.ID, 40, "scoring against rubric")
	card, err := s.scorer.Score(ctx, resume, jobDescription, jobTitle)
	if err != nil {
		return nil, err
	}

	record.Status = models.RecordStatusCompleted
	record.Error = ""
	record.Data["scores"] = card.Scores
	record.Data["overall"] = card.Overall
	record.Data["verdict"] = card.Verdict
	record.Data["strengths"] = card.Strengths
	record.Data["gaps"] = card.Gaps
	record.Data["summary"] = card.Summary
	if err := s.storage.Records().SaveRecord(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("record_id", record.ID).
		Float64("overall", card.Overall).
		Str("verdict", card.Verdict).
		Msg("Résumé evaluated")

	return map[string]interface{}{
		"recordId":  record.ID,
		"scores":    card.Scores,
		"overall":   card.Overall,
		"verdict":   card.Verdict,
		"strengths": card.Strengths,
		"gaps":      card.Gaps,
		"summary":   card.Summary,
	}, nil
}

// OnFinalFailure settles the domain record once the job has no retries
// left.
func (s *Service) OnFinalFailure(ctx context.Context, job *models.Job, cause error) {
	recordID, _ := job.Payload["recordId"].(string)
	if recordID == "" {
		return
	}
	record, err := s.storage.Records().GetRecord(ctx, recordID)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("record_id", recordID).
			Msg("Failed to load record for final failure")
		return
	}
	record.Status = models.RecordStatusFailed
	if cause != nil {
		record.Error = cause.Error()
	}
	if err := s.storage.Records().SaveRecord(ctx, record); err != nil {
		s.logger.Warn().
			Err(err).
			Str("record_id", recordID).
			Msg("Failed to settle record after final failure")
	}
}

// resolveResume returns the résumé markdown to score: inline payload
// content, or the text a parsing record produced. A source record that
// has not finished parsing yet is retryable.
func (s *Service) resolveResume(ctx context.Context, job *models.Job) (string, error) {
	if content, _ := job.Payload["content"].(string); content != "" {
		return content, nil
	}
	sourceRecordID, _ := job.Payload["sourceRecordId"].(string)
	if sourceRecordID == "" {
		return "", apperrors.New(apperrors.KindValidationFailed, "job payload carries neither content nor sourceRecordId").
			WithOperation("evaluation.process")
	}
	source, err := s.storage.Records().GetRecord(ctx, sourceRecordID)
	if err != nil {
		return "", err
	}
	markdown, _ := source.Data["markdown"].(string)
	if strings.TrimSpace(markdown) == "" {
		return "", apperrors.Newf(apperrors.KindInvalidState, "source record %s has no parsed text yet", sourceRecordID).
			WithOperation("evaluation.process").
			WithRetryable(true)
	}
	return markdown, nil
}

func (s *Service) progress(ctx context.Context, jobID string, pct int, step string) {
	if err := s.jobs.UpdateJobProgress(ctx, jobID, pct, step, 3); err != nil {
		s.logger.Debug().Err(err).Str("job_id", jobID).Msg("Progress update failed")
	}
}
