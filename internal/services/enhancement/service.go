// -----------------------------------------------------------------------
// EnhancementService - Claude-backed résumé rewriting domain
// -----------------------------------------------------------------------

package enhancement

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

// Service is the enhancement domain: it rewrites résumé content with the
// configured provider, optionally restricted to named sections and
// enriched with an imported GitHub profile. Input comes inline or from a
// completed parsing record.
type Service struct {
	storage  interfaces.StorageManager
	jobs     interfaces.JobService
	provider Provider
	github   interfaces.ProfileConnector // nil when the connector is disabled
	timeout  time.Duration
	logger   arbor.ILogger
}

var _ interfaces.DomainService = (*Service)(nil)

// NewService creates the enhancement domain service
func NewService(storage interfaces.StorageManager, jobs interfaces.JobService, provider Provider, github interfaces.ProfileConnector, config *common.ClaudeConfig, logger arbor.ILogger) *Service {
	timeout := defaultCallTimeout
	if config != nil {
		timeout = common.Duration(config.Timeout, defaultCallTimeout)
	}
	return &Service{
		storage:  storage,
		jobs:     jobs,
		provider: provider,
		github:   github,
		timeout:  timeout,
		logger:   logger,
	}
}

// Domain returns the job type this service processes
func (s *Service) Domain() models.JobType {
	return models.JobTypeEnhancement
}

// Submit validates the rewrite request and inserts the domain record and
// its job atomically.
func (s *Service) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*models.Job, error) {
	if req == nil {
		return nil, apperrors.New(apperrors.KindValidationFailed, "submit request is required").WithOperation("enhancement.submit")
	}

	content, _ := req.Payload["content"].(string)
	sourceRecordID, _ := req.Payload["sourceRecordId"].(string)
	if (content == "") == (sourceRecordID == "") {
		return nil, apperrors.New(apperrors.KindValidationFailed, "exactly one of content or sourceRecordId is required").
			WithOperation("enhancement.submit")
	}
	if sourceRecordID != "" {
		if _, err := s.storage.Records().GetRecord(ctx, sourceRecordID); err != nil {
			return nil, err
		}
	}

	tone, _ := req.Payload["tone"].(string)
	if tone == "" {
		tone = ToneProfessional
	}
	if !validTone(tone) {
		return nil, apperrors.Newf(apperrors.KindValidationFailed, "unknown tone: %s", tone).
			WithOperation("enhancement.submit").
			WithCode("INVALID_TONE")
	}
	length, _ := req.Payload["length"].(string)
	if length == "" {
		length = LengthSimilar
	}
	if !validLength(length) {
		return nil, apperrors.Newf(apperrors.KindValidationFailed, "unknown length: %s", length).
			WithOperation("enhancement.submit").
			WithCode("INVALID_LENGTH")
	}

	sections := stringSlice(req.Payload["sections"])
	githubUsername, _ := req.Payload["githubUsername"].(string)
	targetRole, _ := req.Payload["targetRole"].(string)

	recordID, _ := req.Payload["recordId"].(string)
	if recordID == "" {
		recordID = common.NewRecordID()
	}
	record := models.NewDomainRecord(recordID, models.JobTypeEnhancement, req.EntityID, req.OwnerID)
	record.Data["tone"] = tone
	record.Data["length"] = length
	if len(sections) > 0 {
		record.Data["sections"] = sections
	}
	if sourceRecordID != "" {
		record.Data["sourceRecordId"] = sourceRecordID
	}
	if githubUsername != "" {
		record.Data["githubUsername"] = githubUsername
	}

	payload := map[string]interface{}{
		"recordId": record.ID,
		"tone":     tone,
		"length":   length,
	}
	if content != "" {
		payload["content"] = content
	}
	if sourceRecordID != "" {
		payload["sourceRecordId"] = sourceRecordID
	}
	if len(sections) > 0 {
		payload["sections"] = sections
	}
	if githubUsername != "" {
		payload["githubUsername"] = githubUsername
	}
	if targetRole != "" {
		payload["targetRole"] = targetRole
	}

	var job *models.Job
	replay := false
	err := s.storage.Coordinator().ExecuteAtomic(ctx, func(txn *badger.Txn) error {
		created, err := s.jobs.CreateJob(ctx, &interfaces.CreateJobRequest{
			Type:       models.JobTypeEnhancement,
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
			Msg("Duplicate enhancement submission, returning existing job")
		return job, nil
	}

	if err := s.jobs.EnqueueJob(ctx, job.ID); err != nil {
		s.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Msg("Enhancement job stored but enqueue failed")
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("record_id", record.ID).
		Str("tone", tone).
		Str("length", length).
		Msg("Enhancement job submitted")

	if fresh, err := s.jobs.FindJob(ctx, job.ID); err == nil {
		return fresh, nil
	}
	return job, nil
}

// Process resolves the input markdown, optionally imports the GitHub
// profile, and runs one provider call under the configured timeout.
func (s *Service) Process(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	recordID, _ := job.Payload["recordId"].(string)
	if recordID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "job payload is missing recordId").
			WithOperation("enhancement.process")
	}
	record, err := s.storage.Records().GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	s.progress(ctx, job.ID, 10, "resolving input")
	markdown, err := s.resolveInput(ctx, job)
	if err != nil {
		return nil, err
	}

	tone, _ := job.Payload["tone"].(string)
	length, _ := job.Payload["length"].(string)
	sections := stringSlice(job.Payload["sections"])
	targetRole, _ := job.Payload["targetRole"].(string)

	// Profile import is best effort: a broken connector degrades the
	// rewrite, it does not fail the job
	var profile *models.GitHubProfile
	if username, _ := job.Payload["githubUsername"].(string); username != "" && s.github != nil {
		s.progress(ctx, job.ID, 30, "importing github profile")
		profile, err = s.github.FetchProfile(ctx, username)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("username", username).
				Msg("GitHub profile import failed, continuing without it")
			profile = nil
		}
	}

	s.progress(ctx, job.ID, 50, "rewriting content")
	enhanced, err := s.provider.Complete(ctx,
		buildSystemPrompt(tone, length, targetRole),
		buildUserPrompt(markdown, sections, profile))
	if err != nil {
		return nil, err
	}
	enhanced = strings.TrimSpace(enhanced)

	record.Status = models.RecordStatusCompleted
	record.Error = ""
	record.Data["markdown"] = enhanced
	record.Data["profileImported"] = profile != nil
	if err := s.storage.Records().SaveRecord(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("record_id", record.ID).
		Int("input_chars", len(markdown)).
		Int("output_chars", len(enhanced)).
		Msg("Résumé enhanced")

	return map[string]interface{}{
		"recordId":        record.ID,
		"enhanced":        enhanced,
		"tone":            tone,
		"length":          length,
		"profileImported": profile != nil,
		"characters":      len(enhanced),
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

// resolveInput returns the markdown to rewrite: inline payload content,
// or the text a parsing record produced. A source record that exists but
// has not finished parsing yet is retryable.
func (s *Service) resolveInput(ctx context.Context, job *models.Job) (string, error) {
	if content, _ := job.Payload["content"].(string); content != "" {
		return content, nil
	}
	sourceRecordID, _ := job.Payload["sourceRecordId"].(string)
	if sourceRecordID == "" {
		return "", apperrors.New(apperrors.KindValidationFailed, "job payload carries neither content nor sourceRecordId").
			WithOperation("enhancement.process")
	}
	source, err := s.storage.Records().GetRecord(ctx, sourceRecordID)
	if err != nil {
		return "", err
	}
	markdown, _ := source.Data["markdown"].(string)
	if strings.TrimSpace(markdown) == "" {
		return "", apperrors.Newf(apperrors.KindInvalidState, "source record %s has no parsed text yet", sourceRecordID).
			WithOperation("enhancement.process").
			WithRetryable(true)
	}
	return markdown, nil
}

func (s *Service) progress(ctx context.Context, jobID string, pct int, step string) {
	if err := s.jobs.UpdateJobProgress(ctx, jobID, pct, step, 3); err != nil {
		s.logger.Debug().Err(err).Str("job_id", jobID).Msg("Progress update failed")
	}
}

// stringSlice coerces a payload value that may round-trip as []string or
// []interface{} through the store encoding.
func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
