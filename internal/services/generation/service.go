// -----------------------------------------------------------------------
// GenerationService - Markdown to PDF document production domain
// -----------------------------------------------------------------------

package generation

import (
	"context"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

const (
	defaultRenderTimeout = 60 * time.Second
	defaultTitle         = "Résumé"
	defaultFileName      = "resume.pdf"
)

// Service is the generation domain: it renders résumé markdown into a
// PDF and stores the bytes in the document store. The finished job's
// result carries the storage key, never the document itself.
type Service struct {
	storage  interfaces.StorageManager
	jobs     interfaces.JobService
	renderer Renderer
	timeout  time.Duration
	logger   arbor.ILogger
}

var _ interfaces.DomainService = (*Service)(nil)

// NewService creates the generation domain service
func NewService(storage interfaces.StorageManager, jobs interfaces.JobService, renderer Renderer, config *common.GenerationConfig, logger arbor.ILogger) *Service {
	timeout := defaultRenderTimeout
	if config != nil {
		timeout = common.Duration(config.Timeout, defaultRenderTimeout)
	}
	return &Service{
		storage:  storage,
		jobs:     jobs,
		renderer: renderer,
		timeout:  timeout,
		logger:   logger,
	}
}

// Domain returns the job type this service processes
func (s *Service) Domain() models.JobType {
	return models.JobTypeGeneration
}

// Submit validates the render request and inserts the domain record and
// its job atomically.
func (s *Service) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*models.Job, error) {
	if req == nil {
		return nil, apperrors.New(apperrors.KindValidationFailed, "submit request is required").WithOperation("generation.submit")
	}

	content, _ := req.Payload["content"].(string)
	sourceRecordID, _ := req.Payload["sourceRecordId"].(string)
	if (content == "") == (sourceRecordID == "") {
		return nil, apperrors.New(apperrors.KindValidationFailed, "exactly one of content or sourceRecordId is required").
			WithOperation("generation.submit")
	}
	if sourceRecordID != "" {
		if _, err := s.storage.Records().GetRecord(ctx, sourceRecordID); err != nil {
			return nil, err
		}
	}

	title, _ := req.Payload["title"].(string)
	if strings.TrimSpace(title) == "" {
		title = defaultTitle
	}
	fileName, _ := req.Payload["fileName"].(string)
	if strings.TrimSpace(fileName) == "" {
		fileName = defaultFileName
	}
	if !strings.HasSuffix(strings.ToLower(fileName), ".pdf") {
		fileName += ".pdf"
	}

	recordID, _ := req.Payload["recordId"].(string)
	if recordID == "" {
		recordID = common.NewRecordID()
	}
	record := models.NewDomainRecord(recordID, models.JobTypeGeneration, req.EntityID, req.OwnerID)
	record.Data["title"] = title
	record.Data["fileName"] = fileName
	if sourceRecordID != "" {
		record.Data["sourceRecordId"] = sourceRecordID
	}

	payload := map[string]interface{}{
		"recordId": record.ID,
		"title":    title,
		"fileName": fileName,
	}
	if content != "" {
		payload["content"] = content
	}
	if sourceRecordID != "" {
		payload["sourceRecordId"] = sourceRecordID
	}

	var job *models.Job
	replay := false
	err := s.storage.Coordinator().ExecuteAtomic(ctx, func(txn *badger.Txn) error {
		created, err := s.jobs.CreateJob(ctx, &interfaces.CreateJobRequest{
			Type:       models.JobTypeGeneration,
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
			Msg("Duplicate generation submission, returning existing job")
		return job, nil
	}

	if err := s.jobs.EnqueueJob(ctx, job.ID); err != nil {
		s.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Msg("Generation job stored but enqueue failed")
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("record_id", record.ID).
		Str("file_name", fileName).
		Msg("Generation job submitted")

	if fresh, err := s.jobs.FindJob(ctx, job.ID); err == nil {
		return fresh, nil
	}
	return job, nil
}

// Process resolves the markdown, renders it, and stores the PDF bytes
// under a fresh document key.
func (s *Service) Process(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	recordID, _ := job.Payload["recordId"].(string)
	if recordID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "job payload is missing recordId").
			WithOperation("generation.process")
	}
	record, err := s.storage.Records().GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	title, _ := job.Payload["title"].(string)
	if title == "" {
		title = defaultTitle
	}
	fileName, _ := job.Payload["fileName"].(string)
	if fileName == "" {
		fileName = defaultFileName
	}

	s.progress(ctx, job.ID, 10, "resolving input")
	markdown, err := s.resolveMarkdown(ctx, job)
	if err != nil {
		return nil, err
	}

	s.progress(ctx, job.ID, 40, "rendering pdf")
	pdfBytes, err := s.renderer.Render(ctx, markdown, title)
	if err != nil {
		return nil, err
	}

	s.progress(ctx, job.ID, 80, "storing document")
	doc := &models.StoredDocument{
		Key:         "doc-" + uuid.New().String(),
		Name:        fileName,
		ContentType: "application/pdf",
		OwnerID:     job.OwnerID,
		Data:        pdfBytes,
	}
	if err := s.storage.Documents().PutDocument(ctx, doc); err != nil {
		return nil, err
	}

	record.Status = models.RecordStatusCompleted
	record.Error = ""
	record.Data["storageKey"] = doc.Key
	record.Data["fileName"] = fileName
	record.Data["renderer"] = s.renderer.Name()
	record.Data["size"] = len(pdfBytes)
	if err := s.storage.Records().SaveRecord(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("record_id", record.ID).
		Str("storage_key", doc.Key).
		Str("renderer", s.renderer.Name()).
		Int("pdf_bytes", len(pdfBytes)).
		Msg("Résumé PDF generated")

	return map[string]interface{}{
		"recordId":   record.ID,
		"storageKey": doc.Key,
		"fileName":   fileName,
		"renderer":   s.renderer.Name(),
		"size":       len(pdfBytes),
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

// resolveMarkdown returns the markdown to render: inline payload content,
// or the text an earlier record produced. A source record that has not
// finished its own work yet is retryable.
func (s *Service) resolveMarkdown(ctx context.Context, job *models.Job) (string, error) {
	if content, _ := job.Payload["content"].(string); content != "" {
		return content, nil
	}
	sourceRecordID, _ := job.Payload["sourceRecordId"].(string)
	if sourceRecordID == "" {
		return "", apperrors.New(apperrors.KindValidationFailed, "job payload carries neither content nor sourceRecordId").
			WithOperation("generation.process")
	}
	source, err := s.storage.Records().GetRecord(ctx, sourceRecordID)
	if err != nil {
		return "", err
	}
	markdown, _ := source.Data["markdown"].(string)
	if strings.TrimSpace(markdown) == "" {
		return "", apperrors.Newf(apperrors.KindInvalidState, "source record %s has no markdown yet", sourceRecordID).
			WithOperation("generation.process").
			WithRetryable(true)
	}
	return markdown, nil
}

func (s *Service) progress(ctx context.Context, jobID string, pct int, step string) {
	if err := s.jobs.UpdateJobProgress(ctx, jobID, pct, step, 3); err != nil {
		s.logger.Debug().Err(err).Str("job_id", jobID).Msg("Progress update failed")
	}
}
