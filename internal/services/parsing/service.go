// -----------------------------------------------------------------------
// ParsingService - Résumé text extraction and section detection domain
// -----------------------------------------------------------------------

package parsing

import (
	"context"
	"encoding/base64"
	"sort"
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

// Supported input formats
const (
	FileTypePDF      = "pdf"
	FileTypeHTML     = "html"
	FileTypeMarkdown = "markdown"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxFileSize = 20 * 1024 * 1024
)

// Service is the parsing domain: it turns an uploaded résumé (PDF, HTML
// or markdown) into normalized text with detected sections. Submissions
// write the domain record and the job in one transaction; the heavy work
// runs when a worker claims the job.
type Service struct {
	storage   interfaces.StorageManager
	jobs      interfaces.JobService
	extractor *Extractor
	timeout   time.Duration
	maxSize   int64
	logger    arbor.ILogger
}

var _ interfaces.DomainService = (*Service)(nil)

// NewService creates the parsing domain service
func NewService(storage interfaces.StorageManager, jobs interfaces.JobService, config *common.ParsingConfig, logger arbor.ILogger) *Service {
	timeout := defaultTimeout
	maxSize := int64(defaultMaxFileSize)
	tempDir := ""
	if config != nil {
		timeout = common.Duration(config.Timeout, defaultTimeout)
		if config.MaxFileSize > 0 {
			maxSize = config.MaxFileSize
		}
		tempDir = config.TempDir
	}

	return &Service{
		storage:   storage,
		jobs:      jobs,
		extractor: NewExtractor(tempDir, logger),
		timeout:   timeout,
		maxSize:   maxSize,
		logger:    logger,
	}
}

// Domain returns the job type this service processes
func (s *Service) Domain() models.JobType {
	return models.JobTypeParsing
}

// Submit validates the submission, stores inline content as a document,
// then inserts the domain record and its job atomically and enqueues.
func (s *Service) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*models.Job, error) {
	if req == nil {
		return nil, apperrors.New(apperrors.KindValidationFailed, "submit request is required").WithOperation("parsing.submit")
	}

	fileType, _ := req.Payload["fileType"].(string)
	switch fileType {
	case FileTypePDF, FileTypeHTML, FileTypeMarkdown:
	default:
		return nil, apperrors.Newf(apperrors.KindValidationFailed, "fileType must be %s, %s or %s", FileTypePDF, FileTypeHTML, FileTypeMarkdown).
			WithOperation("parsing.submit").
			WithCode("INVALID_FILE_TYPE")
	}

	content, _ := req.Payload["content"].(string)
	storageKey, _ := req.Payload["storageKey"].(string)
	if (content == "") == (storageKey == "") {
		return nil, apperrors.New(apperrors.KindValidationFailed, "exactly one of content or storageKey is required").
			WithOperation("parsing.submit")
	}

	if content != "" {
		data := []byte(content)
		if fileType == FileTypePDF {
			decoded, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.KindValidationFailed, "pdf content must be base64 encoded").
					WithOperation("parsing.submit")
			}
			data = decoded
		}
		if int64(len(data)) > s.maxSize {
			return nil, apperrors.Newf(apperrors.KindValidationFailed, "input exceeds the %d byte limit", s.maxSize).
				WithOperation("parsing.submit").
				WithCode("FILE_TOO_LARGE")
		}
		doc := &models.StoredDocument{
			Key:         "doc-" + uuid.New().String(),
			ContentType: contentTypeFor(fileType),
			OwnerID:     req.OwnerID,
			Data:        data,
		}
		if err := s.storage.Documents().PutDocument(ctx, doc); err != nil {
			return nil, err
		}
		storageKey = doc.Key
	} else {
		doc, err := s.storage.Documents().GetDocument(ctx, storageKey)
		if err != nil {
			return nil, err
		}
		if int64(len(doc.Data)) > s.maxSize {
			return nil, apperrors.Newf(apperrors.KindValidationFailed, "input exceeds the %d byte limit", s.maxSize).
				WithOperation("parsing.submit").
				WithCode("FILE_TOO_LARGE")
		}
	}

	recordID, _ := req.Payload["recordId"].(string)
	if recordID == "" {
		recordID = common.NewRecordID()
	}
	record := models.NewDomainRecord(recordID, models.JobTypeParsing, req.EntityID, req.OwnerID)
	record.Data["fileType"] = fileType
	record.Data["storageKey"] = storageKey

	var job *models.Job
	replay := false
	err := s.storage.Coordinator().ExecuteAtomic(ctx, func(txn *badger.Txn) error {
		created, err := s.jobs.CreateJob(ctx, &interfaces.CreateJobRequest{
			Type:       models.JobTypeParsing,
			OwnerID:    req.OwnerID,
			EntityID:   req.EntityID,
			ExternalID: req.ExternalID,
			Priority:   req.Priority,
			DelayMs:    req.DelayMs,
			Payload: map[string]interface{}{
				"recordId":   record.ID,
				"fileType":   fileType,
				"storageKey": storageKey,
			},
			Txn: txn,
		})
		if err != nil {
			return err
		}
		job = created
		// An external id replay hands back a job that already has its
		// own record; the new one must not be written
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
			Msg("Duplicate parsing submission, returning existing job")
		return job, nil
	}

	if err := s.jobs.EnqueueJob(ctx, job.ID); err != nil {
		// The record and job committed; the pending sweep recovers them
		s.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Msg("Parsing job stored but enqueue failed")
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("record_id", record.ID).
		Str("file_type", fileType).
		Msg("Parsing job submitted")

	if fresh, err := s.jobs.FindJob(ctx, job.ID); err == nil {
		return fresh, nil
	}
	return job, nil
}

// Process extracts text from the stored document, detects sections and
// completes the domain record. The result carries the sections; the
// record additionally keeps the normalized markdown for the downstream
// domains.
func (s *Service) Process(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	recordID, _ := job.Payload["recordId"].(string)
	if recordID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "job payload is missing recordId").
			WithOperation("parsing.process")
	}
	record, err := s.storage.Records().GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	storageKey, _ := job.Payload["storageKey"].(string)
	fileType, _ := job.Payload["fileType"].(string)

	s.progress(ctx, job.ID, 10, "loading document")
	doc, err := s.storage.Documents().GetDocument(ctx, storageKey)
	if err != nil {
		return nil, err
	}

	s.progress(ctx, job.ID, 35, "extracting text")
	var text string
	pages := 0
	switch fileType {
	case FileTypePDF:
		text, pages, err = s.extractor.ExtractText(ctx, doc.Data)
		if err != nil {
			return nil, err
		}
	case FileTypeHTML:
		text = convertHTML(string(doc.Data), s.logger)
	case FileTypeMarkdown:
		text = string(doc.Data)
	default:
		return nil, apperrors.Newf(apperrors.KindValidationFailed, "unknown file type: %s", fileType).
			WithOperation("parsing.process")
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.New(apperrors.KindDomainFailure, "document has no extractable text").
			WithOperation("parsing.process").
			WithRetryable(false)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTimeout, "parsing timed out").WithOperation("parsing.process")
	}

	s.progress(ctx, job.ID, 70, "detecting sections")
	sections, confidence := detectSections(text)

	record.Status = models.RecordStatusCompleted
	record.Error = ""
	record.Data["markdown"] = text
	record.Data["sections"] = sections
	record.Data["confidence"] = confidence
	if pages > 0 {
		record.Data["pages"] = pages
	}
	if err := s.storage.Records().SaveRecord(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("record_id", record.ID).
		Int("sections", len(sections)).
		Float64("confidence", confidence).
		Msg("Résumé parsed")

	result := map[string]interface{}{
		"recordId":      record.ID,
		"sectionsFound": len(sections),
		"sections":      sections,
		"sectionNames":  sectionNames(sections),
		"confidence":    confidence,
		"characters":    len(text),
	}
	if pages > 0 {
		result["pages"] = pages
	}
	return result, nil
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

func (s *Service) progress(ctx context.Context, jobID string, pct int, step string) {
	if err := s.jobs.UpdateJobProgress(ctx, jobID, pct, step, 3); err != nil {
		s.logger.Debug().Err(err).Str("job_id", jobID).Msg("Progress update failed")
	}
}

func sectionNames(sections map[string]string) []string {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contentTypeFor(fileType string) string {
	switch fileType {
	case FileTypePDF:
		return "application/pdf"
	case FileTypeHTML:
		return "text/html"
	default:
		return "text/markdown"
	}
}
