package parsing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
	badgerstore "github.com/ternarybob/cvforge/internal/storage/badger"
)

// stubJobs records submissions and progress without running anything;
// Process is driven directly by the tests.
type stubJobs struct {
	mu       sync.Mutex
	created  []*interfaces.CreateJobRequest
	jobs     map[string]*models.Job
	enqueued []string
	progress []string
	existing *models.Job // returned when a create matches its external id
}

func newStubJobs() *stubJobs {
	return &stubJobs{jobs: make(map[string]*models.Job)}
}

func (s *stubJobs) CreateJob(ctx context.Context, req *interfaces.CreateJobRequest) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing != nil && req.ExternalID != "" && req.ExternalID == s.existing.ExternalID {
		return s.existing, nil
	}
	job := &models.Job{
		ID:              common.NewJobID(string(req.Type), req.OwnerID),
		Type:            req.Type,
		Status:          models.JobStatusPending,
		OwnerID:         req.OwnerID,
		RelatedEntityID: req.EntityID,
		ExternalID:      req.ExternalID,
		Payload:         req.Payload,
	}
	s.created = append(s.created, req)
	s.jobs[job.ID] = job
	return job, nil
}

func (s *stubJobs) EnqueueJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, jobID)
	if job, ok := s.jobs[jobID]; ok {
		job.Status = models.JobStatusQueued
	}
	return nil
}

func (s *stubJobs) FindJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "job %s not found", jobID)
	}
	copied := *job
	return &copied, nil
}

func (s *stubJobs) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.FindJob(ctx, jobID)
}

func (s *stubJobs) UpdateJobProgress(ctx context.Context, jobID string, progress int, step string, totalSteps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, fmt.Sprintf("%d:%s", progress, step))
	return nil
}

func (s *stubJobs) lastRequest() *interfaces.CreateJobRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.created) == 0 {
		return nil
	}
	return s.created[len(s.created)-1]
}

func (s *stubJobs) enqueuedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.enqueued...)
}

func (s *stubJobs) progressSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.progress...)
}

func (s *stubJobs) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, int, error) {
	return nil, 0, errors.New("not implemented")
}

func (s *stubJobs) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, jobErr *models.JobError) (*models.Job, error) {
	return nil, errors.New("not implemented")
}

func (s *stubJobs) CompleteJob(ctx context.Context, jobID string, result map[string]interface{}) error {
	return errors.New("not implemented")
}

func (s *stubJobs) FailJob(ctx context.Context, jobID string, cause error) error {
	return errors.New("not implemented")
}

func (s *stubJobs) CancelJob(ctx context.Context, jobID string, reason string) error {
	return errors.New("not implemented")
}

func (s *stubJobs) RetryJob(ctx context.Context, jobID string) (*models.Job, error) {
	return nil, errors.New("not implemented")
}

func (s *stubJobs) ProcessJobResult(ctx context.Context, jobID string, result map[string]interface{}, execErr error) (interfaces.ResultDisposition, error) {
	return interfaces.DispositionDiscarded, errors.New("not implemented")
}

func (s *stubJobs) Stats(ctx context.Context, days int) (*models.JobStats, error) {
	return nil, errors.New("not implemented")
}

func (s *stubJobs) SweepPending(ctx context.Context) (int, error) { return 0, nil }

func (s *stubJobs) CleanupJobs(ctx context.Context, olderThanDays int) (int, error) {
	return 0, nil
}

var _ interfaces.JobService = (*stubJobs)(nil)

type parsingEnv struct {
	svc     *Service
	storage *badgerstore.Manager
	jobs    *stubJobs
}

func newParsingEnv(t *testing.T) *parsingEnv {
	t.Helper()
	return newParsingEnvWithConfig(t, &common.ParsingConfig{
		Timeout:     "10s",
		MaxFileSize: 1 << 20,
		TempDir:     t.TempDir(),
	})
}

func newParsingEnvWithConfig(t *testing.T, config *common.ParsingConfig) *parsingEnv {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	jobs := newStubJobs()
	return &parsingEnv{
		svc:     NewService(storage, jobs, config, logger),
		storage: storage,
		jobs:    jobs,
	}
}

func TestSubmitStoresDocumentRecordAndJob(t *testing.T) {
	env := newParsingEnv(t)
	ctx := context.Background()

	job, err := env.svc.Submit(ctx, &interfaces.SubmitRequest{
		OwnerID:  "owner-1",
		EntityID: "cv-9",
		Payload: map[string]interface{}{
			"fileType": FileTypeMarkdown,
			"content":  sampleResume,
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.Type != models.JobTypeParsing {
		t.Errorf("Expected parsing job, got %s", job.Type)
	}

	req := env.jobs.lastRequest()
	if req == nil {
		t.Fatal("Expected a job creation request")
	}
	if req.Txn == nil {
		t.Error("Job creation should join the submission transaction")
	}

	storageKey, _ := req.Payload["storageKey"].(string)
	if !strings.HasPrefix(storageKey, "doc-") {
		t.Fatalf("Expected generated document key, got %q", storageKey)
	}
	doc, err := env.storage.Documents().GetDocument(ctx, storageKey)
	if err != nil {
		t.Fatalf("Inline content should be stored as a document: %v", err)
	}
	if string(doc.Data) != sampleResume {
		t.Error("Stored document does not match the submitted content")
	}
	if doc.ContentType != "text/markdown" {
		t.Errorf("Expected text/markdown, got %q", doc.ContentType)
	}
	if doc.OwnerID != "owner-1" {
		t.Errorf("Document should carry the owner, got %q", doc.OwnerID)
	}

	recordID, _ := req.Payload["recordId"].(string)
	record, err := env.storage.Records().GetRecord(ctx, recordID)
	if err != nil {
		t.Fatalf("Domain record should be written with the job: %v", err)
	}
	if record.JobID != job.ID {
		t.Errorf("Record should point at the job, got %q want %q", record.JobID, job.ID)
	}
	if record.Domain != models.JobTypeParsing {
		t.Errorf("Record domain = %s, want parsing", record.Domain)
	}
	if record.Status != models.RecordStatusPending {
		t.Errorf("Fresh record should be pending, got %s", record.Status)
	}

	if ids := env.jobs.enqueuedIDs(); len(ids) != 1 || ids[0] != job.ID {
		t.Errorf("Job should be enqueued after commit, got %v", ids)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newParsingEnv(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"unknown file type", map[string]interface{}{"fileType": "docx", "content": "x"}},
		{"missing file type", map[string]interface{}{"content": "x"}},
		{"content and storage key", map[string]interface{}{"fileType": "markdown", "content": "x", "storageKey": "doc-1"}},
		{"neither content nor storage key", map[string]interface{}{"fileType": "markdown"}},
		{"pdf content not base64", map[string]interface{}{"fileType": "pdf", "content": "definitely not base64!!"}},
	}
	for _, tc := range cases {
		_, err := env.svc.Submit(ctx, &interfaces.SubmitRequest{
			OwnerID: "owner-1",
			Payload: tc.payload,
		})
		if !apperrors.Is(err, apperrors.KindValidationFailed) {
			t.Errorf("%s: expected validation failure, got %v", tc.name, err)
		}
	}

	if req := env.jobs.lastRequest(); req != nil {
		t.Errorf("Rejected submissions must not create jobs, got %+v", req)
	}
}

func TestSubmitEnforcesSizeLimit(t *testing.T) {
	env := newParsingEnvWithConfig(t, &common.ParsingConfig{
		Timeout:     "10s",
		MaxFileSize: 32,
		TempDir:     t.TempDir(),
	})

	_, err := env.svc.Submit(context.Background(), &interfaces.SubmitRequest{
		OwnerID: "owner-1",
		Payload: map[string]interface{}{
			"fileType": FileTypeMarkdown,
			"content":  strings.Repeat("too large ", 10),
		},
	})
	if !apperrors.Is(err, apperrors.KindValidationFailed) {
		t.Fatalf("Expected validation failure for oversized input, got %v", err)
	}
}

func TestSubmitWithStorageKey(t *testing.T) {
	env := newParsingEnv(t)
	ctx := context.Background()

	if err := env.storage.Documents().PutDocument(ctx, &models.StoredDocument{
		Key:  "doc-upload-1",
		Data: []byte(sampleResume),
	}); err != nil {
		t.Fatalf("Failed to seed document: %v", err)
	}

	_, err := env.svc.Submit(ctx, &interfaces.SubmitRequest{
		OwnerID: "owner-1",
		Payload: map[string]interface{}{
			"fileType":   FileTypeMarkdown,
			"storageKey": "doc-upload-1",
		},
	})
	if err != nil {
		t.Fatalf("Submit with storage key failed: %v", err)
	}
	if key, _ := env.jobs.lastRequest().Payload["storageKey"].(string); key != "doc-upload-1" {
		t.Errorf("Job payload should reference the given document, got %q", key)
	}

	_, err = env.svc.Submit(ctx, &interfaces.SubmitRequest{
		OwnerID: "owner-1",
		Payload: map[string]interface{}{
			"fileType":   FileTypeMarkdown,
			"storageKey": "doc-missing",
		},
	})
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("Missing document should fail submission, got %v", err)
	}
}

func TestSubmitReplayReturnsExistingJob(t *testing.T) {
	env := newParsingEnv(t)
	ctx := context.Background()

	env.jobs.existing = &models.Job{
		ID:         "job-existing",
		Type:       models.JobTypeParsing,
		Status:     models.JobStatusProcessing,
		ExternalID: "import-42",
		Payload:    map[string]interface{}{"recordId": "rec-original"},
	}

	job, err := env.svc.Submit(ctx, &interfaces.SubmitRequest{
		OwnerID:    "owner-1",
		EntityID:   "cv-replay",
		ExternalID: "import-42",
		Payload: map[string]interface{}{
			"fileType": FileTypeMarkdown,
			"content":  sampleResume,
		},
	})
	if err != nil {
		t.Fatalf("Replayed submission failed: %v", err)
	}
	if job.ID != "job-existing" {
		t.Errorf("Expected the existing job back, got %s", job.ID)
	}

	records, err := env.storage.Records().ListRecordsByEntity(ctx, "cv-replay", 10)
	if err != nil {
		t.Fatalf("ListRecordsByEntity failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Replay must not write a second record, got %d", len(records))
	}
	if ids := env.jobs.enqueuedIDs(); len(ids) != 0 {
		t.Errorf("Replay must not enqueue, got %v", ids)
	}
}

func TestProcessMarkdownResume(t *testing.T) {
	env := newParsingEnv(t)
	ctx := context.Background()

	record := models.NewDomainRecord("rec-md", models.JobTypeParsing, "cv-1", "owner-1")
	record.JobID = "job-md"
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	if err := env.storage.Documents().PutDocument(ctx, &models.StoredDocument{
		Key:  "doc-md",
		Data: []byte(sampleResume),
	}); err != nil {
		t.Fatalf("Failed to store document: %v", err)
	}

	job := &models.Job{
		ID:   "job-md",
		Type: models.JobTypeParsing,
		Payload: map[string]interface{}{
			"recordId":   "rec-md",
			"fileType":   FileTypeMarkdown,
			"storageKey": "doc-md",
		},
	}
	result, err := env.svc.Process(ctx, job)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := result["sectionsFound"].(int); got != 5 {
		t.Errorf("sectionsFound = %d, want 5", got)
	}
	if got := result["confidence"].(float64); got != 1.0 {
		t.Errorf("confidence = %v, want 1.0", got)
	}
	sections := result["sections"].(map[string]string)
	if !strings.Contains(sections["skills"], "Kubernetes") {
		t.Errorf("Skills content missing from result, got %q", sections["skills"])
	}

	updated, err := env.storage.Records().GetRecord(ctx, "rec-md")
	if err != nil {
		t.Fatalf("Failed to reload record: %v", err)
	}
	if updated.Status != models.RecordStatusCompleted {
		t.Errorf("Record status = %s, want completed", updated.Status)
	}
	if markdown, _ := updated.Data["markdown"].(string); markdown != sampleResume {
		t.Error("Record should keep the normalized markdown for downstream domains")
	}

	if steps := env.jobs.progressSteps(); len(steps) < 3 {
		t.Errorf("Expected progress reports during processing, got %v", steps)
	}
}

func TestProcessHTMLResume(t *testing.T) {
	env := newParsingEnv(t)
	ctx := context.Background()

	html := `<html><head><title>CV</title><style>body{margin:0}</style></head><body>
<h1>Jane Smith</h1><p>jane@example.com</p>
<h2>Experience</h2><p>Acme Corp, staff engineer.</p>
<h2>Skills</h2><ul><li>Go</li><li>Postgres</li></ul>
</body></html>`

	record := models.NewDomainRecord("rec-html", models.JobTypeParsing, "cv-2", "owner-1")
	record.JobID = "job-html"
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	if err := env.storage.Documents().PutDocument(ctx, &models.StoredDocument{
		Key:  "doc-html",
		Data: []byte(html),
	}); err != nil {
		t.Fatalf("Failed to store document: %v", err)
	}

	job := &models.Job{
		ID:   "job-html",
		Type: models.JobTypeParsing,
		Payload: map[string]interface{}{
			"recordId":   "rec-html",
			"fileType":   FileTypeHTML,
			"storageKey": "doc-html",
		},
	}
	result, err := env.svc.Process(ctx, job)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	sections := result["sections"].(map[string]string)
	if !strings.Contains(sections["experience"], "Acme Corp") {
		t.Errorf("Experience not extracted from HTML, got %v", sections)
	}
	if !strings.Contains(sections["skills"], "Go") {
		t.Errorf("Skills not extracted from HTML, got %v", sections)
	}
	if !strings.Contains(sections["contact"], "jane@example.com") {
		t.Errorf("Contact not recovered from HTML preamble, got %v", sections)
	}

	updated, _ := env.storage.Records().GetRecord(ctx, "rec-html")
	if markdown, _ := updated.Data["markdown"].(string); strings.Contains(markdown, "<h2>") {
		t.Error("Stored markdown should not contain raw HTML tags")
	}
}

func TestProcessEmptyDocumentFails(t *testing.T) {
	env := newParsingEnv(t)
	ctx := context.Background()

	record := models.NewDomainRecord("rec-empty", models.JobTypeParsing, "", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	if err := env.storage.Documents().PutDocument(ctx, &models.StoredDocument{
		Key:  "doc-empty",
		Data: []byte("   \n\t  \n"),
	}); err != nil {
		t.Fatalf("Failed to store document: %v", err)
	}

	job := &models.Job{
		ID:   "job-empty",
		Type: models.JobTypeParsing,
		Payload: map[string]interface{}{
			"recordId":   "rec-empty",
			"fileType":   FileTypeMarkdown,
			"storageKey": "doc-empty",
		},
	}
	_, err := env.svc.Process(ctx, job)
	if !apperrors.Is(err, apperrors.KindDomainFailure) {
		t.Fatalf("Expected domain failure for empty text, got %v", err)
	}
	if apperrors.IsRetryable(err) {
		t.Error("A document with no text will never parse; the error must not be retryable")
	}
}

func TestProcessMissingRecordFails(t *testing.T) {
	env := newParsingEnv(t)

	job := &models.Job{
		ID:   "job-ghost",
		Type: models.JobTypeParsing,
		Payload: map[string]interface{}{
			"recordId":   "rec-ghost",
			"fileType":   FileTypeMarkdown,
			"storageKey": "doc-ghost",
		},
	}
	_, err := env.svc.Process(context.Background(), job)
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("Expected not found for missing record, got %v", err)
	}
	if apperrors.IsRetryable(err) {
		t.Error("Missing record must not be retried")
	}
}

func TestExtractorRejectsGarbage(t *testing.T) {
	extractor := NewExtractor(t.TempDir(), arbor.NewLogger())

	_, _, err := extractor.ExtractText(context.Background(), []byte("this is not a pdf"))
	if !apperrors.Is(err, apperrors.KindValidationFailed) {
		t.Fatalf("Expected validation failure for non-PDF bytes, got %v", err)
	}
}

func TestOnFinalFailureSettlesRecord(t *testing.T) {
	env := newParsingEnv(t)
	ctx := context.Background()

	record := models.NewDomainRecord("rec-fail", models.JobTypeParsing, "cv-3", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	job := &models.Job{
		ID:      "job-fail",
		Type:    models.JobTypeParsing,
		Payload: map[string]interface{}{"recordId": "rec-fail"},
	}
	env.svc.OnFinalFailure(ctx, job, errors.New("extraction engine unavailable"))

	updated, err := env.storage.Records().GetRecord(ctx, "rec-fail")
	if err != nil {
		t.Fatalf("Failed to reload record: %v", err)
	}
	if updated.Status != models.RecordStatusFailed {
		t.Errorf("Record status = %s, want failed", updated.Status)
	}
	if updated.Error != "extraction engine unavailable" {
		t.Errorf("Record error = %q", updated.Error)
	}
}
