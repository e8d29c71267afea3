package generation

import (
	"context"
	"errors"
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

// stubRenderer captures its input and returns canned PDF bytes
type stubRenderer struct {
	mu       sync.Mutex
	output   []byte
	err      error
	markdown string
	title    string
	calls    int
}

func (r *stubRenderer) Name() string { return "stub" }

func (r *stubRenderer) Render(ctx context.Context, markdown, title string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.markdown = markdown
	r.title = title
	if r.err != nil {
		return nil, r.err
	}
	return r.output, nil
}

// stubJobs records submissions; processing is driven directly
type stubJobs struct {
	mu      sync.Mutex
	created []*interfaces.CreateJobRequest
	jobs    map[string]*models.Job
}

func newStubJobs() *stubJobs {
	return &stubJobs{jobs: make(map[string]*models.Job)}
}

func (s *stubJobs) CreateJob(ctx context.Context, req *interfaces.CreateJobRequest) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &models.Job{
		ID:         common.NewJobID(string(req.Type), req.OwnerID),
		Type:       req.Type,
		Status:     models.JobStatusPending,
		OwnerID:    req.OwnerID,
		ExternalID: req.ExternalID,
		Payload:    req.Payload,
	}
	s.created = append(s.created, req)
	s.jobs[job.ID] = job
	return job, nil
}

func (s *stubJobs) EnqueueJob(ctx context.Context, jobID string) error { return nil }

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

type generationEnv struct {
	svc      *Service
	storage  *badgerstore.Manager
	jobs     *stubJobs
	renderer *stubRenderer
}

func newGenerationEnv(t *testing.T) *generationEnv {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	jobs := newStubJobs()
	renderer := &stubRenderer{output: []byte("%PDF-1.4 fake body")}
	config := &common.GenerationConfig{Timeout: "10s"}
	return &generationEnv{
		svc:      NewService(storage, jobs, renderer, config, logger),
		storage:  storage,
		jobs:     jobs,
		renderer: renderer,
	}
}

const resumeMarkdown = "# Jane Smith\n\n## Experience\n\n- Built the billing platform\n"

func generationJob(payload map[string]interface{}) *models.Job {
	return &models.Job{
		ID:      "job-gen",
		Type:    models.JobTypeGeneration,
		OwnerID: "owner-1",
		Payload: payload,
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newGenerationEnv(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		payload map[string]interface{}
		kind    apperrors.Kind
	}{
		{"no input", map[string]interface{}{}, apperrors.KindValidationFailed},
		{"both inputs", map[string]interface{}{"content": "x", "sourceRecordId": "rec-1"}, apperrors.KindValidationFailed},
		{"missing source record", map[string]interface{}{"sourceRecordId": "rec-ghost"}, apperrors.KindNotFound},
	}
	for _, tc := range cases {
		_, err := env.svc.Submit(ctx, &interfaces.SubmitRequest{OwnerID: "owner-1", Payload: tc.payload})
		if !apperrors.Is(err, tc.kind) {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.kind, err)
		}
	}
	if req := env.jobs.lastRequest(); req != nil {
		t.Errorf("Rejected submissions must not create jobs, got %+v", req)
	}
}

func TestSubmitDefaultsAndRecord(t *testing.T) {
	env := newGenerationEnv(t)
	ctx := context.Background()

	job, err := env.svc.Submit(ctx, &interfaces.SubmitRequest{
		OwnerID:  "owner-1",
		EntityID: "cv-1",
		Payload:  map[string]interface{}{"content": resumeMarkdown, "fileName": "jane-smith"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	req := env.jobs.lastRequest()
	if title, _ := req.Payload["title"].(string); title != defaultTitle {
		t.Errorf("Default title = %q, want %q", title, defaultTitle)
	}
	if name, _ := req.Payload["fileName"].(string); name != "jane-smith.pdf" {
		t.Errorf("File name should gain a .pdf suffix, got %q", name)
	}

	recordID, _ := req.Payload["recordId"].(string)
	record, err := env.storage.Records().GetRecord(ctx, recordID)
	if err != nil {
		t.Fatalf("Domain record should be written with the job: %v", err)
	}
	if record.JobID != job.ID {
		t.Errorf("Record jobId = %q, want %q", record.JobID, job.ID)
	}
	if record.Domain != models.JobTypeGeneration {
		t.Errorf("Record domain = %s", record.Domain)
	}
}

func TestProcessRendersAndStoresDocument(t *testing.T) {
	env := newGenerationEnv(t)
	ctx := context.Background()

	record := models.NewDomainRecord("rec-gen", models.JobTypeGeneration, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	result, err := env.svc.Process(ctx, generationJob(map[string]interface{}{
		"recordId": "rec-gen",
		"content":  resumeMarkdown,
		"title":    "Jane Smith CV",
		"fileName": "jane.pdf",
	}))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if env.renderer.markdown != resumeMarkdown {
		t.Errorf("Renderer markdown = %q", env.renderer.markdown)
	}
	if env.renderer.title != "Jane Smith CV" {
		t.Errorf("Renderer title = %q", env.renderer.title)
	}

	storageKey, _ := result["storageKey"].(string)
	if !strings.HasPrefix(storageKey, "doc-") {
		t.Fatalf("Result storageKey = %q", storageKey)
	}
	doc, err := env.storage.Documents().GetDocument(ctx, storageKey)
	if err != nil {
		t.Fatalf("Rendered document should be stored: %v", err)
	}
	if doc.ContentType != "application/pdf" {
		t.Errorf("Document content type = %q", doc.ContentType)
	}
	if doc.Name != "jane.pdf" {
		t.Errorf("Document name = %q", doc.Name)
	}
	if doc.OwnerID != "owner-1" {
		t.Errorf("Document owner = %q", doc.OwnerID)
	}
	if string(doc.Data) != "%PDF-1.4 fake body" {
		t.Errorf("Document data = %q", doc.Data)
	}

	updated, _ := env.storage.Records().GetRecord(ctx, "rec-gen")
	if updated.Status != models.RecordStatusCompleted {
		t.Errorf("Record status = %s, want completed", updated.Status)
	}
	if key, _ := updated.Data["storageKey"].(string); key != storageKey {
		t.Errorf("Record storageKey = %q, want %q", key, storageKey)
	}
	if name, _ := updated.Data["renderer"].(string); name != "stub" {
		t.Errorf("Record renderer = %q", name)
	}
}

func TestProcessReadsSourceRecord(t *testing.T) {
	env := newGenerationEnv(t)
	ctx := context.Background()

	source := models.NewDomainRecord("rec-enh", models.JobTypeEnhancement, "cv-1", "owner-1")
	source.Status = models.RecordStatusCompleted
	source.Data["markdown"] = resumeMarkdown
	if err := env.storage.Records().SaveRecord(ctx, source); err != nil {
		t.Fatalf("Failed to save source record: %v", err)
	}
	record := models.NewDomainRecord("rec-gen2", models.JobTypeGeneration, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	_, err := env.svc.Process(ctx, generationJob(map[string]interface{}{
		"recordId":       "rec-gen2",
		"sourceRecordId": "rec-enh",
	}))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if env.renderer.markdown != resumeMarkdown {
		t.Errorf("Renderer should receive the source markdown, got %q", env.renderer.markdown)
	}
}

func TestProcessSourceNotReadyIsRetryable(t *testing.T) {
	env := newGenerationEnv(t)
	ctx := context.Background()

	source := models.NewDomainRecord("rec-pending", models.JobTypeEnhancement, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, source); err != nil {
		t.Fatalf("Failed to save source record: %v", err)
	}
	record := models.NewDomainRecord("rec-gen3", models.JobTypeGeneration, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	_, err := env.svc.Process(ctx, generationJob(map[string]interface{}{
		"recordId":       "rec-gen3",
		"sourceRecordId": "rec-pending",
	}))
	if !apperrors.Is(err, apperrors.KindInvalidState) {
		t.Fatalf("Expected invalid state for unfinished source, got %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("Waiting on the source record should be retryable")
	}
	if env.renderer.calls != 0 {
		t.Errorf("Renderer must not run without input, got %d calls", env.renderer.calls)
	}
}

func TestProcessRenderErrorPropagates(t *testing.T) {
	env := newGenerationEnv(t)
	ctx := context.Background()
	env.renderer.err = apperrors.New(apperrors.KindDomainFailure, "layout failed").WithRetryable(false)

	record := models.NewDomainRecord("rec-err", models.JobTypeGeneration, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	_, err := env.svc.Process(ctx, generationJob(map[string]interface{}{
		"recordId": "rec-err",
		"content":  resumeMarkdown,
	}))
	if !apperrors.Is(err, apperrors.KindDomainFailure) {
		t.Fatalf("Expected domain failure, got %v", err)
	}
	if apperrors.IsRetryable(err) {
		t.Error("Layout failures should not retry")
	}

	updated, _ := env.storage.Records().GetRecord(ctx, "rec-err")
	if updated.Status != models.RecordStatusPending {
		t.Errorf("Record must stay pending for the retry decision, got %s", updated.Status)
	}
}
