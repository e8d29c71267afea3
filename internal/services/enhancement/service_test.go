package enhancement

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

// stubProvider captures the prompts it is handed and returns a canned
// rewrite or error.
type stubProvider struct {
	mu       sync.Mutex
	response string
	err      error
	system   string
	prompt   string
	calls    int
}

func (p *stubProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.system = system
	p.prompt = prompt
	if p.err != nil {
		return "", p.err
	}
	return p.response, nil
}

// stubConnector serves a fixed profile or error
type stubConnector struct {
	profile *models.GitHubProfile
	err     error
}

func (c *stubConnector) TestConnection(ctx context.Context) error { return c.err }

func (c *stubConnector) FetchProfile(ctx context.Context, username string) (*models.GitHubProfile, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.profile, nil
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

type enhancementEnv struct {
	svc      *Service
	storage  *badgerstore.Manager
	jobs     *stubJobs
	provider *stubProvider
	github   *stubConnector
}

func newEnhancementEnv(t *testing.T) *enhancementEnv {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	jobs := newStubJobs()
	provider := &stubProvider{response: "## Summary\n\nPolished summary.\n"}
	github := &stubConnector{}
	config := &common.ClaudeConfig{Timeout: "10s"}
	return &enhancementEnv{
		svc:      NewService(storage, jobs, provider, github, config, logger),
		storage:  storage,
		jobs:     jobs,
		provider: provider,
		github:   github,
	}
}

const inputResume = "## Summary\n\nEngineer who did things.\n\n## Experience\n\nWorked at Initech.\n"

func enhancementJob(payload map[string]interface{}) *models.Job {
	return &models.Job{
		ID:      "job-enh",
		Type:    models.JobTypeEnhancement,
		Payload: payload,
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newEnhancementEnv(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		payload map[string]interface{}
		kind    apperrors.Kind
	}{
		{"no input", map[string]interface{}{}, apperrors.KindValidationFailed},
		{"both inputs", map[string]interface{}{"content": "x", "sourceRecordId": "rec-1"}, apperrors.KindValidationFailed},
		{"bad tone", map[string]interface{}{"content": "x", "tone": "aggressive"}, apperrors.KindValidationFailed},
		{"bad length", map[string]interface{}{"content": "x", "length": "verbose"}, apperrors.KindValidationFailed},
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
	env := newEnhancementEnv(t)
	ctx := context.Background()

	job, err := env.svc.Submit(ctx, &interfaces.SubmitRequest{
		OwnerID:  "owner-1",
		EntityID: "cv-1",
		Payload:  map[string]interface{}{"content": inputResume},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	req := env.jobs.lastRequest()
	if tone, _ := req.Payload["tone"].(string); tone != ToneProfessional {
		t.Errorf("Default tone = %q, want %q", tone, ToneProfessional)
	}
	if length, _ := req.Payload["length"].(string); length != LengthSimilar {
		t.Errorf("Default length = %q, want %q", length, LengthSimilar)
	}

	recordID, _ := req.Payload["recordId"].(string)
	record, err := env.storage.Records().GetRecord(ctx, recordID)
	if err != nil {
		t.Fatalf("Domain record should be written with the job: %v", err)
	}
	if record.JobID != job.ID {
		t.Errorf("Record jobId = %q, want %q", record.JobID, job.ID)
	}
	if record.Domain != models.JobTypeEnhancement {
		t.Errorf("Record domain = %s", record.Domain)
	}
}

func TestProcessRewritesInlineContent(t *testing.T) {
	env := newEnhancementEnv(t)
	ctx := context.Background()

	record := models.NewDomainRecord("rec-enh", models.JobTypeEnhancement, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	result, err := env.svc.Process(ctx, enhancementJob(map[string]interface{}{
		"recordId":   "rec-enh",
		"content":    inputResume,
		"tone":       ToneConfident,
		"length":     LengthShorter,
		"targetRole": "platform engineer",
	}))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := result["enhanced"].(string); !strings.Contains(got, "Polished summary") {
		t.Errorf("Result should carry the rewrite, got %q", got)
	}
	if !strings.Contains(env.provider.system, "confident tone") {
		t.Errorf("System prompt should carry the tone, got %q", env.provider.system)
	}
	if !strings.Contains(env.provider.system, "two thirds") {
		t.Errorf("System prompt should carry the length target, got %q", env.provider.system)
	}
	if !strings.Contains(env.provider.system, "platform engineer") {
		t.Errorf("System prompt should carry the target role, got %q", env.provider.system)
	}
	if !strings.Contains(env.provider.prompt, "Worked at Initech") {
		t.Errorf("User prompt should carry the résumé, got %q", env.provider.prompt)
	}

	updated, _ := env.storage.Records().GetRecord(ctx, "rec-enh")
	if updated.Status != models.RecordStatusCompleted {
		t.Errorf("Record status = %s, want completed", updated.Status)
	}
	if markdown, _ := updated.Data["markdown"].(string); !strings.Contains(markdown, "Polished summary") {
		t.Error("Record should keep the enhanced markdown")
	}
}

func TestProcessReadsSourceRecord(t *testing.T) {
	env := newEnhancementEnv(t)
	ctx := context.Background()

	source := models.NewDomainRecord("rec-parse", models.JobTypeParsing, "cv-1", "owner-1")
	source.Status = models.RecordStatusCompleted
	source.Data["markdown"] = inputResume
	if err := env.storage.Records().SaveRecord(ctx, source); err != nil {
		t.Fatalf("Failed to save source record: %v", err)
	}
	record := models.NewDomainRecord("rec-enh2", models.JobTypeEnhancement, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	_, err := env.svc.Process(ctx, enhancementJob(map[string]interface{}{
		"recordId":       "rec-enh2",
		"sourceRecordId": "rec-parse",
		"tone":           ToneProfessional,
		"length":         LengthSimilar,
	}))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !strings.Contains(env.provider.prompt, "Worked at Initech") {
		t.Errorf("Prompt should carry the parsed markdown, got %q", env.provider.prompt)
	}
}

func TestProcessSourceNotReadyIsRetryable(t *testing.T) {
	env := newEnhancementEnv(t)
	ctx := context.Background()

	source := models.NewDomainRecord("rec-pending", models.JobTypeParsing, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, source); err != nil {
		t.Fatalf("Failed to save source record: %v", err)
	}
	record := models.NewDomainRecord("rec-enh3", models.JobTypeEnhancement, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	_, err := env.svc.Process(ctx, enhancementJob(map[string]interface{}{
		"recordId":       "rec-enh3",
		"sourceRecordId": "rec-pending",
	}))
	if !apperrors.Is(err, apperrors.KindInvalidState) {
		t.Fatalf("Expected invalid state for unparsed source, got %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("Waiting on the source parse should be retryable")
	}
}

func TestProcessMergesGitHubProfile(t *testing.T) {
	env := newEnhancementEnv(t)
	ctx := context.Background()
	env.github.profile = &models.GitHubProfile{
		Login:       "janedev",
		Name:        "Jane Smith",
		PublicRepos: 42,
		Followers:   120,
		Languages:   map[string]int{"Go": 18, "Rust": 3},
		Repos: []models.GitHubRepo{
			{Name: "queuex", Language: "Go", Stars: 890, Description: "Durable job queue"},
		},
	}

	record := models.NewDomainRecord("rec-gh", models.JobTypeEnhancement, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	result, err := env.svc.Process(ctx, enhancementJob(map[string]interface{}{
		"recordId":       "rec-gh",
		"content":        inputResume,
		"githubUsername": "janedev",
	}))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if imported := result["profileImported"].(bool); !imported {
		t.Error("Expected profileImported true")
	}
	if !strings.Contains(env.provider.prompt, "janedev") {
		t.Errorf("Prompt should carry the GitHub login, got %q", env.provider.prompt)
	}
	if !strings.Contains(env.provider.prompt, "queuex") {
		t.Errorf("Prompt should mention the top repository, got %q", env.provider.prompt)
	}
}

func TestProcessGitHubFailureIsBestEffort(t *testing.T) {
	env := newEnhancementEnv(t)
	ctx := context.Background()
	env.github.err = errors.New("api unreachable")

	record := models.NewDomainRecord("rec-gh2", models.JobTypeEnhancement, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	result, err := env.svc.Process(ctx, enhancementJob(map[string]interface{}{
		"recordId":       "rec-gh2",
		"content":        inputResume,
		"githubUsername": "janedev",
	}))
	if err != nil {
		t.Fatalf("A broken connector must not fail the rewrite: %v", err)
	}
	if imported := result["profileImported"].(bool); imported {
		t.Error("Expected profileImported false after connector failure")
	}
	if env.provider.calls != 1 {
		t.Errorf("Provider should still run once, got %d calls", env.provider.calls)
	}
}

func TestProcessProviderErrorPropagates(t *testing.T) {
	env := newEnhancementEnv(t)
	ctx := context.Background()
	env.provider.err = apperrors.New(apperrors.KindRateLimited, "claude rate limited")

	record := models.NewDomainRecord("rec-err", models.JobTypeEnhancement, "cv-1", "owner-1")
	if err := env.storage.Records().SaveRecord(ctx, record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	_, err := env.svc.Process(ctx, enhancementJob(map[string]interface{}{
		"recordId": "rec-err",
		"content":  inputResume,
	}))
	if !apperrors.Is(err, apperrors.KindRateLimited) {
		t.Fatalf("Expected rate limited error, got %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("Rate limiting should be retryable")
	}

	updated, _ := env.storage.Records().GetRecord(ctx, "rec-err")
	if updated.Status != models.RecordStatusPending {
		t.Errorf("Record must stay pending while the job retries, got %s", updated.Status)
	}
}

func TestClassifyClaudeError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      apperrors.Kind
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, apperrors.KindTimeout, true},
		{"rate limited", errors.New("429 Too Many Requests"), apperrors.KindRateLimited, true},
		{"overloaded", errors.New("overloaded_error: Overloaded"), apperrors.KindRateLimited, true},
		{"server error", errors.New("500 Internal Server Error"), apperrors.KindDomainFailure, true},
		{"bad request", errors.New("400 invalid_request_error"), apperrors.KindDomainFailure, false},
	}
	for _, tc := range cases {
		got := classifyClaudeError(tc.err)
		if !apperrors.Is(got, tc.kind) {
			t.Errorf("%s: kind = %v, want %s", tc.name, got, tc.kind)
		}
		if apperrors.IsRetryable(got) != tc.retryable {
			t.Errorf("%s: retryable = %v, want %v", tc.name, apperrors.IsRetryable(got), tc.retryable)
		}
	}
}
