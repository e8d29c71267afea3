package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
	"github.com/ternarybob/cvforge/internal/queue"
	"github.com/ternarybob/cvforge/internal/services/events"
	jobsvc "github.com/ternarybob/cvforge/internal/services/jobs"
	badgerstore "github.com/ternarybob/cvforge/internal/storage/badger"
)

// stubDomainService records submissions and creates real registry jobs,
// so handler tests exercise genuine job records end to end.
type stubDomainService struct {
	jobs interfaces.JobService

	mu        sync.Mutex
	requests  []*interfaces.SubmitRequest
	submitErr error
}

var _ interfaces.DomainService = (*stubDomainService)(nil)

func (s *stubDomainService) Domain() models.JobType {
	return models.JobTypeParsing
}

func (s *stubDomainService) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*models.Job, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	err := s.submitErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.jobs.CreateJob(ctx, &interfaces.CreateJobRequest{
		Type:       models.JobTypeParsing,
		OwnerID:    req.OwnerID,
		EntityID:   req.EntityID,
		ExternalID: req.ExternalID,
		Priority:   req.Priority,
		DelayMs:    req.DelayMs,
		Payload:    req.Payload,
	})
}

func (s *stubDomainService) Process(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	return nil, nil
}

func (s *stubDomainService) OnFinalFailure(ctx context.Context, job *models.Job, cause error) {}

func (s *stubDomainService) submitted(t *testing.T, n int) []*interfaces.SubmitRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) != n {
		t.Fatalf("Expected %d submissions, got %d", n, len(s.requests))
	}
	return s.requests
}

type handlerEnv struct {
	logger  arbor.ILogger
	storage *badgerstore.Manager
	bus     interfaces.EventService
	jobs    *jobsvc.Service
	domain  *stubDomainService
	handler *DomainHandler
}

func testQueueConfig() *common.QueueConfig {
	return &common.QueueConfig{
		PollInterval:    "50ms",
		LockDuration:    "500ms",
		MaxStalledCount: 2,
		Channels: map[string]common.ChannelConfig{
			"parsing":          {Concurrency: 1},
			"enhancement":      {Concurrency: 1},
			"webhook_delivery": {Concurrency: 1},
		},
	}
}

func testJobsConfig() *common.JobsConfig {
	return &common.JobsConfig{
		DefaultMaxRetries:    2,
		RetryBackoffBase:     "20ms",
		RetryBackoffCeiling:  "200ms",
		RetryBackoffFactor:   2,
		CleanupDays:          30,
		CleanupMinDays:       7,
		PendingSweepInterval: "1h",
		PendingSweepAge:      "20ms",
		RemoveOnComplete:     10,
		RemoveOnFailAge:      "168h",
	}
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	broker, err := queue.NewBroker(storage.DB().Raw(), testQueueConfig(), logger)
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}
	if err := broker.Start(); err != nil {
		t.Fatalf("Failed to start broker: %v", err)
	}
	t.Cleanup(func() { broker.Stop() })

	bus := events.NewService(logger)
	t.Cleanup(bus.Close)

	jobService := jobsvc.NewService(storage, broker, bus, testJobsConfig(), logger)
	domain := &stubDomainService{jobs: jobService}
	return &handlerEnv{
		logger:  logger,
		storage: storage,
		bus:     bus,
		jobs:    jobService,
		domain:  domain,
		handler: NewDomainHandler(domain, jobService, logger),
	}
}

func (env *handlerEnv) createJob(t *testing.T, owner string, jobType models.JobType, entityID string) *models.Job {
	t.Helper()
	job, err := env.jobs.CreateJob(context.Background(), &interfaces.CreateJobRequest{
		Type:     jobType,
		OwnerID:  owner,
		EntityID: entityID,
		Payload:  map[string]interface{}{"content": "raw text"},
	})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	return job
}

func (env *handlerEnv) completeJob(t *testing.T, jobID string, result map[string]interface{}) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing, nil); err != nil {
		t.Fatalf("Failed to move job to processing: %v", err)
	}
	if err := env.jobs.CompleteJob(ctx, jobID, result); err != nil {
		t.Fatalf("Failed to complete job: %v", err)
	}
}

func (env *handlerEnv) failJob(t *testing.T, jobID string, cause string) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing, nil); err != nil {
		t.Fatalf("Failed to move job to processing: %v", err)
	}
	if err := env.jobs.FailJob(ctx, jobID, errors.New(cause)); err != nil {
		t.Fatalf("Failed to fail job: %v", err)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

// errorField unwraps the error envelope and fails if the response does
// not carry one
func errorField(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	body := decodeBody(t, rec)
	if success, ok := body["success"].(bool); !ok || success {
		t.Fatalf("Expected success=false envelope, got %v", body)
	}
	errBody, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected error object, got %v", body["error"])
	}
	if errBody["timestamp"] == nil {
		t.Error("Expected error timestamp")
	}
	return errBody
}

func TestSubmitHandler_Accepted(t *testing.T) {
	env := newHandlerEnv(t)

	payload := `{"content":"raw resume text","fileType":"markdown","cvId":"cv-42","externalId":"ext-1","priority":"high","delayMs":250}`
	req := httptest.NewRequest("POST", "/v1/parsing", strings.NewReader(payload))
	req.Header.Set(OwnerHeader, "user-1")
	rec := httptest.NewRecorder()

	env.handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	jobID, _ := body["jobId"].(string)
	if jobID == "" {
		t.Fatal("Expected a job id")
	}
	if body["status"] != "queued" {
		t.Errorf("Expected status queued, got %v", body["status"])
	}
	if body["queuedAt"] == nil {
		t.Error("Expected queuedAt")
	}
	if body["estimatedTime"] != "10s" {
		t.Errorf("Expected estimatedTime 10s, got %v", body["estimatedTime"])
	}
	links, ok := body["_links"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected _links, got %v", body["_links"])
	}
	if links["self"] != "/v1/parsing/"+jobID {
		t.Errorf("Unexpected self link: %v", links["self"])
	}

	submitted := env.domain.submitted(t, 1)[0]
	if submitted.OwnerID != "user-1" {
		t.Errorf("Expected owner user-1, got %s", submitted.OwnerID)
	}
	if submitted.EntityID != "cv-42" {
		t.Errorf("Expected entity cv-42, got %s", submitted.EntityID)
	}
	if submitted.ExternalID != "ext-1" {
		t.Errorf("Expected external id ext-1, got %s", submitted.ExternalID)
	}
	if submitted.Priority != models.PriorityHigh {
		t.Errorf("Expected high priority, got %s", submitted.Priority)
	}
	if submitted.DelayMs != 250 {
		t.Errorf("Expected delay 250ms, got %d", submitted.DelayMs)
	}
	if submitted.Payload["content"] != "raw resume text" {
		t.Errorf("Expected content in payload, got %v", submitted.Payload["content"])
	}
	if submitted.Payload["fileType"] != "markdown" {
		t.Errorf("Expected fileType in payload, got %v", submitted.Payload["fileType"])
	}
	for _, claimed := range []string{"externalId", "cvId", "priority", "delayMs"} {
		if _, found := submitted.Payload[claimed]; found {
			t.Errorf("Envelope key %q leaked into the payload", claimed)
		}
	}
}

func TestSubmitHandler_DefaultOwner(t *testing.T) {
	env := newHandlerEnv(t)

	req := httptest.NewRequest("POST", "/v1/parsing", strings.NewReader(`{"content":"text"}`))
	rec := httptest.NewRecorder()
	env.handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rec.Code)
	}
	if owner := env.domain.submitted(t, 1)[0].OwnerID; owner != "anonymous" {
		t.Errorf("Expected anonymous owner, got %s", owner)
	}
}

func TestSubmitHandler_InvalidPriority(t *testing.T) {
	env := newHandlerEnv(t)

	req := httptest.NewRequest("POST", "/v1/parsing", strings.NewReader(`{"content":"text","priority":"eventually"}`))
	rec := httptest.NewRecorder()
	env.handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	errBody := errorField(t, rec)
	if errBody["code"] != "INVALID_PRIORITY" {
		t.Errorf("Expected code INVALID_PRIORITY, got %v", errBody["code"])
	}
	env.domain.submitted(t, 0)
}

func TestSubmitHandler_MalformedBody(t *testing.T) {
	env := newHandlerEnv(t)

	req := httptest.NewRequest("POST", "/v1/parsing", strings.NewReader(`{"content":`))
	rec := httptest.NewRecorder()
	env.handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	errBody := errorField(t, rec)
	if errBody["code"] != "VALIDATION_FAILED" {
		t.Errorf("Expected code VALIDATION_FAILED, got %v", errBody["code"])
	}
}

func TestSubmitHandler_MethodNotAllowed(t *testing.T) {
	env := newHandlerEnv(t)

	req := httptest.NewRequest("GET", "/v1/parsing", nil)
	rec := httptest.NewRecorder()
	env.handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected status 405, got %d", rec.Code)
	}
	errBody := errorField(t, rec)
	if errBody["code"] != "METHOD_NOT_ALLOWED" {
		t.Errorf("Expected code METHOD_NOT_ALLOWED, got %v", errBody["code"])
	}
}

func TestStatusHandler_Snapshot(t *testing.T) {
	env := newHandlerEnv(t)
	job := env.createJob(t, "user-1", models.JobTypeParsing, "cv-7")

	req := httptest.NewRequest("GET", "/v1/parsing/"+job.ID, nil)
	rec := httptest.NewRecorder()
	env.handler.StatusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["jobId"] != job.ID {
		t.Errorf("Expected jobId %s, got %v", job.ID, body["jobId"])
	}
	if body["type"] != "parsing" {
		t.Errorf("Expected type parsing, got %v", body["type"])
	}
	if body["status"] != "queued" {
		t.Errorf("Expected status queued, got %v", body["status"])
	}
	if body["ownerId"] != "user-1" {
		t.Errorf("Expected ownerId user-1, got %v", body["ownerId"])
	}
	if body["cvId"] != "cv-7" {
		t.Errorf("Expected cvId cv-7, got %v", body["cvId"])
	}
	if body["priority"] != "normal" {
		t.Errorf("Expected normal priority, got %v", body["priority"])
	}
	if progress, _ := body["progress"].(float64); progress != 0 {
		t.Errorf("Expected progress 0, got %v", body["progress"])
	}
	if _, found := body["result"]; found {
		t.Error("The status snapshot must not carry the result")
	}
	links := body["_links"].(map[string]interface{})
	if links["cancel"] != "/v1/parsing/"+job.ID+"/cancel" {
		t.Errorf("Unexpected cancel link: %v", links["cancel"])
	}
}

func TestStatusHandler_OwnerScope(t *testing.T) {
	env := newHandlerEnv(t)
	job := env.createJob(t, "user-1", models.JobTypeParsing, "")

	// Another owner's scope hides the job behind a 403
	req := httptest.NewRequest("GET", "/v1/parsing/"+job.ID, nil)
	req.Header.Set(OwnerHeader, "user-2")
	rec := httptest.NewRecorder()
	env.handler.StatusHandler(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if errBody := errorField(t, rec); errBody["code"] != "FORBIDDEN" {
		t.Errorf("Expected code FORBIDDEN, got %v", errBody["code"])
	}

	// The owning scope and the unscoped request both see it
	req = httptest.NewRequest("GET", "/v1/parsing/"+job.ID, nil)
	req.Header.Set(OwnerHeader, "user-1")
	rec = httptest.NewRecorder()
	env.handler.StatusHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 for the owner, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/v1/parsing/"+job.ID, nil)
	rec = httptest.NewRecorder()
	env.handler.StatusHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 unscoped, got %d", rec.Code)
	}
}

func TestStatusHandler_WrongDomain(t *testing.T) {
	env := newHandlerEnv(t)
	job := env.createJob(t, "user-1", models.JobTypeEnhancement, "")

	req := httptest.NewRequest("GET", "/v1/parsing/"+job.ID, nil)
	rec := httptest.NewRecorder()
	env.handler.StatusHandler(rec, req)

	// A job of another domain reads as absent, not forbidden
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", rec.Code)
	}
}

func TestStatusHandler_UnknownJob(t *testing.T) {
	env := newHandlerEnv(t)

	req := httptest.NewRequest("GET", "/v1/parsing/job-missing", nil)
	rec := httptest.NewRecorder()
	env.handler.StatusHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", rec.Code)
	}
	if errBody := errorField(t, rec); errBody["code"] != "NOT_FOUND" {
		t.Errorf("Expected code NOT_FOUND, got %v", errBody["code"])
	}
}

func TestResultHandler_NotReady(t *testing.T) {
	env := newHandlerEnv(t)
	job := env.createJob(t, "user-1", models.JobTypeParsing, "")

	req := httptest.NewRequest("GET", "/v1/parsing/"+job.ID+"/result", nil)
	rec := httptest.NewRecorder()
	env.handler.ResultHandler(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", rec.Code)
	}
	errBody := errorField(t, rec)
	if errBody["code"] != "RESULT_NOT_READY" {
		t.Errorf("Expected code RESULT_NOT_READY, got %v", errBody["code"])
	}
	metadata, _ := errBody["metadata"].(map[string]interface{})
	if metadata["status"] != "queued" {
		t.Errorf("Expected metadata status queued, got %v", metadata["status"])
	}
}

func TestResultHandler_Completed(t *testing.T) {
	env := newHandlerEnv(t)
	job := env.createJob(t, "user-1", models.JobTypeParsing, "cv-7")
	env.completeJob(t, job.ID, map[string]interface{}{"cvId": "cv-7", "confidence": 0.92})

	req := httptest.NewRequest("GET", "/v1/parsing/"+job.ID+"/result", nil)
	rec := httptest.NewRecorder()
	env.handler.ResultHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "completed" {
		t.Errorf("Expected status completed, got %v", body["status"])
	}
	result, ok := body["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected result object, got %v", body["result"])
	}
	if result["cvId"] != "cv-7" {
		t.Errorf("Expected result cvId cv-7, got %v", result["cvId"])
	}
	if body["completedAt"] == nil {
		t.Error("Expected completedAt")
	}
}

func TestCancelHandler_CancelsQueuedJob(t *testing.T) {
	env := newHandlerEnv(t)
	job := env.createJob(t, "user-1", models.JobTypeParsing, "")

	req := httptest.NewRequest("POST", "/v1/parsing/"+job.ID+"/cancel", strings.NewReader(`{"reason":"user request"}`))
	rec := httptest.NewRecorder()
	env.handler.CancelHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "cancelled" {
		t.Errorf("Expected status cancelled, got %v", body["status"])
	}
	jobErr, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected cancellation reason in error, got %v", body["error"])
	}
	if jobErr["code"] != "CANCELLED" {
		t.Errorf("Expected error code CANCELLED, got %v", jobErr["code"])
	}
	if jobErr["message"] != "user request" {
		t.Errorf("Expected reason in message, got %v", jobErr["message"])
	}

	// Cancelling again reports the settled snapshot without error
	req = httptest.NewRequest("POST", "/v1/parsing/"+job.ID+"/cancel", nil)
	rec = httptest.NewRecorder()
	env.handler.CancelHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected repeat cancel to return 200, got %d", rec.Code)
	}
}

func TestCancelHandler_CompletedJobConflicts(t *testing.T) {
	env := newHandlerEnv(t)
	job := env.createJob(t, "user-1", models.JobTypeParsing, "")
	env.completeJob(t, job.ID, map[string]interface{}{"ok": true})

	req := httptest.NewRequest("POST", "/v1/parsing/"+job.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	env.handler.CancelHandler(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", rec.Code)
	}
	if errBody := errorField(t, rec); errBody["code"] != "INVALID_STATE" {
		t.Errorf("Expected code INVALID_STATE, got %v", errBody["code"])
	}
}

func TestRetryHandler_RequeuesFailedJob(t *testing.T) {
	env := newHandlerEnv(t)
	job := env.createJob(t, "user-1", models.JobTypeParsing, "")
	env.failJob(t, job.ID, "parser crashed")

	req := httptest.NewRequest("POST", "/v1/parsing/"+job.ID+"/retry", nil)
	rec := httptest.NewRecorder()
	env.handler.RetryHandler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "queued" {
		t.Errorf("Expected status queued after retry, got %v", body["status"])
	}
	if retries, _ := body["retryCount"].(float64); retries != 1 {
		t.Errorf("Expected retryCount 1, got %v", body["retryCount"])
	}
}

func TestRetryHandler_QueuedJobConflicts(t *testing.T) {
	env := newHandlerEnv(t)
	job := env.createJob(t, "user-1", models.JobTypeParsing, "")

	req := httptest.NewRequest("POST", "/v1/parsing/"+job.ID+"/retry", nil)
	rec := httptest.NewRecorder()
	env.handler.RetryHandler(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", rec.Code)
	}
}

func TestHistoryHandler_PaginatesOwnerScope(t *testing.T) {
	env := newHandlerEnv(t)
	for i := 0; i < 5; i++ {
		env.createJob(t, "user-1", models.JobTypeParsing, "")
	}
	env.createJob(t, "user-2", models.JobTypeParsing, "")
	env.createJob(t, "user-1", models.JobTypeEnhancement, "")

	req := httptest.NewRequest("GET", "/v1/parsing/history?limit=2&page=2", nil)
	req.Header.Set(OwnerHeader, "user-1")
	rec := httptest.NewRecorder()
	env.handler.HistoryHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	pagination, ok := body["pagination"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected pagination, got %v", body["pagination"])
	}
	if total, _ := pagination["total"].(float64); total != 5 {
		t.Errorf("Expected total 5, got %v", pagination["total"])
	}
	if pages, _ := pagination["totalPages"].(float64); pages != 3 {
		t.Errorf("Expected totalPages 3, got %v", pagination["totalPages"])
	}
	if page, _ := pagination["page"].(float64); page != 2 {
		t.Errorf("Expected page 2, got %v", pagination["page"])
	}

	listed, ok := body["jobs"].([]interface{})
	if !ok || len(listed) != 2 {
		t.Fatalf("Expected 2 jobs on page 2, got %v", body["jobs"])
	}
	for _, item := range listed {
		snap := item.(map[string]interface{})
		if snap["ownerId"] != "user-1" {
			t.Errorf("Job %v leaked across owner scope", snap["jobId"])
		}
		if snap["type"] != "parsing" {
			t.Errorf("Job %v leaked across domains", snap["jobId"])
		}
	}

	// Unscoped listing sees both owners
	req = httptest.NewRequest("GET", "/v1/parsing/history", nil)
	rec = httptest.NewRecorder()
	env.handler.HistoryHandler(rec, req)
	body = decodeBody(t, rec)
	pagination = body["pagination"].(map[string]interface{})
	if total, _ := pagination["total"].(float64); total != 6 {
		t.Errorf("Expected unscoped total 6, got %v", pagination["total"])
	}
}

func TestHistoryHandler_Filters(t *testing.T) {
	env := newHandlerEnv(t)
	first := env.createJob(t, "user-1", models.JobTypeParsing, "cv-1")
	env.createJob(t, "user-1", models.JobTypeParsing, "cv-2")
	failed := env.createJob(t, "user-1", models.JobTypeParsing, "cv-3")
	env.failJob(t, failed.ID, "boom")

	req := httptest.NewRequest("GET", "/v1/parsing/history?status=failed", nil)
	rec := httptest.NewRecorder()
	env.handler.HistoryHandler(rec, req)
	body := decodeBody(t, rec)
	listed := body["jobs"].([]interface{})
	if len(listed) != 1 {
		t.Fatalf("Expected 1 failed job, got %d", len(listed))
	}
	if snap := listed[0].(map[string]interface{}); snap["jobId"] != failed.ID {
		t.Errorf("Expected job %s, got %v", failed.ID, snap["jobId"])
	}

	req = httptest.NewRequest("GET", "/v1/parsing/history?cvId=cv-1", nil)
	rec = httptest.NewRecorder()
	env.handler.HistoryHandler(rec, req)
	body = decodeBody(t, rec)
	listed = body["jobs"].([]interface{})
	if len(listed) != 1 {
		t.Fatalf("Expected 1 job for cv-1, got %d", len(listed))
	}
	if snap := listed[0].(map[string]interface{}); snap["jobId"] != first.ID {
		t.Errorf("Expected job %s, got %v", first.ID, snap["jobId"])
	}
}

func TestHistoryHandler_SortAndValidation(t *testing.T) {
	env := newHandlerEnv(t)
	first := env.createJob(t, "user-1", models.JobTypeParsing, "")
	second := env.createJob(t, "user-1", models.JobTypeParsing, "")

	req := httptest.NewRequest("GET", "/v1/parsing/history?sort=createdAt", nil)
	rec := httptest.NewRecorder()
	env.handler.HistoryHandler(rec, req)
	body := decodeBody(t, rec)
	listed := body["jobs"].([]interface{})
	if len(listed) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(listed))
	}
	if snap := listed[0].(map[string]interface{}); snap["jobId"] != first.ID {
		t.Errorf("Expected oldest first with ascending sort, got %v", snap["jobId"])
	}

	req = httptest.NewRequest("GET", "/v1/parsing/history?sort=-createdAt", nil)
	rec = httptest.NewRecorder()
	env.handler.HistoryHandler(rec, req)
	body = decodeBody(t, rec)
	listed = body["jobs"].([]interface{})
	if snap := listed[0].(map[string]interface{}); snap["jobId"] != second.ID {
		t.Errorf("Expected newest first with descending sort, got %v", snap["jobId"])
	}

	req = httptest.NewRequest("GET", "/v1/parsing/history?sort=priority", nil)
	rec = httptest.NewRecorder()
	env.handler.HistoryHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400 for unknown sort, got %d", rec.Code)
	}
	if errBody := errorField(t, rec); errBody["code"] != "INVALID_SORT" {
		t.Errorf("Expected code INVALID_SORT, got %v", errBody["code"])
	}

	req = httptest.NewRequest("GET", "/v1/parsing/history?type=enhancement", nil)
	rec = httptest.NewRecorder()
	env.handler.HistoryHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400 for mismatched type, got %d", rec.Code)
	}
}

func TestStatsHandler_ReturnsCounters(t *testing.T) {
	env := newHandlerEnv(t)
	env.createJob(t, "user-1", models.JobTypeParsing, "")
	env.createJob(t, "user-2", models.JobTypeParsing, "")

	req := httptest.NewRequest("GET", "/v1/parsing/stats", nil)
	rec := httptest.NewRecorder()
	env.handler.StatsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if total, _ := body["total"].(float64); total < 2 {
		t.Errorf("Expected total >= 2, got %v", body["total"])
	}
	byStatus, ok := body["byStatus"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected byStatus, got %v", body["byStatus"])
	}
	if queued, _ := byStatus["queued"].(float64); queued < 2 {
		t.Errorf("Expected 2 queued jobs, got %v", byStatus["queued"])
	}
	if body["timestamp"] == nil {
		t.Error("Expected stats timestamp")
	}
}
