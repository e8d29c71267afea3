// -----------------------------------------------------------------------
// DomainHandler - REST surface shared by every processing domain
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// submitEnvelopeKeys are claimed by the submission envelope; everything
// else in the request body passes through as the domain payload.
var submitEnvelopeKeys = map[string]bool{
	"externalId": true,
	"cvId":       true,
	"priority":   true,
	"delayMs":    true,
}

// estimatedTimes are the rough wall-clock estimates surfaced on 202s
var estimatedTimes = map[models.JobType]string{
	models.JobTypeParsing:         "10s",
	models.JobTypeEnhancement:     "60s",
	models.JobTypeEvaluation:      "45s",
	models.JobTypeGeneration:      "20s",
	models.JobTypeWebhookDelivery: "5s",
}

// DomainHandler serves one domain's slice of the /v1 API: submission,
// status, result, cancel, retry, history and stats. The same handler
// shape backs all processing domains.
type DomainHandler struct {
	service interfaces.DomainService
	jobs    interfaces.JobService
	domain  models.JobType
	logger  arbor.ILogger
}

// NewDomainHandler builds the handler for one domain service
func NewDomainHandler(service interfaces.DomainService, jobs interfaces.JobService, logger arbor.ILogger) *DomainHandler {
	return &DomainHandler{
		service: service,
		jobs:    jobs,
		domain:  service.Domain(),
		logger:  logger,
	}
}

// NewDeliveryJobHandler serves the delivery-job slice of /v1/webhooks:
// status, history and stats for webhook_delivery jobs. Submission goes
// through the test-delivery endpoint instead.
func NewDeliveryJobHandler(jobs interfaces.JobService, logger arbor.ILogger) *DomainHandler {
	return &DomainHandler{
		jobs:   jobs,
		domain: models.JobTypeWebhookDelivery,
		logger: logger,
	}
}

// Domain returns the job type this handler serves
func (h *DomainHandler) Domain() models.JobType {
	return h.domain
}

// SubmitHandler accepts a work submission and returns 202 with the job
// reference.
// POST /v1/{domain}
func (h *DomainHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, apperrors.Wrap(err, apperrors.KindValidationFailed, "request body is not valid JSON"))
		return
	}

	req := &interfaces.SubmitRequest{
		OwnerID: Owner(r),
		Payload: make(map[string]interface{}),
	}
	if req.OwnerID == "" {
		req.OwnerID = "anonymous"
	}

	for key, value := range body {
		if !submitEnvelopeKeys[key] {
			req.Payload[key] = value
			continue
		}
		switch key {
		case "externalId":
			req.ExternalID, _ = value.(string)
		case "cvId":
			req.EntityID, _ = value.(string)
		case "priority":
			raw, _ := value.(string)
			priority, err := parsePriority(raw)
			if err != nil {
				WriteError(w, err)
				return
			}
			req.Priority = priority
		case "delayMs":
			if ms, ok := value.(float64); ok && ms > 0 {
				req.DelayMs = int64(ms)
			}
		}
	}

	job, err := h.service.Submit(r.Context(), req)
	if err != nil {
		h.logSubmitFailure(err)
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":         job.ID,
		"status":        job.Status,
		"queuedAt":      job.CreatedAt,
		"estimatedTime": estimatedTimes[h.domain],
		"_links":        h.links(job.ID),
	})
}

// StatusHandler returns a job's lifecycle snapshot.
// GET /v1/{domain}/{jobId}
func (h *DomainHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, h.snapshot(job))
}

// ResultHandler returns the result of a completed job. Anything short of
// completed renders a conflict so pollers can tell "not yet" from "never".
// GET /v1/{domain}/{jobId}/result
func (h *DomainHandler) ResultHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if job.Status != models.JobStatusCompleted {
		err := apperrors.Newf(apperrors.KindInvalidState, "job %s is %s, result requires completed", job.ID, job.Status).
			WithCode("RESULT_NOT_READY").
			WithContext("jobId", job.ID).
			WithMetadata("status", string(job.Status))
		if job.Error != nil {
			err = err.WithMetadata("jobError", job.Error)
		}
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":       job.ID,
		"status":      job.Status,
		"result":      job.Result,
		"completedAt": job.CompletedAt,
	})
}

// CancelHandler requests cooperative cancellation.
// POST /v1/{domain}/{jobId}/cancel
func (h *DomainHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	reason := ""
	if r.Body != nil {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			reason = body.Reason
		}
	}

	if err := h.jobs.CancelJob(r.Context(), job.ID, reason); err != nil {
		WriteError(w, err)
		return
	}

	cancelled, err := h.jobs.FindJob(r.Context(), job.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.snapshot(cancelled))
}

// RetryHandler re-enqueues a failed or cancelled job.
// POST /v1/{domain}/{jobId}/retry
func (h *DomainHandler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	retried, err := h.jobs.RetryJob(r.Context(), job.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, h.snapshot(retried))
}

// HistoryHandler lists this domain's jobs, newest first by default.
// GET /v1/{domain}/history?page=1&limit=20&status=&cvId=&sort=-createdAt
func (h *DomainHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	page := QueryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := QueryInt(r, "limit", defaultHistoryLimit)
	if limit < 1 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	opts := &interfaces.JobListOptions{
		Type:    h.domain,
		OwnerID: Owner(r),
		Limit:   limit,
		Offset:  (page - 1) * limit,
	}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = models.JobStatus(status)
	}
	if cvID := r.URL.Query().Get("cvId"); cvID != "" {
		opts.EntityID = cvID
	}
	if jobType := r.URL.Query().Get("type"); jobType != "" && jobType != string(h.domain) {
		WriteError(w, apperrors.Newf(apperrors.KindValidationFailed, "type %q does not match this endpoint", jobType))
		return
	}
	if err := applySort(opts, r.URL.Query().Get("sort")); err != nil {
		WriteError(w, err)
		return
	}

	jobs, total, err := h.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		WriteError(w, err)
		return
	}

	snapshots := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		snapshots = append(snapshots, h.snapshot(job))
	}

	totalPages := total / limit
	if total%limit > 0 {
		totalPages++
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": snapshots,
		"pagination": map[string]int{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": totalPages,
		},
	})
}

// StatsHandler returns registry-wide counters with activity buckets.
// GET /v1/{domain}/stats
func (h *DomainHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	days := QueryInt(r, "days", 7)
	if days < 1 || days > 90 {
		days = 7
	}
	stats, err := h.jobs.Stats(r.Context(), days)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// loadJob resolves the path's job id, scoped to this domain and the
// caller's owner header. A job of another domain is reported as absent
// rather than forbidden.
func (h *DomainHandler) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID := PathSegment(r, 2)
	if jobID == "" {
		WriteError(w, apperrors.New(apperrors.KindValidationFailed, "job id is required"))
		return nil, false
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	if job.Type != h.domain {
		WriteError(w, apperrors.Newf(apperrors.KindNotFound, "job %s not found", jobID).
			WithContext("jobId", jobID))
		return nil, false
	}
	if owner := Owner(r); owner != "" && job.OwnerID != owner {
		WriteError(w, apperrors.Newf(apperrors.KindForbidden, "job %s belongs to another owner", jobID).
			WithContext("jobId", jobID))
		return nil, false
	}
	return job, true
}

// snapshot renders a job for the API. The result stays off the status
// surface; clients fetch it through /result once completed.
func (h *DomainHandler) snapshot(job *models.Job) map[string]interface{} {
	snap := map[string]interface{}{
		"jobId":      job.ID,
		"type":       job.Type,
		"status":     job.Status,
		"priority":   job.Priority,
		"progress":   job.Progress,
		"retryCount": job.RetryCount,
		"maxRetries": job.MaxRetries,
		"ownerId":    job.OwnerID,
		"createdAt":  job.CreatedAt,
		"updatedAt":  job.UpdatedAt,
		"_links":     h.links(job.ID),
	}
	if job.CurrentStep != "" {
		snap["currentStep"] = job.CurrentStep
	}
	if job.TotalSteps > 0 {
		snap["totalSteps"] = job.TotalSteps
	}
	if job.ExternalID != "" {
		snap["externalId"] = job.ExternalID
	}
	if job.RelatedEntityID != "" {
		snap["cvId"] = job.RelatedEntityID
	}
	if job.StartedAt != nil {
		snap["startedAt"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		snap["completedAt"] = job.CompletedAt
	}
	if job.NextRetryAt != nil {
		snap["nextRetryAt"] = job.NextRetryAt
	}
	if job.Error != nil {
		snap["error"] = job.Error
	}
	return snap
}

func (h *DomainHandler) links(jobID string) map[string]string {
	base := fmt.Sprintf("/v1/%s/%s", h.domain, jobID)
	return map[string]string{
		"self":   base,
		"result": base + "/result",
		"cancel": base + "/cancel",
	}
}

func (h *DomainHandler) logSubmitFailure(err error) {
	if apperrors.Is(err, apperrors.KindValidationFailed) {
		return
	}
	if apperrors.AlreadyLogged(err) {
		return
	}
	h.logger.Warn().
		Err(err).
		Str("domain", string(h.domain)).
		Msg("Submission failed")
	apperrors.MarkLogged(err)
}

// parsePriority validates a submission priority. Empty means the
// service default.
func parsePriority(raw string) (models.JobPriority, error) {
	if raw == "" {
		return "", nil
	}
	priority := models.JobPriority(strings.ToLower(raw))
	switch priority {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent, models.PriorityCritical:
		return priority, nil
	}
	return "", apperrors.Newf(apperrors.KindValidationFailed, "unknown priority %q", raw).
		WithCode("INVALID_PRIORITY")
}

// applySort maps the sort query parameter onto list options. A leading
// "-" selects descending order; the registry defaults to newest first.
func applySort(opts *interfaces.JobListOptions, sort string) error {
	if sort == "" {
		return nil
	}
	field := sort
	asc := true
	if strings.HasPrefix(sort, "-") {
		field = sort[1:]
		asc = false
	}
	switch field {
	case "createdAt", "updatedAt":
		opts.SortField = field
		opts.SortAsc = asc
		return nil
	}
	return apperrors.Newf(apperrors.KindValidationFailed, "unknown sort field %q", field).
		WithCode("INVALID_SORT")
}
