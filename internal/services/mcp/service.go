// -----------------------------------------------------------------------
// JobToolService - Registry operations exposed as MCP tools
// -----------------------------------------------------------------------

package mcp

import (
	"context"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// JobToolService adapts the job registry for MCP clients. Operations
// stay registry-level: submissions land as plain jobs rather than
// domain submissions, so the binary runs without LLM credentials.
type JobToolService struct {
	jobs   interfaces.JobService
	logger arbor.ILogger
}

// NewJobToolService creates the MCP job tool service
func NewJobToolService(jobs interfaces.JobService, logger arbor.ILogger) *JobToolService {
	return &JobToolService{
		jobs:   jobs,
		logger: logger,
	}
}

// Status returns the current snapshot of one job
func (s *JobToolService) Status(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// Stats aggregates registry counters over the trailing activity window
func (s *JobToolService) Stats(ctx context.Context, days int) (*models.JobStats, error) {
	return s.jobs.Stats(ctx, days)
}

// SubmitRequest carries the submit_job tool arguments
type SubmitRequest struct {
	Type     string
	OwnerID  string
	EntityID string
	Priority string
	Payload  map[string]interface{}
}

// Submit creates and enqueues a registry job
func (s *JobToolService) Submit(ctx context.Context, req *SubmitRequest) (*models.Job, error) {
	priority, err := parsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	owner := req.OwnerID
	if owner == "" {
		owner = "mcp"
	}

	job, err := s.jobs.CreateJob(ctx, &interfaces.CreateJobRequest{
		Type:     models.JobType(strings.ToLower(strings.TrimSpace(req.Type))),
		OwnerID:  owner,
		EntityID: req.EntityID,
		Priority: priority,
		Payload:  req.Payload,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Msg("Job submitted via MCP")

	return job, nil
}

// Cancel requests cancellation and returns the updated job
func (s *JobToolService) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	if reason == "" {
		reason = "cancelled via mcp"
	}
	if err := s.jobs.CancelJob(ctx, jobID, reason); err != nil {
		return nil, err
	}
	return s.jobs.GetJob(ctx, jobID)
}

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
