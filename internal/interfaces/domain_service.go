// -----------------------------------------------------------------------
// DomainService - Common shape of the résumé processing domains
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/ternarybob/cvforge/internal/models"
)

// SubmitRequest is a domain work submission from the API surface
type SubmitRequest struct {
	OwnerID    string
	EntityID   string // CV or document the work concerns
	ExternalID string // optional idempotency key
	Priority   models.JobPriority
	DelayMs    int64
	Payload    map[string]interface{}
}

// DomainService is implemented by each résumé processing domain: parsing,
// enhancement, evaluation, generation. Submit validates the request,
// writes the domain record and its job in one transaction, then enqueues.
// Process performs the work when a worker claims the job.
type DomainService interface {
	Domain() models.JobType
	Submit(ctx context.Context, req *SubmitRequest) (*models.Job, error)
	Process(ctx context.Context, job *models.Job) (map[string]interface{}, error)

	// OnFinalFailure settles the domain record after the job's retry
	// budget is exhausted.
	OnFinalFailure(ctx context.Context, job *models.Job, cause error)
}

// ProfileConnector imports an external developer profile
type ProfileConnector interface {
	TestConnection(ctx context.Context) error
	FetchProfile(ctx context.Context, username string) (*models.GitHubProfile, error)
}

// IntakeService watches an external source for résumés to parse
type IntakeService interface {
	Start() error
	Stop() error

	// PollOnce runs a single intake cycle. Returns the number of jobs
	// submitted.
	PollOnce(ctx context.Context) (int, error)
}
