package workers

import (
	"context"

	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// ServiceProcessor adapts a domain service to the runtime's processor
// contract. Each domain service owns its Process semantics; this keeps
// the runtime ignorant of résumé domains.
type ServiceProcessor struct {
	service interfaces.DomainService
}

// NewServiceProcessor wraps a domain service for runtime registration
func NewServiceProcessor(service interfaces.DomainService) *ServiceProcessor {
	return &ServiceProcessor{service: service}
}

func (p *ServiceProcessor) Type() models.JobType {
	return p.service.Domain()
}

func (p *ServiceProcessor) Execute(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	return p.service.Process(ctx, job)
}

func (p *ServiceProcessor) OnFinalFailure(ctx context.Context, job *models.Job, cause error) {
	p.service.OnFinalFailure(ctx, job, cause)
}
