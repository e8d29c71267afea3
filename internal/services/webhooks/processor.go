// -----------------------------------------------------------------------
// Processor - Executes webhook_delivery jobs against the dispatcher
// -----------------------------------------------------------------------

package webhooks

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// Processor bridges the worker runtime to the dispatcher. The job
// payload only carries the delivery id; everything else lives on the
// delivery record.
type Processor struct {
	dispatcher *Dispatcher
	logger     arbor.ILogger
}

func NewProcessor(dispatcher *Dispatcher, logger arbor.ILogger) *Processor {
	return &Processor{dispatcher: dispatcher, logger: logger}
}

func (p *Processor) Type() models.JobType {
	return models.JobTypeWebhookDelivery
}

func (p *Processor) Execute(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	deliveryID, _ := job.Payload["deliveryId"].(string)
	if deliveryID == "" {
		return nil, apperrors.New(apperrors.KindValidationFailed, "job payload carries no delivery id")
	}
	return p.dispatcher.AttemptDelivery(ctx, deliveryID)
}

// OnFinalFailure closes the delivery when its job budget ran out before
// an attempt could settle it, e.g. after repeated store failures.
func (p *Processor) OnFinalFailure(ctx context.Context, job *models.Job, cause error) {
	deliveryID, _ := job.Payload["deliveryId"].(string)
	if deliveryID == "" {
		return
	}
	delivery, err := p.dispatcher.storage.Webhooks().GetDelivery(ctx, deliveryID)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("delivery_id", deliveryID).
			Msg("Failed to load delivery for final settlement")
		return
	}
	if delivery.Terminal() {
		return
	}

	final := models.DeliveryExhausted
	if delivery.Status == models.DeliveryPending {
		final = models.DeliveryFailed
	}
	p.dispatcher.settle(ctx, delivery, final)
	p.logger.Warn().
		Str("delivery_id", deliveryID).
		Str("job_id", job.ID).
		Str("status", string(final)).
		Msg("Delivery settled after its job failed terminally")
}

var _ interfaces.Processor = (*Processor)(nil)
