// -----------------------------------------------------------------------
// Processor interfaces - Worker runtime and the units of work it runs
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/cvforge/internal/models"
)

// Processor executes jobs of one type. Execute returns the result map to
// persist on success; a returned error is classified for retry by the
// runtime. OnFinalFailure runs once when the retry budget is exhausted so
// the domain can settle its own records.
type Processor interface {
	Type() models.JobType
	Execute(ctx context.Context, job *models.Job) (map[string]interface{}, error)
	OnFinalFailure(ctx context.Context, job *models.Job, cause error)
}

// ConsumerState describes one channel's consumer pool at a point in time
type ConsumerState struct {
	Channel     string
	Concurrency int
	Running     int
	LastClaim   *time.Time
}

// WorkerRuntime binds processors to broker channels and drives them
type WorkerRuntime interface {
	// Register binds a processor to its channel. Fails if the channel
	// already has a processor or the processor is nil.
	Register(processor Processor) error

	Start() error

	// Stop drains consumers within the context deadline. A deadline
	// overrun returns an error so the caller can exit non-zero.
	Stop(ctx context.Context) error

	ConsumerStates() map[string]ConsumerState
}
