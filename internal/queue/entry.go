// -----------------------------------------------------------------------
// Entry - One unit of deliverable work inside a broker channel
// -----------------------------------------------------------------------

package queue

import (
	"time"

	"github.com/ternarybob/cvforge/internal/models"
)

// EntryState is where an entry sits inside its channel
type EntryState string

const (
	// StateReady - indexed for delivery; delayed until VisibleAt passes
	StateReady EntryState = "ready"
	// StateActive - claimed by a consumer holding a lock
	StateActive EntryState = "active"
	// StateCompleted - acked and retained per remove-on-complete
	StateCompleted EntryState = "completed"
	// StateFailed - dead-lettered after exhausting attempts or stalls
	StateFailed EntryState = "failed"
)

// Entry is the durable broker record for one job. The job id doubles as
// the entry key, so a job has at most one live entry per channel and
// re-enqueueing is naturally idempotent.
type Entry struct {
	JobID   string                 `json:"jobId"`
	Channel string                 `json:"channel"`
	Payload map[string]interface{} `json:"payload,omitempty"`

	Priority    int                `json:"priority"` // rank; smaller is served first
	MaxAttempts int                `json:"maxAttempts"`
	BackoffKind models.BackoffKind `json:"backoffKind"`
	BackoffBase time.Duration      `json:"backoffBase"`

	// Retention rules applied once the entry finishes
	RemoveOnComplete int           `json:"removeOnComplete"`
	RemoveOnFailAge  time.Duration `json:"removeOnFailAge"`

	State       EntryState `json:"state"`
	Attempts    int        `json:"attempts"` // deliveries so far
	Stalls      int        `json:"stalls"`   // reclaims after lock expiry
	LastError   string     `json:"lastError,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	VisibleAt   time.Time  `json:"visibleAt"`
	LockedUntil time.Time  `json:"lockedUntil,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// NewEntry builds a ready entry from a job. The delay shifts VisibleAt
// into the future; attempts budget is retries plus the first delivery.
func NewEntry(job *models.Job, delay time.Duration) *Entry {
	now := time.Now()
	if delay < 0 {
		delay = 0
	}

	backoffBase := time.Duration(job.QueueOptions.BackoffBaseMs) * time.Millisecond
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	backoffKind := job.QueueOptions.BackoffKind
	if backoffKind == "" {
		backoffKind = models.BackoffExponential
	}

	removeOnFailAge := 7 * 24 * time.Hour
	if job.QueueOptions.RemoveOnFailAge != "" {
		if parsed, err := time.ParseDuration(job.QueueOptions.RemoveOnFailAge); err == nil && parsed > 0 {
			removeOnFailAge = parsed
		}
	}

	return &Entry{
		JobID:            job.ID,
		Channel:          job.Type.Channel(),
		Payload:          job.Payload,
		Priority:         job.Priority.Rank(),
		MaxAttempts:      job.MaxRetries + 1,
		BackoffKind:      backoffKind,
		BackoffBase:      backoffBase,
		RemoveOnComplete: job.QueueOptions.RemoveOnComplete,
		RemoveOnFailAge:  removeOnFailAge,
		State:            StateReady,
		EnqueuedAt:       now,
		VisibleAt:        now.Add(delay),
	}
}

// NextBackoff is the redelivery delay after the given attempt count.
// Exponential doubles per attempt from the base; fixed stays at the base.
func (e *Entry) NextBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if e.BackoffKind == models.BackoffFixed {
		return e.BackoffBase
	}
	delay := e.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return delay
}

// Live reports whether the entry still occupies its channel slot
func (e *Entry) Live() bool {
	return e.State == StateReady || e.State == StateActive
}
