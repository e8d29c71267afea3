// -----------------------------------------------------------------------
// Job - Durable record of deferred work with a tracked lifecycle
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// JobType identifies the work a job carries and names its broker channel
type JobType string

const (
	JobTypeParsing         JobType = "parsing"
	JobTypeEnhancement     JobType = "enhancement"
	JobTypeEvaluation      JobType = "evaluation"
	JobTypeGeneration      JobType = "generation"
	JobTypeWebhookDelivery JobType = "webhook_delivery"
)

// AllJobTypes returns every registered job type
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeParsing,
		JobTypeEnhancement,
		JobTypeEvaluation,
		JobTypeGeneration,
		JobTypeWebhookDelivery,
	}
}

// Valid reports whether the type is registered
func (t JobType) Valid() bool {
	switch t {
	case JobTypeParsing, JobTypeEnhancement, JobTypeEvaluation, JobTypeGeneration, JobTypeWebhookDelivery:
		return true
	}
	return false
}

// Channel returns the broker channel name for this type
func (t JobType) Channel() string {
	return string(t)
}

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusRetrying   JobStatus = "retrying"
)

// AllJobStatuses returns every lifecycle state
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusPending,
		JobStatusQueued,
		JobStatusProcessing,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled,
		JobStatusRetrying,
	}
}

// Terminal reports whether the status accepts no further mutation
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// statusTransitions is the adjacency list of the job state machine
var statusTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:     {JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusFailed:     {JobStatusProcessing, JobStatusRetrying, JobStatusCancelled},
	JobStatusRetrying:   {JobStatusQueued, JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusCompleted:  {},
	JobStatusCancelled:  {},
}

// TransitionOutcome is the state machine's verdict on a requested transition
type TransitionOutcome int

const (
	// TransitionAllowed - apply the new status
	TransitionAllowed TransitionOutcome = iota
	// TransitionNoOp - same state; accept silently without re-stamping or events
	TransitionNoOp
	// TransitionDropped - terminal job receiving another terminal status; ignore silently
	TransitionDropped
	// TransitionRefused - outside the machine; reject with an invalid-state error
	TransitionRefused
)

// EvaluateTransition applies the lifecycle rules to a requested status change.
// Same-state requests are idempotent no-ops. Terminal statuses silently drop
// further terminal requests; anything else against a terminal job is refused.
func EvaluateTransition(from, to JobStatus) TransitionOutcome {
	if from == to {
		return TransitionNoOp
	}
	if from.Terminal() {
		if to.Terminal() {
			return TransitionDropped
		}
		return TransitionRefused
	}
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return TransitionAllowed
		}
	}
	return TransitionRefused
}

// JobPriority orders entries within a broker channel
type JobPriority string

const (
	PriorityLow      JobPriority = "low"
	PriorityNormal   JobPriority = "normal"
	PriorityHigh     JobPriority = "high"
	PriorityUrgent   JobPriority = "urgent"
	PriorityCritical JobPriority = "critical"
)

// Rank maps a priority to its numeric order; smaller ranks are served first.
// Unknown priorities collapse to normal.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	default:
		return PriorityNormal.Rank()
	}
}

// BackoffKind selects the retry delay curve for broker redelivery
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// QueueOptions carries per-job broker settings: backoff shape and the
// retention rules applied to finished entries.
type QueueOptions struct {
	BackoffKind      BackoffKind `json:"backoffKind"`
	BackoffBaseMs    int64       `json:"backoffBaseMs"`
	RemoveOnComplete int         `json:"removeOnComplete"` // Completed entries kept per channel
	RemoveOnFailAge  string      `json:"removeOnFailAge"`  // Duration string; failed entries older are purged
}

// JobError is the structured error persisted on a failed job
type JobError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Job is the central entity of the orchestration core. ID is the
// client-visible identifier, the storage key, and the id broker entries
// carry; ExternalID is an optional caller-supplied idempotency key.
// Payload and Result are opaque to the core.
type Job struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId,omitempty" badgerhold:"index"`

	Type     JobType                `json:"type" badgerhold:"index"`
	Payload  map[string]interface{} `json:"payload"`
	Priority JobPriority            `json:"priority"`
	Status   JobStatus              `json:"status" badgerhold:"index"`

	Progress    int    `json:"progress"`
	CurrentStep string `json:"currentStep,omitempty"`
	TotalSteps  int    `json:"totalSteps,omitempty"`

	RetryCount int   `json:"retryCount"`
	MaxRetries int   `json:"maxRetries"`
	DelayMs    int64 `json:"delayMs,omitempty"`

	QueueOptions QueueOptions `json:"queueOptions"`

	OwnerID         string                 `json:"ownerId" badgerhold:"index"`
	RelatedEntityID string                 `json:"relatedEntityId,omitempty" badgerhold:"index"`
	Tags            []string               `json:"tags,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`

	Result map[string]interface{} `json:"result,omitempty"`
	Error  *JobError              `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt" badgerhold:"index"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

// Terminal reports whether the job reached a terminal status
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// RetriesRemaining reports whether another retry fits the budget
func (j *Job) RetriesRemaining() bool {
	return j.RetryCount < j.MaxRetries
}

// LockKey is the identity workers serialize on within a process. Jobs
// sharing an idempotency key contend for the same lock.
func (j *Job) LockKey() string {
	if j.ExternalID != "" {
		return j.ExternalID
	}
	return j.ID
}

// EffectiveCompletedAt is the timestamp the cleanup sweep ages against.
// CompletedAt can be unset on a cancelled job racing its worker, so the
// later of CompletedAt and UpdatedAt is used.
func (j *Job) EffectiveCompletedAt() time.Time {
	if j.CompletedAt != nil && j.CompletedAt.After(j.UpdatedAt) {
		return *j.CompletedAt
	}
	return j.UpdatedAt
}

// ClampProgress bounds a progress report to [0,100]
func ClampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
