package models

import (
	"time"
)

// EventType names a job lifecycle event
type EventType string

const (
	EventJobCreated   EventType = "job.created"
	EventJobQueued    EventType = "job.queued"
	EventJobStarted   EventType = "job.started"
	EventJobProgress  EventType = "job.progress"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
	EventJobRetrying  EventType = "job.retrying"
)

// AllEventTypes returns every lifecycle event type
func AllEventTypes() []EventType {
	return []EventType{
		EventJobCreated,
		EventJobQueued,
		EventJobStarted,
		EventJobProgress,
		EventJobCompleted,
		EventJobFailed,
		EventJobCancelled,
		EventJobRetrying,
	}
}

// EventForStatus maps a newly entered status to its lifecycle event.
// Pending has no event of its own; creation is announced explicitly.
func EventForStatus(status JobStatus) (EventType, bool) {
	switch status {
	case JobStatusQueued:
		return EventJobQueued, true
	case JobStatusProcessing:
		return EventJobStarted, true
	case JobStatusCompleted:
		return EventJobCompleted, true
	case JobStatusFailed:
		return EventJobFailed, true
	case JobStatusCancelled:
		return EventJobCancelled, true
	case JobStatusRetrying:
		return EventJobRetrying, true
	}
	return "", false
}

// Event is the in-process notification published on every observable
// job transition. Snapshot fields are copies; handlers must not mutate them.
type Event struct {
	Type        EventType              `json:"type"`
	JobID       string                 `json:"jobId"`
	JobType     JobType                `json:"jobType"`
	OwnerID     string                 `json:"ownerId,omitempty"`
	Status      JobStatus              `json:"status"`
	Progress    int                    `json:"progress"`
	CurrentStep string                 `json:"currentStep,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       *JobError              `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NewJobEvent builds an event snapshot from a job
func NewJobEvent(eventType EventType, job *Job) Event {
	return Event{
		Type:        eventType,
		JobID:       job.ID,
		JobType:     job.Type,
		OwnerID:     job.OwnerID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Result:      job.Result,
		Error:       job.Error,
		Timestamp:   time.Now(),
	}
}
