package interfaces

import "time"

// TaskStatus reports one scheduled maintenance task
type TaskStatus struct {
	Name      string
	Schedule  string
	LastRun   *time.Time
	NextRun   *time.Time
	IsRunning bool
	LastError string
	RunCount  int64
}

// SchedulerService hosts the periodic maintenance tasks: pending sweeps,
// webhook retry sweeps, retention cleanups.
type SchedulerService interface {
	// Register adds a task under a cron expression. Must be called
	// before Start.
	Register(name, schedule string, handler func() error) error

	Start() error
	Stop() error
	IsRunning() bool

	// Trigger runs a registered task immediately
	Trigger(name string) error

	TaskStatuses() map[string]*TaskStatus
}
