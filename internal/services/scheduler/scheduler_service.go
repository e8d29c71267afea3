// -----------------------------------------------------------------------
// SchedulerService - Cron host for the periodic maintenance tasks
// -----------------------------------------------------------------------

package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/interfaces"
)

// taskEntry is one registered maintenance task with its run bookkeeping
type taskEntry struct {
	name      string
	schedule  string
	handler   func() error
	cronID    cron.EntryID
	lastRun   *time.Time
	isRunning bool
	lastError string
	runCount  int64
}

// Service hosts the recurring maintenance work: pending-job sweeps,
// webhook retry sweeps and retention cleanups. Tasks run one at a time;
// a slow cleanup never overlaps a sweep.
type Service struct {
	cron   *cron.Cron
	logger arbor.ILogger

	mu      sync.Mutex // protects tasks map and running flag
	execMu  sync.Mutex // serializes task execution
	tasks   map[string]*taskEntry
	running bool
}

func NewService(logger arbor.ILogger) interfaces.SchedulerService {
	return &Service{
		cron:   cron.New(),
		logger: logger,
		tasks:  make(map[string]*taskEntry),
	}
}

// Register adds a task under a cron expression. Standard five-field
// specs and @every descriptors are both accepted.
func (s *Service) Register(name, schedule string, handler func() error) error {
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if handler == nil {
		return fmt.Errorf("task %s has no handler", name)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule for task %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	entry := &taskEntry{
		name:     name,
		schedule: schedule,
		handler:  handler,
	}
	cronID, err := s.cron.AddFunc(schedule, func() {
		s.execute(name)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", name, err)
	}
	entry.cronID = cronID
	s.tasks[name] = entry

	s.logger.Info().
		Str("task", name).
		Str("schedule", schedule).
		Msg("Maintenance task registered")
	return nil
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Int("tasks", len(s.tasks)).
		Msg("Scheduler started")
	return nil
}

// Stop halts scheduling and waits for any in-flight task to finish
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Trigger runs a registered task immediately in the background
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	entry, exists := s.tasks[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", name)
	}
	if entry.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("task %s is already running", name)
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("task", name).
		Msg("Manually triggering task execution")

	go s.execute(name)
	return nil
}

func (s *Service) TaskStatuses() map[string]*interfaces.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*interfaces.TaskStatus, len(s.tasks))
	for name, entry := range s.tasks {
		status := &interfaces.TaskStatus{
			Name:      entry.name,
			Schedule:  entry.schedule,
			LastRun:   entry.lastRun,
			IsRunning: entry.isRunning,
			LastError: entry.lastError,
			RunCount:  entry.runCount,
		}
		if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
		out[name] = status
	}
	return out
}

func (s *Service) execute(name string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("task", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in task execution")

			s.mu.Lock()
			if entry, exists := s.tasks[name]; exists {
				entry.isRunning = false
				entry.lastError = fmt.Sprintf("panic: %v", r)
			}
			s.mu.Unlock()
		}
	}()

	// One maintenance task at a time
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	entry, exists := s.tasks[name]
	if !exists {
		s.mu.Unlock()
		s.logger.Warn().
			Str("task", name).
			Msg("Task not found")
		return
	}
	entry.isRunning = true
	handler := entry.handler
	s.mu.Unlock()

	s.logger.Info().
		Str("task", name).
		Msg("🚀 Task execution started")
	started := time.Now()

	err := handler()

	completed := time.Now()
	s.mu.Lock()
	entry.isRunning = false
	entry.lastRun = &completed
	entry.runCount++
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().
			Str("task", name).
			Err(err).
			Dur("duration", time.Since(started)).
			Msg("❌ Task execution failed")
	} else {
		s.logger.Info().
			Str("task", name).
			Dur("duration", time.Since(started)).
			Msg("✅ Task execution completed successfully")
	}
}
