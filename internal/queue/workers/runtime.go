// -----------------------------------------------------------------------
// Runtime - Drives channel consumers and routes claims to processors
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
	"github.com/ternarybob/cvforge/internal/queue"
)

// Backoff for idle polling; reduces badger churn when channels sit empty
const (
	maxIdleBackoff = 5 * time.Second
	claimTimeout   = time.Second
)

// channelStats tracks one channel's consumer pool
type channelStats struct {
	mu          sync.Mutex
	concurrency int
	running     int
	lastClaim   *time.Time
}

// Runtime claims entries from the broker and drives the processor
// registered for each channel. Each delivery runs the full attempt
// protocol: mark processing, execute, record the outcome, settle the
// lease. A heartbeat extends the claim lock while execution runs.
type Runtime struct {
	broker       *queue.Broker
	jobs         interfaces.JobService
	events       interfaces.EventService
	logger       arbor.ILogger
	pollInterval time.Duration
	lockDuration time.Duration
	concurrency  map[string]int

	processors map[string]interfaces.Processor // keyed by channel
	stats      map[string]*channelStats
	locks      *lockRegistry
	cancels    sync.Map // job id -> context.CancelFunc for in-flight work

	pollCtx    context.Context
	pollCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewRuntime creates the worker runtime. Processors are registered
// separately before Start.
func NewRuntime(broker *queue.Broker, jobs interfaces.JobService, events interfaces.EventService, config *common.QueueConfig, logger arbor.ILogger) *Runtime {
	pollCtx, pollCancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(context.Background())

	concurrency := make(map[string]int)
	for name, cc := range config.Channels {
		concurrency[name] = cc.Concurrency
	}

	return &Runtime{
		broker:       broker,
		jobs:         jobs,
		events:       events,
		logger:       logger,
		pollInterval: common.Duration(config.PollInterval, 250*time.Millisecond),
		lockDuration: common.Duration(config.LockDuration, 5*time.Minute),
		concurrency:  concurrency,
		processors:   make(map[string]interfaces.Processor),
		stats:        make(map[string]*channelStats),
		locks:        newLockRegistry(),
		pollCtx:      pollCtx,
		pollCancel:   pollCancel,
		execCtx:      execCtx,
		execCancel:   execCancel,
	}
}

// Register binds a processor to its job type's channel
func (r *Runtime) Register(processor interfaces.Processor) error {
	if processor == nil {
		return fmt.Errorf("processor is required")
	}
	channel := processor.Type().Channel()
	if _, exists := r.processors[channel]; exists {
		return fmt.Errorf("channel %s already has a processor", channel)
	}
	r.processors[channel] = processor
	r.logger.Debug().
		Str("channel", channel).
		Msg("Processor registered")
	return nil
}

// Start launches the consumer pools. Call after all services are wired;
// consumers begin claiming immediately.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		r.logger.Warn().Msg("Worker runtime already running")
		return nil
	}
	if len(r.processors) == 0 {
		return fmt.Errorf("no processors registered")
	}
	r.running = true

	// Cancelling a job must interrupt its in-flight execution
	r.events.Subscribe(models.EventJobCancelled, func(ctx context.Context, event models.Event) error {
		if cancel, ok := r.cancels.Load(event.JobID); ok {
			cancel.(context.CancelFunc)()
			r.logger.Info().
				Str("job_id", event.JobID).
				Msg("Cancellation propagated to running processor")
		}
		return nil
	})

	total := 0
	for channel := range r.processors {
		concurrency := r.concurrency[channel]
		if concurrency < 1 {
			concurrency = 1
		}
		r.stats[channel] = &channelStats{concurrency: concurrency}
		for i := 0; i < concurrency; i++ {
			r.wg.Add(1)
			go r.consume(channel, i, concurrency)
		}
		total += concurrency
	}

	r.logger.Info().
		Int("channels", len(r.processors)).
		Int("consumers", total).
		Msg("Worker runtime started")
	return nil
}

// Stop drains the consumers. Claiming stops immediately; in-flight
// executions get until the context deadline before being cancelled, and
// an overrun is returned as an error.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.logger.Info().Msg("Stopping worker runtime...")
	r.pollCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("Worker runtime stopped")
		return nil
	case <-ctx.Done():
		r.execCancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		r.logger.Error().Msg("Worker runtime drain deadline exceeded")
		return apperrors.New(apperrors.KindTimeout, "worker drain deadline exceeded")
	}
}

// ConsumerStates reports each channel's pool for the health monitor
func (r *Runtime) ConsumerStates() map[string]interfaces.ConsumerState {
	out := make(map[string]interfaces.ConsumerState, len(r.stats))
	channels := make([]string, 0, len(r.stats))
	for channel := range r.stats {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	for _, channel := range channels {
		cs := r.stats[channel]
		cs.mu.Lock()
		state := interfaces.ConsumerState{
			Channel:     channel,
			Concurrency: cs.concurrency,
			Running:     cs.running,
			LastClaim:   cs.lastClaim,
		}
		cs.mu.Unlock()
		out[channel] = state
	}
	return out
}

// consume is the per-consumer claim loop with exponential idle backoff
func (r *Runtime) consume(channel string, workerID, concurrency int) {
	defer r.wg.Done()

	// Panic here means the loop itself is broken, not one job
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Fatal().
				Str("panic", fmt.Sprintf("%v", rec)).
				Str("stack", stackTrace()).
				Str("channel", channel).
				Int("worker_id", workerID).
				Msg("FATAL: Consumer loop panicked")
		}
	}()

	// Stagger starts to spread claim transactions across the interval
	stagger := (r.pollInterval / time.Duration(concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-r.pollCtx.Done():
			return
		case <-time.After(stagger):
		}
	}

	r.logger.Debug().
		Str("channel", channel).
		Int("worker_id", workerID).
		Msg("Consumer started")

	backoff := r.pollInterval
	for {
		select {
		case <-r.pollCtx.Done():
			r.logger.Debug().
				Str("channel", channel).
				Int("worker_id", workerID).
				Msg("Consumer stopping")
			return
		default:
			if r.processNext(channel, workerID) {
				backoff = r.pollInterval
				continue
			}
			select {
			case <-r.pollCtx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxIdleBackoff {
				backoff = maxIdleBackoff
			}
		}
	}
}

// processNext claims and runs one entry. Returns true when an entry was
// claimed, false when the channel yielded nothing.
func (r *Runtime) processNext(channel string, workerID int) bool {
	claimCtx, cancel := context.WithTimeout(r.pollCtx, claimTimeout)
	defer cancel()

	lease, err := r.broker.Receive(claimCtx, channel)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrEmpty), errors.Is(err, queue.ErrClosed),
			errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		case errors.Is(err, queue.ErrRateLimited):
			r.logger.Debug().
				Str("channel", channel).
				Msg("Channel rate limited, backing off")
		default:
			r.logger.Warn().
				Err(err).
				Str("channel", channel).
				Int("worker_id", workerID).
				Msg("Claim failed")
		}
		return false
	}

	stats := r.stats[channel]
	now := time.Now()
	stats.mu.Lock()
	stats.running++
	stats.lastClaim = &now
	stats.mu.Unlock()
	defer func() {
		stats.mu.Lock()
		stats.running--
		stats.mu.Unlock()
	}()

	r.runClaim(channel, workerID, lease)
	return true
}

// runClaim executes the attempt protocol for one claimed entry
func (r *Runtime) runClaim(channel string, workerID int, lease *queue.Lease) {
	jobID := lease.JobID()

	job, err := r.jobs.GetJob(r.execCtx, jobID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			// Entry outlived its job; drop it
			r.logger.Warn().
				Str("job_id", jobID).
				Str("channel", channel).
				Msg("Job missing for claimed entry, dropping")
			if ackErr := lease.Ack(); ackErr != nil {
				r.logger.Warn().Err(ackErr).Str("job_id", jobID).Msg("Failed to drop orphaned entry")
			}
			return
		}
		r.settleUnrecorded(lease, jobID, fmt.Sprintf("job lookup failed: %v", err))
		return
	}

	if job.Status.Terminal() {
		r.logger.Debug().
			Str("job_id", jobID).
			Str("status", string(job.Status)).
			Msg("Job already settled, claim discarded")
		if ackErr := lease.Ack(); ackErr != nil {
			r.logger.Warn().Err(ackErr).Str("job_id", jobID).Msg("Failed to ack settled job")
		}
		return
	}

	// One execution per lock key in this process; a sibling holding the
	// key sends this delivery back for later
	lockKey := job.LockKey()
	if !r.locks.TryAcquire(lockKey) {
		r.logger.Debug().
			Str("job_id", jobID).
			Str("lock_key", lockKey).
			Msg("Lock key busy, delivery deferred")
		if _, nackErr := lease.Nack("lock key busy"); nackErr != nil {
			r.logger.Warn().Err(nackErr).Str("job_id", jobID).Msg("Failed to defer delivery")
		}
		return
	}
	defer r.locks.Release(lockKey)

	// Register the cancel hook before the processing mark goes out; a
	// cancel event raced against the status write must find it
	jobCtx, jobCancel := context.WithCancel(r.execCtx)
	r.cancels.Store(jobID, jobCancel)
	defer func() {
		r.cancels.Delete(jobID)
		jobCancel()
	}()

	if _, err := r.jobs.UpdateJobStatus(r.execCtx, jobID, models.JobStatusProcessing, nil); err != nil {
		if apperrors.Is(err, apperrors.KindInvalidState) {
			// Raced a cancel or a concurrent settle
			r.logger.Debug().
				Str("job_id", jobID).
				Msg("Job no longer startable, claim discarded")
			if ackErr := lease.Ack(); ackErr != nil {
				r.logger.Warn().Err(ackErr).Str("job_id", jobID).Msg("Failed to ack unstartable job")
			}
			return
		}
		r.settleUnrecorded(lease, jobID, fmt.Sprintf("failed to mark processing: %v", err))
		return
	}

	processor := r.processors[channel]
	started := time.Now()
	r.logger.Info().
		Str("job_id", jobID).
		Str("channel", channel).
		Int("attempt", lease.Attempt()).
		Int("worker_id", workerID).
		Msg("Job started")

	hbStop := make(chan struct{})
	var hbOnce sync.Once
	stopHeartbeat := func() { hbOnce.Do(func() { close(hbStop) }) }
	defer stopHeartbeat()
	go r.heartbeat(lease, jobID, hbStop)

	result, execErr := r.execute(jobCtx, processor, job)
	stopHeartbeat()
	duration := time.Since(started)

	// Runtime shutdown is not a job failure; return the delivery so the
	// next process picks it up. Per-job cancellation also surfaces as
	// context.Canceled but leaves the exec context intact, and the
	// terminal-status check in ProcessJobResult discards it.
	if execErr != nil && errors.Is(execErr, context.Canceled) && r.execCtx.Err() != nil {
		r.settleUnrecorded(lease, jobID, "shutdown interrupted execution")
		return
	}

	disposition, procErr := r.jobs.ProcessJobResult(r.execCtx, jobID, result, execErr)
	if procErr != nil {
		// Outcome unrecorded; the broker redelivers per its backoff
		r.settleUnrecorded(lease, jobID, fmt.Sprintf("result could not be recorded: %v", procErr))
		return
	}

	if ackErr := lease.Ack(); ackErr != nil {
		r.logger.Warn().Err(ackErr).Str("job_id", jobID).Msg("Failed to ack recorded attempt")
	}

	switch disposition {
	case interfaces.DispositionCompleted:
		r.logger.Info().
			Str("job_id", jobID).
			Str("channel", channel).
			Dur("duration", duration).
			Msg("Job completed")
	case interfaces.DispositionRetryScheduled:
		event := r.logger.Warn()
		if !apperrors.AlreadyLogged(execErr) {
			event = event.Err(execErr)
		}
		event.
			Str("job_id", jobID).
			Str("channel", channel).
			Int("attempt", lease.Attempt()).
			Dur("duration", duration).
			Msg("Job failed, retry scheduled")
	case interfaces.DispositionFailed:
		event := r.logger.Error()
		if !apperrors.AlreadyLogged(execErr) {
			event = event.Err(execErr)
		}
		event.
			Str("job_id", jobID).
			Str("channel", channel).
			Dur("duration", duration).
			Msg("Job failed terminally")
		processor.OnFinalFailure(r.execCtx, job, execErr)
	case interfaces.DispositionDiscarded:
		r.logger.Debug().
			Str("job_id", jobID).
			Str("channel", channel).
			Msg("Job result discarded")
	}
}

// execute runs the processor with panic containment
func (r *Runtime) execute(ctx context.Context, processor interfaces.Processor, job *models.Job) (result map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("panic", fmt.Sprintf("%v", rec)).
				Str("stack", stackTrace()).
				Str("job_id", job.ID).
				Msg("Recovered from processor panic")
			result = nil
			err = apperrors.Newf(apperrors.KindDomainFailure, "processor panicked: %v", rec)
		}
	}()
	return processor.Execute(ctx, job)
}

// settleUnrecorded hands an attempt whose outcome never reached storage
// back to the broker. If the entry has no redelivery budget left the
// job is failed directly so it does not sit processing forever.
func (r *Runtime) settleUnrecorded(lease *queue.Lease, jobID, cause string) {
	redelivers, err := lease.Nack(cause)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Msg("Failed to return unrecorded attempt to broker")
		return
	}
	r.logger.Warn().
		Str("job_id", jobID).
		Str("cause", cause).
		Bool("redelivers", redelivers).
		Msg("Attempt outcome unrecorded, returned to broker")

	if !redelivers {
		if err := r.jobs.FailJob(r.execCtx, jobID, apperrors.New(apperrors.KindBrokerFailure, cause)); err != nil {
			r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to settle dead-lettered job")
		}
	}
}

// heartbeat extends the claim lock while execution runs
func (r *Runtime) heartbeat(lease *queue.Lease, jobID string, stop <-chan struct{}) {
	interval := r.lockDuration / 3
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := lease.Extend(0); err != nil {
				r.logger.Warn().
					Err(err).
					Str("job_id", jobID).
					Msg("Lease heartbeat failed")
				return
			}
		}
	}
}

// stackTrace returns the current goroutine's stack for panic logs
func stackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
