// -----------------------------------------------------------------------
// Monitor - Passive periodic observer of broker, consumers and memory
// -----------------------------------------------------------------------

package health

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

const (
	defaultInterval         = 30 * time.Second
	defaultWaitingThreshold = 1000
	defaultDelayedThreshold = 500
	defaultMemoryPercent    = 85
	defaultRSSLimitMB       = 2048

	bytesPerMB = 1024 * 1024
)

// Monitor snapshots system health on a fixed cadence and keeps the
// latest observation for the health endpoint. It warns on thresholds
// but never intervenes; operators act on the signals, not the monitor.
type Monitor struct {
	storage interfaces.StorageManager
	broker  interfaces.QueueBroker
	workers interfaces.WorkerRuntime
	events  interfaces.EventService
	metrics *Metrics
	logger  arbor.ILogger

	interval         time.Duration
	waitingThreshold int
	delayedThreshold int
	memoryPercent    int
	rssLimitMB       int

	mu      sync.RWMutex
	last    *models.HealthSnapshot
	started time.Time
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor wires the monitor. Workers may be nil when the process
// runs without a consumer runtime.
func NewMonitor(storage interfaces.StorageManager, broker interfaces.QueueBroker, workers interfaces.WorkerRuntime, events interfaces.EventService, metrics *Metrics, config *common.HealthConfig, logger arbor.ILogger) *Monitor {
	m := &Monitor{
		storage:          storage,
		broker:           broker,
		workers:          workers,
		events:           events,
		metrics:          metrics,
		logger:           logger,
		interval:         defaultInterval,
		waitingThreshold: defaultWaitingThreshold,
		delayedThreshold: defaultDelayedThreshold,
		memoryPercent:    defaultMemoryPercent,
		rssLimitMB:       defaultRSSLimitMB,
	}
	if config != nil {
		m.interval = common.Duration(config.Interval, defaultInterval)
		if config.WaitingThreshold > 0 {
			m.waitingThreshold = config.WaitingThreshold
		}
		if config.DelayedThreshold > 0 {
			m.delayedThreshold = config.DelayedThreshold
		}
		if config.MemoryPercent > 0 {
			m.memoryPercent = config.MemoryPercent
		}
		if config.RSSLimitMB > 0 {
			m.rssLimitMB = config.RSSLimitMB
		}
	}
	return m
}

// Metrics exposes the collector for the /metrics endpoint
func (m *Monitor) Metrics() *Metrics {
	return m.metrics
}

func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn().Msg("Health monitor already running")
		return nil
	}
	m.running = true
	m.started = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.events.SubscribeAll(m.onEvent)

	go m.loop(ctx)

	m.logger.Info().
		Dur("interval", m.interval).
		Int("waiting_threshold", m.waitingThreshold).
		Int("delayed_threshold", m.delayedThreshold).
		Msg("Health monitor started")
	return nil
}

func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info().Msg("Health monitor stopped")
	return nil
}

// Last returns the most recent periodic observation, nil before the
// first tick completes
func (m *Monitor) Last() *models.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	// First observation right away so the endpoint has data before the
	// interval elapses
	m.observe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(ctx)
		}
	}
}

func (m *Monitor) observe(ctx context.Context) {
	snapshot, err := m.Snapshot(ctx)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.last = snapshot
	m.mu.Unlock()

	m.metrics.ObservePings(snapshot.StoragePing.Seconds(), snapshot.BrokerPing.Seconds())
	for channel, depths := range snapshot.Queues {
		m.metrics.ObserveDepths(channel, depths)
	}
	if m.workers != nil {
		m.metrics.ObserveConsumers(m.workers.ConsumerStates())
	}
	m.metrics.ObserveMemory(snapshot.Memory)

	for _, warning := range snapshot.Warnings {
		m.logger.Warn().
			Str("state", string(snapshot.State)).
			Msg(warning)
	}
}

// Snapshot performs one full observation. Threshold breaches degrade
// the verdict; an unreachable store or broker makes it unhealthy.
func (m *Monitor) Snapshot(ctx context.Context) (*models.HealthSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snapshot := &models.HealthSnapshot{
		State:     models.HealthHealthy,
		Queues:    make(map[string]models.QueueDepths),
		Timestamp: time.Now(),
	}
	m.mu.RLock()
	if !m.started.IsZero() {
		snapshot.Uptime = time.Since(m.started)
	}
	m.mu.RUnlock()

	var warnings []string
	unreachable := false

	if ping, err := m.storage.Ping(ctx); err != nil {
		warnings = append(warnings, fmt.Sprintf("storage unreachable: %v", err))
		unreachable = true
	} else {
		snapshot.StoragePing = ping
	}
	if ping, err := m.broker.Ping(ctx); err != nil {
		warnings = append(warnings, fmt.Sprintf("broker unreachable: %v", err))
		unreachable = true
	} else {
		snapshot.BrokerPing = ping
	}

	channels := m.broker.Channels()
	sort.Strings(channels)
	for _, channel := range channels {
		depths, err := m.broker.Depths(ctx, channel)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("channel %s depths unavailable: %v", channel, err))
			continue
		}
		snapshot.Queues[channel] = depths
		if depths.Waiting > m.waitingThreshold {
			warnings = append(warnings, fmt.Sprintf("channel %s waiting depth %d exceeds %d", channel, depths.Waiting, m.waitingThreshold))
		}
		if depths.Delayed > m.delayedThreshold {
			warnings = append(warnings, fmt.Sprintf("channel %s delayed depth %d exceeds %d", channel, depths.Delayed, m.delayedThreshold))
		}
	}

	if m.workers != nil {
		states := m.workers.ConsumerStates()
		snapshot.Consumers = make(map[string]models.ConsumerHealth, len(states))
		for channel, state := range states {
			snapshot.Consumers[channel] = models.ConsumerHealth{
				Channel:     state.Channel,
				Concurrency: state.Concurrency,
				Running:     state.Running,
				LastClaim:   state.LastClaim,
			}
		}
	}

	snapshot.Memory = readMemory()
	if snapshot.Memory.HeapPercent > float64(m.memoryPercent) {
		warnings = append(warnings, fmt.Sprintf("heap at %.1f%% of the memory limit", snapshot.Memory.HeapPercent))
	}
	if snapshot.Memory.SysMB > float64(m.rssLimitMB) {
		warnings = append(warnings, fmt.Sprintf("process memory %.0f MB exceeds %d MB", snapshot.Memory.SysMB, m.rssLimitMB))
	}

	snapshot.Warnings = warnings
	switch {
	case unreachable:
		snapshot.State = models.HealthUnhealthy
	case len(warnings) > 0:
		snapshot.State = models.HealthDegraded
	}
	return snapshot, nil
}

// onEvent feeds outcome counters from the lifecycle stream
func (m *Monitor) onEvent(ctx context.Context, event models.Event) error {
	var outcome string
	switch event.Type {
	case models.EventJobCompleted:
		outcome = "completed"
	case models.EventJobFailed:
		outcome = "failed"
	case models.EventJobRetrying:
		outcome = "retrying"
	case models.EventJobCancelled:
		outcome = "cancelled"
	default:
		return nil
	}
	m.metrics.JobSettled(event.JobType, outcome)

	if event.JobType == models.JobTypeWebhookDelivery {
		if event.Type == models.EventJobCompleted {
			m.metrics.WebhookAttempt("success")
		} else {
			m.metrics.WebhookAttempt("failure")
		}
	}
	return nil
}

// readMemory folds runtime counters into the snapshot view. The heap
// percentage is against the soft memory limit when one is set, else
// against memory obtained from the OS.
func readMemory() models.MemoryHealth {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	mem := models.MemoryHealth{
		HeapAllocMB:   float64(stats.HeapAlloc) / bytesPerMB,
		HeapSysMB:     float64(stats.HeapSys) / bytesPerMB,
		SysMB:         float64(stats.Sys) / bytesPerMB,
		NumGoroutines: runtime.NumGoroutine(),
	}

	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit < math.MaxInt64 {
		mem.HeapPercent = float64(stats.HeapAlloc) / float64(limit) * 100
	} else if stats.Sys > 0 {
		mem.HeapPercent = float64(stats.HeapAlloc) / float64(stats.Sys) * 100
	}
	return mem
}

var _ interfaces.HealthMonitor = (*Monitor)(nil)
