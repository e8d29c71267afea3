// -----------------------------------------------------------------------
// Metrics - Prometheus view of broker depths, memory and job outcomes
// -----------------------------------------------------------------------

package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// Metrics owns its registry so repeated construction never trips
// duplicate registration. The monitor pushes gauges each tick; counters
// are bumped from the event stream as outcomes happen.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth       *prometheus.GaugeVec
	consumersRunning *prometheus.GaugeVec
	brokerPing       prometheus.Gauge
	storagePing      prometheus.Gauge
	heapPercent      prometheus.Gauge
	sysMemoryMB      prometheus.Gauge
	goroutines       prometheus.Gauge
	jobsProcessed    *prometheus.CounterVec
	webhookAttempts  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cvforge_queue_depth",
			Help: "Entries per broker channel and state",
		}, []string{"channel", "state"}),
		consumersRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cvforge_consumers_running",
			Help: "Busy consumers per channel",
		}, []string{"channel"}),
		brokerPing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cvforge_broker_ping_seconds",
			Help: "Latency of the last broker round-trip",
		}),
		storagePing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cvforge_storage_ping_seconds",
			Help: "Latency of the last storage round-trip",
		}),
		heapPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cvforge_memory_heap_percent",
			Help: "Heap allocation as a percentage of the memory limit",
		}),
		sysMemoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cvforge_memory_sys_mb",
			Help: "Memory obtained from the OS in megabytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cvforge_goroutines",
			Help: "Live goroutine count",
		}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cvforge_jobs_processed_total",
			Help: "Job outcomes by type",
		}, []string{"type", "outcome"}),
		webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cvforge_webhook_attempts_total",
			Help: "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.queueDepth,
		m.consumersRunning,
		m.brokerPing,
		m.storagePing,
		m.heapPercent,
		m.sysMemoryMB,
		m.goroutines,
		m.jobsProcessed,
		m.webhookAttempts,
	)
	return m
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDepths(channel string, depths models.QueueDepths) {
	m.queueDepth.WithLabelValues(channel, "waiting").Set(float64(depths.Waiting))
	m.queueDepth.WithLabelValues(channel, "active").Set(float64(depths.Active))
	m.queueDepth.WithLabelValues(channel, "delayed").Set(float64(depths.Delayed))
	m.queueDepth.WithLabelValues(channel, "completed").Set(float64(depths.Completed))
	m.queueDepth.WithLabelValues(channel, "failed").Set(float64(depths.Failed))
}

func (m *Metrics) ObserveConsumers(states map[string]interfaces.ConsumerState) {
	for channel, state := range states {
		m.consumersRunning.WithLabelValues(channel).Set(float64(state.Running))
	}
}

func (m *Metrics) ObservePings(storage, broker float64) {
	m.storagePing.Set(storage)
	m.brokerPing.Set(broker)
}

func (m *Metrics) ObserveMemory(mem models.MemoryHealth) {
	m.heapPercent.Set(mem.HeapPercent)
	m.sysMemoryMB.Set(mem.SysMB)
	m.goroutines.Set(float64(mem.NumGoroutines))
}

func (m *Metrics) JobSettled(jobType models.JobType, outcome string) {
	m.jobsProcessed.WithLabelValues(string(jobType), outcome).Inc()
}

func (m *Metrics) WebhookAttempt(outcome string) {
	m.webhookAttempts.WithLabelValues(outcome).Inc()
}
