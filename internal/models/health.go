// -----------------------------------------------------------------------
// Health snapshot - Periodic view of broker, consumers and process memory
// -----------------------------------------------------------------------

package models

import "time"

// HealthState is the overall verdict of a health check
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ConsumerHealth describes one channel's worker pool
type ConsumerHealth struct {
	Channel     string     `json:"channel"`
	Concurrency int        `json:"concurrency"`
	Running     int        `json:"running"`
	LastClaim   *time.Time `json:"lastClaim,omitempty"`
}

// MemoryHealth is the process memory view at snapshot time
type MemoryHealth struct {
	HeapAllocMB   float64 `json:"heapAllocMb"`
	HeapSysMB     float64 `json:"heapSysMb"`
	SysMB         float64 `json:"sysMb"`
	HeapPercent   float64 `json:"heapPercent"`
	NumGoroutines int     `json:"numGoroutines"`
}

// HealthSnapshot is one health monitor observation
type HealthSnapshot struct {
	State        HealthState               `json:"state"`
	StoragePing  time.Duration             `json:"storagePingNs"`
	BrokerPing   time.Duration             `json:"brokerPingNs"`
	Queues       map[string]QueueDepths    `json:"queues"`
	Consumers    map[string]ConsumerHealth `json:"consumers,omitempty"`
	Memory       MemoryHealth              `json:"memory"`
	Warnings     []string                  `json:"warnings,omitempty"`
	Uptime       time.Duration             `json:"uptimeNs"`
	Timestamp    time.Time                 `json:"timestamp"`
}
