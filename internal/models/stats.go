// -----------------------------------------------------------------------
// Job statistics - Aggregates served by the stats endpoints
// -----------------------------------------------------------------------

package models

import "time"

// ActivityBucket is one day of job activity
type ActivityBucket struct {
	Date      string `json:"date"` // YYYY-MM-DD
	Created   int    `json:"created"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// JobStats is the aggregate view over the job registry
type JobStats struct {
	Total      int                  `json:"total"`
	ByStatus   map[JobStatus]int    `json:"byStatus"`
	ByType     map[JobType]int      `json:"byType"`
	ByPriority map[JobPriority]int  `json:"byPriority"`
	Activity   []ActivityBucket     `json:"activity,omitempty"`
	Queues     map[string]QueueDepths `json:"queues,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// QueueDepths is the per-state entry count of one broker channel
type QueueDepths struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total sums every state
func (d QueueDepths) Total() int {
	return d.Waiting + d.Active + d.Delayed + d.Completed + d.Failed
}
