package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/cvforge/internal/models"
)

// FormatJob renders a job snapshot as markdown
func FormatJob(job *models.Job) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Job %s\n\n", job.ID))
	sb.WriteString(fmt.Sprintf("**Type:** %s\n", job.Type))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", job.Status))
	sb.WriteString(fmt.Sprintf("**Priority:** %s\n", job.Priority))
	sb.WriteString(fmt.Sprintf("**Owner:** %s\n", job.OwnerID))
	if job.RelatedEntityID != "" {
		sb.WriteString(fmt.Sprintf("**Entity:** %s\n", job.RelatedEntityID))
	}
	sb.WriteString(fmt.Sprintf("**Progress:** %d%%", job.Progress))
	if job.CurrentStep != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", job.CurrentStep))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("**Retries:** %d of %d\n", job.RetryCount, job.MaxRetries))
	sb.WriteString(fmt.Sprintf("**Created:** %s\n", job.CreatedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("**Updated:** %s\n", job.UpdatedAt.Format(time.RFC3339)))
	if job.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("**Completed:** %s\n", job.CompletedAt.Format(time.RFC3339)))
	}
	if job.NextRetryAt != nil {
		sb.WriteString(fmt.Sprintf("**Next retry:** %s\n", job.NextRetryAt.Format(time.RFC3339)))
	}

	if job.Error != nil {
		sb.WriteString(fmt.Sprintf("\n**Error:** `%s` %s (retryable: %v)\n", job.Error.Code, job.Error.Message, job.Error.Retryable))
	}

	if len(job.Result) > 0 {
		resultJSON, _ := json.MarshalIndent(job.Result, "", "  ")
		sb.WriteString("\n### Result\n\n```json\n")
		sb.WriteString(string(resultJSON))
		sb.WriteString("\n```\n")
	}

	return sb.String()
}

// FormatStats renders registry counters as markdown
func FormatStats(stats *models.JobStats) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Job Statistics (%d jobs)\n\n", stats.Total))

	if len(stats.ByStatus) > 0 {
		sb.WriteString("### By Status\n\n")
		for _, key := range sortedKeys(stats.ByStatus) {
			sb.WriteString(fmt.Sprintf("- %s: %d\n", key, stats.ByStatus[models.JobStatus(key)]))
		}
		sb.WriteString("\n")
	}

	if len(stats.ByType) > 0 {
		sb.WriteString("### By Type\n\n")
		keys := make([]string, 0, len(stats.ByType))
		for key := range stats.ByType {
			keys = append(keys, string(key))
		}
		sort.Strings(keys)
		for _, key := range keys {
			sb.WriteString(fmt.Sprintf("- %s: %d\n", key, stats.ByType[models.JobType(key)]))
		}
		sb.WriteString("\n")
	}

	if len(stats.Queues) > 0 {
		sb.WriteString("### Queue Depths\n\n")
		keys := make([]string, 0, len(stats.Queues))
		for key := range stats.Queues {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			depths := stats.Queues[key]
			sb.WriteString(fmt.Sprintf("- %s: %d waiting, %d active, %d delayed, %d failed\n",
				key, depths.Waiting, depths.Active, depths.Delayed, depths.Failed))
		}
		sb.WriteString("\n")
	}

	if len(stats.Activity) > 0 {
		sb.WriteString("### Activity\n\n")
		for _, bucket := range stats.Activity {
			sb.WriteString(fmt.Sprintf("- %s: %d created, %d completed, %d failed\n",
				bucket.Date, bucket.Created, bucket.Completed, bucket.Failed))
		}
	}

	sb.WriteString(fmt.Sprintf("\n_As of %s_\n", stats.Timestamp.Format(time.RFC3339)))
	return sb.String()
}

func sortedKeys(m map[models.JobStatus]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	return keys
}
