package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createJobStatusTool returns the job_status tool definition
func createJobStatusTool() mcp.Tool {
	return mcp.NewTool("job_status",
		mcp.WithDescription("Get the current status, progress and result of a job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID as returned by submit_job"),
		),
	)
}

// createJobStatsTool returns the job_stats tool definition
func createJobStatsTool() mcp.Tool {
	return mcp.NewTool("job_stats",
		mcp.WithDescription("Aggregate registry counters: totals by status, type and priority, queue depths, daily activity"),
		mcp.WithNumber("days",
			mcp.Description("Activity window in days (default: 7, max: 90)"),
		),
	)
}

// createSubmitJobTool returns the submit_job tool definition
func createSubmitJobTool() mcp.Tool {
	return mcp.NewTool("submit_job",
		mcp.WithDescription("Create a job and enqueue it on its processing channel"),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Job type: parsing, enhancement, evaluation, generation"),
		),
		mcp.WithString("payload",
			mcp.Description("Domain payload as a JSON object string"),
		),
		mcp.WithString("owner_id",
			mcp.Description("Owner recorded on the job (default: mcp)"),
		),
		mcp.WithString("cv_id",
			mcp.Description("Related CV id"),
		),
		mcp.WithString("priority",
			mcp.Description("low, normal, high, urgent or critical (default: normal)"),
		),
	)
}

// createCancelJobTool returns the cancel_job tool definition
func createCancelJobTool() mcp.Tool {
	return mcp.NewTool("cancel_job",
		mcp.WithDescription("Request cancellation of a pending, queued or processing job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID to cancel"),
		),
		mcp.WithString("reason",
			mcp.Description("Reason recorded on the job's error field"),
		),
	)
}
