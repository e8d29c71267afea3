package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"

	mcpsvc "github.com/ternarybob/cvforge/internal/services/mcp"
)

// handleJobStatus implements the job_status tool
func handleJobStatus(tools *mcpsvc.JobToolService, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return textResult("Error: job_id parameter is required"), nil
		}

		job, err := tools.Status(ctx, jobID)
		if err != nil {
			logger.Warn().Err(err).Str("job_id", jobID).Msg("Status lookup failed")
			return textResult(fmt.Sprintf("Job not found: %v", err)), nil
		}

		return textResult(mcpsvc.FormatJob(job)), nil
	}
}

// handleJobStats implements the job_stats tool
func handleJobStats(tools *mcpsvc.JobToolService, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// Parse days (default: 7, max: 90)
		days := request.GetInt("days", 7)
		if days > 90 {
			days = 90
		}

		stats, err := tools.Stats(ctx, days)
		if err != nil {
			logger.Error().Err(err).Msg("Stats aggregation failed")
			return textResult(fmt.Sprintf("Stats error: %v", err)), nil
		}

		return textResult(mcpsvc.FormatStats(stats)), nil
	}
}

// handleSubmitJob implements the submit_job tool
func handleSubmitJob(tools *mcpsvc.JobToolService, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobType, err := request.RequireString("type")
		if err != nil || jobType == "" {
			return textResult("Error: type parameter is required"), nil
		}

		// Payload arrives as a JSON object string
		var payload map[string]interface{}
		if raw := request.GetString("payload", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return textResult(fmt.Sprintf("Error: payload is not valid JSON: %v", err)), nil
			}
		}

		job, err := tools.Submit(ctx, &mcpsvc.SubmitRequest{
			Type:     jobType,
			OwnerID:  request.GetString("owner_id", ""),
			EntityID: request.GetString("cv_id", ""),
			Priority: request.GetString("priority", ""),
			Payload:  payload,
		})
		if err != nil {
			logger.Warn().Err(err).Str("type", jobType).Msg("Submit failed")
			return textResult(fmt.Sprintf("Submit error: %v", err)), nil
		}

		return textResult(mcpsvc.FormatJob(job)), nil
	}
}

// handleCancelJob implements the cancel_job tool
func handleCancelJob(tools *mcpsvc.JobToolService, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return textResult("Error: job_id parameter is required"), nil
		}

		job, err := tools.Cancel(ctx, jobID, request.GetString("reason", ""))
		if err != nil {
			logger.Warn().Err(err).Str("job_id", jobID).Msg("Cancel failed")
			return textResult(fmt.Sprintf("Cancel error: %v", err)), nil
		}

		return textResult(mcpsvc.FormatJob(job)), nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
