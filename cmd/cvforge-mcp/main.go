// -----------------------------------------------------------------------
// cvforge-mcp - Job registry tooling over MCP stdio
// -----------------------------------------------------------------------

package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/queue"
	"github.com/ternarybob/cvforge/internal/services/events"
	jobsvc "github.com/ternarybob/cvforge/internal/services/jobs"
	mcpsvc "github.com/ternarybob/cvforge/internal/services/mcp"
	badgerstore "github.com/ternarybob/cvforge/internal/storage/badger"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CVFORGE_CONFIG")
	if configPath == "" {
		if _, err := os.Stat("cvforge.toml"); err == nil {
			configPath = "cvforge.toml"
		}
	}

	config, err := common.LoadFromFiles(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Minimal console logger - stdio carries the protocol, so keep quiet
	logger := arbor.NewLogger().WithConsoleWriter(arbormodels.WriterConfiguration{
		Type:             arbormodels.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	// The badger store is exclusive to one process. Point this binary at
	// the live data directory only while the server is stopped.
	storageManager, err := badgerstore.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer storageManager.Close()

	broker, err := queue.NewBroker(storageManager.DB().Raw(), &config.Queue, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize queue broker")
	}
	if err := broker.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start queue broker")
	}
	defer broker.Stop()

	bus := events.NewService(logger)
	defer bus.Close()

	jobService := jobsvc.NewService(storageManager, broker, bus, &config.Jobs, logger)
	tools := mcpsvc.NewJobToolService(jobService, logger)

	// Create MCP server
	mcpServer := server.NewMCPServer(
		"cvforge",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	// Register job registry tools
	mcpServer.AddTool(createJobStatusTool(), handleJobStatus(tools, logger))
	mcpServer.AddTool(createJobStatsTool(), handleJobStats(tools, logger))
	mcpServer.AddTool(createSubmitJobTool(), handleSubmitJob(tools, logger))
	mcpServer.AddTool(createCancelJobTool(), handleCancelJob(tools, logger))

	// Start server (blocks on stdio)
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}
