// -----------------------------------------------------------------------
// App - Builds and owns the service graph
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/connectors/github"
	"github.com/ternarybob/cvforge/internal/handlers"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
	"github.com/ternarybob/cvforge/internal/queue"
	"github.com/ternarybob/cvforge/internal/queue/workers"
	"github.com/ternarybob/cvforge/internal/services/enhancement"
	"github.com/ternarybob/cvforge/internal/services/evaluation"
	"github.com/ternarybob/cvforge/internal/services/events"
	"github.com/ternarybob/cvforge/internal/services/generation"
	"github.com/ternarybob/cvforge/internal/services/health"
	"github.com/ternarybob/cvforge/internal/services/intake"
	jobsvc "github.com/ternarybob/cvforge/internal/services/jobs"
	"github.com/ternarybob/cvforge/internal/services/parsing"
	"github.com/ternarybob/cvforge/internal/services/scheduler"
	"github.com/ternarybob/cvforge/internal/services/webhooks"
	badgerstore "github.com/ternarybob/cvforge/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager *badgerstore.Manager
	EventService   interfaces.EventService
	Broker         *queue.Broker

	// Job orchestration
	JobService    *jobsvc.Service
	Sweeper       *jobsvc.Sweeper
	WorkerRuntime *workers.Runtime

	// Processing domains
	ParsingService     interfaces.DomainService
	EnhancementService interfaces.DomainService
	EvaluationService  interfaces.DomainService
	GenerationService  interfaces.DomainService

	// Webhook fan-out
	Dispatcher    *webhooks.Dispatcher
	Subscriptions *webhooks.SubscriptionService

	// Background machinery
	SchedulerService interfaces.SchedulerService
	Monitor          *health.Monitor
	IntakeService    *intake.Service
	GitHubConnector  interfaces.ProfileConnector

	// HTTP handlers
	ParsingHandler     *handlers.DomainHandler
	EnhancementHandler *handlers.DomainHandler
	EvaluationHandler  *handlers.DomainHandler
	GenerationHandler  *handlers.DomainHandler
	DeliveryJobHandler *handlers.DomainHandler
	WebhookHandler     *handlers.WebhookHandler
	SystemHandler      *handlers.SystemHandler
	MetricsHandler     http.Handler

	// Kept so Close can release the headless browser pool
	chromeRenderer *generation.ChromeRenderer
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize storage
	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Event bus comes next so every later service can publish into it
	app.EventService = events.NewService(app.Logger)

	// Initialize services
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Start consumers AFTER everything else is wired so no job is
	// claimed against a half-built graph
	if err := app.WorkerRuntime.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker runtime: %w", err)
	}
	app.Logger.Debug().Msg("Worker runtime started")

	logger.Info().
		Str("environment", cfg.Environment).
		Int("channels", len(models.AllJobTypes())).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the badger store that backs both the job registry
// and the broker
func (a *App) initStorage() error {
	manager, err := badgerstore.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = manager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order.
//
// QUEUE-BASED JOB ARCHITECTURE:
// 1. Broker (badger-backed) - Durable per-channel priority queues
// 2. JobService - Registry CRUD plus the status lifecycle
// 3. WorkerRuntime - Claims entries and routes them to processors
// 4. Processors - One per processing domain, plus webhook delivery
//
// The broker shares the registry's badger instance so create-then-enqueue
// commits in a single transaction.
func (a *App) initServices() error {
	// 1. Durable broker
	broker, err := queue.NewBroker(a.StorageManager.DB().Raw(), &a.Config.Queue, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue broker: %w", err)
	}
	if err := broker.Start(); err != nil {
		return fmt.Errorf("failed to start queue broker: %w", err)
	}
	a.Broker = broker
	a.Logger.Debug().Msg("Queue broker started")

	// 2. Job registry
	a.JobService = jobsvc.NewService(a.StorageManager, a.Broker, a.EventService, &a.Config.Jobs, a.Logger)
	a.Logger.Debug().Msg("Job service initialized")

	// 3. Pending sweeper re-enqueues jobs whose enqueue never landed
	a.Sweeper = jobsvc.NewSweeper(a.JobService, &a.Config.Jobs, a.Logger)
	a.Sweeper.Start()
	a.Logger.Debug().Msg("Pending job sweeper started")

	// 4. Webhook fan-out. The dispatcher subscribes to lifecycle events
	// and records deliveries; actual sends run on the webhook channel.
	a.Dispatcher = webhooks.NewDispatcher(a.StorageManager, a.JobService, a.EventService, &a.Config.Webhooks, a.Logger)
	if err := a.Dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start webhook dispatcher: %w", err)
	}
	a.Subscriptions = webhooks.NewSubscriptionService(a.StorageManager, &a.Config.Webhooks, a.Logger)
	if a.Config.Webhooks.SeedFile != "" {
		seeded, err := a.Subscriptions.SeedFromFile(context.Background(), a.Config.Webhooks.SeedFile)
		if err != nil {
			a.Logger.Warn().Err(err).Str("file", a.Config.Webhooks.SeedFile).Msg("Failed to seed webhook subscriptions")
		} else if seeded > 0 {
			a.Logger.Info().Int("count", seeded).Msg("Seeded webhook subscriptions from file")
		}
	}
	a.Logger.Debug().Msg("Webhook services initialized")

	// 5. GitHub connector feeds enhancement context when enabled
	if a.Config.Connectors.GitHub.Enabled {
		connector, err := github.NewConnector(&a.Config.Connectors.GitHub, a.Logger)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to initialize GitHub connector - profile imports will be unavailable")
		} else {
			a.GitHubConnector = connector
			a.Logger.Debug().Msg("GitHub connector initialized")
		}
	}

	// 6. Processing domains. LLM-backed services degrade to a stub that
	// fails their jobs with a clear code when no credentials are present,
	// so submissions still land in the registry instead of being rejected.
	a.ParsingService = parsing.NewService(a.StorageManager, a.JobService, &a.Config.Parsing, a.Logger)

	var provider enhancement.Provider
	claude, err := enhancement.NewClaudeProvider(&a.Config.LLM.Claude, a.Logger)
	if err != nil {
		provider = unconfiguredProvider{}
		a.Logger.Warn().Err(err).Msg("Claude provider unavailable - enhancement jobs will fail until a key is configured")
		a.Logger.Info().Msg("To enable enhancement, set ANTHROPIC_API_KEY or llm.claude.api_key in config")
	} else {
		provider = claude
	}
	a.EnhancementService = enhancement.NewService(a.StorageManager, a.JobService, provider, a.GitHubConnector, &a.Config.LLM.Claude, a.Logger)

	var scorer evaluation.Scorer
	gemini, err := evaluation.NewGeminiScorer(context.Background(), &a.Config.LLM.Gemini, a.Logger)
	if err != nil {
		scorer = unconfiguredScorer{}
		a.Logger.Warn().Err(err).Msg("Gemini scorer unavailable - evaluation jobs will fail until a key is configured")
		a.Logger.Info().Msg("To enable evaluation, set GEMINI_API_KEY or llm.gemini.api_key in config")
	} else {
		scorer = gemini
	}
	a.EvaluationService = evaluation.NewService(a.StorageManager, a.JobService, scorer, &a.Config.LLM.Gemini, a.Logger)

	var renderer generation.Renderer = generation.NewFpdfRenderer(a.Logger)
	if a.Config.Generation.Renderer == "chrome" {
		chrome, err := generation.NewChromeRenderer(a.Config.Generation.ChromeWorkers, a.Logger)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Chrome renderer unavailable - falling back to fpdf")
		} else {
			a.chromeRenderer = chrome
			renderer = chrome
		}
	}
	a.GenerationService = generation.NewService(a.StorageManager, a.JobService, renderer, &a.Config.Generation, a.Logger)
	a.Logger.Debug().Str("renderer", renderer.Name()).Msg("Processing domains initialized")

	// 7. Worker runtime with one processor per channel
	runtime := workers.NewRuntime(a.Broker, a.JobService, a.EventService, &a.Config.Queue, a.Logger)
	for _, svc := range []interfaces.DomainService{a.ParsingService, a.EnhancementService, a.EvaluationService, a.GenerationService} {
		if err := runtime.Register(workers.NewServiceProcessor(svc)); err != nil {
			return fmt.Errorf("failed to register %s processor: %w", svc.Domain(), err)
		}
	}
	if err := runtime.Register(webhooks.NewProcessor(a.Dispatcher, a.Logger)); err != nil {
		return fmt.Errorf("failed to register webhook processor: %w", err)
	}
	a.WorkerRuntime = runtime
	a.Logger.Debug().Msg("Worker runtime initialized")

	// 8. Health monitor publishes snapshots and feeds the prometheus
	// registry served at /metrics
	metrics := health.NewMetrics()
	a.Monitor = health.NewMonitor(a.StorageManager, a.Broker, a.WorkerRuntime, a.EventService, metrics, &a.Config.Health, a.Logger)
	if err := a.Monitor.Start(); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	a.Logger.Debug().Msg("Health monitor started")

	// 9. Mail intake polls the inbox and submits attachments for parsing.
	// A bad mailbox config degrades the feature rather than failing boot.
	a.IntakeService = intake.NewService(a.StorageManager, a.ParsingService, &a.Config.Intake.IMAP, a.Logger)
	if err := a.IntakeService.Start(); err != nil {
		a.Logger.Warn().Err(err).Msg("Mail intake unavailable")
	}

	// 10. Scheduler owns recurring maintenance
	if err := a.initScheduler(); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	return nil
}

// initScheduler registers recurring maintenance and starts the cron
// runner. The pending sweep is NOT registered here - the Sweeper owns
// it on its own ticker.
func (a *App) initScheduler() error {
	sched := scheduler.NewService(a.Logger)

	sweepEvery := common.Duration(a.Config.Webhooks.SweepInterval, 30*time.Second)
	if err := sched.Register("webhook-sweep", "@every "+sweepEvery.String(), func() error {
		_, err := a.Dispatcher.SweepDue(context.Background())
		return err
	}); err != nil {
		return err
	}

	cleanupSchedule := a.Config.Jobs.CleanupSchedule
	if cleanupSchedule == "" {
		cleanupSchedule = "0 3 * * *"
	}
	if err := sched.Register("job-cleanup", cleanupSchedule, func() error {
		removed, err := a.JobService.CleanupJobs(context.Background(), a.Config.Jobs.CleanupDays)
		if err != nil {
			return err
		}
		if removed > 0 {
			a.Logger.Info().Int("removed", removed).Msg("Cleaned up terminal jobs")
		}
		return nil
	}); err != nil {
		return err
	}
	if err := sched.Register("delivery-cleanup", cleanupSchedule, func() error {
		removed, err := a.Dispatcher.CleanupDeliveries(context.Background())
		if err != nil {
			return err
		}
		if removed > 0 {
			a.Logger.Info().Int("removed", removed).Msg("Cleaned up webhook deliveries")
		}
		return nil
	}); err != nil {
		return err
	}

	if err := sched.Start(); err != nil {
		return err
	}
	a.SchedulerService = sched
	a.Logger.Debug().
		Str("webhook_sweep", sweepEvery.String()).
		Str("cleanup", cleanupSchedule).
		Msg("Scheduler started")

	return nil
}

// initHandlers builds the REST surface over the service graph
func (a *App) initHandlers() error {
	a.ParsingHandler = handlers.NewDomainHandler(a.ParsingService, a.JobService, a.Logger)
	a.EnhancementHandler = handlers.NewDomainHandler(a.EnhancementService, a.JobService, a.Logger)
	a.EvaluationHandler = handlers.NewDomainHandler(a.EvaluationService, a.JobService, a.Logger)
	a.GenerationHandler = handlers.NewDomainHandler(a.GenerationService, a.JobService, a.Logger)
	a.DeliveryJobHandler = handlers.NewDeliveryJobHandler(a.JobService, a.Logger)
	a.WebhookHandler = handlers.NewWebhookHandler(a.Subscriptions, a.Dispatcher, a.Logger)
	a.SystemHandler = handlers.NewSystemHandler(a.Monitor, a.Logger)
	a.MetricsHandler = a.Monitor.Metrics().Handler()
	a.Logger.Debug().Msg("HTTP handlers initialized")

	return nil
}

// Close stops services in reverse dependency order. Consumers drain
// before the broker stops so in-flight claims can still settle, and
// storage closes last.
func (a *App) Close() error {
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	if a.IntakeService != nil {
		if err := a.IntakeService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop mail intake")
		}
	}

	var drainErr error
	if a.WorkerRuntime != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.WorkerRuntime.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Worker runtime did not drain cleanly")
			drainErr = err
		}
		cancel()
	}

	if a.Monitor != nil {
		if err := a.Monitor.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop health monitor")
		}
	}

	if a.Dispatcher != nil {
		if err := a.Dispatcher.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop webhook dispatcher")
		}
	}

	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}

	if a.chromeRenderer != nil {
		a.chromeRenderer.Close()
	}

	if a.Broker != nil {
		if err := a.Broker.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop queue broker")
		}
	}

	if a.EventService != nil {
		a.EventService.Close()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}

	if drainErr != nil {
		return fmt.Errorf("worker runtime did not drain: %w", drainErr)
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
