package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Queue       QueueConfig      `toml:"queue"`
	Jobs        JobsConfig       `toml:"jobs"`
	Webhooks    WebhooksConfig   `toml:"webhooks"`
	Health      HealthConfig     `toml:"health"`
	LLM         LLMConfig        `toml:"llm"`
	Parsing     ParsingConfig    `toml:"parsing"`
	Generation  GenerationConfig `toml:"generation"`
	Intake      IntakeConfig     `toml:"intake"`
	Connectors  ConnectorsConfig `toml:"connectors"`
	Auth        AuthConfig       `toml:"auth"`
	Logging     LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port" validate:"min=1,max=65535"`
	ReadTimeout  string `toml:"read_timeout"`  // e.g. "15s"
	WriteTimeout string `toml:"write_timeout"` // e.g. "30s"
	IdleTimeout  string `toml:"idle_timeout"`  // e.g. "60s"
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// QueueConfig controls the durable broker and its consumers
type QueueConfig struct {
	PollInterval    string                   `toml:"poll_interval"`     // How often idle consumers poll, e.g. "250ms"
	LockDuration    string                   `toml:"lock_duration"`     // Claim duration; must exceed the longest processing time
	MaxStalledCount int                      `toml:"max_stalled_count"` // Redeliveries after lock expiry before dead-lettering
	Channels        map[string]ChannelConfig `toml:"channels"`          // Per job type settings, keyed by type name
}

// ChannelConfig holds per-channel consumer and rate limit settings
type ChannelConfig struct {
	Concurrency int     `toml:"concurrency"` // Concurrent consumers for this channel
	RateLimit   float64 `toml:"rate_limit"`  // Entries per second released to consumers (0 = unlimited)
	RateBurst   int     `toml:"rate_burst"`  // Token bucket burst size
}

// JobsConfig contains orchestration defaults and sweep settings
type JobsConfig struct {
	DefaultMaxRetries    int     `toml:"default_max_retries" validate:"min=0"`
	RetryBackoffBase     string  `toml:"retry_backoff_base"`    // e.g. "2s"
	RetryBackoffCeiling  string  `toml:"retry_backoff_ceiling"` // e.g. "5m"
	RetryBackoffFactor   float64 `toml:"retry_backoff_factor"`  // Exponential multiplier
	CleanupDays          int     `toml:"cleanup_days"`          // Age for the terminal-job cleanup sweep
	CleanupMinDays       int     `toml:"cleanup_min_days"`      // Floor below which cleanup requests are refused
	PendingSweepInterval string  `toml:"pending_sweep_interval"`
	PendingSweepAge      string  `toml:"pending_sweep_age"`  // How long a job may sit in pending before re-enqueue
	CleanupSchedule      string  `toml:"cleanup_schedule"`   // Cron schedule for the terminal-job cleanup
	RemoveOnComplete     int     `toml:"remove_on_complete"` // Completed broker entries retained per channel
	RemoveOnFailAge      string  `toml:"remove_on_fail_age"` // Age before failed broker entries are purged
}

// WebhooksConfig controls the outbound delivery dispatcher
type WebhooksConfig struct {
	Timeout         string `toml:"timeout"`          // Per-attempt HTTP timeout
	MaxRetriesCap   int    `toml:"max_retries_cap"`  // System cap on per-subscription max_retries
	BackoffBase     string `toml:"backoff_base"`     // Base delay between attempts
	RetentionDays   int    `toml:"retention_days"`   // Successful delivery records older than this are removed
	SweepInterval   string `toml:"sweep_interval"`   // How often due retries are re-enqueued
	SeedFile        string `toml:"seed_file"`        // Optional YAML file of subscriptions loaded at startup
	SignatureHeader string `toml:"signature_header"` // Header carrying the HMAC of the body
}

// HealthConfig controls the passive monitor
type HealthConfig struct {
	Interval         string `toml:"interval"`          // Snapshot cadence
	WaitingThreshold int    `toml:"waiting_threshold"` // Warn when a channel's waiting depth exceeds this
	DelayedThreshold int    `toml:"delayed_threshold"` // Warn when a channel's delayed depth exceeds this
	MemoryPercent    int    `toml:"memory_percent"`    // Warn above this percentage of the heap limit
	RSSLimitMB       int    `toml:"rss_limit_mb"`      // Warn above this resident set size
}

// LLMConfig groups the model provider settings
type LLMConfig struct {
	Claude ClaudeConfig `toml:"claude"`
	Gemini GeminiConfig `toml:"gemini"`
}

// ClaudeConfig holds Anthropic Claude settings for the enhancement service
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"` // Overridden by ANTHROPIC_API_KEY
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

// GeminiConfig holds Google Gemini settings for the evaluation service
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"` // Overridden by GEMINI_API_KEY
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

type ParsingConfig struct {
	Timeout     string `toml:"timeout"`       // Per-job extraction timeout
	MaxFileSize int64  `toml:"max_file_size"` // Bytes; larger inputs are refused
	TempDir     string `toml:"temp_dir"`      // Scratch space for PDF extraction (default: os temp)
}

type GenerationConfig struct {
	Timeout       string `toml:"timeout"`
	Renderer      string `toml:"renderer" validate:"oneof=fpdf chrome"` // "fpdf" or "chrome"
	ChromeWorkers int    `toml:"chrome_workers"`                        // Headless browser pool size
}

type IntakeConfig struct {
	IMAP IMAPConfig `toml:"imap"`
}

// IMAPConfig configures the inbox poller that turns attachments into parsing jobs
type IMAPConfig struct {
	Enabled      bool   `toml:"enabled"`
	Server       string `toml:"server"` // host:port
	Username     string `toml:"username"`
	Password     string `toml:"password"` // Overridden by CVFORGE_IMAP_PASSWORD
	Folder       string `toml:"folder"`
	PollInterval string `toml:"poll_interval"`
	OwnerID      string `toml:"owner_id"` // Owner assigned to jobs created from inbox mail
}

type ConnectorsConfig struct {
	GitHub GitHubConfig `toml:"github"`
}

// GitHubConfig configures the profile import connector used by enhancement
type GitHubConfig struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"` // Overridden by GITHUB_TOKEN
}

type AuthConfig struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"` // Overridden by CVFORGE_API_KEY
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8085,
			ReadTimeout:  "15s",
			WriteTimeout: "30s",
			IdleTimeout:  "60s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/cvforge",
				ResetOnStartup: false,
			},
		},
		Queue: QueueConfig{
			PollInterval:    "250ms",
			LockDuration:    "5m",
			MaxStalledCount: 3,
			Channels: map[string]ChannelConfig{
				"parsing":          {Concurrency: 4, RateLimit: 0, RateBurst: 1},
				"enhancement":      {Concurrency: 2, RateLimit: 1, RateBurst: 2},
				"evaluation":       {Concurrency: 2, RateLimit: 1, RateBurst: 2},
				"generation":       {Concurrency: 2, RateLimit: 0, RateBurst: 1},
				"webhook_delivery": {Concurrency: 4, RateLimit: 10, RateBurst: 20},
			},
		},
		Jobs: JobsConfig{
			DefaultMaxRetries:    3,
			RetryBackoffBase:     "2s",
			RetryBackoffCeiling:  "5m",
			RetryBackoffFactor:   2.0,
			CleanupDays:          30,
			CleanupMinDays:       7,
			PendingSweepInterval: "1m",
			PendingSweepAge:      "2m",
			CleanupSchedule:      "0 3 * * *",
			RemoveOnComplete:     100,
			RemoveOnFailAge:      "168h",
		},
		Webhooks: WebhooksConfig{
			Timeout:         "10s",
			MaxRetriesCap:   10,
			BackoffBase:     "30s",
			RetentionDays:   14,
			SweepInterval:   "30s",
			SignatureHeader: "X-CVForge-Signature",
		},
		Health: HealthConfig{
			Interval:         "30s",
			WaitingThreshold: 1000,
			DelayedThreshold: 500,
			MemoryPercent:    85,
			RSSLimitMB:       2048,
		},
		LLM: LLMConfig{
			Claude: ClaudeConfig{
				Model:       "claude-sonnet-4-5",
				Timeout:     "120s",
				MaxTokens:   4096,
				Temperature: 0.3,
			},
			Gemini: GeminiConfig{
				Model:       "gemini-2.5-flash",
				Timeout:     "120s",
				MaxTokens:   4096,
				Temperature: 0.2,
			},
		},
		Parsing: ParsingConfig{
			Timeout:     "60s",
			MaxFileSize: 20 * 1024 * 1024,
		},
		Generation: GenerationConfig{
			Timeout:       "60s",
			Renderer:      "fpdf",
			ChromeWorkers: 2,
		},
		Intake: IntakeConfig{
			IMAP: IMAPConfig{
				Enabled:      false,
				Folder:       "INBOX",
				PollInterval: "2m",
				OwnerID:      "intake",
			},
		},
		Connectors: ConnectorsConfig{
			GitHub: GitHubConfig{Enabled: false},
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env
// Later files override earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CVFORGE_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("CVFORGE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("CVFORGE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if path := os.Getenv("CVFORGE_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if level := os.Getenv("CVFORGE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Secrets are environment-first so they never need to live in config files
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		config.LLM.Claude.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		config.LLM.Gemini.APIKey = key
	}
	if key := os.Getenv("GITHUB_TOKEN"); key != "" {
		config.Connectors.GitHub.Token = key
	}
	if key := os.Getenv("CVFORGE_API_KEY"); key != "" {
		config.Auth.APIKey = key
	}
	if pw := os.Getenv("CVFORGE_IMAP_PASSWORD"); pw != "" {
		config.Intake.IMAP.Password = pw
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks structural constraints on the configuration
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Jobs.CleanupMinDays < 1 {
		return fmt.Errorf("invalid configuration: jobs.cleanup_min_days must be at least 1")
	}
	if c.Jobs.CleanupDays < c.Jobs.CleanupMinDays {
		return fmt.Errorf("invalid configuration: jobs.cleanup_days %d is below the floor %d", c.Jobs.CleanupDays, c.Jobs.CleanupMinDays)
	}
	return nil
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Duration parses a duration string with a fallback for empty or invalid values
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
