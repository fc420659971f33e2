// Package config loads application configuration from environment variables
// and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openomy/issue-analysis/internal/logger"
)

// EnvPrefix is prepended to every environment variable, e.g.
// ISSUE_ANALYSIS_LISTEN_ADDR.
const EnvPrefix = "ISSUE_ANALYSIS"

// Config holds the application configuration.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration

	DBDriver    string // "sqlite" or "postgres"
	DBPath      string
	PostgresDSN string

	QueueBackend string // "sqlite", "redis" or "memory"
	Redis        RedisConfig

	CandidateSource string // "store" or "github"
	GitHubToken     string

	LLM      LLMConfig
	Batch    BatchConfig
	Schedule ScheduleConfig
	Log      logger.Config
}

// RedisConfig configures the redis queue and status backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// LLMConfig selects the classification model.
type LLMConfig struct {
	Provider     string // "ollama" or "gemini"
	Model        string
	OllamaHost   string
	GeminiAPIKey string
}

// BatchConfig tunes the orchestrator and its worker pool.
type BatchConfig struct {
	Concurrency        int
	MaxAttempts        int
	RetryDelay         time.Duration
	RequestDelay       time.Duration
	CallTimeout        time.Duration
	PageSize           int
	DedupBatchSize     int
	PushBatchSize      int
	DedupBeforeEnqueue bool
	ErrorsCap          int
	ActiveTTL          time.Duration
	TerminalTTL        time.Duration
}

// ScheduleConfig controls timed starts for every watched repository.
type ScheduleConfig struct {
	Enabled bool
	Cron    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("shutdown_timeout", "30s")

	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_path", "issue-analysis.db")

	v.SetDefault("queue_backend", "sqlite")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_key_prefix", "batch:classification")

	v.SetDefault("candidate_source", "store")

	v.SetDefault("llm_provider", "ollama")
	v.SetDefault("llm_model", "gemma3:latest")
	v.SetDefault("ollama_host", "http://localhost:11434")

	v.SetDefault("batch_concurrency", 10)
	v.SetDefault("batch_max_attempts", 3)
	v.SetDefault("batch_retry_delay", "500ms")
	v.SetDefault("batch_request_delay", "500ms")
	v.SetDefault("batch_call_timeout", "30s")
	v.SetDefault("batch_page_size", 1000)
	v.SetDefault("batch_dedup_batch_size", 100)
	v.SetDefault("batch_push_batch_size", 500)
	v.SetDefault("batch_dedup_before_enqueue", true)
	v.SetDefault("batch_errors_cap", 200)
	v.SetDefault("batch_active_ttl", "24h")
	v.SetDefault("batch_terminal_ttl", "1h")

	v.SetDefault("schedule_enabled", false)
	v.SetDefault("schedule_cron", "0 3 * * *")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_output", "stdout")
}

// Load reads configuration from ISSUE_ANALYSIS_* environment variables and,
// when configFile is non-empty, from that file. Environment variables win
// over the file; both win over defaults. The result is validated.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		ListenAddr:      v.GetString("listen_addr"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		DBDriver:        strings.ToLower(v.GetString("db_driver")),
		DBPath:          v.GetString("db_path"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		QueueBackend:    strings.ToLower(v.GetString("queue_backend")),
		Redis: RedisConfig{
			Addr:      v.GetString("redis_addr"),
			Password:  v.GetString("redis_password"),
			DB:        v.GetInt("redis_db"),
			KeyPrefix: v.GetString("redis_key_prefix"),
		},
		CandidateSource: strings.ToLower(v.GetString("candidate_source")),
		GitHubToken:     v.GetString("github_token"),
		LLM: LLMConfig{
			Provider:     strings.ToLower(v.GetString("llm_provider")),
			Model:        v.GetString("llm_model"),
			OllamaHost:   v.GetString("ollama_host"),
			GeminiAPIKey: v.GetString("gemini_api_key"),
		},
		Batch: BatchConfig{
			Concurrency:        v.GetInt("batch_concurrency"),
			MaxAttempts:        v.GetInt("batch_max_attempts"),
			RetryDelay:         v.GetDuration("batch_retry_delay"),
			RequestDelay:       v.GetDuration("batch_request_delay"),
			CallTimeout:        v.GetDuration("batch_call_timeout"),
			PageSize:           v.GetInt("batch_page_size"),
			DedupBatchSize:     v.GetInt("batch_dedup_batch_size"),
			PushBatchSize:      v.GetInt("batch_push_batch_size"),
			DedupBeforeEnqueue: v.GetBool("batch_dedup_before_enqueue"),
			ErrorsCap:          v.GetInt("batch_errors_cap"),
			ActiveTTL:          v.GetDuration("batch_active_ttl"),
			TerminalTTL:        v.GetDuration("batch_terminal_ttl"),
		},
		Schedule: ScheduleConfig{
			Enabled: v.GetBool("schedule_enabled"),
			Cron:    v.GetString("schedule_cron"),
		},
		Log: logger.Config{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
			Output: v.GetString("log_output"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path must be set for the sqlite driver"))
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn must be set for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported db_driver %q: use sqlite or postgres", c.DBDriver))
	}

	switch c.QueueBackend {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path must be set for the sqlite queue backend"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis_addr must be set for the redis queue backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported queue_backend %q: use sqlite, redis or memory", c.QueueBackend))
	}

	switch c.CandidateSource {
	case "store", "github":
	default:
		errs = append(errs, fmt.Errorf("unsupported candidate_source %q: use store or github", c.CandidateSource))
	}

	switch c.LLM.Provider {
	case "ollama":
	case "gemini":
		if c.LLM.GeminiAPIKey == "" {
			errs = append(errs, errors.New("gemini_api_key must be set for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported llm_provider %q: use ollama or gemini", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm_model must be set"))
	}

	if c.Batch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("batch_concurrency must be at least 1, got %d", c.Batch.Concurrency))
	}
	if c.Batch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("batch_max_attempts must be at least 1, got %d", c.Batch.MaxAttempts))
	}
	if c.Batch.RetryDelay < 0 || c.Batch.RequestDelay < 0 {
		errs = append(errs, errors.New("batch delays must not be negative"))
	}
	if c.Batch.PageSize < 1 || c.Batch.DedupBatchSize < 1 || c.Batch.PushBatchSize < 1 {
		errs = append(errs, errors.New("batch page, dedup and push sizes must be at least 1"))
	}

	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		errs = append(errs, errors.New("schedule_cron must be set when the schedule is enabled"))
	}

	return errors.Join(errs...)
}
