// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig            `mapstructure:"server"`
	Auth         AuthConfig              `mapstructure:"auth"`
	Logging      LoggingConfig           `mapstructure:"logging"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator"`
	Worker       WorkerConfig            `mapstructure:"worker"`
	Fetch        FetchConfig             `mapstructure:"fetch"`
	Breaker      BreakerConfig           `mapstructure:"breaker"`
	Dedup        DedupConfig             `mapstructure:"dedup"`
	History      HistoryConfig           `mapstructure:"history"`
	DB           DBConfig                `mapstructure:"db"`
	PubSub       PubSubConfig            `mapstructure:"pubsub"`
	Archive      ArchiveConfig           `mapstructure:"archive"`
	Sink         SinkConfig              `mapstructure:"sink"`
	Notify       NotifyConfig            `mapstructure:"notify"`
	Sources      map[string]SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// OrchestratorConfig bounds worker resources and cleanup cadence.
type OrchestratorConfig struct {
	MaxWorkersPerTenant    int `mapstructure:"max_workers_per_tenant"`
	MaxConcurrentTenants   int `mapstructure:"max_concurrent_tenants"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

// WorkerConfig governs the polling loop cadence.
type WorkerConfig struct {
	MinPollSeconds     int `mapstructure:"min_poll_seconds"`
	DefaultPollSeconds int `mapstructure:"default_poll_seconds"`
}

// FetchConfig configures fetch client retry and rate-limit behavior.
type FetchConfig struct {
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	MaxAttempts        int     `mapstructure:"max_attempts"`
	BackoffInitialMs   int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int     `mapstructure:"backoff_max_ms"`
	RateLimitRPS       float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
	RetryAfterFallback int     `mapstructure:"retry_after_fallback_seconds"`
}

// BreakerConfig governs circuit breaker thresholds and backoff bounds.
type BreakerConfig struct {
	Threshold        int `mapstructure:"threshold"`
	WindowMinutes    int `mapstructure:"window_minutes"`
	BaseDelaySeconds int `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds  int `mapstructure:"max_delay_seconds"`
}

// DedupConfig controls the dedup store window and scoping.
type DedupConfig struct {
	WindowHours int    `mapstructure:"window_hours"`
	Shared      bool   `mapstructure:"shared"`
	Driver      string `mapstructure:"driver"`
}

// HistoryConfig sizes the in-memory run history ring buffer.
type HistoryConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where raw failure payloads are archived.
type ArchiveConfig struct {
	Driver    string `mapstructure:"driver"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// SinkConfig selects the listing sink backend.
type SinkConfig struct {
	Driver string `mapstructure:"driver"`
}

// NotifyConfig selects the notification dispatcher backend.
type NotifyConfig struct {
	Driver string `mapstructure:"driver"`
}

// SourceConfig describes one marketplace integration endpoint.
type SourceConfig struct {
	BaseURL string  `mapstructure:"base_url"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEALRADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("orchestrator.max_workers_per_tenant", 6)
	v.SetDefault("orchestrator.max_concurrent_tenants", 100)
	v.SetDefault("orchestrator.cleanup_interval_seconds", 300)
	v.SetDefault("worker.min_poll_seconds", 30)
	v.SetDefault("worker.default_poll_seconds", 300)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.rate_limit_rps", 1)
	v.SetDefault("fetch.rate_limit_burst", 1)
	v.SetDefault("fetch.retry_after_fallback_seconds", 30)
	v.SetDefault("breaker.threshold", 10)
	v.SetDefault("breaker.window_minutes", 60)
	v.SetDefault("breaker.base_delay_seconds", 60)
	v.SetDefault("breaker.max_delay_seconds", 3600)
	v.SetDefault("dedup.window_hours", 24)
	v.SetDefault("dedup.shared", false)
	v.SetDefault("dedup.driver", "memory")
	v.SetDefault("history.capacity", 100)
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.prefix", "failures")
	v.SetDefault("sink.driver", "memory")
	v.SetDefault("notify.driver", "memory")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Orchestrator.MaxWorkersPerTenant <= 0 {
		return fmt.Errorf("orchestrator.max_workers_per_tenant must be > 0")
	}
	if c.Orchestrator.MaxConcurrentTenants <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_tenants must be > 0")
	}
	if c.Worker.MinPollSeconds <= 0 {
		return fmt.Errorf("worker.min_poll_seconds must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be > 0")
	}
	if c.Breaker.BaseDelaySeconds <= 0 || c.Breaker.MaxDelaySeconds < c.Breaker.BaseDelaySeconds {
		return fmt.Errorf("breaker delays must satisfy 0 < base <= max")
	}
	if c.Dedup.WindowHours <= 0 {
		return fmt.Errorf("dedup.window_hours must be > 0")
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Sink.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when sink.driver is postgres")
		}
	default:
		return fmt.Errorf("sink.driver must be memory or postgres")
	}
	switch c.Notify.Driver {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when notify.driver is pubsub")
		}
	default:
		return fmt.Errorf("notify.driver must be memory or pubsub")
	}
	switch c.Archive.Driver {
	case "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set when archive.driver is local")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.driver is gcs")
		}
	default:
		return fmt.Errorf("archive.driver must be one of none, memory, local, gcs")
	}
	for name, src := range c.Sources {
		if src.BaseURL == "" {
			return fmt.Errorf("sources.%s.base_url must be set", name)
		}
	}
	return nil
}

// FetchTimeout returns the per-request timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// PollFloor returns the minimum allowed poll interval.
func (c Config) PollFloor() time.Duration {
	return time.Duration(c.Worker.MinPollSeconds) * time.Second
}

// DedupWindow returns the rolling dedup window as a duration.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowHours) * time.Hour
}
