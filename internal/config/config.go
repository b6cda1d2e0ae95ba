// Package config loads and validates listing-ingest configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig guards the job trigger endpoint.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and optional file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// QueueConfig selects the job broker and tunes workers.
type QueueConfig struct {
	// Backend is "redis" or "memory".
	Backend          string `mapstructure:"backend"`
	RedisAddr        string `mapstructure:"redis_addr"`
	RedisPassword    string `mapstructure:"redis_password"`
	RedisDB          int    `mapstructure:"redis_db"`
	Prefix           string `mapstructure:"prefix"`
	Concurrency      int    `mapstructure:"concurrency"`
	LockSeconds      int    `mapstructure:"lock_seconds"`
	RenewSeconds     int    `mapstructure:"renew_seconds"`
	StalledSeconds   int    `mapstructure:"stalled_seconds"`
	PollMs           int    `mapstructure:"poll_ms"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	RetryBaseSeconds int    `mapstructure:"retry_base_seconds"`
	RetryMaxSeconds  int    `mapstructure:"retry_max_seconds"`
}

// HTTPConfig configures the plain HTTP driver.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBytes       int     `mapstructure:"max_bytes"`
	UserAgent      string  `mapstructure:"user_agent"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	SettleMs      int    `mapstructure:"settle_ms"`
	ExecPath      string `mapstructure:"exec_path"`
}

// DiscoveryConfig overrides discovery engine bounds.
type DiscoveryConfig struct {
	PerSeedCandidateCap int `mapstructure:"per_seed_candidate_cap"`
	GlobalCandidateCap  int `mapstructure:"global_candidate_cap"`
}

// StorageConfig sets where raw HTML snapshots go. An empty bucket keeps
// snapshots in memory.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	// LocalDir keeps snapshots on disk when no bucket is configured.
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate                bool   `mapstructure:"migrate"`
}

// PubSubConfig holds where run events are published. An empty project keeps
// events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment. Environment variables use the
// LISTING_ prefix with dots replaced by underscores, e.g. LISTING_QUEUE_REDIS_ADDR.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTING")
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
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.prefix", "listing")
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.lock_seconds", 30)
	v.SetDefault("queue.poll_ms", 500)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.retry_base_seconds", 30)
	v.SetDefault("queue.retry_max_seconds", 1800)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_bytes", 2<<20)
	v.SetDefault("http.user_agent", "listing-ingest/1.0 (+https://github.com/JakeFAU/listing-ingest)")
	v.SetDefault("http.per_host_rps", 2.0)
	v.SetDefault("http.per_host_burst", 2)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.settle_ms", 1500)
	v.SetDefault("discovery.per_seed_candidate_cap", 2000)
	v.SetDefault("discovery.global_candidate_cap", 10000)
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.topic_name", "listing-run-events")
	v.SetDefault("telemetry.service_name", "listing-ingest")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Queue.Backend {
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("queue.backend must be redis or memory, got %q", c.Queue.Backend)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.LockSeconds <= 0 {
		return fmt.Errorf("queue.lock_seconds must be > 0")
	}
	if c.Queue.RenewSeconds < 0 || (c.Queue.RenewSeconds > 0 && c.Queue.RenewSeconds >= c.Queue.LockSeconds) {
		return fmt.Errorf("queue.renew_seconds must be shorter than queue.lock_seconds")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.PerHostRPS < 0 {
		return fmt.Errorf("http.per_host_rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// LockDuration is the broker lock TTL for in-flight jobs.
func (c QueueConfig) LockDuration() time.Duration {
	return time.Duration(c.LockSeconds) * time.Second
}

// RenewEvery is the lock renewal period; zero lets the worker pick half the lock.
func (c QueueConfig) RenewEvery() time.Duration {
	return time.Duration(c.RenewSeconds) * time.Second
}

// StalledInterval is the stalled-job sweep period; zero lets the worker pick.
func (c QueueConfig) StalledInterval() time.Duration {
	return time.Duration(c.StalledSeconds) * time.Second
}

// PollInterval is how long an idle worker waits before claiming again.
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMs) * time.Millisecond
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c HTTPConfig) FetchTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NavigationTimeout converts the headless timeout into a duration.
func (c HeadlessConfig) NavigationTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// Settle converts the headless settle delay into a duration.
func (c HeadlessConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}
