package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  file: /var/log/listing.log
queue:
  backend: memory
  concurrency: 4
  lock_seconds: 60
  renew_seconds: 20
  max_attempts: 8
http:
  timeout_seconds: 45
  per_host_rps: 0.5
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 20
  settle_ms: 750
storage:
  gcs_bucket: bucket
  prefix: html
pubsub:
  project_id: proj
  topic_name: runs
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Logging.Development || cfg.Logging.File != "/var/log/listing.log" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Queue.Backend != "memory" || cfg.Queue.Concurrency != 4 || cfg.Queue.MaxAttempts != 8 {
		t.Fatalf("expected queue overrides, got %+v", cfg.Queue)
	}
	if got := cfg.Queue.LockDuration(); got != time.Minute {
		t.Fatalf("expected lock 1m, got %v", got)
	}
	if got := cfg.Queue.RenewEvery(); got != 20*time.Second {
		t.Fatalf("expected renew 20s, got %v", got)
	}
	if got := cfg.HTTP.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if cfg.HTTP.PerHostRPS != 0.5 {
		t.Fatalf("expected per host rps 0.5, got %v", cfg.HTTP.PerHostRPS)
	}
	if got := cfg.Headless.Settle(); got != 750*time.Millisecond {
		t.Fatalf("expected settle 750ms, got %v", got)
	}
	if cfg.Storage.GCSBucket != "bucket" || cfg.Storage.Prefix != "html" {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.PubSub.TopicName != "runs" {
		t.Fatalf("expected topic runs, got %s", cfg.PubSub.TopicName)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Queue.Concurrency != 2 || cfg.Queue.LockDuration() != 30*time.Second {
		t.Fatalf("unexpected worker defaults %+v", cfg.Queue)
	}
	if cfg.Discovery.PerSeedCandidateCap != 2000 || cfg.Discovery.GlobalCandidateCap != 10000 {
		t.Fatalf("unexpected discovery defaults %+v", cfg.Discovery)
	}
	if cfg.Telemetry.ServiceName != "listing-ingest" {
		t.Fatalf("unexpected service name %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Queue: QueueConfig{
			Backend:     "redis",
			RedisAddr:   "localhost:6379",
			Concurrency: 1,
			LockSeconds: 30,
			MaxAttempts: 3,
		},
		HTTP: HTTPConfig{TimeoutSeconds: 10},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown backend", func(c *Config) { c.Queue.Backend = "sqs" }, "queue.backend"},
		{"redis without addr", func(c *Config) { c.Queue.RedisAddr = "" }, "queue.redis_addr"},
		{"invalid concurrency", func(c *Config) { c.Queue.Concurrency = 0 }, "queue.concurrency"},
		{"renew not shorter than lock", func(c *Config) { c.Queue.RenewSeconds = 30 }, "queue.renew_seconds"},
		{"no attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"headless missing max parallel", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"pubsub without topic", func(c *Config) { c.PubSub.ProjectID = "proj" }, "pubsub.topic_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
