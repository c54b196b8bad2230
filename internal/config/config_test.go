package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/snapq/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "snapq")
	t.Setenv("SNAPQ_HOME", home)
	t.Setenv("SNAPQ_AUTH_SECRET", "s3cret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Broker.Driver != config.DriverSQLite || cfg.Broker.Path != filepath.Join(home, "snapq.db") {
		t.Fatalf("broker = %+v", cfg.Broker)
	}
	if got := cfg.QueueNames(); len(got) != 2 || got[0] != "default" || got[1] != "face_detection" {
		t.Fatalf("queues = %v", got)
	}
	if cfg.Queue.LeaseDuration() != 30*time.Second || cfg.Queue.MaxRetries != 3 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.RetryBackoff() != 30*time.Second {
		t.Fatalf("retry backoff = %s", cfg.Queue.RetryBackoff())
	}
	if cfg.Scaling.MemoryCeilingBytes() != 4000<<20 {
		t.Fatalf("memory ceiling = %d", cfg.Scaling.MemoryCeilingBytes())
	}
	if cfg.Scaling.Interval() != 15*time.Second {
		t.Fatalf("interval = %s", cfg.Scaling.Interval())
	}
	if cfg.Ingress.IdleTimeout() != time.Minute {
		t.Fatalf("idle timeout = %s", cfg.Ingress.IdleTimeout())
	}
	if cfg.Auth.TokenTTL() != 24*time.Hour {
		t.Fatalf("token ttl = %s", cfg.Auth.TokenTTL())
	}
	if len(cfg.Scheduler.Schedules) != 1 || cfg.Scheduler.Schedules[0].Spec != "@every 24h" {
		t.Fatalf("schedules = %+v", cfg.Scheduler.Schedules)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
bind_addr: 0.0.0.0:9000
broker:
  driver: redis
  redis_url: redis://localhost:6379/0
queues:
  - name: default
    weight: 1
  - name: face_detection
    weight: 4
    rate_per_minute: 5
    retry_backoff_seconds: 0
scaling:
  min_workers: 2
  max_workers: 8
auth:
  secret: from-file
`)
	t.Setenv("SNAPQ_MAX_WORKERS", "12")
	t.Setenv("SNAPQ_CPU_UP_THRESHOLD", "90")
	t.Setenv("SNAPQ_AUTH_SECRET", "from-env")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.Broker.Driver != config.DriverRedis {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Queues[1].RatePerMinute != 5 || cfg.Queues[1].Weight != 4 {
		t.Fatalf("face_detection queue = %+v", cfg.Queues[1])
	}
	if b := cfg.Queues[1].RetryBackoffSeconds; b == nil || *b != 0 {
		t.Fatalf("face_detection retry backoff = %v, want explicit 0", b)
	}
	if cfg.Queues[0].RetryBackoffSeconds != nil {
		t.Fatalf("default queue should inherit the queue section backoff")
	}
	if cfg.Scaling.MinWorkers != 2 || cfg.Scaling.MaxWorkers != 12 {
		t.Fatalf("scaling = %+v", cfg.Scaling)
	}
	if cfg.Scaling.CPUUpThreshold != 90 {
		t.Fatalf("cpu up = %v", cfg.Scaling.CPUUpThreshold)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Fatalf("secret = %q", cfg.Auth.Secret)
	}
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"min above max", "scaling:\n  min_workers: 5\n  max_workers: 2\n", "min_workers"},
		{"thresholds inverted", "scaling:\n  cpu_up_threshold: 20\n  cpu_down_threshold: 30\n", "cpu_down_threshold"},
		{"unknown driver", "broker:\n  driver: kafka\n", "unknown broker.driver"},
		{"redis without url", "broker:\n  driver: redis\n", "redis_url"},
		{"duplicate queue", "queues:\n  - name: default\n  - name: default\n  - name: face_detection\n", "duplicate queue"},
		{"unknown runtime", "scaling:\n  runtime: fibers\n", "scaling.runtime"},
		{"bad min share", "queue:\n  min_share: 1.5\n", "min_share"},
		{"negative retry backoff", "queues:\n  - name: default\n    retry_backoff_seconds: -1\n  - name: face_detection\n", "retry_backoff_seconds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tc.body+"auth:\n  secret: x\n")
			_, err := config.LoadFrom(home)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLocalAuthRequiresSecret(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SNAPQ_AUTH_SECRET", "")
	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "auth.secret") {
		t.Fatalf("expected auth.secret error, got %v", err)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte("SNAPQ_AUTH_SECRET=dotenv\nSNAPQ_LOG_LEVEL=debug\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("SNAPQ_AUTH_SECRET", "already-set")
	t.Setenv("SNAPQ_LOG_LEVEL", "")
	os.Unsetenv("SNAPQ_LOG_LEVEL")

	if err := config.LoadDotEnv(home); err != nil {
		t.Fatalf("load .env: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "already-set" {
		t.Fatalf("secret = %q, .env must not override the environment", cfg.Auth.Secret)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug from .env", cfg.LogLevel)
	}
}

func TestFingerprintChangesWithScaling(t *testing.T) {
	a := config.Default(t.TempDir())
	b := a
	b.Scaling.MaxWorkers++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when scaling changes")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
}
