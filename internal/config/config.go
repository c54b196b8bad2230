package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/snapq/internal/otel"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"

	RuntimeGoroutine = "goroutine"
	RuntimeProcess   = "process"

	AuthLocal  = "local"
	AuthRemote = "remote"

	QueueDefault       = "default"
	QueueFaceDetection = "face_detection"
)

type BrokerConfig struct {
	// Driver selects the backend: "sqlite" (default) or "redis".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Empty uses <home>/snapq.db.
	Path      string `yaml:"path"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// QueueEntry declares one named queue. Weight drives the round-robin share;
// RatePerMinute of 0 means unlimited dispatch. MaxRetries and
// RetryBackoffSeconds override the queue section; a backoff of 0 redelivers
// failed tasks at once.
type QueueEntry struct {
	Name                string `yaml:"name"`
	Weight              int    `yaml:"weight"`
	RatePerMinute       int    `yaml:"rate_per_minute"`
	MaxRetries          *int   `yaml:"max_retries,omitempty"`
	RetryBackoffSeconds *int   `yaml:"retry_backoff_seconds,omitempty"`
}

type QueueConfig struct {
	LeaseDurationSeconds int     `yaml:"lease_duration_seconds"`
	MaxRetries           int     `yaml:"max_retries"`
	ReapIntervalSeconds  int     `yaml:"reap_interval_seconds"`
	MinShare             float64 `yaml:"min_share"`
	PollIntervalMillis   int     `yaml:"poll_interval_ms"`
	TaskTimeoutSeconds   int     `yaml:"task_timeout_seconds"`
	RetryBackoffSeconds  int     `yaml:"retry_backoff_seconds"`
}

func (q QueueConfig) LeaseDuration() time.Duration {
	return time.Duration(q.LeaseDurationSeconds) * time.Second
}

func (q QueueConfig) ReapInterval() time.Duration {
	return time.Duration(q.ReapIntervalSeconds) * time.Second
}

func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMillis) * time.Millisecond
}

func (q QueueConfig) TaskTimeout() time.Duration {
	return time.Duration(q.TaskTimeoutSeconds) * time.Second
}

func (q QueueConfig) RetryBackoff() time.Duration {
	return time.Duration(q.RetryBackoffSeconds) * time.Second
}

type ScalingConfig struct {
	MinWorkers               int     `yaml:"min_workers"`
	MaxWorkers               int     `yaml:"max_workers"`
	CPUUpThreshold           float64 `yaml:"cpu_up_threshold"`
	CPUDownThreshold         float64 `yaml:"cpu_down_threshold"`
	MemoryThresholdPct       float64 `yaml:"memory_threshold_pct"`
	MemoryCeilingPerWorkerMB int     `yaml:"memory_ceiling_per_worker_mb"`
	IntervalSeconds          int     `yaml:"interval_seconds"`
	CooldownSeconds          int     `yaml:"cooldown_seconds"`
	HeartbeatIntervalSeconds int     `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int     `yaml:"heartbeat_timeout_seconds"`
	DrainTimeoutSeconds      int     `yaml:"drain_timeout_seconds"`
	// Runtime is "goroutine" (in-process workers) or "process" (one child
	// process per worker).
	Runtime string `yaml:"runtime"`
}

func (s ScalingConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s ScalingConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

func (s ScalingConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

func (s ScalingConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSeconds) * time.Second
}

func (s ScalingConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutSeconds) * time.Second
}

func (s ScalingConfig) MemoryCeilingBytes() uint64 {
	return uint64(s.MemoryCeilingPerWorkerMB) << 20
}

type ScheduleConfig struct {
	ID             string `yaml:"id"`
	Spec           string `yaml:"spec"`
	Queue          string `yaml:"queue"`
	Kind           string `yaml:"kind"`
	Payload        string `yaml:"payload"`
	ExpiresSeconds int    `yaml:"expires_seconds"`
}

type SchedulerConfig struct {
	Enabled               bool             `yaml:"enabled"`
	TickSeconds           int              `yaml:"tick_seconds"`
	LeaderLeaseTTLSeconds int              `yaml:"leader_lease_ttl_seconds"`
	Schedules             []ScheduleConfig `yaml:"schedules"`
}

func (s SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

func (s SchedulerConfig) LeaderLeaseTTL() time.Duration {
	return time.Duration(s.LeaderLeaseTTLSeconds) * time.Second
}

type IngressConfig struct {
	Path               string   `yaml:"path"`
	AuthTimeoutSeconds int      `yaml:"auth_timeout_seconds"`
	IdleTimeoutSeconds int      `yaml:"idle_timeout_seconds"`
	MaxFileMB          int      `yaml:"max_file_mb"`
	MaxOpenFiles       int      `yaml:"max_open_files"`
	UploadsPerMinute   int      `yaml:"uploads_per_minute"`
	UploadBurst        int      `yaml:"upload_burst"`
	UploadQueue        string   `yaml:"upload_queue"`
	UploadKind         string   `yaml:"upload_kind"`
	AllowOrigins       []string `yaml:"allow_origins"`
}

func (i IngressConfig) AuthTimeout() time.Duration {
	return time.Duration(i.AuthTimeoutSeconds) * time.Second
}

func (i IngressConfig) IdleTimeout() time.Duration {
	return time.Duration(i.IdleTimeoutSeconds) * time.Second
}

func (i IngressConfig) MaxFileBytes() int64 {
	return int64(i.MaxFileMB) << 20
}

type UserConfig struct {
	Username string `yaml:"username"`
	// PasswordHash is a bcrypt hash.
	PasswordHash string `yaml:"password_hash"`
}

type AuthConfig struct {
	Driver          string       `yaml:"driver"`
	Secret          string       `yaml:"secret"`
	Issuer          string       `yaml:"issuer"`
	TokenTTLMinutes int          `yaml:"token_ttl_minutes"`
	Users           []UserConfig `yaml:"users"`
	RemoteURL       string       `yaml:"remote_url"`
}

func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr      string `yaml:"bind_addr"`
	LogLevel      string `yaml:"log_level"`
	RetentionDays int    `yaml:"retention_days"`

	Broker    BrokerConfig    `yaml:"broker"`
	Queues    []QueueEntry    `yaml:"queues"`
	Queue     QueueConfig     `yaml:"queue"`
	Scaling   ScalingConfig   `yaml:"scaling"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Auth      AuthConfig      `yaml:"auth"`
	OTel      otel.Config     `yaml:"otel"`
}

// Retention is how long terminal task records are kept.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// QueueNames lists configured queues in declaration order.
func (c Config) QueueNames() []string {
	names := make([]string, 0, len(c.Queues))
	for _, q := range c.Queues {
		names = append(names, q.Name)
	}
	return names
}

// Fingerprint returns a stable hash of the settings that change runtime
// behavior, for startup logs and reload detection.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|broker=%s|queues=%v|queue=%+v|scaling=%+v|sched=%+v|ingress=%+v",
		c.BindAddr, c.Broker.Driver, c.Queues, c.Queue, c.Scaling, c.Scheduler, c.Ingress)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:      "127.0.0.1:8080",
		LogLevel:      "info",
		RetentionDays: 7,
		Broker:        BrokerConfig{Driver: DriverSQLite, KeyPrefix: "snapq"},
		Queues: []QueueEntry{
			{Name: QueueDefault, Weight: 1},
			{Name: QueueFaceDetection, Weight: 3},
		},
		Queue: QueueConfig{
			LeaseDurationSeconds: 30,
			MaxRetries:           3,
			ReapIntervalSeconds:  5,
			MinShare:             0.1,
			PollIntervalMillis:   500,
			TaskTimeoutSeconds:   600,
			RetryBackoffSeconds:  30,
		},
		Scaling: ScalingConfig{
			MinWorkers:               1,
			MaxWorkers:               4,
			CPUUpThreshold:           75,
			CPUDownThreshold:         25,
			MemoryThresholdPct:       85,
			MemoryCeilingPerWorkerMB: 4000,
			IntervalSeconds:          15,
			CooldownSeconds:          60,
			HeartbeatIntervalSeconds: 5,
			HeartbeatTimeoutSeconds:  20,
			DrainTimeoutSeconds:      30,
			Runtime:                  RuntimeGoroutine,
		},
		Scheduler: SchedulerConfig{
			Enabled:               true,
			TickSeconds:           1,
			LeaderLeaseTTLSeconds: 15,
			Schedules: []ScheduleConfig{{
				ID:             "cleanup-terminal-tasks",
				Spec:           "@every 24h",
				Queue:          QueueDefault,
				Kind:           "maintenance.cleanup",
				ExpiresSeconds: 3600,
			}},
		},
		Ingress: IngressConfig{
			Path:               "/ws/upload",
			AuthTimeoutSeconds: 10,
			IdleTimeoutSeconds: 60,
			MaxFileMB:          20,
			MaxOpenFiles:       8,
			UploadsPerMinute:   120,
			UploadBurst:        20,
			UploadQueue:        QueueFaceDetection,
			UploadKind:         "face_detection",
		},
		Auth: AuthConfig{
			Driver:          AuthLocal,
			Issuer:          "snapq",
			TokenTTLMinutes: 1440,
		},
	}
}

// Default returns the built-in configuration rooted at homeDir.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	normalize(&cfg)
	return cfg
}

// HomeDir resolves SNAPQ_HOME, falling back to ~/.snapq.
func HomeDir() string {
	if override := os.Getenv("SNAPQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".snapq")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// LoadDotEnv loads <home>/.env and ./.env without overriding variables that
// are already set. Missing files are ignored.
func LoadDotEnv(homeDir string) error {
	for _, path := range []string{filepath.Join(homeDir, ".env"), ".env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads config.yaml from HomeDir() and applies env overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml. A missing file yields defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create snapq home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	switch {
	case err != nil && !os.IsNotExist(err):
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case err == nil && len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = d.RetentionDays
	}

	cfg.Broker.Driver = strings.ToLower(strings.TrimSpace(cfg.Broker.Driver))
	if cfg.Broker.Driver == "" {
		cfg.Broker.Driver = DriverSQLite
	}
	if cfg.Broker.Path == "" {
		cfg.Broker.Path = filepath.Join(cfg.HomeDir, "snapq.db")
	}
	if cfg.Broker.KeyPrefix == "" {
		cfg.Broker.KeyPrefix = d.Broker.KeyPrefix
	}

	if len(cfg.Queues) == 0 {
		cfg.Queues = d.Queues
	}
	for i := range cfg.Queues {
		cfg.Queues[i].Name = strings.TrimSpace(cfg.Queues[i].Name)
		if cfg.Queues[i].Weight <= 0 {
			cfg.Queues[i].Weight = 1
		}
	}

	q := &cfg.Queue
	if q.LeaseDurationSeconds <= 0 {
		q.LeaseDurationSeconds = d.Queue.LeaseDurationSeconds
	}
	if q.MaxRetries < 0 {
		q.MaxRetries = d.Queue.MaxRetries
	}
	if q.ReapIntervalSeconds <= 0 {
		q.ReapIntervalSeconds = d.Queue.ReapIntervalSeconds
	}
	if q.PollIntervalMillis <= 0 {
		q.PollIntervalMillis = d.Queue.PollIntervalMillis
	}
	if q.TaskTimeoutSeconds <= 0 {
		q.TaskTimeoutSeconds = d.Queue.TaskTimeoutSeconds
	}
	if q.RetryBackoffSeconds <= 0 {
		q.RetryBackoffSeconds = d.Queue.RetryBackoffSeconds
	}

	s := &cfg.Scaling
	if s.MaxWorkers <= 0 {
		s.MaxWorkers = d.Scaling.MaxWorkers
	}
	if s.MinWorkers < 0 {
		s.MinWorkers = 0
	}
	if s.CPUUpThreshold <= 0 {
		s.CPUUpThreshold = d.Scaling.CPUUpThreshold
	}
	if s.CPUDownThreshold <= 0 {
		s.CPUDownThreshold = d.Scaling.CPUDownThreshold
	}
	if s.MemoryThresholdPct <= 0 {
		s.MemoryThresholdPct = d.Scaling.MemoryThresholdPct
	}
	if s.MemoryCeilingPerWorkerMB <= 0 {
		s.MemoryCeilingPerWorkerMB = d.Scaling.MemoryCeilingPerWorkerMB
	}
	if s.IntervalSeconds <= 0 {
		s.IntervalSeconds = d.Scaling.IntervalSeconds
	}
	if s.CooldownSeconds < 0 {
		s.CooldownSeconds = 0
	}
	if s.HeartbeatIntervalSeconds <= 0 {
		s.HeartbeatIntervalSeconds = d.Scaling.HeartbeatIntervalSeconds
	}
	if s.HeartbeatTimeoutSeconds <= 0 {
		s.HeartbeatTimeoutSeconds = 4 * s.HeartbeatIntervalSeconds
	}
	if s.DrainTimeoutSeconds <= 0 {
		s.DrainTimeoutSeconds = d.Scaling.DrainTimeoutSeconds
	}
	s.Runtime = strings.ToLower(strings.TrimSpace(s.Runtime))
	if s.Runtime == "" {
		s.Runtime = RuntimeGoroutine
	}

	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = d.Scheduler.TickSeconds
	}
	if cfg.Scheduler.LeaderLeaseTTLSeconds <= 0 {
		cfg.Scheduler.LeaderLeaseTTLSeconds = d.Scheduler.LeaderLeaseTTLSeconds
	}
	for i := range cfg.Scheduler.Schedules {
		if cfg.Scheduler.Schedules[i].Queue == "" {
			cfg.Scheduler.Schedules[i].Queue = QueueDefault
		}
	}

	in := &cfg.Ingress
	if in.Path == "" {
		in.Path = d.Ingress.Path
	}
	if in.AuthTimeoutSeconds <= 0 {
		in.AuthTimeoutSeconds = d.Ingress.AuthTimeoutSeconds
	}
	if in.IdleTimeoutSeconds <= 0 {
		in.IdleTimeoutSeconds = d.Ingress.IdleTimeoutSeconds
	}
	if in.MaxFileMB <= 0 {
		in.MaxFileMB = d.Ingress.MaxFileMB
	}
	if in.MaxOpenFiles <= 0 {
		in.MaxOpenFiles = d.Ingress.MaxOpenFiles
	}
	if in.UploadsPerMinute <= 0 {
		in.UploadsPerMinute = d.Ingress.UploadsPerMinute
	}
	if in.UploadBurst <= 0 {
		in.UploadBurst = d.Ingress.UploadBurst
	}
	if in.UploadQueue == "" {
		in.UploadQueue = d.Ingress.UploadQueue
	}
	if in.UploadKind == "" {
		in.UploadKind = d.Ingress.UploadKind
	}

	cfg.Auth.Driver = strings.ToLower(strings.TrimSpace(cfg.Auth.Driver))
	if cfg.Auth.Driver == "" {
		cfg.Auth.Driver = AuthLocal
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = d.Auth.Issuer
	}
	if cfg.Auth.TokenTTLMinutes <= 0 {
		cfg.Auth.TokenTTLMinutes = d.Auth.TokenTTLMinutes
	}
}

// Validate rejects settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.Broker.Driver {
	case DriverSQLite:
	case DriverRedis:
		if c.Broker.RedisURL == "" {
			errs = append(errs, errors.New("broker.redis_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker.driver %q", c.Broker.Driver))
	}

	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			errs = append(errs, errors.New("queue name must not be empty"))
			continue
		}
		if seen[q.Name] {
			errs = append(errs, fmt.Errorf("duplicate queue %q", q.Name))
		}
		seen[q.Name] = true
		if q.RatePerMinute < 0 {
			errs = append(errs, fmt.Errorf("queue %q: rate_per_minute must be >= 0", q.Name))
		}
		if q.RetryBackoffSeconds != nil && *q.RetryBackoffSeconds < 0 {
			errs = append(errs, fmt.Errorf("queue %q: retry_backoff_seconds must be >= 0", q.Name))
		}
	}
	if !seen[c.Ingress.UploadQueue] {
		errs = append(errs, fmt.Errorf("ingress.upload_queue %q is not a configured queue", c.Ingress.UploadQueue))
	}
	for _, s := range c.Scheduler.Schedules {
		if !seen[s.Queue] {
			errs = append(errs, fmt.Errorf("schedule %q targets unknown queue %q", s.ID, s.Queue))
		}
		if s.ID == "" || s.Spec == "" || s.Kind == "" {
			errs = append(errs, fmt.Errorf("schedule %q: id, spec and kind are required", s.ID))
		}
	}
	if c.Queue.MinShare < 0 || c.Queue.MinShare >= 1 {
		errs = append(errs, fmt.Errorf("queue.min_share must be in [0,1), got %v", c.Queue.MinShare))
	}

	s := c.Scaling
	if s.MinWorkers > s.MaxWorkers {
		errs = append(errs, fmt.Errorf("scaling.min_workers (%d) exceeds max_workers (%d)", s.MinWorkers, s.MaxWorkers))
	}
	if s.CPUDownThreshold >= s.CPUUpThreshold {
		errs = append(errs, fmt.Errorf("scaling.cpu_down_threshold (%v) must be below cpu_up_threshold (%v)", s.CPUDownThreshold, s.CPUUpThreshold))
	}
	if s.CPUUpThreshold > 100 || s.MemoryThresholdPct > 100 {
		errs = append(errs, errors.New("scaling thresholds are percentages and must be <= 100"))
	}
	if s.HeartbeatTimeoutSeconds <= s.HeartbeatIntervalSeconds {
		errs = append(errs, errors.New("scaling.heartbeat_timeout_seconds must exceed heartbeat_interval_seconds"))
	}
	if s.Runtime != RuntimeGoroutine && s.Runtime != RuntimeProcess {
		errs = append(errs, fmt.Errorf("unknown scaling.runtime %q", s.Runtime))
	}

	switch c.Auth.Driver {
	case AuthLocal:
		if c.Auth.Secret == "" {
			errs = append(errs, errors.New("auth.secret (or SNAPQ_AUTH_SECRET) is required for the local auth driver"))
		}
	case AuthRemote:
		if c.Auth.RemoteURL == "" {
			errs = append(errs, errors.New("auth.remote_url is required for the remote auth driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.driver %q", c.Auth.Driver))
	}
	return errors.Join(errs...)
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envFloat(name string, dst *float64) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}
}

func envString(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("SNAPQ_BIND_ADDR", &cfg.BindAddr)
	envString("SNAPQ_LOG_LEVEL", &cfg.LogLevel)
	envInt("SNAPQ_RETENTION_DAYS", &cfg.RetentionDays)

	envString("SNAPQ_BROKER_DRIVER", &cfg.Broker.Driver)
	envString("SNAPQ_BROKER_PATH", &cfg.Broker.Path)
	envString("SNAPQ_REDIS_URL", &cfg.Broker.RedisURL)

	envInt("SNAPQ_LEASE_SECONDS", &cfg.Queue.LeaseDurationSeconds)
	envInt("SNAPQ_MAX_RETRIES", &cfg.Queue.MaxRetries)

	envInt("SNAPQ_MIN_WORKERS", &cfg.Scaling.MinWorkers)
	envInt("SNAPQ_MAX_WORKERS", &cfg.Scaling.MaxWorkers)
	envFloat("SNAPQ_CPU_UP_THRESHOLD", &cfg.Scaling.CPUUpThreshold)
	envFloat("SNAPQ_CPU_DOWN_THRESHOLD", &cfg.Scaling.CPUDownThreshold)
	envFloat("SNAPQ_MEMORY_THRESHOLD_PCT", &cfg.Scaling.MemoryThresholdPct)
	envInt("SNAPQ_MEMORY_CEILING_MB", &cfg.Scaling.MemoryCeilingPerWorkerMB)
	envString("SNAPQ_WORKER_RUNTIME", &cfg.Scaling.Runtime)

	envInt("SNAPQ_SCHEDULER_TICK_SECONDS", &cfg.Scheduler.TickSeconds)
	envInt("SNAPQ_LEADER_TTL_SECONDS", &cfg.Scheduler.LeaderLeaseTTLSeconds)

	envString("SNAPQ_AUTH_SECRET", &cfg.Auth.Secret)
	envString("SNAPQ_AUTH_REMOTE_URL", &cfg.Auth.RemoteURL)
}
