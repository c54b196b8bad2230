package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/scheduler"
	"github.com/basket/snapq/internal/shared"
	"github.com/basket/snapq/internal/worker"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Sampler reads host resources for the resources check. Tests replace it.
var Sampler worker.Sampler = worker.SystemSampler{}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkBroker,
		checkPermissions,
		checkAuth,
		checkRuntime,
		checkResources,
		checkBindAddr,
		checkSchedules,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml not found, using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  "fingerprint=" + cfg.Fingerprint(),
	}
}

func checkBroker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Broker", Status: StatusSkip, Message: "Config missing"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	target := cfg.Broker.Path
	if cfg.Broker.Driver == config.DriverRedis {
		target = shared.RedactURL(cfg.Broker.RedisURL)
	}
	store, err := broker.Open(ctx, cfg.Broker)
	if err != nil {
		return CheckResult{Name: "Broker", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err), Detail: target}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Broker", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err), Detail: target}
	}
	depths := make([]string, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		n, err := store.Depth(ctx, q.Name)
		if err != nil {
			return CheckResult{Name: "Broker", Status: StatusFail, Message: fmt.Sprintf("Depth of %s failed: %v", q.Name, err), Detail: target}
		}
		depths = append(depths, fmt.Sprintf("%s=%d", q.Name, n))
	}
	return CheckResult{
		Name:    "Broker",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s broker reachable", cfg.Broker.Driver),
		Detail:  fmt.Sprintf("%s depths: %s", target, strings.Join(depths, " ")),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkAuth(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	switch cfg.Auth.Driver {
	case config.AuthRemote:
		u, err := url.Parse(cfg.Auth.RemoteURL)
		if err != nil || u.Host == "" {
			return CheckResult{Name: "Auth", Status: StatusFail, Message: fmt.Sprintf("Invalid remote_url %q", cfg.Auth.RemoteURL)}
		}
		host := u.Host
		if u.Port() == "" {
			port := "80"
			if u.Scheme == "https" {
				port = "443"
			}
			host = net.JoinHostPort(u.Hostname(), port)
		}
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
		if err != nil {
			return CheckResult{Name: "Auth", Status: StatusFail, Message: fmt.Sprintf("Remote provider unreachable: %v", err), Detail: shared.RedactURL(cfg.Auth.RemoteURL)}
		}
		conn.Close()
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "Remote provider reachable", Detail: shared.RedactURL(cfg.Auth.RemoteURL)}
	default:
		if cfg.Auth.Secret == "" {
			return CheckResult{Name: "Auth", Status: StatusFail, Message: "auth.secret is not set", Detail: "Set SNAPQ_AUTH_SECRET or auth.secret"}
		}
		if len(cfg.Auth.Users) == 0 {
			return CheckResult{Name: "Auth", Status: StatusWarn, Message: "No users configured; no client can obtain a token", Detail: "Add auth.users entries (see snapq hash-password)"}
		}
		if len(cfg.Auth.Secret) < 32 {
			return CheckResult{Name: "Auth", Status: StatusWarn, Message: fmt.Sprintf("Signing secret is short (%d bytes)", len(cfg.Auth.Secret)), Detail: "Use at least 32 random bytes"}
		}
		return CheckResult{Name: "Auth", Status: StatusPass, Message: fmt.Sprintf("Local provider with %d user(s)", len(cfg.Auth.Users))}
	}
}

func checkRuntime(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Worker Runtime", Status: StatusSkip, Message: "Config missing"}
	}
	detail := fmt.Sprintf("min=%d max=%d", cfg.Scaling.MinWorkers, cfg.Scaling.MaxWorkers)
	if cfg.Scaling.Runtime != config.RuntimeProcess {
		return CheckResult{Name: "Worker Runtime", Status: StatusPass, Message: "In-process workers", Detail: detail}
	}
	exe, err := os.Executable()
	if err != nil {
		return CheckResult{Name: "Worker Runtime", Status: StatusFail, Message: fmt.Sprintf("Cannot locate own binary for worker processes: %v", err)}
	}
	if _, err := os.Stat(exe); err != nil {
		return CheckResult{Name: "Worker Runtime", Status: StatusFail, Message: fmt.Sprintf("Worker binary missing: %v", err)}
	}
	return CheckResult{Name: "Worker Runtime", Status: StatusPass, Message: "Child-process workers", Detail: fmt.Sprintf("%s binary=%s", detail, exe)}
}

func checkResources(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Resources", Status: StatusSkip, Message: "Config missing"}
	}
	s, err := Sampler.Sample(ctx, nil)
	if err != nil {
		return CheckResult{Name: "Resources", Status: StatusWarn, Message: fmt.Sprintf("Sampling failed: %v", err)}
	}
	msg := fmt.Sprintf("cpu=%.1f%% memory=%.1f%%", s.CPUPercent, s.MemoryPercent)
	if cfg.Scaling.MemoryThresholdPct > 0 && s.MemoryPercent >= cfg.Scaling.MemoryThresholdPct {
		return CheckResult{
			Name:    "Resources",
			Status:  StatusWarn,
			Message: msg,
			Detail:  fmt.Sprintf("memory above scaling threshold %.0f%%; the pool will shed workers", cfg.Scaling.MemoryThresholdPct),
		}
	}
	return CheckResult{Name: "Resources", Status: StatusPass, Message: msg}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Bind Address", Status: StatusWarn, Message: fmt.Sprintf("%s in use (is snapq already running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Bind Address", Status: StatusFail, Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Scheduler.Enabled {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Scheduler disabled"}
	}
	var bad []string
	for _, s := range cfg.Scheduler.Schedules {
		if _, err := scheduler.ParseSpec(s.Spec); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", s.ID, err))
		}
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Schedules", Status: StatusFail, Message: fmt.Sprintf("%d invalid schedule(s)", len(bad)), Detail: strings.Join(bad, "; ")}
	}
	return CheckResult{Name: "Schedules", Status: StatusPass, Message: fmt.Sprintf("%d schedule(s) valid", len(cfg.Scheduler.Schedules))}
}
