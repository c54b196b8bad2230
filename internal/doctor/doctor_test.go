package doctor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Auth.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.Users = []config.UserConfig{{Username: "alice", PasswordHash: "x"}}
	cfg.BindAddr = "127.0.0.1:0"
	return &cfg
}

func stubSampler(t *testing.T, s worker.Sample, err error) {
	t.Helper()
	prev := Sampler
	Sampler = worker.SamplerFunc(func(context.Context, []worker.Info) (worker.Sample, error) { return s, err })
	t.Cleanup(func() { Sampler = prev })
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q result in %+v", name, d.Results)
	return CheckResult{}
}

func TestRunHealthyDefaults(t *testing.T) {
	stubSampler(t, worker.Sample{CPUPercent: 10, MemoryPercent: 20}, nil)
	cfg := testConfig(t)

	d := Run(context.Background(), cfg, "test")
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
	if len(d.Results) != 8 {
		t.Fatalf("got %d results, want 8", len(d.Results))
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	for _, name := range []string{"Broker", "Permissions", "Auth", "Worker Runtime", "Resources", "Bind Address"} {
		if r := find(t, d, name); r.Status != StatusPass {
			t.Errorf("%s: %+v", name, r)
		}
	}
	if r := find(t, d, "Config"); r.Status != StatusWarn {
		t.Errorf("config without config.yaml should warn: %+v", r)
	}
	if _, err := os.Stat(filepath.Join(cfg.HomeDir, "snapq.db")); err != nil {
		t.Errorf("broker check should have created the database: %v", err)
	}
}

func TestNilConfigSkips(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if r := find(t, d, "Config"); r.Status != StatusFail {
		t.Fatalf("config: %+v", r)
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Errorf("%s: status %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestCheckAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Users = nil
	if r := checkAuth(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("no users: %+v", r)
	}

	cfg = testConfig(t)
	cfg.Auth.Secret = "short"
	if r := checkAuth(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("short secret: %+v", r)
	}

	cfg.Auth.Secret = ""
	if r := checkAuth(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("missing secret: %+v", r)
	}
}

func TestCheckAuthRemote(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	cfg := testConfig(t)
	cfg.Auth.Driver = config.AuthRemote
	cfg.Auth.RemoteURL = "http://" + ln.Addr().String() + "/auth"
	if r := checkAuth(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("reachable remote: %+v", r)
	}

	cfg.Auth.RemoteURL = "not a url"
	if r := checkAuth(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("bad url: %+v", r)
	}
}

func TestCheckBindAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if r := checkBindAddr(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("in-use address: %+v", r)
	}
}

func TestCheckResources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scaling.MemoryThresholdPct = 80

	stubSampler(t, worker.Sample{MemoryPercent: 95}, nil)
	if r := checkResources(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("memory over threshold: %+v", r)
	}

	stubSampler(t, worker.Sample{}, errors.New("no procfs"))
	if r := checkResources(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("sampler error: %+v", r)
	}
}

func TestCheckSchedules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Schedules = []config.ScheduleConfig{
		{ID: "cleanup", Spec: "@every 24h", Queue: "default", Kind: "maintenance.cleanup"},
	}
	if r := checkSchedules(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("valid schedule: %+v", r)
	}

	cfg.Scheduler.Schedules = append(cfg.Scheduler.Schedules, config.ScheduleConfig{ID: "bad", Spec: "every tuesday"})
	if r := checkSchedules(context.Background(), cfg); r.Status != StatusFail || r.Detail == "" {
		t.Fatalf("invalid schedule: %+v", r)
	}
}

func TestCheckBrokerUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.Driver = config.DriverRedis
	cfg.Broker.RedisURL = "redis://:pw@127.0.0.1:1/0"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := checkBroker(ctx, cfg)
	if r.Status != StatusFail {
		t.Fatalf("unreachable redis: %+v", r)
	}
	if r.Detail != "" && strings.Contains(r.Detail, ":pw@") {
		t.Fatalf("password leaked: %s", r.Detail)
	}
}
