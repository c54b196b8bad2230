package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/basket/snapq/internal/audit"
	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/bus"
	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/otel"
	"github.com/basket/snapq/internal/processing"
	"github.com/basket/snapq/internal/queue"
	"github.com/basket/snapq/internal/telemetry"
	"github.com/basket/snapq/internal/tracker"
	"github.com/basket/snapq/internal/worker"
)

// Task kinds handled by the built-in processors.
const (
	KindFaceDetection = "face_detection"
	KindCleanup       = "maintenance.cleanup"
)

func homeDir(c *cli.Context) string {
	if h := c.String("home"); h != "" {
		return h
	}
	return config.HomeDir()
}

func loadConfig(c *cli.Context) (config.Config, error) {
	home := homeDir(c)
	if err := config.LoadDotEnv(home); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// stack is the set of components every long-running command shares.
type stack struct {
	cfg         config.Config
	logger      *slog.Logger
	logCloser   io.Closer
	telemetry   *otel.Provider
	instruments *otel.Metrics
	store       broker.Store
	bus         *bus.Bus
	queue       *queue.Manager
	tracker     *tracker.Tracker
	registry    *processing.Registry
}

// openStack builds logging, telemetry, the broker and the queue. quiet keeps
// logs out of stdout for commands whose output is meant for the user.
func openStack(ctx context.Context, cfg config.Config, quiet bool) (*stack, error) {
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	st := &stack{cfg: cfg, logger: logger, logCloser: closer}
	if err := audit.Init(cfg.HomeDir); err != nil {
		st.Close()
		return nil, fmt.Errorf("init audit log: %w", err)
	}

	otel.Version = Version
	if st.telemetry, err = otel.Init(ctx, cfg.OTel); err != nil {
		st.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	if st.instruments, err = otel.NewMetrics(st.telemetry.Meter); err != nil {
		st.Close()
		return nil, fmt.Errorf("init instruments: %w", err)
	}
	if st.store, err = broker.Open(ctx, cfg.Broker); err != nil {
		st.Close()
		return nil, err
	}
	st.bus = bus.New()
	st.queue, err = queue.New(queue.Config{
		Store:         st.store,
		Queues:        cfg.Queues,
		MaxRetries:    cfg.Queue.MaxRetries,
		LeaseDuration: cfg.Queue.LeaseDuration(),
		MinShare:      cfg.Queue.MinShare,
		RetryBackoff:  cfg.Queue.RetryBackoff(),
		ReapInterval:  cfg.Queue.ReapInterval(),
		Bus:           st.bus,
		Logger:        logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init queue: %w", err)
	}
	st.tracker = tracker.New(tracker.Config{Store: st.store, Bus: st.bus, Logger: logger})

	st.registry = processing.NewRegistry()
	st.registry.Register(KindFaceDetection, processing.ImageInspector{})
	st.registry.Register(KindCleanup, processing.Cleanup{Store: st.store, Retention: cfg.Retention(), Logger: logger})
	return st, nil
}

func (st *stack) workerConfig() worker.Config {
	return worker.Config{
		Queue:             st.queue,
		Store:             st.store,
		Processor:         st.registry,
		PollInterval:      st.cfg.Queue.PollInterval(),
		TaskTimeout:       st.cfg.Queue.TaskTimeout(),
		HeartbeatInterval: st.cfg.Scaling.HeartbeatInterval(),
		HeartbeatTimeout:  st.cfg.Scaling.HeartbeatTimeout(),
		MemoryCeiling:     st.cfg.Scaling.MemoryCeilingBytes(),
		Bus:               st.bus,
		Logger:            st.logger,
		Telemetry:         st.telemetry,
		Instruments:       st.instruments,
	}
}

// Close releases the broker, flushes telemetry and closes the log files.
func (st *stack) Close() error {
	var errs []error
	if st.store != nil {
		errs = append(errs, st.store.Close())
	}
	if st.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, st.telemetry.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, audit.Close())
	if st.logCloser != nil {
		errs = append(errs, st.logCloser.Close())
	}
	return errors.Join(errs...)
}
