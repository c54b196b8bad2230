package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/basket/snapq/internal/auth"
	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/ingress"
	"github.com/basket/snapq/internal/scheduler"
	"github.com/basket/snapq/internal/worker"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the ingress gateway, worker pool, scheduler and lease reaper",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "listen address (overrides bind_addr)"},
			&cli.BoolFlag{Name: "no-workers", Usage: "do not run a worker pool in this process"},
			&cli.BoolFlag{Name: "no-scheduler", Usage: "do not campaign for the scheduler lease"},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("bind"); addr != "" {
		cfg.BindAddr = addr
	}
	st, err := openStack(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()
	logger := st.logger

	provider, err := auth.New(cfg.Auth, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	logger.Info("snapq starting",
		"version", Version,
		"config_fingerprint", cfg.Fingerprint(),
		"broker", cfg.Broker.Driver,
		"bind_addr", cfg.BindAddr,
		"queues", cfg.QueueNames(),
		"runtime", cfg.Scaling.Runtime,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st.queue.RunReaper(gctx)
		return nil
	})

	var pool *worker.Pool
	if !c.Bool("no-workers") {
		pool, err = worker.NewPool(worker.PoolConfig{
			Runtime:           runtimeFor(cfg, st),
			Store:             st.store,
			Sampler:           worker.SystemSampler{},
			Policy:            worker.PolicyFromConfig(cfg.Scaling),
			Interval:          cfg.Scaling.Interval(),
			HeartbeatInterval: cfg.Scaling.HeartbeatInterval(),
			HeartbeatTimeout:  cfg.Scaling.HeartbeatTimeout(),
			DrainTimeout:      cfg.Scaling.DrainTimeout(),
			Bus:               st.bus,
			Logger:            logger,
			Instruments:       st.instruments,
		})
		if err != nil {
			return fmt.Errorf("init worker pool: %w", err)
		}
		g.Go(func() error { return pool.Run(gctx) })
	}

	if cfg.Scheduler.Enabled && !c.Bool("no-scheduler") {
		sched, err := newScheduler(cfg, st)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	var poolStatus ingress.PoolStatus
	if pool != nil {
		poolStatus = pool
	}
	srv, err := ingress.New(ingress.Config{
		Queue:       st.queue,
		Tracker:     st.tracker,
		Store:       st.store,
		Auth:        provider,
		Pool:        poolStatus,
		Limits:      ingress.LimitsFromConfig(cfg.Ingress),
		Telemetry:   st.telemetry,
		Instruments: st.instruments,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init ingress: %w", err)
	}
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.BindAddr) })
	g.Go(func() error {
		watchConfig(gctx, cfg.HomeDir, pool, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("snapq stopped", "error", err)
	return err
}

func runtimeFor(cfg config.Config, st *stack) worker.Runtime {
	if cfg.Scaling.Runtime == config.RuntimeProcess {
		return worker.ProcessRuntime{
			Env:    []string{"SNAPQ_HOME=" + cfg.HomeDir},
			Store:  st.store,
			Logger: st.logger,
		}
	}
	return worker.GoroutineRuntime{Config: st.workerConfig()}
}

func newScheduler(cfg config.Config, st *stack) (*scheduler.Scheduler, error) {
	host, _ := os.Hostname()
	elector, err := scheduler.NewElector(scheduler.ElectorConfig{
		Store:    st.store,
		HolderID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		TTL:      cfg.Scheduler.LeaderLeaseTTL(),
		Bus:      st.bus,
		Logger:   st.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init elector: %w", err)
	}
	sched, err := scheduler.New(scheduler.Config{
		Queue:   st.queue,
		Store:   st.store,
		Elector: elector,
		Entries: scheduler.EntriesFromConfig(cfg.Scheduler.Schedules),
		Tick:    cfg.Scheduler.Tick(),
		Logger:  st.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	return sched, nil
}

// watchConfig applies scaling changes from config.yaml without a restart.
// Other settings need one.
func watchConfig(ctx context.Context, home string, pool *worker.Pool, logger *slog.Logger) {
	w := config.NewWatcher(home, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if ev.Err != nil || pool == nil {
				continue
			}
			pool.SetPolicy(worker.PolicyFromConfig(ev.Config.Scaling))
			logger.Info("scaling policy updated", "min_workers", ev.Config.Scaling.MinWorkers, "max_workers", ev.Config.Scaling.MaxWorkers)
		}
	}
}
