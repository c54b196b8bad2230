package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/basket/snapq/internal/worker"
)

// workerCommand runs one worker. The process runtime starts these as child
// processes; SIGTERM drains, SIGINT stops at once.
func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "run a single worker until drained",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "worker id (default: generated)"},
			&cli.StringSliceFlag{Name: "queue", Usage: "only lease from these queues (repeatable)"},
		},
		Action: runWorker,
	}
}

func runWorker(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := openStack(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	id := c.String("id")
	if id == "" {
		id = "w-" + uuid.NewString()[:8]
	}
	wcfg := st.workerConfig()
	wcfg.Queues = c.StringSlice("queue")
	w := worker.New(id, wcfg)

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)
	defer signal.Stop(term)
	go func() {
		select {
		case <-term:
			st.logger.Info("SIGTERM received; draining", "worker_id", id)
			w.Drain()
		case <-ctx.Done():
		}
	}()

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
