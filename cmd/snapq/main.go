package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "snapq:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "snapq",
		Usage:   "asynchronous image job dispatch",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "home",
				Usage:   "data directory holding config.yaml, .env, logs and the SQLite broker",
				EnvVars: []string{"SNAPQ_HOME"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
			statusCommand(),
			tokenCommand(),
			hashPasswordCommand(),
			enqueueCommand(),
			doctorCommand(),
		},
	}
}
