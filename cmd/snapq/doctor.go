package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/doctor"
)

func doctorCommand() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "diagnose configuration, broker, auth and host resources",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"},
		},
		Action: runDoctor,
	}
}

func runDoctor(c *cli.Context) error {
	home := homeDir(c)
	if err := config.LoadDotEnv(home); err != nil {
		return err
	}
	// An invalid config is still diagnosed; LoadFrom returns what it parsed.
	cfg, loadErr := config.LoadFrom(home)
	diag := doctor.Run(c.Context, &cfg, Version)
	if loadErr != nil {
		diag.Results[0] = doctor.CheckResult{Name: "Config", Status: doctor.StatusFail, Message: "Invalid configuration", Detail: loadErr.Error()}
	}

	out := c.App.Writer
	if c.Bool("json") {
		if err := writeJSON(out, diag); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "snapq doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(out, "System: %s/%s (%s) snapq %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
		fmt.Fprintln(out, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(out, "[%s] %-15s: %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(out, "       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return cli.Exit("", 1)
	}
	return nil
}
