// Command forwarder posts telemetry lines read from the telemetry pipe to
// the coordination service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/config"
	"github.com/thiefmaster/cherum/coord"
	"github.com/thiefmaster/cherum/forwarder"
	"github.com/thiefmaster/cherum/logging"
	"github.com/thiefmaster/cherum/pipe"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "forwarder: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("forwarder", pflag.ContinueOnError)
	path := flags.StringP("config", "c", "", "path to the YAML config file")
	pipePath := flags.StringP("pipe", "p", "", "telemetry pipe path")
	url := flags.StringP("url", "u", "", "coordination service URL")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if flags.Changed("pipe") {
		cfg.Pipes.Telemetry = *pipePath
	}
	if flags.Changed("url") {
		cfg.Coordination.URL = *url
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New("forwarder", cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tele, err := pipe.Create(cfg.Pipes.Telemetry, pipe.ReadOnly,
		pipe.WithLineWindow(cfg.Forwarder.Interval),
		pipe.WithMaxLineBytes(cfg.Pipes.MaxLineBytes),
		pipe.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := coord.NewClient(cfg.Coordination.URL, cfg.Coordination.Token, cfg.Coordination.Timeout)
	logger.Info("forwarder starting",
		zap.String("url", cfg.Coordination.URL),
		zap.String("pipe", tele.Path()))
	return forwarder.New(tele, client, forwarder.Config{
		Interval:   cfg.Forwarder.Interval,
		BatchLines: cfg.Forwarder.BatchLines,
	}, logger).Run(ctx)
}
