// Command poller fetches pending commands from the coordination service and
// writes them to the command pipe.
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
	"github.com/thiefmaster/cherum/logging"
	"github.com/thiefmaster/cherum/pipe"
	"github.com/thiefmaster/cherum/poller"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "poller: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("poller", pflag.ContinueOnError)
	path := flags.StringP("config", "c", "", "path to the YAML config file")
	pipePath := flags.StringP("pipe", "p", "", "command pipe path")
	url := flags.StringP("url", "u", "", "coordination service URL")
	onError := flags.StringP("on-error", "e", "", "command sent while the service is unreachable")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if flags.Changed("pipe") {
		cfg.Pipes.Command = *pipePath
	}
	if flags.Changed("url") {
		cfg.Coordination.URL = *url
	}
	if flags.Changed("on-error") {
		cfg.Poller.FailSafe = *onError
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New("poller", cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	commands, err := pipe.Create(cfg.Pipes.Command, pipe.WriteOnly,
		pipe.WithWriteBackoff(cfg.Pipes.WriteBackoff),
		pipe.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := coord.NewClient(cfg.Coordination.URL, cfg.Coordination.Token, cfg.Coordination.Timeout)
	logger.Info("poller starting",
		zap.String("url", cfg.Coordination.URL),
		zap.String("pipe", commands.Path()),
		zap.String("fail_safe", cfg.Poller.FailSafe))
	return poller.New(client, commands, poller.Config{
		Interval: cfg.Poller.Interval,
		FailSafe: cfg.Poller.FailSafe,
	}, logger).Run(ctx)
}
