// Command cherum runs the coordination service.
//
//	cherum serve   serve the HTTP API
//	cherum token   print a bearer token for the relay binaries
//	cherum initdb  drop and recreate the command database
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thiefmaster/cherum/auth"
	"github.com/thiefmaster/cherum/cmdstore"
	"github.com/thiefmaster/cherum/config"
	"github.com/thiefmaster/cherum/logging"
	"github.com/thiefmaster/cherum/server"
	"github.com/thiefmaster/cherum/store"
	"github.com/thiefmaster/cherum/store/influx"
	"github.com/thiefmaster/cherum/store/tsdb"
)

const usage = "usage: cherum <serve|token|initdb> [--config file]"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cherum: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	sub, args := args[0], args[1:]

	flags := pflag.NewFlagSet("cherum "+sub, pflag.ContinueOnError)
	path := flags.StringP("config", "c", "", "path to the YAML config file")
	addr := flags.String("addr", "", "listen address (serve)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = *addr
	}

	switch sub {
	case "token":
		token, err := auth.NewIssuer(cfg.Server.AppName, cfg.Server.SecretKey).Issue()
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	case "initdb", "serve":
	default:
		return fmt.Errorf("unknown command %q\n%s", sub, usage)
	}

	logger, err := logging.New("cherum", cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Server.Database), 0o755); err != nil {
		return err
	}
	commands, err := cmdstore.Open(cfg.Server.Database, logger.Named("cmdstore"))
	if err != nil {
		return err
	}
	defer commands.Close()

	if sub == "initdb" {
		if err := commands.Reset(ctx); err != nil {
			return err
		}
		logger.Info("initialized the database", zap.String("path", cfg.Server.Database))
		return nil
	}
	return serve(ctx, cfg, commands, logger)
}

func openBackend(cfg config.Store, logger *zap.Logger) (store.Backend, error) {
	switch cfg.Backend {
	case "influx":
		return influx.New(cfg.Influx, logger), nil
	case "memory":
		return store.NewMemory(), nil
	default:
		if err := os.MkdirAll(cfg.Pebble.Dir, 0o755); err != nil {
			return nil, err
		}
		db, err := tsdb.Open(cfg.Pebble.Dir, tsdb.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

func serve(ctx context.Context, cfg *config.Config, commands *cmdstore.Store, logger *zap.Logger) error {
	backend, err := openBackend(cfg.Store, logger.Named("backend"))
	if err != nil {
		return err
	}
	tel := store.New(backend, store.Config{
		BufferSize:    cfg.Store.BufferSize,
		FlushInterval: cfg.Store.FlushInterval,
		MaxBuffered:   cfg.Store.MaxBuffered,
	}, store.WithLogger(logger.Named("store")))

	srv := server.New(commands, tel, auth.NewIssuer(cfg.Server.AppName, cfg.Server.SecretKey), logger.Named("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tel.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, cfg.Server.Addr) })
	err = g.Wait()

	if cerr := tel.Close(context.Background()); cerr != nil {
		logger.Error("final telemetry flush failed", zap.Error(cerr))
		err = errors.Join(err, cerr)
	}
	return err
}
