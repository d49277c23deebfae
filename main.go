package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/config"
	"github.com/thiefmaster/cherum/flight"
	"github.com/thiefmaster/cherum/logging"
	"github.com/thiefmaster/cherum/pipe"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger, err := logging.New("controller", cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	commands, err := pipe.Create(cfg.Pipes.Command, pipe.ReadOnly,
		pipe.WithReadWindow(cfg.Controller.PollInterval),
		pipe.WithLogger(logger))
	if err != nil {
		return err
	}
	tele, err := pipe.Create(cfg.Pipes.Telemetry, pipe.WriteOnly,
		pipe.WithWriteBackoff(cfg.Pipes.WriteBackoff),
		pipe.WithLogger(logger))
	if err != nil {
		return err
	}

	vehicle, err := openVehicle(cfg.Controller.Link, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("controller starting",
		zap.String("drone_id", cfg.DroneID),
		zap.String("link", cfg.Controller.Link.Kind),
		zap.String("commands", commands.Path()),
		zap.String("telemetry", tele.Path()))
	c := newController(vehicle, commands, tele, controllerConfig{
		droneID:       cfg.DroneID,
		pollInterval:  cfg.Controller.PollInterval,
		actionTimeout: cfg.Controller.Link.ActionTimeout,
	}, logger)
	err = c.run(ctx)
	logger.Info("controller stopped")
	return err
}

func openVehicle(link config.Link, logger *zap.Logger) (flight.Vehicle, error) {
	switch link.Kind {
	case "bridge":
		return flight.NewBridgeLink(link.URL, link.ActionTimeout, logger), nil
	default:
		l, err := flight.OpenSerial(link.Device, link.Baud, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}
