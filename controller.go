package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thiefmaster/cherum/comm"
	"github.com/thiefmaster/cherum/flight"
	"github.com/thiefmaster/cherum/pipe"
	"github.com/thiefmaster/cherum/queue"
	"github.com/thiefmaster/cherum/telemetry"
)

// publishBatchBytes is PIPE_BUF on Linux, the largest write the kernel
// keeps atomic.
const publishBatchBytes = 4096

type commandReader interface {
	ReadCommand(ctx context.Context) (string, error)
}

type telemetryWriter interface {
	WriteRetry(ctx context.Context, msg []byte) error
}

type controllerConfig struct {
	droneID       string
	pollInterval  time.Duration
	actionTimeout time.Duration
}

// controller relays command codes from the command pipe to the vehicle and
// vehicle telemetry to the telemetry pipe.
type controller struct {
	vehicle  flight.Vehicle
	commands commandReader
	out      telemetryWriter
	config   controllerConfig
	logger   *zap.Logger
	now      func() time.Time

	pending   *queue.Queue[comm.Code]
	telemetry *queue.Queue[telemetry.Event]
}

func newController(vehicle flight.Vehicle, commands commandReader, out telemetryWriter, config controllerConfig, logger *zap.Logger) *controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.pollInterval <= 0 {
		config.pollInterval = 100 * time.Millisecond
	}
	if config.actionTimeout <= 0 {
		config.actionTimeout = 30 * time.Second
	}
	return &controller{
		vehicle:   vehicle,
		commands:  commands,
		out:       out,
		config:    config,
		logger:    logger,
		now:       time.Now,
		pending:   queue.New[comm.Code](),
		telemetry: queue.New[telemetry.Event](),
	}
}

// run starts every task and blocks until ctx is done or one of them fails.
func (c *controller) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.vehicle.Run(ctx) })
	g.Go(func() error { return c.readCommands(ctx) })
	g.Go(func() error { return c.processCommands(ctx) })
	g.Go(func() error { return c.publishTelemetry(ctx) })
	g.Go(func() error { return monitor(ctx, c, c.vehicle.Position()) })
	g.Go(func() error { return monitor(ctx, c, c.vehicle.Battery()) })
	g.Go(func() error { return monitor(ctx, c, c.vehicle.FlightMode()) })
	g.Go(func() error { return monitor(ctx, c, c.vehicle.Armed()) })
	g.Go(func() error { return monitor(ctx, c, c.vehicle.InAir()) })
	return g.Wait()
}

func (c *controller) readCommands(ctx context.Context) error {
	for {
		s, err := c.commands.ReadCommand(ctx)
		switch {
		case err == nil:
			c.logger.Debug("command received", zap.String("code", s))
			c.pending.Push(comm.ParseCode(s))
		case errors.Is(err, pipe.ErrWouldBlock), ctx.Err() != nil:
		default:
			c.logger.Warn("could not read command pipe", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.config.pollInterval):
		}
	}
}

func (c *controller) processCommands(ctx context.Context) error {
	for {
		code, err := c.pending.Pop(ctx)
		if err != nil {
			return nil
		}
		c.dispatch(ctx, code)
	}
}

// publishTelemetry writes queued events to the telemetry pipe. Events that
// are already waiting go out together, up to publishBatchBytes per write so
// a write is never split between readers.
func (c *controller) publishTelemetry(ctx context.Context) error {
	var carry []byte
	for {
		batch := carry
		carry = nil
		for batch == nil {
			e, err := c.telemetry.Pop(ctx)
			if err != nil {
				return nil
			}
			batch = c.encode(e)
		}
		for len(batch) < publishBatchBytes {
			e, ok := c.telemetry.TryPop()
			if !ok {
				break
			}
			line := c.encode(e)
			if len(batch)+len(line) > publishBatchBytes {
				carry = line
				break
			}
			batch = append(batch, line...)
		}
		if err := c.out.WriteRetry(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("telemetry dropped", zap.Int("bytes", len(batch)), zap.Error(err))
		}
	}
}

func (c *controller) encode(e telemetry.Event) []byte {
	line, err := telemetry.MarshalLine(e)
	if err != nil {
		c.logger.Error("could not encode telemetry", zap.String("type", string(e.Payload.Kind())), zap.Error(err))
		return nil
	}
	return line
}

// monitor turns one vehicle stream into telemetry events, in arrival order.
func monitor[T telemetry.Payload](ctx context.Context, c *controller, stream <-chan T) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-stream:
			if !ok {
				return nil
			}
			c.telemetry.Push(telemetry.New(c.config.droneID, c.now(), v))
		}
	}
}
