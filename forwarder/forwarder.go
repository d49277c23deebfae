// Package forwarder drains the telemetry pipe and posts every line to the
// coordination service.
package forwarder

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/pipe"
)

const (
	DefaultInterval   = 500 * time.Millisecond
	DefaultBatchLines = 100
)

type LineReader interface {
	ReadLines(ctx context.Context, max int) (lines [][]byte, dropped int, err error)
}

type Sender interface {
	SendTelemetry(ctx context.Context, line []byte) error
}

type Config struct {
	Interval   time.Duration
	BatchLines int
}

type Forwarder struct {
	pipe   LineReader
	sender Sender
	config Config
	logger *zap.Logger
}

func New(pipe LineReader, sender Sender, config Config, logger *zap.Logger) *Forwarder {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.BatchLines <= 0 {
		config.BatchLines = DefaultBatchLines
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{pipe: pipe, sender: sender, config: config, logger: logger}
}

func (f *Forwarder) Run(ctx context.Context) error {
	f.logger.Info("forwarding telemetry",
		zap.Duration("interval", f.config.Interval),
		zap.Int("batch_lines", f.config.BatchLines))
	for {
		start := time.Now()
		f.Forward(ctx)
		// Reading already waits on the pipe, so only the rest of the
		// interval is slept.
		wait := f.config.Interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Forward reads one batch and posts it line by line. It returns how many
// lines the service accepted.
func (f *Forwarder) Forward(ctx context.Context) int {
	lines, dropped, err := f.pipe.ReadLines(ctx, f.config.BatchLines)
	if dropped > 0 {
		f.logger.Warn("dropped oversized telemetry lines", zap.Int("count", dropped))
	}
	if err != nil {
		if !errors.Is(err, pipe.ErrWouldBlock) && ctx.Err() == nil {
			f.logger.Error("could not read telemetry pipe", zap.Error(err))
		}
		return 0
	}

	sent := 0
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if err := f.sender.SendTelemetry(ctx, line); err != nil {
			if ctx.Err() != nil {
				break
			}
			f.logger.Warn("could not post telemetry", zap.Error(err), zap.ByteString("line", line))
			continue
		}
		sent++
	}
	if sent > 0 {
		f.logger.Debug("forwarded telemetry", zap.Int("lines", sent), zap.Int("read", len(lines)))
	}
	return sent
}
