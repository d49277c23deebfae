// Package poller moves pending commands from the coordination service onto
// the command pipe.
package poller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/comm"
	"github.com/thiefmaster/cherum/coord"
)

const (
	DefaultInterval = 200 * time.Millisecond
	DefaultFailSafe = "loiter"
)

// Service is the part of the coordination client the poller needs.
type Service interface {
	Fetch(ctx context.Context) (coord.PendingCommand, error)
	MarkDone(ctx context.Context, id int64) error
}

// CommandWriter delivers one command character, retrying until a reader
// takes it.
type CommandWriter interface {
	WriteRetry(ctx context.Context, msg []byte) error
}

type Config struct {
	Interval time.Duration
	// FailSafe is the command used while the service cannot be reached.
	FailSafe string
}

type Poller struct {
	service Service
	pipe    CommandWriter
	config  Config
	logger  *zap.Logger
}

func New(service Service, pipe CommandWriter, config Config, logger *zap.Logger) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.FailSafe == "" {
		config.FailSafe = DefaultFailSafe
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{service: service, pipe: pipe, config: config, logger: logger}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("polling for commands", zap.Duration("interval", p.config.Interval))
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs a single fetch/write/acknowledge cycle.
func (p *Poller) Poll(ctx context.Context) {
	cmd, err := p.service.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, coord.ErrUnreachable) {
			p.logger.Error("fetch failed", zap.Error(err))
			return
		}
		p.logger.Warn("coordination service unreachable, using fail-safe",
			zap.Error(err), zap.String("command", p.config.FailSafe))
		cmd = coord.PendingCommand{Command: p.config.FailSafe}
	}

	if cmd.Done {
		return
	}
	if !p.deliver(ctx, cmd.Command) {
		return
	}

	if cmd.ID == nil || ctx.Err() != nil {
		return
	}
	if err := p.service.MarkDone(ctx, *cmd.ID); err != nil {
		p.logger.Warn("could not acknowledge command", zap.Int64("id", *cmd.ID), zap.Error(err))
		return
	}
	p.logger.Debug("acknowledged command", zap.Int64("id", *cmd.ID))
}

// deliver writes the character for name. It reports whether the command is
// settled and may be acknowledged.
func (p *Poller) deliver(ctx context.Context, name string) bool {
	code, ok := comm.CodeForName(name)
	if !ok {
		p.logger.Warn("unknown command", zap.String("command", name))
		return true
	}
	if err := p.pipe.WriteRetry(ctx, []byte{code.Byte()}); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("could not write command", zap.Stringer("code", code), zap.Error(err))
		}
		return false
	}
	p.logger.Info("sent command", zap.Stringer("code", code))
	return true
}
