package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/comm"
	"github.com/thiefmaster/cherum/flight"
)

// dispatch runs the vehicle action for code and waits for it to complete.
// Unknown codes are discarded.
func (c *controller) dispatch(ctx context.Context, code comm.Code) {
	if code == comm.Unknown {
		c.logger.Warn("ignoring unknown command")
		return
	}
	logger := c.logger.With(zap.Stringer("action", code))
	logger.Info("sending action to vehicle")

	ctx, cancel := context.WithTimeout(ctx, c.config.actionTimeout)
	defer cancel()
	if err := flight.Perform(ctx, c.vehicle, code); err != nil {
		logger.Error("action failed", zap.Error(err))
		return
	}
	logger.Info("action completed")
}
