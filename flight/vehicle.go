// Package flight connects the relay to the flight-control side: five live
// telemetry streams and three vehicle actions.
package flight

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/thiefmaster/cherum/comm"
	"github.com/thiefmaster/cherum/telemetry"
)

// ErrRejected is returned when the vehicle refused an action.
var ErrRejected = errors.New("action rejected by vehicle")

// Vehicle is the flight-control interface. Streams start on first use, are
// endless while the link is up and are closed for good once Run returns.
type Vehicle interface {
	// Run drives the link until ctx is done or the link fails.
	Run(ctx context.Context) error

	Position() <-chan telemetry.Position
	Battery() <-chan telemetry.Battery
	FlightMode() <-chan telemetry.FlightMode
	Armed() <-chan telemetry.Armed
	InAir() <-chan telemetry.InAir

	Land(ctx context.Context) error
	Hold(ctx context.Context) error
	ReturnToLaunch(ctx context.Context) error
}

const feedBuffer = 64

// feed is one lazily subscribed stream.
type feed[T any] struct {
	ch         chan T
	subscribed atomic.Bool
	closed     atomic.Bool
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{ch: make(chan T, feedBuffer)}
}

// subscribe marks the feed as wanted and reports whether this was the first
// subscription.
func (f *feed[T]) subscribe() (<-chan T, bool) {
	first := f.subscribed.CompareAndSwap(false, true)
	return f.ch, first
}

// publish delivers v to a subscribed feed, waiting for room until done is
// closed. Values for feeds nobody asked for are discarded.
func (f *feed[T]) publish(done <-chan struct{}, v T) {
	if !f.subscribed.Load() {
		return
	}
	select {
	case f.ch <- v:
	case <-done:
	}
}

func (f *feed[T]) close() {
	if f.closed.CompareAndSwap(false, true) {
		close(f.ch)
	}
}

// feeds bundles the five streams every link exposes.
type feeds struct {
	position   *feed[telemetry.Position]
	battery    *feed[telemetry.Battery]
	flightMode *feed[telemetry.FlightMode]
	armed      *feed[telemetry.Armed]
	inAir      *feed[telemetry.InAir]
}

func newFeeds() feeds {
	return feeds{
		position:   newFeed[telemetry.Position](),
		battery:    newFeed[telemetry.Battery](),
		flightMode: newFeed[telemetry.FlightMode](),
		armed:      newFeed[telemetry.Armed](),
		inAir:      newFeed[telemetry.InAir](),
	}
}

// dispatch routes a decoded payload to its feed.
func (fs feeds) dispatch(done <-chan struct{}, p telemetry.Payload) {
	switch v := p.(type) {
	case telemetry.Position:
		fs.position.publish(done, v)
	case telemetry.Battery:
		fs.battery.publish(done, v)
	case telemetry.FlightMode:
		fs.flightMode.publish(done, v)
	case telemetry.Armed:
		fs.armed.publish(done, v)
	case telemetry.InAir:
		fs.inAir.publish(done, v)
	}
}

func (fs feeds) closeAll() {
	fs.position.close()
	fs.battery.close()
	fs.flightMode.close()
	fs.armed.close()
	fs.inAir.close()
}

// Perform runs the action matching code.
func Perform(ctx context.Context, v Vehicle, code comm.Code) error {
	switch code {
	case comm.Land:
		return v.Land(ctx)
	case comm.Hold:
		return v.Hold(ctx)
	case comm.ReturnToLaunch:
		return v.ReturnToLaunch(ctx)
	default:
		return fmt.Errorf("no action for %v", code)
	}
}
