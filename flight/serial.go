package flight

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/comm"
	"github.com/thiefmaster/cherum/telemetry"
)

// ErrLinkClosed is returned by actions once the link stopped running.
var ErrLinkClosed = errors.New("flight link closed")

// serialReadTimeout bounds each read on the device so the read loop notices
// shutdown. Closing the port does not interrupt a pending read.
const serialReadTimeout = 500 * time.Millisecond

// SerialLink talks to a flight controller companion over a line-based serial
// protocol.
type SerialLink struct {
	port   io.ReadWriteCloser
	logger *zap.Logger
	feeds  feeds
	done   chan struct{}

	writeMu sync.Mutex

	// the port reports a read timeout as a zero-byte read with io.EOF
	idleTimeouts bool

	mu      sync.Mutex
	waiters map[comm.Code][]chan error
	stopped bool
}

// OpenSerial opens device and wraps it in a SerialLink.
func OpenSerial(device string, baud int, logger *zap.Logger) (*SerialLink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("opening serial port", zap.String("device", device), zap.Int("baud", baud))
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: serialReadTimeout})
	if err != nil {
		return nil, fmt.Errorf("OpenPort: %w", err)
	}
	l := NewSerialLink(port, logger)
	l.idleTimeouts = true
	return l, nil
}

// NewSerialLink runs the protocol over an already open port.
func NewSerialLink(port io.ReadWriteCloser, logger *zap.Logger) *SerialLink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialLink{
		port:    port,
		logger:  logger,
		feeds:   newFeeds(),
		done:    make(chan struct{}),
		waiters: make(map[comm.Code][]chan error),
	}
}

func (l *SerialLink) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- l.readLoop() }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	l.stop()
	l.port.Close()
	if err == nil {
		<-errc
	}
	l.feeds.closeAll()
	return err
}

func (l *SerialLink) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
	for code, chans := range l.waiters {
		for _, ch := range chans {
			ch <- ErrLinkClosed
		}
		delete(l.waiters, code)
	}
}

// portReader retries read timeouts on the port until the link stops.
type portReader struct{ l *SerialLink }

func (r portReader) Read(b []byte) (int, error) {
	l := r.l
	for {
		n, err := l.port.Read(b)
		if n > 0 || !l.idleTimeouts || (err != nil && !errors.Is(err, io.EOF)) {
			return n, err
		}
		select {
		case <-l.done:
			return 0, ErrLinkClosed
		default:
		}
	}
}

func (l *SerialLink) readLoop() error {
	reader := bufio.NewReader(portReader{l})
	for {
		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
			}
			return fmt.Errorf("ReadLine: %w", err)
		}
		if isPrefix {
			l.logger.Warn("got incomplete line", zap.ByteString("line", line))
			continue
		}
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}
		msg := comm.ParseLinkMessage(trimmed)
		if !msg.Valid() {
			l.logger.Warn("unexpected message", zap.String("line", trimmed))
			continue
		}
		l.handle(msg)
	}
}

func (l *SerialLink) handle(msg comm.LinkMessage) {
	switch msg.Kind {
	case comm.Position:
		l.feeds.position.publish(l.done, telemetry.Position{
			Latitude:         telemetry.Fixed6(msg.Latitude),
			Longitude:        telemetry.Fixed6(msg.Longitude),
			RelativeAltitude: telemetry.Fixed6(msg.Altitude),
		})
	case comm.Battery:
		l.feeds.battery.publish(l.done, telemetry.Battery{ID: msg.BatteryID, RemainingPercent: msg.Percent})
	case comm.FlightMode:
		l.feeds.flightMode.publish(l.done, telemetry.FlightMode{Mode: msg.Mode})
	case comm.Armed:
		l.feeds.armed.publish(l.done, telemetry.Armed{Armed: msg.Flag})
	case comm.InAir:
		l.feeds.inAir.publish(l.done, telemetry.InAir{InAir: msg.Flag})
	case comm.Ack:
		l.resolve(msg.Action, nil)
	case comm.Nak:
		l.resolve(msg.Action, fmt.Errorf("%w: %s: %s", ErrRejected, msg.Action, msg.Reason))
	}
}

// resolve completes the oldest outstanding request for code.
func (l *SerialLink) resolve(code comm.Code, result error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chans := l.waiters[code]
	if len(chans) == 0 {
		l.logger.Warn("unsolicited action reply", zap.Stringer("action", code))
		return
	}
	chans[0] <- result
	l.waiters[code] = chans[1:]
}

func (l *SerialLink) forget(code comm.Code, ch chan error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chans := l.waiters[code]
	for i, c := range chans {
		if c == ch {
			l.waiters[code] = append(chans[:i:i], chans[i+1:]...)
			return
		}
	}
}

func (l *SerialLink) action(ctx context.Context, code comm.Code) error {
	ch := make(chan error, 1)
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.waiters[code] = append(l.waiters[code], ch)
	l.mu.Unlock()
	defer l.forget(code, ch)

	l.writeMu.Lock()
	_, err := l.port.Write([]byte(comm.SerializeAction(code) + "\n"))
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("Write: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *SerialLink) Land(ctx context.Context) error { return l.action(ctx, comm.Land) }
func (l *SerialLink) Hold(ctx context.Context) error { return l.action(ctx, comm.Hold) }
func (l *SerialLink) ReturnToLaunch(ctx context.Context) error {
	return l.action(ctx, comm.ReturnToLaunch)
}

func (l *SerialLink) Position() <-chan telemetry.Position {
	ch, _ := l.feeds.position.subscribe()
	return ch
}

func (l *SerialLink) Battery() <-chan telemetry.Battery {
	ch, _ := l.feeds.battery.subscribe()
	return ch
}

func (l *SerialLink) FlightMode() <-chan telemetry.FlightMode {
	ch, _ := l.feeds.flightMode.subscribe()
	return ch
}

func (l *SerialLink) Armed() <-chan telemetry.Armed {
	ch, _ := l.feeds.armed.subscribe()
	return ch
}

func (l *SerialLink) InAir() <-chan telemetry.InAir {
	ch, _ := l.feeds.inAir.subscribe()
	return ch
}
