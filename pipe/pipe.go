// Package pipe moves command bytes and telemetry lines between processes
// through named pipes.
//
// A Channel never keeps a file descriptor between calls: every read or write
// opens the FIFO non-blocking, performs one logical operation and closes it
// again, so a reader or writer may come and go at any time without stalling
// the other side.
package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultReadWindow   = 100 * time.Millisecond
	DefaultLineWindow   = 500 * time.Millisecond
	DefaultWriteBackoff = 500 * time.Millisecond
	DefaultMaxLineBytes = 2048

	readChunk   = 4096
	pollSlice   = 100 * time.Millisecond
	hangupPause = 5 * time.Millisecond
)

var (
	// ErrNoReader is returned by writes while nobody has the FIFO open for
	// reading.
	ErrNoReader = errors.New("pipe: no reader attached")
	// ErrWouldBlock means nothing could be transferred right now.
	ErrWouldBlock = errors.New("pipe: would block")
	// ErrDirection is returned when reading a write-only channel or the
	// other way around.
	ErrDirection = errors.New("pipe: wrong direction")
)

// Direction is fixed when a Channel is created.
type Direction int

const (
	ReadOnly Direction = iota
	WriteOnly
)

func (d Direction) String() string {
	if d == WriteOnly {
		return "write-only"
	}
	return "read-only"
}

type Option func(*Channel)

// WithReadWindow bounds how long a read waits for a writer to deliver data.
func WithReadWindow(d time.Duration) Option {
	return func(c *Channel) { c.readWindow = d }
}

// WithLineWindow bounds how long ReadLines keeps the pipe open collecting
// lines.
func WithLineWindow(d time.Duration) Option {
	return func(c *Channel) { c.lineWindow = d }
}

// WithWriteBackoff sets the delay between WriteRetry attempts.
func WithWriteBackoff(d time.Duration) Option {
	return func(c *Channel) { c.writeBackoff = d }
}

// WithMaxLineBytes sets the longest line ReadLines will return.
func WithMaxLineBytes(n int) Option {
	return func(c *Channel) { c.maxLineBytes = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// Channel is one end of a named pipe.
type Channel struct {
	path         string
	dir          Direction
	readWindow   time.Duration
	lineWindow   time.Duration
	writeBackoff time.Duration
	maxLineBytes int
	logger       *zap.Logger

	// line reader state, carried between ReadLines calls
	mu       sync.Mutex
	pending  []byte
	skipping bool
}

// Create makes the FIFO at path if it does not exist yet and returns a
// channel bound to dir. An existing FIFO is reused; an existing file of any
// other type is an error.
func Create(path string, dir Direction, opts ...Option) (*Channel, error) {
	if err := unix.Mkfifo(path, 0o666); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("pipe: creating %s: %w", path, err)
		}
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("pipe: creating %s: %w", path, err)
		}
		if fi.Mode()&os.ModeNamedPipe == 0 {
			return nil, fmt.Errorf("pipe: %s exists and is not a named pipe", path)
		}
	}
	c := &Channel{
		path:         path,
		dir:          dir,
		readWindow:   DefaultReadWindow,
		lineWindow:   DefaultLineWindow,
		writeBackoff: DefaultWriteBackoff,
		maxLineBytes: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

func (c *Channel) Path() string         { return c.path }
func (c *Channel) Direction() Direction { return c.dir }

// Write delivers msg in a single attempt.
func (c *Channel) Write(msg []byte) error {
	if c.dir != WriteOnly {
		return ErrDirection
	}
	fd, err := unix.Open(c.path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return ErrNoReader
		}
		return fmt.Errorf("pipe: opening %s: %w", c.path, err)
	}
	defer unix.Close(fd)

	n, err := writeOnce(fd, msg)
	if err != nil {
		return err
	}
	if n < len(msg) {
		// Only messages above PIPE_BUF can be split. The reader is attached,
		// so finish the message in blocking mode.
		if err := unix.SetNonblock(fd, false); err != nil {
			return fmt.Errorf("pipe: %s: %w", c.path, err)
		}
		for n < len(msg) {
			m, err := writeOnce(fd, msg[n:])
			if err != nil {
				return err
			}
			n += m
		}
	}
	return nil
}

func writeOnce(fd int, msg []byte) (int, error) {
	for {
		n, err := unix.Write(fd, msg)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EPIPE):
			return 0, ErrNoReader
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("pipe: write: %w", err)
		}
	}
}

// WriteRetry writes msg, backing off and retrying the identical message for
// as long as no reader is attached or the pipe is full. It gives up only
// when ctx is done or on any other I/O error.
func (c *Channel) WriteRetry(ctx context.Context, msg []byte) error {
	for attempt := 1; ; attempt++ {
		err := c.Write(msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoReader) && !errors.Is(err, ErrWouldBlock) {
			return err
		}
		c.logger.Debug("pipe not ready, backing off",
			zap.String("path", c.path),
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", c.writeBackoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.writeBackoff):
		}
	}
}

// ReadCommand returns the most recent character available on the pipe, with
// surrounding whitespace removed. It returns ErrWouldBlock when no writer
// delivered anything within the read window.
func (c *Channel) ReadCommand(ctx context.Context) (string, error) {
	data, err := c.read(ctx)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "", ErrWouldBlock
	}
	return s[len(s)-1:], nil
}

// ReadLines returns up to max complete lines. It keeps the pipe open for
// the whole line window, or until max lines arrived, so a writer retrying
// in the background finds a reader. Lines longer than the configured
// maximum are discarded whole and counted in dropped. Data past the max-th
// line is kept for the next call. It returns ErrWouldBlock when there was
// nothing to return.
func (c *Channel) ReadLines(ctx context.Context, max int) (lines [][]byte, dropped int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if have := bytes.Count(c.pending, []byte{'\n'}); have < max {
		data, err := c.collect(ctx, max-have)
		dropped += c.appendPending(data)
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			return nil, dropped, err
		}
	}

	for len(lines) < max {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(c.pending[:i], "\r")
		c.pending = c.pending[i+1:]
		if len(line) > c.maxLineBytes {
			dropped++
			continue
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	c.pending = append([]byte(nil), c.pending...)

	if len(lines) == 0 && dropped == 0 {
		return nil, 0, ErrWouldBlock
	}
	return lines, dropped, nil
}

func (c *Channel) appendPending(data []byte) (dropped int) {
	if c.skipping {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return 0
		}
		data = data[i+1:]
		c.skipping = false
	}
	c.pending = append(c.pending, data...)

	// A fragment that is already too long can never become a valid line.
	if bytes.IndexByte(c.pending, '\n') < 0 && len(c.pending) > c.maxLineBytes {
		c.pending = nil
		c.skipping = true
		return 1
	}
	return 0
}

// collect reads from one open/close cycle until want newlines arrived or the
// line window is over. Bytes read before a failure are returned with it.
func (c *Channel) collect(ctx context.Context, want int) ([]byte, error) {
	if c.dir != ReadOnly {
		return nil, ErrDirection
	}
	fd, err := unix.Open(c.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("pipe: opening %s: %w", c.path, err)
	}
	defer unix.Close(fd)

	buf := make([]byte, readChunk)
	deadline := time.Now().Add(c.lineWindow)
	var data []byte
	for {
		more, err := drain(fd, buf)
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			return data, err
		}
		data = append(data, more...)
		if bytes.Count(data, []byte{'\n'}) >= want {
			return data, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		ready, err := waitReadable(ctx, fd, remaining)
		if err != nil {
			return data, err
		}
		if !ready {
			break
		}
		if len(more) == 0 {
			// Readable right after an empty drain usually means the last
			// writer hung up. Poll keeps reporting that until the next
			// writer attaches.
			if err := pause(ctx, min(hangupPause, remaining)); err != nil {
				return data, err
			}
		}
	}
	if len(data) == 0 {
		return nil, ErrWouldBlock
	}
	return data, nil
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// read performs one open/read/close cycle. When nothing is available right
// away it waits up to the read window for a writer, switches the descriptor
// to blocking mode and retries the read once.
func (c *Channel) read(ctx context.Context) ([]byte, error) {
	if c.dir != ReadOnly {
		return nil, ErrDirection
	}
	fd, err := unix.Open(c.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("pipe: opening %s: %w", c.path, err)
	}
	defer unix.Close(fd)

	buf := make([]byte, readChunk)
	data, err := drain(fd, buf)
	if !errors.Is(err, ErrWouldBlock) {
		return data, err
	}

	ready, err := waitReadable(ctx, fd, c.readWindow)
	if err != nil || !ready {
		if err == nil {
			err = ErrWouldBlock
		}
		return nil, err
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, fmt.Errorf("pipe: %s: %w", c.path, err)
	}
	n, err := readOnce(fd, buf)
	if err != nil {
		return nil, err
	}
	data = append(data, buf[:n]...)

	// Pick up whatever else the writer left behind before the descriptor
	// goes away.
	if err := unix.SetNonblock(fd, true); err != nil {
		return data, nil
	}
	rest, err := drain(fd, buf)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		return data, nil
	}
	data = append(data, rest...)
	if len(data) == 0 {
		return nil, ErrWouldBlock
	}
	return data, nil
}

// drain reads until the pipe is empty or has no writer.
func drain(fd int, buf []byte) ([]byte, error) {
	var out []byte
	for {
		n, err := readOnce(fd, buf)
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			return out, err
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	if len(out) == 0 {
		return nil, ErrWouldBlock
	}
	return out, nil
}

func readOnce(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("pipe: read: %w", err)
		}
	}
}

// waitReadable polls fd for up to window, in slices short enough to notice
// cancellation. It reports true once data is readable or the writer hung up.
func waitReadable(ctx context.Context, fd int, window time.Duration) (bool, error) {
	deadline := time.Now().Add(window)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if remaining > pollSlice {
			remaining = pollSlice
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining/time.Millisecond)+1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, fmt.Errorf("pipe: poll: %w", err)
		}
		if n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			return true, nil
		}
	}
}
