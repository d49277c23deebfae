// Package store buffers incoming telemetry and writes it to a time-series
// backend in batches.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/telemetry"
)

const (
	DefaultBufferSize    = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxBuffered   = 100000
)

// ErrClosed is returned by Store once Close was called.
var ErrClosed = errors.New("telemetry store closed")

type Config struct {
	// BufferSize is the number of buffered points that triggers a flush.
	BufferSize int
	// FlushInterval is the time since the last successful flush after which
	// any buffered points are written.
	FlushInterval time.Duration
	// MaxBuffered caps the buffer while the backend keeps failing. The
	// oldest points are dropped beyond it.
	MaxBuffered int
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock replaces time.Now for flush decisions and point stamping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	backend Backend
	config  Config
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	buffer    []Point
	head      uint64 // sequence number of buffer[0]
	lastFlush time.Time
	dropped   int
	closed    bool

	// serializes flushes so a snapshot is never written twice
	flushMu sync.Mutex
}

func New(backend Backend, config Config, opts ...Option) *Store {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.MaxBuffered <= 0 {
		config.MaxBuffered = DefaultMaxBuffered
	}
	if config.MaxBuffered < config.BufferSize {
		config.MaxBuffered = config.BufferSize
	}
	s := &Store{backend: backend, config: config, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.lastFlush = s.now()
	return s
}

// Store buffers e and flushes when a threshold is reached. Backend failures
// are logged and leave the buffer in place; only a closed store returns an
// error.
func (s *Store) Store(ctx context.Context, e telemetry.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.buffer = append(s.buffer, PointFromEvent(e, s.now()))
	if over := len(s.buffer) - s.config.MaxBuffered; over > 0 {
		s.buffer = append(s.buffer[:0:0], s.buffer[over:]...)
		s.head += uint64(over)
		s.dropped += over
		s.logger.Warn("telemetry buffer full, dropped oldest points",
			zap.Int("dropped", over), zap.Int("dropped_total", s.dropped))
	}
	due := s.dueLocked()
	s.mu.Unlock()

	if due {
		s.Flush(ctx)
	}
	return nil
}

func (s *Store) dueLocked() bool {
	if len(s.buffer) == 0 {
		return false
	}
	return len(s.buffer) >= s.config.BufferSize || s.now().Sub(s.lastFlush) >= s.config.FlushInterval
}

// Flush writes everything buffered so far as one batch. On success exactly
// the written points leave the buffer; points added meanwhile stay.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	snapshot := append([]Point(nil), s.buffer...)
	start := s.head
	s.mu.Unlock()
	if len(snapshot) == 0 {
		return nil
	}

	if err := s.backend.Write(ctx, snapshot); err != nil {
		s.logger.Error("could not write telemetry batch", zap.Int("points", len(snapshot)), zap.Error(err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	end := start + uint64(len(snapshot))
	if end > s.head {
		n := int(end - s.head)
		s.buffer = append(s.buffer[:0:0], s.buffer[n:]...)
		s.head = end
	}
	s.lastFlush = s.now()
	s.logger.Debug("flushed telemetry batch", zap.Int("points", len(snapshot)))
	return nil
}

// Run flushes on the time threshold even when no new points arrive. It
// returns when ctx is done.
func (s *Store) Run(ctx context.Context) error {
	tick := s.config.FlushInterval / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			due := !s.closed && s.dueLocked()
			s.mu.Unlock()
			if due {
				s.Flush(ctx)
			}
		}
	}
}

// Close flushes whatever is buffered regardless of thresholds and closes the
// backend. Later calls return ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	flushErr := s.Flush(ctx)
	return errors.Join(flushErr, s.backend.Close())
}

// Len is the number of buffered points.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Dropped is the number of points discarded because the buffer was full.
func (s *Store) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
