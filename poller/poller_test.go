package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thiefmaster/cherum/coord"
)

type fakeService struct {
	mu      sync.Mutex
	fetch   func() (coord.PendingCommand, error)
	doneErr error
	acked   []int64
	fetches int
}

func (f *fakeService) Fetch(ctx context.Context) (coord.PendingCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.fetch()
}

func (f *fakeService) MarkDone(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return f.doneErr
}

type fakePipe struct {
	written []string
	err     error
}

func (f *fakePipe) WriteRetry(ctx context.Context, msg []byte) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, string(msg))
	return nil
}

func id(v int64) *int64 { return &v }

func pending(cmd coord.PendingCommand) func() (coord.PendingCommand, error) {
	return func() (coord.PendingCommand, error) { return cmd, nil }
}

func TestPollWritesAndAcknowledges(t *testing.T) {
	svc := &fakeService{fetch: pending(coord.PendingCommand{ID: id(7), Command: "land"})}
	pipe := &fakePipe{}
	New(svc, pipe, Config{}, nil).Poll(context.Background())

	assert.Equal(t, []string{"l"}, pipe.written)
	assert.Equal(t, []int64{7}, svc.acked)
}

func TestPollCommandNames(t *testing.T) {
	for name, want := range map[string]string{
		"land":             "l",
		"loiter":           "h",
		"hold":             "h",
		"rtl":              "r",
		"return_to_launch": "r",
	} {
		pipe := &fakePipe{}
		New(&fakeService{fetch: pending(coord.PendingCommand{Command: name})}, pipe, Config{}, nil).Poll(context.Background())
		assert.Equal(t, []string{want}, pipe.written, name)
	}
}

func TestPollFailSafeWhenUnreachable(t *testing.T) {
	svc := &fakeService{fetch: func() (coord.PendingCommand, error) {
		return coord.PendingCommand{}, fmt.Errorf("%w: connection refused", coord.ErrUnreachable)
	}}
	pipe := &fakePipe{}
	New(svc, pipe, Config{}, nil).Poll(context.Background())

	assert.Equal(t, []string{"h"}, pipe.written)
	assert.Empty(t, svc.acked)
}

func TestPollConfiguredFailSafe(t *testing.T) {
	svc := &fakeService{fetch: func() (coord.PendingCommand, error) {
		return coord.PendingCommand{}, coord.ErrUnreachable
	}}
	pipe := &fakePipe{}
	New(svc, pipe, Config{FailSafe: "rtl"}, nil).Poll(context.Background())
	assert.Equal(t, []string{"r"}, pipe.written)
}

func TestPollSkipsOnStatusError(t *testing.T) {
	svc := &fakeService{fetch: func() (coord.PendingCommand, error) {
		return coord.PendingCommand{}, &coord.StatusError{Code: 401}
	}}
	pipe := &fakePipe{}
	New(svc, pipe, Config{}, nil).Poll(context.Background())

	assert.Empty(t, pipe.written)
	assert.Empty(t, svc.acked)
}

func TestPollNothingPending(t *testing.T) {
	svc := &fakeService{fetch: pending(coord.PendingCommand{Done: true})}
	pipe := &fakePipe{}
	New(svc, pipe, Config{}, nil).Poll(context.Background())

	assert.Empty(t, pipe.written)
	assert.Empty(t, svc.acked)
}

func TestPollDoneCommandWithIDIsLeftAlone(t *testing.T) {
	svc := &fakeService{fetch: pending(coord.PendingCommand{ID: id(9), Command: "land", Done: true})}
	pipe := &fakePipe{}
	New(svc, pipe, Config{}, nil).Poll(context.Background())

	assert.Empty(t, pipe.written)
	assert.Empty(t, svc.acked)
}

func TestPollUnknownCommandIsAcknowledgedButNotWritten(t *testing.T) {
	svc := &fakeService{fetch: pending(coord.PendingCommand{ID: id(3), Command: "barrel_roll"})}
	pipe := &fakePipe{}
	New(svc, pipe, Config{}, nil).Poll(context.Background())

	assert.Empty(t, pipe.written)
	assert.Equal(t, []int64{3}, svc.acked)
}

func TestPollWriteFailureIsNotAcknowledged(t *testing.T) {
	svc := &fakeService{fetch: pending(coord.PendingCommand{ID: id(4), Command: "land"})}
	pipe := &fakePipe{err: errors.New("permission denied")}
	New(svc, pipe, Config{}, nil).Poll(context.Background())
	assert.Empty(t, svc.acked)
}

func TestPollAckFailureIsOnlyLogged(t *testing.T) {
	svc := &fakeService{
		fetch:   pending(coord.PendingCommand{ID: id(5), Command: "hold"}),
		doneErr: coord.ErrUnreachable,
	}
	pipe := &fakePipe{}
	New(svc, pipe, Config{}, nil).Poll(context.Background())
	assert.Equal(t, []string{"h"}, pipe.written)
	assert.Equal(t, []int64{5}, svc.acked)
}

func TestRunStopsOnCancel(t *testing.T) {
	svc := &fakeService{fetch: pending(coord.PendingCommand{Done: true})}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, New(svc, &fakePipe{}, Config{Interval: 10 * time.Millisecond}, nil).Run(ctx))
	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Greater(t, svc.fetches, 1)
}
