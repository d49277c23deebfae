package flight

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiefmaster/cherum/comm"
	"github.com/thiefmaster/cherum/telemetry"
)

func startSerial(t *testing.T) (*SerialLink, net.Conn, *bufio.Reader, context.CancelFunc, <-chan error) {
	t.Helper()
	linkEnd, vehicleEnd := net.Pipe()
	link := NewSerialLink(linkEnd, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- link.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		vehicleEnd.Close()
	})
	return link, vehicleEnd, bufio.NewReader(vehicleEnd), cancel, errc
}

func TestSerialLinkStreams(t *testing.T) {
	link, vehicle, _, _, _ := startSerial(t)
	positions := link.Position()
	modes := link.FlightMode()

	_, err := io.WriteString(vehicle, "BAT=1,0.80\nPOS=47.397742,8.545594,12.5\nMODE=HOLD\n")
	require.NoError(t, err)

	select {
	case p := <-positions:
		assert.Equal(t, telemetry.Position{Latitude: 47.397742, Longitude: 8.545594, RelativeAltitude: 12.5}, p)
	case <-time.After(time.Second):
		t.Fatal("no position")
	}
	select {
	case m := <-modes:
		assert.Equal(t, "HOLD", m.Mode)
	case <-time.After(time.Second):
		t.Fatal("no flight mode")
	}
}

func TestSerialLinkIgnoresGarbage(t *testing.T) {
	link, vehicle, _, _, _ := startSerial(t)
	armed := link.Armed()

	_, err := io.WriteString(vehicle, "hello\nARMED=1\n")
	require.NoError(t, err)
	select {
	case a := <-armed:
		assert.True(t, a.Armed)
	case <-time.After(time.Second):
		t.Fatal("no armed state")
	}
}

func TestSerialLinkActionAcked(t *testing.T) {
	link, vehicle, r, _, _ := startSerial(t)

	result := make(chan error, 1)
	go func() { result <- link.Land(context.Background()) }()

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ACT=LAND\n", line)
	_, err = io.WriteString(vehicle, "ACK=LAND\n")
	require.NoError(t, err)
	assert.NoError(t, <-result)
}

func TestSerialLinkActionRejected(t *testing.T) {
	link, vehicle, r, _, _ := startSerial(t)

	result := make(chan error, 1)
	go func() { result <- link.ReturnToLaunch(context.Background()) }()

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ACT=RTL\n", line)
	_, err = io.WriteString(vehicle, "NAK=RTL:no home position\n")
	require.NoError(t, err)
	err = <-result
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "no home position")
}

func TestSerialLinkActionTimesOut(t *testing.T) {
	link, _, r, _, _ := startSerial(t)
	go r.ReadString('\n')

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, link.Hold(ctx), context.DeadlineExceeded)
}

func TestSerialLinkStopClosesStreams(t *testing.T) {
	link, _, _, cancel, errc := startSerial(t)
	positions := link.Position()

	cancel()
	assert.NoError(t, <-errc)
	_, ok := <-positions
	assert.False(t, ok)
	assert.ErrorIs(t, link.Land(context.Background()), ErrLinkClosed)
}

func TestSerialLinkFailsWhenPortGoesAway(t *testing.T) {
	_, vehicle, _, _, errc := startSerial(t)
	vehicle.Close()
	assert.Error(t, <-errc)
}

func TestPerform(t *testing.T) {
	link, vehicle, r, _, _ := startSerial(t)
	go func() {
		line, _ := r.ReadString('\n')
		if line == "ACT=HOLD\n" {
			io.WriteString(vehicle, "ACK=HOLD\n")
		}
	}()
	assert.NoError(t, Perform(context.Background(), link, comm.Hold))
	assert.Error(t, Perform(context.Background(), link, comm.Unknown))
}

// idlePort behaves like a serial device opened with a read timeout. Close
// does not unblock readers.
type idlePort struct {
	closed chan struct{}
	once   sync.Once
}

func (p *idlePort) Read(b []byte) (int, error) {
	time.Sleep(10 * time.Millisecond)
	return 0, io.EOF
}

func (p *idlePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *idlePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestSerialLinkStopsWithIdlePort(t *testing.T) {
	port := &idlePort{closed: make(chan struct{})}
	link := NewSerialLink(port, nil)
	link.idleTimeouts = true

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- link.Run(ctx) }()

	// several timeouts pass without the loop giving up
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("link stopped early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("link did not stop")
	}
	_, ok := <-link.Position()
	assert.False(t, ok)
}
