package flight

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/thiefmaster/eventsource"
	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/comm"
	"github.com/thiefmaster/cherum/telemetry"
)

const subscribeRetryDelay = time.Second

// BridgeLink reaches the vehicle through an HTTP bridge that publishes each
// telemetry stream as server-sent events and accepts actions as POSTs.
type BridgeLink struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
	feeds   feeds
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewBridgeLink(baseURL string, timeout time.Duration, logger *zap.Logger) *BridgeLink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeLink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		feeds:   newFeeds(),
		done:    make(chan struct{}),
	}
}

func (l *BridgeLink) Run(ctx context.Context) error {
	<-ctx.Done()
	l.mu.Lock()
	l.stopped = true
	close(l.done)
	l.mu.Unlock()
	l.wg.Wait()
	l.feeds.closeAll()
	return nil
}

// follow starts the subscription for kind unless the link already stopped.
func (l *BridgeLink) follow(kind telemetry.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.subscribe(kind)
	}()
}

func (l *BridgeLink) subscribe(kind telemetry.Kind) {
	logger := l.logger.With(zap.String("stream", string(kind)))
	for {
		req, err := http.NewRequest(http.MethodGet, l.baseURL+"/streams/"+string(kind), nil)
		if err != nil {
			logger.Error("newRequest failed", zap.Error(err))
			return
		}
		stream, err := eventsource.SubscribeWithRequest("", req)
		if err != nil {
			logger.Warn("subscribe failed", zap.Error(err))
			select {
			case <-l.done:
				return
			case <-time.After(subscribeRetryDelay):
			}
			continue
		}

		stream.InitialRetryDelay = 500 * time.Millisecond
		stream.MaxRetryDelay = 5 * time.Second
		stream.Logger = zap.NewStdLog(logger)
		if !l.consume(kind, stream, logger) {
			return
		}
	}
}

// consume forwards events until the link stops (false) or the stream gives
// up on its own (true).
func (l *BridgeLink) consume(kind telemetry.Kind, stream *eventsource.Stream, logger *zap.Logger) bool {
	for {
		select {
		case <-l.done:
			stream.Close()
			return false
		case event, ok := <-stream.Events:
			if !ok {
				return true
			}
			payload, err := telemetry.DecodePayload(kind, []byte(event.Data()))
			if err != nil {
				logger.Warn("could not decode bridge event", zap.Error(err))
				continue
			}
			l.feeds.dispatch(l.done, payload)
		case err, ok := <-stream.Errors:
			if !ok {
				return true
			}
			logger.Warn("bridge event stream error", zap.Error(err))
		}
	}
}

var bridgeActions = map[comm.Code]string{
	comm.Land:           "land",
	comm.Hold:           "hold",
	comm.ReturnToLaunch: "return_to_launch",
}

func (l *BridgeLink) action(ctx context.Context, code comm.Code) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/actions/"+bridgeActions[code], nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s: %s", ErrRejected, code, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("bridge request returned status %v: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (l *BridgeLink) Land(ctx context.Context) error { return l.action(ctx, comm.Land) }
func (l *BridgeLink) Hold(ctx context.Context) error { return l.action(ctx, comm.Hold) }
func (l *BridgeLink) ReturnToLaunch(ctx context.Context) error {
	return l.action(ctx, comm.ReturnToLaunch)
}

func (l *BridgeLink) Position() <-chan telemetry.Position {
	ch, first := l.feeds.position.subscribe()
	if first {
		l.follow(telemetry.KindPosition)
	}
	return ch
}

func (l *BridgeLink) Battery() <-chan telemetry.Battery {
	ch, first := l.feeds.battery.subscribe()
	if first {
		l.follow(telemetry.KindBattery)
	}
	return ch
}

func (l *BridgeLink) FlightMode() <-chan telemetry.FlightMode {
	ch, first := l.feeds.flightMode.subscribe()
	if first {
		l.follow(telemetry.KindFlightMode)
	}
	return ch
}

func (l *BridgeLink) Armed() <-chan telemetry.Armed {
	ch, first := l.feeds.armed.subscribe()
	if first {
		l.follow(telemetry.KindArmed)
	}
	return ch
}

func (l *BridgeLink) InAir() <-chan telemetry.InAir {
	ch, first := l.feeds.inAir.subscribe()
	if first {
		l.follow(telemetry.KindInAir)
	}
	return ch
}
