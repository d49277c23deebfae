package store_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/thiefmaster/cherum/store"
	"github.com/thiefmaster/cherum/telemetry"
)

// recorder is a backend that remembers every batch and can be told to fail.
type recorder struct {
	*store.Memory
	mu      sync.Mutex
	batches [][]store.Point
	fail    bool
	closed  int
}

func newRecorder() *recorder { return &recorder{Memory: store.NewMemory()} }

func (r *recorder) Write(ctx context.Context, points []store.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("backend down")
	}
	r.batches = append(r.batches, append([]store.Point(nil), points...))
	return r.Memory.Write(ctx, points)
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recorder) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *recorder) snapshot() [][]store.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]store.Point(nil), r.batches...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func modeEvent(mode string) telemetry.Event {
	return telemetry.New("", time.Time{}, telemetry.FlightMode{Mode: mode})
}

func positionAt(droneID string, at time.Time, lat, lon float64) telemetry.Event {
	return telemetry.New(droneID, at, telemetry.Position{
		Latitude:         telemetry.Fixed6(lat),
		Longitude:        telemetry.Fixed6(lon),
		RelativeAltitude: 10,
	})
}

func modes(points []store.Point) []string {
	var out []string
	for _, p := range points {
		out = append(out, p.Fields["mode"].(string))
	}
	return out
}

var _ = Describe("Store", func() {
	var (
		backend *recorder
		clk     *clock
	)
	BeforeEach(func() {
		backend = newRecorder()
		clk = &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	})

	Describe("Flush policy", func() {
		It("Should flush all points once the buffer size is reached", func() {
			s := store.New(backend, store.Config{BufferSize: 3, FlushInterval: time.Hour}, store.WithClock(clk.now))
			Expect(s.Store(ctx, modeEvent("a"))).To(Succeed())
			Expect(s.Store(ctx, modeEvent("b"))).To(Succeed())
			Expect(backend.snapshot()).To(BeEmpty())
			Expect(s.Store(ctx, modeEvent("c"))).To(Succeed())

			batches := backend.snapshot()
			Expect(batches).To(HaveLen(1))
			Expect(modes(batches[0])).To(Equal([]string{"a", "b", "c"}))
			Expect(s.Len()).To(BeZero())
		})

		It("Should flush on the next point once the interval elapsed", func() {
			s := store.New(backend, store.Config{BufferSize: 100, FlushInterval: 5 * time.Second}, store.WithClock(clk.now))
			Expect(s.Store(ctx, modeEvent("a"))).To(Succeed())
			clk.advance(5 * time.Second)
			Expect(s.Store(ctx, modeEvent("b"))).To(Succeed())

			batches := backend.snapshot()
			Expect(batches).To(HaveLen(1))
			Expect(modes(batches[0])).To(Equal([]string{"a", "b"}))
		})

		It("Should flush an idle buffer from the background loop", func() {
			s := store.New(backend, store.Config{BufferSize: 100, FlushInterval: 20 * time.Millisecond})
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go s.Run(runCtx)

			Expect(s.Store(ctx, modeEvent("lonely"))).To(Succeed())
			Eventually(backend.snapshot).Should(HaveLen(1))
			Consistently(backend.snapshot, 100*time.Millisecond).Should(HaveLen(1))
			Expect(modes(backend.snapshot()[0])).To(Equal([]string{"lonely"}))
		})

		It("Should retain the buffer when the backend fails", func() {
			s := store.New(backend, store.Config{BufferSize: 2, FlushInterval: time.Hour}, store.WithClock(clk.now))
			backend.setFail(true)
			Expect(s.Store(ctx, modeEvent("a"))).To(Succeed())
			Expect(s.Store(ctx, modeEvent("b"))).To(Succeed())
			Expect(s.Len()).To(Equal(2))

			backend.setFail(false)
			Expect(s.Store(ctx, modeEvent("c"))).To(Succeed())
			batches := backend.snapshot()
			Expect(batches).To(HaveLen(1))
			Expect(modes(batches[0])).To(Equal([]string{"a", "b", "c"}))
			Expect(s.Len()).To(BeZero())
		})

		It("Should drop the oldest points beyond the cap", func() {
			s := store.New(backend, store.Config{BufferSize: 2, FlushInterval: time.Hour, MaxBuffered: 3}, store.WithClock(clk.now))
			backend.setFail(true)
			for _, m := range []string{"a", "b", "c", "d", "e"} {
				Expect(s.Store(ctx, modeEvent(m))).To(Succeed())
			}
			Expect(s.Len()).To(Equal(3))
			Expect(s.Dropped()).To(Equal(2))

			backend.setFail(false)
			Expect(s.Flush(ctx)).To(Succeed())
			Expect(modes(backend.snapshot()[0])).To(Equal([]string{"c", "d", "e"}))
		})
	})

	Describe("Close", func() {
		It("Should write every stored point in exactly one batch", func() {
			s := store.New(backend, store.Config{BufferSize: 4, FlushInterval: time.Hour}, store.WithClock(clk.now))
			var want []string
			for _, m := range []string{"a", "b", "c", "d", "e", "f", "g"} {
				want = append(want, m)
				Expect(s.Store(ctx, modeEvent(m))).To(Succeed())
			}
			Expect(s.Close(ctx)).To(Succeed())

			var got []string
			for _, b := range backend.snapshot() {
				got = append(got, modes(b)...)
			}
			Expect(got).To(Equal(want))
			Expect(backend.snapshot()).To(HaveLen(2))
			Expect(backend.closed).To(Equal(1))
		})

		It("Should refuse points after closing", func() {
			s := store.New(backend, store.Config{}, store.WithClock(clk.now))
			Expect(s.Close(ctx)).To(Succeed())
			Expect(s.Store(ctx, modeEvent("late"))).To(MatchError(store.ErrClosed))
			Expect(s.Close(ctx)).To(MatchError(store.ErrClosed))
			Expect(backend.closed).To(Equal(1))
		})
	})

	Describe("Points", func() {
		It("Should tag points with drone and battery ids", func() {
			p := store.PointFromEvent(telemetry.New("", time.Time{}, telemetry.Battery{ID: 2, RemainingPercent: 0.5}), clk.now())
			Expect(p.Measurement).To(Equal("battery"))
			Expect(p.Tags).To(Equal(map[string]string{"drone_id": "default", "battery_id": "2"}))
			Expect(p.Fields).To(Equal(map[string]any{"remaining_percent": 0.5}))
			Expect(p.Time).To(Equal(clk.now()))
		})
	})

	Describe("Queries", func() {
		var s *store.Store
		BeforeEach(func() {
			s = store.New(backend, store.Config{BufferSize: 1}, store.WithClock(clk.now))
			now := clk.now()
			Expect(s.Store(ctx, positionAt("default", now.Add(-20*time.Minute), 10, 10))).To(Succeed())
			Expect(s.Store(ctx, positionAt("default", now.Add(-2*time.Minute), 11, 11))).To(Succeed())
			Expect(s.Store(ctx, positionAt("default", now.Add(-1*time.Minute), 12, 12))).To(Succeed())
			Expect(s.Store(ctx, positionAt("other", now.Add(-30*time.Second), 11.5, 11.5))).To(Succeed())
			Expect(s.Store(ctx, telemetry.New("default", now.Add(-time.Minute), telemetry.Armed{Armed: true}))).To(Succeed())
		})

		It("Should return recent positions newest first", func() {
			positions, err := s.QueryRecent(ctx, 10, "default")
			Expect(err).ToNot(HaveOccurred())
			Expect(positions).To(HaveLen(2))
			Expect(positions[0].Latitude).To(Equal(12.0))
			Expect(positions[1].Latitude).To(Equal(11.0))
			Expect(positions[0].Altitude).To(Equal(10.0))
		})

		It("Should filter positions by area across drones", func() {
			positions, err := s.QueryArea(ctx, store.Area{MinLat: 11, MaxLat: 11.6, MinLon: 11, MaxLon: 11.6}, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(positions).To(HaveLen(2))
			Expect(positions[0].Latitude).To(Equal(11.5))
			Expect(positions[1].Latitude).To(Equal(11.0))
		})

		It("Should report the latest record per measurement", func() {
			latest, err := s.Latest(ctx, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(latest[telemetry.KindPosition]).ToNot(BeNil())
			lat, _ := latest[telemetry.KindPosition].Float("latitude")
			Expect(lat).To(Equal(12.0))
			Expect(latest[telemetry.KindArmed].Fields["armed"]).To(BeTrue())
			Expect(latest[telemetry.KindBattery]).To(BeNil())
		})
	})
})
