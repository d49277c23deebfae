package tsdb_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/thiefmaster/cherum/store"
	"github.com/thiefmaster/cherum/store/tsdb"
	"github.com/thiefmaster/cherum/telemetry"
)

var _ = Describe("DB", func() {
	var (
		db   *tsdb.DB
		base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	)
	position := func(droneID string, at time.Time, lat float64) store.Point {
		return store.Point{
			Measurement: "position",
			Tags:        map[string]string{store.TagDroneID: droneID},
			Fields:      map[string]any{"latitude": lat, "longitude": 8.5, "altitude": 12.0},
			Time:        at,
		}
	}
	BeforeEach(func() {
		var err error
		db, err = tsdb.Open("telemetry", tsdb.MemBacked())
		Expect(err).ToNot(HaveOccurred())
	})
	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	Describe("Range", func() {
		BeforeEach(func() {
			Expect(db.Write(ctx, []store.Point{
				position("default", base.Add(-time.Hour), 1),
				position("default", base.Add(-time.Minute), 2),
				position("default", base, 3),
				position("other", base, 4),
				{
					Measurement: "armed",
					Tags:        map[string]string{store.TagDroneID: "default"},
					Fields:      map[string]any{"armed": true},
					Time:        base,
				},
			})).To(Succeed())
		})

		It("Should return one drone's points since the given time in time order", func() {
			records, err := db.Range(ctx, store.Query{Measurement: "position", DroneID: "default", Since: base.Add(-10 * time.Minute)})
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records[0].Fields["latitude"]).To(Equal(2.0))
			Expect(records[1].Fields["latitude"]).To(Equal(3.0))
			Expect(records[1].Time).To(Equal(base))
			Expect(records[1].DroneID).To(Equal("default"))
		})

		It("Should return every drone when no drone is given", func() {
			records, err := db.Range(ctx, store.Query{Measurement: "position", Since: base.Add(-10 * time.Minute)})
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(HaveLen(3))
		})

		It("Should keep points with identical timestamps apart", func() {
			Expect(db.Write(ctx, []store.Point{position("default", base, 5)})).To(Succeed())
			records, err := db.Range(ctx, store.Query{Measurement: "position", DroneID: "default", Since: base})
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(HaveLen(2))
		})

		It("Should decode boolean fields", func() {
			records, err := db.Range(ctx, store.Query{Measurement: "armed", DroneID: "default"})
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].Fields["armed"]).To(BeTrue())
		})
	})

	Describe("Latest", func() {
		It("Should return the newest point of a series", func() {
			Expect(db.Write(ctx, []store.Point{
				position("default", base, 1),
				position("default", base.Add(time.Second), 2),
				position("defaultx", base.Add(time.Hour), 9),
			})).To(Succeed())
			r, err := db.Latest(ctx, "position", "default")
			Expect(err).ToNot(HaveOccurred())
			Expect(r).ToNot(BeNil())
			Expect(r.Fields["latitude"]).To(Equal(2.0))
		})

		It("Should return nil for a series without points", func() {
			r, err := db.Latest(ctx, "battery", "default")
			Expect(err).ToNot(HaveOccurred())
			Expect(r).To(BeNil())
		})
	})

	Describe("Write", func() {
		It("Should reject drone ids containing the key separator", func() {
			err := db.Write(ctx, []store.Point{
				position("default", base, 1),
				position("a\x00b", base, 2),
			})
			Expect(err).To(MatchError(tsdb.ErrInvalidSeries))

			rs, err := db.Range(ctx, store.Query{Measurement: "position"})
			Expect(err).ToNot(HaveOccurred())
			Expect(rs).To(BeEmpty())
		})
	})

	Describe("As a store backend", func() {
		It("Should answer recent position queries", func() {
			s := store.New(db, store.Config{BufferSize: 2})
			Expect(s.Store(ctx, telemetry.New("default", time.Now().Add(-time.Minute), telemetry.Position{Latitude: 47.1, Longitude: 8.5, RelativeAltitude: 3}))).To(Succeed())
			Expect(s.Store(ctx, telemetry.New("default", time.Now(), telemetry.Position{Latitude: 47.2, Longitude: 8.5, RelativeAltitude: 4}))).To(Succeed())

			positions, err := s.QueryRecent(ctx, 5, "default")
			Expect(err).ToNot(HaveOccurred())
			Expect(positions).To(HaveLen(2))
			Expect(positions[0].Latitude).To(Equal(47.2))
			Expect(positions[1].Altitude).To(Equal(3.0))
		})
	})
})
