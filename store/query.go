package store

import (
	"context"
	"time"

	"golang.org/x/exp/slices"

	"github.com/thiefmaster/cherum/telemetry"
)

// PositionRecord is the shape position queries are answered in.
type PositionRecord struct {
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`
}

// Area is a latitude/longitude bounding box, bounds inclusive.
type Area struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func (a Area) contains(p PositionRecord) bool {
	return p.Latitude >= a.MinLat && p.Latitude <= a.MaxLat &&
		p.Longitude >= a.MinLon && p.Longitude <= a.MaxLon
}

func positionFromRecord(r Record) PositionRecord {
	p := PositionRecord{Time: r.Time}
	p.Latitude, _ = r.Float("latitude")
	p.Longitude, _ = r.Float("longitude")
	p.Altitude, _ = r.Float("altitude")
	return p
}

func newestFirst(a, b PositionRecord) int {
	return b.Time.Compare(a.Time)
}

// QueryRecent returns the positions droneID reported during the last
// minutes, newest first.
func (s *Store) QueryRecent(ctx context.Context, minutes int, droneID string) ([]PositionRecord, error) {
	if droneID == "" {
		droneID = telemetry.DefaultDroneID
	}
	records, err := s.backend.Range(ctx, Query{
		Measurement: string(telemetry.KindPosition),
		DroneID:     droneID,
		Since:       s.now().Add(-time.Duration(minutes) * time.Minute),
	})
	if err != nil {
		return nil, err
	}
	positions := make([]PositionRecord, 0, len(records))
	for _, r := range records {
		positions = append(positions, positionFromRecord(r))
	}
	slices.SortFunc(positions, newestFirst)
	return positions, nil
}

// QueryArea returns the positions of every drone inside area during the
// last hours, newest first.
func (s *Store) QueryArea(ctx context.Context, area Area, hours int) ([]PositionRecord, error) {
	records, err := s.backend.Range(ctx, Query{
		Measurement: string(telemetry.KindPosition),
		Since:       s.now().Add(-time.Duration(hours) * time.Hour),
	})
	if err != nil {
		return nil, err
	}
	positions := make([]PositionRecord, 0, len(records))
	for _, r := range records {
		if p := positionFromRecord(r); area.contains(p) {
			positions = append(positions, p)
		}
	}
	slices.SortFunc(positions, newestFirst)
	return positions, nil
}

// Kinds lists every measurement in the order Latest reports them.
var Kinds = []telemetry.Kind{
	telemetry.KindPosition,
	telemetry.KindBattery,
	telemetry.KindFlightMode,
	telemetry.KindArmed,
	telemetry.KindInAir,
}

// Latest returns the newest record of every measurement droneID reported.
// Measurements without data map to nil.
func (s *Store) Latest(ctx context.Context, droneID string) (map[telemetry.Kind]*Record, error) {
	if droneID == "" {
		droneID = telemetry.DefaultDroneID
	}
	latest := make(map[telemetry.Kind]*Record, len(Kinds))
	for _, kind := range Kinds {
		r, err := s.backend.Latest(ctx, string(kind), droneID)
		if err != nil {
			return nil, err
		}
		latest[kind] = r
	}
	return latest, nil
}
