package store

import (
	"context"
	"strconv"
	"time"

	"github.com/thiefmaster/cherum/telemetry"
)

const (
	TagDroneID   = "drone_id"
	TagBatteryID = "battery_id"
)

// Point is one measurement ready to be written to a backend.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// Query selects the points of one measurement written at or after Since.
// An empty DroneID matches every drone.
type Query struct {
	Measurement string
	DroneID     string
	Since       time.Time
}

// Record is a point read back from a backend, all fields of one timestamp
// pivoted into a single row.
type Record struct {
	Measurement string            `json:"-"`
	DroneID     string            `json:"drone_id"`
	Time        time.Time         `json:"time"`
	Tags        map[string]string `json:"-"`
	Fields      map[string]any    `json:"fields"`
}

// Backend persists points. Write must store the whole batch or fail.
type Backend interface {
	Write(ctx context.Context, points []Point) error
	Range(ctx context.Context, q Query) ([]Record, error)
	// Latest returns nil when the drone never reported the measurement.
	Latest(ctx context.Context, measurement, droneID string) (*Record, error)
	Close() error
}

// PointFromEvent converts a telemetry event. Events without a capture time
// are stamped with now.
func PointFromEvent(e telemetry.Event, now time.Time) Point {
	droneID := e.DroneID
	if droneID == "" {
		droneID = telemetry.DefaultDroneID
	}
	at := e.Time
	if at.IsZero() {
		at = now
	}
	p := Point{
		Tags: map[string]string{TagDroneID: droneID},
		Time: at.UTC(),
	}
	switch v := e.Payload.(type) {
	case telemetry.Position:
		p.Fields = map[string]any{
			"latitude":  float64(v.Latitude),
			"longitude": float64(v.Longitude),
			"altitude":  float64(v.RelativeAltitude),
		}
	case telemetry.Battery:
		p.Tags[TagBatteryID] = strconv.Itoa(v.ID)
		p.Fields = map[string]any{"remaining_percent": v.RemainingPercent}
	case telemetry.FlightMode:
		p.Fields = map[string]any{"mode": v.Mode}
	case telemetry.Armed:
		p.Fields = map[string]any{"armed": v.Armed}
	case telemetry.InAir:
		p.Fields = map[string]any{"in_air": v.InAir}
	}
	if e.Payload != nil {
		p.Measurement = string(e.Payload.Kind())
	}
	return p
}

// Float reads a numeric field regardless of how the backend decoded it.
func (r Record) Float(field string) (float64, bool) {
	switch v := r.Fields[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
