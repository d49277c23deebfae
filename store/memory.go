package store

import (
	"context"
	"sync"
)

// Memory is a Backend that keeps points in process memory. Nothing survives
// a restart.
type Memory struct {
	mu      sync.Mutex
	points  []Point
	batches int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(ctx context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, points...)
	m.batches++
	return nil
}

func (m *Memory) Range(ctx context.Context, q Query) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []Record
	for _, p := range m.points {
		if !matches(p, q) {
			continue
		}
		records = append(records, recordFromPoint(p))
	}
	return records, nil
}

func (m *Memory) Latest(ctx context.Context, measurement, droneID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Point
	for i, p := range m.points {
		if p.Measurement != measurement || p.Tags[TagDroneID] != droneID {
			continue
		}
		if latest == nil || !p.Time.Before(latest.Time) {
			latest = &m.points[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	r := recordFromPoint(*latest)
	return &r, nil
}

func (m *Memory) Close() error { return nil }

// Batches reports how many successful writes the backend received.
func (m *Memory) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

func matches(p Point, q Query) bool {
	if p.Measurement != q.Measurement {
		return false
	}
	if q.DroneID != "" && p.Tags[TagDroneID] != q.DroneID {
		return false
	}
	return !p.Time.Before(q.Since)
}

func recordFromPoint(p Point) Record {
	return Record{
		Measurement: p.Measurement,
		DroneID:     p.Tags[TagDroneID],
		Time:        p.Time,
		Tags:        p.Tags,
		Fields:      p.Fields,
	}
}
