// Package telemetry defines the vehicle telemetry records exchanged between
// the controller, the forwarder and the coordination service, and their
// one-object-per-line JSON encoding.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultDroneID is used when a record does not name its drone.
const DefaultDroneID = "default"

var (
	ErrMissingType = errors.New("telemetry: missing type")
	ErrUnknownType = errors.New("telemetry: unknown type")
	ErrInvalidData = errors.New("telemetry: invalid data")
)

// Kind names a measurement.
type Kind string

const (
	KindPosition   Kind = "position"
	KindBattery    Kind = "battery"
	KindFlightMode Kind = "flight_mode"
	KindArmed      Kind = "armed"
	KindInAir      Kind = "in_air"
)

// Payload is implemented by exactly the five measurement types of this
// package.
type Payload interface {
	Kind() Kind
	payload()
}

type Position struct {
	Latitude         Fixed6 `json:"latitude_deg"`
	Longitude        Fixed6 `json:"longitude_deg"`
	RelativeAltitude Fixed6 `json:"relative_altitude_m"`
}

type Battery struct {
	ID               int     `json:"id"`
	RemainingPercent float64 `json:"remaining_percent"`
}

type FlightMode struct {
	Mode string `json:"mode"`
}

type Armed struct {
	Armed bool `json:"armed"`
}

type InAir struct {
	InAir bool `json:"in_air"`
}

func (Position) Kind() Kind   { return KindPosition }
func (Battery) Kind() Kind    { return KindBattery }
func (FlightMode) Kind() Kind { return KindFlightMode }
func (Armed) Kind() Kind      { return KindArmed }
func (InAir) Kind() Kind      { return KindInAir }

func (Position) payload()   {}
func (Battery) payload()    {}
func (FlightMode) payload() {}
func (Armed) payload()      {}
func (InAir) payload()      {}

// Fixed6 is a float rendered with exactly six decimal digits, which keeps
// position lines byte-stable for identical fixes.
type Fixed6 float64

func (f Fixed6) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(f), 'f', 6, 64)), nil
}

// Event is one telemetry record for one drone.
type Event struct {
	DroneID string
	Time    time.Time
	Payload Payload
}

// New stamps payload with the drone id and capture time.
func New(droneID string, at time.Time, payload Payload) Event {
	if droneID == "" {
		droneID = DefaultDroneID
	}
	return Event{DroneID: droneID, Time: at, Payload: payload}
}

type wireEvent struct {
	Type    Kind            `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	DroneID string          `json:"drone_id,omitempty"`
	Time    *time.Time      `json:"time,omitempty"`

	// Older clients sent these two at the top level.
	Armed *bool `json:"armed,omitempty"`
	InAir *bool `json:"in_air,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrMissingType
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	w := wireEvent{Type: e.Payload.Kind(), Data: data, DroneID: e.DroneID}
	if !e.Time.IsZero() {
		t := e.Time.UTC()
		w.Time = &t
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if w.Type == "" {
		return ErrMissingType
	}
	payload, err := decodePayload(w)
	if err != nil {
		return err
	}
	e.Payload = payload
	if strings.ContainsRune(w.DroneID, 0) {
		return fmt.Errorf("%w: drone_id contains NUL", ErrInvalidData)
	}
	e.DroneID = w.DroneID
	if e.DroneID == "" {
		e.DroneID = DefaultDroneID
	}
	e.Time = time.Time{}
	if w.Time != nil {
		e.Time = *w.Time
	}
	return nil
}

func decodePayload(w wireEvent) (Payload, error) {
	hasData := len(w.Data) > 0 && !bytes.Equal(w.Data, []byte("null"))
	switch w.Type {
	case KindPosition:
		var p struct {
			Latitude         *float64 `json:"latitude_deg"`
			Longitude        *float64 `json:"longitude_deg"`
			RelativeAltitude *float64 `json:"relative_altitude_m"`
		}
		if err := decodeData(w.Data, hasData, &p); err != nil {
			return nil, err
		}
		if p.Latitude == nil || p.Longitude == nil || p.RelativeAltitude == nil {
			return nil, fmt.Errorf("%w: position needs latitude_deg, longitude_deg and relative_altitude_m", ErrInvalidData)
		}
		return Position{
			Latitude:         Fixed6(*p.Latitude),
			Longitude:        Fixed6(*p.Longitude),
			RelativeAltitude: Fixed6(*p.RelativeAltitude),
		}, nil
	case KindBattery:
		var p struct {
			ID               *int     `json:"id"`
			RemainingPercent *float64 `json:"remaining_percent"`
		}
		if err := decodeData(w.Data, hasData, &p); err != nil {
			return nil, err
		}
		if p.RemainingPercent == nil {
			return nil, fmt.Errorf("%w: battery needs remaining_percent", ErrInvalidData)
		}
		b := Battery{RemainingPercent: *p.RemainingPercent}
		if p.ID != nil {
			b.ID = *p.ID
		}
		return b, nil
	case KindFlightMode:
		var p FlightMode
		if err := decodeData(w.Data, hasData, &p); err != nil {
			return nil, err
		}
		if p.Mode == "" {
			return nil, fmt.Errorf("%w: flight_mode needs mode", ErrInvalidData)
		}
		return p, nil
	case KindArmed:
		v, err := decodeFlag(w, hasData, "armed", w.Armed)
		return Armed{Armed: v}, err
	case KindInAir:
		v, err := decodeFlag(w, hasData, "in_air", w.InAir)
		return InAir{InAir: v}, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

func decodeData(data json.RawMessage, hasData bool, v any) error {
	if !hasData {
		return fmt.Errorf("%w: missing data", ErrInvalidData)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

func decodeFlag(w wireEvent, hasData bool, key string, topLevel *bool) (bool, error) {
	if !hasData {
		if topLevel == nil {
			return false, fmt.Errorf("%w: %s needs %s", ErrInvalidData, w.Type, key)
		}
		return *topLevel, nil
	}
	var fields map[string]*bool
	if err := json.Unmarshal(w.Data, &fields); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	v := fields[key]
	if v == nil {
		return false, fmt.Errorf("%w: %s needs %s", ErrInvalidData, w.Type, key)
	}
	return *v, nil
}

// MarshalLine encodes e as a single newline-terminated JSON line.
func MarshalLine(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses one JSON telemetry record. Every failure matches one of
// the package's sentinel errors.
func Decode(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	if err != nil && !errors.Is(err, ErrMissingType) && !errors.Is(err, ErrUnknownType) && !errors.Is(err, ErrInvalidData) {
		err = fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return e, err
}

// DecodePayload parses the data object of a record of the given kind.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	return decodePayload(wireEvent{Type: kind, Data: data})
}
