package comm

// Code is a vehicle command as carried on the command pipe.
type Code int

// LinkKind identifies a line received from a serial flight link.
type LinkKind int

// Code values
const (
	Unknown Code = iota
	Land
	Hold
	ReturnToLaunch
)

// LinkKind values
const (
	invalid LinkKind = iota
	Position
	Battery
	FlightMode
	Armed
	InAir
	Ack
	Nak
)

// LinkMessage is a parsed serial link line. Only the fields matching Kind
// are set.
type LinkMessage struct {
	Kind      LinkKind
	Latitude  float64
	Longitude float64
	Altitude  float64
	BatteryID int
	Percent   float64
	Mode      string
	Flag      bool
	Action    Code
	Reason    string
}
