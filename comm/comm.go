package comm

import (
	"fmt"
	"strings"
)

var linkActions = map[Code]string{
	Land:           "LAND",
	Hold:           "HOLD",
	ReturnToLaunch: "RTL",
}

// ParseCode decodes the content read from the command pipe. Surrounding
// whitespace is ignored; anything but a single known character is Unknown.
func ParseCode(s string) Code {
	switch strings.TrimSpace(s) {
	case "l":
		return Land
	case "h":
		return Hold
	case "r":
		return ReturnToLaunch
	default:
		return Unknown
	}
}

func parseAction(s string) Code {
	for code, name := range linkActions {
		if name == s {
			return code
		}
	}
	return Unknown
}

// ParseLinkMessage decodes one line sent by a serial flight link. Lines that
// match no known form come back with Valid() == false.
func ParseLinkMessage(s string) LinkMessage {
	var msg LinkMessage
	var flag int
	if _, err := fmt.Sscanf(s, "POS=%f,%f,%f", &msg.Latitude, &msg.Longitude, &msg.Altitude); err == nil {
		msg.Kind = Position
	} else if _, err := fmt.Sscanf(s, "BAT=%d,%f", &msg.BatteryID, &msg.Percent); err == nil {
		msg.Kind = Battery
	} else if mode, found := strings.CutPrefix(s, "MODE="); found && mode != "" {
		msg = LinkMessage{Kind: FlightMode, Mode: mode}
	} else if _, err := fmt.Sscanf(s, "ARMED=%d", &flag); err == nil {
		msg = LinkMessage{Kind: Armed, Flag: flag != 0}
	} else if _, err := fmt.Sscanf(s, "AIR=%d", &flag); err == nil {
		msg = LinkMessage{Kind: InAir, Flag: flag != 0}
	} else if action, found := strings.CutPrefix(s, "ACK="); found {
		msg = LinkMessage{Kind: Ack, Action: parseAction(action)}
	} else if rest, found := strings.CutPrefix(s, "NAK="); found {
		action, reason, _ := strings.Cut(rest, ":")
		msg = LinkMessage{Kind: Nak, Action: parseAction(action), Reason: reason}
	} else {
		return LinkMessage{Kind: invalid}
	}
	if (msg.Kind == Ack || msg.Kind == Nak) && msg.Action == Unknown {
		return LinkMessage{Kind: invalid}
	}
	return msg
}

// Valid reports whether the line was understood.
func (m LinkMessage) Valid() bool {
	return m.Kind != invalid
}

// SerializeAction renders an action request for a serial flight link.
func SerializeAction(code Code) string {
	name, ok := linkActions[code]
	if !ok {
		return ""
	}
	return "ACT=" + name
}
