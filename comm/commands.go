package comm

import "strings"

var codeChars = map[Code]byte{
	Land:           'l',
	Hold:           'h',
	ReturnToLaunch: 'r',
}

// names accepted from the coordination service. "loiter" and "rtl" are what
// the web UI sends.
var codeNames = map[string]Code{
	"land":             Land,
	"loiter":           Hold,
	"hold":             Hold,
	"rtl":              ReturnToLaunch,
	"return_to_launch": ReturnToLaunch,
}

// CodeForName maps a command name to its Code. ok is false for names that
// have no wire representation.
func CodeForName(name string) (code Code, ok bool) {
	code, ok = codeNames[strings.ToLower(strings.TrimSpace(name))]
	return code, ok
}

// Byte returns the pipe character for c, or 0 for Unknown.
func (c Code) Byte() byte {
	return codeChars[c]
}

func (c Code) String() string {
	switch c {
	case Land:
		return "land"
	case Hold:
		return "hold"
	case ReturnToLaunch:
		return "return_to_launch"
	default:
		return "unknown"
	}
}
