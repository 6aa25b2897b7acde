package pio

import (
	"strings"

	"github.com/jangala-dev/owmaster/internal/owerr"
)

type Direction int

const (
	Input Direction = iota
	Output
)

type InputSubtype int

const (
	Momentary InputSubtype = iota
	Toggle
)

type ActiveLevel int

const (
	ActiveLow ActiveLevel = iota
	ActiveHigh
)

// Mode is the IO mode descriptor of §4.4: direction, input subtype (only
// meaningful for inputs), and active level. Default: input momentary
// active low.
type Mode struct {
	Direction Direction
	Input     InputSubtype
	Active    ActiveLevel
}

func DefaultMode() Mode {
	return Mode{Direction: Input, Input: Momentary, Active: ActiveLow}
}

// ParseMode parses a free-form mode string such as "in momentary active
// low", "out active high", "in toggle". Unrecognized tokens are a
// configuration error, grounded in pio.py's parse_pio_mode.
func ParseMode(s string) (Mode, error) {
	m := DefaultMode()
	if strings.TrimSpace(s) == "" {
		return m, nil
	}
	fields := strings.Fields(strings.ToLower(s))
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "in", "input":
			m.Direction = Input
		case "out", "output":
			m.Direction = Output
		case "momentary":
			m.Input = Momentary
		case "toggle":
			m.Input = Toggle
		case "active":
			if i+1 >= len(fields) {
				return m, owerr.Config("parse_mode", "active requires low|high")
			}
			i++
			switch fields[i] {
			case "low":
				m.Active = ActiveLow
			case "high":
				m.Active = ActiveHigh
			default:
				return m, owerr.Config("parse_mode", "invalid active level: "+fields[i])
			}
		case "low":
			m.Active = ActiveLow
		case "high":
			m.Active = ActiveHigh
		default:
			return m, owerr.Config("parse_mode", "invalid mode token: "+fields[i])
		}
	}
	return m, nil
}

func (m Mode) IsOutput() bool { return m.Direction == Output }
