package pio

import (
	"strconv"
	"strings"

	"github.com/jangala-dev/owmaster/internal/inventory"
	"github.com/jangala-dev/owmaster/internal/owerr"
)

// Register installs the three PIO family builders (DS2406 "12", DS2408
// "29", DS2413 "3A") into factory, each sharing Base and differing only
// in channel topology and alarm-register encoding.
func Register(factory *inventory.Factory, ow BusOps, sink EventSink) {
	factory.Register("12", func(id string) inventory.Device {
		return NewBase(id, ow, sink, []string{"A", "B"}, calc2ch)
	})
	factory.Register("29", func(id string) inventory.Device {
		return NewBase(id, ow, sink, []string{"0", "1", "2", "3", "4", "5", "6", "7"}, calc8ch)
	})
	factory.Register("3A", func(id string) inventory.Device {
		return NewBase(id, ow, sink, []string{"A", "B"}, nil) // no alarm support
	})
}

// calc2ch builds the DS2406 "CAP" register: channel mask, alarm source
// (latch, always 1 here), uniform polarity digit. Grounded in DS2406.py's
// _calculate_alarm_setting; a polarity conflict across channels raises a
// configuration error since the format carries only one polarity digit.
func calc2ch(channels []*Channel) (string, error) {
	mask := 0
	polarity := -1
	for _, c := range channels {
		mask |= 1 << uint(c.Index)
		level := 0
		if c.Mode.Active == ActiveHigh {
			level = 1
		}
		if polarity == -1 {
			polarity = level
		} else if polarity != level {
			return "", owerr.Config("calculate_alarm_setting", "conflicting channel polarities on "+c.Name())
		}
	}
	if polarity == -1 {
		polarity = 0
	}
	const source = 1 // latch-based, per spec §4.4
	n := mask*100 + source*10 + polarity
	return strconv.Itoa(n), nil
}

// calc8ch builds the DS2408 9-digit "XYYYYYYYY" register: a source+
// operator digit followed by eight per-channel selector digits (0/1 =
// ignore, 2 = active-low, 3 = active-high), least-significant channel
// last. Grounded in DS2408.py's ALARM_SOURCE_LATCH_OR + per-channel loop.
func calc8ch(channels []*Channel) (string, error) {
	var digit [8]byte
	for i := range digit {
		digit[i] = '0'
	}
	for _, c := range channels {
		if c.Index < 0 || c.Index > 7 {
			return "", owerr.Config("calculate_alarm_setting", "channel index out of range: "+c.Name())
		}
		if c.Mode.Active == ActiveHigh {
			digit[c.Index] = '3'
		} else {
			digit[c.Index] = '2'
		}
	}
	var b strings.Builder
	b.WriteByte('1') // ALARM_SOURCE_LATCH_OR
	for i := 7; i >= 0; i-- {
		b.WriteByte(digit[i])
	}
	n, err := strconv.ParseUint(b.String(), 10, 64)
	if err != nil {
		return "", owerr.Proto("calculate_alarm_setting", b.String(), err)
	}
	return strconv.FormatUint(n, 10), nil
}
