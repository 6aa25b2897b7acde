// Package owtypes holds the event and value types exchanged between the
// device engines (C4-C6), the dispatcher (C7), and the handlers (C8) —
// the tagged-variant generalization of the source's OwEventBase subclasses.
package owtypes

import "time"

// TemperatureUnit is one of the four supported scale letters.
type TemperatureUnit byte

const (
	Celsius    TemperatureUnit = 'C'
	Fahrenheit TemperatureUnit = 'F'
	Kelvin     TemperatureUnit = 'K'
	Rankine    TemperatureUnit = 'R'
)

// PIOValue is the enumerated value carried by a PIOEvent.
type PIOValue string

const (
	PIOOff     PIOValue = "OFF"
	PIOOn      PIOValue = "ON"
	PIOTrigged PIOValue = "TRIGGED"
)

// StatCategory is the group a statistic belongs to. The bus pseudo-device
// reports StatError and StatTries; the master's own counters use their
// key prefix ("ops", "tries", "error", "bus") as the category.
type StatCategory string

const (
	StatError StatCategory = "error"
	StatTries StatCategory = "tries"
)

// Event is the common envelope for every typed event flowing through the
// dispatcher. DeviceID is empty for bus-wide events (statistics).
type Event struct {
	Timestamp time.Time
	DeviceID  string
	Alias     string
	IsReset   bool

	Kind EventKind

	// Populated depending on Kind; exactly one group is meaningful.
	Channel string

	Temperature TemperatureValue
	Counter     int64
	ADC         uint16
	PIO         PIOValue
	StateName   string
	Stat        StatValue
}

type EventKind int

const (
	KindTemperature EventKind = iota
	KindCounter
	KindADC
	KindPIO
	KindStatistics
	KindConfig
)

type TemperatureValue struct {
	Value float64
	Unit  TemperatureUnit
}

type StatValue struct {
	Category StatCategory
	Name     string
	Value    int64
}

func (e Event) String() string {
	switch e.Kind {
	case KindTemperature:
		return "TemperatureEvent[" + e.DeviceID + "]"
	case KindCounter:
		return "CounterEvent[" + e.DeviceID + "." + e.Channel + "]"
	case KindADC:
		return "ADCEvent[" + e.DeviceID + "." + e.Channel + "]"
	case KindPIO:
		return "PIOEvent[" + e.DeviceID + "." + e.Channel + "]"
	case KindStatistics:
		return "StatisticsEvent[" + string(e.Stat.Category) + "." + e.Stat.Name + "]"
	default:
		return "ConfigEvent[" + e.DeviceID + "]"
	}
}
