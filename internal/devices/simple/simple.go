// Package simple implements C6: the temperature family (10/22/28/3B/42),
// the DS2423 dual-counter (1D), and the bus-statistics pseudo-device —
// the supervisor's simple periodic readers, none of which carry the
// latch/alarm machinery of C4/C5. Grounded in the source's
// device/DS1820.py, device/DS2423.py and device/stats.py.
package simple

import (
	"strconv"
	"strings"
	"time"

	"github.com/jangala-dev/owmaster/internal/inventory"
	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owerr"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

// EventSink receives the typed events a device emits.
type EventSink interface {
	Emit(ev owtypes.Event)
}

// BusOps is the slice of busclient.Client these engines need.
type BusOps interface {
	Read(path string, uncached bool) (string, error)
	Write(path, data string, uncached bool) error
}

var temperatureFamilies = []string{"10", "22", "28", "3B", "42"}

const counterFamily = "1D"

// Register installs the temperature family and the DS2423 dual-counter
// family into factory. The bus-statistics pseudo-device is not
// family-registered — it has no device ID — and is constructed directly
// by the orchestrator via NewStats.
func Register(factory *inventory.Factory, ow BusOps, sink EventSink) {
	for _, fam := range temperatureFamilies {
		factory.Register(fam, func(id string) inventory.Device {
			return NewTemperature(id, ow, sink)
		})
	}
	factory.Register(counterFamily, func(id string) inventory.Device {
		return NewCounter(id, ow, sink)
	})
}

func defaultBoundsFor(unit owtypes.TemperatureUnit) (min, max float64) {
	switch unit {
	case owtypes.Fahrenheit:
		return -112, 257
	case owtypes.Kelvin:
		return 193, 398
	case owtypes.Rankine:
		return 347, 717
	default:
		return -80, 125
	}
}

// --- Temperature (families 10/22/28/3B/42) --------------------------------

// Temperature is a simple temperature sensor. It never reads on its own
// scan tick: the orchestrator batches every temperature device into a
// single simultaneous/temperature conversion per §4.6, then calls
// ReadTemperature directly once the conversion has settled.
type Temperature struct {
	id    string
	alias string

	ow   BusOps
	sink EventSink

	unit     owtypes.TemperatureUnit
	minTemp  float64
	maxTemp  float64
	lastKnown *float64
}

func NewTemperature(id string, ow BusOps, sink EventSink) *Temperature {
	return &Temperature{id: id, ow: ow, sink: sink, unit: owtypes.Celsius}
}

func (t *Temperature) ID() string           { return t.id }
func (t *Temperature) Alias() string        { return t.alias }
func (t *Temperature) Simultaneous() string { return "temperature" }
func (t *Temperature) Channels() []inventory.Channel { return nil }

// Config resolves the unit and sanity bounds per-device, then per-family,
// then master-wide, per §4.6.
func (t *Temperature) Config(cfg *owconfig.Config) error {
	t.alias = cfg.GetString(t.alias, "devices", t.id, "alias")

	unitStr := cfg.GetString("", "devices", t.id, "temperature_unit")
	if unitStr == "" {
		unitStr = cfg.GetString("", "devices", "temperature", "temperature_unit")
	}
	if unitStr == "" {
		unitStr = cfg.GetString("C", "owmaster", "temperature_unit")
	}
	switch strings.ToUpper(unitStr) {
	case "F":
		t.unit = owtypes.Fahrenheit
	case "K":
		t.unit = owtypes.Kelvin
	case "R":
		t.unit = owtypes.Rankine
	default:
		t.unit = owtypes.Celsius
	}

	defMin, defMax := defaultBoundsFor(t.unit)
	defMin = cfgFloat(cfg, defMin, "owmaster", "min_temp")
	defMax = cfgFloat(cfg, defMax, "owmaster", "max_temp")
	t.minTemp = cfgFloat(cfg, defMin, "devices", []string{t.id, "temperature"}, "min_temp")
	t.maxTemp = cfgFloat(cfg, defMax, "devices", []string{t.id, "temperature"}, "max_temp")
	return nil
}

func cfgFloat(cfg *owconfig.Config, def float64, segs ...owconfig.Segment) float64 {
	v := cfg.Get(nil, segs...)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return def
	}
}

// OnSeen does nothing directly: the orchestrator's simultaneous-
// temperature coordination drives ReadTemperature for every temperature
// device once their shared conversion has settled.
func (t *Temperature) OnSeen(time.Time) {}

// OnAlarm silences the device's own alarm thresholds rather than acting
// on them; temperature alarms are not part of this supervisor's model.
func (t *Temperature) OnAlarm(time.Time) {
	_ = t.ow.Write(t.path("templow"), "-80", false)
	_ = t.ow.Write(t.path("temphigh"), "125", false)
}

// ReadTemperature performs the actual cached read after a simultaneous
// conversion has completed, discarding values outside the sanity bounds.
func (t *Temperature) ReadTemperature(when time.Time) error {
	raw, err := t.ow.Read(t.path("temperature"), false)
	if err != nil {
		return owerr.Bus("read_temperature", t.id, err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return owerr.Proto("parse_temperature", raw, err)
	}
	if value < t.minTemp || value > t.maxTemp {
		return nil
	}
	t.lastKnown = &value
	t.sink.Emit(owtypes.Event{
		Timestamp: when, DeviceID: t.id, Alias: t.alias,
		Kind: owtypes.KindTemperature, Temperature: owtypes.TemperatureValue{Value: value, Unit: t.unit},
	})
	return nil
}

func (t *Temperature) path(attr string) string { return "/" + t.id + "/" + attr }

// --- Dual counter (DS2423, family 1D) -------------------------------------

// Counter is the DS2423 dual-counter device: two channels A/B, no alarm
// behaviour beyond silencing by read.
type Counter struct {
	id    string
	alias string

	ow   BusOps
	sink EventSink
}

func NewCounter(id string, ow BusOps, sink EventSink) *Counter {
	return &Counter{id: id, ow: ow, sink: sink}
}

func (c *Counter) ID() string           { return c.id }
func (c *Counter) Alias() string        { return c.alias }
func (c *Counter) Simultaneous() string { return "" }
func (c *Counter) Channels() []inventory.Channel { return nil }

func (c *Counter) Config(cfg *owconfig.Config) error {
	c.alias = cfg.GetString(c.alias, "devices", c.id, "alias")
	return nil
}

func (c *Counter) OnSeen(when time.Time) {
	values, err := c.readCounters()
	if err != nil {
		return
	}
	names := []string{"A", "B"}
	for i, name := range names {
		if i >= len(values) {
			break
		}
		c.sink.Emit(owtypes.Event{
			Timestamp: when, DeviceID: c.id, Alias: c.alias,
			Kind: owtypes.KindCounter, Channel: name, Counter: values[i],
		})
	}
}

// OnAlarm silences the alarm by reading the counters (which resets the
// condition on the custom AVR slave variant); no event is produced.
func (c *Counter) OnAlarm(time.Time) {
	_, _ = c.readCounters()
}

func (c *Counter) readCounters() ([]int64, error) {
	raw, err := c.ow.Read(c.path("counter.ALL"), true)
	if err != nil {
		return nil, owerr.Bus("read_counters", c.id, err)
	}
	fields := strings.Split(raw, ",")
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, owerr.Proto("parse_counters", raw, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Counter) path(attr string) string { return "/" + c.id + "/" + attr }

// --- Bus-statistics pseudo-device -----------------------------------------

var statErrors = []string{
	"BUS_bit_errors", "BUS_byte_errors", "BUS_detect_errors",
	"BUS_echo_errors", "BUS_level_errors", "BUS_next_alarm_errors",
	"BUS_next_errors", "BUS_readin_data_errors", "BUS_status_errors",
	"BUS_tcsetattr_errors",
	"CRC16_errors", "CRC8_errors",
	"DS2480_level_docheck_errors", "DS2480_read_fd_isset",
	"DS2480_read_null", "DS2480_read_read",
	"NET_accept_errors", "NET_connection_errors", "NET_read_errors",
}

// Stats is the bus-statistics pseudo-device: it has no 1-Wire device ID
// of its own, and is driven directly by the orchestrator rather than
// through the family factory. Grounded in the source's device/stats.py.
type Stats struct {
	ow   BusOps
	sink EventSink
}

func NewStats(ow BusOps, sink EventSink) *Stats {
	return &Stats{ow: ow, sink: sink}
}

// Report reads every known error counter plus the CRC/read-retry
// counters and emits one Statistics event per value.
func (s *Stats) Report(when time.Time) {
	for _, name := range statErrors {
		raw, err := s.ow.Read("/statistics/errors/"+name, false)
		if err != nil {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		s.sink.Emit(owtypes.Event{
			Timestamp: when,
			Kind:      owtypes.KindStatistics,
			Stat:      owtypes.StatValue{Category: owtypes.StatError, Name: name, Value: v},
		})
	}

	for _, name := range []string{"CRC16_tries", "CRC8_tries"} {
		raw, err := s.ow.Read("/statistics/errors/"+name, false)
		if err != nil {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		s.sink.Emit(owtypes.Event{
			Timestamp: when,
			Kind:      owtypes.KindStatistics,
			Stat:      owtypes.StatValue{Category: owtypes.StatTries, Name: name, Value: v},
		})
	}

	raw, err := s.ow.Read("/statistics/read/tries.ALL", false)
	if err != nil {
		return
	}
	for i, f := range strings.Split(raw, ",") {
		v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			continue
		}
		s.sink.Emit(owtypes.Event{
			Timestamp: when,
			Kind:      owtypes.KindStatistics,
			Stat:      owtypes.StatValue{Category: owtypes.StatTries, Name: "read_tries_" + strconv.Itoa(i+1), Value: v},
		})
	}
}
