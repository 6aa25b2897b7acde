// Package pio implements C4, the PIO device engine shared by the 2- and
// 8-channel digital I/O chips (families 12, 29, 3A): latch/sense
// decoding, alarm-register calculation and reconciliation, and output
// driving. Grounded in the source's device/pio.py (OwPIOBase/OwPIODevice)
// with the three family-specific alarm-register encodings of DS2406.py,
// DS2408.py, and DS2413.py (alarm_supported=False).
package pio

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

// BusOps is the slice of busclient.Client this engine needs; an
// interface so tests can exercise the decode logic with a fake bus.
type BusOps interface {
	Read(path string, uncached bool) (string, error)
	Write(path, data string, uncached bool) error
}

// AlarmCalculator computes a family-specific wanted_alarm register string
// from channel modes. DS2413 has none (alarm_supported=false).
type AlarmCalculator func(channels []*Channel) (string, error)

const noSensed = 0xFFFF // sentinel meaning "unknown", distinct from any 8-bit mask

// Base is embedded by every concrete PIO family device.
type Base struct {
	id    string
	alias string

	ow    BusOps
	sink  EventSink

	channels []*Channel

	alarmSupported bool
	alarmCalc      AlarmCalculator

	wantedAlarm      string
	initialSetupDone bool
	lastSensed       uint16
	lost             bool

	skipNextAlarm bool
}

// NewBase constructs the shared engine. channelNames fixes the channel
// topology (e.g. ["A","B"] or eight numeric names); calc is nil for
// devices without alarm support.
func NewBase(id string, ow BusOps, sink EventSink, channelNames []string, calc AlarmCalculator) *Base {
	b := &Base{
		id:             id,
		ow:             ow,
		sink:           sink,
		alarmSupported: calc != nil,
		alarmCalc:      calc,
		lastSensed:     noSensed,
	}
	for i, n := range channelNames {
		b.channels = append(b.channels, NewChannel(i, n))
	}
	return b
}

func (b *Base) ID() string    { return b.id }
func (b *Base) Alias() string { return b.alias }
func (b *Base) Lost() bool    { return b.lost }
func (b *Base) SetLost(v bool) { b.lost = v }
func (b *Base) Simultaneous() string { return "" }

func (b *Base) Channels() []inventory.Channel {
	out := make([]inventory.Channel, len(b.channels))
	for i, c := range b.channels {
		out[i] = c
	}
	return out
}

func (b *Base) channelByName(name string) *Channel {
	for _, c := range b.channels {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Config loads the alias and per-channel mode strings from
// devices.<id>.alias / devices.<id>.<ch>.mode.
func (b *Base) Config(cfg *owconfig.Config) error {
	b.alias = cfg.GetString(b.alias, "devices", b.id, "alias")
	for _, c := range b.channels {
		modeStr := cfg.GetString("", "devices", b.id, c.Name(), "mode")
		mode, err := ParseMode(modeStr)
		if err != nil {
			return err
		}
		c.Mode = mode
	}
	if b.alarmSupported {
		if _, err := b.calculateWantedAlarm(); err != nil {
			return err
		}
		if _, err := b.CheckAlarmConfig(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Base) calculateWantedAlarm() (string, error) {
	want, err := b.alarmCalc(b.channels)
	if err != nil {
		return "", err
	}
	b.wantedAlarm = want
	return want, nil
}

// OnSeen reconciles the alarm register (if supported) and lazily
// initializes lastSensed; regular scans never emit PIO state for
// alarm-capable devices — state comes from OnAlarm — per §4.4.
func (b *Base) OnSeen(when time.Time) {
	if b.alarmSupported {
		if _, err := b.CheckAlarmConfig(); err != nil {
			return
		}
		if b.lastSensed == noSensed {
			sensed, err := b.readSensed(true)
			if err == nil {
				b.lastSensed = sensed
			}
		}
		return
	}

	// Devices with no alarm support (DS2413) have no latch to poll;
	// detect transitions by diffing against the last-seen sensed mask
	// on every regular scan.
	sensed, err := b.readSensed(false)
	if err != nil {
		return
	}
	if b.lastSensed == noSensed {
		b.lastSensed = sensed
		b.emitInitState(sensed, when)
		return
	}
	if sensed != b.lastSensed {
		b.emitChanges(sensed, b.lastSensed, when)
	}
	b.lastSensed = sensed
}

// CheckAlarmConfig reads set_alarm (uncached); if it differs from
// wantedAlarm, writes the new value and clears latches. It emits initial
// state (is_reset=true) for toggle-inputs and outputs whenever it
// reconfigures the alarm register, and also unconditionally on the very
// first call, since registers persist across process restarts and the
// state still needs announcing then. Returns whether a reconfiguration
// was applied (false on a first call that found the register already
// correct).
//
// Per spec §9's resolved open question, the first post-reconfig PIO event
// is always emitted with is_reset=true.
func (b *Base) CheckAlarmConfig() (bool, error) {
	current, err := b.ow.Read(b.path("set_alarm"), true)
	if err != nil {
		return false, owerr.Bus("read_set_alarm", b.id, err)
	}

	reconfigured := current != b.wantedAlarm
	if !reconfigured && b.initialSetupDone {
		return false, nil
	}

	if reconfigured {
		if err := b.ow.Write(b.path("set_alarm"), b.wantedAlarm, false); err != nil {
			return false, owerr.Bus("write_set_alarm", b.id, err)
		}
		if err := b.ow.Write(b.path("latch.BYTE"), "1", false); err != nil {
			return false, owerr.Bus("clear_latch", b.id, err)
		}
		b.skipNextAlarm = true
	}

	sensed, err := b.readSensed(true)
	if err != nil {
		return reconfigured, owerr.Bus("read_sensed", b.id, err)
	}
	b.lastSensed = sensed
	b.emitInitState(sensed, time.Now())
	b.initialSetupDone = true
	return reconfigured, nil
}

func (b *Base) emitInitState(sensed uint16, when time.Time) {
	for _, c := range b.channels {
		if c.Mode.Direction == Output || c.Mode.Input == Toggle {
			val := owtypes.PIOOff
			if c.sensed(sensed) == (c.Mode.Active == ActiveHigh) {
				val = owtypes.PIOOn
			}
			b.sink.Emit(owtypes.Event{
				Timestamp: when, DeviceID: b.id, Alias: b.alias, IsReset: true,
				Kind: owtypes.KindPIO, Channel: c.Name(), PIO: val,
			})
		}
	}
}

// OnAlarm decodes the latch/sensed bytes and emits PIO events per §4.4
// step 3, clearing the latch byte within this same step (§3 invariant).
func (b *Base) OnAlarm(when time.Time) {
	if b.skipNextAlarm {
		b.skipNextAlarm = false
		return
	}
	latch, err := b.readByte("latch.BYTE", true)
	if err != nil {
		return
	}
	sensed, err := b.readSensed(true)
	if err != nil {
		return
	}
	if err := b.ow.Write(b.path("latch.BYTE"), "1", false); err != nil {
		return
	}

	last := b.lastSensed
	for _, c := range b.channels {
		if latch&c.bit() == 0 {
			continue
		}
		b.decodeAndEmit(c, last, sensed, when)
	}
	b.lastSensed = sensed
}

// emitChanges decodes every channel whose sensed bit differs between last
// and sensed — used by devices with no latch register (DS2413), where the
// alarm itself can't tell us which bit changed.
func (b *Base) emitChanges(sensed, last uint16, when time.Time) {
	for _, c := range b.channels {
		if c.sensed(sensed) == c.sensed(last) {
			continue
		}
		b.decodeAndEmit(c, last, sensed, when)
	}
}

// decodeAndEmit applies §4.4 step 3's classification to a single channel
// that is known to have transitioned (or be newly observed).
func (b *Base) decodeAndEmit(c *Channel, last, sensed uint16, when time.Time) {
	nowOn := c.sensed(sensed)
	wasOn := last != noSensed && c.sensed(last)
	active := c.Mode.Active == ActiveHigh

	switch {
	case c.Mode.Direction == Output || c.Mode.Input == Toggle:
		if last == noSensed || wasOn != nowOn {
			val := owtypes.PIOOff
			if nowOn == active {
				val = owtypes.PIOOn
			}
			b.sink.Emit(owtypes.Event{Timestamp: when, DeviceID: b.id, Alias: b.alias, Kind: owtypes.KindPIO, Channel: c.Name(), PIO: val})
		}
	default: // Momentary input
		// Double-transition suppression: if sensed shows the inactive
		// level but the last known sensed was the active level, this is
		// the closing edge of a press-then-release that both happened
		// between polls — suppress it, per §4.4.
		if last != noSensed && nowOn != active && wasOn == active {
			return
		}
		b.sink.Emit(owtypes.Event{Timestamp: when, DeviceID: b.id, Alias: b.alias, Kind: owtypes.KindPIO, Channel: c.Name(), PIO: owtypes.PIOTrigged})
	}
}

// SetOutput drives channel to on/off, computing the wire polarity from
// its configured active level.
func (b *Base) SetOutput(ch inventory.Channel, on bool) error {
	c, ok := ch.(*Channel)
	if !ok || !c.Mode.IsOutput() {
		return owerr.Config("set_output", "channel is not an output")
	}
	wire := on == (c.Mode.Active == ActiveHigh)
	v := "0"
	if wire {
		v = "1"
	}
	if err := b.ow.Write(b.path("PIO."+c.Name()), v, false); err != nil {
		return owerr.Bus("set_output", b.id, err)
	}
	return nil
}

func (b *Base) readSensed(uncached bool) (uint16, error) {
	return b.readByte("sensed.BYTE", uncached)
}

func (b *Base) readByte(attr string, uncached bool) (uint16, error) {
	s, err := b.ow.Read(b.path(attr), uncached)
	if err != nil {
		return 0, owerr.Bus("read_"+attr, b.id, err)
	}
	s = strings.TrimSpace(s)
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, owerr.Proto("parse_"+attr, s, err)
	}
	return uint16(n), nil
}

func (b *Base) path(attr string) string {
	return "/" + b.id + "/" + attr
}
