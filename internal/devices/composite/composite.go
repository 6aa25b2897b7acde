// Package composite implements C5, the engine for the custom multi-
// channel slave device (family F0) exposing groups of port, count, and
// ADC sub-channels plus an aggregate alarm/sources list: topology
// discovery from config/types, reboot detection via the status alarm
// source, and the ADC state-threshold machine with neighbour-guessing on
// fast transients. Grounded in the source's device/MoaT.py.
package composite

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jangala-dev/owmaster/internal/devices/pio"
	"github.com/jangala-dev/owmaster/internal/inventory"
	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owerr"
	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

const familyCode = "F0"

const (
	adcMin uint32 = 0
	adcMax uint32 = 65535
)

// EventSink receives the typed events a sub-channel emits.
type EventSink interface {
	Emit(ev owtypes.Event)
}

// BusOps is the slice of busclient.Client this engine needs.
type BusOps interface {
	Read(path string, uncached bool) (string, error)
	Write(path, data string, uncached bool) error
}

// Register installs the composite device family into factory.
func Register(factory *inventory.Factory, ow BusOps, sink EventSink, log owlog.Logger) {
	factory.Register(familyCode, func(id string) inventory.Device {
		return NewDevice(id, ow, sink, log)
	})
}

// channel is the per-sub-device contract every port/count/adc channel
// satisfies — the Go generalization of MoaTChannel plus its read_all
// opt-in.
type channel interface {
	inventory.Channel
	chType() string
	chNum() int
	supportsCombined() bool
	init(combined *int64)
	onSeen(when time.Time, combined *int64)
	onAlarm(when time.Time, extra string)
}

// Device is the composite multi-channel slave (family F0).
type Device struct {
	id    string
	alias string

	ow   BusOps
	sink EventSink
	log  owlog.Logger

	deviceName            string
	ignoreNextSilentAlarm bool

	channels map[string]channel
	lastCfg  *owconfig.Config
}

func NewDevice(id string, ow BusOps, sink EventSink, log owlog.Logger) *Device {
	return &Device{id: id, ow: ow, sink: sink, log: owlog.Device(log, id), channels: map[string]channel{}}
}

func (d *Device) ID() string           { return d.id }
func (d *Device) Alias() string        { return d.alias }
func (d *Device) Simultaneous() string { return "" }

func (d *Device) Channels() []inventory.Channel {
	names := d.sortedNames()
	out := make([]inventory.Channel, 0, len(names))
	for _, n := range names {
		out = append(out, d.channels[n])
	}
	return out
}

func (d *Device) sortedNames() []string {
	names := make([]string, 0, len(d.channels))
	for n := range d.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Device) path(attr string) string { return "/" + d.id + "/" + attr }

// Config (re)discovers topology from config/types and (re)configures
// every channel, disposing of any that have vanished since the last
// read. Grounded in MoaT.config / MoaT.init_channels.
func (d *Device) Config(cfg *owconfig.Config) error {
	d.lastCfg = cfg
	d.alias = cfg.GetString(d.alias, "devices", d.id, "alias")
	return d.initChannels(cfg)
}

// rebootDetected re-runs topology discovery after the device signalled a
// reboot via its status alarm source, per MoaT.reboot_detected.
func (d *Device) rebootDetected() {
	if d.lastCfg == nil {
		return
	}
	_ = d.initChannels(d.lastCfg)
}

func (d *Device) initChannels(cfg *owconfig.Config) error {
	// Clear the reboot indicator; we're re-initing anyway. Nodes without
	// status support simply have nothing to clear.
	_, _ = d.ow.Read(d.path("status/reboot"), true)

	name, err := d.ow.Read(d.path("config/name"), true)
	if err != nil {
		return owerr.Bus("read_config_name", d.id, err)
	}
	d.deviceName = strings.TrimSpace(name)

	types, err := d.ow.Read(d.path("config/types"), true)
	if err != nil {
		return owerr.Bus("read_config_types", d.id, err)
	}

	seen := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(types), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		chType := strings.TrimSpace(parts[0])
		count, convErr := strconv.Atoi(strings.TrimSpace(parts[1]))
		if convErr != nil {
			return owerr.Proto("parse_config_types", line, convErr)
		}
		if chType != "port" && chType != "count" && chType != "adc" {
			continue
		}

		for n := 1; n <= count; n++ {
			name := chType + "." + strconv.Itoa(n)
			seen[name] = true
			if _, exists := d.channels[name]; exists {
				continue
			}
			ch, buildErr := d.newChannel(chType, n, cfg)
			if buildErr != nil {
				return buildErr
			}
			d.channels[name] = ch
		}
	}

	for name := range d.channels {
		if !seen[name] {
			delete(d.channels, name)
		}
	}

	values := d.readCombined()
	for _, n := range d.sortedNames() {
		ch := d.channels[n]
		ch.init(valueFor(ch, values))
	}

	d.ignoreNextSilentAlarm = true
	return nil
}

func (d *Device) newChannel(chType string, num int, cfg *owconfig.Config) (channel, error) {
	name := chType + "." + strconv.Itoa(num)
	switch chType {
	case "port":
		return newPortChannel(d, num, name, cfg)
	case "count":
		return newCountChannel(d, num, name, cfg)
	case "adc":
		return newADCChannel(d, num, name, cfg)
	default:
		return nil, owerr.Config("new_channel", "unknown channel type "+chType)
	}
}

// readCombined reads every channel type's bulk "all values" endpoint in
// one shot, for the types that support it (port, adc).
func (d *Device) readCombined() map[string][]int64 {
	out := map[string][]int64{}
	needed := map[string]bool{}
	for _, ch := range d.channels {
		if ch.supportsCombined() {
			needed[ch.chType()] = true
		}
	}
	for chType := range needed {
		var attr string
		switch chType {
		case "port":
			attr = "ports"
		case "adc":
			attr = "adcs"
		default:
			continue
		}
		raw, err := d.ow.Read(d.path(attr), true)
		if err != nil {
			continue
		}
		out[chType] = parseIntList(raw)
	}
	return out
}

func valueFor(ch channel, values map[string][]int64) *int64 {
	if !ch.supportsCombined() {
		return nil
	}
	vals, ok := values[ch.chType()]
	if !ok || ch.chNum()-1 >= len(vals) || ch.chNum()-1 < 0 {
		return nil
	}
	v := vals[ch.chNum()-1]
	return &v
}

func parseIntList(s string) []int64 {
	fields := strings.Split(strings.TrimSpace(s), ",")
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// OnSeen drives every channel's periodic scan hook, handing it the
// combined-read value when the channel's type supports bulk reading.
func (d *Device) OnSeen(when time.Time) {
	values := d.readCombined()
	for _, n := range d.sortedNames() {
		ch := d.channels[n]
		ch.onSeen(when, valueFor(ch, values))
	}
}

// OnAlarm fans an alarm out to the channels named in alarm/sources,
// processing "status" first since a reboot invalidates every other
// source's meaning for this cycle. Grounded in MoaT.on_alarm.
func (d *Device) OnAlarm(when time.Time) {
	sources, err := d.ow.Read(d.path("alarm/sources"), true)
	if err != nil {
		return
	}
	sources = strings.TrimSpace(sources)

	ignoreSilentAlarm := d.ignoreNextSilentAlarm
	d.ignoreNextSilentAlarm = false

	if sources == "" {
		if ignoreSilentAlarm {
			// A self-initiated read (e.g. the reconciliation after a
			// reboot or a same-tick state transition) may have produced
			// this spurious, empty alarm; suppress the warning once.
			return
		}
		d.log.Warn().Msg("device alarmed, but empty sources")
		return
	}

	portTypes := strings.Split(sources, ",")
	sort.SliceStable(portTypes, func(i, j int) bool {
		return portTypes[i] == "status" && portTypes[j] != "status"
	})

	for _, portType := range portTypes {
		portType = strings.TrimSpace(portType)
		if portType == "" {
			continue
		}
		ports, err := d.ow.Read(d.path("alarm/"+portType), true)
		if err != nil {
			continue
		}
		ports = strings.TrimSpace(ports)
		if ports == "" {
			continue
		}

		for _, portNo := range strings.Split(ports, ",") {
			portNo = strings.TrimSpace(portNo)
			if portNo == "" {
				continue
			}
			adcThresh := ""
			if portNo[0] == '-' || portNo[0] == '+' {
				adcThresh = string(portNo[0])
				portNo = portNo[1:]
			}

			if portType == "status" {
				if !d.onStatusAlarm(when, portNo) {
					// abort processing entirely; remaining sources are stale
					return
				}
				continue
			}

			chName := portType + "." + portNo
			ch, ok := d.channels[chName]
			if !ok {
				continue
			}
			ch.onAlarm(when, adcThresh)
		}
	}
}

// onStatusAlarm handles a single status/<name> alarm source. Always
// aborts remaining alarm-source processing for this cycle: a status
// source, recognized or not, invalidates whatever else the device
// reported in the same alarm.
func (d *Device) onStatusAlarm(when time.Time, statusName string) bool {
	val, err := d.ow.Read(d.path("status/"+statusName), true)
	if err != nil {
		return false
	}
	if statusName == "reboot" {
		d.rebootDetected()
		return false
	}
	d.log.Warn().Str("status", statusName).Str("value", val).Msg("unknown status field")
	return false
}

// SetOutput drives a port channel configured as an output.
func (d *Device) SetOutput(ch inventory.Channel, on bool) error {
	pc, ok := ch.(*portChannel)
	if !ok {
		return owerr.Config("set_output", "channel does not support output control")
	}
	return pc.setOutput(on)
}

// emitPIOValue emits an ON/OFF/TRIGGED event for a port channel.
func (d *Device) emitPIOValue(when time.Time, chName string, value owtypes.PIOValue, isReset bool) {
	d.sink.Emit(owtypes.Event{
		Timestamp: when, DeviceID: d.id, Alias: d.alias, IsReset: isReset,
		Kind: owtypes.KindPIO, Channel: chName, PIO: value,
	})
}

// emitState emits a named-state transition for an ADC state-threshold
// channel.
func (d *Device) emitState(when time.Time, chName, stateName string, isReset bool) {
	d.sink.Emit(owtypes.Event{
		Timestamp: when, DeviceID: d.id, Alias: d.alias, IsReset: isReset,
		Kind: owtypes.KindPIO, Channel: chName, StateName: stateName,
	})
}

// --- port channels -----------------------------------------------------

type portChannel struct {
	dev  *Device
	num  int
	name string
	mode pio.Mode

	valueKnown bool
	value      int64
}

func newPortChannel(dev *Device, num int, name string, cfg *owconfig.Config) (*portChannel, error) {
	modeStr := cfg.GetString("", "devices", dev.id, name, "mode")
	mode, err := pio.ParseMode(modeStr)
	if err != nil {
		return nil, err
	}
	return &portChannel{dev: dev, num: num, name: name, mode: mode}, nil
}

func (c *portChannel) Name() string       { return c.name }
func (c *portChannel) IsOutput() bool     { return c.mode.IsOutput() }
func (c *portChannel) chType() string     { return "port" }
func (c *portChannel) chNum() int         { return c.num }
func (c *portChannel) supportsCombined() bool { return true }

// init sets the initial cached value from the combined "ports" read and,
// for toggle-inputs and outputs, emits a reset PIO event so a dispatcher-
// side consumer starts with known state.
func (c *portChannel) init(combined *int64) {
	if combined == nil {
		return
	}
	c.value = *combined
	c.valueKnown = true

	if c.mode.Direction != pio.Output && c.mode.Input != pio.Toggle {
		return
	}
	c.dev.emitPIOValue(time.Now(), c.name, c.eventValue(c.value != 0), true)
}

// onSeen is intentionally a no-op: port events are only ever dispatched
// as a result of alarms, never from periodic polling, per §4.5.
func (c *portChannel) onSeen(time.Time, *int64) {}

func (c *portChannel) onAlarm(when time.Time, _ string) {
	prev := c.value
	prevKnown := c.valueKnown

	v, err := c.dev.ow.Read(c.dev.path(c.name), true)
	if err != nil {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return
	}
	c.value = n
	c.valueKnown = true

	changed := !prevKnown || prev != c.value

	switch {
	case c.mode.Direction == pio.Output || (c.mode.Direction == pio.Input && c.mode.Input == pio.Toggle):
		if changed {
			c.dev.emitPIOValue(when, c.name, c.eventValue(c.value != 0), false)
		}
	default: // momentary input
		c.dev.sink.Emit(owtypes.Event{
			Timestamp: when, DeviceID: c.dev.id, Alias: c.dev.alias,
			Kind: owtypes.KindPIO, Channel: c.name, PIO: owtypes.PIOTrigged,
		})
	}
}

func (c *portChannel) eventValue(wireHigh bool) owtypes.PIOValue {
	active := wireHigh == (c.mode.Active == pio.ActiveHigh)
	if active {
		return owtypes.PIOOn
	}
	return owtypes.PIOOff
}

func (c *portChannel) setOutput(on bool) error {
	if c.mode.Direction != pio.Output {
		return owerr.Config("set_output", "channel "+c.name+" is not configured as output")
	}
	activeHigh := c.mode.Active == pio.ActiveHigh
	wire := "0"
	if on == activeHigh {
		wire = "1"
	}
	if err := c.dev.ow.Write(c.dev.path(c.name), wire, false); err != nil {
		return owerr.Bus("set_output", c.dev.id, err)
	}
	return nil
}

// --- count channels ------------------------------------------------------

type countChannel struct {
	dev      *Device
	num      int
	name     string
	disabled bool
}

func newCountChannel(dev *Device, num int, name string, cfg *owconfig.Config) (*countChannel, error) {
	v := cfg.Get(nil, "devices", dev.id, name)
	disabled := false
	if b, ok := v.(bool); ok && !b {
		disabled = true
	}
	return &countChannel{dev: dev, num: num, name: name, disabled: disabled}, nil
}

func (c *countChannel) Name() string           { return c.name }
func (c *countChannel) IsOutput() bool         { return false }
func (c *countChannel) chType() string         { return "count" }
func (c *countChannel) chNum() int             { return c.num }
func (c *countChannel) supportsCombined() bool { return false }

func (c *countChannel) init(*int64) {}

func (c *countChannel) onSeen(when time.Time, _ *int64) {
	if c.disabled {
		return
	}
	v, err := c.read()
	if err != nil {
		return
	}
	c.dev.sink.Emit(owtypes.Event{
		Timestamp: when, DeviceID: c.dev.id, Alias: c.dev.alias,
		Kind: owtypes.KindCounter, Channel: c.name, Counter: v,
	})
}

// onAlarm silences the alarm by reading the value (which resets the
// condition) but intentionally produces no event; count alarms are
// noise until a richer threshold model is added.
func (c *countChannel) onAlarm(time.Time, string) {
	_, _ = c.read()
}

func (c *countChannel) read() (int64, error) {
	v, err := c.dev.ow.Read(c.dev.path(c.name), true)
	if err != nil {
		return 0, owerr.Bus("read_count", c.dev.id, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, owerr.Proto("parse_count", v, err)
	}
	return n, nil
}

// --- ADC channels with the state-threshold machine -----------------------

type stateEntry struct {
	Name  string
	Low   uint32
	High  uint32
	Guess bool
}

type adcChannel struct {
	dev  *Device
	num  int
	name string

	disabled bool
	states   []stateEntry // sorted by Low; empty means plain ADC mode

	currentState string
	value        uint32

	wantedLow  *uint32
	wantedHigh *uint32
	lowThresh  uint32
	highThresh uint32
}

func newADCChannel(dev *Device, num int, name string, cfg *owconfig.Config) (*adcChannel, error) {
	c := &adcChannel{dev: dev, num: num, name: name, lowThresh: adcMax, highThresh: adcMin}

	raw := cfg.Get(nil, "devices", []string{dev.id, familyCode}, []string{name, "adc"}, "states")
	if s, ok := raw.(string); ok {
		tmpl := cfg.Get(nil, "devices", familyCode, "adc", "state_templates", s)
		if tmpl == nil {
			return nil, owerr.Config("new_adc_channel", "invalid adc state reference "+s)
		}
		raw = tmpl
	}
	if m, ok := raw.(map[string]any); ok {
		c.buildStates(m)
	}
	return c, nil
}

func (c *adcChannel) buildStates(raw map[string]any) {
	for name, v := range raw {
		entry := stateEntry{Name: name, Low: adcMin, High: adcMax, Guess: true}
		if m, ok := v.(map[string]any); ok {
			if low, ok := toUint32(m["low"]); ok {
				entry.Low = low
			}
			if high, ok := toUint32(m["high"]); ok {
				entry.High = high
			}
			if g, ok := m["guess"].(bool); ok {
				entry.Guess = g
			}
		}
		c.states = append(c.states, entry)
	}
	sort.Slice(c.states, func(i, j int) bool { return c.states[i].Low < c.states[j].Low })
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case float64:
		return uint32(n), true
	case int:
		return uint32(n), true
	case uint64:
		return uint32(n), true
	default:
		return 0, false
	}
}

func (c *adcChannel) Name() string           { return c.name }
func (c *adcChannel) IsOutput() bool         { return false }
func (c *adcChannel) chType() string         { return "adc" }
func (c *adcChannel) chNum() int             { return c.num }
func (c *adcChannel) supportsCombined() bool { return true }

func (c *adcChannel) hasStates() bool { return len(c.states) > 0 }

func (c *adcChannel) getStateEntry(value uint32) *stateEntry {
	for i := range c.states {
		if value >= c.states[i].Low && value <= c.states[i].High {
			return &c.states[i]
		}
	}
	return nil
}

// guessStateEntry picks the neighbouring state when an alarm fires but
// the value, read after the fact, is already back within the current
// state's bounds — the transient crossed and returned faster than
// polling could observe it directly. Only one step is guessed.
func (c *adcChannel) guessStateEntry(crossed string) *stateEntry {
	for i := range c.states {
		if c.states[i].Name != c.currentState {
			continue
		}
		if !c.states[i].Guess {
			return nil
		}
		switch crossed {
		case "-":
			idx := i - 1
			if idx < 0 {
				idx = 0
			}
			return &c.states[idx]
		case "+":
			idx := i + 1
			if idx > len(c.states)-1 {
				idx = len(c.states) - 1
			}
			return &c.states[idx]
		}
	}
	return nil
}

func (c *adcChannel) init(combined *int64) {
	if c.disabled || combined == nil {
		return
	}
	c.value = uint32(*combined)
	if c.hasStates() {
		entry := c.getStateEntry(c.value)
		if entry != nil {
			c.setState(time.Now(), entry, true)
		}
		return
	}
	c.setThresholds(ptr(adcMax), ptr(adcMin))
}

func (c *adcChannel) onSeen(when time.Time, combined *int64) {
	if c.disabled || combined == nil {
		return
	}
	c.value = uint32(*combined)
	if !c.hasStates() {
		c.dev.sink.Emit(owtypes.Event{
			Timestamp: when, DeviceID: c.dev.id, Alias: c.dev.alias,
			Kind: owtypes.KindADC, Channel: c.name, ADC: uint16(c.value),
		})
		return
	}
	entry := c.getStateEntry(c.value)
	if entry == nil || entry.Name == c.currentState {
		return
	}
	// We may have scanned at the same moment an alarm fired; the device
	// has since moved on, so any incoming alarm for the old state is stale.
	c.dev.ignoreNextSilentAlarm = true
	c.setState(when, entry, false)
}

func (c *adcChannel) onAlarm(when time.Time, crossed string) {
	value, low, high, err := c.read()
	if err != nil {
		return
	}
	c.value, c.lowThresh, c.highThresh = value, low, high

	if !c.hasStates() {
		c.setThresholds(ptr(adcMax), ptr(adcMin))
		return
	}

	entry := c.getStateEntry(c.value)
	if entry == nil {
		c.setThresholds(ptr(adcMax), ptr(adcMin))
		return
	}

	if entry.Name == c.currentState {
		guess := c.guessStateEntry(crossed)
		if guess == nil {
			return
		}
		entry = guess
	}
	c.setState(when, entry, false)
}

func (c *adcChannel) read() (value, low, high uint32, err error) {
	raw, err := c.dev.ow.Read(c.dev.path(c.name), true)
	if err != nil {
		return 0, 0, 0, owerr.Bus("read_adc", c.dev.id, err)
	}
	vals := parseIntList(raw)
	if len(vals) != 3 {
		return 0, 0, 0, owerr.Proto("parse_adc", raw, nil)
	}
	return uint32(vals[0]), uint32(vals[1]), uint32(vals[2]), nil
}

func (c *adcChannel) setState(when time.Time, entry *stateEntry, isReset bool) {
	c.currentState = entry.Name
	c.dev.emitState(when, c.name, entry.Name, isReset)
	low, high := entry.Low, entry.High
	c.setThresholds(&low, &high)
}

// setThresholds writes the device's low/high alarm thresholds. A
// threshold pinned at its rail (MIN for low, MAX for high) is rewritten
// to the opposite rail instead, disabling that edge — without this, a
// value sitting exactly at 0 or 65535 would re-trigger its own alarm
// forever.
func (c *adcChannel) setThresholds(low, high *uint32) {
	if low != nil {
		c.wantedLow = low
	}
	if high != nil {
		c.wantedHigh = high
	}
	if c.wantedLow == nil || *c.wantedLow == adcMin {
		c.wantedLow = ptr(adcMax)
	}
	if c.wantedHigh == nil || *c.wantedHigh == adcMax {
		c.wantedHigh = ptr(adcMin)
	}
	_ = c.dev.ow.Write(c.dev.path(c.name), strconv.FormatUint(uint64(*c.wantedLow), 10)+","+strconv.FormatUint(uint64(*c.wantedHigh), 10), false)
	c.lowThresh, c.highThresh = *c.wantedLow, *c.wantedHigh
}

func ptr(v uint32) *uint32 { return &v }
