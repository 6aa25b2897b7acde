package simple

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

type fakeBus struct {
	values map[string]string
	writes map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{values: map[string]string{}, writes: map[string]int{}}
}

func (f *fakeBus) Read(path string, _ bool) (string, error) {
	return f.values[path], nil
}

func (f *fakeBus) Write(path, data string, _ bool) error {
	f.values[path] = data
	f.writes[path]++
	return nil
}

type fakeSink struct {
	events []owtypes.Event
}

func (s *fakeSink) Emit(ev owtypes.Event) { s.events = append(s.events, ev) }

func yamlConfig(t *testing.T, doc string) *owconfig.Config {
	t.Helper()
	cfg, err := owconfig.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func TestTemperature_ReadWithinBoundsEmits(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	temp := NewTemperature("10.0000000001", bus, sink)
	require.NoError(t, temp.Config(yamlConfig(t, `devices: {}`)))

	bus.values["/10.0000000001/temperature"] = "21.5"
	require.NoError(t, temp.ReadTemperature(time.Unix(1000, 0)))

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	require.Equal(t, owtypes.KindTemperature, ev.Kind)
	require.Equal(t, 21.5, ev.Temperature.Value)
	require.Equal(t, owtypes.Celsius, ev.Temperature.Unit)
}

func TestTemperature_OutOfBoundsDiscarded(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	temp := NewTemperature("10.0000000002", bus, sink)
	require.NoError(t, temp.Config(yamlConfig(t, `devices: {}`)))

	// Default Celsius bounds are [-80, 125]; 200 must be rejected.
	bus.values["/10.0000000002/temperature"] = "200"
	require.NoError(t, temp.ReadTemperature(time.Unix(1000, 0)))
	require.Empty(t, sink.events)
}

func TestTemperature_PerDeviceBoundsOverrideDefault(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	temp := NewTemperature("10.0000000003", bus, sink)
	require.NoError(t, temp.Config(yamlConfig(t, `
devices:
  "10.0000000003":
    min_temp: -10
    max_temp: 40
`)))

	bus.values["/10.0000000003/temperature"] = "60"
	require.NoError(t, temp.ReadTemperature(time.Unix(1000, 0)))
	require.Empty(t, sink.events, "60 is above the per-device max_temp of 40")
}

func TestTemperature_UnitFallsBackFromDeviceToFamilyToMaster(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	temp := NewTemperature("10.0000000004", bus, sink)
	require.NoError(t, temp.Config(yamlConfig(t, `
owmaster:
  temperature_unit: F
`)))
	require.Equal(t, owtypes.Fahrenheit, temp.unit)
}

func TestTemperature_OnAlarmWritesExtremeBounds(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	temp := NewTemperature("10.0000000005", bus, sink)
	require.NoError(t, temp.Config(yamlConfig(t, `devices: {}`)))

	temp.OnAlarm(time.Unix(1000, 0))
	require.Equal(t, "-80", bus.values["/10.0000000005/templow"])
	require.Equal(t, "125", bus.values["/10.0000000005/temphigh"])
}

func TestTemperature_OnSeenNeverReadsDirectly(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	temp := NewTemperature("10.0000000006", bus, sink)
	require.NoError(t, temp.Config(yamlConfig(t, `devices: {}`)))
	require.Equal(t, "temperature", temp.Simultaneous())

	temp.OnSeen(time.Unix(1000, 0))
	require.Empty(t, sink.events, "OnSeen must defer to the orchestrator's simultaneous read")
}

func TestCounter_EmitsOneEventPerChannel(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	cnt := NewCounter("1D.0000000001", bus, sink)
	require.NoError(t, cnt.Config(yamlConfig(t, `devices: {}`)))

	bus.values["/1D.0000000001/counter.ALL"] = "100,200"
	cnt.OnSeen(time.Unix(2000, 0))

	require.Len(t, sink.events, 2)
	require.Equal(t, "A", sink.events[0].Channel)
	require.Equal(t, int64(100), sink.events[0].Counter)
	require.Equal(t, "B", sink.events[1].Channel)
	require.Equal(t, int64(200), sink.events[1].Counter)
}

func TestCounter_OnAlarmReadsButEmitsNothing(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	cnt := NewCounter("1D.0000000002", bus, sink)
	require.NoError(t, cnt.Config(yamlConfig(t, `devices: {}`)))

	bus.values["/1D.0000000002/counter.ALL"] = "5,6"
	cnt.OnAlarm(time.Unix(2000, 0))
	require.Empty(t, sink.events)
}

func TestStats_ReportEmitsErrorsAndTries(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	stats := NewStats(bus, sink)

	bus.values["/statistics/errors/BUS_bit_errors"] = "3"
	bus.values["/statistics/errors/CRC16_tries"] = "7"
	bus.values["/statistics/read/tries.ALL"] = "1,2,3"

	stats.Report(time.Unix(3000, 0))

	var errorCount, triesCount int
	var sawBusBit, sawCRC16Tries, sawReadTries1 bool
	for _, ev := range sink.events {
		require.Equal(t, owtypes.KindStatistics, ev.Kind)
		switch ev.Stat.Category {
		case owtypes.StatError:
			errorCount++
			if ev.Stat.Name == "BUS_bit_errors" {
				sawBusBit = ev.Stat.Value == 3
			}
		case owtypes.StatTries:
			triesCount++
			if ev.Stat.Name == "CRC16_tries" {
				sawCRC16Tries = ev.Stat.Value == 7
			}
			if ev.Stat.Name == "read_tries_1" {
				sawReadTries1 = ev.Stat.Value == 1
			}
		}
	}
	require.Equal(t, 1, errorCount, "only BUS_bit_errors was populated in the fake bus")
	require.Equal(t, 4, triesCount, "CRC16_tries, CRC8_tries (empty, skipped) plus 3 read_tries entries")
	require.True(t, sawBusBit)
	require.True(t, sawCRC16Tries)
	require.True(t, sawReadTries1)
}
