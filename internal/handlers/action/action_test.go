package action

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jangala-dev/owmaster/internal/inventory"
	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

func testLogger() owlog.Logger { return owlog.New(io.Discard, false) }

type fakeChannel struct {
	name   string
	output bool
}

func (c *fakeChannel) Name() string   { return c.name }
func (c *fakeChannel) IsOutput() bool { return c.output }

type fakeDevice struct {
	id       string
	alias    string
	channels []inventory.Channel
	outputs  map[string]bool
}

func (d *fakeDevice) ID() string                     { return d.id }
func (d *fakeDevice) Alias() string                  { return d.alias }
func (d *fakeDevice) Config(*owconfig.Config) error  { return nil }
func (d *fakeDevice) OnSeen(time.Time)                {}
func (d *fakeDevice) OnAlarm(time.Time)               {}
func (d *fakeDevice) Simultaneous() string           { return "" }
func (d *fakeDevice) Channels() []inventory.Channel  { return d.channels }
func (d *fakeDevice) SetOutput(ch inventory.Channel, on bool) error {
	d.outputs[ch.Name()] = on
	return nil
}

func newTestInventory(t *testing.T) (*inventory.Inventory, *fakeDevice) {
	t.Helper()
	factory := inventory.NewFactory()
	out := &fakeDevice{id: "29.000000000001", outputs: map[string]bool{}}
	out.channels = []inventory.Channel{&fakeChannel{name: "0", output: true}}
	factory.Register("29", func(id string) inventory.Device {
		out.id = id
		return out
	})
	factory.Register("12", func(id string) inventory.Device {
		return &fakeDevice{id: id, channels: []inventory.Channel{&fakeChannel{name: "A", output: false}}, outputs: map[string]bool{}}
	})

	inv := inventory.New(factory)
	cfg, err := owconfig.Parse([]byte(`devices: {}`))
	require.NoError(t, err)

	require.NotNil(t, inv.Find("29.000000000001", true, cfg))
	require.NotNil(t, inv.Find("12.000000000002", true, cfg))
	return inv, out
}

func TestParseSpec_SingleKeyForm(t *testing.T) {
	spec, err := parseSpec(map[string]any{"setpio.on": "29.000000000001.0"})
	require.NoError(t, err)
	require.Equal(t, "setpio", spec.Module)
	require.Equal(t, "on", spec.Method)
	require.Equal(t, "29.000000000001.0", spec.Target)
}

func TestParseSpec_LongForm(t *testing.T) {
	spec, err := parseSpec(map[string]any{
		"action":        "shell",
		"command":       "true",
		"include_reset": true,
		"when":          "event.value == 'ON'",
	})
	require.NoError(t, err)
	require.Equal(t, "shell", spec.Module)
	require.Equal(t, "true", spec.Command)
	require.True(t, spec.IncludeReset)
	require.Equal(t, "event.value == 'ON'", spec.When)
}

func TestSetPIOAction_DrivesTargetOutput(t *testing.T) {
	inv, target := newTestInventory(t)

	a, err := newSetPIOAction(inv, Spec{Module: "setpio", Method: "on", Target: "29.000000000001.0"})
	require.NoError(t, err)

	require.NoError(t, a.Run(owtypes.Event{}))
	require.True(t, target.outputs["0"])
}

func TestSetPIOAction_RejectsNonOutputTarget(t *testing.T) {
	inv, _ := newTestInventory(t)

	_, err := newSetPIOAction(inv, Spec{Module: "setpio", Method: "on", Target: "12.000000000002.A"})
	require.Error(t, err)
}

func TestShellAction_SuccessAndFailure(t *testing.T) {
	ok, err := newShellAction(nil, Spec{Command: "true"})
	require.NoError(t, err)
	require.NoError(t, ok.Run(owtypes.Event{}))

	bad, err := newShellAction(nil, Spec{Command: "false"})
	require.NoError(t, err)
	require.Error(t, bad.Run(owtypes.Event{}))
}

func TestHandler_ConfiguredSetPIOActionFiresOnPIOEvent(t *testing.T) {
	inv, target := newTestInventory(t)
	h := New(testLogger(), inv, 0)
	defer h.Shutdown()

	cfg, err := owconfig.Parse([]byte(`
devices:
  "12.000000000002":
    A:
      on:
        actions:
          - setpio.on: 29.000000000001.0
`))
	require.NoError(t, err)
	h.RefreshConfig(cfg)

	h.handleBlocking(owtypes.Event{
		DeviceID: "12.000000000002", Channel: "A",
		Kind: owtypes.KindPIO, PIO: owtypes.PIOOn,
	})

	require.True(t, target.outputs["0"])
}

func TestHandler_SharedWhenBlocksActions(t *testing.T) {
	inv, target := newTestInventory(t)
	h := New(testLogger(), inv, 0)
	defer h.Shutdown()

	cfg, err := owconfig.Parse([]byte(`
devices:
  "12.000000000002":
    A:
      on:
        when: "1 == 2"
        actions:
          - setpio.on: 29.000000000001.0
`))
	require.NoError(t, err)
	h.RefreshConfig(cfg)

	h.handleBlocking(owtypes.Event{
		DeviceID: "12.000000000002", Channel: "A",
		Kind: owtypes.KindPIO, PIO: owtypes.PIOOn,
	})

	require.False(t, target.outputs["0"], "a false shared when must suppress every action")
}

func TestHandler_ResetEventsFilteredUnlessIncluded(t *testing.T) {
	inv, target := newTestInventory(t)
	h := New(testLogger(), inv, 0)
	defer h.Shutdown()

	cfg, err := owconfig.Parse([]byte(`
devices:
  "12.000000000002":
    A:
      on:
        actions:
          - action: setpio.on
            target: 29.000000000001.0
`))
	require.NoError(t, err)
	h.RefreshConfig(cfg)

	h.handleBlocking(owtypes.Event{
		DeviceID: "12.000000000002", Channel: "A",
		Kind: owtypes.KindPIO, PIO: owtypes.PIOOn, IsReset: true,
	})
	require.False(t, target.outputs["0"], "a reset event must be filtered unless the action opts in")
}
