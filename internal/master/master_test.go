package master

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owerr"
	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
	"github.com/jangala-dev/owmaster/internal/sched"
)

func testLogger() owlog.Logger { return owlog.New(io.Discard, false) }

func emptyConfig(t *testing.T) *owconfig.Config {
	t.Helper()
	cfg, err := owconfig.Parse([]byte("{}"))
	require.NoError(t, err)
	return cfg
}

// fakeBus is a scriptable BusOps double: scans and reads return the
// configured fixtures, writes are recorded for assertion.
type fakeBus struct {
	mu sync.Mutex

	dirIDs []string
	dirErr error

	alarmIDs []string
	alarmErr error

	reads   map[string]string
	readErr error

	writes []string
}

func (b *fakeBus) Read(path string, uncached bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return "", b.readErr
	}
	return b.reads[path], nil
}

func (b *fakeBus) Write(path, data string, uncached bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, path+"="+data)
	return nil
}

func (b *fakeBus) Dir(path string, uncached bool) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirErr != nil {
		return nil, b.dirErr
	}
	return b.dirIDs, nil
}

func (b *fakeBus) DirAlarm(uncached bool) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.alarmErr != nil {
		return nil, b.alarmErr
	}
	return b.alarmIDs, nil
}

func (b *fakeBus) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

func newTestMaster(t *testing.T, bus *fakeBus) *Master {
	t.Helper()
	m := New(testLogger(), emptyConfig(t), bus, NewStatistics(), sched.RealClock)
	m.Setup()
	return m
}

func TestScan_CreatesDeviceFromFullScanID(t *testing.T) {
	bus := &fakeBus{dirIDs: []string{"28.000000000001"}}
	m := newTestMaster(t, bus)

	require.NoError(t, m.scan(false, time.Now()))
	require.Equal(t, 1, m.inv.Size())
	require.NotNil(t, m.inv.Find("28.000000000001", false, nil))
}

func TestScan_DuplicateIDIncrementsErrorCounter(t *testing.T) {
	bus := &fakeBus{dirIDs: []string{"28.000000000001", "28.000000000001"}}
	m := newTestMaster(t, bus)

	require.NoError(t, m.scan(false, time.Now()))
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	require.Equal(t, float64(1), m.stats.counters["error.scan_duplicate"])
}

func TestDetectLostDevices_MarksMissingDeviceLost(t *testing.T) {
	bus := &fakeBus{dirIDs: []string{"29.000000000002"}}
	m := newTestMaster(t, bus)

	now := time.Now()
	require.NoError(t, m.scan(false, now))

	// Second full scan sees nothing: the PIO device (family 29) implements
	// Lostable, so it should flip to lost and the counter should move.
	bus.mu.Lock()
	bus.dirIDs = nil
	bus.mu.Unlock()
	require.NoError(t, m.scan(false, now.Add(time.Minute)))

	m.stats.mu.Lock()
	missing := m.stats.counters["error.lost_devices"]
	m.stats.mu.Unlock()
	require.Equal(t, float64(1), missing)
}

func TestRunScan_BackoffGrowsThenCapsThenResets(t *testing.T) {
	bus := &fakeBus{dirErr: errSentinel}

	m := newTestMaster(t, bus)
	now := time.Now()

	b1 := m.runScan(false, now)
	require.Equal(t, 3*time.Second, b1)
	b2 := m.runScan(false, now)
	require.Equal(t, 5*time.Second, b2)

	for i := 0; i < 20; i++ {
		m.runScan(false, now)
	}
	capped := m.runScan(false, now)
	require.Equal(t, maxScanBackoff, capped)

	bus.mu.Lock()
	bus.dirErr = nil
	bus.mu.Unlock()
	b3 := m.runScan(false, now)
	require.Equal(t, time.Duration(0), b3)
}

func TestSimultaneousTemperature_GuardsReentrancy(t *testing.T) {
	bus := &fakeBus{}
	m := newTestMaster(t, bus)

	m.simultaneousTemperature(nil, time.Now())
	require.Equal(t, 1, bus.writeCount())
	require.True(t, m.simultaneousOn)

	// A second request while one is still pending must not issue a
	// second conversion write.
	m.simultaneousTemperature(nil, time.Now())
	require.Equal(t, 1, bus.writeCount())
}

func TestScan_BatchesTemperatureDevicesAndReadsBackAfterSettle(t *testing.T) {
	bus := &fakeBus{
		dirIDs: []string{"28.000000000003"},
		reads:  map[string]string{"/28.000000000003/temperature": "21.5"},
	}
	m := newTestMaster(t, bus)

	require.NoError(t, m.scan(false, time.Now()))
	require.Equal(t, 1, bus.writeCount())
	require.True(t, m.simultaneousOn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.scheduler.Run(ctx))
	require.False(t, m.simultaneousOn)
}

func TestStatistics_ReportEmitsOneEventPerCounter(t *testing.T) {
	s := NewStatistics()
	s.Increment("tries.full_scan", 2)
	s.Increment("error.scan_duplicate", 1)

	var got []owtypes.Event
	s.Report(time.Now(), func(ev owtypes.Event) {
		got = append(got, ev)
	})

	require.Len(t, got, 2)
	require.Equal(t, owtypes.KindStatistics, got[0].Kind)
	require.Equal(t, owtypes.StatCategory("error"), got[0].Stat.Category)
	require.Equal(t, "scan_duplicate", got[0].Stat.Name)
	require.Equal(t, int64(1), got[0].Stat.Value)
	require.Equal(t, owtypes.StatCategory("tries"), got[1].Stat.Category)
	require.Equal(t, "full_scan", got[1].Stat.Name)
	require.Equal(t, int64(2), got[1].Stat.Value)
}

func TestStatistics_IncrementOpTracksCountAndTiming(t *testing.T) {
	s := NewStatistics()
	s.IncrementOp("read", 3, 12.5)
	s.IncrementOp("read", 1, 4.5)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Equal(t, float64(4), s.counters["ops.count_read"])
	require.Equal(t, float64(17), s.counters["ops.ms_read"])
}

// errSentinel simulates a transport failure the way busclient itself would
// report one: wrapped as owerr.Connection, so runScan's backoff branch
// actually fires for it.
var errSentinel = owerr.Conn("dial", &sentinelErr{})

type sentinelErr struct{}

func (*sentinelErr) Error() string { return "simulated bus connection failure" }

// TestRunScan_ProtocolErrorSkipsBackoff covers §8: a Protocol-kind error
// (a malformed response, say) must not touch the connection-error counter
// or back off — it is logged and the next scan runs on its normal cadence.
func TestRunScan_ProtocolErrorSkipsBackoff(t *testing.T) {
	bus := &fakeBus{dirErr: owerr.Proto("response", "owserver returned error (ret=-1)", nil)}
	m := newTestMaster(t, bus)
	now := time.Now()

	d := m.runScan(false, now)
	require.Equal(t, time.Duration(0), d)
	require.Equal(t, 0, m.scanConnErrs)

	d2 := m.runScan(false, now)
	require.Equal(t, time.Duration(0), d2)
}
