// Package master implements C9, the orchestrator: it owns the scheduler's
// two priority queues, the bus client, the event dispatcher, the device
// factory/inventory, and the statistics counters, and drives the scan
// loop that ties them together. Grounded in the source's __init__.py
// (OwMaster._setup/_mainloop/scan/_scan/simultaneous_temperature).
package master

import (
	"context"
	"time"

	"github.com/jangala-dev/owmaster/internal/devices/composite"
	"github.com/jangala-dev/owmaster/internal/devices/pio"
	"github.com/jangala-dev/owmaster/internal/devices/simple"
	"github.com/jangala-dev/owmaster/internal/dispatch"
	"github.com/jangala-dev/owmaster/internal/inventory"
	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owerr"
	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
	"github.com/jangala-dev/owmaster/internal/sched"
)

const (
	defaultFullScanInterval  = 30 * time.Second
	defaultAlarmScanInterval = time.Second
	defaultStatsInterval     = 60 * time.Second
	simultaneousSettleDelay  = time.Second
	maxScanBackoff           = 20 * time.Second
)

// temperatureReader is implemented by devices whose simultaneous tag is
// "temperature" (today, only simple.Temperature); the batch read-back
// calls it after the settle delay.
type temperatureReader interface {
	ReadTemperature(when time.Time) error
}

// BusOps is the slice of busclient.Client the orchestrator itself calls
// directly (device engines see their own narrower local interfaces of
// the same shape). Declared here, rather than taking *busclient.Client
// concretely, so the scan loop can be driven against a fake in tests.
type BusOps interface {
	Read(path string, uncached bool) (string, error)
	Write(path, data string, uncached bool) error
	Dir(path string, uncached bool) ([]string, error)
	DirAlarm(uncached bool) ([]string, error)
}

// eventSink adapts dispatch.Dispatcher's HandleEvent onto the small local
// Emit interface every device engine package expects from its sink.
type eventSink struct{ d *dispatch.Dispatcher }

func (s eventSink) Emit(ev owtypes.Event) { s.d.HandleEvent(ev) }

// Master is the top-level orchestrator (C9).
type Master struct {
	log   owlog.Logger
	bus   BusOps
	stats *Statistics

	scheduler     *sched.Scheduler
	queueHighPrio *sched.Queue
	queueLowPrio  *sched.Queue

	dispatcher *dispatch.Dispatcher
	factory    *inventory.Factory
	inv        *inventory.Inventory
	owStats    *simple.Stats

	cfg *owconfig.Config

	fullScanInterval  time.Duration
	alarmScanInterval time.Duration
	statsInterval     time.Duration

	scanConnErrs   int
	simultaneousOn bool
}

// New builds a Master ready for Setup. clock may be nil to use the real
// wall clock; tests inject a fake one for determinism. bus is typically
// a *busclient.Client; BusOps is declared locally so tests can pass a
// fake instead.
func New(log owlog.Logger, cfg *owconfig.Config, bus BusOps, stats *Statistics, clock sched.Clock) *Master {
	m := &Master{
		log:   owlog.Component(log, "master"),
		bus:   bus,
		stats: stats,
		cfg:   cfg,
	}
	m.scheduler = sched.New(clock)
	m.queueHighPrio = m.scheduler.CreateQueue(1, 1)
	m.queueLowPrio = m.scheduler.CreateQueue(1, 10)
	m.dispatcher = dispatch.New(log)
	return m
}

// Dispatcher exposes the event dispatcher so the caller can register
// handler modules (the action handler, sinks) before calling Run —
// the Go generalization of the source's config-driven load_handlers,
// which dynamically imported modules named under the "modules:" config
// key. There is no dynamic import in Go, so every handler a deployment
// wants is registered explicitly by cmd/owmaster instead.
func (m *Master) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// Inventory exposes the live device inventory, e.g. for the action
// handler's target resolution.
func (m *Master) Inventory() *inventory.Inventory { return m.inv }

// Post runs fn on the scheduler's own goroutine at the next opportunity,
// preserving the bus client's single-owner-thread invariant (§5) for
// callers — such as the action handler's worker — that need to drive an
// output from a different goroutine.
func (m *Master) Post(fn func()) {
	m.queueLowPrio.Enter(0, fn)
}

// Setup builds the factory/inventory, registers every device family,
// and readies the dispatcher, pausing it until Run begins draining the
// scan loop's initial backlog. Grounded in OwMaster._setup.
func (m *Master) Setup() {
	m.dispatcher.Pause()

	m.fullScanInterval = m.cfg.GetDuration(defaultFullScanInterval, "owmaster", "scan_interval")
	m.alarmScanInterval = m.cfg.GetDuration(defaultAlarmScanInterval, "owmaster", "alarm_scan_interval")
	m.statsInterval = m.cfg.GetDuration(defaultStatsInterval, "owmaster", "stats_report_interval")

	sink := eventSink{d: m.dispatcher}
	m.factory = inventory.NewFactory()
	pio.Register(m.factory, m.bus, sink)
	composite.Register(m.factory, m.bus, sink, m.log)
	simple.Register(m.factory, m.bus, sink)
	m.owStats = simple.NewStats(m.bus, sink)

	m.inv = inventory.New(m.factory)
	m.inv.OnConfigError(func(id string, err error) {
		m.log.Warn().Err(err).Str("device", id).Msg("failed to configure device")
	})
	m.inv.Refresh(m.cfg)

	m.log.Debug().
		Dur("scan_interval", m.fullScanInterval).
		Dur("alarm_scan_interval", m.alarmScanInterval).
		Msg("configured scan cadence")
}

// RequestConfigReload posts a configuration refresh onto the low-priority
// queue so it executes on the scheduler's own goroutine, between scan
// ticks, rather than racing the scan loop — the source's signal handler
// achieves the same serialization by running inside the same
// single-threaded reactor.
func (m *Master) RequestConfigReload(cfg *owconfig.Config) {
	m.queueLowPrio.Enter(0, func() { m.refreshConfig(cfg) })
}

func (m *Master) refreshConfig(cfg *owconfig.Config) {
	m.cfg = cfg
	m.inv.Refresh(cfg)
	m.dispatcher.RefreshConfig(cfg)
	m.log.Info().Msg("configuration reloaded")
}

// Run starts the two scan loops and drains the scheduler until ctx is
// cancelled. Grounded in OwMaster._mainloop.
func (m *Master) Run(ctx context.Context) error {
	m.dispatcher.Resume()
	m.scanFull()
	m.scanAlarm()
	m.reportStatistics()
	return m.scheduler.Run(ctx)
}

// reportStatistics emits the master's own counters as Statistics events
// and reschedules itself, grounded in MasterStatistics.report.
func (m *Master) reportStatistics() {
	m.stats.Report(time.Now(), m.dispatcher.HandleEvent)
	m.queueLowPrio.Enter(m.statsInterval, m.reportStatistics)
}

// Shutdown tells every registered handler to drain and stop.
func (m *Master) Shutdown() {
	m.dispatcher.Shutdown()
}

func (m *Master) scanFull() {
	backoff := m.runScan(false, time.Now())
	m.queueLowPrio.Enter(m.fullScanInterval+backoff, m.scanFull)
}

func (m *Master) scanAlarm() {
	backoff := m.runScan(true, time.Now())
	m.queueHighPrio.Enter(m.alarmScanInterval+backoff, m.scanAlarm)
}

// runScan performs one scan tick and returns the additive back-off to
// apply before the next one. Full and alarm scans share a single error
// counter, matching the original's single self.scan_conn_errs: either
// mode erroring counts against it, and a success in either mode resets
// it and logs "back online" once.
//
// Per §8, only Connection-kind errors drive the counter/backoff;
// Protocol-kind errors (a malformed response, say) are logged and this
// scan iteration is skipped, but the scheduler keeps its normal cadence.
func (m *Master) runScan(alarmMode bool, now time.Time) time.Duration {
	err := m.scan(alarmMode, now)
	if err != nil && owerr.Of(err) == owerr.Protocol {
		m.log.Error().Err(err).Str("scan_mode", scanModeName(alarmMode)).Msg("protocol error while scanning, skipping this scan")
		return 0
	}

	if err != nil {
		m.scanConnErrs++
		backoff := time.Duration(m.scanConnErrs*2+1) * time.Second
		if backoff > maxScanBackoff {
			backoff = maxScanBackoff
		}
		m.log.Error().Err(err).Str("scan_mode", scanModeName(alarmMode)).Dur("backoff", backoff).
			Msg("connection error while scanning, backing off")
		return backoff
	}

	if m.scanConnErrs > 0 {
		m.log.Info().Msg("connection back online")
	}
	m.scanConnErrs = 0

	if !alarmMode {
		m.queueLowPrio.Enter(0, func() { m.owStats.Report(now) })
	}
	return 0
}

func (m *Master) scan(alarmMode bool, timestamp time.Time) error {
	var ids []string
	var err error
	if alarmMode {
		m.stats.Increment("tries.alarm_scan", 1)
		ids, err = m.bus.DirAlarm(true)
	} else {
		m.stats.Increment("tries.full_scan", 1)
		ids, err = m.bus.Dir("/", true)
	}
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(ids))
	var deviceList []inventory.Device
	for _, id := range ids {
		if seen[id] {
			m.log.Warn().Str("device", id).Msg("duplicate device id in scan")
			m.stats.Increment("error.scan_duplicate", 1)
			continue
		}
		seen[id] = true

		dev := m.inv.Find(id, true, m.cfg)
		if dev == nil {
			continue
		}
		if l, ok := dev.(inventory.Lostable); ok && l.Lost() {
			m.log.Warn().Str("device", id).Msg("device back online")
			l.SetLost(false)
		}
		deviceList = append(deviceList, dev)
	}

	if alarmMode {
		m.stats.Increment("bus.device_count", float64(len(deviceList)))
	} else {
		m.detectLostDevices(deviceList)
	}

	simultaneous := map[string][]inventory.Device{}
	for _, dev := range deviceList {
		dev := dev
		if alarmMode {
			m.queueHighPrio.Enter(0, func() { dev.OnAlarm(timestamp) })
			continue
		}
		m.queueLowPrio.Enter(0, func() { dev.OnSeen(timestamp) })
		if tag := dev.Simultaneous(); tag != "" {
			simultaneous[tag] = append(simultaneous[tag], dev)
		}
	}

	if devs, ok := simultaneous["temperature"]; ok {
		delete(simultaneous, "temperature")
		m.simultaneousTemperature(devs, timestamp)
	}
	for tag := range simultaneous {
		m.log.Error().Str("tag", tag).Msg("unhandled simultaneous tag")
	}

	return nil
}

func (m *Master) detectLostDevices(seenThisScan []inventory.Device) {
	present := make(map[string]bool, len(seenThisScan))
	for _, dev := range seenThisScan {
		present[dev.ID()] = true
	}

	missing := 0
	for _, dev := range m.inv.List() {
		if present[dev.ID()] {
			continue
		}
		l, ok := dev.(inventory.Lostable)
		if !ok || l.Lost() {
			continue
		}
		m.log.Warn().Str("device", dev.ID()).Msg("lost device")
		l.SetLost(true)
		missing++
	}
	if missing > 0 {
		m.log.Info().Int("missing", missing).Int("total", m.inv.Size()).Msg("devices missing from full scan")
		m.stats.Increment("error.lost_devices", float64(missing))
	}
}

// simultaneousTemperature launches a batch conversion and schedules the
// read-back after the settle delay, per §4.6. A second request while one
// is pending is an invariant violation, logged and dropped rather than
// crashing the scan loop.
func (m *Master) simultaneousTemperature(devices []inventory.Device, scanTime time.Time) {
	if m.simultaneousOn {
		m.log.Error().Err(owerr.Invariant("simultaneous_temperature", "already pending")).Msg("dropping duplicate simultaneous temperature request")
		return
	}

	if err := m.bus.Write("simultaneous/temperature", "1", false); err != nil {
		m.log.Error().Err(err).Msg("failed to launch simultaneous temperature conversion")
		return
	}
	m.simultaneousOn = true

	m.queueLowPrio.Enter(simultaneousSettleDelay, func() {
		m.simultaneousOn = false
		for _, dev := range devices {
			dev := dev
			m.queueLowPrio.Enter(0, func() {
				reader, ok := dev.(temperatureReader)
				if !ok {
					return
				}
				if err := reader.ReadTemperature(scanTime); err != nil {
					m.log.Warn().Err(err).Str("device", dev.ID()).Msg("failed to read temperature after simultaneous conversion")
				}
			})
		}
	})
}

// DeviceCount returns the inventory size, supported and unsupported
// entries alike; cmd/owmaster logs it at startup and on SIGUSR1.
func (m *Master) DeviceCount() int { return m.inv.Size() }

func scanModeName(alarmMode bool) string {
	if alarmMode {
		return "alarm"
	}
	return "full"
}
