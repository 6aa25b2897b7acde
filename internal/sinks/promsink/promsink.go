// Package promsink implements a Prometheus collector sink: master stats
// plus device-type-specific gauges (last temperature per sensor, last
// counter reading, last ADC reading), exposed over an HTTP handler for
// scraping. Not grounded in any one source handler (the Python
// implementation predates Prometheus); it follows this corpus's own
// prometheus/client_golang idiom (promauto-registered vectors, a
// dedicated registry rather than the global default) per spec §4.8's
// sink collaborator description.
package promsink

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

// Sink is a dispatch.Handler that mirrors incoming events onto
// Prometheus gauges, plus a device-count gauge and a scan-duration
// histogram that are set only through SetDeviceCount and
// ObserveScanDuration; internal/master calls neither.
type Sink struct {
	log      owlog.Logger
	registry *prometheus.Registry

	temperature *prometheus.GaugeVec
	counter     *prometheus.GaugeVec
	adc         *prometheus.GaugeVec
	statError   *prometheus.GaugeVec
	statTries   *prometheus.GaugeVec

	deviceCount  prometheus.Gauge
	scanDuration *prometheus.HistogramVec
}

// New builds a sink with its own registry, independent of the process
// default, so tests and multiple instances never collide.
func New(log owlog.Logger) *Sink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Sink{
		log:      owlog.Component(log, "promsink"),
		registry: reg,

		temperature: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "owmaster_temperature",
			Help: "Last temperature reading per sensor, in its configured unit.",
		}, []string{"device", "alias"}),

		counter: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "owmaster_counter",
			Help: "Last counter register reading per device channel.",
		}, []string{"device", "alias", "channel"}),

		adc: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "owmaster_adc_raw",
			Help: "Last raw ADC reading per device channel.",
		}, []string{"device", "alias", "channel"}),

		statError: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "owmaster_bus_errors_total",
			Help: "Cumulative bus error counters, as last reported by owserver.",
		}, []string{"name"}),

		statTries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "owmaster_bus_tries_total",
			Help: "Cumulative bus read/retry counters, as last reported by owserver.",
		}, []string{"name"}),

		deviceCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "owmaster_devices",
			Help: "Number of supported devices currently in the inventory.",
		}),

		scanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "owmaster_scan_duration_seconds",
			Help:    "Wall-clock duration of a bus scan cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
	}
}

// Handler returns the HTTP handler to mount for scraping.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// HandleEvent implements dispatch.Handler.
func (s *Sink) HandleEvent(ev owtypes.Event) {
	switch ev.Kind {
	case owtypes.KindTemperature:
		s.temperature.WithLabelValues(ev.DeviceID, ev.Alias).Set(ev.Temperature.Value)
	case owtypes.KindCounter:
		s.counter.WithLabelValues(ev.DeviceID, ev.Alias, ev.Channel).Set(float64(ev.Counter))
	case owtypes.KindADC:
		s.adc.WithLabelValues(ev.DeviceID, ev.Alias, ev.Channel).Set(float64(ev.ADC))
	case owtypes.KindStatistics:
		switch ev.Stat.Category {
		case owtypes.StatError:
			s.statError.WithLabelValues(ev.Stat.Name).Set(float64(ev.Stat.Value))
		case owtypes.StatTries:
			s.statTries.WithLabelValues(ev.Stat.Name).Set(float64(ev.Stat.Value))
		}
	}
}

// SetDeviceCount updates the inventory size gauge. Nothing outside this
// package's tests calls it, so the gauge stays at 0 in a running daemon.
func (s *Sink) SetDeviceCount(n int) {
	s.deviceCount.Set(float64(n))
}

// ObserveScanDuration records one scan cycle's wall-clock duration,
// labelled by "full" or "alarm" per §4.9's two scan modes.
func (s *Sink) ObserveScanDuration(mode string, seconds float64) {
	s.scanDuration.WithLabelValues(mode).Observe(seconds)
}

// Shutdown implements dispatch.Handler; the HTTP server it's mounted on
// is torn down by the caller, so there is nothing to do here.
func (s *Sink) Shutdown() {}
