// Package rrdsink writes temperature and counter readings into a
// minimal round-robin archive file per device, modelled on RRDtool's
// data model but not its on-disk format. Grounded in
// event/rrdhandler.py: one file per temperature sensor (a GAUGE
// datasource), one file per counter channel (a COUNTER datasource),
// created on first use, each update appended as the newest sample in a
// fixed-size ring that overwrites its oldest slot once full.
//
// No Go binding for RRDtool's own file format exists anywhere in this
// corpus — rrdhandler.py reaches it through a CPython extension wrapping
// the C librrd, which has no pure-Go or pack-referenced equivalent. This
// sink is therefore a from-scratch ring-buffer file of our own, built on
// stdlib encoding/gob rather than a second dependency with nothing to
// ground it in; it preserves the handler's per-device/per-channel file
// layout and GAUGE/COUNTER datasource distinction without claiming
// RRDtool file compatibility.
package rrdsink

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jangala-dev/owmaster/internal/handlers"
	"github.com/jangala-dev/owmaster/internal/owerr"
	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

// archiveRows bounds each ring file to 1440 samples: a day at one sample
// a minute, or 12 hours at the default 30s full-scan interval, mirroring the shortest
// resolution archive rrdhandler.py defined (1-sample steps).
const archiveRows = 1440

type dsType string

const (
	gauge   dsType = "GAUGE"
	counter dsType = "COUNTER"
)

type sample struct {
	When  time.Time
	Value float64
}

// archive is the on-disk shape of one ring-buffer file: a fixed-size
// slice used as a ring, plus the write cursor and datasource type.
type archive struct {
	Type   dsType
	Rows   []sample
	Cursor int
	Filled bool
}

// Sink is a dispatch.Handler writing events into ring files under dir.
type Sink struct {
	log owlog.Logger
	dir string

	mu    sync.Mutex
	cache map[string]*archive

	worker *handlers.Threaded
}

// New validates dir (creating it if absent) and starts the writer
// worker.
func New(log owlog.Logger, dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, owerr.Config("rrdsink", "cannot create archive directory: "+err.Error())
	}

	s := &Sink{
		log:   owlog.Component(log, "rrdsink"),
		dir:   dir,
		cache: make(map[string]*archive),
	}
	s.worker = handlers.NewThreaded(s.log, 0, s.handleBlocking)
	s.worker.Start()
	return s, nil
}

// HandleEvent implements dispatch.Handler.
func (s *Sink) HandleEvent(ev owtypes.Event) { s.worker.HandleEvent(ev) }

// Shutdown implements dispatch.Handler.
func (s *Sink) Shutdown() { s.worker.Shutdown() }

func (s *Sink) handleBlocking(ev owtypes.Event) {
	name, typ, value, ok := s.target(ev)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.load(name, typ)
	if err != nil {
		s.log.Error().Err(err).Str("archive", name).Msg("failed to load archive file")
		return
	}

	when := ev.Timestamp
	if when.IsZero() {
		when = time.Now()
	}
	a.append(when, value)

	if err := s.save(name, a); err != nil {
		s.log.Error().Err(err).Str("archive", name).Msg("failed to write archive file")
	}
}

// target resolves the per-event archive name, datasource type, and
// value, following the source's OwTemperatureEvent (one file per
// device, GAUGE) / OwCounterEvent (one file per device+channel, COUNTER)
// split.
func (s *Sink) target(ev owtypes.Event) (name string, typ dsType, value float64, ok bool) {
	switch ev.Kind {
	case owtypes.KindTemperature:
		return ev.DeviceID, gauge, ev.Temperature.Value, true
	case owtypes.KindCounter:
		return ev.DeviceID + "-" + ev.Channel, counter, float64(ev.Counter), true
	default:
		return "", "", 0, false
	}
}

func (a *archive) append(when time.Time, value float64) {
	if len(a.Rows) < archiveRows {
		a.Rows = append(a.Rows, sample{When: when, Value: value})
		a.Cursor = len(a.Rows) % archiveRows
		return
	}
	a.Rows[a.Cursor] = sample{When: when, Value: value}
	a.Cursor = (a.Cursor + 1) % archiveRows
	a.Filled = true
}

func (s *Sink) filePath(name string) string {
	return filepath.Join(s.dir, name+".rra")
}

// load returns the cached archive for name, reading it from disk on
// first use and creating a fresh one if no file exists yet.
func (s *Sink) load(name string, typ dsType) (*archive, error) {
	if a, ok := s.cache[name]; ok {
		return a, nil
	}

	f, err := os.Open(s.filePath(name))
	if os.IsNotExist(err) {
		a := &archive{Type: typ, Rows: make([]sample, 0, archiveRows)}
		s.cache[name] = a
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var a archive
	if err := gob.NewDecoder(f).Decode(&a); err != nil {
		return nil, err
	}
	s.cache[name] = &a
	return &a, nil
}

func (s *Sink) save(name string, a *archive) error {
	tmp := s.filePath(name) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(a); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath(name))
}
