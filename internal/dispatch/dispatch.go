// Package dispatch implements C7: a synchronous fan-out of typed events
// to every registered handler, with per-handler exception isolation and
// a pause/resume buffer for the setup window before handlers are ready.
// Grounded in the source's event/handler.py OwEventDispatcher, with the
// pause/resume buffering this supervisor adds on top of it.
package dispatch

import (
	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

const bufferCapacity = 100

// Handler is anything that can consume dispatched events and be told to
// shut down, mirroring OwEventHandler.
type Handler interface {
	HandleEvent(ev owtypes.Event)
	Shutdown()
}

// ConfigurableHandler is implemented by handlers whose behaviour depends
// on the live configuration document (the action handler, sinks); the
// dispatcher calls RefreshConfig on every registered handler that
// implements it whenever the master reloads.
type ConfigurableHandler interface {
	Handler
	RefreshConfig(root *owconfig.Config)
}

// Dispatcher fans a single event stream out to every registered handler,
// in registration order, on its caller's goroutine. It is itself a
// Handler so it can be nested, matching OwEventDispatcher's own
// inheritance from OwEventHandler.
type Dispatcher struct {
	log      owlog.Logger
	handlers []Handler

	paused bool
	buffer []owtypes.Event
}

func New(log owlog.Logger) *Dispatcher {
	return &Dispatcher{log: owlog.Component(log, "dispatch")}
}

// AddHandler registers a handler to receive every future event. Only
// valid during setup, before the main loop starts delivering events —
// per §5's shared-resource policy, the handler list is only mutated from
// the main thread during setup.
func (d *Dispatcher) AddHandler(h Handler) {
	d.handlers = append(d.handlers, h)
}

// RefreshConfig forwards the reloaded document to every handler that
// cares about configuration.
func (d *Dispatcher) RefreshConfig(root *owconfig.Config) {
	for _, h := range d.handlers {
		if ch, ok := h.(ConfigurableHandler); ok {
			ch.RefreshConfig(root)
		}
	}
}

// Pause begins buffering incoming events instead of delivering them,
// used while the master is still building its inventory at startup.
func (d *Dispatcher) Pause() {
	d.paused = true
}

// Resume flushes the buffer synchronously, in FIFO order, before
// returning, then resumes direct delivery.
func (d *Dispatcher) Resume() {
	d.paused = false
	buffered := d.buffer
	d.buffer = nil
	for _, ev := range buffered {
		d.fanOut(ev)
	}
}

// HandleEvent either buffers ev (while paused) or fans it out
// immediately to every handler.
func (d *Dispatcher) HandleEvent(ev owtypes.Event) {
	if d.paused {
		d.bufferEvent(ev)
		return
	}
	d.fanOut(ev)
}

func (d *Dispatcher) bufferEvent(ev owtypes.Event) {
	if len(d.buffer) >= bufferCapacity {
		d.log.Warn().Msg("pause buffer full, dropping oldest event")
		d.buffer = d.buffer[1:]
	}
	d.buffer = append(d.buffer, ev)
}

// fanOut delivers ev to every handler in registration order, isolating
// each handler's panic so one misbehaving handler cannot take down the
// dispatcher or its peers.
func (d *Dispatcher) fanOut(ev owtypes.Event) {
	d.log.Debug().Stringer("event", ev).Msg("handling event")
	for _, h := range d.handlers {
		d.invoke(h, ev)
	}
}

func (d *Dispatcher) invoke(h Handler, ev owtypes.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Stringer("event", ev).Msg("unhandled exception in event handler")
		}
	}()
	h.HandleEvent(ev)
}

// Shutdown tells every registered handler to shut down, best-effort, in
// registration order.
func (d *Dispatcher) Shutdown() {
	for _, h := range d.handlers {
		h.Shutdown()
	}
}
