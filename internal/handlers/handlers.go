// Package handlers implements C8's threaded handler base: a single
// background worker draining a FIFO, with exception isolation and a
// graceful drain-then-join shutdown. Grounded in the source's
// event/handler.py ThreadedOwEventHandler, with its unbounded-by-default,
// bounded-if-configured queue expressed as an explicit slice-backed
// queue instead of Python's Queue.Queue(maxsize).
package handlers

import (
	"sync"

	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

// Threaded wraps a single worker goroutine around a caller-supplied
// handle function. handle must not be invoked directly — it only ever
// runs on the worker goroutine, serially.
type Threaded struct {
	log     owlog.Logger
	handle  func(ev owtypes.Event)
	maxSize int // 0 = unbounded

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []owtypes.Event
	closed bool
	done   chan struct{}
}

// NewThreaded builds a handler around handle. maxSize bounds the queue
// (drop-oldest with a warning once full); 0 leaves it unbounded, the
// source's default.
func NewThreaded(log owlog.Logger, maxSize int, handle func(ev owtypes.Event)) *Threaded {
	t := &Threaded{log: log, handle: handle, maxSize: maxSize, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches the worker goroutine. Must be called once.
func (t *Threaded) Start() {
	go t.run()
}

// HandleEvent enqueues ev for the worker; it never blocks the caller.
func (t *Threaded) HandleEvent(ev owtypes.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.maxSize > 0 && len(t.queue) >= t.maxSize {
		t.log.Warn().Msg("handler queue full, dropping oldest event")
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, ev)
	t.cond.Signal()
}

func (t *Threaded) run() {
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			break
		}
		ev := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.safeHandle(ev)
	}
	close(t.done)
}

func (t *Threaded) safeHandle(ev owtypes.Event) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Interface("panic", r).Stringer("event", ev).Msg("unhandled exception handling event")
		}
	}()
	t.handle(ev)
}

// Shutdown waits for the queue to drain, then stops the worker and
// blocks until it has exited.
func (t *Threaded) Shutdown() {
	t.mu.Lock()
	t.closed = true
	t.cond.Signal()
	t.mu.Unlock()
	<-t.done
}
