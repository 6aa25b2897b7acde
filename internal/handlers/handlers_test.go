package handlers

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

func testLogger() owlog.Logger { return owlog.New(io.Discard, false) }

func TestThreaded_ProcessesEventsSerially(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	th := NewThreaded(testLogger(), 0, func(ev owtypes.Event) {
		mu.Lock()
		seen = append(seen, ev.Channel)
		mu.Unlock()
	})
	th.Start()

	th.HandleEvent(owtypes.Event{Channel: "a"})
	th.HandleEvent(owtypes.Event{Channel: "b"})
	th.HandleEvent(owtypes.Event{Channel: "c"})
	th.Shutdown()

	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestThreaded_BoundedQueueDropsOldest(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	first := true

	th := NewThreaded(testLogger(), 2, func(ev owtypes.Event) {
		mu.Lock()
		if first {
			first = false
			mu.Unlock()
			<-release // hold the worker so the queue backs up
		} else {
			mu.Unlock()
		}
		mu.Lock()
		seen = append(seen, ev.Channel)
		mu.Unlock()
	})
	th.Start()

	th.HandleEvent(owtypes.Event{Channel: "first"}) // picked up immediately, blocks on release
	time.Sleep(10 * time.Millisecond)
	th.HandleEvent(owtypes.Event{Channel: "a"})
	th.HandleEvent(owtypes.Event{Channel: "b"})
	th.HandleEvent(owtypes.Event{Channel: "c"}) // queue cap 2: "a" must be dropped

	close(release)
	th.Shutdown()

	require.Equal(t, []string{"first", "b", "c"}, seen)
}

func TestThreaded_PanicInHandlerDoesNotStopWorker(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	th := NewThreaded(testLogger(), 0, func(ev owtypes.Event) {
		if ev.Channel == "bad" {
			panic("boom")
		}
		mu.Lock()
		seen = append(seen, ev.Channel)
		mu.Unlock()
	})
	th.Start()

	th.HandleEvent(owtypes.Event{Channel: "bad"})
	th.HandleEvent(owtypes.Event{Channel: "good"})
	th.Shutdown()

	require.Equal(t, []string{"good"}, seen)
}

func TestThreaded_ShutdownDrainsQueueBeforeExiting(t *testing.T) {
	var mu sync.Mutex
	count := 0

	th := NewThreaded(testLogger(), 0, func(owtypes.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	th.Start()

	for i := 0; i < 50; i++ {
		th.HandleEvent(owtypes.Event{})
	}
	th.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, count)
}
