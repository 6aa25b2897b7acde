package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced Clock: Now() is a fixed instant until
// Advance is called, and After delivers once the requested deadline has
// been passed by Advance.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := f.now.Add(d)
	if !deadline.After(f.now) {
		ch <- deadline
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{deadline: deadline, ch: ch})
	return ch
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	var remaining []fakeWaiter
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			w.ch <- f.now
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()
}

func TestQueue_MinMaxDispatchFairness(t *testing.T) {
	// S6 from spec §8: queue-high has one event due at t=0; queue-low has
	// ten due at t=0 with min_dispatch=1, max_dispatch=10. A second
	// high-priority event is enqueued at t=0 by the first low-priority
	// task. Expected order: H1, L1, H2, L2..L10.
	clk := newFakeClock()
	s := New(clk)
	high := s.CreateQueue(1, 1)
	low := s.CreateQueue(1, 10)

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	high.Enter(0, func() { record("H1") })
	low.Enter(0, func() { record("L1"); high.Enter(0, func() { record("H2") }) })
	for i := 2; i <= 10; i++ {
		n := i
		low.Enter(0, func() { record("L" + itoa(n)) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	require.Equal(t, []string{"H1", "L1", "H2", "L2", "L3", "L4", "L5", "L6", "L7", "L8", "L9", "L10"}, order)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestQueue_CancelRemovesTask(t *testing.T) {
	clk := newFakeClock()
	s := New(clk)
	q := s.CreateQueue(1, 1)

	ran := false
	h := q.Enter(time.Hour, func() { ran = true })
	q.Cancel(h)

	require.Equal(t, 0, q.Len())
	clk.Advance(2 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)
	require.False(t, ran)
}

func TestScheduler_RunReturnsWhenAllQueuesEmpty(t *testing.T) {
	clk := newFakeClock()
	s := New(clk)
	q := s.CreateQueue(1, 1)
	count := 0
	q.Enter(0, func() { count++ })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.Equal(t, 1, count)
	require.Equal(t, 0, q.Len())
}

func TestScheduler_SleepsUntilNextDueAcrossQueues(t *testing.T) {
	clk := newFakeClock()
	s := New(clk)
	high := s.CreateQueue(1, 1)
	low := s.CreateQueue(1, 1)

	var fired []string
	low.Enter(5*time.Second, func() { fired = append(fired, "low") })
	high.Enter(10*time.Second, func() { fired = append(fired, "high") })

	done := make(chan struct{})
	go func() {
		_ = s.Run(context.Background())
		close(done)
	}()

	// Give Run a chance to block on the first After(5s).
	time.Sleep(10 * time.Millisecond)
	clk.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	clk.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not drain in time")
	}

	require.Equal(t, []string{"low", "high"}, fired)
}
