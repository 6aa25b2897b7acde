package master

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/jangala-dev/owmaster/internal/owtypes"
)

// Statistics is the master's own counters map, grounded in the source's
// MasterStatistics: keys are "<category>.<name>", incremented freely and
// reported periodically as Statistics events. It also implements
// busclient.StatsSink, folding every bus operation's count/timing
// straight into the same counters map under the "ops" category.
type Statistics struct {
	mu       sync.Mutex
	counters map[string]float64
}

// NewStatistics returns an empty counters map.
func NewStatistics() *Statistics {
	return &Statistics{counters: map[string]float64{}}
}

// Increment adds delta to key ("<category>.<name>"), creating it at zero
// first if unseen.
func (s *Statistics) Increment(key string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += delta
}

// IncrementOp implements busclient.StatsSink: one bus call increments
// both its count and cumulative timing counters, independently, per
// spec's resolution of the source's single-sample OwIoStatistic.
func (s *Statistics) IncrementOp(op string, count int64, ms float64) {
	s.Increment("ops.count_"+op, float64(count))
	s.Increment("ops.ms_"+op, ms)
}

// Report emits one Statistics event per tracked counter, in key order
// for reproducible output, and clears nothing — counters are cumulative
// for the process lifetime, matching the source's report().
func (s *Statistics) Report(when time.Time, emit func(owtypes.Event)) {
	s.mu.Lock()
	keys := maps.Keys(s.counters)
	values := maps.Clone(s.counters)
	s.mu.Unlock()

	slices.Sort(keys)
	for _, key := range keys {
		category, name, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		emit(owtypes.Event{
			Timestamp: when,
			Kind:      owtypes.KindStatistics,
			Stat: owtypes.StatValue{
				Category: owtypes.StatCategory(category),
				Name:     name,
				Value:    int64(values[key]),
			},
		})
	}
}
