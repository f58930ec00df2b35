package metrics

import "sync/atomic"

// CounterMetric tracks a monotonically increasing count for a named
// event. Thread-safe via atomic operations.
type CounterMetric struct {
	name  string
	count int64
}

func newCounterMetric(name string) *CounterMetric {
	return &CounterMetric{name: name}
}

// Inc increments the counter by one.
func (c *CounterMetric) Inc() {
	if !enabled.Load() {
		return
	}
	atomic.AddInt64(&c.count, 1)
}

// Add increments the counter by n.
func (c *CounterMetric) Add(n int64) {
	if !enabled.Load() {
		return
	}
	atomic.AddInt64(&c.count, n)
}

// Name returns the counter name.
func (c *CounterMetric) Name() string {
	return c.name
}

// Count returns the current value.
func (c *CounterMetric) Count() int64 {
	return atomic.LoadInt64(&c.count)
}

// Reset clears the counter.
func (c *CounterMetric) Reset() {
	atomic.StoreInt64(&c.count, 0)
}

// CounterStats holds a snapshot of a counter.
type CounterStats struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Global counters for stream and fetch activity.
var (
	EventsReceived     = newCounterMetric("events_received")
	EventsDropped      = newCounterMetric("events_dropped")
	FetchFailures      = newCounterMetric("fetch_failures")
	StreamReconnects   = newCounterMetric("stream_reconnects")
	SnapshotsApplied   = newCounterMetric("snapshots_applied")
	SnapshotsDiscarded = newCounterMetric("snapshots_discarded")
)

// AllCounterMetrics returns all registered counters.
func AllCounterMetrics() []*CounterMetric {
	return []*CounterMetric{
		EventsReceived,
		EventsDropped,
		FetchFailures,
		StreamReconnects,
		SnapshotsApplied,
		SnapshotsDiscarded,
	}
}

// AllCounterStats returns stats for all counters with data.
func AllCounterStats() []CounterStats {
	counters := AllCounterMetrics()
	stats := make([]CounterStats, 0, len(counters))
	for _, c := range counters {
		if n := c.Count(); n > 0 {
			stats = append(stats, CounterStats{Name: c.name, Count: n})
		}
	}
	return stats
}
