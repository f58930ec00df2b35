// Package metrics provides lightweight in-process instrumentation for
// the camwatch sync pipeline: timings for hot paths (snapshot fetch,
// reconcile, fingerprinting) and counters for stream activity and
// fetch failures.
//
// Collection is on by default and can be switched off with
// CW_METRICS=0, or at runtime through SetEnabled, which a config
// reload uses.
//
// Usage:
//
//	func expensiveOperation() {
//	    defer metrics.Timer(metrics.SnapshotFetch)()
//	    // ... operation code
//	}
package metrics

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// enabled gates collection. Atomic because a config reload can flip it
// while hot paths are recording.
var enabled atomic.Bool

func init() {
	enabled.Store(os.Getenv("CW_METRICS") != "0")
}

// Enabled reports whether collection is currently on.
func Enabled() bool { return enabled.Load() }

// SetEnabled switches collection on or off at runtime.
func SetEnabled(on bool) { enabled.Store(on) }

// sampleWindow bounds the per-metric ring of recent measurements used
// for quantile summaries.
const sampleWindow = 512

// TimingMetric accumulates duration measurements for one named
// operation: lifetime aggregates plus a bounded ring of recent
// samples. Safe for concurrent use.
type TimingMetric struct {
	name string

	mu      sync.Mutex
	count   int64
	totalNs int64
	minNs   int64 // 0 until the first measurement lands
	maxNs   int64
	ring    []float64 // recent durations in ms
	cursor  int       // next ring slot to overwrite once full
}

func newTimingMetric(name string) *TimingMetric {
	return &TimingMetric{name: name}
}

// Record folds one measurement into the aggregates and the ring.
func (m *TimingMetric) Record(d time.Duration) {
	if !enabled.Load() {
		return
	}
	ns := d.Nanoseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.count++
	m.totalNs += ns
	if m.minNs == 0 || ns < m.minNs {
		m.minNs = ns
	}
	if ns > m.maxNs {
		m.maxNs = ns
	}

	ms := float64(ns) / 1e6
	if len(m.ring) < sampleWindow {
		m.ring = append(m.ring, ms)
		return
	}
	m.ring[m.cursor] = ms
	m.cursor = (m.cursor + 1) % sampleWindow
}

// Name returns the metric name.
func (m *TimingMetric) Name() string { return m.name }

// Count returns how many measurements have been recorded.
func (m *TimingMetric) Count() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// TotalNs returns the summed duration in nanoseconds.
func (m *TimingMetric) TotalNs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalNs
}

// MinNs returns the smallest measurement in nanoseconds, or 0 before
// any landed.
func (m *TimingMetric) MinNs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minNs
}

// MaxNs returns the largest measurement in nanoseconds.
func (m *TimingMetric) MaxNs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxNs
}

// AvgNs returns the mean measurement in nanoseconds, or 0 before any
// landed.
func (m *TimingMetric) AvgNs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return 0
	}
	return m.totalNs / m.count
}

// Stats snapshots the lifetime aggregates in milliseconds.
func (m *TimingMetric) Stats() TimingStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := TimingStats{
		Name:    m.name,
		Count:   m.count,
		TotalMs: float64(m.totalNs) / 1e6,
		MinMs:   float64(m.minNs) / 1e6,
		MaxMs:   float64(m.maxNs) / 1e6,
	}
	if m.count > 0 {
		s.AvgMs = float64(m.totalNs/m.count) / 1e6
	}
	return s
}

// Summary computes mean and tail quantiles over the recent ring.
// Unlike Stats it reflects only the last sampleWindow measurements,
// which makes it useful for spotting drift after the process has been
// up for a while.
func (m *TimingMetric) Summary() TimingSummary {
	m.mu.Lock()
	window := append([]float64(nil), m.ring...)
	m.mu.Unlock()

	if len(window) == 0 {
		return TimingSummary{Name: m.name}
	}

	sort.Float64s(window)
	return TimingSummary{
		Name:   m.name,
		Window: len(window),
		MeanMs: stat.Mean(window, nil),
		P50Ms:  stat.Quantile(0.50, stat.Empirical, window, nil),
		P90Ms:  stat.Quantile(0.90, stat.Empirical, window, nil),
		P99Ms:  stat.Quantile(0.99, stat.Empirical, window, nil),
	}
}

// Reset discards the aggregates and the ring.
func (m *TimingMetric) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count, m.totalNs, m.minNs, m.maxNs = 0, 0, 0, 0
	m.ring = nil
	m.cursor = 0
}

// TimingStats holds a snapshot of lifetime timing aggregates.
type TimingStats struct {
	Name    string  `json:"name"`
	Count   int64   `json:"count"`
	TotalMs float64 `json:"total_ms"`
	AvgMs   float64 `json:"avg_ms"`
	MaxMs   float64 `json:"max_ms"`
	MinMs   float64 `json:"min_ms,omitempty"`
}

// TimingSummary holds quantile statistics over the recent-sample window.
type TimingSummary struct {
	Name   string  `json:"name"`
	Window int     `json:"window"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P90Ms  float64 `json:"p90_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// Timer starts a stopwatch and returns the function that stops it and
// records the elapsed time. Meant for defer:
//
//	defer metrics.Timer(metrics.SnapshotFetch)()
func Timer(m *TimingMetric) func() {
	return TimerWithCallback(m, nil)
}

// TimerWithCallback is Timer with an extra hook that receives the
// elapsed duration, for callers that also want to log or report it.
func TimerWithCallback(m *TimingMetric, cb func(time.Duration)) func() {
	if !enabled.Load() || m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		d := time.Since(start)
		m.Record(d)
		if cb != nil {
			cb(d)
		}
	}
}

// Timing metrics for the sync pipeline.
var (
	SnapshotFetch      = newTimingMetric("snapshot_fetch")
	ReconcileResolve   = newTimingMetric("reconcile_resolve")
	FingerprintCompute = newTimingMetric("fingerprint_compute")
	EventDispatch      = newTimingMetric("event_dispatch")
	JournalAppend      = newTimingMetric("journal_append")
)

// timings fixes the report order of the registered metrics.
var timings = []*TimingMetric{
	SnapshotFetch,
	ReconcileResolve,
	FingerprintCompute,
	EventDispatch,
	JournalAppend,
}

// AllTimingMetrics returns the registered timing metrics.
func AllTimingMetrics() []*TimingMetric {
	return append([]*TimingMetric(nil), timings...)
}

// ResetAll clears every timing metric and counter.
func ResetAll() {
	for _, m := range timings {
		m.Reset()
	}
	for _, c := range AllCounterMetrics() {
		c.Reset()
	}
}

// AllTimingStats reports lifetime stats for every metric that has data.
func AllTimingStats() []TimingStats {
	var out []TimingStats
	for _, m := range timings {
		if s := m.Stats(); s.Count > 0 {
			out = append(out, s)
		}
	}
	return out
}

// AllTimingSummaries reports recent-window summaries for every metric
// that has data.
func AllTimingSummaries() []TimingSummary {
	var out []TimingSummary
	for _, m := range timings {
		if s := m.Summary(); s.Window > 0 {
			out = append(out, s)
		}
	}
	return out
}
