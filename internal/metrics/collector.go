// Package metrics aggregates per-worker timing for one race attack: latency
// percentiles plus the dispersion of send times around gate release.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Collector records per-worker results in a thread-safe manner. One
// collector serves one attack execution.
type Collector struct {
	mu           sync.Mutex
	latencies    *hdrhistogram.Histogram
	sendOffsets  *hdrhistogram.Histogram
	successes    int64
	failures     int64
	minLatency   time.Duration
	maxLatency   time.Duration
	sumLatency   time.Duration
	errorsByType map[string]int64
	start        time.Time
}

// Stats represents aggregated timing statistics for one attack.
type Stats struct {
	Total     int64 `json:"total"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`

	MinLatency  time.Duration `json:"-"`
	MaxLatency  time.Duration `json:"-"`
	MeanLatency time.Duration `json:"-"`
	P50Latency  time.Duration `json:"-"`
	P99Latency  time.Duration `json:"-"`

	// Send offset percentiles measure how tightly the gate released:
	// the spread of send timestamps relative to release.
	P50SendOffset time.Duration `json:"-"`
	P99SendOffset time.Duration `json:"-"`

	MinLatencyMs    float64        `json:"min_latency_ms"`
	MaxLatencyMs    float64        `json:"max_latency_ms"`
	MeanLatencyMs   float64        `json:"mean_latency_ms"`
	P50LatencyMs    float64        `json:"p50_latency_ms"`
	P99LatencyMs    float64        `json:"p99_latency_ms"`
	P50SendOffsetUs float64        `json:"p50_send_offset_us"`
	P99SendOffsetUs float64        `json:"p99_send_offset_us"`
	Errors          map[string]int `json:"errors,omitempty"`
}

// NewCollector creates a collector. Latencies are tracked from 1µs to 60s,
// send offsets from 1µs to 10s, both at 3 significant figures.
func NewCollector() *Collector {
	return &Collector{
		latencies:    hdrhistogram.New(1, 60_000_000, 3),
		sendOffsets:  hdrhistogram.New(1, 10_000_000, 3),
		errorsByType: make(map[string]int64),
		start:        time.Now(),
	}
}

// RecordWorker records a single worker's latency and error state.
func (c *Collector) RecordWorker(latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if latency > 0 {
		us := clamp(latency.Microseconds(), c.latencies)
		_ = c.latencies.RecordValue(us)
	}
	c.sumLatency += latency

	if c.minLatency == 0 || latency < c.minLatency {
		c.minLatency = latency
	}
	if latency > c.maxLatency {
		c.maxLatency = latency
	}

	if err == nil {
		c.successes++
	} else {
		c.failures++
		errorType := fmt.Sprintf("%T", err)
		if len(errorType) > 30 {
			errorType = errorType[len(errorType)-30:]
		}
		c.errorsByType[errorType]++
	}
}

// RecordSendOffset records how long after gate release a worker's send left.
func (c *Collector) RecordSendOffset(offset time.Duration) {
	if offset <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sendOffsets.RecordValue(clamp(offset.Microseconds(), c.sendOffsets))
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.successes + c.failures
	stats := Stats{
		Total:      total,
		Successes:  c.successes,
		Failures:   c.failures,
		MinLatency: c.minLatency,
		MaxLatency: c.maxLatency,
	}

	if total > 0 {
		stats.MeanLatency = time.Duration(int64(c.sumLatency) / total)
	}

	if c.latencies.TotalCount() > 0 {
		stats.P50Latency = time.Duration(c.latencies.ValueAtQuantile(50)) * time.Microsecond
		stats.P99Latency = time.Duration(c.latencies.ValueAtQuantile(99)) * time.Microsecond
	}
	if c.sendOffsets.TotalCount() > 0 {
		stats.P50SendOffset = time.Duration(c.sendOffsets.ValueAtQuantile(50)) * time.Microsecond
		stats.P99SendOffset = time.Duration(c.sendOffsets.ValueAtQuantile(99)) * time.Microsecond
	}

	stats.MinLatencyMs = float64(stats.MinLatency) / float64(time.Millisecond)
	stats.MaxLatencyMs = float64(stats.MaxLatency) / float64(time.Millisecond)
	stats.MeanLatencyMs = float64(stats.MeanLatency) / float64(time.Millisecond)
	stats.P50LatencyMs = float64(stats.P50Latency) / float64(time.Millisecond)
	stats.P99LatencyMs = float64(stats.P99Latency) / float64(time.Millisecond)
	stats.P50SendOffsetUs = float64(stats.P50SendOffset) / float64(time.Microsecond)
	stats.P99SendOffsetUs = float64(stats.P99SendOffset) / float64(time.Microsecond)

	if len(c.errorsByType) > 0 {
		stats.Errors = make(map[string]int, len(c.errorsByType))
		for k, v := range c.errorsByType {
			stats.Errors[k] = int(v)
		}
	}

	return stats
}

// GetErrorBreakdown returns a map of error types to their counts.
func (c *Collector) GetErrorBreakdown() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]int)
	for k, v := range c.errorsByType {
		result[k] = int(v)
	}
	return result
}

func clamp(v int64, h *hdrhistogram.Histogram) int64 {
	if v < h.LowestTrackableValue() {
		return h.LowestTrackableValue()
	}
	if v > h.HighestTrackableValue() {
		return h.HighestTrackableValue()
	}
	return v
}
