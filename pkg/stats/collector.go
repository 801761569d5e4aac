// Package stats provides centralized operation statistics for the storage
// engine with minimal contention, using atomic counters throughout.
package stats

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// OperationType defines the type of operation being tracked.
type OperationType string

// Common operation types.
const (
	OpPut    OperationType = "put"
	OpGet    OperationType = "get"
	OpRotate OperationType = "rotate"
	OpOpen   OperationType = "open"
	OpClose  OperationType = "close"
)

// Collector accumulates operation counts, byte totals, latency summaries
// and recovery figures. All methods are safe for concurrent use.
type Collector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // only used when creating new counter entries

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	getMisses         atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	recoveryStats RecoveryStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// RecoveryStats tracks what startup replay found on disk.
type RecoveryStats struct {
	SegmentsScanned  atomic.Uint64
	RecordsRecovered atomic.Uint64
	BytesTruncated   atomic.Uint64
	Duration         atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies.
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

// NewCollector creates an empty statistics collector.
func NewCollector() *Collector {
	return &Collector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the given operation type.
func (c *Collector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Inc()

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency.
func (c *Collector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.getOrCreateCounter(op).Inc()

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Inc()
	tracker.sum.Add(latencyNs)

	// Max and min use compare-and-swap loops so concurrent samples never
	// regress the recorded extremes.
	for {
		current := tracker.max.Load()
		if latencyNs <= current {
			break
		}
		if tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current == 0 {
			if tracker.min.CompareAndSwap(0, latencyNs) {
				break
			}
			continue
		}
		if latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the given error type.
func (c *Collector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = atomic.NewUint64(0)
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Inc()
}

// TrackBytes adds bytes to the read or write running total.
func (c *Collector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackGetMiss records a lookup that found no value.
func (c *Collector) TrackGetMiss() {
	c.getMisses.Inc()
}

// StartRecovery resets recovery statistics and returns the start time to
// later pass to FinishRecovery.
func (c *Collector) StartRecovery() time.Time {
	c.recoveryStats.SegmentsScanned.Store(0)
	c.recoveryStats.RecordsRecovered.Store(0)
	c.recoveryStats.BytesTruncated.Store(0)
	c.recoveryStats.Duration.Store(0)

	return time.Now()
}

// FinishRecovery records the outcome of startup replay.
func (c *Collector) FinishRecovery(startTime time.Time, segmentsScanned, recordsRecovered, bytesTruncated uint64) {
	c.recoveryStats.SegmentsScanned.Store(segmentsScanned)
	c.recoveryStats.RecordsRecovered.Store(recordsRecovered)
	c.recoveryStats.BytesTruncated.Store(bytesTruncated)
	c.recoveryStats.Duration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map.
func (c *Collector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["get_misses"] = c.getMisses.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	recoveryStats := map[string]interface{}{
		"segments_scanned":  c.recoveryStats.SegmentsScanned.Load(),
		"records_recovered": c.recoveryStats.RecordsRecovered.Load(),
		"bytes_truncated":   c.recoveryStats.BytesTruncated.Load(),
	}
	if duration := c.recoveryStats.Duration.Load(); duration > 0 {
		recoveryStats["duration_ms"] = duration / int64(time.Millisecond)
	}
	stats["recovery"] = recoveryStats

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics whose keys start with prefix.
func (c *Collector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *Collector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = atomic.NewUint64(0)
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *Collector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
