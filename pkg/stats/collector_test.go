package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollectorTrackOperation(t *testing.T) {
	collector := NewCollector()

	collector.TrackOperation(OpPut)
	collector.TrackOperation(OpPut)
	collector.TrackOperation(OpGet)

	stats := collector.GetStats()

	if stats["put_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 put operations, got %v", stats["put_ops"])
	}
	if stats["get_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 get operation, got %v", stats["get_ops"])
	}

	if _, exists := stats["last_put_time"]; !exists {
		t.Errorf("Expected last_put_time to exist in stats")
	}
	if _, exists := stats["last_get_time"]; !exists {
		t.Errorf("Expected last_get_time to exist in stats")
	}
}

func TestCollectorTrackOperationWithLatency(t *testing.T) {
	collector := NewCollector()

	collector.TrackOperationWithLatency(OpGet, 100)
	collector.TrackOperationWithLatency(OpGet, 200)
	collector.TrackOperationWithLatency(OpGet, 300)

	stats := collector.GetStats()

	latencyStats, ok := stats["get_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected get_latency to be a map, got %T", stats["get_latency"])
	}

	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}
	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency 200ns, got %v", avg)
	}
	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency 100ns, got %v", min)
	}
	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency 300ns, got %v", max)
	}
}

func TestCollectorTrackBytesAndMisses(t *testing.T) {
	collector := NewCollector()

	collector.TrackBytes(true, 1000) // write
	collector.TrackBytes(true, 500)
	collector.TrackBytes(false, 250) // read
	collector.TrackGetMiss()
	collector.TrackGetMiss()

	stats := collector.GetStats()

	if bytesWritten := stats["total_bytes_written"].(uint64); bytesWritten != 1500 {
		t.Errorf("Expected 1500 bytes written, got %v", bytesWritten)
	}
	if bytesRead := stats["total_bytes_read"].(uint64); bytesRead != 250 {
		t.Errorf("Expected 250 bytes read, got %v", bytesRead)
	}
	if misses := stats["get_misses"].(uint64); misses != 2 {
		t.Errorf("Expected 2 get misses, got %v", misses)
	}
}

func TestCollectorRecoveryStats(t *testing.T) {
	collector := NewCollector()

	startTime := collector.StartRecovery()
	time.Sleep(2 * time.Millisecond)
	collector.FinishRecovery(startTime, 3, 1200, 17)

	stats := collector.GetStats()
	recoveryStats, ok := stats["recovery"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected recovery stats to be a map")
	}

	if scanned := recoveryStats["segments_scanned"].(uint64); scanned != 3 {
		t.Errorf("Expected 3 segments scanned, got %v", scanned)
	}
	if recovered := recoveryStats["records_recovered"].(uint64); recovered != 1200 {
		t.Errorf("Expected 1200 records recovered, got %v", recovered)
	}
	if truncated := recoveryStats["bytes_truncated"].(uint64); truncated != 17 {
		t.Errorf("Expected 17 bytes truncated, got %v", truncated)
	}
	if _, exists := recoveryStats["duration_ms"]; !exists {
		t.Errorf("Expected recovery duration to be recorded")
	}
}

func TestCollectorConcurrentAccess(t *testing.T) {
	collector := NewCollector()
	const numGoroutines = 10
	const opsPerGoroutine = 999

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				switch j % 3 {
				case 0:
					collector.TrackOperation(OpPut)
				case 1:
					collector.TrackOperation(OpGet)
				case 2:
					collector.TrackOperationWithLatency(OpRotate, uint64(j))
				}
			}
		}()
	}

	wg.Wait()

	stats := collector.GetStats()
	expectedOps := uint64(numGoroutines * opsPerGoroutine / 3)

	for _, key := range []string{"put_ops", "get_ops", "rotate_ops"} {
		if ops := stats[key].(uint64); ops != expectedOps {
			t.Errorf("Expected %d %s, got %v", expectedOps, key, ops)
		}
	}
}

func TestCollectorGetStatsFiltered(t *testing.T) {
	collector := NewCollector()

	collector.TrackOperation(OpPut)
	collector.TrackOperation(OpGet)
	collector.TrackOperation(OpGet)
	collector.TrackError("io_error")

	getStats := collector.GetStatsFiltered("get")

	if _, exists := getStats["get_ops"]; !exists {
		t.Errorf("Expected get_ops in filtered stats")
	}
	if _, exists := getStats["put_ops"]; exists {
		t.Errorf("Did not expect put_ops in get-filtered stats")
	}

	errorStats := collector.GetStatsFiltered("error")
	if _, exists := errorStats["errors"]; !exists {
		t.Errorf("Expected errors in error-filtered stats")
	}
}
