package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/go-faker/faker/v4"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/kilndb/kiln/pkg/config"
	"github.com/kilndb/kiln/pkg/segment"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return config.NewDefaultConfig(t.TempDir())
}

func openTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()

	eng, err := Open(cfg, log.NewNopLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() {
		eng.Close()
	})
	return eng
}

func mustPut(t *testing.T, eng *Engine, key uint64, value string) {
	t.Helper()
	if err := eng.Put(key, []byte(value)); err != nil {
		t.Fatalf("Failed to put key %d: %v", key, err)
	}
}

func mustGet(t *testing.T, eng *Engine, key uint64) string {
	t.Helper()
	value, err := eng.Get(key)
	if err != nil {
		t.Fatalf("Failed to get key %d: %v", key, err)
	}
	return string(value)
}

func TestEngine_PutGet(t *testing.T) {
	eng := openTestEngine(t, testConfig(t))

	mustPut(t, eng, 11, "first")
	mustPut(t, eng, 12, "second")

	if got := mustGet(t, eng, 11); got != "first" {
		t.Errorf("Got %q for key 11, expected %q", got, "first")
	}
	if got := mustGet(t, eng, 12); got != "second" {
		t.Errorf("Got %q for key 12, expected %q", got, "second")
	}

	// Overwrite: the newer record supersedes the older one.
	mustPut(t, eng, 11, "replaced")
	if got := mustGet(t, eng, 11); got != "replaced" {
		t.Errorf("Got %q for key 11 after overwrite, expected %q", got, "replaced")
	}
	if got := mustGet(t, eng, 12); got != "second" {
		t.Errorf("Overwrite of key 11 disturbed key 12: got %q", got)
	}
}

func TestEngine_OpenDirDefaults(t *testing.T) {
	eng, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	defer eng.Close()

	mustPut(t, eng, 1, "value")
	if got := mustGet(t, eng, 1); got != "value" {
		t.Errorf("Got %q for key 1, expected %q", got, "value")
	}
}

func TestEngine_GetMissing(t *testing.T) {
	eng := openTestEngine(t, testConfig(t))

	mustPut(t, eng, 1, "present")

	_, err := eng.Get(42)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for missing key, got: %v", err)
	}
}

func TestEngine_EmptyValue(t *testing.T) {
	eng := openTestEngine(t, testConfig(t))

	if err := eng.Put(5, nil); err != nil {
		t.Fatalf("Failed to put empty value: %v", err)
	}

	value, err := eng.Get(5)
	if err != nil {
		t.Fatalf("Failed to get key with empty value: %v", err)
	}
	if len(value) != 0 {
		t.Errorf("Expected empty value, got %d bytes", len(value))
	}
}

func TestEngine_RotationAtSizeThreshold(t *testing.T) {
	cfg := testConfig(t)
	// Smaller than any frame, so every record after the first forces a
	// rotation and ends up in a segment of its own.
	cfg.SegmentMaxBytes = 20

	eng := openTestEngine(t, cfg)

	const n = 5
	for key := uint64(1); key <= n; key++ {
		mustPut(t, eng, key, fmt.Sprintf("value-%d", key))
	}

	infos := eng.Segments()
	if len(infos) != n {
		t.Fatalf("Expected %d segments, got %d", n, len(infos))
	}
	if infos[0].ID != n || infos[0].Sealed {
		t.Errorf("Expected unsealed active segment %d first, got id=%d sealed=%v",
			n, infos[0].ID, infos[0].Sealed)
	}
	for _, info := range infos[1:] {
		if !info.Sealed {
			t.Errorf("Expected segment %d to be sealed", info.ID)
		}
		if info.Records != 1 {
			t.Errorf("Expected 1 record in segment %d, got %d", info.ID, info.Records)
		}
	}

	refs, _, err := segment.List(cfg.DataDir, cfg.FilePrefix)
	if err != nil {
		t.Fatalf("Failed to list segment files: %v", err)
	}
	if len(refs) != n {
		t.Errorf("Expected %d segment files on disk, got %d", n, len(refs))
	}

	// Records in rotated-out segments stay readable.
	for key := uint64(1); key <= n; key++ {
		expected := fmt.Sprintf("value-%d", key)
		if got := mustGet(t, eng, key); got != expected {
			t.Errorf("Got %q for key %d, expected %q", got, key, expected)
		}
	}
}

func TestEngine_OversizedRecord(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 64

	eng := openTestEngine(t, cfg)

	big := strings.Repeat("x", 200)
	mustPut(t, eng, 1, "small")
	mustPut(t, eng, 2, big)
	mustPut(t, eng, 3, "small-again")

	// The oversized record takes an empty segment of its own rather than
	// rotating endlessly looking for room.
	infos := eng.Segments()
	if len(infos) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(infos))
	}
	if infos[1].Records != 1 {
		t.Errorf("Expected the oversized record alone in its segment, got %d records", infos[1].Records)
	}

	if got := mustGet(t, eng, 2); got != big {
		t.Errorf("Oversized value corrupted: got %d bytes, expected %d", len(got), len(big))
	}
	if got := mustGet(t, eng, 1); got != "small" {
		t.Errorf("Got %q for key 1, expected %q", got, "small")
	}
}

func TestEngine_LastWriteWinsAcrossSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 20

	eng := openTestEngine(t, cfg)

	mustPut(t, eng, 7, "one")
	mustPut(t, eng, 8, "noise")
	mustPut(t, eng, 7, "two")

	if len(eng.Segments()) < 3 {
		t.Fatalf("Expected the overwrite to land in a different segment, got %d segments", len(eng.Segments()))
	}
	if got := mustGet(t, eng, 7); got != "two" {
		t.Errorf("Got %q for key 7, expected the newer %q", got, "two")
	}

	// The newest record must still win after a replay from disk.
	if err := eng.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}
	reopened := openTestEngine(t, cfg)
	if got := mustGet(t, reopened, 7); got != "two" {
		t.Errorf("Got %q for key 7 after restart, expected %q", got, "two")
	}
}

func TestEngine_RestartRecovery(t *testing.T) {
	cfg := testConfig(t)

	eng := openTestEngine(t, cfg)
	storeID := eng.StoreID()

	expected := make(map[uint64]string)
	for key := uint64(1); key <= 50; key++ {
		value := fmt.Sprintf("%d %s", key, faker.Sentence())
		expected[key] = value
		mustPut(t, eng, key, value)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}

	reopened := openTestEngine(t, cfg)
	if reopened.StoreID() != storeID {
		t.Errorf("Store ID changed across restart: %q != %q", reopened.StoreID(), storeID)
	}

	for key, value := range expected {
		if got := mustGet(t, reopened, key); got != value {
			t.Errorf("Got %q for key %d after restart, expected %q", got, key, value)
		}
	}

	keys, err := reopened.Keys()
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}
	if len(keys) != len(expected) {
		t.Errorf("Expected %d keys after restart, got %d", len(expected), len(keys))
	}
}

func TestEngine_SequenceContinuesAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 20

	eng := openTestEngine(t, cfg)
	for key := uint64(1); key <= 3; key++ {
		mustPut(t, eng, key, "payload")
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}

	// The tail segment is already past the threshold, so reopening seals
	// it and starts a fresh one with the next sequence number.
	reopened := openTestEngine(t, cfg)
	mustPut(t, reopened, 4, "payload")
	mustPut(t, reopened, 5, "payload")

	infos := reopened.Segments()
	seen := make(map[uint64]bool)
	for i, info := range infos {
		if seen[info.ID] {
			t.Fatalf("Segment sequence %d assigned twice", info.ID)
		}
		seen[info.ID] = true
		if i > 0 && infos[i-1].ID <= info.ID {
			t.Errorf("Segment order not newest first: %d before %d", infos[i-1].ID, info.ID)
		}
	}
	if infos[0].ID != 5 {
		t.Errorf("Expected active segment sequence 5, got %d", infos[0].ID)
	}

	for key := uint64(1); key <= 5; key++ {
		if got := mustGet(t, reopened, key); got != "payload" {
			t.Errorf("Got %q for key %d, expected %q", got, key, "payload")
		}
	}
}

func TestEngine_TornTailRecovery(t *testing.T) {
	cfg := testConfig(t)

	eng := openTestEngine(t, cfg)
	mustPut(t, eng, 1, "alpha")
	mustPut(t, eng, 2, "beta")
	mustPut(t, eng, 3, "gamma")

	activePath := eng.Segments()[0].Path
	if err := eng.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}

	info, err := os.Stat(activePath)
	if err != nil {
		t.Fatalf("Failed to stat segment file: %v", err)
	}
	validSize := info.Size()

	// Simulate a crash mid-write by appending half a record.
	f, err := os.OpenFile(activePath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open segment file for corruption: %v", err)
	}
	if _, err := f.Write([]byte("torn-write")); err != nil {
		t.Fatalf("Failed to append garbage: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Failed to close segment file: %v", err)
	}

	reopened := openTestEngine(t, cfg)

	for key, expected := range map[uint64]string{1: "alpha", 2: "beta", 3: "gamma"} {
		if got := mustGet(t, reopened, key); got != expected {
			t.Errorf("Got %q for key %d after recovery, expected %q", got, key, expected)
		}
	}

	info, err = os.Stat(activePath)
	if err != nil {
		t.Fatalf("Failed to stat segment file after recovery: %v", err)
	}
	if info.Size() != validSize {
		t.Errorf("Expected file truncated back to %d bytes, got %d", validSize, info.Size())
	}

	recovery, ok := reopened.Stats()["recovery"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected recovery stats to be present")
	}
	if truncated := recovery["bytes_truncated"].(uint64); truncated != uint64(len("torn-write")) {
		t.Errorf("Expected %d truncated bytes, got %d", len("torn-write"), truncated)
	}

	// The truncated tail must not block new writes.
	mustPut(t, reopened, 4, "delta")
	if got := mustGet(t, reopened, 4); got != "delta" {
		t.Errorf("Got %q for key 4 after recovery, expected %q", got, "delta")
	}
}

func TestEngine_Keys(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 20

	eng := openTestEngine(t, cfg)
	mustPut(t, eng, 5, "a")
	mustPut(t, eng, 3, "b")
	mustPut(t, eng, 9, "c")
	mustPut(t, eng, 3, "b2")

	keys, err := eng.Keys()
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}

	expected := []uint64{3, 5, 9}
	if len(keys) != len(expected) {
		t.Fatalf("Expected %d keys, got %d: %v", len(expected), len(keys), keys)
	}
	for i, key := range expected {
		if keys[i] != key {
			t.Errorf("Expected key %d at position %d, got %d", key, i, keys[i])
		}
	}
}

func TestEngine_ClosedOperations(t *testing.T) {
	eng := openTestEngine(t, testConfig(t))
	mustPut(t, eng, 1, "value")

	if err := eng.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got: %v", err)
	}

	if err := eng.Put(2, []byte("late")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed from Put, got: %v", err)
	}
	if _, err := eng.Get(1); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed from Get, got: %v", err)
	}
	if _, err := eng.Keys(); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed from Keys, got: %v", err)
	}
}

func TestEngine_CompressionAcrossRestart(t *testing.T) {
	for _, algo := range []string{"snappy", "zstd"} {
		t.Run(algo, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Compression = algo
			cfg.CompressionMinBytes = 8

			value := strings.Repeat("compress me please ", 32)

			eng := openTestEngine(t, cfg)
			mustPut(t, eng, 1, value)

			// Frames carry their codec, so the stored record is smaller
			// than the raw value plus header.
			if size := eng.Segments()[0].Bytes; size >= uint64(len(value)) {
				t.Errorf("Expected compressed segment smaller than %d bytes, got %d", len(value), size)
			}
			if got := mustGet(t, eng, 1); got != value {
				t.Errorf("Compressed round trip mismatch: got %d bytes, expected %d", len(got), len(value))
			}
			if err := eng.Close(); err != nil {
				t.Fatalf("Failed to close engine: %v", err)
			}

			// Old frames stay readable even when compression is turned off.
			cfg.Compression = "none"
			reopened := openTestEngine(t, cfg)
			if got := mustGet(t, reopened, 1); got != value {
				t.Errorf("Compressed frame unreadable after disabling compression: got %d bytes", len(got))
			}
		})
	}
}

func TestEngine_ManifestPrefixOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.FilePrefix = "alpha"

	eng := openTestEngine(t, cfg)
	mustPut(t, eng, 1, "keep")
	if err := eng.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}

	// The manifest remembers the prefix the files were written with, so a
	// drifting config must not orphan them.
	cfg.FilePrefix = "beta"
	reopened := openTestEngine(t, cfg)

	if got := mustGet(t, reopened, 1); got != "keep" {
		t.Errorf("Got %q for key 1, expected %q", got, "keep")
	}
	if path := reopened.Segments()[0].Path; !strings.Contains(path, "alpha_") {
		t.Errorf("Expected segment path to keep the original prefix, got %s", path)
	}
}

func TestEngine_OpenValidation(t *testing.T) {
	if _, err := Open(nil, nil, nil); err == nil {
		t.Errorf("Expected error opening with nil config")
	}

	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 0
	if _, err := Open(cfg, nil, nil); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got: %v", err)
	}
}

func TestEngine_Stats(t *testing.T) {
	eng := openTestEngine(t, testConfig(t))

	mustPut(t, eng, 1, "a")
	mustPut(t, eng, 2, "b")
	mustGet(t, eng, 1)
	if _, err := eng.Get(404); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Expected ErrKeyNotFound, got: %v", err)
	}

	st := eng.Stats()
	if ops := st["put_ops"].(uint64); ops != 2 {
		t.Errorf("Expected 2 put operations, got %d", ops)
	}
	if ops := st["get_ops"].(uint64); ops != 2 {
		t.Errorf("Expected 2 get operations, got %d", ops)
	}
	if misses := st["get_misses"].(uint64); misses != 1 {
		t.Errorf("Expected 1 get miss, got %d", misses)
	}
	if count := st["segment_count"].(int); count != 1 {
		t.Errorf("Expected 1 segment, got %d", count)
	}
	if seq := st["active_segment_seq"].(uint64); seq != 1 {
		t.Errorf("Expected active segment sequence 1, got %d", seq)
	}
	if written := st["total_bytes_written"].(uint64); written == 0 {
		t.Errorf("Expected non-zero bytes written")
	}
}

func TestEngine_ConcurrentReadsAndWrites(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 4096 // rotate a few times mid-test

	eng := openTestEngine(t, cfg)

	const (
		keySpace = 16
		writes   = 300
	)

	// Seed every key so readers never depend on writer progress.
	for key := uint64(0); key < keySpace; key++ {
		mustPut(t, eng, key, fmt.Sprintf("%d|seed", key))
	}

	done := make(chan struct{})
	var writers sync.WaitGroup
	for w := 0; w < 2; w++ {
		writers.Add(1)
		go func(seed uint64) {
			defer writers.Done()
			payload := faker.Word()
			for i := 0; i < writes; i++ {
				key := (seed + uint64(i)) % keySpace
				value := fmt.Sprintf("%d|%s-%d", key, payload, i)
				if err := eng.Put(key, []byte(value)); err != nil {
					t.Errorf("Concurrent put failed for key %d: %v", key, err)
					return
				}
			}
		}(uint64(w * 7))
	}

	var readers sync.WaitGroup
	for r := 0; r < 3; r++ {
		readers.Add(1)
		go func(seed uint64) {
			defer readers.Done()
			for i := uint64(0); ; i++ {
				select {
				case <-done:
					return
				default:
				}
				key := (seed + i) % keySpace
				value, err := eng.Get(key)
				if err != nil {
					t.Errorf("Concurrent get failed for key %d: %v", key, err)
					return
				}
				if !strings.HasPrefix(string(value), fmt.Sprintf("%d|", key)) {
					t.Errorf("Torn read for key %d: %q", key, value)
					return
				}
			}
		}(uint64(r * 5))
	}

	writers.Wait()
	close(done)
	readers.Wait()

	if len(eng.Segments()) < 2 {
		t.Errorf("Expected the workload to rotate segments, got %d", len(eng.Segments()))
	}
}

func BenchmarkEnginePut(b *testing.B) {
	eng, err := OpenDir(b.TempDir())
	if err != nil {
		b.Fatalf("Failed to open engine: %v", err)
	}
	defer eng.Close()

	value := bytes.Repeat([]byte("k"), 256)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := eng.Put(uint64(i), value); err != nil {
			b.Fatalf("Failed to put: %v", err)
		}
	}
}

func BenchmarkEngineGet(b *testing.B) {
	cfg := config.NewDefaultConfig(b.TempDir())
	eng, err := Open(cfg, nil, nil)
	if err != nil {
		b.Fatalf("Failed to open engine: %v", err)
	}
	defer eng.Close()

	const keys = 1024
	value := bytes.Repeat([]byte("k"), 256)
	for i := 0; i < keys; i++ {
		if err := eng.Put(uint64(i), value); err != nil {
			b.Fatalf("Failed to preload: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.Get(uint64(i % keys)); err != nil {
			b.Fatalf("Failed to get: %v", err)
		}
	}
}
