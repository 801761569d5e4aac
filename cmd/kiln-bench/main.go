package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilndb/kiln/pkg/config"
	"github.com/kilndb/kiln/pkg/engine"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (write, overwrite, read, mixed, or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration to run the benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	segmentSize   = flag.Uint64("segment-size", config.DefaultSegmentMaxBytes, "Segment rotation threshold in bytes")
	compression   = flag.String("compression", "none", "Value compression: none, snappy or zstd")
	sequential    = flag.Bool("sequential", false, "Use sequential keys instead of random")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "File to write results to (in addition to stdout)")
	csvFile       = flag.String("csv", "", "File to write results to in CSV format")
)

func main() {
	flag.Parse()

	// Set up CPU profiling if requested
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	// Remove any existing benchmark data before starting
	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}

	cfg := config.NewDefaultConfig(*dataDir)
	cfg.SegmentMaxBytes = *segmentSize
	cfg.Compression = *compression

	// Keep the engine quiet during runs; rotations at full tilt would
	// flood the terminal at info level.
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.AllowWarn())
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	e, err := engine.Open(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage engine: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	// Prepare result output
	var results []string
	var csvResults []BenchmarkResult
	results = append(results, fmt.Sprintf("Benchmark Report (%s)", time.Now().Format(time.RFC3339)))
	results = append(results, fmt.Sprintf("Keys: %d, Value Size: %d bytes, Segment Size: %d bytes, Compression: %s, Duration: %s, Mode: %s",
		*numKeys, *valueSize, *segmentSize, *compression, *duration, keyMode()))

	// Run the specified benchmarks
	types := strings.Split(*benchmarkType, ",")
	for _, typ := range types {
		switch strings.ToLower(typ) {
		case "write":
			text, result := runWriteBenchmark(e)
			results = append(results, text)
			csvResults = append(csvResults, result)
		case "overwrite":
			text, result := runOverwriteBenchmark(e)
			results = append(results, text)
			csvResults = append(csvResults, result)
		case "read":
			text, result := runReadBenchmark(e)
			results = append(results, text)
			csvResults = append(csvResults, result)
		case "mixed":
			text, result := runMixedBenchmark(e)
			results = append(results, text)
			csvResults = append(csvResults, result)
		case "all":
			text, result := runWriteBenchmark(e)
			results = append(results, text)
			csvResults = append(csvResults, result)

			text, result = runOverwriteBenchmark(e)
			results = append(results, text)
			csvResults = append(csvResults, result)

			text, result = runReadBenchmark(e)
			results = append(results, text)
			csvResults = append(csvResults, result)

			text, result = runMixedBenchmark(e)
			results = append(results, text)
			csvResults = append(csvResults, result)
		default:
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
	}

	// Print results
	for _, result := range results {
		fmt.Println(result)
	}

	// Write results to file if requested
	if *resultsFile != "" {
		err := os.WriteFile(*resultsFile, []byte(strings.Join(results, "\n")), 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	// Write CSV results if requested
	if *csvFile != "" {
		if err := SaveResultCSV(csvResults, *csvFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write CSV results: %v\n", err)
		}
	}

	// Write memory profile if requested
	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC() // Run GC before taking memory profile
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}
}

// keyMode returns a string describing the key generation mode
func keyMode() string {
	if *sequential {
		return "Sequential"
	}
	return "Random"
}

// generateKey returns the next benchmark key. Random mode still folds the
// counter in so every generated key is unique.
func generateKey(counter int) uint64 {
	if *sequential {
		return uint64(counter)
	}
	return rand.Uint64()<<20 | uint64(counter)&(1<<20-1)
}

// rotations reads the segment rotation count from the engine stats.
func rotations(e *engine.Engine) uint64 {
	if v, ok := e.Stats()["rotate_ops"].(uint64); ok {
		return v
	}
	return 0
}

// runWriteBenchmark benchmarks write performance with unique keys
func runWriteBenchmark(e *engine.Engine) (string, BenchmarkResult) {
	fmt.Println("Running Write Benchmark...")

	// Smaller values can be written in larger batches
	batchSize := 1000
	if *valueSize > 1024 {
		batchSize = 500
	} else if *valueSize > 4096 {
		batchSize = 100
	}

	start := time.Now()
	deadline := start.Add(*duration)

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	var opsCount int
	var consecutiveErrors int
	maxConsecutiveErrors := 10
	startRotations := rotations(e)

	for time.Now().Before(deadline) {
		// Process in batches
		for i := 0; i < batchSize && time.Now().Before(deadline); i++ {
			key := generateKey(opsCount)
			if err := e.Put(key, value); err != nil {
				if err == engine.ErrEngineClosed {
					fmt.Fprintf(os.Stderr, "Engine closed, stopping benchmark\n")
					goto benchmarkEnd
				}

				fmt.Fprintf(os.Stderr, "Write error (key #%d): %v\n", opsCount, err)
				consecutiveErrors++
				if consecutiveErrors >= maxConsecutiveErrors {
					fmt.Fprintf(os.Stderr, "Too many consecutive errors, stopping benchmark\n")
					goto benchmarkEnd
				}
				continue
			}

			consecutiveErrors = 0
			opsCount++
		}
	}

benchmarkEnd:
	elapsed := time.Since(start)
	opsPerSecond := float64(opsCount) / elapsed.Seconds()
	mbPerSecond := float64(opsCount) * float64(*valueSize) / (1024 * 1024) / elapsed.Seconds()
	rotated := rotations(e) - startRotations

	result := fmt.Sprintf("\nWrite Benchmark Results:")
	result += fmt.Sprintf("\n  Key Mode: %s", keyMode())
	result += fmt.Sprintf("\n  Operations: %d", opsCount)
	result += fmt.Sprintf("\n  Data Written: %.2f MB", float64(opsCount)*float64(*valueSize)/(1024*1024))
	result += fmt.Sprintf("\n  Segment Rotations: %d", rotated)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec (%.2f MB/sec)", opsPerSecond, mbPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)

	return result, BenchmarkResult{
		BenchmarkType: "write",
		NumKeys:       *numKeys,
		ValueSize:     *valueSize,
		Mode:          keyMode(),
		Operations:    opsCount,
		Duration:      elapsed.Seconds(),
		Throughput:    opsPerSecond,
		Latency:       1000000.0 / opsPerSecond,
		Rotations:     rotated,
		Timestamp:     time.Now(),
	}
}

// runOverwriteBenchmark benchmarks repeated writes over a bounded key space,
// where newer records continually supersede older ones
func runOverwriteBenchmark(e *engine.Engine) (string, BenchmarkResult) {
	fmt.Println("Running Overwrite Benchmark...")

	keySpace := *numKeys
	if keySpace > 100000 {
		keySpace = 100000
		fmt.Println("Limiting to 100,000 distinct keys for overwrite benchmark")
	}

	start := time.Now()
	deadline := start.Add(*duration)

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	var opsCount int
	var consecutiveErrors int
	maxConsecutiveErrors := 10
	startRotations := rotations(e)

	for time.Now().Before(deadline) {
		batchSize := 1000
		for i := 0; i < batchSize && time.Now().Before(deadline); i++ {
			key := uint64(opsCount % keySpace)
			if err := e.Put(key, value); err != nil {
				if err == engine.ErrEngineClosed {
					fmt.Fprintf(os.Stderr, "Engine closed, stopping benchmark\n")
					goto benchmarkEnd
				}

				fmt.Fprintf(os.Stderr, "Write error (key #%d): %v\n", opsCount, err)
				consecutiveErrors++
				if consecutiveErrors >= maxConsecutiveErrors {
					fmt.Fprintf(os.Stderr, "Too many consecutive errors, stopping benchmark\n")
					goto benchmarkEnd
				}
				continue
			}

			consecutiveErrors = 0
			opsCount++
		}
	}

benchmarkEnd:
	elapsed := time.Since(start)
	opsPerSecond := float64(opsCount) / elapsed.Seconds()
	rotated := rotations(e) - startRotations

	liveKeys := keySpace
	if opsCount < keySpace {
		liveKeys = opsCount
	}

	result := fmt.Sprintf("\nOverwrite Benchmark Results:")
	result += fmt.Sprintf("\n  Operations: %d", opsCount)
	result += fmt.Sprintf("\n  Distinct Keys: %d", liveKeys)
	result += fmt.Sprintf("\n  Data Written: %.2f MB", float64(opsCount)*float64(*valueSize)/(1024*1024))
	result += fmt.Sprintf("\n  Segment Rotations: %d", rotated)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec", opsPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)

	return result, BenchmarkResult{
		BenchmarkType: "overwrite",
		NumKeys:       keySpace,
		ValueSize:     *valueSize,
		Mode:          "Bounded",
		Operations:    opsCount,
		Duration:      elapsed.Seconds(),
		Throughput:    opsPerSecond,
		Latency:       1000000.0 / opsPerSecond,
		Rotations:     rotated,
		Timestamp:     time.Now(),
	}
}

// runReadBenchmark benchmarks read performance
func runReadBenchmark(e *engine.Engine) (string, BenchmarkResult) {
	fmt.Println("Preparing data for Read Benchmark...")

	// First, write data to read
	actualNumKeys := *numKeys
	if actualNumKeys > 100000 {
		// Limit number of keys for preparation to avoid overwhelming
		actualNumKeys = 100000
		fmt.Println("Limiting to 100,000 keys for preparation phase")
	}

	keys := make([]uint64, actualNumKeys)
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	for i := 0; i < actualNumKeys; i++ {
		keys[i] = generateKey(i)
		if err := e.Put(keys[i], value); err != nil {
			if err == engine.ErrEngineClosed {
				fmt.Fprintf(os.Stderr, "Engine closed during preparation\n")
				return "Read Benchmark Failed: Engine closed", BenchmarkResult{}
			}
			fmt.Fprintf(os.Stderr, "Write error during preparation: %v\n", err)
			return "Read Benchmark Failed: Error preparing data", BenchmarkResult{}
		}
	}

	fmt.Println("Running Read Benchmark...")
	start := time.Now()
	deadline := start.Add(*duration)

	var opsCount, hitCount int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for time.Now().Before(deadline) {
		batchSize := 1000
		for i := 0; i < batchSize && time.Now().Before(deadline); i++ {
			// Read a random key from our set
			idx := r.Intn(actualNumKeys)

			_, err := e.Get(keys[idx])
			if err == engine.ErrEngineClosed {
				fmt.Fprintf(os.Stderr, "Engine closed, stopping benchmark\n")
				goto benchmarkEnd
			}
			if err == nil {
				hitCount++
			}
			opsCount++
		}
	}

benchmarkEnd:
	elapsed := time.Since(start)
	opsPerSecond := float64(opsCount) / elapsed.Seconds()
	hitRate := float64(hitCount) / float64(opsCount) * 100

	result := fmt.Sprintf("\nRead Benchmark Results:")
	result += fmt.Sprintf("\n  Key Mode: %s", keyMode())
	result += fmt.Sprintf("\n  Operations: %d", opsCount)
	result += fmt.Sprintf("\n  Hit Rate: %.2f%%", hitRate)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec", opsPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)

	return result, BenchmarkResult{
		BenchmarkType: "read",
		NumKeys:       actualNumKeys,
		ValueSize:     *valueSize,
		Mode:          keyMode(),
		Operations:    opsCount,
		Duration:      elapsed.Seconds(),
		Throughput:    opsPerSecond,
		Latency:       1000000.0 / opsPerSecond,
		HitRate:       hitRate,
		Timestamp:     time.Now(),
	}
}

// runMixedBenchmark benchmarks a mixed workload of 75% reads and 25% writes
func runMixedBenchmark(e *engine.Engine) (string, BenchmarkResult) {
	fmt.Println("Preparing data for Mixed Benchmark...")

	// First, write some initial data
	actualNumKeys := *numKeys / 2
	if actualNumKeys > 50000 {
		actualNumKeys = 50000
		fmt.Println("Limiting to 50,000 initial keys for mixed benchmark")
	}

	keys := make([]uint64, actualNumKeys)
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	for i := 0; i < len(keys); i++ {
		keys[i] = generateKey(i)
		if err := e.Put(keys[i], value); err != nil {
			if err == engine.ErrEngineClosed {
				fmt.Fprintf(os.Stderr, "Engine closed during preparation\n")
				return "Mixed Benchmark Failed: Engine closed", BenchmarkResult{}
			}
			fmt.Fprintf(os.Stderr, "Write error during preparation: %v\n", err)
			return "Mixed Benchmark Failed: Error preparing data", BenchmarkResult{}
		}
	}

	fmt.Println("Running Mixed Benchmark (75% reads, 25% writes)...")
	start := time.Now()
	deadline := start.Add(*duration)

	var readOps, writeOps int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	keyCounter := len(keys)

	for time.Now().Before(deadline) {
		batchSize := 1000
		for i := 0; i < batchSize && time.Now().Before(deadline); i++ {
			// Decide operation: 75% reads, 25% writes
			if r.Float64() < 0.75 {
				// Read operation - random existing key
				idx := r.Intn(len(keys))

				_, err := e.Get(keys[idx])
				if err != nil && err != engine.ErrKeyNotFound {
					if err == engine.ErrEngineClosed {
						fmt.Fprintf(os.Stderr, "Engine closed, stopping benchmark\n")
						goto benchmarkEnd
					}
					fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
					continue
				}
				readOps++
			} else {
				// Write operation - new key
				key := generateKey(keyCounter)
				keyCounter++

				if err := e.Put(key, value); err != nil {
					if err == engine.ErrEngineClosed {
						fmt.Fprintf(os.Stderr, "Engine closed, stopping benchmark\n")
						goto benchmarkEnd
					}
					fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
					continue
				}
				writeOps++
			}
		}
	}

benchmarkEnd:
	elapsed := time.Since(start)
	totalOps := readOps + writeOps
	opsPerSecond := float64(totalOps) / elapsed.Seconds()
	readRatio := float64(readOps) / float64(totalOps) * 100
	writeRatio := float64(writeOps) / float64(totalOps) * 100

	result := fmt.Sprintf("\nMixed Benchmark Results:")
	result += fmt.Sprintf("\n  Total Operations: %d", totalOps)
	result += fmt.Sprintf("\n  Read Operations: %d (%.1f%%)", readOps, readRatio)
	result += fmt.Sprintf("\n  Write Operations: %d (%.1f%%)", writeOps, writeRatio)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec", opsPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)

	return result, BenchmarkResult{
		BenchmarkType: "mixed",
		NumKeys:       actualNumKeys,
		ValueSize:     *valueSize,
		Mode:          keyMode(),
		Operations:    totalOps,
		Duration:      elapsed.Seconds(),
		Throughput:    opsPerSecond,
		Latency:       1000000.0 / opsPerSecond,
		ReadRatio:     readRatio,
		WriteRatio:    writeRatio,
		Timestamp:     time.Now(),
	}
}
