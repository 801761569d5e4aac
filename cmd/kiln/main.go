package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/chzyer/readline"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilndb/kiln/pkg/config"
	"github.com/kilndb/kiln/pkg/engine"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".segments"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("KEYS"),
)

const helpText = `
Kiln (kiln) - An append-only, log-structured key-value store.

Usage:
  kiln [options] [data_dir]       - Start with an optional data directory

Options:
  -config string          - Load settings from a YAML or JSON file
  -segment-size uint      - Rotate segments once they would exceed this many bytes
  -compression string     - Compress stored values: none, snappy or zstd
  -log-level string       - Engine log verbosity: debug, info, warn or error

Commands (interactive mode only):
  .help                   - Show this help message
  .open PATH              - Open a store at PATH
  .close                  - Close the current store
  .exit                   - Exit the program
  .stats                  - Show store statistics
  .segments               - List the store's segment files

  PUT key value           - Store a value under a numeric key
  GET key                 - Retrieve the value for a numeric key
  KEYS                    - List every key in the store
`

// cliOptions holds the command line configuration
type cliOptions struct {
	ConfigFile  string
	DataDir     string
	SegmentSize uint64
	Compression string
	LogLevel    string
}

func main() {
	opts := parseFlags()

	var eng *engine.Engine
	var dataDir string

	if opts.DataDir != "" || opts.ConfigFile != "" {
		cfg, err := buildConfig(opts, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
			os.Exit(1)
		}
		dataDir = cfg.DataDir

		fmt.Printf("Opening store at %s\n", dataDir)
		eng, err = engine.Open(cfg, newLogger(cfg.LogLevel), prometheus.NewRegistry())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
			os.Exit(1)
		}
		defer eng.Close()
	}

	runInteractive(eng, dataDir, opts)
}

// parseFlags parses command line flags and returns the CLI options
func parseFlags() cliOptions {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Kiln - An append-only key-value store\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: kiln [options] [data_dir]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Kiln runs an interactive command-line session against a store directory.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nInteractive commands:\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  PUT key value           - Store a value under a numeric key\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  GET key                 - Retrieve the value for a numeric key\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  KEYS                    - List every key in the store\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  .help                   - Show detailed help\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  .exit                   - Exit the program\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "For more details, start kiln and type .help\n")
	}

	configFile := flag.String("config", "", "Load settings from a YAML or JSON file")
	segmentSize := flag.Uint64("segment-size", 0, "Rotate segments once they would exceed this many bytes")
	compression := flag.String("compression", "", "Compress stored values: none, snappy or zstd")
	logLevel := flag.String("log-level", "", "Engine log verbosity: debug, info, warn or error")

	flag.Parse()

	var dataDir string
	if flag.NArg() > 0 {
		dataDir = flag.Arg(0)
	}

	return cliOptions{
		ConfigFile:  *configFile,
		DataDir:     dataDir,
		SegmentSize: *segmentSize,
		Compression: *compression,
		LogLevel:    *logLevel,
	}
}

// buildConfig resolves the effective configuration: the config file first,
// then flag overrides, then an explicit directory override.
func buildConfig(opts cliOptions, dir string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if opts.ConfigFile != "" {
		cfg, err = config.LoadFile(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.NewDefaultConfig(opts.DataDir)
	}

	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if dir != "" {
		cfg.DataDir = dir
	}
	if opts.SegmentSize > 0 {
		cfg.SegmentMaxBytes = opts.SegmentSize
	}
	if opts.Compression != "" {
		cfg.Compression = opts.Compression
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	return cfg, nil
}

// newLogger builds a logfmt logger filtered to the configured level.
func newLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	switch logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

// runInteractive starts the interactive CLI mode
func runInteractive(eng *engine.Engine, dataDir string, opts cliOptions) {
	fmt.Println("Kiln (kiln) version 0.1.0")
	fmt.Println("Enter .help for usage hints.")

	// Setup readline with history support
	historyFile := filepath.Join(os.TempDir(), ".kiln_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "kiln> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		// Update prompt based on current state
		if dataDir != "" {
			rl.SetPrompt(fmt.Sprintf("kiln:%s> ", dataDir))
		} else {
			rl.SetPrompt("kiln> ")
		}

		// Read command
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				} else {
					continue
				}
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		// Line is already trimmed by readline
		if line == "" {
			continue
		}

		// Process command
		parts := strings.Fields(line)
		cmd := strings.ToUpper(parts[0])

		// Special dot commands
		if strings.HasPrefix(cmd, ".") {
			cmd = strings.ToLower(cmd)
			switch cmd {
			case ".help":
				fmt.Print(helpText)

			case ".open":
				if len(parts) < 2 {
					fmt.Println("Error: Missing path argument")
					continue
				}

				// Close any existing engine
				if eng != nil {
					eng.Close()
				}

				cfg, cfgErr := buildConfig(opts, parts[1])
				if cfgErr != nil {
					fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", cfgErr)
					eng = nil
					dataDir = ""
					continue
				}

				eng, err = engine.Open(cfg, newLogger(cfg.LogLevel), prometheus.NewRegistry())
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
					eng = nil
					dataDir = ""
					continue
				}
				dataDir = cfg.DataDir
				fmt.Printf("Store opened at %s\n", dataDir)

			case ".close":
				if eng == nil {
					fmt.Println("No store open")
					continue
				}

				err = eng.Close()
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error closing store: %s\n", err)
				} else {
					fmt.Printf("Store %s closed\n", dataDir)
					eng = nil
					dataDir = ""
				}

			case ".exit":
				if eng != nil {
					eng.Close()
				}
				fmt.Println("Goodbye!")
				return

			case ".stats":
				if eng == nil {
					fmt.Println("No store open")
					continue
				}
				printStats(eng.Stats())

			case ".segments":
				if eng == nil {
					fmt.Println("No store open")
					continue
				}

				infos := eng.Segments()
				var total uint64
				for _, info := range infos {
					state := "sealed"
					if !info.Sealed {
						state = "active"
					}
					fmt.Printf("  %10d  %-6s  %8d records  %12d bytes  %s\n",
						info.ID, state, info.Records, info.Bytes, filepath.Base(info.Path))
					total += info.Bytes
				}
				fmt.Printf("%d segments, %d bytes total\n", len(infos), total)

			default:
				fmt.Printf("Unknown command: %s\n", cmd)
			}
			continue
		}

		// Regular commands
		switch cmd {
		case "PUT":
			if len(parts) < 3 {
				fmt.Println("Error: PUT requires key and value arguments")
				continue
			}
			if eng == nil {
				fmt.Println("Error: No store open")
				continue
			}

			key, keyErr := parseKey(parts[1])
			if keyErr != nil {
				fmt.Printf("Error: %s\n", keyErr)
				continue
			}

			err = eng.Put(key, []byte(strings.Join(parts[2:], " ")))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error putting value: %s\n", err)
			} else {
				fmt.Println("Value stored")
			}

		case "GET":
			if len(parts) < 2 {
				fmt.Println("Error: GET requires a key argument")
				continue
			}
			if eng == nil {
				fmt.Println("Error: No store open")
				continue
			}

			key, keyErr := parseKey(parts[1])
			if keyErr != nil {
				fmt.Printf("Error: %s\n", keyErr)
				continue
			}

			val, err := eng.Get(key)
			if err != nil {
				if err == engine.ErrKeyNotFound {
					fmt.Println("Key not found")
				} else {
					fmt.Fprintf(os.Stderr, "Error getting value: %s\n", err)
				}
			} else {
				fmt.Printf("%s\n", val)
			}

		case "KEYS":
			if eng == nil {
				fmt.Println("Error: No store open")
				continue
			}

			keys, err := eng.Keys()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing keys: %s\n", err)
				continue
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			fmt.Printf("%d keys found\n", len(keys))

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}

// parseKey converts a command argument into a numeric key.
func parseKey(arg string) (uint64, error) {
	key, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q: keys are unsigned integers", arg)
	}
	return key, nil
}

// printStats renders the engine statistics map for the .stats command.
func printStats(stats map[string]interface{}) {
	// Helper function to safely get a uint64 value with default
	getUint64 := func(m map[string]interface{}, key string, defaultVal uint64) uint64 {
		if val, ok := m[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case int:
				return uint64(v)
			case float64:
				return uint64(v)
			default:
				return defaultVal
			}
		}
		return defaultVal
	}

	// Format human-readable time for the last operation timestamps
	var lastPutTime, lastGetTime time.Time
	if putTime, ok := stats["last_put_time"].(int64); ok && putTime > 0 {
		lastPutTime = time.Unix(0, putTime)
	}
	if getTime, ok := stats["last_get_time"].(int64); ok && getTime > 0 {
		lastGetTime = time.Unix(0, getTime)
	}

	// Operations section
	fmt.Println("📊 Operations:")
	fmt.Printf("  • Puts: %d\n", getUint64(stats, "put_ops", 0))
	fmt.Printf("  • Gets: %d (Misses: %d)\n", getUint64(stats, "get_ops", 0), getUint64(stats, "get_misses", 0))
	fmt.Printf("  • Rotations: %d\n", getUint64(stats, "rotate_ops", 0))

	// Last Operation Times
	fmt.Println("\n⏱️ Last Operation Times:")
	if !lastPutTime.IsZero() {
		fmt.Printf("  • Last Put: %s\n", lastPutTime.Format(time.RFC3339))
	} else {
		fmt.Printf("  • Last Put: Never\n")
	}
	if !lastGetTime.IsZero() {
		fmt.Printf("  • Last Get: %s\n", lastGetTime.Format(time.RFC3339))
	} else {
		fmt.Printf("  • Last Get: Never\n")
	}

	// Latency statistics if available
	if latency, ok := stats["put_latency"].(map[string]interface{}); ok {
		fmt.Println("\n⚡ Latency (avg):")
		if avgNs, ok := latency["avg_ns"].(uint64); ok {
			fmt.Printf("  • Put avg: %.3f ms\n", float64(avgNs)/1000000.0)
		}
		if getLatency, ok := stats["get_latency"].(map[string]interface{}); ok {
			if avgNs, ok := getLatency["avg_ns"].(uint64); ok {
				fmt.Printf("  • Get avg: %.3f ms\n", float64(avgNs)/1000000.0)
			}
		}
	}

	// Storage metrics
	fmt.Println("\n💾 Storage:")
	fmt.Printf("  • Total Bytes Read: %d\n", getUint64(stats, "total_bytes_read", 0))
	fmt.Printf("  • Total Bytes Written: %d\n", getUint64(stats, "total_bytes_written", 0))

	// Segment layout
	fmt.Println("\n📋 Segments:")
	fmt.Printf("  • Segment Count: %d\n", getUint64(stats, "segment_count", 0))
	fmt.Printf("  • Active Segment: %d (%d bytes)\n",
		getUint64(stats, "active_segment_seq", 0), getUint64(stats, "active_segment_bytes", 0))
	fmt.Printf("  • Total Bytes: %d\n", getUint64(stats, "total_bytes", 0))

	// Get recovery stats from the nested map if available
	if recoveryMap, ok := stats["recovery"].(map[string]interface{}); ok {
		fmt.Println("\n🔄 Recovery:")
		fmt.Printf("  • Segments Scanned: %d\n", getUint64(recoveryMap, "segments_scanned", 0))
		fmt.Printf("  • Records Recovered: %d\n", getUint64(recoveryMap, "records_recovered", 0))
		fmt.Printf("  • Bytes Truncated: %d\n", getUint64(recoveryMap, "bytes_truncated", 0))

		if durationMs, ok := recoveryMap["duration_ms"]; ok {
			switch v := durationMs.(type) {
			case int64:
				fmt.Printf("  • Recovery Duration: %d ms\n", v)
			case uint64:
				fmt.Printf("  • Recovery Duration: %d ms\n", v)
			case int:
				fmt.Printf("  • Recovery Duration: %d ms\n", v)
			case float64:
				fmt.Printf("  • Recovery Duration: %.0f ms\n", v)
			}
		}
	}

	// Error counts from the nested errors map
	if errorsMap, ok := stats["errors"].(map[string]uint64); ok && len(errorsMap) > 0 {
		fmt.Println("\n⚠️ Errors:")
		for errType, count := range errorsMap {
			displayKey := toTitle(strings.Replace(errType, "_", " ", -1))
			fmt.Printf("  • %s: %d\n", displayKey, count)
		}
	}
}

// toTitle replaces strings.Title which is deprecated
// It converts the first character of each word to title case
func toTitle(s string) string {
	prev := ' '
	return strings.Map(
		func(r rune) rune {
			if unicode.IsSpace(prev) || unicode.IsPunct(prev) {
				prev = r
				return unicode.ToTitle(r)
			}
			prev = r
			return r
		},
		s)
}
