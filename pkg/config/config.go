// Package config defines the storage engine configuration and the MANIFEST
// file that identifies a store directory on disk.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

const (
	// DefaultFilePrefix names segment files <prefix>_<sequence>.seg.
	DefaultFilePrefix = "kiln"

	// DefaultSegmentMaxBytes is the rotation threshold for the active
	// segment file.
	DefaultSegmentMaxBytes = 64 * 1024 * 1024 // 64MB

	// DefaultCompressionMinBytes is the smallest value considered worth
	// compressing.
	DefaultCompressionMinBytes = 512
)

// Config holds the tunable parameters of a store. The zero value is not
// usable; construct with NewDefaultConfig or LoadFile.
type Config struct {
	// DataDir is the directory holding segment files and the MANIFEST.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// FilePrefix is the segment filename prefix.
	FilePrefix string `json:"file_prefix" yaml:"file_prefix"`

	// SegmentMaxBytes is the size threshold that triggers rotation of the
	// active segment.
	SegmentMaxBytes uint64 `json:"segment_max_bytes" yaml:"segment_max_bytes"`

	// Compression selects the value compression codec: "none", "snappy"
	// or "zstd".
	Compression string `json:"compression" yaml:"compression"`

	// CompressionMinBytes is the minimum value size the codec will try to
	// compress. Smaller values are stored raw.
	CompressionMinBytes int `json:"compression_min_bytes" yaml:"compression_min_bytes"`

	// LogLevel filters engine logging: "debug", "info", "warn" or "error".
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// NewDefaultConfig creates a configuration with recommended defaults for
// the given data directory.
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:             dataDir,
		FilePrefix:          DefaultFilePrefix,
		SegmentMaxBytes:     DefaultSegmentMaxBytes,
		Compression:         "none",
		CompressionMinBytes: DefaultCompressionMinBytes,
		LogLevel:            "info",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory not specified", ErrInvalidConfig)
	}

	if c.FilePrefix == "" {
		return fmt.Errorf("%w: file prefix not specified", ErrInvalidConfig)
	}

	if strings.ContainsAny(c.FilePrefix, `/\`) {
		return fmt.Errorf("%w: file prefix %q contains a path separator", ErrInvalidConfig, c.FilePrefix)
	}

	if c.SegmentMaxBytes == 0 {
		return fmt.Errorf("%w: segment max bytes must be positive", ErrInvalidConfig)
	}

	switch c.Compression {
	case "", "none", "snappy", "zstd":
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Compression)
	}

	if c.CompressionMinBytes < 0 {
		return fmt.Errorf("%w: compression min bytes must not be negative", ErrInvalidConfig)
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.LogLevel)
	}

	return nil
}

// LoadFile reads a configuration from a YAML or JSON file, chosen by the
// file extension, and fills unset fields with defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, filepath.Ext(path))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.FilePrefix == "" {
		c.FilePrefix = DefaultFilePrefix
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.CompressionMinBytes == 0 {
		c.CompressionMinBytes = DefaultCompressionMinBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
