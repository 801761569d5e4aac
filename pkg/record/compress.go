package record

import (
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Compression identifies the algorithm applied to a frame's value payload.
// The numeric values are written to disk in the frame flags byte and must
// never be reordered.
type Compression uint8

const (
	// CompressionNone stores the value verbatim.
	CompressionNone Compression = iota
	// CompressionSnappy compresses the value with snappy.
	CompressionSnappy
	// CompressionZstd compresses the value with zstandard.
	CompressionZstd
)

// Valid reports whether c is a compression algorithm this build knows.
func (c Compression) Valid() bool {
	return c <= CompressionZstd
}

// String returns the configuration name of the algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression maps a configuration string to a Compression value.
// The empty string selects CompressionNone.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, errors.Wrapf(ErrUnknownCompression, "%q", s)
	}
}

// Compressor provides compression and decompression for frame payloads.
// The zstd encoder and decoder are stateful and guarded by a mutex; snappy
// is stateless.
type Compressor struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	mu sync.Mutex
}

// NewCompressor creates a compressor with initialized codecs.
func NewCompressor() (*Compressor, error) {
	zstdEncoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd encoder")
	}

	zstdDecoder, err := zstd.NewReader(nil)
	if err != nil {
		zstdEncoder.Close()
		return nil, errors.Wrap(err, "creating zstd decoder")
	}

	return &Compressor{
		zstdEncoder: zstdEncoder,
		zstdDecoder: zstdDecoder,
	}, nil
}

// Compress compresses data using the given algorithm.
func (c *Compressor) Compress(data []byte, algo Compression) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch algo {
	case CompressionNone:
		return data, nil

	case CompressionSnappy:
		return snappy.Encode(nil, data), nil

	case CompressionZstd:
		if c.zstdEncoder == nil {
			return nil, errors.New("compressor is closed")
		}
		return c.zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, errors.Wrapf(ErrUnknownCompression, "%d", algo)
	}
}

// Decompress reverses Compress for the given algorithm.
func (c *Compressor) Decompress(data []byte, algo Compression) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch algo {
	case CompressionNone:
		return data, nil

	case CompressionSnappy:
		result, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrap(err, "snappy decode")
		}
		return result, nil

	case CompressionZstd:
		if c.zstdDecoder == nil {
			return nil, errors.New("compressor is closed")
		}
		result, err := c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd decode")
		}
		return result, nil

	default:
		return nil, errors.Wrapf(ErrUnknownCompression, "%d", algo)
	}
}

// Close releases the compressor's resources. The compressor must not be
// used after Close.
func (c *Compressor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.zstdEncoder != nil {
		c.zstdEncoder.Close()
		c.zstdEncoder = nil
	}

	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
		c.zstdDecoder = nil
	}

	return nil
}
