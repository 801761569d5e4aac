// Package record implements the on-disk frame format for segment files.
//
// Every record is stored as a self-describing binary frame:
//
//	+----------------+------------+---------------+------------------+---------+
//	| Checksum (8B)  | Flags (1B) | Key (8B)      | Value Length (4B)| Value   |
//	+----------------+------------+---------------+------------------+---------+
//
// The checksum is a 64-bit xxHash over everything that follows it (flags,
// key, value length, and value). All integers are big-endian. The flags
// byte records the compression codec used for the value payload, so a
// segment written with one codec setting remains readable under another.
package record

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	// checksumSize is the size of the xxHash64 checksum prefix.
	checksumSize = 8
	// flagsSize is the size of the flags byte.
	flagsSize = 1
	// keySize is the size of the encoded key.
	keySize = 8
	// valueLenSize is the size of the value length field.
	valueLenSize = 4

	// HeaderSize is the fixed overhead of every frame, in bytes.
	HeaderSize = checksumSize + flagsSize + keySize + valueLenSize

	// MaxValueSize is the largest value payload a frame can carry. It is
	// sized so a complete frame length always fits in 32 bits.
	MaxValueSize = 1<<32 - 1 - HeaderSize
)

// Frame field offsets.
const (
	checksumOffset = 0
	flagsOffset    = checksumOffset + checksumSize
	keyOffset      = flagsOffset + flagsSize
	valueLenOffset = keyOffset + keySize
	valueOffset    = valueLenOffset + valueLenSize
)

var (
	// ErrCorruptRecord is returned when a frame fails structural or
	// checksum validation.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("value exceeds maximum record size")

	// ErrUnknownCompression is returned when a frame carries a compression
	// flag this build does not understand.
	ErrUnknownCompression = errors.New("unknown compression codec")
)

// Codec encodes key/value pairs into frames and decodes them back.
// It owns the compression policy (which algorithm, and the minimum value
// size worth compressing) and is safe for concurrent use.
type Codec struct {
	compression Compression
	minCompress int
	compressor  *Compressor
}

// NewCodec creates a codec that compresses values of at least minCompress
// bytes with the given algorithm. CompressionNone disables compression on
// the write path; decoding always honors whatever flag a frame carries.
func NewCodec(compression Compression, minCompress int) (*Codec, error) {
	if !compression.Valid() {
		return nil, errors.Wrapf(ErrUnknownCompression, "%d", compression)
	}
	if minCompress < 0 {
		minCompress = 0
	}

	// The compressor is always constructed, even for CompressionNone,
	// because existing segments may hold compressed frames.
	compressor, err := NewCompressor()
	if err != nil {
		return nil, err
	}

	return &Codec{
		compression: compression,
		minCompress: minCompress,
		compressor:  compressor,
	}, nil
}

// Compression returns the codec's write-path compression algorithm.
func (c *Codec) Compression() Compression {
	return c.compression
}

// Encode builds a complete frame for the given key and value. The returned
// slice is freshly allocated and owned by the caller.
func (c *Codec) Encode(key uint64, value []byte) ([]byte, error) {
	return c.EncodeTo(nil, key, value)
}

// EncodeTo appends a complete frame for the given key and value to buf and
// returns the extended slice. Reusing a buffer across calls avoids an
// allocation per record on the write path.
func (c *Codec) EncodeTo(buf []byte, key uint64, value []byte) ([]byte, error) {
	if len(value) > MaxValueSize {
		return buf, errors.Wrapf(ErrValueTooLarge, "%d bytes", len(value))
	}

	payload := value
	flags := CompressionNone

	if c.compression != CompressionNone && len(value) >= c.minCompress {
		compressed, err := c.compressor.Compress(value, c.compression)
		if err != nil {
			return buf, errors.Wrap(err, "compressing value")
		}
		// Only keep the compressed form when it actually wins.
		if len(compressed) < len(value) {
			payload = compressed
			flags = c.compression
		}
	}

	start := len(buf)
	if n := start + HeaderSize + len(payload); cap(buf) >= n {
		buf = buf[:n]
	} else {
		grown := make([]byte, n)
		copy(grown, buf[:start])
		buf = grown
	}

	frame := buf[start:]
	frame[flagsOffset] = byte(flags)
	binary.BigEndian.PutUint64(frame[keyOffset:], key)
	binary.BigEndian.PutUint32(frame[valueLenOffset:], uint32(len(payload)))
	copy(frame[valueOffset:], payload)
	binary.BigEndian.PutUint64(frame[checksumOffset:], xxhash.Sum64(frame[flagsOffset:]))

	return buf, nil
}

// Decode validates a complete frame and returns the key and value it
// carries. The returned value never aliases the input frame.
func (c *Codec) Decode(frame []byte) (uint64, []byte, error) {
	if len(frame) < HeaderSize {
		return 0, nil, errors.Wrapf(ErrCorruptRecord, "frame of %d bytes shorter than header", len(frame))
	}

	valueLen := binary.BigEndian.Uint32(frame[valueLenOffset:])
	if valueLen > MaxValueSize {
		return 0, nil, errors.Wrapf(ErrCorruptRecord, "declared value length %d exceeds maximum", valueLen)
	}
	if uint64(len(frame)) != HeaderSize+uint64(valueLen) {
		return 0, nil, errors.Wrapf(ErrCorruptRecord,
			"declared value length %d does not match frame of %d bytes", valueLen, len(frame))
	}

	stored := binary.BigEndian.Uint64(frame[checksumOffset:])
	if computed := xxhash.Sum64(frame[flagsOffset:]); computed != stored {
		return 0, nil, errors.Wrapf(ErrCorruptRecord,
			"checksum mismatch: stored %016x computed %016x", stored, computed)
	}

	flags := Compression(frame[flagsOffset])
	if !flags.Valid() {
		return 0, nil, errors.Wrapf(ErrUnknownCompression, "flags byte %#02x", frame[flagsOffset])
	}

	key := binary.BigEndian.Uint64(frame[keyOffset:])
	payload := frame[valueOffset:]

	if flags == CompressionNone {
		value := make([]byte, len(payload))
		copy(value, payload)
		return key, value, nil
	}

	value, err := c.compressor.Decompress(payload, flags)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrCorruptRecord, "decompressing value for key %d: %v", key, err)
	}
	return key, value, nil
}

// Close releases the codec's compression resources.
func (c *Codec) Close() error {
	return c.compressor.Close()
}

// Scanner reads consecutive frames from a segment file, validating each
// one. It is the replay primitive used during crash recovery: scanning
// stops cleanly at the end of the file, or with an error at the first
// frame that fails validation. Offset always reports the end of the last
// fully valid frame, which is the boundary recovery truncates to.
type Scanner struct {
	r         io.Reader
	remaining int64
	offset    int64
	header    [HeaderSize]byte
	buf       []byte
}

// NewScanner scans frames from r, which must deliver exactly size bytes.
// Knowing the total size up front lets the scanner reject a declared value
// length that overruns the file without attempting the allocation.
func NewScanner(r io.Reader, size int64) *Scanner {
	return &Scanner{r: r, remaining: size}
}

// Next reads and validates the next frame, returning its key and total
// encoded length. It returns io.EOF once the file ends exactly on a frame
// boundary. Any other error means the bytes from Offset onward are not a
// valid frame sequence.
func (s *Scanner) Next() (uint64, int, error) {
	if s.remaining == 0 {
		return 0, 0, io.EOF
	}
	if s.remaining < HeaderSize {
		return 0, 0, errors.Wrapf(ErrCorruptRecord,
			"%d trailing bytes at offset %d are shorter than a frame header", s.remaining, s.offset)
	}

	if _, err := io.ReadFull(s.r, s.header[:]); err != nil {
		return 0, 0, errors.Wrapf(ErrCorruptRecord, "reading frame header at offset %d: %v", s.offset, err)
	}

	flags := Compression(s.header[flagsOffset])
	if !flags.Valid() {
		return 0, 0, errors.Wrapf(ErrCorruptRecord,
			"invalid flags byte %#02x at offset %d", s.header[flagsOffset], s.offset)
	}

	valueLen := binary.BigEndian.Uint32(s.header[valueLenOffset:])
	if valueLen > MaxValueSize {
		return 0, 0, errors.Wrapf(ErrCorruptRecord,
			"frame at offset %d declares value length %d exceeding maximum", s.offset, valueLen)
	}
	frameLen := int64(HeaderSize) + int64(valueLen)
	if frameLen > s.remaining {
		return 0, 0, errors.Wrapf(ErrCorruptRecord,
			"frame at offset %d declares %d value bytes but only %d remain",
			s.offset, valueLen, s.remaining-HeaderSize)
	}

	if int(valueLen) > cap(s.buf) {
		s.buf = make([]byte, valueLen)
	}
	value := s.buf[:valueLen]
	if _, err := io.ReadFull(s.r, value); err != nil {
		return 0, 0, errors.Wrapf(ErrCorruptRecord, "reading %d value bytes at offset %d: %v", valueLen, s.offset, err)
	}

	stored := binary.BigEndian.Uint64(s.header[checksumOffset:])
	digest := xxhash.New()
	digest.Write(s.header[flagsOffset:])
	digest.Write(value)
	if computed := digest.Sum64(); computed != stored {
		return 0, 0, errors.Wrapf(ErrCorruptRecord,
			"checksum mismatch at offset %d: stored %016x computed %016x", s.offset, stored, computed)
	}

	key := binary.BigEndian.Uint64(s.header[keyOffset:])
	s.remaining -= frameLen
	s.offset += frameLen
	return key, int(frameLen), nil
}

// Offset returns the number of bytes consumed by fully valid frames so far.
func (s *Scanner) Offset() int64 {
	return s.offset
}
