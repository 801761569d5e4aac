// Package segment implements the append-only files that hold a store's
// records. A segment couples one file with the KeyDir indexing it: appends
// go to the end of the file, lookups resolve through the index with a
// single positional read. A segment is either active (appendable) or
// sealed (read-only); sealing is one-way.
package segment

import (
	"bufio"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"

	"github.com/kilndb/kiln/pkg/keydir"
	"github.com/kilndb/kiln/pkg/record"
)

var (
	// ErrSegmentSealed is returned when appending to a sealed segment.
	ErrSegmentSealed = errors.New("segment is sealed")

	// ErrSegmentClosed is returned when using a closed segment.
	ErrSegmentClosed = errors.New("segment is closed")
)

// writeBufferSize is the bufio buffer in front of the segment file.
const writeBufferSize = 64 * 1024

// Segment is one append-only file plus its in-memory index. Appends are
// serialized by the caller holding a single writer; reads may come from
// any goroutine and go through an independent read handle, so they never
// interfere with the write path.
type Segment struct {
	id   uint64
	path string

	codec   *record.Codec
	logger  log.Logger
	metrics *Metrics

	idx *keydir.KeyDir

	mu     sync.Mutex
	file   *os.File      // write handle, nil once sealed
	writer *bufio.Writer // wraps file

	reader io.ReaderAt
	rc     io.Closer

	sealed atomic.Bool
	closed atomic.Bool

	recoveredRecords uint64
	truncatedBytes   uint64
}

// Create makes a new, empty, active segment file at path. The file must
// not already exist.
func Create(path string, id uint64, codec *record.Codec, logger log.Logger, metrics *Metrics) (*Segment, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating segment file %s", path)
	}

	reader, err := os.Open(path)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "opening read handle for segment %s", path)
	}

	s := &Segment{
		id:      id,
		path:    path,
		codec:   codec,
		logger:  logger,
		metrics: metrics,
		idx:     keydir.New(),
		file:    file,
		writer:  bufio.NewWriterSize(file, writeBufferSize),
		reader:  reader,
		rc:      reader,
	}

	level.Debug(logger).Log("msg", "created segment", "segment", path, "id", id)
	return s, nil
}

// Open opens an existing segment file, rebuilds its index by replaying
// every record, and truncates any invalid tail back to the last complete
// record. A writable segment keeps an append handle positioned at the
// end; a read-only segment is memory mapped for lookups and starts out
// sealed.
func Open(path string, id uint64, writable bool, codec *record.Codec, logger log.Logger, metrics *Metrics) (*Segment, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	s := &Segment{
		id:      id,
		path:    path,
		codec:   codec,
		logger:  logger,
		metrics: metrics,
		idx:     keydir.New(),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	if writable {
		file, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening segment %s for append", path)
		}
		if _, err := file.Seek(int64(s.idx.Cursor()), io.SeekStart); err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "seeking to end of segment %s", path)
		}
		reader, err := os.Open(path)
		if err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "opening read handle for segment %s", path)
		}
		s.file = file
		s.writer = bufio.NewWriterSize(file, writeBufferSize)
		s.reader = reader
		s.rc = reader
	} else {
		reader, err := mmap.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "mapping segment %s", path)
		}
		s.reader = reader
		s.rc = reader
		s.sealed.Store(true)
	}

	level.Debug(logger).Log("msg", "opened segment",
		"segment", path, "id", id, "records", s.idx.Len(), "bytes", s.idx.Cursor(), "writable", writable)
	return s, nil
}

// replay scans the file sequentially, indexing every valid record. The
// scan stops at the first frame that fails validation; everything after
// the last valid boundary is truncated away so the file ends exactly
// where the index does.
func (s *Segment) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrapf(err, "opening segment %s for replay", s.path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat segment %s", s.path)
	}
	size := info.Size()

	adviseSequential(f)

	s.idx.Reset()
	sc := record.NewScanner(bufio.NewReaderSize(f, writeBufferSize), size)
	for {
		key, n, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			dropped := size - sc.Offset()
			level.Warn(s.logger).Log("msg", "truncating invalid segment tail",
				"segment", s.path, "valid_bytes", sc.Offset(), "dropped_bytes", dropped, "err", err)

			if terr := os.Truncate(s.path, sc.Offset()); terr != nil {
				return errors.Wrapf(terr, "truncating segment %s to %d bytes", s.path, sc.Offset())
			}

			s.truncatedBytes = uint64(dropped)
			if s.metrics != nil {
				s.metrics.tailTruncations.Inc()
				s.metrics.truncatedBytes.Add(float64(dropped))
			}
			break
		}
		s.idx.Put(key, uint32(n))
		s.recoveredRecords++
	}

	return nil
}

// Append writes an already encoded frame to the end of the segment and
// makes it durable before publishing the index entry. A failed append
// rolls the file back to the last published boundary and leaves the index
// untouched, so readers can never observe the partial write.
func (s *Segment) Append(key uint64, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSegmentClosed
	}
	if s.sealed.Load() {
		return ErrSegmentSealed
	}

	if _, err := s.writer.Write(frame); err != nil {
		s.rollbackLocked()
		return errors.Wrapf(err, "writing record to segment %s", s.path)
	}
	if err := s.writer.Flush(); err != nil {
		s.rollbackLocked()
		return errors.Wrapf(err, "flushing segment %s", s.path)
	}

	start := time.Now()
	if err := s.file.Sync(); err != nil {
		s.rollbackLocked()
		return errors.Wrapf(err, "syncing segment %s", s.path)
	}
	if s.metrics != nil {
		s.metrics.fsyncDuration.Observe(time.Since(start).Seconds())
	}

	s.idx.Put(key, uint32(len(frame)))
	return nil
}

// rollbackLocked restores the file to the last published record boundary
// after a failed append. Best effort: if the truncate itself fails the
// index still only references durable bytes, and the stray tail will be
// dropped by replay on the next open.
func (s *Segment) rollbackLocked() {
	if s.metrics != nil {
		s.metrics.appendFailures.Inc()
	}

	cursor := int64(s.idx.Cursor())
	s.writer.Reset(s.file)

	if err := s.file.Truncate(cursor); err != nil {
		level.Warn(s.logger).Log("msg", "append rollback truncate failed",
			"segment", s.path, "offset", cursor, "err", err)
		return
	}
	if _, err := s.file.Seek(cursor, io.SeekStart); err != nil {
		level.Warn(s.logger).Log("msg", "append rollback seek failed",
			"segment", s.path, "offset", cursor, "err", err)
	}
}

// Read returns the latest value for key, or ok=false when this segment
// has no record of it. The returned slice is freshly allocated on every
// call.
func (s *Segment) Read(key uint64) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrSegmentClosed
	}

	entry, ok := s.idx.Get(key)
	if !ok {
		return nil, false, nil
	}

	frame := make([]byte, entry.Length)
	if _, err := s.reader.ReadAt(frame, int64(entry.Offset)); err != nil {
		return nil, false, errors.Wrapf(err, "reading record for key %d in segment %s", key, s.path)
	}

	k, value, err := s.codec.Decode(frame)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decoding record for key %d at offset %d in segment %s",
			key, entry.Offset, s.path)
	}
	if k != key {
		return nil, false, errors.Wrapf(record.ErrCorruptRecord,
			"segment %s: index entry for key %d resolves to record for key %d", s.path, key, k)
	}

	return value, true, nil
}

// Seal makes the segment read-only. Buffered bytes are flushed and synced
// and the write handle is released; the read handle is untouched so
// concurrent lookups keep working. Sealing a sealed segment is a no-op.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSegmentClosed
	}
	if s.sealed.Load() {
		return nil
	}

	if err := s.writer.Flush(); err != nil {
		return errors.Wrapf(err, "flushing segment %s", s.path)
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrapf(err, "syncing segment %s", s.path)
	}
	if err := s.file.Close(); err != nil {
		return errors.Wrapf(err, "closing write handle of segment %s", s.path)
	}
	s.file = nil
	s.writer = nil
	s.sealed.Store(true)

	level.Debug(s.logger).Log("msg", "sealed segment",
		"segment", s.path, "records", s.idx.Len(), "bytes", s.idx.Cursor())
	return nil
}

// Close releases all file handles. Closing twice is a no-op.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	var firstErr error
	if s.file != nil {
		if err := s.writer.Flush(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "flushing segment %s", s.path)
		}
		if err := s.file.Sync(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "syncing segment %s", s.path)
		}
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing segment %s", s.path)
		}
		s.file = nil
		s.writer = nil
	}
	if s.rc != nil {
		if err := s.rc.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing read handle of segment %s", s.path)
		}
		s.rc = nil
	}

	return firstErr
}

// ID returns the segment's sequence number.
func (s *Segment) ID() uint64 {
	return s.id
}

// Path returns the segment's file path.
func (s *Segment) Path() string {
	return s.path
}

// Size returns the number of bytes occupied by appended records,
// including superseded ones.
func (s *Segment) Size() uint64 {
	return s.idx.Cursor()
}

// Count returns the number of distinct keys in the segment.
func (s *Segment) Count() int {
	return s.idx.Len()
}

// Keys returns the distinct keys in the segment, in unspecified order.
func (s *Segment) Keys() []uint64 {
	return s.idx.Keys()
}

// Sealed reports whether the segment is read-only.
func (s *Segment) Sealed() bool {
	return s.sealed.Load()
}

// RecoveredRecords returns how many records replay indexed when the
// segment was opened. Zero for created segments.
func (s *Segment) RecoveredRecords() uint64 {
	return s.recoveredRecords
}

// TruncatedBytes returns how many bytes replay dropped from an invalid
// tail when the segment was opened. Zero for created segments.
func (s *Segment) TruncatedBytes() uint64 {
	return s.truncatedBytes
}
