// Package engine implements the public storage engine: a log-structured
// key/value store built from append-only segment files. Writes always go
// to the single active segment; once it reaches the configured size it is
// sealed and a fresh one takes over. Every segment keeps an in-memory
// index of its latest record per key, so a lookup probes the segments
// newest first and resolves with one positional read.
package engine

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilndb/kiln/pkg/config"
	"github.com/kilndb/kiln/pkg/record"
	"github.com/kilndb/kiln/pkg/segment"
	"github.com/kilndb/kiln/pkg/stats"
)

// Engine is a single-process storage engine over one data directory.
//
// Concurrency model: puts are serialized by an internal writer lock;
// gets run concurrently with each other and with puts, reading through a
// snapshot of the segment list that rotation replaces with one atomic
// pointer swap. Only Close excludes other operations.
type Engine struct {
	cfg     *config.Config
	prefix  string
	storeID string

	logger     log.Logger
	codec      *record.Codec
	metrics    *Metrics
	segMetrics *segment.Metrics
	stats      *stats.Collector

	// writeMu serializes the write path: appends, rotation and nextSeq.
	writeMu sync.Mutex
	nextSeq uint64

	// segments is the lookup order, newest first; index 0 is active.
	segments atomic.Pointer[[]*segment.Segment]

	// lifecycle keeps Close from releasing file handles under in-flight
	// operations: operations hold it shared, Close exclusively.
	lifecycle sync.RWMutex
	closed    atomic.Bool
}

// SegmentInfo describes one segment of an open engine.
type SegmentInfo struct {
	ID      uint64
	Path    string
	Records int
	Bytes   uint64
	Sealed  bool
}

// Open opens the store in cfg.DataDir, creating it if needed. Existing
// segment files are discovered by name, replayed oldest to newest to
// rebuild their indexes, and any invalid tail is truncated. The segment
// with the highest sequence number becomes the active one unless it has
// already reached the size threshold, in which case it is sealed and a
// fresh segment is started.
//
// logger and registerer may be nil, disabling logging and metrics.
func Open(cfg *config.Config, logger log.Logger, registerer prometheus.Registerer) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating data directory %s", cfg.DataDir)
	}

	manifest, err := config.LoadManifest(cfg.DataDir)
	if err != nil {
		if !errors.Is(err, config.ErrManifestNotFound) {
			return nil, err
		}
		manifest = config.NewManifest(cfg.FilePrefix)
		if err := manifest.Save(cfg.DataDir); err != nil {
			return nil, err
		}
		level.Info(logger).Log("msg", "initialized store",
			"dir", cfg.DataDir, "store_id", manifest.StoreID)
	}

	// Discovery must use the prefix the files were written with.
	if manifest.FilePrefix != cfg.FilePrefix {
		level.Warn(logger).Log("msg", "using file prefix from manifest",
			"manifest_prefix", manifest.FilePrefix, "config_prefix", cfg.FilePrefix)
	}

	compression, err := record.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	codec, err := record.NewCodec(compression, cfg.CompressionMinBytes)
	if err != nil {
		return nil, err
	}

	var engineReg, segmentReg prometheus.Registerer
	if registerer != nil {
		engineReg = prometheus.WrapRegistererWithPrefix("kiln_engine_", registerer)
		segmentReg = prometheus.WrapRegistererWithPrefix("kiln_segment_", registerer)
	}

	e := &Engine{
		cfg:        cfg,
		prefix:     manifest.FilePrefix,
		storeID:    manifest.StoreID,
		logger:     logger,
		codec:      codec,
		metrics:    NewMetrics(engineReg),
		segMetrics: segment.NewMetrics(segmentReg),
		stats:      stats.NewCollector(),
	}

	if err := e.loadSegments(); err != nil {
		e.closeSegments()
		codec.Close()
		return nil, err
	}

	e.stats.TrackOperation(stats.OpOpen)
	return e, nil
}

// OpenDir opens the store in dir with the default configuration and no
// logging or metrics. It is the quick path for tools and tests.
func OpenDir(dir string) (*Engine, error) {
	return Open(config.NewDefaultConfig(dir), nil, nil)
}

// loadSegments discovers segment files, replays them into memory and
// installs the initial lookup order.
func (e *Engine) loadSegments() error {
	recoveryStart := e.stats.StartRecovery()

	refs, skipped, err := segment.List(e.cfg.DataDir, e.prefix)
	if err != nil {
		return err
	}
	for _, name := range skipped {
		level.Warn(e.logger).Log("msg", "ignoring unparseable segment file", "file", name)
	}

	// Open ascending so replay happens oldest first, then flip the order
	// for newest-first lookups. Only the highest sequence stays writable.
	ascending := make([]*segment.Segment, 0, len(refs))
	var recovered, truncated uint64
	for i, ref := range refs {
		writable := i == len(refs)-1
		s, err := segment.Open(ref.Path, ref.Seq, writable, e.codec, e.logger, e.segMetrics)
		if err != nil {
			for _, open := range ascending {
				open.Close()
			}
			return errors.Wrapf(err, "opening segment %d", ref.Seq)
		}
		recovered += s.RecoveredRecords()
		truncated += s.TruncatedBytes()
		ascending = append(ascending, s)
	}

	segs := make([]*segment.Segment, len(ascending))
	for i, s := range ascending {
		segs[len(segs)-1-i] = s
	}

	e.nextSeq = 1
	if len(refs) > 0 {
		e.nextSeq = refs[len(refs)-1].Seq + 1
	}

	if len(segs) == 0 {
		fresh, err := e.createSegment()
		if err != nil {
			return err
		}
		segs = []*segment.Segment{fresh}
	} else if tail := segs[0]; tail.Size() >= e.cfg.SegmentMaxBytes {
		// The previous run crashed after filling the segment but before
		// rotating. Finish the job now.
		if err := tail.Seal(); err != nil {
			for _, s := range segs {
				s.Close()
			}
			return errors.Wrapf(err, "sealing full segment %d", tail.ID())
		}
		fresh, err := e.createSegment()
		if err != nil {
			for _, s := range segs {
				s.Close()
			}
			return err
		}
		segs = append([]*segment.Segment{fresh}, segs...)
		level.Info(e.logger).Log("msg", "sealed full segment at startup",
			"sealed_seq", tail.ID(), "sealed_bytes", tail.Size(), "active_seq", fresh.ID())
	}

	e.segments.Store(&segs)

	e.stats.FinishRecovery(recoveryStart, uint64(len(refs)), recovered, truncated)
	e.metrics.recoveredRecords.Add(float64(recovered))
	e.metrics.segmentsTotal.Set(float64(len(segs)))
	e.metrics.activeSegmentBytes.Set(float64(segs[0].Size()))

	level.Info(e.logger).Log("msg", "storage engine ready",
		"dir", e.cfg.DataDir, "segments", len(segs), "active_seq", segs[0].ID(),
		"recovered_records", recovered, "truncated_bytes", truncated)
	return nil
}

// createSegment makes the segment file for the next sequence number. The
// sequence is only consumed on success.
func (e *Engine) createSegment() (*segment.Segment, error) {
	path := filepath.Join(e.cfg.DataDir, segment.Filename(e.prefix, e.nextSeq))
	s, err := segment.Create(path, e.nextSeq, e.codec, e.logger, e.segMetrics)
	if err != nil {
		return nil, err
	}
	e.nextSeq++
	return s, nil
}

func (e *Engine) active() *segment.Segment {
	return (*e.segments.Load())[0]
}

// Put stores value under key. The record is durable on disk before Put
// returns; a later Put for the same key supersedes this one.
func (e *Engine) Put(key uint64, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()

	frame, err := e.codec.Encode(key, value)
	if err != nil {
		e.metrics.putFailures.Inc()
		e.stats.TrackError("put_error")
		return err
	}

	e.writeMu.Lock()
	active := e.active()

	// Rotate when the frame will not fit anymore. An empty active
	// segment always takes the frame, so an oversized record lands in a
	// segment of its own instead of rotating forever.
	if active.Size() > 0 && active.Size()+uint64(len(frame)) > e.cfg.SegmentMaxBytes {
		if active, err = e.rotateLocked(); err != nil {
			e.writeMu.Unlock()
			e.metrics.putFailures.Inc()
			e.stats.TrackError("rotate_error")
			return err
		}
	}

	err = active.Append(key, frame)
	if err == nil {
		e.metrics.activeSegmentBytes.Set(float64(active.Size()))
	}
	e.writeMu.Unlock()

	e.stats.TrackOperationWithLatency(stats.OpPut, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		e.metrics.putFailures.Inc()
		e.stats.TrackError("put_error")
		return err
	}

	e.metrics.puts.Inc()
	e.metrics.putDuration.Observe(time.Since(start).Seconds())
	e.stats.TrackBytes(true, uint64(len(frame)))
	return nil
}

// rotateLocked seals the active segment and installs a fresh one at the
// front of the lookup order. The new order is published with a single
// pointer swap, so concurrent readers see either the old list or the new
// one, never an intermediate state. Callers hold writeMu.
func (e *Engine) rotateLocked() (*segment.Segment, error) {
	old := e.active()

	fresh, err := e.createSegment()
	if err != nil {
		return nil, errors.Wrap(err, "creating segment for rotation")
	}

	// Every append was synced, so sealing only drops the write handle.
	// Lookups into the sealed segment keep working throughout.
	if err := old.Seal(); err != nil {
		level.Warn(e.logger).Log("msg", "sealing rotated segment failed",
			"segment", old.Path(), "err", err)
	}

	current := *e.segments.Load()
	next := make([]*segment.Segment, 0, len(current)+1)
	next = append(next, fresh)
	next = append(next, current...)
	e.segments.Store(&next)

	e.metrics.rotations.Inc()
	e.metrics.segmentsTotal.Set(float64(len(next)))
	e.stats.TrackOperation(stats.OpRotate)

	level.Info(e.logger).Log("msg", "rotated segment",
		"sealed_seq", old.ID(), "sealed_bytes", old.Size(), "active_seq", fresh.ID())
	return fresh, nil
}

// Get returns the most recent value stored under key, searching the
// segments newest first so an overwrite in a younger segment always wins
// over older records. The returned slice is owned by the caller.
func (e *Engine) Get(key uint64) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	start := time.Now()

	for _, s := range *e.segments.Load() {
		value, ok, err := s.Read(key)
		if err != nil {
			e.metrics.getFailures.Inc()
			e.stats.TrackError("get_error")
			return nil, err
		}
		if ok {
			e.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
			e.stats.TrackBytes(false, uint64(len(value)))
			e.metrics.gets.Inc()
			e.metrics.getDuration.Observe(time.Since(start).Seconds())
			return value, nil
		}
	}

	e.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	e.stats.TrackGetMiss()
	e.metrics.gets.Inc()
	e.metrics.getMisses.Inc()
	return nil, ErrKeyNotFound
}

// Keys returns every key with a readable value, in ascending order.
func (e *Engine) Keys() ([]uint64, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	seen := make(map[uint64]struct{})
	for _, s := range *e.segments.Load() {
		for _, key := range s.Keys() {
			seen[key] = struct{}{}
		}
	}

	keys := make([]uint64, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// Segments returns a snapshot of the current segment list, newest first.
func (e *Engine) Segments() []SegmentInfo {
	segs := e.segments.Load()
	if segs == nil {
		return nil
	}

	infos := make([]SegmentInfo, 0, len(*segs))
	for _, s := range *segs {
		infos = append(infos, SegmentInfo{
			ID:      s.ID(),
			Path:    s.Path(),
			Records: s.Count(),
			Bytes:   s.Size(),
			Sealed:  s.Sealed(),
		})
	}
	return infos
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	st := e.stats.GetStats()

	if segs := e.segments.Load(); segs != nil {
		var total uint64
		for _, s := range *segs {
			total += s.Size()
		}
		st["segment_count"] = len(*segs)
		st["total_bytes"] = total
		st["active_segment_seq"] = (*segs)[0].ID()
		st["active_segment_bytes"] = (*segs)[0].Size()
	}

	return st
}

// StoreID returns the stable identity of the store directory.
func (e *Engine) StoreID() string {
	return e.storeID
}

// Close flushes and closes every segment. Operations issued after Close
// return ErrEngineClosed; Close itself waits for in-flight operations to
// finish. Closing twice is a no-op.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	firstErr := e.closeSegments()
	if err := e.codec.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.stats.TrackOperation(stats.OpClose)
	level.Info(e.logger).Log("msg", "storage engine closed", "dir", e.cfg.DataDir)
	return firstErr
}

func (e *Engine) closeSegments() error {
	segs := e.segments.Load()
	if segs == nil {
		return nil
	}

	var firstErr error
	for _, s := range *segs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
