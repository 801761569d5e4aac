// Package keydir provides the in-memory index of a single segment file.
// It maps each key to the byte position of the most recent record written
// for that key, which is what makes point lookups independent of segment
// size. Every segment owns exactly one KeyDir; instances are never shared.
package keydir

import "sync"

// Entry locates one record inside a segment file.
type Entry struct {
	// Offset is the byte position of the frame's first byte.
	Offset uint64
	// Length is the total encoded frame length in bytes.
	Length uint32
}

// KeyDir tracks the latest record position for every key appended to one
// segment, along with a cursor marking the end of the indexed bytes. It is
// safe for concurrent use; the append path has a single writer while reads
// may come from any goroutine.
type KeyDir struct {
	mu      sync.RWMutex
	entries map[uint64]Entry
	cursor  uint64
}

// New returns an empty KeyDir with the cursor at zero.
func New() *KeyDir {
	return &KeyDir{
		entries: make(map[uint64]Entry),
	}
}

// Put records that the latest value for key starts at the current cursor
// with the given encoded length, then advances the cursor past the record.
// A repeated key simply overwrites its entry; the superseded record keeps
// occupying file bytes but becomes unreachable.
func (k *KeyDir) Put(key uint64, length uint32) Entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry := Entry{Offset: k.cursor, Length: length}
	k.entries[key] = entry
	k.cursor += uint64(length)
	return entry
}

// Get returns the location of the latest record for key.
func (k *KeyDir) Get(key uint64) (Entry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entry, ok := k.entries[key]
	return entry, ok
}

// Cursor returns the total number of bytes occupied by appended records,
// including records that were later superseded.
func (k *KeyDir) Cursor() uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.cursor
}

// Len returns the number of distinct keys indexed.
func (k *KeyDir) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.entries)
}

// Keys returns the indexed keys in unspecified order.
func (k *KeyDir) Keys() []uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]uint64, 0, len(k.entries))
	for key := range k.entries {
		keys = append(keys, key)
	}
	return keys
}

// Reset drops every entry and rewinds the cursor to zero. It is used when
// a segment is about to be re-indexed by a full replay.
func (k *KeyDir) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.entries = make(map[uint64]Entry)
	k.cursor = 0
}
