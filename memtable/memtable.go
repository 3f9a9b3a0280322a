// Package memtable implements the ordered in-memory write buffer: a treap
// keyed by user key, storing either a live value or a tombstone per key.
package memtable

import (
	"math/rand"

	"github.com/google/uuid"
)

// Memtable is the mutable in-memory ordered key-value store described in
// §4.2. It is identified by a randomly chosen ID shared with its WAL and,
// once flushed, its sstable files.
type Memtable struct {
	ID string
	t  *treap
}

// New creates an empty memtable with a fresh random ID.
func New() *Memtable {
	return NewWithID(NewID())
}

// NewWithID creates an empty memtable with the given ID, used by recovery
// to rebuild a memtable under its original identity.
func NewWithID(id string) *Memtable {
	// #nosec G404 -- treap priorities need uniform randomness, not
	// cryptographic unpredictability; collisions only cost rebalancing.
	src := rand.New(rand.NewSource(int64(rand.Uint64())))
	return &Memtable{ID: id, t: newTreap(src)}
}

// NewID draws a 128-bit random identifier for a memtable/WAL/sstable
// triple. A 32-bit random decimal ID (the original's scheme) risks filename
// collisions; a UUID's collision probability is negligible, so a collision
// on file creation is treated as an invariant violation rather than
// retried (§9).
func NewID() string {
	return uuid.NewString()
}

// Insert installs value for key. An existing key is overwritten in place
// (size unchanged); a new key is inserted as a fresh node.
func (m *Memtable) Insert(key, value []byte) {
	m.t.upsert(key, Live(value))
}

// Delete marks key as tombstoned. The key remains present with a tombstone
// so overlay semantics across tiers work: a tombstone is a definitive
// answer, not an absence.
func (m *Memtable) Delete(key []byte) {
	m.t.upsert(key, Deleted())
}

// Search returns the record for key: (value, true) for a live record,
// (Value{Tombstone: true}, true) for a tombstone, (_, false) if the key was
// never inserted.
func (m *Memtable) Search(key []byte) (Value, bool) {
	return m.t.search(key)
}

// Size returns the number of distinct keys held (live or tombstoned).
func (m *Memtable) Size() int {
	return m.t.size()
}

// Iter returns a closure-style in-order iterator over (key, value) pairs.
// Call it repeatedly until ok is false.
func (m *Memtable) Iter() func() (Entry, bool) {
	it := m.t.iter()
	return it.next
}

// Entries materializes the full in-order key stream. Used by the sstable
// writer and by tests; callers that only need to stream once should prefer
// Iter to avoid the allocation.
func (m *Memtable) Entries() []Entry {
	out := make([]Entry, 0, m.Size())
	next := m.Iter()
	for {
		e, ok := next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}
