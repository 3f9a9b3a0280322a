package sstable

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kessler-db/lsmkv/memtable"
)

// Registry tracks every sstable currently on disk, newest first, and
// serializes the mutations compaction and flush make to that set.
type Registry struct {
	mu     sync.RWMutex
	tables []*Table
	logger *zap.SugaredLogger
}

// NewRegistry returns an empty registry. The engine builds its registry
// with LoadRegistry; this constructor is used by tests.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{logger: logger}
}

// Tables returns a newest-first snapshot of the registered tables.
func (r *Registry) Tables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Table, len(r.tables))
	copy(out, r.tables)
	return out
}

// TablesAtLevel returns the newest-first subset of tables at level.
func (r *Registry) TablesAtLevel(level int) []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Table
	for _, t := range r.tables {
		if t.Level == level {
			out = append(out, t)
		}
	}
	return out
}

// MaxLevel returns the highest level currently populated, or -1 if empty.
func (r *Registry) MaxLevel() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := -1
	for _, t := range r.tables {
		if t.Level > max {
			max = t.Level
		}
	}
	return max
}

// Add registers a newly written table, placing it at the front of the
// newest-first ordering.
func (r *Registry) Add(t *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append([]*Table{t}, r.tables...)
}

// Remove unregisters the table with the given id, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tables {
		if t.ID == id {
			r.tables = append(r.tables[:i], r.tables[i+1:]...)
			return
		}
	}
}

// Find looks up key across every registered table, newest first, and
// returns the answer of the first table that holds the key — live value or
// tombstone — since the newest table to mention a key is authoritative
// (§4.5). A table without the key passes the lookup on to the next one.
func (r *Registry) Find(key []byte) (memtable.Value, bool, error) {
	for _, t := range r.Tables() {
		v, ok, err := t.Find(key)
		if err != nil {
			return memtable.Value{}, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return memtable.Value{}, false, nil
}
