// Package db assembles the memtable, WAL, sstable, and compaction tiers
// into a single embeddable key-value engine: the façade client code talks
// to.
package db

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kessler-db/lsmkv/compaction"
	"github.com/kessler-db/lsmkv/errs"
	"github.com/kessler-db/lsmkv/memtable"
	"github.com/kessler-db/lsmkv/sstable"
	"github.com/kessler-db/lsmkv/wal"
)

// flushJob is one sealed memtable handed off to the flush worker, along
// with the WAL it must delete once the memtable is safely on disk.
type flushJob struct {
	mt      *memtable.Memtable
	walPath string
}

// Engine is the embeddable LSM key-value store. One Engine owns one data
// directory; construct it with New.
type Engine struct {
	mu     sync.RWMutex
	closed bool

	opts Options
	log  *zap.SugaredLogger

	mem *memtable.Memtable
	w   *wal.WAL
	seq uint64 // sequence number stamped on the most recently created WAL

	// flushing holds sealed memtables not yet registered as sstables,
	// oldest first — get() must scan it newest first, i.e. back to front.
	flushing []*flushJob

	reg *sstable.Registry

	flushCh chan *flushJob
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New opens or creates an engine rooted at opts.DataDir, replaying any WAL
// files left behind by a previous run and spawning the flush worker and
// periodic compactor.
func New(opts Options) (*Engine, error) {
	opts.withDefaults()
	if opts.DataDir == "" {
		opts.DataDir = "."
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IO, err, "db: create data dir")
	}

	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		flushCh: make(chan *flushJob, 256),
		stopCh:  make(chan struct{}),
	}

	if err := e.recover(); err != nil {
		return nil, err
	}

	e.wg.Add(2)
	go e.flushLoop()
	go e.compactLoop()

	for _, job := range e.flushing {
		e.flushCh <- job
	}

	return e, nil
}

// Put durably appends (key, value) to the WAL and installs it into the
// writable memtable, sealing and rotating the memtable if it has grown
// past the configured threshold.
func (e *Engine) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if value == nil {
		value = []byte{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if err := e.w.Append(key, memtable.Live(value)); err != nil {
		return err
	}
	e.mem.Insert(key, value)

	if e.mem.Size() > e.opts.MemtableMaxCount {
		return e.sealAndRotateLocked()
	}
	return nil
}

// Delete durably appends a tombstone for key and installs it into the
// writable memtable.
func (e *Engine) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if err := e.w.Append(key, memtable.Deleted()); err != nil {
		return err
	}
	e.mem.Delete(key)

	if e.mem.Size() > e.opts.MemtableMaxCount {
		return e.sealAndRotateLocked()
	}
	return nil
}

// Get looks up key across the writable memtable, the flushing memtables
// (newest first), and the sstable registry, stopping at the first answer:
// a tombstone means definitively absent, a live value is returned as-is.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, false, ErrClosed
	}

	if v, ok := e.mem.Search(key); ok {
		if v.Tombstone {
			return nil, false, nil
		}
		return v.Bytes, true, nil
	}

	for i := len(e.flushing) - 1; i >= 0; i-- {
		if v, ok := e.flushing[i].mt.Search(key); ok {
			if v.Tombstone {
				return nil, false, nil
			}
			return v.Bytes, true, nil
		}
	}

	v, ok, err := e.reg.Find(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if v.Tombstone {
		return nil, false, nil
	}
	return v.Bytes, true, nil
}

// ForceFlush unconditionally seals and rotates the writable memtable and
// waits for the resulting sstable to be written and registered. It is a
// no-op if the writable memtable is empty.
func (e *Engine) ForceFlush() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.mem.Size() == 0 {
		e.mu.Unlock()
		return nil
	}
	job, err := e.sealLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	return e.flushOne(job)
}

// ForceCompact runs one compaction pass over every level immediately,
// ignoring CompactionThreshold.
func (e *Engine) ForceCompact() error {
	e.mu.RLock()
	dataDir := e.opts.DataDir
	blockSize := e.opts.SSTableBlockSize
	maxLevels := e.opts.CompactionMaxLevels
	reg := e.reg
	e.mu.RUnlock()

	_, err := compaction.RunAll(dataDir, reg, 0, maxLevels, blockSize, time.Now().UnixMilli(), e.log)
	return err
}

// sealLocked swaps in a fresh memtable and WAL and returns a flush job for
// the sealed one, already appended to e.flushing. It must be called with
// mu held; the caller decides how the job gets to flushOne.
func (e *Engine) sealLocked() (*flushJob, error) {
	sealed := e.mem
	sealedWALPath := e.w.Path()

	if err := e.w.Close(); err != nil {
		return nil, err
	}

	newID := memtable.NewID()
	e.seq++
	nw, err := wal.Create(e.opts.DataDir, newID, e.seq, e.opts.SyncOnWrite)
	if err != nil {
		return nil, err
	}

	e.mem = memtable.NewWithID(newID)
	e.w = nw

	job := &flushJob{mt: sealed, walPath: sealedWALPath}
	e.flushing = append(e.flushing, job)
	return job, nil
}

// sealAndRotateLocked seals the writable memtable and hands it to the
// flush worker asynchronously. Used by Put/Delete's automatic rotation,
// which must not block on a full flush. Must be called with mu held.
func (e *Engine) sealAndRotateLocked() error {
	job, err := e.sealLocked()
	if err != nil {
		return err
	}

	select {
	case e.flushCh <- job:
	default:
		// The flush worker is behind and the queue is full; hand the job
		// off asynchronously rather than block the caller holding the
		// engine lock.
		go func() {
			select {
			case e.flushCh <- job:
			case <-e.stopCh:
			}
		}()
	}

	return nil
}

// Close stops the background workers and closes the writable WAL. Sealed
// memtables that have not yet finished flushing are left on disk to be
// retried by the next New on this directory.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	walErr := e.w.Close()
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	return walErr
}
