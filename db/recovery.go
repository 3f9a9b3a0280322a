package db

import (
	"os"

	"github.com/kessler-db/lsmkv/errs"
	"github.com/kessler-db/lsmkv/memtable"
	"github.com/kessler-db/lsmkv/sstable"
	"github.com/kessler-db/lsmkv/wal"
)

// recover rebuilds engine state from whatever is on disk: it replays WAL
// files into memtables, buckets them by whether their sstable flush had
// already started, and loads the sstable registry. It must run before the
// background workers start.
func (e *Engine) recover() error {
	recs, err := wal.Scan(e.opts.DataDir)
	if err != nil {
		return err
	}

	reg, err := sstable.LoadRegistry(e.opts.DataDir, e.log)
	if err != nil {
		return err
	}
	e.reg = reg

	var maxSeq uint64
	var writable []wal.Recovered
	for _, r := range recs {
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}

		if _, err := os.Stat(sstable.DataPath(e.opts.DataDir, r.ID)); err == nil {
			// A sibling sstable data file already exists: this WAL
			// describes a flush that almost completed. Keep it under its
			// original ID and retry the flush.
			mt := memtable.NewWithID(r.ID)
			replayInto(mt, r.Entries)
			e.flushing = append(e.flushing, &flushJob{mt: mt, walPath: r.Path})
			continue
		}

		// No matching sstable: this was (part of) the writable memtable.
		writable = append(writable, r)
	}

	// recs is ordered ascending by sequence number; replaying the writable
	// bucket in that same order into one fresh memtable makes a later
	// write for the same key naturally overwrite an earlier one, resolving
	// "which unflushed memtable's value wins" via recency.
	freshID := memtable.NewID()
	mt := memtable.NewWithID(freshID)
	for _, r := range writable {
		replayInto(mt, r.Entries)
	}
	e.mem = mt

	e.seq = maxSeq + 1
	nw, err := wal.Create(e.opts.DataDir, freshID, e.seq, e.opts.SyncOnWrite)
	if err != nil {
		return err
	}
	for _, ent := range mt.Entries() {
		if err := nw.Append(ent.Key, ent.Value); err != nil {
			return err
		}
	}

	for _, r := range writable {
		if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.IO, err, "db: remove recovered writable wal")
		}
	}

	e.w = nw

	return nil
}

func replayInto(mt *memtable.Memtable, entries []memtable.Entry) {
	for _, e := range entries {
		if e.Value.Tombstone {
			mt.Delete(e.Key)
		} else {
			mt.Insert(e.Key, e.Value.Bytes)
		}
	}
}
