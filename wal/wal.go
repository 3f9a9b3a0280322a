// Package wal implements the per-memtable write-ahead log: one append-only
// file per live memtable, fsync'd on every record so a write is never
// acknowledged before it is durable.
package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kessler-db/lsmkv/errs"
	"github.com/kessler-db/lsmkv/memtable"
)

// tombstoneFlag marks a record as a deletion; the authoritative layout
// places both lengths in a fixed header ahead of the variable payload. The
// source's other historical layout, interleaving fields, is not detected:
// the file header carries no layout marker, so replay parses every file as
// this layout.
const tombstoneFlag = 1 << 6

const headerLen = 8 // file-level monotonic sequence number

// WAL is the append-only log for one memtable, named wal-<id> in data_dir.
type WAL struct {
	id   string
	path string
	seq  uint64
	f    *os.File
	sync bool
}

// filename returns the on-disk name for the WAL belonging to memtable id.
func filename(id string) string { return "wal-" + id }

// Path returns the WAL's file path under dir for id.
func Path(dir, id string) string { return filepath.Join(dir, filename(id)) }

// Create opens a brand-new WAL file for memtable id, failing if one already
// exists (file-exists on WAL creation is an invariant violation: memtable
// IDs must not collide). seq is the engine-assigned monotonically
// increasing sequence number stamped into the file header, used to order
// multiple unflushed WALs during recovery. sync controls whether Append
// fsyncs after every record; the engine passes Options.SyncOnWrite, which
// DefaultOptions sets to true and the CLI's --sync flag can turn off.
func Create(dir, id string, seq uint64, sync bool) (*WAL, error) {
	path := Path(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.Wrapf(errs.Invariant, err, "wal: memtable id collision creating %s", path)
		}
		return nil, errs.Wrap(errs.IO, err, "wal: create")
	}

	var hdr [headerLen]byte
	binary.BigEndian.PutUint64(hdr[:], seq)
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return nil, errs.Wrap(errs.IO, err, "wal: write header")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, errs.Wrap(errs.IO, err, "wal: sync header")
	}

	return &WAL{id: id, path: path, seq: seq, f: f, sync: sync}, nil
}

// ID returns the memtable ID this WAL belongs to.
func (w *WAL) ID() string { return w.id }

// Path returns the WAL's file path on disk.
func (w *WAL) Path() string { return w.path }

// Append writes one record and, unless the WAL was created with sync
// false, fsyncs before returning so the caller may treat the write as
// durable the moment Append returns without error.
func (w *WAL) Append(key []byte, value memtable.Value) error {
	var flags byte
	if value.Tombstone {
		flags = tombstoneFlag
	}
	valBytes := value.Bytes
	if value.Tombstone {
		valBytes = nil
	}

	var hdr [9]byte
	hdr[0] = flags
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(key)))
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(valBytes)))

	if _, err := w.f.Write(hdr[:]); err != nil {
		return errs.Wrap(errs.IO, err, "wal: append header")
	}
	if _, err := w.f.Write(key); err != nil {
		return errs.Wrap(errs.IO, err, "wal: append key")
	}
	if len(valBytes) > 0 {
		if _, err := w.f.Write(valBytes); err != nil {
			return errs.Wrap(errs.IO, err, "wal: append value")
		}
	}
	if w.sync {
		if err := w.f.Sync(); err != nil {
			return errs.Wrap(errs.IO, err, "wal: fsync")
		}
	}
	return nil
}

// Close closes the underlying file without deleting it.
func (w *WAL) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	return w.f.Close()
}

// Delete closes and removes the WAL file. Called only after the
// corresponding sstable has been fully written and registered.
func (w *WAL) Delete() error {
	if err := w.Close(); err != nil {
		return errs.Wrap(errs.IO, err, "wal: close before delete")
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IO, err, "wal: delete")
	}
	return nil
}

// Recovered is one WAL file found on disk at startup, replayed into an
// in-memory entry stream but not yet installed anywhere.
type Recovered struct {
	ID      string
	Seq     uint64
	Path    string
	Entries []memtable.Entry
}

// Scan enumerates every wal-* file in dir, replays it, and returns the
// results ordered ascending by sequence number — the order recovery must
// replay them in so that "newest wins" resolves correctly when two
// unflushed memtables touch the same key (§9 recovery-ambiguity resolution).
func Scan(dir string) ([]Recovered, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.IO, err, "wal: scan dir")
	}

	var out []Recovered
	for _, e := range ents {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "wal-") {
			continue
		}
		id := strings.TrimPrefix(e.Name(), "wal-")
		path := filepath.Join(dir, e.Name())
		seq, entries, err := replay(path)
		if err != nil {
			return nil, errs.Wrapf(errs.Corruption, err, "wal: replay %s", path)
		}
		out = append(out, Recovered{ID: id, Seq: seq, Path: path, Entries: entries})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// replay reads one WAL file's header and records. A truncated final
// record (the common shape of a crash mid-append) is tolerated: recovery
// stops at the first incomplete record rather than failing the whole scan.
func replay(path string) (uint64, []memtable.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)

	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	seq := binary.BigEndian.Uint64(hdr[:])

	var entries []memtable.Entry
	for {
		var rhdr [9]byte
		if _, err := io.ReadFull(r, rhdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return seq, entries, nil
			}
			return seq, entries, err
		}
		flags := rhdr[0]
		keyLen := binary.BigEndian.Uint32(rhdr[1:5])
		valLen := binary.BigEndian.Uint32(rhdr[5:9])

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return seq, entries, nil
			}
			return seq, entries, err
		}

		tombstone := flags&tombstoneFlag != 0
		var value memtable.Value
		if tombstone {
			value = memtable.Deleted()
		} else {
			val := make([]byte, valLen)
			if _, err := io.ReadFull(r, val); err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return seq, entries, nil
				}
				return seq, entries, err
			}
			value = memtable.Live(val)
		}

		entries = append(entries, memtable.Entry{Key: key, Value: value})
	}
}
