// Package sstable implements the on-disk sorted-string table tier: a
// block-paged, flate-compressed data file paired with a YAML sidecar
// metadata file holding the block index and membership filter.
package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kessler-db/lsmkv/errs"
	"github.com/kessler-db/lsmkv/memtable"
)

// Table is one flushed or compacted sstable: its identity, level, and
// parsed metadata.
type Table struct {
	ID       string
	Level    int
	DataPath string
	MetaPath string
	Meta     *TableMeta
}

// LoadTable parses id's metadata file and pairs it with its data path.
// It does not read the data file's contents.
func LoadTable(dir, id string) (*Table, error) {
	metaPath := MetaPath(dir, id)
	f, err := os.Open(metaPath)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "sstable: open meta")
	}
	defer func() { _ = f.Close() }()

	var meta TableMeta
	if err := yaml.NewDecoder(f).Decode(&meta); err != nil {
		return nil, errs.Wrapf(errs.Corruption, err, "sstable: decode meta for %s", id)
	}

	return &Table{
		ID:       id,
		Level:    meta.Level,
		DataPath: DataPath(dir, id),
		MetaPath: metaPath,
		Meta:     &meta,
	}, nil
}

// Find looks up key within t. ok is false only when the key is entirely
// absent from this table; a tombstone is returned with ok true, since a
// tombstone is a definitive per-table answer.
func (t *Table) Find(key []byte) (memtable.Value, bool, error) {
	if t.Meta.Filter != nil && !t.Meta.Filter.MaybeContains(key) {
		return memtable.Value{}, false, nil
	}

	blocks := t.Meta.Blocks
	if len(blocks) == 0 || bytes.Compare(key, blocks[0].StartKey) < 0 {
		return memtable.Value{}, false, nil
	}

	idx := sort.Search(len(blocks), func(i int) bool {
		return bytes.Compare(blocks[i].StartKey, key) > 0
	}) - 1
	if idx < 0 {
		return memtable.Value{}, false, nil
	}
	block := blocks[idx]

	entries, err := readBlock(t.DataPath, block)
	if err != nil {
		return memtable.Value{}, false, err
	}

	for _, e := range entries {
		if bytes.Equal(e.Key, key) {
			return e.Value, true, nil
		}
	}
	return memtable.Value{}, false, nil
}

// readBlock seeks to block's offset in path, reads its compressed bytes,
// inflates them, and parses the resulting entry stream.
func readBlock(path string, block BlockMeta) ([]memtable.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "sstable: open data file")
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(int64(block.StartOffset), io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.IO, err, "sstable: seek block")
	}
	compressed := make([]byte, block.SizeCompressed)
	if _, err := io.ReadFull(f, compressed); err != nil {
		return nil, errs.Wrapf(errs.Corruption, err, "sstable: short read of block at %d", block.StartOffset)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer func() { _ = fr.Close() }()

	return decodeEntries(fr, block.Count)
}

// decodeEntries reads exactly count [flags][keylen][vallen][key][value]
// records from r.
func decodeEntries(r io.Reader, count int) ([]memtable.Entry, error) {
	out := make([]memtable.Entry, 0, count)
	for i := 0; i < count; i++ {
		var hdr [9]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "sstable: read entry header")
		}
		flags := hdr[0]
		keyLen := binary.BigEndian.Uint32(hdr[1:5])
		valLen := binary.BigEndian.Uint32(hdr[5:9])

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "sstable: read entry key")
		}

		tombstone := flags&tombstoneFlag != 0
		var value memtable.Value
		if tombstone {
			value = memtable.Deleted()
		} else {
			val := make([]byte, valLen)
			if _, err := io.ReadFull(r, val); err != nil {
				return nil, errs.Wrap(errs.Corruption, err, "sstable: read entry value")
			}
			value = memtable.Live(val)
		}
		out = append(out, memtable.Entry{Key: key, Value: value})
	}
	return out, nil
}

// Scan returns a forward iterator over every entry in the table, in key
// order, reading and inflating one block at a time rather than materializing
// the whole table up front — the scan_table operation compaction's merge
// pass drives (§4.5). Call the returned closure until ok is false; a
// non-nil error aborts the scan.
func (t *Table) Scan() func() (memtable.Entry, bool, error) {
	blockIdx := 0
	var entries []memtable.Entry
	pos := 0

	return func() (memtable.Entry, bool, error) {
		for pos >= len(entries) {
			if blockIdx >= len(t.Meta.Blocks) {
				return memtable.Entry{}, false, nil
			}
			var err error
			entries, err = readBlock(t.DataPath, t.Meta.Blocks[blockIdx])
			if err != nil {
				return memtable.Entry{}, false, err
			}
			blockIdx++
			pos = 0
		}
		e := entries[pos]
		pos++
		return e, true, nil
	}
}

// LoadRegistry scans dir for paired sstable-data-*/sstable-meta-* files and
// returns a Registry ordered newest-first by (timestamp, level). A data
// file with no matching metadata file — the signature of a crash between
// writing the two — is skipped and logged rather than treated as an error.
// The file itself is left on disk; when its WAL survives, the flush retried
// from that WAL removes it and writes the table again.
func LoadRegistry(dir string, logger *zap.SugaredLogger) (*Registry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{logger: logger}, nil
		}
		return nil, errs.Wrap(errs.IO, err, "sstable: scan dir")
	}

	var tables []*Table
	for _, e := range ents {
		if e.IsDir() || !strings.HasPrefix(e.Name(), dataPrefix) {
			continue
		}
		id := strings.TrimPrefix(e.Name(), dataPrefix)
		if _, err := os.Stat(MetaPath(dir, id)); err != nil {
			if logger != nil {
				logger.Warnw("sstable: orphaned data file without metadata, skipping", "id", id)
			}
			continue
		}
		tbl, err := LoadTable(dir, id)
		if err != nil {
			return nil, err
		}
		tables = append(tables, tbl)
	}

	sort.Slice(tables, func(i, j int) bool {
		if tables[i].Meta.Timestamp != tables[j].Meta.Timestamp {
			return tables[i].Meta.Timestamp > tables[j].Meta.Timestamp
		}
		return tables[i].Level < tables[j].Level
	})

	return &Registry{tables: tables, logger: logger}, nil
}
