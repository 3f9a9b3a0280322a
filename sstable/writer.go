package sstable

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"os"

	"github.com/klauspost/compress/flate"
	"gopkg.in/yaml.v3"

	"github.com/kessler-db/lsmkv/bloom"
	"github.com/kessler-db/lsmkv/errs"
	"github.com/kessler-db/lsmkv/memtable"
)

const (
	// defaultBitsPerKey and defaultHashCount give roughly a 1% false
	// positive rate, the same ballpark the source's default bloom sizing
	// targets.
	defaultBitsPerKey = 10
	defaultHashCount  = 7

	tombstoneFlag = 1 << 6
)

// Flush drains mt's entries into a new sstable at level, writing a
// block-paged, flate-compressed data file and a YAML sidecar metadata file.
// The data file is fully written and fsync'd before the metadata file is
// created, so a crash between the two leaves only an orphaned data file —
// never a metadata file pointing at missing or partial data.
func Flush(dir string, mt *memtable.Memtable, level int, blockSize uint32, nowMillis int64) (*TableMeta, error) {
	id := mt.ID
	entries := mt.Entries()

	filter, err := newFilterFor(id, len(entries))
	if err != nil {
		return nil, err
	}

	dataPath := DataPath(dir, id)
	df, err := os.OpenFile(dataPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.Wrapf(errs.Invariant, err, "sstable: data file collision for %s", id)
		}
		return nil, errs.Wrap(errs.IO, err, "sstable: create data file")
	}
	defer func() { _ = df.Close() }()

	w := &blockWriter{out: df}
	var blocks []BlockMeta

	for _, e := range entries {
		filter.Insert(e.Key)
		if w.count == 0 {
			w.startKey = append([]byte(nil), e.Key...)
		}
		if err := w.writeEntry(e); err != nil {
			return nil, err
		}
		if w.uncompressedSize >= blockSize {
			bm, err := w.closeBlock()
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, bm)
		}
	}
	if w.count > 0 {
		bm, err := w.closeBlock()
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, bm)
	}

	if err := df.Sync(); err != nil {
		return nil, errs.Wrap(errs.IO, err, "sstable: fsync data file")
	}
	if err := df.Close(); err != nil {
		return nil, errs.Wrap(errs.IO, err, "sstable: close data file")
	}

	meta := &TableMeta{
		Blocks:    blocks,
		Filter:    filter,
		Timestamp: nowMillis,
		Level:     level,
	}

	metaPath := MetaPath(dir, id)
	mf, err := os.OpenFile(metaPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.Wrapf(errs.Invariant, err, "sstable: meta file collision for %s", id)
		}
		return nil, errs.Wrap(errs.IO, err, "sstable: create meta file")
	}
	defer func() { _ = mf.Close() }()

	enc := yaml.NewEncoder(mf)
	if err := enc.Encode(meta); err != nil {
		return nil, errs.Wrap(errs.IO, err, "sstable: encode meta")
	}
	if err := enc.Close(); err != nil {
		return nil, errs.Wrap(errs.IO, err, "sstable: close meta encoder")
	}
	if err := mf.Sync(); err != nil {
		return nil, errs.Wrap(errs.IO, err, "sstable: fsync meta file")
	}

	return meta, nil
}

// newFilterFor sizes a bloom filter for n keys, seeded deterministically
// from the table's own id so a replayed flush (the idempotent-retry path
// after a flush-then-crash) reproduces byte-identical filter parameters.
func newFilterFor(id string, n int) (*bloom.Filter, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	seed := h.Sum32()
	if n == 0 {
		n = 1
	}
	return bloom.NewForKeys(n, defaultBitsPerKey, seed, defaultHashCount)
}

// blockWriter accumulates entries into one flate stream at a time, handing
// off a completed, compressed block's bytes to the data file on closeBlock.
type blockWriter struct {
	out              *os.File
	buf              bytes.Buffer
	fw               *flate.Writer
	off              uint64
	startKey         []byte
	count            int
	uncompressedSize uint32
}

func (w *blockWriter) writeEntry(e memtable.Entry) error {
	if w.fw == nil {
		w.buf.Reset()
		fw, err := flate.NewWriter(&w.buf, flate.DefaultCompression)
		if err != nil {
			return errs.Wrap(errs.IO, err, "sstable: new flate writer")
		}
		w.fw = fw
	}

	var flags byte
	if e.Value.Tombstone {
		flags = tombstoneFlag
	}
	val := e.Value.Bytes
	if e.Value.Tombstone {
		val = nil
	}

	var hdr [9]byte
	hdr[0] = flags
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(e.Key)))
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(val)))

	for _, chunk := range [][]byte{hdr[:], e.Key, val} {
		if len(chunk) == 0 {
			continue
		}
		if _, err := w.fw.Write(chunk); err != nil {
			return errs.Wrap(errs.IO, err, "sstable: write block entry")
		}
	}
	// Block logical size counts only the key (+ value, if live) — the
	// 9-byte record header is bookkeeping, not payload, and does not count
	// toward the configured block size.
	w.uncompressedSize += uint32(len(e.Key) + len(val))
	w.count++
	return nil
}

// closeBlock flushes the current flate stream, writes its compressed bytes
// to the data file, and returns the metadata describing the block just
// written.
func (w *blockWriter) closeBlock() (BlockMeta, error) {
	if err := w.fw.Close(); err != nil {
		return BlockMeta{}, errs.Wrap(errs.IO, err, "sstable: close block stream")
	}
	compressed := w.buf.Bytes()

	n, err := w.out.Write(compressed)
	if err != nil {
		return BlockMeta{}, errs.Wrap(errs.IO, err, "sstable: write block")
	}

	bm := BlockMeta{
		Count:          w.count,
		Size:           w.uncompressedSize,
		SizeCompressed: uint32(n),
		StartKey:       w.startKey,
		StartOffset:    w.off,
	}

	w.off += uint64(n)
	w.fw = nil
	w.count = 0
	w.uncompressedSize = 0
	w.startKey = nil
	return bm, nil
}
