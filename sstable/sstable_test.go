package sstable

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kessler-db/lsmkv/errs"
	"github.com/kessler-db/lsmkv/memtable"
)

func buildMemtable(pairs map[string]string, tombstones []string) *memtable.Memtable {
	m := memtable.New()
	for k, v := range pairs {
		m.Insert([]byte(k), []byte(v))
	}
	for _, k := range tombstones {
		m.Delete([]byte(k))
	}
	return m
}

func TestFlushThenFindRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := buildMemtable(map[string]string{
		"apple":  "1",
		"banana": "2",
		"cherry": "3",
		"date":   "4",
	}, []string{"fig"})

	meta, err := Flush(dir, m, 0, 16, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, meta.Blocks)

	tbl, err := LoadTable(dir, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Level)

	v, ok, err := tbl.Find([]byte("banana"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v.Bytes)

	v, ok, err = tbl.Find([]byte("fig"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Tombstone)

	_, ok, err = tbl.Find([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlushDataCollisionIsInvariantViolation(t *testing.T) {
	dir := t.TempDir()
	m := memtable.New()
	m.Insert([]byte("a"), []byte("1"))

	_, err := Flush(dir, m, 0, 4096, 1)
	require.NoError(t, err)

	_, err = Flush(dir, m, 0, 4096, 2)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Invariant))
}

func TestScanDecodesEveryEntry(t *testing.T) {
	dir := t.TempDir()
	m := buildMemtable(map[string]string{
		"k1": "v1",
		"k2": "v2",
		"k3": "v3",
	}, nil)

	_, err := Flush(dir, m, 0, 8, 1)
	require.NoError(t, err)

	tbl, err := LoadTable(dir, m.ID)
	require.NoError(t, err)

	var entries []memtable.Entry
	next := tbl.Scan()
	for {
		e, ok, err := next()
		require.NoError(t, err)
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	assert.Len(t, entries, 3)
}

// TestBlockSizeCountsKeyValueOnlyNotHeader pins the worked example from the
// block-splitting design note: with sstable_block_size=12 and keys
// 1bc/1ef/2bc/2ef/3bc each carrying a 3-byte value (6 logical bytes per
// entry), the second entry brings a block to the 12-byte budget and closes
// it, giving blocks of count 2, 2, 1 starting at 1bc, 2bc, 3bc. If the 9-byte record
// header were counted toward the block size, the first entry alone (9+3+3
// =15) would already exceed the 12-byte budget and every block would hold
// exactly one entry.
func TestBlockSizeCountsKeyValueOnlyNotHeader(t *testing.T) {
	dir := t.TempDir()
	m := buildMemtable(map[string]string{
		"1bc": "aaa",
		"1ef": "bbb",
		"2bc": "ccc",
		"2ef": "ddd",
		"3bc": "eee",
	}, nil)

	meta, err := Flush(dir, m, 0, 12, 1)
	require.NoError(t, err)

	require.Len(t, meta.Blocks, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{meta.Blocks[0].Count, meta.Blocks[1].Count, meta.Blocks[2].Count})
	assert.Equal(t, "1bc", string(meta.Blocks[0].StartKey))
	assert.Equal(t, "2bc", string(meta.Blocks[1].StartKey))
	assert.Equal(t, "3bc", string(meta.Blocks[2].StartKey))
}

func TestLoadRegistrySkipsOrphanedDataFile(t *testing.T) {
	dir := t.TempDir()
	m := memtable.New()
	m.Insert([]byte("a"), []byte("1"))
	_, err := Flush(dir, m, 0, 4096, 1)
	require.NoError(t, err)

	// Orphaned data file with no metadata counterpart.
	orphanPath := DataPath(dir, "orphan-id")
	require.NoError(t, os.WriteFile(orphanPath, []byte("junk"), 0o644))

	reg, err := LoadRegistry(dir, nil)
	require.NoError(t, err)
	tables := reg.Tables()
	require.Len(t, tables, 1)
	assert.Equal(t, m.ID, tables[0].ID)
}

func TestRegistryFindPrefersNewestTable(t *testing.T) {
	dir := t.TempDir()

	older := memtable.New()
	older.Insert([]byte("k"), []byte("old"))
	_, err := Flush(dir, older, 1, 4096, 100)
	require.NoError(t, err)

	newer := memtable.New()
	newer.Insert([]byte("k"), []byte("new"))
	_, err = Flush(dir, newer, 0, 4096, 200)
	require.NoError(t, err)

	reg, err := LoadRegistry(dir, nil)
	require.NoError(t, err)

	v, ok, err := reg.Find([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v.Bytes)
}
