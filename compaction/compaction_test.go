package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kessler-db/lsmkv/memtable"
	"github.com/kessler-db/lsmkv/sstable"
	"github.com/kessler-db/lsmkv/wal"
)

func flushSimple(t *testing.T, dir string, level int, ts int64, pairs map[string]string, tombstones []string) *sstable.Table {
	t.Helper()
	m := memtable.New()
	for k, v := range pairs {
		m.Insert([]byte(k), []byte(v))
	}
	for _, k := range tombstones {
		m.Delete([]byte(k))
	}
	_, err := sstable.Flush(dir, m, level, 4096, ts)
	require.NoError(t, err)
	tbl, err := sstable.LoadTable(dir, m.ID)
	require.NoError(t, err)
	return tbl
}

func TestIsFlushingReflectsWalPresence(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Create(dir, "some-id", 1, true)
	require.NoError(t, err)
	assert.True(t, IsFlushing(dir, "some-id"))

	require.NoError(t, w.Delete())
	assert.False(t, IsFlushing(dir, "some-id"))
}

func TestRunMergesWhenThresholdReached(t *testing.T) {
	dir := t.TempDir()
	reg := sstable.NewRegistry(nil)

	t1 := flushSimple(t, dir, 0, 100, map[string]string{"a": "old", "b": "2"}, nil)
	t2 := flushSimple(t, dir, 0, 200, map[string]string{"a": "new"}, nil)
	reg.Add(t2)
	reg.Add(t1)

	did, err := Run(dir, reg, 0, 1, 4096, 300, false, nil)
	require.NoError(t, err)
	assert.True(t, did)

	level1 := reg.TablesAtLevel(1)
	require.Len(t, level1, 1)
	assert.Empty(t, reg.TablesAtLevel(0))

	v, ok, err := level1[0].Find([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v.Bytes, "newer table's value must win the merge")

	v, ok, err = level1[0].Find([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v.Bytes)
}

func TestRunSkipsBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	reg := sstable.NewRegistry(nil)
	reg.Add(flushSimple(t, dir, 0, 100, map[string]string{"a": "1"}, nil))

	did, err := Run(dir, reg, 0, 1<<30, 4096, 200, false, nil)
	require.NoError(t, err)
	assert.False(t, did)
	assert.Len(t, reg.TablesAtLevel(0), 1)
}

func TestRunExcludesFlushingTables(t *testing.T) {
	dir := t.TempDir()
	reg := sstable.NewRegistry(nil)
	tbl := flushSimple(t, dir, 0, 100, map[string]string{"a": "1"}, nil)
	reg.Add(tbl)
	reg.Add(flushSimple(t, dir, 0, 200, map[string]string{"b": "2"}, nil))

	// tbl's flush has not yet deleted its WAL.
	w, err := wal.Create(dir, tbl.ID, 1, true)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	did, err := Run(dir, reg, 0, 1, 4096, 300, false, nil)
	require.NoError(t, err)
	require.True(t, did)

	// tbl is still mid-flush, so it must remain untouched at level 0 while
	// the other candidate alone gets promoted.
	level0 := reg.TablesAtLevel(0)
	require.Len(t, level0, 1)
	assert.Equal(t, tbl.ID, level0[0].ID)

	level1 := reg.TablesAtLevel(1)
	require.Len(t, level1, 1)
	_, ok, err := level1[0].Find([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok, "the flushing table's key must not appear in the merge output")
}

func TestRunDropsTombstonesOnlyAtLastLevel(t *testing.T) {
	dir := t.TempDir()
	reg := sstable.NewRegistry(nil)
	reg.Add(flushSimple(t, dir, 2, 100, map[string]string{"a": "1"}, nil))
	reg.Add(flushSimple(t, dir, 2, 200, nil, []string{"a"}))

	did, err := Run(dir, reg, 2, 1, 4096, 300, true, nil)
	require.NoError(t, err)
	require.True(t, did)

	// The final level has nowhere deeper to promote into, so its merge
	// output stays at the same level rather than advancing past it.
	level2 := reg.TablesAtLevel(2)
	require.Len(t, level2, 1)
	var entries []memtable.Entry
	next := level2[0].Scan()
	for {
		e, ok, err := next()
		require.NoError(t, err)
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	assert.Empty(t, entries, "tombstone merged into the final level must be dropped, not carried forward")
}

func TestRunKeepsTombstonesBeforeLastLevel(t *testing.T) {
	dir := t.TempDir()
	reg := sstable.NewRegistry(nil)
	reg.Add(flushSimple(t, dir, 0, 100, map[string]string{"a": "1"}, nil))
	reg.Add(flushSimple(t, dir, 0, 200, nil, []string{"a"}))

	did, err := Run(dir, reg, 0, 1, 4096, 300, false, nil)
	require.NoError(t, err)
	require.True(t, did)

	level1 := reg.TablesAtLevel(1)
	require.Len(t, level1, 1)
	v, ok, err := level1[0].Find([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Tombstone)
}
