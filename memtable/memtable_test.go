package memtable

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchMissingKey(t *testing.T) {
	m := New()
	_, found := m.Search([]byte("nope"))
	assert.False(t, found)
}

func TestInsertThenSearch(t *testing.T) {
	m := New()
	m.Insert([]byte("a"), []byte("1"))
	v, found := m.Search([]byte("a"))
	require.True(t, found)
	assert.False(t, v.Tombstone)
	assert.Equal(t, []byte("1"), v.Bytes)
}

func TestOverwriteLeavesSizeUnchanged(t *testing.T) {
	m := New()
	m.Insert([]byte("a"), []byte("1"))
	assert.Equal(t, 1, m.Size())
	m.Insert([]byte("a"), []byte("2"))
	assert.Equal(t, 1, m.Size())

	v, found := m.Search([]byte("a"))
	require.True(t, found)
	assert.Equal(t, []byte("2"), v.Bytes)
}

func TestDeleteIsDefinitiveTombstone(t *testing.T) {
	m := New()
	m.Insert([]byte("k"), []byte("v"))
	m.Delete([]byte("k"))

	v, found := m.Search([]byte("k"))
	require.True(t, found, "a tombstone is a definitive answer, not absence")
	assert.True(t, v.Tombstone)
	assert.Equal(t, 1, m.Size())
}

func TestDeleteOfMissingKeyStillRecordsTombstone(t *testing.T) {
	m := New()
	m.Delete([]byte("ghost"))
	v, found := m.Search([]byte("ghost"))
	require.True(t, found)
	assert.True(t, v.Tombstone)
	assert.Equal(t, 1, m.Size())
}

func TestIterYieldsAscendingKeyOrder(t *testing.T) {
	m := New()
	keys := []string{"banana", "apple", "cherry", "date", "fig", "grape"}
	for _, k := range keys {
		m.Insert([]byte(k), []byte(k))
	}

	entries := m.Entries()
	require.Len(t, entries, len(keys))

	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = string(e.Key)
	}
	want := append([]string(nil), keys...)
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestManyInsertsPreserveOrderAndCount(t *testing.T) {
	m := New()
	n := 500
	seen := map[string]bool{}
	r := rand.New(rand.NewSource(42))
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%06d", r.Intn(n*2))
		seen[k] = true
		m.Insert([]byte(k), []byte("v"))
	}
	assert.Equal(t, len(seen), m.Size())

	entries := m.Entries()
	for i := 1; i < len(entries); i++ {
		assert.Less(t, string(entries[i-1].Key), string(entries[i].Key))
	}
}

func TestMemtableIDsAreUnique(t *testing.T) {
	ids := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.False(t, ids[id])
		ids[id] = true
	}
}
