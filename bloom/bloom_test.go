package bloom

import (
	"fmt"
	"testing"

	"github.com/kessler-db/lsmkv/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsSizeNotMultipleOfWord(t *testing.T) {
	_, err := New(100, 0, 3)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Invariant))
}

func TestNewAcceptsWordMultiple(t *testing.T) {
	f, err := New(128, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(128), f.Bits)
	assert.Len(t, f.Buf, 16)
}

func TestNoFalseNegatives(t *testing.T) {
	f, err := NewForKeys(100, 10, 7, 5)
	require.NoError(t, err)

	keys := make([][]byte, 0, 100)
	for i := 0; i < 100; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%d", i)))
	}
	for _, k := range keys {
		f.Insert(k)
	}
	for _, k := range keys {
		assert.True(t, f.MaybeContains(k), "no false negatives allowed for %q", k)
	}
}

func TestDistinguishesDisjointKeys(t *testing.T) {
	f, err := New(256, 0, 3)
	require.NoError(t, err)
	f.Insert([]byte("a"))
	assert.True(t, f.MaybeContains([]byte("a")))
	// Not a guarantee (false positives are allowed) but with this size and
	// key set it should not collide.
	assert.False(t, f.MaybeContains([]byte("zzzzzzzzzz-not-present")))
}

func TestHash2IsSeedDependent(t *testing.T) {
	h1a, h2a := hash2([]byte("some-key"), 1)
	h1b, h2b := hash2([]byte("some-key"), 2)
	assert.NotEqual(t, h1a, h1b, "H1 must mix in the seed, not just the key")
	assert.NotEqual(t, h2a, h2b, "H2 must mix in the seed, not just the key")
}
