// Package bloom implements the fixed-size membership filter used to
// short-circuit negative sstable lookups: no false negatives, a bounded
// false-positive rate, k probes per key produced by double hashing.
package bloom

import (
	"hash/fnv"

	"github.com/kessler-db/lsmkv/errs"
)

// wordBits is the machine word width a filter's bit count must be a
// multiple of.
const wordBits = 64

// Filter is a fixed-size bit-array membership filter seeded per table.
type Filter struct {
	Bits uint32 `yaml:"bits"`
	Seed uint32 `yaml:"seed"`
	K    uint8  `yaml:"k"`
	Buf  []byte `yaml:"buf"`
}

// New allocates a filter with bits bits, probed k times per key using seed.
// bits must be a multiple of the machine word width (64); otherwise New
// returns an errs.Invariant error, since a misconfigured filter size is a
// programmer error rather than something to silently round away.
func New(bits uint32, seed uint32, k uint8) (*Filter, error) {
	if bits == 0 || bits%wordBits != 0 {
		return nil, errs.New(errs.Invariant, errInvalidSize(bits))
	}
	if k == 0 {
		k = 1
	}
	return &Filter{
		Bits: bits,
		Seed: seed,
		K:    k,
		Buf:  make([]byte, bits/8),
	}, nil
}

// NewForKeys sizes a filter for an expected key count at bitsPerKey bits
// per key, the usual Bloom-filter sizing knob, rounded up to a multiple of
// the word width.
func NewForKeys(nkeys int, bitsPerKey uint32, seed uint32, k uint8) (*Filter, error) {
	if nkeys < 1 {
		nkeys = 1
	}
	if bitsPerKey == 0 {
		bitsPerKey = 10
	}
	bits := uint32(nkeys) * bitsPerKey
	bits = ((bits + wordBits - 1) / wordBits) * wordBits
	if bits == 0 {
		bits = wordBits
	}
	return New(bits, seed, k)
}

type invalidSizeError struct{ bits uint32 }

func (e invalidSizeError) Error() string {
	return "bloom: size must be a non-zero multiple of the machine word width (64 bits)"
}

func errInvalidSize(bits uint32) error { return invalidSizeError{bits: bits} }

// Insert sets the k bit positions for key.
func (f *Filter) Insert(key []byte) {
	h1, h2 := hash2(key, f.Seed)
	for i := uint8(0); i < f.K; i++ {
		f.setBit(bitIndex(h1, h2, i, f.Bits))
	}
}

// MaybeContains reports whether key might be in the set. False means
// definitely-not; true means probably-yes.
func (f *Filter) MaybeContains(key []byte) bool {
	h1, h2 := hash2(key, f.Seed)
	for i := uint8(0); i < f.K; i++ {
		if !f.getBit(bitIndex(h1, h2, i, f.Bits)) {
			return false
		}
	}
	return true
}

func bitIndex(h1, h2 uint64, i uint8, bits uint32) uint32 {
	ii := uint64(i)
	h := h1 + ii*h2 + ii*ii
	return uint32(h % uint64(bits))
}

func (f *Filter) setBit(bit uint32) {
	f.Buf[bit/8] |= 1 << (bit % 8)
}

func (f *Filter) getBit(bit uint32) bool {
	return f.Buf[bit/8]&(1<<(bit%8)) != 0
}

// hash2 returns two independent non-cryptographic hashes of key, both
// seeded, for the double-hashing scheme in §4.1: H1 and H2 are each FNV-1a
// over the key prefixed with seed and a distinct marker byte, so the two
// hashes draw from different, but equally seed-dependent, input streams.
func hash2(key []byte, seed uint32) (uint64, uint64) {
	seedBytes := []byte{byte(seed), byte(seed >> 8), byte(seed >> 16), byte(seed >> 24)}

	h := fnv.New64a()
	_, _ = h.Write(seedBytes)
	_, _ = h.Write([]byte{0x1f})
	_, _ = h.Write(key)
	h1 := h.Sum64()

	h.Reset()
	_, _ = h.Write(seedBytes)
	_, _ = h.Write([]byte{0x7f})
	_, _ = h.Write(key)
	h2 := h.Sum64()
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}
	return h1, h2
}
