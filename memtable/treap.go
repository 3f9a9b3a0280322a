package memtable

import (
	"bytes"
	"math/rand"
)

// nilIdx marks an absent child/parent link in the arena.
const nilIdx = -1

// node is one treap node, addressed by its index in the arena rather than
// by pointer: the memtable is owned by exactly one writer at a time, so the
// arena needs no reference counting or interior mutability — rotations are
// just index swaps.
type node struct {
	key      []byte
	value    Value
	priority uint64
	left     int
	right    int
	parent   int
}

// treap is a randomized balanced binary search tree keyed by user key, with
// a uniformly random priority per node establishing max-heap order and
// hence expected-O(log n) operations.
type treap struct {
	nodes []node
	root  int
	count int
	rng   *rand.Rand
}

func newTreap(rng *rand.Rand) *treap {
	return &treap{root: nilIdx, rng: rng}
}

func (t *treap) size() int { return t.count }

// search performs a standard BST descent, returning the three-state answer
// the spec requires: (value, true) for a live record, (tombstone, true) for
// a deleted one, (_, false) when the key is absent entirely. The caller
// must treat found=true+Tombstone as a definitive "absent" answer, distinct
// from found=false.
func (t *treap) search(key []byte) (Value, bool) {
	idx := t.root
	for idx != nilIdx {
		n := &t.nodes[idx]
		switch c := bytes.Compare(key, n.key); {
		case c == 0:
			return n.value, true
		case c < 0:
			idx = n.left
		default:
			idx = n.right
		}
	}
	return Value{}, false
}

// upsert installs value for key: an existing key has its value swapped in
// place (no rebalance, count unchanged); a new key is inserted as a fresh
// leaf and rotated up while its priority exceeds its parent's.
func (t *treap) upsert(key []byte, value Value) {
	if t.root == nilIdx {
		t.root = t.newNode(key, value, nilIdx)
		t.count++
		return
	}

	idx := t.root
	parent := nilIdx
	for idx != nilIdx {
		parent = idx
		n := &t.nodes[idx]
		switch c := bytes.Compare(key, n.key); {
		case c == 0:
			n.value = value
			return
		case c < 0:
			idx = n.left
		default:
			idx = n.right
		}
	}

	newIdx := t.newNode(key, value, parent)
	if bytes.Compare(key, t.nodes[parent].key) < 0 {
		t.nodes[parent].left = newIdx
	} else {
		t.nodes[parent].right = newIdx
	}
	t.count++

	t.bubbleUp(newIdx)
}

func (t *treap) newNode(key []byte, value Value, parent int) int {
	t.nodes = append(t.nodes, node{
		key:      cloneBytes(key),
		value:    value,
		priority: t.rng.Uint64(),
		left:     nilIdx,
		right:    nilIdx,
		parent:   parent,
	})
	return len(t.nodes) - 1
}

// bubbleUp rotates idx up while its priority exceeds its parent's,
// restoring max-heap order after an insert.
func (t *treap) bubbleUp(idx int) {
	for {
		parent := t.nodes[idx].parent
		if parent == nilIdx || t.nodes[idx].priority <= t.nodes[parent].priority {
			return
		}
		if t.nodes[parent].left == idx {
			t.rotateRight(idx)
		} else {
			t.rotateLeft(idx)
		}
	}
}

// rotateLeft promotes x, which must be the right child of its parent y.
// Rotating a left child left is a structural-contract violation and panics.
func (t *treap) rotateLeft(x int) {
	y := t.nodes[x].parent
	if y == nilIdx {
		panic("memtable: cannot rotate the root of the tree")
	}
	if t.nodes[y].left == x {
		panic("memtable: cannot rotate_left on a left child")
	}

	p := t.nodes[y].parent
	t.setChild(p, y, x)
	t.nodes[x].parent = p

	xLeft := t.nodes[x].left
	t.nodes[y].right = xLeft
	if xLeft != nilIdx {
		t.nodes[xLeft].parent = y
	}

	t.nodes[x].left = y
	t.nodes[y].parent = x
}

// rotateRight promotes x, which must be the left child of its parent y.
// Rotating a right child right is a structural-contract violation and panics.
func (t *treap) rotateRight(x int) {
	y := t.nodes[x].parent
	if y == nilIdx {
		panic("memtable: cannot rotate the root of the tree")
	}
	if t.nodes[y].right == x {
		panic("memtable: cannot rotate_right on a right child")
	}

	p := t.nodes[y].parent
	t.setChild(p, y, x)
	t.nodes[x].parent = p

	xRight := t.nodes[x].right
	t.nodes[y].left = xRight
	if xRight != nilIdx {
		t.nodes[xRight].parent = y
	}

	t.nodes[x].right = y
	t.nodes[y].parent = x
}

// setChild replaces y with x as p's child (or promotes x to root if p is
// nilIdx), the shared tail of both rotations.
func (t *treap) setChild(p, y, x int) {
	if p == nilIdx {
		t.root = x
		return
	}
	if t.nodes[p].left == y {
		t.nodes[p].left = x
	} else {
		t.nodes[p].right = x
	}
}

// iter performs an in-order traversal using an explicit stack seeded by the
// leftmost spine, yielding (key, value) pairs in ascending key order.
func (t *treap) iter() *treapIterator {
	it := &treapIterator{t: t}
	it.pushLeftSpine(t.root)
	return it
}

type treapIterator struct {
	t     *treap
	stack []int
}

func (it *treapIterator) pushLeftSpine(idx int) {
	for idx != nilIdx {
		it.stack = append(it.stack, idx)
		idx = it.t.nodes[idx].left
	}
}

// next pops the next node in order, yields it, then pushes the leftmost
// spine of its right subtree.
func (it *treapIterator) next() (Entry, bool) {
	if len(it.stack) == 0 {
		return Entry{}, false
	}
	idx := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	n := &it.t.nodes[idx]
	it.pushLeftSpine(n.right)
	return Entry{Key: cloneBytes(n.key), Value: n.value}, true
}
