package chm

import (
	"sync"
	"sync/atomic"
)

// node is the single record type stored in bins. Its hash selects the kind:
//
//	hash >= 0  regular entry (plain chain member or tree node)
//	moved      forwarding marker; nextTable is set
//	treeBin    tree bin head; tree is set
//	reserved   reservation marker held during a compute callback
//
// key and hash are written once before the node is published. val and next
// are read without locks and therefore atomic. The tree links are guarded by
// the owning tree bin's lock.
type node[K comparable, V any] struct {
	// mu is the bin lock while this node is the head of a bin.
	mu   sync.Mutex
	hash int32
	red  bool
	key  K
	val  atomic.Pointer[V]
	next atomic.Pointer[node[K, V]]

	nextTable *table[K, V]
	tree      *treeBin[K, V]

	parent, left, right, prev *node[K, V]
}

func newNode[K comparable, V any](hash int32, key K, val *V, next *node[K, V]) *node[K, V] {
	n := &node[K, V]{hash: hash, key: key}
	n.val.Store(val)
	if next != nil {
		n.next.Store(next)
	}
	return n
}

func newForwardingNode[K comparable, V any](nextTable *table[K, V]) *node[K, V] {
	return &node[K, V]{hash: moved, nextTable: nextTable}
}

func newReservationNode[K comparable, V any]() *node[K, V] {
	return &node[K, V]{hash: reserved}
}

// value returns the node's current value.
func (e *node[K, V]) value() V {
	return *e.val.Load()
}

// find looks up key in the bin headed by e. Regular chains are walked
// directly; sentinel heads delegate to their own lookup. It never blocks.
func (e *node[K, V]) find(h int32, key K) *node[K, V] {
	for e != nil {
		switch e.hash {
		case moved:
			// Loop instead of recursing, to avoid deep stacks on chained forwards.
			tab := e.nextTable
			e = tab.at(int(h) & (len(tab.bins) - 1))
			continue
		case treeBinHash:
			return e.tree.find(h, key)
		case reserved:
			return nil
		}
		for p := e; p != nil; p = p.next.Load() {
			if p.hash == h && p.key == key {
				return p
			}
		}
		return nil
	}
	return nil
}

// table is the bucket array. Its length is always a power of two.
type table[K comparable, V any] struct {
	bins []atomic.Pointer[node[K, V]]
}

func newTable[K comparable, V any](n int) *table[K, V] {
	return &table[K, V]{bins: make([]atomic.Pointer[node[K, V]], n)}
}

func (t *table[K, V]) at(i int) *node[K, V] {
	return t.bins[i].Load()
}

func (t *table[K, V]) cas(i int, old, new *node[K, V]) bool {
	return t.bins[i].CompareAndSwap(old, new)
}

func (t *table[K, V]) set(i int, v *node[K, V]) {
	t.bins[i].Store(v)
}
