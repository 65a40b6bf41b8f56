package chm

// tableStack records a table to return to after following a forwarding node.
type tableStack[K comparable, V any] struct {
	length int
	index  int
	tab    *table[K, V]
	next   *tableStack[K, V]
}

// traverser visits every regular node of a table once. When it meets a
// forwarding node it visits bin i of the next table and then bin i+n before
// returning to the old table, so that entries moved by a concurrent resize
// are seen exactly once. Nodes that are concurrently inserted or removed may
// or may not be returned.
type traverser[K comparable, V any] struct {
	tab          *table[K, V]
	next         *node[K, V]
	stack, spare *tableStack[K, V]
	index        int
	baseIndex    int
	baseLimit    int
	baseSize     int
}

func newTraverser[K comparable, V any](tab *table[K, V]) *traverser[K, V] {
	n := 0
	if tab != nil {
		n = len(tab.bins)
	}
	return &traverser[K, V]{tab: tab, baseSize: n, baseLimit: n}
}

// advance returns the next node, or nil when the traversal is done.
func (it *traverser[K, V]) advance() *node[K, V] {
	var e *node[K, V]
	if e = it.next; e != nil {
		e = e.next.Load()
	}
	for {
		if e != nil {
			it.next = e
			return e
		}
		t := it.tab
		i := it.index
		if it.baseIndex >= it.baseLimit || t == nil || i < 0 || i >= len(t.bins) {
			it.next = nil
			return nil
		}
		n := len(t.bins)
		if e = t.at(i); e != nil && e.hash < 0 {
			switch e.hash {
			case moved:
				it.tab = e.nextTable
				e = nil
				it.pushState(t, i, n)
				continue
			case treeBinHash:
				e = e.tree.first.Load()
			default:
				e = nil
			}
		}
		if it.stack != nil {
			it.recoverState(n)
		} else if it.index = i + it.baseSize; it.index >= n {
			it.baseIndex++
			it.index = it.baseIndex
		}
	}
}

// pushState saves the position in t before descending into a forwarded table.
func (it *traverser[K, V]) pushState(t *table[K, V], i, n int) {
	s := it.spare
	if s != nil {
		it.spare = s.next
	} else {
		s = &tableStack[K, V]{}
	}
	s.tab, s.length, s.index = t, n, i
	s.next = it.stack
	it.stack = s
}

// recoverState moves to the next index of the forwarded table, popping back
// to the saved tables once their upper halves are done.
func (it *traverser[K, V]) recoverState(n int) {
	var s *tableStack[K, V]
	for {
		if s = it.stack; s == nil {
			break
		}
		it.index += s.length
		if it.index < n {
			break
		}
		n = s.length
		it.index = s.index
		it.tab = s.tab
		s.tab = nil
		next := s.next
		s.next = it.spare
		it.stack = next
		it.spare = s
	}
	if s == nil {
		if it.index += it.baseSize; it.index >= n {
			it.baseIndex++
			it.index = it.baseIndex
		}
	}
}

// Range calls yield sequentially for each key and value present in the
// map. If yield returns false, Range stops the iteration.
//
// Range never blocks and may run concurrently with any other method. It
// sees each entry that is present for the whole iteration exactly once and
// may or may not see entries added or removed while it runs. yield may
// update the map.
func (m *Map[K, V]) Range(yield func(key K, value V) bool) {
	it := newTraverser(m.table.Load())
	for p := it.advance(); p != nil; p = it.advance() {
		if !yield(p.key, p.value()) {
			return
		}
	}
}

// All compatible with `range iterator` syntax (Go 1.23+)
func (m *Map[K, V]) All() func(yield func(K, V) bool) {
	return m.Range
}

// Keys is the iterator version for iterating over all keys.
func (m *Map[K, V]) Keys() func(yield func(K) bool) {
	return func(yield func(K) bool) {
		m.Range(func(k K, _ V) bool { return yield(k) })
	}
}

// Values is the iterator version for iterating over all values.
func (m *Map[K, V]) Values() func(yield func(V) bool) {
	return func(yield func(V) bool) {
		m.Range(func(_ K, v V) bool { return yield(v) })
	}
}

// Iterator walks the entries of a Map with the same guarantees as Range.
//
//	it := m.Iter()
//	for it.Next() {
//		fmt.Println(it.Key(), it.Value())
//	}
type Iterator[K comparable, V any] struct {
	m    *Map[K, V]
	t    *traverser[K, V]
	cur  *node[K, V]
	last *node[K, V]
}

// Iter returns an Iterator positioned before the first entry.
func (m *Map[K, V]) Iter() *Iterator[K, V] {
	return &Iterator[K, V]{m: m, t: newTraverser(m.table.Load())}
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator[K, V]) Next() bool {
	it.cur = it.t.advance()
	it.last = it.cur
	return it.cur != nil
}

// Key returns the key of the current entry.
func (it *Iterator[K, V]) Key() K {
	return it.cur.key
}

// Value returns the value of the current entry.
func (it *Iterator[K, V]) Value() V {
	return it.cur.value()
}

// Remove deletes the key of the entry last returned by Next from the map.
// It may be called once per call to Next.
func (it *Iterator[K, V]) Remove() error {
	p := it.last
	if p == nil {
		return newErrNoCurrentEntry()
	}
	it.last = nil
	return it.m.Delete(p.key)
}
