package chm

import (
	"fmt"
	"math"
	"math/bits"
	"runtime"
)

const (
	// resizeStampBits is the number of sizeCtl bits holding the resize stamp.
	resizeStampBits = 16
	// maxResizers is the largest number of goroutines that can help resize.
	maxResizers = 1<<(32-resizeStampBits) - 1
	// resizeStampShift is the shift placing the stamp in the high bits of sizeCtl.
	resizeStampShift = 32 - resizeStampBits
	// minTransferStride is the minimum number of bins claimed by one resizer.
	minTransferStride = 16
)

// resizeStamp returns the stamp bits for resizing a table of length n.
// Shifted left by resizeStampShift the result is negative.
func resizeStamp(n int) int32 {
	return int32(bits.LeadingZeros32(uint32(n))) | 1<<(resizeStampBits-1)
}

// allocate returns a table of n bins. A failed allocation is reported as an
// error rather than a panic.
func (m *Map[K, V]) allocate(n int) (tab *table[K, V], err error) {
	if m.failAlloc != nil {
		if err = m.failAlloc(n); err != nil {
			return nil, err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			tab, err = nil, fmt.Errorf("allocate %d bins: %v", n, r)
		}
	}()
	return newTable[K, V](n), nil
}

// initTable creates the table using the size recorded in sizeCtl.
func (m *Map[K, V]) initTable(s *settings[K, V]) (*table[K, V], error) {
	spins := 0
	for {
		if tab := m.table.Load(); tab != nil {
			return tab, nil
		}
		sc := m.sizeCtl.Load()
		if sc < 0 {
			// lost the initialization race
			delay(&spins)
			continue
		}
		if !m.sizeCtl.CompareAndSwap(sc, -1) {
			continue
		}
		if tab := m.table.Load(); tab != nil {
			m.sizeCtl.Store(sc)
			return tab, nil
		}
		n := int(sc)
		if n <= 0 {
			n = defaultCapacity
		}
		n = min(n, s.maxCapacity)
		tab, err := m.allocate(n)
		if err != nil {
			m.sizeCtl.Store(sc)
			s.logger.Error("table allocation failed", "capacity", n, "error", err)
			return nil, newErrResourceExhausted(0, n, err)
		}
		m.table.Store(tab)
		m.sizeCtl.Store(int32(n - n>>2))
		return tab, nil
	}
}

// addCount adds x to the count and, when check >= 0, starts or joins a
// resize if the table is now above its threshold. check is the length of
// the bin that was inserted into; for check <= 1 the resize check is only
// done when the counter was not contended.
func (m *Map[K, V]) addCount(s *settings[K, V], x int64, check int) error {
	total, path := m.count.add(x)
	switch path {
	case viaFullAdd:
		return nil
	case viaCell:
		if check <= 1 {
			return nil
		}
		total = m.count.sum()
	}
	if check < 0 {
		return nil
	}
	for {
		sc := m.sizeCtl.Load()
		tab := m.table.Load()
		if tab == nil || total < int64(sc) {
			return nil
		}
		n := len(tab.bins)
		if n >= s.maxCapacity {
			return nil
		}
		stamp := resizeStamp(n)
		rs := stamp << resizeStampShift
		if sc < 0 {
			if uint32(sc)>>resizeStampShift != uint32(stamp) ||
				sc == rs+maxResizers || sc == rs+1 {
				return nil
			}
			nt := m.nextTable.Load()
			if nt == nil || m.transferIndex.Load() <= 0 {
				return nil
			}
			if m.sizeCtl.CompareAndSwap(sc, sc+1) {
				if err := m.transfer(s, tab, nt); err != nil {
					return err
				}
			}
		} else if m.sizeCtl.CompareAndSwap(sc, rs+2) {
			if err := m.transfer(s, tab, nil); err != nil {
				return err
			}
		}
		total = m.count.sum()
	}
}

// helpTransfer joins the resize from tab into nextTab if it is still running
// and returns the table to retry on.
func (m *Map[K, V]) helpTransfer(s *settings[K, V], tab, nextTab *table[K, V]) *table[K, V] {
	if tab == nil || nextTab == nil {
		return m.table.Load()
	}
	stamp := resizeStamp(len(tab.bins))
	rs := stamp << resizeStampShift
	for m.nextTable.Load() == nextTab && m.table.Load() == tab {
		sc := m.sizeCtl.Load()
		if sc >= 0 || uint32(sc)>>resizeStampShift != uint32(stamp) ||
			sc == rs+maxResizers || sc == rs+1 || m.transferIndex.Load() <= 0 {
			break
		}
		if m.sizeCtl.CompareAndSwap(sc, sc+1) {
			// nextTab exists, so transfer cannot fail to allocate.
			_ = m.transfer(s, tab, nextTab)
			break
		}
	}
	return nextTab
}

// tryPresize grows the table until it holds size entries below its
// threshold. A resize found in progress is helped first.
func (m *Map[K, V]) tryPresize(s *settings[K, V], size int) error {
	c := s.maxCapacity
	if size < s.maxCapacity>>1 {
		c = tableSizeFor(size + size>>1 + 1)
	}
	spins := 0
	for {
		sc := m.sizeCtl.Load()
		tab := m.table.Load()
		if sc < 0 {
			if nt := m.nextTable.Load(); tab != nil && nt != nil {
				m.helpTransfer(s, tab, nt)
			}
			delay(&spins)
			continue
		}
		if tab == nil {
			n := max(int(sc), c)
			if !m.sizeCtl.CompareAndSwap(sc, -1) {
				continue
			}
			if m.table.Load() == nil {
				nt, err := m.allocate(n)
				if err != nil {
					m.sizeCtl.Store(sc)
					s.logger.Error("table allocation failed", "capacity", n, "error", err)
					return newErrResourceExhausted(0, n, err)
				}
				m.table.Store(nt)
				sc = int32(n - n>>2)
			}
			m.sizeCtl.Store(sc)
			continue
		}
		n := len(tab.bins)
		if n >= c || n >= s.maxCapacity || sc == math.MaxInt32 {
			return nil
		}
		if m.table.Load() != tab {
			continue
		}
		if m.sizeCtl.CompareAndSwap(sc, resizeStamp(n)<<resizeStampShift+2) {
			if err := m.transfer(s, tab, nil); err != nil {
				return err
			}
		}
	}
}

// transfer moves the bins of tab into nextTab, allocating nextTab when it
// is nil. Each participant claims strides of bins from the top of the table
// and processes them from high index to low. The last participant out
// installs nextTab as the table.
func (m *Map[K, V]) transfer(s *settings[K, V], tab, nextTab *table[K, V]) error {
	n := len(tab.bins)
	stride := max((n>>3)/runtime.NumCPU(), minTransferStride)
	if nextTab == nil {
		nt, err := m.allocate(n << 1)
		if err != nil {
			// Pin the capacity; no goroutine can have joined yet.
			m.sizeCtl.Store(math.MaxInt32)
			m.abortedResizes.Add(1)
			s.logger.Error("table resize aborted", "capacity", n, "requested", n<<1, "error", err)
			return newErrResourceExhausted(n, n<<1, err)
		}
		nextTab = nt
		m.nextTable.Store(nextTab)
		m.transferIndex.Store(int32(n))
		s.logger.Debug("table resize started", "capacity", n, "requested", n<<1, "stride", stride)
	}
	nextn := len(nextTab.bins)
	fwd := newForwardingNode(nextTab)
	advance, finishing := true, false
	for i, bound := 0, 0; ; {
		for advance {
			i--
			if i >= bound || finishing {
				advance = false
				break
			}
			nextIndex := int(m.transferIndex.Load())
			if nextIndex <= 0 {
				i = -1
				advance = false
				break
			}
			nextBound := max(nextIndex-stride, 0)
			if m.transferIndex.CompareAndSwap(int32(nextIndex), int32(nextBound)) {
				bound = nextBound
				i = nextIndex - 1
				advance = false
			}
		}
		if i < 0 || i >= n || i+n >= nextn {
			if finishing {
				m.nextTable.Store(nil)
				m.table.Store(nextTab)
				m.sizeCtl.Store(int32(n<<1 - n>>1))
				m.resizes.Add(1)
				s.logger.Debug("table resize completed", "capacity", nextn)
				return nil
			}
			sc := m.sizeCtl.Load()
			if m.sizeCtl.CompareAndSwap(sc, sc-1) {
				if sc-2 != resizeStamp(n)<<resizeStampShift {
					return nil
				}
				// Last one out rechecks every bin before committing.
				finishing, advance = true, true
				i = n
			}
			continue
		}
		f := tab.at(i)
		switch {
		case f == nil:
			advance = tab.cas(i, nil, fwd)
		case f.hash == moved:
			advance = true
		default:
			advance = m.transferBin(tab, nextTab, i, f, fwd)
		}
	}
}

// transferBin splits bin i of tab, headed by f, into bins i and i+n of
// nextTab and forwards bin i. It reports false if f stopped being the head
// of bin i before the lock was acquired.
func (m *Map[K, V]) transferBin(tab, nextTab *table[K, V], i int, f, fwd *node[K, V]) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tab.at(i) != f {
		return false
	}
	n := len(tab.bins)
	var ln, hn *node[K, V]
	switch {
	case f.hash >= 0:
		// The longest tail landing in one half is reused as is.
		runBit := int(f.hash) & n
		lastRun := f
		for p := f.next.Load(); p != nil; p = p.next.Load() {
			if b := int(p.hash) & n; b != runBit {
				runBit = b
				lastRun = p
			}
		}
		if runBit == 0 {
			ln = lastRun
		} else {
			hn = lastRun
		}
		for p := f; p != lastRun; p = p.next.Load() {
			if int(p.hash)&n == 0 {
				ln = newNode(p.hash, p.key, p.val.Load(), ln)
			} else {
				hn = newNode(p.hash, p.key, p.val.Load(), hn)
			}
		}
	case f.hash == treeBinHash:
		t := f.tree
		var lo, loTail, hi, hiTail *node[K, V]
		lc, hc := 0, 0
		for e := t.first.Load(); e != nil; e = e.next.Load() {
			p := newNode[K, V](e.hash, e.key, e.val.Load(), nil)
			if int(e.hash)&n == 0 {
				if p.prev = loTail; loTail == nil {
					lo = p
				} else {
					loTail.next.Store(p)
				}
				loTail = p
				lc++
			} else {
				if p.prev = hiTail; hiTail == nil {
					hi = p
				} else {
					hiTail.next.Store(p)
				}
				hiTail = p
				hc++
			}
		}
		ln = splitTree(f, lo, lc, hc)
		hn = splitTree(f, hi, hc, lc)
		for _, c := range [...]int{lc, hc} {
			if c > 0 && c <= untreeifyThreshold {
				m.untreeifies.Add(1)
			}
		}
	default:
		return false
	}
	nextTab.set(i, ln)
	nextTab.set(i+n, hn)
	tab.set(i, fwd)
	return true
}

// splitTree returns the bin for one half of a split tree bin f: a plain
// chain if the half is small, f itself if the other half is empty, and a new
// tree bin otherwise.
func splitTree[K comparable, V any](f, list *node[K, V], count, other int) *node[K, V] {
	switch {
	case count <= untreeifyThreshold:
		return untreeify(list)
	case other == 0:
		return f
	}
	return newTreeBin(list, f.tree.order)
}

// treeifyBin converts bin i into a tree bin, or grows the table instead
// while it is below the minimum treeify capacity.
func (m *Map[K, V]) treeifyBin(s *settings[K, V], tab *table[K, V], i int) error {
	n := len(tab.bins)
	if n < s.minTreeifyCapacity {
		return m.tryPresize(s, n)
	}
	b := tab.at(i)
	if b == nil || b.hash < 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if tab.at(i) != b {
		return nil
	}
	tab.set(i, treeify(b, s.order))
	m.treeifies.Add(1)
	s.logger.Debug("bin treeified", "index", i, "capacity", n)
	return nil
}
