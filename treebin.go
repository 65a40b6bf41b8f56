package chm

import "sync/atomic"

// Tree bin lock states.
const (
	lockWriter int32 = 1 // set while holding write lock
	lockWaiter int32 = 2 // set when waiting for write lock
	lockReader int32 = 4 // increment value for setting read lock
)

// treeBin holds a red-black tree of the nodes of one bin. The nodes are also
// linked in a list through next/prev, so a reader that finds the tree being
// restructured can fall back to a linear scan instead of waiting.
//
// Only the holder of the bin lock modifies a tree bin. It additionally takes
// the write lock around changes to the tree links, which excludes readers
// descending the tree; readers hold a read slot for the length of a descent.
type treeBin[K comparable, V any] struct {
	root      *node[K, V]
	first     atomic.Pointer[node[K, V]]
	lockState atomic.Int32
	// wake parks the single writer waiting for readers to drain. Writers are
	// serialized by the bin lock, so one buffered slot is enough.
	wake  chan struct{}
	count int
	order *keyOrder[K]
}

// newTreeBin builds a tree bin head from a list of nodes linked through next
// (and prev). The nodes must not be published yet.
func newTreeBin[K comparable, V any](first *node[K, V], order *keyOrder[K]) *node[K, V] {
	t := &treeBin[K, V]{
		wake:  make(chan struct{}, 1),
		order: order,
	}
	t.first.Store(first)
	var r *node[K, V]
	for x := first; x != nil; x = x.next.Load() {
		t.count++
		x.left, x.right = nil, nil
		if r == nil {
			x.parent = nil
			x.red = false
			r = x
			continue
		}
		k, h := x.key, x.hash
		for p := r; ; {
			var dir int
			if ph := p.hash; ph > h {
				dir = -1
			} else if ph < h {
				dir = 1
			} else if dir = order.compareKeys(k, p.key); dir == 0 {
				dir = order.tieBreak(k, p.key)
			}
			xp := p
			if dir <= 0 {
				p = p.left
			} else {
				p = p.right
			}
			if p == nil {
				x.parent = xp
				if dir <= 0 {
					xp.left = x
				} else {
					xp.right = x
				}
				r = balanceInsertion(r, x)
				break
			}
		}
	}
	t.root = r
	return &node[K, V]{hash: treeBinHash, tree: t}
}

// treeify converts the chain starting at b into a tree bin. Values are shared
// with the chain nodes, which stay reachable for readers that already hold them.
func treeify[K comparable, V any](b *node[K, V], order *keyOrder[K]) *node[K, V] {
	var hd, tl *node[K, V]
	for e := b; e != nil; e = e.next.Load() {
		p := newNode[K, V](e.hash, e.key, e.val.Load(), nil)
		if p.prev = tl; tl == nil {
			hd = p
		} else {
			tl.next.Store(p)
		}
		tl = p
	}
	return newTreeBin(hd, order)
}

// untreeify returns a plain chain holding the nodes of the list starting at first.
func untreeify[K comparable, V any](first *node[K, V]) *node[K, V] {
	var hd, tl *node[K, V]
	for q := first; q != nil; q = q.next.Load() {
		p := newNode[K, V](q.hash, q.key, q.val.Load(), nil)
		if tl == nil {
			hd = p
		} else {
			tl.next.Store(p)
		}
		tl = p
	}
	return hd
}

func (t *treeBin[K, V]) lockRoot() {
	if !t.lockState.CompareAndSwap(0, lockWriter) {
		t.contendedLock()
	}
}

func (t *treeBin[K, V]) unlockRoot() {
	t.lockState.Store(0)
}

// contendedLock waits for readers to drain. It spins briefly, then announces
// itself with the waiter bit, which diverts new readers to the list, and
// parks until the last reader leaves.
func (t *treeBin[K, V]) contendedLock() {
	waiting := false
	spins := 0
	for {
		s := t.lockState.Load()
		if s&^lockWaiter == 0 {
			if t.lockState.CompareAndSwap(s, lockWriter) {
				return
			}
		} else if s&lockWaiter == 0 {
			if trySpin(&spins) {
				continue
			}
			if t.lockState.CompareAndSwap(s, s|lockWaiter) {
				waiting = true
			}
		} else if waiting {
			<-t.wake
		}
	}
}

func (t *treeBin[K, V]) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// find returns the node matching h and key, or nil. It never blocks: while a
// writer holds or waits for the lock the list is scanned instead of the tree.
func (t *treeBin[K, V]) find(h int32, key K) *node[K, V] {
	for e := t.first.Load(); e != nil; {
		s := t.lockState.Load()
		if s&(lockWaiter|lockWriter) != 0 {
			if e.hash == h && e.key == key {
				return e
			}
			e = e.next.Load()
		} else if t.lockState.CompareAndSwap(s, s+lockReader) {
			return t.findShared(h, key)
		}
	}
	return nil
}

func (t *treeBin[K, V]) findShared(h int32, key K) *node[K, V] {
	defer func() {
		if t.lockState.Add(-lockReader) == lockWaiter {
			t.signal()
		}
	}()
	return t.root.findTreeNode(h, key, t.order)
}

// findTreeNode descends the subtree rooted at p. Keys with equal hashes and no
// relative order may sit on either side, so both subtrees are searched.
func (p *node[K, V]) findTreeNode(h int32, k K, order *keyOrder[K]) *node[K, V] {
	for p != nil {
		pl, pr := p.left, p.right
		if ph := p.hash; ph > h {
			p = pl
		} else if ph < h {
			p = pr
		} else if p.key == k {
			return p
		} else if pl == nil {
			p = pr
		} else if pr == nil {
			p = pl
		} else if dir := order.compareKeys(k, p.key); dir != 0 {
			if dir < 0 {
				p = pl
			} else {
				p = pr
			}
		} else if q := pr.findTreeNode(h, k, order); q != nil {
			return q
		} else {
			p = pl
		}
	}
	return nil
}

// putTreeVal returns the node already holding key, or inserts a new node and
// returns nil. The caller holds the bin lock.
func (t *treeBin[K, V]) putTreeVal(h int32, key K, val *V) *node[K, V] {
	searched := false
	for p := t.root; ; {
		var dir int
		if p == nil {
			x := newNode[K, V](h, key, val, nil)
			t.lockRoot()
			t.root = x
			t.first.Store(x)
			t.count++
			t.unlockRoot()
			return nil
		}
		if ph := p.hash; ph > h {
			dir = -1
		} else if ph < h {
			dir = 1
		} else if p.key == key {
			return p
		} else if dir = t.order.compareKeys(key, p.key); dir == 0 {
			if !searched {
				searched = true
				if ch := p.left; ch != nil {
					if q := ch.findTreeNode(h, key, t.order); q != nil {
						return q
					}
				}
				if ch := p.right; ch != nil {
					if q := ch.findTreeNode(h, key, t.order); q != nil {
						return q
					}
				}
			}
			dir = t.order.tieBreak(key, p.key)
		}
		xp := p
		if dir <= 0 {
			p = p.left
		} else {
			p = p.right
		}
		if p == nil {
			t.link(xp, dir, newNode[K, V](h, key, val, nil))
			return nil
		}
	}
}

// link attaches x below xp and at the front of the list, then rebalances.
func (t *treeBin[K, V]) link(xp *node[K, V], dir int, x *node[K, V]) {
	t.lockRoot()
	defer t.unlockRoot()
	f := t.first.Load()
	x.parent = xp
	if f != nil {
		x.next.Store(f)
		f.prev = x
	}
	t.first.Store(x)
	if dir <= 0 {
		xp.left = x
	} else {
		xp.right = x
	}
	if !xp.red {
		x.red = true
	} else {
		t.root = balanceInsertion(t.root, x)
	}
	t.count++
}

// removeTreeNode unlinks p, which must be present. It reports whether the bin
// is now small enough to be converted back into a chain. The caller holds the
// bin lock.
func (t *treeBin[K, V]) removeTreeNode(p *node[K, V]) bool {
	t.lockRoot()
	defer t.unlockRoot()

	next, pred := p.next.Load(), p.prev
	if pred == nil {
		t.first.Store(next)
	} else {
		pred.next.Store(next)
	}
	if next != nil {
		next.prev = pred
	}
	t.count--
	if t.first.Load() == nil {
		t.root = nil
		return true
	}

	r := t.root
	var replacement *node[K, V]
	pl, pr := p.left, p.right
	if pl != nil && pr != nil {
		s := pr
		for s.left != nil {
			s = s.left
		}
		// swap colors
		s.red, p.red = p.red, s.red
		sr := s.right
		pp := p.parent
		if s == pr { // p was s's direct parent
			p.parent = s
			s.right = p
		} else {
			sp := s.parent
			if p.parent = sp; sp != nil {
				if s == sp.left {
					sp.left = p
				} else {
					sp.right = p
				}
			}
			if s.right = pr; pr != nil {
				pr.parent = s
			}
		}
		p.left = nil
		if p.right = sr; sr != nil {
			sr.parent = p
		}
		if s.left = pl; pl != nil {
			pl.parent = s
		}
		if s.parent = pp; pp == nil {
			r = s
		} else if p == pp.left {
			pp.left = s
		} else {
			pp.right = s
		}
		if sr != nil {
			replacement = sr
		} else {
			replacement = p
		}
	} else if pl != nil {
		replacement = pl
	} else if pr != nil {
		replacement = pr
	} else {
		replacement = p
	}
	if replacement != p {
		pp := p.parent
		replacement.parent = pp
		if pp == nil {
			r = replacement
		} else if p == pp.left {
			pp.left = replacement
		} else {
			pp.right = replacement
		}
		p.left, p.right, p.parent = nil, nil, nil
	}

	if p.red {
		t.root = r
	} else {
		t.root = balanceDeletion(r, replacement)
	}

	if p == replacement { // detach pointers
		if pp := p.parent; pp != nil {
			if p == pp.left {
				pp.left = nil
			} else if p == pp.right {
				pp.right = nil
			}
			p.parent = nil
		}
	}
	return t.count <= untreeifyThreshold
}

// Red-black tree methods, all adapted from CLR.

func rotateLeft[K comparable, V any](root, p *node[K, V]) *node[K, V] {
	if p == nil || p.right == nil {
		return root
	}
	r := p.right
	rl := r.left
	if p.right = rl; rl != nil {
		rl.parent = p
	}
	pp := p.parent
	if r.parent = pp; pp == nil {
		root = r
		r.red = false
	} else if pp.left == p {
		pp.left = r
	} else {
		pp.right = r
	}
	r.left = p
	p.parent = r
	return root
}

func rotateRight[K comparable, V any](root, p *node[K, V]) *node[K, V] {
	if p == nil || p.left == nil {
		return root
	}
	l := p.left
	lr := l.right
	if p.left = lr; lr != nil {
		lr.parent = p
	}
	pp := p.parent
	if l.parent = pp; pp == nil {
		root = l
		l.red = false
	} else if pp.right == p {
		pp.right = l
	} else {
		pp.left = l
	}
	l.right = p
	p.parent = l
	return root
}

func balanceInsertion[K comparable, V any](root, x *node[K, V]) *node[K, V] {
	x.red = true
	for {
		xp := x.parent
		if xp == nil {
			x.red = false
			return x
		}
		xpp := xp.parent
		if !xp.red || xpp == nil {
			return root
		}
		if xppl := xpp.left; xp == xppl {
			if xppr := xpp.right; xppr != nil && xppr.red {
				xppr.red = false
				xp.red = false
				xpp.red = true
				x = xpp
				continue
			}
			if x == xp.right {
				x = xp
				root = rotateLeft(root, x)
				if xp = x.parent; xp == nil {
					xpp = nil
				} else {
					xpp = xp.parent
				}
			}
			if xp != nil {
				xp.red = false
				if xpp != nil {
					xpp.red = true
					root = rotateRight(root, xpp)
				}
			}
		} else {
			if xppl != nil && xppl.red {
				xppl.red = false
				xp.red = false
				xpp.red = true
				x = xpp
				continue
			}
			if x == xp.left {
				x = xp
				root = rotateRight(root, x)
				if xp = x.parent; xp == nil {
					xpp = nil
				} else {
					xpp = xp.parent
				}
			}
			if xp != nil {
				xp.red = false
				if xpp != nil {
					xpp.red = true
					root = rotateLeft(root, xpp)
				}
			}
		}
	}
}

func isRed[K comparable, V any](n *node[K, V]) bool {
	return n != nil && n.red
}

func balanceDeletion[K comparable, V any](root, x *node[K, V]) *node[K, V] {
	for {
		if x == nil || x == root {
			return root
		}
		xp := x.parent
		if xp == nil {
			x.red = false
			return x
		}
		if x.red {
			x.red = false
			return root
		}
		if xpl := xp.left; xpl == x {
			xpr := xp.right
			if isRed(xpr) {
				xpr.red = false
				xp.red = true
				root = rotateLeft(root, xp)
				if xp = x.parent; xp == nil {
					xpr = nil
				} else {
					xpr = xp.right
				}
			}
			if xpr == nil {
				x = xp
				continue
			}
			sl, sr := xpr.left, xpr.right
			if !isRed(sr) && !isRed(sl) {
				xpr.red = true
				x = xp
				continue
			}
			if !isRed(sr) {
				if sl != nil {
					sl.red = false
				}
				xpr.red = true
				root = rotateRight(root, xpr)
				if xp = x.parent; xp == nil {
					xpr = nil
				} else {
					xpr = xp.right
				}
			}
			if xpr != nil {
				xpr.red = xp != nil && xp.red
				if sr = xpr.right; sr != nil {
					sr.red = false
				}
			}
			if xp != nil {
				xp.red = false
				root = rotateLeft(root, xp)
			}
			x = root
		} else { // symmetric
			if isRed(xpl) {
				xpl.red = false
				xp.red = true
				root = rotateRight(root, xp)
				if xp = x.parent; xp == nil {
					xpl = nil
				} else {
					xpl = xp.left
				}
			}
			if xpl == nil {
				x = xp
				continue
			}
			sl, sr := xpl.left, xpl.right
			if !isRed(sl) && !isRed(sr) {
				xpl.red = true
				x = xp
				continue
			}
			if !isRed(sl) {
				if sr != nil {
					sr.red = false
				}
				xpl.red = true
				root = rotateLeft(root, xpl)
				if xp = x.parent; xp == nil {
					xpl = nil
				} else {
					xpl = xp.left
				}
			}
			if xpl != nil {
				xpl.red = xp != nil && xp.red
				if sl = xpl.left; sl != nil {
					sl.red = false
				}
			}
			if xp != nil {
				xp.red = false
				root = rotateRight(root, xp)
			}
			x = root
		}
	}
}
