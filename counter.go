package chm

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// counterCell is a padded cell of the striped size counter.
type counterCell struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		c atomic.Int64
	}{})%CacheLineSize) % CacheLineSize]byte
	c atomic.Int64
}

type cellTable struct {
	cells []atomic.Pointer[counterCell]
}

// counter is a striped size counter: base plus the sum of the cells. Updates
// go to base until a CAS on it fails, after which contending goroutines are
// spread over cells chosen by a probe value.
type counter struct {
	base  atomic.Int64
	cells atomic.Pointer[cellTable]
	// busy guards creation of cells and the cell table.
	busy     atomic.Int32
	maxCells int
	grown    func(n int)
}

// probes hands out per-P probe values. A probe stays with a P until a
// collision rehashes it, so a goroutine keeps hitting the same cell while
// it runs uncontended.
var probes = sync.Pool{
	New: func() any {
		p := rand.Uint32() | 1
		return &p
	},
}

func advanceProbe(h uint32) uint32 {
	h ^= h << 13
	h ^= h >> 17
	h ^= h << 5
	return h
}

// cellLimit bounds the cell table; more cells than processors cannot
// reduce contention further.
func (c *counter) cellLimit() int {
	if c.maxCells > 0 {
		return c.maxCells
	}
	return runtime.NumCPU()
}

// addPath tells how counter.add applied an update.
type addPath int

const (
	viaBase    addPath = iota // uncontended CAS on base
	viaCell                   // uncontended CAS on an existing cell
	viaFullAdd                // contended; went through fullAdd
)

// add adds x. For viaBase it also returns the new base, which is the whole
// count because no cells exist yet.
func (c *counter) add(x int64) (int64, addPath) {
	ct := c.cells.Load()
	if ct == nil {
		b := c.base.Load()
		if c.base.CompareAndSwap(b, b+x) {
			return b + x, viaBase
		}
	}
	probe := probes.Get().(*uint32)
	defer probes.Put(probe)
	if ct != nil {
		if n := len(ct.cells); n > 0 {
			if cell := ct.cells[int(*probe)&(n-1)].Load(); cell != nil {
				v := cell.c.Load()
				if cell.c.CompareAndSwap(v, v+x) {
					return 0, viaCell
				}
				c.fullAdd(x, probe, false)
				return 0, viaFullAdd
			}
		}
	}
	c.fullAdd(x, probe, true)
	return 0, viaFullAdd
}

// fullAdd handles the contended cases of add: creating the cell table,
// creating cells, growing the table, and rehashing the probe after collisions.
func (c *counter) fullAdd(x int64, probe *uint32, wasUncontended bool) {
	h := *probe
	defer func() { *probe = h }()
	collide := false
	for {
		ct := c.cells.Load()
		if ct != nil && len(ct.cells) > 0 {
			n := len(ct.cells)
			slot := &ct.cells[int(h)&(n-1)]
			if cell := slot.Load(); cell == nil {
				if c.busy.Load() == 0 { // try to attach a new cell
					r := &counterCell{}
					r.c.Store(x)
					if c.busy.CompareAndSwap(0, 1) {
						created := false
						if cur := c.cells.Load(); cur != nil && len(cur.cells) > 0 {
							if s := &cur.cells[int(h)&(len(cur.cells)-1)]; s.Load() == nil {
								s.Store(r)
								created = true
							}
						}
						c.busy.Store(0)
						if created {
							return
						}
						continue // slot is now non-empty
					}
				}
				collide = false
			} else if !wasUncontended { // CAS already known to fail
				wasUncontended = true // continue after rehash
			} else if v := cell.c.Load(); cell.c.CompareAndSwap(v, v+x) {
				return
			} else if c.cells.Load() != ct || n >= c.cellLimit() {
				collide = false // at max size or stale
			} else if !collide {
				collide = true
			} else if c.busy.Load() == 0 && c.busy.CompareAndSwap(0, 1) {
				if c.cells.Load() == ct { // expand table unless stale
					expanded := &cellTable{cells: make([]atomic.Pointer[counterCell], n<<1)}
					for i := range ct.cells {
						expanded.cells[i].Store(ct.cells[i].Load())
					}
					c.cells.Store(expanded)
					if c.grown != nil {
						c.grown(n << 1)
					}
				}
				c.busy.Store(0)
				collide = false
				continue // retry with expanded table
			}
			h = advanceProbe(h)
		} else if c.busy.Load() == 0 && c.cells.Load() == ct && c.busy.CompareAndSwap(0, 1) {
			initialized := false
			if c.cells.Load() == ct {
				fresh := &cellTable{cells: make([]atomic.Pointer[counterCell], 2)}
				r := &counterCell{}
				r.c.Store(x)
				fresh.cells[h&1].Store(r)
				c.cells.Store(fresh)
				initialized = true
			}
			c.busy.Store(0)
			if initialized {
				return
			}
		} else if b := c.base.Load(); c.base.CompareAndSwap(b, b+x) {
			return // fall back on using base
		}
	}
}

// sum returns base plus all cells. Under concurrent updates the result is an
// estimate; once updates stop it is exact.
func (c *counter) sum() int64 {
	s := c.base.Load()
	if ct := c.cells.Load(); ct != nil {
		for i := range ct.cells {
			if cell := ct.cells[i].Load(); cell != nil {
				s += cell.c.Load()
			}
		}
	}
	return s
}

// length returns the number of cell slots.
func (c *counter) length() int {
	if ct := c.cells.Load(); ct != nil {
		return len(ct.cells)
	}
	return 0
}
