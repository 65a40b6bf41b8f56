package chm

import (
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"unsafe"
)

// Map is a hash map safe for concurrent use by multiple goroutines. It
// is organized as an array of bins with per-bin locking:
//
//   - Reads take no locks. They observe the latest completed update of a key
//     and never block, even while the table is being resized.
//   - An insert into an empty bin is a single compare-and-swap. Every other
//     update locks only the bin it touches, so updates to different bins
//     proceed in parallel and updates to one key are linearizable.
//   - Bins that collect many colliding keys are converted into red-black
//     trees, bounding lookups at O(log n) even under adversarial hashing.
//   - The table doubles incrementally. The goroutine that crosses the load
//     threshold starts the resize and any goroutine that meets a bin which has
//     already moved helps to move the rest.
//   - The size is kept in a striped counter. Size is an estimate while
//     updates are in flight and exact once they stop.
//
// Keys and values may not be nil. Iteration is weakly consistent: it never
// fails, it sees every entry present for its whole duration exactly once,
// and it may or may not see concurrent changes.
//
// The zero Map is empty and ready for use. A Map must not be copied after
// first use.
type Map[K comparable, V any] struct {
	table     atomic.Pointer[table[K, V]]
	nextTable atomic.Pointer[table[K, V]]
	// sizeCtl is 0 before the table exists, -1 while it is being created,
	// the resize stamp shifted up plus 1 + the number of active resizers
	// while a resize runs, and otherwise the size at which to resize next.
	sizeCtl atomic.Int32
	// transferIndex is the next table index (plus one) to split during a resize.
	transferIndex atomic.Int32

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		table, nextTable     atomic.Pointer[int]
		sizeCtl, transferIdx atomic.Int32
	}{})%CacheLineSize) % CacheLineSize]byte

	count counter
	cfg   atomic.Pointer[settings[K, V]]
	guard callbackGuard

	resizes        atomic.Uint64
	abortedResizes atomic.Uint64
	treeifies      atomic.Uint64
	untreeifies    atomic.Uint64

	// failAlloc, when set, is consulted before allocating a table.
	failAlloc func(n int) error
}

// settings holds the immutable per-map configuration.
type settings[K comparable, V any] struct {
	keyHash            func(K, uintptr) uintptr
	valEqual           func(a, b V) bool
	order              *keyOrder[K]
	seed               uintptr
	minTreeifyCapacity int
	maxCapacity        int
	logger             Logger
	nilKey, nilValue   bool
	valueType          string
}

func (s *settings[K, V]) hash(key K) int32 {
	return spread(fold(s.keyHash(key, s.seed)))
}

// equal compares two values with valEqual. Interface values whose dynamic
// type cannot be compared make == panic; that panic is returned as an
// incomparable value error.
func (s *settings[K, V]) equal(op string, a, b V) (eq bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			re, ok := r.(runtime.Error)
			if !ok || !strings.Contains(re.Error(), "uncomparable") {
				panic(r)
			}
			eq, err = false, newErrIncomparableValue(op, fmt.Sprintf("%T", a))
		}
	}()
	return s.valEqual(a, b), nil
}

// NewMap creates a new Map instance. Direct initialization is also supported.
//
// Parameters:
//   - WithPresize option for initial capacity
//   - WithLogger, WithKeyCompare, WithMinTreeifyCapacity, WithMaxCapacity
func NewMap[K comparable, V any](options ...func(*MapConfig)) *Map[K, V] {
	return NewMapWithHasher[K, V](nil, nil, options...)
}

// NewMapWithHasher creates a Map with custom hashing and equality functions.
//
// Parameters:
//   - keyHash: nil uses the built-in hasher
//   - valEqual: nil uses ==; if V is not comparable, CompareAndSwap,
//     CompareAndDelete and ContainsValue then report ErrCodeIncomparableValue
//
// Non-nil arguments take precedence over WithHasher and WithValueEqual.
func NewMapWithHasher[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	valEqual func(val, val2 V) bool,
	options ...func(*MapConfig),
) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(keyHash, valEqual, options...)
	return m
}

// Init configures a zero Map. It must be called before the map is shared
// and has no effect on a map that has already been used.
func (m *Map[K, V]) Init(
	keyHash func(key K, seed uintptr) uintptr,
	valEqual func(val, val2 V) bool,
	options ...func(*MapConfig),
) {
	c := newMapConfig(options)
	s := newSettings(keyHash, valEqual, c)
	if !m.cfg.CompareAndSwap(nil, s) {
		return
	}
	m.count.grown = func(n int) {
		s.logger.Debug("size counter expanded", "cells", n)
	}
	if n := initialCapacity(c.sizeHint, s.maxCapacity); n > 0 {
		m.sizeCtl.Store(int32(n))
	}
}

func newSettings[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	valEqual func(val, val2 V) bool,
	c *MapConfig,
) *settings[K, V] {
	if keyHash == nil {
		keyHash, _ = c.keyHash.(func(K, uintptr) uintptr)
	}
	if keyHash == nil {
		keyHash = defaultHasher[K]()
	}
	if valEqual == nil {
		valEqual, _ = c.valEqual.(func(V, V) bool)
	}
	if valEqual == nil {
		valEqual = defaultValueEqual[V]()
	}
	compare, _ := c.keyCompare.(func(a, b K) int)
	vt := reflect.TypeFor[V]()
	return &settings[K, V]{
		keyHash:            keyHash,
		valEqual:           valEqual,
		order:              newKeyOrder(compare),
		seed:               uintptr(rand.Uint64()),
		minTreeifyCapacity: c.minTreeifyCapacity,
		maxCapacity:        c.maxCapacity,
		logger:             c.logger,
		nilKey:             isNillable(reflect.TypeFor[K]()),
		nilValue:           isNillable(vt),
		valueType:          vt.String(),
	}
}

// settings returns the map configuration, installing the defaults on first
// use of a zero Map.
func (m *Map[K, V]) settings() *settings[K, V] {
	if s := m.cfg.Load(); s != nil {
		return s
	}
	s := newSettings[K, V](nil, nil, newMapConfig(nil))
	if m.cfg.CompareAndSwap(nil, s) {
		return s
	}
	return m.cfg.Load()
}

// ComputeOp tells a compute callback's caller what to do with the entry.
type ComputeOp int

const (
	// CancelOp signals to Compute to not do anything as a result
	// of executing the lambda. If the entry was not present in
	// the map, nothing happens, and if it was present, the
	// returned value is ignored.
	CancelOp ComputeOp = iota
	// UpdateOp signals to Compute to update the entry to the
	// value returned by the lambda, creating it if necessary.
	UpdateOp
	// DeleteOp signals to Compute to always delete the entry
	// from the map.
	DeleteOp
)

// Load returns the value stored in the map for a key, or the zero value
// if no value is present. The ok result indicates whether value was found
// in the map. Load never blocks; a nil key is reported as absent.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	s := m.settings()
	if s.nilKey && isNil(key) {
		return
	}
	tab := m.table.Load()
	if tab == nil {
		return
	}
	h := s.hash(key)
	if e := tab.at(int(h) & (len(tab.bins) - 1)).find(h, key); e != nil {
		return e.value(), true
	}
	return
}

// HasKey reports whether the map holds key.
func (m *Map[K, V]) HasKey(key K) bool {
	_, ok := m.Load(key)
	return ok
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V) error {
	_, _, err := m.Swap(key, value)
	return err
}

// Swap stores value for key and returns the previous value if any.
// The loaded result reports whether the key was present.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool, err error) {
	s := m.settings()
	if err = s.checkEntry("Swap", key, value); err != nil {
		return
	}
	return m.processEntry(s, "Swap", key, false, func(*V) (V, ComputeOp) {
		return value, UpdateOp
	})
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool, err error) {
	s := m.settings()
	if err = s.checkEntry("LoadOrStore", key, value); err != nil {
		return
	}
	if v, ok := m.Load(key); ok {
		return v, true, nil
	}
	actual = value
	prev, loaded, err := m.processEntry(s, "LoadOrStore", key, false, func(old *V) (V, ComputeOp) {
		if old != nil {
			return *old, CancelOp
		}
		return value, UpdateOp
	})
	if loaded {
		actual = prev
	}
	return actual, loaded, err
}

// Delete deletes the value for a key.
func (m *Map[K, V]) Delete(key K) error {
	_, _, err := m.LoadAndDelete(key)
	return err
}

// LoadAndDelete deletes the value for a key, returning the previous
// value if any. The loaded result reports whether the key was present.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool, err error) {
	s := m.settings()
	if s.nilKey && isNil(key) {
		return value, false, newErrNilKey("LoadAndDelete")
	}
	return m.processEntry(s, "LoadAndDelete", key, false, func(old *V) (V, ComputeOp) {
		if old == nil {
			return *new(V), CancelOp
		}
		return *old, DeleteOp
	})
}

// Replace stores value only if key is present, returning the previous value.
func (m *Map[K, V]) Replace(key K, value V) (previous V, replaced bool, err error) {
	s := m.settings()
	if err = s.checkEntry("Replace", key, value); err != nil {
		return
	}
	return m.processEntry(s, "Replace", key, false, func(old *V) (V, ComputeOp) {
		if old == nil {
			return *new(V), CancelOp
		}
		return value, UpdateOp
	})
}

// CompareAndSwap stores value for key if the value stored in the map is
// equal to expected. For interface value types, comparing two values that
// hold the same uncomparable dynamic type fails with ErrCodeIncomparableValue.
func (m *Map[K, V]) CompareAndSwap(key K, expected V, value V) (swapped bool, err error) {
	const op = "CompareAndSwap"
	s := m.settings()
	if err = s.checkEntry(op, key, value); err != nil {
		return
	}
	if s.nilValue && isNil(expected) {
		return false, newErrNilValue(op, argumentExpectedValue)
	}
	if s.valEqual == nil {
		return false, newErrIncomparableValue(op, s.valueType)
	}
	var eqErr error
	_, _, err = m.processEntry(s, op, key, false, func(cur *V) (V, ComputeOp) {
		swapped = false
		if cur != nil {
			swapped, eqErr = s.equal(op, *cur, expected)
		}
		if !swapped {
			return *new(V), CancelOp
		}
		return value, UpdateOp
	})
	if err == nil {
		err = eqErr
	}
	return swapped, err
}

// CompareAndDelete deletes the entry for key if its value is equal to expected.
func (m *Map[K, V]) CompareAndDelete(key K, expected V) (deleted bool, err error) {
	const op = "CompareAndDelete"
	s := m.settings()
	if err = s.checkEntry(op, key, expected); err != nil {
		return
	}
	if s.valEqual == nil {
		return false, newErrIncomparableValue(op, s.valueType)
	}
	var eqErr error
	_, _, err = m.processEntry(s, op, key, false, func(cur *V) (V, ComputeOp) {
		deleted = false
		if cur != nil {
			deleted, eqErr = s.equal(op, *cur, expected)
		}
		if !deleted {
			return *new(V), CancelOp
		}
		return *cur, DeleteOp
	})
	if err == nil {
		err = eqErr
	}
	return deleted, err
}

// LoadOrCompute returns the existing value for the key if present.
// Otherwise, it tries to compute the value using the provided function
// and, if successful, stores and returns the computed value.
// The loaded result is true if the value was loaded, or false if computed.
// If valueFn returns true as the cancel value, the computation is
// cancelled and the zero value for type V is returned.
//
// valueFn runs at most once, while the key's bin is locked or reserved.
// Other updates to the same bin wait for it. valueFn must not update
// this map; doing so fails with ErrCodeReentrantUpdate.
func (m *Map[K, V]) LoadOrCompute(
	key K,
	valueFn func() (newValue V, cancel bool),
) (value V, loaded bool, err error) {
	const op = "LoadOrCompute"
	s := m.settings()
	if s.nilKey && isNil(key) {
		return value, false, newErrNilKey(op)
	}
	if v, ok := m.Load(key); ok {
		return v, true, nil
	}
	var cbErr error
	prev, loaded, err := m.processEntry(s, op, key, true, func(old *V) (V, ComputeOp) {
		if old != nil {
			return *old, CancelOp
		}
		var (
			nv     V
			cancel bool
		)
		m.guard.run(func() { nv, cancel = valueFn() })
		if cancel {
			value = *new(V)
			return value, CancelOp
		}
		if s.nilValue && isNil(nv) {
			cbErr = newErrNilValue(op, argumentValue)
			return nv, CancelOp
		}
		value = nv
		return nv, UpdateOp
	})
	if loaded {
		return prev, true, err
	}
	if cbErr != nil {
		return *new(V), false, cbErr
	}
	return value, false, err
}

// Compute either sets the computed new value for the key,
// deletes the value for the key, or does nothing, based on
// the returned [ComputeOp]. When the op returned by valueFn
// is [UpdateOp], the value is updated to the new value. If
// it is [DeleteOp], the entry is removed from the map
// altogether. And finally, if the op is [CancelOp] then the
// entry is left as-is. The ok result indicates whether the
// entry is present in the map after the compute operation.
// The actual result contains the value of the map if a
// corresponding entry is present, or the zero value otherwise.
//
// valueFn runs exactly once, while the key's bin is locked or
// reserved. valueFn must not update this map; doing so fails
// with ErrCodeReentrantUpdate.
func (m *Map[K, V]) Compute(
	key K,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp),
) (actual V, ok bool, err error) {
	const op = "Compute"
	s := m.settings()
	if s.nilKey && isNil(key) {
		return actual, false, newErrNilKey(op)
	}
	var cbErr error
	_, _, err = m.processEntry(s, op, key, true, func(old *V) (V, ComputeOp) {
		var (
			cur    V
			nv     V
			result ComputeOp
		)
		if old != nil {
			cur = *old
		}
		m.guard.run(func() { nv, result = valueFn(cur, old != nil) })
		return m.settle(s, op, old, nv, result, &actual, &ok, &cbErr)
	})
	if cbErr != nil {
		return actual, ok, cbErr
	}
	return actual, ok, err
}

// ComputeIfPresent runs valueFn on the current value of key, if there is one,
// and applies the returned op. Absent keys are left absent without calling
// valueFn. The ok result indicates whether the entry is present afterwards.
func (m *Map[K, V]) ComputeIfPresent(
	key K,
	valueFn func(oldValue V) (newValue V, op ComputeOp),
) (actual V, ok bool, err error) {
	const op = "ComputeIfPresent"
	s := m.settings()
	if s.nilKey && isNil(key) {
		return actual, false, newErrNilKey(op)
	}
	var cbErr error
	_, _, err = m.processEntry(s, op, key, false, func(old *V) (V, ComputeOp) {
		if old == nil {
			actual, ok = *new(V), false
			return actual, CancelOp
		}
		var (
			nv     V
			result ComputeOp
		)
		m.guard.run(func() { nv, result = valueFn(*old) })
		return m.settle(s, op, old, nv, result, &actual, &ok, &cbErr)
	})
	if cbErr != nil {
		return actual, ok, cbErr
	}
	return actual, ok, err
}

// Merge stores value if key is absent. Otherwise it calls remap with the
// current and the given value and applies the returned op. The ok result
// indicates whether the entry is present afterwards.
func (m *Map[K, V]) Merge(
	key K,
	value V,
	remap func(oldValue, value V) (newValue V, op ComputeOp),
) (actual V, ok bool, err error) {
	const op = "Merge"
	s := m.settings()
	if err = s.checkEntry(op, key, value); err != nil {
		return
	}
	var cbErr error
	_, _, err = m.processEntry(s, op, key, false, func(old *V) (V, ComputeOp) {
		if old == nil {
			actual, ok = value, true
			return value, UpdateOp
		}
		var (
			nv     V
			result ComputeOp
		)
		m.guard.run(func() { nv, result = remap(*old, value) })
		return m.settle(s, op, old, nv, result, &actual, &ok, &cbErr)
	})
	if cbErr != nil {
		return actual, ok, cbErr
	}
	return actual, ok, err
}

// settle turns a callback result into the op applied by processEntry and
// records what the caller reports.
func (m *Map[K, V]) settle(
	s *settings[K, V],
	op string,
	old *V,
	nv V,
	result ComputeOp,
	actual *V,
	ok *bool,
	cbErr *error,
) (V, ComputeOp) {
	switch result {
	case UpdateOp:
		if s.nilValue && isNil(nv) {
			*cbErr = newErrNilValue(op, argumentValue)
			break
		}
		*actual, *ok = nv, true
		return nv, UpdateOp
	case DeleteOp:
		*actual, *ok = *new(V), false
		return nv, DeleteOp
	}
	if old != nil {
		*actual, *ok = *old, true
	} else {
		*actual, *ok = *new(V), false
	}
	return nv, CancelOp
}

func (s *settings[K, V]) checkEntry(op string, key K, value V) error {
	if s.nilKey && isNil(key) {
		return newErrNilKey(op)
	}
	if s.nilValue && isNil(value) {
		return newErrNilValue(op, argumentValue)
	}
	return nil
}

// processResult carries the outcome of one locked pass over a bin.
type processResult[V any] struct {
	prev     V
	loaded   bool
	delta    int64
	binCount int
}

// processEntry is the single path for every update. It locates the bin of
// key, locks it and calls fn with the current value, nil when key is
// absent. fn returns the new value and what to do with it.
//
// An absent key whose bin is empty is inserted with a compare-and-swap. fn
// is then called without a lock and may be called again if the swap loses a
// race, so it must be free of side effects. With reserve set the bin is
// claimed with a reservation node instead, and fn runs exactly once.
func (m *Map[K, V]) processEntry(
	s *settings[K, V],
	op string,
	key K,
	reserve bool,
	fn func(old *V) (V, ComputeOp),
) (previous V, loaded bool, err error) {
	if m.guard.inCallback() {
		return previous, false, newErrReentrantUpdate(op)
	}
	h := s.hash(key)
	var (
		r   processResult[V]
		tab = m.table.Load()
		i   int
	)
	for {
		if tab == nil {
			if !reserve {
				if _, o := fn(nil); o != UpdateOp {
					return
				}
			}
			if tab, err = m.initTable(s); err != nil {
				return
			}
			continue
		}
		i = int(h) & (len(tab.bins) - 1)
		f := tab.at(i)
		if f == nil {
			if reserve {
				if m.processReserved(tab, i, h, key, fn, &r) {
					break
				}
				continue
			}
			nv, o := fn(nil)
			if o != UpdateOp {
				return
			}
			if tab.cas(i, nil, newNode[K, V](h, key, &nv, nil)) {
				r.delta = 1
				break
			}
			continue
		}
		if f.hash == moved {
			tab = m.helpTransfer(s, tab, f.nextTable)
			continue
		}
		if m.processBin(tab, i, f, h, key, fn, &r) {
			break
		}
	}

	if r.delta >= 0 && r.binCount >= treeifyThreshold {
		err = m.treeifyBin(s, tab, i)
	}
	if r.delta != 0 {
		check := r.binCount
		if r.delta < 0 {
			check = -1
		}
		if cerr := m.addCount(s, r.delta, check); cerr != nil {
			err = cerr
		}
	}
	return r.prev, r.loaded, err
}

// processReserved runs fn for an absent key while holding a reservation on
// the empty bin i. It reports false if the bin was no longer empty.
func (m *Map[K, V]) processReserved(
	tab *table[K, V],
	i int,
	h int32,
	key K,
	fn func(old *V) (V, ComputeOp),
	r *processResult[V],
) bool {
	rn := newReservationNode[K, V]()
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if !tab.cas(i, nil, rn) {
		return false
	}
	var installed *node[K, V]
	// Runs before the unlock, also when fn panics.
	defer func() { tab.set(i, installed) }()
	r.binCount = 1
	if nv, o := fn(nil); o == UpdateOp {
		installed = newNode[K, V](h, key, &nv, nil)
		r.delta = 1
	}
	return true
}

// processBin applies fn to key inside the bin headed by f. It reports false
// if f stopped being the head of bin i before the lock was acquired.
func (m *Map[K, V]) processBin(
	tab *table[K, V],
	i int,
	f *node[K, V],
	h int32,
	key K,
	fn func(old *V) (V, ComputeOp),
	r *processResult[V],
) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tab.at(i) != f {
		return false
	}
	switch {
	case f.hash >= 0:
		r.binCount = 1
		var pred *node[K, V]
		for e := f; ; r.binCount++ {
			if e.hash == h && e.key == key {
				old := e.val.Load()
				r.prev, r.loaded = *old, true
				nv, o := fn(old)
				switch o {
				case UpdateOp:
					e.val.Store(&nv)
				case DeleteOp:
					r.delta = -1
					if en := e.next.Load(); pred != nil {
						pred.next.Store(en)
					} else {
						tab.set(i, en)
					}
				}
				return true
			}
			pred = e
			if e = e.next.Load(); e == nil {
				if nv, o := fn(nil); o == UpdateOp {
					pred.next.Store(newNode[K, V](h, key, &nv, nil))
					r.delta = 1
				}
				return true
			}
		}
	case f.hash == treeBinHash:
		r.binCount = 2
		t := f.tree
		p := t.root.findTreeNode(h, key, t.order)
		var old *V
		if p != nil {
			old = p.val.Load()
			r.prev, r.loaded = *old, true
		}
		nv, o := fn(old)
		switch {
		case o == UpdateOp && p != nil:
			p.val.Store(&nv)
		case o == UpdateOp:
			t.putTreeVal(h, key, &nv)
			r.delta = 1
		case o == DeleteOp && p != nil:
			r.delta = -1
			if t.removeTreeNode(p) {
				tab.set(i, untreeify(t.first.Load()))
				m.untreeifies.Add(1)
				m.settings().logger.Debug("bin untreeified", "index", i, "capacity", len(tab.bins))
			}
		}
		return true
	}
	// A reservation that was released while we waited for its lock.
	return false
}

// Clear deletes all the entries, resulting in an empty Map.
func (m *Map[K, V]) Clear() error {
	if m.guard.inCallback() {
		return newErrReentrantUpdate("Clear")
	}
	s := m.settings()
	var delta int64
	tab := m.table.Load()
	for i := 0; tab != nil && i < len(tab.bins); {
		f := tab.at(i)
		switch {
		case f == nil:
			i++
		case f.hash == moved:
			tab = m.helpTransfer(s, tab, f.nextTable)
			i = 0
		default:
			if n, ok := m.clearBin(tab, i, f); ok {
				delta -= n
				i++
			}
		}
	}
	if delta != 0 {
		return m.addCount(s, delta, -1)
	}
	return nil
}

func (m *Map[K, V]) clearBin(tab *table[K, V], i int, f *node[K, V]) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tab.at(i) != f {
		return 0, false
	}
	var p *node[K, V]
	switch {
	case f.hash >= 0:
		p = f
	case f.hash == treeBinHash:
		p = f.tree.first.Load()
	default:
		return 0, false
	}
	var n int64
	for ; p != nil; p = p.next.Load() {
		n++
	}
	tab.set(i, nil)
	return n, true
}

// EnsureCapacity grows the table so that it holds expected entries without
// further resizing. A resize already in flight is helped to completion first.
func (m *Map[K, V]) EnsureCapacity(expected int) error {
	if m.guard.inCallback() {
		return newErrReentrantUpdate("EnsureCapacity")
	}
	if expected <= 0 {
		return nil
	}
	return m.tryPresize(m.settings(), expected)
}

// StoreAll copies every entry of src into the map, growing the table once
// up front.
func (m *Map[K, V]) StoreAll(src map[K]V) error {
	if err := m.EnsureCapacity(len(src)); err != nil {
		return err
	}
	for k, v := range src {
		if err := m.Store(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceAll replaces the value of every entry with fn(key, value). fn runs
// without any lock held. If an entry is updated between the call to fn and
// the write, fn is applied again to the newer value; an entry deleted in
// between is skipped. A nil result fails with ErrCodeInvalidArgument and
// leaves the remaining entries untouched.
func (m *Map[K, V]) ReplaceAll(fn func(key K, value V) V) error {
	const op = "ReplaceAll"
	s := m.settings()
	tab := m.table.Load()
	if tab == nil {
		return nil
	}
	it := newTraverser(tab)
	for p := it.advance(); p != nil; p = it.advance() {
		for old := p.val.Load(); old != nil; {
			nv := fn(p.key, *old)
			if s.nilValue && isNil(nv) {
				return newErrNilValue(op, argumentValue)
			}
			var cur *V
			_, _, err := m.processEntry(s, op, p.key, false, func(v *V) (V, ComputeOp) {
				if cur = v; v != old {
					return *new(V), CancelOp
				}
				return nv, UpdateOp
			})
			if err != nil {
				return err
			}
			if cur == old {
				break
			}
			old = cur
		}
	}
	return nil
}

// EstimatedCount returns the number of entries. It is exact when no update
// is in flight and an estimate otherwise.
func (m *Map[K, V]) EstimatedCount() int64 {
	return max(m.count.sum(), 0)
}

// Size returns the number of key-value pairs in the map.
// This is an O(1) operation; see EstimatedCount.
func (m *Map[K, V]) Size() int {
	n := m.EstimatedCount()
	if n > math.MaxInt {
		return math.MaxInt
	}
	return int(n)
}

// IsZero reports whether the map holds no entries.
func (m *Map[K, V]) IsZero() bool {
	return m.count.sum() <= 0
}

// ContainsValue reports whether some key maps to value. It scans the whole
// table.
func (m *Map[K, V]) ContainsValue(value V) (bool, error) {
	const op = "ContainsValue"
	s := m.settings()
	if s.nilValue && isNil(value) {
		return false, newErrNilValue(op, argumentValue)
	}
	if s.valEqual == nil {
		return false, newErrIncomparableValue(op, s.valueType)
	}
	tab := m.table.Load()
	if tab == nil {
		return false, nil
	}
	it := newTraverser(tab)
	for p := it.advance(); p != nil; p = it.advance() {
		if eq, err := s.equal(op, p.value(), value); eq || err != nil {
			return eq, err
		}
	}
	return false, nil
}

// ToMap collect all entries and return a map[K]V
func (m *Map[K, V]) ToMap() map[K]V {
	a := make(map[K]V, m.Size())
	m.Range(func(k K, v V) bool {
		a[k] = v
		return true
	})
	return a
}

// String formats the map as {k1=v1, k2=v2}.
func (m *Map[K, V]) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	m.Range(func(k K, v V) bool {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%v=%v", k, v)
		return true
	})
	sb.WriteByte('}')
	return sb.String()
}

// Clone returns a copy of the map with the same configuration. It stops at
// the first error, which is ErrCodeResourceExhausted if the copy's table
// cannot be allocated.
func (m *Map[K, V]) Clone() (*Map[K, V], error) {
	s := m.settings()
	clone := &Map[K, V]{failAlloc: m.failAlloc}
	clone.cfg.Store(s)
	clone.count.grown = m.count.grown
	if n := initialCapacity(m.Size(), s.maxCapacity); n > 0 {
		clone.sizeCtl.Store(int32(n))
	}
	var err error
	m.Range(func(k K, v V) bool {
		err = clone.Store(k, v)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}
