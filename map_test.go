package chm

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var (
	testData    [128]string
	testDataInt [128]int
)

func init() {
	for i := range testData {
		testData[i] = fmt.Sprintf("%b", i)
	}
	for i := range testDataInt {
		testDataInt[i] = i
	}
}

type structKey struct {
	Service  uint32
	Instance uint64
}

func sizeBasedOnRange[K comparable, V any](m *Map[K, V]) int {
	size := 0
	m.Range(func(key K, value V) bool {
		size++
		return true
	})
	return size
}

func TestMap_ZeroValue(t *testing.T) {
	var m Map[string, int]
	if _, ok := m.Load("foo"); ok {
		t.Fatal("value found in zero map")
	}
	if !m.IsZero() || m.Size() != 0 {
		t.Fatalf("zero map is not empty: %d", m.Size())
	}
	if err := m.Store("foo", 1); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if v, ok := m.Load("foo"); !ok || v != 1 {
		t.Fatalf("got %v, %v; want 1, true", v, ok)
	}
	if mt := m.Metrics(); mt.Capacity != defaultCapacity {
		t.Fatalf("unexpected capacity: %d", mt.Capacity)
	}
}

func TestMapMisc(t *testing.T) {
	m := NewMap[int, int]()
	if s := m.String(); s != "{}" {
		t.Fatalf("unexpected String for empty map: %q", s)
	}
	m.Store(1, 2)
	if s := m.String(); s != "{1=2}" {
		t.Fatalf("unexpected String: %q", s)
	}
	m.Store(3, 4)
	if s := m.String(); s != "{1=2, 3=4}" {
		t.Fatalf("unexpected String: %q", s)
	}
	if !m.HasKey(3) || m.HasKey(5) {
		t.Fatal("HasKey mismatch")
	}
	if m.IsZero() {
		t.Fatal("map with entries reported as zero")
	}
}

func TestMap_MissingEntry(t *testing.T) {
	m := NewMap[string, string]()
	v, ok := m.Load("foo")
	if ok {
		t.Fatalf("value was not expected: %v", v)
	}
	if deleted, loaded, _ := m.LoadAndDelete("foo"); loaded {
		t.Fatalf("value was not expected %v", deleted)
	}
	if actual, loaded, _ := m.LoadOrStore("foo", "bar"); loaded {
		t.Fatalf("value was not expected %v", actual)
	}
}

func TestMap_EmptyStringKey(t *testing.T) {
	m := NewMap[string, string]()
	m.Store("", "foobar")
	v, ok := m.Load("")
	if !ok {
		t.Fatal("value was expected")
	}
	if v != "foobar" {
		t.Fatalf("value does not match: %v", v)
	}
}

func TestMapRange(t *testing.T) {
	const numEntries = 1000
	m := NewMap[string, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	iters := 0
	met := make(map[string]int)
	m.Range(func(key string, value int) bool {
		if key != strconv.Itoa(value) {
			t.Fatalf("got unexpected key/value for iteration %d: %v/%v", iters, key, value)
			return false
		}
		met[key] += 1
		iters++
		return true
	})
	if iters != numEntries {
		t.Fatalf("got unexpected number of iterations: %d", iters)
	}
	for i := 0; i < numEntries; i++ {
		if c := met[strconv.Itoa(i)]; c != 1 {
			t.Fatalf("range did not iterate correctly over %d: %d", i, c)
		}
	}
}

func TestMapRange_FalseReturned(t *testing.T) {
	m := NewMap[string, int]()
	for i := 0; i < 100; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	iters := 0
	m.Range(func(key string, value int) bool {
		iters++
		return iters != 13
	})
	if iters != 13 {
		t.Fatalf("got unexpected number of iterations: %d", iters)
	}
}

func TestMapRange_NestedDelete(t *testing.T) {
	const numEntries = 256
	m := NewMap[string, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	m.Range(func(key string, value int) bool {
		m.Delete(key)
		return true
	})
	for i := 0; i < numEntries; i++ {
		if _, ok := m.Load(strconv.Itoa(i)); ok {
			t.Fatalf("value found for %d", i)
		}
	}
	if s := m.Size(); s != 0 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestMapAllKeysValues(t *testing.T) {
	m := NewMap[int, int]()
	for _, i := range testDataInt {
		m.Store(i, i*2)
	}
	sum := 0
	for k, v := range m.All() {
		if v != k*2 {
			t.Fatalf("unexpected value for %d: %d", k, v)
		}
		sum++
	}
	keys, values := 0, 0
	for range m.Keys() {
		keys++
	}
	for v := range m.Values() {
		if v%2 != 0 {
			t.Fatalf("unexpected value: %d", v)
		}
		values++
	}
	if sum != len(testDataInt) || keys != sum || values != sum {
		t.Fatalf("unexpected counts: %d %d %d", sum, keys, values)
	}
}

func TestMapStringStore(t *testing.T) {
	m := NewMap[string, int]()
	for i, s := range testData {
		m.Store(s, i)
	}
	for i, s := range testData {
		v, ok := m.Load(s)
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func TestMapStore_StructKeys_StructValues(t *testing.T) {
	const numEntries = 128
	m := NewMap[structKey, structKey]()
	for i := 0; i < numEntries; i++ {
		m.Store(structKey{uint32(i), 42}, structKey{uint32(i), 43})
	}
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(structKey{uint32(i), 42})
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v.Service != uint32(i) || v.Instance != 43 {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func TestMapWithHasher_HashCodeCollisions(t *testing.T) {
	const numEntries = 1000
	m := NewMapWithHasher[int, int](func(_ int, _ uintptr) uintptr {
		// We intentionally use an awful hash function here to make sure
		// that the map copes with key collisions.
		return 42
	}, nil)
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(i)
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
	if stats := m.Stats(); stats.TreeBins != 1 || stats.Size != numEntries {
		t.Fatalf("expected one tree bin holding everything:\n%s", stats.ToString())
	}
	for i := 0; i < numEntries; i += 2 {
		m.Delete(i)
	}
	for i := 0; i < numEntries; i++ {
		if _, ok := m.Load(i); ok != (i%2 == 1) {
			t.Fatalf("unexpected presence for %d: %v", i, ok)
		}
	}
}

func TestMapWithHasherOption(t *testing.T) {
	var calls atomic.Int64
	m := NewMap[int, int](WithHasher(func(k int, _ uintptr) uintptr {
		calls.Add(1)
		return uintptr(k)
	}))
	m.Store(1, 1)
	m.Load(1)
	if calls.Load() == 0 {
		t.Fatal("custom hasher was not used")
	}
}

func TestMapLoadOrStore(t *testing.T) {
	const numEntries = 1000
	m := NewMap[string, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	for i := 0; i < numEntries; i++ {
		if v, loaded, _ := m.LoadOrStore(strconv.Itoa(i), i+1); !loaded || v != i {
			t.Fatalf("value not loaded for %d: %v", i, v)
		}
	}
	if v, loaded, _ := m.LoadOrStore("new", 7); loaded || v != 7 {
		t.Fatalf("value not stored: %v, %v", v, loaded)
	}
}

func TestMapLoadOrCompute(t *testing.T) {
	const numEntries = 1000
	m := NewMap[string, int]()
	for i := 0; i < numEntries; i++ {
		v, loaded, _ := m.LoadOrCompute(strconv.Itoa(i), func() (newValue int, cancel bool) {
			return i, true
		})
		if loaded {
			t.Fatalf("value not computed for %d", i)
		}
		if v != 0 {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
	if m.Size() != 0 {
		t.Fatalf("zero map size expected: %d", m.Size())
	}
	for i := 0; i < numEntries; i++ {
		v, loaded, _ := m.LoadOrCompute(strconv.Itoa(i), func() (newValue int, cancel bool) {
			return i, false
		})
		if loaded {
			t.Fatalf("value not computed for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
	for i := 0; i < numEntries; i++ {
		v, loaded, _ := m.LoadOrCompute(strconv.Itoa(i), func() (newValue int, cancel bool) {
			t.Fatalf("value func invoked")
			return newValue, false
		})
		if !loaded {
			t.Fatalf("value not loaded for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func TestMapLoadOrCompute_FunctionCalledOnce(t *testing.T) {
	m := NewMap[int, int]()
	for i := 0; i < 100; {
		m.LoadOrCompute(i, func() (newValue int, cancel bool) {
			newValue, i = i, i+1
			return newValue, false
		})
	}
	m.Range(func(k, v int) bool {
		if k != v {
			t.Fatalf("%dth key is not equal to value %d", k, v)
		}
		return true
	})
}

func TestMapLoadOrCompute_ConcurrentCallsOnce(t *testing.T) {
	const numGoroutines = 16
	m := NewMap[string, int]()
	var calls atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := m.LoadOrCompute("once", func() (int, bool) {
				calls.Add(1)
				return 42, false
			})
			if err != nil || v != 42 {
				t.Errorf("unexpected result: %v, %v", v, err)
			}
		}()
	}
	wg.Wait()
	if c := calls.Load(); c != 1 {
		t.Fatalf("value function called %d times", c)
	}
}

func TestMapCompute(t *testing.T) {
	m := NewMap[string, int]()
	// Store a new value.
	v, ok, _ := m.Compute("foobar", func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		if oldValue != 0 || loaded {
			t.Fatalf("oldValue should be 0 when computing a new value: %d", oldValue)
		}
		return 42, UpdateOp
	})
	if v != 42 || !ok {
		t.Fatalf("v should be 42 and present: %d, %v", v, ok)
	}
	// Update an existing value.
	v, ok, _ = m.Compute("foobar", func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		if oldValue != 42 || !loaded {
			t.Fatalf("oldValue should be 42 when updating the value: %d", oldValue)
		}
		return oldValue + 42, UpdateOp
	})
	if v != 84 || !ok {
		t.Fatalf("v should be 84 and present: %d, %v", v, ok)
	}
	// Cancel an update.
	v, ok, _ = m.Compute("foobar", func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		return 0, CancelOp
	})
	if v != 84 || !ok {
		t.Fatalf("v should be 84 after cancel: %d, %v", v, ok)
	}
	// Delete an existing value.
	v, ok, _ = m.Compute("foobar", func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		if oldValue != 84 {
			t.Fatalf("oldValue should be 84 when deleting the value: %d", oldValue)
		}
		return 0, DeleteOp
	})
	if v != 0 || ok {
		t.Fatalf("v should be 0 and absent: %d, %v", v, ok)
	}
	if _, ok := m.Load("foobar"); ok {
		t.Fatal("value was not deleted")
	}
	// Cancel on a missing key.
	v, ok, _ = m.Compute("foobar", func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		return 1, CancelOp
	})
	if v != 0 || ok || m.Size() != 0 {
		t.Fatalf("cancel on missing key changed the map: %d, %v", v, ok)
	}
	// Delete on a missing key.
	_, ok, _ = m.Compute("foobar", func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		return 0, DeleteOp
	})
	if ok || m.Size() != 0 {
		t.Fatal("delete on missing key changed the map")
	}
}

func TestMapComputeIfPresent(t *testing.T) {
	m := NewMap[string, int]()
	_, ok, _ := m.ComputeIfPresent("foo", func(int) (int, ComputeOp) {
		t.Fatal("callback invoked for missing key")
		return 0, UpdateOp
	})
	if ok || m.Size() != 0 {
		t.Fatal("missing key must stay missing")
	}
	m.Store("foo", 1)
	v, ok, _ := m.ComputeIfPresent("foo", func(old int) (int, ComputeOp) {
		return old + 1, UpdateOp
	})
	if v != 2 || !ok {
		t.Fatalf("unexpected result: %d, %v", v, ok)
	}
	_, ok, _ = m.ComputeIfPresent("foo", func(old int) (int, ComputeOp) {
		return 0, DeleteOp
	})
	if ok || m.HasKey("foo") {
		t.Fatal("entry was not deleted")
	}
}

func TestMapMerge(t *testing.T) {
	m := NewMap[string, int]()
	add := func(old, v int) (int, ComputeOp) { return old + v, UpdateOp }
	if v, ok, _ := m.Merge("foo", 5, add); v != 5 || !ok {
		t.Fatalf("merge into missing key: %d, %v", v, ok)
	}
	if v, ok, _ := m.Merge("foo", 5, add); v != 10 || !ok {
		t.Fatalf("merge into present key: %d, %v", v, ok)
	}
	v, ok, _ := m.Merge("foo", 0, func(old, v int) (int, ComputeOp) {
		return 0, DeleteOp
	})
	if v != 0 || ok || m.HasKey("foo") {
		t.Fatalf("merge delete: %d, %v", v, ok)
	}
}

func TestMapReplaceAndSwap(t *testing.T) {
	m := NewMap[string, int]()
	if _, replaced, _ := m.Replace("foo", 1); replaced || m.HasKey("foo") {
		t.Fatal("Replace stored a missing key")
	}
	if prev, loaded, _ := m.Swap("foo", 1); loaded || prev != 0 {
		t.Fatalf("Swap on missing key: %d, %v", prev, loaded)
	}
	if prev, loaded, _ := m.Swap("foo", 2); !loaded || prev != 1 {
		t.Fatalf("Swap on present key: %d, %v", prev, loaded)
	}
	if prev, replaced, _ := m.Replace("foo", 3); !replaced || prev != 2 {
		t.Fatalf("Replace on present key: %d, %v", prev, replaced)
	}
	if v, _ := m.Load("foo"); v != 3 {
		t.Fatalf("unexpected value: %d", v)
	}
}

func TestMapCompareAndSwapDelete(t *testing.T) {
	m := NewMap[string, int]()
	if swapped, _ := m.CompareAndSwap("foo", 0, 1); swapped {
		t.Fatal("swapped a missing key")
	}
	m.Store("foo", 1)
	if swapped, _ := m.CompareAndSwap("foo", 2, 3); swapped {
		t.Fatal("swapped with a wrong expected value")
	}
	if swapped, _ := m.CompareAndSwap("foo", 1, 3); !swapped {
		t.Fatal("swap failed")
	}
	if deleted, _ := m.CompareAndDelete("foo", 1); deleted {
		t.Fatal("deleted with a wrong expected value")
	}
	if deleted, _ := m.CompareAndDelete("foo", 3); !deleted {
		t.Fatal("delete failed")
	}
	if m.HasKey("foo") || m.Size() != 0 {
		t.Fatal("entry still present")
	}
}

func TestMapIncomparableValues(t *testing.T) {
	m := NewMap[string, []int]()
	m.Store("foo", []int{1})
	if _, err := m.CompareAndSwap("foo", []int{1}, []int{2}); !IsIncomparableValue(err) {
		t.Fatalf("expected incomparable value error, got %v", err)
	}
	if _, err := m.ContainsValue([]int{1}); !IsIncomparableValue(err) {
		t.Fatalf("expected incomparable value error, got %v", err)
	}

	am := NewMap[string, any]()
	am.Store("foo", []int{1})
	am.Store("bar", 1)
	if _, err := am.CompareAndSwap("foo", []int{1}, 2); !IsIncomparableValue(err) {
		t.Fatalf("expected incomparable value error for []int in any, got %v", err)
	}
	if _, err := am.CompareAndDelete("foo", []int{1}); !IsIncomparableValue(err) {
		t.Fatalf("expected incomparable value error for []int in any, got %v", err)
	}
	if v, _ := am.Load("foo"); len(v.([]int)) != 1 {
		t.Fatalf("failed comparison changed the entry: %v", v)
	}
	if swapped, err := am.CompareAndSwap("bar", 1, 2); err != nil || !swapped {
		t.Fatalf("CompareAndSwap on comparable dynamic type: %v, %v", swapped, err)
	}
	if _, err := am.ContainsValue([]int{1}); err != nil && !IsIncomparableValue(err) {
		t.Fatalf("unexpected ContainsValue error: %v", err)
	}

	eq := func(a, b []int) bool { return cmp.Equal(a, b) }
	m = NewMap[string, []int](WithValueEqual(eq))
	m.Store("foo", []int{1})
	if swapped, err := m.CompareAndSwap("foo", []int{1}, []int{2}); err != nil || !swapped {
		t.Fatalf("CompareAndSwap with WithValueEqual: %v, %v", swapped, err)
	}
	if found, err := m.ContainsValue([]int{2}); err != nil || !found {
		t.Fatalf("ContainsValue with WithValueEqual: %v, %v", found, err)
	}
}

func TestMapNilArguments(t *testing.T) {
	m := NewMap[*int, *int]()
	one := new(int)
	if err := m.Store(nil, one); !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for nil key, got %v", err)
	}
	if err := m.Store(one, nil); !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for nil value, got %v", err)
	}
	if _, ok := m.Load(nil); ok {
		t.Fatal("nil key reported as present")
	}
	if m.Size() != 0 {
		t.Fatalf("invalid arguments changed the map: %d", m.Size())
	}
	m.Store(one, one)
	_, _, err := m.Compute(one, func(*int, bool) (*int, ComputeOp) {
		return nil, UpdateOp
	})
	if !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for nil computed value, got %v", err)
	}
	if v, ok := m.Load(one); !ok || v != one {
		t.Fatal("nil computed value changed the entry")
	}
	if _, _, err := m.LoadOrCompute(new(int), func() (*int, bool) { return nil, false }); !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument from LoadOrCompute, got %v", err)
	}
	if m.Size() != 1 {
		t.Fatalf("unexpected size: %d", m.Size())
	}
}

func TestMapReentrantUpdate(t *testing.T) {
	m := NewMap[int, int]()
	m.Store(2, 20)
	var inner error
	v, ok, err := m.Compute(1, func(int, bool) (int, ComputeOp) {
		// Reads are allowed.
		if got, _ := m.Load(2); got != 20 {
			t.Errorf("unexpected value read inside callback: %d", got)
		}
		inner = m.Store(2, 21)
		return 10, UpdateOp
	})
	if err != nil || !ok || v != 10 {
		t.Fatalf("outer Compute failed: %v, %v, %v", v, ok, err)
	}
	if !IsReentrantUpdate(inner) {
		t.Fatalf("expected reentrant update error, got %v", inner)
	}
	if got, _ := m.Load(2); got != 20 {
		t.Fatalf("rejected update was applied: %d", got)
	}
	// The guard is released once the callback returns.
	if err := m.Store(2, 22); err != nil {
		t.Fatalf("Store after callback failed: %v", err)
	}
	_, _, err = m.LoadOrCompute(3, func() (int, bool) {
		inner = m.Clear()
		return 0, false
	})
	if err != nil || !IsReentrantUpdate(inner) {
		t.Fatalf("expected reentrant Clear to fail: %v, %v", err, inner)
	}
}

func TestMapCallbackPanicReleasesBin(t *testing.T) {
	m := NewMap[int, int]()
	func() {
		defer func() { _ = recover() }()
		m.Compute(1, func(int, bool) (int, ComputeOp) {
			panic("boom")
		})
	}()
	if m.HasKey(1) {
		t.Fatal("entry installed by a panicking callback")
	}
	if err := m.Store(1, 1); err != nil {
		t.Fatalf("bin stayed locked after panic: %v", err)
	}
	if err := m.Store(1, 2); err != nil {
		t.Fatalf("guard stayed active after panic: %v", err)
	}
}

func TestMapStoreThenDelete(t *testing.T) {
	const numEntries = 1000
	m := NewMap[string, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	for i := 0; i < numEntries; i++ {
		m.Delete(strconv.Itoa(i))
		if _, ok := m.Load(strconv.Itoa(i)); ok {
			t.Fatalf("value was not expected for %d", i)
		}
	}
}

func TestMapStoreThenLoadAndDelete(t *testing.T) {
	const numEntries = 1000
	m := NewMap[int, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	for i := 0; i < numEntries; i++ {
		if v, loaded, _ := m.LoadAndDelete(i); !loaded || v != i {
			t.Fatalf("value was not found or different for %d: %v", i, v)
		}
		if _, loaded, _ := m.LoadAndDelete(i); loaded {
			t.Fatalf("value was not expected for %d", i)
		}
	}
}

func TestMapSize(t *testing.T) {
	const numEntries = 1000
	m := NewMap[string, int]()
	size := m.Size()
	if size != 0 {
		t.Fatalf("zero size expected: %d", size)
	}
	expectedSize := 0
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
		expectedSize++
		size := m.Size()
		if size != expectedSize {
			t.Fatalf("size of %d was expected, got: %d", expectedSize, size)
		}
		rsize := sizeBasedOnRange(m)
		if size != rsize {
			t.Fatalf("size does not match number of entries in Range: %v, %v", size, rsize)
		}
	}
	for i := 0; i < numEntries; i++ {
		m.Delete(strconv.Itoa(i))
		expectedSize--
		size := m.Size()
		if size != expectedSize {
			t.Fatalf("size of %d was expected, got: %d", expectedSize, size)
		}
	}
}

func TestMapClear(t *testing.T) {
	const numEntries = 1000
	m := NewMap[string, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	size := m.Size()
	if size != numEntries {
		t.Fatalf("size of %d was expected, got: %d", numEntries, size)
	}
	m.Clear()
	size = m.Size()
	if size != 0 {
		t.Fatalf("zero size was expected, got: %d", size)
	}
	rsize := sizeBasedOnRange(m)
	if rsize != 0 {
		t.Fatalf("zero number of entries in Range was expected, got: %d", rsize)
	}
}

func TestMapContainsValue(t *testing.T) {
	m := NewMap[int, string]()
	for i, s := range testData {
		m.Store(i, s)
	}
	if found, err := m.ContainsValue(testData[77]); err != nil || !found {
		t.Fatalf("value not found: %v, %v", found, err)
	}
	if found, _ := m.ContainsValue("missing"); found {
		t.Fatal("missing value found")
	}
}

func TestMapReplaceAll(t *testing.T) {
	m := NewMap[string, int]()
	if err := m.ReplaceAll(func(string, int) int { return 0 }); err != nil {
		t.Fatalf("ReplaceAll on empty map: %v", err)
	}
	for i, s := range testData {
		m.Store(s, i)
	}
	err := m.ReplaceAll(func(k string, v int) int {
		return v*2 + len(k)
	})
	if err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}
	for i, s := range testData {
		if v, ok := m.Load(s); !ok || v != i*2+len(s) {
			t.Fatalf("value for %s: got %d, %v, want %d", s, v, ok, i*2+len(s))
		}
	}
	if m.Size() != len(testData) {
		t.Fatalf("unexpected size: %d", m.Size())
	}
}

func TestMapReplaceAll_NilResult(t *testing.T) {
	m := NewMap[int, *int]()
	for i := 0; i < 10; i++ {
		m.Store(i, new(int))
	}
	err := m.ReplaceAll(func(int, *int) *int { return nil })
	if !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument error, got %v", err)
	}
	for i := 0; i < 10; i++ {
		if v, ok := m.Load(i); !ok || v == nil {
			t.Fatalf("entry %d changed by rejected replacement", i)
		}
	}
}

func TestMapReplaceAll_ConcurrentWriters(t *testing.T) {
	const (
		numKeys    = 1400
		numWriters = 4
		numIncs    = 50
		offset     = 1 << 20
	)
	m := NewMap[int, int]()
	for k := 0; k < numKeys; k++ {
		m.Store(k, 0)
	}
	var wg sync.WaitGroup
	wg.Add(numWriters + 1)
	for w := 0; w < numWriters; w++ {
		go func(w int) {
			defer wg.Done()
			for n := 0; n < numIncs; n++ {
				for k := 0; k < numKeys; k++ {
					_, _, err := m.Compute(k, func(old int, loaded bool) (int, ComputeOp) {
						return old + 1, UpdateOp
					})
					if err != nil {
						t.Errorf("Compute failed: %v", err)
						return
					}
				}
				// Fresh keys push the table past its 1536 threshold.
				m.Store(numKeys+w*numIncs+n, -1)
			}
		}(w)
	}
	go func() {
		defer wg.Done()
		if err := m.ReplaceAll(func(_ int, v int) int { return v + offset }); err != nil {
			t.Errorf("ReplaceAll failed: %v", err)
		}
	}()
	wg.Wait()

	for k := 0; k < numKeys; k++ {
		if v, _ := m.Load(k); v != numWriters*numIncs+offset {
			t.Fatalf("key %d: got %d, want %d", k, v, numWriters*numIncs+offset)
		}
	}
	for k := numKeys; k < numKeys+numWriters*numIncs; k++ {
		if v, ok := m.Load(k); !ok || (v != -1 && v != offset-1) {
			t.Fatalf("inserted key %d: got %d, %v", k, v, ok)
		}
	}
}

func TestMapToMapStoreAllClone(t *testing.T) {
	want := make(map[string]int)
	for i, s := range testData {
		want[s] = i
	}
	m := NewMap[string, int]()
	if err := m.StoreAll(want); err != nil {
		t.Fatalf("StoreAll failed: %v", err)
	}
	if diff := cmp.Diff(want, m.ToMap()); diff != "" {
		t.Fatalf("ToMap mismatch (-want +got):\n%s", diff)
	}
	clone, err := m.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	m.Store("extra", -1)
	if diff := cmp.Diff(want, clone.ToMap()); diff != "" {
		t.Fatalf("Clone mismatch (-want +got):\n%s", diff)
	}
	if clone.Size() != len(want) {
		t.Fatalf("unexpected clone size: %d", clone.Size())
	}
}

func TestNewMapPresized(t *testing.T) {
	assertCapacity := func(m *Map[string, string], want int) {
		t.Helper()
		m.Store("x", "y")
		if got := m.Metrics().Capacity; got != want {
			t.Fatalf("capacity was different: got %d, want %d", got, want)
		}
	}
	assertCapacity(NewMap[string, string](), defaultCapacity)
	assertCapacity(NewMap[string, string](WithPresize(0)), defaultCapacity)
	assertCapacity(NewMap[string, string](WithPresize(-100)), defaultCapacity)
	assertCapacity(NewMap[string, string](WithPresize(12)), 32)
	assertCapacity(NewMap[string, string](WithPresize(1000)), 2048)
	assertCapacity(NewMap[string, string](WithPresize(1_000_000)), 2<<20)
}

func TestMapEnsureCapacity(t *testing.T) {
	m := NewMap[int, int]()
	if err := m.EnsureCapacity(1000); err != nil {
		t.Fatalf("EnsureCapacity failed: %v", err)
	}
	if got := m.Metrics().Capacity; got != 2048 {
		t.Fatalf("unexpected capacity: %d", got)
	}
	for i := 0; i < 1000; i++ {
		m.Store(i, i)
	}
	if mt := m.Metrics(); mt.Capacity != 2048 || mt.Resizes != 0 {
		t.Fatalf("presized map resized: %+v", mt)
	}
	if err := m.EnsureCapacity(10_000); err != nil {
		t.Fatalf("EnsureCapacity failed: %v", err)
	}
	if got := m.Metrics().Capacity; got != 16384 {
		t.Fatalf("unexpected capacity after growth: %d", got)
	}
	for i := 0; i < 1000; i++ {
		if v, ok := m.Load(i); !ok || v != i {
			t.Fatalf("entry %d lost by EnsureCapacity", i)
		}
	}
}

func TestMapMaxCapacity(t *testing.T) {
	const numEntries = 1000
	m := NewMap[int, int](WithMaxCapacity(64))
	for i := 0; i < numEntries; i++ {
		if err := m.Store(i, i); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}
	if got := m.Metrics().Capacity; got != 64 {
		t.Fatalf("capacity exceeded the maximum: %d", got)
	}
	for i := 0; i < numEntries; i++ {
		if v, ok := m.Load(i); !ok || v != i {
			t.Fatalf("value not found for %d", i)
		}
	}
	if m.Size() != numEntries {
		t.Fatalf("unexpected size: %d", m.Size())
	}
}

func TestMapResize(t *testing.T) {
	const numEntries = 100_000
	m := NewMap[string, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	stats := m.Stats()
	if stats.Size != numEntries {
		t.Fatalf("size was too small: %d", stats.Size)
	}
	if c := stats.Capacity; c&(c-1) != 0 {
		t.Fatalf("capacity is not a power of two: %d", c)
	}
	mt := m.Metrics()
	if want := int32(mt.Capacity - mt.Capacity>>2); mt.Threshold != want {
		t.Fatalf("threshold is %d, want %d", mt.Threshold, want)
	}
	if int(mt.Threshold) < numEntries || int(mt.Threshold) >= 2*numEntries {
		t.Fatalf("table is not sized for its entries: %+v", mt)
	}
	if stats.TotalResizes == 0 {
		t.Fatalf("non-zero total resizes expected: %d", stats.TotalResizes)
	}
	// This is useful when debugging table resize and occupancy.
	// Use -v flag to see the output.
	t.Log(stats.ToString())
}

func parallelRandResizer(t *testing.T, m *Map[string, int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		coin := rand.Int64N(2)
		for j := 0; j < numEntries; j++ {
			if coin == 1 {
				m.Store(strconv.Itoa(j), j)
			} else {
				m.Delete(strconv.Itoa(j))
			}
		}
	}
	cdone <- true
}

func TestMapParallelResize(t *testing.T) {
	const numIters = 1_000
	const numEntries = 2 * 16 * 8
	m := NewMap[string, int]()
	cdone := make(chan bool)
	go parallelRandResizer(t, m, numIters, numEntries, cdone)
	go parallelRandResizer(t, m, numIters, numEntries, cdone)
	// Wait for the goroutines to finish.
	<-cdone
	<-cdone
	// Verify map contents.
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(strconv.Itoa(i))
		if !ok {
			// The entry may be deleted and that's ok.
			continue
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
	s := m.Size()
	if s > numEntries {
		t.Fatalf("unexpected size: %v", s)
	}
	rs := sizeBasedOnRange(m)
	if s != rs {
		t.Fatalf("size does not match number of entries in Range: %v, %v", s, rs)
	}
}

func parallelRandClearer(t *testing.T, m *Map[string, int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		coin := rand.Int64N(2)
		for j := 0; j < numEntries; j++ {
			if coin == 1 {
				m.Store(strconv.Itoa(j), j)
			} else {
				m.Clear()
			}
		}
	}
	cdone <- true
}

func TestMapParallelClear(t *testing.T) {
	const numIters = 100
	const numEntries = 1_000
	m := NewMap[string, int]()
	cdone := make(chan bool)
	go parallelRandClearer(t, m, numIters, numEntries, cdone)
	go parallelRandClearer(t, m, numIters, numEntries, cdone)
	// Wait for the goroutines to finish.
	<-cdone
	<-cdone
	// Verify map size.
	s := m.Size()
	if s > numEntries {
		t.Fatalf("unexpected size: %v", s)
	}
	rs := sizeBasedOnRange(m)
	if s != rs {
		t.Fatalf("size does not match number of entries in Range: %v, %v", s, rs)
	}
}

func parallelSeqStorer(t *testing.T, m *Map[string, int], storeEach, numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		for j := 0; j < numEntries; j++ {
			if storeEach == 0 || j%storeEach == 0 {
				m.Store(strconv.Itoa(j), j)
				// A store is visible to the storing goroutine.
				v, ok := m.Load(strconv.Itoa(j))
				if !ok {
					t.Errorf("value was not found for %d", j)
					break
				}
				if v != j {
					t.Errorf("value was not expected for %d: %d", j, v)
					break
				}
			}
		}
	}
	cdone <- true
}

func TestMapParallelStores(t *testing.T) {
	const numStorers = 4
	const numIters = 10_000
	const numEntries = 100
	m := NewMap[string, int]()
	cdone := make(chan bool)
	for i := 0; i < numStorers; i++ {
		go parallelSeqStorer(t, m, i, numIters, numEntries, cdone)
	}
	// Wait for the goroutines to finish.
	for i := 0; i < numStorers; i++ {
		<-cdone
	}
	// Verify map contents.
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(strconv.Itoa(i))
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func TestMapConvergentSize(t *testing.T) {
	const numWorkers = 8
	const numKeys = 4096
	const numOps = 20_000
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(w), 1))
			for i := 0; i < numOps; i++ {
				k := r.IntN(numKeys)
				switch r.IntN(3) {
				case 0:
					m.Store(k, i)
				case 1:
					m.Delete(k)
				default:
					m.Compute(k, func(old int, loaded bool) (int, ComputeOp) {
						if loaded {
							return 0, DeleteOp
						}
						return 1, UpdateOp
					})
				}
			}
		}()
	}
	wg.Wait()
	if s, rs := m.Size(), sizeBasedOnRange(m); s != rs {
		t.Fatalf("size did not converge: Size %d, Range %d", s, rs)
	}
	if s, st := m.Size(), m.Stats(); s != st.Size || st.Counter != st.Size {
		t.Fatalf("size did not converge:\n%s", st.ToString())
	}
}

func TestMapPerKeyLinearizability(t *testing.T) {
	const numWorkers = 8
	const numIncrements = 10_000
	m := NewMap[string, int]()
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < numIncrements; i++ {
				m.Compute("counter", func(old int, _ bool) (int, ComputeOp) {
					return old + 1, UpdateOp
				})
				m.Merge("merged", 1, func(old, v int) (int, ComputeOp) {
					return old + v, UpdateOp
				})
			}
		}()
	}
	wg.Wait()
	for _, k := range []string{"counter", "merged"} {
		if v, _ := m.Load(k); v != numWorkers*numIncrements {
			t.Fatalf("%s: got %d updates, want %d", k, v, numWorkers*numIncrements)
		}
	}
}

func TestMapResizeSafeRead(t *testing.T) {
	const numEntries = 1000
	m := NewMap[int, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Grow the table several times while readers run.
		for i := numEntries; i < 64*numEntries; i++ {
			m.Store(i, i)
		}
		close(done)
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for i := 0; i < numEntries; i++ {
					if v, ok := m.Load(i); !ok || v != i {
						t.Errorf("key %d not readable during resize: %v, %v", i, v, ok)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	if mt := m.Metrics(); mt.Resizes == 0 || mt.Resizing {
		t.Fatalf("unexpected resize state: %+v", mt)
	}
}
