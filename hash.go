package chm

import (
	"cmp"
	"hash/maphash"
	"math/bits"
	"reflect"
	"strings"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Encodings for node hash fields. Regular nodes always carry a
// non-negative reduced hash.
const (
	moved       int32 = -1 // hash for forwarding nodes
	treeBinHash int32 = -2 // hash for roots of trees
	reserved    int32 = -3 // hash for transient reservations
	hashBits    int32 = 0x7fffffff
)

// spread folds the high half of the hash into the low half and clears the
// sign bit, leaving negative codes free for the sentinel node kinds. Small
// tables index with the low bits only, so without the fold keys that differ
// only in their upper bits would always collide.
func spread(h uint32) int32 {
	return int32(h^(h>>16)) & hashBits
}

// fold reduces a machine-word hash to 32 bits.
func fold(h uintptr) uint32 {
	if bits.UintSize == 32 {
		return uint32(h)
	}
	v := uint64(h)
	return uint32(v ^ v>>32)
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
// Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// defaultHasher picks a hash function for K. Integer kinds hash to
// themselves, which keeps sequential keys in distinct bins; string kinds
// use xxhash; everything else goes through the runtime's map hasher.
func defaultHasher[K comparable]() func(key K, seed uintptr) uintptr {
	switch reflect.TypeFor[K]().Kind() {
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		return func(key K, _ uintptr) uintptr {
			return *(*uintptr)(unsafe.Pointer(&key))
		}
	case reflect.Int64, reflect.Uint64:
		if bits.UintSize == 32 {
			return func(key K, _ uintptr) uintptr {
				v := *(*uint64)(unsafe.Pointer(&key))
				return uintptr(v) ^ uintptr(v>>32)
			}
		}
		return func(key K, _ uintptr) uintptr {
			return uintptr(*(*uint64)(unsafe.Pointer(&key)))
		}
	case reflect.Int32, reflect.Uint32:
		return func(key K, _ uintptr) uintptr {
			return uintptr(*(*uint32)(unsafe.Pointer(&key)))
		}
	case reflect.Int16, reflect.Uint16:
		return func(key K, _ uintptr) uintptr {
			return uintptr(*(*uint16)(unsafe.Pointer(&key)))
		}
	case reflect.Int8, reflect.Uint8:
		return func(key K, _ uintptr) uintptr {
			return uintptr(*(*uint8)(unsafe.Pointer(&key)))
		}
	case reflect.String:
		return func(key K, _ uintptr) uintptr {
			return uintptr(xxhash.Sum64String(*(*string)(unsafe.Pointer(&key))))
		}
	default:
		seed := maphash.MakeSeed()
		return func(key K, _ uintptr) uintptr {
			return uintptr(maphash.Comparable(seed, key))
		}
	}
}

// defaultValueEqual returns == for comparable value types and nil otherwise.
func defaultValueEqual[V any]() func(a, b V) bool {
	if !reflect.TypeFor[V]().Comparable() {
		return nil
	}
	return func(a, b V) bool {
		return any(a) == any(b)
	}
}

// isNillable reports whether values of t can be nil.
func isNillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice,
		reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return true
	}
	return false
}

func isNil[T any](v T) bool {
	return reflect.ValueOf(&v).Elem().IsNil()
}

// keyOrder orders distinct keys that share a reduced hash inside a tree bin.
type keyOrder[K comparable] struct {
	compare   func(a, b K) int
	typeNames bool
	seed      maphash.Seed
}

func newKeyOrder[K comparable](compare func(a, b K) int) *keyOrder[K] {
	t := reflect.TypeFor[K]()
	if compare == nil {
		compare = naturalOrder[K](t)
	}
	return &keyOrder[K]{
		compare:   compare,
		typeNames: t.Kind() == reflect.Interface,
		seed:      maphash.MakeSeed(),
	}
}

// compareKeys returns the configured or natural order of a and b, or 0 when
// the keys have none.
func (o *keyOrder[K]) compareKeys(a, b K) int {
	if o.compare == nil {
		return 0
	}
	return o.compare(a, b)
}

// tieBreak orders keys that compareKeys could not. It never returns 0, so
// insertion always has a direction even for keys with no relative order.
func (o *keyOrder[K]) tieBreak(a, b K) int {
	if o.typeNames {
		if c := strings.Compare(typeName(a), typeName(b)); c != 0 {
			return c
		}
	}
	if maphash.Comparable(o.seed, a) <= maphash.Comparable(o.seed, b) {
		return -1
	}
	return 1
}

func typeName(v any) string {
	if v == nil {
		return ""
	}
	return reflect.TypeOf(v).String()
}

func naturalOrder[K comparable](t reflect.Type) func(a, b K) int {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(a, b K) int {
			return cmp.Compare(reflect.ValueOf(a).Int(), reflect.ValueOf(b).Int())
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return func(a, b K) int {
			return cmp.Compare(reflect.ValueOf(a).Uint(), reflect.ValueOf(b).Uint())
		}
	case reflect.Float32, reflect.Float64:
		return func(a, b K) int {
			return cmp.Compare(reflect.ValueOf(a).Float(), reflect.ValueOf(b).Float())
		}
	case reflect.String:
		return func(a, b K) int {
			return strings.Compare(*(*string)(unsafe.Pointer(&a)), *(*string)(unsafe.Pointer(&b)))
		}
	}
	return nil
}
