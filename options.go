package chm

const (
	// defaultCapacity is the table length used when no size hint is given.
	defaultCapacity = 16
	// maximumCapacity is the largest table length; the resize stamp and the
	// threshold both have to fit in the 32-bit sizeCtl word.
	maximumCapacity = 1 << 30
	// loadFactor is fixed; thresholds are computed as n - n>>2.
	loadFactor = 0.75
	// treeifyThreshold is the chain length at which a bin becomes a tree bin.
	treeifyThreshold = 8
	// untreeifyThreshold is the entry count at or below which a tree bin
	// turns back into a chain.
	untreeifyThreshold = 6
	// minTreeifyCapacity is the smallest table length at which bins are
	// treeified instead of the table being resized.
	minTreeifyCapacity = 64
)

// MapConfig defines configurable Map options.
type MapConfig struct {
	sizeHint           int
	minTreeifyCapacity int
	maxCapacity        int
	logger             Logger
	keyHash            any
	valEqual           any
	keyCompare         any
}

// WithPresize configures new Map instance with capacity enough
// to hold sizeHint entries without resizing. If sizeHint is zero
// or negative, the value is ignored.
func WithPresize(sizeHint int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.sizeHint = sizeHint
	}
}

// WithMinTreeifyCapacity sets the smallest table length at which a long
// chain is converted into a tree bin. Below it the table is resized instead.
// The value is rounded up to a power of two; the default is 64.
func WithMinTreeifyCapacity(capacity int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.minTreeifyCapacity = capacity
	}
}

// WithMaxCapacity caps the table length. Once the table reaches it the map
// keeps accepting entries but stops resizing.
func WithMaxCapacity(capacity int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.maxCapacity = capacity
	}
}

// WithLogger sets the logger that receives resize and bin conversion events.
func WithLogger(logger Logger) func(*MapConfig) {
	return func(c *MapConfig) {
		c.logger = logger
	}
}

// WithHasher sets the key hash function. The function must return equal
// hashes for equal keys; seed is a per-map random value to mix in.
//
// The option is ignored by maps whose key type is not K.
func WithHasher[K comparable](keyHash func(key K, seed uintptr) uintptr) func(*MapConfig) {
	return func(c *MapConfig) {
		c.keyHash = keyHash
	}
}

// WithValueEqual sets the value equality used by CompareAndSwap,
// CompareAndDelete and ContainsValue. It is required when V is not
// comparable.
//
// The option is ignored by maps whose value type is not V.
func WithValueEqual[V any](valEqual func(a, b V) bool) func(*MapConfig) {
	return func(c *MapConfig) {
		c.valEqual = valEqual
	}
}

// WithKeyCompare orders keys whose hashes collide inside a tree bin.
// The function must define a total order consistent with ==. Without it
// ordered key kinds use their natural order and other keys fall back to a
// type name and secondary hash order.
//
// The option is ignored by maps whose key type is not K.
func WithKeyCompare[K comparable](compare func(a, b K) int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.keyCompare = compare
	}
}

func newMapConfig(options []func(*MapConfig)) *MapConfig {
	c := &MapConfig{
		minTreeifyCapacity: minTreeifyCapacity,
		maxCapacity:        maximumCapacity,
	}
	for _, o := range options {
		o(c)
	}
	if c.minTreeifyCapacity <= 0 {
		c.minTreeifyCapacity = minTreeifyCapacity
	}
	c.minTreeifyCapacity = tableSizeFor(c.minTreeifyCapacity)
	if c.maxCapacity <= 0 || c.maxCapacity > maximumCapacity {
		c.maxCapacity = maximumCapacity
	}
	c.maxCapacity = tableSizeFor(c.maxCapacity)
	if c.logger == nil {
		c.logger = nullLogger
	}
	return c
}

// initialCapacity returns the table length that holds sizeHint entries
// below the resize threshold, or 0 when the default applies.
func initialCapacity(sizeHint, maxCapacity int) int {
	if sizeHint <= 0 {
		return 0
	}
	size := int64(1.0 + float64(sizeHint)/loadFactor)
	if size >= int64(maxCapacity) {
		return maxCapacity
	}
	return tableSizeFor(int(size))
}

// tableSizeFor returns the smallest power of two >= n, clamped to maximumCapacity.
func tableSizeFor(n int) int {
	if n >= maximumCapacity {
		return maximumCapacity
	}
	return nextPowOf2(n)
}
