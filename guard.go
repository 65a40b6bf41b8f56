package chm

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// callbackGuard remembers which goroutines are running a compute callback,
// so a callback that mutates its own map gets an error instead of
// deadlocking on the bin lock it is running under.
type callbackGuard struct {
	active atomic.Int32
	owners sync.Map // goroutine id -> struct{}
}

// run calls fn with the calling goroutine registered as a callback owner.
func (g *callbackGuard) run(fn func()) {
	id := goid.Get()
	g.owners.Store(id, struct{}{})
	g.active.Add(1)
	defer func() {
		g.active.Add(-1)
		g.owners.Delete(id)
	}()
	fn()
}

// inCallback reports whether the calling goroutine is inside a callback.
// The goroutine id is only looked up while some callback is running.
func (g *callbackGuard) inCallback() bool {
	if g.active.Load() == 0 {
		return false
	}
	_, ok := g.owners.Load(goid.Get())
	return ok
}
