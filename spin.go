package chm

import (
	"time"
	_ "unsafe" // for linkname
)

// maxWriterSpins bounds how long a tree bin writer spins before parking.
const maxWriterSpins = 4

// delay backs off a retry loop: it spins while the runtime says spinning is
// worthwhile and sleeps briefly once it is not.
func delay(spins *int) {
	const yieldSleep = 500 * time.Microsecond
	if runtime_canSpin(*spins) {
		runtime_doSpin()
		*spins++
	} else {
		// time.Sleep with non-zero duration works effectively
		// as backoff under high concurrency.
		time.Sleep(yieldSleep)
		*spins = 0
	}
}

// trySpin spins once if the runtime allows it. It reports false when the
// caller should stop spinning and block instead.
func trySpin(spins *int) bool {
	if *spins >= maxWriterSpins || !runtime_canSpin(*spins) {
		return false
	}
	runtime_doSpin()
	*spins++
	return true
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//go:nosplit
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//go:nosplit
func runtime_doSpin()
