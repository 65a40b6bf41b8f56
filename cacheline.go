package chm

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is used in structure padding to prevent false sharing.
// It's derived from the `golang.org/x/sys/cpu` padding type for the target architecture.
const CacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
