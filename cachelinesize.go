package ix

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is used to pad bucket and slot structs so that adjacent
// entries in the underlying arrays don't share a cache line. It's
// automatically detected using golang.org/x/sys/cpu.
const CacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
