// Package memutil provides the raw pointer-arithmetic helpers shared by
// fixalloc and varpool: alignment, offsetting, and reading/writing fixed-width
// fields at a known byte offset from an unsafe.Pointer.
//
// None of this package is safe to use outside the two allocator packages
// that understand the memory layouts it operates on; it exists purely to
// avoid duplicating the same unsafe incantations twice.
package memutil

import (
	"unsafe"

	"golang.org/x/exp/constraints"
)

// WordSize is the platform pointer width in bytes.
const WordSize = unsafe.Sizeof(uintptr(0))

// RoundUp rounds n up to the nearest multiple of granule.
// granule must be a power of two.
func RoundUp[T constraints.Integer](n, granule T) T {
	return (n + granule - 1) &^ (granule - 1)
}

// Add returns p offset by n bytes.
func Add(p unsafe.Pointer, n uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + n)
}

// AddSigned returns p offset by n bytes, where n may be negative (walking
// backward to a footer or a preceding header).
func AddSigned(p unsafe.Pointer, n int) unsafe.Pointer {
	return unsafe.Add(p, n)
}

// Sub returns the byte distance from b to a (a - b).
func Sub(a, b unsafe.Pointer) uintptr {
	return uintptr(a) - uintptr(b)
}

// LoadUintptr reads a uintptr-sized word at p.
func LoadUintptr(p unsafe.Pointer) uintptr {
	return *(*uintptr)(p)
}

// StoreUintptr writes v as a uintptr-sized word at p.
func StoreUintptr(p unsafe.Pointer, v uintptr) {
	*(*uintptr)(p) = v
}
