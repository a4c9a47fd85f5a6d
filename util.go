package embedkv

import (
	"fmt"
	"unsafe"
)

// maxAllocSize is the size used when creating array pointers that address
// memory beyond the size of a single page. It bounds the largest slice
// length the unsafe helpers below will construct in one shot.
const maxAllocSize = 0x7FFFFFFF

// minFillPercent and maxFillPercent bound Bucket.FillPercent (spec.md §3,
// §4.4): the node layer clamps every bucket's fill percentage into this
// range before using it as a split threshold.
const (
	minFillPercent = 0.1
	maxFillPercent = 1.0

	// DefaultFillPercent is the percentage that split pages are filled to.
	// This value can be changed by setting Bucket.FillPercent.
	DefaultFillPercent = 0.5
)

// _assert will panic with the given formatted message when the given
// condition is false. Internal invariant violations (pgid 0 freed, a
// branch element pointing at its own page, a node with an empty key) are
// fatal and must never be swallowed into a successful return — see
// spec.md §7 and §9.
func _assert(condition bool, msg string, v ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: "+msg, v...))
	}
}

// unsafeAdd returns an unsafe pointer offset by the given number of bytes
// from the base pointer.
func unsafeAdd(base unsafe.Pointer, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset)
}

// unsafeIndex returns the pointer to element n of an array of
// elemSize-byte elements that starts offset bytes after base.
func unsafeIndex(base unsafe.Pointer, offset uintptr, elemSize uintptr, n int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset + uintptr(n)*elemSize)
}

// unsafeByteSlice constructs a byte slice of length (to-from) starting at
// base + offset + from.
func unsafeByteSlice(base unsafe.Pointer, offset uintptr, from, to int) []byte {
	return unsafe.Slice((*byte)(unsafeAdd(base, offset)), to)[from:to]
}
