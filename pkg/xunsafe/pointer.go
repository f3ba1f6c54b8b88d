//go:build go1.23

package xunsafe

import (
	"unsafe"
)

// Cast reinterprets p, typed as *From, as a *To pointing at the same
// address. Used throughout internal/block to move between a block's raw
// header address and the typed views (header, payload) living at that
// address.
func Cast[To, From any](p *From) *To {
	return (*To)(unsafe.Pointer(p))
}

// sizeOf returns sizeof(E), the way unsafe.Sizeof would if it accepted a
// type parameter directly instead of a value.
func sizeOf[E any]() uintptr {
	var e E
	return unsafe.Sizeof(e)
}

// Add adds the given offset to p, scaled by the size of E.
func Add[P ~*E, E any, I Int](p P, n I) P {
	size := sizeOf[E]()
	return P(unsafe.Add(unsafe.Pointer(p), size*uintptr(n)))
}

// ByteAdd adds n raw bytes to p, regardless of E's size. The block manager
// uses this to step by a dynamically computed byte offset (a block's
// payload size), not by a multiple of sizeof(E).
func ByteAdd[P ~*E, E any, I Int](p P, n I) P {
	return P(unsafe.Add(unsafe.Pointer(p), n))
}

// Sub computes the difference between two pointers, scaled by the size of E.
func Sub[P ~*E, E any](p1, p2 P) int {
	size := sizeOf[E]()
	return int((uintptr(unsafe.Pointer(p1)) - uintptr(unsafe.Pointer(p2))) / size)
}

// Addr returns the address of p as a uintptr, used to compare block
// addresses when maintaining the address-ordered free list and physical
// chain.
func Addr[E any](p *E) uintptr {
	return uintptr(unsafe.Pointer(p))
}

// Copy copies n elements from src to dst.
func Copy[P ~*E, E any, I Int](dst, src P, n I) {
	copy(unsafe.Slice(dst, n), unsafe.Slice(src, n))
}

// Clear zeros n elements at p.
func Clear[P ~*E, E any, I Int](p P, n I) {
	clear(unsafe.Slice(p, n))
}
