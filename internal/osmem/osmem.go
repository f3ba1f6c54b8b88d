// Package osmem is the one place the allocator talks to the operating
// system for raw memory. Everything above this package works in terms of
// arena-sized regions; this package is the only thing that knows whether
// those regions came from mmap or from growing a simulated program break.
package osmem

import "unsafe"

// Provider sources and releases raw memory regions on behalf of
// internal/arenamgr. Implementations need not be safe for concurrent use;
// arenamgr serializes access with its own global mutex.
type Provider interface {
	// PageSize returns the host's memory page size, used to round mmap
	// requests up to a page boundary.
	PageSize() uintptr

	// Mmap reserves a fresh, zeroed region of at least length bytes,
	// independent of any other region this Provider has returned.
	Mmap(length uintptr) (unsafe.Pointer, error)

	// Munmap releases a region previously returned by Mmap. addr and
	// length must match a prior Mmap call exactly.
	Munmap(addr unsafe.Pointer, length uintptr) error

	// Break returns the current end of the program-break-backed region.
	Break() uintptr

	// ExtendBreak grows (delta > 0) or shrinks (delta < 0) the
	// program-break-backed region by delta bytes, returning the address
	// the break was at before the call, mirroring sbrk(2)'s contract.
	ExtendBreak(delta int64) (unsafe.Pointer, error)
}
