//go:build !unix

package osmem

import (
	"fmt"
	"unsafe"
)

// genericPageSize mirrors the common x86/ARM page size on platforms
// without a Getpagesize syscall wired up here.
const genericPageSize = 4096

// Generic backs Provider with plain Go heap allocations, for platforms
// golang.org/x/sys/unix does not cover. It gives up the real guarantee
// that matters for production use (returning memory to the OS on
// Munmap), which is why Unix is the provider actually wired into
// pkg/heapster's default configuration.
type Generic struct {
	breakPool []byte
	breakEnd  uintptr
}

func New() (*Generic, error) {
	pool := make([]byte, breakPoolSize)
	return &Generic{
		breakPool: pool,
		breakEnd:  uintptr(unsafe.Pointer(&pool[0])),
	}, nil
}

const breakPoolSize = 1 << 30

func (g *Generic) PageSize() uintptr { return genericPageSize }

func (g *Generic) Mmap(length uintptr) (unsafe.Pointer, error) {
	rounded := roundUpToPage(length, genericPageSize)
	buf := make([]byte, rounded)
	return unsafe.Pointer(&buf[0]), nil
}

func (g *Generic) Munmap(addr unsafe.Pointer, length uintptr) error {
	// The Go GC reclaims the backing array once nothing references it;
	// there is no syscall to make that happen eagerly.
	return nil
}

func (g *Generic) Break() uintptr { return g.breakEnd }

func (g *Generic) ExtendBreak(delta int64) (unsafe.Pointer, error) {
	prev := g.breakEnd
	base := uintptr(unsafe.Pointer(&g.breakPool[0]))
	poolEnd := base + uintptr(len(g.breakPool))

	next := int64(g.breakEnd) + delta
	if next < int64(base) || uintptr(next) > poolEnd {
		return nil, fmt.Errorf("osmem: break pool exhausted (requested delta %d)", delta)
	}

	g.breakEnd = uintptr(next)
	return unsafe.Pointer(prev), nil
}

func roundUpToPage(size, pageSize uintptr) uintptr {
	return (size + pageSize - 1) &^ (pageSize - 1)
}
