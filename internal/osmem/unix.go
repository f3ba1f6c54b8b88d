//go:build unix

package osmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// breakPoolSize bounds the single reservation ExtendBreak grows into. The
// real allocator has no mechanism for moving a break-backed arena once
// carved, so the reservation must be large enough that ordinary workloads
// never exhaust it; production sbrk(2) has the same practical ceiling
// (the kernel's address-space limit), just enforced by the OS instead of
// a constant here.
const breakPoolSize = 1 << 30 // 1 GiB

// Unix sources memory via mmap(MAP_ANONYMOUS), and simulates sbrk(2) by
// carving the growth region out of one large reservation made at
// construction time: Go has no portable sbrk syscall, and a real moving
// break would invalidate every pointer an arena already handed out, which
// the allocator's API (stable pointers until Free) forbids anyway.
type Unix struct {
	pageSize uintptr

	breakBase unsafe.Pointer
	breakEnd  uintptr // address of the current break, within [breakBase, breakBase+breakPoolSize]
	breakCap  uintptr // breakBase + breakPoolSize
}

// New reserves the break-simulation pool and returns a ready-to-use Unix
// provider.
func New() (*Unix, error) {
	base, err := mmapAnon(breakPoolSize)
	if err != nil {
		return nil, fmt.Errorf("osmem: reserve break pool: %w", err)
	}

	return &Unix{
		pageSize:  uintptr(unix.Getpagesize()),
		breakBase: base,
		breakEnd:  uintptr(base),
		breakCap:  uintptr(base) + breakPoolSize,
	}, nil
}

func (u *Unix) PageSize() uintptr { return u.pageSize }

func (u *Unix) Mmap(length uintptr) (unsafe.Pointer, error) {
	rounded := roundUpToPage(length, u.pageSize)
	p, err := mmapAnon(rounded)
	if err != nil {
		return nil, fmt.Errorf("osmem: mmap %d bytes: %w", rounded, err)
	}
	return p, nil
}

func (u *Unix) Munmap(addr unsafe.Pointer, length uintptr) error {
	rounded := roundUpToPage(length, u.pageSize)
	data := unsafe.Slice((*byte)(addr), rounded)
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("osmem: munmap: %w", err)
	}
	return nil
}

func (u *Unix) Break() uintptr { return u.breakEnd }

func (u *Unix) ExtendBreak(delta int64) (unsafe.Pointer, error) {
	prev := u.breakEnd

	next := int64(u.breakEnd) + delta
	if next < int64(uintptr(u.breakBase)) || uintptr(next) > u.breakCap {
		return nil, fmt.Errorf("osmem: break pool exhausted (requested delta %d)", delta)
	}

	u.breakEnd = uintptr(next)
	return unsafe.Pointer(prev), nil
}

func mmapAnon(length uintptr) (unsafe.Pointer, error) {
	data, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(&data[0]), nil
}

func roundUpToPage(size, pageSize uintptr) uintptr {
	return (size + pageSize - 1) &^ (pageSize - 1)
}
