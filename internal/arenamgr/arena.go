// Package arenamgr owns arena lifecycle: carving a fresh region from
// internal/osmem, tracking its free list and physical chain through
// internal/block, picking a candidate block via internal/policy, and
// retiring arenas that have gone empty.
package arenamgr

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/flier/heapster/internal/block"
	"github.com/flier/heapster/internal/debug"
	"github.com/flier/heapster/internal/osmem"
	"github.com/flier/heapster/internal/policy"
	"github.com/flier/heapster/internal/stats"
	"github.com/flier/heapster/pkg/xunsafe"
)

// HeaderSize is the fixed-size bookkeeping region at the front of every
// arena, ahead of any block header.
const HeaderSize = unsafe.Sizeof(arenaLayout{})

// arenaLayout exists only so HeaderSize can be computed with
// unsafe.Sizeof; Arena itself is never placed in arena memory (it is a
// regular Go heap value owning a pointer into that memory), unlike the
// source allocator where the arena header is the first thing written
// into the mapped region itself. Go has no portable way to placement-new
// a struct with a mutex into raw mmap'd bytes, so the header lives on the
// Go heap; Start is the beginning of the region, and the first block
// begins HeaderSize bytes past it, where a C arena_header_t would have sat.
type arenaLayout struct {
	_ [64]byte
}

// Arena is one contiguous region of memory, either mmap'd directly or
// carved from the simulated program break, managed as a single free list
// plus physical-neighbor chain of blocks.
type Arena struct {
	mu sync.Mutex

	id   uint64
	next *Arena

	start, end    uintptr
	size          uintptr
	requestedSize uintptr
	isMmap        bool

	freeListHead  *block.Header
	nextFitCursor *block.Header
	blockCount    uint64

	Stats stats.Stats

	noCopy xunsafe.NoCopy //nolint:unused
}

// ID returns the arena's identity, assigned once at creation and never
// reused even after the arena is destroyed: ids are a monotonic counter,
// not a slot index that gets recycled.
func (a *Arena) ID() uint64 { return a.id }

// FreeListHead and the two methods below satisfy policy.Arena.
func (a *Arena) FreeListHead() *block.Header      { return a.freeListHead }
func (a *Arena) NextFitCursor() *block.Header     { return a.nextFitCursor }
func (a *Arena) SetNextFitCursor(h *block.Header) { a.nextFitCursor = h }

// Manager owns the global arena list, the placement policy, and the
// mmap-threshold knob shared by every arena it creates.
type Manager struct {
	provider osmem.Provider

	mu        sync.Mutex
	listHead  *Arena
	idCounter uint64

	mmapThreshold uintptr

	policyMu sync.Mutex
	policy   policy.Policy

	// index is the id->*Arena lookup backing Lookup, kept alongside the
	// authoritative linked list so callers never walk it under the global
	// lock. Free, Resize, and ZeroAllocate resolve their owning arena
	// through Lookup (via pkg/heapster's ownerOf), same as the
	// introspection surface (Snapshot/FreeListDump) — there is no
	// separate linear-scan path left for the allocation-facing calls to
	// fall back to.
	index *arenaIndex
}

const defaultMmapThreshold = 128 * 1024

// New constructs a Manager sourcing memory from provider.
func New(provider osmem.Provider) *Manager {
	return &Manager{
		provider:      provider,
		mmapThreshold: defaultMmapThreshold,
		policy:        policy.FirstFit,
		index:         newArenaIndex(),
	}
}

// SetMmapThreshold mirrors heapster_set_mmap_threshold: requests at or
// above this size get their own mmap'd arena; smaller ones are carved
// from the shared break-backed pool. Floored at 4096 bytes.
func (m *Manager) SetMmapThreshold(bytes uintptr) {
	if bytes < 4096 {
		bytes = 4096
	}
	m.mu.Lock()
	m.mmapThreshold = bytes
	m.mu.Unlock()
}

func (m *Manager) MmapThreshold() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mmapThreshold
}

func (m *Manager) SetPolicy(p policy.Policy) {
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
}

func (m *Manager) Policy() policy.Policy {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	return m.policy
}

// Create carves a new arena able to satisfy a request of at least size
// bytes of total footprint (header + first block + payload), links it
// into the global arena list, and returns it.
func (m *Manager) Create(size uintptr) (*Arena, error) {
	requested := size

	threshold := m.MmapThreshold()

	var (
		addr   unsafe.Pointer
		alloc  uintptr
		isMmap bool
		err    error
	)

	if size >= threshold {
		alloc = roundUpToPage(size, m.provider.PageSize())
		addr, err = m.provider.Mmap(alloc)
		isMmap = true
	} else {
		minSize := HeaderSize + block.MinSize
		if size < minSize {
			size = minSize
		}
		alloc = size
		addr, err = m.provider.ExtendBreak(int64(alloc))
		isMmap = false
	}
	if err != nil {
		debug.Log("arena.Create", "os allocation failed: %v", err)
		return nil, fmt.Errorf("arenamgr: %w", err)
	}

	a := &Arena{
		start:         uintptr(addr),
		end:           uintptr(addr) + alloc,
		size:          alloc,
		requestedSize: requested,
		isMmap:        isMmap,
	}

	m.mu.Lock()
	m.idCounter++
	a.id = m.idCounter
	m.mu.Unlock()

	if err := a.initFirstBlock(addr, alloc); err != nil {
		return nil, err
	}

	m.mu.Lock()
	a.next = m.listHead
	m.listHead = a
	m.mu.Unlock()

	m.index.Put(a.id, a)

	return a, nil
}

func (a *Arena) initFirstBlock(addr unsafe.Pointer, size uintptr) error {
	blockAddr := unsafe.Add(addr, HeaderSize)
	blockSpace := size - HeaderSize

	first := block.Init(blockAddr, blockSpace)
	if first == nil {
		return fmt.Errorf("arenamgr: arena too small for a single block (size %d)", size)
	}
	first.ArenaID = a.id

	a.freeListHead = first
	a.nextFitCursor = first
	a.blockCount = 1

	a.Stats.TotalBytes = size
	a.Stats.ResetFreeTotals()
	a.Stats.RecordFreeBlock(first.Size)

	return nil
}

// Clear resets arena to a single free block spanning its whole capacity,
// discarding every live allocation without returning the region to the OS.
func (a *Arena) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.freeListHead = nil
	a.nextFitCursor = nil
	a.Stats = stats.Stats{}

	addr := unsafe.Pointer(a.start)
	xunsafe.Clear((*byte)(unsafe.Add(addr, HeaderSize)), a.size-HeaderSize)

	if err := a.initFirstBlock(addr, a.size); err != nil {
		debug.Log("arena.Clear", "re-init failed: %v", err)
	}
}

// Destroy removes arena from the manager and, for mmap'd arenas, returns
// the region to the OS. Break-backed arenas can only be released if they
// sit at the current end of the break; otherwise Destroy falls back to
// Clear so the space stays usable for future allocations in this process
// rather than handed back to the OS.
func (m *Manager) Destroy(a *Arena) error {
	if a == nil {
		return nil
	}

	if a.isMmap {
		m.unlink(a)
		return m.provider.Munmap(unsafe.Pointer(a.start), a.size)
	}

	if m.provider.Break() == a.end {
		m.unlink(a)
		_, err := m.provider.ExtendBreak(-int64(a.size))
		return err
	}

	a.Clear()
	return nil
}

func (m *Manager) unlink(a *Arena) {
	m.mu.Lock()
	if m.listHead == a {
		m.listHead = a.next
	} else {
		for prev := m.listHead; prev != nil; prev = prev.next {
			if prev.next == a {
				prev.next = a.next
				break
			}
		}
	}
	m.mu.Unlock()

	m.index.Delete(a.id)
}

// FindFreeBlock asks the manager's current policy to select a block in
// arena able to hold payloadSize bytes. The caller must already hold
// arena's lock (via [Arena.Lock]) and keep holding it across the
// subsequent block.Split/Coalesce and stats update, so the whole
// allocation is atomic from the arena's perspective — the source
// allocator takes arena->lock exactly once per malloc/free/realloc call
// for the same reason.
func (m *Manager) FindFreeBlock(a *Arena, payloadSize uintptr) *block.Header {
	if a == nil || payloadSize == 0 {
		return nil
	}

	return policy.Select(m.Policy(), a, payloadSize)
}

// List returns the current arenas, most-recently-created first, matching
// the source allocator's list order (new arenas are pushed onto the
// head).
func (m *Manager) List() []*Arena {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Arena
	for a := m.listHead; a != nil; a = a.next {
		out = append(out, a)
	}
	return out
}

// Lookup finds an arena by id via the id-indexed map, without walking the
// global list. Used both by pkg/heapster's Free/Resize/ZeroAllocate to
// resolve a pointer's owning arena and by the introspection surface.
func (m *Manager) Lookup(id uint64) (*Arena, bool) {
	return m.index.Get(id)
}

// ForEachBlock invokes fn for every block currently reachable from
// arena's free list, in address order. Used by the public FreeListDump
// API; it never mutates the list.
func (a *Arena) ForEachBlock(fn func(*block.Header)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for cur := a.freeListHead; cur != nil; cur = cur.Next {
		fn(cur)
	}
}

// Lock and Unlock expose the arena mutex to pkg/heapster so allocation
// and free operations can hold it across block.Split/Coalesce plus the
// associated stats update, mirroring the single-lock-per-operation
// discipline the source allocator uses (arena->lock taken once per
// malloc/free/realloc call).
func (a *Arena) Lock()   { a.mu.Lock() }
func (a *Arena) Unlock() { a.mu.Unlock() }

func (a *Arena) Start() uintptr         { return a.start }
func (a *Arena) End() uintptr           { return a.end }
func (a *Arena) Size() uintptr          { return a.size }
func (a *Arena) RequestedSize() uintptr { return a.requestedSize }
func (a *Arena) IsMmap() bool           { return a.isMmap }
func (a *Arena) BlockCount() uint64     { return a.blockCount }

// FreeListSlots exposes pointers to the arena's own free-list head and
// next-fit cursor fields, for internal/block's free-list mutators, which
// take **block.Header rather than an *Arena to avoid an import cycle
// (internal/block must not depend on internal/arenamgr).
func (a *Arena) FreeListSlots() (head, cursor **block.Header) {
	return &a.freeListHead, &a.nextFitCursor
}

func roundUpToPage(size, pageSize uintptr) uintptr {
	return (size + pageSize - 1) &^ (pageSize - 1)
}
