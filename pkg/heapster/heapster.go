// Package heapster is the public allocation façade: Allocate, Free,
// Resize and ZeroAllocate on top of internal/arenamgr's arena pool, plus
// the lifecycle and introspection calls (Init, Finalize, SetPolicy,
// Snapshot, FreeListDump) that control and observe it.
//
// A process uses one heapster at a time, reached through the package-level
// functions below, mirroring the single global allocator instance the
// source allocator exposes through its C ABI.
package heapster

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/flier/heapster/internal/arenamgr"
	"github.com/flier/heapster/internal/block"
	"github.com/flier/heapster/internal/debug"
	"github.com/flier/heapster/internal/osmem"
	"github.com/flier/heapster/internal/policy"
	"github.com/flier/heapster/pkg/xunsafe"
)

// Policy re-exports internal/policy's placement strategies under the
// public package, so callers never need to import internal/policy
// themselves.
type Policy = policy.Policy

const (
	FirstFit = policy.FirstFit
	NextFit  = policy.NextFit
	BestFit  = policy.BestFit
	WorstFit = policy.WorstFit
)

// MinArenaSize is the smallest arena Init or an internal arena-growth
// request will create, matching the source allocator's ARENA_MIN_SIZE.
const MinArenaSize = 4096

var (
	mu      sync.Mutex
	manager *arenamgr.Manager
)

// Init prepares the global allocator: it sets the active placement policy
// and eagerly creates one arena of arenaSize bytes (raised to
// MinArenaSize if smaller) so the first Allocate call doesn't pay
// arena-creation latency. arenaSize is not kept: arenas created later to
// satisfy a request are sized to that request.
//
// Calling Init again before Finalize resets all state: every
// previously-allocated pointer becomes invalid.
func Init(arenaSize uintptr, p Policy) error {
	mu.Lock()
	defer mu.Unlock()

	if arenaSize < MinArenaSize {
		debug.Log("Init", "arena_size %d too small, using minimum %d", arenaSize, MinArenaSize)
		arenaSize = MinArenaSize
	}

	provider, err := osmem.New()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOSAllocation, err)
	}

	manager = arenamgr.New(provider)
	manager.SetPolicy(p)

	if _, err := manager.Create(arenaSize); err != nil {
		manager = nil
		return fmt.Errorf("%w: %v", ErrOSAllocation, err)
	}

	return nil
}

// Finalize destroys every arena and releases the global allocator.
// Safe to call even if Init was never called.
func Finalize() error {
	mu.Lock()
	defer mu.Unlock()

	if manager == nil {
		return nil
	}

	var firstErr error
	for _, a := range manager.List() {
		if err := manager.Destroy(a); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	manager = nil
	return firstErr
}

// SetPolicy changes the placement strategy future Allocate calls use.
func SetPolicy(p Policy) {
	mu.Lock()
	defer mu.Unlock()
	if manager != nil {
		manager.SetPolicy(p)
	}
}

// GetPolicy returns the currently active placement strategy.
func GetPolicy() Policy {
	mu.Lock()
	defer mu.Unlock()
	if manager == nil {
		return FirstFit
	}
	return manager.Policy()
}

// SetMmapThreshold changes the request-size cutoff at or above which a new
// arena is backed by its own mmap region rather than the shared
// break-backed pool.
func SetMmapThreshold(bytes uintptr) {
	mu.Lock()
	defer mu.Unlock()
	if manager != nil {
		manager.SetMmapThreshold(bytes)
	}
}

// GetMmapThreshold returns the current mmap threshold.
func GetMmapThreshold() uintptr {
	mu.Lock()
	defer mu.Unlock()
	if manager == nil {
		return 0
	}
	return manager.MmapThreshold()
}

// Allocate returns a payload pointer with room for at least size bytes,
// or nil if size is 0 or no arena (existing or newly created) can
// satisfy the request.
func Allocate(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	mu.Lock()
	m := manager
	mu.Unlock()
	if m == nil {
		return nil
	}

	return allocateFrom(m, size)
}

func allocateFrom(m *arenamgr.Manager, size uintptr) unsafe.Pointer {
	aligned := block.AlignUp(size)

	// findOrGrowLocked returns with a's lock held so that no other
	// goroutine can claim b between selection and commit; the block was
	// chosen by FindFreeBlock specifically because it was free at that
	// instant, and nothing else may touch the arena's free list in
	// between.
	a, b := findOrGrowLocked(m, aligned)
	if b == nil {
		return nil
	}
	defer a.Unlock()

	allocated := commitAllocation(a, b, aligned, size)
	if allocated == nil {
		return nil
	}
	return block.ToPayload(allocated)
}

// findOrGrowLocked walks the existing arenas for a block of at least
// payloadSize bytes; if none has room, it creates a new arena sized to
// fit exactly this request. On success it returns with the winning
// arena's lock held; on failure (b == nil) no lock is held.
func findOrGrowLocked(m *arenamgr.Manager, payloadSize uintptr) (*arenamgr.Arena, *block.Header) {
	for _, a := range m.List() {
		a.Lock()
		if b := m.FindFreeBlock(a, payloadSize); b != nil {
			return a, b
		}
		a.Unlock()
	}

	arenaSize := payloadSize + block.HeaderSize + arenamgr.HeaderSize
	if arenaSize < MinArenaSize {
		arenaSize = MinArenaSize
	}

	a, err := m.Create(arenaSize)
	if err != nil {
		debug.Log("Allocate", "failed to grow a new arena: %v", err)
		return nil, nil
	}

	a.Lock()
	if b := m.FindFreeBlock(a, payloadSize); b != nil {
		return a, b
	}
	a.Unlock()
	return nil, nil
}

// commitAllocation must be called with a's lock held. It splits b if the
// remainder would be a usable free block, or hands out the whole block
// otherwise, updating a's stats either way.
func commitAllocation(a *arenamgr.Arena, b *block.Header, alignedSize, requestedSize uintptr) *block.Header {
	head, cursor := a.FreeListSlots()

	var allocated *block.Header
	if b.Size >= alignedSize+block.MinSize {
		allocated = block.Split(head, cursor, b, alignedSize)
		if allocated == nil {
			return nil
		}
	} else {
		block.RemoveFromFreeList(head, cursor, b)
		b.Free = false
		allocated = b
		a.Stats.FreeBlockCount--
	}

	a.Stats.FreeBytes -= allocated.Size
	a.Stats.OnAlloc(allocated.Size, requestedSize)
	allocated.RequestedSize = requestedSize

	return allocated
}

// ZeroAllocate is Allocate(count*size) with the payload zeroed and the
// call counted as a calloc rather than a malloc. Returns nil (with no
// allocation performed) if count*size overflows uintptr.
func ZeroAllocate(count, size uintptr) unsafe.Pointer {
	if size != 0 && count > ^uintptr(0)/size {
		debug.Log("ZeroAllocate", "count=%d size=%d overflows", count, size)
		return nil
	}

	total := count * size
	p := Allocate(total)
	if p == nil {
		return nil
	}

	mu.Lock()
	m := manager
	mu.Unlock()
	if m != nil {
		if a, _ := ownerOf(m, p); a != nil {
			a.Lock()
			a.Stats.MallocCalls--
			a.Stats.CallocCalls++
			a.Unlock()
		}
	}

	xunsafe.Clear((*byte)(p), total)
	return p
}

// Free returns ptr's block to its arena's free list, coalesces it with
// any free physical neighbors, and hands the arena to Manager.Destroy if
// that leaves it entirely empty (which releases it, or clears it in place
// for a break-backed arena that is not at the end of the break).
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	mu.Lock()
	m := manager
	mu.Unlock()
	if m == nil {
		return
	}

	h := block.FromPayload(ptr)
	if err := block.Validate(h); err != nil {
		debug.Log("Free", "invalid pointer %p: %v", ptr, err)
		return
	}

	a, ok := m.Lookup(h.ArenaID)
	if !ok {
		debug.Log("Free", "block %p: arena %d not found", ptr, h.ArenaID)
		return
	}

	destroy := freeInArena(a, h)
	if destroy {
		if err := m.Destroy(a); err != nil {
			debug.Log("Free", "destroy empty arena %d: %v", a.ID(), err)
		}
	}
}

// freeInArena must NOT be called with a's lock already held; it takes
// and releases the lock itself, then reports whether a has become
// entirely empty and should be destroyed by the caller (matching the
// source allocator, which never calls arena_destroy while still holding
// arena->lock).
func freeInArena(a *arenamgr.Arena, h *block.Header) bool {
	a.Lock()
	defer a.Unlock()

	freedSize, freedRequested := h.Size, h.RequestedSize

	a.Stats.OnFree(freedSize, freedRequested)
	a.Stats.FreeBytes += freedSize
	a.Stats.FreeBlockCount++

	h.Free = true
	h.RequestedSize = 0

	head, cursor := a.FreeListSlots()
	merged := block.Coalesce(head, cursor, h)
	if merged != nil && merged.Size > a.Stats.LargestFreeBlock {
		a.Stats.LargestFreeBlock = merged.Size
	}

	return arenaIsEmpty(a, merged)
}

// arenaIsEmpty reports whether merged is the only block left in a and
// spans the whole arena: the reclamation predicate the source allocator
// checks in heapster_free before calling arena_destroy. a.BlockCount()
// is part of that predicate for parity with the source allocator, even
// though it is fixed at 1 for the arena's lifetime there (nothing in the
// original ever increments or decrements it after arena creation) — the
// three structural checks below are what actually decide emptiness.
func arenaIsEmpty(a *arenamgr.Arena, merged *block.Header) bool {
	if merged == nil || a.BlockCount() != 1 {
		return false
	}
	return a.FreeListHead() == merged &&
		merged.PhysPrev == nil && merged.PhysNext == nil &&
		merged.Size+block.HeaderSize == a.Size()-arenamgr.HeaderSize
}

// Resize changes ptr's payload capacity to newSize bytes, preserving the
// leading min(oldRequestedSize, newSize) bytes of content. A nil ptr
// behaves like Allocate(newSize); a newSize of 0 behaves like Free(ptr)
// and returns nil.
func Resize(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return Allocate(newSize)
	}
	if newSize == 0 {
		Free(ptr)
		return nil
	}

	mu.Lock()
	m := manager
	mu.Unlock()
	if m == nil {
		return nil
	}

	h := block.FromPayload(ptr)
	if err := block.Validate(h); err != nil {
		debug.Log("Resize", "invalid pointer %p: %v", ptr, err)
		return nil
	}

	a, ok := m.Lookup(h.ArenaID)
	if !ok {
		debug.Log("Resize", "block %p: arena %d not found", ptr, h.ArenaID)
		return nil
	}

	a.Lock()
	a.Stats.ReallocCalls++
	a.Unlock()

	aligned := block.AlignUp(newSize)
	if h.Size >= aligned {
		shrinkInPlace(a, h, newSize)
		return ptr
	}

	newPtr := Allocate(newSize)
	if newPtr == nil {
		return nil
	}

	copyN := h.RequestedSize
	if newSize < copyN {
		copyN = newSize
	}
	xunsafe.Copy((*byte)(newPtr), (*byte)(ptr), copyN)

	Free(ptr)
	return newPtr
}

// shrinkInPlace handles Resize when the new size fits within h's current
// capacity. block.Split requires its target to be a free block (it is
// meant for carving a block the placement policy just found in a free
// list), so a live, allocated block being shrunk in place can never
// satisfy it; this mirrors the source allocator, whose equivalent
// reuse of block_split on an in-use block is guarded by the same
// free-only precondition and so never actually carves a trailing free
// remainder either. Shrinking therefore only updates the wasted-bytes
// accounting for the new, smaller request against the block's unchanged
// capacity.
func shrinkInPlace(a *arenamgr.Arena, h *block.Header, requested uintptr) {
	a.Lock()
	defer a.Unlock()

	a.Stats.WastedBytes -= h.Size - h.RequestedSize
	a.Stats.WastedBytes += h.Size - requested
	h.RequestedSize = requested
}

// ownerOf locates the arena owning ptr, if any.
func ownerOf(m *arenamgr.Manager, ptr unsafe.Pointer) (*arenamgr.Arena, *block.Header) {
	h := block.FromPayload(ptr)
	if block.Validate(h) != nil {
		return nil, nil
	}
	a, ok := m.Lookup(h.ArenaID)
	if !ok {
		return nil, nil
	}
	return a, h
}
