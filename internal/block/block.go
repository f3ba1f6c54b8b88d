// Package block implements the intra-arena block manager: header layout,
// the address-ordered free list, the physical-neighbor chain, split,
// coalesce, and the magic-sentinel validation used to reject foreign or
// corrupted pointers.
//
// Every block is a Header embedded at the front of a region of arena
// memory, followed immediately by its payload. All pointer arithmetic
// needed to move between a header and its payload is centralized in
// [ToPayload] and [FromPayload], built on [xunsafe.Cast]/[xunsafe.ByteAdd],
// per the re-architecture guidance to keep header/payload conversion in
// one narrow place rather than scattered unsafe.Pointer math.
package block

import (
	"unsafe"

	"github.com/flier/heapster/pkg/xunsafe"
)

// Magic is the sentinel stamped into every live header, used by [Validate]
// to reject pointers that were never handed out by this allocator or that
// have been corrupted.
const Magic uint32 = 0xC0FFEE

// Alignment is the payload alignment every block guarantees, matching the
// host's maximum scalar alignment (a pointer's alignment on every platform
// Go targets).
const Alignment = unsafe.Alignof(uintptr(0))

// Header is the fixed-size metadata prefixing every block's payload.
//
// Field order is chosen to group the pointer-sized fields together, which
// is also the layout a reader familiar with the free list and physical
// chain will expect: the two linked-list pairs first, then the accounting
// fields.
type Header struct {
	Next, Prev         *Header // free-list links; nil when allocated
	PhysPrev, PhysNext *Header // physical-address chain; always valid

	Size          uintptr // payload capacity, a multiple of Alignment
	RequestedSize uintptr // original user request; 0 when free

	ArenaID uint64
	Magic   uint32
	Free    bool
}

// HeaderSize is sizeof(Header), which Go already guarantees is a multiple
// of the struct's own alignment (a pointer's alignment, i.e. Alignment:
// no field, the uint64 ArenaID included, is aligned more strictly).
const HeaderSize = unsafe.Sizeof(Header{})

// MinPayloadSize is the smallest payload a block may carry.
const MinPayloadSize = uintptr(Alignment)

// MinSize is the smallest total size (header + payload) a block may occupy.
const MinSize = HeaderSize + MinPayloadSize

// AlignUp rounds size up to the next multiple of Alignment.
func AlignUp(size uintptr) uintptr {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// ToPayload returns the payload address for a block header.
func ToPayload(h *Header) unsafe.Pointer {
	if h == nil {
		return nil
	}
	return unsafe.Pointer(xunsafe.ByteAdd(xunsafe.Cast[byte](h), HeaderSize))
}

// FromPayload returns the block header owning a payload pointer.
func FromPayload(p unsafe.Pointer) *Header {
	if p == nil {
		return nil
	}
	return xunsafe.Cast[Header](xunsafe.ByteAdd((*byte)(p), -int64(HeaderSize)))
}

// addr returns h's address, used to keep the free list and physical chain
// in strict ascending-address order.
func addr(h *Header) uintptr { return xunsafe.Addr(h) }

// addrOf returns a raw pointer's address, used by Validate to check
// payload alignment without re-deriving a *Header from it.
func addrOf(p unsafe.Pointer) uintptr { return uintptr(p) }

// Init constructs a single free block at addr covering totalSize bytes
// (header included). Requires totalSize >= MinSize. arenaID is assigned
// by the caller (arenamgr.Create), not here: a block's arena id is
// assigned exactly once, at creation, never re-derived later.
func Init(addr unsafe.Pointer, totalSize uintptr) *Header {
	if addr == nil || totalSize < MinSize {
		return nil
	}

	h := (*Header)(addr)
	*h = Header{
		Size: totalSize - HeaderSize,
		Free: true,
		Magic: Magic,
	}
	return h
}

// isInFreeList reports whether b is reachable from *head by walking Next.
func isInFreeList(head **Header, b *Header) bool {
	if b == nil || !b.Free {
		return false
	}
	for cur := *head; cur != nil; cur = cur.Next {
		if cur == b {
			return true
		}
	}
	return false
}

// AddToFreeList inserts block into the free list headed by *head, in
// ascending address order. A no-op if block is already present.
//
// head and cursor are pointers to the owning arena's FreeListHead and
// NextFitCursor fields; this package never imports the arena type, so the
// arena passes the two mutable slots it owns by address instead.
func AddToFreeList(head, cursor **Header, arenaID uint64, b *Header) {
	if b == nil || isInFreeList(head, b) {
		return
	}

	b.Free = true
	b.RequestedSize = 0

	var prev *Header
	cur := *head
	for cur != nil && addr(cur) < addr(b) {
		prev = cur
		cur = cur.Next
	}

	b.Next = cur
	b.Prev = prev

	if cur != nil {
		cur.Prev = b
	}
	if prev != nil {
		prev.Next = b
	} else {
		*head = b
	}

	b.ArenaID = arenaID
}

// RemoveFromFreeList unlinks block from the free list. A no-op if block is
// not present. If the next-fit cursor referenced block, it is advanced to
// the (possibly nil) new free-list head.
func RemoveFromFreeList(head, cursor **Header, b *Header) {
	if !isInFreeList(head, b) {
		return
	}

	if b.Prev != nil {
		b.Prev.Next = b.Next
	} else {
		*head = b.Next
	}
	if b.Next != nil {
		b.Next.Prev = b.Prev
	}

	if *cursor == b {
		*cursor = *head
	}

	b.Next = nil
	b.Prev = nil
}

// Split carves allocSize (already Alignment-rounded by the caller) bytes
// off the front of block, leaving a trailing free remainder spliced into
// both the free list and the physical chain.
//
// Refuses (returns nil, block unchanged) unless block is free and has room
// for both the allocated prefix and a MinSize remainder.
func Split(head, cursor **Header, b *Header, allocSize uintptr) *Header {
	if b == nil || !b.Free || b.Size < allocSize+MinSize {
		return nil
	}

	RemoveFromFreeList(head, cursor, b)

	tail := xunsafe.Cast[Header](xunsafe.ByteAdd(xunsafe.Cast[byte](b), HeaderSize+allocSize))
	*tail = Header{
		Size:     b.Size - allocSize - HeaderSize,
		Free:     true,
		Magic:    b.Magic,
		ArenaID:  b.ArenaID,
		PhysPrev: b,
		PhysNext: b.PhysNext,
	}
	if tail.PhysNext != nil {
		tail.PhysNext.PhysPrev = tail
	}

	b.Size = allocSize
	b.Free = false
	b.RequestedSize = 0
	b.PhysNext = tail

	AddToFreeList(head, cursor, b.ArenaID, tail)

	return b
}

// Coalesce merges block with its free physical predecessor (if any,
// absorbing into it so the predecessor becomes the new block identity),
// then with every free physical successor in turn, extending rightward.
// Each absorbed block is removed from the free list before merging; the
// surviving block keeps its place on the list (its address is unchanged)
// and is inserted once at the end if it was not already on it.
func Coalesce(head, cursor **Header, b *Header) *Header {
	if b == nil || !b.Free {
		return nil
	}

	if b.PhysPrev != nil && b.PhysPrev.Free {
		prev := b.PhysPrev

		RemoveFromFreeList(head, cursor, b)

		prev.Size += HeaderSize + b.Size
		prev.RequestedSize = 0
		prev.PhysNext = b.PhysNext
		if prev.PhysNext != nil {
			prev.PhysNext.PhysPrev = prev
		}

		b = prev
	}

	for b.PhysNext != nil && b.PhysNext.Free {
		next := b.PhysNext

		RemoveFromFreeList(head, cursor, next)

		b.Size += HeaderSize + next.Size
		b.RequestedSize = 0
		b.PhysNext = next.PhysNext
		if b.PhysNext != nil {
			b.PhysNext.PhysPrev = b
		}
	}

	AddToFreeList(head, cursor, b.ArenaID, b)

	return b
}
