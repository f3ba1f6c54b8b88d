// Package policy implements the placement-policy selector: a pure function
// over an arena's free list that chooses a candidate block for a given
// placement strategy, with no side effects on the free list itself.
package policy

import (
	"github.com/flier/heapster/internal/block"
)

// Policy selects which free block satisfies an allocation request.
type Policy int32

const (
	FirstFit Policy = iota
	NextFit
	BestFit
	WorstFit
)

func (p Policy) String() string {
	switch p {
	case FirstFit:
		return "first-fit"
	case NextFit:
		return "next-fit"
	case BestFit:
		return "best-fit"
	case WorstFit:
		return "worst-fit"
	default:
		return "unknown"
	}
}

// Arena is the minimal view of an arena this package needs: the free-list
// head and the next-fit cursor slot. Kept as an interface (rather than
// importing internal/arenamgr) to avoid a dependency cycle, since arenamgr
// imports policy to implement FindFreeBlock.
type Arena interface {
	FreeListHead() *block.Header
	NextFitCursor() *block.Header
	SetNextFitCursor(*block.Header)
}

func isAligned(h *block.Header) bool {
	return uintptr(block.ToPayload(h))%uintptr(block.Alignment) == 0
}

// Select returns a free block in arena whose Size >= required and whose
// payload is Alignment-aligned, or nil if none qualifies. Select never
// mutates the free list; it only walks it.
func Select(p Policy, a Arena, required uintptr) *block.Header {
	switch p {
	case NextFit:
		return findNextFit(a, required)
	case BestFit:
		return findBestFit(a, required)
	case WorstFit:
		return findWorstFit(a, required)
	default: // FirstFit and any unrecognized value.
		return findFirstFit(a, required)
	}
}

func findFirstFit(a Arena, required uintptr) *block.Header {
	for cur := a.FreeListHead(); cur != nil; cur = cur.Next {
		if cur.Free && cur.Size >= required && isAligned(cur) {
			return cur
		}
	}
	return nil
}

func findNextFit(a Arena, required uintptr) *block.Header {
	if a.NextFitCursor() == nil {
		a.SetNextFitCursor(a.FreeListHead())
	}

	start := a.NextFitCursor()
	if start == nil {
		return nil
	}

	cur := start
	for {
		if cur.Free && cur.Size >= required && isAligned(cur) {
			if cur.Next != nil {
				a.SetNextFitCursor(cur.Next)
			} else {
				a.SetNextFitCursor(a.FreeListHead())
			}
			return cur
		}

		if cur.Next != nil {
			cur = cur.Next
		} else {
			cur = a.FreeListHead()
		}
		if cur == nil || cur == start {
			return nil
		}
	}
}

func findBestFit(a Arena, required uintptr) *block.Header {
	var best *block.Header
	for cur := a.FreeListHead(); cur != nil; cur = cur.Next {
		if cur.Free && cur.Size >= required && isAligned(cur) {
			if best == nil || cur.Size < best.Size {
				best = cur
			}
		}
	}
	return best
}

func findWorstFit(a Arena, required uintptr) *block.Header {
	var worst *block.Header
	for cur := a.FreeListHead(); cur != nil; cur = cur.Next {
		if cur.Free && cur.Size >= required && isAligned(cur) {
			if worst == nil || cur.Size > worst.Size {
				worst = cur
			}
		}
	}
	return worst
}
