package heapster_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/heapster/pkg/heapster"
)

func resetState(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { _ = heapster.Finalize() })
}

func TestAllocateAndFree(t *testing.T) {
	resetState(t)

	Convey("Given an initialized allocator", t, func() {
		So(heapster.Init(heapster.MinArenaSize, heapster.FirstFit), ShouldBeNil)

		Convey("Allocate returns a usable, writable payload", func() {
			p := heapster.Allocate(64)
			So(p, ShouldNotBeNil)

			data := unsafe.Slice((*byte)(p), 64)
			for i := range data {
				data[i] = byte(i)
			}
			for i := range data {
				So(data[i], ShouldEqual, byte(i))
			}

			Convey("Free does not panic and the allocator keeps working", func() {
				heapster.Free(p)

				q := heapster.Allocate(64)
				So(q, ShouldNotBeNil)
			})
		})

		Convey("Allocate(0) returns nil", func() {
			So(heapster.Allocate(0), ShouldBeNil)
		})
	})
}

func TestFreedBlockIsReusedByFirstFit(t *testing.T) {
	resetState(t)

	if err := heapster.Init(heapster.MinArenaSize, heapster.FirstFit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	a := heapster.Allocate(32)
	b := heapster.Allocate(32)
	if a == nil || b == nil {
		t.Fatal("expected both allocations to succeed")
	}

	before := heapster.Snapshot()
	if len(before) != 1 {
		t.Fatalf("expected a single arena, got %d", len(before))
	}
	usedBefore := before[0].AllocatedBlockCount

	heapster.Free(a)
	c := heapster.Allocate(32)
	if c == nil {
		t.Fatal("expected the freed block to be reused")
	}
	if c != a {
		t.Fatalf("expected first fit to hand back the freed block %p, got %p", a, c)
	}

	after := heapster.Snapshot()
	if len(after) != 1 {
		t.Fatalf("expected the arena count to stay at 1, got %d", len(after))
	}
	if after[0].AllocatedBlockCount != usedBefore {
		t.Fatalf("expected reuse to keep allocated block count at %d, got %d",
			usedBefore, after[0].AllocatedBlockCount)
	}
}

func TestAllocationGrowsANewArenaWhenExistingOnesAreFull(t *testing.T) {
	resetState(t)

	if err := heapster.Init(heapster.MinArenaSize, heapster.FirstFit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	before := heapster.Snapshot()
	if len(before) != 1 {
		t.Fatalf("expected a single starting arena, got %d", len(before))
	}

	// Request something that cannot fit in the arena Init already created.
	big := heapster.Allocate(heapster.MinArenaSize * 2)
	if big == nil {
		t.Fatal("expected a new arena to be grown for an oversized request")
	}

	after := heapster.Snapshot()
	if len(after) != 2 {
		t.Fatalf("expected a second arena to have been created, got %d arenas", len(after))
	}
}

func TestFreeingEveryBlockReclaimsAnEmptyArena(t *testing.T) {
	resetState(t)

	if err := heapster.Init(heapster.MinArenaSize, heapster.FirstFit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// Force a dedicated second arena via an oversized request, then free it
	// to check the arena is destroyed rather than left around as dead
	// weight.
	big := heapster.Allocate(heapster.MinArenaSize * 2)
	if big == nil {
		t.Fatal("expected the oversized allocation to succeed")
	}

	grown := heapster.Snapshot()
	if len(grown) != 2 {
		t.Fatalf("expected two arenas after the oversized request, got %d", len(grown))
	}

	heapster.Free(big)

	after := heapster.Snapshot()
	if len(after) != 1 {
		t.Fatalf("expected the now-empty arena to be reclaimed, got %d arenas", len(after))
	}
}

func TestResizeGrowShrinkAndFreeSemantics(t *testing.T) {
	resetState(t)

	Convey("Given an allocated block", t, func() {
		So(heapster.Init(heapster.MinArenaSize, heapster.FirstFit), ShouldBeNil)

		p := heapster.Allocate(16)
		So(p, ShouldNotBeNil)
		data := unsafe.Slice((*byte)(p), 16)
		for i := range data {
			data[i] = byte(i + 1)
		}

		Convey("Shrinking in place preserves the leading bytes and the pointer", func() {
			q := heapster.Resize(p, 8)
			So(q, ShouldEqual, p)

			shrunk := unsafe.Slice((*byte)(q), 8)
			for i := range shrunk {
				So(shrunk[i], ShouldEqual, byte(i+1))
			}
		})

		Convey("Growing copies the old content into a new block", func() {
			q := heapster.Resize(p, 256)
			So(q, ShouldNotBeNil)

			grown := unsafe.Slice((*byte)(q), 16)
			for i := range grown {
				So(grown[i], ShouldEqual, byte(i+1))
			}
		})

		Convey("Resize(ptr, 0) frees ptr and returns nil", func() {
			q := heapster.Resize(p, 0)
			So(q, ShouldBeNil)
		})

		Convey("Resize(nil, n) behaves like Allocate(n)", func() {
			q := heapster.Resize(nil, 32)
			So(q, ShouldNotBeNil)
		})
	})
}

func TestZeroAllocateZeroesAndDetectsOverflow(t *testing.T) {
	resetState(t)

	if err := heapster.Init(heapster.MinArenaSize, heapster.FirstFit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	p := heapster.ZeroAllocate(8, 4)
	if p == nil {
		t.Fatal("expected ZeroAllocate to succeed")
	}
	data := unsafe.Slice((*byte)(p), 32)
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}

	if got := heapster.ZeroAllocate(^uintptr(0), 2); got != nil {
		t.Fatal("expected ZeroAllocate to reject an overflowing count*size")
	}
}

func TestFreeOfForeignPointerIsANoOp(t *testing.T) {
	resetState(t)

	if err := heapster.Init(heapster.MinArenaSize, heapster.FirstFit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var stack [64]byte
	// Should not panic: a pointer never produced by Allocate fails block
	// header validation and Free just logs and returns.
	heapster.Free(unsafe.Pointer(&stack[0]))
}

func TestPolicyAndMmapThresholdRoundTrip(t *testing.T) {
	resetState(t)

	if err := heapster.Init(heapster.MinArenaSize, heapster.FirstFit); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	heapster.SetPolicy(heapster.BestFit)
	if got := heapster.GetPolicy(); got != heapster.BestFit {
		t.Fatalf("expected policy BestFit, got %v", got)
	}

	heapster.SetMmapThreshold(1 << 20)
	if got := heapster.GetMmapThreshold(); got != 1<<20 {
		t.Fatalf("expected mmap threshold 1<<20, got %d", got)
	}
}

func TestOperationsBeforeInitAreSafe(t *testing.T) {
	_ = heapster.Finalize()

	if p := heapster.Allocate(16); p != nil {
		t.Fatal("expected Allocate before Init to return nil")
	}
	if got := heapster.GetPolicy(); got != heapster.FirstFit {
		t.Fatalf("expected default policy FirstFit, got %v", got)
	}
	if got := heapster.GetMmapThreshold(); got != 0 {
		t.Fatalf("expected mmap threshold 0 before Init, got %d", got)
	}
	if snap := heapster.Snapshot(); snap != nil {
		t.Fatalf("expected nil snapshot before Init, got %v", snap)
	}
	// Must not panic.
	heapster.Free(nil)
	if err := heapster.Finalize(); err != nil {
		t.Fatalf("expected Finalize before Init to be a no-op, got %v", err)
	}
}
