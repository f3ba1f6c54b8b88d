package block_test

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/heapster/internal/block"
)

// newRegion returns size+Alignment bytes of Alignment-aligned memory. The
// backing slice is pinned for the lifetime of the test via t.Cleanup, so
// the returned unsafe.Pointer remains valid even though it was derived via
// uintptr arithmetic.
func newRegion(t *testing.T, size uintptr) unsafe.Pointer {
	t.Helper()
	buf := make([]byte, size+uintptr(block.Alignment))
	t.Cleanup(func() { runtime.KeepAlive(buf) })
	raw := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (raw + uintptr(block.Alignment) - 1) &^ (uintptr(block.Alignment) - 1)
	return unsafe.Pointer(aligned)
}

func TestInit(t *testing.T) {
	total := block.HeaderSize + 256
	addr := newRegion(t, total)

	h := block.Init(addr, total)
	require.NotNil(t, h)

	assert.Equal(t, total-block.HeaderSize, h.Size)
	assert.True(t, h.Free)
	assert.Zero(t, h.RequestedSize)
	assert.Nil(t, h.Next)
	assert.Nil(t, h.Prev)
	assert.Nil(t, h.PhysNext)
	assert.Nil(t, h.PhysPrev)
	assert.Equal(t, block.Magic, h.Magic)
	assert.NoError(t, block.Validate(h))
}

func TestInitRejectsUndersized(t *testing.T) {
	addr := newRegion(t, block.MinSize)
	assert.Nil(t, block.Init(addr, block.HeaderSize))
	assert.Nil(t, block.Init(nil, block.MinSize))
}

func TestAddToFreeListOrdersByAddress(t *testing.T) {
	region := newRegion(t, block.HeaderSize*3+192)
	a := block.Init(region, block.HeaderSize+64)
	b := block.Init(unsafe.Add(region, block.HeaderSize+64), block.HeaderSize+64)
	c := block.Init(unsafe.Add(region, 2*(block.HeaderSize+64)), block.HeaderSize+64)

	var head, cursor *block.Header

	// Insert out of address order; the list must end up ascending.
	block.AddToFreeList(&head, &cursor, 1, c)
	block.AddToFreeList(&head, &cursor, 1, a)
	block.AddToFreeList(&head, &cursor, 1, b)

	require.Same(t, a, head)
	require.Same(t, b, head.Next)
	require.Same(t, c, head.Next.Next)
	assert.Nil(t, head.Next.Next.Next)
}

func TestAddToFreeListIsIdempotent(t *testing.T) {
	region := newRegion(t, block.HeaderSize+64)
	a := block.Init(region, block.HeaderSize+64)

	var head, cursor *block.Header
	block.AddToFreeList(&head, &cursor, 1, a)
	before := *a
	block.AddToFreeList(&head, &cursor, 1, a)

	assert.Equal(t, before, *a)
	require.Same(t, a, head)
	assert.Nil(t, head.Next)
}

func TestRemoveFromFreeListAdvancesCursor(t *testing.T) {
	region := newRegion(t, 2*(block.HeaderSize+64))
	a := block.Init(region, block.HeaderSize+64)
	b := block.Init(unsafe.Add(region, block.HeaderSize+64), block.HeaderSize+64)

	var head, cursor *block.Header
	block.AddToFreeList(&head, &cursor, 1, a)
	block.AddToFreeList(&head, &cursor, 1, b)
	cursor = a

	block.RemoveFromFreeList(&head, &cursor, a)

	assert.Same(t, b, head)
	assert.Same(t, b, cursor)
	assert.Nil(t, a.Next)
	assert.Nil(t, a.Prev)
}

func TestSplitCarvesTrailingFreeBlock(t *testing.T) {
	total := block.HeaderSize + 256
	region := newRegion(t, total)
	a := block.Init(region, total)

	var head, cursor *block.Header
	block.AddToFreeList(&head, &cursor, 1, a)

	allocated := block.Split(&head, &cursor, a, 64)
	require.NotNil(t, allocated)

	assert.Equal(t, uintptr(64), allocated.Size)
	assert.False(t, allocated.Free)
	require.NotNil(t, allocated.PhysNext)

	tail := allocated.PhysNext
	assert.True(t, tail.Free)
	assert.Equal(t, total-block.HeaderSize-64-block.HeaderSize, tail.Size)
	assert.Same(t, allocated, tail.PhysPrev)
	assert.Same(t, tail, head)
}

func TestSplitRefusesWhenRemainderTooSmall(t *testing.T) {
	total := block.HeaderSize + 64
	region := newRegion(t, total)
	a := block.Init(region, total)

	var head, cursor *block.Header
	block.AddToFreeList(&head, &cursor, 1, a)

	got := block.Split(&head, &cursor, a, 64)
	assert.Nil(t, got)
	assert.True(t, a.Free)
}

func TestCoalesceMergesBothNeighbors(t *testing.T) {
	unit := block.HeaderSize + 64
	total := unit * 3
	region := newRegion(t, total)

	a := block.Init(region, unit)
	b := block.Init(unsafe.Add(region, unit), unit)
	c := block.Init(unsafe.Add(region, 2*unit), unit)

	a.PhysNext, b.PhysPrev = b, a
	b.PhysNext, c.PhysPrev = c, b

	var head, cursor *block.Header
	block.AddToFreeList(&head, &cursor, 1, a)
	block.AddToFreeList(&head, &cursor, 1, b)
	block.AddToFreeList(&head, &cursor, 1, c)

	merged := block.Coalesce(&head, &cursor, b)

	assert.Same(t, a, merged)
	assert.Equal(t, 2*unit+64, merged.Size)
	assert.Nil(t, merged.PhysNext)
	assert.Nil(t, merged.PhysPrev)
	assert.Same(t, merged, head)
	assert.Nil(t, head.Next)
}

func TestValidateDetectsCorruption(t *testing.T) {
	total := block.HeaderSize + 64
	region := newRegion(t, total)
	h := block.Init(region, total)

	assert.NoError(t, block.Validate(h))
	assert.ErrorIs(t, block.Validate(nil), block.ErrNilHeader)

	h.Magic = 0
	assert.ErrorIs(t, block.Validate(h), block.ErrBadMagic)
	h.Magic = block.Magic

	h.Size = block.MinPayloadSize - 1
	assert.ErrorIs(t, block.Validate(h), block.ErrTooSmall)
}

func TestPayloadRoundTrip(t *testing.T) {
	total := block.HeaderSize + 64
	region := newRegion(t, total)
	h := block.Init(region, total)

	p := block.ToPayload(h)
	require.NotNil(t, p)
	assert.Same(t, h, block.FromPayload(p))
	assert.Nil(t, block.ToPayload(nil))
	assert.Nil(t, block.FromPayload(nil))
}
