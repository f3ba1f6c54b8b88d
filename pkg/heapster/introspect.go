package heapster

import (
	"github.com/flier/heapster/internal/block"
	"github.com/flier/heapster/internal/stats"
)

// ArenaStats is a point-in-time copy of one arena's accounting, safe to
// read after Snapshot returns without holding any lock.
type ArenaStats struct {
	ID            uint64
	Start, End    uintptr
	Size          uintptr
	RequestedSize uintptr
	IsMmap        bool

	stats.Stats
}

// FragmentationRatio reports how scattered this arena's free space is:
// 0 when it is one contiguous block, approaching 1 as it fragments.
func (s ArenaStats) FragmentationRatio() float64 { return s.Stats.FragmentationRatio() }

// Snapshot returns a copy of every arena's current statistics,
// most-recently-created first.
func Snapshot() []ArenaStats {
	mu.Lock()
	m := manager
	mu.Unlock()
	if m == nil {
		return nil
	}

	arenas := m.List()
	out := make([]ArenaStats, 0, len(arenas))
	for _, a := range arenas {
		a.Lock()
		out = append(out, ArenaStats{
			ID:            a.ID(),
			Start:         a.Start(),
			End:           a.End(),
			Size:          a.Size(),
			RequestedSize: a.RequestedSize(),
			IsMmap:        a.IsMmap(),
			Stats:         a.Stats,
		})
		a.Unlock()
	}
	return out
}

// BlockInfo describes a single block on an arena's free list, as
// reported by FreeListDump.
type BlockInfo struct {
	Size          uintptr
	RequestedSize uintptr
	Free          bool
}

// FreeListDump returns every block currently on arenaID's free list, in
// address order, or nil if no such arena exists.
func FreeListDump(arenaID uint64) []BlockInfo {
	mu.Lock()
	m := manager
	mu.Unlock()
	if m == nil {
		return nil
	}

	a, ok := m.Lookup(arenaID)
	if !ok {
		return nil
	}

	var out []BlockInfo
	a.ForEachBlock(func(h *block.Header) {
		out = append(out, BlockInfo{
			Size:          h.Size,
			RequestedSize: h.RequestedSize,
			Free:          h.Free,
		})
	})
	return out
}
