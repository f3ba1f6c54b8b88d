package arenamgr

import (
	"sync"

	"github.com/dolthub/maphash"
)

const indexShardCount = 16

// arenaIndex is a sharded id->*Arena lookup backing Manager.Lookup, which
// pkg/heapster's Free/Resize/ZeroAllocate and its introspection calls use
// so they never have to walk the global arena list under its single mutex. Sharded on the arena id's hash the same
// way pkg/arena/swiss/map.go shards its groups on a key hash, just
// without that package's open-addressing probe sequence: ids are
// allocated once and never deleted-then-reused, so a plain map per shard
// needs no tombstones.
type arenaIndex struct {
	hash   maphash.Hasher[uint64]
	shards [indexShardCount]struct {
		mu sync.Mutex
		m  map[uint64]*Arena
	}
}

func newArenaIndex() *arenaIndex {
	idx := &arenaIndex{hash: maphash.NewHasher[uint64]()}
	for i := range idx.shards {
		idx.shards[i].m = make(map[uint64]*Arena)
	}
	return idx
}

func (idx *arenaIndex) shardFor(id uint64) *struct {
	mu sync.Mutex
	m  map[uint64]*Arena
} {
	return &idx.shards[idx.hash.Hash(id)%indexShardCount]
}

func (idx *arenaIndex) Put(id uint64, a *Arena) {
	s := idx.shardFor(id)
	s.mu.Lock()
	s.m[id] = a
	s.mu.Unlock()
}

func (idx *arenaIndex) Delete(id uint64) {
	s := idx.shardFor(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (idx *arenaIndex) Get(id uint64) (*Arena, bool) {
	s := idx.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.m[id]
	return a, ok
}
