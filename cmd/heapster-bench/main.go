// Command heapster-bench drives the public allocator API under a
// configurable workload: a fixed number of worker goroutines each doing
// a mix of allocate/resize/free, then prints the resulting per-arena
// statistics.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/xyproto/env/v2"

	"github.com/flier/heapster/internal/xflag"
	"github.com/flier/heapster/pkg/heapster"
)

func parsePolicy(s string) (heapster.Policy, error) {
	switch s {
	case "first", "first-fit":
		return heapster.FirstFit, nil
	case "next", "next-fit":
		return heapster.NextFit, nil
	case "best", "best-fit":
		return heapster.BestFit, nil
	case "worst", "worst-fit":
		return heapster.WorstFit, nil
	default:
		return 0, fmt.Errorf("unknown policy %q (want first, next, best, or worst)", s)
	}
}

func main() {
	arenaSize := flag.Uint64("arena-size", uint64(env.Int64("HEAPSTER_ARENA_SIZE", heapster.MinArenaSize)), "initial arena size in bytes")
	mmapThreshold := flag.Uint64("mmap-threshold", uint64(env.Int64("HEAPSTER_MMAP_THRESHOLD", 128*1024)), "request size at or above which a dedicated mmap arena is used")
	workers := flag.Int("workers", env.Int("HEAPSTER_WORKERS", 4), "number of concurrent workers")
	iterations := flag.Int("iterations", env.Int("HEAPSTER_ITERATIONS", 10000), "allocate/free iterations per worker")
	maxAllocSize := flag.Uint64("max-alloc-size", uint64(env.Int64("HEAPSTER_MAX_ALLOC_SIZE", 4096)), "largest single allocation size in bytes")
	policyFlag := xflag.Func("policy", "placement policy: first, next, best, or worst", parsePolicy)
	flag.Parse()

	if err := heapster.Init(uintptr(*arenaSize), *policyFlag); err != nil {
		fmt.Fprintf(os.Stderr, "heapster-bench: init failed: %v\n", err)
		os.Exit(1)
	}
	defer heapster.Finalize()

	heapster.SetMmapThreshold(uintptr(*mmapThreshold))

	start := time.Now()
	run(*workers, *iterations, uintptr(*maxAllocSize))
	elapsed := time.Since(start)

	fmt.Printf("%d workers x %d iterations in %s\n", *workers, *iterations, elapsed)
	report()
}

func run(workers, iterations int, maxAllocSize uintptr) {
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		seed := int64(i) + 1
		go func(seed int64) {
			defer wg.Done()
			worker(seed, iterations, maxAllocSize)
		}(seed)
	}

	wg.Wait()
}

// worker repeatedly allocates, occasionally resizes, writes a canary byte
// pattern, and frees, to exercise split/coalesce under concurrent load.
func worker(seed int64, iterations int, maxAllocSize uintptr) {
	rng := rand.New(rand.NewSource(seed))
	var live []unsafe.Pointer

	for i := 0; i < iterations; i++ {
		switch {
		case len(live) == 0 || rng.Intn(3) != 0:
			size := uintptr(rng.Intn(int(maxAllocSize))) + 1
			p := heapster.Allocate(size)
			if p == nil {
				continue
			}
			*(*byte)(p) = byte(seed)
			live = append(live, p)

		case rng.Intn(2) == 0:
			idx := rng.Intn(len(live))
			newSize := uintptr(rng.Intn(int(maxAllocSize))) + 1
			live[idx] = heapster.Resize(live[idx], newSize)

		default:
			idx := rng.Intn(len(live))
			heapster.Free(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}

	for _, p := range live {
		heapster.Free(p)
	}
}

func report() {
	for _, a := range heapster.Snapshot() {
		fmt.Printf(
			"arena %d: size=%d used=%d free=%d largest_free=%d frag=%.3f mallocs=%d frees=%d reallocs=%d mmap=%v\n",
			a.ID, a.Size, a.UsedBytes, a.FreeBytes, a.LargestFreeBlock,
			a.FragmentationRatio(), a.MallocCalls, a.FreeCalls, a.ReallocCalls, a.IsMmap,
		)
	}
}
