// Package xunsafe centralizes the small set of pointer-arithmetic helpers
// the block manager needs to convert between block headers and user
// payloads, so that the `unsafe` boundary has one narrow entry point
// instead of being scattered across internal/block.
package xunsafe

import (
	"sync"
)

// NoCopy is a type that go vet will complain about having been moved.
//
// It does so because its element type, [sync.Mutex], has a Lock method,
// which go vet's copylocks check looks through arrays for. Embedded in types that must
// never be copied once in use, such as an arena pinned to a live OS
// mapping.
type NoCopy [0]sync.Mutex

// Int is any integer type usable as an offset or count in the pointer
// helpers below.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}
