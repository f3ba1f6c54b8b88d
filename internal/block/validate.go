package block

import (
	"errors"
	"unsafe"
)

// Validation errors returned by [Validate], one distinct sentinel per
// failing check, checked with errors.Is/errors.As by callers that need to
// tell corruption kinds apart.
var (
	ErrNilHeader    = errors.New("block: nil header")
	ErrBadMagic     = errors.New("block: bad magic sentinel")
	ErrMisaligned   = errors.New("block: payload is not aligned")
	ErrTooSmall     = errors.New("block: size below minimum payload size")
	ErrBadFreeState = errors.New("block: free flag is neither 0 nor 1")
)

// Validate rejects pointers that were never handed out by this allocator
// or that have been corrupted: nil, bad magic, misaligned payload,
// undersized payload, or a free flag whose raw byte is neither 0 nor 1
// (the header lives in raw memory, so a corrupted or foreign header can
// hold any byte there even though the field is a Go bool).
func Validate(h *Header) error {
	if h == nil {
		return ErrNilHeader
	}
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if addrOf(ToPayload(h))%uintptr(Alignment) != 0 {
		return ErrMisaligned
	}
	if h.Size < MinPayloadSize {
		return ErrTooSmall
	}
	if *(*uint8)(unsafe.Pointer(&h.Free)) > 1 {
		return ErrBadFreeState
	}
	return nil
}
