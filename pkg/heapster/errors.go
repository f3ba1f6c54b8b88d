package heapster

import "errors"

// ErrOSAllocation is returned by [Init] when the operating system refuses
// to hand over more memory (mmap/program-break failure). Every other
// failure mode (invalid argument, corrupted header, foreign pointer, a
// call before Init) has no error-returning call site in this package —
// Allocate/Free/Resize/ZeroAllocate report those by logging through
// internal/debug and returning a zero value, not an error — so this is
// the only sentinel worth keeping.
var ErrOSAllocation = errors.New("heapster: os allocation failed")
