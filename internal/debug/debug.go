// Package debug provides the diagnostic channel the allocator uses to
// report corruption, foreign pointers, and OS allocation failures without
// aborting the calling goroutine.
//
// Unlike a typical debug-tag-gated logger, this one is always compiled in:
// corruption and foreign-pointer detection must always emit a diagnostic
// on the standard error stream, in every build, because the allocator's
// invariant is "never corrupt further," not "never corrupt further, but
// only when -tags=debug is set."
package debug

import (
	"fmt"
	"os"
	"strings"

	"github.com/timandy/routine"
)

// Log writes a single diagnostic line, tagged with the calling goroutine id
// and an operation name, to the current sink (stderr, or a test's Log
// method if [WithTesting] is active).
func Log(operation, format string, args ...any) {
	buf := new(strings.Builder)

	_, _ = fmt.Fprintf(buf, "[heapster] g%04d %s: ", routine.Goid(), operation)
	_, _ = fmt.Fprintf(buf, format, args...)

	if t := tls.Get(); t != nil {
		t.Log(buf.String())
		return
	}

	buf.WriteByte('\n')
	_, _ = os.Stderr.WriteString(buf.String())
}

// Assert panics if cond is false.
//
// Used for invariants that indicate a bug in this module itself (e.g. a
// malformed layout computation), as opposed to caller misuse, which goes
// through [Log] and a nil or zero return instead.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("heapster: internal assertion failed: "+format, args...))
	}
}
