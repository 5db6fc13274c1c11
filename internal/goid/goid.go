// Package goid identifies the calling goroutine, used only to implement
// the event loop's thread-affinity invariant (spec §4.2: task submission
// takes a fast local path when the caller is already running on the
// loop's owned goroutine, and the cross-thread inbox path otherwise).
//
// This is the same stack-parsing technique used by goroutine-leak
// detectors (e.g. go.uber.org/goleak) rather than anything exposed by the
// runtime; it is intentionally kept to this single internal package so a
// future switch to runtime.Goid() (should it ever ship) touches one file.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the calling goroutine's runtime-assigned ID.
func Current() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	// "goroutine 123 [running]:"
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseInt(string(buf), 10, 64)
	return id
}
