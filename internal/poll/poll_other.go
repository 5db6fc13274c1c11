//go:build !linux && !darwin

package poll

import "errors"

// Open is unavailable on platforms without an epoll/kqueue equivalent
// wired up yet, mirroring the teacher's evio_other.go stdlib-only fallback
// posture for unsupported readiness backends.
func Open() (Poller, error) {
	return nil, errors.New("poll: no readiness backend for this platform")
}
