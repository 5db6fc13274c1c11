//go:build linux

package poll

import "golang.org/x/sys/unix"

// eventFd is the Linux wakeup primitive referenced in spec §4.2 and design
// note §9 ("the signal the loop primitive as an abstract capability").
// Grounded on the teacher's internal eventfd wrapper (newEventFd,
// WriteEvent/ReadEvent, Fd, Close) but rebuilt on golang.org/x/sys/unix.
type eventFd struct {
	fd int
}

func newEventFd() (*eventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &eventFd{fd: fd}, nil
}

func (e *eventFd) Fd() int { return e.fd }

func (e *eventFd) Signal() error {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(e.fd, buf[:])
	if err == unix.EAGAIN {
		// already armed, the reader hasn't drained the previous signal yet
		return nil
	}
	return err
}

// Drain clears the counter after a readable notification, so the next
// Signal correctly re-arms it.
func (e *eventFd) Drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (e *eventFd) Close() error { return unix.Close(e.fd) }
