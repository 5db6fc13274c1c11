//go:build linux

package poll

import (
	"sync"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux backend, replacing the teacher's raw syscall
// epoll calls with golang.org/x/sys/unix for portability across kernel
// versions the way the rest of the pack's networking code does (e.g. the
// netstack and systrap examples reach for x/sys/unix rather than package
// syscall directly).
type epollPoller struct {
	epfd int
	wake *eventFd

	mu     sync.Mutex
	events []unix.EpollEvent
}

func Open() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wake, err := newEventFd()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &epollPoller{epfd: epfd, wake: wake, events: make([]unix.EpollEvent, 128)}
	if err := p.Add(wake.fd, EventReadable); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func toEpollEvents(m EventMask) uint32 {
	var e uint32
	if m&EventReadable != 0 {
		e |= unix.EPOLLIN
	}
	if m&EventWritable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (p *epollPoller) Add(fd int, mask EventMask) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: toEpollEvents(mask)})
}

func (p *epollPoller) Modify(fd int, mask EventMask) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: toEpollEvents(mask)})
}

func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Wait(dst []Event, timeoutNS int64) ([]Event, error) {
	timeoutMS := -1
	if timeoutNS >= 0 {
		timeoutMS = int(timeoutNS / 1e6)
	}
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wake.fd {
			p.wake.Drain()
			continue
		}
		var mask EventMask
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			mask |= EventReadable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			mask |= EventWritable
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			mask |= EventHangup
		}
		if ev.Events&unix.EPOLLERR != 0 {
			mask |= EventError
		}
		dst = append(dst, Event{FD: fd, Mask: mask})
	}
	return dst, nil
}

func (p *epollPoller) Wake() error {
	return p.wake.Signal()
}

func (p *epollPoller) Close() error {
	p.wake.Close()
	return unix.Close(p.epfd)
}
