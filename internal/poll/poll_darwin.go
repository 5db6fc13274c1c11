//go:build darwin

package poll

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD/Darwin backend, mirroring the teacher's support
// for kqueue-based platforms alongside Linux epoll.
type kqueuePoller struct {
	kq      int
	wakeR   int
	wakeW   int
	changes []unix.Kevent_t
	events  []unix.Kevent_t
}

func Open() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	p := &kqueuePoller{kq: kq, wakeR: fds[0], wakeW: fds[1], events: make([]unix.Kevent_t, 128)}
	if err := p.Add(p.wakeR, EventReadable); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *kqueuePoller) apply(fd int, filter int16, flags uint16) error {
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *kqueuePoller) Add(fd int, mask EventMask) error {
	if mask&EventReadable != 0 {
		if err := p.apply(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR); err != nil {
			return err
		}
	}
	if mask&EventWritable != 0 {
		if err := p.apply(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_CLEAR); err != nil {
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) Modify(fd int, mask EventMask) error {
	_ = p.apply(fd, unix.EVFILT_READ, unix.EV_DELETE)
	_ = p.apply(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return p.Add(fd, mask)
}

func (p *kqueuePoller) Remove(fd int) error {
	_ = p.apply(fd, unix.EVFILT_READ, unix.EV_DELETE)
	_ = p.apply(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return nil
}

func (p *kqueuePoller) Wait(dst []Event, timeoutNS int64) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutNS >= 0 {
		t := unix.NsecToTimespec(timeoutNS)
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		if fd == p.wakeR {
			drainPipe(p.wakeR)
			continue
		}
		var mask EventMask
		switch ev.Filter {
		case unix.EVFILT_READ:
			mask |= EventReadable
		case unix.EVFILT_WRITE:
			mask |= EventWritable
		}
		if ev.Flags&unix.EV_EOF != 0 {
			mask |= EventHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			mask |= EventError
		}
		dst = append(dst, Event{FD: fd, Mask: mask})
	}
	return dst, nil
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil || n == 0 {
			return
		}
	}
}

func (p *kqueuePoller) Wake() error {
	_, err := unix.Write(p.wakeW, []byte{1})
	return err
}

func (p *kqueuePoller) Close() error {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kq)
}
