// Package handler implements the terminal socket handler (spec §4.4) and
// the TLS handler (spec §4.5), the two concrete Handler implementations
// that bootstraps install into a channel's slot chain.
//
// Grounded on the teacher's per-connection read/write loop (kevwan-evio's
// loopRead/loopWrite/willWrite, evio_linux.go), generalized from evio's
// fixed Data/Closed callback pair into channel.Handler's ProcessRead /
// ProcessWrite / window accounting.
package handler

import (
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/channel"
	ilog "github.com/nexio-project/nexio/internal/log"
	"github.com/nexio-project/nexio/internal/poll"
	"github.com/nexio-project/nexio/loop"
)

const socketReadChunk = 0xFFFF

// Socket is the terminal handler wrapping one OS socket fd (spec §4.4).
// Reads drain the socket into freshly allocated messages up to its own
// window and re-subscribe for readable while window remains; writes
// buffer whatever the kernel doesn't accept immediately and subscribe for
// writable while buffered.
type Socket struct {
	channel.BaseHandler

	fd  int
	l   *loop.EventLoop
	log zerolog.Logger

	mu          sync.Mutex
	writeBuf    []byte
	readClosed  bool
	writeClosed bool
	interest    poll.EventMask
}

// NewSocket wraps fd (already non-blocking) as a terminal handler on l.
func NewSocket(l *loop.EventLoop, fd int) *Socket {
	return &Socket{fd: fd, l: l, log: ilog.For("socket").With().Int("fd", fd).Logger()}
}

// Attach subscribes the fd for readiness on the loop; call once the
// handler is installed into its slot.
func (s *Socket) Attach() error {
	s.interest = poll.EventReadable
	return s.l.Subscribe(s.fd, s.interest, &loop.Subscriber{
		OnReadable: s.onReadable,
		OnWritable: s.onWritable,
		OnError:    s.onError,
	})
}

func (s *Socket) InitialWindowSize() int { return 1 << 20 }

// ProcessRead is never invoked in practice: Socket is always the terminal
// (first) slot, so no upstream neighbor ever calls it. Defined to satisfy
// channel.Handler.
func (s *Socket) ProcessRead(msg *channel.Message) { msg.Release(nil) }

// ProcessWrite accepts a write message: writes as much as the kernel takes
// immediately, buffers the rest, and subscribes for writable while
// buffered (spec §4.4).
func (s *Socket) ProcessWrite(msg *channel.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		msg.Release(nexio.NewError(nexio.CodeChannelShutdown))
		return
	}
	data := msg.Buffer
	if len(s.writeBuf) == 0 {
		n, err := unix.Write(s.fd, data)
		if err != nil && err != unix.EAGAIN {
			msg.Release(nexio.WrapError(nexio.CodeSystemCallFailure, err))
			s.closeLocked(err)
			return
		}
		if n > 0 {
			data = data[n:]
		}
	}
	if len(data) > 0 {
		s.writeBuf = append(s.writeBuf, data...)
		s.rearmLocked(s.interest | poll.EventWritable)
	}
	msg.Release(nil)
}

func (s *Socket) onWritable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writeBuf) == 0 {
		s.rearmLocked(s.interest &^ poll.EventWritable)
		return
	}
	n, err := unix.Write(s.fd, s.writeBuf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.closeLocked(err)
		return
	}
	s.writeBuf = s.writeBuf[n:]
	if len(s.writeBuf) == 0 {
		s.rearmLocked(s.interest &^ poll.EventWritable)
		if s.writeClosed {
			unix.Shutdown(s.fd, unix.SHUT_WR)
			s.maybeCloseLocked()
		}
	}
}

func (s *Socket) onReadable() {
	slot := s.Slot
	if slot == nil || s.readClosedNow() {
		return
	}
	window := slot.Window()
	if window <= 0 {
		s.mu.Lock()
		s.rearmLocked(s.interest &^ poll.EventReadable)
		s.mu.Unlock()
		return
	}
	chunk := socketReadChunk
	if window < chunk {
		chunk = window
	}
	buf := make([]byte, chunk)
	n, err := unix.Read(s.fd, buf)
	if n == 0 && err == nil {
		s.closeWith(nexio.NewError(nexio.CodeSocketClosed))
		return
	}
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.closeWith(nexio.WrapError(nexio.CodeSystemCallFailure, err))
		return
	}
	slot.SendRead(&channel.Message{Buffer: buf[:n], Type: channel.ApplicationData})

	s.mu.Lock()
	if slot.Window() > 0 {
		s.rearmLocked(s.interest | poll.EventReadable)
	} else {
		s.rearmLocked(s.interest &^ poll.EventReadable)
	}
	s.mu.Unlock()
}

func (s *Socket) onError(hangup bool) {
	code := nexio.CodeSocketClosed
	if !hangup {
		code = nexio.CodeSystemCallFailure
	}
	s.closeWith(nexio.NewError(code))
}

func (s *Socket) readClosedNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readClosed
}

func (s *Socket) rearmLocked(mask poll.EventMask) {
	if mask == s.interest {
		return
	}
	s.interest = mask
	_ = s.l.ModifyInterest(s.fd, mask)
}

func (s *Socket) closeWith(err error) {
	if s.Slot == nil {
		return
	}
	code := nexio.CodeSocketClosed
	if ce, ok := err.(*nexio.CodedError); ok {
		code = ce.Code
	}
	s.Slot.Channel().Shutdown(code)
}

func (s *Socket) closeLocked(err error) {
	s.writeClosed = true
	s.readClosed = true
	go s.closeWith(err) // avoid recursive-lock re-entry into Shutdown
}

func (s *Socket) maybeCloseLocked() {
	if s.readClosed && s.writeClosed {
		unix.Close(s.fd)
	}
}

// Shutdown implements half-close per spec §4.4: shutdown(read) disables
// reads, shutdown(write) flushes then closes the write side; when both
// complete, the socket itself closes.
func (s *Socket) Shutdown(direction channel.Direction, err error) {
	s.mu.Lock()
	switch direction {
	case channel.Read:
		s.readClosed = true
		unix.Shutdown(s.fd, unix.SHUT_RD)
	case channel.Write:
		s.writeClosed = true
		if len(s.writeBuf) == 0 {
			unix.Shutdown(s.fd, unix.SHUT_WR)
		}
	}
	closeNow := s.readClosed && s.writeClosed && len(s.writeBuf) == 0
	s.mu.Unlock()
	if closeNow {
		unix.Close(s.fd)
	}
	s.Slot.ShutdownComplete(direction, err)
}

func (s *Socket) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readClosed || !s.writeClosed {
		unix.Close(s.fd)
		s.readClosed = true
		s.writeClosed = true
	}
	_ = s.l.Unsubscribe(s.fd)
}
