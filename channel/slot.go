package channel

import nexio "github.com/nexio-project/nexio"

// Slot is a node in the channel pipeline holding one handler and its read
// window (spec §3 Slot window, §4.3 slot chain). Slots are linked in
// construction order: Prev points toward the terminal (usually socket)
// handler, Next points toward the user-facing handler.
type Slot struct {
	channel *Channel
	handler Handler
	prev    *Slot
	next    *Slot

	// window is the non-negative budget this slot currently advertises
	// to its Prev neighbor: how many more bytes of read data Prev may
	// push into this slot before it must buffer the rest itself (spec
	// §3 Slot window, §4.3 windowing).
	window int
}

// Handler returns the slot's occupant.
func (s *Slot) Handler() Handler { return s.handler }

// Channel returns the channel this slot belongs to, letting a handler
// request a whole-channel shutdown (e.g. on a socket error or a failed
// TLS negotiation) without holding its own reference to the channel.
func (s *Slot) Channel() *Channel { return s.channel }

// Window reports the slot's current read-window budget.
func (s *Slot) Window() int { return s.window }

// SendRead is called by this slot's handler to emit a read message toward
// the user (the Next slot). The caller is responsible for not exceeding
// Next's advertised window; any residual must be buffered by the emitting
// handler per spec §4.3. Calling SendRead from the last slot silently
// drops the message (there is no handler beyond the user's own).
func (s *Slot) SendRead(msg *Message) {
	if s.next == nil {
		msg.Release(nil)
		return
	}
	n := msg.Len()
	if n > s.next.window {
		s.next.window = 0
	} else {
		s.next.window -= n
	}
	s.next.handler.ProcessRead(msg)
}

// SendWrite is called by this slot's handler to emit a write message
// toward the socket (the Prev slot). Calling SendWrite from the first
// slot silently drops the message.
func (s *Slot) SendWrite(msg *Message) {
	if s.prev == nil {
		msg.Release(nil)
		return
	}
	s.prev.handler.ProcessWrite(msg)
}

// IncrementReadWindow grows this slot's window by delta (spec §3: "the
// only way to grow it"). Calls from off the channel's loop thread are
// marshalled as a task (spec §4.3); the task also attempts to resume the
// upstream handler and, per the cached-plaintext race in spec §4.5,
// always runs even if a shutdown has already been posted, as long as the
// channel is not yet shutdown_complete.
func (s *Slot) IncrementReadWindow(delta int) {
	if delta <= 0 {
		return
	}
	if s.channel.loopOnThread() {
		s.incrementReadWindowOnThread(delta)
		return
	}
	s.channel.scheduleOnLoop(func() { s.incrementReadWindowOnThread(delta) })
}

func (s *Slot) incrementReadWindowOnThread(delta int) {
	if s.channel.State() == ShutdownComplete {
		return
	}
	s.window += delta
	if s.prev != nil {
		s.prev.handler.IncrementReadWindow(delta)
	}
}

// Shutdown starts this slot's shutdown in the given direction, delegating
// to the handler. Handlers call ShutdownComplete once their own teardown
// for that direction finishes.
func (s *Slot) Shutdown(direction Direction, err nexio.Code) {
	s.handler.Shutdown(direction, codeToError(err))
}

// ShutdownComplete is the callback contract handlers invoke
// (on_handler_shutdown_complete in spec §4.3) when they finish shutting
// down in one direction. It advances the channel's shutdown state
// machine.
func (s *Slot) ShutdownComplete(direction Direction, err error) {
	s.channel.onSlotShutdownComplete(s, direction, err)
}

func codeToError(c nexio.Code) error {
	if c == nexio.CodeSuccess {
		return nil
	}
	return nexio.NewError(c)
}
