package channel

// Direction selects which half of a full-duplex channel an operation
// targets (spec §4.3 shutdown(direction, error)).
type Direction int

const (
	Read Direction = iota
	Write
)

// Handler is the capability set every slot's occupant implements (spec §9
// design note: "a capability set ... represent as a tagged variant or a
// trait-like vtable"). Handlers are linear in composition: a middle
// handler (e.g. TLS) has exactly the same shape as a terminal one (e.g.
// the socket handler).
type Handler interface {
	// SetSlot is called once, synchronously, when the handler is
	// installed into a slot during channel setup.
	SetSlot(s *Slot)

	// ProcessRead handles a message flowing upstream (toward the user).
	// Implementations that cannot forward the full message immediately
	// (window exhausted) must buffer the remainder themselves.
	ProcessRead(msg *Message)

	// ProcessWrite handles a message flowing downstream (toward the
	// socket). err is reported via msg.Release if the write cannot be
	// accepted.
	ProcessWrite(msg *Message)

	// IncrementReadWindow grows how many bytes this handler is willing
	// to accept on the read path from its upstream neighbor (a call
	// against a slot of the handler's own immediate downstream
	// dependency is where backpressure is actually relieved; this hook
	// lets a handler react when ITS downstream acknowledges more room,
	// e.g. to flush buffered plaintext per spec §4.5's cached-plaintext
	// race).
	IncrementReadWindow(delta int)

	// Shutdown begins this handler's shutdown in the given direction;
	// it must eventually call Slot.ShutdownComplete(direction, err).
	Shutdown(direction Direction, err error)

	// InitialWindowSize is this handler's advertised read window at
	// slot-install time.
	InitialWindowSize() int

	// MessageOverhead is the per-message framing overhead this handler
	// adds/removes (e.g. TLS record overhead), used by upstream handlers
	// sizing outbound writes.
	MessageOverhead() int

	// Destroy releases any resources the handler owns. Called once,
	// after shutdown_complete.
	Destroy()
}

// BaseHandler provides no-op defaults so concrete handlers only implement
// what they need, the way small handler types in the pack's networking
// examples (e.g. bgpfix's pipe.go) embed a base to avoid boilerplate.
type BaseHandler struct {
	Slot *Slot
}

func (b *BaseHandler) SetSlot(s *Slot)               { b.Slot = s }
func (b *BaseHandler) IncrementReadWindow(int)       {}
func (b *BaseHandler) InitialWindowSize() int        { return 1 << 20 }
func (b *BaseHandler) MessageOverhead() int          { return 0 }
func (b *BaseHandler) Destroy()                      {}
func (b *BaseHandler) Shutdown(d Direction, e error) { b.Slot.ShutdownComplete(d, e) }
