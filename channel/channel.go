package channel

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	nexio "github.com/nexio-project/nexio"
	ilog "github.com/nexio-project/nexio/internal/log"
)

// State is the channel shutdown state machine of spec §4.3.
type State int32

const (
	Active State = iota
	ShuttingDownRead
	ShuttingDownWrite
	ShutdownComplete
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case ShuttingDownRead:
		return "shutting_down_read"
	case ShuttingDownWrite:
		return "shutting_down_write"
	case ShutdownComplete:
		return "shutdown_complete"
	default:
		return "unknown"
	}
}

// ShutdownMode controls whether a pending write posted before shutdown is
// still delivered (spec §5 ordering guarantees).
type ShutdownMode int

const (
	// Graceful flushes buffered writes before tearing down (default).
	Graceful ShutdownMode = iota
	// Immediate corresponds to spec §5's free_scarce_resources_immediately.
	// The mode is recorded on the channel (see ShutdownModeValue); the
	// handlers in this module do not read it and shut down the same way
	// in both modes.
	Immediate
)

// LoopHandle is the minimal surface Channel needs from an event loop,
// decoupling this package from loop's concrete type and avoiding an
// import cycle (bootstrap wires the two together).
type LoopHandle interface {
	OnThread() bool
	ScheduleTaskNow(t *nexio.Task)
	RetainChannel()
	ReleaseChannel()
}

// Channel is the bidirectional pipeline of handlers bound to one event
// loop (spec §3 Channel, §4.3). After construction completes, it is only
// mutated from its bound event loop's thread.
type Channel struct {
	ID   uuid.UUID
	loop LoopHandle
	log  zerolog.Logger

	mu    sync.Mutex
	state State

	first *Slot // terminal, usually the socket handler
	last  *Slot // user-facing handler

	firstErrorCode nexio.Code

	onSetupCompleted    func(ch *Channel, code nexio.Code)
	onShutdownCompleted func(ch *Channel, code nexio.Code)

	setupCompletedCalled    int32 // atomic bool
	shutdownInitiated       int32 // atomic bool
	shutdownCompletedCalled int32 // atomic bool
	shutdownMode            ShutdownMode
}

// New constructs a channel and immediately schedules binding + the setup
// callback on loop (spec §4.3 creation/setup sequencing): "runs
// on_setup_completed(err=0) after construction is bound to its loop but
// before any handler is installed, allowing the user to append handlers
// synchronously from on-thread."
func New(loop LoopHandle, onSetupCompleted, onShutdownCompleted func(ch *Channel, code nexio.Code)) *Channel {
	id := uuid.New()
	ch := &Channel{
		ID:                  id,
		loop:                loop,
		log:                 ilog.For("channel").With().Str("channel_id", id.String()).Logger(),
		state:               Active,
		onSetupCompleted:    onSetupCompleted,
		onShutdownCompleted: onShutdownCompleted,
	}
	loop.RetainChannel()
	loop.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		ch.fireSetupCompleted(nexio.CodeSuccess)
	}))
	return ch
}

// FailSetup is used by a bootstrap when construction cannot proceed (e.g.
// connect failed before any handler was installed): spec §4.3 "If setup
// fails, on_setup_completed(err≠0) fires and no shutdown callback
// follows."
func (ch *Channel) FailSetup(code nexio.Code) {
	ch.loop.ReleaseChannel()
	ch.fireSetupCompleted(code)
}

func (ch *Channel) fireSetupCompleted(code nexio.Code) {
	if !atomic.CompareAndSwapInt32(&ch.setupCompletedCalled, 0, 1) {
		return
	}
	if ch.onSetupCompleted != nil {
		ch.onSetupCompleted(ch, code)
	}
}

// AppendHandler adds h as the new last (most user-facing) slot. Must be
// called on the channel's loop thread, synchronously from within (or
// after) the setup callback.
func (ch *Channel) AppendHandler(h Handler) *Slot {
	s := &Slot{channel: ch, handler: h, window: h.InitialWindowSize()}
	if ch.first == nil {
		ch.first = s
		ch.last = s
	} else {
		s.prev = ch.last
		ch.last.next = s
		ch.last = s
	}
	h.SetSlot(s)
	return s
}

// State returns the current shutdown-state-machine state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// FirstSlot/LastSlot expose the chain ends for handler installation by
// bootstraps.
func (ch *Channel) FirstSlot() *Slot { return ch.first }
func (ch *Channel) LastSlot() *Slot  { return ch.last }

func (ch *Channel) loopOnThread() bool { return ch.loop.OnThread() }

// OnLoopThread reports whether the calling goroutine is the channel's own
// event-loop thread, letting handlers (e.g. the statistics handler) refuse
// off-thread mutation of loop-owned state instead of silently corrupting it.
func (ch *Channel) OnLoopThread() bool { return ch.loopOnThread() }

func (ch *Channel) scheduleOnLoop(fn func()) {
	ch.loop.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) { fn() }))
}

// Shutdown posts a task to the channel's loop that begins the shutdown
// cascade from the terminal slot (spec §4.3). Idempotent: a second call
// only upgrades the sticky recorded error if it was previously success
// (spec §7).
func (ch *Channel) Shutdown(code nexio.Code) {
	ch.ShutdownWithMode(code, Graceful)
}

// ShutdownWithMode is Shutdown with an explicit ShutdownMode (spec §5
// free_scarce_resources_immediately).
func (ch *Channel) ShutdownWithMode(code nexio.Code, mode ShutdownMode) {
	first := atomic.CompareAndSwapInt32(&ch.shutdownInitiated, 0, 1)
	ch.mu.Lock()
	ch.firstErrorCode = nexio.FirstSticky(ch.firstErrorCode, code)
	recorded := ch.firstErrorCode
	if first {
		ch.shutdownMode = mode
	}
	ch.mu.Unlock()

	if !first {
		return
	}
	ch.scheduleOnLoop(func() {
		if ch.first == nil {
			ch.completeShutdown()
			return
		}
		ch.first.Shutdown(Read, recorded)
	})
}

// onSlotShutdownComplete advances the state machine: read-shutdown
// cascades first->last, then write-shutdown cascades last->first, then
// the channel fires its shutdown callback (spec §4.3).
func (ch *Channel) onSlotShutdownComplete(s *Slot, direction Direction, err error) {
	code := errToCode(err)
	ch.mu.Lock()
	ch.firstErrorCode = nexio.FirstSticky(ch.firstErrorCode, code)
	recorded := ch.firstErrorCode
	ch.mu.Unlock()

	switch direction {
	case Read:
		ch.setState(ShuttingDownRead)
		if s.next != nil {
			s.next.Shutdown(Read, recorded)
			return
		}
		// last slot finished read-shutdown: begin write-shutdown from
		// the other end.
		ch.setState(ShuttingDownWrite)
		s.Shutdown(Write, recorded)
	case Write:
		if s.prev != nil {
			s.prev.Shutdown(Write, recorded)
			return
		}
		ch.completeShutdown()
	}
}

func (ch *Channel) completeShutdown() {
	ch.setState(ShutdownComplete)
	for s := ch.first; s != nil; s = s.next {
		s.handler.Destroy()
	}
	ch.loop.ReleaseChannel()
	if !atomic.CompareAndSwapInt32(&ch.shutdownCompletedCalled, 0, 1) {
		return
	}
	ch.mu.Lock()
	code := ch.firstErrorCode
	ch.mu.Unlock()
	if ch.onShutdownCompleted != nil {
		ch.onShutdownCompleted(ch, code)
	}
}

// ShutdownModeValue reports the mode recorded by the first Shutdown call.
func (ch *Channel) ShutdownModeValue() ShutdownMode {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.shutdownMode
}

func errToCode(err error) nexio.Code {
	if err == nil {
		return nexio.CodeSuccess
	}
	if ce, ok := err.(*nexio.CodedError); ok {
		return ce.Code
	}
	return nexio.CodeSystemCallFailure
}
