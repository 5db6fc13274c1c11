// Package loop implements the per-thread reactor of spec §4.2: it owns a
// task scheduler, polls OS readiness, dispatches subscribed I/O events and
// due tasks, and runs a thread-affine cooperative stop protocol.
//
// Grounded on the teacher's loopRun/loopAccept/OnFdEvent dispatch loop
// (kevwan-evio evio_linux.go), generalized from a fixed socket-server
// event set to the arbitrary fd-subscription model spec §4.2 describes.
package loop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/internal/goid"
	ilog "github.com/nexio-project/nexio/internal/log"
	"github.com/nexio-project/nexio/internal/poll"
	"github.com/nexio-project/nexio/internal/sched"
)

// Lifecycle mirrors spec §3's event loop lifecycle enum.
type Lifecycle int32

const (
	Created Lifecycle = iota
	Running
	Stopping
	Joined
)

func (l Lifecycle) String() string {
	switch l {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// Subscriber receives readiness callbacks for one fd. OnError fires for
// hangup/error conditions (spec §4.2 subscribe contract).
type Subscriber struct {
	OnReadable func()
	OnWritable func()
	OnError    func(hangup bool)
}

// Options configures a new EventLoop. NowNS defaults to a monotonic clock;
// overriding it is how the test-only "Clock" collaborator of spec §6 is
// satisfied.
type Options struct {
	NowNS func() int64
}

// EventLoop is a single-threaded cooperative reactor affinitized to one OS
// thread for its running lifetime (spec §3 Event loop, §5 scheduling
// model). Exactly one owned goroutine calls subscriber and task
// callbacks; external goroutines may only call the thread-safe entry
// points: ScheduleTaskNow, ScheduleTaskFuture, Subscribe/Unsubscribe,
// Stop, Join.
type EventLoop struct {
	ID uuid.UUID

	nowNS func() int64
	log   zerolog.Logger

	mu          sync.Mutex
	lifecycle   Lifecycle
	goroutineID int64
	poller      poll.Poller
	subs        map[int]*Subscriber

	inboxMu sync.Mutex
	inbox   []*nexio.Task

	scheduler *sched.Scheduler

	activeChannels int64 // atomic: channels still affinitized to this loop

	stopRequested int32 // atomic bool
	joined        chan struct{}
}

// New constructs but does not start a loop's thread (spec §4.2 contract).
func New(opts Options) (*EventLoop, error) {
	p, err := poll.Open()
	if err != nil {
		return nil, fmt.Errorf("loop: open poller: %w", err)
	}
	nowNS := opts.NowNS
	if nowNS == nil {
		base := time.Now()
		baseNS := base.UnixNano()
		nowNS = func() int64 { return baseNS + int64(time.Since(base)) }
	}
	id := uuid.New()
	return &EventLoop{
		ID:        id,
		nowNS:     nowNS,
		log:       ilog.For("loop").With().Str("loop_id", id.String()).Logger(),
		lifecycle: Created,
		poller:    p,
		subs:      make(map[int]*Subscriber),
		scheduler: sched.New(),
		joined:    make(chan struct{}),
	}, nil
}

// NowNS returns the loop's clock (spec §6 Clock collaborator,
// overridable for tests via Options.NowNS).
func (l *EventLoop) NowNS() int64 { return l.nowNS() }

// OnThread reports whether the calling goroutine is this loop's owned
// dispatch goroutine.
func (l *EventLoop) OnThread() bool {
	l.mu.Lock()
	id := l.goroutineID
	running := l.lifecycle == Running || l.lifecycle == Stopping
	l.mu.Unlock()
	return running && id == goid.Current()
}

// Run spawns the loop's owned goroutine and enters the reactor loop. It
// returns once the goroutine has started; use Join to wait for exit.
func (l *EventLoop) Run() error {
	l.mu.Lock()
	if l.lifecycle != Created {
		l.mu.Unlock()
		return fmt.Errorf("loop: Run called in state %s", l.lifecycle)
	}
	l.lifecycle = Running
	l.mu.Unlock()

	started := make(chan struct{})
	go func() {
		l.mu.Lock()
		l.goroutineID = goid.Current()
		l.mu.Unlock()
		close(started)
		l.mainLoop()
		close(l.joined)
	}()
	<-started
	return nil
}

// Stop requests termination; thread-safe, may be called from any
// goroutine (spec §4.2).
func (l *EventLoop) Stop() {
	atomic.StoreInt32(&l.stopRequested, 1)
	l.mu.Lock()
	if l.lifecycle == Running {
		l.lifecycle = Stopping
	}
	l.mu.Unlock()
	l.poller.Wake()
}

// Join blocks until the owned goroutine exits.
func (l *EventLoop) Join() {
	<-l.joined
	l.mu.Lock()
	l.lifecycle = Joined
	l.mu.Unlock()
}

// Subscribe registers interest in fd's readiness. Fails if fd is already
// subscribed or OS registration fails (spec §4.2 failure policy).
func (l *EventLoop) Subscribe(fd int, mask poll.EventMask, sub *Subscriber) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.subs[fd]; exists {
		return fmt.Errorf("loop: fd %d already subscribed", fd)
	}
	if err := l.poller.Add(fd, mask); err != nil {
		return err
	}
	l.subs[fd] = sub
	return nil
}

// ModifyInterest changes fd's registered readiness mask.
func (l *EventLoop) ModifyInterest(fd int, mask poll.EventMask) error {
	return l.poller.Modify(fd, mask)
}

// Unsubscribe removes fd's subscription. Idempotent when called on-thread;
// the invariant that callbacks never fire again after Unsubscribe returns
// (spec §3 Event loop) holds because removal and dispatch are serialized
// on the same goroutine.
func (l *EventLoop) Unsubscribe(fd int) error {
	l.mu.Lock()
	delete(l.subs, fd)
	l.mu.Unlock()
	return l.poller.Remove(fd)
}

// ScheduleTaskNow submits t to run before any timer task on this loop's
// next turn. If the caller is already on-thread, t is enqueued into the
// local scheduler directly; otherwise it is marshalled through the
// cross-thread inbox and the loop is signaled (spec §4.2).
func (l *EventLoop) ScheduleTaskNow(t *nexio.Task) {
	if l.OnThread() {
		l.scheduler.ScheduleNow(t)
		return
	}
	l.submitCrossThread(t, 0, true)
}

// ScheduleTaskFuture submits t to run once the loop's clock reaches
// atNS, using the same on-thread/cross-thread dispatch rule.
func (l *EventLoop) ScheduleTaskFuture(t *nexio.Task, atNS int64) {
	t.RunAtNS = atNS
	if l.OnThread() {
		l.scheduler.ScheduleFuture(t)
		return
	}
	l.submitCrossThread(t, atNS, false)
}

// CancelTask cancels t if it is still pending. Must be called from the
// loop's own thread (handlers only ever run there), so no cross-thread
// marshalling is needed, unlike ScheduleTaskNow/ScheduleTaskFuture.
func (l *EventLoop) CancelTask(t *nexio.Task) {
	l.scheduler.Cancel(t)
}

func (l *EventLoop) submitCrossThread(t *nexio.Task, atNS int64, immediate bool) {
	t.RunAtNS = atNS
	l.inboxMu.Lock()
	l.inbox = append(l.inbox, t)
	l.inboxMu.Unlock()
	if err := l.poller.Wake(); err != nil {
		l.log.Warn().Err(err).Msg("failed to signal loop after cross-thread task submission")
	}
	_ = immediate
}

// RetainChannel/ReleaseChannel track how many channels are still
// affinitized to this loop, so the "stopping and no channels remain
// active" exit condition of spec §4.2 step 6 can be evaluated.
func (l *EventLoop) RetainChannel()  { atomic.AddInt64(&l.activeChannels, 1) }
func (l *EventLoop) ReleaseChannel() { atomic.AddInt64(&l.activeChannels, -1) }

func (l *EventLoop) drainInbox() {
	l.inboxMu.Lock()
	tasks := l.inbox
	l.inbox = nil
	l.inboxMu.Unlock()
	for _, t := range tasks {
		if t.RunAtNS == 0 {
			l.scheduler.ScheduleNow(t)
		} else {
			l.scheduler.ScheduleFuture(t)
		}
	}
}

// mainLoop implements the per-turn contract of spec §4.2:
//  1. Drain the cross-thread inbox into the scheduler.
//  2. Compute timeout.
//  3. Poll OS readiness with that timeout.
//  4. For each ready fd in arrival order, invoke its subscriber callback.
//  5. Run due tasks.
//  6. If stopping and no channels remain active, exit.
func (l *EventLoop) mainLoop() {
	var events []poll.Event
	for {
		l.drainInbox()

		now := l.nowNS()
		timeout := l.computeTimeoutNS(now)

		events = events[:0]
		var err error
		events, err = l.poller.Wait(events, timeout)
		if err != nil {
			l.log.Warn().Err(err).Msg("poll wait failed, continuing")
		}

		for _, ev := range events {
			l.dispatchEvent(ev)
		}

		l.scheduler.RunDue(l.nowNS())

		if atomic.LoadInt32(&l.stopRequested) == 1 && atomic.LoadInt64(&l.activeChannels) == 0 {
			l.poller.Close()
			return
		}
	}
}

func (l *EventLoop) computeTimeoutNS(now int64) int64 {
	if l.scheduler.Pending() {
		return 0
	}
	due := l.scheduler.NextDueNS()
	if due < 0 {
		if atomic.LoadInt32(&l.stopRequested) == 1 {
			return 0
		}
		return -1
	}
	remaining := due - now
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (l *EventLoop) dispatchEvent(ev poll.Event) {
	l.mu.Lock()
	sub := l.subs[ev.FD]
	l.mu.Unlock()
	if sub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Warn().Interface("panic", r).Int("fd", ev.FD).Msg("subscriber callback panicked, continuing")
		}
	}()
	if ev.Mask&(poll.EventHangup|poll.EventError) != 0 && sub.OnError != nil {
		sub.OnError(ev.Mask&poll.EventHangup != 0)
		return
	}
	if ev.Mask&poll.EventReadable != 0 && sub.OnReadable != nil {
		sub.OnReadable()
	}
	if ev.Mask&poll.EventWritable != 0 && sub.OnWritable != nil {
		sub.OnWritable()
	}
}
