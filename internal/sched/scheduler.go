// Package sched implements the task scheduler of spec §4.1: a min-heap of
// timer tasks plus an intrusive FIFO for immediate (run_at_ns == 0) tasks.
package sched

import (
	"container/heap"

	nexio "github.com/nexio-project/nexio"
)

// entry is the heap-visible wrapper; nexio.Task itself stays allocator- and
// package-agnostic so callers never import container/heap machinery.
type entry struct {
	task *nexio.Task
	seq  uint64
	idx  int
}

type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].task.RunAtNS != h[j].task.RunAtNS {
		return h[i].task.RunAtNS < h[j].task.RunAtNS
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// Scheduler is not safe for concurrent use; it is the loop-local half of
// the scheduling model described in spec §4.1/§4.2. Cross-thread
// submission is the event loop's job (it marshals into this via its own
// thread), not the scheduler's.
type Scheduler struct {
	heap    timerHeap
	fifo    []*entry
	nextSeq uint64
}

func New() *Scheduler {
	return &Scheduler{}
}

// ScheduleNow enqueues t into the FIFO; it will run before any timer task
// on the next RunDue call.
func (s *Scheduler) ScheduleNow(t *nexio.Task) {
	t.RunAtNS = 0
	e := &entry{task: t, seq: s.nextSeq}
	s.nextSeq++
	s.fifo = append(s.fifo, e)
}

// ScheduleFuture enqueues t into the timer heap keyed by t.RunAtNS.
func (s *Scheduler) ScheduleFuture(t *nexio.Task) {
	e := &entry{task: t, seq: s.nextSeq}
	s.nextSeq++
	heap.Push(&s.heap, e)
}

// Cancel removes t from wherever it is queued, idempotently, and dispatches
// it immediately with StatusCanceled so owned resources can release. It is
// a no-op (but still "succeeds") if t is not currently scheduled.
func (s *Scheduler) Cancel(t *nexio.Task) {
	for i, e := range s.fifo {
		if e.task == t {
			s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
			dispatch(t, nexio.StatusCanceled)
			return
		}
	}
	for _, e := range s.heap {
		if e.task == t {
			heap.Remove(&s.heap, e.idx)
			dispatch(t, nexio.StatusCanceled)
			return
		}
	}
}

// NextDueNS returns the soonest timer deadline, or -1 if there are no
// pending timer tasks (callers treat -1 as "infinite timeout" unless the
// FIFO is non-empty, in which case the turn should not block at all).
func (s *Scheduler) NextDueNS() int64 {
	if len(s.heap) == 0 {
		return -1
	}
	return s.heap[0].task.RunAtNS
}

// Pending reports whether any FIFO task is waiting; a non-empty FIFO means
// the next poll must not block.
func (s *Scheduler) Pending() bool { return len(s.fifo) > 0 }

// RunDue dispatches every task whose time has arrived, in FIFO-then-heap
// order (spec §4.1: "FIFO-ordered tasks precede equally-timed heap tasks in
// one turn"). Immediate tasks scheduled from within a dispatched
// callback's Run are not executed in this call; they are picked up next
// turn. A timer task scheduled from within a callback with a deadline
// already at or before nowNS does run in this call.
func (s *Scheduler) RunDue(nowNS int64) {
	fifo := s.fifo
	s.fifo = nil
	for _, e := range fifo {
		dispatch(e.task, nexio.StatusRunReady)
	}
	for len(s.heap) > 0 && s.heap[0].task.RunAtNS <= nowNS {
		e := heap.Pop(&s.heap).(*entry)
		dispatch(e.task, nexio.StatusRunReady)
	}
}

func dispatch(t *nexio.Task, status nexio.Status) {
	if t == nil || t.Run == nil {
		return
	}
	t.Run(status)
}
