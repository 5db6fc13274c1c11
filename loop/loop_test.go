package loop

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/internal/poll"
)

// pipeFDs returns a read/write fd pair for exercising Subscribe without
// pulling in a real socket.
func pipeFDs() (r, w int, err error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, 0, err
	}
	return int(pr.Fd()), int(pw.Fd()), nil
}

func closeFDs(fds ...int) {
	for _, fd := range fds {
		os.NewFile(uintptr(fd), "").Close()
	}
}

func newRunningLoop(t *testing.T) *EventLoop {
	t.Helper()
	l, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, l.Run())
	t.Cleanup(func() {
		l.Stop()
		l.Join()
	})
	return l
}

func TestScheduleTaskNowCrossThreadRuns(t *testing.T) {
	l := newRunningLoop(t)

	var ran int32
	done := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		atomic.StoreInt32(&ran, 1)
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestScheduleTaskFutureRunsAfterDelay(t *testing.T) {
	l := newRunningLoop(t)

	done := make(chan time.Time, 1)
	at := l.NowNS() + int64(50*time.Millisecond)
	start := time.Now()
	l.ScheduleTaskFuture(nexio.At(at, func(nexio.Status) {
		done <- time.Now()
	}), at)

	select {
	case fired := <-done:
		require.GreaterOrEqual(t, fired.Sub(start), 40*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("future task never ran")
	}
}

func TestOnThreadTrueOnlyFromLoopGoroutine(t *testing.T) {
	l := newRunningLoop(t)

	require.False(t, l.OnThread(), "caller goroutine is not the loop's own")

	var onThread int32
	done := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		if l.OnThread() {
			atomic.StoreInt32(&onThread, 1)
		}
		close(done)
	}))
	<-done
	require.Equal(t, int32(1), atomic.LoadInt32(&onThread))
}

func TestSubscribeRejectsDuplicateFD(t *testing.T) {
	l := newRunningLoop(t)

	r, w, err := pipeFDs()
	require.NoError(t, err)
	defer closeFDs(r, w)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		errCh <- l.Subscribe(r, poll.EventReadable, &Subscriber{OnReadable: func() {}})
		wg.Done()
	}))
	wg.Wait()

	done := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		errCh <- l.Subscribe(r, poll.EventReadable, &Subscriber{OnReadable: func() {}})
		close(done)
	}))
	<-done

	first := <-errCh
	second := <-errCh
	require.NoError(t, first)
	require.Error(t, second)

	unsubDone := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		_ = l.Unsubscribe(r)
		close(unsubDone)
	}))
	<-unsubDone
}

func TestStopAndJoinWaitsForActiveChannelsToDrain(t *testing.T) {
	l, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, l.Run())

	l.RetainChannel()

	l.Stop()

	select {
	case <-l.joined:
		t.Fatal("loop joined while a channel was still active")
	case <-time.After(50 * time.Millisecond):
	}

	l.ReleaseChannel()
	l.Join()
}

func TestGroupRoundRobinCyclesLoops(t *testing.T) {
	g, err := NewGroup(3, RoundRobin, Options{})
	require.NoError(t, err)
	defer g.Shutdown()

	seen := map[*EventLoop]int{}
	for i := 0; i < 6; i++ {
		seen[g.Next()]++
	}
	require.Len(t, seen, 3)
	for _, count := range seen {
		require.Equal(t, 2, count)
	}
}

func TestGroupLeastConnectionsPrefersIdleLoop(t *testing.T) {
	g, err := NewGroup(2, LeastConnections, Options{})
	require.NoError(t, err)
	defer g.Shutdown()

	busy := g.Loops()[0]
	busy.RetainChannel()
	defer busy.ReleaseChannel()

	idle := g.Next()
	require.NotSame(t, busy, idle)
}
