package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/channel"
	"github.com/nexio-project/nexio/loop"
)

// terminalStub sits below the statistics handler (toward the socket) and
// just records what it's asked to write.
type terminalStub struct {
	channel.BaseHandler
	written [][]byte
}

func (h *terminalStub) ProcessWrite(msg *channel.Message) {
	h.written = append(h.written, msg.Buffer)
	msg.Release(nil)
}
func (h *terminalStub) ProcessRead(msg *channel.Message) { msg.Release(nil) }

// userStub sits above the statistics handler (the application side) and
// records what it's handed on the read path.
type userStub struct {
	channel.BaseHandler
	read [][]byte
}

func (h *userStub) ProcessRead(msg *channel.Message) {
	h.read = append(h.read, msg.Buffer)
	msg.Release(nil)
}
func (h *userStub) ProcessWrite(msg *channel.Message) { h.Slot.SendWrite(msg) }

func newStatsChain(t *testing.T, intervalMS int64, onFlush FlushCallback, reg *Registry) (l *loop.EventLoop, h *Handler, term *terminalStub, user *userStub, ch *channel.Channel) {
	t.Helper()
	l, err := loop.New(loop.Options{})
	require.NoError(t, err)
	require.NoError(t, l.Run())
	t.Cleanup(func() {
		l.Stop()
		l.Join()
	})

	setup := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		ch = channel.New(l, func(c *channel.Channel, code nexio.Code) {
			term = &terminalStub{}
			c.AppendHandler(term)
			h = NewHandler(l, c.ID.String(), intervalMS, onFlush, reg)
			c.AppendHandler(h)
			user = &userStub{}
			c.AppendHandler(user)
			close(setup)
		}, nil)
	}))
	<-setup
	return
}

func TestHandlerCountsReadAndWriteBytes(t *testing.T) {
	reg := NewRegistry()
	l, h, term, user, ch := newStatsChain(t, 0, nil, reg)
	_ = ch

	done := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		term.Slot.SendRead(&channel.Message{Buffer: []byte("hello"), Type: channel.ApplicationData})
		user.Slot.SendWrite(&channel.Message{Buffer: []byte("response!"), Type: channel.ApplicationData})
		close(done)
	}))
	<-done

	require.Eventually(t, func() bool {
		return len(user.read) == 1 && len(term.written) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, "hello", string(user.read[0]))
	require.Equal(t, "response!", string(term.written[0]))

	require.Equal(t, float64(5), testutil.ToFloat64(h.readCounter))
	require.Equal(t, float64(9), testutil.ToFloat64(h.writeCounter))
}

func TestSetTLSStatusDroppedAfterFirstIO(t *testing.T) {
	reg := NewRegistry()
	l, h, term, _, _ := newStatsChain(t, 0, nil, reg)

	done := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		h.SetTLSStatus(TLSSuccess)
		term.Slot.SendRead(&channel.Message{Buffer: []byte("x")}) // marks firstIO
		h.SetTLSStatus(TLSFailure)                                // must be dropped
		close(done)
	}))
	<-done

	require.Equal(t, float64(TLSSuccess), testutil.ToFloat64(h.tlsGauge))
}

func TestSetTLSStatusDroppedOffLoopThread(t *testing.T) {
	reg := NewRegistry()
	_, h, _, _, _ := newStatsChain(t, 0, nil, reg)

	h.SetTLSStatus(TLSFailure) // called from the test goroutine, not the loop

	require.Equal(t, float64(TLSNone), testutil.ToFloat64(h.tlsGauge))
}

func TestPeriodicFlushReportsSnapshotAndReschedules(t *testing.T) {
	reg := NewRegistry()
	flushes := make(chan Snapshot, 4)
	l, _, term, _, _ := newStatsChain(t, 20, func(s Snapshot) { flushes <- s }, reg)

	done := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		term.Slot.SendRead(&channel.Message{Buffer: []byte("abc")})
		close(done)
	}))
	<-done

	select {
	case snap := <-flushes:
		require.Equal(t, int64(3), snap.BytesRead)
	case <-time.After(time.Second):
		t.Fatal("no flush observed")
	}

	select {
	case <-flushes:
	case <-time.After(time.Second):
		t.Fatal("flush did not reschedule itself")
	}
}

func TestDestroyCancelsFlushTask(t *testing.T) {
	reg := NewRegistry()
	flushes := make(chan Snapshot, 4)
	l, h, _, _, _ := newStatsChain(t, 20, func(s Snapshot) { flushes <- s }, reg)

	done := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		h.Destroy()
		close(done)
	}))
	<-done

	select {
	case <-flushes:
		t.Fatal("flush fired after Destroy")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryForgetDropsChannelLabels(t *testing.T) {
	reg := NewRegistry()
	l, h, term, _, _ := newStatsChain(t, 0, nil, reg)

	done := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		term.Slot.SendRead(&channel.Message{Buffer: []byte("x")})
		close(done)
	}))
	<-done

	require.NoError(t, prometheus.Register(reg))
	defer prometheus.Unregister(reg)

	require.Equal(t, float64(1), testutil.ToFloat64(h.readCounter))
	require.Equal(t, 1, testutil.CollectAndCount(reg, "nexio_channel_bytes_read_total"))
	reg.Forget(h.channelID)
	// the per-label counter handle is detached from the vec but remains
	// independently readable; a fresh Collect() no longer reports this
	// channel_id.
	require.Equal(t, float64(1), testutil.ToFloat64(h.readCounter))
	require.Equal(t, 0, testutil.CollectAndCount(reg, "nexio_channel_bytes_read_total"))
}
