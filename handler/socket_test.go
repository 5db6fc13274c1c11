package handler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/channel"
	"github.com/nexio-project/nexio/loop"
)

// socketpair returns two connected, non-blocking fds; the peer fd is
// closed automatically at test end, the handler fd is left for the
// caller (Socket.Destroy/Shutdown closes it).
func socketpair(t *testing.T) (handlerFD, peerFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0], fds[1]
}

// echoUpstream is appended above Socket to observe reads and let the test
// push writes down through the chain.
type echoUpstream struct {
	channel.BaseHandler
	mu   sync.Mutex
	read [][]byte
}

func (h *echoUpstream) ProcessRead(msg *channel.Message) {
	h.mu.Lock()
	h.read = append(h.read, append([]byte(nil), msg.Buffer...))
	h.mu.Unlock()
	msg.Release(nil)
}

func (h *echoUpstream) ProcessWrite(msg *channel.Message) { h.Slot.SendWrite(msg) }

func (h *echoUpstream) snapshot() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.read))
	copy(out, h.read)
	return out
}

// testChain is a running event loop with one channel bound to a socketpair,
// Socket as the terminal handler and echoUpstream as the user-facing one.
type testChain struct {
	l      *loop.EventLoop
	sock   *Socket
	up     *echoUpstream
	ch     *channel.Channel
	peerFD int
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	l, err := loop.New(loop.Options{})
	require.NoError(t, err)
	require.NoError(t, l.Run())
	t.Cleanup(func() {
		l.Stop()
		l.Join()
	})

	fd, peerFD := socketpair(t)
	tc := &testChain{l: l, peerFD: peerFD}

	setup := make(chan struct{})
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		tc.ch = channel.New(l, func(c *channel.Channel, code nexio.Code) {
			tc.sock = NewSocket(l, fd)
			c.AppendHandler(tc.sock)
			require.NoError(t, tc.sock.Attach())
			tc.up = &echoUpstream{}
			c.AppendHandler(tc.up)
			close(setup)
		}, nil)
	}))
	<-setup
	return tc
}

func TestSocketReadDeliversToUpstream(t *testing.T) {
	tc := newTestChain(t)

	_, err := unix.Write(tc.peerFD, []byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(tc.up.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "hello", string(tc.up.snapshot()[0]))
}

func TestSocketWriteFlushesToPeer(t *testing.T) {
	tc := newTestChain(t)

	done := make(chan struct{})
	tc.l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		tc.sock.Slot.SendWrite(&channel.Message{Buffer: []byte("world"), Type: channel.ApplicationData})
		close(done)
	}))
	<-done

	buf := make([]byte, 16)
	require.Eventually(t, func() bool {
		n, err := unix.Read(tc.peerFD, buf)
		return err == nil && n == 5
	}, time.Second, 5*time.Millisecond)
}

func TestSocketShutdownReachesShutdownComplete(t *testing.T) {
	tc := newTestChain(t)

	tc.ch.Shutdown(nexio.CodeSuccess)

	require.Eventually(t, func() bool {
		return tc.ch.State() == channel.ShutdownComplete
	}, 2*time.Second, 5*time.Millisecond)
}
