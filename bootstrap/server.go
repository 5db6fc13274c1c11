package bootstrap

import (
	"fmt"
	"net"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/channel"
	"github.com/nexio-project/nexio/handler"
	ilog "github.com/nexio-project/nexio/internal/log"
	"github.com/nexio-project/nexio/internal/poll"
	"github.com/nexio-project/nexio/loop"
	"github.com/nexio-project/nexio/stats"
	"github.com/nexio-project/nexio/tlsconfig"
)

// ServerBootstrap orchestrates inbound listener setup (spec §4.6 server
// listener).
type ServerBootstrap struct {
	group *loop.Group
}

// NewServerBootstrap matches spec §6's server_bootstrap_new({group}).
func NewServerBootstrap(group *loop.Group) *ServerBootstrap {
	return &ServerBootstrap{group: group}
}

// ServerSocketListenerOptions matches spec §6's
// server_bootstrap_new_socket_listener argument record.
type ServerSocketListenerOptions struct {
	Host   string
	Port   uint16
	Socket SocketOptions
	TLS    *tlsconfig.Options // optional
	Stats  *StatsOptions      // optional

	IncomingCallback func(ch *channel.Channel, code nexio.Code)
	DestroyCallback  func()

	UserData               interface{}
	EnableReadBackPressure bool
}

// Listener is the handle returned by NewSocketListener; its destruction
// is asynchronous (spec §4.6).
type Listener struct {
	l     *loop.EventLoop
	fd    int
	group *loop.Group
	opts  ServerSocketListenerOptions
	log   zerolog.Logger

	mu         sync.Mutex
	destroying bool
}

// NewSocketListener binds and listens, accepting connections onto loops
// from the group (spec §4.6 server listener).
func (b *ServerBootstrap) NewSocketListener(opts ServerSocketListenerOptions) (*Listener, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	var ln net.Listener
	var err error
	if opts.Socket.ReusePort {
		// SO_REUSEPORT lets multiple listeners (typically one per event
		// loop) share the same port, grounded on the teacher's
		// reuseportListen (kevwan-evio evio_linux.go).
		ln, err = reuseport.Listen("tcp", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("bootstrap: listen: %w", err)
	}
	fd, err := detachListenerFD(ln)
	if err != nil {
		return nil, err
	}

	l := b.group.Next()
	lst := &Listener{l: l, fd: fd, group: b.group, opts: opts, log: ilog.For("bootstrap")}

	done := make(chan error, 1)
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		done <- l.Subscribe(fd, poll.EventReadable, &loop.Subscriber{OnReadable: lst.onAcceptable})
	}))
	if err := <-done; err != nil {
		unix.Close(fd)
		return nil, err
	}
	return lst, nil
}

// detachListenerFD pulls the raw, non-blocking fd out of a net.Listener,
// grounded on the teacher's listener.system() (kevwan-evio evio_linux.go).
func detachListenerFD(ln net.Listener) (int, error) {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return -1, fmt.Errorf("bootstrap: listener type %T unsupported", ln)
	}
	f, err := tl.File()
	if err != nil {
		return -1, err
	}
	ln.Close()
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, err
	}
	return fd, nil
}

// onAcceptable drains the accept backlog (spec §4.6: "for each accepted
// connection, constructs a channel on a loop from the group"), mirroring
// the teacher's loopAccept but fanning out across the group rather than
// balancing acceptance itself.
func (lst *Listener) onAcceptable() {
	for {
		nfd, _, err := unix.Accept(lst.fd)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			lst.log.Warn().Err(err).Msg("accept failed")
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		target := lst.group.Next()
		opts := lst.opts
		target.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
			bindServerChannel(target, nfd, opts)
		}))
	}
}

func bindServerChannel(l *loop.EventLoop, fd int, opts ServerSocketListenerOptions) {
	channel.New(l, func(c *channel.Channel, code nexio.Code) {
		if code != nexio.CodeSuccess {
			if opts.IncomingCallback != nil {
				opts.IncomingCallback(nil, code)
			}
			return
		}

		sock := handler.NewSocket(l, fd)
		c.AppendHandler(sock)
		if err := sock.Attach(); err != nil {
			c.Shutdown(nexio.CodeSystemCallFailure)
			return
		}

		var statsHandler *stats.Handler
		if opts.Stats != nil {
			statsHandler = stats.NewHandler(l, c.ID.String(), opts.Stats.FlushIntervalMS, opts.Stats.OnFlush, opts.Stats.Registry)
		}

		if opts.TLS == nil {
			if statsHandler != nil {
				c.AppendHandler(statsHandler)
			}
			if opts.IncomingCallback != nil {
				opts.IncomingCallback(c, nexio.CodeSuccess)
			}
			return
		}

		tlsCfg, err := opts.TLS.BuildServer()
		if err != nil {
			c.Shutdown(nexio.CodeInvalidArgument)
			return
		}
		tlsHandler := handler.NewTLS(l, handler.RoleServer, tlsCfg, "", opts.TLS.TimeoutMS, func(alpn, sni string, negErr error) {
			if negErr != nil {
				code := nexio.CodeTLSErrorHandshakeFailure
				if ce, ok := negErr.(*nexio.CodedError); ok {
					code = ce.Code
				}
				if statsHandler != nil {
					statsHandler.SetTLSStatus(stats.TLSFailure)
				}
				if opts.IncomingCallback != nil {
					opts.IncomingCallback(nil, code)
				}
				return
			}
			if statsHandler != nil {
				statsHandler.SetTLSStatus(stats.TLSSuccess)
			}
			if opts.IncomingCallback != nil {
				opts.IncomingCallback(c, nexio.CodeSuccess)
			}
		})
		c.AppendHandler(tlsHandler)
		if statsHandler != nil {
			statsHandler.SetTLSStatus(stats.TLSNegotiating)
			c.AppendHandler(statsHandler)
		}
	}, func(c *channel.Channel, code nexio.Code) {
		if opts.Stats != nil {
			opts.Stats.Registry.Forget(c.ID.String())
		}
		// ServerSocketListenerOptions has no shutdown callback: nothing
		// is reported to the caller when an accepted channel finishes
		// shutting down; the caller can only read the channel's State().
	})
}

// Destroy tears the listener down asynchronously: it stops accepting,
// closes the fd once the accept loop has drained, and then invokes
// DestroyCallback (spec §4.6: "Listener destruction is asynchronous:
// after destroy_socket_listener the listener invokes destroy_callback
// once its accept loop has drained.").
func (lst *Listener) Destroy() {
	lst.mu.Lock()
	if lst.destroying {
		lst.mu.Unlock()
		return
	}
	lst.destroying = true
	lst.mu.Unlock()

	lst.l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		_ = lst.l.Unsubscribe(lst.fd)
		unix.Close(lst.fd)
		if lst.opts.DestroyCallback != nil {
			lst.opts.DestroyCallback()
		}
	}))
}
