package bootstrap

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/channel"
	"github.com/nexio-project/nexio/handler"
	ilog "github.com/nexio-project/nexio/internal/log"
	"github.com/nexio-project/nexio/loop"
	"github.com/nexio-project/nexio/stats"
	"github.com/nexio-project/nexio/tlsconfig"
)

// StatsOptions wires the statistics handler (spec §4.7) into a bootstrap
// call. Registry is required; FlushIntervalMS == 0 disables periodic
// flush but still exports cumulative counters through Registry.
type StatsOptions struct {
	Registry        *stats.Registry
	FlushIntervalMS int64
	OnFlush         stats.FlushCallback
}

// ClientBootstrap orchestrates outbound connection setup (spec §4.6
// client socket channel).
type ClientBootstrap struct {
	group    *loop.Group
	resolver Resolver
}

// NewClientBootstrap matches spec §6's client_bootstrap_new({group,
// resolver}).
func NewClientBootstrap(group *loop.Group, resolver Resolver) *ClientBootstrap {
	if resolver == nil {
		resolver = NewDefaultResolver()
	}
	return &ClientBootstrap{group: group, resolver: resolver}
}

// ClientSocketChannelOptions matches spec §6's
// client_bootstrap_new_socket_channel argument record (spec §3 Bootstrap
// setup args).
type ClientSocketChannelOptions struct {
	Host   string
	Port   uint16
	Socket SocketOptions
	TLS    *tlsconfig.Options // optional

	Stats *StatsOptions // optional

	CreationCallback func(ch *channel.Channel)
	SetupCallback    func(ch *channel.Channel, code nexio.Code)
	ShutdownCallback func(ch *channel.Channel, code nexio.Code)

	UserData               interface{}
	EnableReadBackPressure bool
}

// NewSocketChannel implements spec §4.6's client socket channel steps in
// this order: resolve, pick a loop, connect, install the socket handler
// (then the TLS and statistics handlers when configured), invoke
// CreationCallback, and invoke SetupCallback once negotiation (if any)
// succeeds. CreationCallback therefore runs after those handlers are
// already in the chain, not before.
func (b *ClientBootstrap) NewSocketChannel(ctx context.Context, opts ClientSocketChannelOptions) {
	go b.connectAndBind(ctx, opts)
}

func (b *ClientBootstrap) connectAndBind(ctx context.Context, opts ClientSocketChannelOptions) {
	log := ilog.For("bootstrap")

	addrs, err := b.resolver.Resolve(ctx, opts.Host)
	if err != nil || len(addrs) == 0 {
		log.Warn().Err(err).Str("host", opts.Host).Msg("client bootstrap: resolve failed")
		opts.SetupCallback(nil, nexio.CodeInvalidArgument)
		return
	}

	timeout := opts.Socket.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialAddr := fmt.Sprintf("%s:%d", addrs[0].IP.String(), opts.Port)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", dialAddr)
	if err != nil {
		log.Warn().Err(err).Str("addr", dialAddr).Msg("client bootstrap: connect failed")
		opts.SetupCallback(nil, nexio.CodeSocketTimeout)
		return
	}

	fd, err := detachFD(conn)
	if err != nil {
		conn.Close()
		opts.SetupCallback(nil, nexio.CodeSystemCallFailure)
		return
	}

	l := b.group.Next()
	l.ScheduleTaskNow(nexio.Immediate(func(nexio.Status) {
		bindChannel(l, fd, opts)
	}))
}

// detachFD pulls the raw, non-blocking fd out of a *net.TCPConn the way
// the teacher's listener.system() detaches a net.Listener from Go's
// runtime poller (kevwan-evio evio_linux.go): File() dups the descriptor,
// after which the original net.Conn is closed and the dup is placed back
// into non-blocking mode for use with our own poller.
func detachFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscallConnHolder)
	if !ok {
		return -1, fmt.Errorf("bootstrap: connection type %T has no File()", conn)
	}
	f, err := sc.File()
	if err != nil {
		return -1, err
	}
	conn.Close()
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, err
	}
	return fd, nil
}

type syscallConnHolder interface {
	File() (*os.File, error)
}

func bindChannel(l *loop.EventLoop, fd int, opts ClientSocketChannelOptions) {
	channel.New(l, func(c *channel.Channel, code nexio.Code) {
		if code != nexio.CodeSuccess {
			if opts.SetupCallback != nil {
				opts.SetupCallback(nil, code)
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
			if opts.CreationCallback != nil {
				opts.CreationCallback(c)
			}
			if opts.SetupCallback != nil {
				opts.SetupCallback(c, nexio.CodeSuccess)
			}
			return
		}

		tlsCfg, err := opts.TLS.BuildClient()
		if err != nil {
			c.Shutdown(nexio.CodeInvalidArgument)
			return
		}
		tlsHandler := handler.NewTLS(l, handler.RoleClient, tlsCfg, opts.TLS.ServerName, opts.TLS.TimeoutMS, func(alpn, sni string, negErr error) {
			if negErr != nil {
				code := nexio.CodeTLSErrorHandshakeFailure
				if ce, ok := negErr.(*nexio.CodedError); ok {
					code = ce.Code
				}
				if statsHandler != nil {
					statsHandler.SetTLSStatus(stats.TLSFailure)
				}
				if opts.SetupCallback != nil {
					opts.SetupCallback(nil, code)
				}
				return
			}
			if statsHandler != nil {
				statsHandler.SetTLSStatus(stats.TLSSuccess)
			}
			if opts.SetupCallback != nil {
				opts.SetupCallback(c, nexio.CodeSuccess)
			}
		})
		c.AppendHandler(tlsHandler)
		if statsHandler != nil {
			statsHandler.SetTLSStatus(stats.TLSNegotiating)
			c.AppendHandler(statsHandler)
		}
		if opts.CreationCallback != nil {
			opts.CreationCallback(c)
		}
		// A TLS client must send the ClientHello itself; negotiation is
		// armed only after the full chain (including the user's handler)
		// is installed so handshake-plaintext has somewhere to go.
		tlsHandler.StartNegotiation()
	}, func(c *channel.Channel, code nexio.Code) {
		if opts.Stats != nil {
			opts.Stats.Registry.Forget(c.ID.String())
		}
		if opts.ShutdownCallback != nil {
			opts.ShutdownCallback(c, code)
		}
	})
}
