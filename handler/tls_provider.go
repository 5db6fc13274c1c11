package handler

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// ProviderState mirrors the opaque TLS provider's state() result (spec
// §4.5: negotiating, succeeded, failed(err)).
type ProviderState int

const (
	ProviderNegotiating ProviderState = iota
	ProviderSucceeded
	ProviderFailed
	ProviderClosed
)

// Role selects client- or server-side handshake behavior.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Provider is the opaque TLS provider collaborator of spec §4.5. The
// concrete implementation here adapts the standard library's crypto/tls
// (a deliberate, spec-sanctioned exception: §1 names cryptographic
// primitives as an external collaborator, so building the push/pull
// adapter on top of crypto/tls rather than reimplementing a TLS state
// machine stays within scope).
type Provider struct {
	conn *tls.Conn
	pipe *pipeConn

	mu    sync.Mutex
	cond  *sync.Cond
	state ProviderState
	err   error
	alpn  string
	plain []byte
}

// NewProvider starts a handshake goroutine against cfg in the given role.
// serverName, when set, overrides cfg.ServerName for SNI (client role
// only).
func NewProvider(role Role, cfg *tls.Config, serverName string) *Provider {
	if serverName != "" && role == RoleClient {
		cfg = cfg.Clone()
		cfg.ServerName = serverName
	}
	pipe := newPipeConn()
	p := &Provider{pipe: pipe, state: ProviderNegotiating}
	p.cond = sync.NewCond(&p.mu)
	if role == RoleClient {
		p.conn = tls.Client(pipe, cfg)
	} else {
		p.conn = tls.Server(pipe, cfg)
	}
	go p.run()
	return p
}

func (p *Provider) run() {
	err := p.conn.HandshakeContext(context.Background())
	p.mu.Lock()
	if err != nil {
		p.state = ProviderFailed
		p.err = err
		p.mu.Unlock()
		p.cond.Broadcast()
		return
	}
	p.state = ProviderSucceeded
	p.alpn = p.conn.ConnectionState().NegotiatedProtocol
	p.mu.Unlock()
	p.cond.Broadcast()

	buf := make([]byte, 32*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.plain = append(p.plain, buf[:n]...)
			p.mu.Unlock()
			p.cond.Broadcast()
		}
		if err != nil {
			p.mu.Lock()
			if p.state == ProviderSucceeded {
				p.state = ProviderClosed
			}
			p.mu.Unlock()
			p.cond.Broadcast()
			return
		}
	}
}

// PushCiphertext feeds bytes received from the wire into the handshake or
// record layer, and returns whatever plaintext and/or outbound ciphertext
// that produced, plus the provider's resulting state (spec §4.5).
func (p *Provider) PushCiphertext(buf []byte) (consumed int, plaintext, ciphertext []byte, state ProviderState) {
	p.pipe.feedInbound(buf)
	p.pipe.waitDrained()

	p.mu.Lock()
	plaintext = p.plain
	p.plain = nil
	state = p.state
	p.mu.Unlock()

	ciphertext = p.pipe.drainOutbound()
	return len(buf), plaintext, ciphertext, state
}

// PushPlaintext encrypts buf for the wire (spec §4.5). Safe to call once
// the handshake has succeeded; callers are responsible for buffering user
// writes made during negotiating per the TLS handler's phase machine.
func (p *Provider) PushPlaintext(buf []byte) (ciphertext []byte, err error) {
	if _, err := p.conn.Write(buf); err != nil {
		return nil, err
	}
	return p.pipe.drainOutbound(), nil
}

// State reports the provider's current handshake/record-layer state.
func (p *Provider) State() ProviderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the handshake failure cause, if State() == ProviderFailed.
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// ALPNSelected returns the negotiated ALPN protocol, empty if none.
func (p *Provider) ALPNSelected() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alpn
}

// WaitInitialFlight blocks until the handshake goroutine has produced its
// first outbound ciphertext (the client's ClientHello) or failed, and
// returns whatever ciphertext accumulated. Only meaningful for the client
// role, whose handshake starts eagerly rather than waiting on a peer
// message.
func (p *Provider) WaitInitialFlight() []byte {
	p.pipe.waitOutbound()
	return p.pipe.drainOutbound()
}

// Shutdown emits a close_notify alert and returns any ciphertext produced.
func (p *Provider) Shutdown() (ciphertext []byte) {
	_ = p.conn.Close()
	return p.pipe.drainOutbound()
}

// pipeConn is an in-memory net.Conn adapter: Write never blocks (it just
// buffers outbound ciphertext for the TLS handler to forward), and Read
// blocks until inbound ciphertext has been fed via feedInbound. This is
// what lets crypto/tls.Conn's blocking Handshake/Read/Write API drive a
// handler that must stay callback-based and non-blocking on the event
// loop thread.
type pipeConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inbound  []byte
	outbound []byte
	closed   bool
}

func newPipeConn() *pipeConn {
	p := &pipeConn{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeConn) feedInbound(buf []byte) {
	p.mu.Lock()
	p.inbound = append(p.inbound, buf...)
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *pipeConn) waitDrained() {
	p.mu.Lock()
	for len(p.inbound) > 0 && !p.closed {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *pipeConn) drainOutbound() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outbound) == 0 {
		return nil
	}
	out := p.outbound
	p.outbound = nil
	return out
}

func (p *pipeConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	for len(p.inbound) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.inbound) == 0 && p.closed {
		p.mu.Unlock()
		return 0, net.ErrClosed
	}
	n := copy(b, p.inbound)
	p.inbound = p.inbound[n:]
	p.mu.Unlock()
	p.cond.Broadcast()
	return n, nil
}

func (p *pipeConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.outbound = append(p.outbound, b...)
	p.mu.Unlock()
	p.cond.Broadcast()
	return len(b), nil
}

func (p *pipeConn) waitOutbound() {
	p.mu.Lock()
	for len(p.outbound) == 0 && !p.closed {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
