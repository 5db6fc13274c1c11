package handler

import (
	"crypto/tls"
	"sync"

	"github.com/rs/zerolog"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/channel"
	ilog "github.com/nexio-project/nexio/internal/log"
	"github.com/nexio-project/nexio/loop"
)

// Phase is the TLS handler's negotiation state machine (spec §3 TLS
// handler state, §4.5 phases).
type Phase int

const (
	NotStarted Phase = iota
	Negotiating
	Succeeded
	Failed
	ShuttingDown
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Negotiating:
		return "negotiating"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// NegotiatedCallback fires once per channel, the first time negotiation
// either succeeds or fails (spec §4.5 on_negotiated).
type NegotiatedCallback func(alpn, serverName string, err error)

// TLS is the middle handler performing a handshake with an opaque
// provider, then transparently encrypting/decrypting payload (spec §4.5).
// It has exactly the same channel.Handler shape as any other handler
// (spec §9 design note: "composition is linear, no inheritance").
type TLS struct {
	channel.BaseHandler

	l          *loop.EventLoop
	role       Role
	cfg        *tls.Config
	serverName string
	timeoutMS  int64
	onNeg      NegotiatedCallback
	log        zerolog.Logger

	mu             sync.Mutex
	phase          Phase
	provider       *Provider
	bufferedWrites []*channel.Message
	timeoutTask    *nexio.Task
	negotiated     bool
}

// NewTLS constructs a TLS handler. timeoutMS == 0 disables the negotiation
// timeout (spec §4.5).
func NewTLS(l *loop.EventLoop, role Role, cfg *tls.Config, serverName string, timeoutMS int64, onNeg NegotiatedCallback) *TLS {
	return &TLS{
		l:          l,
		role:       role,
		cfg:        cfg,
		serverName: serverName,
		timeoutMS:  timeoutMS,
		onNeg:      onNeg,
		phase:      NotStarted,
		log:        ilog.For("tls"),
	}
}

func (t *TLS) InitialWindowSize() int { return 1 << 16 }
func (t *TLS) MessageOverhead() int   { return 2048 } // generous TLS record + header allowance

// AlpnIsAvailable reports whether the platform/provider can report ALPN
// results at all (spec §9 open question: server-side ALPN availability is
// platform-dependent). crypto/tls always supports it, so this is
// unconditionally true here, but the method is kept distinct from
// ALPNSelected so a future provider backend can answer "no" honestly.
func (t *TLS) AlpnIsAvailable() bool { return true }

// ALPNSelected returns the negotiated protocol once available.
func (t *TLS) ALPNSelected() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.provider == nil {
		return ""
	}
	return t.provider.ALPNSelected()
}

// ProcessWrite handles a user write flowing toward the socket (spec §4.5).
func (t *TLS) ProcessWrite(msg *channel.Message) {
	t.mu.Lock()
	switch t.phase {
	case NotStarted:
		t.mu.Unlock()
		t.beginNegotiation()
		t.mu.Lock()
		t.bufferedWrites = append(t.bufferedWrites, msg)
		t.mu.Unlock()
		return
	case Negotiating:
		t.bufferedWrites = append(t.bufferedWrites, msg)
		t.mu.Unlock()
		return
	case Succeeded:
		provider := t.provider
		t.mu.Unlock()
		t.encryptAndForward(provider, msg)
		return
	default:
		t.mu.Unlock()
		msg.Release(nexio.NewError(nexio.CodeChannelShutdown))
	}
}

func (t *TLS) encryptAndForward(provider *Provider, msg *channel.Message) {
	ciphertext, err := provider.PushPlaintext(msg.Buffer)
	if err != nil {
		msg.Release(nexio.WrapError(nexio.CodeTLSErrorWriteFailure, err))
		return
	}
	msg.Release(nil)
	if len(ciphertext) > 0 {
		t.Slot.SendWrite(&channel.Message{Buffer: ciphertext, Type: channel.Handshake})
	}
}

// ProcessRead handles ciphertext flowing up from the socket handler (spec
// §4.5).
func (t *TLS) ProcessRead(msg *channel.Message) {
	t.mu.Lock()
	if t.phase == NotStarted {
		t.mu.Unlock()
		t.beginNegotiation()
		t.mu.Lock()
	}
	provider := t.provider
	phase := t.phase
	t.mu.Unlock()

	if phase == Failed || phase == ShuttingDown || provider == nil {
		msg.Release(nil)
		return
	}

	consumed, plaintext, ciphertext, state := provider.PushCiphertext(msg.Buffer)
	_ = consumed
	msg.Release(nil)

	if len(ciphertext) > 0 {
		t.Slot.SendWrite(&channel.Message{Buffer: ciphertext, Type: channel.Handshake})
	}

	switch state {
	case ProviderSucceeded:
		t.onHandshakeSucceeded(provider, plaintext)
	case ProviderFailed:
		t.onHandshakeFailed(provider.Err())
	default:
		if len(plaintext) > 0 {
			t.Slot.SendRead(&channel.Message{Buffer: plaintext, Type: channel.ApplicationData})
		}
	}
}

// StartNegotiation arms negotiation explicitly instead of waiting for the
// first ProcessRead/ProcessWrite (spec §4.6 step 5: "install TLS handler
// next and call setup_client_tls which arms negotiation"). A TLS client
// must produce the ClientHello on its own; it cannot wait for a user
// write or a socket read to trigger beginNegotiation, since the server
// will not send anything until it has received one.
func (t *TLS) StartNegotiation() {
	t.beginNegotiation()
}

func (t *TLS) beginNegotiation() {
	t.mu.Lock()
	if t.phase != NotStarted {
		t.mu.Unlock()
		return
	}
	t.phase = Negotiating
	provider := NewProvider(t.role, t.cfg, t.serverName)
	t.provider = provider
	t.mu.Unlock()

	if t.timeoutMS > 0 {
		task := nexio.At(t.l.NowNS()+t.timeoutMS*1e6, t.onTimeout)
		t.mu.Lock()
		t.timeoutTask = task
		t.mu.Unlock()
		t.l.ScheduleTaskFuture(task, task.RunAtNS)
	}

	if t.role == RoleClient {
		initial := provider.WaitInitialFlight()
		if len(initial) > 0 {
			t.Slot.SendWrite(&channel.Message{Buffer: initial, Type: channel.Handshake})
		}
	}
}

func (t *TLS) onTimeout(status nexio.Status) {
	if status == nexio.StatusCanceled {
		return
	}
	t.mu.Lock()
	if t.phase != Negotiating {
		t.mu.Unlock()
		return
	}
	t.phase = Failed
	t.mu.Unlock()
	t.failNegotiation(nexio.NewError(nexio.CodeTLSNegotiationTimeout))
}

func (t *TLS) onHandshakeSucceeded(provider *Provider, plaintext []byte) {
	t.mu.Lock()
	if t.phase != Negotiating {
		t.mu.Unlock()
		return
	}
	t.phase = Succeeded
	if t.timeoutTask != nil {
		t.l.CancelTask(t.timeoutTask)
		t.timeoutTask = nil
	}
	buffered := t.bufferedWrites
	t.bufferedWrites = nil
	alpn := provider.ALPNSelected()
	t.negotiated = true
	t.mu.Unlock()

	if t.onNeg != nil {
		t.onNeg(alpn, t.serverName, nil)
	}
	for _, m := range buffered {
		t.encryptAndForward(provider, m)
	}
	if len(plaintext) > 0 {
		t.Slot.SendRead(&channel.Message{Buffer: plaintext, Type: channel.ApplicationData})
	}
}

func (t *TLS) onHandshakeFailed(err error) {
	t.mu.Lock()
	if t.phase == Failed {
		t.mu.Unlock()
		return
	}
	t.phase = Failed
	if t.timeoutTask != nil {
		t.l.CancelTask(t.timeoutTask)
		t.timeoutTask = nil
	}
	buffered := t.bufferedWrites
	t.bufferedWrites = nil
	t.mu.Unlock()

	for _, m := range buffered {
		m.Release(nexio.WrapError(nexio.CodeTLSErrorHandshakeFailure, err))
	}
	t.failNegotiation(nexio.WrapError(nexio.CodeTLSErrorHandshakeFailure, err))
}

func (t *TLS) failNegotiation(err error) {
	t.mu.Lock()
	alreadyNegotiated := t.negotiated
	t.negotiated = true
	t.mu.Unlock()

	if !alreadyNegotiated && t.onNeg != nil {
		t.onNeg("", t.serverName, err)
	}
	code := nexio.CodeTLSErrorHandshakeFailure
	if ce, ok := err.(*nexio.CodedError); ok {
		code = ce.Code
	}
	t.Slot.Channel().Shutdown(code)
}

// IncrementReadWindow implements the cached-plaintext-flush race of spec
// §4.5: when the downstream's read window grows (possibly marshalled
// here from off-thread after shutdown was posted), any plaintext the
// provider already decrypted but could not previously forward must still
// be delivered before shutdown completes.
func (t *TLS) IncrementReadWindow(delta int) {
	t.mu.Lock()
	provider := t.provider
	phase := t.phase
	t.mu.Unlock()
	if provider == nil || phase == NotStarted {
		return
	}
	// Draining with an empty push forces the provider to hand back any
	// plaintext its read pump accumulated since the last drain.
	_, plaintext, ciphertext, _ := provider.PushCiphertext(nil)
	if len(ciphertext) > 0 {
		t.Slot.SendWrite(&channel.Message{Buffer: ciphertext, Type: channel.Handshake})
	}
	if len(plaintext) > 0 {
		t.Slot.SendRead(&channel.Message{Buffer: plaintext, Type: channel.ApplicationData})
	}
}

// Shutdown forwards the provider's close_notify ciphertext, then delegates
// to the downstream handler (spec §4.5 shutting_down phase).
func (t *TLS) Shutdown(direction channel.Direction, err error) {
	t.mu.Lock()
	t.phase = ShuttingDown
	provider := t.provider
	t.mu.Unlock()

	if direction == channel.Write && provider != nil {
		if ciphertext := provider.Shutdown(); len(ciphertext) > 0 {
			t.Slot.SendWrite(&channel.Message{Buffer: ciphertext, Type: channel.Handshake})
		}
	}
	t.Slot.ShutdownComplete(direction, err)
}

func (t *TLS) Destroy() {}
