// Package stats implements the statistics handler of spec §4.7: a
// transparent, per-channel observer that counts bytes flowing each
// direction and reports them, together with TLS negotiation status, on a
// periodic flush. Counters are exported through a prometheus.Collector,
// grounded on cuemby-warren's pkg/metrics package (global Vecs registered
// once, updated from call sites) but scoped per channel instead of
// per-process.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/channel"
	ilog "github.com/nexio-project/nexio/internal/log"
	"github.com/nexio-project/nexio/loop"
)

// TLSStatus is the TLS negotiation status a Snapshot carries (spec §4.7:
// "TLS negotiation status ∈ {none, negotiating, success, failure}").
type TLSStatus int

const (
	TLSNone TLSStatus = iota
	TLSNegotiating
	TLSSuccess
	TLSFailure
)

func (s TLSStatus) String() string {
	switch s {
	case TLSNegotiating:
		return "negotiating"
	case TLSSuccess:
		return "success"
	case TLSFailure:
		return "failure"
	default:
		return "none"
	}
}

// Snapshot is one periodic flush event (spec §4.7: "receives periodic
// flush events with cumulative read bytes, written bytes, and TLS
// negotiation status").
type Snapshot struct {
	ChannelID    string
	BytesRead    int64
	BytesWritten int64
	TLSStatus    TLSStatus
}

// FlushCallback receives periodic Snapshots on the owning channel's loop.
type FlushCallback func(Snapshot)

// Registry is the prometheus.Collector every Handler reports through. One
// Registry is normally shared across an entire process (spec §4.7 is
// silent on cardinality; per-channel labels keep it bounded to live
// channels rather than a single process-wide total, matching how
// cuemby-warren labels its vecs by entity rather than aggregating blind).
type Registry struct {
	bytesRead    *prometheus.CounterVec
	bytesWritten *prometheus.CounterVec
	tlsStatus    *prometheus.GaugeVec
}

// NewRegistry builds an unregistered Registry; callers use
// prometheus.Register(registry) or MustRegister themselves, the way
// cuemby-warren's metrics package registers its own Vecs in its init().
func NewRegistry() *Registry {
	return &Registry{
		bytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexio_channel_bytes_read_total",
			Help: "Cumulative application bytes read per channel.",
		}, []string{"channel_id"}),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexio_channel_bytes_written_total",
			Help: "Cumulative application bytes written per channel.",
		}, []string{"channel_id"}),
		tlsStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexio_channel_tls_status",
			Help: "TLS negotiation status per channel (0=none, 1=negotiating, 2=success, 3=failure).",
		}, []string{"channel_id"}),
	}
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	r.bytesRead.Describe(ch)
	r.bytesWritten.Describe(ch)
	r.tlsStatus.Describe(ch)
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.bytesRead.Collect(ch)
	r.bytesWritten.Collect(ch)
	r.tlsStatus.Collect(ch)
}

// Forget drops a channel's label set once it has shut down, so the vecs
// don't grow unbounded over a long-lived process's connection churn.
func (r *Registry) Forget(channelID string) {
	r.bytesRead.DeleteLabelValues(channelID)
	r.bytesWritten.DeleteLabelValues(channelID)
	r.tlsStatus.DeleteLabelValues(channelID)
}

// Handler is the statistics observer of spec §4.7. The bootstraps install
// it above the socket and TLS handlers and below the caller's own handler,
// so it sees application-level bytes: plain payload if there's no TLS
// handler beneath it, decrypted plaintext if there is. It never alters message flow or windows, only counts.
type Handler struct {
	channel.BaseHandler

	l          *loop.EventLoop
	channelID  string
	intervalMS int64
	onFlush    FlushCallback
	log        zerolog.Logger

	readCounter  prometheus.Counter
	writeCounter prometheus.Counter
	tlsGauge     prometheus.Gauge

	bytesRead    int64 // atomic
	bytesWritten int64 // atomic

	mu        sync.Mutex
	tlsStatus TLSStatus
	firstIO   bool
	stopped   bool
	flushTask *nexio.Task
}

// NewHandler builds a statistics handler reporting through reg under
// channelID, flushing every intervalMS (0 disables periodic flush; onFlush
// may be nil if the caller only cares about the prometheus export).
func NewHandler(l *loop.EventLoop, channelID string, intervalMS int64, onFlush FlushCallback, reg *Registry) *Handler {
	h := &Handler{
		l:            l,
		channelID:    channelID,
		intervalMS:   intervalMS,
		onFlush:      onFlush,
		log:          ilog.For("stats"),
		readCounter:  reg.bytesRead.WithLabelValues(channelID),
		writeCounter: reg.bytesWritten.WithLabelValues(channelID),
		tlsGauge:     reg.tlsStatus.WithLabelValues(channelID),
	}
	if intervalMS > 0 && onFlush != nil {
		h.scheduleFlush()
	}
	return h
}

// ProcessRead counts and forwards unchanged (spec §4.7: a pure observer).
func (h *Handler) ProcessRead(msg *channel.Message) {
	h.markFirstIO()
	n := int64(msg.Len())
	atomic.AddInt64(&h.bytesRead, n)
	h.readCounter.Add(float64(n))
	h.Slot.SendRead(msg)
}

// ProcessWrite counts and forwards unchanged.
func (h *Handler) ProcessWrite(msg *channel.Message) {
	h.markFirstIO()
	n := int64(msg.Len())
	atomic.AddInt64(&h.bytesWritten, n)
	h.writeCounter.Add(float64(n))
	h.Slot.SendWrite(msg)
}

func (h *Handler) markFirstIO() {
	h.mu.Lock()
	h.firstIO = true
	h.mu.Unlock()
}

// SetTLSStatus records the TLS negotiation status for this channel (spec
// §4.7: "Must be settable only from the channel's loop before first
// I/O."). Both halves of that rule are enforced here rather than trusted
// to the caller: an off-thread or post-first-I/O call is logged and
// dropped instead of silently corrupting the gauge.
func (h *Handler) SetTLSStatus(status TLSStatus) {
	if h.Slot != nil && !h.Slot.Channel().OnLoopThread() {
		h.log.Warn().Str("channel_id", h.channelID).Msg("SetTLSStatus called off the channel's loop thread")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.firstIO {
		h.log.Warn().Str("channel_id", h.channelID).Msg("SetTLSStatus called after first I/O")
		return
	}
	h.tlsStatus = status
	h.tlsGauge.Set(float64(status))
}

func (h *Handler) scheduleFlush() {
	runAt := h.l.NowNS() + h.intervalMS*1e6
	task := nexio.At(runAt, h.onFlushTick)
	h.mu.Lock()
	h.flushTask = task
	h.mu.Unlock()
	h.l.ScheduleTaskFuture(task, runAt)
}

func (h *Handler) onFlushTick(status nexio.Status) {
	if status == nexio.StatusCanceled {
		return
	}
	h.mu.Lock()
	stopped := h.stopped
	snap := Snapshot{
		ChannelID:    h.channelID,
		BytesRead:    atomic.LoadInt64(&h.bytesRead),
		BytesWritten: atomic.LoadInt64(&h.bytesWritten),
		TLSStatus:    h.tlsStatus,
	}
	h.mu.Unlock()
	if stopped {
		return
	}
	h.onFlush(snap)
	h.scheduleFlush()
}

// Destroy stops the periodic flush (spec §4.7 handlers release resources
// once per shutdown_complete, per §4.3 Destroy contract).
func (h *Handler) Destroy() {
	h.mu.Lock()
	h.stopped = true
	task := h.flushTask
	h.flushTask = nil
	h.mu.Unlock()
	if task != nil {
		h.l.CancelTask(task)
	}
}
