// Package protocol orchestrates the full message path: envelope
// construction and validation, payload compression and encryption,
// fragmentation into frames, reassembly, and handler dispatch. One
// Protocol instance represents one side of a point-to-point session.
package protocol

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cmmvio/umicp-go/internal/compress"
	"github.com/cmmvio/umicp-go/internal/envelope"
	"github.com/cmmvio/umicp-go/internal/frame"
	"github.com/cmmvio/umicp-go/internal/logging"
	"github.com/cmmvio/umicp-go/internal/security"
	"github.com/cmmvio/umicp-go/internal/transport"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// MaxFramePayload caps the payload of a single data-plane frame.
// Larger transfers are fragmented.
const MaxFramePayload = 64 * 1024

// Handler processes one completed inbound message: the envelope and,
// for data transfers, the reassembled payload (nil otherwise).
type Handler func(env *types.Envelope, payload []byte)

// ErrorCallback reports protocol-level failures that have no envelope
// to respond to.
type ErrorCallback func(err error)

// Observer receives protocol events for metrics export. All methods
// must be safe for concurrent use.
type Observer interface {
	MessageSent(op types.Operation, bytes int)
	MessageReceived(op types.Operation, bytes int)
	ErrorRecorded(code types.ErrorCode)
	PanicRecovered()
}

// Stats is a point-in-time snapshot of protocol counters.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	FramesSent       uint64
	FramesReceived   uint64
	Errors           uint64
	HandlerPanics    uint64
}

type counters struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	framesSent       atomic.Uint64
	framesReceived   atomic.Uint64
	errors           atomic.Uint64
	handlerPanics    atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		FramesSent:       c.framesSent.Load(),
		FramesReceived:   c.framesReceived.Load(),
		Errors:           c.errors.Load(),
		HandlerPanics:    c.handlerPanics.Load(),
	}
}

// Protocol ties the layers together for one local identity.
type Protocol struct {
	localID string
	cfg     types.UMICPConfig

	proc  *envelope.Processor
	comp  *compress.Manager
	sec   *security.Manager
	reasm *frame.Reassembler

	mu        sync.RWMutex
	transport transport.Transport
	handlers  map[types.Operation]Handler
	onError   ErrorCallback
	observer  Observer

	// streams maps an announced stream id to the envelope that
	// announced it, so the data handler sees both together. Entries
	// whose stream never completes expire after the reassembly idle
	// timeout.
	streamsMu sync.Mutex
	streams   map[uint64]announcement

	// limiter bounds how much malformed input the peer may send
	// before it is forcibly disconnected.
	limiter *rate.Limiter

	nextStream atomic.Uint64
	stats      counters
}

// announcement is a data envelope waiting for its stream to complete.
type announcement struct {
	env *types.Envelope
	at  time.Time
}

// New creates a Protocol for the given local identity.
func New(localID string, cfg types.UMICPConfig) (*Protocol, error) {
	if localID == "" {
		return nil, types.NewError(types.CodeInvalidEnvelope, "local identity must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.Errorf(types.CodeInvalidEnvelope, "config: %w", err)
	}

	algorithm := compress.None
	if cfg.EnableCompression {
		algorithm = compress.Zstd
	}
	comp, err := compress.NewManager(algorithm, cfg.CompressionThreshold, cfg.MaxMessageSize)
	if err != nil {
		return nil, err
	}

	idle := cfg.ReassemblyIdleTimeout
	if idle <= 0 {
		idle = time.Minute
	}

	cfg.ReassemblyIdleTimeout = idle

	// The reassembly cap admits a full-size payload even after the
	// encryption transform grows it on the wire.
	wireCap := cfg.MaxMessageSize + security.MaxSealOverhead

	return &Protocol{
		localID:  localID,
		cfg:      cfg,
		proc:     envelope.NewProcessor(),
		comp:     comp,
		sec:      security.NewManager(localID, cfg, security.ChaCha20Poly1305),
		reasm:    frame.NewReassembler(idle, wireCap),
		handlers: make(map[types.Operation]Handler),
		streams:  make(map[uint64]announcement),
		limiter:  rate.NewLimiter(rate.Limit(cfg.ErrorRate), cfg.ErrorBurst),
	}, nil
}

// LocalID returns this node's identity.
func (p *Protocol) LocalID() string { return p.localID }

// Security exposes the session security manager for key setup.
func (p *Protocol) Security() *security.Manager { return p.sec }

// SetTransport binds the channel the protocol speaks over. The
// previous transport, if any, stops feeding this protocol.
func (p *Protocol) SetTransport(t transport.Transport) {
	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
	t.OnMessage(p.handleInbound)
	t.OnError(func(err error) {
		p.fireError(err)
	})
}

// Transport returns the bound channel, or nil.
func (p *Protocol) Transport() transport.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.transport
}

// RegisterHandler installs the handler for one operation, replacing
// any previous one.
func (p *Protocol) RegisterHandler(op types.Operation, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[op] = h
}

// OnError installs the protocol-level error callback.
func (p *Protocol) OnError(cb ErrorCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = cb
}

// SetObserver attaches a metrics observer.
func (p *Protocol) SetObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

// Stats returns a snapshot of the protocol counters.
func (p *Protocol) Stats() Stats { return p.stats.snapshot() }

// Close releases background resources. The transport is left to its
// owner.
func (p *Protocol) Close() {
	p.reasm.Close()
	p.sec.CloseSession()
}

func (p *Protocol) handler(op types.Operation) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[op]
}

func (p *Protocol) fireError(err error) {
	p.mu.RLock()
	cb := p.onError
	p.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

func (p *Protocol) observe(fn func(Observer)) {
	p.mu.RLock()
	o := p.observer
	p.mu.RUnlock()
	if o != nil {
		fn(o)
	}
}

// misbehave records malformed input from the peer. Once the rate
// limiter is exhausted the peer is forcibly disconnected.
func (p *Protocol) misbehave(err error) {
	p.stats.errors.Add(1)
	p.observe(func(o Observer) { o.ErrorRecorded(types.CodeOf(err)) })
	p.fireError(err)

	if p.limiter.Allow() {
		return
	}
	t := p.Transport()
	if t == nil {
		return
	}
	logging.Warn("misbehavior limit exhausted, disconnecting peer",
		logging.Component("protocol"), logging.Err(err))
	if derr := t.Disconnect(); derr != nil {
		logging.Error("forced disconnect failed",
			logging.Component("protocol"), logging.Err(derr))
	}
}
