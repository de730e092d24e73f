// Package transport carries raw bytes, envelopes, and frames over
// TLS-capable channels. Two concrete channels are provided: WebSocket
// and HTTP/2. Both honor the same contract: one reader and one writer
// goroutine per connection, a bounded outbound queue with fail-fast
// backpressure, and callbacks that never fire after Disconnect returns.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmmvio/umicp-go/internal/envelope"
	"github.com/cmmvio/umicp-go/internal/frame"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// MessageCallback receives one inbound message (an envelope's JSON
// bytes or an encoded frame).
type MessageCallback func(data []byte)

// ConnectionCallback reports connection state changes.
type ConnectionCallback func(connected bool, reason string)

// ErrorCallback reports transport-level failures.
type ErrorCallback func(err error)

// Transport is the contract every channel implements.
type Transport interface {
	// Connect establishes the underlying connection and starts the I/O
	// goroutines. ctx bounds the dial, not the connection lifetime.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down. Idempotent; safe to call
	// concurrently with Send. No callback fires after it returns.
	Disconnect() error
	IsConnected() bool

	// Send enqueues raw bytes. It fails with NETWORK_ERROR when the
	// connection is closed or the bounded queue stays full past the
	// enqueue deadline; it never blocks indefinitely.
	Send(data []byte) error
	SendEnvelope(e *types.Envelope) error
	SendFrame(f *types.Frame) error

	// Configure replaces the transport configuration. Rejected while
	// connected.
	Configure(cfg types.TransportConfig) error

	OnMessage(cb MessageCallback)
	OnConnection(cb ConnectionCallback)
	OnError(cb ErrorCallback)

	Stats() Stats
	Endpoint() string
}

// Stats is a point-in-time snapshot of transport counters.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Errors           uint64
	Connects         uint64
	LastActivity     time.Time
}

// counters is the live, atomically updated form of Stats. Incremented
// from the I/O goroutines, readable from any goroutine without locks.
type counters struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	errors           atomic.Uint64
	connects         atomic.Uint64
	lastActivity     atomic.Int64 // unix nanos
}

func (c *counters) recordSent(n int) {
	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(n))
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *counters) recordReceived(n int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *counters) snapshot() Stats {
	return Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		Errors:           c.errors.Load(),
		Connects:         c.connects.Load(),
		LastActivity:     time.Unix(0, c.lastActivity.Load()),
	}
}

// callbacks guards handler registration against concurrent I/O. The
// closed flag silences everything once Disconnect has finished.
type callbacks struct {
	mu        sync.RWMutex
	onMessage MessageCallback
	onConnect ConnectionCallback
	onError   ErrorCallback
	silenced  bool
}

func (c *callbacks) setMessage(cb MessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = cb
}

func (c *callbacks) setConnection(cb ConnectionCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = cb
}

func (c *callbacks) setError(cb ErrorCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = cb
}

// silence stops all future callback delivery. Called at the end of
// Disconnect, after the I/O goroutines have exited.
func (c *callbacks) silence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silenced = true
}

func (c *callbacks) unsilence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silenced = false
}

func (c *callbacks) fireMessage(data []byte) {
	c.mu.RLock()
	cb, ok := c.onMessage, !c.silenced
	c.mu.RUnlock()
	if ok && cb != nil {
		cb(data)
	}
}

func (c *callbacks) fireConnection(connected bool, reason string) {
	c.mu.RLock()
	cb, ok := c.onConnect, !c.silenced
	c.mu.RUnlock()
	if ok && cb != nil {
		cb(connected, reason)
	}
}

func (c *callbacks) fireError(err error) {
	c.mu.RLock()
	cb, ok := c.onError, !c.silenced
	c.mu.RUnlock()
	if ok && cb != nil {
		cb(err)
	}
}

// sendQueue is the bounded outbound queue shared by the channel
// implementations. enqueue fails fast once the queue stays full past
// the deadline, instead of blocking a caller forever.
type sendQueue struct {
	ch      chan []byte
	closed  chan struct{}
	timeout time.Duration
}

func newSendQueue(size int, timeout time.Duration) *sendQueue {
	return &sendQueue{
		ch:      make(chan []byte, size),
		closed:  make(chan struct{}),
		timeout: timeout,
	}
}

func (q *sendQueue) enqueue(data []byte) error {
	select {
	case <-q.closed:
		return types.NewError(types.CodeNetworkError, "connection closed")
	default:
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.ch <- data:
		return nil
	case <-q.closed:
		return types.NewError(types.CodeNetworkError, "connection closed")
	case <-timer.C:
		return types.NewError(types.CodeNetworkError, "send queue full")
	}
}

// close wakes every blocked enqueue with NETWORK_ERROR. Idempotent.
func (q *sendQueue) close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}

// encodeEnvelope and encodeFrame give every channel the same wire forms.

var envProcessor = envelope.NewProcessor()

func encodeEnvelope(e *types.Envelope) ([]byte, error) {
	return envProcessor.Serialize(e)
}

func encodeFrame(f *types.Frame) ([]byte, error) {
	return frame.Encode(f)
}
