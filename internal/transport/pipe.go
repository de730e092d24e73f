package transport

import (
	"context"
	"sync"

	"github.com/cmmvio/umicp-go/internal/util"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// Pipe is an in-process transport pair: bytes sent on one end arrive
// at the other's message callback. It backs tests and local demos with
// the full Transport contract, including the bounded queue and
// disconnect semantics.
type Pipe struct {
	mu        sync.Mutex
	name      string
	global    types.UMICPConfig
	peer      *Pipe
	queue     *sendQueue
	wg        sync.WaitGroup
	connected bool

	callbacks callbacks
	stats     counters
}

// NewPipe creates a connected pair of in-process transports. Both ends
// still require Connect before use.
func NewPipe(nameA, nameB string, global types.UMICPConfig) (*Pipe, *Pipe) {
	a := &Pipe{name: nameA, global: global}
	b := &Pipe{name: nameB, global: global}
	a.peer, b.peer = b, a
	return a, b
}

// Endpoint returns a synthetic address for logging.
func (p *Pipe) Endpoint() string { return "pipe://" + p.name }

// Configure is accepted but has nothing to configure.
func (p *Pipe) Configure(types.TransportConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return types.NewError(types.CodeNetworkError, "cannot configure while connected")
	}
	return nil
}

// Connect starts the delivery goroutine for this end.
func (p *Pipe) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return types.NewError(types.CodeNetworkError, "already connected")
	}
	queue := newSendQueue(p.global.SendQueueSize, p.global.ConnectionTimeout)
	p.queue = queue
	p.connected = true
	p.stats.connects.Add(1)
	p.callbacks.unsilence()

	p.wg.Add(1)
	util.SafeGoWithName("pipe-deliver", func() { p.deliverLoop(queue) })

	p.callbacks.fireConnection(true, "")
	return nil
}

// Disconnect stops delivery. Idempotent; no callback fires afterwards.
func (p *Pipe) Disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	queue := p.queue
	p.mu.Unlock()

	queue.close()
	p.wg.Wait()

	p.callbacks.fireConnection(false, "disconnected")
	p.callbacks.silence()
	return nil
}

// IsConnected reports whether this end is up.
func (p *Pipe) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Send enqueues data for delivery to the peer end.
func (p *Pipe) Send(data []byte) error {
	p.mu.Lock()
	queue, connected := p.queue, p.connected
	p.mu.Unlock()
	if !connected {
		return types.NewError(types.CodeNetworkError, "not connected")
	}
	if p.global.MaxMessageSize > 0 && len(data) > p.global.MaxMessageSize {
		return types.Errorf(types.CodeBufferOverflow,
			"message size %d exceeds limit %d", len(data), p.global.MaxMessageSize)
	}
	// Copy so the caller may reuse its buffer after Send returns.
	buf := make([]byte, len(data))
	copy(buf, data)
	return queue.enqueue(buf)
}

// SendEnvelope serializes and sends a control-plane envelope.
func (p *Pipe) SendEnvelope(e *types.Envelope) error {
	data, err := encodeEnvelope(e)
	if err != nil {
		return err
	}
	return p.Send(data)
}

// SendFrame encodes and sends a data-plane frame.
func (p *Pipe) SendFrame(f *types.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return p.Send(data)
}

func (p *Pipe) OnMessage(cb MessageCallback)       { p.callbacks.setMessage(cb) }
func (p *Pipe) OnConnection(cb ConnectionCallback) { p.callbacks.setConnection(cb) }
func (p *Pipe) OnError(cb ErrorCallback)           { p.callbacks.setError(cb) }

// Stats returns a snapshot of the transport counters.
func (p *Pipe) Stats() Stats { return p.stats.snapshot() }

func (p *Pipe) deliverLoop(queue *sendQueue) {
	defer p.wg.Done()
	for {
		select {
		case <-queue.closed:
			return
		case data := <-queue.ch:
			p.stats.recordSent(len(data))
			p.peer.receive(data)
		}
	}
}

func (p *Pipe) receive(data []byte) {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return
	}
	p.stats.recordReceived(len(data))
	p.callbacks.fireMessage(data)
}
