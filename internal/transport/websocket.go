package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cmmvio/umicp-go/internal/logging"
	"github.com/cmmvio/umicp-go/internal/util"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// WebSocket is the WebSocket channel. One reader goroutine delivers
// inbound messages to the message callback; one writer goroutine drains
// the bounded outbound queue and sends heartbeat pings.
type WebSocket struct {
	mu        sync.Mutex
	cfg       types.TransportConfig
	global    types.UMICPConfig
	conn      *websocket.Conn
	queue     *sendQueue
	wg        sync.WaitGroup
	connected bool

	callbacks callbacks
	stats     counters
}

// NewWebSocket creates an unconnected WebSocket channel.
func NewWebSocket(cfg types.TransportConfig, global types.UMICPConfig) *WebSocket {
	return &WebSocket{cfg: cfg, global: global}
}

// Endpoint returns the dial URL.
func (w *WebSocket) Endpoint() string {
	scheme := "ws"
	if w.cfg.SSL != nil && w.cfg.SSL.EnableSSL {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, w.cfg.Host, w.cfg.Port, w.cfg.Path)
}

// Configure replaces the configuration. Rejected while connected.
func (w *WebSocket) Configure(cfg types.TransportConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected {
		return types.NewError(types.CodeNetworkError, "cannot configure while connected")
	}
	w.cfg = cfg
	return nil
}

// Connect dials the endpoint and starts the I/O goroutines.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected {
		return types.NewError(types.CodeNetworkError, "already connected")
	}

	tlsCfg, err := buildTLS(w.cfg.SSL, w.cfg.Host)
	if err != nil {
		return types.Errorf(types.CodeNetworkError, "build TLS config: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: w.global.ConnectionTimeout,
		TLSClientConfig:  tlsCfg,
	}

	header := http.Header{}
	for k, v := range w.cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(ctx, w.Endpoint(), header)
	if err != nil {
		if resp != nil {
			return types.Errorf(types.CodeNetworkError, "dial %s: %w (status %s)", w.Endpoint(), err, resp.Status)
		}
		return types.Errorf(types.CodeNetworkError, "dial %s: %w", w.Endpoint(), err)
	}

	if w.cfg.MaxPayloadSize > 0 {
		conn.SetReadLimit(int64(w.cfg.MaxPayloadSize))
	}

	w.conn = conn
	w.queue = newSendQueue(w.global.SendQueueSize, w.global.ConnectionTimeout)
	w.connected = true
	w.stats.connects.Add(1)
	w.callbacks.unsilence()

	w.wg.Add(2)
	util.SafeGoWithName("websocket-read", func() { w.readLoop(conn) })
	util.SafeGoWithName("websocket-write", func() { w.writeLoop(conn, w.queue) })

	w.callbacks.fireConnection(true, "")
	return nil
}

// Disconnect closes the connection. Idempotent; safe to call
// concurrently with Send. After it returns no callback fires.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil
	}
	w.connected = false
	conn, queue := w.conn, w.queue
	w.conn = nil
	w.mu.Unlock()

	queue.close()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	w.wg.Wait()

	w.callbacks.fireConnection(false, "disconnected")
	w.callbacks.silence()
	return nil
}

// IsConnected reports whether the channel is up.
func (w *WebSocket) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Send enqueues raw bytes for the writer goroutine.
func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	queue, connected := w.queue, w.connected
	w.mu.Unlock()
	if !connected {
		return types.NewError(types.CodeNetworkError, "not connected")
	}
	if w.cfg.MaxPayloadSize > 0 && len(data) > w.cfg.MaxPayloadSize {
		return types.Errorf(types.CodeBufferOverflow,
			"message size %d exceeds limit %d", len(data), w.cfg.MaxPayloadSize)
	}
	return queue.enqueue(data)
}

// SendEnvelope serializes and sends a control-plane envelope.
func (w *WebSocket) SendEnvelope(e *types.Envelope) error {
	data, err := encodeEnvelope(e)
	if err != nil {
		return err
	}
	return w.Send(data)
}

// SendFrame encodes and sends a data-plane frame.
func (w *WebSocket) SendFrame(f *types.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return w.Send(data)
}

func (w *WebSocket) OnMessage(cb MessageCallback)       { w.callbacks.setMessage(cb) }
func (w *WebSocket) OnConnection(cb ConnectionCallback) { w.callbacks.setConnection(cb) }
func (w *WebSocket) OnError(cb ErrorCallback)           { w.callbacks.setError(cb) }

// Stats returns a snapshot of the transport counters.
func (w *WebSocket) Stats() Stats { return w.stats.snapshot() }

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	defer w.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.IsConnected() {
				w.stats.errors.Add(1)
				w.callbacks.fireError(types.Errorf(types.CodeNetworkError, "read: %w", err))
			}
			return
		}
		w.stats.recordReceived(len(data))
		w.callbacks.fireMessage(data)
	}
}

func (w *WebSocket) writeLoop(conn *websocket.Conn, queue *sendQueue) {
	defer w.wg.Done()

	heartbeat := time.NewTicker(w.global.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-queue.closed:
			return
		case data := <-queue.ch:
			conn.SetWriteDeadline(time.Now().Add(w.global.ConnectionTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				w.stats.errors.Add(1)
				w.callbacks.fireError(types.Errorf(types.CodeNetworkError, "write: %w", err))
				continue
			}
			w.stats.recordSent(len(data))
		case <-heartbeat.C:
			deadline := time.Now().Add(w.global.ConnectionTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logging.Debug("heartbeat ping failed",
					logging.Component("transport"), logging.Err(err))
			}
		}
	}
}
