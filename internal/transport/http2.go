package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/cmmvio/umicp-go/internal/util"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// HTTP2 is the HTTP/2 channel. A single long-lived POST carries both
// directions: the request body streams outbound messages, the response
// body streams inbound ones. Messages are delimited with a 4-byte
// big-endian length prefix.
type HTTP2 struct {
	mu        sync.Mutex
	cfg       types.TransportConfig
	global    types.UMICPConfig
	queue     *sendQueue
	writer    *io.PipeWriter
	response  *http.Response
	rt        *http2.Transport
	wg        sync.WaitGroup
	connected bool

	callbacks callbacks
	stats     counters
}

// NewHTTP2 creates an unconnected HTTP/2 channel.
func NewHTTP2(cfg types.TransportConfig, global types.UMICPConfig) *HTTP2 {
	return &HTTP2{cfg: cfg, global: global}
}

// Endpoint returns the request URL.
func (h *HTTP2) Endpoint() string {
	scheme := "http"
	if h.cfg.SSL != nil && h.cfg.SSL.EnableSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, h.cfg.Host, h.cfg.Port, h.cfg.Path)
}

// Configure replaces the configuration. Rejected while connected.
func (h *HTTP2) Configure(cfg types.TransportConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connected {
		return types.NewError(types.CodeNetworkError, "cannot configure while connected")
	}
	h.cfg = cfg
	return nil
}

// Connect opens the bidirectional stream and starts the I/O goroutines.
func (h *HTTP2) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connected {
		return types.NewError(types.CodeNetworkError, "already connected")
	}

	tlsCfg, err := buildTLS(h.cfg.SSL, h.cfg.Host)
	if err != nil {
		return types.Errorf(types.CodeNetworkError, "build TLS config: %w", err)
	}

	rt := &http2.Transport{TLSClientConfig: tlsCfg}
	if tlsCfg == nil {
		// Plaintext HTTP/2 (h2c) for non-TLS endpoints.
		rt.AllowHTTP = true
		rt.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, h.Endpoint(), pr)
	if err != nil {
		return types.Errorf(types.CodeNetworkError, "build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/umicp")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := rt.RoundTrip(req)
		done <- roundTripResult{resp, err}
	}()

	var resp *http.Response
	select {
	case r := <-done:
		if r.err != nil {
			pw.Close()
			return types.Errorf(types.CodeNetworkError, "connect %s: %w", h.Endpoint(), r.err)
		}
		resp = r.resp
	case <-time.After(h.global.ConnectionTimeout):
		pw.Close()
		go discardResult(done)
		return types.NewError(types.CodeTimeout, "connection timed out")
	case <-ctx.Done():
		pw.Close()
		go discardResult(done)
		return types.Errorf(types.CodeTimeout, "connect canceled: %w", ctx.Err())
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		pw.Close()
		return types.Errorf(types.CodeNetworkError, "endpoint returned status %s", resp.Status)
	}

	h.writer = pw
	h.response = resp
	h.rt = rt
	h.queue = newSendQueue(h.global.SendQueueSize, h.global.ConnectionTimeout)
	h.connected = true
	h.stats.connects.Add(1)
	h.callbacks.unsilence()

	h.wg.Add(2)
	util.SafeGoWithName("http2-read", func() { h.readLoop(resp.Body) })
	util.SafeGoWithName("http2-write", func() { h.writeLoop(pw, h.queue) })

	h.callbacks.fireConnection(true, "")
	return nil
}

// Disconnect closes both stream directions. Idempotent; no callback
// fires after it returns.
func (h *HTTP2) Disconnect() error {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return nil
	}
	h.connected = false
	queue, writer, resp, rt := h.queue, h.writer, h.response, h.rt
	h.writer = nil
	h.response = nil
	h.rt = nil
	h.mu.Unlock()

	queue.close()
	writer.Close()
	resp.Body.Close()
	h.wg.Wait()
	rt.CloseIdleConnections()

	h.callbacks.fireConnection(false, "disconnected")
	h.callbacks.silence()
	return nil
}

// IsConnected reports whether the stream is up.
func (h *HTTP2) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Send enqueues raw bytes for the writer goroutine.
func (h *HTTP2) Send(data []byte) error {
	h.mu.Lock()
	queue, connected := h.queue, h.connected
	h.mu.Unlock()
	if !connected {
		return types.NewError(types.CodeNetworkError, "not connected")
	}
	if h.cfg.MaxPayloadSize > 0 && len(data) > h.cfg.MaxPayloadSize {
		return types.Errorf(types.CodeBufferOverflow,
			"message size %d exceeds limit %d", len(data), h.cfg.MaxPayloadSize)
	}
	return queue.enqueue(data)
}

// SendEnvelope serializes and sends a control-plane envelope.
func (h *HTTP2) SendEnvelope(e *types.Envelope) error {
	data, err := encodeEnvelope(e)
	if err != nil {
		return err
	}
	return h.Send(data)
}

// SendFrame encodes and sends a data-plane frame.
func (h *HTTP2) SendFrame(f *types.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return h.Send(data)
}

func (h *HTTP2) OnMessage(cb MessageCallback)       { h.callbacks.setMessage(cb) }
func (h *HTTP2) OnConnection(cb ConnectionCallback) { h.callbacks.setConnection(cb) }
func (h *HTTP2) OnError(cb ErrorCallback)           { h.callbacks.setError(cb) }

// Stats returns a snapshot of the transport counters.
func (h *HTTP2) Stats() Stats { return h.stats.snapshot() }

func (h *HTTP2) readLoop(body io.ReadCloser) {
	defer h.wg.Done()
	for {
		data, err := ReadDelimited(body, h.cfg.MaxPayloadSize)
		if err != nil {
			if h.IsConnected() {
				h.stats.errors.Add(1)
				h.callbacks.fireError(types.Errorf(types.CodeNetworkError, "read: %w", err))
			}
			return
		}
		h.stats.recordReceived(len(data))
		h.callbacks.fireMessage(data)
	}
}

func (h *HTTP2) writeLoop(w io.Writer, queue *sendQueue) {
	defer h.wg.Done()
	for {
		select {
		case <-queue.closed:
			return
		case data := <-queue.ch:
			if err := WriteDelimited(w, data); err != nil {
				h.stats.errors.Add(1)
				h.callbacks.fireError(types.Errorf(types.CodeNetworkError, "write: %w", err))
				continue
			}
			h.stats.recordSent(len(data))
		}
	}
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

// discardResult closes the response of a round trip abandoned by a
// timed-out Connect so its stream does not linger.
func discardResult(done <-chan roundTripResult) {
	if r := <-done; r.resp != nil {
		r.resp.Body.Close()
	}
}

// WriteDelimited writes one length-prefixed message (4-byte big-endian
// length, then the bytes).
func WriteDelimited(w io.Writer, data []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadDelimited reads one length-prefixed message, bounding the
// declared size by maxSize when maxSize is positive.
func ReadDelimited(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if maxSize > 0 && int64(length) > int64(maxSize) {
		return nil, fmt.Errorf("message too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
