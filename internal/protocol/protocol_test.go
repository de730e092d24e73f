package protocol

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/cmmvio/umicp-go/internal/transport"
	"github.com/cmmvio/umicp-go/pkg/types"
)

func openConfig() types.UMICPConfig {
	cfg := types.DefaultConfig()
	cfg.RequireAuth = false
	cfg.RequireEncryption = false
	return cfg
}

// pair wires two protocols over an in-process transport pair.
func pair(t *testing.T, cfgA, cfgB types.UMICPConfig) (*Protocol, *Protocol) {
	t.Helper()

	a, err := New("model-a", cfgA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("model-b", cfgB)
	if err != nil {
		t.Fatal(err)
	}

	ta, tb := transport.NewPipe("a", "b", cfgA)
	a.SetTransport(ta)
	b.SetTransport(tb)
	if err := ta.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tb.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		ta.Disconnect()
		tb.Disconnect()
		a.Close()
		b.Close()
	})
	return a, b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

type captured struct {
	mu       sync.Mutex
	envs     []*types.Envelope
	payloads [][]byte
}

func (c *captured) handler(env *types.Envelope, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	c.payloads = append(c.payloads, payload)
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *captured) get(i int) (*types.Envelope, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envs[i], c.payloads[i]
}

func TestSendControl(t *testing.T) {
	a, b := pair(t, openConfig(), openConfig())

	var got captured
	b.RegisterHandler(types.OpControl, got.handler)

	id, err := a.SendControl("model-b", "warmup", map[string]string{"layers": "12"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	env, payload := got.get(0)
	if payload != nil {
		t.Errorf("control payload = %q, want nil", payload)
	}
	if env.MessageID != id {
		t.Errorf("message id = %q, want %q", env.MessageID, id)
	}
	if env.From != "model-a" || env.To != "model-b" {
		t.Errorf("routing = %q -> %q", env.From, env.To)
	}
	if env.Capabilities["command"] != "warmup" || env.Capabilities["layers"] != "12" {
		t.Errorf("capabilities = %v", env.Capabilities)
	}
}

func TestSendDataSmall(t *testing.T) {
	a, b := pair(t, openConfig(), openConfig())

	var got captured
	b.RegisterHandler(types.OpData, got.handler)

	payload := []byte("embedding bytes")
	hint := &types.PayloadHint{
		Type:     types.PayloadVector,
		Encoding: types.EncodingFloat32,
		Count:    4,
		Size:     uint64(len(payload)),
	}
	id, err := a.SendData("model-b", payload, hint)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	env, data := got.get(0)
	if !bytes.Equal(data, payload) {
		t.Errorf("payload = %q, want %q", data, payload)
	}
	if env.MessageID != id {
		t.Errorf("delivered envelope %q, want announcing envelope %q", env.MessageID, id)
	}
	if env.PayloadHint == nil || env.PayloadHint.Type != types.PayloadVector {
		t.Errorf("hint = %+v", env.PayloadHint)
	}
}

func TestSendDataFragmented(t *testing.T) {
	a, b := pair(t, openConfig(), openConfig())

	var got captured
	b.RegisterHandler(types.OpData, got.handler)

	// Random bytes defeat compression, so the transfer stays at full
	// size and must span multiple frames.
	payload := make([]byte, 3*MaxFramePayload+100)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	if _, err := a.SendData("model-b", payload, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	_, data := got.get(0)
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload corrupted: %d bytes in, %d bytes out", len(payload), len(data))
	}

	if sent := a.Stats().FramesSent; sent != 4 {
		t.Errorf("frames sent = %d, want 4", sent)
	}
}

func TestSendDataCompressed(t *testing.T) {
	a, b := pair(t, openConfig(), openConfig())

	var got captured
	b.RegisterHandler(types.OpData, got.handler)

	payload := bytes.Repeat([]byte("token "), 20000)
	if _, err := a.SendData("model-b", payload, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	_, data := got.get(0)
	if !bytes.Equal(data, payload) {
		t.Fatal("payload corrupted across compression round trip")
	}

	// Highly repetitive input compresses below one frame.
	if sent := a.Stats().FramesSent; sent != 1 {
		t.Errorf("frames sent = %d, want 1 after compression", sent)
	}
}

func TestSendDataOversized(t *testing.T) {
	cfg := openConfig()
	a, _ := pair(t, cfg, cfg)

	_, err := a.SendData("model-b", make([]byte, cfg.MaxMessageSize+1), nil)
	if types.CodeOf(err) != types.CodeBufferOverflow {
		t.Errorf("code = %v, want BUFFER_OVERFLOW", types.CodeOf(err))
	}
}

func TestSendAckShape(t *testing.T) {
	a, b := pair(t, openConfig(), openConfig())

	var got captured
	b.RegisterHandler(types.OpAck, got.handler)

	if err := a.SendAck("model-b", "msg-123"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	env, _ := got.get(0)
	if len(env.PayloadRefs) != 1 {
		t.Fatalf("payload_refs = %v", env.PayloadRefs)
	}
	ref := env.PayloadRefs[0]
	if ref["message_id"] != "msg-123" || ref["status"] != "OK" {
		t.Errorf("ack ref = %v", ref)
	}
}

func TestSendErrorShape(t *testing.T) {
	a, b := pair(t, openConfig(), openConfig())

	var got captured
	b.RegisterHandler(types.OpError, got.handler)

	if err := a.SendError("model-b", types.CodeTimeout, "deadline exceeded", "msg-9"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	env, _ := got.get(0)
	ref := env.PayloadRefs[0]
	if ref["error_code"] != "8" || ref["error_message"] != "deadline exceeded" || ref["original_message_id"] != "msg-9" {
		t.Errorf("error ref = %v", ref)
	}
}

func TestAutomaticErrorResponse(t *testing.T) {
	a, b := pair(t, openConfig(), openConfig())
	_ = b

	var got captured
	a.RegisterHandler(types.OpError, got.handler)

	// An addressable envelope with a bogus operation must come back as
	// an ERROR referencing the original message id.
	raw := []byte(`{"version":"1.0","message_id":"msg-bad","timestamp":"` +
		types.Now() + `","from":"model-a","to":"model-b","operation":"bogus"}`)
	if err := a.Transport().Send(raw); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	env, _ := got.get(0)
	ref := env.PayloadRefs[0]
	if ref["original_message_id"] != "msg-bad" {
		t.Errorf("error ref = %v", ref)
	}
	if ref["error_code"] == "" {
		t.Error("error_code missing")
	}
}

func TestSignedExchange(t *testing.T) {
	cfg := types.DefaultConfig() // require_auth on by default
	cfg.RequireEncryption = false

	a, b := pair(t, cfg, cfg)

	pubA, err := a.Security().GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	pubB, err := b.Security().GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Security().SetPeerPublicKey(pubB); err != nil {
		t.Fatal(err)
	}
	if err := b.Security().SetPeerPublicKey(pubA); err != nil {
		t.Fatal(err)
	}

	var got captured
	b.RegisterHandler(types.OpControl, got.handler)

	if _, err := a.SendControl("model-b", "ping", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	env, _ := got.get(0)
	if env.Capabilities[signatureCapability] == "" {
		t.Error("delivered envelope carries no signature")
	}

	// An unsigned envelope on an authenticated session is rejected
	// before dispatch.
	raw := []byte(`{"version":"1.0","message_id":"msg-u","timestamp":"` +
		types.Now() + `","from":"model-a","to":"model-b","operation":"control"}`)
	if err := a.Transport().Send(raw); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return b.Stats().Errors >= 1 })
	if got.count() != 1 {
		t.Errorf("unsigned envelope reached the handler")
	}
}

func TestEncryptedExchange(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RequireAuth = false
	cfg.RequireEncryption = true

	a, b := pair(t, cfg, cfg)

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	if err := a.Security().StartSession("model-b", secret); err != nil {
		t.Fatal(err)
	}
	if err := b.Security().StartSession("model-a", secret); err != nil {
		t.Fatal(err)
	}

	var got captured
	b.RegisterHandler(types.OpData, got.handler)

	payload := []byte("secret tensor")
	if _, err := a.SendData("model-b", payload, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	_, data := got.get(0)
	if !bytes.Equal(data, payload) {
		t.Errorf("payload = %q, want %q", data, payload)
	}

	// A plaintext frame on an encrypted session is rejected.
	f := types.NewFrame(999, 0, types.FlagFragmentStart|types.FlagFragmentEnd, []byte("plaintext"))
	if err := a.Transport().SendFrame(f); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return b.Stats().Errors >= 1 })
	if got.count() != 1 {
		t.Error("plaintext frame reached the handler")
	}
}

func TestEncryptedExchangeMaxSizePayload(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RequireAuth = false
	cfg.RequireEncryption = true
	cfg.MaxMessageSize = 128 * 1024

	a, b := pair(t, cfg, cfg)

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	if err := a.Security().StartSession("model-b", secret); err != nil {
		t.Fatal(err)
	}
	if err := b.Security().StartSession("model-a", secret); err != nil {
		t.Fatal(err)
	}

	var got captured
	b.RegisterHandler(types.OpData, got.handler)

	// Exactly max_message_size: the seal overhead on the wire must not
	// push the transfer past the receiver's reassembly cap.
	payload := make([]byte, cfg.MaxMessageSize)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendData("model-b", payload, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	_, data := got.get(0)
	if !bytes.Equal(data, payload) {
		t.Error("full-size payload corrupted in transit")
	}
	if errs := b.Stats().Errors; errs != 0 {
		t.Errorf("receiver recorded %d errors, want 0", errs)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	a, b := pair(t, openConfig(), openConfig())

	var mu sync.Mutex
	var fired []error
	b.OnError(func(err error) {
		mu.Lock()
		fired = append(fired, err)
		mu.Unlock()
	})

	var got captured
	calls := 0
	b.RegisterHandler(types.OpControl, func(env *types.Envelope, payload []byte) {
		calls++
		if calls == 1 {
			panic("handler bug")
		}
		got.handler(env, payload)
	})

	if _, err := a.SendControl("model-b", "first", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return b.Stats().HandlerPanics == 1 })

	// The connection survives; the next message is delivered.
	if _, err := a.SendControl("model-b", "second", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.count() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(fired) == 0 {
		t.Error("panic not reported through the error callback")
	}
}

func TestMisbehaviorDisconnect(t *testing.T) {
	cfg := openConfig()
	cfg.ErrorBurst = 2
	cfg.ErrorRate = 0.0001

	a, b := pair(t, cfg, cfg)

	for i := 0; i < 5; i++ {
		if err := a.Transport().Send([]byte("not json, not a frame")); err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, func() bool { return !b.Transport().IsConnected() })
	if b.Stats().Errors < 3 {
		t.Errorf("errors = %d, want at least burst+1", b.Stats().Errors)
	}
}

func TestTruncatedFrameCode(t *testing.T) {
	a, b := pair(t, openConfig(), openConfig())

	var mu sync.Mutex
	var fired []error
	b.OnError(func(err error) {
		mu.Lock()
		fired = append(fired, err)
		mu.Unlock()
	})

	// Starts with the frame version byte but is too short for a header.
	if err := a.Transport().Send([]byte{types.FrameVersion, 0, 0}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) >= 1
	})

	mu.Lock()
	code := types.CodeOf(fired[0])
	mu.Unlock()
	if code != types.CodeInvalidFrame {
		t.Errorf("code = %v, want INVALID_FRAME", code)
	}
	if !b.Transport().IsConnected() {
		t.Error("one malformed frame must not close the connection")
	}
}

func TestNoTransportBound(t *testing.T) {
	p, err := New("model-a", openConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, err := p.SendControl("model-b", "ping", nil); types.CodeOf(err) != types.CodeNetworkError {
		t.Errorf("code = %v, want NETWORK_ERROR", types.CodeOf(err))
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", openConfig()); err == nil {
		t.Error("empty identity should fail")
	}
	bad := openConfig()
	bad.SendQueueSize = 0
	if _, err := New("model-a", bad); err == nil {
		t.Error("invalid config should fail")
	}
	bad = openConfig()
	bad.ErrorBurst = 0
	if _, err := New("model-a", bad); err == nil {
		t.Error("zero misbehavior burst should fail")
	}
}
