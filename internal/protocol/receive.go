package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cmmvio/umicp-go/internal/frame"
	"github.com/cmmvio/umicp-go/internal/logging"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// handleInbound is the transport message callback: every inbound blob
// enters the protocol here. The two planes are distinguished by the
// first byte; JSON text starts with '{', which is never a valid frame
// version.
func (p *Protocol) handleInbound(data []byte) {
	p.stats.bytesReceived.Add(uint64(len(data)))
	if frame.IsFrame(data) {
		p.handleFrame(data)
		return
	}
	p.handleEnvelope(data)
}

func (p *Protocol) handleEnvelope(data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.misbehave(types.Errorf(types.CodeSerializationFailed, "malformed envelope: %w", err))
		return
	}

	if err := p.proc.Validate(&env); err != nil {
		p.misbehave(err)
		p.respondError(&env, err)
		return
	}

	if err := p.verifyEnvelope(&env); err != nil {
		p.misbehave(err)
		p.respondError(&env, err)
		return
	}

	if env.Operation == types.OpData && p.recordStream(&env) {
		// Delivery waits for the announced stream to complete.
		return
	}

	p.stats.messagesReceived.Add(1)
	p.observe(func(o Observer) { o.MessageReceived(env.Operation, len(data)) })
	p.dispatch(&env, nil)
}

func (p *Protocol) handleFrame(data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		p.misbehave(err)
		return
	}
	p.stats.framesReceived.Add(1)

	complete, err := p.reasm.Add(p.peerKey(), f)
	if err != nil {
		p.misbehave(err)
		return
	}
	if complete == nil {
		return
	}

	flags := f.Header.Flags
	payload := complete

	if flags.Encrypted() {
		payload, err = p.sec.DecryptPayload(payload)
		if err != nil {
			p.misbehave(err)
			return
		}
	} else if p.cfg.RequireEncryption {
		p.misbehave(types.NewError(types.CodeAuthenticationFailed,
			"plaintext payload on a session requiring encryption"))
		return
	}

	payload, err = p.comp.Decompress(payload, flags)
	if err != nil {
		p.misbehave(err)
		return
	}

	env := p.takeStream(f.Header.StreamID)
	if env == nil {
		// No announcing envelope arrived; synthesize one so the data
		// handler still sees the transfer.
		env = p.newEnvelope(p.localID, types.OpData)
		env.From = p.peerKey()
		env.PayloadHint = &types.PayloadHint{Type: types.PayloadBinary, Size: uint64(len(payload))}
		logging.Debug("data stream completed without announcement",
			logging.Component("protocol"), logging.StreamID(f.Header.StreamID))
	}

	p.stats.messagesReceived.Add(1)
	p.observe(func(o Observer) { o.MessageReceived(types.OpData, len(payload)) })
	p.dispatch(env, payload)
}

// dispatch delivers one completed message to its registered handler.
// A handler panic is recovered and reported; the connection stays up.
func (p *Protocol) dispatch(env *types.Envelope, payload []byte) {
	h := p.handler(env.Operation)
	if h == nil {
		logging.Debug("no handler registered",
			logging.Component("protocol"),
			"operation", string(env.Operation),
			logging.MessageID(env.MessageID))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.stats.handlerPanics.Add(1)
			p.observe(func(o Observer) { o.PanicRecovered() })
			p.fireError(types.Errorf(types.CodeNetworkError, "handler panic: %v", r))
		}
	}()
	h(env, payload)
}

// verifyEnvelope checks the detached signature when the session
// requires authentication.
func (p *Protocol) verifyEnvelope(env *types.Envelope) error {
	if !p.cfg.RequireAuth {
		return nil
	}
	encoded, ok := env.Capabilities[signatureCapability]
	if !ok {
		return types.NewError(types.CodeAuthenticationFailed, "envelope is not signed")
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return types.Errorf(types.CodeAuthenticationFailed, "decode signature: %w", err)
	}
	sum, err := p.proc.Hash(unsignedCopy(env))
	if err != nil {
		return err
	}
	return p.sec.Verify(sum[:], sig)
}

// respondError sends an ERROR envelope back when the failing message
// carried enough identity to address one.
func (p *Protocol) respondError(env *types.Envelope, cause error) {
	if env.From == "" || env.MessageID == "" {
		return
	}
	code := types.CodeOf(cause)
	if code == types.CodeSuccess {
		code = types.CodeInvalidEnvelope
	}
	if err := p.SendError(env.From, code, cause.Error(), env.MessageID); err != nil {
		logging.Debug("error response not sent",
			logging.Component("protocol"), logging.Err(err))
	}
}

// recordStream remembers the envelope announcing a data stream so the
// reassembled payload can be delivered alongside it. It reports
// whether the envelope announced any stream.
func (p *Protocol) recordStream(env *types.Envelope) bool {
	recorded := false
	for _, ref := range env.PayloadRefs {
		sid, ok := ref[streamIDRef]
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(sid, 10, 64)
		if err != nil {
			continue
		}
		now := time.Now()
		p.streamsMu.Lock()
		for old, a := range p.streams {
			if now.Sub(a.at) > p.cfg.ReassemblyIdleTimeout {
				delete(p.streams, old)
			}
		}
		p.streams[id] = announcement{env: env, at: now}
		p.streamsMu.Unlock()
		recorded = true
	}
	return recorded
}

func (p *Protocol) takeStream(id uint64) *types.Envelope {
	p.streamsMu.Lock()
	defer p.streamsMu.Unlock()
	a, ok := p.streams[id]
	if !ok {
		return nil
	}
	delete(p.streams, id)
	return a.env
}

func (p *Protocol) peerKey() string {
	if t := p.Transport(); t != nil {
		return t.Endpoint()
	}
	return "peer"
}
