package protocol

import (
	"encoding/base64"
	"strconv"

	"github.com/google/uuid"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// signatureCapability is the envelope capability carrying the detached
// Ed25519 signature, base64 encoded. The signed hash is computed over
// the envelope with this capability removed.
const signatureCapability = "signature"

// streamIDRef is the payload_refs key announcing a data stream.
const streamIDRef = "stream_id"

func (p *Protocol) newEnvelope(to string, op types.Operation) *types.Envelope {
	return &types.Envelope{
		Version:   types.ProtocolVersion,
		MessageID: "msg-" + uuid.NewString(),
		Timestamp: types.Now(),
		From:      p.localID,
		To:        to,
		Operation: op,
	}
}

// SendControl sends a control envelope carrying a command and its
// parameters in the capabilities map. It returns the message id.
func (p *Protocol) SendControl(to, command string, params map[string]string) (string, error) {
	env := p.newEnvelope(to, types.OpControl)
	env.Capabilities = make(map[string]string, len(params)+1)
	env.Capabilities["command"] = command
	for k, v := range params {
		env.Capabilities[k] = v
	}
	return env.MessageID, p.sendEnvelope(env)
}

// SendAck acknowledges a previously received message.
func (p *Protocol) SendAck(to, messageID string) error {
	env := p.newEnvelope(to, types.OpAck)
	env.PayloadRefs = []map[string]string{{
		"message_id": messageID,
		"status":     "OK",
	}}
	return p.sendEnvelope(env)
}

// SendError reports a failure to the peer, referencing the message
// that caused it when known.
func (p *Protocol) SendError(to string, code types.ErrorCode, message, originalID string) error {
	env := p.newEnvelope(to, types.OpError)
	ref := map[string]string{
		"error_code":    strconv.Itoa(int(code)),
		"error_message": message,
	}
	if originalID != "" {
		ref["original_message_id"] = originalID
	}
	env.PayloadRefs = []map[string]string{ref}
	return p.sendEnvelope(env)
}

// SendData transfers a binary payload. The announcing envelope goes
// first, then the payload follows on the data plane: compressed when
// it pays off, encrypted when a session requires it, fragmented into
// frames of at most MaxFramePayload bytes. It returns the message id
// of the announcing envelope.
func (p *Protocol) SendData(to string, payload []byte, hint *types.PayloadHint) (string, error) {
	if len(payload) > p.cfg.MaxMessageSize {
		return "", types.Errorf(types.CodeBufferOverflow,
			"payload size %d exceeds limit %d", len(payload), p.cfg.MaxMessageSize)
	}

	blob, flags, err := p.comp.MaybeCompress(payload)
	if err != nil {
		return "", err
	}
	if p.sec.ShouldEncrypt() {
		sealed, encFlags, err := p.sec.EncryptPayload(blob)
		if err != nil {
			return "", err
		}
		blob = sealed
		flags = flags.Set(encFlags)
	}

	streamID := p.nextStream.Add(1)

	env := p.newEnvelope(to, types.OpData)
	if hint == nil {
		hint = &types.PayloadHint{Type: types.PayloadBinary, Size: uint64(len(payload))}
	}
	env.PayloadHint = hint
	env.PayloadRefs = []map[string]string{{
		streamIDRef: strconv.FormatUint(streamID, 10),
	}}
	if err := p.sendEnvelope(env); err != nil {
		return "", err
	}

	if err := p.sendFragments(streamID, blob, flags); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// sendFragments splits blob into frames and sends them in order.
func (p *Protocol) sendFragments(streamID uint64, blob []byte, flags types.FrameFlags) error {
	t := p.Transport()
	if t == nil {
		return types.NewError(types.CodeNetworkError, "no transport bound")
	}

	total := len(blob)
	count := (total + MaxFramePayload - 1) / MaxFramePayload
	if count == 0 {
		count = 1
	}

	for i := 0; i < count; i++ {
		lo := i * MaxFramePayload
		hi := lo + MaxFramePayload
		if hi > total {
			hi = total
		}

		frameFlags := flags
		switch {
		case count == 1:
			frameFlags = frameFlags.Set(types.FlagFragmentStart | types.FlagFragmentEnd |
				types.FlagStreamStart | types.FlagStreamEnd)
		case i == 0:
			frameFlags = frameFlags.Set(types.FlagFragmentStart | types.FlagStreamStart)
		case i == count-1:
			frameFlags = frameFlags.Set(types.FlagFragmentEnd | types.FlagStreamEnd)
		default:
			frameFlags = frameFlags.Set(types.FlagFragmentContinue)
		}

		f := types.NewFrame(streamID, uint32(i), frameFlags, blob[lo:hi])
		if err := t.SendFrame(f); err != nil {
			return err
		}
		p.stats.framesSent.Add(1)
		p.stats.bytesSent.Add(uint64(types.FrameHeaderSize + len(f.Payload)))
	}
	return nil
}

// sendEnvelope signs (when the session requires it), serializes, and
// sends one envelope.
func (p *Protocol) sendEnvelope(env *types.Envelope) error {
	if p.sec.ShouldSign() {
		if err := p.signEnvelope(env); err != nil {
			return err
		}
	}

	data, err := p.proc.Serialize(env)
	if err != nil {
		return err
	}

	t := p.Transport()
	if t == nil {
		return types.NewError(types.CodeNetworkError, "no transport bound")
	}
	if err := t.Send(data); err != nil {
		return err
	}

	p.stats.messagesSent.Add(1)
	p.stats.bytesSent.Add(uint64(len(data)))
	p.observe(func(o Observer) { o.MessageSent(env.Operation, len(data)) })
	return nil
}

func (p *Protocol) signEnvelope(env *types.Envelope) error {
	sum, err := p.proc.Hash(unsignedCopy(env))
	if err != nil {
		return err
	}
	sig, err := p.sec.Sign(sum[:])
	if err != nil {
		return err
	}
	if env.Capabilities == nil {
		env.Capabilities = make(map[string]string, 1)
	}
	env.Capabilities[signatureCapability] = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// unsignedCopy returns env with the signature capability removed, for
// hashing. env itself is never mutated.
func unsignedCopy(env *types.Envelope) *types.Envelope {
	c := *env
	if _, ok := env.Capabilities[signatureCapability]; !ok {
		return &c
	}
	c.Capabilities = make(map[string]string, len(env.Capabilities)-1)
	for k, v := range env.Capabilities {
		if k != signatureCapability {
			c.Capabilities[k] = v
		}
	}
	return &c
}
