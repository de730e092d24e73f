// Package types defines the wire-level data model shared by every layer
// of the protocol: envelopes on the JSON control plane, frames on the
// binary data plane, and the configuration and security state that
// surround them.
package types

import (
	"time"
)

// Protocol constants.
const (
	// ProtocolVersion is the envelope version this node speaks.
	ProtocolVersion = "1.0"

	// FrameVersion is the frame header version byte.
	FrameVersion uint8 = 1

	// FrameHeaderSize is the size of the serialized frame header in bytes:
	// version(1) + type(1) + flags(2) + stream_id(8) + sequence(4) + length(4).
	FrameHeaderSize = 20

	// MaxMessageSize is the default cap on a single logical message.
	MaxMessageSize = 1024 * 1024
)

// Operation is the envelope operation type.
type Operation string

const (
	OpControl Operation = "control"
	OpData    Operation = "data"
	OpAck     Operation = "ack"
	OpError   Operation = "error"
)

// Valid reports whether op is one of the four known operations.
// Unknown operations are a validation error, not an extension point.
func (op Operation) Valid() bool {
	switch op {
	case OpControl, OpData, OpAck, OpError:
		return true
	}
	return false
}

// PayloadType describes how the bytes carried by a frame should be
// interpreted by the receiver.
type PayloadType string

const (
	PayloadVector   PayloadType = "vector"
	PayloadText     PayloadType = "text"
	PayloadMetadata PayloadType = "metadata"
	PayloadBinary   PayloadType = "binary"
)

// Valid reports whether t is a known payload type.
func (t PayloadType) Valid() bool {
	switch t {
	case PayloadVector, PayloadText, PayloadMetadata, PayloadBinary:
		return true
	}
	return false
}

// Encoding is the numeric element type of a vector payload.
type Encoding string

const (
	EncodingFloat32 Encoding = "float32"
	EncodingFloat64 Encoding = "float64"
	EncodingInt32   Encoding = "int32"
	EncodingInt64   Encoding = "int64"
	EncodingUint8   Encoding = "uint8"
	EncodingUint16  Encoding = "uint16"
	EncodingUint32  Encoding = "uint32"
	EncodingUint64  Encoding = "uint64"
)

// ElementSize returns the byte width of one element, or 0 for an
// unknown encoding.
func (e Encoding) ElementSize() int {
	switch e {
	case EncodingUint8:
		return 1
	case EncodingUint16:
		return 2
	case EncodingFloat32, EncodingInt32, EncodingUint32:
		return 4
	case EncodingFloat64, EncodingInt64, EncodingUint64:
		return 8
	}
	return 0
}

// PayloadHint describes an associated binary payload without embedding
// it in the envelope.
type PayloadHint struct {
	Type     PayloadType `json:"type"`
	Size     uint64      `json:"size,omitempty"`
	Encoding Encoding    `json:"encoding,omitempty"`
	Count    uint64      `json:"count,omitempty"`
}

// Envelope is the control-plane message: one per logical exchange,
// carried as canonical JSON on the wire.
type Envelope struct {
	Version      string              `json:"version"`
	MessageID    string              `json:"message_id"`
	Timestamp    string              `json:"timestamp"`
	From         string              `json:"from"`
	To           string              `json:"to"`
	Operation    Operation           `json:"operation"`
	Capabilities map[string]string   `json:"capabilities,omitempty"`
	SchemaURI    string              `json:"schema_uri,omitempty"`
	Accept       []string            `json:"accept,omitempty"`
	PayloadHint  *PayloadHint        `json:"payload_hint,omitempty"`
	PayloadRefs  []map[string]string `json:"payload_refs,omitempty"`
}

// Timestamp format: RFC 3339 with millisecond precision, always UTC.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Now returns the current time formatted for an envelope timestamp.
func Now() string {
	return time.Now().UTC().Format(TimestampFormat)
}

// FrameFlags is the 16-bit flag field of a frame header.
type FrameFlags uint16

const (
	// FlagCompressedGzip marks a gzip-compressed payload.
	FlagCompressedGzip FrameFlags = 1 << 0
	// FlagCompressedZstd marks a zstd-compressed payload.
	FlagCompressedZstd FrameFlags = 1 << 1
	// FlagEncrypted marks an AEAD-sealed payload.
	FlagEncrypted FrameFlags = 1 << 2
	// FlagFragmentStart opens a fragmented transfer.
	FlagFragmentStart FrameFlags = 1 << 3
	// FlagFragmentContinue carries a middle fragment.
	FlagFragmentContinue FrameFlags = 1 << 4
	// FlagFragmentEnd closes a fragmented transfer.
	FlagFragmentEnd FrameFlags = 1 << 5
	// FlagStreamStart marks the first frame of a stream.
	FlagStreamStart FrameFlags = 1 << 6
	// FlagStreamEnd marks the final frame of a stream.
	FlagStreamEnd FrameFlags = 1 << 7

	// flagCompression covers all compression selector bits.
	flagCompression = FlagCompressedGzip | FlagCompressedZstd
)

// Has reports whether all bits in mask are set.
func (f FrameFlags) Has(mask FrameFlags) bool { return f&mask == mask }

// Set returns f with the bits of mask set.
func (f FrameFlags) Set(mask FrameFlags) FrameFlags { return f | mask }

// Clear returns f with the bits of mask cleared.
func (f FrameFlags) Clear(mask FrameFlags) FrameFlags { return f &^ mask }

// Compressed reports whether any compression selector bit is set.
func (f FrameFlags) Compressed() bool { return f&flagCompression != 0 }

// Encrypted reports whether the payload is AEAD-sealed.
func (f FrameFlags) Encrypted() bool { return f.Has(FlagEncrypted) }

// FrameHeader is the fixed header of a data-plane frame. On the wire it
// occupies FrameHeaderSize bytes, all multi-byte fields little-endian.
type FrameHeader struct {
	Version  uint8
	Type     uint8
	Flags    FrameFlags
	StreamID uint64
	Sequence uint32
	Length   uint32
}

// Frame is one binary data-plane chunk: a fixed header followed by
// exactly Header.Length payload bytes.
type Frame struct {
	Header  FrameHeader
	Payload []byte
}

// NewFrame builds a frame for payload, filling in version and length.
func NewFrame(streamID uint64, sequence uint32, flags FrameFlags, payload []byte) *Frame {
	return &Frame{
		Header: FrameHeader{
			Version:  FrameVersion,
			Type:     uint8(opCode(OpData)),
			Flags:    flags,
			StreamID: streamID,
			Sequence: sequence,
			Length:   uint32(len(payload)),
		},
		Payload: payload,
	}
}

// opCode maps an operation to its frame type byte (wire-compatible with
// the numeric operation codes of protocol version 1).
func opCode(op Operation) uint8 {
	switch op {
	case OpControl:
		return 0
	case OpData:
		return 1
	case OpAck:
		return 2
	case OpError:
		return 3
	}
	return 0
}

// OpCode returns the frame type byte for op.
func OpCode(op Operation) uint8 { return opCode(op) }
