// Package frame implements the binary data-plane codec and the
// fragment reassembler.
//
// Wire layout (stable, little-endian):
//
//	byte  0      version
//	byte  1      type
//	bytes 2-3    flags
//	bytes 4-11   stream_id
//	bytes 12-15  sequence
//	bytes 16-19  length
//	bytes 20..   payload (exactly length bytes)
package frame

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// Encode serializes a frame: the fixed header followed by the payload.
func Encode(f *types.Frame) ([]byte, error) {
	if f == nil {
		return nil, types.NewError(types.CodeInvalidFrame, "nil frame")
	}
	if len(f.Payload) > math.MaxUint32 {
		return nil, types.Errorf(types.CodeInvalidFrame, "payload too large: %d bytes", len(f.Payload))
	}
	if f.Header.Length != uint32(len(f.Payload)) {
		return nil, types.Errorf(types.CodeInvalidFrame,
			"header length %d does not match payload size %d", f.Header.Length, len(f.Payload))
	}

	buf := make([]byte, types.FrameHeaderSize+len(f.Payload))
	buf[0] = f.Header.Version
	buf[1] = f.Header.Type
	binary.LittleEndian.PutUint16(buf[2:4], uint16(f.Header.Flags))
	binary.LittleEndian.PutUint64(buf[4:12], f.Header.StreamID)
	binary.LittleEndian.PutUint32(buf[12:16], f.Header.Sequence)
	binary.LittleEndian.PutUint32(buf[16:20], f.Header.Length)
	copy(buf[types.FrameHeaderSize:], f.Payload)
	return buf, nil
}

// Decode parses exactly one frame from data. It fails fast on a short
// buffer, an unsupported version, or a length that does not match the
// remaining byte count, and never reads past the declared length.
func Decode(data []byte) (*types.Frame, error) {
	hdr, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	rest := data[types.FrameHeaderSize:]
	if uint64(len(rest)) != uint64(hdr.Length) {
		return nil, types.Errorf(types.CodeInvalidFrame,
			"declared length %d, have %d payload bytes", hdr.Length, len(rest))
	}
	payload := make([]byte, hdr.Length)
	copy(payload, rest[:hdr.Length])
	return &types.Frame{Header: hdr, Payload: payload}, nil
}

func decodeHeader(data []byte) (types.FrameHeader, error) {
	var hdr types.FrameHeader
	if len(data) < types.FrameHeaderSize {
		return hdr, types.Errorf(types.CodeInvalidFrame,
			"truncated header: %d of %d bytes", len(data), types.FrameHeaderSize)
	}
	hdr.Version = data[0]
	if hdr.Version != types.FrameVersion {
		return hdr, types.Errorf(types.CodeInvalidFrame, "unsupported frame version %d", hdr.Version)
	}
	hdr.Type = data[1]
	hdr.Flags = types.FrameFlags(binary.LittleEndian.Uint16(data[2:4]))
	hdr.StreamID = binary.LittleEndian.Uint64(data[4:12])
	hdr.Sequence = binary.LittleEndian.Uint32(data[12:16])
	hdr.Length = binary.LittleEndian.Uint32(data[16:20])
	return hdr, nil
}

// ReadFrame reads one frame from r. maxPayload bounds the declared
// length so a hostile peer cannot force an arbitrary allocation.
func ReadFrame(r io.Reader, maxPayload int) (*types.Frame, error) {
	head := make([]byte, types.FrameHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, types.Errorf(types.CodeInvalidFrame, "read frame header: %w", err)
	}
	hdr, err := decodeHeader(head)
	if err != nil {
		return nil, err
	}
	if maxPayload >= 0 && int64(hdr.Length) > int64(maxPayload) {
		return nil, types.Errorf(types.CodeBufferOverflow,
			"frame payload %d exceeds limit %d", hdr.Length, maxPayload)
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, types.Errorf(types.CodeInvalidFrame, "read frame payload: %w", err)
	}
	return &types.Frame{Header: hdr, Payload: payload}, nil
}

// IsFrame reports whether data plausibly starts with a binary frame
// rather than a JSON envelope. The frame version byte is never '{'.
// Classification looks only at the leading byte, so a truncated frame
// still routes to Decode and fails as INVALID_FRAME there.
func IsFrame(data []byte) bool {
	return len(data) > 0 && data[0] == types.FrameVersion
}
