// Package compress implements threshold-gated payload compression for
// the data plane. The algorithm travels in the frame flag selector
// bits, so new codecs can be added without touching the header layout.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// Algorithm selects a codec.
type Algorithm string

const (
	None Algorithm = "none"
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
)

// Flag returns the frame flag bit announcing the algorithm.
func (a Algorithm) Flag() types.FrameFlags {
	switch a {
	case Gzip:
		return types.FlagCompressedGzip
	case Zstd:
		return types.FlagCompressedZstd
	}
	return 0
}

// Manager compresses payloads above a size threshold and decompresses
// inbound payloads according to their frame flags. Safe for concurrent
// use.
type Manager struct {
	algorithm Algorithm
	threshold int
	maxSize   int

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewManager creates a manager using algorithm for outbound payloads
// larger than threshold bytes. maxSize caps decompressed output to
// bound decompression bombs.
func NewManager(algorithm Algorithm, threshold, maxSize int) (*Manager, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max decompressed size must be positive, got %d", maxSize)
	}
	m := &Manager{algorithm: algorithm, threshold: threshold, maxSize: maxSize}

	var err error
	m.zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	// The decoder memory limit makes oversized streams fail before any
	// output is materialized, not after.
	m.zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(maxSize)))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return m, nil
}

// Algorithm returns the configured outbound algorithm.
func (m *Manager) Algorithm() Algorithm { return m.algorithm }

// MaybeCompress compresses payload when it exceeds the threshold,
// returning the (possibly untouched) payload and the flag bit to set on
// the carrying frame. Payloads at or below the threshold, and payloads
// that a codec fails to shrink, pass through with no flag.
func (m *Manager) MaybeCompress(payload []byte) ([]byte, types.FrameFlags, error) {
	if m.algorithm == None || len(payload) <= m.threshold {
		return payload, 0, nil
	}

	compressed, err := m.compress(payload)
	if err != nil {
		return nil, 0, types.Errorf(types.CodeCompressionFailed, "compress %d bytes: %w", len(payload), err)
	}
	if len(compressed) >= len(payload) {
		// Incompressible data: send as-is.
		return payload, 0, nil
	}
	return compressed, m.algorithm.Flag(), nil
}

// Decompress reverses MaybeCompress, dispatching on the selector bits
// of flags. A payload with no compression bits passes through.
func (m *Manager) Decompress(payload []byte, flags types.FrameFlags) ([]byte, error) {
	gz := flags.Has(types.FlagCompressedGzip)
	zs := flags.Has(types.FlagCompressedZstd)

	switch {
	case gz && zs:
		return nil, types.NewError(types.CodeCompressionFailed, "multiple compression selectors set")
	case gz:
		return m.decompressGzip(payload)
	case zs:
		return m.decompressZstd(payload)
	default:
		return payload, nil
	}
}

func (m *Manager) compress(payload []byte) ([]byte, error) {
	switch m.algorithm {
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		return m.zstdEnc.EncodeAll(payload, nil), nil
	}
	return nil, fmt.Errorf("unknown algorithm %q", m.algorithm)
}

func (m *Manager) decompressGzip(payload []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, types.Errorf(types.CodeCompressionFailed, "open gzip stream: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(m.maxSize)+1))
	if err != nil {
		return nil, types.Errorf(types.CodeCompressionFailed, "inflate gzip stream: %w", err)
	}
	if len(out) > m.maxSize {
		return nil, types.Errorf(types.CodeBufferOverflow, "decompressed payload exceeds %d bytes", m.maxSize)
	}
	return out, nil
}

func (m *Manager) decompressZstd(payload []byte) ([]byte, error) {
	out, err := m.zstdDec.DecodeAll(payload, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, types.Errorf(types.CodeBufferOverflow, "decompressed payload exceeds %d bytes", m.maxSize)
		}
		return nil, types.Errorf(types.CodeCompressionFailed, "decode zstd frame: %w", err)
	}
	if len(out) > m.maxSize {
		return nil, types.Errorf(types.CodeBufferOverflow, "decompressed payload exceeds %d bytes", m.maxSize)
	}
	return out, nil
}
