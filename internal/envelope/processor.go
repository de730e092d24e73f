// Package envelope implements the control-plane message codec:
// canonical JSON serialization, validation, and content hashing.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// Distinct validation failures. All are classified INVALID_ENVELOPE in
// the wire taxonomy but remain individually matchable with errors.Is.
var (
	ErrMalformed          = errors.New("malformed envelope text")
	ErrMissingField       = errors.New("missing required field")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// Processor serializes, validates, and hashes envelopes.
//
// Serialization is canonical: struct fields are emitted in declaration
// order and encoding/json sorts map keys, so two equal envelopes always
// produce identical bytes. Hash and any signature scheme depend on
// this.
type Processor struct {
	supportedVersions map[string]struct{}
}

// NewProcessor returns a processor accepting the current protocol
// version.
func NewProcessor() *Processor {
	return &Processor{
		supportedVersions: map[string]struct{}{
			types.ProtocolVersion: {},
		},
	}
}

// SupportVersion adds a protocol version to the accepted set.
func (p *Processor) SupportVersion(version string) {
	p.supportedVersions[version] = struct{}{}
}

// Serialize validates e and renders its canonical JSON form.
func (p *Processor) Serialize(e *types.Envelope) ([]byte, error) {
	if err := p.Validate(e); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, types.Errorf(types.CodeSerializationFailed, "marshal envelope: %w", err)
	}
	return data, nil
}

// Deserialize parses and validates an envelope from its JSON form.
func (p *Processor) Deserialize(data []byte) (*types.Envelope, error) {
	var e types.Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, types.Errorf(types.CodeSerializationFailed, "%w: %w", ErrMalformed, err)
	}
	if err := p.Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks required fields, the operation, the version, and the
// payload hint. Absent optional fields are fine; present-but-invalid
// ones are not.
func (p *Processor) Validate(e *types.Envelope) error {
	if e == nil {
		return types.Errorf(types.CodeInvalidEnvelope, "%w: nil envelope", ErrMissingField)
	}
	for _, f := range []struct{ name, value string }{
		{"version", e.Version},
		{"message_id", e.MessageID},
		{"timestamp", e.Timestamp},
		{"from", e.From},
		{"to", e.To},
	} {
		if f.value == "" {
			return types.Errorf(types.CodeInvalidEnvelope, "%w: %s", ErrMissingField, f.name)
		}
	}
	if !e.Operation.Valid() {
		return types.Errorf(types.CodeInvalidEnvelope, "%w: %q", ErrUnknownOperation, e.Operation)
	}
	if _, ok := p.supportedVersions[e.Version]; !ok {
		return types.Errorf(types.CodeInvalidEnvelope, "%w: %q", ErrUnsupportedVersion, e.Version)
	}
	if _, err := time.Parse(types.TimestampFormat, e.Timestamp); err != nil {
		return types.Errorf(types.CodeInvalidEnvelope, "%w: timestamp %q", ErrMalformed, e.Timestamp)
	}
	if e.PayloadHint != nil && !e.PayloadHint.Type.Valid() {
		return types.Errorf(types.CodeInvalidEnvelope, "%w: payload hint type %q", ErrMalformed, e.PayloadHint.Type)
	}
	return nil
}

// Hash computes the SHA-256 digest of the canonical serialized form.
// Used for audit and integrity checks, not secrecy.
func (p *Processor) Hash(e *types.Envelope) ([sha256.Size]byte, error) {
	data, err := p.Serialize(e)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// HashString returns the hex form of Hash.
func (p *Processor) HashString(e *types.Envelope) (string, error) {
	sum, err := p.Hash(e)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two envelopes serialize identically.
func (p *Processor) Equal(a, b *types.Envelope) (bool, error) {
	da, err := p.Serialize(a)
	if err != nil {
		return false, fmt.Errorf("serialize first envelope: %w", err)
	}
	db, err := p.Serialize(b)
	if err != nil {
		return false, fmt.Errorf("serialize second envelope: %w", err)
	}
	return string(da) == string(db), nil
}
