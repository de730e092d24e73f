// Package security tracks per-connection authentication state and
// transforms payloads in flight: AEAD encryption for confidentiality
// and integrity, Ed25519 signatures for provenance. Transport TLS
// protects the channel; message signing protects provenance even across
// relays.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// Cipher selects the AEAD construction for payload encryption. A
// non-authenticated cipher is not an option here.
type Cipher string

const (
	ChaCha20Poly1305 Cipher = "chacha20poly1305"
	AES256GCM        Cipher = "aes256gcm"
)

// SessionKeySize is the symmetric key length for both ciphers.
const SessionKeySize = 32

// MaxSealOverhead is the worst-case growth of EncryptPayload over the
// plaintext: the prefixed nonce plus the AEAD tag. Identical for both
// ciphers (12-byte nonce, 16-byte tag).
const MaxSealOverhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// Manager owns one SecurityContext per connection. It decides from the
// session configuration whether outbound messages are signed and/or
// encrypted, and verifies/decrypts inbound messages before they reach
// envelope decoding.
type Manager struct {
	mu sync.Mutex

	cfg    types.UMICPConfig
	cipher Cipher
	ctx    *types.SecurityContext

	aead       cipher.AEAD
	signingKey ed25519.PrivateKey
	peerPubKey ed25519.PublicKey
}

// NewManager creates a manager for the given local participant.
func NewManager(localID string, cfg types.UMICPConfig, c Cipher) *Manager {
	if c == "" {
		c = ChaCha20Poly1305
	}
	return &Manager{
		cfg:    cfg,
		cipher: c,
		ctx:    &types.SecurityContext{LocalID: localID},
	}
}

// GenerateSigningKey creates a fresh Ed25519 key pair and returns the
// public half for distribution to peers.
func (m *Manager) GenerateSigningKey() (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, types.Errorf(types.CodeAuthenticationFailed, "generate signing key: %w", err)
	}
	m.mu.Lock()
	m.signingKey = priv
	m.ctx.SigningKey = priv.Seed()
	m.mu.Unlock()
	return pub, nil
}

// SetSigningKey installs an externally supplied Ed25519 private key,
// e.g. from an identity utility outside this core.
func (m *Manager) SetSigningKey(key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return types.Errorf(types.CodeAuthenticationFailed,
			"signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	m.mu.Lock()
	m.signingKey = key
	m.ctx.SigningKey = key.Seed()
	m.mu.Unlock()
	return nil
}

// SetPeerPublicKey installs the peer's Ed25519 public key for
// signature verification.
func (m *Manager) SetPeerPublicKey(key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return types.Errorf(types.CodeAuthenticationFailed,
			"peer public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	m.mu.Lock()
	m.peerPubKey = key
	m.ctx.PeerPublicKey = append([]byte(nil), key...)
	m.mu.Unlock()
	return nil
}

// StartSession derives a session key from sharedSecret (obtained out of
// band or from a key exchange) and marks the context authenticated.
// The derivation binds both participant identities so the same secret
// yields distinct keys for distinct peer pairs.
func (m *Manager) StartSession(remoteID string, sharedSecret []byte) error {
	if len(sharedSecret) == 0 {
		return types.NewError(types.CodeAuthenticationFailed, "empty shared secret")
	}

	key, err := deriveSessionKey(sharedSecret, m.ctx.LocalID, remoteID)
	if err != nil {
		return err
	}
	aead, err := newAEAD(m.cipher, key)
	if err != nil {
		return err
	}

	sessionID := make([]byte, 16)
	if _, err := rand.Read(sessionID); err != nil {
		return types.Errorf(types.CodeAuthenticationFailed, "generate session id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.aead = aead
	m.ctx.RemoteID = remoteID
	m.ctx.EncryptionKey = key
	m.ctx.Authenticated = true
	m.ctx.SessionID = hex.EncodeToString(sessionID)
	return nil
}

// CloseSession wipes the context. The manager can be reused for a new
// connection by calling StartSession again.
func (m *Manager) CloseSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Wipe()
	m.ctx.RemoteID = ""
	m.aead = nil
}

// Authenticated reports whether a session is established.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.Authenticated
}

// Context returns a snapshot of the security context without key
// material.
func (m *Manager) Context() types.SecurityContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.SecurityContext{
		LocalID:       m.ctx.LocalID,
		RemoteID:      m.ctx.RemoteID,
		Authenticated: m.ctx.Authenticated,
		SessionID:     m.ctx.SessionID,
	}
}

// ShouldEncrypt reports whether outbound payloads must be sealed.
func (m *Manager) ShouldEncrypt() bool { return m.cfg.RequireEncryption }

// ShouldSign reports whether outbound envelopes must be signed.
func (m *Manager) ShouldSign() bool { return m.cfg.RequireAuth }

// EncryptPayload seals plaintext with the session AEAD. The random
// nonce is prefixed to the ciphertext. Returns the flag bit to set on
// the carrying frame.
func (m *Manager) EncryptPayload(plaintext []byte) ([]byte, types.FrameFlags, error) {
	m.mu.Lock()
	aead := m.aead
	m.mu.Unlock()
	if aead == nil {
		return nil, 0, types.NewError(types.CodeAuthenticationFailed, "no session established")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, 0, types.Errorf(types.CodeAuthenticationFailed, "generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), types.FlagEncrypted, nil
}

// DecryptPayload opens a nonce-prefixed ciphertext produced by
// EncryptPayload (or a compatible peer).
func (m *Manager) DecryptPayload(ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	aead := m.aead
	m.mu.Unlock()
	if aead == nil {
		return nil, types.NewError(types.CodeAuthenticationFailed, "no session established")
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, types.NewError(types.CodeDecryptionFailed, "ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, types.Errorf(types.CodeDecryptionFailed, "open payload: %w", err)
	}
	return plaintext, nil
}

// Sign produces a detached Ed25519 signature over data (typically the
// canonical envelope hash).
func (m *Manager) Sign(data []byte) ([]byte, error) {
	m.mu.Lock()
	key := m.signingKey
	m.mu.Unlock()
	if key == nil {
		return nil, types.NewError(types.CodeAuthenticationFailed, "no signing key configured")
	}
	return ed25519.Sign(key, data), nil
}

// Verify checks a detached signature against the peer's public key.
func (m *Manager) Verify(data, signature []byte) error {
	m.mu.Lock()
	pub := m.peerPubKey
	m.mu.Unlock()
	if pub == nil {
		return types.NewError(types.CodeAuthenticationFailed, "no peer public key configured")
	}
	if !ed25519.Verify(pub, data, signature) {
		return types.NewError(types.CodeAuthenticationFailed, "signature verification failed")
	}
	return nil
}

// deriveSessionKey runs HKDF-SHA256 over the shared secret, binding the
// two participant identities in a direction-independent order.
func deriveSessionKey(secret []byte, localID, remoteID string) ([]byte, error) {
	ids := []string{localID, remoteID}
	sort.Strings(ids)
	info := []byte("umicp session v1|" + ids[0] + "|" + ids[1])

	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, types.Errorf(types.CodeAuthenticationFailed, "derive session key: %w", err)
	}
	return key, nil
}

func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	switch c {
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, types.Errorf(types.CodeAuthenticationFailed, "create AEAD: %w", err)
		}
		return aead, nil
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, types.Errorf(types.CodeAuthenticationFailed, "create cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, types.Errorf(types.CodeAuthenticationFailed, "create GCM: %w", err)
		}
		return aead, nil
	}
	return nil, types.Errorf(types.CodeAuthenticationFailed, "unknown cipher %q", c)
}
