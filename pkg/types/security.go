package types

// SecurityContext is the per-connection authentication state. It is
// created when a connection begins negotiation, mutated only by the
// security manager as authentication progresses, and destroyed when the
// connection closes. It never outlives one connection.
type SecurityContext struct {
	LocalID       string
	RemoteID      string
	Authenticated bool
	EncryptionKey []byte
	SigningKey    []byte
	PeerPublicKey []byte
	SessionID     string
}

// Wipe zeroes the key material. Called when the session closes so keys
// do not linger in memory longer than the connection.
func (s *SecurityContext) Wipe() {
	for _, key := range [][]byte{s.EncryptionKey, s.SigningKey, s.PeerPublicKey} {
		for i := range key {
			key[i] = 0
		}
	}
	s.EncryptionKey = nil
	s.SigningKey = nil
	s.PeerPublicKey = nil
	s.Authenticated = false
	s.SessionID = ""
}
