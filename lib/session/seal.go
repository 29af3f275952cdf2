package session

import (
	"crypto/cipher"
	"encoding/binary"

	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/go-i2p/go-hopwire/lib/wire"
)

var (
	ErrSealFailed = oops.Errorf("session: payload authentication failed")
	ErrNoSealer   = oops.Errorf("session: no session key established")
)

// sealer encrypts packet payloads with ChaCha20-Poly1305 under the derived
// session key. The nonce is built from header fields both sides already
// agree on, so it never travels separately; uniqueness follows from the
// monotonic per-sender sequence.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(sessionKey []byte) (*sealer, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, oops.Errorf("session: creating AEAD: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// sealNonce packs (header nonce, sequence) into the 12-byte AEAD nonce.
func sealNonce(h *wire.Header) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[0:4], h.Nonce)
	binary.BigEndian.PutUint64(nonce[4:12], h.Sequence^h.SessionID)
	return nonce
}

// Seal encrypts plaintext bound to its header. The header's type, session id
// and sequence are authenticated as associated data, so a payload cannot be
// replayed under a different header.
func (s *sealer) Seal(h *wire.Header, plaintext []byte) []byte {
	nonce := sealNonce(h)
	aad := sealAAD(h)
	return s.aead.Seal(nil, nonce[:], plaintext, aad[:])
}

// Open decrypts and authenticates a sealed payload.
func (s *sealer) Open(h *wire.Header, ciphertext []byte) ([]byte, error) {
	nonce := sealNonce(h)
	aad := sealAAD(h)
	plaintext, err := s.aead.Open(nil, nonce[:], ciphertext, aad[:])
	if err != nil {
		return nil, ErrSealFailed
	}
	return plaintext, nil
}

// sealAAD binds the fields that must not be transplanted between packets.
func sealAAD(h *wire.Header) [18]byte {
	var aad [18]byte
	aad[0] = h.Version
	aad[1] = byte(h.Type)
	binary.BigEndian.PutUint64(aad[2:10], h.SessionID)
	binary.BigEndian.PutUint64(aad[10:18], h.Sequence)
	return aad
}
