package kdf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"go.step.sm/crypto/x25519"
	"golang.org/x/crypto/pbkdf2"
)

var log = logger.GetGoI2PLogger()

const (
	// SecretLen is the required length of the input shared secret (an
	// X25519 shared key or a resolved PSK).
	SecretLen = 32

	// SessionKeyLen is the length of the derived session key.
	SessionKeyLen = 32

	// SeedLen is the length of the derived port-hop and time-offset seeds.
	SeedLen = 32

	// Iterations is the PBKDF2 iteration count. Both peers must use the
	// same value or they derive different material.
	Iterations = 4096
)

// Context labels distinguishing the derivation domains. The initial handshake
// and every rekey use different labels so a rekey never reproduces old
// material even from an identical shared secret.
const (
	ContextHandshake = "init_v1"
	ContextRekey     = "rekey_v1"
)

// Per-purpose salts. Domain separation: the three outputs are independent
// PBKDF2 expansions of the same secret.
var (
	saltSessionKey     = []byte("hopwire session key")
	saltPortHopSeed    = []byte("hopwire port hop seed")
	saltTimeOffsetSeed = []byte("hopwire time offset seed")
)

var (
	ErrInvalidSecret     = oops.Errorf("kdf: shared secret must be %d bytes", SecretLen)
	ErrKeyExchangeFailed = oops.Errorf("kdf: key exchange failed")
)

// Material holds the per-session derived secrets. The owner must call Zero
// when the material is rotated out or the session is destroyed.
type Material struct {
	SessionKey     []byte
	PortHopSeed    []byte
	TimeOffsetSeed []byte
}

// Derive expands a 32-byte shared secret into session key, port-hop seed and
// time-offset seed. Deterministic: both peers derive identical material from
// identical (secret, contextLabel) inputs.
func Derive(sharedSecret []byte, contextLabel string) (*Material, error) {
	if len(sharedSecret) != SecretLen {
		return nil, ErrInvalidSecret
	}
	if contextLabel == "" {
		return nil, oops.Errorf("kdf: empty context label")
	}
	log.WithField("context", contextLabel).Debug("Deriving session material")
	m := &Material{
		SessionKey:     expand(sharedSecret, contextLabel, saltSessionKey, SessionKeyLen),
		PortHopSeed:    expand(sharedSecret, contextLabel, saltPortHopSeed, SeedLen),
		TimeOffsetSeed: expand(sharedSecret, contextLabel, saltTimeOffsetSeed, SeedLen),
	}
	return m, nil
}

func expand(secret []byte, contextLabel string, purpose []byte, n int) []byte {
	salt := make([]byte, 0, len(purpose)+1+len(contextLabel))
	salt = append(salt, purpose...)
	salt = append(salt, 0x00)
	salt = append(salt, contextLabel...)
	return pbkdf2.Key(secret, salt, Iterations, n, sha256.New)
}

// Zero erases all derived material in place. Safe to call more than once.
func (m *Material) Zero() {
	if m == nil {
		return
	}
	Wipe(m.SessionKey)
	Wipe(m.PortHopSeed)
	Wipe(m.TimeOffsetSeed)
}

// Wipe overwrites b with zeros. The indirection through a package function
// gives tests a single place to verify that secure erasure actually ran.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateEphemeralKeyPair creates a fresh X25519 keypair for a handshake or
// rekey attempt. A new pair is generated for every attempt; the private key
// must be wiped as soon as the shared secret is derived or the attempt is
// abandoned.
func GenerateEphemeralKeyPair() (x25519.PublicKey, x25519.PrivateKey, error) {
	pub, priv, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, oops.Errorf("kdf: failed to generate ephemeral keypair: %w", err)
	}
	return pub, priv, nil
}

// SharedSecret performs the X25519 exchange against the peer's public key.
// A malformed or low-order peer key yields ErrKeyExchangeFailed; the caller
// retries the handshake, the session itself is unaffected.
func SharedSecret(priv x25519.PrivateKey, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != x25519.PublicKeySize {
		return nil, ErrKeyExchangeFailed
	}
	shared, err := priv.SharedKey(peerPublic)
	if err != nil {
		log.WithError(err).Warn("X25519 exchange rejected peer public key")
		return nil, ErrKeyExchangeFailed
	}
	return shared, nil
}

// MixPreSharedKey binds a resolved PSK into an ECDH shared secret so that an
// attacker must know both to derive session material. With a nil PSK the
// ECDH secret passes through unchanged.
func MixPreSharedKey(ecdhSecret, psk []byte) []byte {
	if len(psk) == 0 {
		return ecdhSecret
	}
	mac := hmac.New(sha256.New, psk)
	mac.Write(ecdhSecret)
	return mac.Sum(nil)
}

// ConfirmationHash computes the keyed confirmation over the given parts,
// in order, separated by their lengths. Used to validate handshake, repair
// and rekey exchanges before any derived state is trusted.
func ConfirmationHash(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	var lenBuf [2]byte
	for _, p := range parts {
		lenBuf[0] = byte(len(p) >> 8)
		lenBuf[1] = byte(len(p))
		mac.Write(lenBuf[:])
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// VerifyConfirmation checks a received confirmation hash in constant time.
func VerifyConfirmation(key, received []byte, parts ...[]byte) bool {
	expected := ConfirmationHash(key, parts...)
	return subtle.ConstantTimeCompare(expected, received) == 1
}
