package kdf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret() []byte {
	secret := make([]byte, SecretLen)
	for i := range secret {
		secret[i] = byte(i * 7)
	}
	return secret
}

// Both simulated peers derive identical material from the same shared secret
// and the "init_v1" context label.
func TestDeriveDeterministic(t *testing.T) {
	a, err := Derive(testSecret(), ContextHandshake)
	require.NoError(t, err)
	b, err := Derive(testSecret(), ContextHandshake)
	require.NoError(t, err)

	assert.Equal(t, a.SessionKey, b.SessionKey)
	assert.Equal(t, a.PortHopSeed, b.PortHopSeed)
	assert.Equal(t, a.TimeOffsetSeed, b.TimeOffsetSeed)

	assert.Len(t, a.SessionKey, SessionKeyLen)
	assert.Len(t, a.PortHopSeed, SeedLen)
	assert.Len(t, a.TimeOffsetSeed, SeedLen)
}

func TestDeriveOutputsIndependent(t *testing.T) {
	m, err := Derive(testSecret(), ContextHandshake)
	require.NoError(t, err)
	assert.NotEqual(t, m.SessionKey, m.PortHopSeed)
	assert.NotEqual(t, m.SessionKey, m.TimeOffsetSeed)
	assert.NotEqual(t, m.PortHopSeed, m.TimeOffsetSeed)
}

// A rekey context must never reproduce handshake material.
func TestDeriveContextSeparation(t *testing.T) {
	initial, err := Derive(testSecret(), ContextHandshake)
	require.NoError(t, err)
	rekeyed, err := Derive(testSecret(), ContextRekey)
	require.NoError(t, err)
	assert.NotEqual(t, initial.SessionKey, rekeyed.SessionKey)
	assert.NotEqual(t, initial.PortHopSeed, rekeyed.PortHopSeed)
}

func TestDeriveRejectsBadInput(t *testing.T) {
	_, err := Derive(make([]byte, 16), ContextHandshake)
	assert.ErrorIs(t, err, ErrInvalidSecret)
	_, err = Derive(nil, ContextHandshake)
	assert.ErrorIs(t, err, ErrInvalidSecret)
	_, err = Derive(testSecret(), "")
	assert.Error(t, err)
}

func TestZeroErasesMaterial(t *testing.T) {
	m, err := Derive(testSecret(), ContextHandshake)
	require.NoError(t, err)
	key := m.SessionKey // retain the backing array
	m.Zero()
	assert.Equal(t, make([]byte, SessionKeyLen), key)
	assert.Equal(t, make([]byte, SeedLen), m.PortHopSeed)
	assert.Equal(t, make([]byte, SeedLen), m.TimeOffsetSeed)
	m.Zero() // idempotent
}

func TestKeyExchangeRoundTrip(t *testing.T) {
	pubA, privA, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	pubB, privB, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	sharedA, err := SharedSecret(privA, pubB)
	require.NoError(t, err)
	sharedB, err := SharedSecret(privB, pubA)
	require.NoError(t, err)
	assert.Equal(t, sharedA, sharedB)
	assert.Len(t, sharedA, SecretLen)
}

func TestSharedSecretRejectsMalformedKey(t *testing.T) {
	_, priv, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	_, err = SharedSecret(priv, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrKeyExchangeFailed)
}

func TestMixPreSharedKey(t *testing.T) {
	ecdh := testSecret()
	assert.True(t, bytes.Equal(ecdh, MixPreSharedKey(ecdh, nil)))

	psk := []byte("a resolved pre-shared key")
	mixed := MixPreSharedKey(ecdh, psk)
	assert.Len(t, mixed, SecretLen)
	assert.NotEqual(t, ecdh, mixed)
	// Deterministic for both peers.
	assert.Equal(t, mixed, MixPreSharedKey(ecdh, psk))
}

func TestConfirmationHash(t *testing.T) {
	key := testSecret()
	mac := ConfirmationHash(key, []byte("nonce"), []byte("sequence"))
	assert.True(t, VerifyConfirmation(key, mac, []byte("nonce"), []byte("sequence")))
	// Any reordering or boundary shift must fail.
	assert.False(t, VerifyConfirmation(key, mac, []byte("sequence"), []byte("nonce")))
	assert.False(t, VerifyConfirmation(key, mac, []byte("noncesequence")))
	assert.False(t, VerifyConfirmation([]byte("other key"), mac, []byte("nonce"), []byte("sequence")))
}
