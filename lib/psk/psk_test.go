package psk

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	key := []byte("sixteen byte key")
	assert.Equal(t, Fingerprint(key), Fingerprint(key))
	assert.NotEqual(t, Fingerprint(key), Fingerprint([]byte("another 16b key!")))
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	decoded, err := hex.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, decoded, GeneratedKeyLen)
}

func TestStaticProvider(t *testing.T) {
	key := []byte("sixteen byte key")
	p, err := NewStatic(key)
	require.NoError(t, err)

	got, err := p.ByFingerprint(Fingerprint(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = p.ByFingerprint(Fingerprint([]byte("another 16b key!")))
	assert.ErrorIs(t, err, ErrUnknownKey)

	_, err = NewStatic([]byte("short"))
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

func TestLoadFile(t *testing.T) {
	keyA, err := Generate()
	require.NoError(t, err)
	keyB, err := Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys.yaml")
	content := "keys:\n  peer-a: " + keyA + "\n  peer-b: " + keyB + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"peer-a", "peer-b"}, p.Names())

	raw, err := hex.DecodeString(keyA)
	require.NoError(t, err)

	byName, err := p.ByName("peer-a")
	require.NoError(t, err)
	assert.Equal(t, raw, byName)

	byFp, err := p.ByFingerprint(Fingerprint(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, byFp)

	_, err = p.ByName("peer-c")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestParseRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no keys", "keys: {}\n"},
		{"not hex", "keys:\n  peer-a: zzzz\n"},
		{"too short", "keys:\n  peer-a: 00ff\n"},
		{"not yaml", "keys: [broken"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
