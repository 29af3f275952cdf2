// Package psk resolves the pre-shared keys mixed into session key derivation.
// A SYN names the key it intends to use by fingerprint only; the key itself
// never crosses the wire.
package psk

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/go-i2p/go-hopwire/lib/wire"
)

var log = logger.GetGoI2PLogger()

const (
	// MinKeyLen rejects keys too short to contribute meaningful entropy.
	MinKeyLen = 16

	// GeneratedKeyLen is the size of keys minted by Generate.
	GeneratedKeyLen = 32
)

var (
	ErrUnknownKey  = oops.Errorf("psk: no key matches")
	ErrKeyTooShort = oops.Errorf("psk: key shorter than %d bytes", MinKeyLen)
	ErrNoKeys      = oops.Errorf("psk: key file holds no keys")
)

// Provider resolves pre-shared keys. The initiator selects by name, the
// responder by the fingerprint carried in the SYN.
type Provider interface {
	ByName(name string) ([]byte, error)
	ByFingerprint(fp [wire.FingerprintLen]byte) ([]byte, error)
}

// Fingerprint identifies a key on the wire: the leading bytes of its SHA-256.
func Fingerprint(key []byte) [wire.FingerprintLen]byte {
	sum := sha256.Sum256(key)
	var fp [wire.FingerprintLen]byte
	copy(fp[:], sum[:wire.FingerprintLen])
	return fp
}

// Generate mints a fresh random key, hex-encoded for a key file.
func Generate() (string, error) {
	key := make([]byte, GeneratedKeyLen)
	if _, err := rand.Read(key); err != nil {
		return "", oops.Errorf("psk: generating key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Static is a single-key Provider.
type Static struct {
	key []byte
	fp  [wire.FingerprintLen]byte
}

// NewStatic wraps one key.
func NewStatic(key []byte) (*Static, error) {
	if len(key) < MinKeyLen {
		return nil, ErrKeyTooShort
	}
	return &Static{key: key, fp: Fingerprint(key)}, nil
}

func (s *Static) ByName(string) ([]byte, error) { return s.key, nil }

func (s *Static) ByFingerprint(fp [wire.FingerprintLen]byte) ([]byte, error) {
	if fp != s.fp {
		return nil, ErrUnknownKey
	}
	return s.key, nil
}

// keyFile is the on-disk YAML layout: a flat map of peer name to hex key.
type keyFile struct {
	Keys map[string]string `yaml:"keys"`
}

// FileProvider serves keys loaded from a YAML key file.
type FileProvider struct {
	byName        map[string][]byte
	byFingerprint map[[wire.FingerprintLen]byte][]byte
}

// LoadFile parses a key file and indexes every key by name and fingerprint.
func LoadFile(path string) (*FileProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Errorf("psk: reading key file %s: %w", path, err)
	}
	return parse(raw)
}

func parse(raw []byte) (*FileProvider, error) {
	var kf keyFile
	if err := yaml.Unmarshal(raw, &kf); err != nil {
		return nil, oops.Errorf("psk: parsing key file: %w", err)
	}
	if len(kf.Keys) == 0 {
		return nil, ErrNoKeys
	}
	p := &FileProvider{
		byName:        make(map[string][]byte, len(kf.Keys)),
		byFingerprint: make(map[[wire.FingerprintLen]byte][]byte, len(kf.Keys)),
	}
	for name, encoded := range kf.Keys {
		key, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, oops.Errorf("psk: key %q is not valid hex: %w", name, err)
		}
		if len(key) < MinKeyLen {
			return nil, oops.Errorf("psk: key %q: %w", name, ErrKeyTooShort)
		}
		p.byName[name] = key
		p.byFingerprint[Fingerprint(key)] = key
	}
	log.WithField("keys", len(p.byName)).Debug("Loaded pre-shared key file")
	return p, nil
}

func (p *FileProvider) ByName(name string) ([]byte, error) {
	key, ok := p.byName[name]
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

func (p *FileProvider) ByFingerprint(fp [wire.FingerprintLen]byte) ([]byte, error) {
	key, ok := p.byFingerprint[fp]
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

// Names lists the configured key names.
func (p *FileProvider) Names() []string {
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	return names
}
