package session

import (
	"encoding/binary"
	"net"

	"github.com/samber/oops"

	"github.com/go-i2p/go-hopwire/lib/kdf"
	"github.com/go-i2p/go-hopwire/lib/psk"
	"github.com/go-i2p/go-hopwire/lib/transport"
	"github.com/go-i2p/go-hopwire/lib/wire"
)

var handshakeConfirmLabel = []byte("hopwire handshake confirm")

var ErrHandshakeFailed = oops.Errorf("session: handshake failed")

// handshakeConfirm proves both sides derived the same mixed secret. The
// responder's ephemeral key is included so a confirmation cannot be spliced
// onto a different exchange; the secret itself already binds the initiator's.
func handshakeConfirm(mixed []byte, sessionID uint64, responderPub []byte) []byte {
	var sid [8]byte
	binary.BigEndian.PutUint64(sid[:], sessionID)
	return kdf.ConfirmationHash(mixed, handshakeConfirmLabel, sid[:], responderPub)
}

// beginHandshake binds the initiator's contact socket and sends the first
// SYN. Callers hold s.mu.
func (s *Session) beginHandshake() error {
	if err := s.binder.BindPorts([]int{0}); err != nil {
		return err
	}
	ports := s.binder.BoundPorts()
	if len(ports) == 0 {
		return oops.Errorf("session: no handshake socket bound")
	}
	s.handshakePort = ports[0]
	s.localEndpoint = endpointFor(s.cfg.AdvertiseIP, s.handshakePort)
	s.state = StateHandshaking
	return s.sendSYN()
}

// sendSYN generates a fresh ephemeral pair (every attempt, never reused) and
// transmits the SYN. Callers hold s.mu.
func (s *Session) sendSYN() error {
	if s.handshakePriv != nil {
		kdf.Wipe(s.handshakePriv)
	}
	pub, priv, err := kdf.GenerateEphemeralKeyPair()
	if err != nil {
		return err
	}
	s.handshakePriv = priv

	syn := &wire.SYN{}
	copy(syn.EphemeralKey[:], pub)
	if len(s.cfg.PSK) > 0 {
		syn.PSKFingerprint = psk.Fingerprint(s.cfg.PSK)
	}
	h := s.nextHeader(wire.PacketSYN, 0)
	if err := s.transmitTo(h, syn.Encode(), s.cfg.PeerContact); err != nil {
		return err
	}
	s.handshakeAttempts++
	s.scheduleHandshakeTimeout()
	log.WithFields(map[string]interface{}{
		"session": s.id,
		"attempt": s.handshakeAttempts,
	}).Debug("Sent handshake SYN")
	return nil
}

// scheduleHandshakeTimeout arms the SYN retry timer. Callers hold s.mu.
func (s *Session) scheduleHandshakeTimeout() {
	deadline := s.clock.ElapsedMillis() + handshakeTimeout.Milliseconds()
	s.handshakeTok = s.timers.schedule(deadline, func(int64) {
		if s.state != StateHandshaking {
			return
		}
		if s.handshakeAttempts >= maxHandshakeAttempts {
			log.WithField("session", s.id).Warn("Handshake exhausted retries, session failed")
			s.state = StateFailed
			return
		}
		if err := s.sendSYN(); err != nil {
			log.WithError(err).Warn("Handshake retry failed")
			s.state = StateFailed
		}
	})
}

// handleHandshakeDatagram processes inbound traffic while HANDSHAKING: the
// initiator accepts only a SYN-ACK for its session id. Callers hold s.mu.
func (s *Session) handleHandshakeDatagram(dg transport.Datagram) {
	hdr, err := wire.DecodeHeader(dg.Data, nil)
	if err != nil {
		return
	}
	if hdr.Type != wire.PacketSYNACK || hdr.SessionID != s.id {
		return
	}
	end := wire.HeaderSize + int(hdr.PayloadLen)
	if end > len(dg.Data) {
		return
	}
	ack, err := wire.DecodeSYNACK(dg.Data[wire.HeaderSize:end])
	if err != nil {
		return
	}
	s.completeHandshake(ack)
}

// completeHandshake is the initiator's key confirmation: derive the shared
// secret, check the responder's confirmation before trusting anything, then
// derive session material and establish. Callers hold s.mu.
func (s *Session) completeHandshake(ack *wire.SYNACK) {
	shared, err := kdf.SharedSecret(s.handshakePriv, ack.EphemeralKey[:])
	if err != nil {
		// Malformed peer key fails this attempt; the retry timer drives
		// the next one with a fresh pair.
		log.WithError(err).Warn("Handshake key exchange failed")
		return
	}
	mixed := kdf.MixPreSharedKey(shared, s.cfg.PSK)
	if !kdf.VerifyConfirmation(mixed, ack.Confirm[:], handshakeConfirmLabel, sessionIDBytes(s.id), ack.EphemeralKey[:]) {
		kdf.Wipe(shared)
		kdf.Wipe(mixed)
		log.WithField("session", s.id).Warn("Handshake confirmation mismatch")
		return
	}
	material, err := kdf.Derive(mixed, kdf.ContextHandshake)
	kdf.Wipe(shared)
	kdf.Wipe(mixed)
	if err != nil {
		log.WithError(err).Error("Handshake derivation failed")
		return
	}
	kdf.Wipe(s.handshakePriv)
	s.handshakePriv = nil
	s.timers.cancel(s.handshakeTok)

	if err := s.establish(material); err != nil {
		log.WithError(err).Error("Failed to establish session")
		material.Zero()
		s.state = StateFailed
		return
	}
	s.releaseHandshakePort()
}

// releaseHandshakePort unbinds the pre-schedule contact socket unless the
// schedule happens to include the same port. Callers hold s.mu.
func (s *Session) releaseHandshakePort() {
	for _, p := range s.boundPorts {
		if int(p) == s.handshakePort {
			return
		}
	}
	s.binder.UnbindPorts([]int{s.handshakePort})
}

func sessionIDBytes(id uint64) []byte {
	var sid [8]byte
	binary.BigEndian.PutUint64(sid[:], id)
	return sid[:]
}

// NewResponder answers a SYN observed on the contact socket: it resolves the
// named PSK, performs its half of the exchange, establishes immediately and
// sends the SYN-ACK back to the observed source address. The returned session
// still needs Start.
func NewResponder(cfg Config, keys psk.Provider, hdr *wire.Header, syn *wire.SYN, from *net.UDPAddr) (*Session, error) {
	var resolved []byte
	if syn.PSKFingerprint != ([wire.FingerprintLen]byte{}) {
		if keys == nil {
			return nil, oops.Errorf("session: SYN names a PSK but no key provider configured: %w", ErrHandshakeFailed)
		}
		key, err := keys.ByFingerprint(syn.PSKFingerprint)
		if err != nil {
			return nil, oops.Errorf("session: resolving PSK: %w", err)
		}
		resolved = key
	}
	cfg.PSK = resolved

	s := newSession(cfg, hdr.SessionID, false)
	s.peerIP = from.IP
	s.peerEndpoint = from.String()
	s.localEndpoint = endpointFor(cfg.AdvertiseIP, cfg.ContactPort)

	pub, priv, err := kdf.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := kdf.SharedSecret(priv, syn.EphemeralKey[:])
	kdf.Wipe(priv)
	if err != nil {
		return nil, err
	}
	mixed := kdf.MixPreSharedKey(shared, resolved)
	confirm := handshakeConfirm(mixed, s.id, pub)
	material, err := kdf.Derive(mixed, kdf.ContextHandshake)
	kdf.Wipe(shared)
	kdf.Wipe(mixed)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.establish(material); err != nil {
		material.Zero()
		s.binder.Close()
		return nil, err
	}
	ack := &wire.SYNACK{}
	copy(ack.EphemeralKey[:], pub)
	copy(ack.Confirm[:], confirm)
	h := s.nextHeader(wire.PacketSYNACK, 0)
	if err := s.transmitTo(h, ack.Encode(), from); err != nil {
		s.material.Zero()
		s.binder.Close()
		return nil, err
	}
	return s, nil
}

// transmitTo sends an unauthenticated pre-key packet to an explicit address.
// Callers hold s.mu.
func (s *Session) transmitTo(h *wire.Header, payload []byte, addr *net.UDPAddr) error {
	h.PayloadLen = uint16(len(payload))
	hdr := wire.EncodeHeader(h, nil, payload)
	pkt := make([]byte, 0, len(hdr)+len(payload))
	pkt = append(pkt, hdr[:]...)
	pkt = append(pkt, payload...)
	return s.binder.SendAny(addr, pkt)
}
