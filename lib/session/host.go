package session

import (
	"time"

	"github.com/go-i2p/go-hopwire/lib/kdf"
	"github.com/go-i2p/go-hopwire/lib/recovery"
	"github.com/go-i2p/go-hopwire/lib/wire"
)

// recoveryHost adapts the session to the recovery controller. Every method
// runs on the session event loop while s.mu is already held, so none of them
// take the session lock; none call back into the controller.
type recoveryHost struct {
	s *Session
}

func (h *recoveryHost) DriftDetected() bool {
	s := h.s
	if s.tsEngine.DetectDrift() {
		return true
	}
	silent := time.Duration(s.clock.ElapsedMillis()-s.lastHeartbeatRaw) * time.Millisecond
	return silent > s.cfg.HeartbeatTimeout
}

func (h *recoveryHost) SequenceFaultDetected() bool {
	return h.s.seqFault
}

func (h *recoveryHost) AuthFailureDetected() bool {
	return h.s.authFailures >= authFailureThreshold
}

func (h *recoveryHost) SendTimeSyncRequest() error {
	s := h.s
	req, err := s.tsEngine.InitiateSync()
	if err != nil {
		return err
	}
	hdr := s.nextHeader(wire.PacketControl, uint8(wire.ControlTimeSyncRequest))
	return s.transmitControl(hdr, req.Encode())
}

func (h *recoveryHost) SendRepairRequest(req *wire.RepairRequest) error {
	s := h.s
	hdr := s.nextHeader(wire.PacketManagement, uint8(wire.ManagementRepairRequest))
	return s.transmitControl(hdr, req.Encode())
}

func (h *recoveryHost) SendRekeyRequest(req *wire.RekeyRequest) error {
	s := h.s
	hdr := s.nextHeader(wire.PacketManagement, uint8(wire.ManagementRekeyRequest))
	return s.transmitControl(hdr, req.Encode())
}

func (h *recoveryHost) SendReset(reason wire.ResetReason) error {
	s := h.s
	hdr := s.nextHeader(wire.PacketReset, 0)
	return s.transmit(hdr, (&wire.Reset{Reason: reason}).Encode(), true)
}

func (h *recoveryHost) SessionID() uint64 {
	return h.s.id
}

func (h *recoveryHost) SessionKey() []byte {
	return h.s.material.SessionKey
}

// SequenceState reports our view of the peer's sequence: the repair exchange
// reconciles the receive counter, the peer answers with its send counter.
func (h *recoveryHost) SequenceState() (lastKnown, current uint64) {
	return h.s.lastKnownPeerSeq, h.s.peerSeq
}

func (h *recoveryHost) AdoptPeerSequence(seq uint64) {
	s := h.s
	s.peerSeq = seq
	s.lastKnownPeerSeq = seq
	s.seqFault = false
	s.dupRun = 0
	log.WithFields(map[string]interface{}{
		"session":  s.id,
		"sequence": seq,
	}).Debug("Adopted peer sequence after repair")
}

func (h *recoveryHost) CommitRekey(material *kdf.Material) {
	h.s.commitRekey(material)
}

func (h *recoveryHost) RecoverySucceeded(level recovery.Level) {
	s := h.s
	switch level {
	case recovery.LevelSequenceRepair:
		s.seqFault = false
		s.dupRun = 0
	case recovery.LevelSessionRekey:
		s.authFailures = 0
	}
	if s.state == StateRecovering {
		s.state = StateEstablished
	}
	log.WithFields(map[string]interface{}{
		"session": s.id,
		"level":   level.String(),
	}).Debug("Recovery completed")
}

func (h *recoveryHost) SessionTerminated(reason wire.ResetReason) {
	s := h.s
	s.state = StateTerminated
	log.WithFields(map[string]interface{}{
		"session": s.id,
		"reason":  reason.String(),
	}).Warn("Session terminated by recovery")
}

func (h *recoveryHost) RecoveryFailed() {
	s := h.s
	s.state = StateFailed
	log.WithField("session", s.id).Error("Recovery exhausted, session failed")
}
