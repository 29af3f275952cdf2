package session

import (
	"github.com/go-i2p/go-hopwire/lib/kdf"
	"github.com/go-i2p/go-hopwire/lib/porthop"
	"github.com/go-i2p/go-hopwire/lib/recovery"
	"github.com/go-i2p/go-hopwire/lib/timesync"
	"github.com/go-i2p/go-hopwire/lib/transport"
	"github.com/go-i2p/go-hopwire/lib/wire"
)

// handleDatagram is the inbound half of the event loop: authenticate,
// account for delay/loss/schedule alignment, then dispatch by type.
func (s *Session) handleDatagram(dg transport.Datagram) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowRaw := s.clock.ElapsedMillis()

	switch s.state {
	case StateHandshaking:
		s.handleHandshakeDatagram(dg)
		return
	case StateEstablished, StateRecovering:
	default:
		return
	}

	hdr, err := wire.DecodeHeader(dg.Data, s.material.SessionKey)
	if err != nil {
		if err == wire.ErrHeaderAuthFailed {
			s.authFailures++
			log.WithFields(map[string]interface{}{
				"session":  s.id,
				"failures": s.authFailures,
			}).Warn("Dropped packet with failed header authentication")
			s.maybeRecover(nowRaw)
		}
		return
	}
	if hdr.SessionID != s.id {
		return
	}
	end := wire.HeaderSize + int(hdr.PayloadLen)
	if end > len(dg.Data) {
		return
	}
	payload := dg.Data[wire.HeaderSize:end]
	s.peerIP = dg.From.IP

	if s.portInSchedule(dg.LocalPort) {
		s.tsEngine.RecordPortMatch()
	} else {
		s.tsEngine.RecordPortMismatch()
	}

	// Adjusted arrival time: the adjusted clock now, backdated by however
	// long the datagram sat in the inbound queue.
	arrivalAdj := s.clock.NowMillis() - (nowRaw - dg.ArrivalRaw)
	s.tuner.RecordDelay(hdr.TimestampMillis, arrivalAdj)
	s.trackSequence(hdr.Sequence)

	s.dispatch(hdr, payload, arrivalAdj, nowRaw)
	s.maybeRecover(nowRaw)
}

// portInSchedule reports whether an arrival port belongs to the current
// delay window. Callers hold s.mu.
func (s *Session) portInSchedule(port int) bool {
	ports, err := s.schedule.CurrentPorts(s.clock.NowMillis())
	if err != nil {
		return false
	}
	for _, p := range ports {
		if int(p) == port {
			return true
		}
	}
	return false
}

// trackSequence maintains the peer sequence counters: gaps feed the loss
// statistics, while oversized gaps or runs of duplicates flag a sequence
// fault for recovery. Callers hold s.mu.
func (s *Session) trackSequence(seq uint64) {
	if seq <= s.peerSeq {
		s.dupRun++
		if s.dupRun >= dupRunFaultThreshold {
			s.seqFault = true
		}
		return
	}
	gap := seq - s.peerSeq
	if gap > 1 {
		s.tuner.RecordLoss(gap, gap-1)
	} else {
		s.tuner.RecordLoss(1, 0)
	}
	if gap > seqGapFaultThreshold {
		s.seqFault = true
	}
	s.lastKnownPeerSeq = s.peerSeq
	s.peerSeq = seq
	s.dupRun = 0
}

func (s *Session) dispatch(hdr *wire.Header, payload []byte, arrivalAdj, nowRaw int64) {
	switch hdr.Type {
	case wire.PacketData:
		plaintext, err := s.seal.Open(hdr, payload)
		if err != nil {
			s.authFailures++
			log.WithField("session", s.id).Warn("Dropped data packet with failed payload authentication")
			return
		}
		if s.cfg.OnPayload != nil {
			s.cfg.OnPayload(plaintext)
		}

	case wire.PacketControl:
		s.handleControl(hdr, payload, arrivalAdj, nowRaw)

	case wire.PacketManagement:
		s.handleManagement(hdr, payload, nowRaw)

	case wire.PacketHeartbeat:
		hb, err := wire.DecodeHeartbeat(payload)
		if err != nil {
			return
		}
		s.lastHeartbeatRaw = nowRaw
		if hb.Ext.AdaptationEnabled {
			s.tuner.Negotiate(hb.Ext, nowRaw)
			s.schedule.SetDelayWindow(s.tuner.EffectiveWindow(nowRaw))
		}

	case wire.PacketReset:
		r, err := wire.DecodeReset(payload)
		if err != nil {
			return
		}
		log.WithFields(map[string]interface{}{
			"session": s.id,
			"reason":  r.Reason.String(),
		}).Warn("Peer reset session")
		s.state = StateTerminated
	}
}

func (s *Session) handleControl(hdr *wire.Header, payload []byte, arrivalAdj, nowRaw int64) {
	switch wire.ControlSubtype(hdr.Subtype) {
	case wire.ControlTimeSyncRequest:
		req, err := wire.DecodeTimeSyncRequest(payload)
		if err != nil {
			return
		}
		resp := s.tsEngine.BuildResponse(req, arrivalAdj)
		h := s.nextHeader(wire.PacketControl, uint8(wire.ControlTimeSyncResponse))
		if err := s.transmitControl(h, resp.Encode()); err != nil {
			log.WithError(err).Debug("Time sync response send failed")
		}

	case wire.ControlTimeSyncResponse:
		resp, err := wire.DecodeTimeSyncResponse(payload)
		if err != nil {
			return
		}
		offset, err := s.tsEngine.HandleSyncResponse(resp, arrivalAdj)
		if err == timesync.ErrNonceMismatch || err == timesync.ErrNoPendingSync {
			// A stray or forged response never cancels the real
			// challenge; the deadline decides.
			return
		}
		s.recoveryCtl.OnTimeSyncOutcome(offset, err, nowRaw)

	case wire.ControlSequenceNeg:
		// Out-of-band sequence advertisement, answered like a repair
		// request but without recovery bookkeeping on the asking side.
		req, err := wire.DecodeRepairRequest(payload)
		if err != nil {
			return
		}
		resp := recovery.BuildRepairResponse(s.material.SessionKey, s.id, req, s.localSeq)
		h := s.nextHeader(wire.PacketControl, uint8(wire.ControlSequenceNeg))
		if err := s.transmitControl(h, resp.Encode()); err != nil {
			log.WithError(err).Debug("Sequence advertisement send failed")
		}
	}
}

func (s *Session) handleManagement(hdr *wire.Header, payload []byte, nowRaw int64) {
	switch wire.ManagementSubtype(hdr.Subtype) {
	case wire.ManagementRepairRequest:
		req, err := wire.DecodeRepairRequest(payload)
		if err != nil {
			return
		}
		resp := recovery.BuildRepairResponse(s.material.SessionKey, s.id, req, s.localSeq)
		h := s.nextHeader(wire.PacketManagement, uint8(wire.ManagementRepairResponse))
		if err := s.transmitControl(h, resp.Encode()); err != nil {
			log.WithError(err).Debug("Repair response send failed")
		}

	case wire.ManagementRepairResponse:
		resp, err := wire.DecodeRepairResponse(payload)
		if err != nil {
			return
		}
		if err := s.recoveryCtl.OnRepairResponse(resp, nowRaw); err != nil {
			log.WithError(err).Debug("Repair response rejected")
		}

	case wire.ManagementRekeyRequest:
		req, err := wire.DecodeRekeyRequest(payload)
		if err != nil {
			return
		}
		// The request's ephemeral key arrived under the current key's
		// packet MAC, so only the key holder can start a rekey.
		resp, material, err := recovery.BuildRekeyResponse(s.id, req)
		if err != nil {
			log.WithError(err).Warn("Failed to answer rekey request")
			return
		}
		h := s.nextHeader(wire.PacketManagement, uint8(wire.ManagementRekeyResponse))
		// The old key authenticates the response; commit only once the
		// confirmation is on the wire.
		if err := s.transmitControl(h, resp.Encode()); err != nil {
			material.Zero()
			log.WithError(err).Warn("Rekey response send failed")
			return
		}
		s.commitRekey(material)

	case wire.ManagementRekeyResponse:
		resp, err := wire.DecodeRekeyResponse(payload)
		if err != nil {
			return
		}
		if err := s.recoveryCtl.OnRekeyResponse(resp, nowRaw); err != nil {
			log.WithError(err).Debug("Rekey response rejected")
		}
	}
}

// commitRekey swaps in freshly derived material atomically: new sealer, new
// port schedule (the hop seed rotates with the key), secure erasure of the
// old material. The delay window survives the swap. Callers hold s.mu.
func (s *Session) commitRekey(material *kdf.Material) {
	seal, err := newSealer(material.SessionKey)
	if err != nil {
		log.WithError(err).Error("Rekey produced unusable session key")
		material.Zero()
		return
	}
	schedule, err := porthop.NewScheduleParams(
		material.PortHopSeed, s.id, s.localEndpoint, s.peerEndpoint,
		porthop.WithPortRange(s.cfg.BasePort, s.cfg.PortRange),
		porthop.WithHopInterval(s.cfg.HopInterval),
	)
	if err != nil {
		log.WithError(err).Error("Rekey produced unusable hop seed")
		material.Zero()
		return
	}
	schedule.SetDelayWindow(s.schedule.DelayWindow())

	old := s.material
	s.material = material
	s.seal = seal
	s.schedule = schedule
	old.Zero()
	s.authFailures = 0
	s.retune()
	log.WithField("session", s.id).Debug("Session rekeyed")
}
