package wire

import (
	"encoding/binary"

	"github.com/samber/oops"
)

var ErrPayloadTooShort = oops.Errorf("wire: payload too short")

const (
	// KeyLen is the length of an X25519 public key on the wire.
	KeyLen = 32

	// ConfirmLen is the length of a confirmation hash on the wire.
	ConfirmLen = 32

	// FingerprintLen is the length of a PSK fingerprint.
	FingerprintLen = 8
)

// SYN opens a handshake: the initiator's fresh ephemeral key plus a
// fingerprint identifying which resolved PSK it intends to mix in.
type SYN struct {
	EphemeralKey   [KeyLen]byte
	PSKFingerprint [FingerprintLen]byte
}

func (p *SYN) Encode() []byte {
	buf := make([]byte, KeyLen+FingerprintLen)
	copy(buf[:KeyLen], p.EphemeralKey[:])
	copy(buf[KeyLen:], p.PSKFingerprint[:])
	return buf
}

func DecodeSYN(buf []byte) (*SYN, error) {
	if len(buf) < KeyLen+FingerprintLen {
		return nil, ErrPayloadTooShort
	}
	p := &SYN{}
	copy(p.EphemeralKey[:], buf[:KeyLen])
	copy(p.PSKFingerprint[:], buf[KeyLen:KeyLen+FingerprintLen])
	return p, nil
}

// SYNACK completes a handshake: the responder's ephemeral key and a
// confirmation hash proving it derived the same session material.
type SYNACK struct {
	EphemeralKey [KeyLen]byte
	Confirm      [ConfirmLen]byte
}

func (p *SYNACK) Encode() []byte {
	buf := make([]byte, KeyLen+ConfirmLen)
	copy(buf[:KeyLen], p.EphemeralKey[:])
	copy(buf[KeyLen:], p.Confirm[:])
	return buf
}

func DecodeSYNACK(buf []byte) (*SYNACK, error) {
	if len(buf) < KeyLen+ConfirmLen {
		return nil, ErrPayloadTooShort
	}
	p := &SYNACK{}
	copy(p.EphemeralKey[:], buf[:KeyLen])
	copy(p.Confirm[:], buf[KeyLen:KeyLen+ConfirmLen])
	return p, nil
}

// TimeSyncRequest is a CONTROL challenge carrying the requester's nonce and
// its adjusted send time.
type TimeSyncRequest struct {
	Nonce           uint32
	OriginateMillis int64
}

func (p *TimeSyncRequest) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], p.Nonce)
	binary.BigEndian.PutUint64(buf[4:12], uint64(p.OriginateMillis))
	return buf
}

func DecodeTimeSyncRequest(buf []byte) (*TimeSyncRequest, error) {
	if len(buf) < 12 {
		return nil, ErrPayloadTooShort
	}
	return &TimeSyncRequest{
		Nonce:           binary.BigEndian.Uint32(buf[0:4]),
		OriginateMillis: int64(binary.BigEndian.Uint64(buf[4:12])),
	}, nil
}

// TimeSyncResponse echoes the challenge nonce and carries the three
// timestamps of the NTP-style midpoint estimator: the echoed originate time,
// the responder's receive time and its transmit time.
type TimeSyncResponse struct {
	Nonce           uint32
	OriginateMillis int64
	ReceiveMillis   int64
	TransmitMillis  int64
}

func (p *TimeSyncResponse) Encode() []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint32(buf[0:4], p.Nonce)
	binary.BigEndian.PutUint64(buf[4:12], uint64(p.OriginateMillis))
	binary.BigEndian.PutUint64(buf[12:20], uint64(p.ReceiveMillis))
	binary.BigEndian.PutUint64(buf[20:28], uint64(p.TransmitMillis))
	return buf
}

func DecodeTimeSyncResponse(buf []byte) (*TimeSyncResponse, error) {
	if len(buf) < 28 {
		return nil, ErrPayloadTooShort
	}
	return &TimeSyncResponse{
		Nonce:           binary.BigEndian.Uint32(buf[0:4]),
		OriginateMillis: int64(binary.BigEndian.Uint64(buf[4:12])),
		ReceiveMillis:   int64(binary.BigEndian.Uint64(buf[12:20])),
		TransmitMillis:  int64(binary.BigEndian.Uint64(buf[20:28])),
	}, nil
}

// RepairRequest asks the peer for its authoritative sequence number.
type RepairRequest struct {
	Nonce        uint32
	LastKnownSeq uint64
	CurrentSeq   uint64
}

func (p *RepairRequest) Encode() []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint32(buf[0:4], p.Nonce)
	binary.BigEndian.PutUint64(buf[4:12], p.LastKnownSeq)
	binary.BigEndian.PutUint64(buf[12:20], p.CurrentSeq)
	return buf
}

func DecodeRepairRequest(buf []byte) (*RepairRequest, error) {
	if len(buf) < 20 {
		return nil, ErrPayloadTooShort
	}
	return &RepairRequest{
		Nonce:        binary.BigEndian.Uint32(buf[0:4]),
		LastKnownSeq: binary.BigEndian.Uint64(buf[4:12]),
		CurrentSeq:   binary.BigEndian.Uint64(buf[12:20]),
	}, nil
}

// RepairResponse carries the responder's authoritative sequence plus a keyed
// confirmation over (nonce, sequence, session id).
type RepairResponse struct {
	Nonce    uint32
	Sequence uint64
	Confirm  [ConfirmLen]byte
}

func (p *RepairResponse) Encode() []byte {
	buf := make([]byte, 12+ConfirmLen)
	binary.BigEndian.PutUint32(buf[0:4], p.Nonce)
	binary.BigEndian.PutUint64(buf[4:12], p.Sequence)
	copy(buf[12:], p.Confirm[:])
	return buf
}

func DecodeRepairResponse(buf []byte) (*RepairResponse, error) {
	if len(buf) < 12+ConfirmLen {
		return nil, ErrPayloadTooShort
	}
	p := &RepairResponse{
		Nonce:    binary.BigEndian.Uint32(buf[0:4]),
		Sequence: binary.BigEndian.Uint64(buf[4:12]),
	}
	copy(p.Confirm[:], buf[12:12+ConfirmLen])
	return p, nil
}

// RekeyRequest starts a fresh ephemeral exchange.
type RekeyRequest struct {
	Nonce        uint32
	EphemeralKey [KeyLen]byte
}

func (p *RekeyRequest) Encode() []byte {
	buf := make([]byte, 4+KeyLen)
	binary.BigEndian.PutUint32(buf[0:4], p.Nonce)
	copy(buf[4:], p.EphemeralKey[:])
	return buf
}

func DecodeRekeyRequest(buf []byte) (*RekeyRequest, error) {
	if len(buf) < 4+KeyLen {
		return nil, ErrPayloadTooShort
	}
	p := &RekeyRequest{Nonce: binary.BigEndian.Uint32(buf[0:4])}
	copy(p.EphemeralKey[:], buf[4:4+KeyLen])
	return p, nil
}

// RekeyResponse returns the responder's ephemeral key and a shared-secret
// verification hash; neither side commits the new key until it validates.
type RekeyResponse struct {
	Nonce        uint32
	EphemeralKey [KeyLen]byte
	Confirm      [ConfirmLen]byte
}

func (p *RekeyResponse) Encode() []byte {
	buf := make([]byte, 4+KeyLen+ConfirmLen)
	binary.BigEndian.PutUint32(buf[0:4], p.Nonce)
	copy(buf[4:4+KeyLen], p.EphemeralKey[:])
	copy(buf[4+KeyLen:], p.Confirm[:])
	return buf
}

func DecodeRekeyResponse(buf []byte) (*RekeyResponse, error) {
	if len(buf) < 4+KeyLen+ConfirmLen {
		return nil, ErrPayloadTooShort
	}
	p := &RekeyResponse{Nonce: binary.BigEndian.Uint32(buf[0:4])}
	copy(p.EphemeralKey[:], buf[4:4+KeyLen])
	copy(p.Confirm[:], buf[4+KeyLen:4+KeyLen+ConfirmLen])
	return p, nil
}

// Heartbeat carries the packed delay-negotiation extension.
type Heartbeat struct {
	Ext DelayExtension
}

func (p *Heartbeat) Encode() []byte {
	ext := p.Ext.Pack()
	return ext[:]
}

func DecodeHeartbeat(buf []byte) (*Heartbeat, error) {
	if len(buf) < DelayExtensionSize {
		return nil, ErrPayloadTooShort
	}
	var packed [DelayExtensionSize]byte
	copy(packed[:], buf[:DelayExtensionSize])
	return &Heartbeat{Ext: UnpackDelayExtension(packed)}, nil
}

// Reset tears the session down with a reason code.
type Reset struct {
	Reason ResetReason
}

func (p *Reset) Encode() []byte {
	return []byte{byte(p.Reason)}
}

func DecodeReset(buf []byte) (*Reset, error) {
	if len(buf) < 1 {
		return nil, ErrPayloadTooShort
	}
	return &Reset{Reason: ResetReason(buf[0])}, nil
}
