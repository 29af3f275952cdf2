package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	"github.com/samber/oops"
)

const (
	// HeaderSize is the fixed size of the common header.
	HeaderSize = 50

	// headerAuthSize is the portion of the header fed to the MAC; the
	// payload bytes that follow the header are appended after it.
	headerAuthSize = HeaderSize - HeaderMACSize

	// HeaderMACSize is the truncated HMAC-SHA256 tag appended to the header.
	HeaderMACSize = 16
)

var (
	ErrHeaderTooShort     = oops.Errorf("wire: buffer shorter than header")
	ErrVersionMismatch    = oops.Errorf("wire: protocol version mismatch")
	ErrHeaderAuthFailed   = oops.Errorf("wire: header authentication failed")
	ErrPayloadLenMismatch = oops.Errorf("wire: payload length mismatch")
)

// Header is the 50-byte common header present on every hopwire packet.
//
//	offset  size  field
//	0       1     version
//	1       1     packet type
//	2       1     subtype (0 when the type has none)
//	3       1     flags
//	4       8     session id
//	12      8     sequence
//	20      8     timestamp (adjusted protocol millis)
//	28      4     nonce
//	32      2     payload length
//	34      16    truncated HMAC-SHA256 over bytes 0..33 and the payload
type Header struct {
	Version         uint8
	Type            PacketType
	Subtype         uint8
	Flags           uint8
	SessionID       uint64
	Sequence        uint64
	TimestampMillis int64
	Nonce           uint32
	PayloadLen      uint16
	MAC             [HeaderMACSize]byte
}

// EncodeHeader serializes h, computing the MAC with the given key over the
// header fields and the payload that will follow the header on the wire.
// SYN and SYN-ACK headers, sent before any key exists, pass a nil key and
// carry a zero MAC.
func EncodeHeader(h *Header, key, payload []byte) [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	buf[2] = h.Subtype
	buf[3] = h.Flags
	binary.BigEndian.PutUint64(buf[4:12], h.SessionID)
	binary.BigEndian.PutUint64(buf[12:20], h.Sequence)
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.TimestampMillis))
	binary.BigEndian.PutUint32(buf[28:32], h.Nonce)
	binary.BigEndian.PutUint16(buf[32:34], h.PayloadLen)
	if key != nil {
		mac := authenticatePacket(key, buf[:headerAuthSize], payload)
		copy(buf[headerAuthSize:], mac[:])
	}
	return buf
}

// DecodeHeader parses and, when a key is supplied, authenticates a packet.
// buf is the whole datagram: the MAC covers the header fields and the payload
// behind them, so a control or management payload cannot be rewritten in
// transit behind an untouched header. The check runs before any field is
// trusted; a failed check is a security-relevant event the caller must count
// toward recovery escalation.
func DecodeHeader(buf []byte, key []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, ErrHeaderTooShort
	}
	end := HeaderSize + int(binary.BigEndian.Uint16(buf[32:34]))
	if end > len(buf) {
		return nil, ErrPayloadLenMismatch
	}
	if key != nil {
		expected := authenticatePacket(key, buf[:headerAuthSize], buf[HeaderSize:end])
		if subtle.ConstantTimeCompare(expected[:], buf[headerAuthSize:HeaderSize]) != 1 {
			return nil, ErrHeaderAuthFailed
		}
	}
	if buf[0] != ProtocolVersion {
		return nil, ErrVersionMismatch
	}
	h := &Header{
		Version:         buf[0],
		Type:            PacketType(buf[1]),
		Subtype:         buf[2],
		Flags:           buf[3],
		SessionID:       binary.BigEndian.Uint64(buf[4:12]),
		Sequence:        binary.BigEndian.Uint64(buf[12:20]),
		TimestampMillis: int64(binary.BigEndian.Uint64(buf[20:28])),
		Nonce:           binary.BigEndian.Uint32(buf[28:32]),
		PayloadLen:      binary.BigEndian.Uint16(buf[32:34]),
	}
	copy(h.MAC[:], buf[headerAuthSize:HeaderSize])
	return h, nil
}

func authenticatePacket(key, authedHeader, payload []byte) [HeaderMACSize]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(authedHeader)
	mac.Write(payload)
	var out [HeaderMACSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}
