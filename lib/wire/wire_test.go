package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestHeaderRoundTrip(t *testing.T) {
	payload := []byte("twelve bytes")
	h := &Header{
		Version:         ProtocolVersion,
		Type:            PacketControl,
		Subtype:         uint8(ControlTimeSyncRequest),
		SessionID:       0xDEADBEEFCAFE,
		Sequence:        42,
		TimestampMillis: 123456789,
		Nonce:           0xA1B2C3D4,
		PayloadLen:      uint16(len(payload)),
	}
	buf := EncodeHeader(h, testKey(), payload)
	require.Len(t, buf, HeaderSize)

	decoded, err := DecodeHeader(append(buf[:], payload...), testKey())
	require.NoError(t, err)
	assert.Equal(t, h.Type, decoded.Type)
	assert.Equal(t, h.Subtype, decoded.Subtype)
	assert.Equal(t, h.SessionID, decoded.SessionID)
	assert.Equal(t, h.Sequence, decoded.Sequence)
	assert.Equal(t, h.TimestampMillis, decoded.TimestampMillis)
	assert.Equal(t, h.Nonce, decoded.Nonce)
	assert.Equal(t, h.PayloadLen, decoded.PayloadLen)
}

func TestHeaderAuthFailure(t *testing.T) {
	h := &Header{Version: ProtocolVersion, Type: PacketData, SessionID: 7}
	buf := EncodeHeader(h, testKey(), nil)

	// Flip a covered bit.
	buf[5] ^= 0x01
	_, err := DecodeHeader(buf[:], testKey())
	assert.ErrorIs(t, err, ErrHeaderAuthFailed)

	// Wrong key.
	buf[5] ^= 0x01
	_, err = DecodeHeader(buf[:], []byte("not the session key, not 32 b"))
	assert.ErrorIs(t, err, ErrHeaderAuthFailed)

	// Unkeyed decode (pre-handshake path) skips the check entirely.
	_, err = DecodeHeader(buf[:], nil)
	assert.NoError(t, err)
}

func TestHeaderRejectsShortAndBadVersion(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1), nil)
	assert.ErrorIs(t, err, ErrHeaderTooShort)

	h := &Header{Version: 99, Type: PacketData}
	buf := EncodeHeader(h, nil, nil)
	_, err = DecodeHeader(buf[:], nil)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	truncated := &Header{Version: ProtocolVersion, Type: PacketData, PayloadLen: 40}
	buf = EncodeHeader(truncated, nil, nil)
	_, err = DecodeHeader(buf[:], nil)
	assert.ErrorIs(t, err, ErrPayloadLenMismatch)
}

// A rewritten payload behind an untouched, correctly MAC'd header must fail
// authentication: control-plane timestamps and key material ride in payloads,
// so the MAC has to cover them.
func TestHeaderMACCoversPayload(t *testing.T) {
	resp := &TimeSyncResponse{Nonce: 7, OriginateMillis: 1000, ReceiveMillis: 1020, TransmitMillis: 1021}
	payload := resp.Encode()
	h := &Header{
		Version:    ProtocolVersion,
		Type:       PacketControl,
		Subtype:    uint8(ControlTimeSyncResponse),
		SessionID:  9,
		Sequence:   3,
		PayloadLen: uint16(len(payload)),
	}
	hdr := EncodeHeader(h, testKey(), payload)
	pkt := append(hdr[:], payload...)

	_, err := DecodeHeader(pkt, testKey())
	require.NoError(t, err)

	// Shift the receive/transmit timestamps 20s without touching the header.
	shifted := &TimeSyncResponse{Nonce: 7, OriginateMillis: 1000, ReceiveMillis: 21020, TransmitMillis: 21021}
	copy(pkt[HeaderSize:], shifted.Encode())
	_, err = DecodeHeader(pkt, testKey())
	assert.ErrorIs(t, err, ErrHeaderAuthFailed)
}

func TestDelayExtensionRoundTrip(t *testing.T) {
	ext := DelayExtension{
		Window:            5,
		JitterMillis:      320,
		LossPerMille:      17,
		SampleCount:       40,
		NegotiationSeq:    900,
		AdaptationEnabled: true,
	}
	got := UnpackDelayExtension(ext.Pack())
	assert.Equal(t, ext, got)
}

func TestDelayExtensionClampsToFieldWidths(t *testing.T) {
	ext := DelayExtension{
		Window:         255,
		JitterMillis:   60000, // wider than 12 bits
		LossPerMille:   1023,
		NegotiationSeq: 1023,
	}
	got := UnpackDelayExtension(ext.Pack())
	assert.Equal(t, uint16(4095), got.JitterMillis)
	assert.Equal(t, uint16(1023), got.LossPerMille)
	assert.Equal(t, uint8(255), got.Window)
	assert.False(t, got.AdaptationEnabled)
}

func TestTimeSyncPayloads(t *testing.T) {
	req := &TimeSyncRequest{Nonce: 0x01020304, OriginateMillis: 5555}
	decodedReq, err := DecodeTimeSyncRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, decodedReq)

	resp := &TimeSyncResponse{Nonce: 9, OriginateMillis: 5555, ReceiveMillis: 5600, TransmitMillis: 5601}
	decodedResp, err := DecodeTimeSyncResponse(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp, decodedResp)

	_, err = DecodeTimeSyncResponse([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrPayloadTooShort)
}

func TestHandshakeAndManagementPayloads(t *testing.T) {
	syn := &SYN{}
	copy(syn.EphemeralKey[:], testKey())
	copy(syn.PSKFingerprint[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	decodedSYN, err := DecodeSYN(syn.Encode())
	require.NoError(t, err)
	assert.Equal(t, syn, decodedSYN)

	rekey := &RekeyResponse{Nonce: 77}
	copy(rekey.EphemeralKey[:], testKey())
	copy(rekey.Confirm[:], testKey())
	decodedRekey, err := DecodeRekeyResponse(rekey.Encode())
	require.NoError(t, err)
	assert.Equal(t, rekey, decodedRekey)

	repair := &RepairResponse{Nonce: 3, Sequence: 1 << 40}
	copy(repair.Confirm[:], testKey())
	decodedRepair, err := DecodeRepairResponse(repair.Encode())
	require.NoError(t, err)
	assert.Equal(t, repair, decodedRepair)

	reset := &Reset{Reason: ResetRecoveryFailed}
	decodedReset, err := DecodeReset(reset.Encode())
	require.NoError(t, err)
	assert.Equal(t, reset, decodedReset)
}
