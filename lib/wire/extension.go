package wire

import "encoding/binary"

// DelayExtensionSize is the packed size of the heartbeat extension.
const DelayExtensionSize = 8

// Field widths of the packed extension, most significant first:
//
//	8 bits   delay window
//	12 bits  jitter (ms)
//	10 bits  loss rate (per mille)
//	8 bits   sample count
//	10 bits  negotiation sequence
//	1 bit    adaptation enabled
//	15 bits  reserved (zero on encode, ignored on decode)
const (
	maxJitterMillis  = 1<<12 - 1
	maxLossPerMille  = 1<<10 - 1
	maxSampleCount   = 1<<8 - 1
	maxNegotiationSeq = 1<<10 - 1
)

// DelayExtension is the delay-negotiation state a peer advertises in every
// heartbeat. Values wider than their wire field are clamped on Pack.
type DelayExtension struct {
	Window            uint8
	JitterMillis      uint16
	LossPerMille      uint16
	SampleCount       uint8
	NegotiationSeq    uint16
	AdaptationEnabled bool
}

// Pack serializes the extension into its 8-byte wire form.
func (e DelayExtension) Pack() [DelayExtensionSize]byte {
	jitter := uint64(e.JitterMillis)
	if jitter > maxJitterMillis {
		jitter = maxJitterMillis
	}
	loss := uint64(e.LossPerMille)
	if loss > maxLossPerMille {
		loss = maxLossPerMille
	}
	negSeq := uint64(e.NegotiationSeq)
	if negSeq > maxNegotiationSeq {
		negSeq = maxNegotiationSeq
	}
	v := uint64(e.Window) << 56
	v |= jitter << 44
	v |= loss << 34
	v |= uint64(e.SampleCount) << 26
	v |= negSeq << 16
	if e.AdaptationEnabled {
		v |= 1 << 15
	}
	var buf [DelayExtensionSize]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf
}

// UnpackDelayExtension parses the 8-byte wire form. Reserved bits are
// ignored.
func UnpackDelayExtension(buf [DelayExtensionSize]byte) DelayExtension {
	v := binary.BigEndian.Uint64(buf[:])
	return DelayExtension{
		Window:            uint8(v >> 56),
		JitterMillis:      uint16(v >> 44 & maxJitterMillis),
		LossPerMille:      uint16(v >> 34 & maxLossPerMille),
		SampleCount:       uint8(v >> 26 & maxSampleCount),
		NegotiationSeq:    uint16(v >> 16 & maxNegotiationSeq),
		AdaptationEnabled: v>>15&1 == 1,
	}
}
