package wire

// ProtocolVersion is carried in every header. Peers reject mismatches.
const ProtocolVersion = 1

// PacketType identifies the top-level packet kind.
type PacketType uint8

const (
	PacketSYN PacketType = iota + 1
	PacketSYNACK
	PacketData
	PacketControl
	PacketManagement
	PacketHeartbeat
	PacketReset
)

func (t PacketType) String() string {
	switch t {
	case PacketSYN:
		return "SYN"
	case PacketSYNACK:
		return "SYN-ACK"
	case PacketData:
		return "DATA"
	case PacketControl:
		return "CONTROL"
	case PacketManagement:
		return "MANAGEMENT"
	case PacketHeartbeat:
		return "HEARTBEAT"
	case PacketReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// ControlSubtype refines PacketControl.
type ControlSubtype uint8

const (
	ControlTimeSyncRequest ControlSubtype = iota + 1
	ControlTimeSyncResponse
	ControlSequenceNeg
)

// ManagementSubtype refines PacketManagement.
type ManagementSubtype uint8

const (
	ManagementRekeyRequest ManagementSubtype = iota + 1
	ManagementRekeyResponse
	ManagementRepairRequest
	ManagementRepairResponse
)

// ResetReason is carried in a RESET payload.
type ResetReason uint8

const (
	ResetRecoveryFailed ResetReason = iota + 1
	ResetAdminClose
	ResetProtocolError
	ResetKeyCompromise
)

func (r ResetReason) String() string {
	switch r {
	case ResetRecoveryFailed:
		return "recovery failed"
	case ResetAdminClose:
		return "administratively closed"
	case ResetProtocolError:
		return "protocol error"
	case ResetKeyCompromise:
		return "key compromise indicator"
	default:
		return "unknown"
	}
}
