package session

// State is the session lifecycle state. Only the state machine itself
// transitions it; collaborators report outcomes and the session decides.
type State int

const (
	StateInit State = iota
	StateHandshaking
	StateEstablished
	StateRecovering
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRecovering:
		return "RECOVERING"
	case StateTerminated:
		return "TERMINATED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether the session can never leave this state.
func (s State) terminal() bool {
	return s == StateTerminated || s == StateFailed
}
