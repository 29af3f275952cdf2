package recovery

// Level is the position in the escalating recovery ladder. Once a cycle
// enters a level it never moves backward except by full reset on success.
type Level int

const (
	LevelNone Level = iota
	LevelTimeSync
	LevelSequenceRepair
	LevelSessionRekey
	LevelTerminate
	LevelFailed
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelTimeSync:
		return "TIME_SYNC"
	case LevelSequenceRepair:
		return "SEQUENCE_REPAIR"
	case LevelSessionRekey:
		return "SESSION_REKEY"
	case LevelTerminate:
		return "TERMINATE"
	case LevelFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// next returns the level escalation moves to when the per-level attempt cap
// is exhausted.
func (l Level) next() Level {
	switch l {
	case LevelTimeSync:
		return LevelSequenceRepair
	case LevelSequenceRepair:
		return LevelSessionRekey
	case LevelSessionRekey:
		return LevelTerminate
	case LevelTerminate:
		return LevelFailed
	default:
		return l
	}
}

// Event is one completed recovery attempt, kept in a bounded history for
// diagnostics.
type Event struct {
	Level      Level
	Success    bool
	AtRawMillis int64
}
