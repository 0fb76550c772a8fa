package types

// RunState is the lifecycle state of a bulk run
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateAborted   RunState = "ABORTED"
)

// IsTerminal reports whether no further item can be recorded in this state
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateAborted
}

func (s RunState) String() string {
	return string(s)
}

// AbortCause tells why a run ended in RunStateAborted
type AbortCause string

const (
	// AbortCauseCancelled is an explicit cancel from the caller
	AbortCauseCancelled AbortCause = "CANCELLED"
	// AbortCauseFatal is a whole-run failure such as rejected credentials
	AbortCauseFatal AbortCause = "FATAL"
	// AbortCauseInterrupted is a lost client connection or a process restart
	AbortCauseInterrupted AbortCause = "INTERRUPTED"
)

// OutcomeKind partitions per-item results of a bulk run
type OutcomeKind string

const (
	OutcomeSuccess       OutcomeKind = "SUCCESS"
	OutcomeSkippedExists OutcomeKind = "SKIPPED_EXISTS"
	OutcomeError         OutcomeKind = "ERROR"
)

func (k OutcomeKind) IsValid() bool {
	switch k {
	case OutcomeSuccess, OutcomeSkippedExists, OutcomeError:
		return true
	default:
		return false
	}
}
