package core

// FileState is a step in the per-file processing state machine.
type FileState int

const (
	StatePending FileState = iota
	StateReading
	StateInvoking
	StateWriting
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{
	StatePending:   "pending",
	StateReading:   "reading",
	StateInvoking:  "invoking",
	StateWriting:   "writing",
	StateSucceeded: "succeeded",
	StateFailed:    "failed",
}

func (s FileState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s FileState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}
