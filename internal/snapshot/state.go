package snapshot

import "time"

// State is a step of a snapshot build.
type State int

const (
	WaitingForInit State = iota
	Booting
	Settling
	Snapshotting
	Persisting
	Done
	Failed
)

var stateNames = [...]string{
	WaitingForInit: "waiting-for-init",
	Booting:        "booting",
	Settling:       "settling",
	Snapshotting:   "snapshotting",
	Persisting:     "persisting",
	Done:           "done",
	Failed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Transition records a state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}
