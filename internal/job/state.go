package job

import (
	"fmt"
	"jobflow/internal/apperrors"
)

// State is the persisted lifecycle state of a Job.
//
//	Created ──► Succeeded
//	   │
//	   └──────► Failed
//
// Succeeded and Failed are terminal.
type State string

const (
	StateCreated   State = "Created"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

// reprocessable is the set of states from which a change event may cause
// execution. Writes that leave this set never re-enter processing, which is
// what keeps write-triggered handlers from looping on their own writes.
var reprocessable = map[State]bool{
	StateCreated: true,
}

// Reprocessable reports whether a record in this state may be executed again.
func (s State) Reprocessable() bool {
	return reprocessable[s]
}

// Terminal reports whether the state ends the job's lifecycle.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether a persisted record may move from one state to
// another. Rewriting Created (to record a retry or a trace) is allowed.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return from == StateCreated
}

// CheckTransition returns a validation error for an illegal edge.
func CheckTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return apperrors.Validation("state", fmt.Sprintf("illegal transition %s -> %s", from, to))
}

// Ignore reasons recorded when the state machine drops a trigger.
const (
	IgnoreTerminalEvent  = "terminal_event"
	IgnoreTerminalRecord = "terminal_record"
	IgnoreMissing        = "missing"
)

// GateUpdate decides whether an update event proceeds to retry evaluation.
// newState is the value carried by the triggering write; current is the
// record as read from the store (nil when the read has not happened yet).
// It returns an empty reason when processing should continue.
func GateUpdate(newState State, current *Job) string {
	if !newState.Reprocessable() {
		return IgnoreTerminalEvent
	}
	if current == nil {
		return ""
	}
	if !current.State.Reprocessable() {
		return IgnoreTerminalRecord
	}
	return ""
}
