package runfsm

import "errors"

// Run states.
const (
	Initialized = "INITIALIZED"
	InProgress  = "INPROGRESS"
	Completed   = "COMPLETED"
	Aborted     = "ABORTED"
)

// Person states within a run.
const (
	Planned = "PLANNED"
	Skipped = "SKIPPED"
	Applied = "APPLIED"
	Failed  = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid run transition")

type Event string

const (
	EventStart    Event = "START"
	EventComplete Event = "COMPLETE"
	EventAbort    Event = "ABORT"
)

func CanTransition(from, to string) bool {
	switch from {
	case Initialized:
		return to == InProgress || to == Aborted
	case InProgress:
		return to == Completed || to == Aborted
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventStart:
		return Transition(from, InProgress)
	case EventComplete:
		return Transition(from, Completed)
	case EventAbort:
		return Transition(from, Aborted)
	default:
		return from, ErrInvalidTransition
	}
}

// IsTerminal reports whether a run in status is sealed.
func IsTerminal(status string) bool {
	return status == Completed || status == Aborted
}

// CanTransitionPerson covers the per-person lifecycle: PLANNED moves exactly once
// to a final state.
func CanTransitionPerson(from, to string) bool {
	if from != Planned {
		return false
	}
	return to == Skipped || to == Applied || to == Failed
}

func TransitionPerson(from, to string) (string, error) {
	if !CanTransitionPerson(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}
