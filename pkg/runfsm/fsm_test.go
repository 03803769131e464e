package runfsm

import (
	"errors"
	"testing"
)

func TestRunTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to string
		ok       bool
	}{
		{Initialized, InProgress, true},
		{Initialized, Aborted, true},
		{Initialized, Completed, false},
		{InProgress, Completed, true},
		{InProgress, Aborted, true},
		{InProgress, Initialized, false},
		{Completed, Aborted, false},
		{Aborted, InProgress, false},
		{"", InProgress, false},
	}
	for _, tt := range tests {
		got, err := Transition(tt.from, tt.to)
		if tt.ok {
			if err != nil || got != tt.to {
				t.Fatalf("%s -> %s: got %s, %v", tt.from, tt.to, got, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) || got != tt.from {
			t.Fatalf("%s -> %s: expected rejection, got %s, %v", tt.from, tt.to, got, err)
		}
	}
}

func TestNextEvents(t *testing.T) {
	state, err := Next(Initialized, EventStart)
	if err != nil || state != InProgress {
		t.Fatalf("start: %s %v", state, err)
	}
	state, err = Next(state, EventComplete)
	if err != nil || state != Completed || !IsTerminal(state) {
		t.Fatalf("complete: %s %v", state, err)
	}
	if _, err := Next(state, EventAbort); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected sealed run to reject abort, got %v", err)
	}
	if _, err := Next(Initialized, Event("PAUSE")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected unknown event rejection, got %v", err)
	}
	if IsTerminal(InProgress) {
		t.Fatal("in-progress run is not terminal")
	}
}

func TestPersonTransitions(t *testing.T) {
	for _, to := range []string{Skipped, Applied, Failed} {
		if got, err := TransitionPerson(Planned, to); err != nil || got != to {
			t.Fatalf("planned -> %s: %s %v", to, got, err)
		}
		if _, err := TransitionPerson(to, Applied); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s must be final", to)
		}
	}
	if CanTransitionPerson(Planned, Planned) {
		t.Fatal("planned -> planned must be rejected")
	}
}
