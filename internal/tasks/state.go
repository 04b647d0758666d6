package tasks

import (
	"errors"
	"fmt"
	"strings"
)

// State is a task lifecycle state.
type State string

const (
	Pending           State = "PENDING"
	WaitingDependency State = "WAITING_DEPENDENCY"
	InProgress        State = "IN_PROGRESS"
	Completed         State = "COMPLETED"
	Failed            State = "FAILED"
	Cancelled         State = "CANCELLED"
)

// States lists every state in lifecycle order.
var States = []State{Pending, WaitingDependency, InProgress, Completed, Failed, Cancelled}

var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrUnknownState      = errors.New("unknown task state")
	ErrIllegalTransition = errors.New("illegal task transition")
	ErrDependenciesUnmet = errors.New("dependencies not completed")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrTerminal          = errors.New("task is terminal")
)

// legal holds the unforced edges of the state machine. IN_PROGRESS to
// CANCELLED is only reachable through ForceCancel.
var legal = map[State][]State{
	Pending:           {WaitingDependency, Cancelled},
	WaitingDependency: {InProgress, Cancelled},
	InProgress:        {WaitingDependency, Completed, Failed},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

// ParseState resolves a state name (case-insensitive).
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
	return st, nil
}

// CanTransition reports whether from→to is a legal unforced edge.
func CanTransition(from, to State) bool {
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError describes a rejected state change. It matches
// ErrIllegalTransition with errors.Is and unwraps to Cause when set.
type IllegalTransitionError struct {
	TaskID string
	From   State
	To     State
	Cause  error
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

func (e *IllegalTransitionError) Unwrap() error { return e.Cause }
