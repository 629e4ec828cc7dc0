package multiinstance

import "fmt"

// State is the lifecycle state of a body.
type State string

const (
	StateActivating  State = "ACTIVATING"
	StateActivated   State = "ACTIVATED"
	StateCompleting  State = "COMPLETING"
	StateCompleted   State = "COMPLETED"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
)

// Terminal reports whether s is COMPLETED or TERMINATED.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTerminated
}

// legalTransitions lists every allowed body transition. The empty state
// is the not-yet-created body.
var legalTransitions = map[State][]State{
	"":               {StateActivating},
	StateActivating:  {StateActivated, StateCompleting, StateTerminating},
	StateActivated:   {StateCompleting, StateTerminating},
	StateCompleting:  {StateCompleted, StateTerminating},
	StateTerminating: {StateTerminated},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ChildState is the lifecycle state of one child as seen by its body.
type ChildState string

const (
	ChildPending     ChildState = "PENDING"
	ChildActive      ChildState = "ACTIVE"
	ChildTerminating ChildState = "TERMINATING"
	ChildCompleted   ChildState = "COMPLETED"
	ChildTerminated  ChildState = "TERMINATED"
	ChildSkipped     ChildState = "SKIPPED"
)

// Terminal reports whether the child will receive no further
// notifications.
func (s ChildState) Terminal() bool {
	switch s {
	case ChildCompleted, ChildTerminated, ChildSkipped:
		return true
	default:
		return false
	}
}

// Live reports whether the child has been activated and not yet reached a
// terminal state.
func (s ChildState) Live() bool {
	return s == ChildActive || s == ChildTerminating
}

// transition moves b to state to and records the effect. An illegal
// transition is a programming error and panics.
func transition(b *Body, to State, fx *effects) {
	from := b.State
	if !CanTransition(from, to) {
		panic(&InvariantViolation{
			BodyKey: b.Key,
			Reason:  fmt.Sprintf("illegal transition %s -> %s", displayState(from), to),
		})
	}
	b.State = to
	fx.add(Transition{From: from, To: to})
}

func displayState(s State) string {
	if s == "" {
		return "<none>"
	}
	return string(s)
}
