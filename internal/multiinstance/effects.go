package multiinstance

import (
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/scope"
)

// Effect is an instruction for the caller of a Controller operation.
// Effects must be applied in order.
type Effect interface {
	effect()
}

// Transition records a body lifecycle change.
type Transition struct {
	From State
	To   State
}

// ActivateChild asks the activation protocol to start child LoopCounter.
// Variables must be set locally in the child's new scope, nested under
// ParentScope.
type ActivateChild struct {
	LoopCounter int
	Element     ir.ElementRef
	ParentScope scope.ID
	Variables   ir.IRObject
}

// TerminateChild asks the activation protocol to tear down a live child.
type TerminateChild struct {
	LoopCounter int
	InstanceKey string
}

// ChildStateChanged records a child reaching COMPLETED, TERMINATED or
// SKIPPED.
type ChildStateChanged struct {
	LoopCounter int
	From        ChildState
	To          ChildState
}

// WriteVariable sets Name locally in Scope. The controller emits it once,
// for the output collection at completion.
type WriteVariable struct {
	Scope scope.ID
	Name  string
	Value ir.IRValue
}

// ContinueFanOut asks the caller to schedule another processing step that
// activates the next batch of parallel children starting at From.
type ContinueFanOut struct {
	From int
}

func (Transition) effect()        {}
func (ActivateChild) effect()     {}
func (TerminateChild) effect()    {}
func (ChildStateChanged) effect() {}
func (WriteVariable) effect()     {}
func (ContinueFanOut) effect()    {}

type effects struct {
	list []Effect
}

func (fx *effects) add(e Effect) {
	fx.list = append(fx.list, e)
}
