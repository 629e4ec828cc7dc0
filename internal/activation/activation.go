// Package activation defines how multi-instance children are started and
// torn down. The body controller only emits requests; a Protocol turns
// them into running children and reports back through a Notifier.
package activation

import (
	"context"
	"errors"

	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/scope"
)

// ErrUnknownInstance is returned for an instance key the protocol never
// issued or already released.
var ErrUnknownInstance = errors.New("unknown child instance")

// Request asks for one child of a body to be started.
type Request struct {
	BodyKey     string
	LoopCounter int

	// InstanceKey is the key the engine proposes for the child. Protocols
	// should reuse it so a re-issued request is recognised.
	InstanceKey string

	Element     ir.ElementRef
	ParentScope scope.ID

	// Variables are set locally in the child's new scope before the child
	// starts.
	Variables ir.IRObject
}

// Protocol starts and terminates children.
//
// ActivateChild returns the instance key under which the child will report
// completion or termination. TerminateChild asks a live child to tear down
// its subtree; the protocol reports the termination asynchronously.
type Protocol interface {
	ActivateChild(ctx context.Context, req Request) (string, error)
	TerminateChild(ctx context.Context, instanceKey string) error
}

// Notifier receives child lifecycle callbacks. The engine implements it by
// enqueueing commands, so callbacks never re-enter a running step.
type Notifier interface {
	// ChildCompleted reports a successful child with the variables visible
	// from its scope at completion.
	ChildCompleted(instanceKey string, variables ir.IRObject) bool
	// ChildTerminated reports that a child finished tearing down.
	ChildTerminated(instanceKey string) bool
}
