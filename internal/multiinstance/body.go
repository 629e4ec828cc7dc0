package multiinstance

import (
	"fmt"

	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/scope"
)

// Child is one instance of the body's element, addressed by its 1-based
// loop counter.
type Child struct {
	LoopCounter int        `json:"loop_counter"`
	InstanceKey string     `json:"instance_key,omitempty"`
	State       ChildState `json:"state"`
}

// Body is the runtime state of one multi-instance activity. It is owned
// exclusively by the Controller: callers treat it as read-only and pass it
// back into the next operation.
type Body struct {
	Key        string                     `json:"key"`
	FlowScope  scope.ID                   `json:"flow_scope"`
	Definition ir.MultiInstanceDefinition `json:"definition"`
	State      State                      `json:"state"`

	// Input is the collection snapshotted at activation. Never modified.
	Input ir.IRArray `json:"input"`

	// Output holds one slot per child. OutputSet[i] is true iff child i+1
	// completed; unset slots hold IRNull.
	Output    ir.IRArray `json:"output"`
	OutputSet []bool     `json:"output_set"`

	Activated  int `json:"activated"`
	Completed  int `json:"completed"`
	Terminated int `json:"terminated"`

	// NextIndex is the loop counter of the next child to activate. Zero
	// until fan-out starts.
	NextIndex int `json:"next_index"`

	// EarlyCompletion is set while a completion condition's partial
	// cascade is terminating the remaining children.
	EarlyCompletion bool `json:"early_completion,omitempty"`

	Children []Child `json:"children"`
}

// N is the fixed size of the body's index space.
func (b *Body) N() int {
	return len(b.Input)
}

// Mode is the loop mode copied from the definition.
func (b *Body) Mode() ir.LoopMode {
	return b.Definition.Mode
}

// Child returns the child with the given loop counter.
func (b *Body) Child(loopCounter int) (Child, bool) {
	if loopCounter < 1 || loopCounter > len(b.Children) {
		return Child{}, false
	}
	return b.Children[loopCounter-1], true
}

// ChildByInstanceKey finds the child that was activated with key.
func (b *Body) ChildByInstanceKey(key string) (Child, bool) {
	for _, c := range b.Children {
		if c.InstanceKey != "" && c.InstanceKey == key {
			return c, true
		}
	}
	return Child{}, false
}

// BindInstanceKey records the instance key returned by the activation
// protocol for a freshly activated child. It is the one mutation callers
// perform on a body, right after applying the ActivateChild effect.
func (b *Body) BindInstanceKey(loopCounter int, key string) error {
	if loopCounter < 1 || loopCounter > len(b.Children) {
		return violation(b.Key, loopCounter, "loop counter out of range [1, %d]", len(b.Children))
	}
	c := &b.Children[loopCounter-1]
	if c.State != ChildActive {
		return violation(b.Key, loopCounter, "cannot bind instance key to %s child", c.State)
	}
	if c.InstanceKey != "" && c.InstanceKey != key {
		return violation(b.Key, loopCounter, "instance key already bound to %q", c.InstanceKey)
	}
	c.InstanceKey = key
	return nil
}

// Live returns the number of activated, non-terminal children.
func (b *Body) Live() int {
	n := 0
	for _, c := range b.Children {
		if c.State.Live() {
			n++
		}
	}
	return n
}

func (b *Body) countState(s ChildState) int {
	n := 0
	for _, c := range b.Children {
		if c.State == s {
			n++
		}
	}
	return n
}

// Clone returns a copy that shares only immutable data (input collection
// and definition) with b.
func (b *Body) Clone() *Body {
	cp := *b
	cp.Output = append(ir.IRArray(nil), b.Output...)
	cp.OutputSet = append([]bool(nil), b.OutputSet...)
	cp.Children = append([]Child(nil), b.Children...)
	return &cp
}

// OutputCollection returns the output buffer as written at completion.
// Absent slots are null.
func (b *Body) OutputCollection() ir.IRArray {
	out := make(ir.IRArray, len(b.Output))
	for i, v := range b.Output {
		if b.OutputSet[i] {
			out[i] = ir.Clone(v)
		} else {
			out[i] = ir.IRNull{}
		}
	}
	return out
}

// Snapshot renders the full body state as an IR object. Equal bodies have
// equal snapshots, so the snapshot hash identifies a state.
func (b *Body) Snapshot() ir.IRObject {
	children := make(ir.IRArray, len(b.Children))
	for i, c := range b.Children {
		children[i] = ir.IRObject{
			"loop_counter": ir.IRInt(c.LoopCounter),
			"instance_key": ir.IRString(c.InstanceKey),
			"state":        ir.IRString(c.State),
		}
	}
	set := make(ir.IRArray, len(b.OutputSet))
	for i, v := range b.OutputSet {
		set[i] = ir.IRBool(v)
	}

	return ir.IRObject{
		"key":              ir.IRString(b.Key),
		"element_id":       ir.IRString(b.Definition.ElementID),
		"flow_scope":       ir.IRInt(b.FlowScope),
		"mode":             ir.IRString(b.Definition.Mode),
		"state":            ir.IRString(b.State),
		"input":            ir.Clone(b.Input),
		"output":           ir.Clone(b.Output),
		"output_set":       set,
		"activated":        ir.IRInt(b.Activated),
		"completed":        ir.IRInt(b.Completed),
		"terminated":       ir.IRInt(b.Terminated),
		"next_index":       ir.IRInt(b.NextIndex),
		"early_completion": ir.IRBool(b.EarlyCompletion),
		"children":         children,
	}
}

// CheckInvariants verifies the structural invariants of b. A non-nil
// result is an *InvariantViolation.
func (b *Body) CheckInvariants() error {
	n := b.N()
	if len(b.Output) != n || len(b.OutputSet) != n || len(b.Children) != n {
		return violation(b.Key, 0, "index space mismatch: input %d, output %d, output_set %d, children %d",
			n, len(b.Output), len(b.OutputSet), len(b.Children))
	}
	if b.Activated > n || b.Completed > n || b.Terminated > n {
		return violation(b.Key, 0, "counter exceeds N=%d (activated %d, completed %d, terminated %d)",
			n, b.Activated, b.Completed, b.Terminated)
	}
	if b.Completed+b.Terminated > n {
		return violation(b.Key, 0, "completed %d + terminated %d exceeds N=%d", b.Completed, b.Terminated, n)
	}

	for i, c := range b.Children {
		if c.LoopCounter != i+1 {
			return violation(b.Key, c.LoopCounter, "child at index %d has loop counter %d", i, c.LoopCounter)
		}
		if b.OutputSet[i] != (c.State == ChildCompleted) && b.Definition.OutputElement != "" {
			return violation(b.Key, c.LoopCounter, "output slot set=%t for %s child", b.OutputSet[i], c.State)
		}
		if b.OutputSet[i] && b.Definition.OutputElement == "" {
			return violation(b.Key, c.LoopCounter, "output slot set without output element")
		}
	}

	if got := b.countState(ChildCompleted); got != b.Completed {
		return violation(b.Key, 0, "completed counter %d, completed children %d", b.Completed, got)
	}
	if got := b.countState(ChildTerminated); got != b.Terminated {
		return violation(b.Key, 0, "terminated counter %d, terminated children %d", b.Terminated, got)
	}
	if live := b.Live(); b.Completed+live > b.Activated {
		return violation(b.Key, 0, "activated %d is less than completed %d + live %d", b.Activated, b.Completed, live)
	}
	if b.Mode() == ir.LoopSequential && b.Live() > 1 {
		return violation(b.Key, 0, "sequential body has %d live children", b.Live())
	}
	if b.State.Terminal() && b.Live() > 0 {
		return violation(b.Key, 0, "%s body has %d live children", b.State, b.Live())
	}
	return nil
}

func newBody(req ActivateRequest, input ir.IRArray) *Body {
	n := len(input)
	b := &Body{
		Key:        req.Key,
		FlowScope:  req.FlowScope,
		Definition: req.Definition,
		Input:      input,
		Output:     make(ir.IRArray, n),
		OutputSet:  make([]bool, n),
		Children:   make([]Child, n),
	}
	for i := range b.Children {
		b.Output[i] = ir.IRNull{}
		b.Children[i] = Child{LoopCounter: i + 1, State: ChildPending}
	}
	return b
}

func (c Child) String() string {
	return fmt.Sprintf("child %d (%s)", c.LoopCounter, c.State)
}
