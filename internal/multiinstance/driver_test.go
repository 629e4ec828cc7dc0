package multiinstance

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/mibody/internal/expression"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/scope"
)

const flowScope scope.ID = 1

// driver plays the surrounding engine and the activation protocol for one
// body: it applies effects, binds instance keys and remembers every
// child's local variables.
type driver struct {
	t    *testing.T
	c    *Controller
	body *Body

	flowVars ir.IRObject
	locals   map[int]ir.IRObject

	activations   []int
	terminations  []int
	transitions   []State
	writes        []WriteVariable
	continuations []int
	childChanges  []ChildStateChanged
}

func newDriver(t *testing.T, opts ...Option) *driver {
	t.Helper()
	return &driver{
		t:        t,
		c:        NewController(expression.NewExprLang(), opts...),
		flowVars: ir.IRObject{"items": ir.Ints(10, 20, 30)},
		locals:   make(map[int]ir.IRObject),
	}
}

func definition(mode ir.LoopMode) ir.MultiInstanceDefinition {
	return ir.MultiInstanceDefinition{
		ElementID:        "task",
		Mode:             mode,
		InputCollection:  "items",
		InputElement:     "item",
		OutputElement:    "result",
		OutputCollection: "results",
		Child:            ir.ElementRef{ID: "task-inner", Type: ir.ElementServiceTask},
	}
}

func (d *driver) activate(def ir.MultiInstanceDefinition) {
	d.t.Helper()
	b, fx, err := d.c.Activate(context.Background(), ActivateRequest{
		Key:        "body-1",
		Definition: def,
		FlowScope:  flowScope,
		Variables:  d.flowVars,
	})
	require.NoError(d.t, err)
	d.body = b
	d.apply(fx)
}

func (d *driver) apply(fx []Effect) {
	d.t.Helper()
	for _, e := range fx {
		switch e := e.(type) {
		case Transition:
			d.transitions = append(d.transitions, e.To)
		case ActivateChild:
			d.activations = append(d.activations, e.LoopCounter)
			d.locals[e.LoopCounter] = e.Variables.Merge(nil)
			require.NoError(d.t, d.body.BindInstanceKey(e.LoopCounter, fmt.Sprintf("child-%d", e.LoopCounter)))
		case TerminateChild:
			d.terminations = append(d.terminations, e.LoopCounter)
		case WriteVariable:
			d.writes = append(d.writes, e)
		case ContinueFanOut:
			d.continuations = append(d.continuations, e.From)
		case ChildStateChanged:
			d.childChanges = append(d.childChanges, e)
		default:
			d.t.Fatalf("unexpected effect %T", e)
		}
	}
}

// childVariables is what the child's scope shows at completion: the flow
// scope, the child's bindings and whatever the child set locally.
func (d *driver) childVariables(loopCounter int, set ir.IRObject) ir.IRObject {
	return d.flowVars.Merge(d.locals[loopCounter]).Merge(set)
}

func (d *driver) tryComplete(loopCounter int, set ir.IRObject) error {
	b, fx, err := d.c.OnChildCompleted(context.Background(), d.body, ChildCompletion{
		LoopCounter: loopCounter,
		Variables:   d.childVariables(loopCounter, set),
	})
	if err != nil {
		return err
	}
	d.body = b
	d.apply(fx)
	return nil
}

// completeWithResult completes a child that computed result = item + item/10.
func (d *driver) completeWithResult(loopCounter int) {
	d.t.Helper()
	item := d.body.Input[loopCounter-1].(ir.IRInt)
	require.NoError(d.t, d.tryComplete(loopCounter, ir.IRObject{"result": item + item/10}))
}

func (d *driver) terminated(loopCounter int) {
	d.t.Helper()
	b, fx, err := d.c.OnChildTerminated(d.body, loopCounter)
	require.NoError(d.t, err)
	d.body = b
	d.apply(fx)
}

func (d *driver) terminate() {
	d.t.Helper()
	b, fx, err := d.c.Terminate(d.body)
	require.NoError(d.t, err)
	d.body = b
	d.apply(fx)
}

func (d *driver) continueFanOut() {
	d.t.Helper()
	b, fx, err := d.c.ContinueFanOut(d.body)
	require.NoError(d.t, err)
	d.body = b
	d.apply(fx)
}

func (d *driver) outputWrite() (ir.IRValue, bool) {
	for _, w := range d.writes {
		if w.Name == "results" {
			return w.Value, true
		}
	}
	return nil, false
}
