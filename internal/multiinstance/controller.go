package multiinstance

import (
	"context"
	"fmt"

	"github.com/roach88/mibody/internal/expression"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/scope"
)

// DefaultActivationBatchSize bounds how many parallel children a single
// processing step activates.
const DefaultActivationBatchSize = 100

// Controller drives multi-instance bodies. It holds no per-body state and
// is safe to share; all state lives in the *Body values it returns.
type Controller struct {
	evaluator         expression.Evaluator
	batchSize         int
	maxCollectionSize int
}

// Option configures a Controller.
type Option func(*Controller)

// WithActivationBatchSize sets the parallel fan-out batch size. Values
// below 1 are ignored.
func WithActivationBatchSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithMaxCollectionSize rejects input collections larger than n. Zero
// means unlimited.
func WithMaxCollectionSize(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.maxCollectionSize = n
		}
	}
}

// NewController creates a controller that evaluates expressions with
// evaluator.
func NewController(evaluator expression.Evaluator, opts ...Option) *Controller {
	c := &Controller{
		evaluator: evaluator,
		batchSize: DefaultActivationBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ActivateRequest starts a body.
type ActivateRequest struct {
	Key        string
	Definition ir.MultiInstanceDefinition
	FlowScope  scope.ID

	// Variables visible from FlowScope at activation time.
	Variables ir.IRObject
}

// ChildCompletion reports that a child completed successfully.
type ChildCompletion struct {
	LoopCounter int

	// Variables visible from the child's scope at completion, including
	// its local loopCounter and input element bindings.
	Variables ir.IRObject
}

// Activate evaluates the input collection and starts fan-out. On an
// evaluation failure no body is created and the error is an
// *InputCollectionEvaluationFailed.
func (c *Controller) Activate(ctx context.Context, req ActivateRequest) (*Body, []Effect, error) {
	def := req.Definition
	if err := def.Mode.Validate(); err != nil {
		return nil, nil, violation(req.Key, 0, "%s", err.Error())
	}

	input, err := c.evaluateInput(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	b := newBody(req, input)
	var fx effects
	transition(b, StateActivating, &fx)

	if b.N() == 0 {
		transition(b, StateCompleting, &fx)
		c.complete(b, &fx)
		return b, fx.list, nil
	}

	transition(b, StateActivated, &fx)
	if err := c.strategy(b).start(b, &fx); err != nil {
		return nil, nil, err
	}
	if err := b.CheckInvariants(); err != nil {
		return nil, nil, err
	}
	return b, fx.list, nil
}

// OnChildCompleted consumes the completion of one child: records its
// output, checks the completion condition and fans in.
//
// During a cascade the only acceptable completion is one that crossed the
// child's terminate request. It settles the child as TERMINATED and its
// variables are discarded.
func (c *Controller) OnChildCompleted(ctx context.Context, body *Body, cc ChildCompletion) (*Body, []Effect, error) {
	child, ok := body.Child(cc.LoopCounter)
	if !ok {
		return nil, nil, violation(body.Key, cc.LoopCounter, "loop counter out of range [1, %d]", body.N())
	}
	if body.State == StateTerminating || body.State == StateCompleting {
		if child.State != ChildTerminating {
			return nil, nil, violation(body.Key, cc.LoopCounter, "completion for %s child while body is %s", child.State, body.State)
		}
		return c.settleChild(body, cc.LoopCounter)
	}
	if body.State != StateActivated {
		return nil, nil, violation(body.Key, cc.LoopCounter, "child completed while body is %s", body.State)
	}
	if child.State != ChildActive {
		return nil, nil, violation(body.Key, cc.LoopCounter, "completion for %s child", child.State)
	}

	b := body.Clone()
	var fx effects

	if err := c.collectOutput(ctx, b, cc); err != nil {
		return nil, nil, err
	}
	b.Children[cc.LoopCounter-1].State = ChildCompleted
	b.Completed++
	fx.add(ChildStateChanged{LoopCounter: cc.LoopCounter, From: ChildActive, To: ChildCompleted})

	done, err := c.evaluateCompletionCondition(ctx, b, cc)
	if err != nil {
		return nil, nil, err
	}

	if done {
		c.completeEarly(b, &fx)
	} else if err := c.strategy(b).fanIn(b, &fx); err != nil {
		return nil, nil, err
	}

	if err := b.CheckInvariants(); err != nil {
		return nil, nil, err
	}
	return b, fx.list, nil
}

// OnChildTerminated consumes the termination of a child that was asked to
// terminate by a cascade. It never touches the output buffer.
func (c *Controller) OnChildTerminated(body *Body, loopCounter int) (*Body, []Effect, error) {
	if body.State != StateTerminating && body.State != StateCompleting {
		return nil, nil, violation(body.Key, loopCounter, "child terminated while body is %s", body.State)
	}
	child, ok := body.Child(loopCounter)
	if !ok {
		return nil, nil, violation(body.Key, loopCounter, "loop counter out of range [1, %d]", body.N())
	}
	if child.State != ChildTerminating {
		return nil, nil, violation(body.Key, loopCounter, "termination for %s child", child.State)
	}
	return c.settleChild(body, loopCounter)
}

// Terminate starts the full termination cascade. Terminating a body that
// is already TERMINATING returns it unchanged.
func (c *Controller) Terminate(body *Body) (*Body, []Effect, error) {
	if body.State.Terminal() {
		return nil, nil, violation(body.Key, 0, "cannot terminate %s body", body.State)
	}
	if body.State == StateTerminating {
		return body, nil, nil
	}

	b := body.Clone()
	var fx effects
	c.terminateAll(b, &fx)

	if err := b.CheckInvariants(); err != nil {
		return nil, nil, err
	}
	return b, fx.list, nil
}

// ContinueFanOut activates the next batch of a paced parallel fan-out. A
// continuation that arrives after the body left ACTIVATED is stale and
// returns the body unchanged.
func (c *Controller) ContinueFanOut(body *Body) (*Body, []Effect, error) {
	if body.State != StateActivated {
		return body, nil, nil
	}

	b := body.Clone()
	var fx effects
	if err := c.strategy(b).resume(b, &fx); err != nil {
		return nil, nil, err
	}

	if err := b.CheckInvariants(); err != nil {
		return nil, nil, err
	}
	return b, fx.list, nil
}

// complete writes the output collection and moves COMPLETING -> COMPLETED.
// It is the only place the output collection is written.
func (c *Controller) complete(b *Body, fx *effects) {
	if name := b.Definition.OutputCollection; name != "" {
		fx.add(WriteVariable{Scope: b.FlowScope, Name: name, Value: b.OutputCollection()})
	}
	b.EarlyCompletion = false
	transition(b, StateCompleted, fx)
}

func (c *Controller) evaluateInput(ctx context.Context, req ActivateRequest) (ir.IRArray, error) {
	def := req.Definition
	fail := func(reason string, cause error) error {
		return &InputCollectionEvaluationFailed{evaluationFailure{
			BodyKey:    req.Key,
			ElementID:  def.ElementID,
			Expression: def.InputCollection,
			Reason:     reason,
			Cause:      cause,
		}}
	}

	v, err := c.evaluator.Evaluate(ctx, def.InputCollection, req.Variables)
	if err != nil {
		return nil, fail(err.Error(), err)
	}
	arr, ok := v.(ir.IRArray)
	if !ok {
		return nil, fail(fmt.Sprintf("expected array, got %s", ir.TypeName(v)), nil)
	}
	if c.maxCollectionSize > 0 && len(arr) > c.maxCollectionSize {
		return nil, fail(fmt.Sprintf("collection size %d exceeds limit %d", len(arr), c.maxCollectionSize), nil)
	}
	return ir.Clone(arr).(ir.IRArray), nil
}

func (c *Controller) evaluateCompletionCondition(ctx context.Context, b *Body, cc ChildCompletion) (bool, error) {
	cond := b.Definition.CompletionCondition
	if cond == "" {
		return false, nil
	}
	fail := func(reason string, cause error) error {
		return &CompletionConditionEvaluationFailed{evaluationFailure{
			BodyKey:     b.Key,
			ElementID:   b.Definition.ElementID,
			Expression:  cond,
			LoopCounter: cc.LoopCounter,
			Reason:      reason,
			Cause:       cause,
		}}
	}

	vars := cc.Variables.Merge(ir.IRObject{
		"numberOfInstances":           ir.IRInt(b.N()),
		"numberOfActiveInstances":     ir.IRInt(b.Live()),
		"numberOfCompletedInstances":  ir.IRInt(b.Completed),
		"numberOfTerminatedInstances": ir.IRInt(b.Terminated),
	})

	v, err := c.evaluator.Evaluate(ctx, cond, vars)
	if err != nil {
		return false, fail(err.Error(), err)
	}
	result, ok := v.(ir.IRBool)
	if !ok {
		return false, fail(fmt.Sprintf("expected bool, got %s", ir.TypeName(v)), nil)
	}
	return bool(result), nil
}
