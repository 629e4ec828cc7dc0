package multiinstance

import (
	"context"

	"github.com/roach88/mibody/internal/ir"
)

// Local variable bound in every child scope.
const LoopCounterVariable = "loopCounter"

// childBindings returns the variables set locally in the scope of child
// loopCounter: the loop counter, the input element and, when the output
// element is a variable path, its root variable initialised to null so
// the child's output mappings write it locally instead of propagating it
// to the parent.
func childBindings(b *Body, loopCounter int) ir.IRObject {
	vars := ir.IRObject{LoopCounterVariable: ir.IRInt(loopCounter)}

	def := b.Definition
	if root, ok := def.OutputElementRoot(); ok && root != def.InputElement && root != LoopCounterVariable {
		vars[root] = ir.IRNull{}
	}
	if def.InputElement != "" {
		vars[def.InputElement] = ir.Clone(b.Input[loopCounter-1])
	}
	return vars
}

func activateChild(b *Body, loopCounter int, fx *effects) error {
	child, ok := b.Child(loopCounter)
	if !ok {
		return violation(b.Key, loopCounter, "loop counter out of range [1, %d]", b.N())
	}
	if child.State != ChildPending {
		return violation(b.Key, loopCounter, "cannot activate %s child", child.State)
	}

	b.Children[loopCounter-1].State = ChildActive
	b.Activated++
	fx.add(ActivateChild{
		LoopCounter: loopCounter,
		Element:     b.Definition.Child,
		ParentScope: b.FlowScope,
		Variables:   childBindings(b, loopCounter),
	})
	return nil
}

// collectOutput evaluates the output element against the completed child's
// variables and stores the result in its slot. Slots are write-once.
func (c *Controller) collectOutput(ctx context.Context, b *Body, cc ChildCompletion) error {
	expr := b.Definition.OutputElement
	if expr == "" {
		return nil
	}

	idx := cc.LoopCounter - 1
	if b.OutputSet[idx] {
		return violation(b.Key, cc.LoopCounter, "output slot already written")
	}

	v, err := c.evaluator.Evaluate(ctx, expr, cc.Variables)
	if err != nil {
		return &OutputElementEvaluationFailed{evaluationFailure{
			BodyKey:     b.Key,
			ElementID:   b.Definition.ElementID,
			Expression:  expr,
			LoopCounter: cc.LoopCounter,
			Reason:      err.Error(),
			Cause:       err,
		}}
	}

	b.Output[idx] = v
	b.OutputSet[idx] = true
	return nil
}
