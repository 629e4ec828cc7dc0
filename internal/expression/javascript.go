package expression

import (
	"context"
	"errors"

	"github.com/dop251/goja"

	"github.com/roach88/mibody/internal/ir"
)

// JavaScript evaluates expressions with the goja runtime. Every evaluation
// gets a fresh runtime so no state leaks between children.
type JavaScript struct{}

var _ Evaluator = (*JavaScript)(nil)

// NewJavaScript creates a JavaScript evaluator.
func NewJavaScript() *JavaScript {
	return &JavaScript{}
}

// Evaluate runs expression in a new runtime with vars bound as globals.
// Cancelling ctx interrupts a running script.
func (j *JavaScript) Evaluate(ctx context.Context, expression string, vars ir.IRObject) (ir.IRValue, error) {
	src := normalize(expression)
	if src == "" {
		return nil, NewCompileError(expression, ErrEmptyExpression)
	}

	program, err := goja.Compile("expression", "("+src+"\n)", true)
	if err != nil {
		return nil, NewCompileError(expression, err)
	}

	rt := goja.New()
	for _, name := range vars.SortedKeys() {
		if err := rt.Set(name, ir.ToGo(vars[name])); err != nil {
			return nil, NewRunError(expression, err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := rt.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, NewRunError(expression, ctx.Err())
		}
		return nil, NewRunError(expression, err)
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return ir.IRNull{}, nil
	}
	return toIR(expression, value.Export())
}

// Check parses expression without running it.
func (j *JavaScript) Check(expression string) error {
	src := normalize(expression)
	if src == "" {
		return NewCompileError(expression, ErrEmptyExpression)
	}
	if _, err := goja.Compile("expression", "("+src+"\n)", true); err != nil {
		return NewCompileError(expression, err)
	}
	return nil
}
