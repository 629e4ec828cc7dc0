package expression

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/mibody/internal/ir"
)

// ExprLang evaluates expressions with github.com/expr-lang/expr. Compiled
// programs are cached per expression text. Variables are untyped, so a
// missing variable evaluates to nil instead of failing compilation.
type ExprLang struct {
	programs sync.Map // string -> *vm.Program
}

var _ Evaluator = (*ExprLang)(nil)

// NewExprLang creates an expr-lang evaluator.
func NewExprLang() *ExprLang {
	return &ExprLang{}
}

// Evaluate compiles (or reuses) and runs expression against vars.
func (e *ExprLang) Evaluate(ctx context.Context, expression string, vars ir.IRObject) (ir.IRValue, error) {
	src := normalize(expression)
	if src == "" {
		return nil, NewCompileError(expression, ErrEmptyExpression)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewRunError(expression, err)
	}

	program, err := e.compile(src)
	if err != nil {
		return nil, NewCompileError(expression, err)
	}

	out, err := expr.Run(program, ir.ObjectToGo(vars))
	if err != nil {
		return nil, NewRunError(expression, err)
	}
	return toIR(expression, out)
}

func (e *ExprLang) compile(src string) (*vm.Program, error) {
	if cached, ok := e.programs.Load(src); ok {
		return cached.(*vm.Program), nil
	}

	program, err := expr.Compile(src, expr.AsAny())
	if err != nil {
		return nil, err
	}
	e.programs.Store(src, program)
	return program, nil
}

// Check compiles expression and caches the program.
func (e *ExprLang) Check(expression string) error {
	src := normalize(expression)
	if src == "" {
		return NewCompileError(expression, ErrEmptyExpression)
	}
	if _, err := e.compile(src); err != nil {
		return NewCompileError(expression, err)
	}
	return nil
}
