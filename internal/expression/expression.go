// Package expression evaluates the expressions attached to a multi-instance
// definition (input collection, completion condition, output element,
// child input/output mappings) against a set of visible variables.
//
// Two dialects are available: expr-lang (the default) and JavaScript. Both
// take their variables as an ir.IRObject and return an ir.IRValue; any
// failure is an *EvaluationFailure.
package expression

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/mibody/internal/ir"
)

// Evaluator evaluates one expression against a variable set.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, vars ir.IRObject) (ir.IRValue, error)
}

// Dialect names an expression language.
type Dialect string

const (
	DialectExpr       Dialect = "expr"
	DialectJavaScript Dialect = "javascript"
)

// New returns the evaluator for dialect. An empty dialect selects expr.
func New(dialect Dialect) (Evaluator, error) {
	switch dialect {
	case "", DialectExpr:
		return NewExprLang(), nil
	case DialectJavaScript:
		return NewJavaScript(), nil
	default:
		return nil, fmt.Errorf("unknown expression dialect %q: must be one of: expr, javascript", dialect)
	}
}

// normalize trims whitespace and the optional leading "=" that BPMN
// modelers put in front of expressions.
func normalize(expression string) string {
	s := strings.TrimSpace(expression)
	s = strings.TrimPrefix(s, "=")
	return strings.TrimSpace(s)
}

func toIR(expression string, out any) (ir.IRValue, error) {
	v, err := ir.FromGo(out)
	if err != nil {
		return nil, NewConvertError(expression, err)
	}
	return v, nil
}

// Checker is implemented by evaluators that can reject a malformed
// expression without evaluating it.
type Checker interface {
	Check(expression string) error
}
