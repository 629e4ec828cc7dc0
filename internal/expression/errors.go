package expression

import (
	"errors"
	"fmt"
)

// Evaluation phases reported by EvaluationFailure.
const (
	PhaseCompile = "compile"
	PhaseRun     = "run"
	PhaseConvert = "convert"
)

// ErrEmptyExpression is the cause reported for blank expressions.
var ErrEmptyExpression = errors.New("empty expression")

// EvaluationFailure is the typed failure of an expression evaluation.
type EvaluationFailure struct {
	Expression string
	Phase      string
	Cause      error
}

func (e *EvaluationFailure) Error() string {
	return fmt.Sprintf("expression %q failed during %s: %v", e.Expression, e.Phase, e.Cause)
}

func (e *EvaluationFailure) Unwrap() error {
	return e.Cause
}

// NewCompileError creates a failure for expressions that do not parse.
func NewCompileError(expr string, cause error) error {
	return &EvaluationFailure{Expression: expr, Phase: PhaseCompile, Cause: cause}
}

// NewRunError creates a failure for runtime errors.
func NewRunError(expr string, cause error) error {
	return &EvaluationFailure{Expression: expr, Phase: PhaseRun, Cause: cause}
}

// NewConvertError creates a failure for results that have no IR form.
func NewConvertError(expr string, cause error) error {
	return &EvaluationFailure{Expression: expr, Phase: PhaseConvert, Cause: cause}
}

// IsEvaluationFailure reports whether err is (or wraps) an EvaluationFailure.
func IsEvaluationFailure(err error) bool {
	var f *EvaluationFailure
	return errors.As(err, &f)
}
