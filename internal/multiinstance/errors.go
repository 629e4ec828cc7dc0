package multiinstance

import (
	"errors"
	"fmt"
)

// Failure codes. Callers use them as incident codes.
const (
	CodeInputCollectionEvaluationFailed     = "INPUT_COLLECTION_EVALUATION_FAILED"
	CodeCompletionConditionEvaluationFailed = "COMPLETION_CONDITION_EVALUATION_FAILED"
	CodeOutputElementEvaluationFailed       = "OUTPUT_ELEMENT_EVALUATION_FAILED"
	CodeInvariantViolation                  = "INVARIANT_VIOLATION"
)

// evaluationFailure carries the context shared by all expression-driven
// failures: enough to raise a user-visible incident.
type evaluationFailure struct {
	BodyKey     string
	ElementID   string
	Expression  string
	LoopCounter int
	Reason      string
	Cause       error
}

func (f *evaluationFailure) describe(what string) string {
	msg := fmt.Sprintf("%s of element %q: expression %q", what, f.ElementID, f.Expression)
	if f.LoopCounter > 0 {
		msg += fmt.Sprintf(" (loop counter %d)", f.LoopCounter)
	}
	return msg + ": " + f.Reason
}

// InputCollectionEvaluationFailed aborts activation: the input collection
// expression failed or did not yield an array. No body is created.
type InputCollectionEvaluationFailed struct {
	evaluationFailure
}

func (e *InputCollectionEvaluationFailed) Error() string {
	return e.describe("input collection")
}

func (e *InputCollectionEvaluationFailed) Unwrap() error { return e.Cause }

// Code returns the incident code.
func (e *InputCollectionEvaluationFailed) Code() string { return CodeInputCollectionEvaluationFailed }

// CompletionConditionEvaluationFailed aborts a child completion: the
// completion condition failed or did not yield a boolean. It is never
// treated as false.
type CompletionConditionEvaluationFailed struct {
	evaluationFailure
}

func (e *CompletionConditionEvaluationFailed) Error() string {
	return e.describe("completion condition")
}

func (e *CompletionConditionEvaluationFailed) Unwrap() error { return e.Cause }

// Code returns the incident code.
func (e *CompletionConditionEvaluationFailed) Code() string {
	return CodeCompletionConditionEvaluationFailed
}

// OutputElementEvaluationFailed aborts a child completion: the output
// element expression failed.
type OutputElementEvaluationFailed struct {
	evaluationFailure
}

func (e *OutputElementEvaluationFailed) Error() string {
	return e.describe("output element")
}

func (e *OutputElementEvaluationFailed) Unwrap() error { return e.Cause }

// Code returns the incident code.
func (e *OutputElementEvaluationFailed) Code() string { return CodeOutputElementEvaluationFailed }

// InvariantViolation is a programming error: a notification that cannot
// happen for a correct caller (a second completion for one index, a
// notification for a retired body) or a broken internal invariant. It is
// never absorbed.
type InvariantViolation struct {
	BodyKey     string
	LoopCounter int
	Reason      string
}

func (e *InvariantViolation) Error() string {
	if e.LoopCounter > 0 {
		return fmt.Sprintf("invariant violation in body %q, loop counter %d: %s", e.BodyKey, e.LoopCounter, e.Reason)
	}
	return fmt.Sprintf("invariant violation in body %q: %s", e.BodyKey, e.Reason)
}

// Code returns the incident code.
func (e *InvariantViolation) Code() string { return CodeInvariantViolation }

func violation(bodyKey string, loopCounter int, format string, args ...any) *InvariantViolation {
	return &InvariantViolation{BodyKey: bodyKey, LoopCounter: loopCounter, Reason: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err is (or wraps) an
// InvariantViolation.
func IsInvariantViolation(err error) bool {
	var v *InvariantViolation
	return errors.As(err, &v)
}

// Coded is implemented by every typed failure of this package.
type Coded interface {
	error
	Code() string
}

// CodeOf returns the failure code of err, or "" when err carries none.
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}
