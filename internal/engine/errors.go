package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is a failure detected by the engine itself rather than by
// the controller: an unresolvable notification, an activation protocol
// error, an exhausted step quota.
type RuntimeError struct {
	Code      RuntimeErrorCode
	Message   string
	BodyKey   string
	CommandID string
	Details   map[string]string

	// Cause is the underlying error, if any.
	Cause error
}

// RuntimeErrorCode categorizes runtime errors. Codes double as incident
// codes.
type RuntimeErrorCode string

const (
	// ErrCodeQuotaExceeded: Run processed more than max steps commands.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeUnknownChild: a notification names an instance key that no
	// live body owns.
	ErrCodeUnknownChild RuntimeErrorCode = "UNKNOWN_CHILD"

	// ErrCodeUnknownBody: a command names a body that is not active.
	ErrCodeUnknownBody RuntimeErrorCode = "UNKNOWN_BODY"

	// ErrCodeActivationFailed: the activation protocol rejected a child
	// activation or termination.
	ErrCodeActivationFailed RuntimeErrorCode = "ACTIVATION_FAILED"

	// ErrCodeInvalidDefinition: Activate was called with a definition that
	// fails validation.
	ErrCodeInvalidDefinition RuntimeErrorCode = "INVALID_DEFINITION"
)

func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.BodyKey != "" {
		msg += fmt.Sprintf(" (body=%s)", e.BodyKey)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// IsQuotaError reports whether err is a quota failure, either a
// RuntimeError with ErrCodeQuotaExceeded or a StepsExceededError.
func IsQuotaError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) && re.Code == ErrCodeQuotaExceeded {
		return true
	}
	var se *StepsExceededError
	return errors.As(err, &se)
}

// IsRuntimeError reports whether err is a RuntimeError with the given code.
func IsRuntimeError(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == code
}

// NewQuotaError wraps a StepsExceededError for the command that hit it.
func NewQuotaError(bodyKey string, cause *StepsExceededError) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeQuotaExceeded,
		Message: "step quota exceeded",
		BodyKey: bodyKey,
		Details: map[string]string{
			"steps":     fmt.Sprintf("%d", cause.Steps),
			"max_steps": fmt.Sprintf("%d", cause.Limit),
			"dominant":  string(cause.Dominant),
		},
		Cause: cause,
	}
}

func unknownChild(instanceKey string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownChild,
		Message: fmt.Sprintf("no active body owns child instance %q", instanceKey),
		Details: map[string]string{"instance_key": instanceKey},
	}
}

func unknownBody(bodyKey string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownBody,
		Message: "body is not active",
		BodyKey: bodyKey,
	}
}

func activationFailed(bodyKey string, loopCounter int, op string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeActivationFailed,
		Message: fmt.Sprintf("%s child %d", op, loopCounter),
		BodyKey: bodyKey,
		Details: map[string]string{"loop_counter": fmt.Sprintf("%d", loopCounter)},
		Cause:   cause,
	}
}
