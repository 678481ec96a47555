package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrValidationError = "VALIDATION_ERROR"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrStepMismatch    = "STEP_MISMATCH"
	ErrRoleMismatch    = "ROLE_MISMATCH"
	ErrTerminalState   = "TERMINAL_STATE"
	ErrDelegationLimit = "DELEGATION_LIMIT"
	ErrImmutable       = "IMMUTABLE"
)

// ErrorEnvelope is the single error type surfaced by the engine. Every
// business outcome carries a code plus enough context to render an
// actionable message. It implements the error interface.
type ErrorEnvelope struct {
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	Details    []FieldError `json:"details,omitempty"`
	InstanceID string       `json:"instance_id,omitempty"`
	StepOrder  int          `json:"step_order,omitempty"`
	Expected   string       `json:"expected,omitempty"`
	Actual     string       `json:"actual,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f FieldError) Error() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// CodeOf returns the code of the first ErrorEnvelope in err's chain, or
// INTERNAL_ERROR if there is none.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// IsCode reports whether err's chain carries an ErrorEnvelope with code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	return errors.As(err, &ee) && ee.Code == code
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidFieldError is a VALIDATION_ERROR for a single field.
func NewInvalidFieldError(field, code, msg string) *ErrorEnvelope {
	return NewValidationError([]FieldError{{Field: field, Code: code, Message: msg}})
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewStepMismatchError is returned when an action targets a step that is not
// the instance's current step.
func NewStepMismatchError(instanceID string, expected, actual int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrStepMismatch,
		Message:    fmt.Sprintf("instance %q is at step %d, action targets step %d", instanceID, expected, actual),
		InstanceID: instanceID,
		StepOrder:  actual,
		Expected:   fmt.Sprint(expected),
		Actual:     fmt.Sprint(actual),
	}
}

// NewRoleMismatchError is returned when the actor may not act on the step.
func NewRoleMismatchError(instanceID string, step int, expected, actual string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrRoleMismatch,
		Message:    fmt.Sprintf("step %d of instance %q requires %s, actor has %s", step, instanceID, expected, actual),
		InstanceID: instanceID,
		StepOrder:  step,
		Expected:   expected,
		Actual:     actual,
	}
}

// NewTerminalStateError is returned for any transition on a finished instance.
func NewTerminalStateError(instanceID string, status Status) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrTerminalState,
		Message:    fmt.Sprintf("instance %q is %s and accepts no further actions", instanceID, status),
		InstanceID: instanceID,
		Actual:     string(status),
	}
}

// NewDelegationLimitError is returned when a step has been delegated more
// times than the configured depth.
func NewDelegationLimitError(instanceID string, step, limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrDelegationLimit,
		Message:    fmt.Sprintf("step %d of instance %q reached the delegation limit of %d", step, instanceID, limit),
		InstanceID: instanceID,
		StepOrder:  step,
		Expected:   fmt.Sprintf("<= %d", limit),
		Actual:     fmt.Sprint(limit + 1),
	}
}

// NewImmutableError is returned when a referenced template version is edited
// in place.
func NewImmutableError(code string, version int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrImmutable,
		Message: fmt.Sprintf("template %s v%d is referenced by workflow instances; publish a new version instead", code, version),
	}
}
