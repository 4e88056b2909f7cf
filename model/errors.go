package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Definition-time violation codes produced by the structural validator.
const (
	ErrMissingEntryState           = "MISSING_ENTRY_STATE"
	ErrAmbiguousEntryState         = "AMBIGUOUS_ENTRY_STATE"
	ErrMissingFinalState           = "MISSING_FINAL_STATE"
	ErrDanglingTransitionReference = "DANGLING_TRANSITION_REFERENCE"
	ErrUnreachableState            = "UNREACHABLE_STATE"
	ErrDeadEndState                = "DEAD_END_STATE"
	ErrDuplicateIdentifier         = "DUPLICATE_IDENTIFIER"
)

// Definition lifecycle error codes.
const (
	ErrDefinitionImmutable = "DEFINITION_IMMUTABLE"
	ErrInvalidLifecycle    = "INVALID_LIFECYCLE"
)

// Transition-time error codes.
const (
	ErrDefinitionNotActive    = "DEFINITION_NOT_ACTIVE"
	ErrUnknownTransition      = "UNKNOWN_TRANSITION"
	ErrInvalidSource          = "INVALID_SOURCE"
	ErrTransitionUnauthorized = "TRANSITION_UNAUTHORIZED"
	ErrRequirementsNotMet     = "REQUIREMENTS_NOT_MET"
	ErrInstanceClosed         = "INSTANCE_CLOSED"
)

// ErrorEnvelope is the standard error value returned by the engine and
// serialised by the transport. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a single failed check. Field names the offending
// element (a state id, transition id, payload field or requirement).
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" if err is not (and
// does not wrap) an ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
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

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewDefinitionImmutableError returns a DEFINITION_IMMUTABLE error.
func NewDefinitionImmutableError(id, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionImmutable,
		Message: fmt.Sprintf("definition %q is %s and can no longer be edited", id, status),
	}
}

// NewInvalidLifecycleError returns an INVALID_LIFECYCLE error.
func NewInvalidLifecycleError(id, from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidLifecycle,
		Message: fmt.Sprintf("definition %q cannot move from %s to %s", id, from, to),
	}
}

// NewDefinitionNotActiveError returns a DEFINITION_NOT_ACTIVE error.
func NewDefinitionNotActiveError(id, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionNotActive,
		Message: fmt.Sprintf("definition %q is %s", id, status),
	}
}

// NewUnknownTransitionError returns an UNKNOWN_TRANSITION error.
func NewUnknownTransitionError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownTransition,
		Message: fmt.Sprintf("transition %q does not exist in the definition", id),
	}
}

// NewInvalidSourceError returns an INVALID_SOURCE error.
func NewInvalidSourceError(transitionID, currentStateID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidSource,
		Message: fmt.Sprintf("transition %q cannot fire from state %q", transitionID, currentStateID),
	}
}

// NewTransitionUnauthorizedError returns a TRANSITION_UNAUTHORIZED error.
func NewTransitionUnauthorizedError(transitionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTransitionUnauthorized,
		Message: fmt.Sprintf("actor lacks the roles required by transition %q", transitionID),
	}
}

// NewRequirementsNotMetError returns a REQUIREMENTS_NOT_MET error listing
// every unmet requirement.
func NewRequirementsNotMetError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRequirementsNotMet,
		Message: "One or more requirements are not met",
		Details: details,
	}
}

// NewInstanceClosedError returns an INSTANCE_CLOSED error.
func NewInstanceClosedError(id, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceClosed,
		Message: fmt.Sprintf("instance %q is %s", id, status),
	}
}
