// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
)

// Code classifies a failed operation for API responses and callers.
type Code string

const (
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeOrionRejected          Code = "ORION_REJECTED"
	CodeRollbackUnavailable    Code = "ROLLBACK_UNAVAILABLE"
	CodeDeploymentBlocked      Code = "DEPLOYMENT_BLOCKED"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeUnauthorizedOperation  Code = "UNAUTHORIZED_OPERATION"
	CodeAuditWriteFailed       Code = "AUDIT_WRITE_FAILED"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInternal               Code = "INTERNAL"
)

// Error wraps service-level errors with additional context. Every public
// governance operation that fails returns one.
type Error struct {
	Op      string // Operation name
	Code    Code   // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
	Details any    // Validation report, rule trace, ...
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s (%v)", e.Op, e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new service error.
func NewError(op string, code Code, message string, err error) *Error {
	return &Error{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails attaches structured details and returns the same error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details

	return e
}

// CodeOf extracts the code of err, INTERNAL for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Code
	}

	return CodeInternal
}

// DetailsOf returns the structured details attached to err, if any.
func DetailsOf(err error) any {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Details
	}

	return nil
}

// IsValidationError checks if an error should return HTTP 400.
func IsValidationError(err error) bool {
	return CodeOf(err) == CodeValidationFailed
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	code := CodeOf(err)

	return code == CodeNotFound || code == CodeRollbackUnavailable
}

// IsConflictError checks if an error is a state conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return CodeOf(err) == CodeInvalidStateTransition
}

// IsRejectedError checks if the gate refused the change.
func IsRejectedError(err error) bool {
	return CodeOf(err) == CodeOrionRejected
}

// IsUnauthorizedError checks if an error should return HTTP 403.
func IsUnauthorizedError(err error) bool {
	return CodeOf(err) == CodeUnauthorizedOperation
}
