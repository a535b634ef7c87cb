package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "message and cause",
			err:      NewError("gate.Deploy", CodeDeploymentBlocked, "engine unreachable", cause),
			expected: "gate.Deploy: DEPLOYMENT_BLOCKED: engine unreachable (connection refused)",
		},
		{
			name:     "message only",
			err:      NewError("gate.Evaluate", CodeOrionRejected, "2 rules failed", nil),
			expected: "gate.Evaluate: ORION_REJECTED: 2 rules failed",
		},
		{
			name:     "cause only",
			err:      NewError("archive.Save", CodeInternal, "", cause),
			expected: "archive.Save: INTERNAL: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestCodeOf(t *testing.T) {
	rejected := NewError("gate.Evaluate", CodeOrionRejected, "rejected", nil)

	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeOrionRejected, CodeOf(rejected))
	assert.Equal(t, CodeOrionRejected, CodeOf(fmt.Errorf("deploy: %w", rejected)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestDetailsOf(t *testing.T) {
	details := map[string]any{"failedRules": []string{"reason_length"}}
	err := NewError("gate.Evaluate", CodeOrionRejected, "rejected", nil).WithDetails(details)

	assert.Equal(t, details, DetailsOf(fmt.Errorf("wrapped: %w", err)))
	assert.Nil(t, DetailsOf(errors.New("plain")))
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		code     Code
		check    func(error) bool
		expected bool
	}{
		{CodeValidationFailed, IsValidationError, true},
		{CodeNotFound, IsNotFoundError, true},
		{CodeRollbackUnavailable, IsNotFoundError, true},
		{CodeInvalidStateTransition, IsConflictError, true},
		{CodeOrionRejected, IsRejectedError, true},
		{CodeUnauthorizedOperation, IsUnauthorizedError, true},
		{CodeInternal, IsNotFoundError, false},
		{CodeOrionRejected, IsValidationError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.check(NewError("op", tt.code, "", nil)))
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError("archive.Save", CodeAuditWriteFailed, "audit write failed", cause)

	assert.ErrorIs(t, err, cause)
}
