// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrArchiveNotFound indicates no archive entry exists for the given workflow and hash.
	ErrArchiveNotFound = errors.New("archive entry not found")

	// ErrAuditNotFound indicates an audit record was not found by the given identifier.
	ErrAuditNotFound = errors.New("audit record not found")

	// ErrAlreadyDeployed indicates deployed_at was already set on an audit record.
	ErrAlreadyDeployed = errors.New("audit record already deployed")

	// ErrDuplicateAudit indicates an audit record already exists for the proposal.
	ErrDuplicateAudit = errors.New("audit record already exists for proposal")

	// ErrDecisionNotFound indicates a decision was not found in the decision log.
	ErrDecisionNotFound = errors.New("decision not found")

	// ErrDecisionUsed indicates the decision already granted another engagement approval.
	ErrDecisionUsed = errors.New("decision already approved an engagement")

	// ErrStaleState indicates a concurrent writer changed the state first.
	ErrStaleState = errors.New("state changed concurrently")

	// ErrImmutable indicates an attempt to edit an append-only row.
	ErrImmutable = errors.New("record is immutable")
)

// StoreError wraps repository errors with additional context.
type StoreError struct {
	Op     string // Operation being performed (e.g., "Insert", "MarkDeployed")
	Entity string // Entity kind ("audit", "archive", ...)
	ID     string // Entity identifier if applicable
	Err    error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Entity, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for store errors.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, entity, id string, err error) *StoreError {
	return &StoreError{
		Op:     op,
		Entity: entity,
		ID:     id,
		Err:    err,
	}
}

// IsArchiveNotFound checks if an error indicates an archive entry was not found.
func IsArchiveNotFound(err error) bool {
	return errors.Is(err, ErrArchiveNotFound)
}

// IsAlreadyDeployed checks if an error indicates deployed_at was already set.
func IsAlreadyDeployed(err error) bool {
	return errors.Is(err, ErrAlreadyDeployed)
}

// IsStaleState checks if an error indicates a lost concurrent update.
func IsStaleState(err error) bool {
	return errors.Is(err, ErrStaleState)
}

// IsDecisionNotFound checks if an error indicates a decision was not found.
func IsDecisionNotFound(err error) bool {
	return errors.Is(err, ErrDecisionNotFound)
}

// IsDecisionUsed checks if an error indicates a decision was already spent on an approval.
func IsDecisionUsed(err error) bool {
	return errors.Is(err, ErrDecisionUsed)
}
