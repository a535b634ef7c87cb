// Package transport defines the narrow contract between the governance layer
// and the external workflow-automation engine.
package transport

import (
	"context"
	"errors"

	"github.com/dukex/orion/pkg/models"
)

var (
	// ErrWorkflowNotFound indicates the engine has no workflow with the given id.
	ErrWorkflowNotFound = errors.New("workflow not found in engine")

	// ErrEngineUnavailable indicates the engine could not be reached or answered with a server error.
	ErrEngineUnavailable = errors.New("workflow engine unavailable")
)

// Transport is the deploy surface of the engine. Only the approval gate calls
// the mutating methods; every call is a single attempt.
type Transport interface {
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	UpdateWorkflow(ctx context.Context, id string, definition *models.WorkflowDefinition) error
	ActivateWorkflow(ctx context.Context, id string) error
	DeactivateWorkflow(ctx context.Context, id string) error
}

// ExecutionFilter narrows ListExecutions. Zero values mean no filter.
type ExecutionFilter struct {
	WorkflowID string
	Status     models.ExecutionStatus
	Limit      int
}

// Reader is the read-only surface of the engine.
type Reader interface {
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]models.WorkflowSummary, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]models.Execution, error)
}

// Engine is what a concrete adapter provides.
type Engine interface {
	Transport
	Reader
}
