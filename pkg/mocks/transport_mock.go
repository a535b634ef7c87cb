// Package mocks provides testify mocks for the governance collaborators.
package mocks

import (
	"context"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/transport"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a mock implementation of transport.Engine.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowDefinition), args.Error(1)
}

func (m *MockTransport) UpdateWorkflow(ctx context.Context, id string, definition *models.WorkflowDefinition) error {
	args := m.Called(ctx, id, definition)

	return args.Error(0)
}

func (m *MockTransport) ActivateWorkflow(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockTransport) DeactivateWorkflow(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockTransport) ListWorkflows(ctx context.Context) ([]models.WorkflowSummary, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.WorkflowSummary), args.Error(1)
}

func (m *MockTransport) ListExecutions(ctx context.Context, filter transport.ExecutionFilter) ([]models.Execution, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.Execution), args.Error(1)
}
