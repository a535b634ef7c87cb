package mocks

import (
	"context"
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockCounter is a mock implementation of ratewindow.Counter.
type MockCounter struct {
	mock.Mock
}

func (m *MockCounter) CountSince(ctx context.Context, since time.Time) (int, error) {
	args := m.Called(ctx, since)

	return args.Int(0), args.Error(1)
}

func (m *MockCounter) Record(ctx context.Context, deploymentID string, at time.Time) error {
	args := m.Called(ctx, deploymentID, at)

	return args.Error(0)
}

// MockControlSource is a mock implementation of gate.ControlSource.
type MockControlSource struct {
	mock.Mock
}

func (m *MockControlSource) Controls(ctx context.Context) (*models.OperatingControls, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.OperatingControls), args.Error(1)
}
