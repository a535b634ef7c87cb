package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dukex/orion"

// Metrics holds the governance instruments. The zero value is not usable;
// build it with NewMetrics. Instruments come from the global meter provider
// and are no-ops until one is installed.
type Metrics struct {
	decisions   metric.Int64Counter
	deployments metric.Int64Counter
	transitions metric.Int64Counter
}

// NewMetrics creates the governance instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	decisions, err := meter.Int64Counter("orion.gate.decisions",
		metric.WithDescription("Gate decisions by outcome and risk level"))
	if err != nil {
		return nil, err
	}

	deployments, err := meter.Int64Counter("orion.gate.deployments",
		metric.WithDescription("Deployment attempts dispatched to the engine"))
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("orion.engagement.transitions",
		metric.WithDescription("Committed engagement state transitions"))
	if err != nil {
		return nil, err
	}

	return &Metrics{decisions: decisions, deployments: deployments, transitions: transitions}, nil
}

func (m *Metrics) Decision(ctx context.Context, allowed bool, riskLevel string) {
	if m == nil {
		return
	}

	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("risk_level", riskLevel),
	))
}

func (m *Metrics) Deployment(ctx context.Context, status string) {
	if m == nil {
		return
	}

	m.deployments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) Transition(ctx context.Context, toState string) {
	if m == nil {
		return
	}

	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to_state", toState)))
}
