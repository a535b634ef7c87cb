package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/orion/pkg/archive"
	"github.com/dukex/orion/pkg/client"
	"github.com/dukex/orion/pkg/cmd"
	"github.com/dukex/orion/pkg/config"
	"github.com/dukex/orion/pkg/engagement"
	"github.com/dukex/orion/pkg/gate"
	"github.com/dukex/orion/pkg/otelhelper"
	"github.com/dukex/orion/pkg/rollback"
	"github.com/dukex/orion/pkg/validation"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
)

const serviceName = "orion-api"

func run(ctx context.Context, logger *slog.Logger, command *cli.Command) error {
	policy, err := config.Load(command.String("policy"))
	if err != nil {
		return err
	}

	capabilities, err := client.ParseCapabilities(command.String("capabilities"))
	if err != nil {
		return err
	}

	tracer := otel.Tracer(serviceName)
	if command.Bool("otel") {
		tracer, err = otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("failed to start tracing: %w", err)
		}
	}

	metrics, err := otelhelper.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := persistence.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "orion", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	engine, err := cmd.NewTransport(logger, command.String("engine-url"), command.String("engine-api-key"), policy.DeployTimeout)
	if err != nil {
		return err
	}

	counter, closeCounter, err := cmd.NewCounter(ctx, logger, command.String("redis-url"), persistence)
	if err != nil {
		return err
	}

	defer func() {
		if err := closeCounter(); err != nil {
			logger.ErrorContext(ctx, "Failed to close rate window", "error", err)
		}
	}()

	g, err := gate.New(logger, gate.Dependencies{
		Transport: engine,
		Controls:  persistence.ControlRepository(),
		Counter:   counter,
		Decisions: persistence.DecisionRepository(),
		Audit:     persistence.AuditRepository(),
	}, policy.GateConfig(),
		gate.WithPublisher(eventBus),
		gate.WithMetrics(metrics),
		gate.WithTracer(tracer),
	)
	if err != nil {
		return err
	}

	validator, err := validation.NewValidator(logger, policy.ValidatorOptions())
	if err != nil {
		return err
	}

	archives := archive.NewStore(logger, persistence.ArchiveRepository())

	coordinator := rollback.NewCoordinator(logger, archives, validator, g,
		rollback.WithPublisher(eventBus),
		rollback.WithTracer(tracer),
	)

	engagements := engagement.NewMachine(logger, persistence.EngagementRepository(),
		engagement.WithPublisher(eventBus),
		engagement.WithMetrics(metrics),
		engagement.WithTracer(tracer),
	)

	governed := client.New(logger, client.Dependencies{
		Engine:    engine,
		Validator: validator,
		Archive:   archives,
		Rollback:  coordinator,
		Gate:      g,
		Decisions: persistence.DecisionRepository(),
	}, capabilities...)

	return NewAPI(logger, persistence, governed, engagements).Start(command.Int("port"))
}
