// Package rollback turns an archived workflow version into a gated change proposal.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/orion/pkg/archive"
	"github.com/dukex/orion/pkg/eventbus"
	"github.com/dukex/orion/pkg/events"
	"github.com/dukex/orion/pkg/gate"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/otelhelper"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/services"
	"github.com/dukex/orion/pkg/validation"
	"github.com/dukex/orion/pkg/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReasonPrefix marks the reason of every rollback proposal.
const ReasonPrefix = "ROLLBACK: "

// Result is a prepared rollback waiting for a gate decision.
type Result struct {
	Proposal *models.ChangeProposal     `json:"proposal"`
	Target   *models.WorkflowDefinition `json:"target"`
	// CurrentArchive is the snapshot of the version being replaced.
	CurrentArchive *models.ArchiveEntry `json:"currentArchive"`
}

// Coordinator prepares and executes rollbacks. Execution always goes through
// the gate.
type Coordinator struct {
	logger    *slog.Logger
	archive   *archive.Store
	validator *validation.Validator
	gate      *gate.Gate
	publisher eventbus.EventPublisher
	tracer    trace.Tracer
}

// Option configures the Coordinator.
type Option func(*Coordinator)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(c *Coordinator) { c.publisher = publisher }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = tracer }
}

func NewCoordinator(logger *slog.Logger, store *archive.Store, validator *validation.Validator, g *gate.Gate, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:    logger.With("module", "rollback"),
		archive:   store,
		validator: validator,
		gate:      g,
		publisher: eventbus.Noop{},
		tracer:    otel.Tracer("github.com/dukex/orion/pkg/rollback"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CanRollback reports whether replacing current with target is a real rollback.
func CanRollback(current, target *models.WorkflowDefinition) (bool, string) {
	if current == nil || target == nil {
		return false, "current and target versions are required"
	}

	if current.ID != target.ID {
		return false, fmt.Sprintf("target belongs to workflow %s, not %s", target.ID, current.ID)
	}

	currentHash, err := workflow.VersionHash(current)
	if err != nil {
		return false, fmt.Sprintf("current version cannot be hashed: %v", err)
	}

	targetHash, err := workflow.VersionHash(target)
	if err != nil {
		return false, fmt.Sprintf("target version cannot be hashed: %v", err)
	}

	if currentHash == targetHash {
		return false, "identical version: current workflow already matches " + targetHash
	}

	return true, ""
}

// PrepareRollback builds a proposal that replaces current with the archived
// version at targetHash. The current version is archived before anything is
// returned, and the proposal always requires approval.
func (c *Coordinator) PrepareRollback(ctx context.Context, targetHash string, current *models.WorkflowDefinition, reason, actor string) (*Result, error) {
	const op = "rollback.PrepareRollback"

	if current == nil {
		return nil, services.NewError(op, services.CodeValidationFailed, "current workflow definition is required", nil)
	}

	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "rollback.prepare",
		attribute.String(otelhelper.WorkflowIDKey, current.ID),
		attribute.String(otelhelper.TargetHashKey, targetHash),
	)
	defer span.End()

	entry, err := c.archive.GetByHash(ctx, current.ID, targetHash)
	if err != nil {
		otelhelper.SetError(span, err)

		if errors.Is(err, persistence.ErrArchiveNotFound) {
			return nil, services.NewError(op, services.CodeRollbackUnavailable,
				fmt.Sprintf("workflow %s has no archived version %s", current.ID, targetHash), err)
		}

		return nil, err
	}

	target := models.CloneWorkflow(&entry.Snapshot)

	if ok, why := CanRollback(current, target); !ok {
		err := validation.ValidationFailed(op, validation.CheckNoChange, "%s", why)
		otelhelper.SetError(span, err)

		return nil, err
	}

	proposal, err := c.validator.Propose(ctx, validation.ProposeRequest{
		Previous:   current,
		Proposed:   target,
		Reason:     ReasonPrefix + reason,
		ProposedBy: actor,
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	snapshot, err := c.archive.Archive(ctx, current, "pre-rollback snapshot", actor)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	proposal.RequiresApproval = true
	proposal.Rollback = true

	span.SetAttributes(
		attribute.String(otelhelper.ProposalIDKey, proposal.ID),
		attribute.String(otelhelper.RiskLevelKey, string(proposal.RiskLevel)),
	)

	c.logger.InfoContext(ctx, "Rollback prepared",
		"workflow_id", current.ID,
		"proposal_id", proposal.ID,
		"current_hash", snapshot.VersionHash,
		"target_hash", targetHash,
		"risk_level", proposal.RiskLevel,
		"actor", actor,
	)

	err = c.publisher.Publish(ctx, current.ID, events.RollbackPrepared{
		BaseEvent:   events.NewBaseEvent(events.RollbackPreparedEvent, current.ID),
		ProposalID:  proposal.ID,
		TargetHash:  targetHash,
		CurrentHash: snapshot.VersionHash,
		Actor:       actor,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to publish rollback event", "proposal_id", proposal.ID, "error", err)
	}

	return &Result{Proposal: proposal, Target: target, CurrentArchive: snapshot}, nil
}

// ExecuteRollback deploys a prepared rollback under an allowed decision.
func (c *Coordinator) ExecuteRollback(ctx context.Context, result *Result, decision *models.Decision, approver string) (*models.AuditRecord, error) {
	const op = "rollback.ExecuteRollback"

	if result == nil || result.Proposal == nil || result.Target == nil {
		return nil, services.NewError(op, services.CodeValidationFailed, "prepared rollback is required", nil)
	}

	if !result.Proposal.Rollback {
		return nil, services.NewError(op, services.CodeValidationFailed,
			fmt.Sprintf("proposal %s is not a rollback", result.Proposal.ID), nil)
	}

	if decision == nil {
		return nil, services.NewError(op, services.CodeValidationFailed, "decision is required", nil)
	}

	if !decision.Allowed {
		return nil, gate.Rejected(op, decision)
	}

	return c.gate.DeployApproved(ctx, gate.DeployRequest{
		Decision:   decision,
		Proposal:   result.Proposal,
		Definition: result.Target,
		Approver:   approver,
	})
}
