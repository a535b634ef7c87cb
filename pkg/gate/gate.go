// Package gate implements Orion, the approval gate. It is the only code path
// that may invoke the deploy transport.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/dukex/orion/pkg/eventbus"
	"github.com/dukex/orion/pkg/events"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/otelhelper"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/ratewindow"
	"github.com/dukex/orion/pkg/services"
	"github.com/dukex/orion/pkg/transport"
	"github.com/dukex/orion/pkg/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxDeploymentsPerHour = 10
	DefaultDeployTimeout         = 30 * time.Second
)

// Deployment stages recorded on failures.
const (
	StageUpdate     = "update"
	StageActivate   = "activate"
	StageDeactivate = "deactivate"
)

// ControlSource provides the externally owned operational controls.
type ControlSource interface {
	Controls(ctx context.Context) (*models.OperatingControls, error)
}

// Config holds the gate policy knobs.
type Config struct {
	MaxDeploymentsPerHour int
	DeployTimeout         time.Duration
}

// Dependencies are the collaborators of the gate.
type Dependencies struct {
	Transport transport.Transport
	Controls  ControlSource
	Counter   ratewindow.Counter
	Decisions persistence.DecisionRepository
	Audit     persistence.AuditRepository
}

// Gate evaluates proposals and deploys approved ones.
type Gate struct {
	logger    *slog.Logger
	deps      Dependencies
	config    Config
	rules     []Rule
	publisher eventbus.EventPublisher
	metrics   *otelhelper.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures the Gate.
type Option func(*Gate)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(g *Gate) { g.publisher = publisher }
}

func WithMetrics(metrics *otelhelper.Metrics) Option {
	return func(g *Gate) { g.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(g *Gate) { g.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates the gate with the standard Rules.
func New(logger *slog.Logger, deps Dependencies, config Config, opts ...Option) (*Gate, error) {
	if deps.Transport == nil || deps.Controls == nil || deps.Counter == nil || deps.Decisions == nil || deps.Audit == nil {
		return nil, errors.New("gate: transport, controls, counter, decision log and audit trail are required")
	}

	if config.MaxDeploymentsPerHour <= 0 {
		config.MaxDeploymentsPerHour = DefaultMaxDeploymentsPerHour
	}

	if config.DeployTimeout <= 0 {
		config.DeployTimeout = DefaultDeployTimeout
	}

	g := &Gate{
		logger:    logger.With("module", "gate"),
		deps:      deps,
		config:    config,
		rules:     Rules,
		publisher: eventbus.Noop{},
		tracer:    otel.Tracer("github.com/dukex/orion/pkg/gate"),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// OperatingContext reads the current controls and deployment count.
func (g *Gate) OperatingContext(ctx context.Context) (models.OperatingContext, error) {
	controls, err := g.deps.Controls.Controls(ctx)
	if err != nil {
		return models.OperatingContext{}, fmt.Errorf("failed to read operational controls: %w", err)
	}

	if controls == nil {
		controls = &models.OperatingControls{}
	}

	recent, err := ratewindow.Recent(ctx, g.deps.Counter, g.now())
	if err != nil {
		return models.OperatingContext{}, fmt.Errorf("failed to count recent deployments: %w", err)
	}

	return models.OperatingContext{
		AutonomyLevel:         clampAutonomy(controls.AutonomyLevel),
		RecentDeployments:     recent,
		MaxDeploymentsPerHour: g.config.MaxDeploymentsPerHour,
		Flags:                 maps.Clone(controls.Flags),
	}, nil
}

func clampAutonomy(level int) int {
	return max(models.MinAutonomyLevel, min(level, models.MaxAutonomyLevel))
}

// Evaluate decides a proposal and appends the decision, the proposal and the
// operating context to the decision log. A rejection is a Decision with
// Allowed false, not an error.
func (g *Gate) Evaluate(ctx context.Context, proposal *models.ChangeProposal) (*models.Decision, error) {
	const op = "gate.Evaluate"

	if proposal == nil {
		return nil, services.NewError(op, services.CodeValidationFailed, "proposal is required", nil)
	}

	ctx, span := otelhelper.StartSpan(ctx, g.tracer, "gate.evaluate",
		attribute.String(otelhelper.ProposalIDKey, proposal.ID),
		attribute.String(otelhelper.WorkflowIDKey, proposal.WorkflowID),
		attribute.String(otelhelper.RiskLevelKey, string(proposal.RiskLevel)),
		attribute.Int(otelhelper.RiskScoreKey, proposal.RiskScore),
	)
	defer span.End()

	opctx, err := g.OperatingContext(ctx)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, services.NewError(op, services.CodeInternal, "failed to read operating context", err)
	}

	results, failures := evaluateRules(g.rules, proposal, opctx)

	decision := &models.Decision{
		ID:            uuid.NewString(),
		ProposalID:    proposal.ID,
		Allowed:       failures == "",
		Reason:        failures,
		AutonomyLevel: opctx.AutonomyLevel,
		Rules:         results,
		DecidedAt:     g.now(),
	}

	if decision.Allowed {
		decision.Reason = "all rules passed"
		decision.Conditions = conditionsFor(proposal, opctx)
	}

	err = g.deps.Decisions.Append(ctx, &models.DecisionLogEntry{
		Decision: *decision,
		Proposal: *proposal,
		Context:  opctx,
	})
	if err != nil {
		otelhelper.SetError(span, err)
		g.logger.ErrorContext(ctx, "Failed to record decision", "proposal_id", proposal.ID, "error", err)

		return nil, services.NewError(op, services.CodeAuditWriteFailed, "failed to record decision", err)
	}

	span.SetAttributes(
		attribute.String(otelhelper.DecisionIDKey, decision.ID),
		attribute.Bool("orion.decision.allowed", decision.Allowed),
		attribute.Int(otelhelper.AutonomyLevelKey, opctx.AutonomyLevel),
	)

	g.metrics.Decision(ctx, decision.Allowed, string(proposal.RiskLevel))

	g.logger.InfoContext(ctx, "Proposal evaluated",
		"proposal_id", proposal.ID,
		"decision_id", decision.ID,
		"workflow_id", proposal.WorkflowID,
		"allowed", decision.Allowed,
		"reason", decision.Reason,
		"autonomy_level", opctx.AutonomyLevel,
		"recent_deployments", opctx.RecentDeployments,
	)

	g.publish(ctx, proposal.WorkflowID, events.ProposalEvaluated{
		BaseEvent:     events.NewBaseEvent(events.ProposalEvaluatedEvent, proposal.WorkflowID),
		ProposalID:    proposal.ID,
		DecisionID:    decision.ID,
		Allowed:       decision.Allowed,
		Reason:        decision.Reason,
		RiskScore:     proposal.RiskScore,
		RiskLevel:     proposal.RiskLevel,
		AutonomyLevel: opctx.AutonomyLevel,
	})

	return decision, nil
}

// Rejected builds the ORION_REJECTED error for a decision, with the rule trace as details.
func Rejected(op string, decision *models.Decision) *services.Error {
	return services.NewError(op, services.CodeOrionRejected, decision.Reason, nil).WithDetails(decision)
}

// DeployRequest carries everything DeployApproved needs.
type DeployRequest struct {
	Decision   *models.Decision
	Proposal   *models.ChangeProposal
	Definition *models.WorkflowDefinition
	Approver   string
}

// Deployment is the result of a successful ExecuteDeployment.
type Deployment struct {
	Decision *models.Decision    `json:"decision"`
	Audit    *models.AuditRecord `json:"audit"`
}

// ExecuteDeployment evaluates the proposal and, when allowed, deploys it. On
// ORION_REJECTED the returned Deployment still carries the logged decision.
func (g *Gate) ExecuteDeployment(ctx context.Context, proposal *models.ChangeProposal, definition *models.WorkflowDefinition, approver string) (*Deployment, error) {
	const op = "gate.ExecuteDeployment"

	if err := checkDefinition(op, proposal, definition); err != nil {
		return nil, err
	}

	decision, err := g.Evaluate(ctx, proposal)
	if err != nil {
		return nil, err
	}

	if !decision.Allowed {
		return &Deployment{Decision: decision}, Rejected(op, decision)
	}

	record, err := g.DeployApproved(ctx, DeployRequest{
		Decision:   decision,
		Proposal:   proposal,
		Definition: definition,
		Approver:   approver,
	})

	return &Deployment{Decision: decision, Audit: record}, err
}

func checkDefinition(op string, proposal *models.ChangeProposal, definition *models.WorkflowDefinition) error {
	if proposal == nil || definition == nil {
		return services.NewError(op, services.CodeValidationFailed, "proposal and workflow definition are required", nil)
	}

	if definition.ID != proposal.WorkflowID {
		return services.NewError(op, services.CodeValidationFailed,
			fmt.Sprintf("workflow %s does not belong to proposal for %s", definition.ID, proposal.WorkflowID), nil)
	}

	hash, err := workflow.VersionHash(definition)
	if err != nil {
		return services.NewError(op, services.CodeValidationFailed, "workflow cannot be hashed", err)
	}

	if hash != proposal.ProposedHash {
		return services.NewError(op, services.CodeValidationFailed,
			fmt.Sprintf("workflow hash %s does not match proposed hash %s", hash, proposal.ProposedHash), nil)
	}

	return nil
}

// DeployApproved deploys a proposal whose allowed decision is in the decision
// log. The audit record is written before the transport is touched; a
// transport failure leaves it undeployed and writes a DeploymentFailure.
func (g *Gate) DeployApproved(ctx context.Context, req DeployRequest) (*models.AuditRecord, error) {
	const op = "gate.DeployApproved"

	if req.Decision == nil {
		return nil, services.NewError(op, services.CodeValidationFailed, "decision is required", nil)
	}

	if err := checkDefinition(op, req.Proposal, req.Definition); err != nil {
		return nil, err
	}

	ctx, span := otelhelper.StartSpan(ctx, g.tracer, "gate.deploy",
		attribute.String(otelhelper.ProposalIDKey, req.Proposal.ID),
		attribute.String(otelhelper.DecisionIDKey, req.Decision.ID),
		attribute.String(otelhelper.WorkflowIDKey, req.Proposal.WorkflowID),
	)
	defer span.End()

	if err := g.verifyDecision(ctx, op, req); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	approver := req.Approver
	if approver == "" {
		if err := requireApprover(op, req.Proposal); err != nil {
			otelhelper.SetError(span, err)

			return nil, err
		}

		approver = models.AutoApprover
	}

	record, err := g.writeAudit(ctx, op, req, approver)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.AuditIDKey, record.ID))

	stage, err := g.dispatch(ctx, req.Proposal.WorkflowID, req.Definition)
	if err != nil {
		otelhelper.SetError(span, err, attribute.String("orion.deploy.stage", stage))

		return nil, g.recordFailure(ctx, op, record, stage, err)
	}

	deployedAt := g.now()

	err = g.deps.Audit.MarkDeployed(ctx, record.ID, deployedAt)
	if err != nil {
		otelhelper.SetError(span, err)
		g.logger.ErrorContext(ctx, "Deployment succeeded but deployed_at could not be recorded",
			"audit_id", record.ID, "proposal_id", record.ProposalID, "error", err)

		return nil, services.NewError(op, services.CodeAuditWriteFailed, "failed to record deployment", err).WithDetails(record)
	}

	record.DeployedAt = &deployedAt

	err = g.deps.Counter.Record(ctx, record.ID, deployedAt)
	if err != nil {
		g.logger.WarnContext(ctx, "Failed to record deployment in rate window", "audit_id", record.ID, "error", err)
	}

	g.metrics.Deployment(ctx, "ok")

	g.logger.InfoContext(ctx, "Workflow deployed",
		"workflow_id", record.WorkflowID,
		"proposal_id", record.ProposalID,
		"decision_id", record.DecisionID,
		"audit_id", record.ID,
		"approver", approver,
		"change_type", record.ChangeType,
	)

	g.publish(ctx, record.WorkflowID, events.WorkflowDeployed{
		BaseEvent:       events.NewBaseEvent(events.WorkflowDeployedEvent, record.WorkflowID),
		ProposalID:      record.ProposalID,
		AuditID:         record.ID,
		ChangeType:      record.ChangeType,
		VersionHash:     record.ProposedHash,
		Approver:        approver,
		Conditions:      req.Decision.Conditions,
		NotifyOperators: slices.Contains(req.Decision.Conditions, ConditionNotifyOperators),
	})

	return record, nil
}

// requireApprover refuses auto-approval. Rollbacks always need a named
// approver, whatever the flag on the proposal says.
func requireApprover(op string, proposal *models.ChangeProposal) error {
	switch {
	case proposal.Rollback:
		return services.NewError(op, services.CodeUnauthorizedOperation, "rollback requires an explicit approver", nil)
	case proposal.RequiresApproval:
		return services.NewError(op, services.CodeUnauthorizedOperation,
			fmt.Sprintf("%s risk proposal requires an explicit approver", proposal.RiskLevel), nil)
	default:
		return nil
	}
}

// verifyDecision accepts only an allowed decision that the gate itself logged
// for this very proposal version.
func (g *Gate) verifyDecision(ctx context.Context, op string, req DeployRequest) error {
	if !req.Decision.Allowed {
		return Rejected(op, req.Decision)
	}

	if req.Decision.ProposalID != req.Proposal.ID {
		return services.NewError(op, services.CodeValidationFailed,
			fmt.Sprintf("decision %s was made for proposal %s, not %s", req.Decision.ID, req.Decision.ProposalID, req.Proposal.ID), nil)
	}

	logged, err := g.deps.Decisions.GetByID(ctx, req.Decision.ID)
	if err != nil {
		return services.NewError(op, services.CodeInternal, "failed to read decision log", err)
	}

	if logged == nil {
		return services.NewError(op, services.CodeUnauthorizedOperation,
			fmt.Sprintf("decision %s is not in the decision log", req.Decision.ID), persistence.ErrDecisionNotFound)
	}

	if !logged.Decision.Allowed {
		return Rejected(op, &logged.Decision)
	}

	if logged.Proposal.ID != req.Proposal.ID || logged.Proposal.ProposedHash != req.Proposal.ProposedHash {
		return services.NewError(op, services.CodeUnauthorizedOperation,
			fmt.Sprintf("decision %s does not cover this proposal version", req.Decision.ID), nil)
	}

	return nil
}

// writeAudit inserts the audit record. An undeployed record left by a
// previous failed attempt is reused only when it describes the same change.
func (g *Gate) writeAudit(ctx context.Context, op string, req DeployRequest, approver string) (*models.AuditRecord, error) {
	existing, err := g.deps.Audit.GetByProposalID(ctx, req.Proposal.ID)
	if err != nil {
		return nil, services.NewError(op, services.CodeAuditWriteFailed, "failed to read audit trail", err)
	}

	if existing != nil {
		if existing.Deployed() {
			return nil, services.NewError(op, services.CodeValidationFailed,
				fmt.Sprintf("proposal %s was already deployed", req.Proposal.ID), persistence.ErrAlreadyDeployed)
		}

		if !describesProposal(existing, req.Proposal) {
			return nil, services.NewError(op, services.CodeValidationFailed,
				fmt.Sprintf("proposal %s was audited as %s, not %s", req.Proposal.ID, existing.ProposedHash, req.Proposal.ProposedHash), nil)
		}

		g.logger.InfoContext(ctx, "Retrying deployment of audited proposal", "audit_id", existing.ID, "proposal_id", existing.ProposalID)

		return existing, nil
	}

	proposal := req.Proposal
	record := &models.AuditRecord{
		ID:           uuid.NewString(),
		ProposalID:   proposal.ID,
		DecisionID:   req.Decision.ID,
		WorkflowID:   proposal.WorkflowID,
		WorkflowName: proposal.WorkflowName,
		ChangeType:   models.ChangeTypeOf(proposal),
		PreviousHash: proposal.PreviousHash,
		ProposedHash: proposal.ProposedHash,
		Diff:         proposal.Diff,
		RiskScore:    proposal.RiskScore,
		RiskLevel:    proposal.RiskLevel,
		Reason:       proposal.Reason,
		ProposedBy:   proposal.ProposedBy,
		Approver:     approver,
		RollbackRef:  proposal.RollbackRef,
		CreatedAt:    g.now(),
	}

	err = g.deps.Audit.Insert(ctx, record)
	if err != nil {
		g.logger.ErrorContext(ctx, "Audit write failed, deployment aborted", "proposal_id", proposal.ID, "error", err)

		return nil, services.NewError(op, services.CodeAuditWriteFailed, "failed to write audit record", err)
	}

	return record, nil
}

// describesProposal reports whether an audit row records exactly this change.
func describesProposal(record *models.AuditRecord, proposal *models.ChangeProposal) bool {
	return record.WorkflowID == proposal.WorkflowID &&
		record.PreviousHash == proposal.PreviousHash &&
		record.ProposedHash == proposal.ProposedHash &&
		record.ChangeType == models.ChangeTypeOf(proposal) &&
		record.RiskScore == proposal.RiskScore &&
		record.RiskLevel == proposal.RiskLevel
}

// dispatch makes one bounded attempt at each transport call and reports the
// stage that failed.
func (g *Gate) dispatch(ctx context.Context, workflowID string, definition *models.WorkflowDefinition) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.DeployTimeout)
	defer cancel()

	err := g.deps.Transport.UpdateWorkflow(ctx, workflowID, definition)
	if err != nil {
		return StageUpdate, err
	}

	if definition.Active {
		return StageActivate, g.deps.Transport.ActivateWorkflow(ctx, workflowID)
	}

	return StageDeactivate, g.deps.Transport.DeactivateWorkflow(ctx, workflowID)
}

func (g *Gate) recordFailure(ctx context.Context, op string, record *models.AuditRecord, stage string, cause error) error {
	failure := &models.DeploymentFailure{
		ID:         uuid.NewString(),
		AuditID:    record.ID,
		ProposalID: record.ProposalID,
		WorkflowID: record.WorkflowID,
		Stage:      stage,
		Error:      cause.Error(),
		FailedAt:   g.now(),
	}

	err := g.deps.Audit.InsertFailure(ctx, failure)
	if err != nil {
		g.logger.ErrorContext(ctx, "Failed to record deployment failure", "audit_id", record.ID, "error", err)
	}

	g.metrics.Deployment(ctx, "failed")

	g.logger.ErrorContext(ctx, "Deployment blocked",
		"workflow_id", record.WorkflowID,
		"proposal_id", record.ProposalID,
		"audit_id", record.ID,
		"stage", stage,
		"error", cause,
	)

	g.publish(ctx, record.WorkflowID, events.DeploymentFailed{
		BaseEvent:  events.NewBaseEvent(events.DeploymentFailedEvent, record.WorkflowID),
		ProposalID: record.ProposalID,
		AuditID:    record.ID,
		Stage:      stage,
		Error:      cause.Error(),
	})

	return services.NewError(op, services.CodeDeploymentBlocked,
		fmt.Sprintf("transport %s failed", stage), cause).WithDetails(failure)
}

func (g *Gate) publish(ctx context.Context, key string, event eventbus.Event) {
	err := g.publisher.Publish(ctx, key, event)
	if err != nil {
		g.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
