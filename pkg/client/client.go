// Package client is the entry point callers use to read, propose and deploy
// workflow changes. Each call is checked against the caller's capabilities
// before anything else happens.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/orion/pkg/archive"
	"github.com/dukex/orion/pkg/gate"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/rollback"
	"github.com/dukex/orion/pkg/services"
	"github.com/dukex/orion/pkg/transport"
	"github.com/dukex/orion/pkg/validation"
	"github.com/dukex/orion/pkg/workflow"
)

// Dependencies are the services the client dispatches to. Engine is only
// ever read from; deployments go through Gate.
type Dependencies struct {
	Engine    transport.Reader
	Validator *validation.Validator
	Archive   *archive.Store
	Rollback  *rollback.Coordinator
	Gate      *gate.Gate
	Decisions persistence.DecisionRepository
}

// Client dispatches calls allowed by its capability set.
type Client struct {
	logger  *slog.Logger
	deps    Dependencies
	allowed map[Capability]bool
}

func New(logger *slog.Logger, deps Dependencies, capabilities ...Capability) *Client {
	allowed := make(map[Capability]bool, len(capabilities))
	for _, capability := range capabilities {
		allowed[capability] = true
	}

	return &Client{
		logger:  logger.With("module", "client"),
		deps:    deps,
		allowed: allowed,
	}
}

// Capabilities returns the granted capabilities in a stable order.
func (c *Client) Capabilities() []Capability {
	granted := make([]Capability, 0, len(c.allowed))

	for _, capability := range AllCapabilities {
		if c.allowed[capability] {
			granted = append(granted, capability)
		}
	}

	return granted
}

// Allows reports whether capability was granted.
func (c *Client) Allows(capability Capability) bool {
	return c.allowed[capability]
}

func (c *Client) require(ctx context.Context, op string, capability Capability) error {
	if c.allowed[capability] {
		return nil
	}

	c.logger.WarnContext(ctx, "Operation outside capability set", "operation", op, "capability", capability)

	return services.NewError(op, services.CodeUnauthorizedOperation,
		fmt.Sprintf("capability %s is required", capability), nil)
}

func engineError(op string, err error) error {
	if errors.Is(err, transport.ErrWorkflowNotFound) {
		return services.NewError(op, services.CodeNotFound, "workflow not found", err)
	}

	return services.NewError(op, services.CodeInternal, "workflow engine request failed", err)
}

// ListWorkflows lists the workflows known to the engine.
func (c *Client) ListWorkflows(ctx context.Context) ([]models.WorkflowSummary, error) {
	const op = "client.ListWorkflows"

	if err := c.require(ctx, op, CapabilityRead); err != nil {
		return nil, err
	}

	workflows, err := c.deps.Engine.ListWorkflows(ctx)
	if err != nil {
		return nil, engineError(op, err)
	}

	return workflows, nil
}

// GetWorkflow returns the deployed definition of a workflow.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	const op = "client.GetWorkflow"

	if err := c.require(ctx, op, CapabilityRead); err != nil {
		return nil, err
	}

	definition, err := c.deps.Engine.GetWorkflow(ctx, id)
	if err != nil {
		return nil, engineError(op, err)
	}

	return definition, nil
}

// ListExecutions lists engine runs matching filter.
func (c *Client) ListExecutions(ctx context.Context, filter transport.ExecutionFilter) ([]models.Execution, error) {
	const op = "client.ListExecutions"

	if err := c.require(ctx, op, CapabilityRead); err != nil {
		return nil, err
	}

	executions, err := c.deps.Engine.ListExecutions(ctx, filter)
	if err != nil {
		return nil, engineError(op, err)
	}

	return executions, nil
}

// ListErrors lists failed runs of a workflow, or of every workflow when id is empty.
func (c *Client) ListErrors(ctx context.Context, workflowID string, limit int) ([]models.Execution, error) {
	return c.ListExecutions(ctx, transport.ExecutionFilter{
		WorkflowID: workflowID,
		Status:     models.ExecutionStatusError,
		Limit:      limit,
	})
}

// ListArchive lists archived versions of a workflow, most recent first.
func (c *Client) ListArchive(ctx context.Context, workflowID string, limit int) ([]*models.ArchiveEntry, error) {
	if err := c.require(ctx, "client.ListArchive", CapabilityRead); err != nil {
		return nil, err
	}

	return c.deps.Archive.List(ctx, workflowID, limit)
}

// ListDecisions returns the most recent decision log entries.
func (c *Client) ListDecisions(ctx context.Context, limit int) ([]*models.DecisionLogEntry, error) {
	const op = "client.ListDecisions"

	if err := c.require(ctx, op, CapabilityRead); err != nil {
		return nil, err
	}

	entries, err := c.deps.Decisions.List(ctx, limit)
	if err != nil {
		return nil, services.NewError(op, services.CodeInternal, "failed to read decision log", err)
	}

	return entries, nil
}

// ProposeRequest is the input of Propose.
type ProposeRequest struct {
	Workflow   *models.WorkflowDefinition
	Reason     string
	ProposedBy string
}

// Propose validates a change against the version currently in the engine and
// archives that version. It never changes the engine.
func (c *Client) Propose(ctx context.Context, req ProposeRequest) (*models.ChangeProposal, error) {
	const op = "client.Propose"

	if err := c.require(ctx, op, CapabilityPropose); err != nil {
		return nil, err
	}

	if req.Workflow == nil {
		return nil, validation.ValidationFailed(op, validation.CheckStructure, "workflow definition is required")
	}

	current, err := c.current(ctx, op, req.Workflow.ID)
	if err != nil {
		return nil, err
	}

	proposal, err := c.deps.Validator.Propose(ctx, validation.ProposeRequest{
		Previous:   current,
		Proposed:   req.Workflow,
		Reason:     req.Reason,
		ProposedBy: req.ProposedBy,
	})
	if err != nil {
		return nil, err
	}

	if current != nil {
		_, err = c.deps.Archive.Archive(ctx, current, "pre-change snapshot for proposal "+proposal.ID, req.ProposedBy)
		if err != nil {
			return nil, err
		}
	}

	return proposal, nil
}

// current fetches the deployed version, nil when the workflow does not exist yet.
func (c *Client) current(ctx context.Context, op, workflowID string) (*models.WorkflowDefinition, error) {
	if workflowID == "" {
		return nil, nil
	}

	current, err := c.deps.Engine.GetWorkflow(ctx, workflowID)
	if errors.Is(err, transport.ErrWorkflowNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, engineError(op, err)
	}

	return current, nil
}

// Check runs the validator on a raw workflow document without building a
// proposal or touching the archive.
func (c *Client) Check(ctx context.Context, raw []byte, reason string) (*validation.Report, error) {
	const op = "client.Check"

	if err := c.require(ctx, op, CapabilityPropose); err != nil {
		return nil, err
	}

	proposed, err := validation.ValidateDocument(raw)
	if err != nil {
		return nil, err
	}

	current, err := c.current(ctx, op, proposed.ID)
	if err != nil {
		return nil, err
	}

	report := c.deps.Validator.Check(current, proposed, reason)

	return &report, nil
}

// PrepareRollback prepares replacing the deployed version with an archived one.
func (c *Client) PrepareRollback(ctx context.Context, workflowID, targetHash, reason, actor string) (*rollback.Result, error) {
	const op = "client.PrepareRollback"

	if err := c.require(ctx, op, CapabilityPropose); err != nil {
		return nil, err
	}

	current, err := c.deps.Engine.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, engineError(op, err)
	}

	return c.deps.Rollback.PrepareRollback(ctx, targetHash, current, reason, actor)
}

// Deploy evaluates a proposal at the gate and deploys it when allowed.
func (c *Client) Deploy(ctx context.Context, proposal *models.ChangeProposal, definition *models.WorkflowDefinition, approver string) (*gate.Deployment, error) {
	const op = "client.Deploy"

	if err := c.require(ctx, op, CapabilityDeploy); err != nil {
		return nil, err
	}

	if err := c.verifyProposal(ctx, op, proposal, definition); err != nil {
		return nil, err
	}

	return c.deps.Gate.ExecuteDeployment(ctx, proposal, definition, approver)
}

// verifyProposal recomputes the diff and risk of a caller-supplied proposal
// against the version deployed right now.
func (c *Client) verifyProposal(ctx context.Context, op string, proposal *models.ChangeProposal, definition *models.WorkflowDefinition) error {
	if proposal == nil || definition == nil {
		return validation.ValidationFailed(op, validation.CheckStructure, "proposal and workflow definition are required")
	}

	current, err := c.current(ctx, op, proposal.WorkflowID)
	if err != nil {
		return err
	}

	previousHash := models.NewWorkflowHash
	if current != nil {
		previousHash, err = workflow.VersionHash(current)
		if err != nil {
			return services.NewError(op, services.CodeInternal, "deployed workflow cannot be hashed", err)
		}
	}

	if previousHash != proposal.PreviousHash {
		return validation.ValidationFailed(op, validation.CheckStructure,
			"workflow %s changed since the proposal was made (now %s)", proposal.WorkflowID, previousHash)
	}

	diff := workflow.Diff(current, definition)
	score := validation.RiskScore(diff)
	level := validation.LevelFor(score)

	if score != proposal.RiskScore || level != proposal.RiskLevel ||
		diff.CredentialsChanged != proposal.Diff.CredentialsChanged ||
		(level != models.RiskLow && !proposal.RequiresApproval) ||
		(proposal.Rollback && !proposal.RequiresApproval) {
		return validation.ValidationFailed(op, validation.CheckStructure,
			"proposal %s does not match the workflow change (risk %d %s)", proposal.ID, score, level)
	}

	return nil
}

// ExecuteRollback deploys a prepared rollback. With an empty decisionID the
// rollback proposal is evaluated now; otherwise the logged decision is used.
func (c *Client) ExecuteRollback(ctx context.Context, result *rollback.Result, decisionID, approver string) (*gate.Deployment, error) {
	const op = "client.ExecuteRollback"

	if err := c.require(ctx, op, CapabilityDeploy); err != nil {
		return nil, err
	}

	if result == nil || result.Proposal == nil {
		return nil, services.NewError(op, services.CodeValidationFailed, "prepared rollback is required", nil)
	}

	if err := c.verifyProposal(ctx, op, result.Proposal, result.Target); err != nil {
		return nil, err
	}

	decision, err := c.decisionFor(ctx, op, result.Proposal, decisionID)
	if err != nil {
		return nil, err
	}

	if !decision.Allowed {
		return &gate.Deployment{Decision: decision}, gate.Rejected(op, decision)
	}

	record, err := c.deps.Rollback.ExecuteRollback(ctx, result, decision, approver)

	return &gate.Deployment{Decision: decision, Audit: record}, err
}

func (c *Client) decisionFor(ctx context.Context, op string, proposal *models.ChangeProposal, decisionID string) (*models.Decision, error) {
	if decisionID == "" {
		return c.deps.Gate.Evaluate(ctx, proposal)
	}

	entry, err := c.deps.Decisions.GetByID(ctx, decisionID)
	if err != nil {
		return nil, services.NewError(op, services.CodeInternal, "failed to read decision log", err)
	}

	if entry == nil {
		return nil, services.NewError(op, services.CodeUnauthorizedOperation,
			fmt.Sprintf("decision %s is not in the decision log", decisionID), persistence.ErrDecisionNotFound)
	}

	return &entry.Decision, nil
}

// Decision returns a logged decision.
func (c *Client) Decision(ctx context.Context, decisionID string) (*models.DecisionLogEntry, error) {
	const op = "client.Decision"

	if err := c.require(ctx, op, CapabilityRead); err != nil {
		return nil, err
	}

	entry, err := c.deps.Decisions.GetByID(ctx, decisionID)
	if err != nil {
		return nil, services.NewError(op, services.CodeInternal, "failed to read decision log", err)
	}

	if entry == nil {
		return nil, services.NewError(op, services.CodeNotFound,
			fmt.Sprintf("decision %s not found", decisionID), persistence.ErrDecisionNotFound)
	}

	return entry, nil
}
