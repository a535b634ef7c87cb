package gate_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/orion/pkg/gate"
	"github.com/dukex/orion/pkg/mocks"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/persistence/memory"
	"github.com/dukex/orion/pkg/ratewindow"
	"github.com/dukex/orion/pkg/services"
	"github.com/dukex/orion/pkg/testutil"
	"github.com/dukex/orion/pkg/transport"
	transportmemory "github.com/dukex/orion/pkg/transport/memory"
	"github.com/dukex/orion/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const gateReason = "update lead follow-up message copy"

type fixture struct {
	gate      *gate.Gate
	store     *memory.Persistence
	engine    *transportmemory.Engine
	validator *validation.Validator
}

type fixtureOption func(*gate.Dependencies)

func withCounter(counter ratewindow.Counter) fixtureOption {
	return func(d *gate.Dependencies) { d.Counter = counter }
}

func withAudit(audit persistence.AuditRepository) fixtureOption {
	return func(d *gate.Dependencies) { d.Audit = audit }
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T, autonomy int, flags map[string]bool, opts ...fixtureOption) *fixture {
	t.Helper()

	store := memory.NewPersistence(memory.WithControls(models.OperatingControls{AutonomyLevel: autonomy, Flags: flags}))
	engine := transportmemory.NewEngine()

	deps := gate.Dependencies{
		Transport: engine,
		Controls:  store.ControlRepository(),
		Counter:   ratewindow.NewAuditCounter(store.AuditRepository()),
		Decisions: store.DecisionRepository(),
		Audit:     store.AuditRepository(),
	}

	for _, opt := range opts {
		opt(&deps)
	}

	g, err := gate.New(testLogger(), deps, gate.Config{MaxDeploymentsPerHour: 10, DeployTimeout: time.Second})
	require.NoError(t, err)

	v, err := validation.NewValidator(testLogger(), validation.Options{})
	require.NoError(t, err)

	return &fixture{gate: g, store: store, engine: engine, validator: v}
}

// lowRiskChange seeds an existing workflow and proposes a parameter edit on it.
func (f *fixture) lowRiskChange(t *testing.T) (*models.ChangeProposal, *models.WorkflowDefinition) {
	t.Helper()

	current := testutil.CreateTestWorkflow(testutil.WithNodes(testutil.CreateTestNode(testutil.WithID("n1"))))
	f.engine.Seed(current)

	proposed := testutil.Clone(current)
	proposed.Nodes[0].Parameters["value"] = "new copy"

	proposal, err := f.validator.Propose(context.Background(), validation.ProposeRequest{
		Previous:   current,
		Proposed:   proposed,
		Reason:     gateReason,
		ProposedBy: "agent:sam",
	})
	require.NoError(t, err)
	require.Equal(t, models.RiskLow, proposal.RiskLevel)

	return proposal, proposed
}

// highRiskCreate proposes a new workflow with a credentialed HTTP node.
func (f *fixture) highRiskCreate(t *testing.T, extra ...models.Node) (*models.ChangeProposal, *models.WorkflowDefinition) {
	t.Helper()

	nodes := append([]models.Node{
		testutil.HTTPRequestNode(testutil.WithCredential("httpHeaderAuth", "cred-1", "CRM token")),
	}, extra...)
	proposed := testutil.CreateTestWorkflow(testutil.WithNodes(nodes...))

	proposal, err := f.validator.Propose(context.Background(), validation.ProposeRequest{
		Proposed:   proposed,
		Reason:     "create lead enrichment workflow",
		ProposedBy: "agent:sam",
	})
	require.NoError(t, err)

	return proposal, proposed
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := gate.New(testLogger(), gate.Dependencies{}, gate.Config{})
	assert.Error(t, err)
}

func TestExecuteDeployment_LowRiskAutoApproved(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	proposal, proposed := f.lowRiskChange(t)

	result, err := f.gate.ExecuteDeployment(ctx, proposal, proposed, "")
	require.NoError(t, err)

	require.True(t, result.Decision.Allowed)
	assert.Equal(t, "all rules passed", result.Decision.Reason)
	require.NotNil(t, result.Audit)
	assert.True(t, result.Audit.Deployed())
	assert.Equal(t, models.AutoApprover, result.Audit.Approver)
	assert.Equal(t, models.ChangeTypeModify, result.Audit.ChangeType)

	stored, err := f.store.AuditRepository().GetByProposalID(ctx, proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotNil(t, stored.DeployedAt)

	logged, err := f.store.DecisionRepository().GetByID(ctx, result.Decision.ID)
	require.NoError(t, err)
	require.NotNil(t, logged)
	assert.Equal(t, proposal.ID, logged.Proposal.ID)

	calls := f.engine.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, transportmemory.OpUpdate, calls[0].Op)
	assert.Equal(t, transportmemory.OpActivate, calls[1].Op)

	recent, err := ratewindow.Recent(ctx, ratewindow.NewAuditCounter(f.store.AuditRepository()), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, recent)
}

func TestExecuteDeployment_RateLimitExceeded(t *testing.T) {
	counter := &mocks.MockCounter{}
	counter.On("CountSince", mock.Anything, mock.Anything).Return(10, nil)

	f := newFixture(t, 1, nil, withCounter(counter))
	ctx := context.Background()
	proposal, proposed := f.lowRiskChange(t)

	result, err := f.gate.ExecuteDeployment(ctx, proposal, proposed, "")
	require.Error(t, err)
	assert.Equal(t, services.CodeOrionRejected, services.CodeOf(err))
	assert.Contains(t, err.Error(), gate.RuleRateLimit)
	assert.Contains(t, err.Error(), "10 deployments in the last hour (max 10)")

	require.NotNil(t, result)
	assert.False(t, result.Decision.Allowed)
	assert.Equal(t, []string{gate.RuleRateLimit}, result.Decision.FailedRules())

	logged, err := f.store.DecisionRepository().GetByID(ctx, result.Decision.ID)
	require.NoError(t, err)
	require.NotNil(t, logged, "rejections are logged too")
	assert.Equal(t, 10, logged.Context.RecentDeployments)

	assert.Zero(t, f.engine.MutationCount())
	counter.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteDeployment_CriticalRiskNeedsFullAutonomy(t *testing.T) {
	f := newFixture(t, 1, nil)
	proposal, proposed := f.highRiskCreate(t, testutil.CreateTestNode(
		testutil.WithName("Store Lead"), testutil.WithType("n8n-nodes-base.postgres"),
	))
	require.Equal(t, models.RiskCritical, proposal.RiskLevel)

	result, err := f.gate.ExecuteDeployment(context.Background(), proposal, proposed, "ops@example.com")
	require.Error(t, err)
	assert.True(t, services.IsRejectedError(err))
	assert.Equal(t, []string{gate.RuleRiskAutonomy}, result.Decision.FailedRules())
	assert.Zero(t, f.engine.MutationCount())
}

func TestExecuteDeployment_HighRiskRequiresApprover(t *testing.T) {
	f := newFixture(t, 2, map[string]bool{models.FlagNotifyOnDeploy: true})
	ctx := context.Background()
	proposal, proposed := f.highRiskCreate(t)
	require.True(t, proposal.RequiresApproval)

	result, err := f.gate.ExecuteDeployment(ctx, proposal, proposed, "")
	require.Error(t, err)
	assert.Equal(t, services.CodeUnauthorizedOperation, services.CodeOf(err))
	assert.True(t, result.Decision.Allowed)
	assert.Zero(t, f.engine.MutationCount())

	record, err := f.gate.DeployApproved(ctx, gate.DeployRequest{
		Decision:   result.Decision,
		Proposal:   proposal,
		Definition: proposed,
		Approver:   "ops@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", record.Approver)
	assert.Equal(t, models.ChangeTypeCreate, record.ChangeType)

	assert.Contains(t, result.Decision.Conditions, gate.ConditionNotifyOperators)
	assert.Contains(t, result.Decision.Conditions[0], `review http_request change on node "HTTP Request"`)
}

func TestDeployApproved_TransportFailure(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	proposal, proposed := f.lowRiskChange(t)
	f.engine.FailOn(transportmemory.OpUpdate, transport.ErrEngineUnavailable)

	_, err := f.gate.ExecuteDeployment(ctx, proposal, proposed, "")
	require.Error(t, err)
	assert.Equal(t, services.CodeDeploymentBlocked, services.CodeOf(err))
	assert.ErrorIs(t, err, transport.ErrEngineUnavailable)

	failure, ok := services.DetailsOf(err).(*models.DeploymentFailure)
	require.True(t, ok)
	assert.Equal(t, gate.StageUpdate, failure.Stage)

	record, err := f.store.AuditRepository().GetByProposalID(ctx, proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, record, "audit record is written before the transport call")
	assert.Nil(t, record.DeployedAt)

	failures, err := f.store.AuditRepository().Failures(ctx, record.ID)
	require.NoError(t, err)
	assert.Len(t, failures, 1)

	// A retry reuses the undeployed audit record.
	f.engine.FailOn(transportmemory.OpUpdate, nil)

	logged, err := f.store.DecisionRepository().List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logged, 1)

	retried, err := f.gate.DeployApproved(ctx, gate.DeployRequest{
		Decision:   &logged[0].Decision,
		Proposal:   proposal,
		Definition: proposed,
	})
	require.NoError(t, err)
	assert.Equal(t, record.ID, retried.ID)
	assert.True(t, retried.Deployed())

	_, err = f.gate.DeployApproved(ctx, gate.DeployRequest{
		Decision:   &logged[0].Decision,
		Proposal:   proposal,
		Definition: proposed,
	})
	assert.ErrorIs(t, err, persistence.ErrAlreadyDeployed)
}

type failingAudit struct {
	persistence.AuditRepository
}

func (failingAudit) Insert(context.Context, *models.AuditRecord) error {
	return errors.New("disk full")
}

func TestDeployApproved_AuditWriteFailureBlocksTransport(t *testing.T) {
	store := memory.NewPersistence()
	f := newFixture(t, 0, nil, withAudit(failingAudit{AuditRepository: store.AuditRepository()}))
	proposal, proposed := f.lowRiskChange(t)

	_, err := f.gate.ExecuteDeployment(context.Background(), proposal, proposed, "")
	require.Error(t, err)
	assert.Equal(t, services.CodeAuditWriteFailed, services.CodeOf(err))
	assert.Zero(t, f.engine.MutationCount())
}

func TestDeployApproved_RejectsUnloggedDecision(t *testing.T) {
	f := newFixture(t, 0, nil)
	proposal, proposed := f.lowRiskChange(t)

	forged := &models.Decision{ID: "forged", ProposalID: proposal.ID, Allowed: true}

	_, err := f.gate.DeployApproved(context.Background(), gate.DeployRequest{
		Decision:   forged,
		Proposal:   proposal,
		Definition: proposed,
	})
	require.Error(t, err)
	assert.Equal(t, services.CodeUnauthorizedOperation, services.CodeOf(err))
	assert.ErrorIs(t, err, persistence.ErrDecisionNotFound)
	assert.Zero(t, f.engine.MutationCount())
}

func TestDeployApproved_RejectsDeniedDecision(t *testing.T) {
	f := newFixture(t, 0, nil)
	proposal, proposed := f.lowRiskChange(t)

	_, err := f.gate.DeployApproved(context.Background(), gate.DeployRequest{
		Decision:   &models.Decision{ID: "d-1", ProposalID: proposal.ID, Reason: "rate_limit: exceeded"},
		Proposal:   proposal,
		Definition: proposed,
	})
	assert.Equal(t, services.CodeOrionRejected, services.CodeOf(err))
}

func TestExecuteDeployment_HashMismatch(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	proposal, proposed := f.lowRiskChange(t)

	tampered := testutil.Clone(proposed)
	tampered.Nodes[0].Parameters["value"] = "something else"

	_, err := f.gate.ExecuteDeployment(ctx, proposal, tampered, "")
	require.Error(t, err)
	assert.Equal(t, services.CodeValidationFailed, services.CodeOf(err))

	logged, err := f.store.DecisionRepository().List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logged)
	assert.Zero(t, f.engine.MutationCount())
}

func TestEvaluate_ControlsUnavailable(t *testing.T) {
	store := memory.NewPersistence()
	controls := &mocks.MockControlSource{}
	controls.On("Controls", mock.Anything).Return(nil, errors.New("connection refused"))

	g, err := gate.New(testLogger(), gate.Dependencies{
		Transport: transportmemory.NewEngine(),
		Controls:  controls,
		Counter:   ratewindow.NewAuditCounter(store.AuditRepository()),
		Decisions: store.DecisionRepository(),
		Audit:     store.AuditRepository(),
	}, gate.Config{})
	require.NoError(t, err)

	_, err = g.Evaluate(context.Background(), &models.ChangeProposal{ID: "p-1", RiskLevel: models.RiskLow})
	assert.Equal(t, services.CodeInternal, services.CodeOf(err))
	controls.AssertExpectations(t)
}

func TestEvaluate_PublishesDecision(t *testing.T) {
	store := memory.NewPersistence()
	publisher := &mocks.MockEventPublisher{}
	publisher.On("Publish", mock.Anything, "wf-1", mock.Anything).Return(nil)

	g, err := gate.New(testLogger(), gate.Dependencies{
		Transport: transportmemory.NewEngine(),
		Controls:  store.ControlRepository(),
		Counter:   ratewindow.NewAuditCounter(store.AuditRepository()),
		Decisions: store.DecisionRepository(),
		Audit:     store.AuditRepository(),
	}, gate.Config{}, gate.WithPublisher(publisher))
	require.NoError(t, err)

	decision, err := g.Evaluate(context.Background(), &models.ChangeProposal{
		ID:           "p-1",
		WorkflowID:   "wf-1",
		PreviousHash: models.NewWorkflowHash,
		RiskLevel:    models.RiskLow,
		Reason:       "create the weekly digest workflow",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestDeployApproved_RollbackRequiresApprover(t *testing.T) {
	f := newFixture(t, 3, nil)
	ctx := context.Background()
	proposal, proposed := f.lowRiskChange(t)

	proposal.Rollback = true
	proposal.RequiresApproval = false

	result, err := f.gate.ExecuteDeployment(ctx, proposal, proposed, "")
	require.Error(t, err)
	assert.Equal(t, services.CodeUnauthorizedOperation, services.CodeOf(err))
	assert.Contains(t, err.Error(), "rollback requires an explicit approver")
	assert.Zero(t, f.engine.MutationCount())

	record, err := f.gate.DeployApproved(ctx, gate.DeployRequest{
		Decision:   result.Decision,
		Proposal:   proposal,
		Definition: proposed,
		Approver:   "ops@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ChangeTypeRollback, record.ChangeType)
	assert.Equal(t, "ops@example.com", record.Approver)
}

func TestDeployApproved_RetryMustDescribeSameChange(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	proposal, proposed := f.lowRiskChange(t)
	current, err := f.engine.GetWorkflow(ctx, proposal.WorkflowID)
	require.NoError(t, err)

	f.engine.FailOn(transportmemory.OpUpdate, transport.ErrEngineUnavailable)

	_, err = f.gate.ExecuteDeployment(ctx, proposal, proposed, "")
	require.Equal(t, services.CodeDeploymentBlocked, services.CodeOf(err))

	f.engine.FailOn(transportmemory.OpUpdate, nil)

	other := testutil.Clone(current)
	other.Nodes[0].Parameters["value"] = "unrelated copy"

	reused, err := f.validator.Propose(ctx, validation.ProposeRequest{
		Previous:   current,
		Proposed:   other,
		Reason:     gateReason,
		ProposedBy: "agent:sam",
	})
	require.NoError(t, err)

	reused.ID = proposal.ID
	mutations := f.engine.MutationCount()

	_, err = f.gate.ExecuteDeployment(ctx, reused, other, "")
	require.Error(t, err)
	assert.Equal(t, services.CodeValidationFailed, services.CodeOf(err))
	assert.Equal(t, mutations, f.engine.MutationCount())

	record, err := f.store.AuditRepository().GetByProposalID(ctx, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.ProposedHash, record.ProposedHash)
	assert.Nil(t, record.DeployedAt)
}
