package client_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/orion/pkg/archive"
	"github.com/dukex/orion/pkg/client"
	"github.com/dukex/orion/pkg/gate"
	"github.com/dukex/orion/pkg/mocks"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence/memory"
	"github.com/dukex/orion/pkg/ratewindow"
	"github.com/dukex/orion/pkg/rollback"
	"github.com/dukex/orion/pkg/services"
	"github.com/dukex/orion/pkg/testutil"
	"github.com/dukex/orion/pkg/transport"
	transportmemory "github.com/dukex/orion/pkg/transport/memory"
	"github.com/dukex/orion/pkg/validation"
	"github.com/dukex/orion/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	deps   client.Dependencies
	store  *memory.Persistence
	engine *transportmemory.Engine
}

func newFixture(t *testing.T, autonomy int) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence(memory.WithControls(models.OperatingControls{AutonomyLevel: autonomy}))
	engine := transportmemory.NewEngine()

	g, err := gate.New(logger, gate.Dependencies{
		Transport: engine,
		Controls:  store.ControlRepository(),
		Counter:   ratewindow.NewAuditCounter(store.AuditRepository()),
		Decisions: store.DecisionRepository(),
		Audit:     store.AuditRepository(),
	}, gate.Config{DeployTimeout: time.Second})
	require.NoError(t, err)

	v, err := validation.NewValidator(logger, validation.Options{})
	require.NoError(t, err)

	archives := archive.NewStore(logger, store.ArchiveRepository())

	return &fixture{
		deps: client.Dependencies{
			Engine:    engine,
			Validator: v,
			Archive:   archives,
			Rollback:  rollback.NewCoordinator(logger, archives, v, g),
			Gate:      g,
			Decisions: store.DecisionRepository(),
		},
		store:  store,
		engine: engine,
	}
}

func (f *fixture) client(capabilities ...client.Capability) *client.Client {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return client.New(logger, f.deps, capabilities...)
}

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		input    string
		expected []client.Capability
		wantErr  bool
	}{
		{input: "", expected: client.AllCapabilities},
		{input: "all", expected: client.AllCapabilities},
		{input: "read", expected: []client.Capability{client.CapabilityRead}},
		{input: " read , Propose,read", expected: []client.Capability{client.CapabilityRead, client.CapabilityPropose}},
		{input: "read,admin", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := client.ParseCapabilities(tt.input)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestClient_CapabilityChecksHappenFirst(t *testing.T) {
	engine := &mocks.MockTransport{}
	f := newFixture(t, 3)
	f.deps.Engine = engine

	def := testutil.CreateTestWorkflow()
	ctx := context.Background()

	readOnly := f.client(client.CapabilityRead)
	proposeOnly := f.client(client.CapabilityPropose)

	tests := []struct {
		name string
		call func() error
	}{
		{"propose without PROPOSE", func() error {
			_, err := readOnly.Propose(ctx, client.ProposeRequest{Workflow: def, Reason: "enable lead scoring"})
			return err
		}},
		{"prepare rollback without PROPOSE", func() error {
			_, err := readOnly.PrepareRollback(ctx, def.ID, "sha256:x", "restore the old copy", "ops")
			return err
		}},
		{"deploy without DEPLOY", func() error {
			_, err := proposeOnly.Deploy(ctx, &models.ChangeProposal{WorkflowID: def.ID}, def, "ops")
			return err
		}},
		{"execute rollback without DEPLOY", func() error {
			_, err := proposeOnly.ExecuteRollback(ctx, &rollback.Result{}, "", "ops")
			return err
		}},
		{"read without READ", func() error {
			_, err := proposeOnly.GetWorkflow(ctx, def.ID)
			return err
		}},
		{"list decisions without READ", func() error {
			_, err := proposeOnly.ListDecisions(ctx, 10)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, services.CodeUnauthorizedOperation, services.CodeOf(err))
		})
	}

	engine.AssertNotCalled(t, "GetWorkflow", mock.Anything, mock.Anything)

	decisions, err := f.store.DecisionRepository().List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestClient_ReadOperations(t *testing.T) {
	engine := &mocks.MockTransport{}
	f := newFixture(t, 0)
	f.deps.Engine = engine

	failed := []models.Execution{{ID: "1", WorkflowID: "wf-1", Status: models.ExecutionStatusError}}
	engine.On("ListExecutions", mock.Anything, transport.ExecutionFilter{
		WorkflowID: "wf-1", Status: models.ExecutionStatusError, Limit: 5,
	}).Return(failed, nil)
	engine.On("GetWorkflow", mock.Anything, "missing").Return(nil, transport.ErrWorkflowNotFound)

	c := f.client(client.CapabilityRead)

	got, err := c.ListErrors(context.Background(), "wf-1", 5)
	require.NoError(t, err)
	assert.Equal(t, failed, got)

	_, err = c.GetWorkflow(context.Background(), "missing")
	assert.Equal(t, services.CodeNotFound, services.CodeOf(err))

	engine.AssertExpectations(t)
}

func TestClient_ProposeArchivesCurrentAndNeverDeploys(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	current := testutil.CreateTestWorkflow(testutil.WithWorkflowID("wf-1"), testutil.WithNodes(
		testutil.CreateTestNode(testutil.WithID("n1")),
	))
	f.engine.Seed(current)

	proposed := testutil.Clone(current)
	proposed.Nodes[0].Parameters["value"] = "new greeting for inbound leads"

	c := f.client(client.CapabilityPropose)

	proposal, err := c.Propose(ctx, client.ProposeRequest{Workflow: proposed, Reason: "refresh inbound greeting", ProposedBy: "agent:sam"})
	require.NoError(t, err)
	assert.Equal(t, workflow.MustVersionHash(current), proposal.RollbackRef)

	_, err = f.deps.Archive.GetByHash(ctx, "wf-1", workflow.MustVersionHash(current))
	assert.NoError(t, err)
	assert.Zero(t, f.engine.MutationCount())
}

func TestClient_ProposeNewWorkflow(t *testing.T) {
	f := newFixture(t, 0)
	c := f.client(client.CapabilityPropose)

	proposal, err := c.Propose(context.Background(), client.ProposeRequest{
		Workflow: testutil.CreateTestWorkflow(testutil.WithNodes(testutil.CreateTestNode())),
		Reason:   "create weekly digest",
	})
	require.NoError(t, err)
	assert.True(t, proposal.IsNewWorkflow())
}

func TestClient_Check(t *testing.T) {
	f := newFixture(t, 0)
	c := f.client(client.CapabilityPropose)

	raw, err := json.Marshal(testutil.CreateTestWorkflow(testutil.WithNodes(
		testutil.CreateTestNode(testutil.WithType("n8n-nodes-base.executeCommand")),
	)))
	require.NoError(t, err)

	report, err := c.Check(context.Background(), raw, "run cleanup script")
	require.NoError(t, err)
	assert.True(t, report.HasErrors())

	_, err = c.Check(context.Background(), []byte(`{"id":"wf-1","name":"x","nodes":{}}`), "a reason of length")
	assert.Equal(t, services.CodeValidationFailed, services.CodeOf(err))
}

func TestClient_DeployAndRollback(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	c := f.client(client.AllCapabilities...)

	v1 := testutil.CreateTestWorkflow(testutil.WithWorkflowID("wf-1"), testutil.WithNodes(
		testutil.CreateTestNode(testutil.WithID("n1")),
	))
	f.engine.Seed(v1)

	v2 := testutil.Clone(v1)
	v2.Nodes[0].Parameters["value"] = "second version"

	proposal, err := c.Propose(ctx, client.ProposeRequest{Workflow: v2, Reason: "ship the second version", ProposedBy: "agent:sam"})
	require.NoError(t, err)

	deployment, err := c.Deploy(ctx, proposal, v2, "")
	require.NoError(t, err)
	assert.True(t, deployment.Audit.Deployed())

	result, err := c.PrepareRollback(ctx, "wf-1", workflow.MustVersionHash(v1), "second version misroutes leads", "ops")
	require.NoError(t, err)

	_, err = c.ExecuteRollback(ctx, result, "unknown-decision", "lead@example.com")
	assert.Equal(t, services.CodeUnauthorizedOperation, services.CodeOf(err))

	deployment, err = c.ExecuteRollback(ctx, result, "", "lead@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeTypeRollback, deployment.Audit.ChangeType)

	live, err := c.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.MustVersionHash(v1), workflow.MustVersionHash(live))
}

func TestClient_DeployRejectsTamperedProposal(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	c := f.client(client.AllCapabilities...)

	v1 := testutil.CreateTestWorkflow(testutil.WithWorkflowID("wf-1"), testutil.WithNodes(
		testutil.CreateTestNode(testutil.WithID("n1")),
	))
	f.engine.Seed(v1)

	v2 := testutil.Clone(v1)
	v2.Nodes[0].Parameters["value"] = "second version"

	proposal, err := c.Propose(ctx, client.ProposeRequest{Workflow: v2, Reason: "ship the second version", ProposedBy: "agent:sam"})
	require.NoError(t, err)

	t.Run("risk rewritten", func(t *testing.T) {
		forged := *proposal
		forged.RiskScore = 0

		_, err := c.Deploy(ctx, &forged, v2, "")
		require.Error(t, err)
		assert.Equal(t, services.CodeValidationFailed, services.CodeOf(err))
		assert.Contains(t, err.Error(), "does not match the workflow change")
	})

	t.Run("workflow changed underneath", func(t *testing.T) {
		drifted := testutil.Clone(v1)
		drifted.Nodes[0].Parameters["value"] = "hotfix applied by hand"
		f.engine.Seed(drifted)
		defer f.engine.Seed(v1)

		_, err := c.Deploy(ctx, proposal, v2, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "changed since the proposal was made")
	})

	assert.Zero(t, f.engine.MutationCount())

	decisions, err := f.store.DecisionRepository().List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestClient_DeployRejectsReusedProposalID(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	c := f.client(client.AllCapabilities...)

	v1 := testutil.CreateTestWorkflow(testutil.WithWorkflowID("wf-1"), testutil.WithNodes(
		testutil.CreateTestNode(testutil.WithID("n1")),
	))
	f.engine.Seed(v1)

	first := testutil.Clone(v1)
	first.Nodes[0].Parameters["value"] = "first attempt"

	proposal, err := c.Propose(ctx, client.ProposeRequest{Workflow: first, Reason: "ship the first attempt", ProposedBy: "agent:sam"})
	require.NoError(t, err)

	f.engine.FailOn(transportmemory.OpUpdate, transport.ErrEngineUnavailable)

	_, err = c.Deploy(ctx, proposal, first, "")
	require.Equal(t, services.CodeDeploymentBlocked, services.CodeOf(err))

	f.engine.FailOn(transportmemory.OpUpdate, nil)

	second := testutil.Clone(v1)
	second.Nodes[0].Parameters["value"] = "a different version"

	other, err := c.Propose(ctx, client.ProposeRequest{Workflow: second, Reason: "ship a different version", ProposedBy: "agent:sam"})
	require.NoError(t, err)

	other.ID = proposal.ID

	_, err = c.Deploy(ctx, other, second, "")
	require.Error(t, err)
	assert.Equal(t, services.CodeValidationFailed, services.CodeOf(err))
	assert.Contains(t, err.Error(), "was audited as")

	live, err := c.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.MustVersionHash(v1), workflow.MustVersionHash(live))

	record, err := f.store.AuditRepository().GetByProposalID(ctx, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.ProposedHash, record.ProposedHash)
	assert.False(t, record.Deployed())
}

func TestClient_ExecuteRollbackNeverAutoApproved(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	c := f.client(client.AllCapabilities...)

	v1 := testutil.CreateTestWorkflow(testutil.WithWorkflowID("wf-1"), testutil.WithNodes(
		testutil.CreateTestNode(testutil.WithID("n1")),
	))
	f.engine.Seed(v1)

	v2 := testutil.Clone(v1)
	v2.Nodes[0].Parameters["value"] = "second version"

	proposal, err := c.Propose(ctx, client.ProposeRequest{Workflow: v2, Reason: "ship the second version", ProposedBy: "agent:sam"})
	require.NoError(t, err)

	_, err = c.Deploy(ctx, proposal, v2, "")
	require.NoError(t, err)

	result, err := c.PrepareRollback(ctx, "wf-1", workflow.MustVersionHash(v1), "second version misroutes leads", "ops")
	require.NoError(t, err)
	require.Equal(t, models.RiskLow, result.Proposal.RiskLevel)
	require.True(t, result.Proposal.RequiresApproval)

	mutations := f.engine.MutationCount()

	t.Run("approval flag cleared", func(t *testing.T) {
		forged := *result
		forgedProposal := *result.Proposal
		forgedProposal.RequiresApproval = false
		forged.Proposal = &forgedProposal

		_, err := c.ExecuteRollback(ctx, &forged, "", "")
		require.Error(t, err)
		assert.Equal(t, services.CodeValidationFailed, services.CodeOf(err))
	})

	t.Run("no approver", func(t *testing.T) {
		_, err := c.ExecuteRollback(ctx, result, "", "")
		require.Error(t, err)
		assert.Equal(t, services.CodeUnauthorizedOperation, services.CodeOf(err))
	})

	assert.Equal(t, mutations, f.engine.MutationCount())

	live, err := c.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.MustVersionHash(v2), workflow.MustVersionHash(live))
}
