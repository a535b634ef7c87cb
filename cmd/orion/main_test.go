package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/orion/pkg/archive"
	"github.com/dukex/orion/pkg/config"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence/memory"
	"github.com/dukex/orion/pkg/testutil"
	"github.com/dukex/orion/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func writeWorkflow(t *testing.T, def *models.WorkflowDefinition) string {
	t.Helper()

	raw, err := json.Marshal(def)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), def.ID+".json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := &cli.Command{
		Name:     "orion",
		Writer:   &out,
		Commands: []*cli.Command{NewDiffCommand(), NewValidateCommand(), NewArchiveCommand()},
	}

	err := root.Run(context.Background(), append([]string{"orion"}, args...))

	return out.String(), err
}

func TestDiffCommand(t *testing.T) {
	current := testutil.CreateTestWorkflow(testutil.WithWorkflowID("wf-1"), testutil.WithNodes(
		testutil.CreateTestNode(testutil.WithID("n1")),
	))
	proposed := testutil.Clone(current)
	proposed.Nodes = append(proposed.Nodes, testutil.HTTPRequestNode())

	out, err := runCLI(t, "diff", "--from", writeWorkflow(t, current), "--to", writeWorkflow(t, proposed))
	require.NoError(t, err)

	var report DiffReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Len(t, report.Diff.AddedNodes, 1)
	assert.Equal(t, 1, report.TotalChanges)
	assert.Equal(t, validation.RiskScore(report.Diff), report.RiskScore)
	assert.NotEqual(t, models.NewWorkflowHash, report.PreviousHash)
}

func TestDiffCommand_NewWorkflow(t *testing.T) {
	out, err := runCLI(t, "diff", "--to", writeWorkflow(t, testutil.CreateTestWorkflow(testutil.WithNodes(testutil.CreateTestNode()))))
	require.NoError(t, err)

	var report DiffReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, models.NewWorkflowHash, report.PreviousHash)
	assert.True(t, report.Diff.Created)
}

func TestValidateCommand(t *testing.T) {
	path := writeWorkflow(t, testutil.CreateTestWorkflow(testutil.WithNodes(
		testutil.CreateTestNode(testutil.WithType("n8n-nodes-base.executeCommand")),
	)))

	out, err := runCLI(t, "validate", "--workflow", path, "--reason", "run the nightly cleanup")
	require.ErrorIs(t, err, errValidationFailed)
	assert.Contains(t, out, "executeCommand")

	path = writeWorkflow(t, testutil.CreateTestWorkflow(testutil.WithNodes(testutil.CreateTestNode())))

	_, err = runCLI(t, "validate", "--workflow", path, "--reason", "create weekly digest")
	assert.NoError(t, err)
}

func TestArchiveCommands(t *testing.T) {
	root := "file://" + t.TempDir()

	out, err := runCLI(t, "archive", "list", "--database-url", root, "--workflow-id", "wf-1")
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")

	out, err = runCLI(t, "archive", "prune", "--database-url", root, "--workflow-id", "wf-1", "--keep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 archived versions")

	_, err = runCLI(t, "archive", "prune", "--database-url", root, "--workflow-id", "wf-1", "--keep", "0")
	assert.Error(t, err)
}

func TestRunJanitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := archive.NewStore(slog.Default(), memory.NewPersistence().ArchiveRepository())

	def := testutil.CreateTestWorkflow(testutil.WithWorkflowID("wf-1"), testutil.WithNodes(testutil.CreateTestNode(testutil.WithID("n1"))))
	for _, value := range []string{"one", "two", "three"} {
		version := testutil.Clone(def)
		version.Nodes[0].Parameters["value"] = value

		_, err := store.Archive(ctx, version, "pre-change snapshot", "test")
		require.NoError(t, err)
	}

	policy := config.Default()
	policy.PruneSchedule = "@every 1s"
	policy.ArchiveRetention = 1

	done := make(chan error, 1)
	go func() { done <- runJanitor(ctx, store, policy) }()

	assert.Eventually(t, func() bool {
		entries, err := store.List(ctx, "wf-1", 0)

		return err == nil && len(entries) == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
