package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/orion/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml")} {
		policy, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, config.Default(), policy)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writePolicy(t, `
max_deployments_per_hour: 4
deploy_timeout: 45s
prune_schedule: "@hourly"
denied_node_types:
  - n8n-nodes-base.code
sensitive_credential_patterns:
  - (?i)billing
`)

	policy, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, policy.MaxDeploymentsPerHour)
	assert.Equal(t, 45*time.Second, policy.DeployTimeout)
	assert.Equal(t, config.DefaultArchiveRetention, policy.ArchiveRetention)
	assert.Equal(t, []string{"n8n-nodes-base.code"}, policy.ValidatorOptions().DeniedNodeTypes)
	assert.Equal(t, 4, policy.GateConfig().MaxDeploymentsPerHour)

	schedule, err := policy.Schedule()
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), schedule.Next(from))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "bad yaml", content: "max_deployments_per_hour: [", errMsg: "failed to parse"},
		{name: "zero rate", content: "max_deployments_per_hour: 0", errMsg: "MaxDeploymentsPerHour"},
		{name: "bad schedule", content: `prune_schedule: "every day"`, errMsg: "PruneSchedule failed on cron"},
		{name: "zero retention", content: "archive_retention: 0", errMsg: "ArchiveRetention"},
		{name: "empty deny entry", content: "denied_node_types: ['']", errMsg: "DeniedNodeTypes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writePolicy(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
