package validation_test

import (
	"testing"

	"github.com/dukex/orion/pkg/services"
	"github.com/dukex/orion/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDocument(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid n8n export",
			raw: `{
				"id": "wf-1",
				"name": "Lead intake",
				"active": true,
				"nodes": [
					{"id": "a", "name": "Hook", "type": "n8n-nodes-base.webhook", "typeVersion": 2, "position": [0, 0], "parameters": {"path": "lead"}},
					{"id": "b", "name": "Save", "type": "n8n-nodes-base.postgres", "position": [200, 0],
					 "credentials": {"postgres": {"id": "9", "name": "CRM DB"}}}
				],
				"connections": {"Hook": {"main": [[{"node": "Save", "type": "main", "index": 0}]]}},
				"settings": {"executionOrder": "v1"},
				"pinData": {}
			}`,
		},
		{name: "nodes is not a list", raw: `{"id": "wf-1", "name": "x", "nodes": {"a": {}}}`, wantErr: true},
		{name: "missing nodes", raw: `{"id": "wf-1", "name": "x"}`, wantErr: true},
		{name: "node without type", raw: `{"id": "wf-1", "name": "x", "nodes": [{"id": "a", "name": "A"}]}`, wantErr: true},
		{name: "empty id", raw: `{"id": "", "name": "x", "nodes": []}`, wantErr: true},
		{name: "not json", raw: `nodes: []`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := validation.ValidateDocument([]byte(tt.raw))

			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, def)
				assert.Equal(t, services.CodeValidationFailed, services.CodeOf(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "wf-1", def.ID)
			require.Len(t, def.Nodes, 2)
			assert.Equal(t, "CRM DB", def.Nodes[1].Credentials["postgres"].Name)
			assert.Equal(t, "Save", def.Connections["Hook"]["main"][0][0].Node)
		})
	}
}
