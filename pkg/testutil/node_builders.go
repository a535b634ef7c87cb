// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/dukex/orion/pkg/models"
	"github.com/google/uuid"
)

// CreateTestNode creates a test Node with default values that can be overridden.
func CreateTestNode(overrides ...func(*models.Node)) models.Node {
	node := models.Node{
		ID:          uuid.New().String(),
		Name:        "Test Node",
		Type:        "n8n-nodes-base.set",
		TypeVersion: 1,
		Position:    [2]float64{100, 200},
		Parameters:  map[string]any{"value": "test"},
	}

	for _, override := range overrides {
		override(&node)
	}

	return node
}

// WithID sets the node id.
func WithID(id string) func(*models.Node) {
	return func(n *models.Node) {
		n.ID = id
	}
}

// WithName sets the node name.
func WithName(name string) func(*models.Node) {
	return func(n *models.Node) {
		n.Name = name
	}
}

// WithType sets the node type.
func WithType(nodeType string) func(*models.Node) {
	return func(n *models.Node) {
		n.Type = nodeType
	}
}

// WithParameters sets the node parameters.
func WithParameters(params map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Parameters = params
	}
}

// WithCredential adds a credential reference to the node.
func WithCredential(credType, id, name string) func(*models.Node) {
	return func(n *models.Node) {
		if n.Credentials == nil {
			n.Credentials = map[string]models.CredentialRef{}
		}

		n.Credentials[credType] = models.CredentialRef{ID: id, Name: name}
	}
}

// WithPosition sets the node canvas position.
func WithPosition(x, y float64) func(*models.Node) {
	return func(n *models.Node) {
		n.Position = [2]float64{x, y}
	}
}

// HTTPRequestNode returns an HTTP request node.
func HTTPRequestNode(overrides ...func(*models.Node)) models.Node {
	base := []func(*models.Node){
		WithName("HTTP Request"),
		WithType("n8n-nodes-base.httpRequest"),
		WithParameters(map[string]any{"url": "https://api.example.com/leads", "method": "GET"}),
	}

	return CreateTestNode(append(base, overrides...)...)
}

// CreateTestWorkflow creates a workflow definition with the given nodes.
func CreateTestWorkflow(overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	def := &models.WorkflowDefinition{
		ID:          "wf-" + uuid.New().String()[:8],
		Name:        "Lead Follow-up",
		Active:      true,
		Nodes:       []models.Node{},
		Connections: models.Connections{},
		Settings:    map[string]any{"executionOrder": "v1"},
	}

	for _, override := range overrides {
		override(def)
	}

	return def
}

// WithNodes sets the workflow nodes.
func WithNodes(nodes ...models.Node) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.Nodes = nodes
	}
}

// WithWorkflowID sets the workflow id.
func WithWorkflowID(id string) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.ID = id
	}
}

// Connect adds a main-output connection between two node names.
func Connect(from, to string) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		if w.Connections == nil {
			w.Connections = models.Connections{}
		}

		if w.Connections[from] == nil {
			w.Connections[from] = map[string][][]models.ConnectionTarget{}
		}

		outputs := w.Connections[from]["main"]
		if len(outputs) == 0 {
			outputs = [][]models.ConnectionTarget{{}}
		}

		outputs[0] = append(outputs[0], models.ConnectionTarget{Node: to, Type: "main", Index: 0})
		w.Connections[from]["main"] = outputs
	}
}

// Clone returns a deep copy of def through its JSON representation.
func Clone(def *models.WorkflowDefinition) *models.WorkflowDefinition {
	return models.CloneWorkflow(def)
}
