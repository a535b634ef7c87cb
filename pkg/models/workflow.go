// Package models defines the domain models governed by the Orion control plane.
package models

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is a workflow as stored by the external automation engine.
// Only ID, Name, Nodes (semantic fields), Connections and Settings take part in
// the version hash; the remaining fields are cosmetic.
type WorkflowDefinition struct {
	ID          string         `json:"id"                  validate:"required"`
	Name        string         `json:"name"                validate:"required"`
	Active      bool           `json:"active"`
	Nodes       []Node         `json:"nodes"               validate:"required,dive"`
	Connections Connections    `json:"connections"`
	Settings    map[string]any `json:"settings,omitempty"`

	Meta      map[string]any `json:"meta,omitempty"`
	PinData   map[string]any `json:"pinData,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// Node is one functional unit within a workflow.
type Node struct {
	ID          string                   `json:"id"                    validate:"required"`
	Name        string                   `json:"name"                  validate:"required"`
	Type        string                   `json:"type"                  validate:"required"`
	TypeVersion float64                  `json:"typeVersion,omitempty"`
	Position    [2]float64               `json:"position"`
	Parameters  map[string]any           `json:"parameters,omitempty"`
	Credentials map[string]CredentialRef `json:"credentials,omitempty"`
	Disabled    bool                     `json:"disabled,omitempty"`
	Notes       string                   `json:"notes,omitempty"`
}

// CredentialRef is an opaque reference to a credential held by the engine.
// The secret value never travels through the control plane.
type CredentialRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HasCredentials reports whether the node references at least one credential.
func (n Node) HasCredentials() bool {
	return len(n.Credentials) > 0
}

// Connections maps a source node name to its outputs, keyed by output type
// ("main", "ai_tool", ...). Each output index holds the list of targets.
type Connections map[string]map[string][][]ConnectionTarget

// ConnectionTarget is the input side of a connection.
type ConnectionTarget struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// NodeByID returns the node with the given id.
func (w *WorkflowDefinition) NodeByID(id string) (Node, bool) {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node, true
		}
	}

	return Node{}, false
}

// CloneWorkflow returns a deep copy of def. Parameter values come back in their
// JSON-decoded form.
func CloneWorkflow(def *WorkflowDefinition) *WorkflowDefinition {
	if def == nil {
		return nil
	}

	data, err := json.Marshal(def)
	if err != nil {
		copied := *def

		return &copied
	}

	var clone WorkflowDefinition
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *def

		return &copied
	}

	return &clone
}

// WorkflowSummary is the lightweight listing shape returned by the engine.
type WorkflowSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ExecutionStatus is the outcome of a workflow run in the engine.
type ExecutionStatus string

const (
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusError   ExecutionStatus = "error"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusWaiting ExecutionStatus = "waiting"
)

// Execution is a single run of a workflow, as reported by the engine.
type Execution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Status     ExecutionStatus `json:"status"`
	Mode       string          `json:"mode,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	StoppedAt  *time.Time      `json:"stoppedAt,omitempty"`
	Error      string          `json:"error,omitempty"`
}
