// Package workflow computes version hashes and structural diffs of workflow definitions.
package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dukex/orion/pkg/models"
)

const hashPrefix = "sha256:"

type canonicalNode struct {
	ID          string                          `json:"id"`
	Name        string                          `json:"name"`
	Type        string                          `json:"type"`
	Parameters  map[string]any                  `json:"parameters"`
	Credentials map[string]models.CredentialRef `json:"credentials"`
	Disabled    bool                            `json:"disabled"`
}

type canonicalWorkflow struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Nodes       []canonicalNode    `json:"nodes"`
	Connections models.Connections `json:"connections"`
	Settings    map[string]any     `json:"settings"`
}

// VersionHash returns the deterministic digest of the semantic fields of def.
// Layout, notes, tags, pinned data and timestamps never affect it.
func VersionHash(def *models.WorkflowDefinition) (string, error) {
	if def == nil {
		return "", fmt.Errorf("cannot hash a nil workflow definition")
	}

	canonical := canonicalWorkflow{
		ID:          def.ID,
		Name:        def.Name,
		Nodes:       make([]canonicalNode, 0, len(def.Nodes)),
		Connections: nonEmptyConnections(def.Connections),
		Settings:    nonEmptyMap(def.Settings),
	}

	for _, node := range def.Nodes {
		canonical.Nodes = append(canonical.Nodes, canonicalNode{
			ID:          node.ID,
			Name:        node.Name,
			Type:        node.Type,
			Parameters:  nonEmptyMap(node.Parameters),
			Credentials: nonEmptyCredentials(node.Credentials),
			Disabled:    node.Disabled,
		})
	}

	sort.Slice(canonical.Nodes, func(i, j int) bool {
		return canonical.Nodes[i].ID < canonical.Nodes[j].ID
	})

	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to encode canonical workflow %s: %w", def.ID, err)
	}

	sum := sha256.Sum256(payload)

	return hashPrefix + hex.EncodeToString(sum[:]), nil
}

// MustVersionHash is VersionHash for definitions known to be encodable.
func MustVersionHash(def *models.WorkflowDefinition) string {
	hash, err := VersionHash(def)
	if err != nil {
		panic(err)
	}

	return hash
}

// deepEqual compares two values through their canonical JSON encoding.
// json.Marshal sorts map keys, so map ordering never matters.
func deepEqual(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}

	right, err := json.Marshal(b)
	if err != nil {
		return false
	}

	return bytes.Equal(left, right)
}

func nonEmptyMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}

	return m
}

func nonEmptyCredentials(m map[string]models.CredentialRef) map[string]models.CredentialRef {
	if len(m) == 0 {
		return nil
	}

	return m
}

func nonEmptyConnections(c models.Connections) models.Connections {
	if len(c) == 0 {
		return nil
	}

	return c
}
