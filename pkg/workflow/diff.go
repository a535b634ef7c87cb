package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dukex/orion/pkg/models"
)

// Diff computes the structural difference from previous to proposed.
// A nil previous describes the creation of a new workflow.
func Diff(previous, proposed *models.WorkflowDefinition) models.DiffSummary {
	summary := models.DiffSummary{
		AddedNodes:       []string{},
		RemovedNodes:     []string{},
		ModifiedNodes:    []string{},
		SensitiveChanges: []models.SensitiveChange{},
	}

	if proposed == nil {
		return summary
	}

	if previous == nil {
		summary.Created = true

		for _, node := range proposed.Nodes {
			summary.AddedNodes = append(summary.AddedNodes, node.Name)
			summary.SensitiveChanges = append(summary.SensitiveChanges, sensitiveChangesFor(node, models.ChangeAdded, true)...)
		}

		return summary
	}

	before := indexNodes(previous.Nodes)
	after := indexNodes(proposed.Nodes)

	for _, node := range proposed.Nodes {
		old, ok := before[node.ID]
		if !ok {
			summary.AddedNodes = append(summary.AddedNodes, node.Name)
			summary.SensitiveChanges = append(summary.SensitiveChanges, sensitiveChangesFor(node, models.ChangeAdded, true)...)

			continue
		}

		if nodeModified(old, node) {
			summary.ModifiedNodes = append(summary.ModifiedNodes, node.Name)
			paramsChanged := !deepEqual(nonEmptyMap(old.Parameters), nonEmptyMap(node.Parameters))
			summary.SensitiveChanges = append(summary.SensitiveChanges, sensitiveChangesFor(node, models.ChangeModified, paramsChanged)...)
		}
	}

	for _, node := range previous.Nodes {
		if _, ok := after[node.ID]; !ok {
			summary.RemovedNodes = append(summary.RemovedNodes, node.Name)
			summary.SensitiveChanges = append(summary.SensitiveChanges, sensitiveChangesFor(node, models.ChangeRemoved, true)...)
		}
	}

	summary.ConnectionsChanged = !deepEqual(nonEmptyConnections(previous.Connections), nonEmptyConnections(proposed.Connections))
	summary.SettingsChanged = !deepEqual(nonEmptyMap(previous.Settings), nonEmptyMap(proposed.Settings))
	summary.CredentialsChanged = credentialsChanged(previous.Nodes, proposed.Nodes)

	return summary
}

func indexNodes(nodes []models.Node) map[string]models.Node {
	index := make(map[string]models.Node, len(nodes))
	for _, node := range nodes {
		index[node.ID] = node
	}

	return index
}

func nodeModified(old, updated models.Node) bool {
	return old.Name != updated.Name ||
		old.Type != updated.Type ||
		old.TypeVersion != updated.TypeVersion ||
		old.Disabled != updated.Disabled ||
		!deepEqual(nonEmptyMap(old.Parameters), nonEmptyMap(updated.Parameters)) ||
		!deepEqual(nonEmptyCredentials(old.Credentials), nonEmptyCredentials(updated.Credentials))
}

// credentialsChanged compares the credential maps of every node id present in
// either version.
func credentialsChanged(previous, proposed []models.Node) bool {
	before := credentialMaps(previous)
	after := credentialMaps(proposed)

	if len(before) != len(after) {
		return true
	}

	for id, creds := range after {
		if !deepEqual(creds, before[id]) {
			return true
		}
	}

	return false
}

func credentialMaps(nodes []models.Node) map[string]map[string]models.CredentialRef {
	maps := make(map[string]map[string]models.CredentialRef)

	for _, node := range nodes {
		if node.HasCredentials() {
			maps[node.ID] = node.Credentials
		}
	}

	return maps
}

// sensitiveChangesFor returns the flagged entries of one changed node.
// The functional category is only emitted when the node's behaviour changed;
// a credentialed node is always flagged.
func sensitiveChangesFor(node models.Node, kind models.ChangeKind, behaviourChanged bool) []models.SensitiveChange {
	var changes []models.SensitiveChange

	if category, ok := SensitivityOf(node.Type); ok && behaviourChanged {
		changes = append(changes, models.SensitiveChange{
			Category:         category,
			Kind:             kind,
			NodeName:         node.Name,
			Description:      fmt.Sprintf("%s node %q %s", category, node.Name, strings.ToLower(string(kind))),
			RiskContribution: category.RiskContribution(),
		})
	}

	if node.HasCredentials() {
		changes = append(changes, models.SensitiveChange{
			Category:         models.CategoryCredential,
			Kind:             kind,
			NodeName:         node.Name,
			Description:      fmt.Sprintf("node %q references credentials %s", node.Name, strings.Join(credentialTypes(node), ", ")),
			RiskContribution: models.CategoryCredential.RiskContribution(),
		})
	}

	return changes
}

func credentialTypes(node models.Node) []string {
	types := make([]string, 0, len(node.Credentials))
	for credType := range node.Credentials {
		types = append(types, credType)
	}

	sort.Strings(types)

	return types
}
