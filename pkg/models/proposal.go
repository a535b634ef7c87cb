package models

import (
	"encoding/json"
	"time"
)

// NewWorkflowHash is the previous-version sentinel of a first-time creation.
const NewWorkflowHash = "NEW"

// SensitiveCategory classifies changes that need elevated review.
type SensitiveCategory string

const (
	CategoryCredential  SensitiveCategory = "CREDENTIAL"
	CategoryWebhook     SensitiveCategory = "WEBHOOK"
	CategoryHTTPRequest SensitiveCategory = "HTTP_REQUEST"
	CategoryDatabase    SensitiveCategory = "DATABASE"
	CategoryExternalAPI SensitiveCategory = "EXTERNAL_API"
)

// RiskContribution returns the fixed number of risk points the category adds.
func (c SensitiveCategory) RiskContribution() int {
	switch c {
	case CategoryCredential:
		return 30
	case CategoryWebhook:
		return 20
	case CategoryHTTPRequest:
		return 15
	case CategoryDatabase:
		return 25
	case CategoryExternalAPI:
		return 15
	default:
		return 5
	}
}

// ChangeKind tells whether a node was added, removed or modified.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "ADDED"
	ChangeRemoved  ChangeKind = "REMOVED"
	ChangeModified ChangeKind = "MODIFIED"
)

// SensitiveChange is a diff entry flagged for elevated review.
type SensitiveChange struct {
	Category         SensitiveCategory `json:"category"`
	Kind             ChangeKind        `json:"kind"`
	NodeName         string            `json:"nodeName"`
	Description      string            `json:"description"`
	RiskContribution int               `json:"riskContribution"`
}

// DiffSummary is the structural difference between two workflow versions.
type DiffSummary struct {
	Created            bool              `json:"created"`
	AddedNodes         []string          `json:"addedNodes"`
	RemovedNodes       []string          `json:"removedNodes"`
	ModifiedNodes      []string          `json:"modifiedNodes"`
	ConnectionsChanged bool              `json:"connectionsChanged"`
	SettingsChanged    bool              `json:"settingsChanged"`
	CredentialsChanged bool              `json:"credentialsChanged"`
	SensitiveChanges   []SensitiveChange `json:"sensitiveChanges"`
}

// TotalChanges is derived from the other fields and cannot be set directly.
func (d DiffSummary) TotalChanges() int {
	total := len(d.AddedNodes) + len(d.RemovedNodes) + len(d.ModifiedNodes)

	if d.ConnectionsChanged {
		total++
	}

	if d.SettingsChanged {
		total++
	}

	if d.Created {
		total++
	}

	return total
}

// IsEmpty reports whether the diff carries no change at all.
func (d DiffSummary) IsEmpty() bool {
	return d.TotalChanges() == 0 && !d.CredentialsChanged && len(d.SensitiveChanges) == 0
}

type diffSummaryJSON DiffSummary

// MarshalJSON adds the derived totalChanges field.
func (d DiffSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		diffSummaryJSON

		TotalChanges int `json:"totalChanges"`
	}{
		diffSummaryJSON: diffSummaryJSON(d),
		TotalChanges:    d.TotalChanges(),
	})
}

// UnmarshalJSON ignores any serialized totalChanges; it is always recomputed.
func (d *DiffSummary) UnmarshalJSON(data []byte) error {
	var raw diffSummaryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*d = DiffSummary(raw)

	return nil
}

// RiskLevel buckets a 0-100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ChangeProposal is a validated, risk-scored candidate change. It only exists
// for changes that passed every blocking validation.
type ChangeProposal struct {
	ID               string      `json:"id"`
	WorkflowID       string      `json:"workflowId"`
	WorkflowName     string      `json:"workflowName"`
	PreviousHash     string      `json:"previousHash"`
	ProposedHash     string      `json:"proposedHash"`
	Diff             DiffSummary `json:"diff"`
	RiskScore        int         `json:"riskScore"`
	RiskLevel        RiskLevel   `json:"riskLevel"`
	RequiresApproval bool        `json:"requiresApproval"`
	Reason           string      `json:"reason"`
	ProposedBy       string      `json:"proposedBy"`
	CreatedAt        time.Time   `json:"createdAt"`
	RollbackRef      string      `json:"rollbackRef"`
	Rollback         bool        `json:"rollback"`
	Warnings         []string    `json:"warnings,omitempty"`
}

// IsNewWorkflow reports whether the proposal creates a workflow from scratch.
func (p *ChangeProposal) IsNewWorkflow() bool {
	return p.PreviousHash == NewWorkflowHash
}
