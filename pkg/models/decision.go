package models

import "time"

// AutoApprover is recorded as approver for proposals that needed no human sign-off.
const AutoApprover = "orion:auto"

const (
	MinAutonomyLevel = 0
	MaxAutonomyLevel = 3
)

// Feature flags read from the operational controls.
const (
	FlagNotifyOnDeploy = "notify_on_deploy"
)

// OperatingControls is the externally owned operational signal the gate reads.
type OperatingControls struct {
	AutonomyLevel int             `json:"autonomyLevel"`
	Flags         map[string]bool `json:"flags"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Flag returns the value of a feature flag, false when unset.
func (c OperatingControls) Flag(name string) bool {
	return c.Flags[name]
}

// OperatingContext is the snapshot the gate evaluates a proposal against.
type OperatingContext struct {
	AutonomyLevel         int             `json:"autonomyLevel"`
	RecentDeployments     int             `json:"recentDeployments"`
	MaxDeploymentsPerHour int             `json:"maxDeploymentsPerHour"`
	Flags                 map[string]bool `json:"flags"`
}

// RuleResult is the outcome of one gate rule.
type RuleResult struct {
	Rule   string `json:"rule"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Decision is the immutable verdict of the gate for one proposal.
type Decision struct {
	ID            string       `json:"id"`
	ProposalID    string       `json:"proposalId"`
	Allowed       bool         `json:"allowed"`
	Reason        string       `json:"reason"`
	Conditions    []string     `json:"conditions,omitempty"`
	AutonomyLevel int          `json:"autonomyLevel"`
	Rules         []RuleResult `json:"rules"`
	DecidedAt     time.Time    `json:"decidedAt"`
}

// FailedRules returns the names of every rule that did not pass.
func (d *Decision) FailedRules() []string {
	failed := make([]string, 0, len(d.Rules))

	for _, rule := range d.Rules {
		if !rule.Passed {
			failed = append(failed, rule.Rule)
		}
	}

	return failed
}

// DecisionLogEntry is the append-only record written for every evaluation.
type DecisionLogEntry struct {
	Decision Decision         `json:"decision"`
	Proposal ChangeProposal   `json:"proposal"`
	Context  OperatingContext `json:"context"`
}

// ChangeType names what a proposal does to the workflow.
type ChangeType string

const (
	ChangeTypeCreate   ChangeType = "create"
	ChangeTypeModify   ChangeType = "modify"
	ChangeTypeRollback ChangeType = "rollback"
)

// AuditRecord is written once per proposal before any deployment attempt.
// Every field except DeployedAt is immutable; DeployedAt moves from nil to a
// timestamp at most once.
type AuditRecord struct {
	ID           string      `json:"id"`
	ProposalID   string      `json:"proposalId"`
	DecisionID   string      `json:"decisionId"`
	WorkflowID   string      `json:"workflowId"`
	WorkflowName string      `json:"workflowName"`
	ChangeType   ChangeType  `json:"changeType"`
	PreviousHash string      `json:"previousHash"`
	ProposedHash string      `json:"proposedHash"`
	Diff         DiffSummary `json:"diff"`
	RiskScore    int         `json:"riskScore"`
	RiskLevel    RiskLevel   `json:"riskLevel"`
	Reason       string      `json:"reason"`
	ProposedBy   string      `json:"proposedBy"`
	Approver     string      `json:"approver"`
	RollbackRef  string      `json:"rollbackRef"`
	CreatedAt    time.Time   `json:"createdAt"`
	DeployedAt   *time.Time  `json:"deployedAt,omitempty"`
}

// Deployed reports whether the transport confirmed the deployment.
func (a *AuditRecord) Deployed() bool {
	return a.DeployedAt != nil
}

// ChangeTypeOf derives the audit change type from a proposal.
func ChangeTypeOf(p *ChangeProposal) ChangeType {
	switch {
	case p.Rollback:
		return ChangeTypeRollback
	case p.IsNewWorkflow():
		return ChangeTypeCreate
	default:
		return ChangeTypeModify
	}
}

// DeploymentFailure is written next to an audit record whose transport call failed.
// The audit record itself is never edited.
type DeploymentFailure struct {
	ID         string    `json:"id"`
	AuditID    string    `json:"auditId"`
	ProposalID string    `json:"proposalId"`
	WorkflowID string    `json:"workflowId"`
	Stage      string    `json:"stage"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failedAt"`
}
