package gate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dukex/orion/pkg/models"
)

// MinReasonLength is the shortest reason the gate accepts. It is stricter
// than the validator's minimum.
const MinReasonLength = 20

// Rule names as they appear in decisions and the decision log.
const (
	RuleRiskAutonomy       = "risk_autonomy"
	RuleRollbackReference  = "rollback_reference"
	RuleRateLimit          = "rate_limit"
	RuleCredentialAutonomy = "credential_autonomy"
	RuleReasonLength       = "reason_length"
)

// Autonomy required to self-approve each risk level.
var requiredAutonomy = map[models.RiskLevel]int{
	models.RiskLow:      0,
	models.RiskMedium:   0,
	models.RiskHigh:     2,
	models.RiskCritical: 3,
}

const credentialAutonomy = 2

// Rule is one gate policy. Check returns whether the proposal passes and,
// when it does not, why.
type Rule struct {
	Name  string
	Check func(proposal *models.ChangeProposal, opctx models.OperatingContext) (bool, string)
}

// Rules is the ordered policy every proposal must pass in full.
var Rules = []Rule{
	{Name: RuleRiskAutonomy, Check: checkRiskAutonomy},
	{Name: RuleRollbackReference, Check: checkRollbackReference},
	{Name: RuleRateLimit, Check: checkRateLimit},
	{Name: RuleCredentialAutonomy, Check: checkCredentialAutonomy},
	{Name: RuleReasonLength, Check: checkReasonLength},
}

func checkRiskAutonomy(proposal *models.ChangeProposal, opctx models.OperatingContext) (bool, string) {
	required, ok := requiredAutonomy[proposal.RiskLevel]
	if !ok {
		return false, fmt.Sprintf("unknown risk level %q", proposal.RiskLevel)
	}

	if opctx.AutonomyLevel < required {
		return false, fmt.Sprintf("%s risk requires autonomy level %d, current level is %d",
			proposal.RiskLevel, required, opctx.AutonomyLevel)
	}

	return true, ""
}

func checkRollbackReference(proposal *models.ChangeProposal, _ models.OperatingContext) (bool, string) {
	if proposal.IsNewWorkflow() || strings.TrimSpace(proposal.RollbackRef) != "" {
		return true, ""
	}

	return false, "changes to an existing workflow must carry a rollback reference"
}

func checkRateLimit(_ *models.ChangeProposal, opctx models.OperatingContext) (bool, string) {
	if opctx.RecentDeployments < opctx.MaxDeploymentsPerHour {
		return true, ""
	}

	return false, fmt.Sprintf("%d deployments in the last hour (max %d)",
		opctx.RecentDeployments, opctx.MaxDeploymentsPerHour)
}

func checkCredentialAutonomy(proposal *models.ChangeProposal, opctx models.OperatingContext) (bool, string) {
	if !proposal.Diff.CredentialsChanged || opctx.AutonomyLevel >= credentialAutonomy {
		return true, ""
	}

	return false, fmt.Sprintf("credential changes require autonomy level %d, current level is %d",
		credentialAutonomy, opctx.AutonomyLevel)
}

func checkReasonLength(proposal *models.ChangeProposal, _ models.OperatingContext) (bool, string) {
	length := utf8.RuneCountInString(strings.TrimSpace(proposal.Reason))
	if length >= MinReasonLength {
		return true, ""
	}

	return false, fmt.Sprintf("reason must be at least %d characters, got %d", MinReasonLength, length)
}

// evaluateRules runs every rule in order, never short-circuiting, so the
// decision carries the complete trace.
func evaluateRules(rules []Rule, proposal *models.ChangeProposal, opctx models.OperatingContext) ([]models.RuleResult, string) {
	results := make([]models.RuleResult, 0, len(rules))
	failures := make([]string, 0)

	for _, rule := range rules {
		passed, reason := rule.Check(proposal, opctx)
		results = append(results, models.RuleResult{Rule: rule.Name, Passed: passed, Reason: reason})

		if !passed {
			failures = append(failures, rule.Name+": "+reason)
		}
	}

	return results, strings.Join(failures, "; ")
}

// conditionsFor lists what an operator should look at after an allowed deployment.
func conditionsFor(proposal *models.ChangeProposal, opctx models.OperatingContext) []string {
	conditions := make([]string, 0, len(proposal.Diff.SensitiveChanges)+1)

	for _, change := range proposal.Diff.SensitiveChanges {
		conditions = append(conditions, fmt.Sprintf("review %s change on node %q: %s",
			strings.ToLower(string(change.Category)), change.NodeName, change.Description))
	}

	if opctx.Flags[models.FlagNotifyOnDeploy] {
		conditions = append(conditions, ConditionNotifyOperators)
	}

	return conditions
}

// ConditionNotifyOperators is attached when operators asked to hear about every deployment.
const ConditionNotifyOperators = "notify_operators"
