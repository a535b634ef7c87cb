package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/services"
	"github.com/dukex/orion/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MinReasonLength is the shortest accepted change reason.
const MinReasonLength = 10

// Options extends the built-in rule sets.
type Options struct {
	DeniedNodeTypes    []string
	CredentialPatterns []string
	Now                func() time.Time
}

// Validator checks proposed workflows and builds change proposals.
type Validator struct {
	logger             *slog.Logger
	validate           *validator.Validate
	denied             denyList
	credentialPatterns []*regexp.Regexp
	now                func() time.Time
}

// ProposeRequest is the input of Propose.
type ProposeRequest struct {
	Previous   *models.WorkflowDefinition
	Proposed   *models.WorkflowDefinition
	Reason     string
	ProposedBy string
}

// NewValidator creates a validator with the default rule sets plus opts.
func NewValidator(logger *slog.Logger, opts Options) (*Validator, error) {
	patterns, err := compileCredentialPatterns(opts.CredentialPatterns)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Validator{
		logger:             logger.With("module", "validation"),
		validate:           validator.New(validator.WithRequiredStructEnabled()),
		denied:             newDenyList(opts.DeniedNodeTypes),
		credentialPatterns: patterns,
		now:                now,
	}, nil
}

// Check runs every validation step and returns the findings without building a proposal.
func (v *Validator) Check(previous, proposed *models.WorkflowDefinition, reason string) Report {
	report := Report{Errors: []Issue{}, Warnings: []Issue{}}

	if !v.checkStructure(&report, previous, proposed) {
		return report
	}

	if utf8.RuneCountInString(strings.TrimSpace(reason)) < MinReasonLength {
		report.addError(CheckReason, "", "reason must be at least %d characters", MinReasonLength)
	}

	for _, node := range proposed.Nodes {
		if v.denied.denies(node.Type) {
			report.addError(CheckDeniedNode, node.Name, "node type %s is not allowed", node.Type)
		}

		for _, credType := range slices.Sorted(maps.Keys(node.Credentials)) {
			ref := node.Credentials[credType]
			for _, pattern := range v.credentialPatterns {
				if pattern.MatchString(ref.Name) {
					report.addError(CheckCredential, node.Name, "credential %q (%s) matches restricted pattern %s", ref.Name, credType, pattern.String())

					break
				}
			}
		}

		for _, finding := range findSecrets(node.Parameters, "parameters") {
			report.addError(CheckSecret, node.Name, "%s", finding)
		}

		if category, ok := workflow.SensitivityOf(node.Type); ok {
			report.addWarning(CheckSensitive, node.Name, "%s node requires elevated review", category)
		}
	}

	diff := workflow.Diff(previous, proposed)
	if diff.CredentialsChanged {
		report.addWarning(CheckCredChange, "", "credential references changed")
	}

	if previous != nil && diff.IsEmpty() {
		report.addWarning(CheckNoChange, "", "proposed workflow is identical to the current version")
	}

	return report
}

func (v *Validator) checkStructure(report *Report, previous, proposed *models.WorkflowDefinition) bool {
	if proposed == nil {
		report.addError(CheckStructure, "", "workflow definition is required")

		return false
	}

	if err := v.validate.Struct(proposed); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			report.addError(CheckStructure, "", "%v", err)

			return false
		}

		for _, fieldErr := range validationErrors {
			report.addError(CheckStructure, "", "%s failed on %s", fieldErr.Namespace(), fieldErr.Tag())
		}

		return false
	}

	seen := make(map[string]struct{}, len(proposed.Nodes))
	for _, node := range proposed.Nodes {
		if _, dup := seen[node.ID]; dup {
			report.addError(CheckStructure, node.Name, "duplicate node id %s", node.ID)
		}

		seen[node.ID] = struct{}{}
	}

	if previous != nil && previous.ID != proposed.ID {
		report.addError(CheckStructure, "", "workflow id %s does not match current workflow %s", proposed.ID, previous.ID)
	}

	return !report.HasErrors()
}

// Propose validates a change and, when nothing blocks it, returns the
// risk-scored proposal. A failure always carries the full Report.
func (v *Validator) Propose(ctx context.Context, req ProposeRequest) (*models.ChangeProposal, error) {
	const op = "validation.Propose"

	report := v.Check(req.Previous, req.Proposed, req.Reason)
	if report.HasErrors() {
		v.logger.InfoContext(ctx, "Proposal rejected by validation", "errors", len(report.Errors), "warnings", len(report.Warnings))

		return nil, services.NewError(op, services.CodeValidationFailed, report.Summary(), nil).WithDetails(report)
	}

	proposedHash, err := workflow.VersionHash(req.Proposed)
	if err != nil {
		return nil, services.NewError(op, services.CodeValidationFailed, "workflow cannot be hashed", err).WithDetails(report)
	}

	previousHash := models.NewWorkflowHash
	rollbackRef := ""

	if req.Previous != nil {
		previousHash, err = workflow.VersionHash(req.Previous)
		if err != nil {
			return nil, services.NewError(op, services.CodeValidationFailed, "current workflow cannot be hashed", err).WithDetails(report)
		}

		rollbackRef = previousHash
	}

	diff := workflow.Diff(req.Previous, req.Proposed)
	score := RiskScore(diff)
	level := LevelFor(score)

	proposal := &models.ChangeProposal{
		ID:               uuid.NewString(),
		WorkflowID:       req.Proposed.ID,
		WorkflowName:     req.Proposed.Name,
		PreviousHash:     previousHash,
		ProposedHash:     proposedHash,
		Diff:             diff,
		RiskScore:        score,
		RiskLevel:        level,
		RequiresApproval: level != models.RiskLow,
		Reason:           strings.TrimSpace(req.Reason),
		ProposedBy:       req.ProposedBy,
		CreatedAt:        v.now(),
		RollbackRef:      rollbackRef,
		Warnings:         report.WarningMessages(),
	}

	v.logger.InfoContext(ctx, "Proposal created",
		"proposal_id", proposal.ID,
		"workflow_id", proposal.WorkflowID,
		"risk_score", score,
		"risk_level", level,
		"total_changes", diff.TotalChanges(),
	)

	return proposal, nil
}

// ValidationFailed builds the VALIDATION_FAILED error for a single issue.
func ValidationFailed(op, check, format string, args ...any) *services.Error {
	report := Report{Errors: []Issue{{Check: check, Message: fmt.Sprintf(format, args...)}}, Warnings: []Issue{}}

	return services.NewError(op, services.CodeValidationFailed, report.Summary(), nil).WithDetails(report)
}
