// Package web provides HTTP request and response types for the governance API.
package web

import (
	"encoding/json"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/rollback"
	"github.com/dukex/orion/pkg/validation"
)

// ProposeRequest is the body of POST /proposals. The workflow itself is
// checked by the validator, not by struct tags.
type ProposeRequest struct {
	Workflow *models.WorkflowDefinition `json:"workflow"`
	Reason   string                     `json:"reason"   validate:"required"`
	Proposer string                     `json:"proposer"`
}

// ValidateRequest is the body of POST /proposals/validate. Workflow stays raw
// so the schema check sees exactly what the caller sent.
type ValidateRequest struct {
	Workflow json.RawMessage `json:"workflow" validate:"required"`
	Reason   string          `json:"reason"`
}

// ValidateResponse reports the outcome of POST /proposals/validate.
type ValidateResponse struct {
	*validation.Report

	Valid bool `json:"valid"`
}

// DeployRequest is the body of POST /deployments.
type DeployRequest struct {
	Proposal *models.ChangeProposal     `json:"proposal"`
	Workflow *models.WorkflowDefinition `json:"workflow"`
	Approver string                     `json:"approver"`
}

// RollbackRequest is the body of POST /rollbacks.
type RollbackRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	TargetHash string `json:"target_hash" validate:"required"`
	Reason     string `json:"reason"      validate:"required"`
	Actor      string `json:"actor"`
}

// ExecuteRollbackRequest is the body of POST /rollbacks/execute. Rollback is
// the document returned by POST /rollbacks.
type ExecuteRollbackRequest struct {
	Rollback   *rollback.Result `json:"rollback"`
	DecisionID string           `json:"decision_id"`
	Approver   string           `json:"approver"`
}

// TransitionRequest is the body of POST /engagements/:entityId/transitions.
type TransitionRequest struct {
	From   models.EngagementStatus `json:"from"   validate:"required"`
	To     models.EngagementStatus `json:"to"     validate:"required"`
	Guard  models.Guard            `json:"guard"  validate:"required"`
	Actor  string                  `json:"actor"`
	Reason string                  `json:"reason"`
}

// HumanRequest is the body of the human-request, human-denial and human-start
// endpoints.
type HumanRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// HumanApprovalRequest is the body of POST /engagements/:entityId/human-approval.
type HumanApprovalRequest struct {
	DecisionID string `json:"decision_id" validate:"required"`
	Actor      string `json:"actor"`
}

// HumanCompleteRequest is the body of POST /engagements/:entityId/human-complete.
type HumanCompleteRequest struct {
	Actor            string `json:"actor"`
	ReturnToAutonomy bool   `json:"return_to_autonomy"`
}
