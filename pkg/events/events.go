// Package events defines the signals the governance control plane produces.
package events

import (
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Kafka topics.
const Topic = "orion.events"                     // Governance events
const EngagementTopic = "orion.engagement.state" // Paused flag consumed by outreach

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Change governance events.
	ProposalEvaluatedEvent EventType = "proposal.evaluated"
	WorkflowDeployedEvent  EventType = "workflow.deployed"
	DeploymentFailedEvent  EventType = "deployment.failed"
	RollbackPreparedEvent  EventType = "rollback.prepared"

	// Engagement events.
	EngagementStateChangedEvent EventType = "engagement.state_changed"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

// TopicFor routes engagement events to their own topic.
func TopicFor(eventType EventType) string {
	if eventType == EngagementStateChangedEvent {
		return EngagementTopic
	}

	return Topic
}

type ProposalEvaluated struct {
	BaseEvent

	ProposalID    string           `json:"proposal_id"`
	DecisionID    string           `json:"decision_id"`
	Allowed       bool             `json:"allowed"`
	Reason        string           `json:"reason,omitempty"`
	RiskScore     int              `json:"risk_score"`
	RiskLevel     models.RiskLevel `json:"risk_level"`
	AutonomyLevel int              `json:"autonomy_level"`
}

func (e ProposalEvaluated) GetType() EventType {
	return ProposalEvaluatedEvent
}

type WorkflowDeployed struct {
	BaseEvent

	ProposalID      string            `json:"proposal_id"`
	AuditID         string            `json:"audit_id"`
	ChangeType      models.ChangeType `json:"change_type"`
	VersionHash     string            `json:"version_hash"`
	Approver        string            `json:"approver"`
	Conditions      []string          `json:"conditions,omitempty"`
	NotifyOperators bool              `json:"notify_operators,omitempty"`
}

func (e WorkflowDeployed) GetType() EventType {
	return WorkflowDeployedEvent
}

type DeploymentFailed struct {
	BaseEvent

	ProposalID string `json:"proposal_id"`
	AuditID    string `json:"audit_id"`
	Stage      string `json:"stage"`
	Error      string `json:"error"`
}

func (e DeploymentFailed) GetType() EventType {
	return DeploymentFailedEvent
}

type RollbackPrepared struct {
	BaseEvent

	ProposalID  string `json:"proposal_id"`
	TargetHash  string `json:"target_hash"`
	CurrentHash string `json:"current_hash"`
	Actor       string `json:"actor"`
}

func (e RollbackPrepared) GetType() EventType {
	return RollbackPreparedEvent
}

type EngagementStateChanged struct {
	BaseEvent

	EntityID string                  `json:"entity_id"`
	From     models.EngagementStatus `json:"from"`
	To       models.EngagementStatus `json:"to"`
	Guard    models.Guard            `json:"guard"`
	Actor    string                  `json:"actor,omitempty"`
	Paused   bool                    `json:"paused"`
}

func (e EngagementStateChanged) GetType() EventType {
	return EngagementStateChangedEvent
}
