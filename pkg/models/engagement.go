package models

import (
	"encoding/json"
	"time"
)

// EngagementStatus is the control mode of a tracked entity.
type EngagementStatus string

const (
	StatusNotContacted       EngagementStatus = "NOT_CONTACTED"
	StatusSamActive          EngagementStatus = "SAM_ACTIVE"
	StatusAwaitingResponse   EngagementStatus = "AWAITING_RESPONSE"
	StatusHumanRequested     EngagementStatus = "HUMAN_REQUESTED"
	StatusHumanApproved      EngagementStatus = "HUMAN_APPROVED"
	StatusHumanInProgress    EngagementStatus = "HUMAN_IN_PROGRESS"
	StatusHumanCompleted     EngagementStatus = "HUMAN_COMPLETED"
	StatusReturnedToAutonomy EngagementStatus = "RETURNED_TO_AUTONOMY"
	StatusClosed             EngagementStatus = "CLOSED"
)

// EngagementStatuses lists every state.
var EngagementStatuses = []EngagementStatus{
	StatusNotContacted,
	StatusSamActive,
	StatusAwaitingResponse,
	StatusHumanRequested,
	StatusHumanApproved,
	StatusHumanInProgress,
	StatusHumanCompleted,
	StatusReturnedToAutonomy,
	StatusClosed,
}

// Valid reports whether s is one of the enumerated states.
func (s EngagementStatus) Valid() bool {
	for _, status := range EngagementStatuses {
		if status == s {
			return true
		}
	}

	return false
}

// Paused reports whether autonomous contact must be suppressed in this state.
func (s EngagementStatus) Paused() bool {
	switch s {
	case StatusHumanRequested, StatusHumanApproved, StatusHumanInProgress:
		return true
	default:
		return false
	}
}

// Guard is the named condition that licenses a transition.
type Guard string

const (
	GuardOutreachStarted       Guard = "OUTREACH_STARTED"
	GuardMessageSent           Guard = "MESSAGE_SENT"
	GuardResponseReceived      Guard = "RESPONSE_RECEIVED"
	GuardHumanRequestTriggered Guard = "HUMAN_REQUEST_TRIGGERED"
	GuardApprovalGranted       Guard = "APPROVAL_GRANTED"
	GuardApprovalDenied        Guard = "APPROVAL_DENIED"
	GuardHumanStarted          Guard = "HUMAN_STARTED"
	GuardHumanFinished         Guard = "HUMAN_FINISHED"
	GuardAutonomyResumed       Guard = "AUTONOMY_RESUMED"
	GuardOutreachResumed       Guard = "OUTREACH_RESUMED"
	GuardEngagementClosed      Guard = "ENGAGEMENT_CLOSED"
)

// StateTransition is one legal (from, to, guard) triple.
type StateTransition struct {
	From  EngagementStatus `json:"from"`
	To    EngagementStatus `json:"to"`
	Guard Guard            `json:"guard"`
}

// EngagementState is the current state of one tracked entity.
type EngagementState struct {
	EntityID         string           `json:"entityId"`
	State            EngagementStatus `json:"state"`
	DecisionID       string           `json:"decisionId,omitempty"`
	HumanActor       string           `json:"humanActor,omitempty"`
	LastTransitionAt time.Time        `json:"lastTransitionAt"`
}

// Paused is derived from State on every read.
func (e *EngagementState) Paused() bool {
	return e.State.Paused()
}

type engagementStateJSON EngagementState

// MarshalJSON adds the derived paused flag.
func (e EngagementState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		engagementStateJSON

		Paused bool `json:"paused"`
	}{
		engagementStateJSON: engagementStateJSON(e),
		Paused:              e.State.Paused(),
	})
}

// EngagementStateLogEntry is the append-only history row of one transition.
type EngagementStateLogEntry struct {
	ID         string           `json:"id"`
	EntityID   string           `json:"entityId"`
	From       EngagementStatus `json:"from"`
	To         EngagementStatus `json:"to"`
	Guard      Guard            `json:"guard"`
	Actor      string           `json:"actor"`
	Reason     string           `json:"reason,omitempty"`
	DecisionID string           `json:"decisionId,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}
