// Package engagement tracks who is in control of a lead: the autonomous agent
// or a human.
package engagement

import "github.com/dukex/orion/pkg/models"

// Transitions is the complete set of legal (from, to, guard) triples.
var Transitions = []models.StateTransition{
	{From: models.StatusNotContacted, To: models.StatusSamActive, Guard: models.GuardOutreachStarted},
	{From: models.StatusNotContacted, To: models.StatusHumanRequested, Guard: models.GuardHumanRequestTriggered},
	{From: models.StatusSamActive, To: models.StatusAwaitingResponse, Guard: models.GuardMessageSent},
	{From: models.StatusSamActive, To: models.StatusHumanRequested, Guard: models.GuardHumanRequestTriggered},
	{From: models.StatusSamActive, To: models.StatusClosed, Guard: models.GuardEngagementClosed},
	{From: models.StatusAwaitingResponse, To: models.StatusSamActive, Guard: models.GuardResponseReceived},
	{From: models.StatusAwaitingResponse, To: models.StatusHumanRequested, Guard: models.GuardHumanRequestTriggered},
	{From: models.StatusAwaitingResponse, To: models.StatusClosed, Guard: models.GuardEngagementClosed},
	{From: models.StatusHumanRequested, To: models.StatusHumanApproved, Guard: models.GuardApprovalGranted},
	{From: models.StatusHumanRequested, To: models.StatusSamActive, Guard: models.GuardApprovalDenied},
	{From: models.StatusHumanApproved, To: models.StatusHumanInProgress, Guard: models.GuardHumanStarted},
	{From: models.StatusHumanInProgress, To: models.StatusHumanCompleted, Guard: models.GuardHumanFinished},
	{From: models.StatusHumanCompleted, To: models.StatusReturnedToAutonomy, Guard: models.GuardAutonomyResumed},
	{From: models.StatusHumanCompleted, To: models.StatusClosed, Guard: models.GuardEngagementClosed},
	{From: models.StatusReturnedToAutonomy, To: models.StatusSamActive, Guard: models.GuardOutreachResumed},
	{From: models.StatusReturnedToAutonomy, To: models.StatusHumanRequested, Guard: models.GuardHumanRequestTriggered},
	{From: models.StatusReturnedToAutonomy, To: models.StatusClosed, Guard: models.GuardEngagementClosed},
}

var transitionSet = func() map[models.StateTransition]struct{} {
	set := make(map[models.StateTransition]struct{}, len(Transitions))
	for _, t := range Transitions {
		set[t] = struct{}{}
	}

	return set
}()

// IsValidTransition reports whether (from, to, guard) is in the table.
func IsValidTransition(from, to models.EngagementStatus, guard models.Guard) bool {
	_, ok := transitionSet[models.StateTransition{From: from, To: to, Guard: guard}]

	return ok
}

// From lists the transitions leaving a state.
func From(state models.EngagementStatus) []models.StateTransition {
	out := make([]models.StateTransition, 0)

	for _, t := range Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}

	return out
}
