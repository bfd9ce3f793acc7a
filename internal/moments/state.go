package moments

import (
	"github.com/google/uuid"

	"moments-backend/internal/models"
)

// Role identifies which side of the couple a user plays in a moment.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleParticipant:
		return "participant"
	default:
		return "none"
	}
}

// RoleOf resolves the user's role once per call so the rest of the capture
// path never re-derives it from the raw id fields.
func RoleOf(m *models.Moment, userID uuid.UUID) Role {
	if m.InitiatorID == userID {
		return RoleInitiator
	}
	if m.ParticipantID.Valid && m.ParticipantID.UUID == userID {
		return RoleParticipant
	}
	return RoleNone
}

// transitions is the full forward-only transition table. COMPLETED and
// EXPIRED have no successors.
var transitions = map[string][]string{
	models.StatusPending:          {models.StatusPartner1Captured, models.StatusPartner2Captured, models.StatusExpired},
	models.StatusPartner1Captured: {models.StatusPartner2Captured, models.StatusCompleted, models.StatusExpired},
	models.StatusPartner2Captured: {models.StatusPartner1Captured, models.StatusCompleted, models.StatusExpired},
	models.StatusCompleted:        {},
	models.StatusExpired:          {},
}

// CanTransition reports whether the table allows moving from one status to
// another.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// capturedStatus is the status a capture by the given role literally requests.
func capturedStatus(role Role) string {
	if role == RoleInitiator {
		return models.StatusPartner1Captured
	}
	return models.StatusPartner2Captured
}

// nextStatus applies the transition table plus the auto-complete rule: a
// capture that would mark the second partner done lands the moment in
// COMPLETED instead of the literally requested status.
func nextStatus(current, requested string) (string, bool) {
	if !CanTransition(current, requested) {
		return "", false
	}
	if (current == models.StatusPartner1Captured && requested == models.StatusPartner2Captured) ||
		(current == models.StatusPartner2Captured && requested == models.StatusPartner1Captured) {
		return models.StatusCompleted, true
	}
	return requested, true
}
