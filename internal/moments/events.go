package moments

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published for every successful transition.
const (
	EventInitiated       = "moment:initiated"
	EventPartnerCaptured = "moment:partner_captured"
	EventCompleted       = "moment:completed"
	EventExpired         = "moment:expired"
)

// Event is the typed transition record handed to the notification layer.
// The coordinator publishes it and moves on; delivery is the subscriber's
// problem and never fails the originating transition.
type Event struct {
	Kind          string
	MomentID      uuid.UUID
	CoupleID      uuid.UUID
	ActorID       uuid.UUID
	InitiatorID   uuid.UUID
	ParticipantID uuid.NullUUID
	ExpiresAt     time.Time
}

// Publisher receives coordinator transition events. Implementations must not
// block the caller.
type Publisher interface {
	Publish(ev Event)
}
