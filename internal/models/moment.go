package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Moment statuses. A moment only ever moves forward through these;
// COMPLETED and EXPIRED are terminal.
const (
	StatusPending          = "PENDING"
	StatusPartner1Captured = "PARTNER1_CAPTURED"
	StatusPartner2Captured = "PARTNER2_CAPTURED"
	StatusCompleted        = "COMPLETED"
	StatusExpired          = "EXPIRED"
)

type Moment struct {
	ID                uuid.UUID
	CoupleID          uuid.UUID
	InitiatorID       uuid.UUID
	ParticipantID     uuid.NullUUID
	MemoryID          uuid.NullUUID
	Status            string
	CapturedBy        uuid.NullUUID
	CombinedImagePath sql.NullString
	FusionMeta        json.RawMessage
	CreatedAt         time.Time
	ExpiresAt         time.Time
	CompletedAt       sql.NullTime
	UpdatedAt         time.Time
}

// Terminal reports whether the moment has reached a final state.
func (m *Moment) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusExpired
}

type CapturedImage struct {
	ID          uuid.UUID
	MomentID    uuid.UUID
	CoupleID    uuid.UUID
	UserID      uuid.UUID
	StoragePath string
	Digest      string
	Width       int
	Height      int
	EXIF        json.RawMessage
	CapturedAt  time.Time
	CreatedAt   time.Time
}

type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	MomentID  uuid.UUID
	Kind      string
	Title     string
	Body      string
	Payload   json.RawMessage
	CreatedAt time.Time
	ReadAt    sql.NullTime
}
