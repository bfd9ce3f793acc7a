package models

import "github.com/google/uuid"

type InitiateMomentRequest struct {
	CoupleID uuid.UUID `json:"couple_id" binding:"required"`
	// ParticipantID is the partner expected to answer the capture. Optional;
	// capture attribution still checks both initiator and participant fields.
	ParticipantID *uuid.UUID `json:"participant_id,omitempty"`
	// MemoryID links the moment to a parent memory record.
	MemoryID *uuid.UUID `json:"memory_id,omitempty"`
	// TTLSeconds overrides the default moment lifetime (24h). Values above
	// the configured maximum (72h) are clamped.
	TTLSeconds int `json:"ttl_seconds,omitempty" example:"86400"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
