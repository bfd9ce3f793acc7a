package models

import (
	"encoding/json"
	"time"
)

type MomentResponse struct {
	ID               string        `json:"moment_id"`
	CoupleID         string        `json:"couple_id"`
	InitiatorID      string        `json:"initiator_id"`
	ParticipantID    string        `json:"participant_id,omitempty"`
	MemoryID         string        `json:"memory_id,omitempty"`
	Status           string        `json:"status"`
	CapturedBy       string        `json:"captured_by,omitempty"`
	CombinedImageURL string        `json:"combined_image_url,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	Captures         []CaptureInfo `json:"captures,omitempty"`
}

type CaptureInfo struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Digest     string    `json:"digest"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

type CaptureResponse struct {
	MomentID    string     `json:"moment_id"`
	Status      string     `json:"status"`
	CapturedBy  string     `json:"captured_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Duplicate is true when the uploaded bytes matched an image this couple
	// already stored; the existing capture is returned and nothing new is
	// created.
	Duplicate bool        `json:"duplicate"`
	Capture   CaptureInfo `json:"capture"`
}

type ArtifactResponse struct {
	MomentID         string          `json:"moment_id"`
	Status           string          `json:"status"`
	CombinedImageURL string          `json:"combined_image_url,omitempty"`
	Meta             json.RawMessage `json:"meta,omitempty"`
	// Pending is true for a completed moment whose fusion artifact is not
	// ready yet (fusion failed and is awaiting retry).
	Pending bool `json:"pending"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
