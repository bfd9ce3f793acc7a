package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"moments-backend/internal/models"
)

// Store is the slice of persistence the deduplication service needs. The
// uniqueness of (couple_id, digest) must be enforced by the store itself
// (a unique index) so that two concurrent registrations of identical bytes
// cannot both win.
type Store interface {
	// GetCaptureByDigest returns nil, nil when the couple has no capture
	// with the digest.
	GetCaptureByDigest(ctx context.Context, coupleID uuid.UUID, digest string) (*models.CapturedImage, error)
	// InsertCapturedImage inserts the row, returning false without error
	// when the (couple_id, digest) pair already exists.
	InsertCapturedImage(ctx context.Context, img *models.CapturedImage) (bool, error)
}

// Result reports the outcome of a duplicate check or registration. Hash
// equality is treated as certain, so Confidence is always 1.0 on a hit.
type Result struct {
	IsDuplicate bool
	Digest      string
	Confidence  float64
	Existing    *models.CapturedImage
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Digest computes the content digest used for couple-scoped deduplication.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Check computes the digest of the raw bytes and looks it up within the
// couple. This is the cheap pre-upload path; Register is the authoritative,
// race-safe arm.
func (s *Service) Check(ctx context.Context, coupleID uuid.UUID, data []byte) (*Result, error) {
	digest := Digest(data)

	existing, err := s.store.GetCaptureByDigest(ctx, coupleID, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to look up digest: %w", err)
	}
	if existing != nil {
		return &Result{IsDuplicate: true, Digest: digest, Confidence: 1.0, Existing: existing}, nil
	}

	return &Result{Digest: digest}, nil
}

// Register atomically claims the (couple_id, digest) slot for the capture.
// If another upload of the same bytes won the race first, the existing row
// is returned and the caller must not keep its own storage object.
func (s *Service) Register(ctx context.Context, img *models.CapturedImage) (*Result, error) {
	if img.Digest == "" {
		return nil, fmt.Errorf("capture has no digest")
	}

	inserted, err := s.store.InsertCapturedImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to register capture: %w", err)
	}
	if inserted {
		return &Result{Digest: img.Digest}, nil
	}

	existing, err := s.store.GetCaptureByDigest(ctx, img.CoupleID, img.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing capture after conflict: %w", err)
	}
	if existing == nil {
		// The conflicting row vanished between the insert and the read.
		// Treat it as a transient conflict rather than inventing a winner.
		return nil, fmt.Errorf("digest conflict but no existing capture for couple %s", img.CoupleID)
	}

	return &Result{IsDuplicate: true, Digest: img.Digest, Confidence: 1.0, Existing: existing}, nil
}
