package moments

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"image"
	"log"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"

	"moments-backend/internal/dedup"
	"moments-backend/internal/models"
)

// Store is the moment persistence the coordinator requires. Every status
// write goes through TransitionMoment, a conditional update that only
// applies when the stored status still equals the status the caller read.
type Store interface {
	// CreateMoment inserts the moment only while the couple's non-terminal
	// count is still below maxActive, atomically with that count; false
	// means the ceiling was hit.
	CreateMoment(ctx context.Context, m *models.Moment, maxActive int) (bool, error)
	GetMoment(ctx context.Context, id uuid.UUID) (*models.Moment, error)
	GetActiveMoment(ctx context.Context, coupleID uuid.UUID) (*models.Moment, error)
	// TransitionMoment returns false when the conditional write did not
	// apply because the stored status no longer matches from.
	TransitionMoment(ctx context.Context, id uuid.UUID, from, to string, capturedBy uuid.NullUUID, completedAt sql.NullTime) (bool, error)
	ListCaptures(ctx context.Context, momentID uuid.UUID) ([]models.CapturedImage, error)
}

// BlobStore saves capture uploads and deletes them again when a concurrent
// duplicate registration makes the freshly stored object redundant.
type BlobStore interface {
	UploadCapture(coupleID, momentID uuid.UUID, filename string, data []byte) (path string, url string, err error)
	DeleteFile(path string) error
}

// FusionQueue accepts completed moments for asynchronous photo fusion.
// Enqueue must not block the capture call that triggered completion.
type FusionQueue interface {
	Enqueue(momentID uuid.UUID)
}

type Config struct {
	DefaultTTL         time.Duration
	MaxTTL             time.Duration
	MaxActivePerCouple int
	// TransitionRetries bounds the optimistic-concurrency retry loop.
	TransitionRetries int
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 72 * time.Hour
	}
	if c.MaxActivePerCouple <= 0 {
		c.MaxActivePerCouple = 1
	}
	if c.TransitionRetries <= 0 {
		c.TransitionRetries = 3
	}
	return c
}

// Coordinator owns the moment state machine. It is the only writer of
// moment status, capturedBy and completedAt; captures and fusion artifacts
// are append-only once written.
type Coordinator struct {
	store  Store
	dedup  *dedup.Service
	blobs  BlobStore
	fusion FusionQueue
	pub    Publisher
	cfg    Config
	now    func() time.Time
}

func NewCoordinator(store Store, dedupService *dedup.Service, blobs BlobStore, fusion FusionQueue, pub Publisher, cfg Config) *Coordinator {
	return &Coordinator{
		store:  store,
		dedup:  dedupService,
		blobs:  blobs,
		fusion: fusion,
		pub:    pub,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// SetClock replaces the coordinator's time source. Intended for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

type InitiateInput struct {
	CoupleID      uuid.UUID
	InitiatorID   uuid.UUID
	ParticipantID *uuid.UUID
	MemoryID      *uuid.UUID
	TTL           time.Duration
}

// Initiate creates a PENDING moment expiring TTL from now. A zero TTL means
// the configured default; anything above the maximum is clamped down.
func (c *Coordinator) Initiate(ctx context.Context, in InitiateInput) (*models.Moment, error) {
	ttl := in.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}

	now := c.now()
	m := &models.Moment{
		ID:          uuid.New(),
		CoupleID:    in.CoupleID,
		InitiatorID: in.InitiatorID,
		Status:      models.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		UpdatedAt:   now,
	}
	if in.ParticipantID != nil {
		m.ParticipantID = uuid.NullUUID{UUID: *in.ParticipantID, Valid: true}
	}
	if in.MemoryID != nil {
		m.MemoryID = uuid.NullUUID{UUID: *in.MemoryID, Valid: true}
	}

	// The ceiling on concurrent non-terminal moments is enforced by the
	// store together with the insert, so two racing initiations cannot both
	// pass a separate count check.
	inserted, err := c.store.CreateMoment(ctx, m, c.cfg.MaxActivePerCouple)
	if err != nil {
		return nil, fmt.Errorf("failed to create moment: %w", err)
	}
	if !inserted {
		return nil, fmt.Errorf("%w: limit %d", ErrCapacity, c.cfg.MaxActivePerCouple)
	}

	c.publish(Event{
		Kind:          EventInitiated,
		MomentID:      m.ID,
		CoupleID:      m.CoupleID,
		ActorID:       m.InitiatorID,
		InitiatorID:   m.InitiatorID,
		ParticipantID: m.ParticipantID,
		ExpiresAt:     m.ExpiresAt,
	})

	return m, nil
}

type CaptureInput struct {
	UserID   uuid.UUID
	Data     []byte
	Filename string
	// CapturedAt defaults to the server clock when zero.
	CapturedAt time.Time
	EXIF       json.RawMessage
}

type CaptureResult struct {
	Moment  *models.Moment
	Capture *models.CapturedImage
	// Duplicate is true when the bytes matched an already stored capture of
	// this couple; Capture then references the existing image and no state
	// changed.
	Duplicate bool
	// Completed is true when this capture caused the COMPLETED transition.
	Completed bool
}

// Capture ingests one partner's photo against a moment and advances the
// state machine. The status write is conditional on the status read at the
// start of the attempt; a lost race is retried against the freshly read
// state a bounded number of times.
func (c *Coordinator) Capture(ctx context.Context, momentID uuid.UUID, in CaptureInput) (*CaptureResult, error) {
	m, err := c.loadForCapture(ctx, momentID, in.UserID)
	if err != nil {
		return nil, err
	}
	role := RoleOf(m, in.UserID)

	// Validate the upload once: it must decode, and we keep the dimensions
	// for the capture record and fusion provenance.
	dims, _, err := image.DecodeConfig(bytes.NewReader(in.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	// Duplicate content short-circuits before anything is stored or any
	// transition is attempted. Not an error: the caller gets the existing
	// artifact reference.
	check, err := c.dedup.Check(ctx, m.CoupleID, in.Data)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if check.IsDuplicate {
		return c.resolveDuplicate(ctx, m, role, in.UserID, check.Existing)
	}

	if _, ok := nextStatus(m.Status, capturedStatus(role)); !ok {
		return nil, fmt.Errorf("%w: cannot capture while %s", ErrInvalidTransition, m.Status)
	}

	capturedAt := in.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = c.now()
	}

	filename := in.Filename
	if filename == "" {
		filename = fmt.Sprintf("capture_%s.jpg", role)
	}
	path, _, err := c.blobs.UploadCapture(m.CoupleID, m.ID, filename, in.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: upload capture: %v", ErrStorage, err)
	}

	capture := &models.CapturedImage{
		ID:          uuid.New(),
		MomentID:    m.ID,
		CoupleID:    m.CoupleID,
		UserID:      in.UserID,
		StoragePath: path,
		Digest:      check.Digest,
		Width:       dims.Width,
		Height:      dims.Height,
		EXIF:        in.EXIF,
		CapturedAt:  capturedAt,
		CreatedAt:   c.now(),
	}

	reg, err := c.dedup.Register(ctx, capture)
	if err != nil {
		return nil, fmt.Errorf("dedup register: %w", err)
	}
	if reg.IsDuplicate {
		// A concurrent upload of identical bytes won the unique-index race.
		// Our blob is redundant; the existing capture is the artifact.
		if delErr := c.blobs.DeleteFile(path); delErr != nil {
			log.Printf("Warning: failed to delete redundant capture blob %s: %v", path, delErr)
		}
		return c.resolveDuplicate(ctx, m, role, in.UserID, reg.Existing)
	}

	return c.transitionAfterCapture(ctx, m, role, capture)
}

// resolveDuplicate decides what an upload matching an existing capture
// means. Bytes stored for another moment, or by the other partner, are a
// plain duplicate no-op. Bytes matching the caller's own capture on this
// very moment can be a retried request whose earlier status write lost its
// races after the row was registered; the transition is re-driven then, so
// a retry still advances the state machine instead of being swallowed.
func (c *Coordinator) resolveDuplicate(ctx context.Context, m *models.Moment, role Role, userID uuid.UUID, existing *models.CapturedImage) (*CaptureResult, error) {
	if existing.MomentID == m.ID && existing.UserID == userID {
		if _, ok := nextStatus(m.Status, capturedStatus(role)); ok {
			res, err := c.transitionAfterCapture(ctx, m, role, existing)
			if err != nil {
				return nil, err
			}
			res.Duplicate = true
			return res, nil
		}
	}
	return &CaptureResult{Moment: m, Capture: existing, Duplicate: true}, nil
}

// loadForCapture performs the synchronous validation gate: existence,
// lazy expiry, then membership.
func (c *Coordinator) loadForCapture(ctx context.Context, momentID, userID uuid.UUID) (*models.Moment, error) {
	m, err := c.store.GetMoment(ctx, momentID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}
	if m.Status == models.StatusExpired || c.now().After(m.ExpiresAt) {
		return nil, ErrExpired
	}
	if RoleOf(m, userID) == RoleNone {
		return nil, ErrForbidden
	}
	return m, nil
}

// transitionAfterCapture runs the bounded optimistic-concurrency loop for
// the status advance a fresh capture requests.
func (c *Coordinator) transitionAfterCapture(ctx context.Context, m *models.Moment, role Role, capture *models.CapturedImage) (*CaptureResult, error) {
	requested := capturedStatus(role)

	for attempt := 0; attempt < c.cfg.TransitionRetries; attempt++ {
		if attempt > 0 {
			fresh, err := c.store.GetMoment(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			if fresh == nil {
				return nil, ErrNotFound
			}
			m = fresh

			// The race we lost may have been the other partner completing
			// the moment. Completion is terminal and this capture is
			// already persisted, so there is nothing left to write.
			if m.Status == models.StatusCompleted {
				return &CaptureResult{Moment: m, Capture: capture}, nil
			}
			// Or our own transition already landed through a concurrent
			// duplicate of this request.
			if m.Status == requested && m.CapturedBy.Valid && m.CapturedBy.UUID == capture.UserID {
				return &CaptureResult{Moment: m, Capture: capture}, nil
			}
			if m.Status == models.StatusExpired || c.now().After(m.ExpiresAt) {
				return nil, ErrExpired
			}
		}

		next, ok := nextStatus(m.Status, requested)
		if !ok {
			return nil, fmt.Errorf("%w: cannot capture while %s", ErrInvalidTransition, m.Status)
		}

		capturedBy := uuid.NullUUID{UUID: capture.UserID, Valid: true}
		completedAt := sql.NullTime{}
		if next == models.StatusCompleted {
			completedAt = sql.NullTime{Time: c.now(), Valid: true}
		}

		applied, err := c.store.TransitionMoment(ctx, m.ID, m.Status, next, capturedBy, completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to persist transition: %w", err)
		}
		if !applied {
			continue
		}

		m.Status = next
		m.CapturedBy = capturedBy
		m.CompletedAt = completedAt

		completed := next == models.StatusCompleted
		if completed && c.fusion != nil {
			c.fusion.Enqueue(m.ID)
		}

		kind := EventPartnerCaptured
		if completed {
			kind = EventCompleted
		}
		c.publish(Event{
			Kind:          kind,
			MomentID:      m.ID,
			CoupleID:      m.CoupleID,
			ActorID:       capture.UserID,
			InitiatorID:   m.InitiatorID,
			ParticipantID: m.ParticipantID,
			ExpiresAt:     m.ExpiresAt,
		})

		return &CaptureResult{Moment: m, Capture: capture, Completed: completed}, nil
	}

	return nil, ErrConcurrencyConflict
}

// Expire moves a non-terminal moment to EXPIRED. It is invoked only by the
// expiration scheduler and is a safe no-op when the moment already reached
// a terminal state, including a completion that landed between the sweep's
// deadline read and its conditional write.
func (c *Coordinator) Expire(ctx context.Context, momentID uuid.UUID) error {
	for attempt := 0; attempt < c.cfg.TransitionRetries; attempt++ {
		m, err := c.store.GetMoment(ctx, momentID)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrNotFound
		}
		if m.Terminal() {
			return nil
		}

		applied, err := c.store.TransitionMoment(ctx, momentID, m.Status, models.StatusExpired, m.CapturedBy, sql.NullTime{})
		if err != nil {
			return fmt.Errorf("failed to persist expiry: %w", err)
		}
		if !applied {
			continue
		}

		c.publish(Event{
			Kind:          EventExpired,
			MomentID:      m.ID,
			CoupleID:      m.CoupleID,
			ActorID:       m.InitiatorID,
			InitiatorID:   m.InitiatorID,
			ParticipantID: m.ParticipantID,
			ExpiresAt:     m.ExpiresAt,
		})
		return nil
	}

	return ErrConcurrencyConflict
}

// Get returns a moment with its captures, restricted to the two partners.
func (c *Coordinator) Get(ctx context.Context, momentID, userID uuid.UUID) (*models.Moment, []models.CapturedImage, error) {
	m, err := c.store.GetMoment(ctx, momentID)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, nil, ErrNotFound
	}
	if RoleOf(m, userID) == RoleNone {
		return nil, nil, ErrForbidden
	}

	captures, err := c.store.ListCaptures(ctx, momentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list captures: %w", err)
	}
	return m, captures, nil
}

// Active returns the couple's current non-terminal moment, applying lazy
// expiry so a stale PENDING row past its deadline is never handed out.
func (c *Coordinator) Active(ctx context.Context, coupleID, userID uuid.UUID) (*models.Moment, error) {
	m, err := c.store.GetActiveMoment(ctx, coupleID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}
	if RoleOf(m, userID) == RoleNone {
		return nil, ErrForbidden
	}
	if c.now().After(m.ExpiresAt) {
		return nil, ErrNotFound
	}
	return m, nil
}

func (c *Coordinator) publish(ev Event) {
	if c.pub == nil {
		return
	}
	c.pub.Publish(ev)
}
