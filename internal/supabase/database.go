package supabase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"moments-backend/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(connectionString string) (*DatabaseClient, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

const momentColumns = `id, couple_id, initiator_id, participant_id, memory_id, status, captured_by,
	combined_image_path, fusion_meta, created_at, expires_at, completed_at, updated_at`

func scanMoment(row interface{ Scan(...interface{}) error }) (*models.Moment, error) {
	var m models.Moment
	err := row.Scan(
		&m.ID, &m.CoupleID, &m.InitiatorID, &m.ParticipantID, &m.MemoryID,
		&m.Status, &m.CapturedBy, &m.CombinedImagePath, &m.FusionMeta,
		&m.CreatedAt, &m.ExpiresAt, &m.CompletedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMoment inserts the moment, enforcing the per-couple ceiling on
// non-terminal moments. The count and the insert run in one transaction
// under a per-couple advisory lock, so two concurrent initiations cannot
// both observe a count below the ceiling and both insert.
func (d *DatabaseClient) CreateMoment(ctx context.Context, m *models.Moment, maxActive int) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, m.CoupleID)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("failed to lock couple: %w", err)
	}

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM moments
		WHERE couple_id = $1 AND status NOT IN ($2, $3)
	`, m.CoupleID, models.StatusCompleted, models.StatusExpired).Scan(&active)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("failed to count active moments: %w", err)
	}
	if active >= maxActive {
		tx.Rollback()
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO moments (id, couple_id, initiator_id, participant_id, memory_id, status, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.CoupleID, m.InitiatorID, m.ParticipantID, m.MemoryID, m.Status, m.CreatedAt, m.ExpiresAt, m.UpdatedAt)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("failed to create moment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit moment: %w", err)
	}
	return true, nil
}

// GetMoment returns nil, nil when the moment does not exist.
func (d *DatabaseClient) GetMoment(ctx context.Context, id uuid.UUID) (*models.Moment, error) {
	m, err := scanMoment(d.db.QueryRowContext(ctx, `
		SELECT `+momentColumns+`
		FROM moments
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get moment: %w", err)
	}
	return m, nil
}

// GetActiveMoment returns the most recently created non-terminal moment of
// the couple, or nil, nil when there is none.
func (d *DatabaseClient) GetActiveMoment(ctx context.Context, coupleID uuid.UUID) (*models.Moment, error) {
	m, err := scanMoment(d.db.QueryRowContext(ctx, `
		SELECT `+momentColumns+`
		FROM moments
		WHERE couple_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`, coupleID, models.StatusCompleted, models.StatusExpired))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active moment: %w", err)
	}
	return m, nil
}

// TransitionMoment is the conditional status write every mutation funnels
// through: the update applies only while the stored status still equals
// from. The boolean result tells the caller whether it won the race.
func (d *DatabaseClient) TransitionMoment(ctx context.Context, id uuid.UUID, from, to string, capturedBy uuid.NullUUID, completedAt sql.NullTime) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE moments
		SET status = $1, captured_by = $2, completed_at = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`, to, capturedBy, completedAt, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition moment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// AttachFusionArtifact records the fusion output, conditional on the moment
// still being COMPLETED and not already carrying an artifact.
func (d *DatabaseClient) AttachFusionArtifact(ctx context.Context, momentID uuid.UUID, path string, meta json.RawMessage) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE moments
		SET combined_image_path = $1, fusion_meta = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4 AND combined_image_path IS NULL
	`, path, meta, momentID, models.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("failed to attach fusion artifact: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// ListExpiredMoments returns ids of moments past their deadline whose
// status is still non-terminal.
func (d *DatabaseClient) ListExpiredMoments(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id
		FROM moments
		WHERE expires_at < $1 AND status NOT IN ($2, $3)
		ORDER BY expires_at ASC
		LIMIT $4
	`, now, models.StatusCompleted, models.StatusExpired, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired moments: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan moment id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// InsertCapturedImage inserts the capture row. The (couple_id, digest)
// unique index makes this the atomic register arm of deduplication: the
// insert reports false, without error, when an identical image already
// exists for the couple.
func (d *DatabaseClient) InsertCapturedImage(ctx context.Context, img *models.CapturedImage) (bool, error) {
	exif := img.EXIF
	if len(exif) == 0 {
		exif = nil
	}
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO captured_images (id, moment_id, couple_id, user_id, storage_path, digest, width, height, exif, captured_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (couple_id, digest) DO NOTHING
	`, img.ID, img.MomentID, img.CoupleID, img.UserID, img.StoragePath, img.Digest,
		img.Width, img.Height, exif, img.CapturedAt, img.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return false, fmt.Errorf("moment for capture no longer exists: %w", err)
		}
		return false, fmt.Errorf("failed to insert captured image: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// GetCaptureByDigest returns nil, nil when the couple has no capture with
// the digest.
func (d *DatabaseClient) GetCaptureByDigest(ctx context.Context, coupleID uuid.UUID, digest string) (*models.CapturedImage, error) {
	var img models.CapturedImage
	err := d.db.QueryRowContext(ctx, `
		SELECT id, moment_id, couple_id, user_id, storage_path, digest, width, height, exif, captured_at, created_at
		FROM captured_images
		WHERE couple_id = $1 AND digest = $2
	`, coupleID, digest).Scan(
		&img.ID, &img.MomentID, &img.CoupleID, &img.UserID, &img.StoragePath,
		&img.Digest, &img.Width, &img.Height, &img.EXIF, &img.CapturedAt, &img.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture by digest: %w", err)
	}
	return &img, nil
}

// ListCaptures returns a moment's captures ordered by capture time.
func (d *DatabaseClient) ListCaptures(ctx context.Context, momentID uuid.UUID) ([]models.CapturedImage, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, moment_id, couple_id, user_id, storage_path, digest, width, height, exif, captured_at, created_at
		FROM captured_images
		WHERE moment_id = $1
		ORDER BY captured_at ASC
	`, momentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var captures []models.CapturedImage
	for rows.Next() {
		var img models.CapturedImage
		err := rows.Scan(
			&img.ID, &img.MomentID, &img.CoupleID, &img.UserID, &img.StoragePath,
			&img.Digest, &img.Width, &img.Height, &img.EXIF, &img.CapturedAt, &img.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		captures = append(captures, img)
	}

	return captures, rows.Err()
}

func (d *DatabaseClient) CreateNotification(ctx context.Context, n *models.Notification) error {
	payload := n.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, moment_id, kind, title, body, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.UserID, n.MomentID, n.Kind, n.Title, n.Body, payload, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (d *DatabaseClient) Close() error {
	return d.db.Close()
}
