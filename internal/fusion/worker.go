package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"moments-backend/internal/models"
)

// Store is the slice of moment persistence the worker needs to load a
// completed moment's captures and attach the artifact afterwards.
type Store interface {
	GetMoment(ctx context.Context, id uuid.UUID) (*models.Moment, error)
	ListCaptures(ctx context.Context, momentID uuid.UUID) ([]models.CapturedImage, error)
	// AttachFusionArtifact records the combined image path and metadata
	// envelope, conditional on the moment still being COMPLETED.
	AttachFusionArtifact(ctx context.Context, momentID uuid.UUID, path string, meta json.RawMessage) (bool, error)
}

type BlobStore interface {
	DownloadFile(path string) ([]byte, error)
	UploadArtifact(coupleID, momentID uuid.UUID, filename string, data []byte) (path string, url string, err error)
}

// Envelope is the provenance metadata persisted alongside the combined
// image path.
type Envelope struct {
	Layout      Layout       `json:"layout"`
	Format      string       `json:"format"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Thumbnail   string       `json:"thumbnail_path"`
	ThumbWidth  int          `json:"thumb_width"`
	ThumbHeight int          `json:"thumb_height"`
	Sources     []SourceInfo `json:"sources"`
	CreatedAt   time.Time    `json:"created_at"`
}

// SourceInfo records which partner contributed which frame, by role rather
// than only by order.
type SourceInfo struct {
	Role       string          `json:"role"`
	UserID     uuid.UUID       `json:"user_id"`
	Path       string          `json:"path"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	EXIF       json.RawMessage `json:"exif,omitempty"`
	CapturedAt time.Time       `json:"captured_at"`
}

// Worker runs photo fusion off the capture path. Jobs arrive on a bounded
// queue; each is attempted a few times with backoff and then logged as
// permanently failed, leaving the moment COMPLETED but degraded until a
// later retry.
type Worker struct {
	store Store
	blobs BlobStore
	cfg   Config

	jobs     chan uuid.UUID
	workers  int
	attempts int
	backoffs []time.Duration

	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
}

func NewWorker(store Store, blobs BlobStore, cfg Config, workers, queueSize int) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Worker{
		store:    store,
		blobs:    blobs,
		cfg:      cfg,
		jobs:     make(chan uuid.UUID, queueSize),
		workers:  workers,
		attempts: 3,
		backoffs: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Enqueue schedules fusion for a completed moment. It never blocks the
// caller; if the queue is full the job is dropped and left for a background
// retry of degraded moments.
func (w *Worker) Enqueue(momentID uuid.UUID) {
	select {
	case w.jobs <- momentID:
	default:
		log.Printf("Warning: fusion queue full, dropping moment %s (will remain pending-retry)", momentID)
	}
}

// Start launches the worker goroutines. They drain until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return
	}
	w.started = true

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-w.jobs:
					w.run(ctx, id)
				}
			}
		}()
	}
}

// Wait blocks until all worker goroutines have exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, momentID uuid.UUID) {
	var lastErr error
	for attempt := 0; attempt < w.attempts; attempt++ {
		if attempt > 0 {
			backoff := w.backoffs[len(w.backoffs)-1]
			if attempt-1 < len(w.backoffs) {
				backoff = w.backoffs[attempt-1]
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		err := w.process(ctx, momentID)
		if err == nil {
			return
		}
		lastErr = err
		log.Printf("Fusion attempt %d for moment %s failed: %v", attempt+1, momentID, err)
	}

	// Completion is a fact independent of the artifact; the moment stays
	// COMPLETED without a combined image until something retries it.
	log.Printf("Fusion permanently failed for moment %s after %d attempts: %v", momentID, w.attempts, lastErr)
}

func (w *Worker) process(ctx context.Context, momentID uuid.UUID) error {
	m, err := w.store.GetMoment(ctx, momentID)
	if err != nil {
		return fmt.Errorf("load moment: %w", err)
	}
	if m == nil {
		return fmt.Errorf("moment %s not found", momentID)
	}
	if m.Status != models.StatusCompleted {
		// Nothing to fuse; stale job.
		return nil
	}
	if m.CombinedImagePath.Valid && m.CombinedImagePath.String != "" {
		return nil
	}

	captures, err := w.store.ListCaptures(ctx, momentID)
	if err != nil {
		return fmt.Errorf("list captures: %w", err)
	}
	if len(captures) != 2 {
		return fmt.Errorf("moment %s has %d captures, need 2", momentID, len(captures))
	}

	// Initiator's frame always orders first for provenance; the layout
	// itself is symmetric.
	first, second := captures[0], captures[1]
	if second.UserID == m.InitiatorID {
		first, second = second, first
	}

	img1, err := w.decodeCapture(first)
	if err != nil {
		return err
	}
	img2, err := w.decodeCapture(second)
	if err != nil {
		return err
	}

	artifact, err := Fuse(img1, img2, w.cfg)
	if err != nil {
		return fmt.Errorf("fuse: %w", err)
	}

	ext := "jpg"
	if artifact.Format == "png" {
		ext = "png"
	}
	combinedPath, _, err := w.blobs.UploadArtifact(m.CoupleID, m.ID, "combined."+ext, artifact.Data)
	if err != nil {
		return fmt.Errorf("upload combined image: %w", err)
	}
	thumbPath, _, err := w.blobs.UploadArtifact(m.CoupleID, m.ID, "thumb."+ext, artifact.Thumbnail)
	if err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}

	envelope := Envelope{
		Layout:      artifact.Layout,
		Format:      artifact.Format,
		Width:       artifact.Width,
		Height:      artifact.Height,
		Thumbnail:   thumbPath,
		ThumbWidth:  artifact.ThumbWidth,
		ThumbHeight: artifact.ThumbHeight,
		CreatedAt:   artifact.CreatedAt,
		Sources: []SourceInfo{
			sourceInfo(m, first),
			sourceInfo(m, second),
		},
	}
	meta, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	applied, err := w.store.AttachFusionArtifact(ctx, m.ID, combinedPath, meta)
	if err != nil {
		return fmt.Errorf("attach artifact: %w", err)
	}
	if !applied {
		// The moment left COMPLETED, which cannot happen through the
		// coordinator; keep the blobs but surface the oddity.
		return fmt.Errorf("moment %s no longer COMPLETED, artifact not attached", momentID)
	}

	log.Printf("Fusion completed for moment %s (%dx%d %s)", momentID, artifact.Width, artifact.Height, artifact.Layout)
	return nil
}

func (w *Worker) decodeCapture(c models.CapturedImage) (image.Image, error) {
	data, err := w.blobs.DownloadFile(c.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", c.StoragePath, err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", c.ID, err)
	}
	return img, nil
}

func sourceInfo(m *models.Moment, c models.CapturedImage) SourceInfo {
	role := "participant"
	if c.UserID == m.InitiatorID {
		role = "initiator"
	}
	return SourceInfo{
		Role:       role,
		UserID:     c.UserID,
		Path:       c.StoragePath,
		Width:      c.Width,
		Height:     c.Height,
		EXIF:       c.EXIF,
		CapturedAt: c.CapturedAt,
	}
}
