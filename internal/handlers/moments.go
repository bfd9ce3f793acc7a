package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"moments-backend/internal/middleware"
	"moments-backend/internal/models"
	"moments-backend/internal/moments"
)

// MomentService is the coordinator surface the HTTP layer consumes.
type MomentService interface {
	Initiate(ctx context.Context, in moments.InitiateInput) (*models.Moment, error)
	Capture(ctx context.Context, momentID uuid.UUID, in moments.CaptureInput) (*moments.CaptureResult, error)
	Get(ctx context.Context, momentID, userID uuid.UUID) (*models.Moment, []models.CapturedImage, error)
	Active(ctx context.Context, coupleID, userID uuid.UUID) (*models.Moment, error)
}

// PublicURLResolver turns storage paths into client-fetchable URLs.
type PublicURLResolver interface {
	GetPublicURL(storagePath string) string
}

type MomentsHandler struct {
	service MomentService
	urls    PublicURLResolver
}

func NewMomentsHandler(service MomentService, urls PublicURLResolver) *MomentsHandler {
	return &MomentsHandler{
		service: service,
		urls:    urls,
	}
}

// Initiate godoc
// @Summary     Initiate a moment
// @Description Creates a PENDING moment for the couple. The partner is notified and has until expires_at to respond.
// @Tags        moments
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.InitiateMomentRequest true "Moment options"
// @Success     201 {object} models.MomentResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /moments [post]
func (h *MomentsHandler) Initiate(c *gin.Context) {
	userID, ok := authedUserID(c)
	if !ok {
		return
	}

	var req models.InitiateMomentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid request body",
			Message: err.Error(),
		})
		return
	}

	m, err := h.service.Initiate(c.Request.Context(), moments.InitiateInput{
		CoupleID:      req.CoupleID,
		InitiatorID:   userID,
		ParticipantID: req.ParticipantID,
		MemoryID:      req.MemoryID,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		respondMomentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, h.momentResponse(m, nil))
}

// Capture godoc
// @Summary     Capture a photo against a moment
// @Description Ingests one partner's photo. If the other partner already captured, the moment completes and fusion is scheduled. Uploading bytes the couple already stored returns the existing capture (duplicate=true) without changing anything.
// @Tags        moments
// @Accept      multipart/form-data
// @Produce     json
// @Security    Bearer
// @Param       moment_id path string true "Moment ID (UUID)"
// @Param       image formData file true "Captured photo"
// @Param       captured_at formData string false "Capture timestamp, RFC3339"
// @Param       exif formData string false "Raw EXIF metadata as JSON"
// @Success     200 {object} models.CaptureResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Failure     410 {object} models.ErrorResponse
// @Router      /moments/{moment_id}/capture [post]
func (h *MomentsHandler) Capture(c *gin.Context) {
	userID, ok := authedUserID(c)
	if !ok {
		return
	}

	momentID, err := uuid.Parse(c.Param("moment_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid moment id"})
		return
	}

	file, err := captureFile(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "no image uploaded",
			Message: err.Error(),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to open file",
			Message: err.Error(),
		})
		return
	}
	data, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to read file data",
			Message: err.Error(),
		})
		return
	}

	in := moments.CaptureInput{
		UserID:   userID,
		Data:     data,
		Filename: file.Filename,
	}
	if ts := c.PostForm("captured_at"); ts != "" {
		capturedAt, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "invalid captured_at",
				Message: "must be RFC3339",
			})
			return
		}
		in.CapturedAt = capturedAt
	}
	if exif := c.PostForm("exif"); exif != "" {
		if !json.Valid([]byte(exif)) {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "exif must be valid JSON"})
			return
		}
		in.EXIF = json.RawMessage(exif)
	}

	result, err := h.service.Capture(c.Request.Context(), momentID, in)
	if err != nil {
		respondMomentError(c, err)
		return
	}

	resp := models.CaptureResponse{
		MomentID:  result.Moment.ID.String(),
		Status:    result.Moment.Status,
		Duplicate: result.Duplicate,
		Capture:   captureInfo(result.Capture),
	}
	if result.Moment.CapturedBy.Valid {
		resp.CapturedBy = result.Moment.CapturedBy.UUID.String()
	}
	if result.Moment.CompletedAt.Valid {
		t := result.Moment.CompletedAt.Time
		resp.CompletedAt = &t
	}

	c.JSON(http.StatusOK, resp)
}

// GetMoment godoc
// @Summary     Fetch a moment
// @Description Returns the moment with its captures. Restricted to the two partners.
// @Tags        moments
// @Produce     json
// @Security    Bearer
// @Param       moment_id path string true "Moment ID (UUID)"
// @Success     200 {object} models.MomentResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /moments/{moment_id} [get]
func (h *MomentsHandler) GetMoment(c *gin.Context) {
	userID, ok := authedUserID(c)
	if !ok {
		return
	}

	momentID, err := uuid.Parse(c.Param("moment_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid moment id"})
		return
	}

	m, captures, err := h.service.Get(c.Request.Context(), momentID, userID)
	if err != nil {
		respondMomentError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.momentResponse(m, captures))
}

// GetActiveMoment godoc
// @Summary     Fetch the couple's active moment
// @Description Returns the couple's current non-terminal moment, if any.
// @Tags        moments
// @Produce     json
// @Security    Bearer
// @Param       couple_id path string true "Couple ID (UUID)"
// @Success     200 {object} models.MomentResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /couples/{couple_id}/moments/active [get]
func (h *MomentsHandler) GetActiveMoment(c *gin.Context) {
	userID, ok := authedUserID(c)
	if !ok {
		return
	}

	coupleID, err := uuid.Parse(c.Param("couple_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid couple id"})
		return
	}

	m, err := h.service.Active(c.Request.Context(), coupleID, userID)
	if err != nil {
		respondMomentError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.momentResponse(m, nil))
}

// GetArtifact godoc
// @Summary     Fetch a moment's fusion artifact
// @Description Returns the combined image URL and metadata envelope. A completed moment whose fusion has not finished yet reports pending=true.
// @Tags        moments
// @Produce     json
// @Security    Bearer
// @Param       moment_id path string true "Moment ID (UUID)"
// @Success     200 {object} models.ArtifactResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /moments/{moment_id}/artifact [get]
func (h *MomentsHandler) GetArtifact(c *gin.Context) {
	userID, ok := authedUserID(c)
	if !ok {
		return
	}

	momentID, err := uuid.Parse(c.Param("moment_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid moment id"})
		return
	}

	m, _, err := h.service.Get(c.Request.Context(), momentID, userID)
	if err != nil {
		respondMomentError(c, err)
		return
	}

	if m.Status != models.StatusCompleted {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "moment has no artifact"})
		return
	}

	resp := models.ArtifactResponse{
		MomentID: m.ID.String(),
		Status:   m.Status,
		Pending:  !m.CombinedImagePath.Valid,
	}
	if m.CombinedImagePath.Valid {
		resp.CombinedImageURL = h.urls.GetPublicURL(m.CombinedImagePath.String)
		resp.Meta = m.FusionMeta
	}

	c.JSON(http.StatusOK, resp)
}

func (h *MomentsHandler) momentResponse(m *models.Moment, captures []models.CapturedImage) models.MomentResponse {
	resp := models.MomentResponse{
		ID:          m.ID.String(),
		CoupleID:    m.CoupleID.String(),
		InitiatorID: m.InitiatorID.String(),
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
	}
	if m.ParticipantID.Valid {
		resp.ParticipantID = m.ParticipantID.UUID.String()
	}
	if m.MemoryID.Valid {
		resp.MemoryID = m.MemoryID.UUID.String()
	}
	if m.CapturedBy.Valid {
		resp.CapturedBy = m.CapturedBy.UUID.String()
	}
	if m.CombinedImagePath.Valid {
		resp.CombinedImageURL = h.urls.GetPublicURL(m.CombinedImagePath.String)
	}
	if m.CompletedAt.Valid {
		t := m.CompletedAt.Time
		resp.CompletedAt = &t
	}
	for _, capture := range captures {
		cp := capture
		resp.Captures = append(resp.Captures, captureInfo(&cp))
	}
	return resp
}

func captureInfo(c *models.CapturedImage) models.CaptureInfo {
	if c == nil {
		return models.CaptureInfo{}
	}
	return models.CaptureInfo{
		ID:         c.ID.String(),
		UserID:     c.UserID.String(),
		Digest:     c.Digest,
		Width:      c.Width,
		Height:     c.Height,
		CapturedAt: c.CapturedAt,
	}
}

func authedUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDStr, exists := c.Get(middleware.UserIDKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(userIDStr.(string))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid user id"})
		return uuid.Nil, false
	}
	return userID, true
}

func captureFile(c *gin.Context) (*multipart.FileHeader, error) {
	// Accept the common field names clients use.
	for _, field := range []string{"image", "photo", "file"} {
		if file, err := c.FormFile(field); err == nil {
			return file, nil
		}
	}
	return nil, errors.New("provide the photo under form field image, photo or file")
}

// respondMomentError maps the coordinator's error kinds onto HTTP statuses
// so clients can tell "give up" from "retry the same request".
func respondMomentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, moments.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "moment not found"})
	case errors.Is(err, moments.ErrForbidden):
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "not a participant of this moment"})
	case errors.Is(err, moments.ErrExpired):
		c.JSON(http.StatusGone, models.ErrorResponse{Error: "moment has expired"})
	case errors.Is(err, moments.ErrInvalidTransition):
		c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "invalid transition",
			Message: err.Error(),
		})
	case errors.Is(err, moments.ErrCapacity):
		c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "too many active moments",
			Message: err.Error(),
		})
	case errors.Is(err, moments.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "concurrent modification, retry the request",
			Message: err.Error(),
		})
	case errors.Is(err, moments.ErrBadImage):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "image could not be decoded",
			Message: err.Error(),
		})
	case errors.Is(err, moments.ErrStorage):
		c.JSON(http.StatusBadGateway, models.ErrorResponse{
			Error:   "storage failure",
			Message: err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal error",
			Message: err.Error(),
		})
	}
}
