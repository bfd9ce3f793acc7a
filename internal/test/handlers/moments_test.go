package handlers_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moments-backend/internal/handlers"
	"moments-backend/internal/middleware"
	"moments-backend/internal/models"
	"moments-backend/internal/moments"
)

var (
	coupleID    = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	initiatorID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	partnerID   = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

type fakeService struct {
	initiateIn  *moments.InitiateInput
	initiateOut *models.Moment
	initiateErr error

	captureIn  *moments.CaptureInput
	captureOut *moments.CaptureResult
	captureErr error

	getOut      *models.Moment
	getCaptures []models.CapturedImage
	getErr      error

	activeOut *models.Moment
	activeErr error
}

func (s *fakeService) Initiate(_ context.Context, in moments.InitiateInput) (*models.Moment, error) {
	s.initiateIn = &in
	return s.initiateOut, s.initiateErr
}

func (s *fakeService) Capture(_ context.Context, _ uuid.UUID, in moments.CaptureInput) (*moments.CaptureResult, error) {
	s.captureIn = &in
	return s.captureOut, s.captureErr
}

func (s *fakeService) Get(_ context.Context, _, _ uuid.UUID) (*models.Moment, []models.CapturedImage, error) {
	return s.getOut, s.getCaptures, s.getErr
}

func (s *fakeService) Active(_ context.Context, _, _ uuid.UUID) (*models.Moment, error) {
	return s.activeOut, s.activeErr
}

type fakeURLs struct{}

func (fakeURLs) GetPublicURL(storagePath string) string {
	return "https://cdn.example/" + storagePath
}

// newRouter wires the handler behind a stub identity layer that plants the
// given user into the request context, the way the JWT middleware does.
func newRouter(service *fakeService, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID.String())
		c.Next()
	})

	h := handlers.NewMomentsHandler(service, fakeURLs{})
	v1 := r.Group("/api/v1")
	v1.POST("/moments", h.Initiate)
	v1.POST("/moments/:moment_id/capture", h.Capture)
	v1.GET("/moments/:moment_id", h.GetMoment)
	v1.GET("/moments/:moment_id/artifact", h.GetArtifact)
	v1.GET("/couples/:couple_id/moments/active", h.GetActiveMoment)
	return r
}

func pendingMoment() *models.Moment {
	now := time.Now().UTC()
	return &models.Moment{
		ID:            uuid.New(),
		CoupleID:      coupleID,
		InitiatorID:   initiatorID,
		ParticipantID: uuid.NullUUID{UUID: partnerID, Valid: true},
		Status:        models.StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(24 * time.Hour),
		UpdatedAt:     now,
	}
}

func pngUpload(t *testing.T, field string) (*bytes.Buffer, string) {
	t.Helper()
	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 8, 8))))

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, "capture.png")
	require.NoError(t, err)
	_, err = part.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func TestInitiateReturnsCreated(t *testing.T) {
	service := &fakeService{initiateOut: pendingMoment()}
	router := newRouter(service, initiatorID)

	body := fmt.Sprintf(`{"couple_id":%q,"participant_id":%q,"ttl_seconds":3600}`, coupleID, partnerID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/moments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	require.NotNil(t, service.initiateIn)
	assert.Equal(t, coupleID, service.initiateIn.CoupleID)
	assert.Equal(t, initiatorID, service.initiateIn.InitiatorID)
	require.NotNil(t, service.initiateIn.ParticipantID)
	assert.Equal(t, partnerID, *service.initiateIn.ParticipantID)
	assert.Equal(t, time.Hour, service.initiateIn.TTL)

	var resp models.MomentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, partnerID.String(), resp.ParticipantID)
}

func TestInitiateRejectsMissingCouple(t *testing.T) {
	router := newRouter(&fakeService{}, initiatorID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/moments", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInitiateCapacityConflict(t *testing.T) {
	service := &fakeService{initiateErr: moments.ErrCapacity}
	router := newRouter(service, initiatorID)

	body := fmt.Sprintf(`{"couple_id":%q}`, coupleID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/moments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCaptureUploadsPhoto(t *testing.T) {
	m := pendingMoment()
	m.Status = models.StatusPartner1Captured
	m.CapturedBy = uuid.NullUUID{UUID: initiatorID, Valid: true}
	capture := &models.CapturedImage{
		ID:         uuid.New(),
		MomentID:   m.ID,
		CoupleID:   coupleID,
		UserID:     initiatorID,
		Digest:     "abc123",
		Width:      8,
		Height:     8,
		CapturedAt: time.Now().UTC(),
	}
	service := &fakeService{captureOut: &moments.CaptureResult{Moment: m, Capture: capture}}
	router := newRouter(service, initiatorID)

	body, contentType := pngUpload(t, "image")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/moments/"+m.ID.String()+"/capture", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	require.NotNil(t, service.captureIn)
	assert.Equal(t, initiatorID, service.captureIn.UserID)
	assert.Equal(t, "capture.png", service.captureIn.Filename)
	assert.NotEmpty(t, service.captureIn.Data)

	var resp models.CaptureResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusPartner1Captured, resp.Status)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, "abc123", resp.Capture.Digest)
}

func TestCaptureAcceptsAlternateFieldNames(t *testing.T) {
	m := pendingMoment()
	service := &fakeService{captureOut: &moments.CaptureResult{Moment: m, Capture: &models.CapturedImage{ID: uuid.New()}}}
	router := newRouter(service, initiatorID)

	body, contentType := pngUpload(t, "photo")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/moments/"+m.ID.String()+"/capture", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCaptureWithoutFile(t *testing.T) {
	router := newRouter(&fakeService{}, initiatorID)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("captured_at", time.Now().Format(time.RFC3339)))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/moments/"+uuid.NewString()+"/capture", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCaptureParsesMetadataFields(t *testing.T) {
	m := pendingMoment()
	service := &fakeService{captureOut: &moments.CaptureResult{Moment: m, Capture: &models.CapturedImage{ID: uuid.New()}}}
	router := newRouter(service, partnerID)

	capturedAt := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "capture.png")
	require.NoError(t, err)
	_, err = part.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("captured_at", capturedAt.Format(time.RFC3339)))
	require.NoError(t, mw.WriteField("exif", `{"iso":100}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/moments/"+m.ID.String()+"/capture", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, service.captureIn)
	assert.True(t, capturedAt.Equal(service.captureIn.CapturedAt))
	assert.JSONEq(t, `{"iso":100}`, string(service.captureIn.EXIF))
}

func TestCaptureErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{moments.ErrNotFound, http.StatusNotFound},
		{moments.ErrForbidden, http.StatusForbidden},
		{moments.ErrExpired, http.StatusGone},
		{moments.ErrInvalidTransition, http.StatusConflict},
		{moments.ErrConcurrencyConflict, http.StatusConflict},
		{moments.ErrBadImage, http.StatusBadRequest},
		{moments.ErrStorage, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			service := &fakeService{captureErr: tc.err}
			router := newRouter(service, initiatorID)

			body, contentType := pngUpload(t, "image")
			req := httptest.NewRequest(http.MethodPost, "/api/v1/moments/"+uuid.NewString()+"/capture", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestGetMomentIncludesCaptures(t *testing.T) {
	m := pendingMoment()
	m.Status = models.StatusPartner1Captured
	service := &fakeService{
		getOut: m,
		getCaptures: []models.CapturedImage{{
			ID:     uuid.New(),
			UserID: initiatorID,
			Digest: "abc",
			Width:  8,
			Height: 8,
		}},
	}
	router := newRouter(service, partnerID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/moments/"+m.ID.String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.MomentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Captures, 1)
	assert.Equal(t, initiatorID.String(), resp.Captures[0].UserID)
}

func TestGetMomentInvalidID(t *testing.T) {
	router := newRouter(&fakeService{}, initiatorID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/moments/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMomentForbiddenForStranger(t *testing.T) {
	service := &fakeService{getErr: moments.ErrForbidden}
	router := newRouter(service, uuid.New())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/moments/"+uuid.NewString(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetActiveMoment(t *testing.T) {
	m := pendingMoment()
	service := &fakeService{activeOut: m}
	router := newRouter(service, initiatorID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/couples/"+coupleID.String()+"/moments/active", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.MomentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, m.ID.String(), resp.ID)
}

func TestGetActiveMomentNone(t *testing.T) {
	service := &fakeService{activeErr: moments.ErrNotFound}
	router := newRouter(service, initiatorID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/couples/"+coupleID.String()+"/moments/active", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetArtifactReady(t *testing.T) {
	m := pendingMoment()
	m.Status = models.StatusCompleted
	m.CombinedImagePath = sql.NullString{String: "fused/combined.jpg", Valid: true}
	m.FusionMeta = json.RawMessage(`{"layout":"horizontal"}`)
	service := &fakeService{getOut: m}
	router := newRouter(service, initiatorID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/moments/"+m.ID.String()+"/artifact", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ArtifactResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Pending)
	assert.Equal(t, "https://cdn.example/fused/combined.jpg", resp.CombinedImageURL)
	assert.JSONEq(t, `{"layout":"horizontal"}`, string(resp.Meta))
}

func TestGetArtifactPendingFusion(t *testing.T) {
	m := pendingMoment()
	m.Status = models.StatusCompleted
	service := &fakeService{getOut: m}
	router := newRouter(service, initiatorID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/moments/"+m.ID.String()+"/artifact", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ArtifactResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Pending)
	assert.Empty(t, resp.CombinedImageURL)
}

func TestGetArtifactBeforeCompletion(t *testing.T) {
	m := pendingMoment()
	service := &fakeService{getOut: m}
	router := newRouter(service, initiatorID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/moments/"+m.ID.String()+"/artifact", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := handlers.NewMomentsHandler(&fakeService{}, fakeURLs{})
	r.GET("/api/v1/moments/:moment_id", h.GetMoment)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/moments/"+uuid.NewString(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
