package dedup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moments-backend/internal/dedup"
	"moments-backend/internal/models"
)

type memStore struct {
	mu       sync.Mutex
	byDigest map[string]models.CapturedImage
}

func newMemStore() *memStore {
	return &memStore{byDigest: make(map[string]models.CapturedImage)}
}

func key(coupleID uuid.UUID, digest string) string {
	return coupleID.String() + "/" + digest
}

func (s *memStore) GetCaptureByDigest(ctx context.Context, coupleID uuid.UUID, digest string) (*models.CapturedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byDigest[key(coupleID, digest)]; ok {
		cp := c
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) InsertCapturedImage(ctx context.Context, img *models.CapturedImage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(img.CoupleID, img.Digest)
	if _, ok := s.byDigest[k]; ok {
		return false, nil
	}
	s.byDigest[k] = *img
	return true, nil
}

func (s *memStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byDigest)
}

func capture(coupleID uuid.UUID, data []byte) *models.CapturedImage {
	return &models.CapturedImage{
		ID:         uuid.New(),
		MomentID:   uuid.New(),
		CoupleID:   coupleID,
		UserID:     uuid.New(),
		Digest:     dedup.Digest(data),
		CapturedAt: time.Now(),
		CreatedAt:  time.Now(),
	}
}

func TestDigestIsStable(t *testing.T) {
	assert.Equal(t, dedup.Digest([]byte("photo")), dedup.Digest([]byte("photo")))
	assert.NotEqual(t, dedup.Digest([]byte("photo")), dedup.Digest([]byte("other")))
	assert.Len(t, dedup.Digest([]byte("photo")), 64) // hex sha256
}

func TestCheckThenRegister(t *testing.T) {
	store := newMemStore()
	svc := dedup.NewService(store)
	coupleID := uuid.New()
	data := []byte("same bytes")

	check, err := svc.Check(context.Background(), coupleID, data)
	require.NoError(t, err)
	assert.False(t, check.IsDuplicate)
	assert.Equal(t, dedup.Digest(data), check.Digest)

	res, err := svc.Register(context.Background(), capture(coupleID, data))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)

	// Second look at identical bytes: a certain duplicate.
	check, err = svc.Check(context.Background(), coupleID, data)
	require.NoError(t, err)
	assert.True(t, check.IsDuplicate)
	assert.Equal(t, 1.0, check.Confidence)
	require.NotNil(t, check.Existing)

	assert.Equal(t, 1, store.size())
}

func TestRegisterLosesRaceToExisting(t *testing.T) {
	store := newMemStore()
	svc := dedup.NewService(store)
	coupleID := uuid.New()
	data := []byte("contended bytes")

	winner := capture(coupleID, data)
	_, err := svc.Register(context.Background(), winner)
	require.NoError(t, err)

	res, err := svc.Register(context.Background(), capture(coupleID, data))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, 1.0, res.Confidence)
	require.NotNil(t, res.Existing)
	assert.Equal(t, winner.ID, res.Existing.ID)
	assert.Equal(t, 1, store.size())
}

func TestScopedPerCouple(t *testing.T) {
	store := newMemStore()
	svc := dedup.NewService(store)
	data := []byte("shared bytes")

	_, err := svc.Register(context.Background(), capture(uuid.New(), data))
	require.NoError(t, err)

	// Another couple storing the same bytes is not a duplicate.
	res, err := svc.Register(context.Background(), capture(uuid.New(), data))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, 2, store.size())
}

func TestConcurrentRegistersKeepOneRow(t *testing.T) {
	store := newMemStore()
	svc := dedup.NewService(store)
	coupleID := uuid.New()
	data := []byte("racing bytes")

	var wg sync.WaitGroup
	duplicates := make([]bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Register(context.Background(), capture(coupleID, data))
			require.NoError(t, err)
			duplicates[i] = res.IsDuplicate
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, dup := range duplicates {
		if !dup {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, store.size())
}
