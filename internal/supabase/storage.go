package supabase

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	storage "github.com/supabase-community/storage-go"
)

type StorageClient struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

func NewStorageClient(supabaseURL, serviceRoleKey, bucket string) (*StorageClient, error) {
	baseURL := strings.TrimSuffix(supabaseURL, "/")
	client := storage.NewClient(baseURL+"/storage/v1", serviceRoleKey, nil)

	return &StorageClient{
		client:  client,
		bucket:  bucket,
		baseURL: baseURL,
	}, nil
}

// UploadCapture stores one partner's photo under the couple's moment prefix.
func (s *StorageClient) UploadCapture(coupleID, momentID uuid.UUID, filename string, data []byte) (string, string, error) {
	storagePath := fmt.Sprintf("couples/%s/moments/%s/captures/%s", coupleID.String(), momentID.String(), filename)
	return s.upload(storagePath, data, contentTypeFor(filename))
}

// UploadArtifact stores a fusion output (combined image or thumbnail).
func (s *StorageClient) UploadArtifact(coupleID, momentID uuid.UUID, filename string, data []byte) (string, string, error) {
	storagePath := fmt.Sprintf("couples/%s/moments/%s/fused/%s", coupleID.String(), momentID.String(), filename)
	return s.upload(storagePath, data, contentTypeFor(filename))
}

func (s *StorageClient) upload(storagePath string, data []byte, contentType string) (string, string, error) {
	upsert := true
	_, err := s.client.UploadFile(s.bucket, storagePath, bytes.NewReader(data), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to upload file: %w", err)
	}

	return storagePath, s.GetPublicURL(storagePath), nil
}

func (s *StorageClient) GetPublicURL(storagePath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s",
		s.baseURL, s.bucket, storagePath)
}

func (s *StorageClient) DownloadFile(storagePath string) ([]byte, error) {
	data, err := s.client.DownloadFile(s.bucket, storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}

	return data, nil
}

func (s *StorageClient) DeleteFile(storagePath string) error {
	_, err := s.client.RemoveFile(s.bucket, []string{storagePath})
	return err
}

func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(filename), ".png"):
		return "image/png"
	case strings.HasSuffix(strings.ToLower(filename), ".heic"):
		return "image/heic"
	default:
		return "image/jpeg"
	}
}
