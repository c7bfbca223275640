//go:build gcp

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps evidence packs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCS-backed pack store.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore builds a pack store from application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs client failed: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(checksum string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + checksum + ".zip")
}

func (s *GCSStore) Put(ctx context.Context, checksum string, data []byte) (string, error) {
	w := s.object(checksum).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("blob: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blob: gcs write failed: %w", err)
	}
	return s.prefix + checksum + ".zip", nil
}

func (s *GCSStore) Get(ctx context.Context, checksum string) ([]byte, error) {
	r, err := s.object(checksum).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs read failed: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs read failed: %w", err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, checksum string) (bool, error) {
	_, err := s.object(checksum).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("blob: gcs attrs failed: %w", err)
	}
	return true, nil
}
