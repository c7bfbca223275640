package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selects the evidence pack storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv builds a pack store from environment variables.
//
//   - PACK_STORAGE_BACKEND: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the fs backend (default "data")
//
// For S3:
//   - PACK_S3_BUCKET (required)
//   - PACK_S3_REGION or AWS_REGION
//   - PACK_S3_ENDPOINT (optional, for MinIO and compatible services)
//   - PACK_S3_PREFIX (optional)
//
// For GCS:
//   - PACK_GCS_BUCKET (required)
//   - PACK_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("PACK_STORAGE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "packs"))
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("blob: unsupported pack storage backend %q", backend)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("PACK_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("blob: PACK_S3_BUCKET is required for the s3 backend")
	}
	region := os.Getenv("PACK_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("PACK_S3_ENDPOINT"),
		Prefix:   os.Getenv("PACK_S3_PREFIX"),
	})
}
