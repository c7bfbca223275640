//go:build gcp

package blob

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("PACK_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("blob: PACK_GCS_BUCKET is required for the gcs backend")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("PACK_GCS_PREFIX"),
	})
}
