package artifacts

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kpjmd/Kinetix/pkg/config"
)

const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// Open builds the artifact store selected by cfg.ArtifactBackend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.ArtifactBackend {
	case BackendFS, "":
		return NewFileStore(filepath.Join(cfg.DataDir, "artifacts"))
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("KINETIX_S3_BUCKET is required for s3 artifacts")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("KINETIX_GCS_BUCKET is required for gcs artifacts")
		}
		return openGCS(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.ArtifactBackend)
	}
}
