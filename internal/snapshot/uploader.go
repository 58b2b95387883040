// Package snapshot uploads database backups to S3-compatible storage so a
// dead terminal can be reprovisioned without losing its queued mutations.
// When S3 is not configured (empty bucket), the NoopUploader is used and all
// uploads are skipped, keeping the terminal in local-only mode.
package snapshot

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tillworks/outpost/internal/config"
)

// Uploader uploads terminal database backups.
type Uploader interface {
	// Upload uploads the backup file at filePath for this terminal.
	Upload(ctx context.Context, filePath string) error
}

// s3Client defines the minimal minio.Client surface used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
}

// minioClientWrapper adapts *minio.Client to the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// S3Uploader uploads backups to S3-compatible storage under a key scoped to
// this terminal, overwriting the previous backup each time.
type S3Uploader struct {
	client   s3Client
	bucket   string
	sourceID string
}

// Upload uploads the backup file at filePath.
func (u *S3Uploader) Upload(ctx context.Context, filePath string) error {
	key := path.Join("terminals", u.sourceID, "backup", "current.db")
	if err := u.client.FPutObject(ctx, u.bucket, key, filePath); err != nil {
		return fmt.Errorf("upload backup: %w", err)
	}
	return nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload is a no-op when S3 is not configured.
func (u *NoopUploader) Upload(ctx context.Context, filePath string) error {
	return nil
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.SnapshotConfig, sourceID string) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:   &minioClientWrapper{client: client},
		bucket:   cfg.Bucket,
		sourceID: sourceID,
	}, nil
}
