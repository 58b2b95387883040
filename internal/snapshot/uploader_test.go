package snapshot

import (
	"context"
	"sync"
	"testing"

	"github.com/tillworks/outpost/internal/config"
)

// mockS3 records uploads.
type mockS3 struct {
	mu      sync.Mutex
	uploads []string // bucket/objectName
	err     error
}

func (m *mockS3) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.uploads = append(m.uploads, bucket+"/"+objectName)
	return nil
}

func TestS3UploaderUsesTerminalScopedKey(t *testing.T) {
	mock := &mockS3{}
	u := &S3Uploader{client: mock, bucket: "outpost-backups", sourceID: "01J5TERM"}

	if err := u.Upload(context.Background(), "/tmp/backup.db"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(mock.uploads))
	}
	want := "outpost-backups/terminals/01J5TERM/backup/current.db"
	if mock.uploads[0] != want {
		t.Errorf("object key = %q, want %q", mock.uploads[0], want)
	}
}

func TestNewUploaderReturnsNoopWithoutBucket(t *testing.T) {
	u, err := NewUploader(config.SnapshotConfig{}, "term-1")
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	if _, ok := u.(*NoopUploader); !ok {
		t.Fatalf("uploader type = %T, want NoopUploader", u)
	}
	if err := u.Upload(context.Background(), "/tmp/whatever.db"); err != nil {
		t.Errorf("noop upload: %v", err)
	}
}

func TestNewUploaderCreatesS3WhenConfigured(t *testing.T) {
	u, err := NewUploader(config.SnapshotConfig{
		Endpoint:  "s3.example.com",
		Bucket:    "outpost-backups",
		AccessKey: "key",
		SecretKey: "secret",
	}, "term-1")
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	if _, ok := u.(*S3Uploader); !ok {
		t.Fatalf("uploader type = %T, want S3Uploader", u)
	}
}
