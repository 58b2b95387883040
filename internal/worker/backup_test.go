package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

// mockBackupStore writes a marker file so the test can verify the path flow.
type mockBackupStore struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *mockBackupStore) BackupTo(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(path, []byte("backup"), 0644)
}

func (s *mockBackupStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// mockUploader records uploaded paths.
type mockUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (u *mockUploader) Upload(ctx context.Context, filePath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.paths = append(u.paths, filePath)
	return nil
}

func (u *mockUploader) uploadCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.paths)
}

func TestBackupWorkerRunsImmediatelyAndPeriodically(t *testing.T) {
	store := &mockBackupStore{}
	uploader := &mockUploader{}
	w := NewBackupWorker(store, uploader, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for uploader.uploadCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("uploads = %d, want at least 2 (immediate + periodic)", uploader.uploadCount())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancellation")
	}
}

func TestBackupWorkerSkipsUploadOnBackupFailure(t *testing.T) {
	store := &mockBackupStore{err: errors.New("database is locked")}
	uploader := &mockUploader{}
	w := NewBackupWorker(store, uploader, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	deadline := time.After(2 * time.Second)
	for store.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("backup never attempted")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()

	if uploader.uploadCount() != 0 {
		t.Errorf("uploads = %d, want 0 after failed backup", uploader.uploadCount())
	}
}

func TestBackupWorkerRemovesTempFileAfterUpload(t *testing.T) {
	store := &mockBackupStore{}
	uploader := &mockUploader{}
	w := NewBackupWorker(store, uploader, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	deadline := time.After(2 * time.Second)
	for uploader.uploadCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("upload never happened")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()

	// Give the deferred cleanup a moment.
	time.Sleep(20 * time.Millisecond)
	uploader.mu.Lock()
	path := uploader.paths[0]
	uploader.mu.Unlock()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("temp backup file still exists at %s", path)
	}
}
