// Package worker contains the background loops that run beside the sync
// engine: periodic database backups and sync log retention.
package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tillworks/outpost/internal/snapshot"
)

// BackupStore defines the store operations needed by the backup worker.
type BackupStore interface {
	BackupTo(ctx context.Context, path string) error
}

// BackupWorker periodically snapshots the local database and ships it to
// object storage.
type BackupWorker struct {
	store    BackupStore
	uploader snapshot.Uploader
	interval time.Duration
}

// NewBackupWorker creates a worker with the given store, uploader and interval.
func NewBackupWorker(store BackupStore, uploader snapshot.Uploader, interval time.Duration) *BackupWorker {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &BackupWorker{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the worker loop. Backs up immediately on start, then on each
// interval. Respects context cancellation for graceful shutdown.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.backup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.backup(ctx)
		}
	}
}

// backup vacuums the database into a temp file, uploads it, and cleans up.
func (w *BackupWorker) backup(ctx context.Context) {
	slog.Info("backup started",
		"component", "worker",
		"action", "backup_start",
	)

	path := filepath.Join(os.TempDir(), "outpost-backup.db")
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(path)

	if err := w.store.BackupTo(ctx, path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("backup failed",
			"component", "worker",
			"action", "backup_failed",
			"error", err,
		)
		return
	}
	defer os.Remove(path)

	if err := w.uploader.Upload(ctx, path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("backup upload failed",
			"component", "worker",
			"action", "backup_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("backup completed",
		"component", "worker",
		"action", "backup_complete",
	)
}
