package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore defines the store operations needed by the retention worker.
type RetentionStore interface {
	PruneSyncLog(ctx context.Context, maxEntries int, maxAge time.Duration) (int64, error)
}

// RetentionWorker keeps the sync log bounded by count and age.
type RetentionWorker struct {
	store      RetentionStore
	maxEntries int
	maxAge     time.Duration
	interval   time.Duration
}

// NewRetentionWorker creates a worker enforcing the given retention policy.
func NewRetentionWorker(store RetentionStore, maxEntries int, maxAge, interval time.Duration) *RetentionWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionWorker{
		store:      store,
		maxEntries: maxEntries,
		maxAge:     maxAge,
		interval:   interval,
	}
}

// Run starts the worker loop. Prunes immediately on start, then on each
// interval. Respects context cancellation for graceful shutdown.
func (w *RetentionWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-log-retention",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-log-retention",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *RetentionWorker) prune(ctx context.Context) {
	removed, err := w.store.PruneSyncLog(ctx, w.maxEntries, w.maxAge)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("sync log prune failed",
			"component", "worker",
			"action", "prune_failed",
			"error", err,
		)
		return
	}
	if removed > 0 {
		slog.Info("sync log pruned",
			"component", "worker",
			"action", "prune_complete",
			"removed", removed,
		)
	}
}
