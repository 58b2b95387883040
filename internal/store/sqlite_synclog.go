package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	outsync "github.com/tillworks/outpost/internal/sync"
)

// AppendSyncLog appends one audit entry. Entries are never mutated.
func (s *SQLiteStore) AppendSyncLog(ctx context.Context, entry outsync.SyncLogEntry) (int64, error) {
	var errText any
	if entry.Error != "" {
		errText = entry.Error
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (started_at, status, items_synced, error)
		VALUES (?, ?, ?, ?)
	`, entry.StartedAt.UTC().Format(time.RFC3339Nano), entry.Status, entry.ItemsSynced, errText)
	if err != nil {
		return 0, fmt.Errorf("append sync log: %w", err)
	}
	return result.LastInsertId()
}

// LatestSyncLog returns the most recent entry, or (nil, nil) when the log is
// empty.
func (s *SQLiteStore) LatestSyncLog(ctx context.Context) (*outsync.SyncLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, status, items_synced, error
		FROM sync_log
		ORDER BY id DESC
		LIMIT 1
	`)

	entry, err := scanSyncLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest sync log: %w", err)
	}
	return entry, nil
}

// ListSyncLog returns up to limit entries, newest first.
func (s *SQLiteStore) ListSyncLog(ctx context.Context, limit int) ([]outsync.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, status, items_synced, error
		FROM sync_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	entries := make([]outsync.SyncLogEntry, 0)
	for rows.Next() {
		entry, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync log entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// PruneSyncLog enforces the bounded count/age retention policy.
// Returns the number of entries removed.
func (s *SQLiteStore) PruneSyncLog(ctx context.Context, maxEntries int, maxAge time.Duration) (int64, error) {
	var removed int64

	if maxAge > 0 {
		cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
		result, err := s.db.ExecContext(ctx, `DELETE FROM sync_log WHERE started_at < ?`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("prune sync log by age: %w", err)
		}
		n, _ := result.RowsAffected()
		removed += n
	}

	if maxEntries > 0 {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM sync_log
			WHERE id NOT IN (SELECT id FROM sync_log ORDER BY id DESC LIMIT ?)
		`, maxEntries)
		if err != nil {
			return removed, fmt.Errorf("prune sync log by count: %w", err)
		}
		n, _ := result.RowsAffected()
		removed += n
	}

	return removed, nil
}

// ClearSyncLog removes all audit entries (user-initiated).
func (s *SQLiteStore) ClearSyncLog(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_log`); err != nil {
		return fmt.Errorf("clear sync log: %w", err)
	}
	return nil
}

func scanSyncLog(row rowScanner) (*outsync.SyncLogEntry, error) {
	var entry outsync.SyncLogEntry
	var startedAt string
	var errText sql.NullString

	if err := row.Scan(&entry.ID, &startedAt, &entry.Status, &entry.ItemsSynced, &errText); err != nil {
		return nil, err
	}

	if errText.Valid {
		entry.Error = errText.String
	}
	var parseErr error
	if entry.StartedAt, parseErr = time.Parse(time.RFC3339Nano, startedAt); parseErr != nil {
		slog.Warn("sync_log: failed to parse started_at", "value", startedAt, "error", parseErr)
	}

	return &entry, nil
}
