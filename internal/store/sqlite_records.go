package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	outsync "github.com/tillworks/outpost/internal/sync"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds. Stored timestamps must
// sort lexicographically in chronological order; RFC3339Nano trims trailing
// zeros and breaks that.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// GetRecord returns one record, including soft-deleted rows so the resolver
// can compare timestamps against tombstones. Returns (nil, nil) when no row
// exists.
func (s *SQLiteStore) GetRecord(ctx context.Context, collection, id string) (*outsync.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, id, payload, updated_at, sync_status, deleted_at
		FROM records
		WHERE collection = ? AND id = ?
	`, collection, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// UpsertRecord writes a record with its sync attributes. A Deleted record is
// stored as a tombstone rather than removed, so a later pull can still
// compare against it.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec outsync.Record) error {
	var deletedAt any
	if rec.Deleted {
		deletedAt = rec.UpdatedAt.UTC().Format(timeFormat)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, payload, updated_at, sync_status, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status,
			deleted_at = excluded.deleted_at
	`, rec.Collection, rec.ID, nullablePayload(rec.Payload),
		rec.UpdatedAt.UTC().Format(timeFormat), rec.SyncStatus, deletedAt)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// DeleteRecord soft-deletes a record, marking it pending for the next push.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, collection, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET deleted_at = ?, updated_at = ?, sync_status = ?
		WHERE collection = ? AND id = ?
	`, at.UTC().Format(timeFormat), at.UTC().Format(timeFormat),
		outsync.StatusPending, collection, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("record %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// ListRecords returns all records in a collection, newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, collection string, includeDeleted bool) ([]outsync.Record, error) {
	query := `
		SELECT collection, id, payload, updated_at, sync_status, deleted_at
		FROM records
		WHERE collection = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]outsync.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// MarkRecordsSynced flips the given records to synced after a confirmed push.
// A record written again after the batch was read keeps its pending status:
// its newer mutation is still in the outbox, and flipping it would let the
// next pull's remote-wins rule clobber the local view.
func (s *SQLiteStore) MarkRecordsSynced(ctx context.Context, refs []outsync.EntityRef, before time.Time) error {
	if len(refs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UTC().Format(timeFormat)
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET sync_status = ?
			WHERE collection = ? AND id = ? AND updated_at <= ?
		`, outsync.StatusSynced, ref.Collection, ref.ID, cutoff); err != nil {
			return fmt.Errorf("mark record synced: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*outsync.Record, error) {
	var rec outsync.Record
	var payload sql.NullString
	var updatedAt string
	var deletedAt sql.NullString

	if err := row.Scan(&rec.Collection, &rec.ID, &payload, &updatedAt, &rec.SyncStatus, &deletedAt); err != nil {
		return nil, err
	}

	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.Deleted = deletedAt.Valid

	var parseErr error
	if rec.UpdatedAt, parseErr = time.Parse(time.RFC3339Nano, updatedAt); parseErr != nil {
		slog.Warn("records: failed to parse updated_at", "value", updatedAt, "error", parseErr)
	}

	return &rec, nil
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty/null payloads, string otherwise.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
