package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	outsync "github.com/tillworks/outpost/internal/sync"
)

// EnqueueMutation appends one pending mutation to the outbox.
// Returns the assigned monotonic queue ID.
func (s *SQLiteStore) EnqueueMutation(ctx context.Context, m outsync.MutationRecord) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (collection, entity_id, action, payload, enqueued_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.Collection, m.EntityID, m.Action, nullablePayload(m.Payload),
		m.EnqueuedAt.UTC().Format(time.RFC3339Nano), m.RetryCount)
	if err != nil {
		return 0, fmt.Errorf("enqueue mutation: %w", err)
	}
	return result.LastInsertId()
}

// PendingMutations returns up to limit mutations in enqueue order.
func (s *SQLiteStore) PendingMutations(ctx context.Context, limit int) ([]outsync.MutationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, entity_id, action, payload, enqueued_at, retry_count
		FROM outbox
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	mutations := make([]outsync.MutationRecord, 0)
	for rows.Next() {
		var m outsync.MutationRecord
		var payload sql.NullString
		var enqueuedAt string

		if err := rows.Scan(&m.ID, &m.Collection, &m.EntityID, &m.Action,
			&payload, &enqueuedAt, &m.RetryCount); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}

		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		var parseErr error
		if m.EnqueuedAt, parseErr = time.Parse(time.RFC3339Nano, enqueuedAt); parseErr != nil {
			slog.Warn("outbox: failed to parse enqueued_at", "value", enqueuedAt, "error", parseErr)
		}

		mutations = append(mutations, m)
	}
	return mutations, rows.Err()
}

// DeleteMutations removes exactly the given entries after confirmed delivery.
func (s *SQLiteStore) DeleteMutations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf("DELETE FROM outbox WHERE id IN (%s)", placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, int64Args(ids)...); err != nil {
		return fmt.Errorf("delete mutations: %w", err)
	}
	return nil
}

// BumpMutationRetry increments retry_count for the given entries.
func (s *SQLiteStore) BumpMutationRetry(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE outbox SET retry_count = retry_count + 1 WHERE id IN (%s)", placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, int64Args(ids)...); err != nil {
		return fmt.Errorf("bump mutation retry: %w", err)
	}
	return nil
}

// CountMutations returns the number of queued mutations.
func (s *SQLiteStore) CountMutations(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return count, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
