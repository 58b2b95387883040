package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxStore defines the store operations needed by the mutation queue.
type OutboxStore interface {
	EnqueueMutation(ctx context.Context, m MutationRecord) (int64, error)
	PendingMutations(ctx context.Context, limit int) ([]MutationRecord, error)
	DeleteMutations(ctx context.Context, ids []int64) error
	BumpMutationRetry(ctx context.Context, ids []int64) error
	CountMutations(ctx context.Context) (int, error)
}

// Queue is the at-least-once delivery log of pending local mutations. Writers
// append concurrently with an in-flight sync cycle; the push phase removes
// only the entries it has itself transmitted, so interleaving is safe without
// a queue-wide lock.
type Queue struct {
	store OutboxStore
}

// NewQueue creates a Queue over the given outbox store.
func NewQueue(store OutboxStore) *Queue {
	return &Queue{store: store}
}

// Enqueue appends a mutation for later delivery. Called by domain operations
// whenever a write cannot be confirmed against the server.
func (q *Queue) Enqueue(ctx context.Context, collection, entityID, action string, payload json.RawMessage) (MutationRecord, error) {
	m := MutationRecord{
		Collection: collection,
		EntityID:   entityID,
		Action:     action,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}

	id, err := q.store.EnqueueMutation(ctx, m)
	if err != nil {
		return MutationRecord{}, fmt.Errorf("enqueue mutation: %w", err)
	}
	m.ID = id
	return m, nil
}

// Pending returns up to limit mutations in enqueue order (oldest first).
// Ordering preserves the causal create→update→delete sequence of any single
// entity across cycles.
func (q *Queue) Pending(ctx context.Context, limit int) ([]MutationRecord, error) {
	return q.store.PendingMutations(ctx, limit)
}

// Ack removes exactly the given mutations after a confirmed push. Entries
// enqueued after the batch was read are untouched.
func (q *Queue) Ack(ctx context.Context, mutations []MutationRecord) error {
	if len(mutations) == 0 {
		return nil
	}
	return q.store.DeleteMutations(ctx, mutationIDs(mutations))
}

// Nack increments the retry count of the given mutations after a failed push.
// The entries themselves stay queued; at-least-once delivery means they are
// re-sent on the next cycle.
func (q *Queue) Nack(ctx context.Context, mutations []MutationRecord) error {
	if len(mutations) == 0 {
		return nil
	}
	return q.store.BumpMutationRetry(ctx, mutationIDs(mutations))
}

// Len returns the number of queued mutations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountMutations(ctx)
}

func mutationIDs(mutations []MutationRecord) []int64 {
	ids := make([]int64, len(mutations))
	for i, m := range mutations {
		ids[i] = m.ID
	}
	return ids
}
