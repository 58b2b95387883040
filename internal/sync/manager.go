package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// ErrUnauthenticated marks a server response with no valid session. The cycle
// treats it as a silent skip, not an error: nothing is retried, last_sync does
// not advance, and no failure is recorded in the audit trail.
var ErrUnauthenticated = errors.New("unauthenticated")

// Server is the remote endpoint surface the engine drives.
type Server interface {
	Pull(ctx context.Context, since time.Time) (*PullResponse, error)
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)
}

// EntityRef identifies one record in one collection.
type EntityRef struct {
	Collection string
	ID         string
}

// RecordStore defines the local record operations needed by the manager.
// GetRecord returns (nil, nil) when no local record exists.
type RecordStore interface {
	GetRecord(ctx context.Context, collection, id string) (*Record, error)
	UpsertRecord(ctx context.Context, rec Record) error
	MarkRecordsSynced(ctx context.Context, refs []EntityRef, before time.Time) error
}

// MetaStore persists the pull watermark. LastSync returns the zero time when
// the terminal has never completed a cycle.
type MetaStore interface {
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, t time.Time) error
}

// AuditLog records one entry per attempted sync cycle.
type AuditLog interface {
	AppendSyncLog(ctx context.Context, entry SyncLogEntry) (int64, error)
	LatestSyncLog(ctx context.Context) (*SyncLogEntry, error)
}

// LicenseRefresher re-fetches the cached license after a successful cycle.
type LicenseRefresher interface {
	Refresh(ctx context.Context) error
}

// ConnectionMonitor reports current reachability of the server.
type ConnectionMonitor interface {
	IsOnline() bool
}

// PeerStatus reports whether the local peer channel has live connections.
type PeerStatus interface {
	IsConnected() bool
}

// Options tunes one Manager.
type Options struct {
	SourceID       string
	PushBatchSize  int
	RetryMax       uint64        // retries per phase; RetryMax=3 means 4 total attempts
	RetryBaseDelay time.Duration // first backoff delay, doubled per attempt
	Interval       time.Duration // periodic trigger while online
}

// Manager orchestrates reconciliation cycles: pull, then push, then license
// refresh, then one audit entry. Cycles are single-flight per process; domain
// operations enqueue mutations concurrently with an in-flight cycle.
type Manager struct {
	server  Server
	records RecordStore
	queue   *Queue
	meta    MetaStore
	audit   AuditLog
	monitor ConnectionMonitor
	peers   PeerStatus       // optional
	license LicenseRefresher // optional
	opts    Options

	syncing atomic.Bool
	kicks   chan string
}

// NewManager creates a Manager. peers and license may be nil.
func NewManager(
	server Server,
	records RecordStore,
	queue *Queue,
	meta MetaStore,
	audit AuditLog,
	monitor ConnectionMonitor,
	peers PeerStatus,
	license LicenseRefresher,
	opts Options,
) *Manager {
	if opts.PushBatchSize <= 0 {
		opts.PushBatchSize = 100
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}

	return &Manager{
		server:  server,
		records: records,
		queue:   queue,
		meta:    meta,
		audit:   audit,
		monitor: monitor,
		peers:   peers,
		license: license,
		opts:    opts,
		kicks:   make(chan string, 8),
	}
}

// Kick requests a sync cycle from the Run loop. Non-blocking: when the buffer
// is full a cycle is already due, so dropping the hint loses nothing.
func (m *Manager) Kick(reason string) {
	select {
	case m.kicks <- reason:
	default:
	}
}

// ForceSyncNow starts a cycle in the background if none is running.
// Returns false when a cycle is already in flight.
func (m *Manager) ForceSyncNow() bool {
	if m.syncing.Load() {
		return false
	}
	go m.Sync(context.Background())
	return true
}

// Run drives the periodic trigger and consumes kicks from the connection
// monitor and the peer broadcaster. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.monitor.IsOnline() {
				m.Sync(ctx)
			}
		case reason := <-m.kicks:
			slog.Debug("sync triggered", "component", "sync", "reason", reason)
			m.Sync(ctx)
		}
	}
}

// Sync runs one full reconciliation cycle. Concurrent callers get an
// immediate "already in progress" result; an offline preflight returns before
// any network attempt. All other outcomes append one SyncLogEntry.
func (m *Manager) Sync(ctx context.Context) Result {
	if !m.syncing.CompareAndSwap(false, true) {
		return Result{Error: ReasonInProgress}
	}
	defer m.syncing.Store(false)

	if !m.monitor.IsOnline() {
		return Result{Error: ReasonOffline}
	}

	started := time.Now().UTC()

	pull, err := m.pullPhase(ctx)
	if errors.Is(err, ErrUnauthenticated) {
		slog.Info("sync skipped: not authenticated", "component", "sync", "phase", "pull")
		return Result{Success: true}
	}
	if err != nil {
		m.recordCycle(ctx, started, LogFailed, 0, err)
		return Result{Error: err.Error()}
	}

	pushed, err := m.pushPhase(ctx)
	if errors.Is(err, ErrUnauthenticated) {
		slog.Info("sync skipped: not authenticated", "component", "sync", "phase", "push")
		return Result{Success: true, ItemsSynced: pull.applied}
	}
	if err != nil {
		m.recordCycle(ctx, started, LogFailed, pull.applied, err)
		return Result{Error: err.Error()}
	}

	// License refresh is non-critical: failures are logged, the cycle still
	// counts as a success.
	if m.license != nil {
		if lerr := m.license.Refresh(ctx); lerr != nil {
			if errors.Is(lerr, ErrUnauthenticated) {
				slog.Info("license refresh skipped: not authenticated", "component", "sync")
			} else {
				slog.Warn("license refresh failed", "component", "sync", "error", lerr)
			}
		}
	}

	watermark := pull.serverTime
	if watermark.IsZero() {
		watermark = started
	}
	if werr := m.meta.SetLastSync(ctx, watermark); werr != nil {
		slog.Error("failed to persist last_sync", "component", "sync", "error", werr)
	}

	status := LogSuccess
	if pull.mergeFailures > 0 {
		status = LogPartial
	}
	items := pull.applied + pushed
	m.recordCycle(ctx, started, status, items, nil)

	slog.Info("sync cycle completed",
		"component", "sync",
		"action", "cycle",
		"status", status,
		"pulled", pull.applied,
		"pushed", pushed,
		"conflicts", pull.conflicts,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return Result{Success: true, ItemsSynced: items}
}

// Status returns a point-in-time view of the engine.
func (m *Manager) Status(ctx context.Context) Status {
	st := Status{
		IsSyncing: m.syncing.Load(),
		Online:    m.monitor.IsOnline(),
	}

	if pending, err := m.queue.Len(ctx); err == nil {
		st.PendingCount = pending
	}
	if last, err := m.meta.LastSync(ctx); err == nil && !last.IsZero() {
		st.LastSync = &last
	}
	if entry, err := m.audit.LatestSyncLog(ctx); err == nil && entry != nil {
		st.LastSyncStatus = entry.Status
	}
	if m.peers != nil {
		st.PeerConnected = m.peers.IsConnected()
	}

	return st
}

type pullOutcome struct {
	applied       int
	conflicts     int
	mergeFailures int
	serverTime    time.Time
}

// pullPhase fetches every record changed since the watermark and merges each
// through the resolver. Re-pulling the same window is idempotent because the
// merge rule is a pure function of (local, remote).
func (m *Manager) pullPhase(ctx context.Context) (pullOutcome, error) {
	var out pullOutcome

	since, err := m.meta.LastSync(ctx)
	if err != nil {
		return out, fmt.Errorf("read last_sync: %w", err)
	}

	var resp *PullResponse
	err = m.withRetry(ctx, "pull", func(ctx context.Context) error {
		r, perr := m.server.Pull(ctx, since)
		if perr != nil {
			return perr
		}
		resp = r
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("pull: %w", err)
	}

	out.serverTime = resp.ServerTime

	for collection, remotes := range resp.Collections {
		for _, remote := range remotes {
			local, gerr := m.records.GetRecord(ctx, collection, remote.ID)
			if gerr != nil {
				// One bad record must not abort the batch.
				out.mergeFailures++
				slog.Error("merge failed: read local record",
					"component", "sync",
					"collection", collection,
					"entity_id", remote.ID,
					"error", gerr,
				)
				continue
			}

			res := Resolve(collection, local, remote)
			if res.Conflict {
				out.conflicts++
				slog.Warn("conflict resolved",
					"component", "sync",
					"collection", collection,
					"entity_id", remote.ID,
					"remote_wins", res.Apply,
				)
			}
			if !res.Apply {
				continue
			}

			if uerr := m.records.UpsertRecord(ctx, res.Record); uerr != nil {
				out.mergeFailures++
				slog.Error("merge failed: write local record",
					"component", "sync",
					"collection", collection,
					"entity_id", remote.ID,
					"error", uerr,
				)
				continue
			}
			out.applied++
		}
	}

	return out, nil
}

// pushPhase transmits one bounded batch of pending mutations. Only on a
// confirmed acknowledgment are exactly those entries removed from the queue
// and their records flipped to synced; any failure leaves the queue intact
// for the next cycle.
func (m *Manager) pushPhase(ctx context.Context) (int, error) {
	batch, err := m.queue.Pending(ctx, m.opts.PushBatchSize)
	if err != nil {
		return 0, fmt.Errorf("read pending mutations: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	req := PushRequest{
		PushID:    uuid.NewString(),
		SourceID:  m.opts.SourceID,
		Mutations: groupMutations(batch),
	}

	err = m.withRetry(ctx, "push", func(ctx context.Context) error {
		_, perr := m.server.Push(ctx, req)
		return perr
	})
	if err != nil {
		if nerr := m.queue.Nack(ctx, batch); nerr != nil {
			slog.Error("failed to bump retry counts", "component", "sync", "error", nerr)
		}
		return 0, fmt.Errorf("push: %w", err)
	}

	if aerr := m.queue.Ack(ctx, batch); aerr != nil {
		return 0, fmt.Errorf("drain pushed mutations: %w", aerr)
	}

	// cutoff is the newest enqueue time in the batch. A record written again
	// after that instant has a newer mutation still queued, so it must stay
	// pending; everything written before it is exactly what this push sent.
	var refs []EntityRef
	var cutoff time.Time
	for _, mu := range batch {
		if mu.EnqueuedAt.After(cutoff) {
			cutoff = mu.EnqueuedAt
		}
		if mu.Action == ActionDelete {
			continue
		}
		refs = append(refs, EntityRef{Collection: mu.Collection, ID: mu.EntityID})
	}
	if len(refs) > 0 {
		if merr := m.records.MarkRecordsSynced(ctx, refs, cutoff); merr != nil {
			slog.Error("failed to mark records synced", "component", "sync", "error", merr)
		}
	}

	return len(batch), nil
}

// withRetry wraps one phase with exponential backoff: RetryMax retries with
// delays baseDelay, 2*baseDelay, 4*baseDelay, ... Unauthenticated responses
// abort immediately.
func (m *Manager) withRetry(ctx context.Context, phase string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(m.opts.RetryMax, retry.NewExponential(m.opts.RetryBaseDelay))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnauthenticated) {
			return err
		}
		attempt++
		slog.Warn("sync phase failed, will retry",
			"component", "sync",
			"phase", phase,
			"attempt", attempt,
			"error", err,
		)
		return retry.RetryableError(err)
	})
}

// recordCycle appends the audit entry for one cycle.
func (m *Manager) recordCycle(ctx context.Context, started time.Time, status string, items int, cause error) {
	entry := SyncLogEntry{
		StartedAt:   started,
		Status:      status,
		ItemsSynced: items,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	if _, err := m.audit.AppendSyncLog(ctx, entry); err != nil {
		slog.Error("failed to append sync log", "component", "sync", "error", err)
	}
}

// groupMutations groups a batch by collection, preserving enqueue order
// within each collection so the server observes a single entity's mutations
// in causal order.
func groupMutations(batch []MutationRecord) map[string][]PushMutation {
	grouped := make(map[string][]PushMutation)
	for _, m := range batch {
		grouped[m.Collection] = append(grouped[m.Collection], PushMutation{
			Action:     m.Action,
			EntityID:   m.EntityID,
			Payload:    m.Payload,
			EnqueuedAt: m.EnqueuedAt,
		})
	}
	return grouped
}
