package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockServer scripts the remote endpoint.
type mockServer struct {
	mu           sync.Mutex
	calls        []string
	pullResp     *PullResponse
	pullErr      error
	pushErr      error
	pushFailures int // fail this many pushes before succeeding
	pushReqs     []PushRequest
	pullGate     chan struct{} // when set, Pull blocks until the gate closes
}

func (s *mockServer) Pull(ctx context.Context, since time.Time) (*PullResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, "pull")
	gate := s.pullGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	if s.pullResp != nil {
		return s.pullResp, nil
	}
	return &PullResponse{ServerTime: time.Now().UTC()}, nil
}

func (s *mockServer) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "push")
	s.pushReqs = append(s.pushReqs, req)
	if s.pushErr != nil {
		return nil, s.pushErr
	}
	if s.pushFailures > 0 {
		s.pushFailures--
		return nil, errors.New("connection reset")
	}
	accepted := 0
	for _, ms := range req.Mutations {
		accepted += len(ms)
	}
	return &PushResponse{Accepted: accepted}, nil
}

func (s *mockServer) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *mockServer) pushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == "push" {
			n++
		}
	}
	return n
}

// memEngine implements RecordStore, MetaStore and AuditLog in memory.
type memEngine struct {
	mu        sync.Mutex
	records   map[string]Record
	upsertErr map[string]error // keyed collection/id
	lastSync  time.Time
	log       []SyncLogEntry
}

func newMemEngine() *memEngine {
	return &memEngine{records: make(map[string]Record), upsertErr: make(map[string]error)}
}

func key(collection, id string) string { return collection + "/" + id }

func (s *memEngine) GetRecord(ctx context.Context, collection, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key(collection, id)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memEngine) UpsertRecord(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.upsertErr[key(rec.Collection, rec.ID)]; err != nil {
		return err
	}
	s.records[key(rec.Collection, rec.ID)] = rec
	return nil
}

func (s *memEngine) MarkRecordsSynced(ctx context.Context, refs []EntityRef, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		if rec, ok := s.records[key(ref.Collection, ref.ID)]; ok && !rec.UpdatedAt.After(before) {
			rec.SyncStatus = StatusSynced
			s.records[key(ref.Collection, ref.ID)] = rec
		}
	}
	return nil
}

func (s *memEngine) LastSync(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, nil
}

func (s *memEngine) SetLastSync(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = t
	return nil
}

func (s *memEngine) AppendSyncLog(ctx context.Context, entry SyncLogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = int64(len(s.log) + 1)
	s.log = append(s.log, entry)
	return entry.ID, nil
}

func (s *memEngine) LatestSyncLog(ctx context.Context) (*SyncLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return nil, nil
	}
	entry := s.log[len(s.log)-1]
	return &entry, nil
}

func (s *memEngine) logEntries() []SyncLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SyncLogEntry(nil), s.log...)
}

func (s *memEngine) record(collection, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key(collection, id)]
	return rec, ok
}

type stubMonitor struct {
	mu     sync.Mutex
	online bool
}

func (m *stubMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

type stubRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *stubRefresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *stubRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestManager(server *mockServer, engine *memEngine, outbox *memOutbox, monitor *stubMonitor, refresher LicenseRefresher) *Manager {
	return NewManager(server, engine, NewQueue(outbox), engine, engine, monitor, nil, refresher, Options{
		SourceID:       "term-1",
		PushBatchSize:  100,
		RetryMax:       3,
		RetryBaseDelay: 2 * time.Millisecond,
		Interval:       time.Hour,
	})
}

func TestSyncOfflinePreflightSkipsCycle(t *testing.T) {
	server := &mockServer{}
	engine := newMemEngine()
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: false}, nil)

	result := m.Sync(context.Background())

	if result.Success {
		t.Error("offline cycle must not report success")
	}
	if result.Error != ReasonOffline {
		t.Errorf("result error = %q, want %q", result.Error, ReasonOffline)
	}
	if len(server.callLog()) != 0 {
		t.Errorf("offline preflight reached the network: %v", server.callLog())
	}
	if len(engine.logEntries()) != 0 {
		t.Error("offline skip must not append an audit entry")
	}
}

func TestSyncSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	server := &mockServer{pullGate: gate}
	engine := newMemEngine()
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: true}, nil)

	done := make(chan Result, 1)
	go func() { done <- m.Sync(context.Background()) }()

	// Wait until the first cycle is inside the pull phase.
	deadline := time.After(2 * time.Second)
	for m.syncing.Load() == false {
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	second := m.Sync(context.Background())
	if second.Error != ReasonInProgress {
		t.Errorf("concurrent cycle error = %q, want %q", second.Error, ReasonInProgress)
	}

	close(gate)
	first := <-done
	if !first.Success {
		t.Errorf("first cycle failed: %+v", first)
	}

	entries := engine.logEntries()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1 (in-progress skip must not log)", len(entries))
	}
}

func TestSyncPullsBeforePush(t *testing.T) {
	server := &mockServer{}
	engine := newMemEngine()
	outbox := &memOutbox{}
	m := newTestManager(server, engine, outbox, &stubMonitor{online: true}, nil)

	q := NewQueue(outbox)
	if _, err := q.Enqueue(context.Background(), "orders", "o-1", ActionCreate, json.RawMessage(`{"total":4}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := m.Sync(context.Background())
	if !result.Success {
		t.Fatalf("cycle failed: %+v", result)
	}

	calls := server.callLog()
	if len(calls) != 2 || calls[0] != "pull" || calls[1] != "push" {
		t.Errorf("call order = %v, want [pull push]", calls)
	}
}

func TestSyncOfflineCreateFlow(t *testing.T) {
	// Given a mutation queued while offline
	server := &mockServer{}
	engine := newMemEngine()
	outbox := &memOutbox{}
	monitor := &stubMonitor{online: false}
	m := newTestManager(server, engine, outbox, monitor, nil)

	ctx := context.Background()
	q := NewQueue(outbox)
	payload := json.RawMessage(`{"sku":"ESP-01"}`)
	if err := engine.UpsertRecord(ctx, Record{
		Collection: "products", ID: "p-1", Payload: payload,
		UpdatedAt: time.Now().UTC(), SyncStatus: StatusPending,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := q.Enqueue(ctx, "products", "p-1", ActionCreate, payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// When connectivity returns and a cycle runs
	monitor.mu.Lock()
	monitor.online = true
	monitor.mu.Unlock()

	result := m.Sync(ctx)

	// Then the mutation is delivered exactly once and the record flips to synced
	if !result.Success || result.ItemsSynced != 1 {
		t.Fatalf("result = %+v, want success with 1 item", result)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("queue length after ack = %d, want 0", n)
	}
	rec, ok := engine.record("products", "p-1")
	if !ok || rec.SyncStatus != StatusSynced {
		t.Errorf("record status = %q, want %q", rec.SyncStatus, StatusSynced)
	}

	entries := engine.logEntries()
	if len(entries) != 1 || entries[0].Status != LogSuccess {
		t.Fatalf("audit trail = %+v, want one success entry", entries)
	}
	if entries[0].ItemsSynced != 1 {
		t.Errorf("audit items = %d, want 1", entries[0].ItemsSynced)
	}
}

func TestSyncPushRetriesWithBackoffThenSucceeds(t *testing.T) {
	server := &mockServer{pushFailures: 2}
	engine := newMemEngine()
	outbox := &memOutbox{}
	m := newTestManager(server, engine, outbox, &stubMonitor{online: true}, nil)

	ctx := context.Background()
	q := NewQueue(outbox)
	if _, err := q.Enqueue(ctx, "orders", "o-1", ActionCreate, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	start := time.Now()
	result := m.Sync(ctx)
	elapsed := time.Since(start)

	if !result.Success {
		t.Fatalf("cycle failed after retries: %+v", result)
	}
	if got := server.pushCount(); got != 3 {
		t.Errorf("push attempts = %d, want 3 (two failures, one success)", got)
	}
	// Exponential schedule: the two retries wait base then 2*base.
	if wantMin := 3 * 2 * time.Millisecond; elapsed < wantMin {
		t.Errorf("cycle took %v, want at least %v of backoff delay", elapsed, wantMin)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("queue not drained after eventual success: %d left", n)
	}
}

func TestSyncPushExhaustedRetriesLeavesQueueIntact(t *testing.T) {
	server := &mockServer{pushErr: errors.New("gateway timeout")}
	engine := newMemEngine()
	outbox := &memOutbox{}
	m := newTestManager(server, engine, outbox, &stubMonitor{online: true}, nil)

	ctx := context.Background()
	q := NewQueue(outbox)
	if _, err := q.Enqueue(ctx, "orders", "o-1", ActionCreate, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := m.Sync(ctx)
	if result.Success {
		t.Fatal("cycle must fail when every push attempt fails")
	}
	if got := server.pushCount(); got != 4 {
		t.Errorf("push attempts = %d, want 4 (RetryMax=3 means 4 total)", got)
	}

	// At-least-once: nothing is lost, retry counts record the failure.
	batch, _ := q.Pending(ctx, 10)
	if len(batch) != 1 {
		t.Fatalf("queue length = %d, want 1", len(batch))
	}
	if batch[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", batch[0].RetryCount)
	}

	entries := engine.logEntries()
	if len(entries) != 1 || entries[0].Status != LogFailed {
		t.Fatalf("audit trail = %+v, want one failed entry", entries)
	}
	if entries[0].Error == "" {
		t.Error("failed entry must carry the error text")
	}
}

func TestSyncUnauthenticatedIsSilentSkip(t *testing.T) {
	server := &mockServer{pullErr: ErrUnauthenticated}
	engine := newMemEngine()
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: true}, nil)

	result := m.Sync(context.Background())

	if !result.Success {
		t.Error("unauthenticated skip must not surface as failure")
	}
	if last, _ := engine.LastSync(context.Background()); !last.IsZero() {
		t.Error("last_sync must not advance on an unauthenticated skip")
	}
	if len(engine.logEntries()) != 0 {
		t.Error("unauthenticated skip must not append an audit entry")
	}
	// No retries either: one pull attempt only.
	if calls := server.callLog(); len(calls) != 1 {
		t.Errorf("server calls = %v, want a single pull", calls)
	}
}

func TestSyncPartialStatusOnMergeFailure(t *testing.T) {
	now := time.Now().UTC()
	server := &mockServer{pullResp: &PullResponse{
		ServerTime: now,
		Collections: map[string][]RemoteRecord{
			"products": {
				{ID: "p-1", Payload: json.RawMessage(`{"a":1}`), UpdatedAt: now},
				{ID: "p-2", Payload: json.RawMessage(`{"b":2}`), UpdatedAt: now},
			},
		},
	}}
	engine := newMemEngine()
	engine.upsertErr[key("products", "p-2")] = errors.New("disk I/O error")
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: true}, nil)

	result := m.Sync(context.Background())

	if !result.Success {
		t.Fatalf("per-record failures must not fail the cycle: %+v", result)
	}
	if result.ItemsSynced != 1 {
		t.Errorf("items synced = %d, want 1 (only the clean record)", result.ItemsSynced)
	}

	entries := engine.logEntries()
	if len(entries) != 1 || entries[0].Status != LogPartial {
		t.Fatalf("audit trail = %+v, want one partial entry", entries)
	}
	if _, ok := engine.record("products", "p-1"); !ok {
		t.Error("clean record was not applied")
	}
}

func TestSyncPullAbsorbsRemoteTombstoneWithoutPayload(t *testing.T) {
	// A deletion pulled from the server arrives as a bare tombstone: deleted
	// flag set, no payload. It must land cleanly, not loop as a merge failure.
	now := time.Now().UTC()
	server := &mockServer{pullResp: &PullResponse{
		ServerTime: now,
		Collections: map[string][]RemoteRecord{
			"products": {{ID: "p-9", UpdatedAt: now, Deleted: true}},
		},
	}}
	engine := newMemEngine()
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: true}, nil)

	result := m.Sync(context.Background())
	if !result.Success || result.ItemsSynced != 1 {
		t.Fatalf("result = %+v, want success with 1 item", result)
	}

	rec, ok := engine.record("products", "p-9")
	if !ok || !rec.Deleted {
		t.Fatalf("tombstone not applied: %+v", rec)
	}
	entries := engine.logEntries()
	if len(entries) != 1 || entries[0].Status != LogSuccess {
		t.Fatalf("audit trail = %+v, want one success entry (no merge failure)", entries)
	}
}

func TestSyncAdvancesWatermarkToServerTime(t *testing.T) {
	serverTime := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	server := &mockServer{pullResp: &PullResponse{ServerTime: serverTime}}
	engine := newMemEngine()
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: true}, nil)

	if result := m.Sync(context.Background()); !result.Success {
		t.Fatalf("cycle failed: %+v", result)
	}

	last, _ := engine.LastSync(context.Background())
	if !last.Equal(serverTime) {
		t.Errorf("last_sync = %v, want server time %v (not local clock)", last, serverTime)
	}
}

func TestSyncRefreshesLicenseAfterSuccessfulCycle(t *testing.T) {
	server := &mockServer{}
	engine := newMemEngine()
	refresher := &stubRefresher{}
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: true}, refresher)

	if result := m.Sync(context.Background()); !result.Success {
		t.Fatalf("cycle failed: %+v", result)
	}
	if refresher.count() != 1 {
		t.Errorf("license refresh calls = %d, want 1", refresher.count())
	}
}

func TestSyncLicenseRefreshFailureIsNonCritical(t *testing.T) {
	server := &mockServer{}
	engine := newMemEngine()
	refresher := &stubRefresher{err: fmt.Errorf("license endpoint unavailable")}
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: true}, refresher)

	result := m.Sync(context.Background())
	if !result.Success {
		t.Fatalf("license refresh failure must not fail the cycle: %+v", result)
	}
	entries := engine.logEntries()
	if len(entries) != 1 || entries[0].Status != LogSuccess {
		t.Fatalf("audit trail = %+v, want one success entry", entries)
	}
}

func TestKickTriggersCycleFromRunLoop(t *testing.T) {
	server := &mockServer{}
	engine := newMemEngine()
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: true}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Kick("test")

	deadline := time.After(2 * time.Second)
	for len(server.callLog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("kick never triggered a cycle")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

func TestForceSyncNowReportsInFlightCycle(t *testing.T) {
	gate := make(chan struct{})
	server := &mockServer{pullGate: gate}
	engine := newMemEngine()
	m := newTestManager(server, engine, &memOutbox{}, &stubMonitor{online: true}, nil)

	if !m.ForceSyncNow() {
		t.Fatal("first ForceSyncNow should start a cycle")
	}

	deadline := time.After(2 * time.Second)
	for !m.syncing.Load() {
		select {
		case <-deadline:
			t.Fatal("background cycle never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if m.ForceSyncNow() {
		t.Error("second ForceSyncNow should report the in-flight cycle")
	}
	close(gate)
}

func TestStatusReflectsEngineState(t *testing.T) {
	server := &mockServer{}
	engine := newMemEngine()
	outbox := &memOutbox{}
	m := newTestManager(server, engine, outbox, &stubMonitor{online: true}, nil)

	ctx := context.Background()
	q := NewQueue(outbox)
	if _, err := q.Enqueue(ctx, "orders", "o-1", ActionCreate, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	st := m.Status(ctx)
	if !st.Online {
		t.Error("status should report online")
	}
	if st.PendingCount != 1 {
		t.Errorf("pending count = %d, want 1", st.PendingCount)
	}
	if st.LastSync != nil {
		t.Error("last sync should be nil before the first cycle")
	}

	if result := m.Sync(ctx); !result.Success {
		t.Fatalf("cycle failed: %+v", result)
	}

	st = m.Status(ctx)
	if st.PendingCount != 0 {
		t.Errorf("pending count after cycle = %d, want 0", st.PendingCount)
	}
	if st.LastSync == nil {
		t.Error("last sync should be set after a successful cycle")
	}
	if st.LastSyncStatus != LogSuccess {
		t.Errorf("last sync status = %q, want %q", st.LastSyncStatus, LogSuccess)
	}
}
