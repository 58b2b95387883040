// Package sync implements the offline-first synchronization engine: the
// pending-mutation queue, the last-write-wins conflict resolver, and the
// manager that drives pull/push reconciliation cycles against the server.
package sync

import (
	"encoding/json"
	"time"
)

// Mutation actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Record sync statuses.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
)

// Sync log statuses.
const (
	LogSuccess = "success"
	LogFailed  = "failed"
	LogPartial = "partial"
)

// MutationRecord is one pending local change awaiting transmission.
// It exists from the moment a local write cannot be confirmed against the
// server until the server acknowledges the push batch containing it.
type MutationRecord struct {
	ID         int64           `json:"id"`
	Collection string          `json:"collection"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

// Record is a generic local entity in any replicated collection. The domain
// fields are opaque inside Payload; the engine only reads the three sync
// attributes alongside it.
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
	SyncStatus string          `json:"sync_status"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// RemoteRecord is a server-side record as delivered by the pull endpoint.
type RemoteRecord struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// LicenseRecord is the cached tenant license, refreshed only after a
// successful server contact.
type LicenseRecord struct {
	OrganizationID string     `json:"organization_id"`
	LicenseType    string     `json:"license_type"`
	LicenseEnd     *time.Time `json:"license_end,omitempty"`
	KillSwitch     bool       `json:"kill_switch"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	MaxTerminals   int        `json:"max_terminals"`
	MaxRecords     int        `json:"max_records"`
}

// SyncLogEntry is one row of the append-only audit trail, recorded once per
// attempted sync cycle and never mutated.
type SyncLogEntry struct {
	ID          int64     `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	Status      string    `json:"status"`
	ItemsSynced int       `json:"items_synced"`
	Error       string    `json:"error,omitempty"`
}

// PullResponse carries, per collection, every record changed at or after the
// requested watermark.
type PullResponse struct {
	ServerTime  time.Time                 `json:"server_time"`
	Collections map[string][]RemoteRecord `json:"collections"`
}

// PushMutation is one queued change on the wire.
type PushMutation struct {
	Action     string          `json:"action"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// PushRequest transmits a batch of mutations grouped by collection. PushID is
// the server's deduplication key: delivery is at-least-once, so a batch whose
// acknowledgment was lost may be re-sent under the same PushID.
type PushRequest struct {
	PushID    string                    `json:"push_id"`
	SourceID  string                    `json:"source_id"`
	Mutations map[string][]PushMutation `json:"mutations"`
}

// PushResponse acknowledges a push batch. The batch is atomic: there is no
// per-item acknowledgment channel.
type PushResponse struct {
	Accepted int `json:"accepted"`
}

// Result is the outcome of one Sync() invocation. Network and protocol errors
// are converted into this structure; they are never propagated to callers.
type Result struct {
	Success     bool   `json:"success"`
	ItemsSynced int    `json:"items_synced"`
	Error       string `json:"error,omitempty"`
}

// Distinguished Result.Error values for cycles that never reached the network.
const (
	ReasonInProgress = "sync already in progress"
	ReasonOffline    = "offline"
)

// Status is a point-in-time view of the engine for status rendering.
type Status struct {
	IsSyncing      bool       `json:"is_syncing"`
	PendingCount   int        `json:"pending_count"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	LastSyncStatus string     `json:"last_sync_status,omitempty"`
	PeerConnected  bool       `json:"peer_connected"`
	Online         bool       `json:"online"`
}
