package store

import (
	"context"
	"time"

	outsync "github.com/tillworks/outpost/internal/sync"
)

// Store defines the interface contract for all local persistence operations.
// The sync engine and the control API only ever touch records through this
// surface; neither holds a second copy of any row.
type Store interface {
	// Records
	GetRecord(ctx context.Context, collection, id string) (*outsync.Record, error)
	UpsertRecord(ctx context.Context, rec outsync.Record) error
	DeleteRecord(ctx context.Context, collection, id string, at time.Time) error
	ListRecords(ctx context.Context, collection string, includeDeleted bool) ([]outsync.Record, error)
	MarkRecordsSynced(ctx context.Context, refs []outsync.EntityRef, before time.Time) error

	// Outbox
	EnqueueMutation(ctx context.Context, m outsync.MutationRecord) (int64, error)
	PendingMutations(ctx context.Context, limit int) ([]outsync.MutationRecord, error)
	DeleteMutations(ctx context.Context, ids []int64) error
	BumpMutationRetry(ctx context.Context, ids []int64) error
	CountMutations(ctx context.Context) (int, error)

	// Sync log
	AppendSyncLog(ctx context.Context, entry outsync.SyncLogEntry) (int64, error)
	LatestSyncLog(ctx context.Context) (*outsync.SyncLogEntry, error)
	ListSyncLog(ctx context.Context, limit int) ([]outsync.SyncLogEntry, error)
	PruneSyncLog(ctx context.Context, maxEntries int, maxAge time.Duration) (int64, error)
	ClearSyncLog(ctx context.Context) error

	// License
	GetLicense(ctx context.Context) (*outsync.LicenseRecord, error)
	SaveLicense(ctx context.Context, lic outsync.LicenseRecord) error

	// Meta
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, t time.Time) error
	SourceID(ctx context.Context) (string, error)

	// Maintenance
	BackupTo(ctx context.Context, path string) error
	Close() error
}
