package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillworks/outpost/internal/api"
	"github.com/tillworks/outpost/internal/client"
	"github.com/tillworks/outpost/internal/config"
	"github.com/tillworks/outpost/internal/connectivity"
	"github.com/tillworks/outpost/internal/license"
	"github.com/tillworks/outpost/internal/peer"
	"github.com/tillworks/outpost/internal/snapshot"
	"github.com/tillworks/outpost/internal/store"
	outsync "github.com/tillworks/outpost/internal/sync"
	"github.com/tillworks/outpost/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "outpost",
	Short: "Outpost - offline-first POS terminal sync agent",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	sourceID, err := db.SourceID(ctx)
	if err != nil {
		return err
	}
	slog.Info("terminal identity resolved", "source_id", sourceID)

	// 5. Remote server client and connection monitor
	remote := client.New(cfg.Server.URL, cfg.Server.Token, time.Duration(cfg.Server.Timeout))
	monitor := connectivity.NewMonitor(remote,
		time.Duration(cfg.Connectivity.ProbeInterval),
		time.Duration(cfg.Connectivity.ProbeTimeout))

	// 6. LAN peer broadcaster
	peers := peer.NewBroadcaster(sourceID, cfg.Peer.Addresses, logger)
	if cfg.Peer.TenantID != "" {
		peers.JoinTenant(cfg.Peer.TenantID)
	}

	// 7. License guard
	guard, err := license.NewGuard(db, remote, cfg.License.PublicKey, cfg.License.GracePeriodDays, logger)
	if err != nil {
		return err
	}

	// 8. Sync engine
	queue := outsync.NewQueue(db)
	refresher := &licenseRefresher{guard: guard, store: db, peers: peers}
	manager := outsync.NewManager(remote, db, queue, db, db, monitor, peers, refresher,
		outsync.Options{
			SourceID:       sourceID,
			PushBatchSize:  cfg.Sync.PushBatchSize,
			RetryMax:       uint64(cfg.Sync.RetryMax),
			RetryBaseDelay: time.Duration(cfg.Sync.RetryBaseDelay),
			Interval:       time.Duration(cfg.Sync.Interval),
		})

	// Regaining the connection triggers an immediate cycle.
	unsubscribe := monitor.Subscribe(func(st connectivity.State) {
		if st == connectivity.StateOnline {
			manager.Kick("connection restored")
		}
	})
	defer unsubscribe()

	// 9. Backup uploader
	uploader, err := snapshot.NewUploader(cfg.Snapshot, sourceID)
	if err != nil {
		return err
	}

	// 10. Background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "connectivity", monitor.Run)
	startWorker(ctx, &wg, "peer", peers.Run)
	startWorker(ctx, &wg, "sync", manager.Run)
	startWorker(ctx, &wg, "backup",
		worker.NewBackupWorker(db, uploader, time.Duration(cfg.Snapshot.Interval)).Run)
	startWorker(ctx, &wg, "sync-log-retention",
		worker.NewRetentionWorker(db, cfg.SyncLog.MaxEntries,
			time.Duration(cfg.SyncLog.MaxAge), time.Duration(cfg.SyncLog.PruneInterval)).Run)
	startWorker(ctx, &wg, "peer-events", func(ctx context.Context) {
		forwardPeerEvents(ctx, peers, manager)
	})

	// 11. HTTP server
	handler := api.NewHandler(db, queue, manager, guard, monitor, peers, cfg.API.Key, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.API.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.API.ReadTimeout),
		WriteTimeout: time.Duration(cfg.API.WriteTimeout),
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 12. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 13. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.API.ShutdownTimeout))
	defer shutdownCancel()

	// 13a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 13b. Wait for workers to complete
	wg.Wait()

	// 13c. Final flush: drain whatever the outbox holds while we still can.
	if monitor.IsOnline() {
		result := manager.Sync(shutdownCtx)
		slog.Info("final sync on shutdown",
			"success", result.Success,
			"items_synced", result.ItemsSynced,
		)
	}

	// 13d. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// licenseRefresher runs the guard's refresh after each sync cycle and scopes
// the peer broadcaster to the organization the license names.
type licenseRefresher struct {
	guard *license.Guard
	store store.Store
	peers *peer.Broadcaster
}

func (r *licenseRefresher) Refresh(ctx context.Context) error {
	if err := r.guard.Refresh(ctx); err != nil {
		return err
	}
	lic, err := r.store.GetLicense(ctx)
	if err != nil {
		return err
	}
	r.peers.JoinTenant(lic.OrganizationID)
	return nil
}

// forwardPeerEvents turns inbound change hints into sync kicks.
func forwardPeerEvents(ctx context.Context, peers *peer.Broadcaster, manager *outsync.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case hint := <-peers.Events():
			slog.Debug("peer change hint received",
				"collection", hint.Collection,
				"entity_id", hint.EntityID,
				"action", hint.Action,
				"source", hint.Source,
			)
			manager.Kick("peer change")
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
