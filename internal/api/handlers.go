package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tillworks/outpost/internal/connectivity"
	"github.com/tillworks/outpost/internal/license"
	"github.com/tillworks/outpost/internal/store"
	outsync "github.com/tillworks/outpost/internal/sync"
)

// SyncController is the slice of the sync manager the API needs.
type SyncController interface {
	ForceSyncNow() bool
	Kick(reason string)
	Status(ctx context.Context) outsync.Status
}

// LicenseChecker reports local license validity.
type LicenseChecker interface {
	Validity(ctx context.Context) (license.Validity, error)
}

// PeerPublisher fans local mutations out to LAN peers and accepts inbound
// peer connections.
type PeerPublisher interface {
	BroadcastChange(collection, entityID, action string)
	Handler() http.HandlerFunc
}

// Handler implements the local API handlers the POS frontend talks to.
type Handler struct {
	store   store.Store
	queue   *outsync.Queue
	manager SyncController
	guard   LicenseChecker
	monitor *connectivity.Monitor
	peers   PeerPublisher
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(s store.Store, q *outsync.Queue, m SyncController, g LicenseChecker,
	mon *connectivity.Monitor, p PeerPublisher, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		queue:   q,
		manager: m,
		guard:   g,
		monitor: mon,
		peers:   p,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Connection string `json:"connection"`
}

// Health returns the health status. Public, no auth.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Connection: string(h.monitor.State()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StatusResponse aggregates sync, connectivity and license state for the
// frontend's status bar.
type StatusResponse struct {
	outsync.Status
	Connection string           `json:"connection"`
	License    license.Validity `json:"license"`
}

// Status handles GET /api/v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.manager.Status(r.Context())

	validity, err := h.guard.Validity(r.Context())
	if err != nil {
		slog.Error("license check failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	resp := StatusResponse{
		Status:     st,
		Connection: string(h.monitor.State()),
		License:    validity,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// TriggerSync handles POST /api/v1/sync. Returns 202 when a cycle was
// started, 409 when one is already running.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.manager.ForceSyncNow() {
		WriteProblem(w, r, http.StatusConflict, "Sync already in progress")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// ListSyncLog handles GET /api/v1/sync/log.
func (h *Handler) ListSyncLog(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.store.ListSyncLog(r.Context(), limit)
	if err != nil {
		slog.Error("sync log query failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"entries": entries})
}

// ClearSyncLog handles DELETE /api/v1/sync/log.
func (h *Handler) ClearSyncLog(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearSyncLog(r.Context()); err != nil {
		slog.Error("sync log clear failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// License handles GET /api/v1/license.
func (h *Handler) License(w http.ResponseWriter, r *http.Request) {
	validity, err := h.guard.Validity(r.Context())
	if err != nil {
		slog.Error("license check failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(validity)
}
