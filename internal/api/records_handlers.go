package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tillworks/outpost/internal/store"
	outsync "github.com/tillworks/outpost/internal/sync"
)

// requireLicense gates mutating routes. Reads always succeed; a blocked
// license means the terminal may show data but not change it.
func (h *Handler) requireLicense(w http.ResponseWriter, r *http.Request) bool {
	validity, err := h.guard.Validity(r.Context())
	if err != nil {
		slog.Error("license check failed", "error", err)
		MapStoreError(w, r, err)
		return false
	}
	if !validity.Valid {
		WriteProblem(w, r, http.StatusForbidden,
			fmt.Sprintf("Mutations blocked: %s", validity.Reason))
		return false
	}
	return true
}

// ListRecords handles GET /api/v1/records/{collection}.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"

	records, err := h.store.ListRecords(r.Context(), collection, includeDeleted)
	if err != nil {
		slog.Error("record list failed", "collection", collection, "error", err)
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"records": records})
}

// GetRecord handles GET /api/v1/records/{collection}/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	rec, err := h.store.GetRecord(r.Context(), collection, id)
	if err != nil {
		slog.Error("record get failed", "collection", collection, "id", id, "error", err)
		MapStoreError(w, r, err)
		return
	}
	if rec == nil || rec.Deleted {
		WriteProblem(w, r, http.StatusNotFound, "Record not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// PutRecord handles PUT /api/v1/records/{collection}/{id}: the local write
// path. The record lands in the store as pending, a mutation joins the
// outbox, peers get a hint, and the sync engine gets a nudge. The write
// itself never waits on the network.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	if !h.requireLicense(w, r) {
		return
	}

	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	existing, err := h.store.GetRecord(r.Context(), collection, id)
	if err != nil {
		slog.Error("record lookup failed", "collection", collection, "id", id, "error", err)
		MapStoreError(w, r, err)
		return
	}
	action := outsync.ActionCreate
	if existing != nil && !existing.Deleted {
		action = outsync.ActionUpdate
	}

	rec := outsync.Record{
		Collection: collection,
		ID:         id,
		Payload:    payload,
		UpdatedAt:  time.Now().UTC(),
		SyncStatus: outsync.StatusPending,
	}
	if err := h.store.UpsertRecord(r.Context(), rec); err != nil {
		slog.Error("record write failed", "collection", collection, "id", id, "error", err)
		MapStoreError(w, r, err)
		return
	}

	if _, err := h.queue.Enqueue(r.Context(), collection, id, action, payload); err != nil {
		slog.Error("outbox enqueue failed", "collection", collection, "id", id, "error", err)
		MapStoreError(w, r, err)
		return
	}

	h.peers.BroadcastChange(collection, id, action)
	h.manager.Kick("local write")

	status := http.StatusOK
	if action == outsync.ActionCreate {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(rec)
}

// DeleteRecord handles DELETE /api/v1/records/{collection}/{id}. Deletes are
// soft: the row becomes a tombstone so the removal can propagate.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if !h.requireLicense(w, r) {
		return
	}

	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	now := time.Now().UTC()
	if err := h.store.DeleteRecord(r.Context(), collection, id, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteProblem(w, r, http.StatusNotFound, "Record not found")
			return
		}
		slog.Error("record delete failed", "collection", collection, "id", id, "error", err)
		MapStoreError(w, r, err)
		return
	}

	if _, err := h.queue.Enqueue(r.Context(), collection, id, outsync.ActionDelete, nil); err != nil {
		slog.Error("outbox enqueue failed", "collection", collection, "id", id, "error", err)
		MapStoreError(w, r, err)
		return
	}

	h.peers.BroadcastChange(collection, id, outsync.ActionDelete)
	h.manager.Kick("local delete")

	w.WriteHeader(http.StatusNoContent)
}
