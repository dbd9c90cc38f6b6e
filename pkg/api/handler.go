package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dotsetgreg/contextd/pkg/logger"
	"github.com/dotsetgreg/contextd/pkg/memory"
)

// Handler serves the read-only admin surface: inspect sessions,
// memories, handoffs and pipeline watermarks. Mutations go through the
// service API and CLI, never HTTP.
type Handler struct {
	store memory.Store
}

func NewHandler(store memory.Store) *Handler {
	return &Handler{store: store}
}

// Router builds the chi router for the admin surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/healthz", h.handleHealth)
		r.Get("/sessions/{id}", h.handleGetSession)
		r.Get("/sessions/{id}/events", h.handleListEvents)
		r.Get("/sessions/{id}/state", h.handleGetState)
		r.Get("/memories", h.handleListMemories)
		r.Get("/handoffs", h.handleListHandoffs)
		r.Get("/watermarks", h.handleListWatermarks)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.store.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}
	afterSeq := queryInt64(r, "after_seq", 0)
	limit := queryInt(r, "limit", 100)
	events, err := h.store.ListEventsAfter(r.Context(), sessionID, afterSeq, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.store.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}
	st, err := h.store.GetState(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleListMemories(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace query parameter required")
		return
	}
	category := memory.Category(r.URL.Query().Get("category"))
	limit := queryInt(r, "limit", 50)
	items, err := h.store.ListMemories(r.Context(), namespace, category, nil, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": items})
}

func (h *Handler) handleListHandoffs(w http.ResponseWriter, r *http.Request) {
	workflow := r.URL.Query().Get("workflow")
	limit := queryInt(r, "limit", 50)
	packets, err := h.store.ListHandoffs(r.Context(), workflow, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"handoffs": packets})
}

func (h *Handler) handleListWatermarks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	marks, err := h.store.ListWatermarks(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"watermarks": marks})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("api", "encode response failed", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, memory.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	logger.ErrorCF("api", "store error", map[string]interface{}{"error": err.Error()})
	writeError(w, http.StatusInternalServerError, "internal error")
}
