// Package api provides the HTTP introspection handlers of the askstream service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/ashureev/askstream/internal/domain"
	"github.com/ashureev/askstream/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxUnitLimit caps the limit query parameter of /api/units.
const maxUnitLimit = 1000

// Sessions lists the locally registered push sessions.
type Sessions interface {
	Sessions() []string
}

// FlowStats reports the load of one dispatcher.
type FlowStats interface {
	Name() string
	InFlight() int64
}

// IndexStats reports the size of the vector index.
type IndexStats interface {
	Count() int
}

// UnitLister reads the unit journal.
type UnitLister interface {
	ListUnits(ctx context.Context, filter domain.UnitFilter) ([]*domain.UnitRecord, error)
}

var _ UnitLister = (store.Repository)(nil)

// Handler serves the /api routes.
type Handler struct {
	units    UnitLister
	sessions Sessions
	index    IndexStats
	events   http.Handler
	flows    []FlowStats
}

// NewHandler creates a new Handler. events serves the per-session SSE stream
// and may be nil.
func NewHandler(units UnitLister, sessions Sessions, index IndexStats, events http.Handler, flows ...FlowStats) *Handler {
	return &Handler{
		units:    units,
		sessions: sessions,
		index:    index,
		events:   events,
		flows:    flows,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		if h.events != nil {
			r.Method(http.MethodGet, "/sessions/{sessionID}/events", h.events)
		}
		r.Get("/units", h.ListUnits)
		r.Get("/stats", h.Stats)
	})
}

// ListSessions returns the session ids connected to this instance.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	ids := h.sessions.Sessions()
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"sessions": ids,
		"count":    len(ids),
	})
}

// ListUnits returns recent journal rows, newest first.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.UnitFilter{
		Status: domain.UnitStatus(q.Get("status")),
		Flow:   q.Get("flow"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		Error(w, http.StatusBadRequest, "invalid status")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxUnitLimit {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	units, err := h.units.ListUnits(r.Context(), filter)
	if err != nil {
		slog.Error("Failed to list units", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list units")
		return
	}
	if units == nil {
		units = []*domain.UnitRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{"units": units})
}

// Stats returns in-flight units per flow and the vector index size.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	inFlight := make(map[string]int64, len(h.flows))
	for _, f := range h.flows {
		inFlight[f.Name()] = f.InFlight()
	}
	stats := map[string]any{
		"in_flight": inFlight,
		"sessions":  len(h.sessions.Sessions()),
	}
	if h.index != nil {
		stats["index_chunks"] = h.index.Count()
	}
	JSON(w, http.StatusOK, stats)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
