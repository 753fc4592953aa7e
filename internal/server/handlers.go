package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/geocode"
	"github.com/fieldscope/permitmap/internal/model"
	"github.com/fieldscope/permitmap/internal/viewport"
)

// viewportRequest is the refresh payload sent on every map move-end,
// zoom-end, or filter change.
type viewportRequest struct {
	Bounds  geo.BBox      `json:"bounds"`
	Zoom    int           `json:"zoom"`
	Filters model.Filters `json:"filters"`
}

type viewportResponse struct {
	Generation uint64 `json:"generation"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleViewport starts a new fetch generation and returns immediately;
// results arrive on the stream.
func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	gen, err := s.coordinator.Refresh(viewport.Region{Bounds: req.Bounds, Zoom: req.Zoom}, req.Filters)
	if err != nil {
		zap.L().Debug("server: viewport refresh rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid bounds")
		return
	}

	writeJSON(w, http.StatusAccepted, viewportResponse{Generation: gen})
}

// statsResponse snapshots the pipeline's operational counters.
type statsResponse struct {
	Generation  uint64               `json:"generation"`
	Subscribers int                  `json:"subscribers"`
	Locations   int64                `json:"locations"`
	Cache       geocode.CacheStats   `json:"cache"`
	Limiter     geocode.LimiterStats `json:"limiter"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountLocations(r.Context())
	if err != nil {
		zap.L().Error("server: count locations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Generation:  s.coordinator.Generation(),
		Subscribers: s.hub.Len(),
		Locations:   count,
		Cache:       s.geocoder.CacheStats(),
		Limiter:     s.geocoder.LimiterStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
