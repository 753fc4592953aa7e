package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fieldscope/permitmap/internal/viewport"
)

// handleStream serves viewport snapshots over server-sent events. Every
// frame is a complete snapshot, so a client that missed intermediate
// frames is still consistent after the next one.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, frames := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	// New subscribers get the current state before any live frame.
	if err := writeEvent(w, flusher, s.coordinator.Snapshot()); err != nil {
		return
	}

	heartbeat := time.Duration(s.cfg.HeartbeatSecs) * time.Second
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			zap.L().Debug("server: stream client disconnected", zap.String("subscriber", id.String()))
			return

		case snap, open := <-frames:
			if !open {
				return
			}
			if err := writeEvent(w, flusher, snap); err != nil {
				return
			}

		case <-ticker.C:
			// Comment line keeps intermediaries from closing the idle
			// connection.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, snap viewport.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
