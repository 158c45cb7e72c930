package observer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// sseHeartbeat keeps idle connections from being reaped by middleboxes.
const sseHeartbeat = 15 * time.Second

// handleStream serves the activity feed over Server-Sent Events. Every
// event carries the store's monotonic id; a reconnecting client sends
// Last-Event-ID and the events newer than it among the 100 most recent
// public events are replayed from the store. Older missed events are not
// replayed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastID := int64(0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastID = n
		}
	}

	events, cancel := s.svc.feed.Subscribe()
	defer cancel()

	// Replay what the client missed while disconnected.
	if recent, err := s.svc.store.RecentActivity(100); err == nil {
		for i := len(recent) - 1; i >= 0; i-- {
			a := recent[i]
			if a.ID <= lastID {
				continue
			}
			writeSSE(w, a.ID, map[string]any{
				"id":          a.ID,
				"life_number": a.LifeNumber,
				"kind":        a.Kind,
				"payload":     a.Payload,
				"timestamp":   a.CreatedAt,
			})
			lastID = a.ID
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.ID <= lastID {
				continue
			}
			writeSSE(w, e.ID, e)
			lastID = e.ID
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, id int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("sse marshal failed", "component", "observer", "error", err)
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: activity\ndata: %s\n\n", id, data)
}
