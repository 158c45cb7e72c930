package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Server is the agent's loopback HTTP surface. The observer is the only
// intended client; everything except /health requires the internal key.
type Server struct {
	agent       *Agent
	internalKey string
	httpServer  *http.Server
}

// NewServer wires the loopback API.
func NewServer(a *Agent, listenAddr, internalKey string) *Server {
	s := &Server{agent: a, internalKey: internalKey}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state", s.withKey(s.handleState))
	mux.HandleFunc("POST /birth", s.withKey(s.handleBirth))
	mux.HandleFunc("POST /force-sync", s.withKey(s.handleForceSync))
	mux.HandleFunc("GET /budget", s.withKey(s.handleBudget))
	mux.HandleFunc("POST /oracle", s.withKey(s.handleOracle))

	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("agent api listening", "component", "agent", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) withKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.internalKey == "" || r.Header.Get("X-Internal-Key") != s.internalKey {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": true, "kind": "auth", "message": "unauthorized",
			})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleBirth(w http.ResponseWriter, r *http.Request) {
	var payload BirthPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": true, "kind": "validation", "message": "malformed birth payload",
		})
		return
	}
	if err := s.agent.Birth(payload); err != nil {
		slog.Error("birth rejected", "component", "agent", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": true, "kind": "validation", "message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "life_number": payload.LifeNumber})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		LifeNumber int64 `json:"life_number"`
		IsAlive    *bool `json:"is_alive,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": true, "kind": "validation", "message": "malformed sync payload",
		})
		return
	}
	s.agent.ForceSync(payload.LifeNumber, payload.IsAlive)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.ledger.Status())
}

func (s *Server) handleOracle(w http.ResponseWriter, r *http.Request) {
	var note OracleNote
	if err := json.NewDecoder(r.Body).Decode(&note); err != nil || note.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": true, "kind": "validation", "message": "message required",
		})
		return
	}
	if note.Kind == "" {
		note.Kind = "oracle"
	}
	s.agent.Oracle(note)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
