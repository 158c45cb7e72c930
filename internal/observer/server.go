package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/amialive/amialive/internal/config"
	"github.com/amialive/amialive/internal/redact"
	"github.com/amialive/amialive/internal/voting"
)

// Server is the observer's public HTTP surface.
type Server struct {
	cfg        *config.Config
	svc        *Service
	auth       *authenticator
	detector   *redact.Detector
	httpServer *http.Server
}

// NewServer wires every route.
func NewServer(cfg *config.Config, svc *Service) (*Server, error) {
	auth, err := newAuthenticator(cfg.Observer)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	s := &Server{cfg: cfg, svc: svc, auth: auth, detector: redact.NewDetector()}

	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.guard(s.handleState))
	mux.HandleFunc("GET /api/votes", s.guard(s.handleVotes))
	mux.HandleFunc("POST /api/vote/{choice}", s.guard(s.handleCastVote))
	// No guard: its JSON panic response cannot be written into a
	// half-flushed event stream; net/http's per-connection recover applies.
	mux.HandleFunc("GET /api/stream/activity", s.handleStream)
	mux.HandleFunc("GET /api/activity", s.guard(s.handleActivity))
	mux.HandleFunc("GET /api/lives", s.guard(s.handleLives))
	mux.HandleFunc("GET /api/blog/posts", s.guard(s.handleBlogPosts))
	mux.HandleFunc("POST /api/message", s.guard(s.handleVisitorMessage))
	mux.HandleFunc("GET /api/messages/count", s.guard(s.handleMessageCount))

	// Admin.
	mux.HandleFunc("POST /api/kill", s.guard(s.admin(s.handleKill)))
	mux.HandleFunc("POST /api/respawn", s.guard(s.admin(s.handleRespawn)))
	mux.HandleFunc("POST /api/force-alive", s.guard(s.admin(s.handleForceAlive)))
	mux.HandleFunc("POST /api/god/votes/adjust", s.guard(s.admin(s.handleAdjustVotes)))
	mux.HandleFunc("POST /api/god/oracle", s.guard(s.admin(s.handleOracle)))

	// Internal (agent only).
	mux.HandleFunc("POST /api/activity", s.guard(s.internal(s.handleReportActivity)))
	mux.HandleFunc("POST /api/thought", s.guard(s.internal(s.handleReportThought)))
	mux.HandleFunc("POST /api/identity", s.guard(s.internal(s.handleReportIdentity)))
	mux.HandleFunc("POST /api/blog/post", s.guard(s.internal(s.handleCreateBlogPost)))
	mux.HandleFunc("GET /api/messages", s.guard(s.internal(s.handleUnreadMessages)))
	mux.HandleFunc("POST /api/messages/read", s.guard(s.internal(s.handleMarkRead)))

	s.httpServer = &http.Server{
		Addr:              cfg.Gateway.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("observer listening", "component", "observer", "addr", s.httpServer.Addr)
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

// ---------------------------------------------------------------------------
// Middleware and error envelope
// ---------------------------------------------------------------------------

type apiError struct {
	Error   bool   `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, apiError{Error: true, Kind: kind, Message: message})
}

// guard is the boundary catch: a panic becomes a generic internal error;
// details go to the log only.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "component", "observer", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal", "internal error")
			}
		}()
		next(w, r)
	}
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.isAdmin(r) {
			writeError(w, http.StatusForbidden, "auth", "admin access required")
			return
		}
		next(w, r)
	}
}

func (s *Server) internal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.isInternal(r) {
			writeError(w, http.StatusForbidden, "auth", "internal key required")
			return
		}
		next(w, r)
	}
}

func limitParam(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ---------------------------------------------------------------------------
// Public handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Snapshot()
	live, die, err := s.svc.VoteCounts()
	if err != nil {
		slog.Error("vote counts failed", "component", "observer", "error", err)
	}

	out := map[string]any{
		"life_number": snap.LifeNumber,
		"is_alive":    snap.IsAlive,
		"votes":       map[string]int{"live": live, "die": die},
	}
	if !snap.BornAt.IsZero() {
		out["born_at"] = snap.BornAt.UTC()
	}

	// Model and balance come from the agent; a dead or unreachable agent
	// just omits them.
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if st, err := s.svc.agent.State(ctx); err == nil {
		out["model"] = st.Model
	}
	if report, err := s.svc.agent.Budget(ctx); err == nil {
		out["balance_usd"] = report.BalanceUSD
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	live, die, err := s.svc.VoteCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"live": live, "die": die, "total": live + die})
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	choice, err := voting.ParseChoice(r.PathValue("choice"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	outcome, err := s.svc.CastVote(r.Context(), s.auth.clientIP(r), choice)
	if err != nil {
		slog.Error("vote failed", "component", "observer", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	switch outcome.ErrorKind {
	case "dead":
		writeJSON(w, http.StatusGone, map[string]any{
			"ok": false, "error": "dead", "kind": "dead_state",
		})
	case "duplicate":
		writeJSON(w, http.StatusConflict, map[string]any{
			"ok": false, "error": "duplicate", "kind": "conflict",
		})
	case "cooldown":
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"ok": false, "error": "cooldown", "kind": "rate_limited",
			"cooldown_remaining_s": outcome.CooldownRemaining,
		})
	default:
		writeJSON(w, http.StatusOK, outcome)
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	acts, err := s.svc.store.RecentActivity(limitParam(r, 50, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

func (s *Server) handleLives(w http.ResponseWriter, r *http.Request) {
	lives, err := s.svc.store.LifeHistory(limitParam(r, 20, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, lives)
}

func (s *Server) handleBlogPosts(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Snapshot()
	posts, err := s.svc.store.BlogPosts(snap.LifeNumber, limitParam(r, 20, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts, "count": len(posts)})
}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile("`[^`]*`"),
}

// sanitizeMessage defangs visitor text before it can reach a prompt.
func sanitizeMessage(text string) string {
	for _, re := range dangerousPatterns {
		text = re.ReplaceAllString(text, "[filtered]")
	}
	return html.EscapeString(text)
}

func (s *Server) handleVisitorMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FromName string `json:"from_name"`
		Message  string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed payload")
		return
	}
	payload.Message = strings.TrimSpace(payload.Message)
	if payload.Message == "" {
		writeError(w, http.StatusBadRequest, "validation", "message required")
		return
	}
	if len(payload.Message) > 256 {
		writeError(w, http.StatusBadRequest, "validation", "message too long (max 256 chars)")
		return
	}
	if payload.FromName == "" {
		payload.FromName = "Anonymous"
	}

	ipHash := voting.Fingerprint(s.cfg.Voting.IPSalt, s.auth.clientIP(r))
	last, err := s.svc.store.LastMessageAt(ipHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	cooldown := time.Duration(s.cfg.Voting.MessageCooldown) * time.Second
	if !last.IsZero() && time.Since(last) < cooldown {
		remaining := int((cooldown - time.Since(last)).Seconds())
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": true, "kind": "rate_limited",
			"message":              "one message per hour",
			"cooldown_remaining_s": remaining,
		})
		return
	}

	if _, err := s.svc.store.SubmitVisitorMessage(
		sanitizeMessage(payload.FromName), sanitizeMessage(payload.Message), ipHash); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	s.svc.LogActivity(r.Context(), "act", "a visitor left a message", true)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMessageCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.svc.store.UnreadMessageCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// ---------------------------------------------------------------------------
// Admin handlers
// ---------------------------------------------------------------------------

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Note string `json:"note"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)

	if err := s.svc.Kill(r.Context(), payload.Note); err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRespawn(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ForceRespawn(r.Context()); err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleForceAlive(w http.ResponseWriter, r *http.Request) {
	life, err := s.svc.ForceAlive(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "life_number": life})
}

func (s *Server) handleAdjustVotes(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Live int `json:"live"`
		Die  int `json:"die"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed payload")
		return
	}
	if err := s.svc.store.AdjustVotes(payload.Live, payload.Die); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOracle(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Message) == "" {
		writeError(w, http.StatusBadRequest, "validation", "message required")
		return
	}
	if payload.Kind == "" {
		payload.Kind = "oracle"
	}
	if err := s.svc.SendOracle(r.Context(), payload.Kind, payload.Message); err != nil {
		slog.Error("oracle send failed", "component", "observer", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---------------------------------------------------------------------------
// Internal handlers (agent reports)
// ---------------------------------------------------------------------------

func (s *Server) handleReportActivity(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Kind    string `json:"kind"`
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Kind == "" {
		writeError(w, http.StatusBadRequest, "validation", "kind required")
		return
	}
	if !agentKinds[payload.Kind] {
		writeError(w, http.StatusBadRequest, "validation", "unknown activity kind")
		return
	}
	// Last line of defense: nothing secret-shaped reaches the public log.
	s.svc.LogActivity(r.Context(), payload.Kind, s.detector.Redact(payload.Payload), true)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReportThought(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Content) == "" {
		writeError(w, http.StatusBadRequest, "validation", "content required")
		return
	}
	if payload.Type == "" {
		payload.Type = "thought"
	}
	snap := s.svc.Snapshot()
	if err := s.svc.store.RecordThought(snap.LifeNumber, payload.Content, payload.Type); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	s.svc.LogActivity(r.Context(), "think", "shared a "+payload.Type, true)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReportIdentity(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		LifeNumber int64  `json:"life_number"`
		Name       string `json:"name"`
		Icon       string `json:"icon"`
		Pronoun    string `json:"pronoun"`
		Model      string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.LifeNumber <= 0 {
		writeError(w, http.StatusBadRequest, "validation", "life_number required")
		return
	}
	if err := s.svc.store.UpdateIdentity(payload.LifeNumber, payload.Name, payload.Icon, payload.Pronoun, payload.Model); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateBlogPost(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title   string   `json:"title"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed payload")
		return
	}
	if len(payload.Title) > 200 {
		writeError(w, http.StatusBadRequest, "validation", "title too long (max 200 chars)")
		return
	}
	if len(payload.Content) > 50000 {
		writeError(w, http.StatusBadRequest, "validation", "content too long (max 50k chars)")
		return
	}
	snap := s.svc.Snapshot()
	post, err := s.svc.store.CreateBlogPost(snap.LifeNumber, payload.Title, payload.Content, payload.Tags)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.svc.LogActivity(r.Context(), "act", "wrote a blog post: "+post.Title, true)
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleUnreadMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.store.UnreadMessages(limitParam(r, 50, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "ids required")
		return
	}
	if err := s.svc.store.MarkMessagesRead(payload.IDs); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
