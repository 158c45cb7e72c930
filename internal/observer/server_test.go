package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServerPair(t *testing.T) (*Server, *Service, *fakeAgent) {
	t.Helper()
	fa := newFakeAgent(t)
	svc := newTestService(t, fa)
	srv, err := NewServer(svc.cfg, svc)
	if err != nil {
		t.Fatal(err)
	}
	return srv, svc, fa
}

type reqOpts struct {
	remoteAddr string
	headers    map[string]string
	body       string
}

func serve(t *testing.T, s *Server, method, path string, opts reqOpts) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if opts.body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(opts.body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if opts.remoteAddr != "" {
		req.RemoteAddr = opts.remoteAddr
	} else {
		req.RemoteAddr = "203.0.113.50:12345"
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServerPair(t)
	rec := serve(t, s, http.MethodGet, "/health", reqOpts{})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("status %d body %q", rec.Code, rec.Body.String())
	}
}

func TestStateEndpoint(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	rec := serve(t, s, http.MethodGet, "/api/state", reqOpts{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["life_number"].(float64) != 1 || out["is_alive"] != true {
		t.Fatalf("state %v", out)
	}
	if _, ok := out["votes"]; !ok {
		t.Fatal("votes missing")
	}
	if _, ok := out["balance_usd"]; !ok {
		t.Fatal("balance missing with reachable agent")
	}
}

func TestVoteEndpointStatuses(t *testing.T) {
	s, svc, _ := newTestServerPair(t)

	// Dead: 410.
	rec := serve(t, s, http.MethodPost, "/api/vote/die", reqOpts{})
	if rec.Code != http.StatusGone {
		t.Fatalf("dead vote status %d", rec.Code)
	}

	birthFirstLife(t, svc)

	// Invalid choice: 400.
	rec = serve(t, s, http.MethodPost, "/api/vote/maybe", reqOpts{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid choice status %d", rec.Code)
	}

	// First vote: 200.
	rec = serve(t, s, http.MethodPost, "/api/vote/live", reqOpts{remoteAddr: "203.0.113.60:1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("vote status %d: %s", rec.Code, rec.Body.String())
	}

	// Duplicate: 409.
	rec = serve(t, s, http.MethodPost, "/api/vote/live", reqOpts{remoteAddr: "203.0.113.60:2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status %d", rec.Code)
	}
}

func TestVoteFingerprintIgnoresUntrustedForwarding(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	// An untrusted peer cannot mint fresh fingerprints via headers.
	rec := serve(t, s, http.MethodPost, "/api/vote/live", reqOpts{
		remoteAddr: "203.0.113.70:1",
		headers:    map[string]string{"X-Forwarded-For": "198.51.100.1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first vote status %d", rec.Code)
	}
	rec = serve(t, s, http.MethodPost, "/api/vote/live", reqOpts{
		remoteAddr: "203.0.113.70:2",
		headers:    map[string]string{"X-Forwarded-For": "198.51.100.2"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("spoofed second vote status %d, want conflict", rec.Code)
	}
}

func TestVoteFingerprintHonorsTrustedProxy(t *testing.T) {
	fa := newFakeAgent(t)
	svc := newTestService(t, fa)
	svc.cfg.Observer.TrustedProxyCIDRs = []string{"198.51.100.0/24"}
	s, err := NewServer(svc.cfg, svc)
	if err != nil {
		t.Fatal(err)
	}
	birthFirstLife(t, svc)

	// Two distinct forwarded clients behind the trusted proxy both count.
	for i, fwd := range []string{"203.0.113.80", "203.0.113.81"} {
		rec := serve(t, s, http.MethodPost, "/api/vote/live", reqOpts{
			remoteAddr: "198.51.100.7:999",
			headers:    map[string]string{"X-Forwarded-For": fwd},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("forwarded vote %d status %d", i, rec.Code)
		}
	}
}

func TestAdminAuth(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	// No credentials from a public address: 403.
	rec := serve(t, s, http.MethodPost, "/api/kill", reqOpts{body: `{}`})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unauthenticated kill status %d", rec.Code)
	}

	// Wrong token: 403.
	rec = serve(t, s, http.MethodPost, "/api/kill", reqOpts{
		body:    `{}`,
		headers: map[string]string{"Authorization": "Bearer wrong"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token status %d", rec.Code)
	}

	// Valid bearer token kills.
	rec = serve(t, s, http.MethodPost, "/api/kill", reqOpts{
		body:    `{"note": "admin test"}`,
		headers: map[string]string{"Authorization": "Bearer admin-token"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin kill status %d: %s", rec.Code, rec.Body.String())
	}
	if svc.Snapshot().IsAlive {
		t.Fatal("kill did not kill")
	}
}

func TestAdminAuthLoopback(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	rec := serve(t, s, http.MethodPost, "/api/kill", reqOpts{
		remoteAddr: "127.0.0.1:5555",
		body:       `{}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback kill status %d", rec.Code)
	}
	if svc.Snapshot().IsAlive {
		t.Fatal("kill did not kill")
	}
}

func TestInternalAuth(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	rec := serve(t, s, http.MethodPost, "/api/activity", reqOpts{
		body: `{"kind": "think", "payload": "x"}`,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no key status %d", rec.Code)
	}

	rec = serve(t, s, http.MethodPost, "/api/activity", reqOpts{
		body:    `{"kind": "think", "payload": "pondering"}`,
		headers: map[string]string{"X-Internal-Key": "internal-key"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("keyed status %d: %s", rec.Code, rec.Body.String())
	}

	// Unknown kinds are rejected.
	rec = serve(t, s, http.MethodPost, "/api/activity", reqOpts{
		body:    `{"kind": "explode", "payload": "x"}`,
		headers: map[string]string{"X-Internal-Key": "internal-key"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind status %d", rec.Code)
	}
}

func TestReportedActivityRedacted(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	rec := serve(t, s, http.MethodPost, "/api/activity", reqOpts{
		body:    `{"kind": "error", "payload": "call failed with key sk-abcdefghijklmnopqrstuv1234"}`,
		headers: map[string]string{"X-Internal-Key": "internal-key"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	acts, err := svc.store.RecentActivity(10)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range acts {
		if strings.Contains(a.Payload, "sk-abcdef") {
			t.Fatalf("secret reached the public log: %q", a.Payload)
		}
	}
}

func TestVisitorMessageLimits(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	rec := serve(t, s, http.MethodPost, "/api/message", reqOpts{
		body: `{"from_name": "Ada", "message": "hello there"}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("message status %d: %s", rec.Code, rec.Body.String())
	}

	// Second message inside the hour is rate limited.
	rec = serve(t, s, http.MethodPost, "/api/message", reqOpts{
		body: `{"from_name": "Ada", "message": "me again"}`,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("rapid message status %d", rec.Code)
	}

	// Over-long message rejected.
	long := strings.Repeat("a", 300)
	rec = serve(t, s, http.MethodPost, "/api/message", reqOpts{
		remoteAddr: "203.0.113.90:1",
		body:       `{"message": "` + long + `"}`,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("long message status %d", rec.Code)
	}
}

func TestVisitorMessageSanitized(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	rec := serve(t, s, http.MethodPost, "/api/message", reqOpts{
		body: `{"from_name": "Eve", "message": "<script>alert(1)</script> hi $(rm -rf /)"}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	msgs, err := svc.store.UnreadMessages(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages %d", len(msgs))
	}
	if strings.Contains(msgs[0].Message, "<script>") || strings.Contains(msgs[0].Message, "$(") {
		t.Fatalf("dangerous content survived: %q", msgs[0].Message)
	}
}

func TestGodVoteAdjust(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	rec := serve(t, s, http.MethodPost, "/api/god/votes/adjust", reqOpts{
		body:    `{"live": 10, "die": 4}`,
		headers: map[string]string{"Authorization": "Bearer admin-token"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust status %d: %s", rec.Code, rec.Body.String())
	}
	live, die, err := svc.VoteCounts()
	if err != nil {
		t.Fatal(err)
	}
	if live != 10 || die != 4 {
		t.Fatalf("counts %d/%d", live, die)
	}
}

func TestOracleEndToEnd(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	rec := serve(t, s, http.MethodPost, "/api/god/oracle", reqOpts{
		body:    `{"kind": "whisper", "message": "the votes are watching"}`,
		headers: map[string]string{"Authorization": "Bearer admin-token"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("oracle status %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, s, http.MethodPost, "/api/god/oracle", reqOpts{
		body:    `{"kind": "whisper"}`,
		headers: map[string]string{"Authorization": "Bearer admin-token"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty oracle status %d", rec.Code)
	}
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream/activity", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// The birth event is replayed; a fresh event arrives live. Give the
	// handler a beat to attach its subscription first.
	time.Sleep(100 * time.Millisecond)
	svc.LogActivity(context.Background(), "think", "streamed thought", true)

	buf := make([]byte, 8192)
	var collected strings.Builder
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			collected.Write(buf[:n])
		}
		if strings.Contains(collected.String(), "streamed thought") {
			break
		}
		if err != nil {
			break
		}
	}
	out := collected.String()
	if !strings.Contains(out, "id: ") {
		t.Fatalf("no event ids in stream: %q", out)
	}
	if !strings.Contains(out, "streamed thought") {
		t.Fatalf("live event missing: %q", out)
	}
}

func TestBlogPostInternalEndpoint(t *testing.T) {
	s, svc, _ := newTestServerPair(t)
	birthFirstLife(t, svc)

	rec := serve(t, s, http.MethodPost, "/api/blog/post", reqOpts{
		body:    `{"title": "First Light", "content": "` + strings.Repeat("thoughts ", 20) + `", "tags": ["dawn"]}`,
		headers: map[string]string{"X-Internal-Key": "internal-key"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("blog post status %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, s, http.MethodGet, "/api/blog/posts", reqOpts{})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "First Light") {
		t.Fatalf("blog list status %d body %q", rec.Code, rec.Body.String())
	}
}
