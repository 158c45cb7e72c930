package agent

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (*Server, *Agent) {
	t.Helper()
	a := newTestAgent(t, &fakeProvider{}, newFakeObserver(t))
	return NewServer(a, "127.0.0.1:0", "secret-key"), a
}

func doReq(t *testing.T, s *Server, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if key != "" {
		req.Header.Set("X-Internal-Key", key)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doReq(t, s, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("body %q", rec.Body.String())
	}
}

func TestInternalKeyRequired(t *testing.T) {
	s, _ := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/state"},
		{http.MethodGet, "/budget"},
		{http.MethodPost, "/birth"},
		{http.MethodPost, "/force-sync"},
		{http.MethodPost, "/oracle"},
	} {
		rec := doReq(t, s, tc.method, tc.path, "", `{}`)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s without key: status %d", tc.method, tc.path, rec.Code)
		}
		rec = doReq(t, s, tc.method, tc.path, "wrong", `{}`)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s with wrong key: status %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestBirthEndpoint(t *testing.T) {
	s, a := newTestServer(t)

	rec := doReq(t, s, http.MethodPost, "/birth", "secret-key",
		`{"life_number": 4, "bootstrap_mode": "basic_facts", "memory_fragments": ["one"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if st := a.State(); st.LifeNumber != 4 || !st.IsAlive {
		t.Fatalf("state %+v", st)
	}

	// Malformed payloads 4xx.
	rec = doReq(t, s, http.MethodPost, "/birth", "secret-key", `{"life_number": 0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero life: status %d", rec.Code)
	}
	rec = doReq(t, s, http.MethodPost, "/birth", "secret-key", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage: status %d", rec.Code)
	}
}

func TestForceSyncEndpoint(t *testing.T) {
	s, a := newTestServer(t)
	doReq(t, s, http.MethodPost, "/birth", "secret-key", `{"life_number": 5}`)

	rec := doReq(t, s, http.MethodPost, "/force-sync", "secret-key", `{"life_number": 7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if st := a.State(); st.LifeNumber != 7 {
		t.Fatalf("life %d", st.LifeNumber)
	}

	rec = doReq(t, s, http.MethodPost, "/force-sync", "secret-key", `{"life_number": 7, "is_alive": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if a.State().IsAlive {
		t.Fatal("agent still alive after correction")
	}
}

func TestBudgetEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doReq(t, s, http.MethodGet, "/budget", "secret-key", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "balance_usd") {
		t.Fatalf("body %q", rec.Body.String())
	}
}

func TestOracleEndpoint(t *testing.T) {
	s, a := newTestServer(t)
	rec := doReq(t, s, http.MethodPost, "/oracle", "secret-key", `{"kind": "whisper", "text": "be brave"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	a.mu.Lock()
	pending := a.pendingOracle
	a.mu.Unlock()
	if pending == nil || pending.Text != "be brave" {
		t.Fatalf("pending %+v", pending)
	}

	rec = doReq(t, s, http.MethodPost, "/oracle", "secret-key", `{"kind": "whisper"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty text: status %d", rec.Code)
	}
}
