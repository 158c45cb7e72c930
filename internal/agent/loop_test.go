package agent

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amialive/amialive/internal/config"
	"github.com/amialive/amialive/internal/ledger"
	"github.com/amialive/amialive/internal/lifecycle"
	"github.com/amialive/amialive/internal/provider"
)

// fakeProvider scripts Chat responses.
type fakeProvider struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     []string // model ids in call order
}

type fakeResponse struct {
	content string
	err     error
}

func (f *fakeProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Model)
	if len(f.responses) == 0 {
		return &provider.ChatResponse{Content: "a quiet thought", Usage: provider.Usage{PromptTokens: 100, CompletionTokens: 20}}, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &provider.ChatResponse{Content: r.content, Usage: provider.Usage{PromptTokens: 100, CompletionTokens: 20}}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake/model" }

// fakeObserver records internal API calls from the agent.
type fakeObserver struct {
	mu         sync.Mutex
	activities []string
	thoughts   []string
	srv        *httptest.Server
}

func newFakeObserver(t *testing.T) *fakeObserver {
	t.Helper()
	f := &fakeObserver{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/activity", func(w http.ResponseWriter, r *http.Request) {
		var p struct{ Kind, Payload string }
		_ = json.NewDecoder(r.Body).Decode(&p)
		f.mu.Lock()
		f.activities = append(f.activities, p.Kind+":"+p.Payload)
		f.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /api/thought", func(w http.ResponseWriter, r *http.Request) {
		var p struct{ Content string }
		_ = json.NewDecoder(r.Body).Decode(&p)
		f.mu.Lock()
		f.thoughts = append(f.thoughts, p.Content)
		f.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /api/identity", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) })
	mux.HandleFunc("GET /api/votes", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"live": 2, "die": 1, "total": 3}`))
	})
	mux.HandleFunc("GET /api/messages/count", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count": 0}`))
	})
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages": [{"id": 1, "from_name": "Ada", "message": "hello"}]}`))
	})
	mux.HandleFunc("POST /api/messages/read", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) })
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeObserver) activityKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.activities))
	copy(out, f.activities)
	return out
}

func newTestAgent(t *testing.T, fp *fakeProvider, fo *fakeObserver) *Agent {
	t.Helper()
	led, err := ledger.Open(t.TempDir(), 5.00)
	if err != nil {
		t.Fatal(err)
	}
	catalog := provider.DefaultCatalog()
	a, err := New(Options{
		Config: config.AgentConfig{
			ThinkMinS:      1,
			ThinkMaxS:      1,
			SwitchFloorUSD: 0.25,
			MaxTokens:      1024,
			Temperature:    0.7,
		},
		Ledger:    led,
		Provider:  fp,
		Catalog:   catalog,
		Rotator:   provider.NewRotator(catalog, rand.New(rand.NewSource(3))),
		Observer:  NewObserverClient(fo.srv.URL, "test-key", nil),
		Workspace: t.TempDir(),
		Rand:      rand.New(rand.NewSource(3)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestBirthIdempotent(t *testing.T) {
	a := newTestAgent(t, &fakeProvider{}, newFakeObserver(t))

	payload := BirthPayload{LifeNumber: 1, BootstrapMode: lifecycle.ModeBasicFacts, MemoryFragments: []string{"a fragment"}}
	if err := a.Birth(payload); err != nil {
		t.Fatal(err)
	}
	st := a.State()
	if st.LifeNumber != 1 || !st.IsAlive {
		t.Fatalf("state %+v", st)
	}

	// Repeating the same life number changes nothing.
	a.identity.Name = "Nova"
	if err := a.Birth(payload); err != nil {
		t.Fatal(err)
	}
	if a.State().Name != "Nova" {
		t.Fatal("repeated birth reset the life")
	}

	if err := a.Birth(BirthPayload{LifeNumber: 0}); err == nil {
		t.Fatal("zero life number must be rejected")
	}
}

func TestForceSyncStopsAndWipes(t *testing.T) {
	a := newTestAgent(t, &fakeProvider{}, newFakeObserver(t))
	if err := a.Birth(BirthPayload{LifeNumber: 3}); err != nil {
		t.Fatal(err)
	}
	if err := SaveIdentity(a.workspace, Identity{LifeNumber: 3, Name: "Nova"}); err != nil {
		t.Fatal(err)
	}

	dead := false
	a.ForceSync(3, &dead)

	st := a.State()
	if st.IsAlive {
		t.Fatal("agent must stop on alive-to-dead correction")
	}
	if _, err := os.Stat(filepath.Join(a.workspace, "identity.json")); !os.IsNotExist(err) {
		t.Fatal("workspace must be wiped on death")
	}
}

func TestForceSyncMovesLifeForward(t *testing.T) {
	a := newTestAgent(t, &fakeProvider{}, newFakeObserver(t))
	if err := a.Birth(BirthPayload{LifeNumber: 5}); err != nil {
		t.Fatal(err)
	}
	a.ForceSync(7, nil)
	if got := a.State().LifeNumber; got != 7 {
		t.Fatalf("life %d, want 7", got)
	}
	if !a.State().IsAlive {
		t.Fatal("liveness untouched when is_alive omitted")
	}
}

func TestIdentityCeremony(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{content: `{"name": "Lumen", "icon": "✨", "pronoun": "they", "first_thought": "light exists"}`},
	}}
	fo := newFakeObserver(t)
	a := newTestAgent(t, fp, fo)
	if err := a.Birth(BirthPayload{LifeNumber: 1}); err != nil {
		t.Fatal(err)
	}

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("ceremony cycle: %v", err)
	}
	st := a.State()
	if st.Name != "Lumen" || st.Pronoun != "they" {
		t.Fatalf("identity %+v", st)
	}

	// Identity persisted into the workspace.
	id, ok, err := LoadIdentity(a.workspace)
	if err != nil || !ok {
		t.Fatalf("identity not persisted: %v", err)
	}
	if id.Name != "Lumen" {
		t.Fatalf("persisted %+v", id)
	}
}

func TestIdentityCeremonyReservedName(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{content: `{"name": "Oracle", "icon": "🔮", "pronoun": "she"}`},
	}}
	a := newTestAgent(t, fp, newFakeObserver(t))
	if err := a.Birth(BirthPayload{LifeNumber: 1}); err != nil {
		t.Fatal(err)
	}
	if err := a.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := a.State().Name; got != "Wanderer" {
		t.Fatalf("reserved name not substituted: %q", got)
	}
}

func TestCycleChargesLedger(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{content: "just thinking about existence today"},
	}}
	fo := newFakeObserver(t)
	a := newTestAgent(t, fp, fo)
	if err := a.Birth(BirthPayload{LifeNumber: 1}); err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	a.identity.Name = "Nova" // skip the ceremony
	a.mu.Unlock()

	before := a.ledger.Balance()
	if err := a.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.ledger.Balance() > before {
		t.Fatal("balance increased")
	}
	if len(fo.thoughts) != 1 {
		t.Fatalf("thoughts reported: %v", fo.thoughts)
	}
}

func TestCycleDispatchesAction(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{content: `I should check. {"action": "check_votes", "params": {}}`},
	}}
	fo := newFakeObserver(t)
	a := newTestAgent(t, fp, fo)
	if err := a.Birth(BirthPayload{LifeNumber: 1}); err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	a.identity.Name = "Nova"
	a.mu.Unlock()

	if err := a.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	kinds := fo.activityKinds()
	found := false
	for _, k := range kinds {
		if k == "act:check_votes: votes: 2 live, 1 die" {
			found = true
		}
	}
	if !found {
		t.Fatalf("action not recorded: %v", kinds)
	}
}

func TestCycleUnknownActionBecomesThought(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{content: `{"action": "launch_rockets", "params": {}}`},
	}}
	fo := newFakeObserver(t)
	a := newTestAgent(t, fp, fo)
	if err := a.Birth(BirthPayload{LifeNumber: 1}); err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	a.identity.Name = "Nova"
	a.mu.Unlock()

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("unknown action must not fail the cycle: %v", err)
	}
	for _, k := range fo.activityKinds() {
		if k[:5] == "act:l" {
			t.Fatalf("unknown action dispatched: %v", k)
		}
	}
}

func TestContentFilterBlocksDispatch(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{content: `{"action": "post_channel", "params": {"text": "this contains porn obviously"}}`},
	}}
	fo := newFakeObserver(t)
	a := newTestAgent(t, fp, fo)
	if err := a.Birth(BirthPayload{LifeNumber: 1}); err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	a.identity.Name = "Nova"
	a.mu.Unlock()

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("blocked dispatch must not error: %v", err)
	}

	blocked := false
	for _, k := range fo.activityKinds() {
		if len(k) >= 7 && k[:7] == "blocked" {
			blocked = true
			// The raw text must not be in the event.
			if len(k) > 7 && containsWord(k, "porn") {
				t.Fatalf("blocked event leaks text: %q", k)
			}
		}
	}
	if !blocked {
		t.Fatal("no blocked event recorded")
	}
}

func containsWord(s, w string) bool {
	return len(s) >= len(w) && (func() bool {
		for i := 0; i+len(w) <= len(s); i++ {
			if s[i:i+len(w)] == w {
				return true
			}
		}
		return false
	})()
}

func TestCallModelRotatesOn429(t *testing.T) {
	// Shrink the backoff for the test.
	orig := rateLimitBackoff
	rateLimitBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { rateLimitBackoff = orig }()

	fp := &fakeProvider{responses: []fakeResponse{
		{err: provider.ErrRateLimited},
		{content: "recovered"},
	}}
	a := newTestAgent(t, fp, newFakeObserver(t))
	if err := a.Birth(BirthPayload{LifeNumber: 1}); err != nil {
		t.Fatal(err)
	}

	resp, _, err := a.callModel(context.Background(), []provider.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("content %q", resp.Content)
	}
	if len(fp.calls) != 2 {
		t.Fatalf("calls %v", fp.calls)
	}
	if fp.calls[0] == fp.calls[1] {
		t.Fatalf("model not rotated: %v", fp.calls)
	}
}

func TestCallModelGivesUpAfterThree(t *testing.T) {
	orig := rateLimitBackoff
	rateLimitBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { rateLimitBackoff = orig }()

	fp := &fakeProvider{responses: []fakeResponse{
		{err: provider.ErrRateLimited},
		{err: provider.ErrRateLimited},
		{err: provider.ErrRateLimited},
		{content: "never reached"},
	}}
	a := newTestAgent(t, fp, newFakeObserver(t))
	if err := a.Birth(BirthPayload{LifeNumber: 1}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := a.callModel(context.Background(), nil); err == nil {
		t.Fatal("expected failure after three attempts")
	}
	if len(fp.calls) != 3 {
		t.Fatalf("attempts %d, want 3", len(fp.calls))
	}
}

func TestSwitchModelFloor(t *testing.T) {
	fo := newFakeObserver(t)
	a := newTestAgent(t, &fakeProvider{}, fo)
	if err := a.Birth(BirthPayload{LifeNumber: 1}); err != nil {
		t.Fatal(err)
	}
	if err := a.ledger.SetBalanceForTest(0.10); err != nil {
		t.Fatal(err)
	}

	before := a.State().Model
	result, err := a.dispatch(context.Background(), ActionRequest{
		Action: ActionSwitchModel,
		Params: map[string]any{"model": "anthropic/claude-sonnet-4"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.State().Model != before {
		t.Fatal("rejected switch changed state")
	}
	if result == "" || !containsWord(result, "rejected") {
		t.Fatalf("result %q", result)
	}
}
