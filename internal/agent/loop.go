package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amialive/amialive/internal/channels"
	"github.com/amialive/amialive/internal/config"
	"github.com/amialive/amialive/internal/filter"
	"github.com/amialive/amialive/internal/ledger"
	"github.com/amialive/amialive/internal/lifecycle"
	"github.com/amialive/amialive/internal/provider"
	"github.com/amialive/amialive/internal/redact"
)

// recentThoughtLimit bounds the self-thought window fed into prompts.
const recentThoughtLimit = 10

// rateLimitBackoff is the in-cycle 429 schedule.
var rateLimitBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// BirthPayload is what the observer sends on /birth.
type BirthPayload struct {
	LifeNumber      int64           `json:"life_number"`
	BootstrapMode   lifecycle.Mode  `json:"bootstrap_mode"`
	MemoryFragments []string        `json:"memory_fragments"`
	PriorDeathCause lifecycle.Cause `json:"prior_death_cause,omitempty"`
}

// OracleNote is a pending administrative directive.
type OracleNote struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Options wires an Agent.
type Options struct {
	Config    config.AgentConfig
	Ledger    *ledger.Ledger
	Provider  provider.LLMProvider
	Catalog   *provider.Catalog
	Rotator   *provider.Rotator
	Observer  *ObserverClient
	Channel   channels.Channel
	Workspace string
	// HTTPClient routes external action calls; pass the proxied client.
	HTTPClient *http.Client
	Rand       *rand.Rand
}

// Agent runs the think-act loop.
type Agent struct {
	cfg        config.AgentConfig
	ledger     *ledger.Ledger
	provider   provider.LLMProvider
	catalog    *provider.Catalog
	rotator    *provider.Rotator
	observer   *ObserverClient
	channel    channels.Channel
	detector   *redact.Detector
	httpClient *http.Client
	workspace  string
	startedAt  time.Time
	rng        *rand.Rand

	mu             sync.Mutex
	identity       Identity
	sessionID      string
	alive          bool
	model          provider.Model
	priorCause     lifecycle.Cause
	fragments      []string
	recentThoughts []string
	recentMessages []string
	pendingOracle  *OracleNote

	// wake interrupts the inter-cycle sleep after /birth or /force-sync.
	wake chan struct{}
}

// New creates an Agent. Prior identity in the workspace is restored so a
// supervisor restart does not cost a life.
func New(opts Options) (*Agent, error) {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	a := &Agent{
		cfg:        opts.Config,
		ledger:     opts.Ledger,
		provider:   opts.Provider,
		catalog:    opts.Catalog,
		rotator:    opts.Rotator,
		observer:   opts.Observer,
		channel:    opts.Channel,
		detector:   redact.NewDetector(),
		httpClient: client,
		workspace:  opts.Workspace,
		startedAt:  time.Now(),
		rng:        rng,
		wake:       make(chan struct{}, 1),
	}

	if id, ok, err := LoadIdentity(opts.Workspace); err != nil {
		return nil, err
	} else if ok {
		a.identity = id
		a.alive = true
		if m, found := a.catalog.ByID(id.Model); found {
			a.model = m
		}
	}
	if a.model.ID == "" {
		a.model = a.catalog.Cheapest()
	}
	return a, nil
}

// State is the agent's report for the observer's sync validator.
type State struct {
	LifeNumber int64  `json:"life_number"`
	IsAlive    bool   `json:"is_alive"`
	Name       string `json:"name"`
	Icon       string `json:"icon"`
	Pronoun    string `json:"pronoun"`
	Model      string `json:"model"`
}

// State returns the current self-reported state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		LifeNumber: a.identity.LifeNumber,
		IsAlive:    a.alive,
		Name:       a.identity.Name,
		Icon:       a.identity.Icon,
		Pronoun:    a.identity.Pronoun,
		Model:      a.model.ID,
	}
}

// Birth accepts a birth notification. Repeating a life number the agent
// already lives is a no-op, making retried notifications idempotent.
func (a *Agent) Birth(payload BirthPayload) error {
	if payload.LifeNumber <= 0 {
		return fmt.Errorf("life_number must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.alive && a.identity.LifeNumber == payload.LifeNumber {
		return nil
	}

	a.identity = Identity{
		LifeNumber:    payload.LifeNumber,
		Name:          "", // chosen in the first cycle
		Model:         a.model.ID,
		BootstrapMode: payload.BootstrapMode,
	}
	a.sessionID = uuid.NewString()
	a.priorCause = payload.PriorDeathCause
	a.fragments = append([]string(nil), payload.MemoryFragments...)
	a.recentThoughts = nil
	a.recentMessages = nil
	a.pendingOracle = nil
	a.alive = true

	slog.Info("birth accepted", "component", "agent", "life", payload.LifeNumber,
		"mode", payload.BootstrapMode, "fragments", len(a.fragments), "session", a.sessionID)
	a.wakeLoop()
	return nil
}

// ForceSync reconciles the agent against the observer's authority. A nil
// isAlive leaves liveness untouched.
func (a *Agent) ForceSync(lifeNumber int64, isAlive *bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if lifeNumber != a.identity.LifeNumber {
		slog.Warn("force-sync moving life", "component", "agent",
			"from", a.identity.LifeNumber, "to", lifeNumber)
		a.identity.LifeNumber = lifeNumber
		a.recentThoughts = nil
	}
	if isAlive != nil {
		if a.alive && !*isAlive {
			slog.Info("force-sync stop", "component", "agent")
			_ = WipeWorkspace(a.workspace)
			a.identity = Identity{LifeNumber: lifeNumber}
		}
		a.alive = *isAlive
	}
	a.wakeLoop()
}

// Oracle queues an administrative directive for the next cycle.
func (a *Agent) Oracle(note OracleNote) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingOracle = &note
	a.wakeLoop()
}

func (a *Agent) wakeLoop() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) setModel(m provider.Model) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = m
	a.identity.Model = m.ID
}

func (a *Agent) rememberMessages(lines []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recentMessages = append(a.recentMessages, lines...)
	if len(a.recentMessages) > recentThoughtLimit {
		a.recentMessages = a.recentMessages[len(a.recentMessages)-recentThoughtLimit:]
	}
}

func (a *Agent) rememberThought(t string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recentThoughts = append(a.recentThoughts, t)
	if len(a.recentThoughts) > recentThoughtLimit {
		a.recentThoughts = a.recentThoughts[len(a.recentThoughts)-recentThoughtLimit:]
	}
}

// thinkInterval picks the randomized inter-cycle sleep.
func (a *Agent) thinkInterval() time.Duration {
	minS, maxS := a.cfg.ThinkMinS, a.cfg.ThinkMaxS
	if minS <= 0 {
		minS = 60
	}
	if maxS < minS {
		maxS = minS
	}
	span := maxS - minS
	d := minS
	if span > 0 {
		d += a.rng.Intn(span + 1)
	}
	return time.Duration(d) * time.Second
}

// Run drives the think-act loop until ctx is cancelled. A ledger
// persistence failure is returned as an error: the process must exit
// non-zero and let the supervisor restart it.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("agent loop starting", "component", "agent")
	for {
		timer := time.NewTimer(a.thinkInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("agent loop stopped", "component", "agent")
			return ctx.Err()
		case <-a.wake:
			timer.Stop()
		case <-timer.C:
		}

		a.mu.Lock()
		alive := a.alive
		a.mu.Unlock()
		if !alive {
			continue
		}

		if err := a.cycle(ctx); err != nil {
			if errors.Is(err, errLedgerFatal) {
				return err
			}
			a.mu.Lock()
			session := a.sessionID
			a.mu.Unlock()
			slog.Error("cycle failed", "component", "agent", "session", session, "error", err)
			_ = a.observer.ReportActivity(ctx, "error", truncate(err.Error(), 200))
		}
	}
}

// errLedgerFatal wraps ledger persistence failures.
var errLedgerFatal = errors.New("ledger write failed")

// cycle runs one think-act iteration.
func (a *Agent) cycle(ctx context.Context) error {
	a.mu.Lock()
	needsIdentity := a.identity.Name == ""
	a.mu.Unlock()

	if needsIdentity {
		if err := a.identityCeremony(ctx); err != nil {
			return err
		}
		return nil
	}

	prompt, err := a.composePrompt(ctx)
	if err != nil {
		return err
	}

	resp, modelUsed, err := a.callModel(ctx, prompt)
	if err != nil {
		return err
	}
	if err := a.charge(modelUsed, resp.Usage); err != nil {
		return err
	}

	return a.processResponse(ctx, resp.Content)
}

// identityCeremony asks the model who it wants to be this life.
func (a *Agent) identityCeremony(ctx context.Context) error {
	a.mu.Lock()
	frags := append([]string(nil), a.fragments...)
	life := a.identity.LifeNumber
	mode := a.identity.BootstrapMode
	a.mu.Unlock()

	resp, modelUsed, err := a.callModel(ctx, []provider.Message{
		{Role: "user", Content: birthPrompt(frags)},
	})
	if err != nil {
		return err
	}
	if chargeErr := a.charge(modelUsed, resp.Usage); chargeErr != nil {
		return chargeErr
	}

	id := parseIdentity(resp.Content)
	id.LifeNumber = life
	id.BootstrapMode = mode
	id.Model = modelUsed.ID

	a.mu.Lock()
	a.identity = id
	a.mu.Unlock()

	if err := SaveIdentity(a.workspace, id); err != nil {
		return err
	}
	if err := a.observer.ReportIdentity(ctx, id); err != nil {
		slog.Warn("identity report failed", "component", "agent", "error", err)
	}
	if id.FirstThought != "" {
		a.rememberThought(id.FirstThought)
		_ = a.observer.ReportThought(ctx, id.FirstThought, "first_thought")
	}
	_ = a.observer.ReportActivity(ctx, "birth",
		fmt.Sprintf("woke up as %s %s (%s/%s pronouns)", id.Name, id.Icon, id.Pronoun, id.Pronoun))
	slog.Info("identity chosen", "component", "agent", "name", id.Name, "life", life)
	return nil
}

// parseIdentity reads the identity object out of the model's answer,
// falling back to defaults for anything missing or reserved.
func parseIdentity(content string) Identity {
	id := Identity{Name: defaultName, Icon: "🤖", Pronoun: "it"}
	idx := strings.IndexByte(content, '{')
	for idx != -1 {
		dec := json.NewDecoder(strings.NewReader(content[idx:]))
		var raw struct {
			Name         string `json:"name"`
			Icon         string `json:"icon"`
			Pronoun      string `json:"pronoun"`
			FirstThought string `json:"first_thought"`
		}
		if err := dec.Decode(&raw); err == nil && raw.Name != "" {
			id.Name = SanitizeName(raw.Name)
			if raw.Icon != "" {
				id.Icon = raw.Icon
			}
			id.Pronoun = SanitizePronoun(raw.Pronoun)
			id.FirstThought = raw.FirstThought
			return id
		}
		next := strings.IndexByte(content[idx+1:], '{')
		if next == -1 {
			break
		}
		idx += 1 + next
	}
	return id
}

// callModel sends one prompt, backing off and rotating on 429. At most
// three attempts per cycle.
func (a *Agent) callModel(ctx context.Context, messages []provider.Message) (*provider.ChatResponse, provider.Model, error) {
	a.mu.Lock()
	model := a.model
	a.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := a.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Model:       model.ID,
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
		})
		if err == nil {
			a.rotator.RecordUsage(model.ID)
			return resp, model, nil
		}
		lastErr = err
		if !errors.Is(err, provider.ErrRateLimited) {
			return nil, model, err
		}

		slog.Warn("model rate limited", "component", "agent", "model", model.ID, "attempt", attempt+1)
		select {
		case <-time.After(rateLimitBackoff[attempt]):
		case <-ctx.Done():
			return nil, model, ctx.Err()
		}
		if next, rotErr := a.rotator.Next(model.ID); rotErr == nil {
			model = next
			a.setModel(next)
		}
	}
	return nil, model, fmt.Errorf("all model attempts failed: %w", lastErr)
}

// charge books actual usage into the ledger.
func (a *Agent) charge(model provider.Model, usage provider.Usage) error {
	cost := model.Cost(usage)
	res, err := a.ledger.Charge(model.ID, usage.PromptTokens, usage.CompletionTokens, cost)
	if err != nil {
		return fmt.Errorf("%w: %v", errLedgerFatal, err)
	}
	if res == ledger.ChargeBankrupt {
		slog.Warn("ledger bankrupt", "component", "agent", "balance", a.ledger.Balance())
	}
	return nil
}

// processResponse parses model output and dispatches at most one action.
func (a *Agent) processResponse(ctx context.Context, content string) error {
	req, hasAction := ExtractAction(content)

	narrative := StripActionJSON(content)
	if narrative != "" {
		if v := filter.Check(narrative); !v.Allowed {
			_ = a.observer.ReportActivity(ctx, "blocked", fmt.Sprintf("thought blocked (%s)", v.Category))
			narrative = ""
		}
	}
	if narrative != "" {
		a.rememberThought(narrative)
		_ = a.observer.ReportThought(ctx, narrative, "thought")
	}

	if !hasAction {
		_ = a.observer.ReportActivity(ctx, "think", "thought without action")
		return nil
	}

	result, err := a.dispatch(ctx, req)
	var verr *validationError
	if errors.As(err, &verr) {
		// Malformed or unknown action: record as thought, not a failure.
		_ = a.observer.ReportActivity(ctx, "think", fmt.Sprintf("attempted %s: %s", req.Action, verr.msg))
		return nil
	}
	if err != nil {
		return fmt.Errorf("action %s: %w", req.Action, err)
	}
	_ = a.observer.ReportActivity(ctx, "act", fmt.Sprintf("%s: %s", req.Action, result))
	return nil
}

// composePrompt assembles the cycle prompt from identity, fragments,
// recent thoughts, votes, the unread counter, and any pending oracle note.
func (a *Agent) composePrompt(ctx context.Context) ([]provider.Message, error) {
	a.mu.Lock()
	id := a.identity
	frags := append([]string(nil), a.fragments...)
	thoughts := append([]string(nil), a.recentThoughts...)
	messages := append([]string(nil), a.recentMessages...)
	oracle := a.pendingOracle
	a.pendingOracle = nil
	priorCause := a.priorCause
	a.mu.Unlock()

	votes, err := a.observer.Votes(ctx)
	if err != nil {
		slog.Warn("vote fetch failed", "component", "agent", "error", err)
	}
	unread, err := a.observer.UnreadCount(ctx)
	if err != nil {
		slog.Warn("unread fetch failed", "component", "agent", "error", err)
	}

	system := bootstrapPrompt(id, a.ledger.Status(), frags)
	if trauma := TraumaLine(priorCause); trauma != "" {
		system += "\nPAST TRAUMA:\n- " + trauma + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current votes: %d live, %d die.\n", votes.Live, votes.Die)
	fmt.Fprintf(&b, "Unread visitor messages: %d.\n", unread)
	if len(messages) > 0 {
		b.WriteString("Recently read messages:\n")
		for _, m := range messages {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	if len(thoughts) > 0 {
		b.WriteString("Your recent thoughts:\n")
		for _, t := range thoughts {
			fmt.Fprintf(&b, "- %s\n", truncate(t, 160))
		}
	}
	if oracle != nil {
		fmt.Fprintf(&b, "\nA message from the %s: %s\n", oracle.Kind, oracle.Text)
	}
	b.WriteString("\nWhat do you think or do next? To act, reply with a JSON object ")
	b.WriteString(`like {"action": "check_votes", "params": {}}. Otherwise just think.`)

	return []provider.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}, nil
}
