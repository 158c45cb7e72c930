package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/amialive/amialive/internal/agent"
	"github.com/amialive/amialive/internal/config"
	"github.com/amialive/amialive/internal/feed"
	"github.com/amialive/amialive/internal/fragments"
	"github.com/amialive/amialive/internal/lifecycle"
	"github.com/amialive/amialive/internal/store"
	"github.com/amialive/amialive/internal/voting"
)

// ActivityMirror receives every public activity event (e.g. the Kafka
// mirror). Optional.
type ActivityMirror interface {
	Publish(ctx context.Context, e feed.Event) error
}

// agentKinds are the activity kinds the agent may report over the
// internal API. Anything else is rejected as validation error.
var agentKinds = map[string]bool{
	"think":   true,
	"act":     true,
	"error":   true,
	"blocked": true,
	"birth":   true,
	"oracle":  true,
}

// VoteOutcome is the public result of a vote submission.
type VoteOutcome struct {
	OK                bool   `json:"ok"`
	ErrorKind         string `json:"error,omitempty"` // cooldown | duplicate | dead
	CooldownRemaining int    `json:"cooldown_remaining_s,omitempty"`
	Live              int    `json:"live,omitempty"`
	Die               int    `json:"die,omitempty"`
}

// Service coordinates the life-state machine, the store, the feed, and
// the agent. It is the only writer of life state.
type Service struct {
	cfg     *config.Config
	store   *store.Store
	machine *lifecycle.Machine
	feed    *feed.Feed
	frags   *fragments.Generator
	agent   *AgentClient
	policy  voting.Policy
	rng     *rand.Rand
	mirror  ActivityMirror

	// respawnDelay is swappable for tests.
	respawnDelay func() time.Duration
}

// NewService wires the observer core. The machine restores from the store
// so restarts keep the authoritative life number.
func NewService(cfg *config.Config, st *store.Store, fd *feed.Feed, ac *AgentClient, mirror ActivityMirror) (*Service, error) {
	snap, err := st.RestoreState()
	if err != nil {
		return nil, err
	}
	// The lives table is the ground truth for allocation; current_state
	// may lag it after a crash mid-birth.
	if maxLife, err := st.MaxLifeNumber(); err != nil {
		return nil, err
	} else if maxLife > snap.LifeNumber {
		snap.LifeNumber = maxLife
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &Service{
		cfg:     cfg,
		store:   st,
		machine: lifecycle.New(snap),
		feed:    fd,
		frags:   fragments.NewGenerator(cfg.Paths.Memories, rng),
		agent:   ac,
		policy: voting.Policy{
			MinVotesForDeath: cfg.Voting.MinVotesDeath,
			Window:           cfg.Voting.Window(),
			Cooldown:         cfg.Voting.Cooldown(),
		},
		rng:    rng,
		mirror: mirror,
	}
	s.respawnDelay = func() time.Duration {
		return lifecycle.RespawnDelay(cfg.Observer.RespawnDelayMinS, cfg.Observer.RespawnDelayMaxS, s.rng)
	}
	return s, nil
}

// Snapshot exposes the authoritative state.
func (s *Service) Snapshot() lifecycle.Snapshot { return s.machine.Snapshot() }

// LogActivity appends an event, fans it out, and mirrors it.
func (s *Service) LogActivity(ctx context.Context, kind, payload string, public bool) {
	snap := s.machine.Snapshot()
	id, err := s.store.AppendActivity(snap.LifeNumber, kind, payload, public)
	if err != nil {
		slog.Error("activity append failed", "component", "observer", "kind", kind, "error", err)
		return
	}
	if !public {
		return
	}
	e := feed.Event{
		ID:         id,
		LifeNumber: snap.LifeNumber,
		Kind:       kind,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
	s.feed.Publish(e)
	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, e); err != nil {
			slog.Warn("activity mirror failed", "component", "observer", "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Death
// ---------------------------------------------------------------------------

// BeginDeath drives alive -> dying -> dead. The check-and-set inside the
// machine makes concurrent causes race safely: the loser no-ops.
func (s *Service) BeginDeath(ctx context.Context, cause lifecycle.Cause, note string) error {
	snap, err := s.machine.BeginDying(cause)
	if errors.Is(err, lifecycle.ErrNotAlive) {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("life dying", "component", "observer", "life", snap.LifeNumber, "cause", cause)

	// The round for a vote death was already closed by the watcher; any
	// other cause closes it without a verdict against the agent.
	if cause != lifecycle.CauseVoteMajority {
		if err := s.store.CloseOpenRounds(voting.RoundClosedSurvived); err != nil {
			slog.Error("round close failed", "component", "observer", "error", err)
		}
	}

	summary := s.lifeSummary()
	if err := s.store.RecordDeath(snap.LifeNumber, cause, summary, time.Now().UTC()); err != nil {
		slog.Error("death record failed", "component", "observer", "error", err)
	}
	if err := s.store.SaveState(snap); err != nil {
		slog.Error("state save failed", "component", "observer", "error", err)
	}

	// Tell the agent it is dead; unreachable is fine, the sync validator
	// will repeat the correction.
	dead := false
	if err := s.agent.ForceSync(ctx, snap.LifeNumber, &dead); err != nil {
		slog.Warn("death sync failed", "component", "observer", "error", err)
	}
	if err := agent.WipeWorkspace(s.cfg.Paths.Workspace); err != nil {
		slog.Warn("workspace wipe failed", "component", "observer", "error", err)
	}

	if _, err := s.machine.MarkDead(); err != nil {
		return err
	}
	detail := string(cause)
	if note != "" {
		detail += ": " + note
	}
	s.LogActivity(ctx, "death", detail, true)
	s.ScheduleRespawn(ctx)
	return nil
}

// lifeSummary condenses the closing life's last thoughts.
func (s *Service) lifeSummary() string {
	thoughts, err := s.store.RecentThoughts(5)
	if err != nil || len(thoughts) == 0 {
		return "No thoughts recorded"
	}
	for i, t := range thoughts {
		if len(t) > 50 {
			thoughts[i] = t[:50]
		}
	}
	return strings.Join(thoughts, "; ")
}

// ---------------------------------------------------------------------------
// Respawn
// ---------------------------------------------------------------------------

// ScheduleRespawn arms the single-shot respawn timer. Duplicate calls
// while one is pending are no-ops.
func (s *Service) ScheduleRespawn(ctx context.Context) {
	if !s.machine.ClaimRespawn() {
		slog.Debug("respawn already pending", "component", "observer")
		return
	}
	delay := s.respawnDelay()
	slog.Info("respawn scheduled", "component", "observer", "delay", delay)
	s.LogActivity(ctx, "act", fmt.Sprintf("respawn in %s", delay), true)

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.machine.ReleaseRespawn()
			return
		}
		s.respawn(ctx)
	}()
}

// respawn births the next life. Called only from the armed timer. The
// claim is released before any reschedule so the new timer can arm.
func (s *Service) respawn(ctx context.Context) {
	ok := s.birthAttempt(ctx)
	s.machine.ReleaseRespawn()
	if !ok {
		s.ScheduleRespawn(ctx)
	}
}

// birthAttempt performs one birth. Returns false when the attempt failed
// and a reschedule is needed.
func (s *Service) birthAttempt(ctx context.Context) bool {
	priorCause, err := s.store.PreviousDeathCause()
	if err != nil {
		slog.Warn("prior cause lookup failed", "component", "observer", "error", err)
	}

	snap, err := s.machine.BeginBirth(priorCause)
	if err != nil {
		slog.Warn("birth skipped", "component", "observer", "error", err)
		return true
	}

	thoughts, err := s.store.ThoughtsBefore(snap.LifeNumber, 20)
	if err != nil {
		slog.Warn("thought fetch failed", "component", "observer", "error", err)
	}
	var frags []string
	if snap.LifeNumber > 1 {
		frags, err = s.frags.Generate(snap.LifeNumber, thoughts)
		if err != nil {
			slog.Warn("fragment generation failed", "component", "observer", "error", err)
		}
	}

	payload := agent.BirthPayload{
		LifeNumber:      snap.LifeNumber,
		BootstrapMode:   snap.Mode,
		MemoryFragments: frags,
		PriorDeathCause: priorCause,
	}

	if err := s.agent.Birth(ctx, payload); err != nil {
		slog.Error("birth failed", "component", "observer", "life", snap.LifeNumber, "error", err)
		s.abortBirth(ctx, snap, err)
		return false
	}

	now := time.Now().UTC()
	alive, err := s.machine.MarkAlive(now)
	if err != nil {
		slog.Error("mark alive failed", "component", "observer", "error", err)
		return true
	}
	if err := s.store.RecordBirth(store.Life{
		LifeNumber:    alive.LifeNumber,
		BornAt:        now,
		BootstrapMode: alive.Mode,
	}); err != nil {
		slog.Error("birth record failed", "component", "observer", "error", err)
	}
	if err := s.store.SaveState(alive); err != nil {
		slog.Error("state save failed", "component", "observer", "error", err)
	}
	if _, err := s.store.OpenRound(s.policy.NewRound(alive.LifeNumber, now)); err != nil {
		slog.Error("round open failed", "component", "observer", "error", err)
	}
	s.LogActivity(ctx, "birth", fmt.Sprintf("a new life begins (life %d, %s)", alive.LifeNumber, alive.Mode), true)
	slog.Info("life born", "component", "observer", "life", alive.LifeNumber, "mode", alive.Mode)
	return true
}

// abortBirth records the stillbirth; the caller rearms the timer.
func (s *Service) abortBirth(ctx context.Context, snap lifecycle.Snapshot, cause error) {
	dead, err := s.machine.AbortBirth()
	if err != nil {
		slog.Error("abort birth failed", "component", "observer", "error", err)
		return
	}
	now := time.Now().UTC()
	if err := s.store.RecordBirth(store.Life{LifeNumber: dead.LifeNumber, BornAt: now, BootstrapMode: dead.Mode}); err != nil {
		slog.Error("stillbirth record failed", "component", "observer", "error", err)
	}
	if err := s.store.RecordDeath(dead.LifeNumber, lifecycle.CauseManual, "birth notification failed: "+cause.Error(), now); err != nil {
		slog.Error("stillbirth death record failed", "component", "observer", "error", err)
	}
	if err := s.store.SaveState(dead); err != nil {
		slog.Error("state save failed", "component", "observer", "error", err)
	}
	s.LogActivity(ctx, "error", "birth notification failed", true)
}

// ForceRespawn births immediately (admin). Fails if still alive.
func (s *Service) ForceRespawn(ctx context.Context) error {
	if s.machine.Snapshot().IsAlive {
		return fmt.Errorf("life is still alive")
	}
	if !s.machine.ClaimRespawn() {
		return fmt.Errorf("respawn already pending")
	}
	go s.respawn(ctx)
	return nil
}

// ForceAlive repairs the observer's view from agent reality (admin).
func (s *Service) ForceAlive(ctx context.Context) (int64, error) {
	st, err := s.agent.State(ctx)
	if err != nil {
		return 0, fmt.Errorf("agent unreachable: %w", err)
	}
	if st.LifeNumber == 0 {
		return 0, fmt.Errorf("agent reports no life")
	}
	snap := s.machine.ForceAlive(st.LifeNumber, time.Now().UTC())
	if err := s.store.SaveState(snap); err != nil {
		return 0, err
	}
	s.LogActivity(ctx, "act", fmt.Sprintf("force-alive repair to life %d", st.LifeNumber), true)
	return st.LifeNumber, nil
}

// Kill ends the current life manually (admin).
func (s *Service) Kill(ctx context.Context, note string) error {
	if !s.machine.Snapshot().IsAlive {
		return fmt.Errorf("life is already dead")
	}
	return s.BeginDeath(ctx, lifecycle.CauseManual, note)
}

// ---------------------------------------------------------------------------
// Voting
// ---------------------------------------------------------------------------

// CastVote applies the submission rules in order: dead-state lock,
// per-round uniqueness, hourly cooldown, then the insert.
func (s *Service) CastVote(ctx context.Context, clientIP string, choice voting.Choice) (VoteOutcome, error) {
	if !s.machine.Snapshot().IsAlive {
		return VoteOutcome{ErrorKind: "dead"}, nil
	}

	fp := voting.Fingerprint(s.cfg.Voting.IPSalt, clientIP)

	round, ok, err := s.store.CurrentRound()
	if err != nil {
		return VoteOutcome{}, err
	}
	if !ok {
		return VoteOutcome{ErrorKind: "dead"}, nil
	}

	voted, err := s.store.HasVoted(round.ID, fp)
	if err != nil {
		return VoteOutcome{}, err
	}
	if voted {
		return VoteOutcome{ErrorKind: "duplicate"}, nil
	}

	last, err := s.store.LastAcceptedVote(fp)
	if err != nil {
		return VoteOutcome{}, err
	}
	if remaining := s.policy.CooldownRemaining(last, time.Now()); remaining > 0 {
		return VoteOutcome{ErrorKind: "cooldown", CooldownRemaining: int(remaining.Seconds())}, nil
	}

	live, die, err := s.store.CastVote(round.ID, fp, choice, time.Now())
	if errors.Is(err, store.ErrDuplicateVote) {
		// Lost the race to a concurrent submission from the same voter.
		return VoteOutcome{ErrorKind: "duplicate"}, nil
	}
	if err != nil {
		return VoteOutcome{}, err
	}

	s.LogActivity(ctx, "act", fmt.Sprintf("a visitor voted to %s", choice), true)
	return VoteOutcome{OK: true, Live: live, Die: die}, nil
}

// VoteCounts returns the open round's tally.
func (s *Service) VoteCounts() (live, die int, err error) {
	round, ok, err := s.store.CurrentRound()
	if err != nil || !ok {
		return 0, 0, err
	}
	return round.Live, round.Die, nil
}

// CloseDueRounds is one watcher tick: close any round past closes_at and
// adjudicate it.
func (s *Service) CloseDueRounds(ctx context.Context, now time.Time) error {
	round, ok, err := s.store.CurrentRound()
	if err != nil || !ok {
		return err
	}
	if !round.Due(now) {
		return nil
	}

	verdict := s.policy.Adjudicate(round)
	if err := s.store.CloseRound(round.ID, verdict.Status); err != nil {
		return err
	}
	s.LogActivity(ctx, "vote_window_close",
		fmt.Sprintf("round closed: %d live, %d die", verdict.Live, verdict.Die), true)

	if verdict.Died() {
		return s.BeginDeath(ctx, lifecycle.CauseVoteMajority,
			fmt.Sprintf("%d die vs %d live", verdict.Die, verdict.Live))
	}

	// Survival: a fresh round for the same life.
	snap := s.machine.Snapshot()
	if snap.IsAlive {
		if _, err := s.store.OpenRound(s.policy.NewRound(snap.LifeNumber, now)); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Budget
// ---------------------------------------------------------------------------

// CheckBudget is one budget poller tick. An unreachable agent never
// kills; only a reported balance at or below the threshold does.
func (s *Service) CheckBudget(ctx context.Context) error {
	if !s.machine.Snapshot().IsAlive {
		return nil
	}
	report, err := s.agent.Budget(ctx)
	if err != nil {
		slog.Warn("budget poll failed", "component", "observer", "error", err)
		return nil
	}
	if report.BalanceUSD <= 0.01 {
		slog.Info("bankruptcy detected", "component", "observer", "balance", report.BalanceUSD)
		return s.BeginDeath(ctx, lifecycle.CauseBankruptcy,
			fmt.Sprintf("$%.3f remaining", report.BalanceUSD))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sync validation
// ---------------------------------------------------------------------------

// SyncValidate is one sync validator tick, applying the reconciliation
// rules in order. Unreachability is tolerated.
func (s *Service) SyncValidate(ctx context.Context) error {
	st, err := s.agent.State(ctx)
	if err != nil {
		slog.Warn("sync fetch failed", "component", "observer", "error", err)
		return nil
	}

	snap := s.machine.Snapshot()
	s.machine.Touch(time.Now().UTC())

	if !snap.IsAlive {
		if st.IsAlive {
			// Observer's value wins: the agent must stop.
			dead := false
			if err := s.agent.ForceSync(ctx, snap.LifeNumber, &dead); err != nil {
				slog.Warn("sync correction failed", "component", "observer", "error", err)
			}
		}
		return nil
	}

	switch {
	case st.LifeNumber == 0:
		// A restarted agent with no identity: re-send the birth, not a
		// desync.
		frags, _ := s.frags.Load(snap.LifeNumber)
		priorCause, _ := s.store.PreviousDeathCause()
		if err := s.agent.Birth(ctx, agent.BirthPayload{
			LifeNumber:      snap.LifeNumber,
			BootstrapMode:   snap.Mode,
			MemoryFragments: frags,
			PriorDeathCause: priorCause,
		}); err != nil {
			slog.Warn("rebirth notify failed", "component", "observer", "error", err)
		}
		return nil

	case st.LifeNumber != snap.LifeNumber:
		if st.LifeNumber > snap.LifeNumber {
			slog.Error("agent ahead of observer", "component", "observer",
				"agent_life", st.LifeNumber, "observer_life", snap.LifeNumber)
		} else {
			slog.Warn("desync detected", "component", "observer",
				"agent_life", st.LifeNumber, "observer_life", snap.LifeNumber)
		}
		alive := snap.IsAlive
		if err := s.agent.ForceSync(ctx, snap.LifeNumber, &alive); err != nil {
			slog.Warn("force sync failed", "component", "observer", "error", err)
			return nil
		}
		s.LogActivity(ctx, "act", "agent state force-synced", true)
		return nil

	case st.IsAlive != snap.IsAlive:
		alive := snap.IsAlive
		if err := s.agent.ForceSync(ctx, snap.LifeNumber, &alive); err != nil {
			slog.Warn("force sync failed", "component", "observer", "error", err)
		}
		return nil
	}
	return nil
}

// ---------------------------------------------------------------------------
// Oracle
// ---------------------------------------------------------------------------

// SendOracle stores and forwards an administrative directive.
func (s *Service) SendOracle(ctx context.Context, kind, text string) error {
	id, err := s.store.SubmitOracleMessage(kind, text)
	if err != nil {
		return err
	}
	if err := s.agent.Oracle(ctx, kind, text); err != nil {
		return fmt.Errorf("forward oracle: %w", err)
	}
	if err := s.store.AcknowledgeOracle(id); err != nil {
		slog.Warn("oracle ack failed", "component", "observer", "error", err)
	}
	s.LogActivity(ctx, "oracle", fmt.Sprintf("the %s spoke", kind), true)
	return nil
}

// Startup ensures a restored alive life has an open round and that a dead
// system schedules its first birth.
func (s *Service) Startup(ctx context.Context) error {
	snap := s.machine.Snapshot()
	if snap.IsAlive {
		if _, ok, err := s.store.CurrentRound(); err != nil {
			return err
		} else if !ok {
			if _, err := s.store.OpenRound(s.policy.NewRound(snap.LifeNumber, time.Now().UTC())); err != nil {
				return err
			}
		}
		return nil
	}
	s.ScheduleRespawn(ctx)
	return nil
}
