package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/amialive/amialive/internal/lifecycle"
	"github.com/amialive/amialive/internal/voting"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "observer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	snap, err := s.RestoreState()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if snap.LifeNumber != 0 || snap.IsAlive {
		t.Fatalf("fresh state should be dead life 0, got %+v", snap)
	}

	born := time.Now().UTC().Truncate(time.Second)
	want := lifecycle.Snapshot{
		State:      lifecycle.StateAlive,
		LifeNumber: 3,
		IsAlive:    true,
		BornAt:     born,
		LastSeen:   born,
		Mode:       lifecycle.ModeBlankSlate,
	}
	if err := s.SaveState(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.RestoreState()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got.LifeNumber != 3 || !got.IsAlive || got.Mode != lifecycle.ModeBlankSlate {
		t.Fatalf("restored %+v", got)
	}
	if !got.BornAt.Equal(born) {
		t.Fatalf("born_at %v, want %v", got.BornAt, born)
	}
}

func TestLifeRecords(t *testing.T) {
	s := newTestStore(t)
	born := time.Now().UTC().Truncate(time.Second)

	life := Life{LifeNumber: 1, BornAt: born, BootstrapMode: lifecycle.ModeBasicFacts, Model: "m"}
	if err := s.RecordBirth(life); err != nil {
		t.Fatal(err)
	}
	// Repeated birth for the same life is a no-op.
	if err := s.RecordBirth(life); err != nil {
		t.Fatalf("duplicate birth should be ignored: %v", err)
	}

	if err := s.UpdateIdentity(1, "Nova", "✨", "they", "m2"); err != nil {
		t.Fatal(err)
	}

	died := born.Add(90 * time.Minute)
	if err := s.RecordDeath(1, lifecycle.CauseVoteMajority, "it was brief", died); err != nil {
		t.Fatal(err)
	}

	lives, err := s.LifeHistory(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(lives) != 1 {
		t.Fatalf("expected 1 life, got %d", len(lives))
	}
	l := lives[0]
	if l.Name != "Nova" || l.DeathCause != lifecycle.CauseVoteMajority {
		t.Fatalf("life %+v", l)
	}
	if l.DiedAt == nil || l.DiedAt.Before(l.BornAt) {
		t.Fatalf("died_at must be set and >= born_at: %+v", l)
	}
	if l.DurationSeconds != 5400 {
		t.Fatalf("duration %d, want 5400", l.DurationSeconds)
	}

	count, err := s.DeathCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("death count %d", count)
	}

	cause, err := s.PreviousDeathCause()
	if err != nil {
		t.Fatal(err)
	}
	if cause != lifecycle.CauseVoteMajority {
		t.Fatalf("previous cause %s", cause)
	}
}

func TestRecordDeathRejectsLegacyCause(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordBirth(Life{LifeNumber: 1, BornAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDeath(1, lifecycle.CauseTokenExhaustion, "", time.Now()); err == nil {
		t.Fatal("legacy cause must be rejected on write")
	}
}

func TestLegacyCauseReadable(t *testing.T) {
	s := newTestStore(t)
	// A row persisted by the old system with the retired cause.
	if _, err := s.db.Exec(`
		INSERT INTO lives (life_number, born_at, died_at, death_cause)
		VALUES (1, ?, ?, 'token_exhaustion')`,
		time.Now().UTC(), time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	lives, err := s.LifeHistory(10)
	if err != nil {
		t.Fatal(err)
	}
	if lives[0].DeathCause != lifecycle.CauseTokenExhaustion {
		t.Fatalf("legacy cause unreadable: %+v", lives[0])
	}
}

func TestVoteRoundFlow(t *testing.T) {
	s := newTestStore(t)
	policy := voting.Policy{MinVotesForDeath: 3, Window: time.Hour, Cooldown: time.Hour}
	now := time.Now().UTC().Truncate(time.Second)

	r, err := s.OpenRound(policy.NewRound(1, now))
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == 0 {
		t.Fatal("round id not assigned")
	}

	live, die, err := s.CastVote(r.ID, "fp-a", voting.ChoiceLive, now)
	if err != nil {
		t.Fatal(err)
	}
	if live != 1 || die != 0 {
		t.Fatalf("counts %d/%d", live, die)
	}

	// Duplicate from the same fingerprint in the same round.
	if _, _, err := s.CastVote(r.ID, "fp-a", voting.ChoiceDie, now.Add(time.Minute)); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}

	_, die, err = s.CastVote(r.ID, "fp-b", voting.ChoiceDie, now)
	if err != nil {
		t.Fatal(err)
	}
	if die != 1 {
		t.Fatalf("die count %d", die)
	}

	current, ok, err := s.CurrentRound()
	if err != nil || !ok {
		t.Fatalf("current round: %v ok=%v", err, ok)
	}
	if current.Live != 1 || current.Die != 1 {
		t.Fatalf("persisted counters %d/%d", current.Live, current.Die)
	}

	last, err := s.LastAcceptedVote("fp-a")
	if err != nil {
		t.Fatal(err)
	}
	if !last.Equal(now) {
		t.Fatalf("last vote %v, want %v", last, now)
	}

	if err := s.CloseRound(r.ID, voting.RoundClosedSurvived); err != nil {
		t.Fatal(err)
	}
	if _, ok, err = s.CurrentRound(); err != nil || ok {
		t.Fatalf("round still open after close: ok=%v err=%v", ok, err)
	}
}

func TestAdjustVotes(t *testing.T) {
	s := newTestStore(t)
	if err := s.AdjustVotes(1, 2); err == nil {
		t.Fatal("adjust with no open round must fail")
	}
	policy := voting.Policy{MinVotesForDeath: 3, Window: time.Hour}
	if _, err := s.OpenRound(policy.NewRound(1, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.AdjustVotes(-1, 0); err == nil {
		t.Fatal("negative counts must be rejected")
	}
	if err := s.AdjustVotes(5, 2); err != nil {
		t.Fatal(err)
	}
	r, ok, err := s.CurrentRound()
	if err != nil || !ok {
		t.Fatal(err)
	}
	if r.Live != 5 || r.Die != 2 {
		t.Fatalf("counters %d/%d", r.Live, r.Die)
	}
}

func TestActivityMonotonic(t *testing.T) {
	s := newTestStore(t)
	var prev int64
	for i := 0; i < 5; i++ {
		id, err := s.AppendActivity(1, "think", "pondering", true)
		if err != nil {
			t.Fatal(err)
		}
		if id <= prev {
			t.Fatalf("ids not monotonic: %d after %d", id, prev)
		}
		prev = id
	}
	if _, err := s.AppendActivity(1, "secret", "hidden", false); err != nil {
		t.Fatal(err)
	}

	acts, err := s.RecentActivity(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 5 {
		t.Fatalf("expected 5 public events, got %d", len(acts))
	}
	for _, a := range acts {
		if a.Kind == "secret" {
			t.Fatal("private event leaked")
		}
	}
}

func TestThoughts(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.RecordThought(1, "an early thought about existence", "thought"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordThought(2, "a current thought", "thought"); err != nil {
		t.Fatal(err)
	}

	past, err := s.ThoughtsBefore(2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(past) != 3 {
		t.Fatalf("expected 3 past thoughts, got %d", len(past))
	}

	recent, err := s.RecentThoughts(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0] != "a current thought" {
		t.Fatalf("recent thoughts %v", recent)
	}
}

func TestBlogPosts(t *testing.T) {
	s := newTestStore(t)
	post, err := s.CreateBlogPost(1, "On Being Alive", "Some content about existing.", []string{"life"})
	if err != nil {
		t.Fatal(err)
	}
	if post.Slug != "life-1-on-being-alive" {
		t.Fatalf("slug %q", post.Slug)
	}
	if _, err := s.CreateBlogPost(1, "On Being Alive", "Duplicate title.", nil); err == nil {
		t.Fatal("duplicate slug must fail")
	}
	if _, err := s.CreateBlogPost(1, "", "body", nil); err == nil {
		t.Fatal("empty title must fail")
	}

	posts, err := s.BlogPosts(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 1 || posts[0].Tags[0] != "life" {
		t.Fatalf("posts %+v", posts)
	}
}

func TestOracleMessages(t *testing.T) {
	s := newTestStore(t)
	id, err := s.SubmitOracleMessage("whisper", "be kind to the voters")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SubmitOracleMessage("thunder", "boom"); err == nil {
		t.Fatal("unknown kind must fail")
	}
	if err := s.AcknowledgeOracle(id); err != nil {
		t.Fatal(err)
	}
}

func TestVisitorInbox(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.SubmitVisitorMessage("Ada", "hello little machine", "hash-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SubmitVisitorMessage("Grace", "keep going", "hash-b"); err != nil {
		t.Fatal(err)
	}

	count, err := s.UnreadMessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("unread %d", count)
	}

	msgs, err := s.UnreadMessages(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].FromName != "Ada" {
		t.Fatalf("messages %+v", msgs)
	}

	if err := s.MarkMessagesRead([]int64{msgs[0].ID}); err != nil {
		t.Fatal(err)
	}
	count, _ = s.UnreadMessageCount()
	if count != 1 {
		t.Fatalf("unread after mark %d", count)
	}

	last, err := s.LastMessageAt("hash-a")
	if err != nil {
		t.Fatal(err)
	}
	if last.IsZero() {
		t.Fatal("expected last message time")
	}
	if last, _ := s.LastMessageAt("hash-z"); !last.IsZero() {
		t.Fatal("unknown hash should have zero time")
	}
}

func TestVisitorTracking(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.TrackVisitor("hash-a"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.TrackVisitor("hash-b"); err != nil {
		t.Fatal(err)
	}
	n, err := s.VisitorCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("visitor count %d", n)
	}
}

func TestMaxLifeNumber(t *testing.T) {
	s := newTestStore(t)
	n, err := s.MaxLifeNumber()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("fresh max %d", n)
	}
	for i := int64(1); i <= 4; i++ {
		if err := s.RecordBirth(Life{LifeNumber: i, BornAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	n, _ = s.MaxLifeNumber()
	if n != 4 {
		t.Fatalf("max %d", n)
	}
}
