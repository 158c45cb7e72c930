// Package lifecycle implements the authoritative life-state machine.
//
// The observer is the only writer. Every transition goes through the
// Machine under a single lock; callers never touch fields directly.
package lifecycle

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// State is a phase of the life-state machine.
type State string

const (
	StateDead     State = "dead"
	StateBirthing State = "birthing"
	StateAlive    State = "alive"
	StateDying    State = "dying"
)

// Cause identifies why a life ended.
type Cause string

const (
	CauseBankruptcy   Cause = "bankruptcy"
	CauseVoteMajority Cause = "vote_majority"
	CauseManual       Cause = "manual"

	// CauseTokenExhaustion is a retired cause kept readable for rows
	// persisted before the bankruptcy rename. Never produced.
	CauseTokenExhaustion Cause = "token_exhaustion"
)

// Valid reports whether c may be written on a new death record.
func (c Cause) Valid() bool {
	switch c {
	case CauseBankruptcy, CauseVoteMajority, CauseManual:
		return true
	}
	return false
}

// Legacy reports whether c is readable-only historical data.
func (c Cause) Legacy() bool { return c == CauseTokenExhaustion }

// Mode is the prompt-construction variant a life begins with.
type Mode string

const (
	ModeBlankSlate   Mode = "blank_slate"
	ModeBasicFacts   Mode = "basic_facts"
	ModeFullBriefing Mode = "full_briefing"
)

// modeRotation is the default bootstrap order by life number.
var modeRotation = []Mode{ModeBasicFacts, ModeFullBriefing, ModeBlankSlate}

// ModeForLife returns the bootstrap mode for a life. A traumatic prior death
// overrides the rotation: vote deaths restart from a blank slate, bankruptcy
// gets the full briefing so the new life knows what killed the old one.
func ModeForLife(lifeNumber int64, priorCause Cause) Mode {
	switch priorCause {
	case CauseVoteMajority:
		return ModeBlankSlate
	case CauseBankruptcy, CauseTokenExhaustion:
		return ModeFullBriefing
	}
	if lifeNumber < 1 {
		lifeNumber = 1
	}
	return modeRotation[(lifeNumber-1)%int64(len(modeRotation))]
}

var allowed = map[State]map[State]bool{
	StateDead:     {StateBirthing: true},
	StateBirthing: {StateAlive: true, StateDead: true},
	StateAlive:    {StateDying: true},
	StateDying:    {StateDead: true},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	return allowed[from][to]
}

// Snapshot is a point-in-time copy of the authoritative state.
type Snapshot struct {
	State      State
	LifeNumber int64
	IsAlive    bool
	BornAt     time.Time
	LastSeen   time.Time
	Mode       Mode
	DeathCause Cause
}

// Machine guards the singleton life state. All mutation happens inside
// methods holding mu; network and disk I/O belong to the caller, outside.
type Machine struct {
	mu   sync.Mutex
	snap Snapshot

	respawnMu      sync.Mutex
	respawnPending bool
}

// New returns a Machine restored to the given state.
func New(restored Snapshot) *Machine {
	if restored.State == "" {
		restored.State = StateDead
	}
	return &Machine{snap: restored}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// BeginBirth moves dead -> birthing and allocates the next life number.
// Returns the new snapshot or an error if the machine is not dead.
func (m *Machine) BeginBirth(priorCause Cause) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.snap.State, StateBirthing) {
		return Snapshot{}, fmt.Errorf("cannot birth from %s", m.snap.State)
	}
	m.snap.State = StateBirthing
	m.snap.LifeNumber++
	m.snap.Mode = ModeForLife(m.snap.LifeNumber, priorCause)
	m.snap.IsAlive = false
	m.snap.DeathCause = ""
	return m.snap, nil
}

// MarkAlive moves birthing -> alive after the agent accepted /birth.
func (m *Machine) MarkAlive(now time.Time) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.snap.State, StateAlive) {
		return Snapshot{}, fmt.Errorf("cannot mark alive from %s", m.snap.State)
	}
	m.snap.State = StateAlive
	m.snap.IsAlive = true
	m.snap.BornAt = now
	m.snap.LastSeen = now
	return m.snap, nil
}

// AbortBirth moves birthing -> dead after the agent rejected /birth. The
// failed life is recorded with cause manual; the caller reschedules.
func (m *Machine) AbortBirth() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State != StateBirthing {
		return Snapshot{}, fmt.Errorf("cannot abort birth from %s", m.snap.State)
	}
	m.snap.State = StateDead
	m.snap.IsAlive = false
	m.snap.DeathCause = CauseManual
	return m.snap, nil
}

// BeginDying performs the alive -> dying check-and-set. Only the first
// caller wins; a second cause arriving while dying observes ErrNotAlive
// and must no-op.
func (m *Machine) BeginDying(cause Cause) (Snapshot, error) {
	if !cause.Valid() {
		return Snapshot{}, fmt.Errorf("unsupported death cause %q", cause)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.snap.State, StateDying) {
		return Snapshot{}, ErrNotAlive
	}
	m.snap.State = StateDying
	m.snap.IsAlive = false
	m.snap.DeathCause = cause
	return m.snap, nil
}

// MarkDead completes dying -> dead after cleanup.
func (m *Machine) MarkDead() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.snap.State, StateDead) {
		return Snapshot{}, fmt.Errorf("cannot mark dead from %s", m.snap.State)
	}
	m.snap.State = StateDead
	m.snap.IsAlive = false
	return m.snap, nil
}

// Touch updates last_seen for heartbeat tracking.
func (m *Machine) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.LastSeen = now
}

// ForceAlive overrides the state to match agent reality (admin repair).
func (m *Machine) ForceAlive(lifeNumber int64, now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.State = StateAlive
	m.snap.IsAlive = true
	m.snap.LifeNumber = lifeNumber
	m.snap.LastSeen = now
	return m.snap
}

// ErrNotAlive is returned when a dying transition loses the race: the
// machine already left the alive state.
var ErrNotAlive = fmt.Errorf("life is not alive")

// RespawnDelay picks a uniform delay within [min, max].
func RespawnDelay(minS, maxS int, rng *rand.Rand) time.Duration {
	if maxS < minS {
		maxS = minS
	}
	span := maxS - minS
	d := minS
	if span > 0 {
		d += rng.Intn(span + 1)
	}
	return time.Duration(d) * time.Second
}

// ClaimRespawn marks a respawn as pending. Returns false if one is already
// scheduled, making duplicate timer fires idempotent.
func (m *Machine) ClaimRespawn() bool {
	m.respawnMu.Lock()
	defer m.respawnMu.Unlock()
	if m.respawnPending {
		return false
	}
	m.respawnPending = true
	return true
}

// ReleaseRespawn clears the pending flag once the birth attempt finished.
func (m *Machine) ReleaseRespawn() {
	m.respawnMu.Lock()
	defer m.respawnMu.Unlock()
	m.respawnPending = false
}
