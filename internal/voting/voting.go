// Package voting implements vote round adjudication, voter fingerprints,
// and the submission rate limit.
package voting

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Choice is a vote direction.
type Choice string

const (
	ChoiceLive Choice = "live"
	ChoiceDie  Choice = "die"
)

// ParseChoice validates a raw choice string.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceLive, ChoiceDie:
		return Choice(s), nil
	}
	return "", fmt.Errorf("vote must be 'live' or 'die'")
}

// RoundStatus is the state of a vote round.
type RoundStatus string

const (
	RoundOpen           RoundStatus = "open"
	RoundClosedSurvived RoundStatus = "closed_survived"
	RoundClosedDied     RoundStatus = "closed_died"
)

// Round is one live/die tally bound to a single life.
type Round struct {
	ID         int64
	LifeNumber int64
	OpenedAt   time.Time
	ClosesAt   time.Time
	Live       int
	Die        int
	Status     RoundStatus
}

// Total returns the combined vote count.
func (r Round) Total() int { return r.Live + r.Die }

// Due reports whether the round should be closed.
func (r Round) Due(now time.Time) bool {
	return r.Status == RoundOpen && !now.Before(r.ClosesAt)
}

// Verdict is the outcome of adjudicating a closed round.
type Verdict struct {
	Status RoundStatus
	Live   int
	Die    int
}

// Died reports whether the verdict ends the life.
func (v Verdict) Died() bool { return v.Status == RoundClosedDied }

// Policy carries the adjudication thresholds.
type Policy struct {
	// MinVotesForDeath is the minimum total before death is possible.
	MinVotesForDeath int
	// Window is the round duration.
	Window time.Duration
	// Cooldown is the minimum gap between accepted votes per fingerprint,
	// across rounds.
	Cooldown time.Duration
}

// Adjudicate applies the decision rule at close:
// death requires total >= MinVotesForDeath AND die strictly greater than
// live. Ties survive.
func (p Policy) Adjudicate(r Round) Verdict {
	v := Verdict{Live: r.Live, Die: r.Die, Status: RoundClosedSurvived}
	if r.Total() >= p.MinVotesForDeath && r.Die > r.Live {
		v.Status = RoundClosedDied
	}
	return v
}

// NewRound opens a round for a life starting now.
func (p Policy) NewRound(lifeNumber int64, now time.Time) Round {
	return Round{
		LifeNumber: lifeNumber,
		OpenedAt:   now,
		ClosesAt:   now.Add(p.Window),
		Status:     RoundOpen,
	}
}

// CooldownRemaining returns how long a fingerprint must still wait given
// its last accepted vote. Zero means it may vote now.
func (p Policy) CooldownRemaining(lastAccepted, now time.Time) time.Duration {
	if lastAccepted.IsZero() {
		return 0
	}
	wait := p.Cooldown - now.Sub(lastAccepted)
	if wait < 0 {
		return 0
	}
	return wait
}

// Fingerprint derives the anonymous voter identity from the client address.
// The salt keeps raw addresses out of the database; truncation keeps the
// column short while preserving uniqueness for this population.
func Fingerprint(salt, clientIP string) string {
	sum := sha256.Sum256([]byte(salt + "|" + clientIP))
	return hex.EncodeToString(sum[:])[:16]
}
