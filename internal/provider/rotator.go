package provider

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// historySize is how many recent usage entries are avoided before repeats.
const historySize = 10

// Rotator tracks model usage and picks replacements when a model rate
// limits or the agent asks to switch.
type Rotator struct {
	mu      sync.Mutex
	catalog *Catalog
	history []string
	rng     *rand.Rand
}

// NewRotator creates a rotator over the catalog.
func NewRotator(catalog *Catalog, rng *rand.Rand) *Rotator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Rotator{catalog: catalog, rng: rng}
}

// RecordUsage notes that a model was used.
func (r *Rotator) RecordUsage(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, modelID)
	if len(r.history) > 100 {
		r.history = r.history[len(r.history)-100:]
	}
}

func (r *Rotator) recentLocked() map[string]bool {
	recent := make(map[string]bool)
	start := len(r.history) - historySize
	if start < 0 {
		start = 0
	}
	for _, id := range r.history[start:] {
		recent[id] = true
	}
	return recent
}

// Next picks a different model from the same tier as current, avoiding
// recently used ones. Exhausted tiers fall back to any tier member.
func (r *Rotator) Next(currentID string) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tier := TierFree
	if current, ok := r.catalog.ByID(currentID); ok {
		tier = current.Tier
	}

	candidates := r.catalog.Tier(tier)
	var pool []Model
	recent := r.recentLocked()
	for _, m := range candidates {
		if m.ID != currentID && !recent[m.ID] {
			pool = append(pool, m)
		}
	}
	if len(pool) == 0 {
		for _, m := range candidates {
			if m.ID != currentID {
				pool = append(pool, m)
			}
		}
	}
	if len(pool) == 0 {
		return Model{}, fmt.Errorf("no alternative model in tier %s", tier)
	}

	pick := pool[r.rng.Intn(len(pool))]
	r.history = append(r.history, pick.ID)
	return pick, nil
}

// Switch validates an explicit model change requested by the agent. The
// balance floor stops a dying agent from burning its last cents on an
// upgrade.
func (r *Rotator) Switch(targetID string, balanceUSD, floorUSD float64) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.catalog.ByID(targetID)
	if !ok {
		return Model{}, fmt.Errorf("unknown model %q", targetID)
	}
	if !target.Free() && balanceUSD <= floorUSD {
		return Model{}, fmt.Errorf("balance $%.2f at or below switch floor $%.2f", balanceUSD, floorUSD)
	}
	r.history = append(r.history, target.ID)
	return target, nil
}

// Upgrade suggests the cheapest model one tier up, if the balance allows.
func (r *Rotator) Upgrade(currentID string, balanceUSD float64) (Model, bool) {
	current, ok := r.catalog.ByID(currentID)
	if !ok {
		return Model{}, false
	}
	rank := tierRank(current.Tier)
	if rank >= len(tierOrder)-1 {
		return Model{}, false
	}
	next := r.catalog.Tier(tierOrder[rank+1])
	if len(next) == 0 {
		return Model{}, false
	}
	cheapest := next[0]
	for _, m := range next[1:] {
		if m.InputPer1M+m.OutputPer1M < cheapest.InputPer1M+cheapest.OutputPer1M {
			cheapest = m
		}
	}
	avg := (cheapest.InputPer1M + cheapest.OutputPer1M) / 2
	if float64(2000)/1e6*avg > balanceUSD {
		return Model{}, false
	}
	return cheapest, true
}
