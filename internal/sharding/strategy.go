// Package sharding implements the placement logic that decides which
// flask receives each new target, and the HTTP distribute workers that
// tell flasks to start scraping. locateAndAssignDistribution is pure; it
// never touches the network or the Repository's writer loop, only the
// immutable Snapshot it is given.
package sharding

import (
	"math/rand"
	"sort"

	"github.com/chemist-sh/chemist/internal/model"
	"github.com/chemist-sh/chemist/internal/repository"
)

// Strategy chooses a flask for each unassigned target.
type Strategy interface {
	// Place returns the delta (one entry per affected flask) that would
	// result from assigning every target in newTargets to some Active
	// flask in snap. An empty Active set yields an empty delta.
	Place(newTargets []model.Target, snap *repository.Snapshot) map[model.FlaskId][]model.Target
}

// RandomStrategy assigns each target to a uniformly random Active flask.
// Seedable so placement is reproducible in tests.
type RandomStrategy struct {
	rng *rand.Rand
}

// NewRandomStrategy builds a RandomStrategy seeded with seed.
func NewRandomStrategy(seed int64) *RandomStrategy {
	return &RandomStrategy{rng: rand.New(rand.NewSource(seed))}
}

// Place implements Strategy.
func (s *RandomStrategy) Place(newTargets []model.Target, snap *repository.Snapshot) map[model.FlaskId][]model.Target {
	active := sortedActiveIDs(snap)
	delta := make(map[model.FlaskId][]model.Target)
	if len(active) == 0 {
		return delta
	}
	for _, t := range newTargets {
		if _, already := snap.TargetOwner[t.ID]; already {
			continue // already assigned: no-op per spec edge case.
		}
		pick := active[s.rng.Intn(len(active))]
		delta[pick] = append(delta[pick], t)
	}
	return delta
}

// LeastLoadedStrategy assigns each target to the Active flask with the
// fewest targets, counting targets already routed to it earlier in the
// same call. Ties break on ascending flask id for determinism.
type LeastLoadedStrategy struct{}

// NewLeastLoadedStrategy builds a LeastLoadedStrategy.
func NewLeastLoadedStrategy() *LeastLoadedStrategy { return &LeastLoadedStrategy{} }

// Place implements Strategy.
func (s *LeastLoadedStrategy) Place(newTargets []model.Target, snap *repository.Snapshot) map[model.FlaskId][]model.Target {
	active := sortedActiveIDs(snap)
	delta := make(map[model.FlaskId][]model.Target)
	if len(active) == 0 {
		return delta
	}

	load := make(map[model.FlaskId]int, len(active))
	for _, id := range active {
		load[id] = len(snap.Assignments[id])
	}

	for _, t := range newTargets {
		if _, already := snap.TargetOwner[t.ID]; already {
			continue
		}
		pick := active[0]
		for _, id := range active {
			if load[id] < load[pick] {
				pick = id
			}
		}
		delta[pick] = append(delta[pick], t)
		load[pick]++
	}
	return delta
}

func sortedActiveIDs(snap *repository.Snapshot) []model.FlaskId {
	active := snap.ActiveFlasks()
	ids := make([]model.FlaskId, 0, len(active))
	for _, f := range active {
		ids = append(ids, f.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LocateAndAssignDistribution chooses a flask for every target in
// newTargets per strategy and returns the resulting delta.
func LocateAndAssignDistribution(strategy Strategy, newTargets []model.Target, snap *repository.Snapshot) map[model.FlaskId][]model.Target {
	return strategy.Place(newTargets, snap)
}
