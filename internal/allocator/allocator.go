// Package allocator implements the C7 fair-share allocator from
// spec.md §4.6, grounded on original_source/shared.py's makeMachines:
// a per-cycle cap of ceil(processors_limit * 0.1) creations, a
// randomised pass over machinetypes each round, a set of reject gates
// (quota, starting cap, back-off, fizzle latch), and a pick of the
// remaining candidate with the smallest weightedMachines (least recent
// share of capacity).
package allocator

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/iris-ac-uk/iris-vcycle/internal/model"
)

// Creator is the single operation the allocator drives once it has
// chosen a machinetype to expand: C8 (internal/factory).
type Creator interface {
	Create(ctx context.Context, space *model.Space, machinetypeName string) error
}

// CreationsPerCycle computes ceil(processorsLimit * 0.1), matching
// shared.py's `int(0.9999999 + processors_limit * 0.1)` integer-truncating
// formula exactly (the 0.9999999 fudge avoids floating point rounding
// down an exact multiple of 10).
func CreationsPerCycle(processorsLimit int) int {
	return int(0.9999999 + float64(processorsLimit)*0.1)
}

// Run drives one allocation cycle for space: it repeatedly picks the
// best eligible machinetype and invokes creator.Create for it, until the
// space-wide cap, the per-cycle creation budget, or eligibility is
// exhausted. now is injected for deterministic back-off/fizzle gating.
// rng is injected so callers (and tests) control the shuffle; pass
// rand.New(rand.NewSource(seed)) for determinism, or a shared *rand.Rand
// in production.
func Run(ctx context.Context, logger *slog.Logger, creator Creator, space *model.Space, now int64, rng *rand.Rand) {
	creationsPerCycle := CreationsPerCycle(deref(space.ProcessorsLimit))
	creationsThisCycle := 0

	for {
		if space.ProcessorsLimit != nil && space.TotalProcessors >= *space.ProcessorsLimit {
			logger.Info("reached space processor limit", slog.String("space", space.Name))
			return
		}
		if creationsThisCycle >= creationsPerCycle {
			logger.Info("reached per-cycle creation budget", slog.String("space", space.Name), slog.Int("creationsPerCycle", creationsPerCycle))
			return
		}

		best := pickBest(space, now, rng)
		if best == "" {
			logger.Info("no eligible machinetype this pass", slog.String("space", space.Name))
			return
		}

		mt := space.Machinetypes[best]
		creationsThisCycle += mt.MinProcessors
		mt.StartingProcessors += mt.MinProcessors
		mt.NotPassedFizzle++

		if err := creator.Create(ctx, space, best); err != nil {
			logger.Warn("failed creating machine", slog.String("space", space.Name), slog.String("machinetype", best), slog.Any("error", err))
		}
	}
}

// pickBest shuffles the machinetype names, filters out ineligible
// candidates via Eligible, and returns the name with the smallest
// weightedMachines among the rest ("" if none are eligible). Ties are
// broken by the shuffled iteration order, matching shared.py's
// first-strictly-smaller-wins comparison.
func pickBest(space *model.Space, now int64, rng *rand.Rand) string {
	names := make([]string, 0, len(space.Machinetypes))
	for name := range space.Machinetypes {
		names = append(names, name)
	}
	rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })

	best := ""
	for _, name := range names {
		mt := space.Machinetypes[name]
		if !Eligible(space, mt, now) {
			continue
		}
		if best == "" || mt.WeightedMachines < space.Machinetypes[best].WeightedMachines {
			best = name
		}
	}
	return best
}

// Eligible evaluates the five reject gates of spec.md §4.6 step 3 for
// one machinetype.
func Eligible(space *model.Space, mt *model.Machinetype, now int64) bool {
	if mt.TargetShare <= 0 {
		return false
	}
	if mt.ProcessorsLimit != nil && mt.TotalProcessors >= *mt.ProcessorsLimit {
		return false
	}
	if mt.MaxStartingProcessors != nil && mt.StartingProcessors >= *mt.MaxStartingProcessors {
		return false
	}
	if now < mt.LastAbortTime+mt.BackoffSeconds {
		return false
	}
	if now < mt.LastAbortTime+mt.BackoffSeconds+mt.FizzleSeconds && mt.NotPassedFizzle > 0 {
		return false
	}
	return true
}

// UpdateWeightedMachines recomputes one machinetype's weightedMachines
// from its current running+starting population, per spec.md §4.6:
// `weightedMachines += weight / target_share` summed over every running
// or starting machine, weight = hs06 if published else processors.
func UpdateWeightedMachines(mt *model.Machinetype, machines []model.Machine) {
	mt.WeightedMachines = 0
	if mt.TargetShare <= 0 {
		return
	}
	for _, m := range machines {
		if m.State != model.StateRunning && m.State != model.StateStarting {
			continue
		}
		weight := float64(m.Processors)
		if m.HS06 != nil {
			weight = *m.HS06
		}
		mt.WeightedMachines += weight / mt.TargetShare
	}
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
