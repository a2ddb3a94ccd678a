// Package takeover implements the C9 peer-takeover protocol from
// spec.md §4.8, grounded on original_source/shared.py's takeMachines: a
// manager attempts to claim any machine it does not currently manage
// once that machine's manager_heartbeat has gone stale for long enough,
// jittered so that several live managers racing for the same abandoned
// fleet spread their claims out instead of colliding every cycle.
package takeover

import (
	"log/slog"
	"math/rand"

	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

// TakeSeconds is the base abandonment threshold (spec.md §4.8): a
// machine is eligible for takeover once its manager_heartbeat is older
// than TakeSeconds * (1 + rand[0,1)).
const TakeSeconds = 3600

// Run attempts to take ownership of every machine in machines that this
// manager does not currently manage and whose heartbeat has gone stale,
// per spec.md §4.8. now and rng are injected for deterministic tests.
// The store write races with every other manager running the same
// logic; losing that race is expected and silently accepted (spec.md:
// "The operation is advisory; a lost race is silently accepted").
func Run(logger *slog.Logger, st *store.Store, space string, hostname string, machines map[string]model.Machine, now int64, rng *rand.Rand) {
	for name, machine := range machines {
		if machine.ManagedHere {
			// This manager already owns it; nothing to do (ownership-skip,
			// same idiom as a VM reconciler ignoring servers it doesn't own).
			continue
		}

		if !Eligible(machine, now, rng) {
			continue
		}

		logger.Info("taking abandoned machine",
			slog.String("space", space),
			slog.String("machine", name),
			slog.String("previous_manager", machine.Manager),
		)

		if err := st.PutString(space, name, "manager", hostname); err != nil {
			logger.Warn("failed to take machine, leaving for another manager or a later cycle",
				slog.String("machine", name), slog.Any("error", err))
			continue
		}

		// Once the manager field is claimed, refresh the heartbeat
		// immediately so a competing manager's next cycle sees it as live
		// and does not also attempt a take.
		if err := st.PutInt64(space, name, "manager_heartbeat", now); err != nil {
			logger.Warn("took machine but failed to refresh heartbeat",
				slog.String("machine", name), slog.Any("error", err))
			continue
		}

		logger.Info("took machine", slog.String("space", space), slog.String("machine", name))
	}
}

// Eligible reports whether machine has gone stale enough to attempt a
// takeover: manager_heartbeat < now - TakeSeconds*(1+rand[0,1)). Machines
// already managed here are never eligible (ownership exclusivity,
// spec.md §8).
func Eligible(machine model.Machine, now int64, rng *rand.Rand) bool {
	if machine.ManagedHere {
		return false
	}
	jitter := 1.0 + rng.Float64()
	threshold := now - int64(TakeSeconds*jitter)
	return machine.ManagerHeartbeatTime < threshold
}
