// Package deletion implements the C6 deletion policy from spec.md §4.5,
// grounded on original_source/shared.py's deleteMachines/_deleteOneMachine:
// best-effort deletion where deletedTime is stamped before the adapter
// call, and a 3600-second retry floor so a failing delete is not
// hammered every cycle.
package deletion

import (
	"context"
	"log/slog"
	"time"

	"github.com/iris-ac-uk/iris-vcycle/internal/cloud"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

// RetryFloor is the minimum interval between two delete attempts for the
// same machine (shared.py: "We never try deletions more than once every
// 60 minutes").
const RetryFloor = 3600 * time.Second

// DefaultMaxStartingSeconds is the default ceiling on how long a machine
// may remain Starting before it is presumed to have failed to boot.
const DefaultMaxStartingSeconds = 3600

// Decision is the policy's verdict for one machine: whether to delete it
// and, if so, with what shutdown message (spec.md's literal "700 ..."
// reason strings).
type Decision struct {
	Delete          bool
	ShutdownMessage string
}

// Evaluate applies the deletion rules of spec.md §4.5 to one machine, in
// priority order: starting-timeout, terminal-state reap, wallclock
// limit, heartbeat staleness, then shutdown-time. now and
// maxStartingSeconds are injected for determinism; maxStartingSeconds
// defaults to DefaultMaxStartingSeconds when 0.
func Evaluate(machine model.Machine, mt *model.Machinetype, effectiveShutdownTime *int64, now int64, maxStartingSeconds int64) Decision {
	if !machine.ManagedHere {
		return Decision{}
	}
	if machine.DeletedTime != nil && *machine.DeletedTime > now-int64(RetryFloor/time.Second) {
		return Decision{}
	}

	if maxStartingSeconds == 0 {
		maxStartingSeconds = DefaultMaxStartingSeconds
	}

	switch {
	case machine.State == model.StateStarting &&
		(machine.CreatedTime == 0 || machine.CreatedTime < now-maxStartingSeconds):
		return Decision{Delete: true, ShutdownMessage: "700 Failed to start"}

	case machine.State == model.StateFailed || machine.State == model.StateShutdown || machine.State == model.StateDeleting:
		return Decision{Delete: true}

	case machine.State == model.StateRunning && mt != nil && machine.StartedTime != nil &&
		now > *machine.StartedTime+mt.EffectiveMaxWallclockSeconds():
		return Decision{Delete: true, ShutdownMessage: "700 Exceeded max_wallclock_seconds"}

	case machine.State == model.StateRunning && mt != nil && mt.HeartbeatFile != "" && mt.HeartbeatSeconds > 0 &&
		machine.StartedTime != nil &&
		now > *machine.StartedTime+mt.FizzleSeconds &&
		now > *machine.StartedTime+mt.HeartbeatSeconds &&
		(machine.HeartbeatTime == nil || *machine.HeartbeatTime < now-mt.HeartbeatSeconds):
		return Decision{Delete: true, ShutdownMessage: "700 Heartbeat file not updated"}

	case machine.State == model.StateRunning && mt != nil &&
		effectiveShutdownTime != nil && now > *effectiveShutdownTime:
		return Decision{Delete: true, ShutdownMessage: "700 Passed shutdowntime"}

	default:
		return Decision{}
	}
}

// EffectiveShutdownTime returns the earlier of the space's shutdown_time
// and the machine's own jobfeatures/shutdowntime_job, persisting the
// space's value into the machine's job features the first time it is
// tighter, matching shared.py's updateShutdownTime. Returns nil if
// neither is set.
func EffectiveShutdownTime(st *store.Store, space string, machineName string, spaceShutdownTime *int64) (*int64, error) {
	jobValue, err := st.GetInt64(space, machineName, "jobfeatures/shutdowntime_job")
	if err != nil {
		return nil, err
	}

	if spaceShutdownTime != nil && (jobValue == nil || *jobValue > *spaceShutdownTime) {
		if err := st.PutInt64(space, machineName, "jobfeatures/shutdowntime_job", *spaceShutdownTime); err != nil {
			return nil, err
		}
		return spaceShutdownTime, nil
	}
	return jobValue, nil
}

// Apply executes decision against machine: it stamps deletedTime in the
// store before calling the adapter (best-effort semantics — a failing
// adapter call is logged but left for the next cycle's retry-floor
// check), optionally records the shutdown message if one has not already
// been recorded, then invokes the adapter's delete.
func Apply(ctx context.Context, logger *slog.Logger, st *store.Store, adapter cloud.Adapter, space string, machine model.Machine, decision Decision) error {
	if !decision.Delete {
		return nil
	}

	now := time.Now().Unix()
	if err := st.PutInt64(space, machine.Name, "deleted", now); err != nil {
		return err
	}

	if decision.ShutdownMessage != "" {
		if existing, _ := st.Get(space, machine.Name, "joboutputs/shutdown_message"); existing == "" {
			if err := st.PutString(space, machine.Name, "joboutputs/shutdown_message", decision.ShutdownMessage); err != nil {
				return err
			}
		}
	}

	logger.Info("deleting machine",
		slog.String("space", space),
		slog.String("machine", machine.Name),
		slog.String("machinetype", machine.MachinetypeName),
		slog.String("state", string(machine.State)),
		slog.String("reason", decision.ShutdownMessage),
	)

	if err := adapter.DeleteServer(ctx, machine.UUID); err != nil {
		logger.Warn("delete failed, will retry next cycle after retry floor",
			slog.String("machine", machine.Name), slog.Any("error", err))
		return nil
	}
	return nil
}
