// Package classifier implements the C3 VM classifier from spec.md §4.3:
// it turns a backend-neutral cloud.ServerRecord into a model.Machine
// state transition, grounded on openstack_api.py's scanMachines status/
// power_state/task_state table and on the teacher's status-transition
// style in internal/zeitwork/vm.go (reconcileVM).
package classifier

import (
	"strings"
	"time"

	"github.com/iris-ac-uk/iris-vcycle/internal/cloud"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
)

// MachineNamePrefix is the only namespace the manager ever touches;
// anything else found running in a space is somebody else's VM.
const MachineNamePrefix = "vcycle-"

// Managed reports whether a server belongs to this manager's namespace.
// Unmanaged servers still count toward the space's totalProcessors so
// the allocator's cap stays honest (spec.md §4.3).
func Managed(rec cloud.ServerRecord) bool {
	return strings.HasPrefix(name(rec), MachineNamePrefix)
}

func name(rec cloud.ServerRecord) string {
	if rec.MetadataName != "" {
		return rec.MetadataName
	}
	return rec.Name
}

// Name is the exported form of name, for callers (internal/space) that
// need the same metadata.name-preferred-over-name resolution to key
// their machine map.
func Name(rec cloud.ServerRecord) string {
	return name(rec)
}

// Classify maps one ServerRecord's status/power_state/task_state triple
// to a canonical model.State, exactly per spec.md §4.3.
func Classify(rec cloud.ServerRecord) model.State {
	switch {
	case rec.TaskState == "Deleting":
		return model.StateDeleting
	case rec.Status == "ACTIVE" && rec.PowerState == 1:
		return model.StateRunning
	case rec.Status == "BUILD" || rec.Status == "ACTIVE":
		return model.StateStarting
	case rec.Status == "SHUTOFF":
		return model.StateShutdown
	case rec.Status == "ERROR":
		return model.StateFailed
	case rec.Status == "DELETED":
		return model.StateDeleting
	default:
		return model.StateUnknown
	}
}

// Apply folds rec's classification into existing, the prior cycle's
// in-memory model.Machine for the same name (or a zero value if this is
// the first observation). It is pure and idempotent: calling it twice in
// a row with the same inputs produces the same result, which is what the
// "classifier round-trip" property (spec.md §8) exercises.
func Apply(existing model.Machine, rec cloud.ServerRecord, now time.Time) model.Machine {
	out := existing
	out.Name = name(rec)
	out.UUID = rec.UUID
	out.IP = rec.IPAddress
	if out.IP == "" {
		out.IP = "0.0.0.0"
	}
	out.Processors = rec.Processors
	out.Zone = rec.AvailabilityZone
	if rec.MachinetypeName != "" {
		out.MachinetypeName = rec.MachinetypeName
	}

	out.CreatedTime = rec.Created.Unix()
	out.UpdatedTime = rec.Updated.Unix()

	newState := Classify(rec)
	wasRunning := out.State == model.StateRunning
	out.State = newState

	if out.StartedTime == nil {
		if rec.LaunchedAt != nil {
			t := rec.LaunchedAt.Unix()
			out.StartedTime = &t
		} else if newState == model.StateRunning && !wasRunning {
			t := now.Unix()
			out.StartedTime = &t
		}
	}

	if out.StoppedTime == nil && newState.IsTerminal() {
		stopped := out.UpdatedTime
		if stopped == 0 {
			stopped = now.Unix()
		}
		t := stopped
		out.StoppedTime = &t
	}

	return out
}
