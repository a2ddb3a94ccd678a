// Package heartbeat implements the C5 heartbeat list builder from
// spec.md §4 and original_source/shared.py's createHeartbeatMachines:
// for every machinetype with a configured heartbeat_file, collect the
// names of managed, running machines whose heartbeat is still fresh,
// sort the list newest-first, and publish it to the shared state tree
// so an external web server can serve it.
package heartbeat

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

// ModeHeartbeatList is world-readable (o+r) but not world-executable, so
// a web server can read the file without directory-listing the tree
// (shared.py's createHeartbeatMachines comment: "o+x to allow httpd to
// read specific lists but not allow directory browsing").
const ModeHeartbeatList = 0664

// Build recomputes every machinetype's HeartbeatMachines list in space
// from the current in-memory machine set, and persists each list via st.
// now is injected so the freshness check is deterministic in tests.
func Build(st *store.Store, space string, machinetypes map[string]*model.Machinetype, machines map[string]model.Machine, now time.Time) error {
	for _, mt := range machinetypes {
		mt.HeartbeatMachines = nil
	}

	eligibleNames := lo.Filter(lo.Keys(machines), func(name string, _ int) bool {
		mt, ok := machinetypes[machines[name].MachinetypeName]
		return ok && eligible(machines[name], mt, now)
	})
	byMachinetype := lo.GroupBy(eligibleNames, func(name string) string {
		return machines[name].MachinetypeName
	})
	for mtName, names := range byMachinetype {
		machinetypes[mtName].HeartbeatMachines = names
	}

	for mtName, mt := range machinetypes {
		sort.Slice(mt.HeartbeatMachines, func(i, j int) bool {
			return machineBeat(machines, mt.HeartbeatMachines[i]) > machineBeat(machines, mt.HeartbeatMachines[j])
		})

		var contents strings.Builder
		for _, name := range mt.HeartbeatMachines {
			machine := machines[name]
			contents.WriteString(fmt.Sprintf("%d %s %s\n", *machine.HeartbeatTime, name, machine.IP))
		}
		if err := st.PutPath(st.HeartbeatListPath(space, mtName), []byte(contents.String()), ModeHeartbeatList); err != nil {
			return err
		}
	}
	return nil
}

func eligible(machine model.Machine, mt *model.Machinetype, now time.Time) bool {
	if !machine.ManagedHere || machine.State != model.StateRunning {
		return false
	}
	if mt.HeartbeatFile == "" || mt.HeartbeatSeconds == 0 {
		return false
	}
	if machine.StartedTime == nil || machine.HeartbeatTime == nil {
		return false
	}
	return *machine.HeartbeatTime > now.Unix()-mt.HeartbeatSeconds
}

func machineBeat(machines map[string]model.Machine, name string) int64 {
	if m, ok := machines[name]; ok && m.HeartbeatTime != nil {
		return *m.HeartbeatTime
	}
	return 0
}
