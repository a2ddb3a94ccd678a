// Package space implements the C10 per-space cycle driver from
// spec.md §4.9, grounded on original_source/shared.py's oneCycle step
// sequence (connect, scanMachines, sendVacMon, deleteMachines,
// moveMachineDirectories, createHeartbeatMachines, makeMachines,
// cleanupDeletedDirectories, takeMachines) and the teacher's
// internal/manager/orchestration/reconciler.go, whose try/except-per-step
// shape (log and continue, except for the two steps that matter) this
// package reproduces with Go error returns instead of exceptions.
package space

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iris-ac-uk/iris-vcycle/internal/allocator"
	"github.com/iris-ac-uk/iris-vcycle/internal/classifier"
	"github.com/iris-ac-uk/iris-vcycle/internal/cloud"
	"github.com/iris-ac-uk/iris-vcycle/internal/deletion"
	"github.com/iris-ac-uk/iris-vcycle/internal/factory"
	"github.com/iris-ac-uk/iris-vcycle/internal/fizzle"
	"github.com/iris-ac-uk/iris-vcycle/internal/heartbeat"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
	"github.com/iris-ac-uk/iris-vcycle/internal/takeover"
	"github.com/iris-ac-uk/iris-vcycle/internal/telemetry"
	"github.com/iris-ac-uk/iris-vcycle/internal/telemetry/vacmon"
	vcerrors "github.com/iris-ac-uk/iris-vcycle/internal/shared/errors"
)

// DefaultCleanupHours matches shared.py's Space.cleanup_hours default.
const DefaultCleanupHours = 72.0

// Driver runs one cycle at a time for a single space. It is not safe for
// concurrent use; internal/manager runs one Driver per goroutine.
type Driver struct {
	Space   *model.Space
	Adapter cloud.Adapter
	Store   *store.Store

	Hostname string
	Factory  *factory.Factory
	Recorder *telemetry.Recorder
	VacMon   *vacmon.Emitter

	Logger *slog.Logger
	Rng    *rand.Rand
	Now    func() time.Time

	// machines is the prior cycle's classification, carried forward so
	// classifier.Apply sees a real "existing" value every cycle after the
	// first (spec.md's classifier round-trip property).
	machines map[string]model.Machine

	// everConnected latches true the first time connect succeeds, for
	// internal/manager's readiness probe ("at least one space connected
	// this run"). Accessed across goroutines, so it's atomic.
	everConnected atomic.Bool
}

// EverConnected reports whether this space has completed connect
// successfully at least once since the Driver was created.
func (d *Driver) EverConnected() bool {
	return d.everConnected.Load()
}

// New builds a Driver for one space. rng should be unique per space (not
// shared across goroutines), matching the teacher's one-worker-per-space
// isolation.
func New(sp *model.Space, adapter cloud.Adapter, st *store.Store, hostname string, fac *factory.Factory, recorder *telemetry.Recorder, vm *vacmon.Emitter, logger *slog.Logger, rng *rand.Rand) *Driver {
	return &Driver{
		Space:    sp,
		Adapter:  adapter,
		Store:    st,
		Hostname: hostname,
		Factory:  fac,
		Recorder: recorder,
		VacMon:   vm,
		Logger:   logger,
		Rng:      rng,
		Now:      time.Now,
		machines: map[string]model.Machine{},
	}
}

// RunCycle drives one full cycle for the space, per spec.md §4.9. connect
// and scanMachines failures abort the rest of the cycle (logged, not
// returned — the caller's ticker simply tries again next cycle, matching
// oneCycle's bare `except: ... return`); every other step's failure is
// logged and the remaining steps still run.
func (d *Driver) RunCycle(ctx context.Context) error {
	now := d.now()

	if err := d.connect(ctx); err != nil {
		d.Logger.Warn("skipping space this cycle, connect failed",
			slog.String("space", d.Space.Name), slog.Any("error", err))
		return nil
	}
	d.everConnected.Store(true)

	if err := d.scanMachines(ctx, now); err != nil {
		d.Logger.Warn("giving up on space this cycle, scan failed",
			slog.String("space", d.Space.Name), slog.Any("error", err))
		return nil
	}

	d.step("sendVacMon", func() error { return d.sendVacMon() })
	d.step("deleteMachines", func() error { return d.deleteMachines(ctx, now) })
	d.step("moveMachineDirectories", func() error { return d.moveMachineDirectories() })
	d.step("createHeartbeatMachines", func() error { return d.createHeartbeatMachines(now) })
	d.step("makeMachines", func() error { return d.makeMachines(ctx, now) })
	d.step("cleanupDeletedDirectories", func() error { return d.cleanupDeletedDirectories() })
	// Must run last to avoid races between manager instances (shared.py's
	// own comment on takeMachines' position in oneCycle).
	d.step("takeMachines", func() error { return d.takeMachines(now) })

	return nil
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Driver) step(name string, fn func() error) {
	if err := fn(); err != nil {
		d.Logger.Warn(name+" failed, continuing cycle",
			slog.String("space", d.Space.Name), slog.Any("error", err))
	}
}

// connect acquires a backend session and, if the space has no configured
// processor cap, asks the adapter for one (spec.md §4.2: the cap may
// come from config or from the infrastructure).
func (d *Driver) connect(ctx context.Context) error {
	if err := d.Adapter.Connect(ctx); err != nil {
		return err
	}
	if d.Space.ProcessorsLimit == nil {
		if limit, err := d.Adapter.ProcessorsLimit(ctx); err == nil && limit != nil {
			d.Space.ProcessorsLimit = limit
		}
	}
	return nil
}

// scanMachines is C3+C4 applied over a fresh backend listing: classify
// every server, fold it against the prior cycle's in-memory state and
// the store's persisted fields (manager, heartbeat, stop/shutdown
// records), recompute every running total, and record fizzle/telemetry
// for any machine observed stopped for the first time.
func (d *Driver) scanMachines(ctx context.Context, now time.Time) error {
	servers, err := d.Adapter.ListServers(ctx)
	if err != nil {
		return vcerrors.NewTransient("failed to list servers", err)
	}

	resetSpaceTotals(d.Space)
	for _, mt := range d.Space.Machinetypes {
		resetMachinetypeTotals(mt)
	}

	machines := make(map[string]model.Machine, len(servers))
	for _, rec := range servers {
		if !classifier.Managed(rec) {
			// Still counted, so the space-wide cap stays honest even
			// against VMs Vcycle didn't create (spec.md §4.3).
			d.Space.TotalProcessors += rec.Processors
			continue
		}

		name := classifier.Name(rec)
		m := classifier.Apply(d.priorOrStored(name), rec, now)
		d.reconcileFromStore(name, &m, now)
		d.accumulateTotals(&m, now)
		machines[name] = m
	}

	d.machines = machines

	for _, mt := range d.Space.Machinetypes {
		var inType []model.Machine
		for _, m := range machines {
			if m.MachinetypeName == mt.Name {
				inType = append(inType, m)
			}
		}
		allocator.UpdateWeightedMachines(mt, inType)
	}

	return nil
}

// priorOrStored returns the prior cycle's in-memory classification for
// name, or — on the first cycle after a process restart, when there is
// no in-memory state yet — a baseline rebuilt from the store's
// created/started/updated files, matching Machine.__init__'s file-backed
// fallback in original_source/shared.py.
func (d *Driver) priorOrStored(name string) model.Machine {
	if prior, ok := d.machines[name]; ok {
		return prior
	}
	var m model.Machine
	if v, _ := d.Store.GetInt64(d.Space.Name, name, "created"); v != nil {
		m.CreatedTime = *v
	}
	if v, _ := d.Store.GetInt64(d.Space.Name, name, "started"); v != nil {
		m.StartedTime = v
	}
	if v, _ := d.Store.GetInt64(d.Space.Name, name, "updated"); v != nil {
		m.UpdatedTime = *v
	}
	return m
}

// reconcileFromStore layers the persisted, cross-cycle fields onto m
// that classifier.Apply cannot compute on its own because they depend on
// the state store and this manager's hostname: ownership, heartbeats,
// first-observation bookkeeping for started/stopped, and the
// fizzle/telemetry side effects shared.py fires exactly once per machine
// when it is first seen stopped.
func (d *Driver) reconcileFromStore(name string, m *model.Machine, now time.Time) {
	space := d.Space.Name

	manager, _ := d.Store.Get(space, name, "manager")
	m.Manager = manager
	m.ManagedHere = manager == d.Hostname

	if m.ManagedHere {
		m.ManagerHeartbeatTime = now.Unix()
		if err := d.Store.PutInt64(space, name, "manager_heartbeat", now.Unix()); err != nil {
			d.Logger.Warn("failed refreshing manager heartbeat", slog.String("machine", name), slog.Any("error", err))
		}
	} else if hb, _ := d.Store.GetInt64(space, name, "manager_heartbeat"); hb != nil {
		m.ManagerHeartbeatTime = *hb
	}

	if m.ManagedHere && m.StartedTime != nil {
		if persisted, _ := d.Store.GetInt64(space, name, "started"); persisted == nil {
			_ = d.Store.PutInt64(space, name, "started", *m.StartedTime)
			_ = d.Store.PutInt64(space, name, "updated", m.UpdatedTime)
		}
	}

	m.DeletedTime, _ = d.Store.GetInt64(space, name, "deleted")

	mt := d.Space.Machinetypes[m.MachinetypeName]
	if mt != nil && mt.HeartbeatFile != "" {
		m.HeartbeatTime, _ = d.Store.GetFileModTime(space, name, "joboutputs/"+mt.HeartbeatFile)
	}

	if persistedStopped, _ := d.Store.GetInt64(space, name, "stopped"); persistedStopped != nil {
		m.StoppedTime = persistedStopped
		return
	}

	if !(m.ManagedHere && m.State.IsTerminal()) {
		m.StoppedTime = nil
		return
	}

	d.recordFirstStop(name, m, mt, now)
}

// recordFirstStop is shared.py's "Check if the machine already has a
// stopped timestamp" block: stamp stopped once, capture the shutdown
// message, fold the observation into the machinetype's lastAbortTime,
// and emit the one-shot APEL/VacMon records for the finished job.
func (d *Driver) recordFirstStop(name string, m *model.Machine, mt *model.Machinetype, now time.Time) {
	space := d.Space.Name

	stopped := m.UpdatedTime
	if stopped == 0 {
		stopped = now.Unix()
		m.UpdatedTime = stopped
		_ = d.Store.PutInt64(space, name, "updated", stopped)
	}
	m.StoppedTime = &stopped
	if err := d.Store.PutInt64(space, name, "stopped", stopped); err != nil {
		d.Logger.Warn("failed recording stop time", slog.String("machine", name), slog.Any("error", err))
		return
	}

	if msg, _ := d.Store.Get(space, name, "joboutputs/shutdown_message"); msg != "" {
		m.ShutdownMessage = strings.TrimSpace(msg)
		m.ShutdownMessageTime, _ = d.Store.GetFileModTime(space, name, "joboutputs/shutdown_message")
		d.Logger.Info("machine shut down", slog.String("machine", name), slog.String("message", m.ShutdownMessage))
	}

	if mt == nil {
		return
	}

	if candidate := fizzle.Observe(*m, mt); candidate > 0 {
		if err := fizzle.Merge(d.Store, space, mt, candidate); err != nil {
			d.Logger.Warn("failed merging abort time", slog.String("machine", name), slog.Any("error", err))
		}
	}

	var allocatedCPU, maxRSSKB int64
	if v, _ := d.Store.GetInt64(space, name, "jobfeatures/allocated_cpu"); v != nil {
		allocatedCPU = *v
	}
	if v, _ := d.Store.GetInt64(space, name, "jobfeatures/max_rss_bytes"); v != nil {
		maxRSSKB = *v / 1024
	}

	if d.Recorder != nil {
		if err := d.Recorder.WriteJobRecord(*d.Space, *mt, *m, maxRSSKB, allocatedCPU); err != nil {
			d.Logger.Warn("failed writing apel record", slog.String("machine", name), slog.Any("error", err))
		}
	}
	if d.VacMon != nil {
		d.VacMon.SendMachineStopped(*d.Space, *mt, *m, "0")
	}
}

// accumulateTotals folds m into the space's and its machinetype's
// per-cycle running totals, mirroring Machine.__init__'s side effects on
// spaces[...]/machinetypes[...] in original_source/shared.py.
func (d *Driver) accumulateTotals(m *model.Machine, now time.Time) {
	d.Space.TotalMachines++
	d.Space.TotalProcessors += m.Processors

	mt := d.Space.Machinetypes[m.MachinetypeName]
	if mt == nil {
		return
	}
	mt.TotalMachines++
	mt.TotalProcessors += m.Processors

	switch m.State {
	case model.StateStarting:
		mt.StartingProcessors += m.Processors
		mt.NotPassedFizzle++
	case model.StateRunning:
		d.Space.RunningMachines++
		d.Space.RunningProcessors += m.Processors
		mt.RunningMachines++
		mt.RunningProcessors += m.Processors
		if m.HS06 != nil && mt.RunningHS06 != nil {
			*mt.RunningHS06 += *m.HS06
		}
		if m.StartedTime != nil && now.Unix()-*m.StartedTime < mt.FizzleSeconds {
			mt.NotPassedFizzle++
		}
	}
}

func resetSpaceTotals(sp *model.Space) {
	sp.TotalMachines = 0
	sp.TotalProcessors = 0
	sp.RunningMachines = 0
	sp.RunningProcessors = 0
}

func resetMachinetypeTotals(mt *model.Machinetype) {
	mt.TotalMachines = 0
	mt.TotalProcessors = 0
	mt.StartingProcessors = 0
	mt.RunningMachines = 0
	mt.RunningProcessors = 0
	mt.NotPassedFizzle = 0
	mt.WeightedMachines = 0
	if mt.HS06PerProcessor != nil {
		zero := 0.0
		mt.RunningHS06 = &zero
	} else {
		mt.RunningHS06 = nil
	}
}

func (d *Driver) sendVacMon() error {
	if d.VacMon != nil {
		d.VacMon.Send(*d.Space, "0")
	}
	return nil
}

func (d *Driver) deleteMachines(ctx context.Context, now time.Time) error {
	shutdown := spaceShutdownUnix(d.Space)
	for name, machine := range d.machines {
		if !machine.ManagedHere {
			continue
		}
		mt := d.Space.Machinetypes[machine.MachinetypeName]

		effective, err := deletion.EffectiveShutdownTime(d.Store, d.Space.Name, name, shutdown)
		if err != nil {
			d.Logger.Warn("failed computing effective shutdown time", slog.String("machine", name), slog.Any("error", err))
			continue
		}

		decision := deletion.Evaluate(machine, mt, effective, now.Unix(), deletion.DefaultMaxStartingSeconds)
		if err := deletion.Apply(ctx, d.Logger, d.Store, d.Adapter, d.Space.Name, machine, decision); err != nil {
			d.Logger.Warn("failed applying deletion decision", slog.String("machine", name), slog.Any("error", err))
		}
	}
	return nil
}

func spaceShutdownUnix(sp *model.Space) *int64 {
	if sp.ShutdownTime == nil {
		return nil
	}
	t := sp.ShutdownTime.Unix()
	return &t
}

// moveMachineDirectories relocates any store directory whose machine no
// longer appears in this cycle's scan into deleted/ — the backend has
// forgotten the VM, so Vcycle's own bookkeeping follows suit.
func (d *Driver) moveMachineDirectories() error {
	names, err := d.Store.ListMachines(d.Space.Name)
	if err != nil {
		return err
	}
	for name := range names {
		if _, ok := d.machines[name]; ok {
			continue
		}
		if err := d.Store.MoveToDeleted(d.Space.Name, name); err != nil {
			d.Logger.Warn("failed moving machine directory to deleted", slog.String("machine", name), slog.Any("error", err))
		}
	}
	return nil
}

func (d *Driver) createHeartbeatMachines(now time.Time) error {
	return heartbeat.Build(d.Store, d.Space.Name, d.Space.Machinetypes, d.machines, now)
}

func (d *Driver) makeMachines(ctx context.Context, now time.Time) error {
	if d.Space.ShutdownTime != nil && d.Space.ShutdownTime.Before(now) {
		d.Logger.Info("space has a shutdown time in the past, not allocating any more machines",
			slog.String("space", d.Space.Name))
		return nil
	}
	creator := &factory.BoundCreator{Factory: d.Factory, Adapter: d.Adapter}
	allocator.Run(ctx, d.Logger, creator, d.Space, now.Unix(), d.Rng)
	return nil
}

func (d *Driver) cleanupDeletedDirectories() error {
	hours := d.Space.CleanupHours
	if hours <= 0 {
		hours = DefaultCleanupHours
	}
	return d.Store.PurgeDeleted(d.Space.Name, time.Duration(hours*float64(time.Hour)))
}

func (d *Driver) takeMachines(now time.Time) error {
	takeover.Run(d.Logger, d.Store, d.Space.Name, d.Hostname, d.machines, now.Unix(), d.Rng)
	return nil
}
