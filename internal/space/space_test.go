package space_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/iris-ac-uk/iris-vcycle/internal/cloud"
	"github.com/iris-ac-uk/iris-vcycle/internal/factory"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	"github.com/iris-ac-uk/iris-vcycle/internal/space"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
	"github.com/iris-ac-uk/iris-vcycle/internal/telemetry"
)

// fakeAdapter is a minimal cloud.Adapter double; only the methods this
// package's steps call are ever invoked, so everything else inherits the
// embedded nil interface's "panic if called" behaviour.
type fakeAdapter struct {
	cloud.Adapter
	connect         func(ctx context.Context) error
	listServers     func(ctx context.Context) ([]cloud.ServerRecord, error)
	processorsLimit func(ctx context.Context) (*int, error)
	deletedUUIDs    []string
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	if f.connect != nil {
		return f.connect(ctx)
	}
	return nil
}

func (f *fakeAdapter) ListServers(ctx context.Context) ([]cloud.ServerRecord, error) {
	return f.listServers(ctx)
}

func (f *fakeAdapter) ProcessorsLimit(ctx context.Context) (*int, error) {
	if f.processorsLimit != nil {
		return f.processorsLimit(ctx)
	}
	return nil, nil
}

func (f *fakeAdapter) DeleteServer(ctx context.Context, uuid string) error {
	f.deletedUUIDs = append(f.deletedUUIDs, uuid)
	return nil
}

type Suite struct {
	suite.Suite
	store *store.Store
	logger *slog.Logger
}

func Test_RunSuite(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupTest() {
	s.store = store.New(s.T().TempDir())
	s.Require().NoError(s.store.EnsureLayout())
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *Suite) newDriver(sp *model.Space, adapter cloud.Adapter) *space.Driver {
	fac := factory.New(s.store, "m1.example.org", "1.0.0", rand.New(rand.NewSource(1)))
	rec := telemetry.NewRecorder(s.store.Root(), "m1.example.org")
	d := space.New(sp, adapter, s.store, "m1.example.org", fac, rec, nil, s.logger, rand.New(rand.NewSource(1)))
	d.Now = func() time.Time { return time.Unix(100_000, 0) }
	return d
}

func (s *Suite) Test_RunCycle_ConnectFailureAbortsCycle() {
	sp := &model.Space{Name: "space1", Machinetypes: map[string]*model.Machinetype{}}
	adapter := &fakeAdapter{
		connect: func(context.Context) error { return errors.New("auth failed") },
		listServers: func(context.Context) ([]cloud.ServerRecord, error) {
			s.Fail("listServers must not be called when connect fails")
			return nil, nil
		},
	}

	d := s.newDriver(sp, adapter)
	s.Require().NoError(d.RunCycle(context.Background()))
}

func (s *Suite) Test_RunCycle_ScanFailureAbortsRemainingSteps() {
	sp := &model.Space{Name: "space1", Machinetypes: map[string]*model.Machinetype{}}
	adapter := &fakeAdapter{
		listServers: func(context.Context) ([]cloud.ServerRecord, error) {
			return nil, errors.New("compute API unreachable")
		},
		deletedUUIDs: nil,
	}

	d := s.newDriver(sp, adapter)
	s.Require().NoError(d.RunCycle(context.Background()))
	s.Empty(adapter.deletedUUIDs, "deleteMachines must not run after a failed scan")
}

func (s *Suite) Test_ScanMachines_UnmanagedServerOnlyCountsProcessors() {
	sp := &model.Space{Name: "space1", Machinetypes: map[string]*model.Machinetype{}}
	adapter := &fakeAdapter{
		listServers: func(context.Context) ([]cloud.ServerRecord, error) {
			return []cloud.ServerRecord{
				{Name: "someone-elses-vm", Processors: 4, Status: "ACTIVE", PowerState: 1},
			}, nil
		},
	}

	d := s.newDriver(sp, adapter)
	s.Require().NoError(d.RunCycle(context.Background()))

	s.Equal(4, sp.TotalProcessors)
	s.Equal(0, sp.TotalMachines, "an unmanaged server must never become a tracked machine")
}

func (s *Suite) Test_ScanMachines_ManagedServerRefreshesHeartbeat() {
	mt := &model.Machinetype{Name: "mt1", TargetShare: 1}
	sp := &model.Space{Name: "space1", Machinetypes: map[string]*model.Machinetype{"mt1": mt}}
	// The factory stamps manager=hostname at creation time, before the
	// machine is ever seen by a scan; a fresh, unowned "manager" file is
	// not something scanMachines itself ever claims (that is takeover's job).
	s.Require().NoError(s.store.PutString("space1", "vcycle-mt1-aaaaaaaaaa", "manager", "m1.example.org"))
	adapter := &fakeAdapter{
		listServers: func(context.Context) ([]cloud.ServerRecord, error) {
			return []cloud.ServerRecord{{
				Name: "vcycle-mt1-aaaaaaaaaa", MetadataName: "vcycle-mt1-aaaaaaaaaa",
				UUID: "uuid-1", Processors: 2, Status: "ACTIVE", PowerState: 1,
				MachinetypeName: "mt1", Created: time.Unix(90_000, 0), Updated: time.Unix(95_000, 0),
			}}, nil
		},
	}

	d := s.newDriver(sp, adapter)
	s.Require().NoError(d.RunCycle(context.Background()))

	s.Equal(1, sp.TotalMachines)
	s.Equal(2, sp.TotalProcessors)
	s.Equal(1, sp.RunningMachines)
	s.Equal(2, sp.RunningProcessors)

	manager, err := s.store.Get("space1", "vcycle-mt1-aaaaaaaaaa", "manager")
	s.Require().NoError(err)
	s.Equal("m1.example.org", manager)

	heartbeat, err := s.store.GetInt64("space1", "vcycle-mt1-aaaaaaaaaa", "manager_heartbeat")
	s.Require().NoError(err)
	s.Require().NotNil(heartbeat)
	s.Equal(int64(100_000), *heartbeat)
}

func (s *Suite) Test_ScanMachines_FirstStopRecordsFizzleAndApelRecord() {
	mt := &model.Machinetype{Name: "mt1", TargetShare: 1, FizzleSeconds: 600}
	sp := &model.Space{Name: "space1", Machinetypes: map[string]*model.Machinetype{"mt1": mt}}
	const machineName = "vcycle-mt1-bbbbbbbbbb"

	s.Require().NoError(s.store.PutString("space1", machineName, "manager", "m1.example.org"))
	s.Require().NoError(s.store.PutInt64("space1", machineName, "started", 90_000))
	s.Require().NoError(s.store.PutInt64("space1", machineName, "updated", 90_100))

	adapter := &fakeAdapter{
		listServers: func(context.Context) ([]cloud.ServerRecord, error) {
			return []cloud.ServerRecord{{
				Name: machineName, MetadataName: machineName,
				UUID: "uuid-2", Processors: 1, Status: "SHUTOFF",
				MachinetypeName: "mt1", Created: time.Unix(89_000, 0), Updated: time.Unix(90_100, 0),
			}}, nil
		},
	}

	d := s.newDriver(sp, adapter)
	s.Require().NoError(d.RunCycle(context.Background()))

	s.Equal(int64(90_100), mt.LastAbortTime, "a run shorter than fizzle_seconds must set lastAbortTime")

	stoppedAt, err := s.store.GetInt64("space1", machineName, "stopped")
	s.Require().NoError(err)
	s.Require().NotNil(stoppedAt)
	s.Equal(int64(90_100), *stoppedAt)

	entries, err := os.ReadDir(filepath.Join(s.store.Root(), "apel-archive"))
	if !os.IsNotExist(err) {
		s.Require().NoError(err)
		s.Empty(entries, "a fizzled run (100s < 600s fizzle_seconds) must not produce an APEL record")
	}
}

func (s *Suite) Test_MoveMachineDirectories_MovesVanishedMachineToDeleted() {
	sp := &model.Space{Name: "space1", Machinetypes: map[string]*model.Machinetype{}}
	s.Require().NoError(s.store.PutString("space1", "vcycle-mt1-cccccccccc", "manager", "m1.example.org"))

	adapter := &fakeAdapter{
		listServers: func(context.Context) ([]cloud.ServerRecord, error) { return nil, nil },
	}

	d := s.newDriver(sp, adapter)
	s.Require().NoError(d.RunCycle(context.Background()))

	_, err := os.Stat(s.store.MachineDir("space1", "vcycle-mt1-cccccccccc"))
	s.True(os.IsNotExist(err), "current/ directory must be gone once the machine vanishes from the scan")

	_, err = os.Stat(filepath.Join(s.store.Root(), "spaces", "space1", "deleted", "vcycle-mt1-cccccccccc"))
	s.Require().NoError(err, "directory must have been moved into deleted/")
}
