package heartbeat_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/iris-ac-uk/iris-vcycle/internal/heartbeat"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

type Suite struct {
	suite.Suite
	store *store.Store
}

func Test_RunSuite(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupTest() {
	s.store = store.New(s.T().TempDir())
	s.Require().NoError(s.store.EnsureLayout())
}

func ptr(v int64) *int64 { return &v }

// Test_Build_FiltersStaleAndUnmanagedMachines exercises spec.md §8
// scenario 3's freshness window: heartbeat_seconds=120, and a machine
// last heard from beyond that window must not appear in the published
// list even though it is still Running and managed here.
func (s *Suite) Test_Build_FiltersStaleAndUnmanagedMachines() {
	now := time.Unix(1000, 0)
	mt := &model.Machinetype{Name: "mt1", HeartbeatFile: "heartbeat", HeartbeatSeconds: 120}
	machinetypes := map[string]*model.Machinetype{"mt1": mt}

	machines := map[string]model.Machine{
		"fresh": {
			MachinetypeName: "mt1", State: model.StateRunning, ManagedHere: true, IP: "10.0.0.1",
			StartedTime: ptr(0), HeartbeatTime: ptr(now.Unix() - 60),
		},
		"stale": {
			MachinetypeName: "mt1", State: model.StateRunning, ManagedHere: true, IP: "10.0.0.2",
			StartedTime: ptr(0), HeartbeatTime: ptr(now.Unix() - 600),
		},
		"not-managed-here": {
			MachinetypeName: "mt1", State: model.StateRunning, ManagedHere: false, IP: "10.0.0.3",
			StartedTime: ptr(0), HeartbeatTime: ptr(now.Unix() - 10),
		},
		"starting": {
			MachinetypeName: "mt1", State: model.StateStarting, ManagedHere: true, IP: "10.0.0.4",
			HeartbeatTime: ptr(now.Unix() - 10),
		},
	}

	s.Require().NoError(heartbeat.Build(s.store, "space1", machinetypes, machines, now))

	s.Equal([]string{"fresh"}, mt.HeartbeatMachines)

	contents, err := os.ReadFile(s.store.HeartbeatListPath("space1", "mt1"))
	s.Require().NoError(err)
	s.Contains(string(contents), "fresh 10.0.0.1")
	s.NotContains(string(contents), "stale")
}

func (s *Suite) Test_Build_OrdersNewestHeartbeatFirst() {
	now := time.Unix(1000, 0)
	mt := &model.Machinetype{Name: "mt1", HeartbeatFile: "heartbeat", HeartbeatSeconds: 9999}
	machinetypes := map[string]*model.Machinetype{"mt1": mt}

	machines := map[string]model.Machine{
		"older": {MachinetypeName: "mt1", State: model.StateRunning, ManagedHere: true, IP: "10.0.0.1", StartedTime: ptr(0), HeartbeatTime: ptr(now.Unix() - 50)},
		"newer": {MachinetypeName: "mt1", State: model.StateRunning, ManagedHere: true, IP: "10.0.0.2", StartedTime: ptr(0), HeartbeatTime: ptr(now.Unix() - 5)},
	}

	s.Require().NoError(heartbeat.Build(s.store, "space1", machinetypes, machines, now))
	s.Equal([]string{"newer", "older"}, mt.HeartbeatMachines)
}

func (s *Suite) Test_Build_SkipsMachinetypeWithoutHeartbeatFileConfigured() {
	now := time.Unix(1000, 0)
	mt := &model.Machinetype{Name: "mt1"} // no HeartbeatFile/HeartbeatSeconds
	machinetypes := map[string]*model.Machinetype{"mt1": mt}
	machines := map[string]model.Machine{
		"x": {MachinetypeName: "mt1", State: model.StateRunning, ManagedHere: true, StartedTime: ptr(0), HeartbeatTime: ptr(now.Unix())},
	}

	s.Require().NoError(heartbeat.Build(s.store, "space1", machinetypes, machines, now))
	s.Empty(mt.HeartbeatMachines)
}
