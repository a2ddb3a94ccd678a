package fizzle_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/iris-ac-uk/iris-vcycle/internal/fizzle"
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

func started(t int64) *int64 { return &t }
func stopped(t int64) *int64 { return &t }

func (s *Suite) Test_Observe_ShutdownCodeInAbortRange() {
	mt := &model.Machinetype{Name: "mt1", FizzleSeconds: 600}
	machine := model.Machine{
		State:           model.StateFailed,
		StartedTime:     started(100),
		StoppedTime:     stopped(900), // 800s >= 600s fizzle window, so only the code can set the abort
		ShutdownMessage: "500 x",
	}
	s.Equal(int64(900), fizzle.Observe(machine, mt))
}

func (s *Suite) Test_Observe_FizzleWithoutCode() {
	mt := &model.Machinetype{Name: "mt1", FizzleSeconds: 600}
	machine := model.Machine{
		State:       model.StateShutdown,
		StartedTime: started(100),
		StoppedTime: stopped(300), // 200s < 600s fizzle window
	}
	s.Equal(int64(300), fizzle.Observe(machine, mt))
}

func (s *Suite) Test_Observe_RanLongEnoughIsNotAFizzle() {
	mt := &model.Machinetype{Name: "mt1", FizzleSeconds: 600}
	machine := model.Machine{
		State:       model.StateShutdown,
		StartedTime: started(100),
		StoppedTime: stopped(900), // 800s >= 600s fizzle window, no abort code
	}
	s.Equal(int64(0), fizzle.Observe(machine, mt))
}

func (s *Suite) Test_Observe_NonTerminalStateNeverContributes() {
	mt := &model.Machinetype{Name: "mt1", FizzleSeconds: 600}
	machine := model.Machine{State: model.StateRunning, StartedTime: started(100)}
	s.Equal(int64(0), fizzle.Observe(machine, mt))
}

func (s *Suite) Test_Merge_OnlyMovesLastAbortTimeForward() {
	mt := &model.Machinetype{Name: "mt1"}

	s.Require().NoError(fizzle.Merge(s.store, "space1", mt, 300))
	s.Equal(int64(300), mt.LastAbortTime)

	// A smaller candidate (e.g. from a stale machine observation) must not
	// move lastAbortTime backwards.
	s.Require().NoError(fizzle.Merge(s.store, "space1", mt, 200))
	s.Equal(int64(300), mt.LastAbortTime)

	s.Require().NoError(fizzle.Merge(s.store, "space1", mt, 500))
	s.Equal(int64(500), mt.LastAbortTime)

	// Must survive a reload from a fresh in-memory machinetype.
	reloaded := &model.Machinetype{Name: "mt1"}
	s.Require().NoError(fizzle.Load(s.store, "space1", reloaded))
	s.Equal(int64(500), reloaded.LastAbortTime)
}

// Test_BackoffAndFizzleLatchTiming exercises spec.md §8 scenario 2
// directly against the allocator's gate formulas, without depending on
// the allocator package: mt1 has fizzle_seconds=600, backoff_seconds=300;
// a VM starts at t=100 and fails at t=300 with message "700 x", giving
// lastAbortTime=300. The gate is honoured at t=500 (in back-off), still
// latched at t=700 (past back-off, still within the fizzle window with
// notPassedFizzle>0), and clear at t=1201.
func (s *Suite) Test_BackoffAndFizzleLatchTiming() {
	mt := &model.Machinetype{Name: "mt1", FizzleSeconds: 600, BackoffSeconds: 300}
	machine := model.Machine{
		State:           model.StateFailed,
		StartedTime:     started(100),
		StoppedTime:     stopped(300),
		ShutdownMessage: "700 x",
	}
	candidate := fizzle.Observe(machine, mt)
	s.Require().NoError(fizzle.Merge(s.store, "space1", mt, candidate))
	s.Require().Equal(int64(300), mt.LastAbortTime)

	notPassedFizzle := 1

	inBackoff := func(now int64) bool {
		return now < mt.LastAbortTime+mt.BackoffSeconds
	}
	inFizzleLatch := func(now int64) bool {
		return now < mt.LastAbortTime+mt.BackoffSeconds+mt.FizzleSeconds && notPassedFizzle > 0
	}

	s.True(inBackoff(500), "t=500 is still within back-off")
	s.False(inBackoff(700), "t=700 has passed back-off")
	s.True(inFizzleLatch(700), "t=700 is still within the fizzle latch")
	s.False(inFizzleLatch(1201), "t=1201 has passed both gates")
}
