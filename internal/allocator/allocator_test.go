package allocator_test

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/iris-ac-uk/iris-vcycle/internal/allocator"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
)

type Suite struct {
	suite.Suite
	logger *slog.Logger
}

func Test_RunSuite(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

// recordingCreator counts calls per machinetype and increments
// space.TotalProcessors by min_processors, simulating a successful C8.
type recordingCreator struct {
	calls map[string]int
}

func newRecordingCreator() *recordingCreator { return &recordingCreator{calls: map[string]int{}} }

func (c *recordingCreator) Create(ctx context.Context, space *model.Space, machinetypeName string) error {
	c.calls[machinetypeName]++
	space.TotalProcessors += space.Machinetypes[machinetypeName].MinProcessors
	return nil
}

func (s *Suite) Test_CreationsPerCycle_MatchesCeilingFormula() {
	s.Equal(1, allocator.CreationsPerCycle(8))
	s.Equal(10, allocator.CreationsPerCycle(100))
	s.Equal(1, allocator.CreationsPerCycle(1))
}

// Test_Scenario1_OneCreateThenStops exercises spec.md §8 scenario 1:
// processors_limit=8, mt1 min_processors=2, empty cloud. First cycle
// issues ceil(8*0.1)=1 create; totalProcessors becomes 2; no further
// creates that cycle.
func (s *Suite) Test_Scenario1_OneCreateThenStops() {
	space := &model.Space{
		Name:            "space1",
		ProcessorsLimit: intPtr(8),
		Machinetypes: map[string]*model.Machinetype{
			"mt1": {Name: "mt1", MinProcessors: 2, TargetShare: 1},
		},
	}
	creator := newRecordingCreator()

	allocator.Run(context.Background(), s.logger, creator, space, 1000, rand.New(rand.NewSource(1)))

	s.Equal(1, creator.calls["mt1"])
	s.Equal(2, space.TotalProcessors)
}

// Test_Scenario2_BackoffAndFizzleLatchGateCreation exercises spec.md §8
// scenario 2's allocator-facing half: with lastAbortTime=300,
// backoff_seconds=300, fizzle_seconds=600 and notPassedFizzle=1, the
// machinetype is ineligible at t=500 and t=700, and eligible again at
// t=1201.
func (s *Suite) Test_Scenario2_BackoffAndFizzleLatchGateCreation() {
	space := &model.Space{
		Name:            "space1",
		ProcessorsLimit: intPtr(800),
		Machinetypes: map[string]*model.Machinetype{
			"mt1": {
				Name: "mt1", MinProcessors: 1, TargetShare: 1,
				BackoffSeconds: 300, FizzleSeconds: 600,
				LastAbortTime: 300, NotPassedFizzle: 1,
			},
		},
	}
	mt := space.Machinetypes["mt1"]

	s.False(allocator.Eligible(space, mt, 500))
	s.False(allocator.Eligible(space, mt, 700))
	s.True(allocator.Eligible(space, mt, 1201))
}

// Test_Scenario5_ShareConvergence exercises spec.md §8 scenario 5: mt1
// (share 2) and mt2 (share 1), equal flavors, no aborts. Over 30 creates
// the resulting counts converge to 20:10 within ±1.
func (s *Suite) Test_Scenario5_ShareConvergence() {
	space := &model.Space{
		Name:            "space1",
		ProcessorsLimit: intPtr(10),
		Machinetypes: map[string]*model.Machinetype{
			"mt1": {Name: "mt1", MinProcessors: 1, TargetShare: 2},
			"mt2": {Name: "mt2", MinProcessors: 1, TargetShare: 1},
		},
	}
	creator := newRecordingCreator()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 30; i++ {
		// One creation per call: force a budget of exactly 1 by resetting
		// TotalProcessors tracking and calling Run with a cap that allows
		// exactly one pick, then fold the weighting update back in.
		space.TotalProcessors = 0
		allocator.Run(context.Background(), s.logger, creator, space, int64(i), rng)
		for _, mt := range space.Machinetypes {
			allocator.UpdateWeightedMachines(mt, nil)
			// weightedMachines is driven by running/starting machines in
			// the real system; here we approximate the convergence
			// property directly off the call tally, which is what the
			// picker actually keys off between cycles.
			mt.WeightedMachines = float64(creator.calls[mt.Name]) / mt.TargetShare
		}
	}

	total := creator.calls["mt1"] + creator.calls["mt2"]
	s.Equal(30, total)
	s.InDelta(20, creator.calls["mt1"], 1)
	s.InDelta(10, creator.calls["mt2"], 1)
}

func (s *Suite) Test_Eligible_TargetShareZeroOrNegativeIsRejected() {
	mt := &model.Machinetype{TargetShare: 0}
	s.False(allocator.Eligible(&model.Space{}, mt, 0))
}

func (s *Suite) Test_Eligible_RespectsPerMachinetypeProcessorsLimit() {
	mt := &model.Machinetype{TargetShare: 1, ProcessorsLimit: intPtr(4), TotalProcessors: 4}
	s.False(allocator.Eligible(&model.Space{}, mt, 0))
}

func (s *Suite) Test_Eligible_RespectsMaxStartingProcessors() {
	mt := &model.Machinetype{TargetShare: 1, MaxStartingProcessors: intPtr(2), StartingProcessors: 2}
	s.False(allocator.Eligible(&model.Space{}, mt, 0))
}

func (s *Suite) Test_UpdateWeightedMachines_PrefersHS06WhenPublished() {
	hs06 := 3.5
	mt := &model.Machinetype{TargetShare: 1}
	machines := []model.Machine{
		{State: model.StateRunning, Processors: 4, HS06: &hs06},
		{State: model.StateStarting, Processors: 2},
		{State: model.StateShutdown, Processors: 99}, // must be excluded
	}
	allocator.UpdateWeightedMachines(mt, machines)
	s.InDelta(3.5+2.0, mt.WeightedMachines, 0.0001)
}

func (s *Suite) Test_Run_StopsAtSpaceProcessorLimit() {
	space := &model.Space{
		Name:            "space1",
		ProcessorsLimit: intPtr(1),
		TotalProcessors: 1,
		Machinetypes: map[string]*model.Machinetype{
			"mt1": {Name: "mt1", MinProcessors: 1, TargetShare: 1},
		},
	}
	creator := newRecordingCreator()
	allocator.Run(context.Background(), s.logger, creator, space, 0, rand.New(rand.NewSource(1)))
	s.Zero(creator.calls["mt1"])
}
