package optimizer

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDescent(t *testing.T, stages []Actuator) *CoordinateDescent {
	t.Helper()
	s, err := New(KindCoordinateDescent, Options{
		Stages:         stages,
		MaxStepsizeDeg: 2,
		Threshold:      0.01,
	})
	require.NoError(t, err)
	return s.(*CoordinateDescent)
}

func TestNewtonEstimate(t *testing.T) {
	n, err := NewtonEstimate(0.10, 0.05, 0.12, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.005, n.Slope, 1e-12)
	assert.InDelta(t, 0.03, n.Curvature, 1e-12)
	assert.InDelta(t, 1.0/6, n.Step, 1e-9)
	// Positive curvature: move against the step, towards the minimum
	assert.InDelta(t, -1.0/6, n.Offset, 1e-9)
}

func TestNewtonEstimateNegativeCurvature(t *testing.T) {
	n, err := NewtonEstimate(0.10, 0.20, 0.12, 2)
	require.NoError(t, err)
	assert.Less(t, n.Curvature, 0.0)
	assert.InDelta(t, 0.005/-0.045, n.Step, 1e-9)
	assert.InDelta(t, n.Step, n.Offset, 0)
}

func TestNewtonEstimateClamp(t *testing.T) {
	tcs := []struct {
		name              string
		left, center, rgt float64
		step, offset      float64
	}{
		{name: "positive step", left: 0.10, center: 0.1095, rgt: 0.12, step: 5, offset: -5},
		{name: "negative step", left: 0.12, center: 0.1095, rgt: 0.10, step: -5, offset: 5},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			n, err := NewtonEstimate(tc.left, tc.center, tc.rgt, 2)
			require.NoError(t, err)
			assert.Equal(t, tc.step, n.Step)
			assert.Equal(t, tc.offset, n.Offset)
		})
	}
}

func TestNewtonEstimateDegenerate(t *testing.T) {
	_, err := NewtonEstimate(0.1, 0.1, 0.1, 2)
	assert.ErrorIs(t, err, ErrDegenerateCurvature)
}

func TestDescentProbeSequence(t *testing.T) {
	a, b, stages := twoStages()
	a.pos = 10
	c := newDescent(t, stages)

	require.NoError(t, c.Step(0.05))
	assert.Equal(t, 10.0, c.Origin())
	assert.Equal(t, []string{"abs 12.0000"}, a.moves)
	assert.Equal(t, PhasePlus, c.Phase())

	require.NoError(t, c.Step(0.12))
	assert.Equal(t, []string{"abs 12.0000", "abs 8.0000"}, a.moves)
	assert.Equal(t, PhaseMinus, c.Phase())

	require.NoError(t, c.Step(0.10))
	require.Len(t, a.moves, 3)
	assert.InDelta(t, 10-1.0/6, a.pos, 1e-9)
	assert.Empty(t, b.moves)

	// Next stage, fresh probe around its own position
	assert.Equal(t, 1, c.ActiveStage())
	assert.Equal(t, PhaseCenter, c.Phase())
	b.pos = -3
	require.NoError(t, c.Step(0.2))
	assert.Equal(t, []string{"abs -1.0000"}, b.moves)
}

func TestDescentThresholdShortCircuit(t *testing.T) {
	a, b, stages := twoStages()
	c := newDescent(t, stages)

	require.NoError(t, c.Step(0.2))
	require.NoError(t, c.Step(0.2))
	require.Equal(t, PhaseMinus, c.Phase())
	moves := totalMoves(a, b)

	require.NoError(t, c.Step(0.005))
	assert.Equal(t, moves, totalMoves(a, b))
	assert.Equal(t, 0, c.ActiveStage())
	assert.Equal(t, PhaseCenter, c.Phase())

	// Stays idle while converged
	require.NoError(t, c.Step(0.001))
	assert.Equal(t, moves, totalMoves(a, b))
}

func TestDescentDegenerateCurvatureAdvances(t *testing.T) {
	a, b, stages := twoStages()
	c := newDescent(t, stages)

	require.NoError(t, c.Step(0.1))
	require.NoError(t, c.Step(0.1))
	err := c.Step(0.1)
	assert.ErrorIs(t, err, ErrDegenerateCurvature)
	assert.Len(t, a.moves, 2)
	assert.Empty(t, b.moves)
	assert.Equal(t, 1, c.ActiveStage())
	assert.Equal(t, PhaseCenter, c.Phase())
}

func TestDescentScenario(t *testing.T) {
	a, b, stages := twoStages()
	c := newDescent(t, stages)

	type slot struct {
		stage int
		phase Phase
	}
	want := []slot{{0, PhasePlus}, {0, PhaseMinus}, {1, PhaseCenter}, {1, PhasePlus}}
	for i, q := range []float64{0.2, 0.18, 0.22, 0.19} {
		before := totalMoves(a, b)
		err := c.Step(q)
		issued := totalMoves(a, b) - before

		if i == 2 {
			// Compute cycle: one move, or none if the samples are collinear
			if errors.Is(err, ErrDegenerateCurvature) {
				assert.Equal(t, 0, issued)
			} else {
				require.NoError(t, err)
				assert.Equal(t, 1, issued)
			}
		} else {
			require.NoError(t, err)
			assert.Equal(t, 1, issued, "cycle %d", i)
		}
		assert.Equal(t, want[i], slot{c.ActiveStage(), c.Phase()}, "cycle %d", i)
	}
}

func TestDescentMoveFailureStillAdvances(t *testing.T) {
	a, _, stages := twoStages()
	a.fail = errors.New("link timeout")
	c := newDescent(t, stages)

	err := c.Step(0.3)
	assert.ErrorIs(t, err, a.fail)
	assert.Equal(t, PhasePlus, c.Phase())
}

func TestDescentRejectsNaN(t *testing.T) {
	a, b, stages := twoStages()
	c := newDescent(t, stages)

	require.NoError(t, c.Step(0.05))
	require.NoError(t, c.Step(0.12))
	require.Equal(t, PhaseMinus, c.Phase())

	assert.Error(t, c.Step(math.NaN()))
	assert.Equal(t, PhaseMinus, c.Phase())
	assert.Equal(t, 0, c.ActiveStage())
	assert.Len(t, a.moves, 2)

	// The probe completes with the next valid sample
	require.NoError(t, c.Step(0.10))
	assert.InDelta(t, -1.0/6, a.pos, 1e-9)
	assert.Empty(t, b.moves)
}
