package control

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polstab/optimizer"
	"polstab/qber"
	"polstab/trace"
)

type fakeStage struct {
	name string
	pos  float64
}

func (f *fakeStage) Name() string                      { return f.name }
func (f *fakeStage) PositionDeg() float64              { return f.pos }
func (f *fakeStage) MoveAbsoluteDeg(deg float64) error { f.pos = deg; return nil }
func (f *fakeStage) MoveRelativeDeg(deg float64) error { f.pos += deg; return nil }

type scripted struct {
	steps []float64
	err   error
}

func (s *scripted) Name() string { return "scripted" }
func (s *scripted) Step(q float64) error {
	s.steps = append(s.steps, q)
	return s.err
}

type memRecorder struct{ records []trace.Record }

func (m *memRecorder) Record(r trace.Record) error { m.records = append(m.records, r); return nil }
func (m *memRecorder) Close() error                { return nil }

func sequence(values ...float64) qber.Source {
	i := 0
	return qber.SourceFunc(func(context.Context) (float64, error) {
		v := values[i%len(values)]
		i++
		if math.IsNaN(v) {
			return 0, errors.New("counter unavailable")
		}
		return v, nil
	})
}

func TestRunSummary(t *testing.T) {
	strat := &scripted{}
	rec := &memRecorder{}
	l := &Loop{
		Strategy: strat,
		Source:   sequence(0.2, 0.1, 0.3),
		Stages:   []optimizer.Actuator{&fakeStage{name: "hwp", pos: 4}},
		Recorder: rec,
	}

	sum, err := l.Run(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.1, 0.3}, strat.steps)
	assert.Equal(t, 3, sum.Cycles)
	assert.Equal(t, 0, sum.Faults)
	assert.InDelta(t, 0.2, sum.Mean, 1e-12)
	assert.InDelta(t, 0.1, sum.StdDev, 1e-12)
	assert.Equal(t, 0.1, sum.Min)
	assert.Equal(t, 0.3, sum.Final)

	require.Len(t, rec.records, 3)
	assert.Equal(t, []float64{4}, rec.records[2].Positions)
	assert.Equal(t, 2, rec.records[2].Iteration)
}

func TestRunContinuesAfterFaults(t *testing.T) {
	strat := &scripted{err: errors.New("hwp: link timeout")}
	rec := &memRecorder{}
	l := &Loop{Strategy: strat, Source: sequence(0.2, math.NaN()), Recorder: rec}

	sum, err := l.Run(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.2}, strat.steps)
	assert.Equal(t, 2, sum.Cycles)
	assert.Equal(t, 4, sum.Faults)
	require.Len(t, rec.records, 4)
	assert.Equal(t, "counter unavailable", rec.records[1].Fault)
	assert.True(t, math.IsNaN(rec.records[1].QBER))
}

func TestRunUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	src := qber.SourceFunc(func(context.Context) (float64, error) {
		n++
		if n == 5 {
			cancel()
		}
		return 0.05, nil
	})
	l := &Loop{Strategy: &scripted{}, Source: src, Interval: time.Millisecond}

	sum, err := l.Run(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, sum.Cycles)
}

func TestRunWithStrategy(t *testing.T) {
	a := &fakeStage{name: "hwp"}
	b := &fakeStage{name: "qwp"}
	stages := []optimizer.Actuator{a, b}
	strat, err := optimizer.New(optimizer.KindCoordinateDescent, optimizer.Options{
		Stages:         stages,
		MaxStepsizeDeg: 2,
		Threshold:      0.01,
	})
	require.NoError(t, err)

	l := &Loop{Strategy: strat, Source: sequence(0.2, 0.3, 0.25), Stages: stages}
	_, err = l.Run(context.Background(), 3)
	require.NoError(t, err)
	// center 0.2 at 0, right 0.3 at +2, left 0.25 at -2: slope 0.0125, curvature 0.0375
	assert.InDelta(t, -1.0/3, a.pos, 1e-9)
	assert.Equal(t, 0.0, b.pos)
}

func TestRunRequiresStrategy(t *testing.T) {
	_, err := (&Loop{}).Run(context.Background(), 1)
	assert.Error(t, err)
}
