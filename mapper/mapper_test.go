package mapper

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polstab/qber"
	"polstab/trace"
)

type fakeStage struct {
	name string
	pos  float64
	fail func(deg float64) bool
}

func (f *fakeStage) Name() string         { return f.name }
func (f *fakeStage) PositionDeg() float64 { return f.pos }
func (f *fakeStage) MoveAbsoluteDeg(deg float64) error {
	if f.fail != nil && f.fail(deg) {
		return errors.New("link timeout")
	}
	f.pos = deg
	return nil
}
func (f *fakeStage) MoveRelativeDeg(deg float64) error { return f.MoveAbsoluteDeg(f.pos + deg) }

func TestGrid(t *testing.T) {
	g, err := Grid(10)
	require.NoError(t, err)
	assert.Len(t, g, 37)
	assert.Equal(t, -180.0, g[0])
	assert.Equal(t, 180.0, g[36])

	g, err = Grid(360)
	require.NoError(t, err)
	assert.Equal(t, []float64{-180, 180}, g)

	g, err = Grid(100)
	require.NoError(t, err)
	assert.Equal(t, []float64{-180, -80, 20, 120}, g)

	for _, bad := range []float64{0, -5, 361, math.NaN()} {
		_, err := Grid(bad)
		assert.ErrorIs(t, err, ErrInvalidStep)
	}
}

func TestScan(t *testing.T) {
	a := &fakeStage{name: "hwp"}
	b := &fakeStage{name: "qwp"}
	src := qber.NewSimulated(func() []float64 { return []float64{a.pos, b.pos} },
		qber.SimulatedOptions{Targets: []float64{0, 90}})
	var buf bytes.Buffer
	w := trace.NewMapWriter(&buf)

	m, err := Scan(context.Background(), a, b, src, Options{StepADeg: 90, StepBDeg: 180, Writer: w})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Len(t, m.AnglesA, 5)
	assert.Len(t, m.AnglesB, 3)
	require.Len(t, m.QBER, 3)
	require.Len(t, m.QBER[0], 5)
	for _, row := range m.QBER {
		for _, v := range row {
			assert.InDelta(t, 0, v, 1e-12)
		}
	}
	// Outer loop on a: the last point visited is (180, 180)
	assert.Equal(t, 180.0, a.pos)
	assert.Equal(t, 180.0, b.pos)
	assert.Equal(t, 1+15, strings.Count(buf.String(), "\n"))
	// The simulated source has no counts
	assert.Contains(t, buf.String(), "-90\t0\t-\t-\t")

	_, _, q, ok := m.Best()
	assert.True(t, ok)
	assert.InDelta(t, 0, q, 1e-12)
}

func TestScanWritesCounts(t *testing.T) {
	a := &fakeStage{name: "hwp"}
	b := &fakeStage{name: "qwp"}
	src := qber.NewLineSource(strings.NewReader("10 90\n20 80\n30 70\n40 60\n"))
	var buf bytes.Buffer
	w := trace.NewMapWriter(&buf)

	m, err := Scan(context.Background(), a, b, src, Options{StepADeg: 360, StepBDeg: 360, Writer: w})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.InDelta(t, 0.1, m.QBER[0][0], 1e-12)
	assert.InDelta(t, 0.2, m.QBER[1][0], 1e-12)
	assert.InDelta(t, 0.3, m.QBER[0][1], 1e-12)
	assert.InDelta(t, 0.4, m.QBER[1][1], 1e-12)
	assert.Equal(t, []string{
		"angle_a\tangle_b\tcts_h\tcts_v\tqber",
		"-180\t-180\t10\t90\t0.1",
		"-180\t180\t20\t80\t0.2",
		"180\t-180\t30\t70\t0.3",
		"180\t180\t40\t60\t0.4",
	}, strings.Split(strings.TrimSpace(buf.String()), "\n"))
}

func TestScanIndexing(t *testing.T) {
	a := &fakeStage{name: "hwp"}
	b := &fakeStage{name: "qwp"}
	src := qber.SourceFunc(func(context.Context) (float64, error) {
		return (a.pos+180)/1000 + (b.pos+180)/1e6, nil
	})

	m, err := Scan(context.Background(), a, b, src, Options{StepADeg: 180, StepBDeg: 120})
	require.NoError(t, err)
	// QBER[j][i] is at AnglesB[j], AnglesA[i]
	assert.InDelta(t, 0.360+0.000240, m.QBER[2][2], 1e-12)
	assert.InDelta(t, 0.180+0.000120, m.QBER[1][1], 1e-12)

	angA, angB, q, ok := m.Best()
	assert.True(t, ok)
	assert.Equal(t, -180.0, angA)
	assert.Equal(t, -180.0, angB)
	assert.Equal(t, 0.0, q)
}

func TestScanFaultedPoints(t *testing.T) {
	a := &fakeStage{name: "hwp", fail: func(deg float64) bool { return deg == 0 }}
	b := &fakeStage{name: "qwp"}
	src := qber.SourceFunc(func(context.Context) (float64, error) { return 0.1, nil })

	m, err := Scan(context.Background(), a, b, src, Options{StepADeg: 180, StepBDeg: 180})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Faults)
	for j := range m.QBER {
		assert.True(t, math.IsNaN(m.QBER[j][1]))
		assert.Equal(t, 0.1, m.QBER[j][0])
	}
}

func TestScanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	src := qber.SourceFunc(func(context.Context) (float64, error) {
		n++
		if n == 2 {
			cancel()
		}
		return 0.1, nil
	})

	m, err := Scan(ctx, &fakeStage{}, &fakeStage{}, src, Options{StepADeg: 90, StepBDeg: 90})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0.1, m.QBER[1][0])
	assert.True(t, math.IsNaN(m.QBER[2][0]))
}

func TestBestAllFailed(t *testing.T) {
	m := &Map{AnglesA: []float64{0}, AnglesB: []float64{0}, QBER: [][]float64{{math.NaN()}}}
	_, _, q, ok := m.Best()
	assert.False(t, ok)
	assert.True(t, math.IsNaN(q))
}
