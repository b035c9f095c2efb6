// Package mapper scans two waveplates over a full turn and measures the QBER
// at every grid point.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"polstab/optimizer"
	"polstab/qber"
	"polstab/trace"
)

// ErrInvalidStep is returned for a grid step that is not in (0, 360].
var ErrInvalidStep = errors.New("mapper: step must be in (0, 360] degrees")

// Options configures a scan.
type Options struct {
	StepADeg float64
	StepBDeg float64
	// Settle is waited after both stages have moved, before measuring.
	Settle time.Duration
	// Writer receives every point as it is measured. Optional.
	Writer *trace.MapWriter
	Logger *slog.Logger
}

// Map holds the scan result. QBER[j][i] is the value at AnglesB[j], AnglesA[i].
// Points whose move or measurement failed are NaN.
type Map struct {
	AnglesA []float64
	AnglesB []float64
	QBER    [][]float64
	Faults  int
}

// Grid returns the angles -180, -180+step, ... up to and including 180.
func Grid(step float64) ([]float64, error) {
	if !(step > 0) || step > 360 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStep, step)
	}
	n := int(math.Floor(360/step+1e-9)) + 1
	out := make([]float64, n)
	for k := range out {
		out[k] = -180 + float64(k)*step
	}
	return out, nil
}

// Scan moves a through its grid in the outer loop and b in the inner loop,
// measuring once per point. Faulted points are logged and left NaN; only a
// cancelled context or a failing writer ends the scan early.
func Scan(ctx context.Context, a, b optimizer.Actuator, src qber.Source, opts Options) (*Map, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	anglesA, err := Grid(opts.StepADeg)
	if err != nil {
		return nil, err
	}
	anglesB, err := Grid(opts.StepBDeg)
	if err != nil {
		return nil, err
	}

	m := &Map{AnglesA: anglesA, AnglesB: anglesB, QBER: make([][]float64, len(anglesB))}
	for j := range m.QBER {
		m.QBER[j] = make([]float64, len(anglesA))
		for i := range m.QBER[j] {
			m.QBER[j][i] = math.NaN()
		}
	}

	for i, angA := range anglesA {
		for j, angB := range anglesB {
			if err := ctx.Err(); err != nil {
				return m, err
			}
			p, err := measure(ctx, a, b, angA, angB, src, opts.Settle)
			if err != nil {
				if ctx.Err() != nil {
					return m, ctx.Err()
				}
				m.Faults++
				logger.Warn("map point failed", "angle_a", angA, "angle_b", angB, "error", err)
				continue
			}
			m.QBER[j][i] = p.QBER
			logger.Debug("map point", "angle_a", angA, "angle_b", angB, "qber", p.QBER)
			if opts.Writer != nil {
				if err := opts.Writer.Point(p); err != nil {
					return m, fmt.Errorf("writing map point: %w", err)
				}
			}
		}
	}
	return m, nil
}

// measure returns the point at (angA, angB), with counts when src is a
// qber.CountSource.
func measure(ctx context.Context, a, b optimizer.Actuator, angA, angB float64, src qber.Source, settle time.Duration) (trace.MapPoint, error) {
	p := trace.MapPoint{AngleA: angA, AngleB: angB}
	if err := a.MoveAbsoluteDeg(angA); err != nil {
		return p, fmt.Errorf("%s: %w", a.Name(), err)
	}
	if err := b.MoveAbsoluteDeg(angB); err != nil {
		return p, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if settle > 0 {
		t := time.NewTimer(settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return p, ctx.Err()
		case <-t.C:
		}
	}
	if cs, ok := src.(qber.CountSource); ok {
		c, err := cs.MeasureCounts(ctx)
		if err != nil {
			return p, err
		}
		p.H, p.V, p.HasCounts, p.QBER = c.H, c.V, true, c.QBER()
		return p, nil
	}
	q, err := src.Measure(ctx)
	p.QBER = q
	return p, err
}

// Best returns the grid point with the lowest QBER, ignoring failed points.
// ok is false when every point failed.
func (m *Map) Best() (angleA, angleB, q float64, ok bool) {
	q = math.Inf(1)
	for j, row := range m.QBER {
		for i, v := range row {
			if !math.IsNaN(v) && v < q {
				angleA, angleB, q, ok = m.AnglesA[i], m.AnglesB[j], v, true
			}
		}
	}
	if !ok {
		q = math.NaN()
	}
	return angleA, angleB, q, ok
}
