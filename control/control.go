// Package control runs the measure-then-step stabilization loop.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"polstab/optimizer"
	"polstab/qber"
	"polstab/trace"
)

// Loop feeds measured QBER values to a strategy, one cycle per measurement.
type Loop struct {
	Strategy optimizer.Strategy
	Source   qber.Source
	Stages   []optimizer.Actuator
	Recorder trace.Recorder
	Logger   *slog.Logger
	// Interval is waited between cycles, on top of the measurement time.
	Interval time.Duration
	// Now is used for record timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Summary describes the QBER values seen during a run.
type Summary struct {
	Cycles int
	Faults int
	Mean   float64
	StdDev float64
	Min    float64
	Final  float64
	QBERs  []float64
}

// Run executes iterations cycles, or runs until ctx is done when iterations
// is 0. Measurement and step faults are logged and the loop continues; only
// cancellation ends it early, in which case the summary so far is returned
// together with the context error.
func (l *Loop) Run(ctx context.Context, iterations int) (Summary, error) {
	if l.Strategy == nil || l.Source == nil {
		return Summary{}, errors.New("control: loop needs a strategy and a source")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := l.Recorder
	if rec == nil {
		rec = trace.Discard
	}
	now := l.Now
	if now == nil {
		now = time.Now
	}

	var sum Summary
	for i := 0; iterations == 0 || i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return sum.finish(), err
		}

		q, err := l.Source.Measure(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return sum.finish(), ctx.Err()
			}
			sum.Faults++
			logger.Warn("measurement failed", "iteration", i, "error", err)
			l.record(rec, logger, trace.Record{Iteration: i, Time: now(), QBER: math.NaN(), Fault: err.Error()})
			if err := l.wait(ctx); err != nil {
				return sum.finish(), err
			}
			continue
		}

		sum.QBERs = append(sum.QBERs, q)
		r := trace.Record{Iteration: i, Time: now(), QBER: q}
		if err := l.Strategy.Step(q); err != nil {
			sum.Faults++
			r.Fault = err.Error()
			logger.Warn("optimization step failed", "iteration", i, "strategy", l.Strategy.Name(), "error", err)
		}
		r.Positions = positions(l.Stages)
		logger.Info("cycle", "iteration", i, "qber", q, "positions_deg", r.Positions)
		l.record(rec, logger, r)

		if err := l.wait(ctx); err != nil {
			return sum.finish(), err
		}
	}
	return sum.finish(), nil
}

func (l *Loop) record(rec trace.Recorder, logger *slog.Logger, r trace.Record) {
	if err := rec.Record(r); err != nil {
		logger.Warn("recording cycle", "iteration", r.Iteration, "error", err)
	}
}

func (l *Loop) wait(ctx context.Context) error {
	if l.Interval <= 0 {
		return nil
	}
	t := time.NewTimer(l.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func positions(stages []optimizer.Actuator) []float64 {
	out := make([]float64, len(stages))
	for i, s := range stages {
		out[i] = s.PositionDeg()
	}
	return out
}

func (s Summary) finish() Summary {
	s.Cycles = len(s.QBERs)
	if s.Cycles == 0 {
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(s.QBERs, nil)
	if s.Cycles == 1 {
		s.StdDev = 0
	}
	s.Min = floats.Min(s.QBERs)
	s.Final = s.QBERs[s.Cycles-1]
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d cycles, %d faults, qber mean %.4f sd %.4f min %.4f final %.4f",
		s.Cycles, s.Faults, s.Mean, s.StdDev, s.Min, s.Final)
}
