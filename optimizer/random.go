package optimizer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
)

// RandomSearch is a stochastic hill climb with a short memory. Each cycle
// it either adopts the current positions as the best operating point or
// returns to the best one it remembers, then perturbs one random stage.
type RandomSearch struct {
	stages  []Actuator
	maxStep float64
	rand    *rand.Rand
	logger  *slog.Logger

	history   *History
	operating []float64
	current   []float64

	// suspect is set when a move failed, so the cached positions read at the
	// start of the next cycle may not be where the stages are.
	suspect bool
}

func newRandomSearch(opts Options) *RandomSearch {
	return &RandomSearch{
		stages:    opts.Stages,
		maxStep:   opts.MaxStepsizeDeg,
		rand:      opts.Rand,
		logger:    opts.Logger.With("strategy", string(KindRandom)),
		history:   NewHistory(opts.NStored),
		operating: positions(opts.Stages),
		current:   positions(opts.Stages),
	}
}

// Name implements Strategy.
func (r *RandomSearch) Name() string { return string(KindRandom) }

// Step implements Strategy.
func (r *RandomSearch) Step(qber float64) error {
	var faults []error
	pos := positions(r.stages)

	switch {
	case r.suspect:
		r.logger.Warn("not recording sample, previous move failed", "qber", qber)
		r.suspect = false
	case math.IsNaN(qber):
		faults = append(faults, fmt.Errorf("qber is NaN"))
	default:
		best, ok := r.history.Best()
		if !ok || qber < best.QBER {
			r.operating = pos
			r.logger.Debug("new operating point", "qber", qber, "positions", pos)
		} else {
			r.operating = append([]float64(nil), best.Positions...)
			if err := r.revert(pos, best.Positions); err != nil {
				faults = append(faults, err)
			}
		}
		r.history.Push(Sample{QBER: qber, Positions: pos})
	}

	delta := (2*r.rand.Float64() - 1) * r.maxStep
	i := r.rand.IntN(len(r.stages))
	if err := r.stages[i].MoveRelativeDeg(delta); err != nil {
		r.suspect = true
		faults = append(faults, fmt.Errorf("perturb %s by %.3f deg: %w", r.stages[i].Name(), delta, err))
	}
	r.current = positions(r.stages)
	r.logger.Debug("perturbed", "stage", r.stages[i].Name(), "delta_deg", delta, "positions", r.current)
	return errors.Join(faults...)
}

// revert moves every stage that is away from the target back onto it.
func (r *RandomSearch) revert(from, to []float64) error {
	var faults []error
	for i, s := range r.stages {
		if from[i] == to[i] {
			continue
		}
		if err := s.MoveAbsoluteDeg(to[i]); err != nil {
			r.suspect = true
			faults = append(faults, fmt.Errorf("revert %s to %.3f deg: %w", s.Name(), to[i], err))
		}
	}
	return errors.Join(faults...)
}

// History returns the remembered samples.
func (r *RandomSearch) History() *History { return r.history }

// Operating returns the operating point chosen in the last cycle, before the
// random perturbation.
func (r *RandomSearch) Operating() []float64 {
	return append([]float64(nil), r.operating...)
}

// Current returns the stage positions after the last perturbation.
func (r *RandomSearch) Current() []float64 {
	return append([]float64(nil), r.current...)
}

// Best returns the remembered sample with the lowest QBER.
func (r *RandomSearch) Best() (Sample, bool) { return r.history.Best() }
