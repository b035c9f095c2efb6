// Package optimizer turns one QBER measurement per cycle into waveplate moves.
//
// Two strategies are available and chosen when the optimizer is built:
// a random perturbation search with a short memory of good operating points,
// and a second-order coordinate descent that probes one stage at a time.
package optimizer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

var (
	// ErrInvalidOptions is returned by New for options that cannot run.
	ErrInvalidOptions = errors.New("invalid optimizer options")

	// ErrDegenerateCurvature means the three probe samples lie on a line and
	// no Newton step exists. No move is issued for that cycle.
	ErrDegenerateCurvature = errors.New("degenerate curvature")
)

// Actuator is one waveplate stage as seen by the optimizer.
type Actuator interface {
	Name() string
	// PositionDeg returns the last position reported by the device.
	PositionDeg() float64
	MoveAbsoluteDeg(deg float64) error
	MoveRelativeDeg(deg float64) error
}

// Strategy consumes one QBER sample per control cycle. A returned error is a
// fault of that cycle only; the caller logs it and keeps going.
type Strategy interface {
	Step(qber float64) error
	Name() string
}

// Kind selects a Strategy.
type Kind string

const (
	KindRandom            Kind = "random"
	KindCoordinateDescent Kind = "coordinate-descent"
)

// ParseKind accepts the strategy names used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindRandom), "random-search":
		return KindRandom, nil
	case string(KindCoordinateDescent), "descent", "coordinate-descent-2nd-order":
		return KindCoordinateDescent, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidOptions, s)
}

// Options packages together the parameters shared by both strategies.
type Options struct {
	// Stages to drive, in round-robin order. Must be non-empty.
	Stages []Actuator

	// MaxStepsizeDeg is the largest random perturbation (random search) or
	// the probe offset (coordinate descent). Must be > 0.
	MaxStepsizeDeg float64

	// Threshold below which coordinate descent idles.
	Threshold float64

	// NStored is the number of operating points random search remembers.
	// Must be > 0 for random search.
	NStored int

	// Rand provides randomness for random search. Defaults to a time-seeded PCG.
	Rand *rand.Rand

	Logger *slog.Logger
}

// New validates opts and builds the selected strategy.
func New(kind Kind, opts Options) (Strategy, error) {
	if len(opts.Stages) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrInvalidOptions)
	}
	for i, s := range opts.Stages {
		if s == nil {
			return nil, fmt.Errorf("%w: stage %d is nil", ErrInvalidOptions, i)
		}
	}
	if !(opts.MaxStepsizeDeg > 0) {
		return nil, fmt.Errorf("%w: max stepsize must be > 0, got %v", ErrInvalidOptions, opts.MaxStepsizeDeg)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	switch kind {
	case KindRandom:
		if opts.NStored <= 0 {
			return nil, fmt.Errorf("%w: n_stored must be > 0, got %d", ErrInvalidOptions, opts.NStored)
		}
		if opts.Rand == nil {
			seed := uint64(time.Now().UnixNano())
			opts.Rand = rand.New(rand.NewPCG(seed, seed>>1))
		}
		return newRandomSearch(opts), nil
	case KindCoordinateDescent:
		return newCoordinateDescent(opts), nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidOptions, kind)
}

// positions reads the cached position of every stage.
func positions(stages []Actuator) []float64 {
	out := make([]float64, len(stages))
	for i, s := range stages {
		out[i] = s.PositionDeg()
	}
	return out
}
