package qber

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
)

// SimulatedOptions configures a Simulated source.
type SimulatedOptions struct {
	// Targets are the waveplate angles, in degrees, at which the channel is
	// compensated. One per stage.
	Targets []float64
	// Floor is the QBER at perfect compensation.
	Floor float64
	// Noise is the standard deviation of the additive Gaussian noise.
	Noise float64
	// DriftDeg is the standard deviation of the random walk applied to each
	// target per measurement.
	DriftDeg float64
	Rand     *rand.Rand
}

// Simulated models a fiber link compensated by waveplates. The QBER grows
// with sin²(2Δ) of each waveplate's misalignment Δ and the targets drift
// slowly, the way fiber birefringence does.
type Simulated struct {
	angles func() []float64

	mu      sync.Mutex
	targets []float64
	floor   float64
	noise   float64
	drift   float64
	rand    *rand.Rand
}

// NewSimulated returns a model that reads the current waveplate angles from
// angles on every measurement.
func NewSimulated(angles func() []float64, opts SimulatedOptions) *Simulated {
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulated{
		angles:  angles,
		targets: append([]float64(nil), opts.Targets...),
		floor:   opts.Floor,
		noise:   opts.Noise,
		drift:   opts.DriftDeg,
		rand:    r,
	}
}

// Measure implements Source.
func (s *Simulated) Measure(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	angles := s.angles()

	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.floor + (1-s.floor)*Misalignment(angles, s.targets)
	if s.noise > 0 {
		q += s.rand.NormFloat64() * s.noise
	}
	if s.drift > 0 {
		for i := range s.targets {
			s.targets[i] += s.rand.NormFloat64() * s.drift
		}
	}
	return math.Min(math.Max(q, 0), 1), nil
}

// Targets returns a copy of the current compensation angles.
func (s *Simulated) Targets() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.targets...)
}

// Misalignment is the mean of sin²(2Δ) over the stages, 0 when every angle
// matches its target modulo 90°. Missing targets count as 0°.
func Misalignment(angles, targets []float64) float64 {
	if len(angles) == 0 {
		return 0
	}
	var sum float64
	for i, a := range angles {
		var t float64
		if i < len(targets) {
			t = targets[i]
		}
		s := math.Sin(2 * (a - t) * math.Pi / 180)
		sum += s * s
	}
	return sum / float64(len(angles))
}
