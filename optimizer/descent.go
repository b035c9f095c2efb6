package optimizer

import (
	"fmt"
	"log/slog"
	"math"
)

// MaxNewtonStepDeg caps the move computed from the probe samples.
const MaxNewtonStepDeg = 5.0

// Phase is the probe slot at which the incoming sample was measured.
type Phase int

const (
	PhaseCenter Phase = iota
	PhasePlus
	PhaseMinus
)

func (p Phase) String() string {
	switch p {
	case PhaseCenter:
		return "center"
	case PhasePlus:
		return "plus"
	case PhaseMinus:
		return "minus"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Newton holds the finite-difference estimate around one stage position.
type Newton struct {
	Slope     float64 // dQ/dV
	Curvature float64 // d²Q/dV²
	Step      float64 // Slope/Curvature clamped to ±MaxNewtonStepDeg
	Offset    float64 // move relative to the origin
}

// NewtonEstimate computes the Newton step from samples taken at origin-h,
// origin and origin+h. With positive curvature the stage moves against the
// step (towards the minimum), otherwise along it.
func NewtonEstimate(qLeft, qCenter, qRight, h float64) (Newton, error) {
	n := Newton{
		Slope:     (qRight - qLeft) / (2 * h),
		Curvature: (qRight - 2*qCenter + qLeft) / (h * h),
	}
	if n.Curvature == 0 || math.IsNaN(n.Curvature) || math.IsInf(n.Curvature, 0) {
		return n, fmt.Errorf("%w: samples (%v, %v, %v)", ErrDegenerateCurvature, qLeft, qCenter, qRight)
	}
	n.Step = n.Slope / n.Curvature
	if math.Abs(n.Step) > MaxNewtonStepDeg {
		n.Step = math.Copysign(MaxNewtonStepDeg, n.Step)
	}
	if n.Curvature > 0 {
		n.Offset = -n.Step
	} else {
		n.Offset = n.Step
	}
	return n, nil
}

// CoordinateDescent probes one stage at a time at origin, origin+h and
// origin-h over three cycles, then applies a Newton step and moves on to the
// next stage. A QBER under the threshold resets it to the first stage.
type CoordinateDescent struct {
	stages    []Actuator
	maxStep   float64
	threshold float64
	logger    *slog.Logger

	active  int
	phase   Phase
	origin  float64
	samples [3]float64 // indexed by Phase
}

func newCoordinateDescent(opts Options) *CoordinateDescent {
	return &CoordinateDescent{
		stages:    opts.Stages,
		maxStep:   opts.MaxStepsizeDeg,
		threshold: opts.Threshold,
		logger:    opts.Logger.With("strategy", string(KindCoordinateDescent)),
	}
}

// Name implements Strategy.
func (c *CoordinateDescent) Name() string { return string(KindCoordinateDescent) }

// Step implements Strategy.
func (c *CoordinateDescent) Step(qber float64) error {
	if math.IsNaN(qber) {
		return fmt.Errorf("qber is NaN, %s sample skipped", c.phase)
	}
	if qber < c.threshold {
		if c.active != 0 || c.phase != PhaseCenter {
			c.logger.Debug("below threshold, resetting", "qber", qber)
		}
		c.active, c.phase = 0, PhaseCenter
		return nil
	}

	st := c.stages[c.active]
	var err error
	switch c.phase {
	case PhaseCenter:
		c.origin = st.PositionDeg()
		c.samples[PhaseCenter] = qber
		err = st.MoveAbsoluteDeg(c.origin + c.maxStep)
	case PhasePlus:
		c.samples[PhasePlus] = qber
		err = st.MoveAbsoluteDeg(c.origin - c.maxStep)
	case PhaseMinus:
		c.samples[PhaseMinus] = qber
		err = c.applyNewton(st)
	}
	c.logger.Debug("probe",
		"stage", st.Name(), "phase", c.phase.String(), "qber", qber, "position_deg", st.PositionDeg())

	c.advance()
	if err != nil {
		return fmt.Errorf("%s: %w", st.Name(), err)
	}
	return nil
}

func (c *CoordinateDescent) applyNewton(st Actuator) error {
	n, err := NewtonEstimate(c.samples[PhaseMinus], c.samples[PhaseCenter], c.samples[PhasePlus], c.maxStep)
	if err != nil {
		c.logger.Warn("skipping move", "stage", st.Name(), "error", err)
		return err
	}
	c.logger.Debug("newton step",
		"stage", st.Name(), "slope", n.Slope, "curvature", n.Curvature, "offset_deg", n.Offset)
	return st.MoveAbsoluteDeg(c.origin + n.Offset)
}

// advance moves to the next probe slot, and to the next stage after the
// last slot.
func (c *CoordinateDescent) advance() {
	c.phase = (c.phase + 1) % 3
	if c.phase == PhaseCenter {
		c.active = (c.active + 1) % len(c.stages)
	}
}

// ActiveStage returns the index of the stage being probed.
func (c *CoordinateDescent) ActiveStage() int { return c.active }

// Phase returns the slot the next sample will be stored in.
func (c *CoordinateDescent) Phase() Phase { return c.phase }

// Origin returns the center position of the current probe.
func (c *CoordinateDescent) Origin() float64 { return c.origin }
