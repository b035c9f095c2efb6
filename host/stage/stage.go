// Package stage drives one Elliptec rotation stage on a shared protocol.Link.
package stage

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"polstab/protocol"
)

// DefaultPulsesPerTurn was measured on the lab ELL14 units. The datasheet
// value (262144) does not match them, so every unit should be verified.
const DefaultPulsesPerTurn = 143360

// Home directions
const (
	HomeClockwise        = 0
	HomeCounterClockwise = 1
)

var (
	// ErrInvalidCalibration is returned for a non-positive pulses-per-turn value.
	ErrInvalidCalibration = errors.New("pulses per turn must be positive")

	// ErrInvalidAngle is returned for a NaN or infinite angle. Nothing is sent.
	ErrInvalidAngle = errors.New("angle must be finite")
)

// Options configures a Stage.
type Options struct {
	// Name used in logs, defaults to "stage<addr>".
	Name string

	// PulsesPerTurn is the calibration constant of this unit. Zero selects
	// DefaultPulsesPerTurn.
	PulsesPerTurn float64

	Logger *slog.Logger
}

// Stage is one rotation stage. Its cached position only ever holds values
// the device itself reported.
type Stage struct {
	link          *protocol.Link
	address       byte
	name          string
	pulsesPerTurn float64
	logger        *slog.Logger

	mu       sync.Mutex
	position float64
	homed    bool
}

// Connect binds a stage to an address on a shared link and discards whatever
// a previous session left in the link buffers.
func Connect(link *protocol.Link, address string, opts Options) (*Stage, error) {
	if link == nil {
		return nil, fmt.Errorf("link cannot be nil")
	}
	addr, err := protocol.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	ppt := opts.PulsesPerTurn
	if ppt == 0 {
		ppt = DefaultPulsesPerTurn
	}
	if !(ppt > 0) {
		return nil, fmt.Errorf("stage %c: %w (got %v)", addr, ErrInvalidCalibration, ppt)
	}
	name := opts.Name
	if name == "" {
		name = "stage" + string(addr)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stage{
		link:          link,
		address:       addr,
		name:          name,
		pulsesPerTurn: ppt,
		logger:        logger.With("stage", name, "address", string(addr)),
	}
	if err := link.Purge(); err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	return s, nil
}

// Name returns the configured stage name.
func (s *Stage) Name() string { return s.name }

// Address returns the bus address.
func (s *Stage) Address() string { return string(s.address) }

// PulsesPerTurn returns the calibration constant in use.
func (s *Stage) PulsesPerTurn() float64 { return s.pulsesPerTurn }

// PositionDeg returns the cached position. It never talks to the device.
func (s *Stage) PositionDeg() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Homed reports whether a home command has completed. Until then the cached
// position is relative to wherever the stage happened to be.
func (s *Stage) Homed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homed
}

// Home runs the homing cycle. direction is HomeClockwise or HomeCounterClockwise.
func (s *Stage) Home(direction int) error {
	if direction != HomeClockwise && direction != HomeCounterClockwise {
		return fmt.Errorf("stage %s: invalid home direction %d", s.name, direction)
	}
	if err := s.command(protocol.OpHome, fmt.Sprint(direction)); err != nil {
		return err
	}
	s.mu.Lock()
	s.homed = true
	s.mu.Unlock()
	s.logger.Info("homed", "position_deg", s.PositionDeg())
	return nil
}

// MoveAbsoluteDeg moves to an absolute angle. Out of range values are left
// for the device to reject or wrap.
func (s *Stage) MoveAbsoluteDeg(deg float64) error {
	if err := s.checkAngle(deg); err != nil {
		return err
	}
	return s.MoveAbsolute(protocol.DegToPulses(deg, s.pulsesPerTurn))
}

// MoveRelativeDeg moves by an angle relative to the current position.
func (s *Stage) MoveRelativeDeg(deg float64) error {
	if err := s.checkAngle(deg); err != nil {
		return err
	}
	return s.MoveRelative(protocol.DegToPulses(deg, s.pulsesPerTurn))
}

func (s *Stage) checkAngle(deg float64) error {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return fmt.Errorf("stage %s: %w (got %v)", s.name, ErrInvalidAngle, deg)
	}
	return nil
}

// MoveAbsolute moves to an absolute position in device pulses.
func (s *Stage) MoveAbsolute(pulses int32) error {
	return s.command(protocol.OpMoveAbsolute, protocol.EncodePulses(pulses))
}

// MoveRelative moves by a signed number of device pulses.
func (s *Stage) MoveRelative(pulses int32) error {
	return s.command(protocol.OpMoveRelative, protocol.EncodePulses(pulses))
}

// Stop halts any motion in progress.
func (s *Stage) Stop() error {
	return s.command(protocol.OpStop, "")
}

// Info queries the module information block.
func (s *Stage) Info() (protocol.DeviceInfo, error) {
	resp, err := s.link.Exchange(protocol.EncodeCommand(s.address, protocol.OpInfo, ""))
	if err != nil {
		return protocol.DeviceInfo{}, fmt.Errorf("stage %s: %w", s.name, err)
	}
	info, err := protocol.ParseInfo(resp)
	if err != nil {
		return info, fmt.Errorf("stage %s: %w", s.name, err)
	}
	if float64(info.PulsesPerUnit) != s.pulsesPerTurn {
		s.logger.Debug("device reports a different calibration",
			"device_pulses", info.PulsesPerUnit, "configured_pulses", s.pulsesPerTurn)
	}
	return info, nil
}

// Status queries the status/error code.
func (s *Stage) Status() (protocol.Status, error) {
	resp, err := s.link.Exchange(protocol.EncodeCommand(s.address, protocol.OpStatus, ""))
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", s.name, err)
	}
	st, err := protocol.ParseStatus(resp)
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", s.name, err)
	}
	return st, nil
}

// command sends one motion command and updates the cached position from the
// reply. A reply that does not decode leaves the cache untouched.
func (s *Stage) command(op protocol.Opcode, payload string) error {
	resp, err := s.link.Exchange(protocol.EncodeCommand(s.address, op, payload))
	if err != nil {
		s.logger.Warn("no reply", "op", string(op), "error", err)
		return fmt.Errorf("stage %s: %w", s.name, err)
	}
	pulses, err := protocol.DecodePosition(resp)
	if err != nil {
		s.logger.Warn("invalid reply from actuator", "op", string(op), "error", err)
		return fmt.Errorf("stage %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.position = protocol.PulsesToDeg(pulses, s.pulsesPerTurn)
	s.mu.Unlock()
	return nil
}
