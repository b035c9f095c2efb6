package config

import (
	"fmt"
	"log/slog"

	"polstab/host/serial"
	"polstab/optimizer"
	"polstab/protocol"
)

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration and returns the first problem as a
// *ValidationError.
func (c *Config) Validate() error {
	if !c.Link.Simulate && c.Link.Device == "" {
		return invalid("link.device", "is required unless simulating")
	}
	if c.Link.Baud <= 0 {
		return invalid("link.baud", "must be > 0, got %d", c.Link.Baud)
	}
	switch c.Link.Backend {
	case serial.BackendTarm, serial.BackendBugst:
	default:
		return invalid("link.backend", "unknown backend %q", c.Link.Backend)
	}
	if c.Link.Timeout <= 0 {
		return invalid("link.timeout", "must be > 0, got %v", c.Link.Timeout)
	}
	if c.Link.ReadTimeout <= 0 {
		return invalid("link.read_timeout", "must be > 0, got %v", c.Link.ReadTimeout)
	}

	if len(c.Stages) == 0 {
		return invalid("stages", "at least one stage is required")
	}
	names := make(map[string]bool)
	addrs := make(map[byte]bool)
	for i, st := range c.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		addr, err := protocol.ParseAddress(st.Address)
		if err != nil {
			return invalid(field+".address", "%v", err)
		}
		if addrs[addr] {
			return invalid(field+".address", "address %c used twice", addr)
		}
		addrs[addr] = true
		if names[st.Name] {
			return invalid(field+".name", "name %q used twice", st.Name)
		}
		names[st.Name] = true
		if !(st.PulsesPerTurn > 0) {
			return invalid(field+".pulses_per_turn", "must be > 0, got %v", st.PulsesPerTurn)
		}
		if st.HomeDirection != 0 && st.HomeDirection != 1 {
			return invalid(field+".home_direction", "must be 0 or 1, got %d", st.HomeDirection)
		}
	}

	if _, err := optimizer.ParseKind(c.Optimizer.Strategy); err != nil {
		return invalid("optimizer.strategy", "%v", err)
	}
	if !(c.Optimizer.MaxStepsizeDeg > 0) {
		return invalid("optimizer.max_stepsize_deg", "must be > 0, got %v", c.Optimizer.MaxStepsizeDeg)
	}
	if !(c.Optimizer.Threshold >= 0) {
		return invalid("optimizer.threshold", "must not be negative")
	}
	if c.Optimizer.NStored <= 0 {
		return invalid("optimizer.n_stored", "must be > 0, got %d", c.Optimizer.NStored)
	}

	if c.Loop.Iterations < 0 {
		return invalid("loop.iterations", "must not be negative")
	}

	switch c.Source.Kind {
	case SourceStdin, SourceSimulated:
	case SourceTCP:
		if c.Source.Address == "" {
			return invalid("source.address", "is required for tcp sources")
		}
	default:
		return invalid("source.kind", "unknown kind %q", c.Source.Kind)
	}
	if c.Source.Floor < 0 || c.Source.Floor > 1 {
		return invalid("source.floor", "must be within [0, 1]")
	}

	if !(c.Mapper.StepADeg > 0) {
		return invalid("mapper.step_a_deg", "must be > 0, got %v", c.Mapper.StepADeg)
	}
	if !(c.Mapper.StepBDeg > 0) {
		return invalid("mapper.step_b_deg", "must be > 0, got %v", c.Mapper.StepBDeg)
	}
	if c.Mapper.Settle < 0 {
		return invalid("mapper.settle", "must not be negative")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return invalid("log.level", "%v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format", "must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}
