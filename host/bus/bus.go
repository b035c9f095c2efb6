// Package bus opens the serial link shared by the configured stages.
package bus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"polstab/config"
	"polstab/host/serial"
	"polstab/host/stage"
	"polstab/optimizer"
	"polstab/protocol"
	"polstab/sim"
)

// Bus is a connection to every stage of the configuration.
type Bus struct {
	link   *protocol.Link
	stages []*stage.Stage
	cfgs   []config.StageConfig
	sim    *sim.Device
	logger *slog.Logger
}

// Open connects to the bus described by cfg. With cfg.Link.Simulate set the
// stages are served by an in-process sim.Device.
func Open(cfg *config.Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{cfgs: cfg.Stages, logger: logger}

	var port io.ReadWriteCloser
	if cfg.Link.Simulate {
		addrs := make([]string, len(cfg.Stages))
		for i, st := range cfg.Stages {
			addrs[i] = st.Address
		}
		dev, err := sim.NewDevice(addrs...)
		if err != nil {
			return nil, err
		}
		host, device := net.Pipe()
		go func() {
			if err := dev.Serve(device); err != nil {
				logger.Warn("simulated bus stopped", "error", err)
			}
			device.Close()
		}()
		b.sim = dev
		port = host
		logger.Info("using simulated bus", "stages", len(addrs))
	} else {
		p, err := serial.Open(&serial.Config{
			Device:      cfg.Link.Device,
			Baud:        cfg.Link.Baud,
			ReadTimeout: cfg.Link.ReadTimeout,
			Backend:     cfg.Link.Backend,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		port = p
		logger.Info("opened serial port", "device", cfg.Link.Device, "baud", cfg.Link.Baud, "backend", cfg.Link.Backend)
	}

	b.link = protocol.NewLink(port, protocol.LinkOptions{Timeout: cfg.Link.Timeout, Logger: logger})
	for _, sc := range cfg.Stages {
		st, err := stage.Connect(b.link, sc.Address, stage.Options{
			Name:          sc.Name,
			PulsesPerTurn: sc.PulsesPerTurn,
			Logger:        logger,
		})
		if err != nil {
			b.link.Close()
			return nil, fmt.Errorf("stage %s: %w", sc.Name, err)
		}
		b.stages = append(b.stages, st)
	}
	return b, nil
}

// Close stops the link and closes the port.
func (b *Bus) Close() error {
	return b.link.Close()
}

// Stages returns the connected stages in configuration order.
func (b *Bus) Stages() []*stage.Stage { return b.stages }

// Actuators returns the stages as optimizer actuators.
func (b *Bus) Actuators() []optimizer.Actuator {
	out := make([]optimizer.Actuator, len(b.stages))
	for i, st := range b.stages {
		out[i] = st
	}
	return out
}

// Lookup finds a stage by name or by address.
func (b *Bus) Lookup(key string) (*stage.Stage, bool) {
	for _, st := range b.stages {
		if st.Name() == key || strings.EqualFold(st.Address(), key) {
			return st, true
		}
	}
	return nil, false
}

// Simulator returns the simulated device, or nil on real hardware.
func (b *Bus) Simulator() *sim.Device { return b.sim }

// HomeConfigured homes every stage configured with home: true. Every stage
// is attempted; failures are joined.
func (b *Bus) HomeConfigured() error {
	var errs []error
	for i, st := range b.stages {
		if !b.cfgs[i].Home {
			continue
		}
		b.logger.Info("homing", "stage", st.Name(), "direction", b.cfgs[i].HomeDirection)
		if err := st.Home(b.cfgs[i].HomeDirection); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// PrintInfo writes the identification and status of every stage to w.
func (b *Bus) PrintInfo(w io.Writer) {
	for _, st := range b.stages {
		fmt.Fprintf(w, "%s (address %s)\n", st.Name(), st.Address())
		info, err := st.Info()
		if err != nil {
			fmt.Fprintf(w, "  info: %v\n", err)
			continue
		}
		fmt.Fprintf(w, "  type %d, serial %s, year %d, firmware %s, hardware %s\n",
			info.Type, info.Serial, info.Year, info.Firmware, info.Hardware)
		fmt.Fprintf(w, "  travel %d, pulses per unit %d (configured %.0f per turn)\n",
			info.Travel, info.PulsesPerUnit, st.PulsesPerTurn())
		status, err := st.Status()
		if err != nil {
			fmt.Fprintf(w, "  status: %v\n", err)
			continue
		}
		fmt.Fprintf(w, "  status %s\n", status)
	}
}

// Link returns the shared link, for raw exchanges.
func (b *Bus) Link() *protocol.Link { return b.link }
