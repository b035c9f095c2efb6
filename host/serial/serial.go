package serial

import (
	"fmt"
	"io"
	"time"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - tarm/serial (default, works on every desktop OS)
// - go.bug.st/serial (port enumeration, explicit buffer resets)
// - net.Pipe or the simulator in tests
type Port interface {
	io.ReadWriteCloser

	// Flush discards data received but not read and data written but not
	// yet transmitted.
	Flush() error
}

// Backend names
const (
	BackendTarm  = "tarm"
	BackendBugst = "bugst"
)

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyUSB0", "COM5")
	Device string

	// Baud rate. The Elliptec bus runs at 9600 8N1.
	Baud int

	// ReadTimeout bounds a single read so the reader can notice shutdown.
	// Reply timeouts are handled by the protocol Link, not here.
	ReadTimeout time.Duration

	// Backend selects the driver library, BackendTarm or BackendBugst.
	Backend string
}

// DefaultConfig returns the configuration for an Elliptec bus adapter.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        9600,
		ReadTimeout: 100 * time.Millisecond,
		Backend:     BackendTarm,
	}
}

// Open opens the port with the configured backend.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	switch cfg.Backend {
	case "", BackendTarm:
		return openTarm(cfg)
	case BackendBugst:
		return openBugst(cfg)
	default:
		return nil, fmt.Errorf("unknown serial backend %q", cfg.Backend)
	}
}
