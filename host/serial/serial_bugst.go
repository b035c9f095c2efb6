package serial

import (
	"fmt"

	bugst "go.bug.st/serial"
)

// BugstPort wraps a go.bug.st/serial port.
type BugstPort struct {
	bugst.Port
}

func openBugst(cfg *Config) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Device, err)
		}
	}
	return &BugstPort{Port: port}, nil
}

// Flush discards both driver buffers.
func (p *BugstPort) Flush() error {
	if err := p.ResetInputBuffer(); err != nil {
		return err
	}
	return p.ResetOutputBuffer()
}

// ListPorts returns the serial devices present on this machine.
func ListPorts() ([]string, error) {
	return bugst.GetPortsList()
}
