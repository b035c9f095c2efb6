// Package sim emulates a bus of Elliptec rotation stages so the driver and
// the control loop can run without hardware.
package sim

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"polstab/protocol"
)

// Hook may rewrite the reply to a command. Returning ok=false drops the reply
// entirely, which the host sees as a timeout.
type Hook func(cmd, reply string) (out string, ok bool)

// Device answers commands for a set of addresses on one bus. Addresses that
// are not configured stay silent, like an unpopulated slot.
type Device struct {
	// Hook, if set, sees every reply before it is written.
	Hook Hook

	mu     sync.Mutex
	pulses map[byte]int32
	homed  map[byte]bool
	log    []string
}

// NewDevice creates a bus with stages at the given addresses.
func NewDevice(addresses ...string) (*Device, error) {
	d := &Device{
		pulses: make(map[byte]int32),
		homed:  make(map[byte]bool),
	}
	for _, a := range addresses {
		addr, err := protocol.ParseAddress(a)
		if err != nil {
			return nil, err
		}
		d.pulses[addr] = 0
	}
	return d, nil
}

// Serve answers commands read from rw until it returns an error. io.EOF and
// closed pipes end the session cleanly.
func (d *Device) Serve(rw io.ReadWriter) error {
	r := bufio.NewReader(rw)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return sessionEnd(err)
		}
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}
		reply, ok := d.Handle(cmd)
		if d.Hook != nil {
			reply, ok = d.Hook(cmd, reply)
		}
		if !ok {
			continue
		}
		if _, err := io.WriteString(rw, reply+protocol.Terminator); err != nil {
			return sessionEnd(err)
		}
	}
}

func sessionEnd(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// Handle executes one command and returns the reply the stage would send.
func (d *Device) Handle(cmd string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log = append(d.log, cmd)
	if len(cmd) < 3 {
		return "", false
	}
	addr := cmd[0]
	p, ok := d.pulses[addr]
	if !ok {
		return "", false
	}
	op, payload := protocol.Opcode(cmd[1:3]), cmd[3:]
	a := string(addr)

	switch op {
	case protocol.OpInfo:
		return a + protocol.ReplyInfo + "0E" + fmt.Sprintf("%08d", 11400000+int(addr)) +
			"2023" + "17" + "01" + "0168" + "00023000", true
	case protocol.OpStatus:
		return a + protocol.ReplyStatus + "00", true
	case protocol.OpHome:
		p = 0
		d.homed[addr] = true
	case protocol.OpMoveAbsolute, protocol.OpMoveRelative:
		v, err := strconv.ParseUint(payload, 16, 32)
		if err != nil || len(payload) != protocol.PulseDigits {
			return a + protocol.ReplyStatus + fmt.Sprintf("%02X", uint8(protocol.StatusCommandError)), true
		}
		if op == protocol.OpMoveAbsolute {
			p = int32(uint32(v))
		} else {
			p += int32(uint32(v))
		}
	case protocol.OpStop:
	default:
		return a + protocol.ReplyStatus + fmt.Sprintf("%02X", uint8(protocol.StatusCommandError)), true
	}
	d.pulses[addr] = p
	return a + protocol.ReplyPosition + protocol.EncodePulses(p), true
}

// Pulses returns the simulated register of a stage.
func (d *Device) Pulses(address string) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(address) != 1 {
		return 0
	}
	return d.pulses[strings.ToUpper(address)[0]]
}

// Homed reports whether a stage received a home command.
func (d *Device) Homed(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(address) != 1 {
		return false
	}
	return d.homed[strings.ToUpper(address)[0]]
}

// Commands returns every command seen so far.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.log))
	copy(out, d.log)
	return out
}
