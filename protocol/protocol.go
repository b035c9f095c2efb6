// Package protocol implements the ASCII line protocol spoken by Elliptec
// rotation stages and the shared serial Link they are addressed over.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Version of the host tooling.
const Version = "0.3.0"

// Opcode is a two character command mnemonic.
type Opcode string

// Commands used by the stage driver.
const (
	OpInfo         Opcode = "in"
	OpStatus       Opcode = "gs"
	OpHome         Opcode = "ho"
	OpMoveAbsolute Opcode = "ma"
	OpMoveRelative Opcode = "mr"
	OpStop         Opcode = "st"
)

// Reply headers, following the address character.
const (
	ReplyPosition = "PO"
	ReplyStatus   = "GS"
	ReplyInfo     = "IN"
)

// Framing constants
const (
	Terminator   = "\r\n"
	PulseDigits  = 8  // hex digits in a pulse payload
	LineMax      = 64 // longest reply we accept before resyncing
	AddressCount = 16 // addresses 0-F share one bus
)

// ErrInvalidAddress is returned for anything that is not a single hex digit.
var ErrInvalidAddress = errors.New("invalid device address")

// ParseAddress validates a device address and normalizes it to upper case.
func ParseAddress(s string) (byte, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("%w: %q must be one hex digit", ErrInvalidAddress, s)
	}
	c := strings.ToUpper(s)[0]
	if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return c, nil
}

// EncodeCommand builds an outbound frame: <addr><op><payload>\r\n.
func EncodeCommand(addr byte, op Opcode, payload string) []byte {
	frame := make([]byte, 0, 1+len(op)+len(payload)+len(Terminator))
	frame = append(frame, addr)
	frame = append(frame, op...)
	frame = append(frame, payload...)
	frame = append(frame, Terminator...)
	return frame
}
