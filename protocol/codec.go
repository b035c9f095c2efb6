package protocol

import (
	"fmt"
	"math"
	"strconv"
)

// DecodeError reports a reply that did not carry a parsable position.
type DecodeError struct {
	Response string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid reply %q: %v", e.Response, e.Err)
	}
	return fmt.Sprintf("invalid reply %q", e.Response)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodePulses formats a pulse count as 8 hex digits, big-endian two's complement.
func EncodePulses(p int32) string {
	return fmt.Sprintf("%08X", uint32(p))
}

// DegToPulses converts an angle to device pulses, rounding to the nearest
// step. Values beyond the 32-bit register wrap modulo 2^32 the same way the
// device does. Non-finite angles have no pulse count and return 0; callers
// must reject them first.
func DegToPulses(deg, pulsesPerTurn float64) int32 {
	p := math.Round(deg * pulsesPerTurn / 360)
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	p = math.Mod(p, 1<<32)
	if p < 0 {
		p += 1 << 32
	}
	return int32(uint32(p))
}

// PulsesToDeg converts a device pulse count to degrees.
func PulsesToDeg(p int32, pulsesPerTurn float64) float64 {
	return float64(p) * 360 / pulsesPerTurn
}

// DecodePosition extracts the signed pulse count from the last 8 characters
// of an address-stripped reply.
func DecodePosition(resp string) (int32, error) {
	if len(resp) < 1+PulseDigits {
		return 0, &DecodeError{Response: resp, Err: fmt.Errorf("need %d hex digits", PulseDigits)}
	}
	body := resp[1:]
	v, err := strconv.ParseUint(body[len(body)-PulseDigits:], 16, 32)
	if err != nil {
		return 0, &DecodeError{Response: resp, Err: err}
	}
	return int32(uint32(v)), nil
}
