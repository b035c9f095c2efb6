package protocol

import (
	"fmt"
	"strconv"
)

// DeviceInfo is the decoded reply to an "in" request.
type DeviceInfo struct {
	Type     int
	Serial   string
	Year     int
	Firmware string
	Hardware string
	// Travel in degrees for rotary stages.
	Travel int
	// PulsesPerUnit as documented by the firmware. The lab units do not
	// agree with it, so it is informational only.
	PulsesPerUnit uint32
}

// Status is the code carried by a "GS" reply.
type Status uint8

const (
	StatusOK Status = iota
	StatusCommunicationTimeout
	StatusMechanicalTimeout
	StatusCommandError
	StatusValueOutOfRange
	StatusModuleIsolated
	StatusModuleOutOfIsolation
	StatusInitializingError
	StatusThermalError
	StatusBusy
	StatusSensorError
	StatusMotorError
	StatusOutOfRange
	StatusOverCurrent
)

var statusNames = [...]string{
	"ok",
	"communication timeout",
	"mechanical timeout",
	"command error",
	"value out of range",
	"module isolated",
	"module out of isolation",
	"initializing error",
	"thermal error",
	"busy",
	"sensor error",
	"motor error",
	"out of range",
	"over current",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("reserved(%d)", uint8(s))
}

// infoLen is the payload length of an "IN" reply after the header.
const infoLen = 30

// ParseInfo decodes "<addr>IN<type:2><serial:8><year:4><fw:2><hw:2><travel:4><pulses:8>".
func ParseInfo(resp string) (DeviceInfo, error) {
	var info DeviceInfo
	body, err := replyBody(resp, ReplyInfo, infoLen)
	if err != nil {
		return info, err
	}
	typ, err := strconv.ParseUint(body[0:2], 16, 8)
	if err != nil {
		return info, &DecodeError{Response: resp, Err: err}
	}
	year, err := strconv.Atoi(body[10:14])
	if err != nil {
		return info, &DecodeError{Response: resp, Err: err}
	}
	travel, err := strconv.ParseUint(body[18:22], 16, 16)
	if err != nil {
		return info, &DecodeError{Response: resp, Err: err}
	}
	pulses, err := strconv.ParseUint(body[22:30], 16, 32)
	if err != nil {
		return info, &DecodeError{Response: resp, Err: err}
	}
	info.Type = int(typ)
	info.Serial = body[2:10]
	info.Year = year
	info.Firmware = body[14:16]
	info.Hardware = body[16:18]
	info.Travel = int(travel)
	info.PulsesPerUnit = uint32(pulses)
	return info, nil
}

// ParseStatus decodes "<addr>GS<code:2>".
func ParseStatus(resp string) (Status, error) {
	body, err := replyBody(resp, ReplyStatus, 2)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(body[:2], 16, 8)
	if err != nil {
		return 0, &DecodeError{Response: resp, Err: err}
	}
	return Status(v), nil
}

// replyBody strips the address and checks the header of a reply.
func replyBody(resp, header string, n int) (string, error) {
	if len(resp) < 1+len(header)+n {
		return "", &DecodeError{Response: resp, Err: fmt.Errorf("short %s reply", header)}
	}
	if resp[1:1+len(header)] != header {
		return "", &DecodeError{Response: resp, Err: fmt.Errorf("expected %s reply", header)}
	}
	return resp[1+len(header):], nil
}
