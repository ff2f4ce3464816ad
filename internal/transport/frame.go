package transport

import (
	"fmt"
	"strconv"
	"strings"

	"growchamber"
)

// MaxDuty is the controller's 12-bit PWM range (PCA9685).
const MaxDuty = 4095

// Opcode selects the request shape.
type Opcode int

const (
	OpSetChannels Opcode = iota
	OpSetFan
	OpGetStatus
	OpPing
)

// Wire keywords. The protocol is line-delimited ASCII: one request line
// out, one response line back.
const (
	cmdSetAll    = "SETALL"
	cmdFanSet    = "FAN_SET"
	cmdGetStatus = "GET_STATUS"
	cmdPing      = "PING"

	respOK           = "OK"
	respErrPrefix    = "ERR:"
	respStatusPrefix = "STATUS"
)

func (op Opcode) String() string {
	switch op {
	case OpSetChannels:
		return cmdSetAll
	case OpSetFan:
		return cmdFanSet
	case OpGetStatus:
		return cmdGetStatus
	case OpPing:
		return cmdPing
	}
	return fmt.Sprintf("Opcode(%d)", int(op))
}

// Request is one framed command. The payload fields used depend on the
// opcode: Duties for OpSetChannels (raw PWM duty 0..MaxDuty per
// channel), FanPercent for OpSetFan. OpGetStatus and OpPing carry no
// payload.
type Request struct {
	Op         Opcode
	Duties     [growchamber.NumChannels]int
	FanPercent int
}

// Status is the controller's reported state from a GET_STATUS exchange.
type Status struct {
	Duties        [growchamber.NumChannels]int
	FanPercent    int
	TachometerRPM int
}

// Response is a decoded acknowledgement frame.
type Response struct {
	OK     bool
	Reason string  // nack reason, empty on success
	Status *Status // only for GET_STATUS
}

func encodeRequest(req Request) (string, error) {
	switch req.Op {
	case OpSetChannels:
		parts := make([]string, 0, growchamber.NumChannels+1)
		parts = append(parts, cmdSetAll)
		for _, d := range req.Duties {
			parts = append(parts, strconv.Itoa(d))
		}
		return strings.Join(parts, " "), nil
	case OpSetFan:
		return cmdFanSet + " " + strconv.Itoa(req.FanPercent), nil
	case OpGetStatus:
		return cmdGetStatus, nil
	case OpPing:
		return cmdPing, nil
	}
	return "", fmt.Errorf("unknown opcode %d", int(req.Op))
}

func decodeResponse(line string) (Response, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == respOK:
		return Response{OK: true}, nil
	case strings.HasPrefix(line, respErrPrefix):
		return Response{Reason: strings.TrimSpace(line[len(respErrPrefix):])}, nil
	case strings.HasPrefix(line, respStatusPrefix):
		st, err := decodeStatus(line)
		if err != nil {
			return Response{}, err
		}
		return Response{OK: true, Status: st}, nil
	}
	return Response{}, fmt.Errorf("unexpected frame %q: %w", line, ErrProtocol)
}

// decodeStatus parses "STATUS d0 d1 d2 d3 d4 d5 fanPct rpm".
func decodeStatus(line string) (*Status, error) {
	fields := strings.Fields(line)
	if len(fields) != growchamber.NumChannels+3 {
		return nil, fmt.Errorf("status frame has %d fields, want %d: %w",
			len(fields), growchamber.NumChannels+3, ErrProtocol)
	}
	vals := make([]int, 0, growchamber.NumChannels+2)
	for _, f := range fields[1:] {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("status field %q: %w", f, ErrProtocol)
		}
		vals = append(vals, v)
	}
	st := &Status{
		FanPercent:    vals[growchamber.NumChannels],
		TachometerRPM: vals[growchamber.NumChannels+1],
	}
	copy(st.Duties[:], vals[:growchamber.NumChannels])
	return st, nil
}
