package knockrod

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Status is the rod's reported operating state.
type Status byte

const (
	StatusUnknown Status = iota
	StatusIdle
	StatusHoming
	StatusReady
	StatusMoving
	StatusFault
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusHoming:
		return "homing"
	case StatusReady:
		return "ready"
	case StatusMoving:
		return "moving"
	case StatusFault:
		return "fault"
	default:
		return "unknown"
	}
}

// State is decoded from an inbound state frame: [status][servo][pos hi][pos lo].
type State struct {
	Status   Status
	Servo    bool
	Position uint16
}

func DecodeState(f Frame) (State, error) {
	if f.Cmd != CmdState {
		return State{}, fmt.Errorf("knockrod: not a state frame: %s", f.Cmd)
	}
	if len(f.Payload) != 4 {
		return State{}, fmt.Errorf("%w: state payload %d bytes", ErrFrameLength, len(f.Payload))
	}
	return State{
		Status:   Status(f.Payload[0]),
		Servo:    f.Payload[1] != 0,
		Position: binary.BigEndian.Uint16(f.Payload[2:4]),
	}, nil
}

// Frame encodes s as the rod would send it.
func (s State) Frame() Frame {
	p := []byte{byte(s.Status), 0, 0, 0}
	if s.Servo {
		p[1] = 1
	}
	binary.BigEndian.PutUint16(p[2:4], s.Position)
	return Frame{Cmd: CmdState, Payload: p}
}

// Stroke is the rod's mechanical stroke length.
type Stroke string

const (
	Stroke8in Stroke = "8in"
	Stroke6in Stroke = "6in"
	Stroke4in Stroke = "4in"
)

func ParseStroke(s string) (Stroke, error) {
	switch st := Stroke(strings.ToLower(strings.TrimSpace(s))); st {
	case Stroke8in, Stroke6in, Stroke4in:
		return st, nil
	case "":
		return Stroke8in, nil
	default:
		return "", fmt.Errorf("knockrod: unknown stroke %q (want 8in, 6in or 4in)", s)
	}
}

// MaxUnits is the stroke length in device units (1/100 mm).
func (s Stroke) MaxUnits() float64 {
	switch s {
	case Stroke6in:
		return 15240
	case Stroke4in:
		return 10160
	default:
		return 20320
	}
}
