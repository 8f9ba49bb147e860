package knockrod

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	sof0 = 0xAA
	sof1 = 0x55

	maxPayload = 32
)

// Command is the command byte of a frame.
type Command byte

const (
	CmdHome    Command = 0x01
	CmdMove    Command = 0x02
	CmdServo   Command = 0x03
	CmdRetract Command = 0x04
	CmdState   Command = 0x80 // inbound
)

func (c Command) String() string {
	switch c {
	case CmdHome:
		return "home"
	case CmdMove:
		return "move"
	case CmdServo:
		return "servo"
	case CmdRetract:
		return "retract"
	case CmdState:
		return "state"
	default:
		return fmt.Sprintf("cmd(0x%02x)", byte(c))
	}
}

var (
	ErrChecksum    = errors.New("knockrod: frame checksum mismatch")
	ErrFrameLength = errors.New("knockrod: bad frame length")
)

// Frame is one command or notification on the wire.
type Frame struct {
	Cmd     Command
	Payload []byte
}

// Encode builds the on-wire representation:
//
//	[SOF0][SOF1][LEN][CMD][payload...][CKS]
//
// LEN counts CMD plus payload; CKS is the XOR of LEN, CMD and the payload.
func (f Frame) Encode() []byte {
	length := byte(len(f.Payload) + 1)
	cks := length ^ byte(f.Cmd)
	for _, b := range f.Payload {
		cks ^= b
	}
	out := make([]byte, 0, len(f.Payload)+5)
	out = append(out, sof0, sof1, length, byte(f.Cmd))
	out = append(out, f.Payload...)
	return append(out, cks)
}

func HomeFrame() Frame    { return Frame{Cmd: CmdHome} }
func RetractFrame() Frame { return Frame{Cmd: CmdRetract} }

func ServoFrame(on bool) Frame {
	var b byte
	if on {
		b = 1
	}
	return Frame{Cmd: CmdServo, Payload: []byte{b}}
}

// MoveFrame packs target and velocity as big-endian uint16 and smoothness as
// uint8, each rounded and saturated to its field width.
func MoveFrame(target float64, velocity int, smoothness float64) Frame {
	p := make([]byte, 5)
	binary.BigEndian.PutUint16(p[0:2], sat16(target))
	binary.BigEndian.PutUint16(p[2:4], sat16(float64(velocity)))
	p[4] = byte(min(max(math.Round(smoothness), 0), math.MaxUint8))
	return Frame{Cmd: CmdMove, Payload: p}
}

func sat16(v float64) uint16 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(math.Round(v))
}

// Decoder reads frames from a byte stream, resynchronizing on the start
// marker after garbage.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next frame. ErrChecksum and ErrFrameLength are
// recoverable: the stream is positioned after the bad frame.
func (d *Decoder) Next() (Frame, error) {
	if err := d.sync(); err != nil {
		return Frame{}, err
	}
	length, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	if length == 0 || length > maxPayload+1 {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameLength, length)
	}
	body := make([]byte, int(length)+1) // cmd + payload + cks
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Frame{}, err
	}
	cks := length
	for _, b := range body[:length] {
		cks ^= b
	}
	if cks != body[length] {
		return Frame{}, ErrChecksum
	}
	f := Frame{Cmd: Command(body[0])}
	if length > 1 {
		f.Payload = body[1:length]
	}
	return f, nil
}

func (d *Decoder) sync() error {
	var prev byte
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == sof0 && b == sof1 {
			return nil
		}
		prev = b
	}
}
