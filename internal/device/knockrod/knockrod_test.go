package knockrod

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionsync/internal/eventbus"
)

func TestMoveFrameEncoding(t *testing.T) {
	t.Parallel()
	got := MoveFrame(9000, 14000, 30).Encode()
	want := []byte{0xAA, 0x55, 0x06, 0x02, 0x23, 0x28, 0x36, 0xB0, 0x1E, 0x97}
	assert.Equal(t, want, got)
}

func TestMoveFrameSaturates(t *testing.T) {
	t.Parallel()
	f := MoveFrame(-5, 100000, 400)
	assert.Equal(t, []byte{0, 0, 0xFF, 0xFF, 0xFF}, f.Payload)
}

func TestDecoderResyncsAfterGarbage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0xAA, 0x13, 0xAA})
	buf.Write(State{Status: StatusReady, Servo: true, Position: 8000}.Frame().Encode())

	bad := ServoFrame(true).Encode()
	bad[len(bad)-1] ^= 0xFF
	buf.Write(bad)
	buf.Write(HomeFrame().Encode())

	dec := NewDecoder(&buf)

	f, err := dec.Next()
	require.NoError(t, err)
	st, err := DecodeState(f)
	require.NoError(t, err)
	assert.Equal(t, State{Status: StatusReady, Servo: true, Position: 8000}, st)

	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrChecksum)

	f, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, CmdHome, f.Cmd)
	assert.Empty(t, f.Payload)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeStateRejectsShortPayload(t *testing.T) {
	t.Parallel()
	_, err := DecodeState(Frame{Cmd: CmdState, Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrFrameLength)
	_, err = DecodeState(HomeFrame())
	assert.Error(t, err)
}

func TestParseStroke(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Stroke
		wantErr bool
	}{
		{in: "8in", want: Stroke8in},
		{in: " 6IN ", want: Stroke6in},
		{in: "4in", want: Stroke4in},
		{in: "", want: Stroke8in},
		{in: "10in", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseStroke(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Greater(t, Stroke8in.MaxUnits(), Stroke6in.MaxUnits())
	assert.Greater(t, Stroke6in.MaxUnits(), Stroke4in.MaxUnits())
}

// openPiped opens a Device whose port is one end of an in-memory pipe; the
// other end is returned as the rod.
func openPiped(t *testing.T, opts Options) (*Device, net.Conn) {
	t.Helper()
	dev, rod := net.Pipe()
	opts.Port = "pipe"
	opts.Open = func(string, int) (io.ReadWriteCloser, error) { return dev, nil }
	d, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = d.Close(ctx)
		_ = rod.Close()
	})
	return d, rod
}

func readFrame(t *testing.T, dec *Decoder) Frame {
	t.Helper()
	type result struct {
		f   Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := dec.Next()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from device")
		return Frame{}
	}
}

func TestOpenHomesAndMoves(t *testing.T) {
	t.Parallel()
	d, rod := openPiped(t, Options{})
	dec := NewDecoder(rod)

	assert.Equal(t, CmdHome, readFrame(t, dec).Cmd)

	require.NoError(t, d.MoveTo(5000, 2000, 10))
	f := readFrame(t, dec)
	assert.Equal(t, MoveFrame(5000, 2000, 10), f)

	require.NoError(t, d.SetServo(false))
	assert.Equal(t, ServoFrame(false), readFrame(t, dec))
}

func TestNewestMoveWins(t *testing.T) {
	t.Parallel()
	d, rod := openPiped(t, Options{})
	// the writer holds the home frame until the rod reads it
	require.Eventually(t, func() bool { return len(d.ctrl) == 0 }, time.Second, time.Millisecond)

	require.NoError(t, d.MoveTo(1000, 500, 0))
	require.NoError(t, d.MoveTo(2000, 500, 0))
	require.NoError(t, d.MoveTo(3000, 500, 0))

	dec := NewDecoder(rod)
	assert.Equal(t, CmdHome, readFrame(t, dec).Cmd)
	assert.Equal(t, MoveFrame(3000, 500, 0), readFrame(t, dec))
	assert.Equal(t, uint64(2), d.Stats().Dropped)
}

func TestFullControlQueue(t *testing.T) {
	t.Parallel()
	d, _ := openPiped(t, Options{QueueSize: 1})
	require.Eventually(t, func() bool { return len(d.ctrl) == 0 }, time.Second, time.Millisecond)

	require.NoError(t, d.SetServo(true))
	err := d.Retract()
	assert.ErrorIs(t, err, ErrDeviceCommand)

	// moves never fail on a busy writer
	assert.NoError(t, d.MoveTo(4000, 900, 0))
}

func TestStateNotificationsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	d, rod := openPiped(t, Options{Bus: bus})
	want := State{Status: StatusMoving, Servo: true, Position: 12345}

	go func() { _, _ = rod.Write(want.Frame().Encode()) }()

	select {
	case e := <-events:
		assert.Equal(t, eventbus.KindDeviceState, e.Kind)
		assert.Equal(t, "moving", e.Data["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no device state event")
	}
	got, ok := d.State()
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestCloseReleasesPortAndRejectsCommands(t *testing.T) {
	t.Parallel()
	d, rod := openPiped(t, Options{})
	dec := NewDecoder(rod)
	assert.Equal(t, CmdHome, readFrame(t, dec).Cmd)

	require.NoError(t, d.SetServo(false))
	closed := make(chan error, 1)
	go func() { closed <- d.Close(context.Background()) }()

	// servo-off is flushed before the port goes away
	assert.Equal(t, ServoFrame(false), readFrame(t, dec))
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}

	_, err := rod.Write([]byte{0})
	assert.True(t, errors.Is(err, io.ErrClosedPipe), "port should be closed, got %v", err)
	assert.ErrorIs(t, d.MoveTo(1, 1, 1), ErrDeviceCommand)
	assert.ErrorIs(t, d.Home(), ErrDeviceCommand)
	assert.NoError(t, d.Close(context.Background()))
}

func TestCloseBoundedWhenRodStalls(t *testing.T) {
	t.Parallel()
	d, _ := openPiped(t, Options{})
	require.NoError(t, d.SetServo(false))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenError(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Options{
		Port: "/dev/none",
		Open: func(string, int) (io.ReadWriteCloser, error) { return nil, errors.New("no such port") },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/none")
}
