// Package knockrod drives a serial-attached linear rod.
//
// Writes never block the caller. Moves go through a one-slot mailbox where a
// newer move replaces a pending one; control commands (home, servo, retract)
// go through a small FIFO. A single writer goroutine drains both, control
// first, paced by a minimum command interval. A reader goroutine decodes
// state notifications and publishes them on the event bus.
package knockrod

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"golang.org/x/time/rate"

	"motionsync/internal/eventbus"
	"motionsync/internal/runtime/supervisor"
	logx "motionsync/pkg/logx"
)

// ErrDeviceCommand is returned when a command cannot be queued or the device
// is gone.
var ErrDeviceCommand = errors.New("device command failed")

// Opener opens the byte stream to the rod.
type Opener func(port string, baud int) (io.ReadWriteCloser, error)

// SerialOpener opens a real serial port.
func SerialOpener(port string, baud int) (io.ReadWriteCloser, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

type Options struct {
	Port               string
	Baud               int
	Stroke             Stroke
	MinCommandInterval time.Duration
	QueueSize          int

	Open   Opener
	Logger logx.Logger
	Bus    eventbus.Bus
}

type command struct {
	frame Frame
	flush chan struct{} // marker: closed once everything queued before it was written
}

type Device struct {
	opts Options
	log  logx.Logger
	warn *logx.Throttled
	bus  eventbus.Bus

	rw  io.ReadWriteCloser
	sup *supervisor.Supervisor
	lim *rate.Limiter

	moves chan Frame
	ctrl  chan command

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	state   atomic.Pointer[State]
	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Stats counts frames by outcome.
type Stats struct {
	Sent    uint64
	Dropped uint64 // moves replaced before they were written
	Failed  uint64
}

// Open opens the port, starts the I/O goroutines and queues a home command.
// The goroutines outlive ctx; Close stops them.
func Open(ctx context.Context, opts Options) (*Device, error) {
	if opts.Open == nil {
		opts.Open = SerialOpener
	}
	if opts.Baud <= 0 {
		opts.Baud = 115200
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Stroke == "" {
		opts.Stroke = Stroke8in
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	log := opts.Logger.With(logx.String("port", opts.Port))

	rw, err := opts.Open(opts.Port, opts.Baud)
	if err != nil {
		return nil, fmt.Errorf("knockrod: open %s: %w", opts.Port, err)
	}

	limit := rate.Inf
	if opts.MinCommandInterval > 0 {
		limit = rate.Every(opts.MinCommandInterval)
	}
	d := &Device{
		opts:  opts,
		log:   log,
		warn:  logx.NewThrottled(log, time.Second, 1),
		bus:   opts.Bus,
		rw:    rw,
		sup:   supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(log)),
		lim:   rate.NewLimiter(limit, 1),
		moves: make(chan Frame, 1),
		ctrl:  make(chan command, opts.QueueSize),
	}
	d.sup.Go("knockrod.writer", d.writeLoop)
	d.sup.Go("knockrod.reader", d.readLoop)

	if err := d.Home(); err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	log.Info("knockrod opened", logx.Int("baud", opts.Baud), logx.String("stroke", string(opts.Stroke)))
	return d, nil
}

func (d *Device) Stroke() Stroke { return d.opts.Stroke }

// MoveTo queues a move, replacing any move not yet written.
func (d *Device) MoveTo(target float64, velocity int, smoothness float64) error {
	if d.closed.Load() {
		return fmt.Errorf("%w: device closed", ErrDeviceCommand)
	}
	f := MoveFrame(target, velocity, smoothness)
	for {
		select {
		case d.moves <- f:
			return nil
		default:
		}
		select {
		case <-d.moves:
			d.dropped.Add(1)
		default:
		}
	}
}

func (d *Device) Home() error                 { return d.enqueue(HomeFrame()) }
func (d *Device) Retract() error              { return d.enqueue(RetractFrame()) }
func (d *Device) SetServo(enabled bool) error { return d.enqueue(ServoFrame(enabled)) }

func (d *Device) enqueue(f Frame) error {
	if d.closed.Load() {
		return fmt.Errorf("%w: device closed", ErrDeviceCommand)
	}
	select {
	case d.ctrl <- command{frame: f}:
		return nil
	default:
		return fmt.Errorf("%w: %s: control queue full", ErrDeviceCommand, f.Cmd)
	}
}

// State returns the last state reported by the rod.
func (d *Device) State() (State, bool) {
	st := d.state.Load()
	if st == nil {
		return State{}, false
	}
	return *st, true
}

func (d *Device) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Dropped: d.dropped.Load(), Failed: d.failed.Load()}
}

// Close writes out queued control commands (bounded by ctx), then releases the
// port and stops the I/O goroutines. Pending moves are discarded. Safe to
// call more than once.
func (d *Device) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		var errs []error

		done := make(chan struct{})
		select {
		case d.ctrl <- command{flush: done}:
			select {
			case <-done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("knockrod: flush: %w", ctx.Err()))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("knockrod: flush: %w", ctx.Err()))
		}

		d.sup.Cancel()
		if err := d.rw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("knockrod: close port: %w", err))
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.sup.Wait(waitCtx); err != nil {
			errs = append(errs, err)
		}
		d.closeErr = errors.Join(errs...)
		d.log.Info("knockrod closed", logx.Uint64("sent", d.sent.Load()), logx.Uint64("dropped", d.dropped.Load()))
	})
	return d.closeErr
}

func (d *Device) writeLoop(ctx context.Context) error {
	for {
		var cmd command
		select {
		case cmd = <-d.ctrl:
		default:
			select {
			case <-ctx.Done():
				return nil
			case cmd = <-d.ctrl:
			case f := <-d.moves:
				cmd = command{frame: f}
			}
		}
		if cmd.flush != nil {
			close(cmd.flush)
			continue
		}
		if err := d.lim.Wait(ctx); err != nil {
			return nil
		}
		if _, err := d.rw.Write(cmd.frame.Encode()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.failed.Add(1)
			d.warn.Warn("knockrod write failed", logx.String("cmd", cmd.frame.Cmd.String()), logx.Err(err))
			continue
		}
		d.sent.Add(1)
	}
}

func (d *Device) readLoop(ctx context.Context) error {
	dec := NewDecoder(d.rw)
	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, ErrChecksum) || errors.Is(err, ErrFrameLength) {
				d.warn.Warn("knockrod: dropped inbound frame", logx.Err(err))
				continue
			}
			if ctx.Err() != nil || d.closed.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if f.Cmd != CmdState {
			d.log.Trace("knockrod: ignoring frame", logx.String("cmd", f.Cmd.String()))
			continue
		}
		st, err := DecodeState(f)
		if err != nil {
			d.warn.Warn("knockrod: bad state frame", logx.Err(err))
			continue
		}
		prev := d.state.Swap(&st)
		if prev != nil && *prev == st {
			continue
		}
		d.log.Debug("knockrod state", logx.String("status", st.Status.String()), logx.Bool("servo", st.Servo), logx.Int("position", int(st.Position)))
		d.bus.Publish(eventbus.Event{
			Kind:   eventbus.KindDeviceState,
			Source: "knockrod",
			Data: map[string]any{
				"status":   st.Status.String(),
				"servo":    st.Servo,
				"position": st.Position,
			},
		})
	}
}
