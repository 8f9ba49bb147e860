package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"motionsync/internal/localplay"
	"motionsync/internal/motion"
	"motionsync/internal/script"
	logx "motionsync/pkg/logx"
)

// releaseTimeout bounds servo-off and close during Dispose. It runs on its
// own clock so a caller deadline already spent elsewhere cannot skip it.
const releaseTimeout = 2 * time.Second

// Rod is the locally attached actuator.
type Rod interface {
	localplay.Device
	Retract() error
	SetServo(enabled bool) error
	Close(ctx context.Context) error
}

// RodOpener attaches the rod. A nil opener runs the backend in simulation.
type RodOpener func(ctx context.Context) (Rod, error)

// LocalBackend schedules moves on the client and sends them to a rod, or
// only logs them when no rod is attached.
type LocalBackend struct {
	sched *localplay.Scheduler
	open  RodOpener
	log   logx.Logger

	mu  sync.Mutex
	rod Rod
}

func NewLocal(sched *localplay.Scheduler, open RodOpener, log logx.Logger) *LocalBackend {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LocalBackend{sched: sched, open: open, log: log}
}

func (l *LocalBackend) Name() string          { return "local" }
func (l *LocalBackend) Degradable() bool      { return true }
func (l *LocalBackend) ClientScheduled() bool { return true }

func (l *LocalBackend) Connect(ctx context.Context) error {
	if l.open == nil {
		l.log.Info("no local device configured; simulating moves")
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rod != nil {
		return nil
	}
	rod, err := l.open(ctx)
	if err != nil {
		return err
	}
	l.rod = rod
	l.sched.SetDevice(rod)
	return nil
}

// Attached reports whether a physical rod is in use.
func (l *LocalBackend) Attached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rod != nil
}

// Load hands the timeline to the scheduler and retracts the rod.
func (l *LocalBackend) Load(_ context.Context, tl *script.Timeline) error {
	l.sched.Load(tl)
	l.mu.Lock()
	rod := l.rod
	l.mu.Unlock()
	if rod == nil {
		return nil
	}
	if err := rod.Retract(); err != nil {
		return fmt.Errorf("retract: %w", err)
	}
	return nil
}

func (l *LocalBackend) Play(_ context.Context, req PlayRequest) error {
	if !l.sched.Play(req.AtSeconds, req.Rate, req.ScriptOffset) {
		return script.ErrInvalidScript
	}
	return nil
}

func (l *LocalBackend) Pause(context.Context) error {
	l.sched.Pause()
	return nil
}

func (l *LocalBackend) Playing() bool { return l.sched.Ticking() }

// SetLooping is not supported locally; a run stops at the end of the script.
func (l *LocalBackend) SetLooping(context.Context, bool) error { return nil }

func (l *LocalBackend) SetParams(p motion.DeviceParams) { l.sched.SetParams(p) }

func (l *LocalBackend) Snapshot() localplay.Snapshot { return l.sched.Snapshot() }

// Dispose stops the scheduler, turns the servo off and releases the rod.
// Every step runs even when an earlier one fails, and even when ctx is
// already done: the release gets its own releaseTimeout.
func (l *LocalBackend) Dispose(ctx context.Context) error {
	l.sched.Close()

	l.mu.Lock()
	rod := l.rod
	l.rod = nil
	l.mu.Unlock()
	l.sched.SetDevice(nil)
	if rod == nil {
		return nil
	}

	var errs []error
	if err := rod.SetServo(false); err != nil {
		errs = append(errs, fmt.Errorf("servo off: %w", err))
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := rod.Close(rctx); err != nil {
		errs = append(errs, fmt.Errorf("release rod: %w", err))
	}
	return errors.Join(errs...)
}
