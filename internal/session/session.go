// Package session is the playback session: it owns the playback state, the
// script offset and the server clock offset, and dispatches every operation
// to the attached backends.
//
// Backends are independent. A remote backend's connect or upload failure is
// returned to the caller; a local backend failure is logged and the local
// side keeps running as a simulation.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"motionsync/internal/device/knockrod"
	"motionsync/internal/eventbus"
	"motionsync/internal/localplay"
	"motionsync/internal/motion"
	"motionsync/internal/remote/handy"
	"motionsync/internal/script"
	logx "motionsync/pkg/logx"
)

var (
	ErrInvalidPlay          = errors.New("invalid play request")
	ErrConnection           = handy.ErrConnection
	ErrFirmwareIncompatible = handy.ErrFirmwareIncompatible
	ErrInvalidScript        = script.ErrInvalidScript
	ErrDeviceCommand        = knockrod.ErrDeviceCommand
	ErrDisposed             = errors.New("session disposed")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StatePlaying
	StatePaused
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Logger       logx.Logger
	Bus          eventbus.Bus
	ScriptOffset int64
	Looping      bool
}

// Session holds mu only around state changes and calls to client-scheduled
// backends, which never block. Network backends are called after mu is
// released so a slow round trip cannot hold up Pause or the local rod.
type Session struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	runID string

	backends []Backend // near first, then far
	near     []Backend
	far      []Backend
	local    *LocalBackend

	state        State
	timeline     *script.Timeline
	scriptOffset int64
	serverOffset int64
	looping      bool
}

// Status is a snapshot for diagnostics.
type Status struct {
	RunID            string
	State            State
	Keyframes        int
	ScriptOffset     int64
	ServerTimeOffset int64
	Looping          bool
	Backends         map[string]bool // name -> playing
	Local            *localplay.Snapshot
}

// New composes a session over backends. Client-scheduled backends are always
// driven before network ones, whatever order they are given in: they start
// first on Play and are torn down first on Dispose.
func New(opts Options, backends ...Backend) *Session {
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	s := &Session{
		log:          opts.Logger,
		bus:          opts.Bus,
		runID:        uuid.NewString(),
		scriptOffset: opts.ScriptOffset,
		looping:      opts.Looping,
	}
	for _, b := range backends {
		if b == nil {
			continue
		}
		if isClientScheduled(b) {
			s.near = append(s.near, b)
		} else {
			s.far = append(s.far, b)
		}
		if lb, ok := b.(*LocalBackend); ok {
			s.local = lb
		}
	}
	s.backends = append(append([]Backend(nil), s.near...), s.far...)
	s.log = s.log.With(logx.String("run_id", s.runID))
	return s
}

func (s *Session) RunID() string { return s.runID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LoadScript installs tl. An active run is paused first.
func (s *Session) LoadScript(ctx context.Context, tl *script.Timeline) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if tl.Len() == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: empty timeline", ErrInvalidScript)
	}
	wasPlaying := s.state == StatePlaying
	if wasPlaying {
		_ = s.dispatch("pause", s.near, func(b Backend) error { return b.Pause(ctx) })
		s.setStateLocked(StatePaused)
	}
	s.timeline = tl
	looping := s.looping
	s.bus.Publish(eventbus.Event{
		Kind:   eventbus.KindScriptLoaded,
		Source: "session",
		Data: map[string]any{
			"run_id":    s.runID,
			"keyframes": tl.Len(),
			"duration":  tl.Duration(),
			"inverted":  tl.Inverted(),
			"range":     tl.Range(),
		},
	})
	s.log.Info("script loaded", logx.Int("keyframes", tl.Len()), logx.Int64("duration_ms", tl.Duration()))
	nearErr := s.dispatch("load", s.near, func(b Backend) error { return b.Load(ctx, tl) })
	s.mu.Unlock()

	if wasPlaying {
		_ = s.dispatch("pause", s.far, func(b Backend) error { return b.Pause(ctx) })
	}
	err := errors.Join(nearErr, s.dispatch("load", s.far, func(b Backend) error { return b.Load(ctx, tl) }))
	if err == nil && looping {
		// the remote device forgets loop mode with a new script
		err = s.dispatch("loop", s.far, func(b Backend) error { return b.SetLooping(ctx, true) })
	}
	return err
}

// Connect connects all backends concurrently without holding the session.
// A first connect leaves the session Connected even if a backend failed; a
// reconnect keeps Playing or Paused. The first critical error is returned.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDisposed:
		s.mu.Unlock()
		return ErrDisposed
	case StateIdle:
		s.setStateLocked(StateConnecting)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, b := range s.backends {
		g.Go(func() error {
			err := b.Connect(ctx)
			if err == nil {
				return nil
			}
			if isDegradable(b) {
				s.log.Warn("backend connect failed; continuing without it", logx.String("backend", b.Name()), logx.Err(err))
				return nil
			}
			return fmt.Errorf("%s: %w", b.Name(), err)
		})
	}
	err := g.Wait()

	s.mu.Lock()
	if s.state == StateConnecting {
		s.setStateLocked(StateConnected)
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("connect failed", logx.Err(err))
	}
	return err
}

func (s *Session) Play(ctx context.Context, atSeconds, rate float64) error {
	return s.play(ctx, atSeconds, rate, false)
}

// EnsurePlaying starts playback unless the session is already playing.
func (s *Session) EnsurePlaying(ctx context.Context, atSeconds, rate float64) error {
	return s.play(ctx, atSeconds, rate, true)
}

// play starts the client-scheduled backends from atSeconds before any network
// round trip, so the local run is not late by the request latency.
func (s *Session) play(ctx context.Context, atSeconds, rate float64, ensure bool) error {
	if !finite(atSeconds) || !finite(rate) {
		return fmt.Errorf("%w: position %v, rate %v", ErrInvalidPlay, atSeconds, rate)
	}
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if ensure && s.state == StatePlaying {
		s.mu.Unlock()
		return nil
	}
	if s.timeline.Len() == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: no script loaded", ErrInvalidScript)
	}
	if rate <= 0 {
		rate = 1
	}
	req := PlayRequest{
		AtSeconds:        atSeconds,
		Rate:             rate,
		ScriptOffset:     s.scriptOffset,
		ServerTimeOffset: s.serverOffset,
	}
	nearErr := s.dispatch("play", s.near, func(b Backend) error { return b.Play(ctx, req) })
	s.setStateLocked(StatePlaying)
	s.mu.Unlock()

	s.log.Debug("play", logx.Float64("at_s", atSeconds), logx.Float64("rate", rate), logx.Int64("offset_ms", req.ScriptOffset))
	return errors.Join(nearErr, s.dispatch("play", s.far, func(b Backend) error { return b.Play(ctx, req) }))
}

// Pause is safe in any state other than Disposed. The local rod stops before
// any network backend is asked to.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	nearErr := s.dispatch("pause", s.near, func(b Backend) error { return b.Pause(ctx) })
	if s.state == StatePlaying {
		s.setStateLocked(StatePaused)
	}
	s.mu.Unlock()
	return errors.Join(nearErr, s.dispatch("pause", s.far, func(b Backend) error { return b.Pause(ctx) }))
}

func (s *Session) SetLooping(ctx context.Context, looping bool) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.looping = looping
	nearErr := s.dispatch("loop", s.near, func(b Backend) error { return b.SetLooping(ctx, looping) })
	s.mu.Unlock()
	return errors.Join(nearErr, s.dispatch("loop", s.far, func(b Backend) error { return b.SetLooping(ctx, looping) }))
}

// SetScriptOffset applies from the next Play.
func (s *Session) SetScriptOffset(ms int64) {
	s.mu.Lock()
	s.scriptOffset = ms
	s.mu.Unlock()
}

func (s *Session) SetServerTimeOffset(ms int64) {
	s.mu.Lock()
	s.serverOffset = ms
	s.mu.Unlock()
}

func (s *Session) ServerTimeOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverOffset
}

// SetDeviceParams replaces the local device mapping from the next tick.
func (s *Session) SetDeviceParams(p motion.DeviceParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if s.local != nil {
		s.local.SetParams(p)
	}
	return nil
}

// Sync measures the server clock offset and adopts it.
func (s *Session) Sync(ctx context.Context, samples int) (int64, error) {
	var src clockSource
	for _, b := range s.backends {
		if c, ok := b.(clockSource); ok {
			src = c
			break
		}
	}
	if src == nil {
		return 0, errors.New("sync: no backend with a server clock")
	}
	if s.State() == StateDisposed {
		return 0, ErrDisposed
	}
	// sampling is slow; do it without holding the session
	off, err := src.ServerTimeOffset(ctx, samples)
	if err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}
	s.SetServerTimeOffset(off)
	s.bus.Publish(eventbus.Event{
		Kind:   eventbus.KindClockSync,
		Source: "session",
		Data:   map[string]any{"run_id": s.runID, "offset_ms": off, "samples": samples},
	})
	s.log.Info("server clock synced", logx.Int64("offset_ms", off))
	return off, nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		RunID:            s.runID,
		State:            s.state,
		Keyframes:        s.timeline.Len(),
		ScriptOffset:     s.scriptOffset,
		ServerTimeOffset: s.serverOffset,
		Looping:          s.looping,
		Backends:         make(map[string]bool, len(s.backends)),
	}
	for _, b := range s.backends {
		st.Backends[b.Name()] = b.Playing()
	}
	if s.local != nil {
		snap := s.local.Snapshot()
		st.Local = &snap
	}
	return st
}

// Dispose tears every backend down, continuing past failures, and returns
// all of them joined. Client-scheduled backends go first so the motor is off
// before any network teardown can stall. Later operations return ErrDisposed.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateDisposed)
	s.mu.Unlock()

	var errs []error
	for _, b := range s.backends {
		if err := b.Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn("dispose finished with errors", logx.Err(err))
	} else {
		s.log.Info("session disposed")
	}
	return err
}

// dispatch runs fn on each of bs in order. Degradable backends only log; the
// rest are joined into the result.
func (s *Session) dispatch(op string, bs []Backend, fn func(Backend) error) error {
	var errs []error
	for _, b := range bs {
		err := fn(b)
		if err == nil {
			continue
		}
		if isDegradable(b) {
			s.log.Warn("backend "+op+" failed", logx.String("backend", b.Name()), logx.Err(err))
			continue
		}
		errs = append(errs, fmt.Errorf("%s %s: %w", b.Name(), op, err))
	}
	return errors.Join(errs...)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.log.Debug("session state", logx.String("from", from.String()), logx.String("to", to.String()))
	s.bus.Publish(eventbus.Event{
		Kind:   eventbus.KindSessionState,
		Source: "session",
		Data:   map[string]any{"run_id": s.runID, "from": from.String(), "to": to.String()},
	})
}
