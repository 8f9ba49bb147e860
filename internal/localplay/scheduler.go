// Package localplay drives a locally attached actuator through a timeline by
// issuing one timed move per segment.
//
// # Tick loop
//
// Play locates the segment containing the playback position, synthesizes the
// current position by interpolation and issues the first move. Each move arms
// exactly one timer for the segment's time budget; when it fires the cursor
// advances to the next keyframe and the next move is issued. The loop stops on
// Pause, Close, or when the timeline runs out.
//
// # Concurrency
//
// Timer callbacks run on runtime goroutines, so every piece of cursor state is
// guarded by one mutex. Each Play/Pause bumps a generation counter; a callback
// captured under an older generation is discarded even if it raced the
// cancellation. There is never more than one live chain of ticks.
package localplay

import (
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"motionsync/internal/eventbus"
	"motionsync/internal/motion"
	"motionsync/internal/script"
	logx "motionsync/pkg/logx"
)

// holdMillis is the length of the synthetic flat segment used past the end
// of the timeline.
const holdMillis = 1000

// Device receives planned moves. Implementations must not block.
type Device interface {
	MoveTo(target float64, velocity int, smoothness float64) error
}

type Options struct {
	Clock  Clock
	Logger logx.Logger
	Bus    eventbus.Bus
}

type Scheduler struct {
	mu sync.Mutex

	clock Clock
	log   logx.Logger
	warn  *logx.Throttled
	bus   eventbus.Bus

	timeline *script.Timeline
	params   motion.DeviceParams
	device   Device

	// cursor
	index   int
	current *script.Keyframe
	// currentAt is current.At before flooring, in ms
	currentAt float64
	lastPos float64
	rate    float64
	timer   Timer
	gen     uint64
	ticking bool
	closed  bool

	moves uint64
}

// Snapshot is a point-in-time view of the cursor, for diagnostics and tests.
type Snapshot struct {
	Ticking    bool
	Armed      bool
	Index      int
	Current    *script.Keyframe
	Rate       float64
	Generation uint64
	Moves      uint64
	Loaded     bool
}

func New(params motion.DeviceParams, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	return &Scheduler{
		clock:  opts.Clock,
		log:    opts.Logger,
		warn:   logx.NewThrottled(opts.Logger, time.Second, 3),
		bus:    opts.Bus,
		params: params,
		index:  -1,
		rate:   1,
	}
}

// Load replaces the timeline. Any run in progress is stopped.
func (s *Scheduler) Load(tl *script.Timeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.ticking = false
	s.timeline = tl
	s.index = -1
	s.current = nil
	s.lastPos = 0
}

// SetParams swaps the device mapping; it applies from the next tick.
func (s *Scheduler) SetParams(p motion.DeviceParams) {
	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
}

// SetDevice attaches (or with nil detaches) the device. Without a device,
// moves are only logged.
func (s *Scheduler) SetDevice(d Device) {
	s.mu.Lock()
	s.device = d
	s.mu.Unlock()
}

// Play starts a run at atSeconds of media time. offsetMillis is added to the
// media position. It reports false when there is nothing to play.
func (s *Scheduler) Play(atSeconds, rate float64, offsetMillis int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playLocked(atSeconds, rate, offsetMillis)
}

// EnsurePlaying starts a run only if none is ticking.
func (s *Scheduler) EnsurePlaying(atSeconds, rate float64, offsetMillis int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticking {
		return false
	}
	return s.playLocked(atSeconds, rate, offsetMillis)
}

// Pause cancels the pending tick. Safe to call at any time, any number of times.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.ticking = false
}

// Close stops the loop for good; later Play calls are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.ticking = false
	s.closed = true
}

func (s *Scheduler) Ticking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticking
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Ticking:    s.ticking,
		Armed:      s.timer != nil,
		Index:      s.index,
		Rate:       s.rate,
		Generation: s.gen,
		Moves:      s.moves,
		Loaded:     s.timeline.Len() > 0,
	}
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
	}
	return snap
}

func (s *Scheduler) playLocked(atSeconds, rate float64, offsetMillis int64) bool {
	if s.closed || s.timeline.Len() == 0 {
		return false
	}
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		rate = 1
	}
	s.rate = rate

	at := int64(math.Floor(atSeconds*1000)) + offsetMillis

	// cancel-before-rearm: the previous chain must be dead before we tick
	s.cancelLocked()

	nextIndex := s.timeline.FindIndexBefore(at)
	s.index = nextIndex - 1

	next, ok := s.timeline.At(nextIndex)
	if !ok {
		// past the end: hold the last position
		last, _ := s.timeline.At(s.timeline.Len() - 1)
		next = script.Keyframe{At: at, Pos: last.Pos}
	}
	prev, ok := s.timeline.At(s.index)
	if !ok {
		// before the first keyframe: hold rather than snap
		prev = script.Keyframe{At: 0, Pos: next.Pos}
	}

	var cur script.Keyframe
	var curAt float64
	if at >= prev.At {
		var pos float64
		curAt, pos = motion.InterpolateActionAt(prev, next, at)
		cur = script.Keyframe{At: int64(math.Floor(curAt)), Pos: pos}
	}
	s.current = &cur
	s.currentAt = curAt
	s.ticking = true

	s.log.Debug("local play",
		logx.Int64("at_ms", at),
		logx.Float64("rate", rate),
		logx.Int("index", s.index),
		logx.Float64("pos", cur.Pos),
		logx.Uint64("gen", s.gen),
	)
	s.tickLocked()
	return true
}

func (s *Scheduler) tickLocked() {
	if !s.ticking || s.closed {
		return
	}

	from := script.Keyframe{At: 0, Pos: s.lastPos}
	var fromAt float64
	if s.current != nil {
		from = *s.current
		fromAt = s.currentAt
	}
	to, ok := s.timeline.At(s.index + 1)
	toAt := float64(to.At)
	if !ok {
		to = script.Keyframe{At: from.At + holdMillis, Pos: from.Pos}
		toAt = fromAt + holdMillis
	}

	deltaT := int64(math.Floor((toAt - fromAt) / s.rate))
	if deltaT < 0 {
		deltaT = 0
	}

	mv := motion.Plan(s.params, from.Pos, to.Pos, deltaT)
	s.issueLocked(mv)
	s.lastPos = to.Pos

	gen := s.gen
	s.timer = s.clock.AfterFunc(time.Duration(deltaT)*time.Millisecond, func() { s.fire(gen) })
}

func (s *Scheduler) issueLocked(mv motion.Move) {
	s.moves++
	if s.device == nil {
		s.log.Debug("simulating move",
			logx.Float64("target", mv.Target),
			logx.Int("velocity", mv.Velocity),
			logx.Float64("smoothness", mv.Smoothness),
			logx.Int64("delta_ms", mv.DeltaT),
		)
	} else if err := s.device.MoveTo(mv.Target, mv.Velocity, mv.Smoothness); err != nil {
		// The device is now out of sync; keep going, the next segment resyncs it.
		s.warn.Warn("device move failed", logx.Err(err), logx.Int("index", s.index))
	}
	s.bus.Publish(eventbus.Event{
		Kind:   eventbus.KindLocalMove,
		Source: "localplay",
		Data: map[string]any{
			"index":    s.index,
			"target":   mv.Target,
			"velocity": mv.Velocity,
			"delta_ms": mv.DeltaT,
		},
	})
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.timer = nil
			s.ticking = false
			s.log.Error("tick panicked; local playback stopped",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	if gen != s.gen || !s.ticking {
		// superseded by Play/Pause after this timer was armed
		return
	}
	s.timer = nil
	s.index++
	kf, ok := s.timeline.At(s.index)
	if !ok {
		s.current = nil
		s.ticking = false
		s.log.Debug("local playback reached end of script", logx.Int("index", s.index))
		s.bus.Publish(eventbus.Event{
			Kind:   eventbus.KindLocalStopped,
			Source: "localplay",
			Data:   map[string]any{"reason": "end_of_script", "moves": s.moves},
		})
		return
	}
	s.current = &kf
	s.currentAt = float64(kf.At)
	s.tickLocked()
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s Snapshot) String() string {
	return fmt.Sprintf("ticking=%v armed=%v index=%d rate=%v gen=%d moves=%d",
		s.Ticking, s.Armed, s.Index, s.Rate, s.Generation, s.Moves)
}
