package localplay

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionsync/internal/eventbus"
	"motionsync/internal/motion"
	"motionsync/internal/script"
)

type manualTimer struct {
	c       *manualClock
	id      int
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// manualClock fires callbacks only from Advance, synchronously, in deadline order.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{c: c, id: c.seq, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*manualTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at == due[j].at {
				return due[i].id < due[j].id
			}
			return due[i].at < due[j].at
		})
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// runStale fires every timer callback, including stopped ones, to simulate a
// callback that raced its cancellation.
func (c *manualClock) runStale() {
	c.mu.Lock()
	all := append([]*manualTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range all {
		if t.stopped {
			t.f()
		}
	}
}

type move struct {
	Target     float64
	Velocity   int
	Smoothness float64
}

type recordingDevice struct {
	mu    sync.Mutex
	moves []move
	err   error
}

func (d *recordingDevice) MoveTo(target float64, velocity int, smoothness float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moves = append(d.moves, move{target, velocity, smoothness})
	return d.err
}

func (d *recordingDevice) targets() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, 0, len(d.moves))
	for _, m := range d.moves {
		out = append(out, m.Target)
	}
	return out
}

func linearParams() motion.DeviceParams {
	// identity mapping so targets equal normalized positions
	return motion.DeviceParams{Min: 0, Max: 100, Smoothness: 10}
}

func testTimeline(t *testing.T) *script.Timeline {
	t.Helper()
	// pos equals at/100 so the target identifies the keyframe
	var actions []script.Keyframe
	for i := 0; i <= 8; i++ {
		actions = append(actions, script.Keyframe{At: int64(i) * 1000, Pos: float64(i * 10)})
	}
	tl, err := script.New(script.Raw{Actions: actions})
	require.NoError(t, err)
	return tl
}

func newTestScheduler(t *testing.T) (*Scheduler, *manualClock, *recordingDevice) {
	t.Helper()
	clk := &manualClock{}
	dev := &recordingDevice{}
	s := New(linearParams(), Options{Clock: clk})
	s.SetDevice(dev)
	s.Load(testTimeline(t))
	return s, clk, dev
}

func TestPauseIsIdempotent(t *testing.T) {
	t.Parallel()
	s, clk, dev := newTestScheduler(t)

	require.NotPanics(t, func() {
		s.Pause()
		s.Pause()
	})
	assert.False(t, s.Ticking())
	assert.Equal(t, 0, clk.pending())

	require.True(t, s.Play(1, 1, 0))
	s.Pause()
	s.Pause()
	assert.False(t, s.Snapshot().Armed)
	assert.Equal(t, 0, clk.pending())

	n := len(dev.targets())
	clk.Advance(time.Minute)
	assert.Len(t, dev.targets(), n, "no moves after pause")
}

func TestPlayWithoutTimelineIsNoop(t *testing.T) {
	t.Parallel()
	clk := &manualClock{}
	s := New(linearParams(), Options{Clock: clk})
	assert.False(t, s.Play(0, 1, 0))
	assert.False(t, s.Ticking())
	assert.Equal(t, 0, clk.pending())
}

func TestPlaySupersedesPreviousRun(t *testing.T) {
	t.Parallel()
	s, clk, dev := newTestScheduler(t)

	require.True(t, s.Play(0, 1, 0))
	first := dev.targets()
	require.Len(t, first, 1)

	require.True(t, s.Play(5, 1, 0))
	assert.Equal(t, 1, clk.pending(), "exactly one armed timer")

	clk.Advance(time.Minute)
	clk.runStale()

	got := dev.targets()[1:]
	// from t=5000: move to kf5 from the interpolated point, then kf6..kf8, then the end hold
	assert.Equal(t, []float64{50, 60, 70, 80, 80}, got)
	for _, target := range got {
		assert.GreaterOrEqual(t, target, 50.0, "superseded chain produced a move")
	}
	assert.False(t, s.Ticking())
}

func TestStaleCallbackIsDiscarded(t *testing.T) {
	t.Parallel()
	s, clk, dev := newTestScheduler(t)

	require.True(t, s.Play(2, 1, 0))
	s.Pause()
	before := s.Snapshot()
	clk.runStale()

	after := s.Snapshot()
	assert.Equal(t, before.Index, after.Index)
	assert.Equal(t, before.Moves, after.Moves)
	assert.Len(t, dev.targets(), 1)
}

func TestEnsurePlayingKeepsInFlightSchedule(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestScheduler(t)

	require.True(t, s.EnsurePlaying(3, 1, 0))
	snap := s.Snapshot()

	assert.False(t, s.EnsurePlaying(0, 2, 0))
	assert.False(t, s.EnsurePlaying(7, 0.5, 100))

	again := s.Snapshot()
	assert.Equal(t, snap.Generation, again.Generation)
	assert.Equal(t, snap.Index, again.Index)
	assert.Equal(t, snap.Rate, again.Rate)
	assert.Equal(t, 1, clk.pending())

	s.Pause()
	assert.True(t, s.EnsurePlaying(7, 0.5, 0))
	assert.Equal(t, 0.5, s.Snapshot().Rate)
}

func TestRunsToEndAndStops(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	clk := &manualClock{}
	dev := &recordingDevice{}
	s := New(linearParams(), Options{Clock: clk, Bus: bus})
	s.SetDevice(dev)
	s.Load(testTimeline(t))

	require.True(t, s.Play(6.5, 1, 0))
	clk.Advance(10 * time.Second)

	assert.False(t, s.Ticking())
	assert.Equal(t, 0, clk.pending())
	assert.Equal(t, []float64{70, 80, 80}, dev.targets())

	var stopped bool
	for len(events) > 0 {
		if e := <-events; e.Kind == eventbus.KindLocalStopped {
			stopped = true
		}
	}
	assert.True(t, stopped)
}

func TestRateScalesTimeBudget(t *testing.T) {
	t.Parallel()
	s, clk, dev := newTestScheduler(t)

	require.True(t, s.Play(1.5, 2, 0))
	// 750ms left in the first segment takes 375ms, a full one 500ms
	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, []float64{20, 30}, dev.targets())
}

func TestOffsetShiftsStart(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	require.True(t, s.Play(1, 1, 2000))
	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Index)
	require.NotNil(t, snap.Current)
	// (3000-2000)/3000 of the way from kf2 to kf3
	assert.InDelta(t, 20+10.0/3, snap.Current.Pos, 1e-9)
	assert.Equal(t, int64(2333), snap.Current.At)
}

func TestZeroDeltaTDoesNotStall(t *testing.T) {
	t.Parallel()
	clk := &manualClock{}
	dev := &recordingDevice{}
	s := New(linearParams(), Options{Clock: clk})
	s.SetDevice(dev)
	tl, err := script.New(script.Raw{Actions: []script.Keyframe{
		{At: 0, Pos: 0},
		{At: 1000, Pos: 50},
		{At: 1000, Pos: 100},
	}})
	require.NoError(t, err)
	s.Load(tl)

	require.True(t, s.Play(0.5, 1, 0))
	require.NotPanics(t, func() { clk.Advance(5 * time.Second) })
	assert.False(t, s.Ticking())
	for _, m := range dev.moves {
		assert.GreaterOrEqual(t, m.Velocity, motion.MinVelocity)
		assert.LessOrEqual(t, m.Velocity, motion.MaxVelocity)
	}
}

func TestDeviceErrorsDoNotStopLoop(t *testing.T) {
	t.Parallel()
	s, clk, dev := newTestScheduler(t)
	dev.err = errors.New("write failed")

	require.True(t, s.Play(5, 1, 0))
	clk.Advance(time.Minute)
	assert.Len(t, dev.targets(), 5)
}

func TestSimulatedWithoutDevice(t *testing.T) {
	t.Parallel()
	clk := &manualClock{}
	s := New(linearParams(), Options{Clock: clk})
	s.Load(testTimeline(t))

	require.True(t, s.Play(7, 1, 0))
	clk.Advance(time.Minute)
	assert.Equal(t, uint64(3), s.Snapshot().Moves)
	assert.False(t, s.Ticking())
}

func TestCloseRejectsPlay(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestScheduler(t)
	require.True(t, s.Play(0, 1, 0))
	s.Close()
	assert.Equal(t, 0, clk.pending())
	assert.False(t, s.Play(0, 1, 0))
}

func TestFirstSegmentTimedFromExactStart(t *testing.T) {
	t.Parallel()
	clk := &manualClock{}
	s := New(linearParams(), Options{Clock: clk})
	tl, err := script.New(script.Raw{Actions: []script.Keyframe{{At: 100, Pos: 0}, {At: 1000, Pos: 100}}})
	require.NoError(t, err)
	s.Load(tl)

	// start at 433ms: the synthesized keyframe sits at 399.7ms
	require.True(t, s.Play(0, 1, 433))
	clk.mu.Lock()
	require.Len(t, clk.timers, 1)
	first := clk.timers[0].at
	clk.mu.Unlock()
	assert.Equal(t, 600*time.Millisecond, first, "floor(1000-399.7), not 1000-399")
	assert.Equal(t, int64(399), s.Snapshot().Current.At)
}
