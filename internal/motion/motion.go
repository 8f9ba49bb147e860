// Package motion converts timeline segments into device moves: interpolation
// between keyframes and velocity planning within hardware safety bounds.
package motion

import (
	"errors"
	"fmt"
	"math"

	"motionsync/internal/script"
)

// Hardware velocity bounds in device units per second. Not configurable.
const (
	MinVelocity = 500
	MaxVelocity = 35000
)

// DeviceParams maps normalized positions [0,100] onto device units.
//
// Invert flips the position polarity for devices mounted so that 0 is the
// fully extended end.
type DeviceParams struct {
	Min        float64
	Max        float64
	Smoothness float64
	Invert     bool
}

// DefaultParams matches the 8" rod defaults.
func DefaultParams() DeviceParams {
	return DeviceParams{Min: 2000, Max: 16000, Smoothness: 30, Invert: true}
}

func (p DeviceParams) Validate() error {
	if p.Min < 0 || p.Max < 0 {
		return errors.New("device params: min/max must be >= 0")
	}
	if p.Max <= p.Min {
		return fmt.Errorf("device params: max (%v) must be greater than min (%v)", p.Max, p.Min)
	}
	if p.Smoothness < 0 {
		return errors.New("device params: smoothness must be >= 0")
	}
	return nil
}

// ToDevice converts a normalized position to device units.
func (p DeviceParams) ToDevice(pos float64) float64 {
	if p.Invert {
		pos = 100 - pos
	}
	return Interpolate(p.Min, p.Max, pos/100)
}

// Interpolate returns a + (b-a)*frac. frac is not clamped.
func Interpolate(a, b, frac float64) float64 {
	return a + (b-a)*frac
}

// InterpolateAction synthesizes the keyframe at time at between prev and next.
//
// The fraction is (at - prev.At) / next.At: it divides by the next keyframe's
// absolute time, not by the interval. This matches the behaviour the remote
// and local players were tuned against and is kept as is. A zero next.At
// yields prev unchanged. At is floored to whole milliseconds; timing code
// that needs the exact value uses InterpolateActionAt.
func InterpolateAction(prev, next script.Keyframe, at int64) script.Keyframe {
	atMs, pos := InterpolateActionAt(prev, next, at)
	return script.Keyframe{At: int64(math.Floor(atMs)), Pos: pos}
}

// InterpolateActionAt is InterpolateAction with the synthesized time kept in
// fractional milliseconds.
func InterpolateActionAt(prev, next script.Keyframe, at int64) (atMs, pos float64) {
	if next.At == 0 {
		return float64(prev.At), prev.Pos
	}
	frac := float64(at-prev.At) / float64(next.At)
	return Interpolate(float64(prev.At), float64(next.At), frac), Interpolate(prev.Pos, next.Pos, frac)
}

// Move is one device command.
type Move struct {
	Target     float64 // device units
	Velocity   int     // device units per second, clamped
	Smoothness float64
	DeltaT     int64 // time budget in ms the move was planned for
}

// Plan computes the move from normalized position from to normalized
// position to within deltaT milliseconds (already scaled by playback rate).
//
// A deltaT of zero or less is floored to 1ms: the device is asked to get
// there as fast as it is allowed to.
func Plan(p DeviceParams, from, to float64, deltaT int64) Move {
	return Move{
		Target:     p.ToDevice(to),
		Velocity:   Velocity(p.ToDevice(from), p.ToDevice(to), deltaT),
		Smoothness: p.Smoothness,
		DeltaT:     deltaT,
	}
}

// Velocity returns the clamped speed needed to cover |to-from| device units
// in deltaT milliseconds.
func Velocity(from, to float64, deltaT int64) int {
	if deltaT <= 0 {
		deltaT = 1
	}
	distance := math.Abs(to - from)
	v := math.Round(distance / float64(deltaT) * 1000)
	return ClampVelocity(v)
}

// ClampVelocity bounds v to [MinVelocity, MaxVelocity]. NaN maps to the minimum.
func ClampVelocity(v float64) int {
	if math.IsNaN(v) || v < MinVelocity {
		return MinVelocity
	}
	if v > MaxVelocity {
		return MaxVelocity
	}
	return int(v)
}
