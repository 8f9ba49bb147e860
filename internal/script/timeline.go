// Package script holds motion timelines: keyframes loaded from authored
// funscripts, normalized once at load time, and the lookup index the
// schedulers use to find their place in them.
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidScript is returned for malformed or empty timelines.
var ErrInvalidScript = errors.New("invalid script")

// Keyframe is one (time, position) point. At is in milliseconds, Pos in [0,100].
type Keyframe struct {
	At  int64   `json:"at"`
	Pos float64 `json:"pos"`
}

// Raw is an authored script as it appears on disk.
type Raw struct {
	Actions  []Keyframe `json:"actions"`
	Inverted bool       `json:"inverted,omitempty"`
	Range    float64    `json:"range,omitempty"`
}

// Timeline is a normalized, read-only sequence of keyframes.
// Keyframes are non-decreasing in At; positions already have range and
// inversion applied.
type Timeline struct {
	keyframes []Keyframe

	inverted bool
	rng      float64
}

// Parse decodes a funscript JSON document and normalizes it.
func Parse(b []byte) (*Timeline, error) {
	var raw Raw
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return New(raw)
}

// New validates raw and builds a normalized Timeline.
//
// Normalization order is fixed: range rescale first (pos*100/range when range
// is non-zero, clamped to 100), then inversion (100-pos).
func New(raw Raw) (*Timeline, error) {
	if len(raw.Actions) == 0 {
		return nil, fmt.Errorf("%w: no actions", ErrInvalidScript)
	}
	if raw.Range < 0 || raw.Range > 100 {
		return nil, fmt.Errorf("%w: range %v out of [0,100]", ErrInvalidScript, raw.Range)
	}
	kf := make([]Keyframe, len(raw.Actions))
	for i, a := range raw.Actions {
		if a.At < 0 {
			return nil, fmt.Errorf("%w: action %d has negative at %d", ErrInvalidScript, i, a.At)
		}
		if a.Pos < 0 || a.Pos > 100 {
			return nil, fmt.Errorf("%w: action %d pos %v out of [0,100]", ErrInvalidScript, i, a.Pos)
		}
		kf[i] = Keyframe{At: a.At, Pos: normalizePos(a.Pos, raw.Range, raw.Inverted)}
	}
	// Authoring tools occasionally emit unsorted actions; stable keeps the
	// first-occurrence order for duplicate timestamps.
	sort.SliceStable(kf, func(i, j int) bool { return kf[i].At < kf[j].At })

	return &Timeline{keyframes: kf, inverted: raw.Inverted, rng: raw.Range}, nil
}

func normalizePos(pos, rng float64, inverted bool) float64 {
	if rng != 0 {
		pos = min(pos*100/rng, 100)
	}
	if inverted {
		pos = 100 - pos
	}
	return pos
}

func (t *Timeline) Len() int {
	if t == nil {
		return 0
	}
	return len(t.keyframes)
}

// At returns the keyframe at index i. ok is false when i is out of range.
func (t *Timeline) At(i int) (Keyframe, bool) {
	if t == nil || i < 0 || i >= len(t.keyframes) {
		return Keyframe{}, false
	}
	return t.keyframes[i], true
}

// Keyframes returns a copy of the normalized keyframes.
func (t *Timeline) Keyframes() []Keyframe {
	if t == nil {
		return nil
	}
	return append([]Keyframe(nil), t.keyframes...)
}

// Inverted reports the authored inversion flag (already applied).
func (t *Timeline) Inverted() bool { return t != nil && t.inverted }

// Range reports the authored range (already applied; 0 means full scale).
func (t *Timeline) Range() float64 {
	if t == nil {
		return 0
	}
	return t.rng
}

// Duration is the timestamp of the last keyframe in milliseconds.
func (t *Timeline) Duration() int64 {
	if t.Len() == 0 {
		return 0
	}
	return t.keyframes[len(t.keyframes)-1].At
}

// FindIndexBefore returns the smallest index i with keyframes[i].At >= at
// (lower bound). It returns 0 when at precedes the first keyframe and Len()
// when at is past the last one; callers treat Len() as "no next keyframe".
func (t *Timeline) FindIndexBefore(at int64) int {
	if t == nil {
		return 0
	}
	return FindIndexBefore(t.keyframes, at)
}

// FindIndexBefore is the lower-bound search over a sorted keyframe slice.
func FindIndexBefore(kf []Keyframe, at int64) int {
	return sort.Search(len(kf), func(i int) bool { return kf[i].At >= at })
}
