// Package timeline defines the two rig animation encodings (sparse keyframes
// and fixed-rate frames) and enforces the invariants every timeline leaving
// the service must satisfy:
//
//   - every value references a known parameter id,
//   - every value is finite and lies within the parameter's [min, max],
//   - toggle-like parameters hold integer values only,
//   - keyframe times are non-negative integers,
//   - fixed-rate frame spacing is an integer of at least [MinDtMs].
//
// [Clamp] repairs a candidate timeline entry by entry instead of rejecting it;
// entries that cannot be salvaged are dropped.
package timeline

import (
	"encoding/json"
	"math"
)

// Mode is the timeline encoding discriminator.
type Mode string

const (
	// ModeKeyframes is the sparse (time, values) encoding.
	ModeKeyframes Mode = "keyframes"

	// ModeFixedFPS is the constant-step frame encoding.
	ModeFixedFPS Mode = "fixed_fps"
)

// IsValid reports whether m is a known encoding.
func (m Mode) IsValid() bool {
	return m == ModeKeyframes || m == ModeFixedFPS
}

const (
	// MinDtMs is the smallest frame spacing a fixed-rate timeline may use.
	MinDtMs = 8

	// DefaultDtMs is the spacing used when a fixed-rate timeline omits dtMs
	// (one frame at 60 fps, rounded).
	DefaultDtMs = 1000.0 / 60
)

// Frame maps parameter ids to values. A missing key means the parameter is
// not set in this frame; it does not mean zero.
type Frame map[string]float64

// Keyframe is one explicit (time, values) pair.
type Keyframe struct {
	TimeMs float64 `json:"timeMs"`
	Params Frame   `json:"params"`
}

// FixedFPS holds frames spaced DtMs apart; frame i occurs at i*DtMs.
type FixedFPS struct {
	DtMs   float64 `json:"dtMs"`
	Frames []Frame `json:"frames"`
}

// Timeline is a rig animation in exactly one of the two encodings, selected
// by Mode.
type Timeline struct {
	Mode      Mode
	Keyframes []Keyframe
	FixedFPS  *FixedFPS
}

// Len returns the number of keyframes or frames in the active encoding.
func (t *Timeline) Len() int {
	if t == nil {
		return 0
	}
	switch t.Mode {
	case ModeKeyframes:
		return len(t.Keyframes)
	case ModeFixedFPS:
		if t.FixedFPS == nil {
			return 0
		}
		return len(t.FixedFPS.Frames)
	}
	return 0
}

// Empty reports whether t carries no keyframes or no frames. A nil timeline
// is empty; callers that must tell "absent" from "empty" check for nil first.
func (t *Timeline) Empty() bool {
	return t.Len() == 0
}

// DurationMs returns the time of the last keyframe, or the time of the last
// frame for fixed-rate timelines.
func (t *Timeline) DurationMs() float64 {
	switch {
	case t.Empty():
		return 0
	case t.Mode == ModeKeyframes:
		var last float64
		for _, kf := range t.Keyframes {
			last = max(last, kf.TimeMs)
		}
		return last
	default:
		return float64(len(t.FixedFPS.Frames)-1) * t.FixedFPS.DtMs
	}
}

// wireKeyframes and wireFixedFPS are the two JSON shapes of a Timeline. The
// active collection is always present in the output, even when empty.
type wireKeyframes struct {
	Mode      Mode       `json:"mode"`
	Keyframes []Keyframe `json:"keyframes"`
}

type wireFixedFPS struct {
	Mode     Mode      `json:"mode"`
	FixedFPS *FixedFPS `json:"fixedFps,omitempty"`
}

// MarshalJSON encodes only the collection that belongs to t.Mode.
func (t Timeline) MarshalJSON() ([]byte, error) {
	switch t.Mode {
	case ModeKeyframes:
		kfs := t.Keyframes
		if kfs == nil {
			kfs = []Keyframe{}
		}
		return json.Marshal(wireKeyframes{Mode: t.Mode, Keyframes: kfs})
	default:
		return json.Marshal(wireFixedFPS{Mode: t.Mode, FixedFPS: t.FixedFPS})
	}
}

// MarshalJSON encodes a nil frame as an empty object.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]float64(f))
}

// finite reports whether v is neither NaN nor ±Inf.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
