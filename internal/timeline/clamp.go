package timeline

import (
	"math"

	"github.com/MrWong99/marionette/internal/catalog"
)

// Verdict is the outcome of validating one parameter value.
type Verdict int

const (
	// InRange means the value already satisfies every invariant.
	InRange Verdict = iota

	// NeedsClamp means the value is usable after saturation into the
	// parameter's bounds and, for toggle-like parameters, integer snapping.
	NeedsClamp

	// Drop means the entry cannot be salvaged: the id is unknown, the value
	// is not a finite number, or the parameter is toggle-like but its bounds
	// contain no integer.
	Drop
)

// String returns a short lowercase name for the verdict.
func (v Verdict) String() string {
	switch v {
	case InRange:
		return "in_range"
	case NeedsClamp:
		return "needs_clamp"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Classify validates a single (id, value) entry against idx. It is the one
// place where the value invariants are checked.
func Classify(idx catalog.Index, id string, v float64) Verdict {
	def, ok := idx[id]
	if !ok || !finite(v) {
		return Drop
	}
	if def.IsToggleLike {
		if _, _, ok := toggleRange(def); !ok {
			return Drop
		}
	}
	if v < def.Min || v > def.Max {
		return NeedsClamp
	}
	if def.IsToggleLike && v != math.Round(v) {
		return NeedsClamp
	}
	return InRange
}

// Normalize saturates v into def's bounds and snaps toggle-like values to the
// nearest integer, rounding half away from zero. Snapping happens after
// clamping; a snapped value that leaves fractional bounds is pulled back to
// the nearest integer inside them, so [0.5, 1.5] maps 2 to 1. v must be
// finite and a toggle-like def must admit an integer (see [Classify]).
func Normalize(def catalog.ParameterDef, v float64) float64 {
	out := def.Clamp(v)
	if def.IsToggleLike {
		if lo, hi, ok := toggleRange(def); ok {
			out = math.Max(lo, math.Min(hi, math.Round(out)))
		}
	}
	if out == 0 {
		out = 0 // drop the sign of negative zero
	}
	return out
}

// toggleRange returns the integers a toggle-like parameter may take. ok is
// false when [min, max] contains none.
func toggleRange(def catalog.ParameterDef) (lo, hi float64, ok bool) {
	lo, hi = math.Ceil(def.Min), math.Floor(def.Max)
	return lo, hi, lo <= hi
}

// Stats counts what [ClampWithStats] did to the entries of a timeline.
type Stats struct {
	// Kept is the number of entries that survived, adjusted or not.
	Kept int

	// Adjusted is the number of surviving entries whose value changed.
	Adjusted int

	// Dropped is the number of entries removed.
	Dropped int
}

// Clamp returns a copy of tl that satisfies every timeline invariant with
// respect to defs. A nil tl is passed through as nil. The input is not
// modified.
//
// An empty result (no keyframes or no frames) is valid and is distinct from
// nil. Timelines with an unknown mode, or a fixed-rate timeline without a
// frame block, come back empty.
func Clamp(tl *Timeline, defs []catalog.ParameterDef) *Timeline {
	out, _ := ClampWithStats(tl, defs)
	return out
}

// ClampWithStats is [Clamp] that also reports per-entry statistics.
func ClampWithStats(tl *Timeline, defs []catalog.ParameterDef) (*Timeline, Stats) {
	var st Stats
	if tl == nil {
		return nil, st
	}
	idx := catalog.NewIndex(defs)

	out := &Timeline{Mode: tl.Mode}
	switch tl.Mode {
	case ModeKeyframes:
		out.Keyframes = make([]Keyframe, 0, len(tl.Keyframes))
		for _, kf := range tl.Keyframes {
			out.Keyframes = append(out.Keyframes, Keyframe{
				TimeMs: normalizeTime(kf.TimeMs),
				Params: clampFrame(kf.Params, idx, &st),
			})
		}
	case ModeFixedFPS:
		if tl.FixedFPS == nil {
			break
		}
		frames := make([]Frame, 0, len(tl.FixedFPS.Frames))
		for _, f := range tl.FixedFPS.Frames {
			frames = append(frames, clampFrame(f, idx, &st))
		}
		out.FixedFPS = &FixedFPS{
			DtMs:   NormalizeDtMs(tl.FixedFPS.DtMs),
			Frames: frames,
		}
	}
	return out, st
}

// clampFrame builds the sanitized copy of one frame.
func clampFrame(f Frame, idx catalog.Index, st *Stats) Frame {
	out := make(Frame, len(f))
	for id, v := range f {
		switch Classify(idx, id, v) {
		case Drop:
			st.Dropped++
		case NeedsClamp:
			out[id] = Normalize(idx[id], v)
			st.Kept++
			st.Adjusted++
		default:
			out[id] = Normalize(idx[id], v)
			st.Kept++
		}
	}
	return out
}

// normalizeTime coerces a keyframe time to a non-negative integer. Non-finite
// times become 0.
func normalizeTime(ms float64) float64 {
	if !finite(ms) || ms <= 0 {
		return 0
	}
	return math.Round(ms)
}

// NormalizeDtMs coerces a frame spacing to an integer of at least [MinDtMs].
// A zero or non-finite spacing is treated as absent and replaced with
// [DefaultDtMs] before rounding.
func NormalizeDtMs(dt float64) float64 {
	if dt == 0 || !finite(dt) {
		dt = DefaultDtMs
	}
	return math.Max(MinDtMs, math.Round(dt))
}
