package timeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownMode is returned by [Decode] when "mode" is missing or is not
	// one of the two known encodings.
	ErrUnknownMode = errors.New("timeline: unknown mode")

	// ErrMissingFrames is returned by [Decode] when the collection required by
	// the mode is absent or is not an array.
	ErrMissingFrames = errors.New("timeline: missing frame collection")
)

// rawTimeline is the loosely-typed shape accepted from external generators.
type rawTimeline struct {
	Mode      Mode            `json:"mode"`
	Keyframes json.RawMessage `json:"keyframes"`
	FixedFPS  json.RawMessage `json:"fixedFps"`
}

type rawKeyframe struct {
	TimeMs json.RawMessage            `json:"timeMs"`
	Params map[string]json.RawMessage `json:"params"`
	Set    map[string]json.RawMessage `json:"set"`
}

type rawFixedFPS struct {
	DtMs   json.RawMessage `json:"dtMs"`
	Frames json.RawMessage `json:"frames"`
}

// Decode checks the structural shape of a candidate timeline and converts it
// into a [Timeline]. The object must carry a known mode together with the
// array that mode requires ("keyframes", or "fixedFps.frames"); anything else
// is rejected with [ErrUnknownMode] or [ErrMissingFrames].
//
// Decode is lenient below the top-level shape. Non-numeric parameter values
// are kept as NaN so that [Clamp] drops them, malformed keyframes become empty
// keyframes at time 0, and keyframes may spell "params" as "set". The result
// must be passed through [Clamp] before use.
func Decode(data []byte) (*Timeline, error) {
	var raw rawTimeline
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("timeline: decode: %w", err)
	}

	switch raw.Mode {
	case ModeKeyframes:
		elems, ok := rawArray(raw.Keyframes)
		if !ok {
			return nil, fmt.Errorf("%w: keyframes", ErrMissingFrames)
		}
		tl := &Timeline{Mode: ModeKeyframes, Keyframes: make([]Keyframe, 0, len(elems))}
		for _, e := range elems {
			tl.Keyframes = append(tl.Keyframes, decodeKeyframe(e))
		}
		return tl, nil

	case ModeFixedFPS:
		var ff rawFixedFPS
		if !isObject(raw.FixedFPS) || json.Unmarshal(raw.FixedFPS, &ff) != nil {
			return nil, fmt.Errorf("%w: fixedFps", ErrMissingFrames)
		}
		elems, ok := rawArray(ff.Frames)
		if !ok {
			return nil, fmt.Errorf("%w: fixedFps.frames", ErrMissingFrames)
		}
		frames := make([]Frame, 0, len(elems))
		for _, e := range elems {
			frames = append(frames, decodeFrame(objectFields(e)))
		}
		return &Timeline{
			Mode:     ModeFixedFPS,
			FixedFPS: &FixedFPS{DtMs: number(ff.DtMs, 0), Frames: frames},
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, raw.Mode)
	}
}

// UnmarshalJSON decodes t with [Decode]. The result is not clamped.
func (t *Timeline) UnmarshalJSON(data []byte) error {
	tl, err := Decode(data)
	if err != nil {
		return err
	}
	*t = *tl
	return nil
}

func decodeKeyframe(data json.RawMessage) Keyframe {
	var rk rawKeyframe
	if !isObject(data) || json.Unmarshal(data, &rk) != nil {
		return Keyframe{Params: Frame{}}
	}
	params := rk.Params
	if params == nil {
		params = rk.Set
	}
	return Keyframe{
		TimeMs: number(rk.TimeMs, 0),
		Params: decodeFrame(params),
	}
}

func decodeFrame(fields map[string]json.RawMessage) Frame {
	f := make(Frame, len(fields))
	for id, v := range fields {
		f[id] = number(v, math.NaN())
	}
	return f
}

// number decodes a JSON number, returning fallback for anything else.
func number(data json.RawMessage, fallback float64) float64 {
	var v float64
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || json.Unmarshal(trimmed, &v) != nil {
		return fallback
	}
	return v
}

func rawArray(data json.RawMessage) ([]json.RawMessage, bool) {
	var elems []json.RawMessage
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		return nil, false
	}
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, false
	}
	return elems, true
}

func isObject(data json.RawMessage) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("{"))
}

func objectFields(data json.RawMessage) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if !isObject(data) || json.Unmarshal(data, &fields) != nil {
		return nil
	}
	return fields
}
