package timeline

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestDecode_Keyframes(t *testing.T) {
	data := `{"mode":"keyframes","keyframes":[
		{"timeMs":120.4,"params":{"ParamAngleY":3,"ParamCheek":"on"}},
		{"timeMs":300,"set":{"ParamEyeLOpen":0.1}},
		42
	]}`
	tl, err := Decode([]byte(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tl.Mode != ModeKeyframes || len(tl.Keyframes) != 3 {
		t.Fatalf("got mode %q with %d keyframes", tl.Mode, len(tl.Keyframes))
	}
	if got := tl.Keyframes[0].Params["ParamAngleY"]; got != 3 {
		t.Errorf("ParamAngleY = %v, want 3", got)
	}
	if got := tl.Keyframes[0].Params["ParamCheek"]; !math.IsNaN(got) {
		t.Errorf("non-numeric value decoded as %v, want NaN", got)
	}
	if got := tl.Keyframes[1].Params["ParamEyeLOpen"]; got != 0.1 {
		t.Errorf("\"set\" alias not honoured: %v", tl.Keyframes[1].Params)
	}
	if kf := tl.Keyframes[2]; kf.TimeMs != 0 || len(kf.Params) != 0 {
		t.Errorf("malformed keyframe decoded as %+v, want empty at 0", kf)
	}

	clamped := Clamp(tl, testDefs)
	if _, ok := clamped.Keyframes[0].Params["ParamCheek"]; ok {
		t.Error("non-numeric value survived clamping")
	}
}

func TestDecode_FixedFPS(t *testing.T) {
	data := `{"mode":"fixed_fps","fixedFps":{"frames":[{"ParamAngleY":1},{"ParamAngleY":null},"junk"]}}`
	tl, err := Decode([]byte(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tl.FixedFPS.DtMs != 0 {
		t.Errorf("absent dtMs decoded as %v, want 0", tl.FixedFPS.DtMs)
	}
	got := Clamp(tl, testDefs)
	if got.FixedFPS.DtMs != 17 {
		t.Errorf("clamped dtMs = %v, want 17", got.FixedFPS.DtMs)
	}
	if got.Len() != 3 {
		t.Fatalf("len = %d, want 3", got.Len())
	}
	if len(got.FixedFPS.Frames[1]) != 0 || len(got.FixedFPS.Frames[2]) != 0 {
		t.Errorf("null and junk frames should be empty: %v", got.FixedFPS.Frames)
	}
}

func TestDecode_ShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"no mode", `{"keyframes":[]}`, ErrUnknownMode},
		{"bad mode", `{"mode":"spline","keyframes":[]}`, ErrUnknownMode},
		{"keyframes missing", `{"mode":"keyframes"}`, ErrMissingFrames},
		{"keyframes not array", `{"mode":"keyframes","keyframes":{"a":1}}`, ErrMissingFrames},
		{"fixedFps missing", `{"mode":"fixed_fps"}`, ErrMissingFrames},
		{"frames missing", `{"mode":"fixed_fps","fixedFps":{"dtMs":16}}`, ErrMissingFrames},
		{"frames not array", `{"mode":"fixed_fps","fixedFps":{"frames":"x"}}`, ErrMissingFrames},
		{"fixedFps not object", `{"mode":"fixed_fps","fixedFps":[1]}`, ErrMissingFrames},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, tc.want) {
				t.Errorf("Decode err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDecode_NotJSON(t *testing.T) {
	for _, data := range []string{"", "not json", "[1,2]", "null"} {
		if _, err := Decode([]byte(data)); err == nil {
			t.Errorf("Decode(%q) succeeded, want error", data)
		}
	}
}

func TestMarshalJSON_Shapes(t *testing.T) {
	tests := []struct {
		name string
		tl   Timeline
		want string
	}{
		{
			name: "empty keyframes keeps array",
			tl:   Timeline{Mode: ModeKeyframes},
			want: `{"mode":"keyframes","keyframes":[]}`,
		},
		{
			name: "fixed fps",
			tl: Timeline{Mode: ModeFixedFPS, FixedFPS: &FixedFPS{
				DtMs:   17,
				Frames: []Frame{{"b": 1, "a": 0.5}, nil},
			}},
			want: `{"mode":"fixed_fps","fixedFps":{"dtMs":17,"frames":[{"a":0.5,"b":1},{}]}}`,
		},
		{
			name: "keyframe",
			tl:   Timeline{Mode: ModeKeyframes, Keyframes: []Keyframe{{TimeMs: 40, Params: Frame{"x": 2}}}},
			want: `{"mode":"keyframes","keyframes":[{"timeMs":40,"params":{"x":2}}]}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := json.Marshal(tc.tl)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("Marshal = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestUnmarshalJSON_RoundTrip(t *testing.T) {
	in := `{"mode":"fixed_fps","fixedFps":{"dtMs":33,"frames":[{"ParamAngleY":3}]}}`
	var tl Timeline
	if err := json.Unmarshal([]byte(in), &tl); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	out, err := json.Marshal(tl)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != in {
		t.Errorf("round trip = %s, want %s", out, in)
	}
}
