// Package fallback synthesizes a subtle idle timeline (breathing, periodic
// blinks, small nods at sentence ends) directly from word and viseme timing.
//
// The generator has no external dependencies and is a pure function of its
// inputs: identical cues, catalog and frame rate always produce an identical
// timeline. It only drives a handful of well-known parameter ids; any of them
// missing from the catalog is skipped.
package fallback

import (
	"math"

	"github.com/MrWong99/marionette/internal/catalog"
	"github.com/MrWong99/marionette/internal/cue"
	"github.com/MrWong99/marionette/internal/timeline"
)

const (
	breathCenter    = 0.5
	breathAmplitude = 0.1
	breathHz        = 0.33

	blinkPeriodMs = 3500.0
	blinkBuckets  = 10
	blinkValue    = 0.1

	nodWindowMs = 200.0

	// ceilingMs bounds every generated timeline, whatever the profile says.
	ceilingMs = 60 * 60 * 1000.0

	defaultFPS = 60
)

// Profile names the rig parameters the generator drives and how strongly.
// The zero value drives nothing; start from [DefaultProfile].
type Profile struct {
	// BreathParam receives a slow sinusoid (period ~3 s).
	BreathParam string

	// EyeLeftParam and EyeRightParam are closed together for a short blink
	// roughly every 3.5 s. Both must exist in the catalog.
	EyeLeftParam  string
	EyeRightParam string

	// HeadYawParam receives NodValue near sentence-terminal punctuation.
	HeadYawParam string

	// NodValue is the head offset applied during a nod.
	NodValue float64

	// MaxDurationMs bounds the generated length. Cues beyond it are ignored.
	// Zero or a value above one hour means one hour.
	MaxDurationMs float64
}

// DefaultProfile drives the standard Live2D Cubism parameter ids.
var DefaultProfile = Profile{
	BreathParam:   "ParamBreath",
	EyeLeftParam:  "ParamEyeLOpen",
	EyeRightParam: "ParamEyeROpen",
	HeadYawParam:  "ParamAngleY",
	NodValue:      3.0,
	MaxDurationMs: 10 * 60 * 1000,
}

// Generate runs [DefaultProfile.Generate].
func Generate(c cue.Cues, defs []catalog.ParameterDef, fps float64) *timeline.Timeline {
	return DefaultProfile.Generate(c, defs, fps)
}

// FrameStep returns the frame spacing in milliseconds for fps:
// round(1000 / max(1, fps)), never below [timeline.MinDtMs]. A non-finite fps
// uses 60.
func FrameStep(fps float64) float64 {
	if math.IsNaN(fps) {
		fps = defaultFPS
	}
	dt := math.Round(1000 / math.Max(1, fps))
	return math.Max(timeline.MinDtMs, dt)
}

// Generate returns a fixed-rate timeline covering the cues' duration, one
// frame every [FrameStep](fps) milliseconds starting at 0. Frames only carry
// the parameters the profile set for them; with none of the profile's ids in
// defs every frame is empty.
//
// The output is designed to be within bounds but callers still pass it
// through [timeline.Clamp], since catalogs differ between rigs.
func (p Profile) Generate(c cue.Cues, defs []catalog.ParameterDef, fps float64) *timeline.Timeline {
	dt := FrameStep(fps)
	dur := c.DurationMs()
	if !(dur > 0) {
		dur = 0 // NaN too
	}
	limit := ceilingMs
	if p.MaxDurationMs > 0 {
		limit = math.Min(limit, p.MaxDurationMs)
	}
	dur = math.Min(dur, limit)

	idx := catalog.NewIndex(defs)
	breath := p.BreathParam != "" && idx.Has(p.BreathParam)
	blink := p.EyeLeftParam != "" && p.EyeRightParam != "" &&
		idx.Has(p.EyeLeftParam) && idx.Has(p.EyeRightParam)
	nod := p.HeadYawParam != "" && idx.Has(p.HeadYawParam)

	var terminals []float64
	if nod {
		for _, w := range c.Words {
			if w.EndsSentence() {
				terminals = append(terminals, w.StartMs)
			}
		}
	}

	n := int(math.Floor(dur/dt)) + 1
	frames := make([]timeline.Frame, 0, n)
	for i := range n {
		t := float64(i) * dt
		f := timeline.Frame{}
		if breath {
			f[p.BreathParam] = breathCenter + breathAmplitude*math.Sin(t/1000*2*math.Pi*breathHz)
		}
		if blink && blinkPhase(t) == 0 {
			f[p.EyeLeftParam] = blinkValue
			f[p.EyeRightParam] = blinkValue
		}
		if nod && nearAny(terminals, t, nodWindowMs) {
			f[p.HeadYawParam] = p.NodValue
		}
		frames = append(frames, f)
	}

	return &timeline.Timeline{
		Mode:     timeline.ModeFixedFPS,
		FixedFPS: &timeline.FixedFPS{DtMs: dt, Frames: frames},
	}
}

// blinkPhase splits each blink period into [blinkBuckets] sub-phases and
// returns the index of the one containing t. Only frames that land in bucket
// 0 blink, so how many frames close the eyes depends on how dt aligns with the
// period.
func blinkPhase(t float64) int {
	frac := math.Mod(t/blinkPeriodMs, 1)
	return int(math.Floor(frac * blinkBuckets))
}

// nearAny reports whether some value in ts lies strictly within window of t.
func nearAny(ts []float64, t, window float64) bool {
	for _, v := range ts {
		if math.Abs(v-t) < window {
			return true
		}
	}
	return false
}
