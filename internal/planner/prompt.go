package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/marionette/internal/catalog"
	"github.com/MrWong99/marionette/internal/cue"
)

// systemRules precede the parameter glossary in every system prompt.
var systemRules = []string{
	"You control a Live2D avatar by adjusting numeric parameters.",
	"Output a SINGLE JSON object with either:",
	`- Keyframes: {"mode":"keyframes","keyframes":[{"timeMs":<ms>,"params":{"<ParamId>":<number>}}, ...]}`,
	`- OR fixed fps: {"mode":"fixed_fps","fixedFps":{"dtMs":<ms_per_frame>,"frames":[{"<ParamId>":<number>}, ...]}}`,
	"Rules:",
	"• Use ONLY parameters from the glossary; keep values within [min,max].",
	"• Snap toggle-like params to integers. Do NOT set ParamMouthOpenY (audio drives mouth).",
	"• Use word/viseme timing for subtle brows/eyes/head/accessories.",
	"• Use punctuation (! ? .) for light nods/blinks; keep subtle.",
	"• If hints.angry is true, prefer visible anger cues (veins, stronger brow tilt) using available glossary params.",
	"",
	"Parameter glossary:",
}

// SystemPrompt renders the generator instructions followed by the glossary of
// defs.
func SystemPrompt(defs []catalog.ParameterDef) string {
	lines := make([]string, 0, len(systemRules)+1)
	lines = append(lines, systemRules...)
	lines = append(lines, catalog.Glossary(defs))
	return strings.Join(lines, "\n")
}

// userPayload is the JSON document sent as the user message.
type userPayload struct {
	Words    []cue.WordEvent   `json:"words"`
	Visemes  []cue.VisemeEvent `json:"visemes"`
	FPS      float64           `json:"fps"`
	Strategy string            `json:"strategy"`
	Hints    Hints             `json:"hints"`
}

// UserPayload serialises the cues of req together with fps and hints.
// Missing word or viseme lists are sent as empty arrays.
func UserPayload(req Request, fps float64, hints Hints) (string, error) {
	p := userPayload{
		Words:    req.Cues.Words,
		Visemes:  req.Cues.Visemes,
		FPS:      fps,
		Strategy: req.Strategy,
		Hints:    hints,
	}
	if p.Words == nil {
		p.Words = []cue.WordEvent{}
	}
	if p.Visemes == nil {
		p.Visemes = []cue.VisemeEvent{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("planner: encode payload: %w", err)
	}
	return string(b), nil
}

// stripCodeFence removes a surrounding Markdown code fence, with or without
// a language tag. Text without a fence is returned trimmed.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
