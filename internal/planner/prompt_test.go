package planner

import (
	"strings"
	"testing"

	"github.com/MrWong99/marionette/internal/catalog"
)

func TestSystemPrompt(t *testing.T) {
	defs := []catalog.ParameterDef{
		{ID: "ParamBrowLY", Min: -1, Max: 1, Note: "left brow height"},
		{ID: "ParamCheek", Min: 0, Max: 1, IsToggleLike: true, Note: "Blush toggle"},
	}
	got := SystemPrompt(defs)

	lines := strings.Split(got, "\n")
	if lines[0] != "You control a Live2D avatar by adjusting numeric parameters." {
		t.Errorf("first line = %q", lines[0])
	}
	tail := lines[len(lines)-3:]
	want := []string{
		"Parameter glossary:",
		"- ParamBrowLY [-1, 1] — left brow height",
		"- ParamCheek [0, 1] (toggle-like) — Blush toggle",
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("line %d = %q, want %q", len(lines)-3+i, tail[i], want[i])
		}
	}
	if !strings.Contains(got, "Do NOT set ParamMouthOpenY") {
		t.Error("prompt does not reserve the mouth parameter for audio")
	}
}

func TestUserPayload_EmptyCues(t *testing.T) {
	got, err := UserPayload(Request{Strategy: "auto"}, 60, Hints{})
	if err != nil {
		t.Fatalf("UserPayload: %v", err)
	}
	want := `{"words":[],"visemes":[],"fps":60,"strategy":"auto","hints":{"angry":false}}`
	if got != want {
		t.Errorf("payload = %s, want %s", got, want)
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"mode":"keyframes"}`, `{"mode":"keyframes"}`},
		{"  {\"a\":1}\n", `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"```json{\"a\":1}```", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := stripCodeFence(tt.in); got != tt.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
