// Package cue defines the timed linguistic events that drive rig animation:
// word boundaries from the TTS engine and viseme (mouth-shape) markers.
//
// Events are produced upstream by speech synthesis and are treated as
// read-only input. All times are milliseconds from the start of the utterance.
package cue

import (
	"strings"
	"unicode"
)

// BoundaryKind distinguishes lexical tokens from punctuation tokens in the
// word event stream.
type BoundaryKind int

const (
	// WordBoundary marks a lexical token.
	WordBoundary BoundaryKind = iota

	// PunctuationBoundary marks a token made up only of punctuation.
	PunctuationBoundary
)

// String returns the synthesis engine's name for the boundary kind.
func (k BoundaryKind) String() string {
	switch k {
	case WordBoundary:
		return "WordBoundary"
	case PunctuationBoundary:
		return "PunctuationBoundary"
	default:
		return "unknown"
	}
}

// sentenceTerminators are the characters that end a sentence.
const sentenceTerminators = ".!?"

// WordEvent is one lexical token with timing.
type WordEvent struct {
	Text    string  `json:"text"`
	StartMs float64 `json:"startMs"`
	EndMs   float64 `json:"endMs"`
}

// Kind reports whether w is a word or a punctuation token. An empty token is
// a word boundary.
func (w WordEvent) Kind() BoundaryKind {
	if w.Text == "" {
		return WordBoundary
	}
	for _, r := range w.Text {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) {
			return WordBoundary
		}
	}
	return PunctuationBoundary
}

// EndsSentence reports whether the token carries sentence-terminal
// punctuation ('.', '!' or '?') anywhere in its text. Synthesis engines
// attach punctuation to the preceding word as often as they emit it alone.
func (w WordEvent) EndsSentence() bool {
	return strings.ContainsAny(w.Text, sentenceTerminators)
}

// VisemeEvent is one phoneme-shape marker.
type VisemeEvent struct {
	StartMs  float64 `json:"startMs"`
	VisemeID int     `json:"visemeId"`
}

// Cues bundles the word and viseme streams of one utterance.
type Cues struct {
	Words   []WordEvent
	Visemes []VisemeEvent
}

// DurationMs returns the latest word end time or viseme start time, or 0 when
// there are no events. Negative timestamps never extend the duration.
func (c Cues) DurationMs() float64 {
	var dur float64
	for _, w := range c.Words {
		dur = max(dur, w.EndMs)
	}
	for _, v := range c.Visemes {
		dur = max(dur, v.StartMs)
	}
	return dur
}

// Transcript joins the word texts with single spaces.
func (c Cues) Transcript() string {
	parts := make([]string, 0, len(c.Words))
	for _, w := range c.Words {
		parts = append(parts, w.Text)
	}
	return strings.Join(parts, " ")
}
