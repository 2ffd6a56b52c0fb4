package planner

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/marionette/internal/cue"
)

// Hints are affect signals derived from the transcript and passed to the
// generator alongside the cues.
type Hints struct {
	Angry bool `json:"angry"`
}

// affectPhrase is one row of an affect pattern table.
//
// pattern is matched against the raw transcript. spoken is the canonical
// normalised form used for fuzzy matching when the pattern misses, and key is
// the word whose phonetic code must appear in a fuzzy match.
type affectPhrase struct {
	pattern *regexp.Regexp
	spoken  string
	key     string
}

// angerPhrases signal that the speaker is angry.
var angerPhrases = []affectPhrase{
	{
		pattern: regexp.MustCompile(`(?i)don'?t\s+piss\s+me\s+off`),
		spoken:  "dont piss me off",
		key:     "piss",
	},
	{
		pattern: regexp.MustCompile(`(?i)\bi['’]?m\s+angry\b`),
		spoken:  "im angry",
		key:     "angry",
	},
	{
		pattern: regexp.MustCompile(`(?i)you'?re\s+one\s+of\s+those\s+delinquents`),
		spoken:  "youre one of those delinquents",
		key:     "delinquents",
	},
}

// DetectHints derives [Hints] from the words in c.
//
// Each phrase is first tried as a regular expression. When fuzzyThreshold is
// positive, a miss falls back to Jaro-Winkler similarity over word windows of
// the normalised transcript, which tolerates transcription misspellings such
// as "dont pis me off". A fuzzy window only counts when it also contains a
// word that sounds like the phrase's key word, so "I'm hungry" is not "I'm
// angry".
func DetectHints(c cue.Cues, fuzzyThreshold float64) Hints {
	return Hints{Angry: matchAny(angerPhrases, c.Transcript(), fuzzyThreshold)}
}

func matchAny(table []affectPhrase, transcript string, fuzzyThreshold float64) bool {
	for _, p := range table {
		if p.pattern.MatchString(transcript) {
			return true
		}
	}
	if fuzzyThreshold <= 0 {
		return false
	}
	tokens := normalizeWords(transcript)
	for _, p := range table {
		if fuzzyMatch(tokens, p, fuzzyThreshold) {
			return true
		}
	}
	return false
}

// fuzzyMatch slides a window as wide as p.spoken over tokens.
func fuzzyMatch(tokens []string, p affectPhrase, threshold float64) bool {
	n := len(strings.Fields(p.spoken))
	if n == 0 || len(tokens) < n {
		return false
	}
	keyCodes := metaphoneCodes(p.key)
	for i := 0; i+n <= len(tokens); i++ {
		window := tokens[i : i+n]
		if matchr.JaroWinkler(strings.Join(window, " "), p.spoken, false) < threshold {
			continue
		}
		for _, w := range window {
			if overlaps(metaphoneCodes(w), keyCodes) {
				return true
			}
		}
	}
	return false
}

// normalizeWords lowercases s, deletes apostrophes and splits on anything
// that is not a letter or digit.
func normalizeWords(s string) []string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\'' || r == '’':
			return -1
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, s)
	return strings.Fields(s)
}

func metaphoneCodes(word string) []string {
	p, s := matchr.DoubleMetaphone(word)
	codes := make([]string, 0, 2)
	if p != "" {
		codes = append(codes, p)
	}
	if s != "" && s != p {
		codes = append(codes, s)
	}
	return codes
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
