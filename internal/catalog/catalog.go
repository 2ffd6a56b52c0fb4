// Package catalog parses the free-text rig parameter catalog into structured
// [ParameterDef] records.
//
// A catalog is a prose document in which parameter entries appear one per
// line, interleaved with headers and commentary:
//
//	## Eyes
//	- ParamEyeLOpen — [0, 1] (default 1, step ~0.01) — Left eye openness
//	- ParamCheek — [0, 1] (default 0) — Blush toggle
//
// Lines that do not match the entry grammar are skipped silently. Parsing
// never fails.
package catalog

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// entryPattern matches "<marker> <id> <dash> [<min>, <max>] (default <d> ...) <dash> <note>".
// The default annotation and the note are optional.
var entryPattern = regexp.MustCompile(
	`-\s*([A-Za-z0-9_]+)\s*[—–]\s*\[\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\]` +
		`(?:\s*\(default\s*([-\d.]+).*?\))?` +
		`(?:\s*[—–]\s*(.*))?$`,
)

// toggleKeywords mark a parameter as discrete/plateau when any of them
// appears in its note (case-insensitive). "categor" covers categorical and
// category.
var toggleKeywords = []string{"piecewise", "toggle", "categor"}

// ParameterDef is one rig control parameter.
type ParameterDef struct {
	// ID is the rig's identifier for the parameter (e.g. "ParamAngleY").
	ID string

	// Min and Max are the inclusive bounds. Min <= Max always holds.
	Min float64
	Max float64

	// Default is the declared resting value, 0 when absent or unparseable.
	Default float64

	// IsToggleLike is true when the note describes discrete plateau values.
	// Values of toggle-like parameters must be integers.
	IsToggleLike bool

	// Note is the free-text description, preserved verbatim.
	Note string
}

// Clamp saturates v into [Min, Max].
func (d ParameterDef) Clamp(v float64) float64 {
	return math.Max(d.Min, math.Min(d.Max, v))
}

// Parse extracts parameter definitions from text in input order. Duplicate
// ids are kept; see [NewIndex] for how lookups resolve them.
func Parse(text string) []ParameterDef {
	var defs []ParameterDef
	for _, line := range strings.Split(text, "\n") {
		if def, ok := ParseLine(line); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// ParseLine parses a single catalog line. ok is false when the line is not a
// parameter entry or declares an inverted range.
func ParseLine(line string) (def ParameterDef, ok bool) {
	m := entryPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return ParameterDef{}, false
	}
	lo, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return ParameterDef{}, false
	}
	hi, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return ParameterDef{}, false
	}
	if lo > hi {
		return ParameterDef{}, false
	}

	note := strings.TrimSpace(m[5])
	return ParameterDef{
		ID:           m[1],
		Min:          lo,
		Max:          hi,
		Default:      parseDefault(m[4]),
		IsToggleLike: IsToggleNote(note),
		Note:         note,
	}, true
}

// IsToggleNote reports whether note contains one of the toggle keywords.
func IsToggleNote(note string) bool {
	lower := strings.ToLower(note)
	for _, kw := range toggleKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func parseDefault(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Index resolves parameter ids to their definitions.
type Index map[string]ParameterDef

// NewIndex builds an Index from defs. When an id appears more than once the
// last definition wins.
func NewIndex(defs []ParameterDef) Index {
	idx := make(Index, len(defs))
	for _, d := range defs {
		idx[d.ID] = d
	}
	return idx
}

// Has reports whether id is defined.
func (idx Index) Has(id string) bool {
	_, ok := idx[id]
	return ok
}

// Trim returns at most n leading definitions. n <= 0 means no limit.
func Trim(defs []ParameterDef, n int) []ParameterDef {
	if n <= 0 || len(defs) <= n {
		return defs
	}
	return defs[:n]
}

// GlossaryLine renders d the way the planner prompt lists parameters:
//
//	- ParamCheek [0, 1] (toggle-like) — Blush toggle
func GlossaryLine(d ParameterDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s [%s, %s]", d.ID, formatNum(d.Min), formatNum(d.Max))
	if d.IsToggleLike {
		b.WriteString(" (toggle-like)")
	}
	if d.Note != "" {
		b.WriteString(" — ")
		b.WriteString(d.Note)
	}
	return b.String()
}

// Glossary renders every definition with [GlossaryLine], one per line.
func Glossary(defs []ParameterDef) string {
	lines := make([]string, 0, len(defs))
	for _, d := range defs {
		lines = append(lines, GlossaryLine(d))
	}
	return strings.Join(lines, "\n")
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
