package result

import (
	"regexp"
	"strings"
)

// Sections is a SOAP note split into its four parts.
type Sections struct {
	Subjective string
	Objective  string
	Assessment string
	Plan       string
}

var sectionMarker = regexp.MustCompile(`(?i)(?:^|[\s.;])(SUBJECTIVE|OBJECTIVE|ASSESSMENT|PLAN|S|O|A|P)\s*:`)

func sectionIndex(name string) int {
	switch strings.ToUpper(name[:1]) {
	case "S":
		return 0
	case "O":
		return 1
	case "A":
		return 2
	}
	return 3
}

// Split finds the SOAP headings in note, accepting both the long form
// ("SUBJECTIVE:") and the abbreviated one ("S:"). Headings must appear in
// S, O, A, P order; a heading out of order is treated as text. ok is false
// when no heading is found.
func Split(note string) (s Sections, ok bool) {
	matches := sectionMarker.FindAllStringSubmatchIndex(note, -1)

	type mark struct{ idx, start, end int }
	var marks []mark
	last := -1
	for _, mt := range matches {
		idx := sectionIndex(note[mt[2]:mt[3]])
		if idx <= last {
			continue
		}
		marks = append(marks, mark{idx: idx, start: mt[2], end: mt[1]})
		last = idx
	}
	if len(marks) == 0 {
		return Sections{}, false
	}

	parts := [4]string{}
	for i, mk := range marks {
		end := len(note)
		if i+1 < len(marks) {
			end = marks[i+1].start
		}
		parts[mk.idx] = strings.TrimSpace(note[mk.end:end])
	}
	return Sections{Subjective: parts[0], Objective: parts[1], Assessment: parts[2], Plan: parts[3]}, true
}

// Format renders sections in the long form used for filing and copying.
func (s Sections) Format() string {
	return "SUBJECTIVE:\n" + s.Subjective +
		"\n\nOBJECTIVE:\n" + s.Objective +
		"\n\nASSESSMENT:\n" + s.Assessment +
		"\n\nPLAN:\n" + s.Plan
}
