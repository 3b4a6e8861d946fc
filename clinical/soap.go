package clinical

import (
	"strings"
	"unicode/utf8"
)

const (
	// UnknownDiagnosis fills the diagnosis when none could be determined.
	UnknownDiagnosis = "Unable to determine diagnosis"
	// ErrorNote is the note carried by the bundle returned on failure.
	ErrorNote = "Error processing clinical context."
)

const fallbackPreview = 200

// FallbackNote is the canned note used when synthesis fails outright.
func FallbackNote(transcript string) string {
	return "SUBJECTIVE:\nPatient visit transcript: " + preview(transcript, fallbackPreview) + "...\n\n" +
		"OBJECTIVE:\nUnable to process transcript with AI agent.\n\n" +
		"ASSESSMENT:\nTechnical error in SOAP note generation.\n\n" +
		"PLAN:\n- Review transcript manually\n- Regenerate SOAP note using alternative method\n- Contact technical support if issue persists"
}

// preview returns the first n runes of s.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// compactNote renders the four sections without blank lines between them.
func compactNote(subjective, objective, assessment, plan string) string {
	var b strings.Builder
	b.WriteString("SUBJECTIVE:\n")
	b.WriteString(subjective)
	b.WriteString("\nOBJECTIVE:\n")
	b.WriteString(objective)
	b.WriteString("\nASSESSMENT:\n")
	b.WriteString(assessment)
	b.WriteString("\nPLAN:\n")
	b.WriteString(plan)
	return strings.TrimSpace(b.String())
}
