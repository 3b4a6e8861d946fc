package clinical

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"scribe/result"
)

var (
	sentenceBreak = regexp.MustCompile(`[.!?]+(?:\s+|$)|\n+`)

	diagnosisRe = regexp.MustCompile(`(?i)\b(?:(?:the\s+)?diagnosis\s+is|diagnosed\s+with|diagnosis\s*:|assessment\s*:|impression\s*:|consistent\s+with)\s*(?:an?\s+)?([^.;\n]+)`)

	medicationRe = regexp.MustCompile(`(?i)\b(?:prescrib(?:e|ed|ing)|start(?:ed|ing)?|begin|initiat(?:e|ed|ing)|continu(?:e|ed|ing))\s+(?:(?:him|her|them|the\s+patient)\s+on\s+|on\s+)?([a-z][a-z\-]*(?:\s+[a-z][a-z\-]*)?)\s+(\d+(?:\.\d+)?\s*(?:mg|mcg|g|ml|units?|iu))\b`)

	frequencyRe = regexp.MustCompile(`(?i)\b(?:(?:once|twice|three\s+times|four\s+times)\s+(?:a\s+|per\s+)?(?:day|daily|week|weekly)|every\s+\d+\s+hours|daily|nightly|at\s+bedtime|as\s+needed|bid|tid|qid|prn)\b`)

	durationRe = regexp.MustCompile(`(?i)\bfor\s+((?:\d+|one|two|three|four|five|six|seven|ten|fourteen)\s+(?:days?|weeks?|months?))\b`)

	labRe = regexp.MustCompile(`(?im)\b(?:ordering|order|ordered|draw(?:ing)?|obtain(?:ing)?)\s+(?:an?\s+|the\s+|some\s+)?(?:follow-up\s+|repeat\s+)?([a-z0-9][a-z0-9\- ]*?)(?:\s*(?:[,.;]|$)|\s+(?:and|to|for|in|today|now)\b)`)

	objectiveCue = regexp.MustCompile(`(?i)\b(?:exam|examination|temperature|temp|blood\s+pressure|bp|pulse|heart\s+rate|respiratory\s+rate|oxygen|saturation|test|lab|labs|result|results|positive|negative|reveals|revealed|noted|a1c|mg/dl|x-ray|imaging|weight|bmi)\b`)

	planCue = regexp.MustCompile(`(?i)\b(?:prescrib\w*|start(?:ing)?|order(?:ing|ed)?|follow[\s-]?up|return|advis\w*|recommend\w*|refer\w*|schedul\w*|continue|discontinue|increase|decrease|plan)\b`)
)

// RegexExtractor is a best effort, offline extractor. It never calls out
// and only fails on empty input.
type RegexExtractor struct {
	billing *BillingTable
}

func NewRegexExtractor(billing *BillingTable) *RegexExtractor {
	if billing == nil {
		billing = DefaultBillingTable()
	}
	return &RegexExtractor{billing: billing}
}

func (*RegexExtractor) Name() string { return "regex" }

func (x *RegexExtractor) Extract(ctx context.Context, src Sources) (result.Bundle, error) {
	if src.Empty() {
		return ErrorBundle(src), ErrNoInput
	}
	if err := ctx.Err(); err != nil {
		return ErrorBundle(src), err
	}

	// Doctor's notes outrank the transcript for everything below.
	text := strings.Join(nonBlank(src.DoctorNotes, src.RecordedTranscript, src.UploadedDocuments), "\n")

	b := result.Bundle{
		Transcription: src.Combined(),
		Diagnosis:     UnknownDiagnosis,
		BillingCode:   result.BillingCode{Code: "N/A", Description: result.NotSpecified},
		Prescriptions: Prescriptions(text),
		LabOrders:     LabOrders(text),
	}
	if d := Diagnosis(text); d != "" {
		b.Diagnosis = d
		b.BillingCode = x.billing.Lookup(d)
	}
	b.SOAPNote = x.note(src, b)
	return b, nil
}

// Diagnosis returns the first stated diagnosis in text, or "".
func Diagnosis(text string) string {
	m := diagnosisRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(m[1], " ,"))
}

// Prescriptions finds "<verb> <medication> <dose>" phrases and reads the
// frequency and duration from the rest of the sentence.
func Prescriptions(text string) []result.Prescription {
	out := []result.Prescription{}
	seen := map[string]bool{}
	matches := medicationRe.FindAllStringSubmatchIndex(text, -1)
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		rest := text[m[1]:end]
		if loc := sentenceBreak.FindStringIndex(rest); loc != nil {
			rest = rest[:loc[0]]
		}

		p := result.Prescription{
			Medication: text[m[2]:m[3]],
			Dosage:     strings.ReplaceAll(text[m[4]:m[5]], " ", ""),
			Frequency:  result.NotSpecified,
			Duration:   result.NotSpecified,
		}
		if f := frequencyRe.FindString(rest); f != "" {
			p.Frequency = strings.ToLower(f)
		}
		if d := durationRe.FindStringSubmatch(rest); d != nil {
			p.Duration = strings.ToLower(d[1])
		}
		key := strings.ToLower(p.Medication + p.Dosage)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// LabOrders finds "ordering <lab>" style phrases.
func LabOrders(text string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, m := range labRe.FindAllStringSubmatch(text, -1) {
		lab := strings.TrimSpace(m[1])
		if lab == "" || strings.HasPrefix(strings.ToLower(lab), "to ") || seen[strings.ToLower(lab)] {
			continue
		}
		seen[strings.ToLower(lab)] = true
		out = append(out, lab)
	}
	return out
}

func (x *RegexExtractor) note(src Sources, b result.Bundle) string {
	var subj, obj, assess, plan []string

	for _, s := range sentences(src.RecordedTranscript) {
		switch {
		case planCue.MatchString(s):
			plan = append(plan, s)
		case diagnosisRe.MatchString(s):
			assess = append(assess, s)
		case objectiveCue.MatchString(s):
			obj = append(obj, s)
		default:
			subj = append(subj, s)
		}
	}
	obj = append(obj, sentences(src.UploadedDocuments)...)
	for _, s := range sentences(src.DoctorNotes) {
		if planCue.MatchString(s) {
			plan = append(plan, s)
		} else {
			assess = append(assess, s)
		}
	}

	var a []string
	if b.Diagnosis != UnknownDiagnosis {
		a = append(a, fmt.Sprintf("%s (%s)", capitalize(b.Diagnosis), b.BillingCode.Code))
	}
	a = append(a, assess...)

	var p []string
	for _, rx := range b.Prescriptions {
		line := "Prescribe " + rx.Medication + " " + rx.Dosage
		if rx.Frequency != result.NotSpecified {
			line += " " + rx.Frequency
		}
		if rx.Duration != result.NotSpecified {
			line += " for " + rx.Duration
		}
		p = append(p, line)
	}
	for _, lab := range b.LabOrders {
		p = append(p, "Order "+lab)
	}
	if len(p) == 0 {
		p = plan
	}

	return result.Sections{
		Subjective: joinOr(subj, " "),
		Objective:  joinOr(obj, " "),
		Assessment: joinOr(a, "\n"),
		Plan:       numbered(p),
	}.Format()
}

func sentences(s string) []string {
	var out []string
	for _, part := range sentenceBreak.Split(s, -1) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part+".")
		}
	}
	return out
}

func nonBlank(ss ...string) []string {
	var out []string
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func joinOr(parts []string, sep string) string {
	if len(parts) == 0 {
		return result.NotSpecified
	}
	return strings.Join(parts, sep)
}

func numbered(items []string) string {
	if len(items) == 0 {
		return result.NotSpecified
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, strings.TrimSuffix(it, "."))
	}
	return b.String()
}

func capitalize(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
