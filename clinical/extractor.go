// Package clinical turns the text of a visit into a result bundle: a SOAP
// note, a diagnosis with its billing code, prescriptions and lab orders.
package clinical

import (
	"context"
	"errors"
	"strings"

	"scribe/log"
	"scribe/result"
)

// ErrNoInput is returned when every source is blank.
var ErrNoInput = errors.New("no clinical context provided; give a transcript, documents or doctor's notes")

// Extractor builds a bundle from the visit sources.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, src Sources) (result.Bundle, error)
}

// ErrorBundle is the structured result returned alongside a failure.
func ErrorBundle(src Sources) result.Bundle {
	return result.Bundle{
		Transcription: src.Combined(),
		SOAPNote:      ErrorNote,
		Diagnosis:     "Error",
		BillingCode:   result.BillingCode{Code: "Error", Description: "Error"},
		Prescriptions: []result.Prescription{},
		LabOrders:     []string{},
	}
}

// Fallback tries each extractor in turn; the first success wins.
type Fallback []Extractor

func (f Fallback) Name() string {
	names := make([]string, len(f))
	for i, e := range f {
		names[i] = e.Name()
	}
	return strings.Join(names, "+")
}

func (f Fallback) Extract(ctx context.Context, src Sources) (result.Bundle, error) {
	if src.Empty() {
		return ErrorBundle(src), ErrNoInput
	}
	var errs []error
	for _, e := range f {
		b, err := e.Extract(ctx, src)
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return ErrorBundle(src), ctx.Err()
		}
		log.Warnf("clinical: %s extractor failed: %v", e.Name(), err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrorBundle(src), errors.New("no extractor configured")
	}
	return ErrorBundle(src), errors.Join(errs...)
}

// New picks extractors by name: "llm", "regex" or "auto" (LLM when a key is
// configured, regex after it).
func New(name string, llm *LLMExtractor, billing *BillingTable) (Extractor, error) {
	rx := NewRegexExtractor(billing)
	switch name {
	case "regex":
		return rx, nil
	case "llm":
		if llm == nil {
			return nil, errors.New("llm extractor needs OPENAI_API_KEY")
		}
		return llm, nil
	case "", "auto":
		if llm == nil {
			return rx, nil
		}
		return Fallback{llm, rx}, nil
	}
	return nil, errors.New("unknown extractor " + name + "; use llm, regex or auto")
}
