// Package transcriber turns visit audio into text on the server. Deepgram
// streams results while audio arrives; Groq and OpenAI transcribe the
// recording once it is complete.
package transcriber

import (
	"context"
	"errors"

	"scribe/internal/nettrace"
	"scribe/log"
)

type Segment struct {
	Text         string
	NoSpeechProb float64
	AvgLogProb   float64
	Start        float64
	End          float64
}

type Result struct {
	Text         string
	Metrics      *nettrace.NetworkMetrics
	RateLimit    string
	Confidence   float64
	NoSpeechProb float64
	AvgLogProb   float64
	Duration     float64
	Segments     []Segment
}

type Transcriber interface {
	Name() string
	SetLanguage(lang string)
	GetLanguage() string
	// Streaming reports whether sessions produce text while audio arrives.
	Streaming() bool
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
	// Transcribe handles one complete encoded recording.
	Transcribe(ctx context.Context, audio []byte, format string) (*Result, error)
}

type baseTranscriber struct {
	client *nettrace.TracedClient
	apiURL string
	lang   string
}

func (b *baseTranscriber) SetLanguage(lang string) { b.lang = lang }

func (b *baseTranscriber) GetLanguage() string { return b.lang }

// Keys selects providers. The first one set wins, in field order.
type Keys struct {
	Deepgram string
	Groq     string
	OpenAI   string
}

var ErrNoProvider = errors.New("set DEEPGRAM_API_KEY, GROQ_API_KEY or OPENAI_API_KEY to transcribe audio")

func New(keys Keys, lang string) (Transcriber, error) {
	var t Transcriber
	switch {
	case keys.Deepgram != "":
		t = NewDeepgram(keys.Deepgram)
	case keys.Groq != "":
		t = NewGroq(keys.Groq)
	case keys.OpenAI != "":
		t = NewOpenAI(keys.OpenAI, "")
	default:
		return nil, ErrNoProvider
	}
	t.SetLanguage(lang)
	log.Infof("transcriber: using %s", t.Name())
	return t, nil
}
