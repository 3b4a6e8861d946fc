package transcriber

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockTranscript stands in for real speech when no provider key is set.
const MockTranscript = "Patient is a 34-year-old male presenting with a sore throat, fever, and swollen lymph nodes. " +
	"Rapid strep test was positive. Diagnosis is acute streptococcal pharyngitis. " +
	"I'm prescribing Amoxicillin 500mg, twice daily for 10 days, and ordering a follow-up throat culture."

// FakeTranscriber returns fixed text. Streaming sessions reveal it a few
// words at a time, then once more as final.
type FakeTranscriber struct {
	text  string
	err   error
	lang  string
	step  int
	delay time.Duration

	mu  sync.Mutex
	fed int
}

func NewFake(text string, err error) *FakeTranscriber {
	return &FakeTranscriber{text: text, err: err, step: 3, delay: 50 * time.Millisecond}
}

func (f *FakeTranscriber) Name() string            { return "fake" }
func (f *FakeTranscriber) Streaming() bool         { return true }
func (f *FakeTranscriber) SetLanguage(lang string) { f.lang = lang }
func (f *FakeTranscriber) GetLanguage() string     { return f.lang }

// SetPace controls how many words each partial adds and the gap between them.
func (f *FakeTranscriber) SetPace(step int, delay time.Duration) {
	if step > 0 {
		f.step = step
	}
	f.delay = delay
}

// Fed reports how many PCM bytes sessions have received.
func (f *FakeTranscriber) Fed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fed
}

func (f *FakeTranscriber) Transcribe(context.Context, []byte, string) (*Result, error) {
	if f.err != nil {
		return nil, fmt.Errorf("fake transcriber error: %w", f.err)
	}
	return &Result{Text: f.text}, nil
}

func (f *FakeTranscriber) NewSession(_ context.Context, cfg SessionConfig) (Session, error) {
	s := &fakeSession{owner: f, text: f.text, err: f.err, updates: make(chan Update, 64), done: make(chan struct{})}
	if cfg.Stream && f.text != "" && f.err == nil {
		go s.emitPartials(f.step, f.delay)
	} else {
		close(s.done)
	}
	return s, nil
}

type fakeSession struct {
	owner   *FakeTranscriber
	text    string
	err     error
	updates chan Update
	done    chan struct{}
}

func (s *fakeSession) emitPartials(step int, delay time.Duration) {
	defer close(s.done)
	words := strings.Fields(s.text)
	for i := step; i < len(words); i += step {
		if delay > 0 {
			time.Sleep(delay)
		}
		select {
		case s.updates <- Update{Text: strings.Join(words[:i], " ")}:
		default:
		}
	}
}

func (s *fakeSession) Feed(pcm []byte) {
	s.owner.mu.Lock()
	s.owner.fed += len(pcm)
	s.owner.mu.Unlock()
}

func (s *fakeSession) Updates() <-chan Update { return s.updates }

func (s *fakeSession) Close() (SessionResult, error) {
	<-s.done
	defer close(s.updates)
	if s.err != nil {
		return SessionResult{}, fmt.Errorf("fake transcriber error: %w", s.err)
	}
	if s.text != "" {
		s.updates <- Update{Text: s.text, Final: true}
	}
	r := SessionResult{
		Text:     s.text,
		NoSpeech: s.text == "",
		Batch:    &BatchStats{AudioLengthS: 1.0, TotalTimeMs: 10},
	}
	r.captureMemStats()
	return r, nil
}
