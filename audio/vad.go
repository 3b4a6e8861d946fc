package audio

import (
	"fmt"
	"sync"
	"time"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"scribe/encoder"
)

const (
	vadMode         = 3
	vadFrameMs      = 20
	vadFrameBytes   = encoder.SampleRate * vadFrameMs / 1000 * 2 // 640 bytes
	speechThreshold = 0.10                                       // share of frames that must be speech for a tick to count
)

// VAD classifies 20ms frames of 16 kHz PCM as speech or not. It keeps a
// running tally for the whole recording and a per-tick tally for the
// silence monitor.
type VAD struct {
	vad *webrtcvad.VAD

	mu           sync.Mutex
	buf          []byte
	totalFrames  int
	speechFrames int
	tickTotal    int
	tickSpeech   int
}

func NewVAD() (*VAD, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	if err := v.SetMode(vadMode); err != nil {
		return nil, err
	}
	return &VAD{vad: v}, nil
}

func (p *VAD) Process(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, data...)
	for len(p.buf) >= vadFrameBytes {
		frame := p.buf[:vadFrameBytes]
		p.buf = p.buf[vadFrameBytes:]

		active, err := p.vad.Process(encoder.SampleRate, frame)
		if err != nil {
			continue
		}
		p.totalFrames++
		if active {
			p.speechFrames++
		}
	}
}

// HasSpeechTick reports whether enough of the frames seen since the last
// call were speech.
func (p *VAD) HasSpeechTick() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.totalFrames - p.tickTotal
	s := p.speechFrames - p.tickSpeech
	p.tickTotal, p.tickSpeech = p.totalFrames, p.speechFrames
	if t == 0 {
		return false
	}
	return float64(s)/float64(t) >= speechThreshold
}

// SpeechSummary is how much of a recording was speech.
type SpeechSummary struct {
	Frames       int
	SpeechFrames int
}

func (s SpeechSummary) Audio() time.Duration {
	return time.Duration(s.Frames) * vadFrameMs * time.Millisecond
}

func (s SpeechSummary) Speech() time.Duration {
	return time.Duration(s.SpeechFrames) * vadFrameMs * time.Millisecond
}

// Ratio is the share of frames that were speech, 0 when nothing was heard.
func (s SpeechSummary) Ratio() float64 {
	if s.Frames == 0 {
		return 0
	}
	return float64(s.SpeechFrames) / float64(s.Frames)
}

func (s SpeechSummary) String() string {
	return fmt.Sprintf("speech %.1fs of %.1fs (%.0f%%)", s.Speech().Seconds(), s.Audio().Seconds(), s.Ratio()*100)
}

// Summary covers every frame processed so far.
func (p *VAD) Summary() SpeechSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return SpeechSummary{Frames: p.totalFrames, SpeechFrames: p.speechFrames}
}
