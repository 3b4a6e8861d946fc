package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func genTone(freq float64, durationMs int) []byte {
	n := 16000 * durationMs / 1000
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sample := int16(16000 * math.Sin(2*math.Pi*freq*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

func genSilence(durationMs int) []byte {
	return make([]byte, 16000*durationMs/1000*2)
}

func TestVADSilence(t *testing.T) {
	vp, err := NewVAD()
	if err != nil {
		t.Fatal(err)
	}
	vp.Process(genSilence(200))
	if s := vp.Summary(); s.SpeechFrames != 0 || s.Frames != 10 {
		t.Errorf("summary = %+v, want 10 silent frames", s)
	}
	if vp.HasSpeechTick() {
		t.Error("expected silent tick")
	}
}

func TestVADOddChunkSizes(t *testing.T) {
	vp, err := NewVAD()
	if err != nil {
		t.Fatal(err)
	}
	silence := genSilence(200)
	for i := 0; i < len(silence); i += 100 {
		vp.Process(silence[i:min(i+100, len(silence))])
	}
	if s := vp.Summary(); s.Frames != 10 {
		t.Errorf("processed %d frames, want 10", s.Frames)
	}
	// a partial frame waits for more audio
	vp.Process(genSilence(10))
	if s := vp.Summary(); s.Frames != 10 {
		t.Errorf("half a frame was classified: %d frames", s.Frames)
	}
}

func TestHasSpeechTickEmpty(t *testing.T) {
	vp, err := NewVAD()
	if err != nil {
		t.Fatal(err)
	}
	if vp.HasSpeechTick() {
		t.Error("no frames must not count as speech")
	}
}

func TestHasSpeechTickResetsEachCall(t *testing.T) {
	vp, err := NewVAD()
	if err != nil {
		t.Fatal(err)
	}
	vp.Process(genSilence(100))
	vp.HasSpeechTick()
	if vp.HasSpeechTick() {
		t.Error("a tick with no new frames must be silent")
	}
	if s := vp.Summary(); s.Frames != 5 {
		t.Errorf("ticks must not reset the summary: %+v", s)
	}
}

func TestSpeechSummary(t *testing.T) {
	tests := []struct {
		name   string
		s      SpeechSummary
		ratio  float64
		speech time.Duration
		text   string
	}{
		{"empty", SpeechSummary{}, 0, 0, "speech 0.0s of 0.0s (0%)"},
		{"quarter", SpeechSummary{Frames: 200, SpeechFrames: 50}, 0.25, time.Second, "speech 1.0s of 4.0s (25%)"},
		{"all", SpeechSummary{Frames: 50, SpeechFrames: 50}, 1, time.Second, "speech 1.0s of 1.0s (100%)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Ratio(); got != tt.ratio {
				t.Errorf("Ratio() = %v, want %v", got, tt.ratio)
			}
			if got := tt.s.Speech(); got != tt.speech {
				t.Errorf("Speech() = %v, want %v", got, tt.speech)
			}
			if got := tt.s.String(); got != tt.text {
				t.Errorf("String() = %q, want %q", got, tt.text)
			}
		})
	}
}
