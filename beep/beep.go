// Package beep plays short audible cues for recording state changes so the
// clinician can tell the microphone is live without looking at the screen.
package beep

import (
	"math"
	"sync/atomic"
)

var disabled atomic.Bool

// Disable silences every cue for the rest of the process.
func Disable() { disabled.Store(true) }

type Cue int

const (
	Start Cue = iota
	Stop
	Error
	Approved
)

const sampleRate = 44100

type tone struct {
	freq   float64
	dur    float64 // seconds per tick
	volume float64
	decay  float64
	repeat int // ticks, separated by toneGap
}

const toneGap = 0.05

var tones = map[Cue]tone{
	Start:    {freq: 1200, dur: 0.12, volume: 0.5, decay: 60, repeat: 1},
	Stop:     {freq: 900, dur: 0.15, volume: 0.5, decay: 40, repeat: 1},
	Error:    {freq: 350, dur: 0.08, volume: 0.6, decay: 30, repeat: 2},
	Approved: {freq: 1500, dur: 0.06, volume: 0.4, decay: 50, repeat: 2},
}

// Samples renders a cue as mono 16-bit PCM at 44.1kHz.
func Samples(c Cue) []int16 {
	t, ok := tones[c]
	if !ok {
		return nil
	}
	tick := make([]int16, int(sampleRate*t.dur))
	for i := range tick {
		x := float64(i) / sampleRate
		env := math.Exp(-x * t.decay)
		tick[i] = int16(math.Sin(2*math.Pi*t.freq*x) * 32767 * t.volume * env)
	}
	gap := make([]int16, int(sampleRate*toneGap))
	out := make([]int16, 0, t.repeat*(len(tick)+len(gap)))
	for i := 0; i < t.repeat; i++ {
		if i > 0 {
			out = append(out, gap...)
		}
		out = append(out, tick...)
	}
	return out
}

// Play starts the cue and returns immediately. Playback failures are
// silent: a missing sound server must never break a recording.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	samples := Samples(c)
	if len(samples) == 0 {
		return
	}
	go play(samples)
}
