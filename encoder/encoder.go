package encoder

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

const (
	FormatFLAC = "flac"
	FormatWAV  = "wav"
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	AddEncodeTime(d time.Duration)
	EncodeTime() time.Duration
	Format() string
}

// New returns an encoder for the given upload format.
func New(format string) (Encoder, error) {
	switch format {
	case FormatFLAC, "":
		return NewFlac()
	case FormatWAV:
		return NewWav()
	}
	return nil, fmt.Errorf("unsupported audio format %q", format)
}

// ContentType is the MIME type sent alongside an encoded upload.
func ContentType(format string) string {
	switch format {
	case FormatWAV:
		return "audio/wav"
	default:
		return "audio/flac"
	}
}

// Samples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCM is the inverse of Samples.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration reports how long frames of mono audio last at SampleRate.
func Duration(frames uint64) time.Duration {
	return time.Duration(frames) * time.Second / SampleRate
}
