package transcriber

import "runtime"

func (r *SessionResult) captureMemStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.MemoryAllocMB = float64(m.Alloc) / 1024 / 1024
}

type SessionConfig struct {
	Stream   bool
	Format   string // "flac"|"wav" (batch only; ignored for streaming)
	Language string
}

// Update is transcript progress. Text is the whole transcript so far;
// Final is set once that text will not be revised.
type Update struct {
	Text  string
	Final bool
}

type BatchStats struct {
	AudioLengthS     float64
	RawSizeKB        float64
	CompressedSizeKB float64
	EncodeTimeMs     float64
	TotalTimeMs      float64
	Confidence       float64
}

type StreamStats struct {
	ConnectMs    float64
	SentChunks   int
	SentKB       float64
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
	FinalizeMs   float64
	TotalMs      float64
	AudioS       float64
}

type SessionResult struct {
	Text          string
	NoSpeech      bool
	RateLimit     string // "remaining/limit" or empty
	MemoryAllocMB float64
	Batch         *BatchStats  // non-nil for batch sessions
	Stream        *StreamStats // non-nil for stream sessions
}

// Session receives raw 16 kHz mono PCM. Close waits for the final text.
type Session interface {
	Feed(pcm []byte)
	Updates() <-chan Update
	Close() (SessionResult, error)
}
