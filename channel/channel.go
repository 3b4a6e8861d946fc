// Package channel carries recorded audio to the backend and the backend's
// replies back, either over a WebSocket stream or as one batch upload.
package channel

import (
	"context"
	"fmt"
	"time"
)

// Channel is one transcription exchange with the backend.
//
// Send never blocks; when the queue is full the chunk is dropped and
// counted. Messages delivers frames in arrival order and is closed once
// the channel is done.
type Channel interface {
	Send(chunk []byte)
	SignalEnd() error
	Messages() <-chan Message
	Close() error
}

type Mode string

const (
	ModeStream Mode = "stream"
	ModeBatch  Mode = "batch"
)

type Config struct {
	Mode        Mode
	StreamURL   string // ws://host/ws/process-visit
	BatchURL    string // http://host/api/process-visit
	BatchFormat string // flac | wav
	// QueueSize bounds the number of chunks waiting to be sent.
	QueueSize int
	// EndTimeout bounds how long SignalEnd waits for queued audio to drain.
	EndTimeout time.Duration
}

const (
	defaultQueueSize  = 256
	defaultEndTimeout = 10 * time.Second
	messageBuffer     = 64
)

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = defaultEndTimeout
	}
}

// Open dials a channel in the configured mode.
func Open(ctx context.Context, cfg Config) (Channel, error) {
	switch cfg.Mode {
	case ModeStream, "":
		return DialStream(ctx, cfg)
	case ModeBatch:
		return NewBatch(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown channel mode %q", cfg.Mode)
}
