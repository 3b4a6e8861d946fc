// Package session runs one recording: it owns the microphone and the
// transcription channel from Start until the backend's terminal reply.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scribe/audio"
	"scribe/channel"
	"scribe/log"
	"scribe/result"
)

type State int

const (
	Idle State = iota
	Recording
	Processing
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Processing:
		return "processing"
	}
	return "idle"
}

// DefaultResultTimeout bounds the wait in Processing.
const DefaultResultTimeout = 2 * time.Minute

var (
	ErrResultTimeout = errors.New("timed out waiting for the visit result")
	ErrFinished      = errors.New("session already finished; start a new one")
	ErrChannelClosed = errors.New("the server closed the connection without a result")
)

// Capture is the microphone side of a session. *audio.Adapter satisfies it.
type Capture interface {
	OnChunk(fn func(audio.Chunk))
	Open() error
	Close() error
}

// Opener dials the transcription channel for one session.
type Opener func(ctx context.Context) (channel.Channel, error)

type Config struct {
	// ResultTimeout bounds Processing. Zero disables the bound.
	ResultTimeout time.Duration
	// Mode and Device are only used for logging.
	Mode   string
	Device string
}

// Outcome is how a session ended. Result is nil when the backend stopped
// without producing one or when Err is set.
type Outcome struct {
	Result result.Outcome
	Err    error
}

// Bundle returns the complete result, if there is one.
func (o Outcome) Bundle() (result.Bundle, bool) {
	c, ok := o.Result.(result.Complete)
	return c.Bundle, ok
}

// Controller drives Idle → Recording → Processing → Idle exactly once.
type Controller struct {
	capture Capture
	open    Opener
	cfg     Config
	obs     Observer

	mu        sync.Mutex
	state     State
	started   bool
	finished  bool
	startedAt time.Time
	ch        channel.Channel
	cancel    context.CancelFunc
	timer     *time.Timer
	outcome   Outcome
	done      chan struct{}

	sendMu  sync.Mutex
	live    channel.Channel
	pending [][]byte
}

func New(capture Capture, open Opener, cfg Config, obs Observer) *Controller {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Controller{
		capture: capture,
		open:    open,
		cfg:     cfg,
		obs:     obs,
		done:    make(chan struct{}),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the session has reached its terminal Idle.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start acquires the microphone and opens the channel. It is a no-op while
// the session is already starting, Recording or Processing. The lock is not
// held across the device open or the dial, so Close can interrupt both.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrFinished
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.capture.OnChunk(c.forward)
	if err := c.capture.Open(); err != nil {
		c.capture.Close()
		c.abort(err)
		return err
	}
	if c.isFinished() {
		c.capture.Close()
		return context.Canceled
	}

	ch, err := c.open(ctx)
	if err != nil {
		c.capture.Close()
		err = fmt.Errorf("opening transcription channel: %w", err)
		c.abort(err)
		return err
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		ch.Close()
		c.capture.Close()
		return context.Canceled
	}
	c.ch = ch
	c.state = Recording
	c.startedAt = time.Now()
	c.sendMu.Lock()
	for _, p := range c.pending {
		ch.Send(p)
	}
	c.pending = nil
	c.live = ch
	c.sendMu.Unlock()
	// under c.mu so a concurrent finish reports Idle after Recording
	c.obs.OnState(Recording)
	c.mu.Unlock()

	log.SessionStart(c.cfg.Mode, c.cfg.Device)
	go c.pump(ch)
	return nil
}

func (c *Controller) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// forward runs on the audio thread. Chunks that arrive before the channel
// is open are held and flushed in order.
func (c *Controller) forward(chunk audio.Chunk) {
	c.sendMu.Lock()
	if c.live != nil {
		c.live.Send(chunk.PCM)
	} else {
		c.pending = append(c.pending, chunk.PCM)
	}
	c.sendMu.Unlock()
	c.obs.OnLevel(chunk.Level)
}

// Stop releases the microphone and tells the backend no more audio is
// coming. Calls outside Recording have no effect.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return nil
	}
	c.state = Processing
	ch := c.ch
	c.mu.Unlock()

	// Close flushes the trailing partial chunk through forward before
	// returning, so END_OF_STREAM always follows the last audio.
	c.capture.Close()
	c.obs.OnState(Processing)

	if err := ch.SignalEnd(); err != nil {
		log.Errorf("session: %v", err)
		c.finish(Outcome{Err: err})
		return err
	}

	c.mu.Lock()
	if !c.finished && c.cfg.ResultTimeout > 0 {
		c.timer = time.AfterFunc(c.cfg.ResultTimeout, func() {
			c.finish(Outcome{Err: ErrResultTimeout})
		})
	}
	c.mu.Unlock()
	return nil
}

// Close tears the session down from any state. It is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	started := c.started
	c.started = true
	c.mu.Unlock()
	if !started {
		c.finish(Outcome{})
		return nil
	}
	c.finish(Outcome{Err: context.Canceled})
	return nil
}

// Wait blocks until the session ends or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *Controller) pump(ch channel.Channel) {
	for m := range ch.Messages() {
		switch m.Type {
		case channel.KindPartial:
			c.obs.OnPartial(m.Text, m.IsFinal)
		case channel.KindAudioReceived:
			c.obs.OnProgress(m.BytesReceived)
		case channel.KindStatus:
			c.obs.OnStatus(m.Message)
		case channel.KindFinal:
			out := result.Normalize(m.Data)
			if f, ok := out.(result.Failed); ok {
				c.finish(Outcome{Err: &channel.BackendError{Message: f.Message}})
			} else {
				c.finish(Outcome{Result: out})
			}
		case channel.KindStopped:
			c.finish(Outcome{})
		case channel.KindError:
			c.finish(Outcome{Err: &channel.BackendError{Message: m.Message}})
		}
	}
	c.finish(Outcome{Err: ErrChannelClosed})
}

// abort ends a session that never reached Recording. A Close that got
// there first wins.
func (c *Controller) abort(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.outcome = Outcome{Err: err}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	log.Warnf("session: %v", err)
	c.obs.OnError(err)
	close(c.done)
}

// finish moves to the terminal Idle. Only the first call has any effect.
func (c *Controller) finish(o Outcome) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	wasActive := c.state != Idle
	c.state = Idle
	c.outcome = o
	if c.timer != nil {
		c.timer.Stop()
	}
	ch := c.ch
	cancel := c.cancel
	startedAt := c.startedAt
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.capture.Close()
	c.sendMu.Lock()
	c.live = nil
	c.pending = nil
	c.sendMu.Unlock()
	if ch != nil {
		ch.Close()
	}

	if wasActive {
		c.obs.OnState(Idle)
		log.SessionEnd(describe(o), time.Since(startedAt))
	}
	switch {
	case o.Err != nil && !errors.Is(o.Err, context.Canceled):
		c.obs.OnError(o.Err)
	case o.Result != nil:
		c.obs.OnResult(o.Result)
	case o.Err == nil && wasActive:
		c.obs.OnStopped()
	}
	close(c.done)
}

func describe(o Outcome) string {
	switch {
	case errors.Is(o.Err, context.Canceled):
		return "cancelled"
	case o.Err != nil:
		return "error"
	case o.Result == nil:
		return "stopped"
	}
	if _, ok := o.Result.(result.Complete); ok {
		return "complete"
	}
	return "partial"
}
