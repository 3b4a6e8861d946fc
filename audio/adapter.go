package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultChunkInterval is how much audio each delivered Chunk carries.
const DefaultChunkInterval = time.Second

var (
	ErrAdapterClosed = errors.New("audio adapter closed")
	ErrAlreadyOpen   = errors.New("audio adapter already open")
)

// Chunk is an aggregated block of 16-bit mono PCM.
type Chunk struct {
	Seq   int
	PCM   []byte
	Level float64
}

type AdapterConfig struct {
	Device        *DeviceInfo
	Capture       CaptureConfig
	ChunkInterval time.Duration
}

// Adapter acquires the microphone and turns raw driver callbacks into
// fixed-size chunks. An Adapter is single use: Open once, Close once.
//
// Chunk and level handlers run on the driver's audio thread and must not
// call Close.
type Adapter struct {
	ctx        Context
	cfg        AdapterConfig
	chunkBytes int

	mu      sync.Mutex
	capture CaptureDevice
	opened  bool
	closed  atomic.Bool

	deliverMu sync.Mutex
	onChunk   func(Chunk)
	onRaw     func(pcm []byte, level float64)
	pending   []byte
	seq       int
}

func NewAdapter(ctx Context, cfg AdapterConfig) *Adapter {
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture = DefaultConfig
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	bytesPerSec := int(cfg.Capture.SampleRate) * int(cfg.Capture.Channels) * 2
	chunkBytes := int(float64(bytesPerSec) * cfg.ChunkInterval.Seconds())
	chunkBytes -= chunkBytes % 2
	if chunkBytes < 2 {
		chunkBytes = 2
	}
	return &Adapter{ctx: ctx, cfg: cfg, chunkBytes: chunkBytes}
}

// OnChunk registers the chunk handler. Set it before Open so that no audio
// is lost.
func (a *Adapter) OnChunk(fn func(Chunk)) {
	a.deliverMu.Lock()
	a.onChunk = fn
	a.deliverMu.Unlock()
}

// OnRaw registers a handler that sees every raw driver buffer with its RMS
// level, which is much more frequent than chunk delivery. The buffer must
// not be retained.
func (a *Adapter) OnRaw(fn func(pcm []byte, level float64)) {
	a.deliverMu.Lock()
	a.onRaw = fn
	a.deliverMu.Unlock()
}

// Open acquires the device and starts capturing. Failures are reported as
// *DeviceUnavailableError.
func (a *Adapter) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	if a.opened {
		return ErrAlreadyOpen
	}
	if a.ctx == nil {
		return &DeviceUnavailableError{Kind: NoDevice}
	}

	if a.cfg.Device == nil {
		devices, err := a.ctx.Devices()
		if err != nil {
			return classify(err)
		}
		if len(devices) == 0 {
			return &DeviceUnavailableError{Kind: NoDevice}
		}
	}

	capture, err := a.ctx.NewCapture(a.cfg.Device, a.cfg.Capture)
	if err != nil {
		return classify(err)
	}
	capture.SetCallback(a.onData)
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return classify(err)
	}

	a.capture = capture
	a.opened = true
	return nil
}

// DeviceName names the acquired device, or "" before Open.
func (a *Adapter) DeviceName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capture == nil {
		return ""
	}
	return a.capture.DeviceName()
}

// Close releases the device and delivers whatever audio is still buffered
// as a final short chunk. It is safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed.Swap(true) {
		a.mu.Unlock()
		return nil
	}
	capture := a.capture
	a.capture = nil
	a.mu.Unlock()

	if capture != nil {
		capture.ClearCallback()
		capture.Stop()
		capture.Close()
	}

	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()
	if len(a.pending) > 0 {
		tail := a.pending
		a.pending = nil
		a.deliver(tail)
	}
	a.onChunk = nil
	a.onRaw = nil
	return nil
}

func (a *Adapter) onData(data []byte, _ uint32) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()
	if a.closed.Load() {
		return
	}
	if a.onRaw != nil {
		a.onRaw(data, Level(data))
	}
	a.pending = append(a.pending, data...)
	for len(a.pending) >= a.chunkBytes {
		chunk := make([]byte, a.chunkBytes)
		copy(chunk, a.pending)
		a.pending = a.pending[a.chunkBytes:]
		a.deliver(chunk)
	}
}

// deliver must be called with deliverMu held.
func (a *Adapter) deliver(pcm []byte) {
	a.seq++
	if a.onChunk != nil {
		a.onChunk(Chunk{Seq: a.seq, PCM: pcm, Level: Level(pcm)})
	}
}
