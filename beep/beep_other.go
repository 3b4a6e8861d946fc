//go:build !linux

package beep

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

var (
	initOnce sync.Once
	mctx     *malgo.AllocatedContext
	device   *malgo.Device

	playMu  sync.Mutex
	current atomic.Pointer[[]byte]
	pos     atomic.Uint32
)

func initDevice() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = sampleRate

	var err error
	device, err = malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: fill})
	return err
}

func setup() {
	var err error
	mctx, err = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		mctx = nil
		return
	}
	if err := initDevice(); err != nil {
		mctx.Uninit()
		mctx = nil
	}
}

// fill runs on the playback thread.
func fill(out, _ []byte, frames uint32) {
	want := frames * 2
	clear(out[:want])
	buf := current.Load()
	if buf == nil {
		return
	}
	p := pos.Load()
	rem := uint32(len(*buf)) - p
	if rem == 0 {
		current.Store(nil)
		return
	}
	n := min(want, rem)
	copy(out[:n], (*buf)[p:p+n])
	pos.Store(p + n)
}

func play(samples []int16) {
	initOnce.Do(setup)
	if mctx == nil {
		return
	}
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}

	playMu.Lock()
	defer playMu.Unlock()
	device.Stop()
	pos.Store(0)
	current.Store(&buf)
	if err := device.Start(); err != nil {
		// the device goes stale across sleep/wake on macOS
		device.Uninit()
		if initDevice() != nil || device.Start() != nil {
			current.Store(nil)
		}
	}
}
