package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"scribe/audio"
	"scribe/beep"
	"scribe/channel"
	"scribe/config"
	"scribe/log"
	"scribe/patient"
	"scribe/session"
	"scribe/store"
)

type recordFlags struct {
	device  string
	setup   bool
	replay  string
	mode    string
	patient string
	quiet   bool
}

func (f *recordFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.device, "device", "", "microphone to use (name substring or id)")
	fl.BoolVar(&f.setup, "setup", false, "pick the microphone interactively and remember it")
	fl.StringVar(&f.replay, "replay", "", "replay a 16 kHz mono WAV file instead of the microphone")
	fl.StringVar(&f.mode, "mode", "", "transcription channel: stream or batch (overrides CHANNEL_MODE)")
	fl.StringVar(&f.patient, "patient", "", "MRN of the patient this visit is filed under")
	fl.BoolVar(&f.quiet, "quiet", false, "no start/stop beeps")
}

func runRecord(ctx context.Context, rf *rootFlags, f *recordFlags) error {
	cfg, err := config.LoadFile(rf.envFile)
	if err != nil {
		return err
	}
	if f.mode != "" {
		cfg.ChannelMode = strings.ToLower(f.mode)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if f.quiet {
		beep.Disable()
	}

	setupLogging(rf)
	defer log.Close()

	st, err := store.OpenFile(cfg.ResolvedStorePath())
	if err != nil {
		return err
	}
	defer st.Close()

	roster, err := patient.NewRoster(st)
	if err != nil {
		return err
	}
	defer roster.Close()
	if f.patient != "" {
		if _, err := selectPatient(ctx, roster, patient.NewClient(cfg.ServerURL), f.patient); err != nil {
			return err
		}
	}

	var actx audio.Context
	if f.replay != "" {
		actx, err = audio.NewFakeContext(f.replay, true)
	} else {
		actx, err = audio.NewContext()
	}
	if err != nil {
		return err
	}
	defer actx.Close()

	dev, err := resolveDevice(actx, st, f)
	if err != nil {
		return err
	}

	events := make(chan tea.Msg, 256)
	rec := newRecorder(cfg, actx, dev, events)
	defer rec.Close()

	p := tea.NewProgram(newModel(rec, roster, cfg, dev), tea.WithAltScreen(), tea.WithContext(ctx))
	go func() {
		for {
			select {
			case m := <-events:
				p.Send(m)
			case <-ctx.Done():
				return
			}
		}
	}()
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// selectPatient makes the patient with mrn active, fetching it from the
// server when the local roster does not know it yet.
func selectPatient(ctx context.Context, roster *patient.Roster, client *patient.Client, mrn string) (patient.Patient, error) {
	if p, ok := roster.ByMRN(mrn); ok {
		return p, roster.Select(p.ID)
	}
	list, err := client.List(ctx)
	if err != nil {
		return patient.Patient{}, fmt.Errorf("patient %s is not in the local roster and the server could not be asked: %w", mrn, err)
	}
	for _, p := range list {
		if strings.EqualFold(p.MRN, strings.TrimSpace(mrn)) {
			return roster.Upsert(p)
		}
	}
	return patient.Patient{}, fmt.Errorf("no patient with MRN %s", mrn)
}

// resolveDevice picks the microphone: --device, then the --setup picker,
// then the device used last time, then the system default (nil). Explicit
// choices are remembered.
func resolveDevice(actx audio.Context, st store.Store, f *recordFlags) (*audio.DeviceInfo, error) {
	var dev *audio.DeviceInfo
	var err error
	switch {
	case f.replay != "":
		return nil, nil
	case f.device != "":
		dev, err = audio.FindDevice(actx, f.device)
	case f.setup:
		dev, err = audio.SelectDevice(actx)
	default:
		var last string
		if ok, _ := st.Get(store.KeyLastDevice, &last); ok && last != "" {
			if d, err := audio.FindDevice(actx, last); err == nil {
				return d, nil
			}
			log.Warnf("last used microphone %q is gone, using the system default", last)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := st.Set(store.KeyLastDevice, dev.Name); err != nil {
		log.Warnf("remembering microphone: %v", err)
	}
	return dev, nil
}

// recorder hands out one session.Controller per visit. Controllers are
// single use, so every Start builds a fresh adapter and controller.
type recorder struct {
	cfg    *config.Config
	actx   audio.Context
	device *audio.DeviceInfo
	open   session.Opener
	events chan<- tea.Msg

	mu    sync.Mutex
	ctl   *session.Controller
	level atomic.Uint64
}

func newRecorder(cfg *config.Config, actx audio.Context, dev *audio.DeviceInfo, events chan<- tea.Msg) *recorder {
	chCfg := channel.Config{
		Mode:        channel.Mode(cfg.ChannelMode),
		StreamURL:   cfg.StreamURL(),
		BatchURL:    cfg.BatchURL(),
		BatchFormat: cfg.BatchFormat,
	}
	return &recorder{
		cfg:    cfg,
		actx:   actx,
		device: dev,
		events: events,
		open: func(ctx context.Context) (channel.Channel, error) {
			return channel.Open(ctx, chCfg)
		},
	}
}

func (r *recorder) deviceName() string {
	if r.device == nil {
		return "default"
	}
	return r.device.Name
}

// Start begins a new visit. It is a no-op while the previous one is still
// running.
func (r *recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.ctl != nil {
		select {
		case <-r.ctl.Done():
		default:
			r.mu.Unlock()
			return nil
		}
	}
	a := audio.NewAdapter(r.actx, audio.AdapterConfig{Device: r.device, ChunkInterval: r.cfg.ChunkInterval})
	ctl := session.New(a, r.open, session.Config{
		ResultTimeout: r.cfg.ResultTimeout,
		Mode:          r.cfg.ChannelMode,
		Device:        r.deviceName(),
	}, teaObserver{r.events})
	r.ctl = ctl
	r.level.Store(0)
	r.mu.Unlock()

	vad, err := audio.NewVAD()
	if err != nil {
		log.Warnf("voice activity detection unavailable: %v", err)
	}
	a.OnRaw(func(pcm []byte, level float64) {
		r.level.Store(math.Float64bits(level))
		if vad != nil {
			vad.Process(pcm)
		}
	})
	if vad != nil {
		go r.watchSilence(ctl, vad)
	}
	return ctl.Start(ctx)
}

// watchSilence warns when the room goes quiet and, with AUTO_STOP_SILENCE,
// ends the recording.
func (r *recorder) watchSilence(ctl *session.Controller, vad *audio.VAD) {
	mon := audio.NewSilenceMonitor(audio.DefaultSilenceTick, r.cfg.AutoStopSilence)
	t := time.NewTicker(audio.DefaultSilenceTick)
	defer t.Stop()
	defer func() { log.Infof("visit audio: %s", vad.Summary()) }()
	for {
		select {
		case <-ctl.Done():
			return
		case <-t.C:
		}
		if ctl.State() != session.Recording {
			continue
		}
		switch mon.Tick(vad.HasSpeechTick()) {
		case audio.SilenceWarn, audio.SilenceRepeat:
			emit(r.events, silenceMsg{warn: true})
		case audio.SilenceWarnClear:
			emit(r.events, silenceMsg{warn: false})
		case audio.SilenceAutoStop:
			log.Info("silence auto-stop")
			emit(r.events, statusMsg{"Stopped after 30s of silence"})
			ctl.Stop()
			return
		}
	}
}

func (r *recorder) current() *session.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctl
}

func (r *recorder) Stop() error {
	if ctl := r.current(); ctl != nil {
		return ctl.Stop()
	}
	return nil
}

func (r *recorder) Close() {
	if ctl := r.current(); ctl != nil {
		ctl.Close()
	}
}

// Level is the RMS of the most recent capture buffer.
func (r *recorder) Level() float64 {
	return math.Float64frombits(r.level.Load())
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actx, err := audio.NewContext()
			if err != nil {
				return err
			}
			defer actx.Close()
			devices, err := actx.Devices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				return &audio.DeviceUnavailableError{Kind: audio.NoDevice}
			}
			out := cmd.OutOrStdout()
			for _, d := range devices {
				tag := ""
				if audio.IsBluetooth(d.Name) {
					tag = "  [narrowband]"
				}
				fmt.Fprintf(out, "%s%s\n    id: %s\n", d.Name, tag, d.ID)
			}
			return nil
		},
	}
}
