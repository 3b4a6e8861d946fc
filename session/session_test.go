package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scribe/audio"
	"scribe/channel"
	"scribe/result"
)

type fakeCapture struct {
	mu      sync.Mutex
	fn      func(audio.Chunk)
	openErr error
	opens   int
	closes  int
	// early is delivered during Open, tail during the first Close.
	early []byte
	tail  []byte
}

func (f *fakeCapture) OnChunk(fn func(audio.Chunk)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeCapture) Open() error {
	f.mu.Lock()
	f.opens++
	err, early, fn := f.openErr, f.early, f.fn
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if early != nil && fn != nil {
		fn(audio.Chunk{Seq: 1, PCM: early})
	}
	return nil
}

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	f.closes++
	first := f.closes == 1
	tail, fn := f.tail, f.fn
	f.mu.Unlock()
	if first && tail != nil && fn != nil {
		fn(audio.Chunk{PCM: tail})
	}
	return nil
}

func (f *fakeCapture) push(pcm []byte) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(audio.Chunk{PCM: pcm, Level: 0.5})
}

func (f *fakeCapture) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

// orderedChannel records Send and SignalEnd calls in one timeline.
type orderedChannel struct {
	*channel.Fake
	mu     sync.Mutex
	events []string
}

func (o *orderedChannel) Send(chunk []byte) {
	o.mu.Lock()
	o.events = append(o.events, "send:"+string(chunk))
	o.mu.Unlock()
	o.Fake.Send(chunk)
}

func (o *orderedChannel) SignalEnd() error {
	o.mu.Lock()
	o.events = append(o.events, "end")
	o.mu.Unlock()
	return o.Fake.SignalEnd()
}

type recorder struct {
	NopObserver
	mu       sync.Mutex
	states   []State
	errs     []error
	results  []result.Outcome
	partials []string
	levels   int
	stopped  int
}

func (r *recorder) OnStopped() {
	r.mu.Lock()
	r.stopped++
	r.mu.Unlock()
}

func (r *recorder) OnState(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) OnResult(o result.Outcome) {
	r.mu.Lock()
	r.results = append(r.results, o)
	r.mu.Unlock()
}

func (r *recorder) OnPartial(text string, _ bool) {
	r.mu.Lock()
	r.partials = append(r.partials, text)
	r.mu.Unlock()
}

func (r *recorder) OnLevel(float64) {
	r.mu.Lock()
	r.levels++
	r.mu.Unlock()
}

func opener(ch channel.Channel) Opener {
	return func(context.Context) (channel.Channel, error) { return ch, nil }
}

func wait(t *testing.T, c *Controller) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return o
}

func finalResult(t *testing.T, v any) channel.Message {
	t.Helper()
	m, err := channel.Final(v)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFinalResultEndsIdleWithBundle(t *testing.T) {
	capture := &fakeCapture{}
	ch := channel.NewFake(
		channel.Partial("hi", true),
		finalResult(t, map[string]any{"transcription": "hi", "soap_note": "S:...O:...A:...P:..."}),
	)
	rec := &recorder{}
	c := New(capture, opener(ch), Config{ResultTimeout: time.Minute}, rec)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != Recording {
		t.Fatalf("state = %s", c.State())
	}
	capture.push([]byte("ab"))
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	o := wait(t, c)
	b, ok := o.Bundle()
	if !ok || o.Err != nil {
		t.Fatalf("outcome = %+v", o)
	}
	if b.Transcription != "hi" || b.SOAPNote != "S:...O:...A:...P:..." {
		t.Errorf("bundle = %+v", b)
	}
	if c.State() != Idle {
		t.Errorf("state = %s, want idle", c.State())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []State{Recording, Processing, Idle}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %v", rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("states = %v, want %v", rec.states, want)
		}
	}
	if len(rec.results) != 1 || len(rec.partials) != 1 || rec.levels != 1 {
		t.Errorf("results=%d partials=%d levels=%d", len(rec.results), len(rec.partials), rec.levels)
	}
	if !ch.Closed() {
		t.Error("channel not closed")
	}
	if _, closes := capture.counts(); closes == 0 {
		t.Error("device not released")
	}
}

func TestStoppedEndsWithoutResult(t *testing.T) {
	ch := channel.NewFake(channel.Stopped())
	rec := &recorder{}
	c := New(&fakeCapture{}, opener(ch), Config{}, rec)
	c.Start(context.Background())
	c.Stop()

	o := wait(t, c)
	if o.Result != nil || o.Err != nil {
		t.Fatalf("outcome = %+v, want empty", o)
	}
	if _, ok := o.Bundle(); ok {
		t.Fatal("Bundle() reported a result")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.stopped != 1 || len(rec.results) != 0 || len(rec.errs) != 0 {
		t.Fatalf("stopped=%d results=%d errs=%d", rec.stopped, len(rec.results), len(rec.errs))
	}
}

func TestCancelledSessionIsNotReportedAsStopped(t *testing.T) {
	rec := &recorder{}
	c := New(&fakeCapture{}, opener(channel.NewFake()), Config{}, rec)
	c.Start(context.Background())
	c.Close()
	wait(t, c)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.stopped != 0 || len(rec.errs) != 0 {
		t.Fatalf("stopped=%d errs=%v", rec.stopped, rec.errs)
	}
}

func TestBackendErrorMessage(t *testing.T) {
	ch := channel.NewFake(channel.Error("Error processing transcript: boom"))
	c := New(&fakeCapture{}, opener(ch), Config{}, nil)
	c.Start(context.Background())
	c.Stop()

	o := wait(t, c)
	var be *channel.BackendError
	if !errors.As(o.Err, &be) || be.Message != "Error processing transcript: boom" {
		t.Fatalf("err = %v", o.Err)
	}
}

func TestFinalWithoutTranscriptionIsBackendError(t *testing.T) {
	ch := channel.NewFake(finalResult(t, map[string]any{"detail": "no speech"}))
	c := New(&fakeCapture{}, opener(ch), Config{}, nil)
	c.Start(context.Background())
	c.Stop()

	var be *channel.BackendError
	if o := wait(t, c); !errors.As(o.Err, &be) || be.Message != "no speech" {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestMessagesAfterTerminalIgnored(t *testing.T) {
	ch := channel.NewFake(
		finalResult(t, map[string]any{"transcription": "t", "soap_note": "n"}),
		channel.Error("late"),
		channel.Stopped(),
	)
	rec := &recorder{}
	c := New(&fakeCapture{}, opener(ch), Config{}, rec)
	c.Start(context.Background())
	c.Stop()

	if o := wait(t, c); o.Err != nil || o.Result == nil {
		t.Fatalf("outcome = %+v", o)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 0 {
		t.Errorf("errors after terminal: %v", rec.errs)
	}
}

func TestStopTwiceEqualsOnce(t *testing.T) {
	ch := channel.NewFake(channel.Stopped())
	capture := &fakeCapture{}
	c := New(capture, opener(ch), Config{}, nil)
	c.Start(context.Background())
	c.Stop()
	c.Stop()
	wait(t, c)
	c.Stop()

	if ch.Ends() != 1 {
		t.Fatalf("SignalEnd called %d times", ch.Ends())
	}
	if c.State() != Idle {
		t.Fatalf("state = %s", c.State())
	}
}

func TestStartWhileRecordingAcquiresOnce(t *testing.T) {
	capture := &fakeCapture{}
	c := New(capture, opener(channel.NewFake()), Config{}, nil)
	defer c.Close()

	for i := 0; i < 3; i++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if opens, _ := capture.counts(); opens != 1 {
		t.Fatalf("device acquired %d times", opens)
	}
	c.Stop()
	c.Start(context.Background())
	if opens, _ := capture.counts(); opens != 1 {
		t.Fatalf("Start while processing acquired again: %d", opens)
	}
}

func TestPermissionDenied(t *testing.T) {
	capture := &fakeCapture{openErr: &audio.DeviceUnavailableError{Kind: audio.PermissionDenied}}
	opened := false
	open := func(context.Context) (channel.Channel, error) {
		opened = true
		return channel.NewFake(), nil
	}
	rec := &recorder{}
	c := New(capture, open, Config{}, rec)

	err := c.Start(context.Background())
	if !audio.IsPermissionDenied(err) {
		t.Fatalf("Start() = %v, want permission denied", err)
	}
	if c.State() != Idle {
		t.Fatalf("state = %s", c.State())
	}
	if opened {
		t.Error("channel opened although the device failed")
	}
	if len(rec.errs) != 1 || len(rec.states) != 0 {
		t.Errorf("errs=%v states=%v", rec.errs, rec.states)
	}

	noDevice := (&audio.DeviceUnavailableError{Kind: audio.NoDevice}).Error()
	if err.Error() == noDevice {
		t.Error("permission denied and no device produce the same message")
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrFinished) {
		t.Errorf("restart = %v, want ErrFinished", err)
	}
}

func TestChannelOpenFailureReleasesDevice(t *testing.T) {
	capture := &fakeCapture{}
	open := func(context.Context) (channel.Channel, error) { return nil, errors.New("connection refused") }
	c := New(capture, open, Config{}, nil)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, closes := capture.counts(); closes == 0 {
		t.Fatal("device not released")
	}
	if c.State() != Idle {
		t.Fatalf("state = %s", c.State())
	}
}

func TestCloseWhileDialFails(t *testing.T) {
	capture := &fakeCapture{}
	rec := &recorder{}
	var c *Controller
	open := func(context.Context) (channel.Channel, error) {
		c.Close()
		return nil, errors.New("dial refused")
	}
	c = New(capture, open, Config{}, rec)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	o := wait(t, c)
	if !errors.Is(o.Err, context.Canceled) {
		t.Fatalf("outcome = %+v, want the Close to win", o)
	}
	if _, closes := capture.counts(); closes == 0 {
		t.Fatal("device not released")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 0 {
		t.Fatalf("errs = %v", rec.errs)
	}
}

func TestCloseRacingFailedDial(t *testing.T) {
	for i := 0; i < 500; i++ {
		var c *Controller
		open := func(context.Context) (channel.Channel, error) {
			go c.Close()
			time.Sleep(100 * time.Microsecond)
			return nil, errors.New("dial refused")
		}
		c = New(&fakeCapture{}, open, Config{}, nil)
		c.Start(context.Background())
		wait(t, c)
	}
}

func TestCloseCancelsDial(t *testing.T) {
	capture := &fakeCapture{}
	dialing := make(chan struct{})
	open := func(ctx context.Context) (channel.Channel, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := New(capture, open, Config{}, nil)

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()
	<-dialing

	closed := make(chan struct{})
	go func() {
		if c.State() != Idle {
			t.Errorf("state = %s while dialing", c.State())
		}
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the dial")
	}
	select {
	case err := <-started:
		if err == nil {
			t.Fatal("Start succeeded after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("dial was not cancelled")
	}
	if _, closes := capture.counts(); closes == 0 {
		t.Fatal("device not released")
	}
}

func TestCloseDuringDialDropsLateChannel(t *testing.T) {
	ch := channel.NewFake()
	var c *Controller
	open := func(context.Context) (channel.Channel, error) {
		c.Close()
		return ch, nil
	}
	c = New(&fakeCapture{}, open, Config{}, nil)

	if err := c.Start(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start = %v, want context.Canceled", err)
	}
	if !ch.Closed() {
		t.Fatal("channel opened after Close was left open")
	}
	if c.State() != Idle {
		t.Fatalf("state = %s", c.State())
	}
}

func TestSignalEndFailureForcesIdle(t *testing.T) {
	ch := channel.NewFake()
	ch.EndErr = errors.New("broken pipe")
	rec := &recorder{}
	c := New(&fakeCapture{}, opener(ch), Config{}, rec)
	c.Start(context.Background())

	err := c.Stop()
	var sf *channel.SendFailure
	if !errors.As(err, &sf) {
		t.Fatalf("Stop() = %v, want *SendFailure", err)
	}
	o := wait(t, c)
	if !errors.As(o.Err, &sf) || o.Result != nil {
		t.Fatalf("outcome = %+v", o)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.states) != 3 || rec.states[1] != Processing || rec.states[2] != Idle {
		t.Fatalf("states = %v", rec.states)
	}
	if len(rec.errs) != 1 {
		t.Fatalf("errs = %v", rec.errs)
	}
}

func TestResultTimeout(t *testing.T) {
	c := New(&fakeCapture{}, opener(channel.NewFake()), Config{ResultTimeout: 20 * time.Millisecond}, nil)
	c.Start(context.Background())
	c.Stop()

	if o := wait(t, c); !errors.Is(o.Err, ErrResultTimeout) {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestNoTimeoutWhenDisabled(t *testing.T) {
	ch := channel.NewFake()
	c := New(&fakeCapture{}, opener(ch), Config{}, nil)
	c.Start(context.Background())
	c.Stop()

	select {
	case <-c.Done():
		t.Fatal("session ended without a terminal message")
	case <-time.After(50 * time.Millisecond):
	}
	ch.Push(channel.Stopped())
	wait(t, c)
}

func TestChunkOrderAroundStartAndStop(t *testing.T) {
	capture := &fakeCapture{early: []byte("e1"), tail: []byte("tl")}
	ch := &orderedChannel{Fake: channel.NewFake(channel.Stopped())}
	c := New(capture, opener(ch), Config{}, nil)

	c.Start(context.Background())
	capture.push([]byte("m1"))
	capture.push([]byte("m2"))
	c.Stop()
	wait(t, c)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	want := []string{"send:e1", "send:m1", "send:m2", "send:tl", "end"}
	if len(ch.events) != len(want) {
		t.Fatalf("events = %v", ch.events)
	}
	for i := range want {
		if ch.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", ch.events, want)
		}
	}
}

func TestCloseWhileRecording(t *testing.T) {
	capture := &fakeCapture{}
	ch := channel.NewFake()
	rec := &recorder{}
	c := New(capture, opener(ch), Config{}, rec)
	c.Start(context.Background())

	c.Close()
	c.Close()

	o := wait(t, c)
	if !errors.Is(o.Err, context.Canceled) {
		t.Fatalf("outcome = %+v", o)
	}
	if !ch.Closed() {
		t.Error("channel left open")
	}
	if _, closes := capture.counts(); closes == 0 {
		t.Error("device left open")
	}
	if len(rec.errs) != 0 {
		t.Errorf("cancellation reported as error: %v", rec.errs)
	}
}

func TestCloseBeforeStart(t *testing.T) {
	c := New(&fakeCapture{}, opener(channel.NewFake()), Config{}, nil)
	c.Close()
	if o := wait(t, c); o.Err != nil || o.Result != nil {
		t.Fatalf("outcome = %+v", o)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrFinished) {
		t.Fatalf("Start after Close = %v", err)
	}
}

func TestChannelClosedWithoutTerminal(t *testing.T) {
	ch := channel.NewFake()
	c := New(&fakeCapture{}, opener(ch), Config{}, nil)
	c.Start(context.Background())
	c.Stop()
	ch.Close()

	if o := wait(t, c); !errors.Is(o.Err, ErrChannelClosed) {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	c := New(&fakeCapture{}, opener(channel.NewFake()), Config{}, nil)
	defer c.Close()
	c.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v", err)
	}
}

func TestStateString(t *testing.T) {
	if Idle.String() != "idle" || Recording.String() != "recording" || Processing.String() != "processing" {
		t.Error("State.String mismatch")
	}
}
