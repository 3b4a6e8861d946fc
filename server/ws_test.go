package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scribe/channel"
	"scribe/encoder"
	"scribe/result"
	"scribe/transcriber"
)

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

func collect(t *testing.T, ch <-chan channel.Message) []channel.Message {
	t.Helper()
	var out []channel.Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, m)
			if m.Terminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out; got %+v", out)
		}
	}
}

func byKind(msgs []channel.Message, k channel.Kind) []channel.Message {
	var out []channel.Message
	for _, m := range msgs {
		if m.Type == k {
			out = append(out, m)
		}
	}
	return out
}

func TestVisitStreamEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	ch, err := channel.Open(context.Background(), channel.Config{
		Mode:      channel.ModeStream,
		StreamURL: env.wsURL("/ws/process-visit"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	chunk := make([]byte, bytesPerSecond/4)
	for range 10 { // 2.5s of audio
		ch.Send(chunk)
	}
	if err := ch.SignalEnd(); err != nil {
		t.Fatalf("SignalEnd: %v", err)
	}

	msgs := collect(t, ch.Messages())
	last := msgs[len(msgs)-1]
	if last.Type != channel.KindFinal {
		t.Fatalf("last message = %+v", last)
	}

	acks := byKind(msgs, channel.KindAudioReceived)
	if len(acks) != 2 || acks[0].BytesReceived != bytesPerSecond || acks[1].BytesReceived != 2*bytesPerSecond {
		t.Errorf("acks = %+v", acks)
	}
	partials := byKind(msgs, channel.KindPartial)
	if len(partials) < 2 || partials[0].IsFinal {
		t.Errorf("partials = %+v", partials)
	}
	if env.stt.Fed() != 10*len(chunk) {
		t.Errorf("transcriber fed %d bytes", env.stt.Fed())
	}

	var c result.Complete
	result.Switch(result.Normalize(last.Data),
		func(v result.Complete) { c = v },
		func(v result.Partial) { t.Fatalf("Partial %+v", v) },
		func(v result.Failed) { t.Fatalf("Failed %q", v.Message) },
	)
	if c.Bundle.Transcription != transcriber.MockTranscript {
		t.Errorf("transcription = %q", c.Bundle.Transcription)
	}
	if c.Bundle.BillingCode.Code != "J02.0" {
		t.Errorf("billing = %+v", c.Bundle.BillingCode)
	}
}

func TestTranscriptionStream(t *testing.T) {
	env := newTestEnv(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/transcription"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.BinaryMessage, make([]byte, 3200))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown"}`))
	conn.WriteMessage(websocket.TextMessage, []byte(channel.EndOfStream))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		m, err := channel.Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if m.Type != channel.KindFinal {
			continue
		}
		if !m.IsFinal {
			t.Error("final_result should carry is_final")
		}
		var data2 map[string]string
		json.Unmarshal(m.Data, &data2)
		if data2["transcription"] != transcriber.MockTranscript {
			t.Errorf("data = %s", m.Data)
		}
		o := result.Normalize(m.Data)
		if p, ok := o.(result.Partial); !ok || !p.IsFinal {
			t.Errorf("normalized = %#v", o)
		}
		return
	}
}

func TestVisitStreamNoSpeechStops(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.stt = transcriber.NewFake("", nil)

	ch, err := channel.DialStream(context.Background(), channel.Config{StreamURL: env.wsURL("/ws/process-visit")})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	if err := ch.SignalEnd(); err != nil {
		t.Fatal(err)
	}
	msgs := collect(t, ch.Messages())
	if last := msgs[len(msgs)-1]; last.Type != channel.KindStopped {
		t.Errorf("last = %+v", last)
	}
}

func TestVisitStreamTranscriberError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.stt = transcriber.NewFake("", errors.New("provider down"))

	ch, err := channel.DialStream(context.Background(), channel.Config{StreamURL: env.wsURL("/ws/process-visit")})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	ch.Send(make([]byte, 640))
	if err := ch.SignalEnd(); err != nil {
		t.Fatal(err)
	}
	msgs := collect(t, ch.Messages())
	last := msgs[len(msgs)-1]
	if last.Type != channel.KindError || !strings.HasPrefix(last.Message, "Error processing transcript: ") {
		t.Errorf("last = %+v", last)
	}
}

func TestVisitStreamExtractorError(t *testing.T) {
	env := newTestEnv(t, failingExtractor{})

	ch, err := channel.DialStream(context.Background(), channel.Config{StreamURL: env.wsURL("/ws/process-visit")})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	ch.Send(make([]byte, 640))
	ch.SignalEnd()
	msgs := collect(t, ch.Messages())
	last := msgs[len(msgs)-1]
	if last.Type != channel.KindError || !strings.Contains(last.Message, "model unavailable") {
		t.Errorf("last = %+v", last)
	}
}

func TestBatchChannelAgainstServer(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, format := range []string{encoder.FormatFLAC, encoder.FormatWAV} {
		t.Run(format, func(t *testing.T) {
			ch, err := channel.Open(context.Background(), channel.Config{
				Mode:        channel.ModeBatch,
				BatchURL:    env.http.URL + "/api/process-visit",
				BatchFormat: format,
			})
			if err != nil {
				t.Fatal(err)
			}
			defer ch.Close()
			ch.Send(make([]byte, bytesPerSecond))
			if err := ch.SignalEnd(); err != nil {
				t.Fatal(err)
			}
			msgs := collect(t, ch.Messages())
			last := msgs[len(msgs)-1]
			if last.Type != channel.KindFinal {
				t.Fatalf("last = %+v", last)
			}
			if _, ok := result.Normalize(last.Data).(result.Complete); !ok {
				t.Errorf("not complete: %s", last.Data)
			}
		})
	}
}
