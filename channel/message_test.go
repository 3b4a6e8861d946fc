package channel

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		want      Kind
		malformed bool
	}{
		{"partial", `{"type":"partial_transcript","text":"hi","is_final":false}`, KindPartial, false},
		{"ack", `{"type":"audio_received","bytes_received":32000}`, KindAudioReceived, false},
		{"final", `{"type":"final_result","data":{"transcription":"x"}}`, KindFinal, false},
		{"stopped", `{"type":"stopped"}`, KindStopped, false},
		{"error", `{"type":"error","message":"boom"}`, KindError, false},
		{"status", `{"type":"status","message":"processing"}`, KindStatus, false},
		{"not json", `{"type":`, "", true},
		{"unknown type", `{"type":"hello"}`, "", true},
		{"no type", `{"text":"hi"}`, "", true},
		{"final without data", `{"type":"final_result"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.in))
			if tt.malformed {
				var mp *MalformedPayload
				if !errors.As(err, &mp) {
					t.Fatalf("Decode() err = %v, want *MalformedPayload", err)
				}
				if string(mp.Raw) != tt.in {
					t.Errorf("Raw = %q", mp.Raw)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if m.Type != tt.want {
				t.Errorf("Type = %q, want %q", m.Type, tt.want)
			}
		})
	}
}

func TestDecodeFields(t *testing.T) {
	m, err := Decode([]byte(`{"type":"audio_received","bytes_received":64000}`))
	if err != nil || m.BytesReceived != 64000 {
		t.Fatalf("m = %+v, err = %v", m, err)
	}
	m, _ = Decode([]byte(`{"type":"partial_transcript","text":"sore throat","is_final":true}`))
	if m.Text != "sore throat" || !m.IsFinal {
		t.Fatalf("m = %+v", m)
	}
}

func TestTerminal(t *testing.T) {
	for kind, want := range map[Kind]bool{
		KindPartial: false, KindAudioReceived: false, KindStatus: false,
		KindFinal: true, KindStopped: true, KindError: true,
	} {
		if got := (Message{Type: kind}).Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v", kind, got)
		}
	}
}

func TestIsEndOfStream(t *testing.T) {
	for in, want := range map[string]bool{
		`{"type":"END_OF_STREAM"}`: true,
		`END_OF_STREAM`:            true,
		`{"type":"Finalize"}`:      false,
		`end_of_stream`:            false,
	} {
		if got := IsEndOfStream([]byte(in)); got != want {
			t.Errorf("IsEndOfStream(%q) = %v", in, got)
		}
	}
	if !IsEndOfStream(endOfStreamFrame()) {
		t.Error("endOfStreamFrame not recognized")
	}
}

func TestFinal(t *testing.T) {
	m, err := Final(map[string]string{"transcription": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != KindFinal || string(m.Data) != `{"transcription":"x"}` {
		t.Fatalf("m = %+v", m)
	}
	if _, err := Final(make(chan int)); err == nil {
		t.Fatal("expected error for unencodable data")
	}
}
