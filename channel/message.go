package channel

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindPartial       Kind = "partial_transcript"
	KindAudioReceived Kind = "audio_received"
	KindFinal         Kind = "final_result"
	KindStopped       Kind = "stopped"
	KindError         Kind = "error"
	KindStatus        Kind = "status"
)

// EndOfStream is the control message a client sends after the last chunk.
const EndOfStream = "END_OF_STREAM"

// Message is one server to client frame. Only the fields relevant to Type
// are set.
type Message struct {
	Type          Kind            `json:"type"`
	Text          string          `json:"text,omitempty"`
	IsFinal       bool            `json:"is_final,omitempty"`
	BytesReceived int64           `json:"bytes_received,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// Terminal reports whether the message ends a session.
func (m Message) Terminal() bool {
	switch m.Type {
	case KindFinal, KindStopped, KindError:
		return true
	}
	return false
}

func Partial(text string, final bool) Message {
	return Message{Type: KindPartial, Text: text, IsFinal: final}
}

func AudioReceived(n int64) Message {
	return Message{Type: KindAudioReceived, BytesReceived: n}
}

func Status(msg string) Message {
	return Message{Type: KindStatus, Message: msg}
}

func Stopped() Message {
	return Message{Type: KindStopped}
}

func Error(msg string) Message {
	return Message{Type: KindError, Message: msg}
}

// Final wraps v as the data of a final_result message.
func Final(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encoding final result: %w", err)
	}
	return Message{Type: KindFinal, Data: data}, nil
}

// Decode parses a server frame. Anything that is not a JSON object with a
// known type is a *MalformedPayload.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &MalformedPayload{Raw: data, Err: err}
	}
	switch m.Type {
	case KindPartial, KindAudioReceived, KindFinal, KindStopped, KindError, KindStatus:
	default:
		return Message{}, &MalformedPayload{Raw: data, Err: fmt.Errorf("unknown message type %q", m.Type)}
	}
	if m.Type == KindFinal && len(m.Data) == 0 {
		return Message{}, &MalformedPayload{Raw: data, Err: fmt.Errorf("final_result without data")}
	}
	return m, nil
}

// IsEndOfStream accepts both {"type":"END_OF_STREAM"} and the bare string.
func IsEndOfStream(data []byte) bool {
	if string(data) == EndOfStream {
		return true
	}
	var ctl struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &ctl) == nil && ctl.Type == EndOfStream
}

func endOfStreamFrame() []byte {
	return []byte(`{"type":"` + EndOfStream + `"}`)
}
