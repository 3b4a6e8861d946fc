package result

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome is one of Complete, Partial or Failed.
type Outcome interface {
	outcome()
}

type Complete struct {
	Bundle Bundle
}

type Partial struct {
	Transcription string
	IsFinal       bool
}

type Failed struct {
	Message string
}

func (Complete) outcome() {}
func (Partial) outcome()  {}
func (Failed) outcome()   {}

const noResultMessage = "The server returned a result without a transcription."

// Switch dispatches on the outcome kind. Every handler is required so that
// presentation code cannot forget a case.
func Switch(o Outcome, complete func(Complete), partial func(Partial), failed func(Failed)) {
	switch v := o.(type) {
	case Complete:
		complete(v)
	case Partial:
		partial(v)
	case Failed:
		failed(v)
	default:
		failed(Failed{Message: noResultMessage})
	}
}

// Normalize maps a backend payload onto an Outcome. raw may be a decoded
// JSON object, raw JSON bytes or string, a Bundle, or any value that
// marshals to a JSON object.
//
// A payload carrying both a transcription and a SOAP note is Complete, a
// payload carrying only a transcription is Partial, and anything else is
// Failed with the best message the payload offers.
func Normalize(raw any) Outcome {
	m, err := asObject(raw)
	if err != nil {
		return Failed{Message: fmt.Sprintf("Could not read the result: %v", err)}
	}
	m = unwrap(m)

	transcript, hasTranscript := text(m, "transcription", "transcript")
	note, hasNote := text(m, "soap_note", "soapNote")

	switch {
	case hasTranscript && hasNote:
		return Complete{Bundle: bundleFrom(m, transcript, note)}
	case hasTranscript:
		return Partial{Transcription: transcript, IsFinal: final(m, true)}
	}
	if partial, ok := text(m, "partial_transcript", "text"); ok && typeIs(m, "", "partial_transcript") {
		return Partial{Transcription: partial, IsFinal: final(m, false)}
	}
	return Failed{Message: failureMessage(m)}
}

func asObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("empty payload")
	case map[string]any:
		return v, nil
	case Bundle:
		return bundleObject(v), nil
	case *Bundle:
		if v == nil {
			return nil, fmt.Errorf("empty payload")
		}
		return bundleObject(*v), nil
	case json.RawMessage:
		return decodeObject(v)
	case []byte:
		return decodeObject(v)
	case string:
		return decodeObject([]byte(v))
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return decodeObject(b)
}

func bundleObject(b Bundle) map[string]any {
	data, _ := json.Marshal(b)
	var m map[string]any
	json.Unmarshal(data, &m)
	return m
}

func decodeObject(b []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	return m, nil
}

// unwrap peels a {"type":"final_result","data":{...}} envelope.
func unwrap(m map[string]any) map[string]any {
	for i := 0; i < 2; i++ {
		data, ok := m["data"].(map[string]any)
		if !ok {
			return m
		}
		if _, has := m["transcription"]; has {
			return m
		}
		m = data
	}
	return m
}

func typeIs(m map[string]any, want ...string) bool {
	t, _ := m["type"].(string)
	for _, w := range want {
		if t == w {
			return true
		}
	}
	return false
}

func final(m map[string]any, def bool) bool {
	if v, ok := m["is_final"].(bool); ok {
		return v
	}
	return def
}

// text returns the first key holding a string. Present but blank counts as
// present and becomes NotSpecified.
func text(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		return orNotSpecified(s), true
	}
	return "", false
}

func orNotSpecified(s string) string {
	if strings.TrimSpace(s) == "" {
		return NotSpecified
	}
	return s
}

func field(m map[string]any, keys ...string) string {
	s, ok := text(m, keys...)
	if !ok {
		return NotSpecified
	}
	return s
}

func bundleFrom(m map[string]any, transcript, note string) Bundle {
	return Bundle{
		Transcription: transcript,
		SOAPNote:      note,
		Diagnosis:     field(m, "diagnosis"),
		BillingCode:   billing(m),
		Prescriptions: prescriptions(m),
		LabOrders:     labOrders(m),
	}
}

func billing(m map[string]any) BillingCode {
	var raw any
	for _, k := range []string{"billing_code", "billingCode"} {
		if v, ok := m[k]; ok {
			raw = v
			break
		}
	}
	switch v := raw.(type) {
	case map[string]any:
		return BillingCode{Code: field(v, "code"), Description: field(v, "description")}
	case string:
		return BillingCode{Code: orNotSpecified(v), Description: NotSpecified}
	}
	return BillingCode{Code: NotSpecified, Description: NotSpecified}
}

func list(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if v, ok := m[k].([]any); ok {
			return v
		}
	}
	return nil
}

func prescriptions(m map[string]any) []Prescription {
	out := []Prescription{}
	for _, item := range list(m, "prescriptions") {
		switch v := item.(type) {
		case map[string]any:
			p := Prescription{
				Medication: field(v, "medication", "name", "drug"),
				Dosage:     field(v, "dosage", "dose"),
				Frequency:  field(v, "frequency"),
				Duration:   field(v, "duration"),
			}
			if s, ok := v["instructions"].(string); ok {
				p.Instructions = s
			}
			out = append(out, p)
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			out = append(out, Prescription{Medication: v, Dosage: NotSpecified, Frequency: NotSpecified, Duration: NotSpecified})
		}
	}
	return out
}

func labOrders(m map[string]any) []string {
	out := []string{}
	for _, item := range list(m, "lab_orders", "labOrders") {
		switch v := item.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				out = append(out, v)
			}
		case map[string]any:
			if s, ok := text(v, "test", "name", "order"); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func failureMessage(m map[string]any) string {
	for _, k := range []string{"message", "detail", "error"} {
		switch v := m[k].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case map[string]any:
			if s, ok := text(v, "message", "detail"); ok && s != NotSpecified {
				return s
			}
		}
	}
	return noResultMessage
}
