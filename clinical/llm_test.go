package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker/v2"
)

type chatServer struct {
	*httptest.Server
	calls   atomic.Int32
	lastReq atomic.Value
}

func newChatServer(t *testing.T, status int, content string) *chatServer {
	t.Helper()
	cs := &chatServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.calls.Add(1)
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		cs.lastReq.Store(req)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(cs.Close)
	return cs
}

func newLLM(t *testing.T, cs *chatServer) *LLMExtractor {
	t.Helper()
	x, err := NewLLMExtractor(LLMConfig{APIKey: "test-key", BaseURL: cs.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestLLMExtract(t *testing.T) {
	reply := `{
		"soap_note": {"subjective": "Sore throat.", "objective": "Strep positive.", "assessment": "Strep throat.", "plan": "Amoxicillin."},
		"diagnosis": "Streptococcal pharyngitis",
		"billing_code": {"code": "J02.0", "description": "Streptococcal pharyngitis"},
		"prescriptions": [{"medication": "Amoxicillin", "dosage": "500mg", "frequency": "twice daily", "duration": "10 days"}],
		"lab_orders": ["Throat culture"]
	}`
	cs := newChatServer(t, http.StatusOK, reply)
	src := Sources{RecordedTranscript: visit}

	b, err := newLLM(t, cs).Extract(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if b.SOAPNote != "SUBJECTIVE:\nSore throat.\nOBJECTIVE:\nStrep positive.\nASSESSMENT:\nStrep throat.\nPLAN:\nAmoxicillin." {
		t.Errorf("note = %q", b.SOAPNote)
	}
	if b.Transcription != src.Combined() {
		t.Error("transcription is not the combined context")
	}
	if b.BillingCode.Code != "J02.0" || len(b.Prescriptions) != 1 || len(b.LabOrders) != 1 {
		t.Errorf("bundle = %+v", b)
	}

	req := cs.lastReq.Load().(map[string]any)
	if req["model"] != "gpt-4o" || req["temperature"] != 0.1 || req["max_tokens"] != float64(2000) {
		t.Errorf("request = %v", req)
	}
	if rf, _ := req["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v", req["response_format"])
	}
	msgs := req["messages"].([]any)
	user := msgs[1].(map[string]any)["content"].(string)
	if !strings.HasPrefix(user, "Here is the clinical context to process:\n--- RECORDED TRANSCRIPT ---") {
		t.Errorf("user message = %q", user)
	}
}

func TestLLMDefaults(t *testing.T) {
	cs := newChatServer(t, http.StatusOK, `{"soap_note": "S: a O: b A: c P: d"}`)
	b, err := newLLM(t, cs).Extract(context.Background(), Sources{DoctorNotes: "follow up"})
	if err != nil {
		t.Fatal(err)
	}
	if b.SOAPNote != "S: a O: b A: c P: d" {
		t.Errorf("note = %q", b.SOAPNote)
	}
	if b.Diagnosis != UnknownDiagnosis || b.BillingCode.Code != "N/A" || b.BillingCode.Description != "Not specified" {
		t.Errorf("defaults = %q %+v", b.Diagnosis, b.BillingCode)
	}
	if b.Prescriptions == nil || b.LabOrders == nil {
		t.Error("lists should be empty, not nil")
	}
}

func TestLLMFillsBillingFromTable(t *testing.T) {
	cs := newChatServer(t, http.StatusOK, `{"soap_note": {"plan": "rest"}, "diagnosis": "Hypertension"}`)
	b, err := newLLM(t, cs).Extract(context.Background(), Sources{DoctorNotes: "bp high"})
	if err != nil {
		t.Fatal(err)
	}
	if b.BillingCode.Code != "I10" {
		t.Errorf("billing = %+v", b.BillingCode)
	}
}

func TestLLMBadReplies(t *testing.T) {
	for name, content := range map[string]string{
		"not json":     "I cannot help with that",
		"no soap note": `{"diagnosis": "x"}`,
		"wrong type":   `{"soap_note": 42}`,
	} {
		t.Run(name, func(t *testing.T) {
			cs := newChatServer(t, http.StatusOK, content)
			src := Sources{RecordedTranscript: "hi"}
			b, err := newLLM(t, cs).Extract(context.Background(), src)
			if err == nil {
				t.Fatal("expected error")
			}
			if b.SOAPNote != ErrorNote || b.Diagnosis != "Error" || b.Transcription != src.Combined() {
				t.Errorf("bundle = %+v", b)
			}
		})
	}
}

func TestLLMBreakerOpens(t *testing.T) {
	cs := newChatServer(t, http.StatusInternalServerError, "")
	x := newLLM(t, cs)
	src := Sources{RecordedTranscript: "hi"}

	for i := 0; i < breakerTrip; i++ {
		if _, err := x.Extract(context.Background(), src); err == nil {
			t.Fatal("expected upstream error")
		}
	}
	before := cs.calls.Load()
	_, err := x.Extract(context.Background(), src)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if cs.calls.Load() != before {
		t.Error("open breaker still called upstream")
	}
}

func TestLLMFallsBackToRegex(t *testing.T) {
	cs := newChatServer(t, http.StatusInternalServerError, "")
	ex, err := New("auto", newLLM(t, cs), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ex.Extract(context.Background(), Sources{RecordedTranscript: visit})
	if err != nil {
		t.Fatal(err)
	}
	if b.BillingCode.Code != "J02.0" {
		t.Errorf("regex fallback billing = %+v", b.BillingCode)
	}
}

func TestNewLLMNeedsKey(t *testing.T) {
	if _, err := NewLLMExtractor(LLMConfig{}); err == nil {
		t.Error("empty key accepted")
	}
}
