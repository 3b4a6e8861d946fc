package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"scribe/clinical"
	"scribe/config"
	"scribe/patient"
	"scribe/result"
	"scribe/transcriber"
)

type failingExtractor struct{}

func (failingExtractor) Name() string { return "broken" }

func (failingExtractor) Extract(_ context.Context, src clinical.Sources) (result.Bundle, error) {
	return clinical.ErrorBundle(src), errors.New("model unavailable")
}

type testEnv struct {
	srv  *Server
	http *httptest.Server
	stt  *transcriber.FakeTranscriber
}

func newTestEnv(t *testing.T, ext clinical.Extractor) *testEnv {
	t.Helper()
	if ext == nil {
		ext = clinical.NewRegexExtractor(clinical.DefaultBillingTable())
	}
	stt := transcriber.NewFake(transcriber.MockTranscript, nil)
	stt.SetPace(6, 0)
	s := New(Options{
		Config:      &config.Config{Language: "en"},
		Extractor:   ext,
		Transcriber: stt,
		Patients:    patient.NewMemoryRepo(),
		Logger:      zerolog.Nop(),
	})
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &testEnv{srv: s, http: hs, stt: stt}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	json.Unmarshal(data, &out)
	return resp.StatusCode, out
}

func (e *testEnv) postJSON(t *testing.T, path string, v any) (int, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(v)
	return e.do(t, http.MethodPost, path, echo.MIMEApplicationJSON, bytes.NewReader(b))
}

func multipartBody(t *testing.T, field string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(part, content)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func requireComplete(t *testing.T, body map[string]any) result.Bundle {
	t.Helper()
	var c result.Complete
	result.Switch(result.Normalize(body),
		func(v result.Complete) { c = v },
		func(v result.Partial) { t.Fatalf("got Partial %+v", v) },
		func(v result.Failed) { t.Fatalf("got Failed %q", v.Message) },
	)
	return c.Bundle
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/", "", nil)
	if status != http.StatusOK || body["message"] != "Scribe backend is running" {
		t.Errorf("GET / = %d %v", status, body)
	}
	status, body = env.do(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK || body["status"] != "ok" || body["transcriber"] != "fake" || body["extractor"] != "regex" {
		t.Errorf("GET /health = %d %v", status, body)
	}
}

func TestProcessText(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.postJSON(t, "/api/process-text", map[string]string{"text": transcriber.MockTranscript})
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, body)
	}
	b := requireComplete(t, body)
	if b.Transcription != transcriber.MockTranscript {
		t.Errorf("transcription = %q", b.Transcription)
	}
	if !strings.Contains(strings.ToLower(b.Diagnosis), "pharyngitis") {
		t.Errorf("diagnosis = %q", b.Diagnosis)
	}

	status, body = env.postJSON(t, "/api/process-text", map[string]string{"text": "  "})
	if status != http.StatusBadRequest || body["detail"] != "text is required" {
		t.Errorf("blank text = %d %v", status, body)
	}

	status, body = env.do(t, http.MethodPost, "/api/process-text", echo.MIMEApplicationJSON, strings.NewReader("{"))
	if status != http.StatusBadRequest || body["detail"] == nil {
		t.Errorf("bad json = %d %v", status, body)
	}
}

func TestProcessTextContext(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.postJSON(t, "/api/process-text-context", map[string]string{
		"text":         "Assessment: acute streptococcal pharyngitis.",
		"context_type": "medical_notes",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, body)
	}
	b := requireComplete(t, body)
	if !strings.Contains(b.Transcription, "--- DOCTOR'S NOTES ---\nAssessment") {
		t.Errorf("notes not filed under doctor's notes: %q", b.Transcription)
	}

	status, _ = env.postJSON(t, "/api/process-text-context", map[string]string{"text": "x", "context_type": "weather"})
	if status != http.StatusBadRequest {
		t.Errorf("unknown context_type status = %d", status)
	}
}

func TestContextSources(t *testing.T) {
	tests := []struct {
		typ  string
		want clinical.Sources
	}{
		{"", clinical.Sources{RecordedTranscript: "t"}},
		{"general", clinical.Sources{RecordedTranscript: "t"}},
		{"Medical_Notes", clinical.Sources{DoctorNotes: "t"}},
		{"documents", clinical.Sources{UploadedDocuments: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			got, err := contextSources("t", tt.typ)
			if err != nil || got != tt.want {
				t.Errorf("got %+v, %v", got, err)
			}
		})
	}
}

func TestGenerateNote(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.postJSON(t, "/api/generate-note", clinical.Sources{
		RecordedTranscript: transcriber.MockTranscript,
		DoctorNotes:        "Follow up in 10 days.",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, body)
	}
	b := requireComplete(t, body)
	if !strings.HasPrefix(b.Transcription, "--- RECORDED TRANSCRIPT ---") {
		t.Errorf("transcription = %q", b.Transcription)
	}

	status, body = env.postJSON(t, "/api/generate-note", clinical.Sources{})
	if status != http.StatusBadRequest || body["detail"] != clinical.ErrNoInput.Error() {
		t.Errorf("empty = %d %v", status, body)
	}
}

func TestGenerateNoteExtractorFailure(t *testing.T) {
	env := newTestEnv(t, failingExtractor{})

	status, body := env.postJSON(t, "/api/generate-note", clinical.Sources{DoctorNotes: "cough"})
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d", status)
	}
	if d, _ := body["detail"].(string); !strings.Contains(d, "model unavailable") {
		t.Errorf("detail = %v", body["detail"])
	}
}

func TestProcessVisitUpload(t *testing.T) {
	env := newTestEnv(t, nil)

	body, ct := multipartBody(t, "file", map[string]string{"visit.wav": "RIFF....WAVE"})
	status, out := env.do(t, http.MethodPost, "/api/process-visit", ct, body)
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, out)
	}
	b := requireComplete(t, out)
	if b.Transcription != transcriber.MockTranscript {
		t.Errorf("transcription = %q", b.Transcription)
	}

	body, ct = multipartBody(t, "other", map[string]string{"visit.wav": "x"})
	if status, _ := env.do(t, http.MethodPost, "/api/process-visit", ct, body); status != http.StatusBadRequest {
		t.Errorf("missing file status = %d", status)
	}
}

func TestProcessMultipleFiles(t *testing.T) {
	env := newTestEnv(t, nil)

	body, ct := multipartBody(t, "files", map[string]string{
		"labs.txt":   "Rapid strep test positive.",
		"visit.flac": "fLaC",
	})
	status, out := env.do(t, http.MethodPost, "/api/process-multiple-files", ct, body)
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, out)
	}
	b := requireComplete(t, out)
	if !strings.Contains(b.Transcription, "=== labs.txt ===\nRapid strep test positive.") {
		t.Errorf("documents missing: %q", b.Transcription)
	}
	if !strings.Contains(b.Transcription, "34-year-old male") {
		t.Errorf("audio not transcribed: %q", b.Transcription)
	}

	body, ct = multipartBody(t, "files", map[string]string{"slides.pptx": "PK"})
	if status, _ := env.do(t, http.MethodPost, "/api/process-multiple-files", ct, body); status != http.StatusUnsupportedMediaType {
		t.Errorf("pptx status = %d", status)
	}
}

func TestNotFoundUsesDetail(t *testing.T) {
	env := newTestEnv(t, nil)
	status, body := env.do(t, http.MethodGet, "/nope", "", nil)
	if status != http.StatusNotFound || body["detail"] == nil {
		t.Errorf("got %d %v", status, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.postJSON(t, "/api/process-text", map[string]string{"text": "sore throat"})

	resp, err := http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`scribe_http_requests_total{method="POST",path="/api/process-text",status="200"} 1`,
		`scribe_clinical_notes_total{outcome="ok"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestRecoveryReturns500(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.echo.GET("/panic", func(echo.Context) error { panic("boom") })

	status, body := env.do(t, http.MethodGet, "/panic", "", nil)
	if status != http.StatusInternalServerError || body["detail"] != "internal server error" {
		t.Errorf("got %d %v", status, body)
	}
}

func TestAudioFormat(t *testing.T) {
	tests := []struct {
		name, ct, want string
	}{
		{"visit.FLAC", "", "flac"},
		{"visit.wav", "", "wav"},
		{"blob", "audio/x-wav", "wav"},
		{"blob", "audio/webm", "webm"},
		{"blob", "", "wav"},
	}
	for _, tt := range tests {
		fh := &multipart.FileHeader{Filename: tt.name, Header: map[string][]string{}}
		if tt.ct != "" {
			fh.Header.Set("Content-Type", tt.ct)
		}
		if got := audioFormat(fh); got != tt.want {
			t.Errorf("audioFormat(%q, %q) = %q, want %q", tt.name, tt.ct, got, tt.want)
		}
	}
}
