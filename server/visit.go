package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"scribe/clinical"
	"scribe/result"
)

const maxUploadBytes = 64 << 20

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": "Scribe backend is running"})
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]string{"status": "ok"}
	if s.stt != nil {
		resp["transcriber"] = s.stt.Name()
	}
	if s.extractor != nil {
		resp["extractor"] = s.extractor.Name()
	}
	return c.JSON(http.StatusOK, resp)
}

// note runs the extractor. A non-empty transcript replaces the labeled
// context block as the bundle's transcription, since the visit had one
// source only.
func (s *Server) note(ctx context.Context, src clinical.Sources, transcript string) (result.Bundle, error) {
	if s.extractor == nil {
		return result.Bundle{}, errors.New("no extractor configured")
	}
	start := time.Now()
	b, err := s.extractor.Extract(ctx, src)
	s.metrics.NoteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.NotesTotal.WithLabelValues("error").Inc()
		return b, err
	}
	s.metrics.NotesTotal.WithLabelValues("ok").Inc()
	if transcript != "" {
		b.Transcription = transcript
	}
	return b, nil
}

func (s *Server) respondNote(c echo.Context, src clinical.Sources, transcript string) error {
	b, err := s.note(c.Request().Context(), src, transcript)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("Error generating note: %v", err))
	}
	return c.JSON(http.StatusOK, b)
}

func (s *Server) handleProcessVisit(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	text, err := s.transcribeUpload(c.Request().Context(), fh)
	if err != nil {
		return err
	}
	if text == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "No speech was detected in the recording")
	}
	return s.respondNote(c, clinical.Sources{RecordedTranscript: text}, text)
}

type textRequest struct {
	Text        string `json:"text"`
	ContextType string `json:"context_type"`
}

func (s *Server) handleProcessText(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	return s.respondNote(c, clinical.Sources{RecordedTranscript: text}, text)
}

// contextSources files text under the source its context_type names.
func contextSources(text, contextType string) (clinical.Sources, error) {
	switch strings.ToLower(strings.TrimSpace(contextType)) {
	case "", "general", "transcript", "conversation":
		return clinical.Sources{RecordedTranscript: text}, nil
	case "medical_notes", "doctor_notes", "notes":
		return clinical.Sources{DoctorNotes: text}, nil
	case "documents", "document", "medical_records":
		return clinical.Sources{UploadedDocuments: text}, nil
	}
	return clinical.Sources{}, fmt.Errorf("unknown context_type %q", contextType)
}

func (s *Server) handleProcessTextContext(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	src, err := contextSources(text, req.ContextType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.respondNote(c, src, "")
}

func (s *Server) handleProcessFiles(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form with files is required")
	}
	files := form.File["files"]
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one file is required")
	}

	ctx := c.Request().Context()
	var transcripts, documents []string
	for _, fh := range files {
		switch fileKind(fh) {
		case kindAudio:
			text, err := s.transcribeUpload(ctx, fh)
			if err != nil {
				return err
			}
			if text != "" {
				transcripts = append(transcripts, text)
			}
		case kindText:
			body, err := readUpload(fh)
			if err != nil {
				return err
			}
			if t := strings.TrimSpace(string(body)); t != "" {
				documents = append(documents, fmt.Sprintf("=== %s ===\n%s", fh.Filename, t))
			}
		case kindPDF:
			body, err := readUpload(fh)
			if err != nil {
				return err
			}
			t, err := pdfText(body)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnprocessableEntity,
					fmt.Sprintf("Could not read %s: %v", fh.Filename, err))
			}
			if t != "" {
				documents = append(documents, fmt.Sprintf("=== %s ===\n%s", fh.Filename, t))
			}
		default:
			return echo.NewHTTPError(http.StatusUnsupportedMediaType,
				fmt.Sprintf("Unsupported file %q; upload text, PDF or audio", fh.Filename))
		}
	}

	src := clinical.Sources{
		RecordedTranscript: strings.Join(transcripts, "\n"),
		UploadedDocuments:  strings.Join(documents, "\n\n"),
	}
	if src.Empty() {
		return echo.NewHTTPError(http.StatusBadRequest, "the uploaded files contain no text")
	}
	return s.respondNote(c, src, "")
}

func (s *Server) handleGenerateNote(c echo.Context) error {
	var src clinical.Sources
	if err := c.Bind(&src); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if src.Empty() {
		return echo.NewHTTPError(http.StatusBadRequest, clinical.ErrNoInput.Error())
	}
	return s.respondNote(c, src, "")
}

type uploadKind int

const (
	kindUnknown uploadKind = iota
	kindText
	kindPDF
	kindAudio
)

var audioExts = map[string]string{
	".wav":  "wav",
	".flac": "flac",
	".mp3":  "mp3",
	".m4a":  "m4a",
	".ogg":  "ogg",
	".webm": "webm",
}

func fileKind(fh *multipart.FileHeader) uploadKind {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	ct := fh.Header.Get(echo.HeaderContentType)
	switch {
	case audioExts[ext] != "" || strings.HasPrefix(ct, "audio/"):
		return kindAudio
	case ext == ".pdf" || ct == "application/pdf":
		return kindPDF
	case ext == ".txt" || ext == ".md" || ext == ".csv" || strings.HasPrefix(ct, "text/"):
		return kindText
	}
	return kindUnknown
}

// audioFormat names the container for the speech-to-text provider.
func audioFormat(fh *multipart.FileHeader) string {
	if f := audioExts[strings.ToLower(filepath.Ext(fh.Filename))]; f != "" {
		return f
	}
	ct := fh.Header.Get(echo.HeaderContentType)
	if f, ok := strings.CutPrefix(ct, "audio/"); ok {
		return strings.TrimPrefix(f, "x-")
	}
	return "wav"
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxUploadBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("%s is too large", fh.Filename))
	}
	f, err := fh.Open()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("reading %s: %v", fh.Filename, err))
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxUploadBytes))
}

func (s *Server) transcribeUpload(ctx context.Context, fh *multipart.FileHeader) (string, error) {
	if s.stt == nil {
		return "", echo.NewHTTPError(http.StatusServiceUnavailable, "speech-to-text is not configured")
	}
	data, err := readUpload(fh)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s is empty", fh.Filename))
	}
	res, err := s.stt.Transcribe(ctx, data, audioFormat(fh))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("Transcription failed: %v", err))
	}
	return strings.TrimSpace(res.Text), nil
}
