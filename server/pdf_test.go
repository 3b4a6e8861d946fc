package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

// onePagePDF builds a single page PDF whose text layer is lines, one Tj
// per line.
func onePagePDF(lines ...string) []byte {
	var content strings.Builder
	content.WriteString("BT /F1 12 Tf 72 720 Td\n")
	for i, l := range lines {
		if i > 0 {
			content.WriteString("0 -16 Td\n")
		}
		fmt.Fprintf(&content, "(%s) Tj\n", l)
	}
	content.WriteString("ET")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestPDFText(t *testing.T) {
	text, err := pdfText(onePagePDF("Referral letter", "History of recurrent tonsillitis"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Referral letter", "recurrent tonsillitis"} {
		if !strings.Contains(text, want) {
			t.Errorf("text %q missing %q", text, want)
		}
	}
}

func TestPDFTextRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("%PDF"), []byte("not a pdf at all")} {
		if _, err := pdfText(data); err == nil {
			t.Errorf("pdfText(%q) succeeded", data)
		}
	}
}

func TestProcessMultipleFilesWithPDF(t *testing.T) {
	env := newTestEnv(t, nil)

	body, ct := multipartBody(t, "files", map[string]string{
		"referral.pdf": string(onePagePDF("Penicillin allergy noted by referring GP")),
		"notes.txt":    "Throat red, exudate on tonsils.",
	})
	status, out := env.do(t, http.MethodPost, "/api/process-multiple-files", ct, body)
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, out)
	}
	b := requireComplete(t, out)
	if !strings.Contains(b.Transcription, "=== referral.pdf ===") || !strings.Contains(b.Transcription, "Penicillin allergy") {
		t.Errorf("pdf text missing: %q", b.Transcription)
	}
	if !strings.Contains(b.Transcription, "=== notes.txt ===") {
		t.Errorf("text file missing: %q", b.Transcription)
	}

	body, ct = multipartBody(t, "files", map[string]string{"scan.pdf": "%PDF"})
	if status, _ := env.do(t, http.MethodPost, "/api/process-multiple-files", ct, body); status != http.StatusUnprocessableEntity {
		t.Errorf("broken pdf status = %d", status)
	}
}
