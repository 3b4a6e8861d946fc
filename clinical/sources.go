package clinical

import (
	"fmt"
	"os"
	"strings"
)

const notProvided = "Not provided."

// Sources are the three inputs a visit note is synthesized from. Any of
// them may be empty.
type Sources struct {
	RecordedTranscript string `json:"recordedTranscript"`
	UploadedDocuments  string `json:"uploadedDocuments"`
	DoctorNotes        string `json:"doctorNotes"`
}

// Empty reports whether every source is blank.
func (s Sources) Empty() bool {
	return strings.TrimSpace(s.RecordedTranscript) == "" &&
		strings.TrimSpace(s.UploadedDocuments) == "" &&
		strings.TrimSpace(s.DoctorNotes) == ""
}

// Combined renders the labeled context block handed to the extractors and
// echoed back as the bundle's transcription.
func (s Sources) Combined() string {
	return strings.Join([]string{
		"--- RECORDED TRANSCRIPT ---",
		orNotProvided(s.RecordedTranscript),
		"\n--- UPLOADED DOCUMENTS ---",
		orNotProvided(s.UploadedDocuments),
		"\n--- DOCTOR'S NOTES ---",
		orNotProvided(s.DoctorNotes),
	}, "\n")
}

func orNotProvided(s string) string {
	if strings.TrimSpace(s) == "" {
		return notProvided
	}
	return s
}

// ReadArg resolves a command line value: "@path" reads the file, anything
// else is used as is.
func ReadArg(v string) (string, error) {
	path, ok := strings.CutPrefix(v, "@")
	if !ok {
		return v, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}
