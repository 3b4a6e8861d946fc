package clinical

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"scribe/result"
)

// UnspecifiedCode is returned when no keyword matches a diagnosis.
const UnspecifiedCode = "R00.0"

//go:embed data/icd10_codes.csv
var defaultCodes []byte

type billingEntry struct {
	keyword string
	code    string
}

// BillingTable maps diagnosis keywords to ICD-10 codes. Lookups are case
// insensitive. Entries keep file order, which decides ties between partial
// matches.
type BillingTable struct {
	entries []billingEntry
	exact   map[string]string
}

// DefaultBillingTable returns the table compiled into the binary.
func DefaultBillingTable() *BillingTable {
	t, err := ParseBillingTable(bytes.NewReader(defaultCodes))
	if err != nil {
		panic(fmt.Sprintf("clinical: embedded billing codes: %v", err))
	}
	return t
}

// LoadBillingTable reads a diagnosis_keyword,code CSV from path. An empty
// path yields the embedded table.
func LoadBillingTable(path string) (*BillingTable, error) {
	if path == "" {
		return DefaultBillingTable(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening billing codes: %w", err)
	}
	defer f.Close()
	return ParseBillingTable(f)
}

func ParseBillingTable(r io.Reader) (*BillingTable, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading billing header: %w", err)
	}
	kw, code := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "diagnosis_keyword":
			kw = i
		case "code":
			code = i
		}
	}
	if kw < 0 || code < 0 {
		return nil, errors.New("billing codes need diagnosis_keyword and code columns")
	}

	t := &BillingTable{exact: make(map[string]string)}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading billing codes: %w", err)
		}
		if len(rec) <= kw || len(rec) <= code {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(rec[kw]))
		c := strings.TrimSpace(rec[code])
		if k == "" || c == "" {
			continue
		}
		if _, dup := t.exact[k]; !dup {
			t.entries = append(t.entries, billingEntry{keyword: k, code: c})
		}
		t.exact[k] = c
	}
	return t, nil
}

func (t *BillingTable) Len() int { return len(t.entries) }

// Lookup finds the code for diagnosis: an exact keyword first, then the
// first keyword contained in the diagnosis or containing it.
func (t *BillingTable) Lookup(diagnosis string) result.BillingCode {
	d := strings.ToLower(strings.TrimSpace(diagnosis))
	if d != "" {
		if c, ok := t.exact[d]; ok {
			return result.BillingCode{Code: c, Description: diagnosis}
		}
		for _, e := range t.entries {
			if strings.Contains(d, e.keyword) || strings.Contains(e.keyword, d) {
				return result.BillingCode{Code: e.code, Description: diagnosis}
			}
		}
	}
	return result.BillingCode{Code: UnspecifiedCode, Description: "Unspecified diagnosis: " + diagnosis}
}
