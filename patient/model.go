// Package patient manages the patients that visit notes are filed under:
// the client side roster, the server side repositories and a REST client
// between the two.
package patient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scribe/result"
)

var (
	ErrMRNExists   = errors.New("patient with this MRN already exists")
	ErrMRNRequired = errors.New("mrn is required")
	ErrNotFound    = errors.New("patient not found")
)

// DateLayout is the date_of_birth format.
const DateLayout = "2006-01-02"

type Patient struct {
	ID             string          `json:"id"`
	MRN            string          `json:"mrn"`
	FirstName      string          `json:"first_name"`
	LastName       string          `json:"last_name"`
	DateOfBirth    string          `json:"date_of_birth"`
	LastUpdated    time.Time       `json:"last_updated"`
	MedicalRecords []MedicalRecord `json:"medical_records,omitempty"`
	MedicalData    json.RawMessage `json:"medical_data,omitempty"`
}

func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// MedicalRecord is an approved visit bundle filed under a patient.
type MedicalRecord struct {
	ID   string    `json:"id"`
	Date time.Time `json:"date"`
	result.Bundle
	Edited bool `json:"edited,omitempty"`
}

// NewRecord files an approved bundle.
func NewRecord(a result.Approved) MedicalRecord {
	return MedicalRecord{
		ID:     uuid.NewString(),
		Date:   a.ApprovedAt.UTC(),
		Bundle: a.Bundle.Clone(),
		Edited: a.Edited,
	}
}

type CreateRequest struct {
	MRN         string `json:"mrn"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
}

func (r CreateRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.MRN) == "" {
		errs = append(errs, ErrMRNRequired)
	}
	if strings.TrimSpace(r.FirstName) == "" || strings.TrimSpace(r.LastName) == "" {
		errs = append(errs, errors.New("first_name and last_name are required"))
	}
	if err := validDate(r.DateOfBirth); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UpdateRequest changes only the fields that are set.
type UpdateRequest struct {
	MRN         *string         `json:"mrn,omitempty"`
	FirstName   *string         `json:"first_name,omitempty"`
	LastName    *string         `json:"last_name,omitempty"`
	DateOfBirth *string         `json:"date_of_birth,omitempty"`
	MedicalData json.RawMessage `json:"medical_data,omitempty"`
}

func (r UpdateRequest) Validate() error {
	if r.MRN != nil && strings.TrimSpace(*r.MRN) == "" {
		return errors.New("mrn must not be empty")
	}
	if r.DateOfBirth != nil {
		return validDate(*r.DateOfBirth)
	}
	return nil
}

func (r UpdateRequest) apply(p *Patient) {
	if r.MRN != nil {
		p.MRN = strings.TrimSpace(*r.MRN)
	}
	if r.FirstName != nil {
		p.FirstName = *r.FirstName
	}
	if r.LastName != nil {
		p.LastName = *r.LastName
	}
	if r.DateOfBirth != nil {
		p.DateOfBirth = *r.DateOfBirth
	}
	if r.MedicalData != nil {
		p.MedicalData = r.MedicalData
	}
}

func validDate(s string) error {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return fmt.Errorf("date_of_birth must be YYYY-MM-DD, got %q", s)
	}
	return nil
}
