// Package result holds the clinical result bundle produced for a visit and
// the normalizer that turns whatever the backend sent into something the
// UI can always render.
package result

import "time"

// NotSpecified stands in for any text field the backend left out.
const NotSpecified = "Not specified"

type BillingCode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type Prescription struct {
	Medication   string `json:"medication"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration"`
	Instructions string `json:"instructions,omitempty"`
}

// Bundle is the structured output of one visit. Treat it as a value: use
// Clone before editing so the original stays intact.
type Bundle struct {
	Transcription string         `json:"transcription"`
	SOAPNote      string         `json:"soap_note"`
	Diagnosis     string         `json:"diagnosis"`
	BillingCode   BillingCode    `json:"billing_code"`
	Prescriptions []Prescription `json:"prescriptions"`
	LabOrders     []string       `json:"lab_orders"`
}

func (b Bundle) Clone() Bundle {
	c := b
	c.Prescriptions = append([]Prescription{}, b.Prescriptions...)
	c.LabOrders = append([]string{}, b.LabOrders...)
	return c
}

// Draft tracks clinician edits on top of a bundle received from the backend.
type Draft struct {
	original Bundle
	current  Bundle
	dirty    bool
	approved *Approved
}

// Approved is a frozen, clinician-signed bundle.
type Approved struct {
	Bundle     Bundle
	Edited     bool
	ApprovedAt time.Time
}

func NewDraft(b Bundle) *Draft {
	return &Draft{original: b.Clone(), current: b.Clone()}
}

// Edit applies fn to a copy of the current bundle. Edits after approval
// are ignored and reported as false.
func (d *Draft) Edit(fn func(*Bundle)) bool {
	if d.approved != nil {
		return false
	}
	next := d.current.Clone()
	fn(&next)
	d.current = next
	d.dirty = true
	return true
}

func (d *Draft) Current() Bundle  { return d.current.Clone() }
func (d *Draft) Original() Bundle { return d.original.Clone() }
func (d *Draft) Dirty() bool      { return d.dirty }

// Revert drops all edits.
func (d *Draft) Revert() {
	if d.approved != nil {
		return
	}
	d.current = d.original.Clone()
	d.dirty = false
}

// Approve freezes the current bundle. Approving twice returns the first
// approval.
func (d *Draft) Approve(now time.Time) Approved {
	if d.approved == nil {
		d.approved = &Approved{Bundle: d.current.Clone(), Edited: d.dirty, ApprovedAt: now}
	}
	return *d.approved
}

func (d *Draft) IsApproved() bool { return d.approved != nil }
