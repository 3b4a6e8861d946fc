package patient

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scribe/log"
	"scribe/store"
)

// Pending holds what the user typed for a patient the lookup did not find,
// until they confirm creating it.
type Pending struct {
	MRN         string `json:"mrn,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
}

type rosterState struct {
	Patients []Patient `json:"patients"`
	ActiveID string    `json:"active_id,omitempty"`
}

// Roster is the process wide list of patients with the active selection.
// Patients keep insertion order; Sorted orders by last update.
type Roster struct {
	mu       sync.Mutex
	patients []Patient
	activeID string
	query    string
	pending  *Pending

	st        store.Store
	saveMu    sync.Mutex
	selfWrite atomic.Bool
	cancel    func()

	now func() time.Time
}

// NewRoster loads the roster from st and follows changes made to it by
// other processes. A nil store keeps the roster in memory only.
func NewRoster(st store.Store) (*Roster, error) {
	r := &Roster{st: st, now: time.Now}
	if st == nil {
		return r, nil
	}
	var s rosterState
	if _, err := st.Get(store.KeyRoster, &s); err != nil {
		return nil, err
	}
	r.patients, r.activeID = s.Patients, s.ActiveID
	r.cancel = st.Subscribe(store.KeyRoster, r.external)
	return r, nil
}

func (r *Roster) external(raw json.RawMessage) {
	if r.selfWrite.Load() {
		return
	}
	var s rosterState
	if raw != nil {
		if err := json.Unmarshal(raw, &s); err != nil {
			log.Warnf("patient: ignoring unreadable roster update: %v", err)
			return
		}
	}
	r.mu.Lock()
	r.patients, r.activeID = s.Patients, s.ActiveID
	r.mu.Unlock()
}

// Close stops following the store.
func (r *Roster) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Roster) save() error {
	if r.st == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	s := rosterState{Patients: clonePatients(r.patients), ActiveID: r.activeID}
	r.mu.Unlock()

	r.selfWrite.Store(true)
	defer r.selfWrite.Store(false)
	return r.st.Set(store.KeyRoster, s)
}

func (r *Roster) indexOf(id string) int {
	return slices.IndexFunc(r.patients, func(p Patient) bool { return p.ID == id })
}

// Select makes id the active patient and drops any pending new patient.
func (r *Roster) Select(id string) error {
	r.mu.Lock()
	if r.indexOf(id) < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.activeID = id
	r.pending = nil
	r.mu.Unlock()
	return r.save()
}

// Upsert replaces the patient with the same id or puts a new one at the
// front. Either way it becomes active and the pending patient is cleared.
// An id is assigned when missing. Every patient needs an MRN.
func (r *Roster) Upsert(p Patient) (Patient, error) {
	p.MRN = strings.TrimSpace(p.MRN)
	if p.MRN == "" {
		return Patient{}, ErrMRNRequired
	}
	r.mu.Lock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, other := range r.patients {
		if other.ID != p.ID && strings.EqualFold(other.MRN, p.MRN) {
			r.mu.Unlock()
			return Patient{}, ErrMRNExists
		}
	}
	if p.LastUpdated.IsZero() {
		p.LastUpdated = r.now().UTC()
	}
	if i := r.indexOf(p.ID); i >= 0 {
		r.patients[i] = p
	} else {
		r.patients = append([]Patient{p}, r.patients...)
	}
	r.activeID = p.ID
	r.pending = nil
	r.mu.Unlock()
	return p, r.save()
}

// Touch bumps the last update time.
func (r *Roster) Touch(id string) error {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.patients[i].LastUpdated = r.now().UTC()
	r.mu.Unlock()
	return r.save()
}

// AddMedicalRecord appends rec to the patient's records and touches it.
func (r *Roster) AddMedicalRecord(id string, rec MedicalRecord) error {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	p := &r.patients[i]
	p.MedicalRecords = append(slices.Clip(p.MedicalRecords), rec)
	p.LastUpdated = r.now().UTC()
	r.mu.Unlock()
	return r.save()
}

func (r *Roster) SetSearchQuery(q string) {
	r.mu.Lock()
	r.query = q
	r.mu.Unlock()
}

func (r *Roster) SearchQuery() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.query
}

// SetPendingNew records (or with nil clears) a patient awaiting creation.
func (r *Roster) SetPendingNew(p *Pending) {
	r.mu.Lock()
	if p != nil {
		cp := *p
		p = &cp
	}
	r.pending = p
	r.mu.Unlock()
}

func (r *Roster) PendingNew() (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return Pending{}, false
	}
	return *r.pending, true
}

func (r *Roster) Active() (Patient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(r.activeID); i >= 0 {
		return clonePatient(r.patients[i]), true
	}
	return Patient{}, false
}

func (r *Roster) Get(id string) (Patient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(id); i >= 0 {
		return clonePatient(r.patients[i]), true
	}
	return Patient{}, false
}

func (r *Roster) ByMRN(mrn string) (Patient, bool) {
	mrn = strings.TrimSpace(mrn)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		if strings.EqualFold(p.MRN, mrn) {
			return clonePatient(p), true
		}
	}
	return Patient{}, false
}

// Lookup matches first and last name case insensitively plus the exact
// date of birth.
func (r *Roster) Lookup(first, last, dob string) (Patient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		if strings.EqualFold(strings.TrimSpace(p.FirstName), strings.TrimSpace(first)) &&
			strings.EqualFold(strings.TrimSpace(p.LastName), strings.TrimSpace(last)) &&
			p.DateOfBirth == strings.TrimSpace(dob) {
			return clonePatient(p), true
		}
	}
	return Patient{}, false
}

// Patients returns the roster in insertion order.
func (r *Roster) Patients() []Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clonePatients(r.patients)
}

// Sorted returns the roster, most recently updated first.
func (r *Roster) Sorted() []Patient {
	ps := r.Patients()
	slices.SortStableFunc(ps, func(a, b Patient) int {
		return b.LastUpdated.Compare(a.LastUpdated)
	})
	return ps
}

// Search filters Sorted by a name or MRN substring, or an exact date of
// birth. A blank query returns everyone.
func (r *Roster) Search(query string) []Patient {
	q := strings.ToLower(strings.TrimSpace(query))
	ps := r.Sorted()
	if q == "" {
		return ps
	}
	out := ps[:0]
	for _, p := range ps {
		if strings.Contains(strings.ToLower(p.FullName()), q) ||
			strings.Contains(strings.ToLower(p.MRN), q) ||
			p.DateOfBirth == q {
			out = append(out, p)
		}
	}
	return out
}

// Filtered is Search with the stored query.
func (r *Roster) Filtered() []Patient {
	return r.Search(r.SearchQuery())
}

func clonePatient(p Patient) Patient {
	p.MedicalRecords = slices.Clone(p.MedicalRecords)
	p.MedicalData = slices.Clone(p.MedicalData)
	return p
}

func clonePatients(ps []Patient) []Patient {
	out := make([]Patient, len(ps))
	for i, p := range ps {
		out[i] = clonePatient(p)
	}
	return out
}
