package patient

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores patients on the server.
type Repository interface {
	Create(ctx context.Context, req CreateRequest) (Patient, error)
	Get(ctx context.Context, id string) (Patient, error)
	// List returns every patient, most recently updated first.
	List(ctx context.Context) ([]Patient, error)
	Update(ctx context.Context, id string, req UpdateRequest) (Patient, error)
	Delete(ctx context.Context, id string) error
}

type memoryRepo struct {
	mu       sync.RWMutex
	patients map[string]Patient
	now      func() time.Time
}

func NewMemoryRepo() Repository {
	return &memoryRepo{patients: make(map[string]Patient), now: time.Now}
}

func (r *memoryRepo) mrnTaken(mrn, except string) bool {
	for id, p := range r.patients {
		if id != except && strings.EqualFold(p.MRN, mrn) {
			return true
		}
	}
	return false
}

func (r *memoryRepo) Create(_ context.Context, req CreateRequest) (Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mrn := strings.TrimSpace(req.MRN)
	if r.mrnTaken(mrn, "") {
		return Patient{}, ErrMRNExists
	}
	p := Patient{
		ID:          uuid.NewString(),
		MRN:         mrn,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: req.DateOfBirth,
		LastUpdated: r.now().UTC(),
	}
	r.patients[p.ID] = p
	return clonePatient(p), nil
}

func (r *memoryRepo) Get(_ context.Context, id string) (Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return Patient{}, ErrNotFound
	}
	return clonePatient(p), nil
}

func (r *memoryRepo) List(context.Context) ([]Patient, error) {
	r.mu.RLock()
	out := make([]Patient, 0, len(r.patients))
	for _, p := range r.patients {
		out = append(out, clonePatient(p))
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Patient) int {
		if c := b.LastUpdated.Compare(a.LastUpdated); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r *memoryRepo) Update(_ context.Context, id string, req UpdateRequest) (Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return Patient{}, ErrNotFound
	}
	if req.MRN != nil && r.mrnTaken(strings.TrimSpace(*req.MRN), id) {
		return Patient{}, ErrMRNExists
	}
	req.apply(&p)
	p.LastUpdated = r.now().UTC()
	r.patients[id] = p
	return clonePatient(p), nil
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[id]; !ok {
		return ErrNotFound
	}
	delete(r.patients, id)
	return nil
}
