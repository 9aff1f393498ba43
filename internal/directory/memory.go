package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/medrex/opd-queue/pkg/types"
)

// MemoryRepository keeps the directory in process memory
type MemoryRepository struct {
	mu       sync.RWMutex
	doctors  map[string]*types.Doctor
	patients map[string]*types.Patient
}

// NewMemoryRepository creates an empty in-memory directory
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:  make(map[string]*types.Doctor),
		patients: make(map[string]*types.Patient),
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// CreateDoctor stores a doctor
func (r *MemoryRepository) CreateDoctor(ctx context.Context, doctor *types.Doctor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.doctors[doctor.ID]; exists {
		return types.NewConflictError(types.ErrCodeConflict, "doctor already exists", nil)
	}
	cp := *doctor
	r.doctors[doctor.ID] = &cp
	return nil
}

// GetDoctorByID retrieves a doctor by ID
func (r *MemoryRepository) GetDoctorByID(ctx context.Context, id string) (*types.Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doctor, ok := r.doctors[id]
	if !ok {
		return nil, types.NewNotFoundError("DOCTOR_NOT_FOUND", fmt.Sprintf("doctor not found: %s", id))
	}
	cp := *doctor
	return &cp, nil
}

// ListDoctors lists doctors matching filters, ordered by name
func (r *MemoryRepository) ListDoctors(ctx context.Context, filters *types.DoctorFilters) ([]*types.Doctor, error) {
	if filters == nil {
		filters = &types.DoctorFilters{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	doctors := []*types.Doctor{}
	for _, d := range r.doctors {
		if filters.Name != "" && !containsFold(d.Name, filters.Name) {
			continue
		}
		if filters.Specialization != "" && !strings.EqualFold(d.Specialization, filters.Specialization) {
			continue
		}
		if filters.Department != "" && !strings.EqualFold(d.Department, filters.Department) {
			continue
		}
		if filters.Email != "" && !strings.EqualFold(d.Email, filters.Email) {
			continue
		}
		cp := *d
		doctors = append(doctors, &cp)
	}

	sort.Slice(doctors, func(i, j int) bool {
		if doctors[i].Name != doctors[j].Name {
			return doctors[i].Name < doctors[j].Name
		}
		return doctors[i].ID < doctors[j].ID
	})
	return doctors, nil
}

// ReplaceDoctor overwrites a stored doctor
func (r *MemoryRepository) ReplaceDoctor(ctx context.Context, doctor *types.Doctor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.doctors[doctor.ID]; !ok {
		return types.NewNotFoundError("DOCTOR_NOT_FOUND", fmt.Sprintf("doctor not found: %s", doctor.ID))
	}
	cp := *doctor
	r.doctors[doctor.ID] = &cp
	return nil
}

// DeleteDoctor removes a doctor
func (r *MemoryRepository) DeleteDoctor(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.doctors[id]; !ok {
		return types.NewNotFoundError("DOCTOR_NOT_FOUND", fmt.Sprintf("doctor not found: %s", id))
	}
	delete(r.doctors, id)
	return nil
}

// CreatePatient stores a patient
func (r *MemoryRepository) CreatePatient(ctx context.Context, patient *types.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.patients[patient.ID]; exists {
		return types.NewConflictError(types.ErrCodeConflict, "patient already exists", nil)
	}
	cp := *patient
	r.patients[patient.ID] = &cp
	return nil
}

// GetPatientByID retrieves a patient by ID
func (r *MemoryRepository) GetPatientByID(ctx context.Context, id string) (*types.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	patient, ok := r.patients[id]
	if !ok {
		return nil, types.NewNotFoundError("PATIENT_NOT_FOUND", fmt.Sprintf("patient not found: %s", id))
	}
	cp := *patient
	return &cp, nil
}

// ListPatients lists patients matching filters, ordered by name
func (r *MemoryRepository) ListPatients(ctx context.Context, filters *types.PatientFilters) ([]*types.Patient, error) {
	if filters == nil {
		filters = &types.PatientFilters{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	patients := []*types.Patient{}
	for _, p := range r.patients {
		if filters.Name != "" && !containsFold(p.Name, filters.Name) {
			continue
		}
		if filters.Phone != "" && p.Phone != filters.Phone {
			continue
		}
		if filters.Email != "" && !strings.EqualFold(p.Email, filters.Email) {
			continue
		}
		cp := *p
		patients = append(patients, &cp)
	}

	sort.Slice(patients, func(i, j int) bool {
		if patients[i].Name != patients[j].Name {
			return patients[i].Name < patients[j].Name
		}
		return patients[i].ID < patients[j].ID
	})
	return patients, nil
}

// ReplacePatient overwrites a stored patient
func (r *MemoryRepository) ReplacePatient(ctx context.Context, patient *types.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[patient.ID]; !ok {
		return types.NewNotFoundError("PATIENT_NOT_FOUND", fmt.Sprintf("patient not found: %s", patient.ID))
	}
	cp := *patient
	r.patients[patient.ID] = &cp
	return nil
}

// DeletePatient removes a patient
func (r *MemoryRepository) DeletePatient(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[id]; !ok {
		return types.NewNotFoundError("PATIENT_NOT_FOUND", fmt.Sprintf("patient not found: %s", id))
	}
	delete(r.patients, id)
	return nil
}
