package interfaces

import (
	"context"

	"github.com/medrex/opd-queue/pkg/types"
)

// DirectoryReader resolves doctor and patient records by id
type DirectoryReader interface {
	GetDoctor(ctx context.Context, id string) (*types.Doctor, error)
	GetPatient(ctx context.Context, id string) (*types.Patient, error)
}

// DirectoryRepository defines the interface for doctor and patient persistence
type DirectoryRepository interface {
	CreateDoctor(ctx context.Context, doctor *types.Doctor) error
	GetDoctorByID(ctx context.Context, id string) (*types.Doctor, error)
	ListDoctors(ctx context.Context, filters *types.DoctorFilters) ([]*types.Doctor, error)
	ReplaceDoctor(ctx context.Context, doctor *types.Doctor) error
	DeleteDoctor(ctx context.Context, id string) error

	CreatePatient(ctx context.Context, patient *types.Patient) error
	GetPatientByID(ctx context.Context, id string) (*types.Patient, error)
	ListPatients(ctx context.Context, filters *types.PatientFilters) ([]*types.Patient, error)
	ReplacePatient(ctx context.Context, patient *types.Patient) error
	DeletePatient(ctx context.Context, id string) error
}
