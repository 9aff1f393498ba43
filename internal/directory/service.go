// Package directory manages the doctor and patient collections.
package directory

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

// Service implements the doctor and patient directory
type Service struct {
	logger      *logger.Logger
	repo        interfaces.DirectoryRepository
	provisioner interfaces.CredentialProvisioner
	now         func() time.Time
}

// NewService creates a directory service. provisioner may be nil, in which
// case passwords supplied on create are rejected.
func NewService(log *logger.Logger, repo interfaces.DirectoryRepository, provisioner interfaces.CredentialProvisioner) *Service {
	return &Service{
		logger:      log,
		repo:        repo,
		provisioner: provisioner,
		now:         time.Now,
	}
}

// CreateDoctor adds a doctor and provisions a login when a password is given
func (s *Service) CreateDoctor(ctx context.Context, doctor *types.Doctor) (*types.Doctor, error) {
	if err := validateContact(doctor.Name, doctor.Email, doctor.Password); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	doctor.ID = uuid.New().String()
	doctor.Email = strings.TrimSpace(doctor.Email)
	doctor.CreatedAt = now
	doctor.UpdatedAt = now
	password := doctor.Password
	doctor.Password = ""

	if err := s.repo.CreateDoctor(ctx, doctor); err != nil {
		return nil, fmt.Errorf("failed to create doctor: %w", err)
	}

	if password != "" {
		if err := s.provision(ctx, doctor.Email, password, types.RoleDoctor, doctor.ID); err != nil {
			if derr := s.repo.DeleteDoctor(ctx, doctor.ID); derr != nil {
				s.logger.WithContext(ctx).WithError(derr).WithField("doctor_id", doctor.ID).
					Error("Failed to remove doctor after login provisioning failed")
			}
			return nil, err
		}
	}

	s.logger.WithContext(ctx).WithField("doctor_id", doctor.ID).Info("Doctor created")
	return doctor, nil
}

// GetDoctor retrieves a doctor by ID
func (s *Service) GetDoctor(ctx context.Context, id string) (*types.Doctor, error) {
	return s.repo.GetDoctorByID(ctx, id)
}

// ListDoctors lists doctors matching filters
func (s *Service) ListDoctors(ctx context.Context, filters *types.DoctorFilters) ([]*types.Doctor, error) {
	return s.repo.ListDoctors(ctx, filters)
}

// UpdateDoctor replaces the editable fields of a doctor
func (s *Service) UpdateDoctor(ctx context.Context, id string, doctor *types.Doctor) (*types.Doctor, error) {
	existing, err := s.repo.GetDoctorByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateContact(doctor.Name, doctor.Email, ""); err != nil {
		return nil, err
	}

	doctor.ID = id
	doctor.Password = ""
	doctor.CreatedAt = existing.CreatedAt
	doctor.UpdatedAt = s.now().UTC()

	if err := s.repo.ReplaceDoctor(ctx, doctor); err != nil {
		return nil, fmt.Errorf("failed to update doctor: %w", err)
	}
	return doctor, nil
}

// DeleteDoctor removes a doctor. Tokens and history referencing the doctor
// are kept.
func (s *Service) DeleteDoctor(ctx context.Context, id string) error {
	if err := s.repo.DeleteDoctor(ctx, id); err != nil {
		return fmt.Errorf("failed to delete doctor: %w", err)
	}
	s.logger.WithContext(ctx).WithField("doctor_id", id).Info("Doctor deleted")
	return nil
}

// CreatePatient adds a patient and provisions a login when a password is given
func (s *Service) CreatePatient(ctx context.Context, patient *types.Patient) (*types.Patient, error) {
	if err := validateContact(patient.Name, patient.Email, patient.Password); err != nil {
		return nil, err
	}
	if patient.Age < 0 {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "age must not be negative", nil)
	}

	now := s.now().UTC()
	patient.ID = uuid.New().String()
	patient.Email = strings.TrimSpace(patient.Email)
	patient.CreatedAt = now
	patient.UpdatedAt = now
	password := patient.Password
	patient.Password = ""

	if err := s.repo.CreatePatient(ctx, patient); err != nil {
		return nil, fmt.Errorf("failed to create patient: %w", err)
	}

	if password != "" {
		if err := s.provision(ctx, patient.Email, password, types.RolePatient, patient.ID); err != nil {
			if derr := s.repo.DeletePatient(ctx, patient.ID); derr != nil {
				s.logger.WithContext(ctx).WithError(derr).WithField("patient_id", patient.ID).
					Error("Failed to remove patient after login provisioning failed")
			}
			return nil, err
		}
	}

	s.logger.WithContext(ctx).WithField("patient_id", patient.ID).Info("Patient created")
	return patient, nil
}

// GetPatient retrieves a patient by ID
func (s *Service) GetPatient(ctx context.Context, id string) (*types.Patient, error) {
	return s.repo.GetPatientByID(ctx, id)
}

// ListPatients lists patients matching filters
func (s *Service) ListPatients(ctx context.Context, filters *types.PatientFilters) ([]*types.Patient, error) {
	return s.repo.ListPatients(ctx, filters)
}

// UpdatePatient replaces the editable fields of a patient
func (s *Service) UpdatePatient(ctx context.Context, id string, patient *types.Patient) (*types.Patient, error) {
	existing, err := s.repo.GetPatientByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateContact(patient.Name, patient.Email, ""); err != nil {
		return nil, err
	}
	if patient.Age < 0 {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "age must not be negative", nil)
	}

	patient.ID = id
	patient.Password = ""
	patient.CreatedAt = existing.CreatedAt
	patient.UpdatedAt = s.now().UTC()

	if err := s.repo.ReplacePatient(ctx, patient); err != nil {
		return nil, fmt.Errorf("failed to update patient: %w", err)
	}
	return patient, nil
}

// DeletePatient removes a patient
func (s *Service) DeletePatient(ctx context.Context, id string) error {
	if err := s.repo.DeletePatient(ctx, id); err != nil {
		return fmt.Errorf("failed to delete patient: %w", err)
	}
	s.logger.WithContext(ctx).WithField("patient_id", id).Info("Patient deleted")
	return nil
}

func (s *Service) provision(ctx context.Context, email, password string, role types.UserRole, subjectID string) error {
	if s.provisioner == nil {
		return types.NewValidationError(types.ErrCodeValidationFailed, "credential provisioning is not available", nil)
	}
	if _, err := s.provisioner.Provision(ctx, email, password, role, subjectID); err != nil {
		return fmt.Errorf("failed to provision login: %w", err)
	}
	return nil
}

// validateContact checks the fields shared by doctors and patients. A
// password requires an email, which becomes the login username.
func validateContact(name, email, password string) error {
	if strings.TrimSpace(name) == "" {
		return types.NewValidationError(types.ErrCodeValidationFailed, "name is required", map[string]interface{}{"field": "name"})
	}
	email = strings.TrimSpace(email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return types.NewValidationError(types.ErrCodeValidationFailed, "invalid email address", map[string]interface{}{"field": "email"})
		}
	}
	if password != "" && email == "" {
		return types.NewValidationError(types.ErrCodeValidationFailed, "email is required to create a login", map[string]interface{}{"field": "email"})
	}
	return nil
}
