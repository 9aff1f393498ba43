// Package scheduling books appointments between patients and doctors.
// Appointments have their own Pending/Completed lifecycle and never feed the
// token queue.
package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

// Service implements the SchedulingService interface
type Service struct {
	logger     *logger.Logger
	repository interfaces.SchedulingRepository
	notifier   *AppointmentNotifier
	now        func() time.Time
}

var _ interfaces.SchedulingService = (*Service)(nil)

// NewService creates a new scheduling service
func NewService(log *logger.Logger, repository interfaces.SchedulingRepository, publisher interfaces.EventPublisher) *Service {
	return &Service{
		logger:     log,
		repository: repository,
		notifier:   NewAppointmentNotifier(publisher, log),
		now:        time.Now,
	}
}

// CreateAppointment books an appointment. Status defaults to Pending.
func (s *Service) CreateAppointment(ctx context.Context, apt *types.Appointment) (*types.Appointment, error) {
	apt.PatientID = strings.TrimSpace(apt.PatientID)
	apt.DoctorID = strings.TrimSpace(apt.DoctorID)
	if err := validateAppointment(apt); err != nil {
		return nil, err
	}

	if apt.Status == "" {
		apt.Status = types.AppointmentStatusPending
	}
	if !apt.Status.Valid() {
		return nil, invalidStatus(apt.Status)
	}

	now := s.now().UTC()
	apt.ID = uuid.New().String()
	apt.CreatedAt = now
	apt.UpdatedAt = now

	if err := s.repository.CreateAppointment(ctx, apt); err != nil {
		return nil, fmt.Errorf("failed to create appointment: %w", err)
	}

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"appointment_id": apt.ID,
		"patient_id":     apt.PatientID,
		"doctor_id":      apt.DoctorID,
	}).Info("Appointment created")

	s.notifier.Notify(ctx, ChangeCreated, apt)
	return apt, nil
}

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id string) (*types.Appointment, error) {
	return s.repository.GetAppointmentByID(ctx, id)
}

// UpdateAppointment applies a partial update. Status may only move from
// Pending to Completed.
func (s *Service) UpdateAppointment(ctx context.Context, id string, updates *types.AppointmentUpdates) (*types.Appointment, error) {
	if updates == nil || updates.IsEmpty() {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "no updates provided", nil)
	}
	if updates.Date != nil {
		if err := validateDate(*updates.Date); err != nil {
			return nil, err
		}
	}
	if updates.Time != nil {
		if err := validateTime(*updates.Time); err != nil {
			return nil, err
		}
	}

	current, err := s.repository.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if updates.Status != nil {
		next := *updates.Status
		if !next.Valid() {
			return nil, invalidStatus(next)
		}
		if current.Status == types.AppointmentStatusCompleted && next != types.AppointmentStatusCompleted {
			return nil, types.NewConflictError(types.ErrCodeInvalidTransition, "completed appointments cannot be reopened",
				map[string]interface{}{"from": current.Status, "to": next})
		}
	}

	if err := s.repository.UpdateAppointment(ctx, id, updates); err != nil {
		return nil, fmt.Errorf("failed to update appointment: %w", err)
	}

	updated, err := s.repository.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithField("appointment_id", id).Info("Appointment updated")
	s.notifier.Notify(ctx, ChangeUpdated, updated)
	return updated, nil
}

// DeleteAppointment removes an appointment
func (s *Service) DeleteAppointment(ctx context.Context, id string) error {
	apt, err := s.repository.GetAppointmentByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repository.DeleteAppointment(ctx, id); err != nil {
		return fmt.Errorf("failed to delete appointment: %w", err)
	}

	s.logger.WithContext(ctx).WithField("appointment_id", id).Info("Appointment deleted")
	s.notifier.Notify(ctx, ChangeDeleted, apt)
	return nil
}

// GetAppointments lists appointments ordered by date and time
func (s *Service) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	if filters == nil {
		filters = &types.AppointmentFilters{}
	}
	if filters.Date != "" {
		if err := validateDate(filters.Date); err != nil {
			return nil, err
		}
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, invalidStatus(filters.Status)
	}
	return s.repository.GetAppointments(ctx, filters)
}

func validateAppointment(apt *types.Appointment) error {
	if apt.PatientID == "" || apt.DoctorID == "" || apt.Date == "" || apt.Time == "" {
		return types.NewValidationError(types.ErrCodeValidationFailed, "missing date/time/doctor on booking", map[string]interface{}{
			"patientId": apt.PatientID != "",
			"doctorId":  apt.DoctorID != "",
			"date":      apt.Date != "",
			"time":      apt.Time != "",
		})
	}
	if err := validateDate(apt.Date); err != nil {
		return err
	}
	return validateTime(apt.Time)
}

func validateDate(date string) error {
	if _, err := time.Parse(types.DateLayout, date); err != nil {
		return types.NewValidationError(types.ErrCodeValidationFailed, "date must be YYYY-MM-DD", map[string]interface{}{"date": date})
	}
	return nil
}

func validateTime(clock string) error {
	if _, err := time.Parse(types.TimeLayout, clock); err != nil {
		return types.NewValidationError(types.ErrCodeValidationFailed, "time must be HH:MM", map[string]interface{}{"time": clock})
	}
	return nil
}

func invalidStatus(status types.AppointmentStatus) error {
	return types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown appointment status %q", status), nil)
}
