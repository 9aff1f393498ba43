// Package history records completed visits and serves the patient history
// read views.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/opd-queue/internal/events"
	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

// Service implements patient history recording
type Service struct {
	logger    *logger.Logger
	repo      interfaces.HistoryRepository
	directory interfaces.DirectoryReader
	publisher interfaces.EventPublisher
	location  *time.Location
	now       func() time.Time
}

var _ interfaces.HistoryService = (*Service)(nil)

// NewService creates a history service. Defaulted dates and times are taken
// from the server clock in loc. directory may be nil.
func NewService(log *logger.Logger, repo interfaces.HistoryRepository, directory interfaces.DirectoryReader, publisher interfaces.EventPublisher, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		logger:    log,
		repo:      repo,
		directory: directory,
		publisher: publisher,
		location:  loc,
		now:       time.Now,
	}
}

// AddHistory appends a visit record. A blank date defaults to today and a
// blank time to the current wall clock.
func (s *Service) AddHistory(ctx context.Context, record *types.HistoryRecord) (*types.HistoryRecord, error) {
	now := s.now()
	if err := Prepare(record, now.In(s.location)); err != nil {
		return nil, err
	}
	record.ID = uuid.New().String()
	record.CreatedAt = now.UTC()
	s.resolveNames(ctx, record)

	if err := s.repo.CreateHistory(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to add history: %w", err)
	}

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"history_id": record.ID,
		"patient_id": record.PatientID,
		"doctor_id":  record.DoctorID,
	}).Info("History record added")

	events.Notify(ctx, s.publisher, s.logger, types.EventHistoryAdded, record.DoctorID, record.PatientID, record.ID, record)
	return record, nil
}

// GetHistory retrieves a history record by ID
func (s *Service) GetHistory(ctx context.Context, id string) (*types.HistoryRecord, error) {
	return s.repo.GetHistoryByID(ctx, id)
}

// ListHistory lists records newest first
func (s *Service) ListHistory(ctx context.Context, filters *types.HistoryFilters) ([]*types.HistoryRecord, error) {
	if filters == nil {
		filters = &types.HistoryFilters{}
	}
	filters.Query = strings.TrimSpace(filters.Query)
	return s.repo.ListHistory(ctx, filters)
}

// UpdateHistory replaces a record for administrative correction
func (s *Service) UpdateHistory(ctx context.Context, session *types.Session, id string, record *types.HistoryRecord) (*types.HistoryRecord, error) {
	if !session.IsAdmin() {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only administrators may correct history")
	}

	existing, err := s.repo.GetHistoryByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := Prepare(record, existing.CreatedAt.In(s.location)); err != nil {
		return nil, err
	}
	record.ID = existing.ID
	record.CreatedAt = existing.CreatedAt
	if record.TokenID == "" {
		record.TokenID = existing.TokenID
	}

	if err := s.repo.ReplaceHistory(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to update history: %w", err)
	}

	s.logger.Audit(session.UserID, "update_history", "patient_history", true, map[string]interface{}{"history_id": id})
	return record, nil
}

// DeleteHistory removes a record for administrative correction
func (s *Service) DeleteHistory(ctx context.Context, session *types.Session, id string) error {
	if !session.IsAdmin() {
		return types.NewAuthorizationError(types.ErrCodeForbidden, "only administrators may delete history")
	}

	if err := s.repo.DeleteHistory(ctx, id); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}

	s.logger.Audit(session.UserID, "delete_history", "patient_history", true, map[string]interface{}{"history_id": id})
	return nil
}

// resolveNames fills blank display names from the directory. Lookup
// failures leave the names blank.
func (s *Service) resolveNames(ctx context.Context, record *types.HistoryRecord) {
	if s.directory == nil {
		return
	}
	if record.PatientName == "" {
		if p, err := s.directory.GetPatient(ctx, record.PatientID); err == nil {
			record.PatientName = p.Name
		}
	}
	if record.DoctorName == "" {
		if d, err := s.directory.GetDoctor(ctx, record.DoctorID); err == nil {
			record.DoctorName = d.Name
		}
	}
}

// Prepare validates record and fills a blank date and time from now
func Prepare(record *types.HistoryRecord, now time.Time) error {
	record.PatientID = strings.TrimSpace(record.PatientID)
	record.DoctorID = strings.TrimSpace(record.DoctorID)
	if record.PatientID == "" || record.DoctorID == "" {
		return types.NewValidationError(types.ErrCodeValidationFailed, "patientId and doctorId are required", nil)
	}

	if record.Date == "" {
		record.Date = now.Format(types.DateLayout)
	} else if _, err := time.Parse(types.DateLayout, record.Date); err != nil {
		return types.NewValidationError(types.ErrCodeValidationFailed, "date must be YYYY-MM-DD", map[string]interface{}{"date": record.Date})
	}

	if record.Time == "" {
		record.Time = now.Format(types.TimeLayout)
	} else if _, err := time.Parse(types.TimeLayout, record.Time); err != nil {
		return types.NewValidationError(types.ErrCodeValidationFailed, "time must be HH:MM", map[string]interface{}{"time": record.Time})
	}

	if record.Prescription == nil {
		record.Prescription = []string{}
	}
	return nil
}
