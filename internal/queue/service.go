// Package queue issues numbered daily tokens and drives the doctor-side
// visit workflow: call next, complete with prescription, skip.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/opd-queue/internal/events"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/monitoring"
	"github.com/medrex/opd-queue/pkg/types"
)

// Service implements the queue workflow
type Service struct {
	logger       *logger.Logger
	metrics      *monitoring.MetricsCollector
	repo         interfaces.QueueRepository
	directory    interfaces.DirectoryReader
	publisher    interfaces.EventPublisher
	stats        *StatsTracker
	limit        int
	location     *time.Location
	pollInterval time.Duration
	now          func() time.Time
}

var _ interfaces.QueueService = (*Service)(nil)

// NewService creates a queue service. directory and publisher may be nil.
func NewService(cfg *config.Config, log *logger.Logger, metrics *monitoring.MetricsCollector, repo interfaces.QueueRepository, directory interfaces.DirectoryReader, publisher interfaces.EventPublisher) (*Service, error) {
	loc, err := cfg.Queue.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid queue timezone %q: %w", cfg.Queue.Timezone, err)
	}

	limit := cfg.Queue.DailyTokenLimit
	if limit <= 0 {
		limit = types.DefaultDailyTokenLimit
	}

	return &Service{
		logger:       log,
		metrics:      metrics,
		repo:         repo,
		directory:    directory,
		publisher:    publisher,
		stats:        NewStatsTracker(),
		limit:        limit,
		location:     loc,
		pollInterval: time.Duration(cfg.Events.PollIntervalSeconds) * time.Second,
		now:          time.Now,
	}, nil
}

// Today returns the queue day in the configured timezone
func (s *Service) Today() string {
	return s.now().In(s.location).Format(types.DateLayout)
}

// IssueToken issues the next token of today for doctorID
func (s *Service) IssueToken(ctx context.Context, doctorID, patientID string) (*types.Token, error) {
	doctorID = strings.TrimSpace(doctorID)
	patientID = strings.TrimSpace(patientID)
	if doctorID == "" || patientID == "" {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "doctorId and patientId are required", nil)
	}

	now := s.now()
	token := &types.Token{
		ID:        uuid.New().String(),
		DoctorID:  doctorID,
		PatientID: patientID,
		Date:      now.In(s.location).Format(types.DateLayout),
		Status:    types.TokenStatusPending,
		CreatedAt: now.UTC(),
	}

	issued, err := s.repo.IssueToken(ctx, token, s.limit)
	if err != nil {
		if errors.Is(err, types.ErrLimitExceeded) {
			s.metrics.RecordTokenLimitRejection()
			s.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"doctor_id": doctorID,
				"date":      token.Date,
				"limit":     s.limit,
			}).Warn("Daily token limit reached")
			return nil, err
		}
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.metrics.RecordTokenIssued()
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"token_id":     issued.ID,
		"doctor_id":    issued.DoctorID,
		"token_number": issued.TokenNumber,
	}).Info("Token issued")

	events.Notify(ctx, s.publisher, s.logger, types.EventTokenIssued, issued.DoctorID, issued.PatientID, issued.ID, issued)
	return issued, nil
}

// GetToken retrieves a token by ID
func (s *Service) GetToken(ctx context.Context, tokenID string) (*types.Token, error) {
	return s.repo.GetToken(ctx, tokenID)
}

// ListTokens lists tokens in queue order
func (s *Service) ListTokens(ctx context.Context, filters *types.TokenFilters) ([]*types.Token, error) {
	if filters == nil {
		filters = &types.TokenFilters{}
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown status %q", filters.Status), nil)
	}
	if filters.Date != "" {
		if _, err := time.Parse(types.DateLayout, filters.Date); err != nil {
			return nil, types.NewValidationError(types.ErrCodeInvalidInput, "date must be YYYY-MM-DD", nil)
		}
	}
	return s.repo.ListTokens(ctx, filters)
}

// CallNext moves the first Pending token of today to In-Progress. It returns
// nil with no error when nobody is waiting.
func (s *Service) CallNext(ctx context.Context, session *types.Session, doctorID string) (*types.Token, error) {
	if err := authorizeDoctor(session, doctorID); err != nil {
		return nil, err
	}

	token, err := s.repo.ClaimNext(ctx, doctorID, s.Today(), s.now().UTC())
	if err != nil {
		return nil, err
	}
	if token == nil {
		s.logger.WithContext(ctx).WithField("doctor_id", doctorID).Debug("No patients waiting")
		return nil, nil
	}

	s.transitioned(ctx, token)
	return token, nil
}

// StartVisit moves a specific Pending token to In-Progress
func (s *Service) StartVisit(ctx context.Context, session *types.Session, tokenID string) (*types.Token, error) {
	if _, err := s.loadForTransition(ctx, session, tokenID, types.TokenStatusInProgress); err != nil {
		return nil, err
	}

	token, err := s.repo.StartToken(ctx, tokenID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.transitioned(ctx, token)
	return token, nil
}

// CompleteVisit finishes an In-Progress token and appends the visit to the
// patient's history in the same step.
func (s *Service) CompleteVisit(ctx context.Context, session *types.Session, tokenID string, rx *types.Prescription) (*types.Token, *types.HistoryRecord, error) {
	if rx == nil || rx.IsEmpty() {
		return nil, nil, types.NewValidationError(types.ErrCodeEmptyPrescription, "prescription needs at least one medicine or a note", nil)
	}

	current, err := s.loadForTransition(ctx, session, tokenID, types.TokenStatusCompleted)
	if err != nil {
		return nil, nil, err
	}

	finishedAt := s.now()
	local := finishedAt.In(s.location)
	record := &types.HistoryRecord{
		ID:           uuid.New().String(),
		PatientID:    current.PatientID,
		DoctorID:     current.DoctorID,
		TokenID:      current.ID,
		Complaint:    strings.TrimSpace(rx.Complaint),
		Date:         local.Format(types.DateLayout),
		Time:         local.Format(types.TimeLayout),
		Prescription: rx.Lines(),
		CreatedAt:    finishedAt.UTC(),
	}
	s.resolveNames(ctx, record)

	token, err := s.repo.CompleteToken(ctx, tokenID, finishedAt.UTC(), record)
	if err != nil {
		return nil, nil, err
	}

	elapsed := token.HandlingTime()
	s.stats.RecordCompleted(sessionID(session), token.DoctorID, elapsed)
	s.metrics.RecordVisitHandling(elapsed)
	s.transitioned(ctx, token)
	events.Notify(ctx, s.publisher, s.logger, types.EventHistoryAdded, record.DoctorID, record.PatientID, record.ID, record)

	return token, record, nil
}

// SkipVisit moves an In-Progress token to Skipped
func (s *Service) SkipVisit(ctx context.Context, session *types.Session, tokenID string) (*types.Token, error) {
	if _, err := s.loadForTransition(ctx, session, tokenID, types.TokenStatusSkipped); err != nil {
		return nil, err
	}

	token, err := s.repo.SkipToken(ctx, tokenID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.stats.RecordSkipped(sessionID(session), token.DoctorID)
	s.transitioned(ctx, token)
	return token, nil
}

// Transition applies a requested status change through the matching
// workflow step.
func (s *Service) Transition(ctx context.Context, session *types.Session, tokenID string, updates *types.TokenUpdates) (*types.Token, error) {
	if updates == nil || updates.Status == nil {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "status is required", nil)
	}

	switch updates.Status.Normalize() {
	case types.TokenStatusInProgress:
		return s.StartVisit(ctx, session, tokenID)
	case types.TokenStatusCompleted:
		token, _, err := s.CompleteVisit(ctx, session, tokenID, updates.Prescription)
		return token, err
	case types.TokenStatusSkipped:
		return s.SkipVisit(ctx, session, tokenID)
	case types.TokenStatusPending:
		token, err := s.repo.GetToken(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		return nil, invalidTransition(token.Status, types.TokenStatusPending)
	}
	return nil, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown status %q", *updates.Status), nil)
}

// GetQueue returns a doctor's queue for date, today when blank. Current is the
// doctor's In-Progress visit whatever day it was issued.
func (s *Service) GetQueue(ctx context.Context, doctorID, date string) (*types.QueueView, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "doctorId is required", nil)
	}
	if date == "" {
		date = s.Today()
	} else if _, err := time.Parse(types.DateLayout, date); err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "date must be YYYY-MM-DD", nil)
	}

	tokens, err := s.repo.ListTokens(ctx, &types.TokenFilters{DoctorID: doctorID, Date: date})
	if err != nil {
		return nil, err
	}

	view := &types.QueueView{DoctorID: doctorID, Date: date, Tokens: tokens}
	for _, t := range tokens {
		switch t.Status.Normalize() {
		case types.TokenStatusPending:
			view.Waiting++
		case types.TokenStatusInProgress:
			view.Current = t
		case types.TokenStatusCompleted:
			view.Completed++
		case types.TokenStatusSkipped:
			view.Skipped++
		}
	}
	// a visit left open on an earlier day still blocks call next
	if view.Current == nil {
		if view.Current, err = s.repo.GetInProgress(ctx, doctorID); err != nil {
			return nil, err
		}
	}
	if view.Remaining = s.limit - len(tokens); view.Remaining < 0 {
		view.Remaining = 0
	}
	return view, nil
}

// PollInterval is the refresh interval advertised to polling clients
func (s *Service) PollInterval() time.Duration {
	return s.pollInterval
}

// SessionStats returns the running summary for a session
func (s *Service) SessionStats(sessionID string) *types.SessionStats {
	return s.stats.Get(sessionID)
}

// ForgetSession drops a session's statistics; registered as a logout hook
func (s *Service) ForgetSession(sessionID string) {
	s.stats.Forget(sessionID)
}

func (s *Service) loadForTransition(ctx context.Context, session *types.Session, tokenID string, next types.TokenStatus) (*types.Token, error) {
	token, err := s.repo.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if err := authorizeDoctor(session, token.DoctorID); err != nil {
		return nil, err
	}
	if !token.Status.CanTransitionTo(next) {
		return nil, invalidTransition(token.Status, next)
	}
	return token, nil
}

func (s *Service) transitioned(ctx context.Context, token *types.Token) {
	s.metrics.RecordTransition(string(token.Status))
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"token_id":     token.ID,
		"doctor_id":    token.DoctorID,
		"token_number": token.TokenNumber,
		"status":       token.Status,
	}).Info("Token status changed")

	events.Notify(ctx, s.publisher, s.logger, types.EventTokenStatusChanged, token.DoctorID, token.PatientID, token.ID, token)
}

// resolveNames fills display names from the directory. A missing record
// leaves the name blank.
func (s *Service) resolveNames(ctx context.Context, record *types.HistoryRecord) {
	if s.directory == nil {
		return
	}
	if p, err := s.directory.GetPatient(ctx, record.PatientID); err == nil {
		record.PatientName = p.Name
	}
	if d, err := s.directory.GetDoctor(ctx, record.DoctorID); err == nil {
		record.DoctorName = d.Name
	}
}

func authorizeDoctor(session *types.Session, doctorID string) error {
	if !session.ActsFor(doctorID) {
		return types.NewAuthorizationError(types.ErrCodeForbidden, "only the doctor owning this queue may advance it")
	}
	return nil
}

func sessionID(session *types.Session) string {
	if session == nil {
		return ""
	}
	return session.ID
}

func invalidTransition(from, to types.TokenStatus) error {
	return types.NewConflictError(types.ErrCodeInvalidTransition,
		fmt.Sprintf("cannot move token from %s to %s", from.Normalize(), to),
		map[string]interface{}{"from": from.Normalize(), "to": to})
}
