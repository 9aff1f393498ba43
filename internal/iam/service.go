package iam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/monitoring"
	"github.com/medrex/opd-queue/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// DevSessionID identifies the session attached to every request when
// authentication is disabled.
const DevSessionID = "dev-session"

// expiryPurger is implemented by session stores that can drop expired
// sessions in bulk.
type expiryPurger interface {
	PurgeExpired() []string
}

// Service implements login, logout and session resolution
type Service struct {
	config    *config.AuthConfig
	logger    *logger.Logger
	metrics   *monitoring.MetricsCollector
	users     interfaces.UserRepository
	sessions  interfaces.SessionStore
	passwords *PasswordManager
	tokens    *TokenManager
	tracing   *monitoring.TracingManager
	now       func() time.Time

	hooksMu sync.RWMutex
	hooks   []func(sessionID string)
}

var _ interfaces.IAMService = (*Service)(nil)

// NewService creates a new IAM service instance
func NewService(
	cfg *config.Config,
	log *logger.Logger,
	metrics *monitoring.MetricsCollector,
	users interfaces.UserRepository,
	sessions interfaces.SessionStore,
) *Service {
	return &Service{
		config:    &cfg.Auth,
		logger:    log,
		metrics:   metrics,
		users:     users,
		sessions:  sessions,
		passwords: NewPasswordManager(cfg.Auth.BcryptCost, cfg.Auth.PasswordMinLen),
		tokens:    NewTokenManager(cfg.JWT),
		now:       time.Now,
	}
}

// SetTracing installs the tracer used for authentication spans
func (s *Service) SetTracing(tm *monitoring.TracingManager) {
	s.tracing = tm
}

// Enabled reports whether requests must carry a session token
func (s *Service) Enabled() bool {
	return s.config.Enabled
}

// Login verifies credentials and opens a new session
func (s *Service) Login(ctx context.Context, credentials *types.Credentials) (*types.LoginResponse, error) {
	username := normalizeUsername(credentials.Username)
	log := s.logger.WithContext(ctx).WithField("username", username)

	if username == "" || credentials.Password == "" {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "username and password are required", nil)
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			s.metrics.RecordAuthAttempt("password", "failure")
			log.Warn("Login for unknown user")
			return nil, invalidCredentials()
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !user.IsActive {
		s.metrics.RecordAuthAttempt("password", "failure")
		return nil, types.NewAuthenticationError("USER_INACTIVE", "user account is inactive")
	}

	ok, err := s.passwords.VerifyPassword(user.PasswordHash, credentials.Password)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to verify password", err)
	}
	if !ok {
		s.metrics.RecordAuthAttempt("password", "failure")
		s.logger.Security("login_failed", user.ID, map[string]interface{}{"username": username})
		return nil, invalidCredentials()
	}

	now := s.now().UTC()
	session := &types.Session{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		SubjectID: user.SubjectID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokens.TTL()),
	}

	token, err := s.tokens.Issue(session)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to issue session token", err)
	}

	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.metrics.RecordAuthAttempt("password", "success")
	s.logger.Audit(user.ID, "login", "sessions", true, map[string]interface{}{
		"session_id": session.ID,
		"role":       session.Role,
	})

	return &types.LoginResponse{Session: session, Token: token}, nil
}

// Logout closes the session and runs the registered logout hooks
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.runLogoutHooks(sessionID)

	userID := ""
	if session != nil {
		userID = session.UserID
	}
	s.logger.Audit(userID, "logout", "sessions", true, map[string]interface{}{"session_id": sessionID})
	return nil
}

// Authenticate resolves a bearer token to its live session
func (s *Service) Authenticate(ctx context.Context, bearer string) (*types.Session, error) {
	ctx, span := s.tracing.StartAuthSpan(ctx, "authenticate")
	defer span.End()

	session, err := s.authenticate(ctx, bearer)
	if err != nil {
		monitoring.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.role", string(session.Role)))
	return session, nil
}

func (s *Service) authenticate(ctx context.Context, bearer string) (*types.Session, error) {
	if !s.config.Enabled {
		return s.devSession(), nil
	}

	bearer = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if bearer == "" {
		return nil, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, "missing session token")
	}

	claims, err := s.tokens.Validate(bearer)
	if err != nil {
		s.metrics.RecordAuthAttempt("token", "failure")
		return nil, err
	}

	session, err := s.sessions.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			s.metrics.RecordAuthAttempt("token", "failure")
			return nil, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, "session has ended")
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return session, nil
}

// OnLogout registers hook to run with the id of every closed session
func (s *Service) OnLogout(hook func(sessionID string)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Service) runLogoutHooks(sessionID string) {
	s.hooksMu.RLock()
	hooks := append([]func(string){}, s.hooks...)
	s.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(sessionID)
	}
}

// Provision creates a login for a directory record. username is normalised
// to lower case.
func (s *Service) Provision(ctx context.Context, username, password string, role types.UserRole, subjectID string) (*types.User, error) {
	username = normalizeUsername(username)
	if username == "" {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "username is required", nil)
	}
	if !role.Valid() {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, fmt.Sprintf("unknown role %q", role), nil)
	}
	if err := s.passwords.Validate(password); err != nil {
		return nil, err
	}

	hash, err := s.passwords.HashPassword(password)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to hash password", err)
	}

	now := s.now().UTC()
	user := &types.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		SubjectID:    subjectID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Audit(user.ID, "provision", "users", true, map[string]interface{}{
		"role":       role,
		"subject_id": subjectID,
	})
	return user, nil
}

// EnsureAdmin creates the bootstrap admin from config when it is absent. It
// is a no-op without a configured admin password.
func (s *Service) EnsureAdmin(ctx context.Context) error {
	if s.config.AdminPassword == "" {
		s.logger.Warn("No admin password configured, skipping bootstrap admin")
		return nil
	}

	_, err := s.users.GetUserByUsername(ctx, normalizeUsername(s.config.AdminUsername))
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("failed to look up admin: %w", err)
	}

	if _, err := s.Provision(ctx, s.config.AdminUsername, s.config.AdminPassword, types.RoleAdmin, ""); err != nil {
		if errors.Is(err, types.ErrConflict) {
			return nil
		}
		return fmt.Errorf("failed to create admin: %w", err)
	}

	s.logger.Infof("Bootstrap admin %q created", s.config.AdminUsername)
	return nil
}

// RunJanitor purges expired sessions every interval until ctx is done,
// running logout hooks for each one.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	purger, ok := s.sessions.(expiryPurger)
	if !ok || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range purger.PurgeExpired() {
				s.runLogoutHooks(id)
			}
		}
	}
}

func (s *Service) devSession() *types.Session {
	return &types.Session{
		ID:        DevSessionID,
		UserID:    "dev",
		Username:  "dev",
		Role:      types.RoleAdmin,
		CreatedAt: s.now().UTC(),
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func invalidCredentials() error {
	return types.NewAuthenticationError("INVALID_CREDENTIALS", "invalid username or password")
}
