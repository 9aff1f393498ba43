package iam

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/medrex/opd-queue/internal/httpx"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/database"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/monitoring"
	"github.com/medrex/opd-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"
)

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) CreateUser(ctx context.Context, user *types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.User), args.Error(1)
}

func (m *MockUserRepository) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.User), args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{
			SecretKey:      "test-secret",
			AccessTokenTTL: 3600,
			Issuer:         "opd-queue",
			Audience:       "opd-queue-clients",
		},
		Auth: config.AuthConfig{
			Enabled:        true,
			AdminUsername:  "admin",
			AdminPassword:  "admin-pass",
			PasswordMinLen: 8,
			BcryptCost:     bcrypt.MinCost,
		},
	}
}

func setupTestService() (*Service, *MemoryUserRepository, *MemorySessionStore) {
	users := NewMemoryUserRepository()
	sessions := NewMemorySessionStore()
	return NewService(testConfig(), logger.NewNop(), nil, users, sessions), users, sessions
}

func TestLoginAuthenticateLogout(t *testing.T) {
	svc, _, _ := setupTestService()
	ctx := context.Background()

	_, err := svc.Provision(ctx, "Dr.Rao@Clinic.example", "correct-horse", types.RoleDoctor, "doc-1")
	require.NoError(t, err)

	resp, err := svc.Login(ctx, &types.Credentials{Username: " dr.rao@clinic.example", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, types.RoleDoctor, resp.Session.Role)
	assert.Equal(t, "doc-1", resp.Session.SubjectID)
	assert.Equal(t, "Bearer", resp.Token.TokenType)
	assert.Equal(t, int64(3600), resp.Token.ExpiresIn)

	session, err := svc.Authenticate(ctx, "Bearer "+resp.Token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, resp.Session.ID, session.ID)

	var closed []string
	svc.OnLogout(func(id string) { closed = append(closed, id) })

	require.NoError(t, svc.Logout(ctx, session.ID))
	assert.Equal(t, []string{session.ID}, closed)

	_, err = svc.Authenticate(ctx, resp.Token.AccessToken)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc, _, _ := setupTestService()
	ctx := context.Background()

	_, err := svc.Provision(ctx, "pat@clinic.example", "secret-pass", types.RolePatient, "pat-1")
	require.NoError(t, err)

	_, err = svc.Login(ctx, &types.Credentials{Username: "pat@clinic.example", Password: "wrong-pass"})
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = svc.Login(ctx, &types.Credentials{Username: "nobody", Password: "whatever"})
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = svc.Login(ctx, &types.Credentials{Username: "", Password: ""})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestLogin_InactiveUser(t *testing.T) {
	users := &MockUserRepository{}
	svc := NewService(testConfig(), logger.NewNop(), nil, users, NewMemorySessionStore())

	users.On("GetUserByUsername", mock.Anything, "frozen").Return(&types.User{ID: "u-1", Username: "frozen", IsActive: false}, nil)

	_, err := svc.Login(context.Background(), &types.Credentials{Username: "frozen", Password: "anything"})
	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "USER_INACTIVE", appErr.Code)
	users.AssertExpectations(t)
}

func TestLogin_RepositoryFailureIsNotAuthError(t *testing.T) {
	users := &MockUserRepository{}
	svc := NewService(testConfig(), logger.NewNop(), nil, users, NewMemorySessionStore())

	users.On("GetUserByUsername", mock.Anything, "admin").
		Return(nil, types.NewNetworkError(types.ErrCodeExternalError, "store unreachable", errors.New("dial tcp")))

	_, err := svc.Login(context.Background(), &types.Credentials{Username: "admin", Password: "x"})
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
}

func TestProvision_Validation(t *testing.T) {
	svc, _, _ := setupTestService()
	ctx := context.Background()

	_, err := svc.Provision(ctx, "short@clinic.example", "short", types.RolePatient, "pat-1")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.Provision(ctx, "x@clinic.example", "long-enough", types.UserRole("nurse"), "")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.Provision(ctx, "dup@clinic.example", "long-enough", types.RolePatient, "pat-1")
	require.NoError(t, err)
	_, err = svc.Provision(ctx, "DUP@clinic.example", "long-enough", types.RolePatient, "pat-2")
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestEnsureAdmin_Idempotent(t *testing.T) {
	svc, users, _ := setupTestService()
	ctx := context.Background()

	require.NoError(t, svc.EnsureAdmin(ctx))
	require.NoError(t, svc.EnsureAdmin(ctx))

	admin, err := users.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, admin.Role)

	resp, err := svc.Login(ctx, &types.Credentials{Username: "admin", Password: "admin-pass"})
	require.NoError(t, err)
	assert.True(t, resp.Session.IsAdmin())
}

func TestAuthenticate_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = false
	svc := NewService(cfg, logger.NewNop(), nil, NewMemoryUserRepository(), NewMemorySessionStore())

	session, err := svc.Authenticate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DevSessionID, session.ID)
	assert.True(t, session.IsAdmin())
}

func TestAuthenticate_Rejects(t *testing.T) {
	svc, _, _ := setupTestService()
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = svc.Authenticate(ctx, "Bearer not-a-jwt")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	other := NewTokenManager(config.JWTConfig{SecretKey: "other-secret", Issuer: "opd-queue", Audience: "opd-queue-clients"})
	forged, err := other.Issue(&types.Session{ID: "s-1", UserID: "u-1", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, forged.AccessToken)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestAuthenticate_RecordsSpan(t *testing.T) {
	svc, _, _ := setupTestService()
	ctx := context.Background()

	sr := tracetest.NewSpanRecorder()
	tracing := monitoring.NewTracingManagerFromProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)), "iam-test")
	t.Cleanup(func() { tracing.Shutdown(ctx) })
	svc.SetTracing(tracing)

	_, err := svc.Provision(ctx, "ana@clinic.example", "correct-horse", types.RoleDoctor, "doc-2")
	require.NoError(t, err)
	resp, err := svc.Login(ctx, &types.Credentials{Username: "ana@clinic.example", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, resp.Token.AccessToken)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "not-a-jwt")
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "auth.authenticate", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestTokenManager_Expired(t *testing.T) {
	tm := NewTokenManager(config.JWTConfig{SecretKey: "s", AccessTokenTTL: 60})
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return issued }

	token, err := tm.Issue(&types.Session{ID: "s-1", UserID: "u-1", ExpiresAt: issued.Add(time.Minute)})
	require.NoError(t, err)

	claims, err := tm.Validate(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "s-1", claims.ID)
	assert.Equal(t, "u-1", claims.Subject)

	tm.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = tm.Validate(token.AccessToken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestMemorySessionStore_Expiry(t *testing.T) {
	store := NewMemorySessionStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &types.Session{ID: "live", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, store.Save(ctx, &types.Session{ID: "stale", ExpiresAt: now.Add(-time.Second)}))

	_, err := store.Get(ctx, "live")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "stale")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, store.Save(ctx, &types.Session{ID: "stale-2", ExpiresAt: now.Add(-time.Minute)}))
	assert.Equal(t, []string{"stale-2"}, store.PurgeExpired())
}

func TestPasswordManager(t *testing.T) {
	pm := NewPasswordManager(bcrypt.MinCost, 8)

	hash, err := pm.HashPassword("correct-horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse", hash)

	ok, err := pm.VerifyPassword(hash, "correct-horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pm.VerifyPassword(hash, "battery-staple")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = pm.VerifyPassword("not-a-hash", "x")
	assert.Error(t, err)

	assert.Error(t, pm.Validate(strings.Repeat("x", 73)))
	assert.Error(t, pm.Validate("short"))
	assert.NoError(t, pm.Validate("long-enough"))
}

func TestUserRepository_Postgres(t *testing.T) {
	sqlDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := NewUserRepository(database.Wrap(sqlDB, logger.NewNop()), logger.NewNop())
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "username", "password_hash", "role", "subject_id", "is_active", "created_at", "updated_at"}).
		AddRow("u-1", "admin", "hash", "admin", "", true, now, now)
	sqlMock.ExpectQuery("SELECT (.+) FROM users WHERE username = \\$1").WithArgs("admin").WillReturnRows(rows)

	user, err := repo.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, user.Role)

	sqlMock.ExpectQuery("SELECT (.+) FROM users WHERE id = \\$1").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = repo.GetUserByID(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestHandlers_LoginAndSession(t *testing.T) {
	svc, _, _ := setupTestService()
	require.NoError(t, svc.EnsureAdmin(context.Background()))

	router := mux.NewRouter()
	svc.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"admin","password":"admin-pass"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accessToken")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"admin","password":"nope"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req = req.WithContext(httpx.ContextWithSession(req.Context(), &types.Session{ID: "s-1", Role: types.RoleAdmin}))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"s-1"`)
}
