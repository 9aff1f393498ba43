package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/medrex/opd-queue/internal/httpx"
	"github.com/medrex/opd-queue/pkg/database"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) Provision(ctx context.Context, username, password string, role types.UserRole, subjectID string) (*types.User, error) {
	args := m.Called(ctx, username, password, role, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.User), args.Error(1)
}

func setupTestService() (*Service, *MemoryRepository, *MockProvisioner) {
	repo := NewMemoryRepository()
	prov := &MockProvisioner{}
	return NewService(logger.NewNop(), repo, prov), repo, prov
}

func TestCreateDoctor_ProvisionsLogin(t *testing.T) {
	svc, _, prov := setupTestService()
	ctx := context.Background()

	prov.On("Provision", mock.Anything, "rao@clinic.example", "long-password", types.RoleDoctor, mock.AnythingOfType("string")).
		Return(&types.User{ID: "u-1"}, nil)

	doctor, err := svc.CreateDoctor(ctx, &types.Doctor{Name: "Dr. Rao", Email: "rao@clinic.example", Password: "long-password"})
	require.NoError(t, err)
	assert.NotEmpty(t, doctor.ID)
	assert.Empty(t, doctor.Password)
	prov.AssertExpectations(t)
}

func TestCreatePatient_ProvisionFailureRollsBack(t *testing.T) {
	svc, repo, prov := setupTestService()
	ctx := context.Background()

	prov.On("Provision", mock.Anything, "ana@mail.example", "long-password", types.RolePatient, mock.Anything).
		Return(nil, types.NewConflictError("USERNAME_EXISTS", "username already exists", nil))

	_, err := svc.CreatePatient(ctx, &types.Patient{Name: "Ana", Email: "ana@mail.example", Password: "long-password"})
	assert.ErrorIs(t, err, types.ErrConflict)

	patients, err := repo.ListPatients(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, patients)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := setupTestService()
	ctx := context.Background()

	_, err := svc.CreateDoctor(ctx, &types.Doctor{Name: " "})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.CreateDoctor(ctx, &types.Doctor{Name: "Dr. X", Email: "not-an-email"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.CreatePatient(ctx, &types.Patient{Name: "Ana", Password: "long-password"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.CreatePatient(ctx, &types.Patient{Name: "Ana", Age: -1})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestUpdateAndDelete(t *testing.T) {
	svc, _, _ := setupTestService()
	ctx := context.Background()

	created, err := svc.CreatePatient(ctx, &types.Patient{Name: "Ana", Phone: "555-0100"})
	require.NoError(t, err)

	updated, err := svc.UpdatePatient(ctx, created.ID, &types.Patient{Name: "Ana Silva", Phone: "555-0101", Age: 34})
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	got, err := svc.GetPatient(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Silva", got.Name)
	assert.Equal(t, 34, got.Age)

	_, err = svc.UpdatePatient(ctx, "missing", &types.Patient{Name: "X"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, svc.DeletePatient(ctx, created.ID))
	assert.ErrorIs(t, svc.DeletePatient(ctx, created.ID), types.ErrNotFound)
}

func TestMemoryRepository_DoctorFilters(t *testing.T) {
	svc, _, _ := setupTestService()
	ctx := context.Background()

	for _, d := range []*types.Doctor{
		{Name: "Dr. Mehta", Specialization: "Cardiology", Department: "OPD-1"},
		{Name: "Dr. Rao", Specialization: "Pediatrics", Department: "OPD-2"},
		{Name: "Dr. Ramesh", Specialization: "cardiology", Department: "OPD-1"},
	} {
		_, err := svc.CreateDoctor(ctx, d)
		require.NoError(t, err)
	}

	doctors, err := svc.ListDoctors(ctx, &types.DoctorFilters{Name: "ra"})
	require.NoError(t, err)
	require.Len(t, doctors, 2)
	assert.Equal(t, "Dr. Ramesh", doctors[0].Name)
	assert.Equal(t, "Dr. Rao", doctors[1].Name)

	doctors, err = svc.ListDoctors(ctx, &types.DoctorFilters{Specialization: "Cardiology"})
	require.NoError(t, err)
	assert.Len(t, doctors, 2)
}

func setupTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	sqlDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewRepository(database.Wrap(sqlDB, logger.NewNop()), logger.NewNop()), sqlMock
}

func TestRepository_ListDoctorsFilters(t *testing.T) {
	repo, sqlMock := setupTestRepository(t)

	sqlMock.ExpectQuery(`SELECT (.+) FROM doctors WHERE 1=1 AND name ILIKE '%' \|\| \$1 \|\| '%' AND department ILIKE \$2 ORDER BY name, id`).
		WithArgs("rao", "OPD-2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "specialization", "department", "email", "phone", "created_at", "updated_at"}))

	doctors, err := repo.ListDoctors(context.Background(), &types.DoctorFilters{Name: "rao", Department: "OPD-2"})
	require.NoError(t, err)
	assert.NotNil(t, doctors)
	assert.Empty(t, doctors)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestRepository_ReplaceMissingIsNotFound(t *testing.T) {
	repo, sqlMock := setupTestRepository(t)

	sqlMock.ExpectExec("UPDATE patients").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ReplacePatient(context.Background(), &types.Patient{ID: "p-1", Name: "Ana"})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestRepository_GetDoctorConnectionError(t *testing.T) {
	repo, sqlMock := setupTestRepository(t)

	sqlMock.ExpectQuery("SELECT (.+) FROM doctors WHERE id").WillReturnError(errors.New("driver: bad connection"))

	_, err := repo.GetDoctorByID(context.Background(), "d-1")
	require.Error(t, err)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func routerAs(svc *Service, session *types.Session) *mux.Router {
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(httpx.ContextWithSession(r.Context(), session)))
		})
	})
	svc.RegisterRoutes(router)
	return router
}

func TestHandlers_DoctorCRUD(t *testing.T) {
	svc, _, _ := setupTestService()
	router := routerAs(svc, &types.Session{ID: "s-admin", UserID: "u-admin", Role: types.RoleAdmin})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/doctors", strings.NewReader(`{"name":"Dr. Rao","specialization":"Pediatrics"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Doctor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doctors?specialization=pediatrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doctors/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/doctors/"+created.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlers_DirectoryWritesNeedAdmin(t *testing.T) {
	svc, repo, _ := setupTestService()
	ctx := context.Background()
	require.NoError(t, repo.CreateDoctor(ctx, &types.Doctor{ID: "d-1", Name: "Dr. Rao"}))
	require.NoError(t, repo.CreatePatient(ctx, &types.Patient{ID: "p-1", Name: "Ana"}))
	require.NoError(t, repo.CreatePatient(ctx, &types.Patient{ID: "p-2", Name: "Ben"}))

	patient := routerAs(svc, &types.Session{ID: "s-1", UserID: "u-1", Role: types.RolePatient, SubjectID: "p-1"})

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodPost, "/doctors", `{"name":"Dr. Mine","email":"mine@clinic.example","password":"long-password"}`, http.StatusForbidden},
		{http.MethodPut, "/doctors/d-1", `{"name":"Dr. Other"}`, http.StatusForbidden},
		{http.MethodDelete, "/doctors/d-1", "", http.StatusForbidden},
		{http.MethodDelete, "/patients/p-2", "", http.StatusForbidden},
		{http.MethodPut, "/patients/p-2", `{"name":"Ben"}`, http.StatusForbidden},
		{http.MethodPut, "/patients/p-1", `{"name":"Ana Silva"}`, http.StatusOK},
		{http.MethodGet, "/doctors/d-1", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			patient.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	doctors, err := repo.ListDoctors(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, doctors, 1)
}

type stuckRepository struct {
	*MemoryRepository
}

func (r stuckRepository) DeletePatient(ctx context.Context, id string) error {
	return types.NewNetworkError("CONNECTION_FAILED", "database unavailable", errors.New("connection reset"))
}

func TestCreatePatient_LogsFailedRollback(t *testing.T) {
	var out bytes.Buffer
	prov := &MockProvisioner{}
	repo := stuckRepository{NewMemoryRepository()}
	svc := NewService(logger.NewWithOutput("info", &out), repo, prov)

	prov.On("Provision", mock.Anything, "ana@mail.example", "long-password", types.RolePatient, mock.Anything).
		Return(nil, types.NewConflictError("USERNAME_EXISTS", "username already exists", nil))

	_, err := svc.CreatePatient(context.Background(), &types.Patient{Name: "Ana", Email: "ana@mail.example", Password: "long-password"})
	assert.ErrorIs(t, err, types.ErrConflict)

	assert.Contains(t, out.String(), "Failed to remove patient after login provisioning failed")
	assert.Contains(t, out.String(), "connection reset")
	assert.Contains(t, out.String(), "patient_id")
}
