package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 8080, ShutdownTimeout: 1},
		Storage: config.StorageConfig{Driver: config.StorageDriverMemory},
		Queue:   config.QueueConfig{DailyTokenLimit: 50, Timezone: "UTC"},
		Events:  config.EventsConfig{Driver: config.EventsDriverMemory, BufferSize: 8, PollIntervalSeconds: 2},
		JWT:     config.JWTConfig{SecretKey: "test-secret", AccessTokenTTL: 3600, Issuer: "opd-queue"},
		Auth: config.AuthConfig{
			Enabled:        true,
			AdminUsername:  "admin",
			AdminPassword:  "admin-pass-1",
			PasswordMinLen: 8,
			BcryptCost:     4,
		},
		CORS:       config.CORSConfig{AllowedOrigins: []string{"*"}},
		Monitoring: config.MonitoringConfig{Enabled: true},
	}
}

type client struct {
	t       *testing.T
	handler http.Handler
}

func (c *client) do(method, path, token string, body interface{}, out interface{}) int {
	c.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (c *client) login(username, password string) string {
	c.t.Helper()
	var resp types.LoginResponse
	code := c.do(http.MethodPost, "/api/v1/auth/login", "", types.Credentials{Username: username, Password: password}, &resp)
	require.Equal(c.t, http.StatusOK, code)
	return resp.Token.AccessToken
}

func TestApp_VisitFlowInMemory(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.close() })

	c := &client{t: t, handler: a.gateway.Handler()}
	admin := c.login("admin", "admin-pass-1")

	var doctor types.Doctor
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/doctors", admin, map[string]string{
		"name": "Dr. Asha Rao", "email": "asha@clinic.test", "password": "doctor-pass-1", "specialization": "General",
	}, &doctor))

	// patients register themselves
	var patient types.Patient
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/patients", "", map[string]interface{}{
		"name": "Ravi Kumar", "age": 42, "email": "ravi@example.test", "password": "patient-pass-1",
	}, &patient))

	var token types.Token
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/tokens", admin,
		types.TokenRequest{DoctorID: doctor.ID, PatientID: patient.ID}, &token))
	assert.Equal(t, 1, token.TokenNumber)
	assert.Equal(t, types.TokenStatusPending, token.Status)

	doctorToken := c.login("asha@clinic.test", "doctor-pass-1")

	var next struct {
		Token *types.Token `json:"token"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/queue/"+doctor.ID+"/next", doctorToken, nil, &next))
	require.NotNil(t, next.Token)
	assert.Equal(t, types.TokenStatusInProgress, next.Token.Status)

	var done struct {
		Token   *types.Token         `json:"token"`
		History *types.HistoryRecord `json:"history"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/tokens/"+token.ID+"/complete", doctorToken,
		types.Prescription{Complaint: "fever", Medicines: []string{"Paracetamol 500mg"}, Notes: "Rest"}, &done))
	assert.Equal(t, types.TokenStatusCompleted, done.Token.Status)
	assert.Equal(t, []string{"Paracetamol 500mg", "Rest"}, done.History.Prescription)
	assert.Equal(t, "Ravi Kumar", done.History.PatientName)

	var records []*types.HistoryRecord
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/patients/"+patient.ID+"/history", admin, nil, &records))
	require.Len(t, records, 1)
	assert.Equal(t, token.ID, records[0].TokenID)

	// a closed session stops authenticating
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/auth/logout", doctorToken, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/v1/queue/"+doctor.ID, doctorToken, nil, nil))
}

func TestApp_UnknownDriversFail(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Driver = "sqlite"
	_, err := newApp(context.Background(), cfg, logger.NewNop())
	assert.ErrorContains(t, err, "unknown storage driver")

	cfg = memoryConfig()
	cfg.Events.Driver = "kafka"
	_, err = newApp(context.Background(), cfg, logger.NewNop())
	assert.ErrorContains(t, err, "unknown events driver")
}
