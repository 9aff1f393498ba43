package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(status HealthStatus) HealthChecker {
	return HealthCheckerFunc(func(ctx context.Context) HealthCheck {
		return HealthCheck{Status: status}
	})
}

func TestCheckHealth_Aggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]HealthStatus
		want     HealthStatus
	}{
		{"no checks", map[string]HealthStatus{}, HealthStatusHealthy},
		{"all healthy", map[string]HealthStatus{"a": HealthStatusHealthy, "b": HealthStatusHealthy}, HealthStatusHealthy},
		{"degraded", map[string]HealthStatus{"a": HealthStatusHealthy, "b": HealthStatusDegraded}, HealthStatusDegraded},
		{"unhealthy wins", map[string]HealthStatus{"a": HealthStatusUnhealthy, "b": HealthStatusDegraded}, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthManager("opd-queue", "test")
			for name, status := range tt.statuses {
				hm.RegisterChecker(name, staticChecker(status))
			}

			report := hm.CheckHealth(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestCheckHealth_SortedByName(t *testing.T) {
	hm := NewHealthManager("opd-queue", "test")
	hm.RegisterChecker("redis", staticChecker(HealthStatusHealthy))
	hm.RegisterChecker("database", staticChecker(HealthStatusHealthy))
	hm.RegisterChecker("memory", staticChecker(HealthStatusHealthy))

	report := hm.CheckHealth(context.Background())
	require.Len(t, report.Checks, 3)
	assert.Equal(t, "database", report.Checks[0].Name)
	assert.Equal(t, "memory", report.Checks[1].Name)
	assert.Equal(t, "redis", report.Checks[2].Name)
	assert.Equal(t, 3, report.Summary["healthy"])
}

func TestCheckHealth_TimeoutReachesChecker(t *testing.T) {
	hm := NewHealthManager("opd-queue", "test")
	hm.SetTimeout(10 * time.Millisecond)
	hm.RegisterChecker("slow", HealthCheckerFunc(func(ctx context.Context) HealthCheck {
		<-ctx.Done()
		return HealthCheck{Status: HealthStatusUnhealthy, Message: ctx.Err().Error()}
	}))

	report := hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks[0].Message, "deadline")
}

func TestHTTPHandler_UnhealthyIs503(t *testing.T) {
	hm := NewHealthManager("opd-queue", "test")
	hm.RegisterChecker("database", NewPingHealthChecker("database", func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	rec := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks[0].Message, "connection refused")
}

func TestDatabaseHealthChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	check := NewDatabaseHealthChecker(db).Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, check.Status)

	mock.ExpectPing().WillReturnError(errors.New("down"))
	check = NewDatabaseHealthChecker(db).Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, check.Status)
}

func TestMemoryHealthChecker(t *testing.T) {
	orig := virtualMemory
	defer func() { virtualMemory = orig }()

	virtualMemory = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 95, Available: 512 * 1024 * 1024}, nil
	}
	check := NewMemoryHealthChecker(90).Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, check.Status)

	virtualMemory = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 40}, nil
	}
	check = NewMemoryHealthChecker(90).Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, check.Status)
}

func TestMetricsCollector_NilIsSafe(t *testing.T) {
	var m *MetricsCollector

	assert.NotPanics(t, func() {
		m.RecordTokenIssued()
		m.RecordTransition("Completed")
		m.RecordDBQuery("insert_tokens", time.Millisecond)
		m.AddSubscriber("sse", 1)
	})
}

func TestMetricsCollector_Counters(t *testing.T) {
	m := NewMetricsCollector("metrics-test")
	// a second collector must not re-register
	_ = NewMetricsCollector("metrics-test")

	before := testutil.ToFloat64(tokensIssuedTotal.WithLabelValues("metrics-test"))
	m.RecordTokenIssued()
	m.RecordTokenIssued()
	assert.Equal(t, before+2, testutil.ToFloat64(tokensIssuedTotal.WithLabelValues("metrics-test")))

	m.RecordTransition("Skipped")
	assert.Equal(t, float64(1), testutil.ToFloat64(queueTransitionsTotal.WithLabelValues("Skipped", "metrics-test")))
}

func TestHTTPMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetricsCollector("middleware-test")

	r := mux.NewRouter()
	r.Use(m.HTTPMiddleware)
	r.HandleFunc("/api/v1/tokens/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tokens/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/tokens/{id}", "404", "middleware-test"))
	assert.Equal(t, float64(1), got)
}
