package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck is the result of one checker
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"lastChecked"`
	DurationMS  int64                  `json:"durationMs"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// HealthReport aggregates every registered check
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Checks    []HealthCheck  `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// HealthChecker interface for health check implementations
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// HealthCheckerFunc adapts a function to HealthChecker
type HealthCheckerFunc func(ctx context.Context) HealthCheck

// Check calls f
func (f HealthCheckerFunc) Check(ctx context.Context) HealthCheck {
	return f(ctx)
}

// HealthManager runs registered checks concurrently
type HealthManager struct {
	serviceName    string
	serviceVersion string
	mu             sync.RWMutex
	checkers       map[string]HealthChecker
	timeout        time.Duration
}

// NewHealthManager creates a new health manager
func NewHealthManager(serviceName, serviceVersion string) *HealthManager {
	return &HealthManager{
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		checkers:       make(map[string]HealthChecker),
		timeout:        5 * time.Second,
	}
}

// RegisterChecker registers a health checker under name
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// SetTimeout bounds each individual check
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.timeout = timeout
}

// CheckHealth performs all health checks and returns a report
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	timeout := hm.timeout
	hm.mu.RUnlock()

	results := make([]HealthCheck, 0, len(checkers))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			check := checker.Check(checkCtx)
			check.Name = name
			check.LastChecked = start
			check.DurationMS = time.Since(start).Milliseconds()

			rmu.Lock()
			results = append(results, check)
			rmu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := &HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Service:   hm.serviceName,
		Version:   hm.serviceVersion,
		Checks:    results,
		Summary:   make(map[string]int),
	}
	for _, check := range results {
		report.Summary[string(check.Status)]++
		switch {
		case check.Status == HealthStatusUnhealthy:
			report.Status = HealthStatusUnhealthy
		case check.Status == HealthStatusDegraded && report.Status == HealthStatusHealthy:
			report.Status = HealthStatusDegraded
		}
	}

	return report
}

// HTTPHandler serves the report; unhealthy answers 503
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		status := http.StatusOK
		if report.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(report)
	}
}

// NewDatabaseHealthChecker checks connectivity and pool pressure of db
func NewDatabaseHealthChecker(db *sql.DB) HealthChecker {
	return HealthCheckerFunc(func(ctx context.Context) HealthCheck {
		if err := db.PingContext(ctx); err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("database unreachable: %v", err),
			}
		}

		stats := db.Stats()
		check := HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "database reachable",
			Details: map[string]interface{}{
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
				"idle":             stats.Idle,
				"wait_count":       stats.WaitCount,
			},
		}
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			check.Status = HealthStatusDegraded
			check.Message = "database connection pool exhausted"
		}
		return check
	})
}

// NewPingHealthChecker reports unhealthy whenever ping fails
func NewPingHealthChecker(component string, ping func(ctx context.Context) error) HealthChecker {
	return HealthCheckerFunc(func(ctx context.Context) HealthCheck {
		if err := ping(ctx); err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("%s unreachable: %v", component, err),
			}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: component + " reachable"}
	})
}

// virtualMemory is a seam for tests
var virtualMemory = mem.VirtualMemoryWithContext

// NewMemoryHealthChecker reports degraded when host memory use crosses
// degradedPercent.
func NewMemoryHealthChecker(degradedPercent float64) HealthChecker {
	return HealthCheckerFunc(func(ctx context.Context) HealthCheck {
		vm, err := virtualMemory(ctx)
		if err != nil {
			return HealthCheck{
				Status:  HealthStatusDegraded,
				Message: fmt.Sprintf("memory stats unavailable: %v", err),
			}
		}

		check := HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "memory usage normal",
			Details: map[string]interface{}{
				"used_percent": vm.UsedPercent,
				"available_mb": vm.Available / 1024 / 1024,
			},
		}
		if vm.UsedPercent >= degradedPercent {
			check.Status = HealthStatusDegraded
			check.Message = fmt.Sprintf("memory usage %.1f%% above %.1f%%", vm.UsedPercent, degradedPercent)
		}
		return check
	})
}
