// Package gateway composes the component routers into one HTTP server and
// owns the cross-cutting middleware: CORS, security headers, request ids,
// tracing, access logging, metrics, authentication and rate limiting.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/monitoring"
	"github.com/medrex/opd-queue/pkg/types"
	"github.com/rs/cors"
)

// APIPrefix is the mount point of every component router
const APIPrefix = "/api/v1"

// Authenticator resolves bearer tokens to sessions
type Authenticator interface {
	Enabled() bool
	Authenticate(ctx context.Context, bearer string) (*types.Session, error)
}

// Service is the HTTP front of the queue service
type Service struct {
	config  *config.Config
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
	health  *monitoring.HealthManager
	auth    Authenticator
	limiter *RateLimiter
	router  *mux.Router
	handler http.Handler
	server  *http.Server
}

// NewService builds the router: every registrar is mounted under APIPrefix
// behind auth and rate limiting, health and metrics stay at the root.
func NewService(
	cfg *config.Config,
	log *logger.Logger,
	metrics *monitoring.MetricsCollector,
	tracing *monitoring.TracingManager,
	health *monitoring.HealthManager,
	auth Authenticator,
	registrars ...interfaces.RouteRegistrar,
) *Service {
	s := &Service{
		config:  cfg,
		logger:  log,
		metrics: metrics,
		tracing: tracing,
		health:  health,
		auth:    auth,
		router:  mux.NewRouter(),
	}

	if cfg.RateLimit.Enabled {
		idle := time.Duration(cfg.RateLimit.CleanupInterval) * time.Second * 10
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerMin, cfg.RateLimit.BurstSize, idle)
	}

	s.setupRoutes(registrars)
	s.handler = s.wrap(s.router)

	s.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	return s
}

func (s *Service) setupRoutes(registrars []interfaces.RouteRegistrar) {
	s.router.Use(s.tracing.RouteMiddleware, s.metrics.HTTPMiddleware)

	if s.health != nil {
		s.router.HandleFunc(pathOr(s.config.Monitoring.HealthPath, "/health"), s.health.HTTPHandler()).Methods("GET")
	}
	if s.config.Monitoring.Enabled {
		s.router.Handle(pathOr(s.config.Monitoring.MetricsPath, "/metrics"), s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix(APIPrefix).Subrouter()
	api.Use(s.authMiddleware)
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}

	for _, registrar := range registrars {
		registrar.RegisterRoutes(api)
	}
}

// wrap applies the middleware that must also see unmatched routes and
// preflight requests, which never reach a mux route.
func (s *Service) wrap(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "X-Poll-Interval", "Retry-After"},
		AllowCredentials: !allowsAnyOrigin(s.config.CORS.AllowedOrigins),
		MaxAge:           s.config.CORS.MaxAge,
	})

	handler := c.Handler(next)
	handler = s.securityHeadersMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.tracing.HTTPMiddleware(handler)
	return s.requestIDMiddleware(handler)
}

// Handler returns the fully wrapped HTTP handler
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown is called
func (s *Service) Start() error {
	s.logger.Infof("HTTP server listening on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// RunMaintenance drops idle rate limit buckets until ctx is done
func (s *Service) RunMaintenance(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	s.limiter.RunCleanup(ctx, time.Duration(s.config.RateLimit.CleanupInterval)*time.Second)
}

func pathOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
