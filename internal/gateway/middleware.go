package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/opd-queue/internal/httpx"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// accessTokenParam lets EventSource and WebSocket clients, which cannot set
// headers, pass their session token in the query string.
const accessTokenParam = "access_token"

// requestInfo is filled by the auth middleware and read back by the logging
// middleware once the response is written.
type requestInfo struct {
	sessionID string
	userID    string
}

type requestInfoKey struct{}

func infoFromContext(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// securityHeadersMiddleware adds security headers
func (s *Service) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware reuses a caller supplied request id or mints one
func (s *Service) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)
		ctx = context.WithValue(ctx, requestInfoKey{}, &requestInfo{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs requests and responses
func (s *Service) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		ctx := r.Context()
		if info := infoFromContext(ctx); info != nil {
			ctx = context.WithValue(ctx, logger.SessionIDKey, info.sessionID)
			ctx = context.WithValue(ctx, logger.UserIDKey, info.userID)
		}

		s.logger.HTTPRequest(ctx,
			r.Method,
			r.URL.Path,
			r.UserAgent(),
			clientIP(r),
			recorder.statusCode,
			time.Since(start).Milliseconds(),
			nil,
		)
	})
}

// authMiddleware resolves the bearer token to a session and attaches it to
// the request context. Public routes pass through without one.
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		public := s.isPublic(r)

		if public && token == "" && s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		session, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			if public {
				next.ServeHTTP(w, r)
				return
			}
			if !errors.Is(err, types.ErrUnauthorized) {
				s.logger.WithContext(r.Context()).WithError(err).Error("Session lookup failed")
			}
			httpx.WriteError(w, err)
			return
		}

		if info := infoFromContext(r.Context()); info != nil {
			info.sessionID = session.ID
			info.userID = session.UserID
		}

		ctx := httpx.ContextWithSession(r.Context(), session)
		ctx = context.WithValue(ctx, logger.SessionIDKey, session.ID)
		ctx = context.WithValue(ctx, logger.UserIDKey, session.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware applies rate limiting per user, or per client address
// when the request carries no session.
func (s *Service) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if session := httpx.SessionFromContext(r.Context()); session != nil && session.ID != "" {
			key = "user:" + session.UserID
		}

		if !s.limiter.Allow(key) {
			s.metrics.RecordRateLimited()
			s.logger.WithContext(r.Context()).WithField("key", key).Warn("Rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			httpx.WriteError(w, types.NewLimitExceededError(types.ErrCodeRateLimitExceeded, "rate limit exceeded", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isPublic reports routes reachable without a session: login and patient
// self-registration.
func (s *Service) isPublic(r *http.Request) bool {
	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, APIPrefix), "/")
	switch {
	case path == "/auth/login":
		return true
	case path == "/patients" && r.Method == http.MethodPost:
		return true
	}
	return false
}

func bearerToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenParam))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseRecorder captures response status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.statusCode = statusCode
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Flush keeps event streams working through the recorder
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the WebSocket upgrader
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
