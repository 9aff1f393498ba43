// Package httpx holds the JSON response helpers and request session plumbing
// shared by every handler.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/medrex/opd-queue/pkg/types"
)

// maxBodyBytes bounds request bodies decoded by DecodeJSON
const maxBodyBytes = 1 << 20

type sessionKey struct{}

// ContextWithSession attaches the caller's session to ctx
func ContextWithSession(ctx context.Context, session *types.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext returns the session attached by the auth middleware
func SessionFromContext(ctx context.Context) *types.Session {
	session, _ := ctx.Value(sessionKey{}).(*types.Session)
	return session
}

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error   string                 `json:"error"`
	Status  int                    `json:"status"`
	Type    types.ErrorType        `json:"type"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return
	}
	json.NewEncoder(w).Encode(data)
}

// WriteError maps err onto an HTTP status and writes the error body.
// Errors without an AppError in their chain are reported as internal.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := types.AsAppError(err)
	if !ok {
		appErr = types.NewInternalError(types.ErrCodeInternalError, "internal server error", err)
	}

	status := StatusFor(appErr.Type)
	message := appErr.Message
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}

	WriteJSON(w, status, ErrorBody{
		Error:   message,
		Status:  status,
		Type:    appErr.Type,
		Code:    appErr.Code,
		Details: appErr.Details,
	})
}

// StatusFor returns the HTTP status for an error category
func StatusFor(t types.ErrorType) int {
	switch t {
	case types.ErrorTypeValidation:
		return http.StatusBadRequest
	case types.ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case types.ErrorTypeAuthorization:
		return http.StatusForbidden
	case types.ErrorTypeNotFound:
		return http.StatusNotFound
	case types.ErrorTypeConflict:
		return http.StatusConflict
	case types.ErrorTypeLimitExceeded, types.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case types.ErrorTypeExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON decodes the request body into dst. Fields dst does not declare
// are ignored, so clients may send back whole records.
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return types.NewValidationError(types.ErrCodeInvalidInput, "request body is required", nil)
		}
		return types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
	}
	return nil
}

// PageParams reads limit and offset query parameters
func PageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("invalid limit %q", v), nil)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("invalid offset %q", v), nil)
		}
	}
	return limit, offset, nil
}
