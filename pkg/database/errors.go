package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
	"github.com/medrex/opd-queue/pkg/types"
)

// PostgreSQL error codes inspected by the repositories
const (
	CodeUniqueViolation     = "23505"
	CodeCheckViolation      = "23514"
	CodeSerializationFailed = "40001"
)

// IsUniqueViolation reports a unique constraint violation, optionally on a
// specific constraint or index name.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if string(pqErr.Code) != CodeUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// IsConnectionError reports errors raised because the store is unreachable
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exception, class 57: operator intervention
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}
	return false
}

// Classify turns a driver error into an AppError: unreachable stores become
// NetworkFailure, everything else Internal. AppErrors pass through.
func Classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsAppError(err); ok {
		return err
	}
	if IsConnectionError(err) {
		return types.NewNetworkError(types.ErrCodeExternalError, message, err)
	}
	return types.NewInternalError(types.ErrCodeInternalError, message, err)
}
