package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
	"github.com/sethvargo/go-retry"
)

// openConnection is replaced in tests
var openConnection = NewConnection

// retryBase is the first backoff step; it doubles up to retryCap
var (
	retryBase = 500 * time.Millisecond
	retryCap  = 10 * time.Second
)

// ConnectWithRetry calls NewConnection until it succeeds, the error is not a
// connection failure, or cfg.ConnectRetries extra attempts are used up.
func ConnectWithRetry(ctx context.Context, cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	retries := cfg.ConnectRetries
	if retries < 0 {
		retries = 0
	}

	backoff := retry.NewExponential(retryBase)
	backoff = retry.WithCappedDuration(retryCap, backoff)
	backoff = retry.WithMaxRetries(uint64(retries), backoff)

	var (
		db      *DB
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		conn, err := openConnection(ctx, cfg, log)
		if err != nil {
			if errors.Is(err, types.ErrNetworkFailure) {
				log.WithComponent("database").WithError(err).Warnf("Database not reachable (attempt %d of %d)", attempt, retries+1)
				return retry.RetryableError(err)
			}
			return err
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempt, err)
	}

	return db, nil
}
