package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/logger"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	logger   *logger.Logger
	observer QueryObserver
	tracer   QueryTracer
}

// NewConnection opens and verifies a PostgreSQL connection pool
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	sqlDB, err := sql.Open("postgres", buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, Classify(err, "failed to ping database")
	}

	log.WithComponent("database").Info("Database connection established successfully")
	return Wrap(sqlDB, log), nil
}

// Wrap adapts an already opened *sql.DB, e.g. one created by sqlmock
func Wrap(sqlDB *sql.DB, log *logger.Logger) *DB {
	return &DB{DB: sqlDB, logger: log}
}

// buildConnectionString prefers the URL form when configured
func buildConnectionString(cfg *config.DatabaseConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.PingContext(ctx)
}

// WithTx runs fn inside a transaction. fn's error, or a failed commit,
// rolls the transaction back.
func (db *DB) WithTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return Classify(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return Classify(err, "failed to commit transaction")
	}
	return nil
}

// QueryObserver receives the duration of every observed statement
type QueryObserver interface {
	RecordDBQuery(queryType string, duration time.Duration)
}

// SetObserver installs the statement observer. Call before serving traffic.
func (db *DB) SetObserver(o QueryObserver) {
	db.observer = o
}

// QueryTracer records every observed statement as a span
type QueryTracer interface {
	RecordDatabaseSpan(ctx context.Context, operation, table string, start time.Time, rows int64, err error)
}

// SetTracer installs the statement tracer. Call before serving traffic.
func (db *DB) SetTracer(t QueryTracer) {
	db.tracer = t
}

// Observe reports a finished statement to the logger, the observer and the
// tracer
func (db *DB) Observe(ctx context.Context, operation, table string, start time.Time, rows int64, err error) {
	elapsed := time.Since(start)
	if db.logger != nil {
		db.logger.DatabaseOperation(ctx, operation, table, elapsed.Milliseconds(), rows, err == nil, nil)
	}
	if db.observer != nil {
		db.observer.RecordDBQuery(operation+"_"+table, elapsed)
	}
	if db.tracer != nil {
		db.tracer.RecordDatabaseSpan(ctx, operation, table, start, rows, err)
	}
}
