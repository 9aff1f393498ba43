package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/medrex/opd-queue/internal/history"
	"github.com/medrex/opd-queue/pkg/database"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

const (
	tokenColumns = `id, doctor_id, patient_id, to_char(token_date, 'YYYY-MM-DD'), token_number, status,
		created_at, started_at, finished_at`

	inProgressConstraint = "uq_tokens_doctor_in_progress"
)

// Repository implements token persistence on Postgres
type Repository struct {
	db     *database.DB
	logger *logger.Logger
}

// NewRepository creates a new queue repository
func NewRepository(db *database.DB, log *logger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: log,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row scanner) (*types.Token, error) {
	t := &types.Token{}
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&t.ID, &t.DoctorID, &t.PatientID, &t.Date, &t.TokenNumber, &t.Status,
		&t.CreatedAt, &startedAt, &finishedAt)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	return t, err
}

// IssueToken reserves the next number through the per-day counter row and
// inserts the token in the same transaction.
func (r *Repository) IssueToken(ctx context.Context, token *types.Token, limit int) (*types.Token, error) {
	reserve := `
		INSERT INTO token_counters (doctor_id, token_date, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (doctor_id, token_date) DO UPDATE
		SET last_number = token_counters.last_number + 1
		WHERE token_counters.last_number < $3
		RETURNING last_number`

	insert := `
		INSERT INTO tokens (id, doctor_id, patient_id, token_date, token_number, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	start := time.Now()
	err := r.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var number int
		err := tx.QueryRowContext(ctx, reserve, token.DoctorID, token.Date, limit).Scan(&number)
		if errors.Is(err, sql.ErrNoRows) {
			return limitReached(token.DoctorID, token.Date, limit)
		}
		if err != nil {
			return err
		}

		token.TokenNumber = number
		_, err = tx.ExecContext(ctx, insert,
			token.ID, token.DoctorID, token.PatientID, token.Date, token.TokenNumber, token.Status, token.CreatedAt)
		return err
	})
	r.db.Observe(ctx, "insert", "tokens", start, 1, err)
	if err != nil {
		return nil, database.Classify(err, "failed to issue token")
	}
	return token, nil
}

// GetToken retrieves a token by ID
func (r *Repository) GetToken(ctx context.Context, id string) (*types.Token, error) {
	start := time.Now()
	token, err := scanToken(r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		r.db.Observe(ctx, "select", "tokens", start, 0, nil)
		return nil, tokenNotFound(id)
	}
	r.db.Observe(ctx, "select", "tokens", start, 1, err)
	if err != nil {
		return nil, database.Classify(err, "failed to get token")
	}
	return token, nil
}

// ListTokens retrieves tokens in queue order
func (r *Repository) ListTokens(ctx context.Context, filters *types.TokenFilters) ([]*types.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filters.DoctorID != "" {
		query += fmt.Sprintf(" AND doctor_id = $%d", argIndex)
		args = append(args, filters.DoctorID)
		argIndex++
	}
	if filters.PatientID != "" {
		query += fmt.Sprintf(" AND patient_id = $%d", argIndex)
		args = append(args, filters.PatientID)
		argIndex++
	}
	if filters.Date != "" {
		query += fmt.Sprintf(" AND token_date = $%d", argIndex)
		args = append(args, filters.Date)
		argIndex++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, filters.Status.Normalize())
		argIndex++
	}

	query += " ORDER BY token_date, doctor_id, token_number"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filters.Limit)
		argIndex++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filters.Offset)
	}

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.db.Observe(ctx, "select", "tokens", start, 0, err)
		return nil, database.Classify(err, "failed to list tokens")
	}
	defer rows.Close()

	tokens := []*types.Token{}
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, database.Classify(err, "failed to scan token")
		}
		tokens = append(tokens, token)
	}
	r.db.Observe(ctx, "select", "tokens", start, int64(len(tokens)), rows.Err())
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err, "failed to list tokens")
	}
	return tokens, nil
}

// GetInProgress returns the doctor's In-Progress token or nil
func (r *Repository) GetInProgress(ctx context.Context, doctorID string) (*types.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE doctor_id = $1 AND status = 'In-Progress' LIMIT 1`

	start := time.Now()
	token, err := scanToken(r.db.QueryRowContext(ctx, query, doctorID))
	if errors.Is(err, sql.ErrNoRows) {
		r.db.Observe(ctx, "select", "tokens", start, 0, nil)
		return nil, nil
	}
	r.db.Observe(ctx, "select", "tokens", start, 1, err)
	if err != nil {
		return nil, database.Classify(err, "failed to get in-progress token")
	}
	return token, nil
}

// ClaimNext claims the lowest-numbered Pending token of the day, provided
// the doctor has no visit in progress.
func (r *Repository) ClaimNext(ctx context.Context, doctorID, date string, startedAt time.Time) (*types.Token, error) {
	query := `
		UPDATE tokens SET status = 'In-Progress', started_at = $3
		WHERE id = (
			SELECT id FROM tokens
			WHERE doctor_id = $1 AND token_date = $2 AND status = 'Pending'
			ORDER BY token_number
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND NOT EXISTS (SELECT 1 FROM tokens WHERE doctor_id = $1 AND status = 'In-Progress')
		RETURNING ` + tokenColumns

	start := time.Now()
	token, err := scanToken(r.db.QueryRowContext(ctx, query, doctorID, date, startedAt))
	if errors.Is(err, sql.ErrNoRows) {
		r.db.Observe(ctx, "update", "tokens", start, 0, nil)
		current, err := r.GetInProgress(ctx, doctorID)
		if err != nil {
			return nil, err
		}
		if current != nil {
			return nil, visitInProgress(doctorID, current.ID)
		}
		return nil, nil
	}
	r.db.Observe(ctx, "update", "tokens", start, 1, err)
	if err != nil {
		if database.IsUniqueViolation(err, inProgressConstraint) {
			return nil, visitInProgress(doctorID, "")
		}
		return nil, database.Classify(err, "failed to claim next token")
	}
	return token, nil
}

// StartToken moves a specific Pending token to In-Progress
func (r *Repository) StartToken(ctx context.Context, id string, startedAt time.Time) (*types.Token, error) {
	query := `
		UPDATE tokens SET status = 'In-Progress', started_at = $2
		WHERE id = $1 AND status = 'Pending'
		AND NOT EXISTS (
			SELECT 1 FROM tokens busy
			WHERE busy.doctor_id = tokens.doctor_id AND busy.status = 'In-Progress'
		)
		RETURNING ` + tokenColumns

	start := time.Now()
	token, err := scanToken(r.db.QueryRowContext(ctx, query, id, startedAt))
	if errors.Is(err, sql.ErrNoRows) {
		r.db.Observe(ctx, "update", "tokens", start, 0, nil)
		return nil, r.explainMiss(ctx, id, types.TokenStatusInProgress)
	}
	r.db.Observe(ctx, "update", "tokens", start, 1, err)
	if err != nil {
		if database.IsUniqueViolation(err, inProgressConstraint) {
			return nil, visitInProgress("", id)
		}
		return nil, database.Classify(err, "failed to start token")
	}
	return token, nil
}

// CompleteToken finishes an In-Progress token and inserts its history
// record in one transaction.
func (r *Repository) CompleteToken(ctx context.Context, id string, finishedAt time.Time, record *types.HistoryRecord) (*types.Token, error) {
	var token *types.Token

	start := time.Now()
	err := r.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		token, err = finishInProgress(ctx, tx, id, types.TokenStatusCompleted, finishedAt)
		if err != nil {
			return err
		}
		return history.InsertRecord(ctx, tx, record)
	})
	r.db.Observe(ctx, "update", "tokens", start, 1, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMiss(ctx, id, types.TokenStatusCompleted)
	}
	if err != nil {
		return nil, database.Classify(err, "failed to complete token")
	}
	return token, nil
}

// SkipToken moves an In-Progress token to Skipped
func (r *Repository) SkipToken(ctx context.Context, id string, finishedAt time.Time) (*types.Token, error) {
	start := time.Now()
	token, err := finishInProgress(ctx, r.db, id, types.TokenStatusSkipped, finishedAt)
	r.db.Observe(ctx, "update", "tokens", start, 1, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMiss(ctx, id, types.TokenStatusSkipped)
	}
	if err != nil {
		return nil, database.Classify(err, "failed to skip token")
	}
	return token, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func finishInProgress(ctx context.Context, q rowQuerier, id string, status types.TokenStatus, finishedAt time.Time) (*types.Token, error) {
	query := `
		UPDATE tokens SET status = $2, finished_at = $3
		WHERE id = $1 AND status = 'In-Progress'
		RETURNING ` + tokenColumns
	return scanToken(q.QueryRowContext(ctx, query, id, status, finishedAt))
}

// explainMiss turns a conditional update that matched nothing into the
// error describing why.
func (r *Repository) explainMiss(ctx context.Context, id string, next types.TokenStatus) error {
	token, err := r.GetToken(ctx, id)
	if err != nil {
		return err
	}
	if !token.Status.CanTransitionTo(next) {
		return invalidTransition(token.Status, next)
	}
	return visitInProgress(token.DoctorID, "")
}

func tokenNotFound(id string) error {
	return types.NewNotFoundError("TOKEN_NOT_FOUND", fmt.Sprintf("token not found: %s", id))
}

func limitReached(doctorID, date string, limit int) error {
	return types.NewLimitExceededError(types.ErrCodeDailyTokenLimit,
		fmt.Sprintf("daily token limit of %d reached", limit),
		map[string]interface{}{"doctorId": doctorID, "date": date, "limit": limit})
}

func visitInProgress(doctorID, tokenID string) error {
	details := map[string]interface{}{}
	if doctorID != "" {
		details["doctorId"] = doctorID
	}
	if tokenID != "" {
		details["tokenId"] = tokenID
	}
	return types.NewConflictError(types.ErrCodeVisitInProgress, "doctor already has a visit in progress", details)
}
